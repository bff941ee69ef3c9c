// Package gateway is the single entry point for AI execution: it selects a
// provider, resolves credentials, attempts the primary invocation and falls
// back deterministically when anything in the primary branch fails. Its
// contract is "always return something": provider failures never surface
// to the caller as errors.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"aihub-gateway/internal/models"
	"aihub-gateway/internal/provider"
	"aihub-gateway/internal/stream"
)

// DegradedMessage is the fixed user-safe answer returned when no provider
// path is usable. Clients match on it, so the text must not drift.
const DegradedMessage = "AI is temporarily unavailable. Please verify server configuration and try again."

// openRouterKeyPrefix distinguishes OpenRouter keys from plain OpenAI keys
// sharing the same wire protocol.
const openRouterKeyPrefix = "sk-or"

// generateTimeout bounds one blocking provider call. Exceeding it is
// handled like any other provider failure.
const generateTimeout = 60 * time.Second

// Primary is the multimodal default provider.
type Primary interface {
	Generate(ctx context.Context, secret string, req models.CompletionRequest) (string, error)
	Stream(ctx context.Context, secret string, req models.CompletionRequest) (stream.Reader, error)
}

// Secondary is an OpenAI-style provider whose streams are normalized here
// rather than inside the adapter.
type Secondary interface {
	Generate(ctx context.Context, secret string, req models.CompletionRequest) (string, error)
	Stream(ctx context.Context, secret string, req models.CompletionRequest) (stream.NativeReader, error)
	DefaultModel() string
}

// CredentialSource resolves the secret for one (user, provider) pair.
type CredentialSource interface {
	Resolve(ctx context.Context, userID, provider string) (string, bool)
}

// Result is either a complete text answer or a canonical chunk stream,
// never both.
type Result struct {
	Text   string
	Stream stream.Reader
}

// Gateway drives the provider state machine.
type Gateway struct {
	creds         CredentialSource
	primary       Primary
	secondary     Secondary // OpenRouter endpoint
	compatible    Secondary // plain OpenAI endpoint, same wire
	fallbackKey   string    // process-wide OpenRouter default
	fallbackModel string
}

// New constructs the gateway. fallbackKey may be empty; the fallback branch
// then degrades immediately.
func New(creds CredentialSource, primary Primary, secondary, compatible Secondary, fallbackKey, fallbackModel string) *Gateway {
	return &Gateway{
		creds:         creds,
		primary:       primary,
		secondary:     secondary,
		compatible:    compatible,
		fallbackKey:   fallbackKey,
		fallbackModel: fallbackModel,
	}
}

// Run executes one AI call. Any failure in the requested branch triggers a
// single fallback attempt on the free-tier secondary model; if that path is
// unavailable too, the degraded message is returned as plain text. Run never
// returns an error.
func (g *Gateway) Run(ctx context.Context, req models.CompletionRequest) Result {
	providerName := req.Provider
	if providerName == "" {
		providerName = "gemini"
	}

	result, err := g.runBranch(ctx, providerName, req)
	if err == nil {
		return result
	}

	slog.Warn("primary provider failed, attempting fallback",
		"provider", providerName,
		"missing_credential", errors.Is(err, provider.ErrMissingCredential),
		"quota_exhausted", provider.IsQuotaExhausted(err),
		"err", err,
	)

	return g.runFallback(ctx, req)
}

func (g *Gateway) runBranch(ctx context.Context, providerName string, req models.CompletionRequest) (Result, error) {
	switch providerName {
	case "gemini":
		secret, ok := g.creds.Resolve(ctx, req.UserID, "gemini")
		if !ok {
			return Result{}, fmt.Errorf("gemini: %w", provider.ErrMissingCredential)
		}
		if req.Stream {
			reader, err := g.primary.Stream(ctx, secret, req)
			if err != nil {
				return Result{}, err
			}
			return Result{Stream: reader}, nil
		}
		callCtx, cancel := context.WithTimeout(ctx, generateTimeout)
		defer cancel()
		text, err := g.primary.Generate(callCtx, secret, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text}, nil

	case "openai", "openrouter":
		secret, ok := g.creds.Resolve(ctx, req.UserID, "openrouter")
		if !ok {
			return Result{}, fmt.Errorf("openrouter: %w", provider.ErrMissingCredential)
		}
		// Keys without the OpenRouter prefix belong to a compatible provider
		// on the same wire protocol with its own endpoint and default model.
		target := g.secondary
		if !strings.HasPrefix(secret, openRouterKeyPrefix) {
			target = g.compatible
		}
		return g.invokeSecondary(ctx, target, secret, req)

	default:
		return Result{}, fmt.Errorf("unknown provider %q", providerName)
	}
}

// runFallback is the one-shot recovery path: the free-tier secondary model
// with the process-wide key, regardless of which provider was requested.
func (g *Gateway) runFallback(ctx context.Context, req models.CompletionRequest) Result {
	key := g.fallbackKey
	if key == "" || !strings.HasPrefix(key, openRouterKeyPrefix) {
		return Result{Text: DegradedMessage}
	}

	fallbackReq := req
	fallbackReq.Model = g.fallbackModel
	fallbackReq.Image = nil // unsupported on the secondary wire

	result, err := g.invokeSecondary(ctx, g.secondary, key, fallbackReq)
	if err != nil {
		slog.Error("fallback provider failed", "err", err)
		return Result{Text: DegradedMessage}
	}
	return result
}

func (g *Gateway) invokeSecondary(ctx context.Context, target Secondary, secret string, req models.CompletionRequest) (Result, error) {
	if req.Stream {
		native, err := target.Stream(ctx, secret, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Stream: stream.Normalize(native)}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	text, err := target.Generate(callCtx, secret, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text}, nil
}
