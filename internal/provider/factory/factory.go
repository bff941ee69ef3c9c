// Package factory constructs the provider adapters from configuration and
// wires the primary adapter's mid-stream fallback to the secondary one.
package factory

import (
	"context"
	"net"
	"net/http"
	"time"

	"aihub-gateway/internal/config"
	"aihub-gateway/internal/credentials"
	"aihub-gateway/internal/models"
	geminiProvider "aihub-gateway/internal/provider/gemini"
	openrouterProvider "aihub-gateway/internal/provider/openrouter"
	"aihub-gateway/internal/stream"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Providers bundles the constructed adapters.
type Providers struct {
	Gemini     *geminiProvider.Provider
	OpenRouter *openrouterProvider.Provider
	OpenAI     *openrouterProvider.Provider
}

// Build constructs all adapters. When a default OpenRouter key is
// configured, the gemini adapter gets a fallback that streams the free-tier
// model through the secondary wire and normalizes its chunks.
func Build(cfg config.Config) (*Providers, error) {
	gemini, err := geminiProvider.New(
		cfg.Providers.Gemini.BaseURL,
		cfg.Providers.Gemini.Model,
		NewHTTPClient(0), // streaming responses outlive a fixed deadline
	)
	if err != nil {
		return nil, err
	}

	openrouter, err := openrouterProvider.New(
		"openrouter",
		cfg.Providers.OpenRouter.BaseURL,
		cfg.Providers.OpenRouter.Model,
		NewHTTPClient(0),
	)
	if err != nil {
		return nil, err
	}

	openai, err := openrouterProvider.New(
		"openai",
		cfg.Providers.OpenAI.BaseURL,
		cfg.Providers.OpenAI.Model,
		NewHTTPClient(0),
	)
	if err != nil {
		return nil, err
	}

	if fallbackKey := credentials.Sanitize(cfg.Providers.OpenRouter.APIKey); fallbackKey != "" {
		freeModel := cfg.Providers.OpenRouter.Model
		gemini.SetFallback(func(ctx context.Context, messages []models.Message, temperature float64) (stream.Reader, error) {
			native, err := openrouter.Stream(ctx, fallbackKey, models.CompletionRequest{
				Messages:    messages,
				Model:       freeModel,
				Temperature: temperature,
				Stream:      true,
			})
			if err != nil {
				return nil, err
			}
			return stream.Normalize(native), nil
		})
	}

	return &Providers{
		Gemini:     gemini,
		OpenRouter: openrouter,
		OpenAI:     openai,
	}, nil
}

// NewHTTPClient builds the tuned client shared by outbound callers. A zero
// timeout disables the overall deadline; per-call contexts still bound the
// wait.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: defaultHTTPTimeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
