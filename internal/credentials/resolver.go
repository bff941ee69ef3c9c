// Package credentials resolves the API key used for one provider call,
// preferring a per-user stored key (BYOK) over the process-wide default.
package credentials

import (
	"context"
	"log/slog"
	"strings"
)

// KeyStore is the read-only surface of the credential store.
type KeyStore interface {
	UserKey(ctx context.Context, userID, provider string) (string, error)
}

// Defaults carries the process-wide fallback keys, fixed at startup.
type Defaults struct {
	Gemini     string
	OpenRouter string
	OpenAI     string
}

// Resolver looks up credentials per request. Results are never cached: a
// revoked key must stop working on the next call.
type Resolver struct {
	store    KeyStore
	defaults Defaults
}

// NewResolver constructs a resolver over the given store and defaults.
func NewResolver(store KeyStore, defaults Defaults) *Resolver {
	return &Resolver{store: store, defaults: defaults}
}

// Resolve returns the secret for (userID, provider) and whether one exists.
// Any store failure counts as "no user key" rather than an error: absence
// signals "use the process default", and the caller treats a missing default
// as the hard failure.
func (r *Resolver) Resolve(ctx context.Context, userID, provider string) (string, bool) {
	if r.store != nil && userID != "" {
		key, err := r.store.UserKey(ctx, userID, provider)
		if err != nil {
			slog.Debug("user key lookup failed, using process default", "provider", provider, "err", err)
		} else if sanitized := Sanitize(key); sanitized != "" {
			return sanitized, true
		}
	}

	if key := Sanitize(r.defaultFor(provider)); key != "" {
		return key, true
	}
	return "", false
}

func (r *Resolver) defaultFor(provider string) string {
	switch provider {
	case "gemini":
		return r.defaults.Gemini
	case "openrouter":
		return r.defaults.OpenRouter
	case "openai":
		return r.defaults.OpenAI
	default:
		return ""
	}
}

// Sanitize trims whitespace and keeps only the first token of a stored
// secret. Keys pasted into dashboards routinely pick up trailing comments
// or line noise.
func Sanitize(secret string) string {
	fields := strings.Fields(strings.TrimSpace(secret))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
