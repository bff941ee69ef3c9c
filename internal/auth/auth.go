// Package auth verifies bearer tokens against an external identity
// provider. It is a thin wrapper: no tokens are issued or validated here
// beyond asking the identity service who the caller is.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnauthorized indicates the token is missing, malformed or rejected by
// the identity provider.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	UserID(ctx context.Context, token string) (string, error)
}

// Supabase verifies tokens against the Supabase auth endpoint.
type Supabase struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSupabase constructs a verifier for the given project URL.
func NewSupabase(baseURL, apiKey string, client *http.Client) (*Supabase, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	return &Supabase{baseURL: baseURL, apiKey: apiKey, client: client}, nil
}

// UserID asks the identity service for the token's owner.
func (s *Supabase) UserID(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("construct auth request: %w", err)
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: identity service status %d", ErrUnauthorized, resp.StatusCode)
	}

	userID := gjson.GetBytes(body, "id").String()
	if userID == "" {
		return "", fmt.Errorf("%w: identity service returned no user", ErrUnauthorized)
	}
	return userID, nil
}

// Static trusts the token as the user id directly. It exists for local
// SQLite deployments with no identity provider; never use it behind a
// public endpoint.
type Static struct{}

// UserID returns the token itself as the user id.
func (Static) UserID(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
