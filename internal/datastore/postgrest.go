package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// PostgREST is a thin client for a Supabase-style REST data API.
type PostgREST struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// NewPostgREST constructs a PostgREST-backed store.
func NewPostgREST(baseURL, serviceKey string, client *http.Client) (*PostgREST, error) {
	if client == nil {
		return nil, fmt.Errorf("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url must not be empty")
	}
	return &PostgREST{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		client:     client,
	}, nil
}

func (p *PostgREST) ProbeExists(ctx context.Context, table string) error {
	_, err := p.fetch(ctx, table, url.Values{"select": {"*"}, "limit": {"1"}})
	return err
}

func (p *PostgREST) FetchSample(ctx context.Context, table string, limit int) ([]Row, error) {
	return p.fetch(ctx, table, url.Values{
		"select": {"*"},
		"limit":  {strconv.Itoa(limit)},
	})
}

func (p *PostgREST) FetchFiltered(ctx context.Context, table, column, value string, limit int) ([]Row, error) {
	if err := validIdentifier(column); err != nil {
		return nil, err
	}
	return p.fetch(ctx, table, url.Values{
		"select": {"*"},
		"limit":  {strconv.Itoa(limit)},
		column:   {"eq." + value},
	})
}

func (p *PostgREST) UserKey(ctx context.Context, userID, provider string) (string, error) {
	rows, err := p.fetch(ctx, "user_api_keys", url.Values{
		"select":   {"encrypted_key"},
		"user_id":  {"eq." + userID},
		"provider": {"eq." + provider},
		"limit":    {"1"},
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	key, _ := rows[0]["encrypted_key"].(string)
	if key == "" {
		return "", ErrNotFound
	}
	return key, nil
}

func (p *PostgREST) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *PostgREST) fetch(ctx context.Context, table string, query url.Values) ([]Row, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/rest/v1/%s?%s", p.baseURL, table, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", p.serviceKey)
	req.Header.Set("Authorization", "Bearer "+p.serviceKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("postgrest request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, parseRESTError(table, resp)
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows for table %q: %w", table, err)
	}
	return rows, nil
}

// parseRESTError surfaces the PostgREST error code (e.g. PGRST205 for a
// stale schema cache) so callers can build targeted diagnostics.
func parseRESTError(table string, resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if readErr != nil {
		return fmt.Errorf("table %q: status %d and failed to read body: %w", table, resp.StatusCode, readErr)
	}

	code := gjson.GetBytes(body, "code").String()
	message := gjson.GetBytes(body, "message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if code != "" {
		return fmt.Errorf("table %q: %s: %s", table, code, message)
	}
	return fmt.Errorf("table %q: status %d: %s", table, resp.StatusCode, message)
}
