// Package openrouter implements the fallback completion provider over the
// OpenAI-style chat-completions wire. The same adapter serves any endpoint
// speaking that protocol; only the base URL and default model differ.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aihub-gateway/internal/models"
	"aihub-gateway/internal/provider"
	"aihub-gateway/internal/stream"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "aihub-gateway/0.1"
)

const defaultSystemDirective = "You are a professional AI assistant. Today is %s. Answer concisely and use Markdown for formatting. Do NOT ask for clarification on typos or vague queries; infer the user's intent and provide the best possible answer immediately."

// Provider invokes an OpenAI-compatible chat-completions endpoint. Image
// input is not supported on this wire and is silently dropped.
type Provider struct {
	name         string
	baseURL      string
	defaultModel string
	client       *http.Client
	chatURL      string
	now          func() time.Time
}

// New creates a provider bound to one endpoint.
func New(name, baseURL, defaultModel string, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("default model must not be empty")
	}

	return &Provider{
		name:         name,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       client,
		chatURL:      baseURL + "/chat/completions",
		now:          time.Now,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// DefaultModel returns the model used when the caller supplies none.
func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

// Generate performs one blocking completion and returns the answer text.
func (p *Provider) Generate(ctx context.Context, secret string, req models.CompletionRequest) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("provider %s: %w", p.name, provider.ErrMissingCredential)
	}

	httpResp, err := p.send(ctx, secret, req, false)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: response did not include choices", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream starts a streaming completion and returns the provider-native chunk
// sequence. Callers normalize it with stream.Normalize.
func (p *Provider) Stream(ctx context.Context, secret string, req models.CompletionRequest) (stream.NativeReader, error) {
	if secret == "" {
		return nil, fmt.Errorf("provider %s: %w", p.name, provider.ErrMissingCredential)
	}

	httpResp, err := p.send(ctx, secret, req, true)
	if err != nil {
		return nil, err
	}

	return &ChunkStream{
		body:    httpResp.Body,
		scanner: provider.NewSSEScanner(httpResp.Body),
	}, nil
}

func (p *Provider) send(ctx context.Context, secret string, req models.CompletionRequest, streaming bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := chatPayload{
		Model:       model,
		Messages:    p.ensureSystem(req.Messages),
		Temperature: req.Temperature,
		Stream:      streaming,
	}
	// Some model identifiers imply reasoning capability; those requests must
	// enable it explicitly.
	if strings.Contains(model, "free") || strings.Contains(model, "reasoning") {
		payload.Reasoning = &reasoningOptions{Enabled: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal payload: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: construct request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, provider.APIError(p.name, httpResp)
	}
	return httpResp, nil
}

// ensureSystem prepends the default system directive when the caller
// supplied none, leaving the input slice untouched.
func (p *Provider) ensureSystem(messages []models.Message) []models.Message {
	if models.HasSystem(messages) {
		out := make([]models.Message, len(messages))
		copy(out, messages)
		return out
	}

	directive := fmt.Sprintf(defaultSystemDirective, p.now().Format("2006-01-02 15:04"))
	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, models.Message{Role: "system", Content: directive})
	return append(out, messages...)
}

type chatPayload struct {
	Model       string            `json:"model"`
	Messages    []models.Message  `json:"messages"`
	Temperature float64           `json:"temperature"`
	Stream      bool              `json:"stream,omitempty"`
	Reasoning   *reasoningOptions `json:"reasoning,omitempty"`
}

type reasoningOptions struct {
	Enabled bool `json:"enabled"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message models.Message `json:"message"`
}

// ChunkStream is the provider-native streaming sequence: one decoded wire
// chunk per SSE data line. It implements stream.NativeReader.
type ChunkStream struct {
	body    io.ReadCloser
	scanner *provider.SSEScanner
	closed  bool
}

// Next returns the next wire chunk or io.EOF at end of stream.
func (c *ChunkStream) Next(ctx context.Context) (stream.NativeChunk, error) {
	if err := ctx.Err(); err != nil {
		return stream.NativeChunk{}, err
	}
	if c.closed {
		return stream.NativeChunk{}, io.EOF
	}

	data, err := c.scanner.Next()
	if err != nil {
		return stream.NativeChunk{}, err
	}

	var chunk stream.NativeChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Malformed frames are treated as metadata and skipped downstream.
		return stream.NativeChunk{}, nil
	}
	return chunk, nil
}

// Close releases the underlying connection. Safe to call more than once.
func (c *ChunkStream) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.body.Close()
}
