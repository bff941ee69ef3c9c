// Package gemini implements the primary multimodal provider adapter. It is
// the only adapter that normalizes its own stream: quota exhaustion reported
// mid-stream is absorbed by splicing the fallback provider's chunks into the
// same output sequence, so the caller never sees a broken stream.
package gemini

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

const systemDirective = "You are the AI Hub assistant. Today is %s. Your goal is to be helpful, professional, and concise. When analyzing data, provide clear summaries and use Markdown tables. Always format lists properly. Do NOT ask for clarification on typos or vague queries; infer the user's intent and provide the best possible answer immediately."

// FallbackFunc starts a normalized fallback stream for the same
// conversation. It is invoked only when the primary stream dies with a
// quota-exhaustion signal.
type FallbackFunc func(ctx context.Context, messages []models.Message, temperature float64) (stream.Reader, error)

// Provider invokes the Gemini REST API in blocking and streaming modes.
type Provider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
	fallback     FallbackFunc
	now          func() time.Time
}

// New creates the primary provider adapter.
func New(baseURL, defaultModel string, client *http.Client) (*Provider, error) {
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
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       client,
		now:          time.Now,
	}, nil
}

// SetFallback installs the mid-stream fallback target. Without one, stream
// failures degrade to a single error chunk.
func (p *Provider) SetFallback(f FallbackFunc) {
	p.fallback = f
}

// DefaultModel returns the model used when the caller supplies none.
func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

// Generate performs one blocking call and returns the complete answer text.
func (p *Provider) Generate(ctx context.Context, secret string, req models.CompletionRequest) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("gemini: %w", provider.ErrMissingCredential)
	}

	httpResp, err := p.send(ctx, secret, req, false)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	text := resp.text()
	if text == "" {
		return "", errors.New("gemini: response contained no text")
	}
	return text, nil
}

// Stream starts a streaming call and returns a canonical chunk sequence.
// Failures before the first byte are returned as errors so the orchestrator
// can route them; failures after that are absorbed into the stream itself.
func (p *Provider) Stream(ctx context.Context, secret string, req models.CompletionRequest) (stream.Reader, error) {
	if secret == "" {
		return nil, fmt.Errorf("gemini: %w", provider.ErrMissingCredential)
	}

	httpResp, err := p.send(ctx, secret, req, true)
	if err != nil {
		return nil, err
	}

	return &spliceStream{
		provider:    p,
		messages:    req.Messages,
		temperature: req.Temperature,
		body:        httpResp.Body,
		scanner:     provider.NewSSEScanner(httpResp.Body),
	}, nil
}

func (p *Provider) send(ctx context.Context, secret string, req models.CompletionRequest, streaming bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	if streaming {
		endpoint = fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)
	}

	payload := generatePayload{
		SystemInstruction: &content{Parts: []part{{Text: p.directive()}}},
		Contents:          []content{buildUserContent(req)},
		GenerationConfig:  generationConfig{Temperature: req.Temperature},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("x-goog-api-key", secret)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, provider.APIError("gemini", httpResp)
	}
	return httpResp, nil
}

func (p *Provider) directive() string {
	return fmt.Sprintf(systemDirective, p.now().Format("2006-01-02 15:04"))
}

// buildUserContent concatenates all messages into one role-prefixed prompt
// block and appends the encoded image part when present.
func buildUserContent(req models.CompletionRequest) content {
	lines := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		lines = append(lines, m.Role+": "+m.Content)
	}

	parts := []part{{Text: strings.Join(lines, "\n")}}
	if len(req.Image) > 0 {
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: http.DetectContentType(req.Image),
				Data:     req.Image,
			},
		})
	}
	return content{Role: "user", Parts: parts}
}

type generatePayload struct {
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"` // encoding/json emits base64 for []byte
}

// generateResponse covers both full and streamed response bodies; each SSE
// data frame carries the same candidate shape with incremental part text.
type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r generateResponse) text() string {
	var sb strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func (e *apiError) toErr() error {
	if e.Code == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED" {
		return fmt.Errorf("gemini status %d: %s: %w", e.Code, e.Message, provider.ErrQuotaExhausted)
	}
	return fmt.Errorf("gemini error status %d: %s", e.Code, e.Message)
}

// spliceStream is the streaming state machine: it serves primary chunks
// until the stream ends or fails, switches to the fallback stream on a
// quota signal, and otherwise converts the failure into a final error chunk.
// All primary chunks strictly precede all fallback chunks; io.EOF is
// delivered exactly once.
type spliceStream struct {
	provider    *Provider
	messages    []models.Message
	temperature float64

	body    io.ReadCloser
	scanner *provider.SSEScanner

	fallback stream.Reader // non-nil once spliced
	pending  string        // final error chunk awaiting delivery
	done     bool
}

func (s *spliceStream) Next(ctx context.Context) (stream.Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return stream.Chunk{}, err
		}
		if s.done {
			return stream.Chunk{}, io.EOF
		}
		if s.pending != "" {
			chunk := stream.Chunk{Delta: s.pending}
			s.pending = ""
			s.done = true
			return chunk, nil
		}
		if s.fallback != nil {
			chunk, err := s.fallback.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.done = true
				return stream.Chunk{}, io.EOF
			}
			if err != nil {
				// A fallback that dies mid-stream gets one failure chunk.
				s.pending = fmt.Sprintf("Fallback Failed: %v", err)
				continue
			}
			return chunk, nil
		}

		data, err := s.scanner.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			return stream.Chunk{}, io.EOF
		}
		if err != nil {
			s.fail(ctx, err)
			continue
		}

		var frame generateResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // metadata/heartbeat frame
		}
		if frame.Error != nil {
			s.fail(ctx, frame.Error.toErr())
			continue
		}
		if text := frame.text(); text != "" {
			return stream.Chunk{Delta: text}, nil
		}
	}
}

// fail handles a mid-stream primary failure: quota exhaustion splices in the
// fallback stream, anything else becomes the final error chunk.
func (s *spliceStream) fail(ctx context.Context, cause error) {
	s.closePrimary()

	if provider.IsQuotaExhausted(cause) && s.provider.fallback != nil {
		fb, err := s.provider.fallback(ctx, s.messages, s.temperature)
		if err != nil {
			s.pending = fmt.Sprintf("Fallback Failed: %v", err)
			return
		}
		s.fallback = fb
		return
	}

	s.pending = fmt.Sprintf("AI Error: %v", cause)
}

func (s *spliceStream) closePrimary() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

func (s *spliceStream) Close() error {
	s.done = true
	s.closePrimary()
	if s.fallback != nil {
		return s.fallback.Close()
	}
	return nil
}
