package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"aihub-gateway/internal/models"
	"aihub-gateway/internal/provider"
	"aihub-gateway/internal/stream"
)

func sseFrame(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
		},
	})
	return fmt.Sprintf("data: %s\n\n", payload)
}

func quotaFrame() string {
	return `data: {"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}` + "\n\n"
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(server.URL, "gemini-flash-latest", server.Client())
	require.NoError(t, err)
	return p
}

func drain(t *testing.T, reader stream.Reader) []string {
	t.Helper()
	var out []string
	for {
		chunk, err := reader.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk.Delta)
	}
}

func TestGenerate(t *testing.T) {
	var captured []byte
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		require.Equal(t, "secret-key", r.Header.Get("x-goog-api-key"))
		require.Contains(t, r.URL.Path, "gemini-flash-latest:generateContent")

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": "42"}}}},
			},
		})
	})

	text, err := p.Generate(context.Background(), "secret-key", models.CompletionRequest{
		Messages: []models.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "what is the answer"},
		},
		Temperature: 0.5,
	})
	require.NoError(t, err)
	require.Equal(t, "42", text)

	// All messages collapse into one role-prefixed block.
	body := string(captured)
	require.Contains(t, body, `system: be brief\nuser: what is the answer`)
	require.Contains(t, body, `"system_instruction"`)
	require.Contains(t, body, `"temperature":0.5`)
}

func TestGenerateRequiresSecret(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := p.Generate(context.Background(), "", models.CompletionRequest{})
	require.ErrorIs(t, err, provider.ErrMissingCredential)
}

func TestGenerateImageAttached(t *testing.T) {
	var captured []byte
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": "a chart"}}}},
			},
		})
	})

	png := append([]byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, make([]byte, 16)...)
	_, err := p.Generate(context.Background(), "k", models.CompletionRequest{
		Messages: []models.Message{{Role: "user", Content: "describe"}},
		Image:    png,
	})
	require.NoError(t, err)
	require.Contains(t, string(captured), `"inline_data"`)
	require.Contains(t, string(captured), `"mime_type":"image/png"`)
}

func TestStreamHappyPath(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.RawQuery, "alt=sse")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseFrame("Hello"))
		io.WriteString(w, sseFrame(" world"))
	})

	reader, err := p.Stream(context.Background(), "k", models.CompletionRequest{
		Messages: []models.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer reader.Close()

	require.Equal(t, []string{"Hello", " world"}, drain(t, reader))

	// EOF is sticky.
	_, err = reader.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamQuotaSplicesFallback(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseFrame("partial "))
		io.WriteString(w, quotaFrame())
		io.WriteString(w, sseFrame("never delivered"))
	})

	var gotMessages []models.Message
	p.SetFallback(func(ctx context.Context, messages []models.Message, temperature float64) (stream.Reader, error) {
		gotMessages = messages
		return stream.FromChunks(stream.Chunk{Delta: "rescued "}, stream.Chunk{Delta: "answer"}), nil
	})

	reader, err := p.Stream(context.Background(), "k", models.CompletionRequest{
		Messages: []models.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer reader.Close()

	// Primary chunks strictly precede fallback chunks.
	require.Equal(t, []string{"partial ", "rescued ", "answer"}, drain(t, reader))
	require.Equal(t, []models.Message{{Role: "user", Content: "hi"}}, gotMessages)
}

func TestStreamQuotaWithoutFallback(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, quotaFrame())
	})

	reader, err := p.Stream(context.Background(), "k", models.CompletionRequest{
		Messages: []models.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer reader.Close()

	chunks := drain(t, reader)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0], "AI Error:")
	require.Contains(t, chunks[0], "quota exceeded")
}

func TestStreamFallbackStartFailure(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, quotaFrame())
	})
	p.SetFallback(func(ctx context.Context, messages []models.Message, temperature float64) (stream.Reader, error) {
		return nil, errors.New("no fallback capacity")
	})

	reader, err := p.Stream(context.Background(), "k", models.CompletionRequest{
		Messages: []models.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer reader.Close()

	chunks := drain(t, reader)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0], "Fallback Failed:")
	require.Contains(t, chunks[0], "no fallback capacity")
}

func TestStreamNonQuotaErrorBecomesErrorChunk(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"error":{"code":500,"message":"internal","status":"INTERNAL"}}`+"\n\n")
	})
	p.SetFallback(func(ctx context.Context, messages []models.Message, temperature float64) (stream.Reader, error) {
		t.Fatal("fallback must not run for non-quota failures")
		return nil, nil
	})

	reader, err := p.Stream(context.Background(), "k", models.CompletionRequest{Stream: true})
	require.NoError(t, err)
	defer reader.Close()

	chunks := drain(t, reader)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0], "AI Error:")
}

func TestStreamPreFlightQuotaIsAnError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited","status":"RESOURCE_EXHAUSTED"}}`)
	})

	_, err := p.Stream(context.Background(), "k", models.CompletionRequest{Stream: true})
	require.Error(t, err)
	require.True(t, provider.IsQuotaExhausted(err))
}
