package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"aihub-gateway/internal/auth"
	"aihub-gateway/internal/config"
	"aihub-gateway/internal/gateway"
	"aihub-gateway/internal/models"
	"aihub-gateway/internal/stream"
	"aihub-gateway/internal/tableselect"
)

type staticCreds map[string]string

func (s staticCreds) Resolve(ctx context.Context, userID, provider string) (string, bool) {
	key, ok := s[provider]
	return key, ok
}

type scriptedPrimary struct {
	text   string
	chunks []stream.Chunk
}

func (p scriptedPrimary) Generate(ctx context.Context, secret string, req models.CompletionRequest) (string, error) {
	return p.text, nil
}

func (p scriptedPrimary) Stream(ctx context.Context, secret string, req models.CompletionRequest) (stream.Reader, error) {
	return stream.FromChunks(p.chunks...), nil
}

type unusedSecondary struct{}

func (unusedSecondary) Generate(ctx context.Context, secret string, req models.CompletionRequest) (string, error) {
	return "", nil
}

func (unusedSecondary) Stream(ctx context.Context, secret string, req models.CompletionRequest) (stream.NativeReader, error) {
	return nil, nil
}

func (unusedSecondary) DefaultModel() string { return "" }

type memoryStore struct {
	rows []map[string]any
}

func (m memoryStore) FetchSample(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	if limit < len(m.rows) {
		return m.rows[:limit], nil
	}
	return m.rows, nil
}

func (m memoryStore) FetchFiltered(ctx context.Context, table, column, value string, limit int) ([]map[string]any, error) {
	return m.rows, nil
}

func newTestServer(t *testing.T, creds staticCreds, primary scriptedPrimary) *Server {
	t.Helper()

	cfg := config.Config{}
	cfg.Server.Port = 8080
	cfg.Tables.Known = []string{"subscribers", "orders", "users", "profiles"}
	cfg.Tables.Default = "profiles"

	gw := gateway.New(creds, primary, unusedSecondary{}, unusedSecondary{}, "", "")
	selector := tableselect.New(cfg.Tables.Known, nil)

	store := memoryStore{rows: []map[string]any{{"name": "alice", "status": "active"}}}

	srv, err := New(cfg, gw, store, selector, auth.Static{})
	require.NoError(t, err)
	return srv
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer user-1")
	return req
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRunAIRequiresAuth(t *testing.T) {
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	req := httptest.NewRequest(http.MethodPost, "/ai/run", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")

	rec := do(srv, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "authentication_error")
}

func TestRunAIEmptyMessages(t *testing.T) {
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	req := authed(httptest.NewRequest(http.MethodPost, "/ai/run", strings.NewReader(`{"messages":[]}`)))
	req.Header.Set("Content-Type", "application/json")

	rec := do(srv, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "messages must not be empty")
}

func TestRunAIMissingBody(t *testing.T) {
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	req := authed(httptest.NewRequest(http.MethodPost, "/ai/run", nil))
	req.Header.Set("Content-Type", "application/json")

	rec := do(srv, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "request body is required")
}

func TestRunAITemperatureRange(t *testing.T) {
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	req := authed(httptest.NewRequest(http.MethodPost, "/ai/run",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"temperature":3.5}`)))
	req.Header.Set("Content-Type", "application/json")

	rec := do(srv, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "out of range")
}

func TestRunAIHappyPath(t *testing.T) {
	srv := newTestServer(t,
		staticCreds{"gemini": "g-key"},
		scriptedPrimary{text: "the answer"},
	)

	req := authed(httptest.NewRequest(http.MethodPost, "/ai/run",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)))
	req.Header.Set("Content-Type", "application/json")

	rec := do(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"response":"the answer"}`, rec.Body.String())
}

func analyzeRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/modules/chat-with-data/analyze",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return authed(req)
}

func TestAnalyzeRequiresQuestion(t *testing.T) {
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	rec := do(srv, analyzeRequest(url.Values{"question": {"   "}}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "question is required")
}

func TestAnalyzeStreamShape(t *testing.T) {
	srv := newTestServer(t,
		staticCreds{"gemini": "g-key"},
		scriptedPrimary{chunks: []stream.Chunk{{Delta: "There are "}, {Delta: "2 active"}}},
	)

	rec := do(srv, analyzeRequest(url.Values{"question": {"how many active subscribers"}}))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	// The event shape is a byte-for-byte client contract.
	expected := "data: {\"chunk\":\"There are \"}\n\n" +
		"data: {\"chunk\":\"2 active\"}\n\n" +
		"data: [DONE]\n\n"
	require.Equal(t, expected, rec.Body.String())
}

func TestAnalyzeDegradedAnswerRidesStreamShape(t *testing.T) {
	// No gemini credential and no fallback key: the gateway degrades to a
	// fixed text answer, which still ships as one chunk plus the terminator.
	srv := newTestServer(t, staticCreds{}, scriptedPrimary{})

	rec := do(srv, analyzeRequest(url.Values{"question": {"anything"}}))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t,
		"data: {\"chunk\":\""+gateway.DegradedMessage+"\"}\n\n"+"data: [DONE]\n\n",
		rec.Body.String())
}

func TestAnalyzeGeneralModeSkipsDatabase(t *testing.T) {
	srv := newTestServer(t,
		staticCreds{"gemini": "g-key"},
		scriptedPrimary{chunks: []stream.Chunk{{Delta: "hello"}}},
	)

	rec := do(srv, analyzeRequest(url.Values{
		"question": {"what is the capital of France"},
		"mode":     {"general"},
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `data: {"chunk":"hello"}`)
	require.Contains(t, rec.Body.String(), "data: [DONE]")
}
