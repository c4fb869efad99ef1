package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/config"
	"github.com/comigor/threadgate/internal/gateway"
	"github.com/comigor/threadgate/internal/history"
	"github.com/comigor/threadgate/internal/ratelimit"
)

const testSecret = "s3cret"

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Environment: "development", ServiceName: "conversation-gateway", Version: "1.0.0"},
		Auth:      config.AuthConfig{Header: config.DefaultAuthHeader, Secret: testSecret},
		RateLimit: config.RateLimitConfig{Window: time.Minute, Max: 30},
		CORS: config.CORSConfig{
			AllowedOrigins:      config.DefaultAllowedOrigins,
			AllowedHostSuffixes: config.DefaultHostSuffixes,
		},
	}
}

type fakeConversations struct {
	ChatFunc    func(ctx context.Context, req gateway.ChatRequest) (gateway.ChatResponse, error)
	ThreadFunc  func(ctx context.Context, threadID string) ([]history.Message, error)
	ThreadsFunc func(ctx context.Context, userEmail string, limit int) ([]history.Thread, error)

	calls int
}

func (f *fakeConversations) Chat(ctx context.Context, req gateway.ChatRequest) (gateway.ChatResponse, error) {
	f.calls++
	if f.ChatFunc != nil {
		return f.ChatFunc(ctx, req)
	}
	return gateway.ChatResponse{Reply: "ok", ThreadID: "t-1"}, nil
}

func (f *fakeConversations) Thread(ctx context.Context, threadID string) ([]history.Message, error) {
	f.calls++
	if f.ThreadFunc != nil {
		return f.ThreadFunc(ctx, threadID)
	}
	return []history.Message{}, nil
}

func (f *fakeConversations) Threads(ctx context.Context, userEmail string, limit int) ([]history.Thread, error) {
	f.calls++
	if f.ThreadsFunc != nil {
		return f.ThreadsFunc(ctx, userEmail, limit)
	}
	return []history.Thread{}, nil
}

type stubCompleter struct {
	reply string
	err   error
}

func (s stubCompleter) Complete(ctx context.Context, hist []history.Message, userEmail string) (string, error) {
	return s.reply, s.err
}

func newHandler(t *testing.T, cfg *config.Config, conv Conversations) http.Handler {
	t.Helper()
	s, err := New(cfg, conv)
	require.NoError(t, err)
	return s.Handler()
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		if k == "RemoteAddr" {
			req.RemoteAddr = v
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var authed = map[string]string{config.DefaultAuthHeader: testSecret}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestAuth_RejectsBeforeAnyWork(t *testing.T) {
	conv := &fakeConversations{}
	h := newHandler(t, testConfig(), conv)
	chat := `{"userEmail":"u@x.com","message":"hi"}`

	rec := do(h, http.MethodPost, "/v1/chat", chat, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Authentication required", decodeError(t, rec).Error)

	rec = do(h, http.MethodPost, "/v1/chat", chat, map[string]string{config.DefaultAuthHeader: "wrong"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "Invalid credentials", decodeError(t, rec).Error)

	rec = do(h, http.MethodGet, "/v1/threads/abc", "", map[string]string{config.DefaultAuthHeader: testSecret + " "})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, http.MethodGet, "/v1/threads?userEmail=u@x.com", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Zero(t, conv.calls)
}

func TestRateLimit_PerClient(t *testing.T) {
	h := newHandler(t, testConfig(), &fakeConversations{})
	chat := `{"userEmail":"u@x.com","message":"hi"}`
	clientA := map[string]string{config.DefaultAuthHeader: testSecret, "RemoteAddr": "10.0.0.1:5000"}
	clientB := map[string]string{config.DefaultAuthHeader: testSecret, "RemoteAddr": "10.0.0.2:5000"}

	for i := 0; i < 30; i++ {
		rec := do(h, http.MethodPost, "/v1/chat", chat, clientA)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := do(h, http.MethodPost, "/v1/chat", chat, clientA)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, ratelimit.Message, decodeError(t, rec).Error)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(h, http.MethodPost, "/v1/chat", chat, clientB)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/health", "", map[string]string{"RemoteAddr": "10.0.0.1:5000"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChat_RoundTripAndDegradedReads(t *testing.T) {
	gw := gateway.New(history.NewEphemeral(), stubCompleter{reply: "hello!"})
	h := newHandler(t, testConfig(), gw)

	rec := do(h, http.MethodPost, "/v1/chat", `{"userEmail":"u@x.com","message":"hi"}`, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp gateway.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello!", resp.Reply)
	require.NotEmpty(t, resp.ThreadID)

	rec = do(h, http.MethodGet, "/v1/threads/"+resp.ThreadID, "", authed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"threadId":"`+resp.ThreadID+`","messages":[]}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/v1/threads?userEmail=u@x.com", "", authed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"threads":[]}`, rec.Body.String())
}

func TestChat_PersistedThreadIsReadable(t *testing.T) {
	store := history.Open(config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "srv.db")})
	t.Cleanup(func() { store.Close() })
	h := newHandler(t, testConfig(), gateway.New(store, stubCompleter{reply: "hello!"}))

	rec := do(h, http.MethodPost, "/v1/chat", `{"userEmail":"u@x.com","message":"hi"}`, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp gateway.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = do(h, http.MethodGet, "/v1/threads/"+resp.ThreadID, "", authed)
	require.Equal(t, http.StatusOK, rec.Code)
	var thread threadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &thread))
	require.Equal(t, resp.ThreadID, thread.ThreadID)
	require.Len(t, thread.Messages, 2)
	require.Equal(t, history.RoleUser, thread.Messages[0].Role)
	require.Equal(t, "hi", thread.Messages[0].Content)
	require.Equal(t, history.RoleAssistant, thread.Messages[1].Role)
	require.Equal(t, "hello!", thread.Messages[1].Content)

	rec = do(h, http.MethodGet, "/v1/threads?userEmail=u@x.com&limit=5", "", authed)
	require.Equal(t, http.StatusOK, rec.Code)
	var list threadsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Threads, 1)
	require.Equal(t, resp.ThreadID, list.Threads[0].ID)
	require.Equal(t, "hi", list.Threads[0].Title)
}

func TestChat_UpstreamFailureIsGeneric(t *testing.T) {
	store := history.Open(config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "up.db")})
	t.Cleanup(func() { store.Close() })
	failing := stubCompleter{err: apperr.Upstream("llm.Complete", 502, errors.New(`provider said: {"secret":"internal trace"}`))}
	h := newHandler(t, testConfig(), gateway.New(store, failing))

	rec := do(h, http.MethodPost, "/v1/chat", `{"userEmail":"u@x.com","message":"hi"}`, authed)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	require.Equal(t, UpstreamMessage, body.Error)
	require.Empty(t, body.Details)
	require.NotContains(t, rec.Body.String(), "internal trace")

	threads, err := store.ListThreadsForUser(context.Background(), "u@x.com", 10)
	require.NoError(t, err)
	for _, th := range threads {
		msgs, err := store.GetThreadHistory(context.Background(), th.ID)
		require.NoError(t, err)
		require.Empty(t, msgs)
	}
}

func TestChat_BadRequests(t *testing.T) {
	h := newHandler(t, testConfig(), gateway.New(history.NewEphemeral(), stubCompleter{reply: "x"}))

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `hello`},
		{name: "non-string field", body: `{"userEmail":5,"message":"hi"}`},
		{name: "array", body: `["hi"]`},
		{name: "empty message", body: `{"userEmail":"u@x.com","message":"  "}`},
		{name: "missing user", body: `{"message":"hi"}`},
		{name: "too large", body: `{"userEmail":"u@x.com","message":"` + strings.Repeat("a", maxBodyBytes) + `"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/v1/chat", tc.body, authed)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotEmpty(t, decodeError(t, rec).Error)
		})
	}
}

func TestThreads_LimitParsing(t *testing.T) {
	var got []int
	conv := &fakeConversations{ThreadsFunc: func(ctx context.Context, userEmail string, limit int) ([]history.Thread, error) {
		got = append(got, limit)
		return []history.Thread{}, nil
	}}
	h := newHandler(t, testConfig(), conv)

	for _, bad := range []string{"abc", "0", "-3", "1.5"} {
		rec := do(h, http.MethodGet, "/v1/threads?userEmail=u@x.com&limit="+bad, "", authed)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
	require.Empty(t, got)

	do(h, http.MethodGet, "/v1/threads?userEmail=u@x.com", "", authed)
	do(h, http.MethodGet, "/v1/threads?userEmail=u@x.com&limit=7", "", authed)
	require.Equal(t, []int{0, 7}, got)
}

func TestProduction_HidesDetails(t *testing.T) {
	cfg := testConfig()
	h := newHandler(t, cfg, &fakeConversations{})
	rec := do(h, http.MethodPost, "/v1/chat", `nope`, authed)
	require.NotEmpty(t, decodeError(t, rec).Details)

	cfg = testConfig()
	cfg.Server.Environment = "production"
	h = newHandler(t, cfg, &fakeConversations{})
	rec = do(h, http.MethodPost, "/v1/chat", `nope`, authed)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, decodeError(t, rec).Details)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Environment = "production"
	conv := &fakeConversations{ChatFunc: func(ctx context.Context, req gateway.ChatRequest) (gateway.ChatResponse, error) {
		return gateway.ChatResponse{}, apperr.New(apperr.KindConfiguration, "llm.Complete", "LLM API key is not configured")
	}}
	h := newHandler(t, cfg, conv)

	rec := do(h, http.MethodPost, "/v1/chat", `{"userEmail":"u@x.com","message":"hi"}`, authed)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, errorBody{Error: internalMessage}, decodeError(t, rec))
}

func TestHealthAndNotFound(t *testing.T) {
	h := newHandler(t, testConfig(), &fakeConversations{})

	rec := do(h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "conversation-gateway", health.Service)
	require.Equal(t, "1.0.0", health.Version)
	_, err := time.Parse(time.RFC3339, health.Timestamp)
	require.NoError(t, err)

	rec = do(h, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHandler(t, testConfig(), &fakeConversations{})
	do(h, http.MethodGet, "/health", "", nil)

	rec := do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `threadgate_http_requests_total{method="GET",route="GET /health",status="200"}`)
}

func TestRequestID(t *testing.T) {
	h := newHandler(t, testConfig(), &fakeConversations{})

	rec := do(h, http.MethodGet, "/health", "", map[string]string{RequestIDHeader: "req-42"})
	require.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	rec = do(h, http.MethodGet, "/health", "", nil)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestCORS_OriginPolicy(t *testing.T) {
	p := newCORSPolicy(testConfig().CORS, config.DefaultAuthHeader)

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost:5173", true},
		{"http://localhost:8080", false},
		{"https://app.manus.space", true},
		{"https://x.y.manus.computer", true},
		{"https://APP.Manus.Space", true},
		{"https://evil-manus.space.attacker.com", false},
		{"https://evilmanus.space", false},
		{"https://manus.space", false},
		{"http://app.manus.space", false},
		{"https://user@app.manus.space", false},
		{"", false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, p.allowed(tc.origin), tc.origin)
	}
}

func TestCORS_Headers(t *testing.T) {
	h := newHandler(t, testConfig(), &fakeConversations{})

	rec := do(h, http.MethodOptions, "/v1/chat", "", map[string]string{"Origin": "https://app.manus.space"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.manus.space", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), config.DefaultAuthHeader)

	rec = do(h, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil-manus.space.attacker.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(h, http.MethodGet, "/health", "", map[string]string{"Origin": "http://localhost:3000"})
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
