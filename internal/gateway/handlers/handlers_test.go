package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mrmushfiq/langroute/internal/gateway/credentials"
	"github.com/mrmushfiq/langroute/internal/gateway/orchestrator"
	"github.com/mrmushfiq/langroute/internal/gateway/providers"
	"github.com/mrmushfiq/langroute/internal/gateway/usage"
	"github.com/mrmushfiq/langroute/internal/shared/metrics"
	"github.com/mrmushfiq/langroute/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	got orchestrator.Request
	res *orchestrator.Result
}

func (p *fakePipeline) Handle(_ context.Context, req orchestrator.Request) *orchestrator.Result {
	p.got = req
	return p.res
}

type fakeKeyStore struct {
	issueErr error
	saveErr  error
	saved    map[string]map[string]string
}

func (s *fakeKeyStore) IssueCaller(context.Context) (*models.Caller, error) {
	if s.issueErr != nil {
		return nil, s.issueErr
	}
	return &models.Caller{VirtualKey: "6f1c2a9e-0000-4000-8000-000000000001"}, nil
}

func (s *fakeKeyStore) SaveCredentials(_ context.Context, vk string, creds map[string]string) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.saved == nil {
		s.saved = map[string]map[string]string{}
	}
	s.saved[vk] = creds
	return nil
}

func newTestRouter(p *fakePipeline, s *fakeKeyStore) http.Handler {
	return NewRouter(NewChatHandler(p), NewKeysHandler(s), time.Minute)
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestChatCompletionPassesRequestThrough(t *testing.T) {
	p := &fakePipeline{res: &orchestrator.Result{
		Status:   http.StatusOK,
		Outcome:  metrics.OutcomeSuccess,
		Model:    "mistral-tiny",
		Provider: "mistral",
		Attempts: []providers.Attempt{{Model: "gpt-3.5-turbo"}, {Model: "mistral-tiny"}},
		Body: map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "Hello!"}}},
			"cost":    usage.Breakdown{InputTokens: 10, OutputTokens: 2, TotalCost: 0.0000030},
		},
	}}
	h := newTestRouter(p, &fakeKeyStore{})

	body := `{"model":"gpt-3.5-turbo","messages":[]}`
	rec := do(t, h, http.MethodPost, "/chat/completions", body, map[string]string{"Authorization": "Bearer vk"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "mistral", rec.Header().Get("X-Provider"))
	assert.Equal(t, "true", rec.Header().Get("X-Failover"))
	assert.Equal(t, "0.000003", rec.Header().Get("X-Cost-USD"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, "Bearer vk", p.got.Authorization)
	assert.Equal(t, http.MethodPost, p.got.Method)
	assert.Equal(t, "/chat/completions", p.got.Path)
	assert.Equal(t, body, string(p.got.Body))

	got := decodeBody(t, rec)
	assert.Equal(t, float64(2), got["cost"].(map[string]any)["outputTokens"])
}

func TestChatCompletionErrorStatus(t *testing.T) {
	p := &fakePipeline{res: &orchestrator.Result{
		Status:  http.StatusTooManyRequests,
		Outcome: metrics.OutcomeRateLimited,
		Body:    map[string]string{"error": "Rate limit exceeded (requests)."},
	}}
	rec := do(t, newTestRouter(p, &fakeKeyStore{}), http.MethodPost, "/chat/completions", `{}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, map[string]any{"error": "Rate limit exceeded (requests)."}, decodeBody(t, rec))
	assert.Empty(t, rec.Header().Get("X-Provider"))
}

func TestGenerateVirtualKey(t *testing.T) {
	rec := do(t, newTestRouter(&fakePipeline{}, &fakeKeyStore{}), http.MethodPost, "/api/generate-virtual-key", "", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, map[string]any{"virtualKey": "6f1c2a9e-0000-4000-8000-000000000001"}, decodeBody(t, rec))

	rec = do(t, newTestRouter(&fakePipeline{}, &fakeKeyStore{issueErr: errors.New("db down")}), http.MethodPost, "/api/generate-virtual-key", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"error": "Failed to generate virtual key."}, decodeBody(t, rec))
}

func TestSaveKeys(t *testing.T) {
	store := &fakeKeyStore{}
	h := newTestRouter(&fakePipeline{}, store)

	rec := do(t, h, http.MethodPost, "/api/save-keys", `{"virtualKey":"vk-1","openaiKey":"sk-o"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "API keys saved successfully."}, decodeBody(t, rec))
	assert.Equal(t, map[string]string{models.ProviderOpenAI: "sk-o", models.ProviderMistral: ""}, store.saved["vk-1"])

	for _, body := range []string{`{}`, `{"virtualKey":42}`, `{"virtualKey":""}`, `not json`} {
		rec = do(t, h, http.MethodPost, "/api/save-keys", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, map[string]any{"error": "Invalid or missing virtualKey."}, decodeBody(t, rec), body)
	}
}

func TestSaveKeysUnknownCaller(t *testing.T) {
	h := newTestRouter(&fakePipeline{}, &fakeKeyStore{saveErr: credentials.ErrCallerNotFound})
	rec := do(t, h, http.MethodPost, "/api/save-keys", `{"virtualKey":"nope"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, map[string]any{"error": "User not found with the provided virtualKey."}, decodeBody(t, rec))
}

func TestReloadConfigAndHealth(t *testing.T) {
	h := newTestRouter(&fakePipeline{}, &fakeKeyStore{})

	rec := do(t, h, http.MethodPost, "/reload-config", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"message": "Configuration reloaded."}, decodeBody(t, rec))

	rec = do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := do(t, newTestRouter(&fakePipeline{}, &fakeKeyStore{}), http.MethodOptions, "/chat/completions", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

// deadlinePipeline blocks until the request context ends.
type deadlinePipeline struct {
	err error
}

func (p *deadlinePipeline) Handle(ctx context.Context, _ orchestrator.Request) *orchestrator.Result {
	<-ctx.Done()
	p.err = ctx.Err()
	return &orchestrator.Result{
		Status:  http.StatusInternalServerError,
		Outcome: metrics.OutcomeAllFailed,
		Body:    map[string]string{"error": "All providers failed."},
	}
}

func TestRequestTimeoutCancelsPipeline(t *testing.T) {
	p := &deadlinePipeline{}
	h := NewRouter(NewChatHandler(p), NewKeysHandler(&fakeKeyStore{}), 20*time.Millisecond)

	rec := do(t, h, http.MethodPost, "/chat/completions", `{"model":"gpt-4"}`, map[string]string{"Authorization": "Bearer vk"})

	assert.ErrorIs(t, p.err, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"error": "All providers failed."}, decodeBody(t, rec))
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestKeyHandlersRedactVirtualKeys(t *testing.T) {
	const vk = "6f1c2a9e-0000-4000-8000-000000000001"
	logs := captureLog(t)
	h := newTestRouter(&fakePipeline{}, &fakeKeyStore{})

	rec := do(t, h, http.MethodPost, "/api/generate-virtual-key", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/save-keys", `{"virtualKey":"`+vk+`","openaiKey":"sk-o"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, logs.String(), "6f1c2a9e...")
	assert.NotContains(t, logs.String(), vk)
	assert.NotContains(t, logs.String(), "sk-o")
}
