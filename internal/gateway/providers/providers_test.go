package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mrmushfiq/langroute/internal/shared/database"
	"github.com/mrmushfiq/langroute/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCatalog struct {
	models    map[string]models.Model
	providers map[string]models.Provider
	err       error
}

func (c *memCatalog) GetModel(_ context.Context, name string) (*models.Model, error) {
	if c.err != nil {
		return nil, c.err
	}
	m, ok := c.models[name]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &m, nil
}

func (c *memCatalog) GetProvider(_ context.Context, name string) (*models.Provider, error) {
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &p, nil
}

func TestRegistryResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&memCatalog{
		models: map[string]models.Model{
			"gpt-4":  {Name: "gpt-4", Provider: "openai", Fallback: []string{"mistral-large"}},
			"orphan": {Name: "orphan", Provider: "nowhere"},
		},
		providers: map[string]models.Provider{
			"openai": {Name: "openai", BaseURL: "https://api.openai.com/v1", APIVersion: "2023-05-15"},
		},
	})

	route, err := reg.Resolve(ctx, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", route.Provider.BaseURL)
	assert.Equal(t, []string{"mistral-large"}, route.Model.Fallback)

	_, err = reg.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrModelNotConfigured)

	_, err = reg.Resolve(ctx, "orphan")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = reg.GetProvider(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestRegistryPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	reg := NewRegistry(&memCatalog{err: boom})

	_, err := reg.GetModel(context.Background(), "gpt-4")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrModelNotConfigured)
}

func TestResolveCredential(t *testing.T) {
	creds := map[string]string{models.ProviderOpenAI: "sk-1", models.ProviderMistral: ""}

	got, err := ResolveCredential(creds, models.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-1", got)

	got, err = ResolveCredential(creds, models.ProviderMistral)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = ResolveCredential(creds, "anthropic")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestDispatchForwardsRequest(t *testing.T) {
	var gotPath, gotMethod, gotAuth, gotVersion, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("api-version")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(5 * time.Second)
	resp, err := d.Dispatch(context.Background(), Request{
		Provider:   "openai",
		Model:      "gpt-4",
		Method:     http.MethodPost,
		Path:       "/chat/completions",
		BaseURL:    srv.URL + "/v1",
		APIVersion: "2023-05-15",
		Credential: "sk-test",
		Body:       []byte(`{"model":"gpt-4"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"x"}`, string(resp.Body))

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "2023-05-15", gotVersion)
	assert.Equal(t, `{"model":"gpt-4"}`, gotBody)
}

func TestDispatchOmitsEmptyAPIVersion(t *testing.T) {
	var present bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["Api-Version"]
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPDispatcher(time.Second).Dispatch(context.Background(), Request{
		Method: http.MethodPost, Path: "/chat/completions", BaseURL: srv.URL,
	})
	require.NoError(t, err)
	assert.False(t, present)
}

func TestDispatchStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPDispatcher(time.Second).Dispatch(context.Background(), Request{
		Provider: "openai", Model: "gpt-4", Method: http.MethodPost, Path: "/chat/completions", BaseURL: srv.URL,
	})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.Status)
	assert.Equal(t, "openai", de.Provider)
	assert.JSONEq(t, `{"error":"overloaded"}`, string(de.Body))
	assert.Contains(t, de.Error(), "503")
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPDispatcher(50*time.Millisecond).Dispatch(context.Background(), Request{
		Method: http.MethodPost, Path: "/chat/completions", BaseURL: srv.URL,
	})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, de.Status)
	assert.Error(t, de.Err)
}
