package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nais/pipelined/pkg/bus"
	"github.com/nais/pipelined/pkg/pipelined/api"
	"github.com/nais/pipelined/pkg/pipelined/database"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/nais/pipelined/pkg/pipelined/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, cfg api.Config) (http.Handler, *database.MemoryStore) {
	store := database.NewMemoryStore()
	registry := prometheus.NewRegistry()
	cfg.Store = store
	cfg.Logs = logstream.New(0)
	cfg.Registerer = registry
	cfg.Gatherer = registry
	if cfg.Publisher == nil {
		cfg.Publisher = bus.NewMockPublisher(t)
	}
	return api.New(cfg), store
}

func serve(router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthz(t *testing.T) {
	healthy := true
	router, _ := newRouter(t, api.Config{
		Health: func(ctx context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("database unreachable")
		},
	})

	recorder := serve(router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())

	healthy = false
	recorder = serve(router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.JSONEq(t, `{"status":"unavailable","error":"database unreachable"}`, recorder.Body.String())
}

func TestMetrics(t *testing.T) {
	router, store := newRouter(t, api.Config{})
	d := deployment.New("d1", "storefront", deployment.Source{Branch: "main"}, time.Now())
	require.NoError(t, store.CreateDeployment(context.Background(), *d))

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/deployments/d1", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/api/v1/deployments/d2", "", nil).Code)

	recorder := serve(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body, err := io.ReadAll(recorder.Body)
	require.NoError(t, err)
	exposition := string(body)
	assert.Contains(t, exposition, `requests_total{code="200",method="GET",path="/api/v1/deployments/{id}",service="pipelined"} 1`)
	assert.Contains(t, exposition, `requests_total{code="404",method="GET",path="/api/v1/deployments/{id}",service="pipelined"} 1`)
	// pre-populated series
	assert.Contains(t, exposition, `requests_total{code="409",method="POST",path="/api/v1/deployments/{id}/cancel",service="pipelined"} 0`)
	assert.NotContains(t, exposition, "d1")
}

func TestAPIKeys(t *testing.T) {
	router, store := newRouter(t, api.Config{APIKeys: []string{"s3cret", "rotated"}})
	d := deployment.New("d1", "storefront", deployment.Source{Branch: "main"}, time.Now())
	require.NoError(t, store.CreateDeployment(context.Background(), *d))

	for _, tc := range []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{name: "no key", status: http.StatusUnauthorized},
		{name: "wrong key", headers: map[string]string{middleware.APIKeyHeader: "guess"}, status: http.StatusUnauthorized},
		{name: "header", headers: map[string]string{middleware.APIKeyHeader: "s3cret"}, status: http.StatusOK},
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer rotated"}, status: http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			recorder := serve(router, http.MethodGet, "/api/v1/deployments/d1", "", tc.headers)
			assert.Equal(t, tc.status, recorder.Code)
		})
	}

	// health and metrics stay open
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/metrics", "", nil).Code)
}

func TestCreateRoute(t *testing.T) {
	publisher := bus.NewMockPublisher(t)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()
	router, _ := newRouter(t, api.Config{Publisher: publisher})

	body := `{"project":{"id":"storefront","repository_url":"https://github.com/acme/storefront","branch":"main"}}`

	recorder := serve(router, http.MethodPost, "/api/v1/deployments", body, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusCreated, recorder.Code)

	recorder = serve(router, http.MethodPost, "/api/v1/deployments", body, map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, recorder.Code)
}
