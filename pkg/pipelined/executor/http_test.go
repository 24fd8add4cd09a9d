package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() executor.Request {
	return executor.Request{
		DeploymentID:   "d1",
		ProjectID:      "p1",
		RepositoryURL:  "https://github.com/acme/web",
		Branch:         "main",
		CommitSHA:      "0123456789abcdef",
		InstallationID: 42,
		Framework:      "nextjs",
		Workflow:       "name: deploy\n",
		Manifest:       json.RawMessage(`{"build":{}}`),
		ContainerImage: "FROM node:20-alpine\n",
	}
}

func newHTTP(t *testing.T, url string) *executor.HTTP {
	h, err := executor.NewHTTP(executor.HTTPConfig{
		URL:       url,
		Token:     "executor-secret",
		Timeout:   time.Second,
		RetryMax:  2,
		RetryWait: time.Millisecond,
	})
	require.NoError(t, err)
	return h
}

func TestHTTPSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/builds", r.URL.Path)
		assert.Equal(t, "Bearer executor-secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		req := executor.Request{}
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, testRequest(), req)

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"build-7"}`))
	}))
	defer server.Close()

	sub, err := newHTTP(t, server.URL+"/").Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, &executor.Submission{Executor: "http", Reference: "build-7"}, sub)
}

func TestHTTPSubmitRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sub, err := newHTTP(t, server.URL).Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "d1", sub.Reference)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPSubmitErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registry quota exceeded", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := newHTTP(t, server.URL).Submit(context.Background(), testRequest())
	var executorError *executor.Error
	require.True(t, errors.As(err, &executorError))
	assert.Equal(t, http.StatusUnprocessableEntity, executorError.StatusCode)
	assert.Equal(t, "registry quota exceeded", executorError.Message)
	assert.EqualError(t, err, "executor http: submit: HTTP 422: registry quota exceeded")

	server.Close()
	_, err = newHTTP(t, server.URL).Submit(context.Background(), testRequest())
	require.True(t, errors.As(err, &executorError))
	assert.Equal(t, 0, executorError.StatusCode)
}

func TestHTTPCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		switch r.URL.Path {
		case "/builds/d1":
			w.WriteHeader(http.StatusNoContent)
		case "/builds/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer server.Close()

	h := newHTTP(t, server.URL)
	assert.NoError(t, h.Cancel(context.Background(), "d1"))
	assert.NoError(t, h.Cancel(context.Background(), "gone"))

	err := h.Cancel(context.Background(), "busy")
	var executorError *executor.Error
	require.True(t, errors.As(err, &executorError))
	assert.Equal(t, http.StatusConflict, executorError.StatusCode)
}

func TestNewHTTPRequiresURL(t *testing.T) {
	_, err := executor.NewHTTP(executor.HTTPConfig{})
	assert.Error(t, err)
}
