package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/pipelined/api"
	"github.com/nais/pipelined/pkg/pipelined/database"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finishingPublisher records started deployments directly in their final state.
type finishingPublisher struct {
	lock      sync.Mutex
	store     *database.MemoryStore
	status    deployment.Status
	cancelled []string
}

func (p *finishingPublisher) Publish(ctx context.Context, ev *events.Event, _ string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	switch ev.Type {
	case events.TopicDeploymentStart:
		start := events.DeploymentStart{}
		if err := ev.Decode(&start); err != nil {
			return err
		}
		d := deployment.New(start.DeploymentID, start.Project.ID, start.Source, time.Now())
		d.Status = p.status
		completed := time.Now()
		d.CompletedAt = &completed
		if err := p.store.CreateDeployment(ctx, *d); err != nil {
			return err
		}
		_, err := p.store.AppendLog(ctx, d.ID, "Cloning "+start.Project.RepositoryURL)
		return err
	case events.TopicDeploymentCancel:
		p.cancelled = append(p.cancelled, ev.DeploymentID())
	}
	return nil
}

func newServer(t *testing.T, status deployment.Status) (*client, *finishingPublisher) {
	store := database.NewMemoryStore()
	publisher := &finishingPublisher{store: store, status: status}
	registry := prometheus.NewRegistry()
	router := api.New(api.Config{
		Store:      store,
		Publisher:  publisher,
		Logs:       logstream.New(0),
		APIKeys:    []string{"secret"},
		Registerer: registry,
		Gatherer:   registry,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &client{
		baseURL: server.URL + "/",
		apiKey:  "secret",
		http:    server.Client(),
	}, publisher
}

func request() Config {
	c := DefaultConfig()
	c.ProjectID = "p1"
	c.Repository = "https://github.com/nais/example"
	return c
}

func TestDeployAndFollow(t *testing.T) {
	for _, status := range []deployment.Status{deployment.StatusSuccess, deployment.StatusFailed} {
		t.Run(status.String(), func(t *testing.T) {
			c, _ := newServer(t, status)
			ctx := context.Background()

			d, err := c.create(ctx, request().request())
			require.NoError(t, err)
			assert.Equal(t, deployment.StatusPending, d.Status)

			recorded, err := c.await(ctx, d.ID, time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, status, recorded.Status)

			out := &bytes.Buffer{}
			final, err := c.follow(ctx, d.ID, out)
			require.NoError(t, err)
			assert.Equal(t, status, final)
			assert.Contains(t, out.String(), "Cloning https://github.com/nais/example")
			assert.NotContains(t, out.String(), "[DONE]")
		})
	}
}

func TestCreateInvalid(t *testing.T) {
	c, _ := newServer(t, deployment.StatusSuccess)
	cfg := request()
	cfg.Repository = "github.com/nais/example"

	_, err := c.create(context.Background(), cfg.request())
	require.Error(t, err)

	se, ok := err.(*statusError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Message, "repository url must be an absolute URL")
}

func TestWrongAPIKey(t *testing.T) {
	c, _ := newServer(t, deployment.StatusSuccess)
	c.apiKey = "wrong"

	_, err := c.create(context.Background(), request().request())
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, err.(*statusError).StatusCode)
}

func TestAwaitGivesUp(t *testing.T) {
	c, _ := newServer(t, deployment.StatusSuccess)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.await(ctx, "does-not-exist", time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancel(t *testing.T) {
	store := database.NewMemoryStore()
	publisher := &finishingPublisher{store: store}
	registry := prometheus.NewRegistry()
	router := api.New(api.Config{
		Store:      store,
		Publisher:  publisher,
		Logs:       logstream.New(0),
		Registerer: registry,
		Gatherer:   registry,
	})
	server := httptest.NewServer(router)
	defer server.Close()

	d := deployment.New("d1", "p1", deployment.Source{Branch: "main"}, time.Now())
	require.NoError(t, store.CreateDeployment(context.Background(), *d))

	c := &client{baseURL: server.URL, http: server.Client()}
	require.NoError(t, c.cancel(context.Background(), "d1", "testing"))
	assert.Equal(t, []string{"d1"}, publisher.cancelled)
}
