package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	api_v1_deployment "github.com/nais/pipelined/pkg/pipelined/api/v1/deployment"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/middleware"
)

const deploymentsPath = "/api/v1/deployments"

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type statusError struct {
	StatusCode int
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *client) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+deploymentsPath+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating http request: %w", err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if len(c.apiKey) > 0 {
		req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	}

	return c.http.Do(req)
}

func (c *client) do(ctx context.Context, method, path string, body interface{}, expected int) (*api_v1_deployment.Response, error) {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	response := &api_v1_deployment.Response{}
	err = json.NewDecoder(resp.Body).Decode(response)
	if resp.StatusCode != expected {
		return nil, &statusError{StatusCode: resp.StatusCode, Message: response.Message}
	}
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return response, nil
}

func (c *client) create(ctx context.Context, request api_v1_deployment.CreateRequest) (*deployment.Deployment, error) {
	response, err := c.do(ctx, http.MethodPost, "", request, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	if response.Deployment == nil {
		return nil, fmt.Errorf("server accepted the deployment without returning it")
	}
	return response.Deployment, nil
}

func (c *client) get(ctx context.Context, id string) (*deployment.Deployment, error) {
	response, err := c.do(ctx, http.MethodGet, "/"+id, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return response.Deployment, nil
}

func (c *client) cancel(ctx context.Context, id, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/"+id+"/cancel", api_v1_deployment.CancelRequest{Reason: reason}, http.StatusAccepted)
	return err
}

// await polls until the deployment has been recorded. Accepted deployments are stored
// asynchronously, so the first lookups may return 404.
func (c *client) await(ctx context.Context, id string, interval time.Duration) (*deployment.Deployment, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, err := c.get(ctx, id)
		if err == nil {
			return d, nil
		}
		if se, ok := err.(*statusError); !ok || se.StatusCode != http.StatusNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("deployment %s was not recorded: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// follow copies the log stream to w and returns the final status announced by the
// stream sentinel. If the stream ends without a sentinel, the status is looked up.
func (c *client) follow(ctx context.Context, id string, w io.Writer) (deployment.Status, error) {
	resp, err := c.request(ctx, http.MethodGet, "/"+id+"/logs/stream", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		response := &api_v1_deployment.Response{}
		_ = json.NewDecoder(resp.Body).Decode(response)
		return "", &statusError{StatusCode: resp.StatusCode, Message: response.Message}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, api_v1_deployment.StreamSentinel) {
			return deployment.Status(strings.TrimSpace(strings.TrimPrefix(line, api_v1_deployment.StreamSentinel))), nil
		}
		fmt.Fprintln(w, line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return "", fmt.Errorf("read log stream: %w", err)
	}

	d, err := c.get(context.Background(), id)
	if err != nil {
		return "", err
	}
	if !d.Status.Terminal() {
		return d.Status, fmt.Errorf("log stream ended while deployment is %s", d.Status)
	}
	return d.Status, nil
}
