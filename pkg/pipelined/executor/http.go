package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	httpExecutorName = "http"
	maxErrorBody     = 4096
)

type HTTPConfig struct {
	URL       string        `json:"url"`
	Token     string        `json:"token"`
	Timeout   time.Duration `json:"timeout"`
	RetryMax  int           `json:"retry-max"`
	RetryWait time.Duration `json:"retry-wait"`
}

// HTTP submits builds to a remote build service:
//
//	POST   <url>/builds        submit, answered with {"id": "..."}
//	DELETE <url>/builds/<id>   cancel
type HTTP struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

var _ Executor = &HTTP{}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if _, err := url.Parse(cfg.URL); err != nil || len(cfg.URL) == 0 {
		return nil, fmt.Errorf("invalid executor url %q", cfg.URL)
	}

	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{log.WithField("executor", httpExecutorName)}
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWait > 0 {
		client.RetryWaitMin = cfg.RetryWait
		client.RetryWaitMax = cfg.RetryWait * 10
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTP{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

func (h *HTTP) Name() string {
	return httpExecutorName
}

type submitResponse struct {
	ID string `json:"id"`
}

func (h *HTTP) Submit(ctx context.Context, req Request) (sub *Submission, err error) {
	defer func() {
		metrics.ExecutorRequest(httpExecutorName, err)
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Executor: httpExecutorName, Op: "submit", Message: err.Error()}
	}

	resp, err := h.do(ctx, http.MethodPost, h.baseURL+"/builds", payload)
	if err != nil {
		return nil, &Error{Executor: httpExecutorName, Op: "submit", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError("submit", resp)
	}

	response := &submitResponse{}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && err != io.EOF {
		return nil, &Error{Executor: httpExecutorName, Op: "submit", Message: fmt.Sprintf("decode response: %s", err)}
	}
	if len(response.ID) == 0 {
		response.ID = req.DeploymentID
	}

	return &Submission{
		Executor:  httpExecutorName,
		Reference: response.ID,
	}, nil
}

func (h *HTTP) Cancel(ctx context.Context, deploymentID string) (err error) {
	defer func() {
		metrics.ExecutorRequest(httpExecutorName, err)
	}()

	resp, err := h.do(ctx, http.MethodDelete, h.baseURL+"/builds/"+url.PathEscape(deploymentID), nil)
	if err != nil {
		return &Error{Executor: httpExecutorName, Op: "cancel", Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return responseError("cancel", resp)
	}

	return nil
}

func (h *HTTP) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(h.token) > 0 {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	return h.client.Do(req)
}

func responseError(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Executor:   httpExecutorName,
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

// leveledLogger routes retryablehttp logging to logrus.
type leveledLogger struct {
	entry *log.Entry
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func fields(keysAndValues []interface{}) log.Fields {
	f := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Trace(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}
