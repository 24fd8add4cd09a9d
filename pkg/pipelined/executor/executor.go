// Package executor hands generated artifacts to the system that builds and deploys them.
//
// The executor runs outside pipelined. Its progress is reported back on the event bus
// (runner.build.*, deployment.*), keyed by deployment id.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is everything an executor needs to build and deploy one deployment.
// It never contains credentials; the executor obtains its own repository access.
type Request struct {
	DeploymentID   string          `json:"deployment_id"`
	ProjectID      string          `json:"project_id"`
	RepositoryURL  string          `json:"repository_url"`
	Branch         string          `json:"branch"`
	CommitSHA      string          `json:"commit_sha"`
	InstallationID int64           `json:"installation_id,omitempty"`
	Framework      string          `json:"framework"`
	Registry       string          `json:"registry,omitempty"`
	Namespace      string          `json:"namespace,omitempty"`
	EnvVarNames    []string        `json:"env_var_names,omitempty"`
	Workflow       string          `json:"workflow"`
	Manifest       json.RawMessage `json:"manifest"`
	ContainerImage string          `json:"container_image"`
}

// Submission identifies an accepted request at the executor.
type Submission struct {
	Executor  string `json:"executor"`
	Reference string `json:"reference"`
}

type Executor interface {
	Name() string
	// Submit starts a build. Submitting the same deployment twice must not start two builds.
	Submit(ctx context.Context, req Request) (*Submission, error)
	// Cancel asks the executor to abort the build of a deployment.
	// Cancelling an unknown or finished build is not an error.
	Cancel(ctx context.Context, deploymentID string) error
}

// Watcher is implemented by executors that can observe a submitted build directly.
// Watch blocks until the build finishes, returning nil on success and *Error on failure.
type Watcher interface {
	Watch(ctx context.Context, deploymentID string) error
}

// Error reports a failed interaction with an executor.
type Error struct {
	Executor   string
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("executor %s: %s: HTTP %d: %s", e.Executor, e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("executor %s: %s: %s", e.Executor, e.Op, e.Message)
}

// None accepts every request without doing anything. It is used when builds are started
// by some other means and only reported to pipelined.
type None struct{}

var _ Executor = None{}

func (None) Name() string {
	return "none"
}

func (None) Submit(_ context.Context, req Request) (*Submission, error) {
	return &Submission{Executor: "none", Reference: req.DeploymentID}, nil
}

func (None) Cancel(context.Context, string) error {
	return nil
}
