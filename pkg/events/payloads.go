package events

import (
	"encoding/json"

	"github.com/nais/pipelined/pkg/pipelined/deployment"
)

// Ref is embedded in every payload that concerns a single deployment.
type Ref struct {
	DeploymentID string `json:"deployment_id"`
}

type DeploymentStart struct {
	Ref
	Project deployment.Project `json:"project"`
	Source  deployment.Source  `json:"source"`
}

type DeploymentProgress struct {
	Ref
	Message string `json:"message"`
}

type DeploymentSuccess struct {
	Ref
	URL string `json:"url,omitempty"`
}

type DeploymentFailed struct {
	Ref
	Error string `json:"error"`
}

// DeploymentCancel is both a request to cancel and, when Status is set, the announcement
// that a deployment has been cancelled.
type DeploymentCancel struct {
	Ref
	Reason string            `json:"reason,omitempty"`
	Status deployment.Status `json:"status,omitempty"`
}

type BuildStart struct {
	Ref
	ProjectID string `json:"project_id,omitempty"`
}

type BuildProgress struct {
	Ref
	Message string `json:"message"`
}

type BuildCompleted struct {
	Ref
	Image string `json:"image,omitempty"`
}

type BuildFailed struct {
	Ref
	Error string `json:"error"`
}

type RepoAnalyzed struct {
	Ref
	ProjectID      string `json:"project_id"`
	Framework      string `json:"framework"`
	PackageManager string `json:"package_manager"`
	FileCount      int    `json:"file_count"`
}

type PipelineGenerated struct {
	Ref
	ProjectID      string          `json:"project_id"`
	Framework      string          `json:"framework"`
	Workflow       string          `json:"workflow"`
	Manifest       json.RawMessage `json:"manifest"`
	ContainerImage string          `json:"container_image"`
}

type MetricsCollect struct {
	Ref
	ProjectID       string            `json:"project_id"`
	Status          deployment.Status `json:"status"`
	DurationSeconds float64           `json:"duration_seconds"`
}

type MetricsAlert struct {
	Ref
	Topic     Topic  `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Error     string `json:"error"`
}
