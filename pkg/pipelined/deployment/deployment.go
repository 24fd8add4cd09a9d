package deployment

import (
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	LogFieldDeploymentID = "deployment_id"
	LogFieldProjectID    = "project_id"
	LogFieldStatus       = "status"
	LogFieldTrigger      = "trigger"
	LogFieldRepository   = "repository"
	LogFieldCommitSHA    = "commit_sha"
)

// Deployment ids name scratch directories and executor resources.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id can be used as a deployment id. Path separators and
// relative path elements are not allowed.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

type Type string

const (
	// Build and deploy is performed by the executor configured in pipelined.
	TypeManaged Type = "managed"
	// Build and deploy is performed by the repository's own CI, using the generated workflow.
	// pipelined only tracks status.
	TypeExternal Type = "external"
)

// Project holds the settings the artifact generator reads.
// Empty fields are filled in by framework detection.
type Project struct {
	ID             string   `json:"id"`
	RepositoryURL  string   `json:"repository_url"`
	Branch         string   `json:"branch"`
	Framework      string   `json:"framework,omitempty"`
	PackageManager string   `json:"package_manager,omitempty"`
	BuildCommand   string   `json:"build_command,omitempty"`
	StartCommand   string   `json:"start_command,omitempty"`
	Port           int      `json:"port,omitempty"`
	DeploymentType Type     `json:"deployment_type,omitempty"`
	InstallationID int64    `json:"installation_id,omitempty"`
	EnvVarNames    []string `json:"env_var_names,omitempty"`
}

func (p Project) External() bool {
	return p.DeploymentType == TypeExternal
}

type Source struct {
	CommitSHA     string `json:"commit_sha,omitempty"`
	Branch        string `json:"branch"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// Deployment is one attempt to build and release a specific commit of a project.
// CompletedAt is set if and only if Status is terminal.
type Deployment struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Source        Source     `json:"source"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DeploymentURL string     `json:"deployment_url,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// New returns a deployment in its initial state.
func New(id, projectID string, source Source, now time.Time) *Deployment {
	return &Deployment{
		ID:        id,
		ProjectID: projectID,
		Source:    source,
		Status:    StatusPending,
		StartedAt: now.UTC(),
	}
}

// Apply runs trigger through the transition table and updates status and completion time.
// On error the deployment is left unchanged.
func (d *Deployment) Apply(trigger Trigger, now time.Time) error {
	next, err := Transition(d.Status, trigger)
	if err != nil {
		return err
	}
	d.Status = next
	if next.Terminal() {
		completed := now.UTC()
		d.CompletedAt = &completed
	}
	return nil
}

func (d *Deployment) LogFields() log.Fields {
	return log.Fields{
		LogFieldDeploymentID: d.ID,
		LogFieldProjectID:    d.ProjectID,
		LogFieldStatus:       d.Status,
		LogFieldCommitSHA:    d.Source.CommitSHA,
	}
}

// Duration returns the time from start to completion, or zero for unfinished deployments.
func (d *Deployment) Duration() time.Duration {
	if d.CompletedAt == nil {
		return 0
	}
	return d.CompletedAt.Sub(d.StartedAt)
}
