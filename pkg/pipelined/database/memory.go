package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/deployment"
)

// MemoryStore is a DeploymentStore for development setups without PostgreSQL.
// All data is lost on restart.
type MemoryStore struct {
	lock        sync.RWMutex
	deployments map[string]deployment.Deployment
	logs        map[string][]deployment.LogLine
	now         func() time.Time
}

var _ DeploymentStore = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string]deployment.Deployment),
		logs:        make(map[string][]deployment.LogLine),
		now:         time.Now,
	}
}

func copyDeployment(d deployment.Deployment) *deployment.Deployment {
	if d.CompletedAt != nil {
		completed := *d.CompletedAt
		d.CompletedAt = &completed
	}
	return &d
}

func (m *MemoryStore) Deployment(_ context.Context, id string) (*deployment.Deployment, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDeployment(d), nil
}

func (m *MemoryStore) Deployments(_ context.Context, projectID string, limit int) ([]*deployment.Deployment, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	deployments := make([]*deployment.Deployment, 0)
	for _, d := range m.deployments {
		if len(projectID) > 0 && d.ProjectID != projectID {
			continue
		}
		deployments = append(deployments, copyDeployment(d))
	}

	sort.Slice(deployments, func(i, j int) bool {
		if deployments[i].StartedAt.Equal(deployments[j].StartedAt) {
			return deployments[i].ID < deployments[j].ID
		}
		return deployments[i].StartedAt.After(deployments[j].StartedAt)
	})

	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}

	return deployments, nil
}

func (m *MemoryStore) CreateDeployment(_ context.Context, d deployment.Deployment) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.deployments[d.ID]; ok {
		return ErrAlreadyExists
	}
	m.deployments[d.ID] = *copyDeployment(d)
	return nil
}

func (m *MemoryStore) UpdateDeployment(_ context.Context, d deployment.Deployment, from deployment.Status) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	stored, ok := m.deployments[d.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrConflict
	}

	stored.Status = d.Status
	stored.CompletedAt = d.CompletedAt
	stored.DeploymentURL = d.DeploymentURL
	stored.ErrorMessage = d.ErrorMessage
	m.deployments[d.ID] = *copyDeployment(stored)
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, deploymentID string, text string) (*deployment.LogLine, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.deployments[deploymentID]; !ok {
		return nil, ErrNotFound
	}

	line := deployment.LogLine{
		Seq:     int64(len(m.logs[deploymentID]) + 1),
		Created: m.now().UTC(),
		Text:    text,
	}
	m.logs[deploymentID] = append(m.logs[deploymentID], line)
	return &line, nil
}

func (m *MemoryStore) Logs(_ context.Context, deploymentID string, after int64) ([]deployment.LogLine, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	lines := make([]deployment.LogLine, 0)
	for _, line := range m.logs[deploymentID] {
		if line.Seq > after {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
