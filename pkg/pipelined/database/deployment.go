package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
)

// DeploymentStore persists deployment records and their build logs.
// Records are never deleted; logs are append-only.
type DeploymentStore interface {
	Deployment(ctx context.Context, id string) (*deployment.Deployment, error)
	Deployments(ctx context.Context, projectID string, limit int) ([]*deployment.Deployment, error)
	// CreateDeployment returns ErrAlreadyExists if a deployment with the same id is stored.
	CreateDeployment(ctx context.Context, d deployment.Deployment) error
	// UpdateDeployment writes status, completion time, url and error message.
	// It returns ErrConflict unless the stored status equals from.
	UpdateDeployment(ctx context.Context, d deployment.Deployment, from deployment.Status) error
	AppendLog(ctx context.Context, deploymentID string, text string) (*deployment.LogLine, error)
	// Logs returns log lines with sequence number greater than after, oldest first.
	Logs(ctx context.Context, deploymentID string, after int64) ([]deployment.LogLine, error)
}

var _ DeploymentStore = &Database{}

const selectDeploymentFields = `id, project_id, commit_sha, branch, commit_message, status, started_at, completed_at, deployment_url, error_message`

func scanDeployment(rows pgx.Rows) (*deployment.Deployment, error) {
	d := &deployment.Deployment{}

	err := rows.Scan(
		&d.ID,
		&d.ProjectID,
		&d.Source.CommitSHA,
		&d.Source.Branch,
		&d.Source.CommitMessage,
		&d.Status,
		&d.StartedAt,
		&d.CompletedAt,
		&d.DeploymentURL,
		&d.ErrorMessage,
	)

	return d, err
}

func (db *Database) Deployment(ctx context.Context, id string) (*deployment.Deployment, error) {
	query := `SELECT ` + selectDeploymentFields + ` FROM deployment WHERE id = $1;`
	rows, err := db.timedQuery(ctx, query, id)

	if err != nil {
		return nil, err
	}

	defer rows.Close()
	for rows.Next() {
		return scanDeployment(rows)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return nil, ErrNotFound
}

func (db *Database) Deployments(ctx context.Context, projectID string, limit int) ([]*deployment.Deployment, error) {
	query := `
SELECT ` + selectDeploymentFields + `
FROM deployment
WHERE ($1 = '' OR project_id = $1)
ORDER BY started_at DESC
LIMIT $2;
`
	rows, err := db.timedQuery(ctx, query, projectID, limit)

	if err != nil {
		return nil, err
	}

	deployments := make([]*deployment.Deployment, 0)
	defer rows.Close()
	for rows.Next() {
		d, err := scanDeployment(rows)

		if err != nil {
			return nil, err
		}

		deployments = append(deployments, d)
	}

	return deployments, rows.Err()
}

func (db *Database) CreateDeployment(ctx context.Context, d deployment.Deployment) error {
	query := `
INSERT INTO deployment (id, project_id, commit_sha, branch, commit_message, status, started_at, completed_at, deployment_url, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err := db.timedExec(ctx, query,
		d.ID,
		d.ProjectID,
		d.Source.CommitSHA,
		d.Source.Branch,
		d.Source.CommitMessage,
		d.Status,
		d.StartedAt,
		d.CompletedAt,
		d.DeploymentURL,
		d.ErrorMessage,
	)

	if sqlState(err) == sqlStateUniqueViolation {
		return ErrAlreadyExists
	}

	return err
}

func (db *Database) UpdateDeployment(ctx context.Context, d deployment.Deployment, from deployment.Status) error {
	query := `
UPDATE deployment
SET status = $3, completed_at = $4, deployment_url = $5, error_message = $6
WHERE id = $1 AND status = $2;
`
	tag, err := db.timedExec(ctx, query,
		d.ID,
		from,
		d.Status,
		d.CompletedAt,
		d.DeploymentURL,
		d.ErrorMessage,
	)

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		if _, err := db.Deployment(ctx, d.ID); err != nil {
			return err
		}
		return ErrConflict
	}

	return nil
}

func (db *Database) AppendLog(ctx context.Context, deploymentID string, text string) (line *deployment.LogLine, err error) {
	now := time.Now()
	defer func() {
		metrics.DatabaseQuery(now, err)
	}()

	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// appends to the same deployment queue on its row lock, so MAX(seq) is read after the previous commit
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM deployment WHERE id = $1 FOR UPDATE;`, deploymentID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	query := `
INSERT INTO deployment_log (deployment_id, seq, created, line)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3 FROM deployment_log WHERE deployment_id = $1
RETURNING seq, created, line;
`
	line = &deployment.LogLine{}
	err = tx.QueryRow(ctx, query, deploymentID, time.Now().UTC(), text).Scan(&line.Seq, &line.Created, &line.Text)
	switch sqlState(err) {
	case sqlStateForeignKeyViolation:
		return nil, ErrNotFound
	case sqlStateUniqueViolation:
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return line, nil
}

func (db *Database) Logs(ctx context.Context, deploymentID string, after int64) ([]deployment.LogLine, error) {
	query := `SELECT seq, created, line FROM deployment_log WHERE deployment_id = $1 AND seq > $2 ORDER BY seq ASC;`
	rows, err := db.timedQuery(ctx, query, deploymentID, after)

	if err != nil {
		return nil, err
	}

	lines := make([]deployment.LogLine, 0)

	defer rows.Close()
	for rows.Next() {
		line := deployment.LogLine{}

		err := rows.Scan(
			&line.Seq,
			&line.Created,
			&line.Text,
		)

		if err != nil {
			return nil, err
		}

		lines = append(lines, line)
	}

	return lines, rows.Err()
}
