package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound      = fmt.Errorf("database row not found")
	ErrAlreadyExists = fmt.Errorf("database row already exists")
	ErrConflict      = fmt.Errorf("database row was modified concurrently")
)

const (
	sqlStateForeignKeyViolation = "23503"
	sqlStateUniqueViolation     = "23505"
)

type Database struct {
	conn *pgxpool.Pool
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func New(ctx context.Context, dsn string) (*Database, error) {
	conn, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	return &Database{
		conn: conn,
	}, nil
}

func (db *Database) Close() {
	db.conn.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

func (db *Database) timedQuery(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	now := time.Now()
	rows, err := db.conn.Query(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return rows, err
}

func (db *Database) timedExec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	now := time.Now()
	tag, err := db.conn.Exec(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return tag, err
}

func (db *Database) Migrate(ctx context.Context) error {
	var version int

	query := `SELECT MAX(version) FROM migrations`
	row := db.conn.QueryRow(ctx, query)
	err := row.Scan(&version)

	if err != nil {
		// the migrations table does not exist before the first migration
		log.Warnf("unable to get current migration version: %s", err)
	}

	for version < len(migrations) {
		log.Infof("migrating database schema to version %d", version+1)

		_, err = db.conn.Exec(ctx, migrations[version])
		if err != nil {
			return fmt.Errorf("migrating to version %d: %s", version+1, err)
		}

		version++
	}

	return nil
}

// Each entry upgrades the schema by one version and records that version.
var migrations = []string{
	`
BEGIN;

CREATE TABLE migrations (
    version INT PRIMARY KEY NOT NULL,
    created TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE deployment (
    id             TEXT PRIMARY KEY NOT NULL,
    project_id     TEXT NOT NULL,
    commit_sha     TEXT NOT NULL DEFAULT '',
    branch         TEXT NOT NULL DEFAULT '',
    commit_message TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    started_at     TIMESTAMP WITH TIME ZONE NOT NULL,
    completed_at   TIMESTAMP WITH TIME ZONE,
    deployment_url TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX deployment_project_id_idx ON deployment (project_id, started_at DESC);

CREATE TABLE deployment_log (
    deployment_id TEXT NOT NULL REFERENCES deployment (id),
    seq           BIGINT NOT NULL,
    created       TIMESTAMP WITH TIME ZONE NOT NULL,
    line          TEXT NOT NULL,
    PRIMARY KEY (deployment_id, seq)
);

INSERT INTO migrations (version) VALUES (1);

COMMIT;
`,
	`
BEGIN;

ALTER TABLE deployment ADD CONSTRAINT deployment_completed_at_terminal CHECK (
    (completed_at IS NULL) = (status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED'))
);

INSERT INTO migrations (version) VALUES (2);

COMMIT;
`,
}
