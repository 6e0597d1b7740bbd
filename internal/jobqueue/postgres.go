// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/models"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  UUID        PRIMARY KEY,
    type                TEXT        NOT NULL,
    payload             JSONB,
    run_at              TIMESTAMPTZ NOT NULL,
    plugin_config_id    BIGINT      NOT NULL DEFAULT 0,
    plugin_config_team  BIGINT      NOT NULL DEFAULT 0,
    retries             INTEGER     NOT NULL DEFAULT 0,
    locked_until        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_run_at_idx ON jobs(run_at);
`

const claimJobsSQL = `
UPDATE jobs SET locked_until = $2
WHERE id IN (
    SELECT id FROM jobs
    WHERE run_at <= $1 AND (locked_until IS NULL OR locked_until <= $1)
    ORDER BY run_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING id::text, type, payload, run_at, plugin_config_id, plugin_config_team, retries`

// PgxQuerier is the subset of *pgxpool.Pool the backend needs.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresBackend stores jobs in the jobs table. Concurrent consumers on
// different nodes never lease the same row thanks to SKIP LOCKED.
type PostgresBackend struct {
	*poller
	db PgxQuerier
}

// NewPostgresBackend creates a backend over the jobs table. Call
// EnsureSchema before use.
func NewPostgresBackend(db PgxQuerier, opts Options, logger *zerolog.Logger) *PostgresBackend {
	return &PostgresBackend{
		poller: newPoller("postgres", &postgresStore{db: db}, opts, logger),
		db:     db,
	}
}

// EnsureSchema creates the jobs table.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, jobsSchema); err != nil {
		return fmt.Errorf("apply jobs schema: %w", err)
	}
	return nil
}

type postgresStore struct {
	db PgxQuerier
}

func (s *postgresStore) put(ctx context.Context, job *models.EnqueuedJob) error {
	var payload []byte
	if len(job.Payload) > 0 {
		payload = job.Payload
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (id, type, payload, run_at, plugin_config_id, plugin_config_team, retries)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Type, payload, job.RunAt.UTC(), job.PluginConfigID, job.PluginConfigTeam, job.RetriesPerformedSoFar)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *postgresStore) claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.EnqueuedJob, error) {
	rows, err := s.db.Query(ctx, claimJobsSQL, now.UTC(), now.Add(lease).UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.EnqueuedJob
	for rows.Next() {
		var (
			job     models.EnqueuedJob
			payload []byte
		)
		if err := rows.Scan(&job.ID, &job.Type, &payload, &job.RunAt,
			&job.PluginConfigID, &job.PluginConfigTeam, &job.RetriesPerformedSoFar); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Payload = payload
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return out, nil
}

func (s *postgresStore) complete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
