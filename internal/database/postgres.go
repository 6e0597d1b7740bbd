// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomtom215/pulseline/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Postgres error codes mapped onto package errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx, so every statement can
// run either standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Persistence on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgresStore connects and pings, failing fast if the database is
// unreachable.
func NewPostgresStore(ctx context.Context, url string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool, q: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run repeatedly.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Pool exposes the pool for components sharing the database, such as the
// Postgres job queue.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// WithTx runs fn against a store bound to one transaction. Nested calls use
// savepoints.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Persistence) error) error {
	tx, err := s.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&PostgresStore{pool: s.pool, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// mapError translates pgx errors into package errors, keeping the original
// in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s: %w", ErrConflict, pgErr.ConstraintName, err)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s: %w", ErrHasDependents, pgErr.ConstraintName, err)
		}
	}
	return err
}

const personColumns = `p.id, p.team_id, p.uuid, p.created_at, p.properties, p.is_identified`

func scanPerson(row pgx.Row) (*models.Person, error) {
	var p models.Person
	if err := row.Scan(&p.ID, &p.TeamID, &p.UUID, &p.CreatedAt, &p.Properties, &p.IsIdentified); err != nil {
		return nil, mapError(err)
	}
	if p.Properties == nil {
		p.Properties = map[string]any{}
	}
	return &p, nil
}

func (s *PostgresStore) FetchPerson(ctx context.Context, teamID int64, distinctID string) (*models.Person, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+personColumns+`
		FROM persons p
		JOIN person_distinct_ids d ON d.person_id = p.id
		WHERE d.team_id = $1 AND d.distinct_id = $2
	`, teamID, distinctID)
	return scanPerson(row)
}

func (s *PostgresStore) FetchPersonByID(ctx context.Context, teamID, personID int64) (*models.Person, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+personColumns+`
		FROM persons p
		WHERE p.team_id = $1 AND p.id = $2
	`, teamID, personID)
	return scanPerson(row)
}

func (s *PostgresStore) CreatePerson(ctx context.Context, p *models.Person, distinctIDs ...string) (*models.Person, error) {
	var created *models.Person
	err := s.WithTx(ctx, func(txp Persistence) error {
		tx := txp.(*PostgresStore).q

		id := p.UUID
		if id == uuid.Nil {
			id = uuid.New()
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		props := p.Properties
		if props == nil {
			props = map[string]any{}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO persons AS p (team_id, uuid, created_at, properties, is_identified)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+personColumns,
			p.TeamID, id, createdAt, props, p.IsIdentified)
		person, err := scanPerson(row)
		if err != nil {
			return err
		}

		for _, d := range distinctIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO person_distinct_ids (team_id, person_id, distinct_id)
				VALUES ($1, $2, $3)
			`, p.TeamID, person.ID, d); err != nil {
				return mapError(err)
			}
		}
		created = person
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PostgresStore) UpdatePerson(ctx context.Context, p *models.Person) (*models.Person, error) {
	props := p.Properties
	if props == nil {
		props = map[string]any{}
	}
	row := s.q.QueryRow(ctx, `
		UPDATE persons AS p
		SET properties = $3, is_identified = $4, created_at = $5
		WHERE p.team_id = $1 AND p.id = $2
		RETURNING `+personColumns,
		p.TeamID, p.ID, props, p.IsIdentified, p.CreatedAt)
	return scanPerson(row)
}

func (s *PostgresStore) DeletePerson(ctx context.Context, teamID, personID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM persons WHERE team_id = $1 AND id = $2`, teamID, personID)
	return mapError(err)
}

func (s *PostgresStore) AddDistinctID(ctx context.Context, p *models.Person, distinctID string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO person_distinct_ids (team_id, person_id, distinct_id)
		VALUES ($1, $2, $3)
	`, p.TeamID, p.ID, distinctID)
	if err := mapError(err); err != nil {
		if errors.Is(err, ErrHasDependents) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *PostgresStore) MoveDistinctID(ctx context.Context, teamID int64, distinctID string, target *models.Person) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE person_distinct_ids SET person_id = $3
		WHERE team_id = $1 AND distinct_id = $2
	`, teamID, distinctID, target.ID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDistinctIDs(ctx context.Context, teamID, personID int64) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		SELECT distinct_id FROM person_distinct_ids
		WHERE team_id = $1 AND person_id = $2
		ORDER BY id
	`, teamID, personID)
	if err != nil {
		return nil, mapError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(err)
	}
	return ids, nil
}

// IncrementPersonProperties applies every delta in one UPDATE per key so
// concurrent increments serialize on the row lock.
func (s *PostgresStore) IncrementPersonProperties(ctx context.Context, teamID, personID int64, deltas map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(deltas))
	err := s.WithTx(ctx, func(txp Persistence) error {
		tx := txp.(*PostgresStore).q
		for key, delta := range deltas {
			var next float64
			err := tx.QueryRow(ctx, `
				UPDATE persons
				SET properties = jsonb_set(
					properties,
					ARRAY[$3::text],
					to_jsonb(COALESCE(
						CASE WHEN jsonb_typeof(properties->$3) = 'number'
							THEN (properties->>$3)::numeric END, 0) + $4::numeric))
				WHERE team_id = $1 AND id = $2
				RETURNING (properties->>$3)::float8
			`, teamID, personID, key, delta).Scan(&next)
			if err != nil {
				return mapError(err)
			}
			out[key] = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ReassignMemberships(ctx context.Context, teamID, fromPersonID, toPersonID int64) error {
	return s.WithTx(ctx, func(txp Persistence) error {
		tx := txp.(*PostgresStore).q
		if _, err := tx.Exec(ctx, `
			INSERT INTO person_memberships (team_id, person_id, group_key)
			SELECT team_id, $3, group_key FROM person_memberships
			WHERE team_id = $1 AND person_id = $2
			ON CONFLICT DO NOTHING
		`, teamID, fromPersonID, toPersonID); err != nil {
			return mapError(err)
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM person_memberships WHERE team_id = $1 AND person_id = $2
		`, teamID, fromPersonID)
		return mapError(err)
	})
}

func (s *PostgresStore) AddMembership(ctx context.Context, m models.Membership) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO person_memberships (team_id, person_id, group_key)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, m.TeamID, m.PersonID, m.GroupKey)
	if err := mapError(err); err != nil {
		if errors.Is(err, ErrHasDependents) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, teamID, personID int64) ([]models.Membership, error) {
	rows, err := s.q.Query(ctx, `
		SELECT team_id, person_id, group_key FROM person_memberships
		WHERE team_id = $1 AND person_id = $2
		ORDER BY group_key
	`, teamID, personID)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Membership, error) {
		var m models.Membership
		err := row.Scan(&m.TeamID, &m.PersonID, &m.GroupKey)
		return m, err
	})
	return out, mapError(err)
}
