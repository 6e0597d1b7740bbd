// Pulseline - Multi-tenant Analytics Event Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pulseline

package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"

	"github.com/tomtom215/pulseline/internal/models"
)

const eventStoreSchema = `
CREATE TABLE IF NOT EXISTS events (
	uuid        VARCHAR PRIMARY KEY,
	team_id     BIGINT NOT NULL,
	distinct_id VARCHAR NOT NULL,
	event       VARCHAR NOT NULL,
	properties  VARCHAR,
	elements    VARCHAR,
	ip          VARCHAR,
	site_url    VARCHAR,
	ts          TIMESTAMP NOT NULL,
	ingested_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_recording_events (
	uuid          VARCHAR PRIMARY KEY,
	team_id       BIGINT NOT NULL,
	distinct_id   VARCHAR NOT NULL,
	session_id    VARCHAR,
	ts            TIMESTAMP NOT NULL,
	snapshot_data VARCHAR
);
`

// EventStore is the columnar store of emitted events.
type EventStore struct {
	db *sql.DB
}

// OpenEventStore opens (or creates) the DuckDB file at path. An empty path
// opens an in-memory database.
func OpenEventStore(ctx context.Context, path string) (*EventStore, error) {
	dsn := path
	if dsn != "" {
		dsn += "?autoinstall_known_extensions=false&autoload_known_extensions=false"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, eventStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create event store schema: %w", err)
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) Close() error {
	return s.db.Close()
}

// InsertEvents writes a batch. Redelivered events are ignored by UUID.
func (s *EventStore) InsertEvents(ctx context.Context, events []*models.PluginEvent) error {
	return s.inTx(ctx, `
		INSERT OR IGNORE INTO events
			(uuid, team_id, distinct_id, event, properties, elements, ip, site_url, ts, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(events), func(stmt *sql.Stmt, i int) error {
		e := events[i]
		props, err := Encode(e.Properties)
		if err != nil {
			return err
		}
		elements, err := Encode(e.Elements)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, e.UUID, e.TeamID, e.DistinctID, e.Event,
			string(props), string(elements), e.IP, e.SiteURL, e.Timestamp.UTC(), e.Now.UTC())
		return err
	})
}

// InsertRecordings writes a batch of snapshot chunks.
func (s *EventStore) InsertRecordings(ctx context.Context, recs []*models.SessionRecordingEvent) error {
	return s.inTx(ctx, `
		INSERT OR IGNORE INTO session_recording_events
			(uuid, team_id, distinct_id, session_id, ts, snapshot_data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, len(recs), func(stmt *sql.Stmt, i int) error {
		r := recs[i]
		_, err := stmt.ExecContext(ctx, r.UUID, r.TeamID, r.DistinctID, r.SessionID, r.Timestamp.UTC(), r.SnapshotData)
		return err
	})
}

func (s *EventStore) inTx(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// CountEvents returns how many events are stored for a team.
func (s *EventStore) CountEvents(ctx context.Context, teamID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE team_id = ?`, teamID).Scan(&n)
	return n, err
}

// CountRecordings returns how many snapshot chunks are stored for a session.
func (s *EventStore) CountRecordings(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM session_recording_events WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// SinkConfig controls batching.
type SinkConfig struct {
	EventsTopic           string
	SessionRecordingTopic string
	BatchSize             int
	FlushInterval         time.Duration
}

// Sink consumes the event log and appends to the EventStore. Messages are
// acked only after their batch commits, so a crash replays them and the
// UUID primary key drops the duplicates.
type Sink struct {
	sub    message.Subscriber
	store  *EventStore
	cfg    SinkConfig
	logger zerolog.Logger
}

// NewSink creates a sink reading from sub.
func NewSink(sub message.Subscriber, store *EventStore, cfg SinkConfig, logger *zerolog.Logger) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Sink{
		sub:    sub,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "event-store-sink").Logger(),
	}
}

// Run consumes both topics until ctx is canceled, flushing what is buffered
// before returning.
func (s *Sink) Run(ctx context.Context) error {
	events, err := s.sub.Subscribe(ctx, s.cfg.EventsTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.EventsTopic, err)
	}
	recordings, err := s.sub.Subscribe(ctx, s.cfg.SessionRecordingTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.SessionRecordingTopic, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		consume(ctx, s, events, s.store.InsertEvents)
	}()
	go func() {
		defer wg.Done()
		consume(ctx, s, recordings, s.store.InsertRecordings)
	}()
	wg.Wait()
	return ctx.Err()
}

func consume[T any](ctx context.Context, s *Sink, msgs <-chan *message.Message, insert func(context.Context, []*T) error) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var (
		pending []*message.Message
		rows    []*T
	)

	flush := func(flushCtx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := insert(flushCtx, rows); err != nil {
			s.logger.Error().Err(err).Int("rows", len(rows)).Msg("event store flush failed")
			for _, m := range pending {
				m.Nack()
			}
		} else {
			for _, m := range pending {
				m.Ack()
			}
		}
		pending, rows = pending[:0], rows[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// The subscription context is gone; flush with a fresh one so
			// buffered rows still land.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			flush(ctx)
		case msg, ok := <-msgs:
			if !ok {
				flush(ctx)
				return
			}
			row, err := Decode[T](msg.Payload)
			if err != nil {
				// Poison message: ack so it is not redelivered forever.
				s.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("dropping undecodable log message")
				msg.Ack()
				continue
			}
			pending = append(pending, msg)
			rows = append(rows, row)
			if len(rows) >= s.cfg.BatchSize {
				flush(ctx)
			}
		}
	}
}
