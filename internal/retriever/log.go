/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package retriever

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/jmoiron/sqlx"
)

// RetrievalLog records one retrieval cycle.
type RetrievalLog struct {
	// RetrievedSince is the watermark the cycle queried from.
	RetrievedSince time.Time

	// Count is the number of merged updates the cycle produced.
	Count int

	// Duration is how long the source query took.
	Duration time.Duration

	// StartedAt is when the cycle began.
	StartedAt time.Time
}

// LogStore is an append-only record of retrieval cycles.
type LogStore interface {
	// Add appends one entry.
	Add(ctx context.Context, entry RetrievalLog) error

	// Latest returns the most recent entry, or nil when the log is empty.
	Latest(ctx context.Context) (*RetrievalLog, error)
}

// NopLogStore discards entries. It stands in when no log database is
// configured.
type NopLogStore struct{}

// Add implements LogStore.
func (NopLogStore) Add(context.Context, RetrievalLog) error { return nil }

// Latest implements LogStore.
func (NopLogStore) Latest(context.Context) (*RetrievalLog, error) { return nil, nil }

// Postgres dialect. id orders entries, newest last.
const createRetrievalLog = `CREATE TABLE IF NOT EXISTS retrieval_log (
	id BIGSERIAL PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	retrieved_since TIMESTAMPTZ NOT NULL,
	update_count INTEGER NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL
)`

const (
	insertRetrievalLog = `INSERT INTO retrieval_log (started_at, retrieved_since, update_count, duration_seconds) VALUES ($1, $2, $3, $4)`
	selectLatestEntry  = `SELECT started_at, retrieved_since, update_count, duration_seconds FROM retrieval_log ORDER BY id DESC LIMIT 1`
)

// SQLLogStore keeps the retrieval log in a SQL database.
type SQLLogStore struct {
	db  *sqlx.DB
	log logr.Logger
}

var _ LogStore = (*SQLLogStore)(nil)

// OpenSQLLogStore connects to the database at dsn using the pgx driver and
// ensures the retrieval_log table exists.
func OpenSQLLogStore(ctx context.Context, dsn string, log logr.Logger) (*SQLLogStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to retrieval log database: %w", err)
	}

	store := NewSQLLogStore(db, log)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLLogStore wraps an existing connection. Call EnsureSchema before use
// unless the retrieval_log table already exists.
func NewSQLLogStore(db *sqlx.DB, log logr.Logger) *SQLLogStore {
	return &SQLLogStore{db: db, log: log}
}

// EnsureSchema creates the retrieval_log table if it is missing.
func (s *SQLLogStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createRetrievalLog); err != nil {
		return fmt.Errorf("creating retrieval log table: %w", err)
	}
	s.log.V(1).Info("retrieval log schema ready")
	return nil
}

// Add appends one entry.
func (s *SQLLogStore) Add(ctx context.Context, entry RetrievalLog) error {
	_, err := s.db.ExecContext(ctx, insertRetrievalLog,
		entry.StartedAt.UTC(), entry.RetrievedSince.UTC(), entry.Count, entry.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("appending retrieval log entry: %w", err)
	}
	return nil
}

// Latest returns the most recent entry, or nil when the log is empty.
func (s *SQLLogStore) Latest(ctx context.Context) (*RetrievalLog, error) {
	var row retrievalLogRow
	err := s.db.GetContext(ctx, &row, selectLatestEntry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest retrieval log entry: %w", err)
	}

	entry := row.model()
	return &entry, nil
}

// Close releases the database connection.
func (s *SQLLogStore) Close() error {
	return s.db.Close()
}

type retrievalLogRow struct {
	StartedAt       time.Time `db:"started_at"`
	RetrievedSince  time.Time `db:"retrieved_since"`
	UpdateCount     int       `db:"update_count"`
	DurationSeconds float64   `db:"duration_seconds"`
}

func (r retrievalLogRow) model() RetrievalLog {
	return RetrievalLog{
		RetrievedSince: r.RetrievedSince,
		Count:          r.UpdateCount,
		Duration:       time.Duration(r.DurationSeconds * float64(time.Second)),
		StartedAt:      r.StartedAt,
	}
}
