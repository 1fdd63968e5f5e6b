// Package postgres implements the job store on PostgreSQL with one
// JSONB row per job.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gencrawl/gencrawl/internal/state"
	"github.com/gencrawl/gencrawl/internal/store"
)

// DB is the subset of pgxpool.Pool the store uses, small enough for
// pgxmock to satisfy in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists jobs in the crawl_jobs table:
//
//	CREATE TABLE crawl_jobs (
//	    crawl_id   TEXT PRIMARY KEY,
//	    data       JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New wraps an existing connection pool or mock.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool from a DSN, pings it and ensures the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	s.pool = pool
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool when the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the crawl_jobs table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS crawl_jobs (
		    crawl_id   TEXT PRIMARY KEY,
		    data       JSONB NOT NULL,
		    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create crawl_jobs table: %w", err)
	}
	return nil
}

// Save upserts the job state document.
func (s *Store) Save(ctx context.Context, data *state.Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO crawl_jobs (crawl_id, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (crawl_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		data.CrawlID, raw)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// Load returns one job.
func (s *Store) Load(ctx context.Context, crawlID string) (*state.Data, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM crawl_jobs WHERE crawl_id = $1`, crawlID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, crawlID)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	var data state.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal job state: %w", err)
	}
	return &data, nil
}

// LoadAll returns every persisted job.
func (s *Store) LoadAll(ctx context.Context) ([]*state.Data, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM crawl_jobs ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*state.Data
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		var data state.Data
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal job state: %w", err)
		}
		jobs = append(jobs, &data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// Delete removes a job row. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, crawlID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM crawl_jobs WHERE crawl_id = $1`, crawlID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
