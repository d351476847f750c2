// Package postgres provides the Postgres-backed invocation record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/probgate/internal/solver"
)

const defaultTable = "invocations"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore writes invocation records into Postgres.
type RecordStore struct {
	pool  dbPool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := resolveTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool dbPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	resolved, err := resolveTable(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: resolved}, nil
}

func resolveTable(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the records table when it does not exist yet.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	invocation_id  TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL DEFAULT '',
	problem_sha256 TEXT NOT NULL,
	problem_length INTEGER NOT NULL,
	outcome        TEXT NOT NULL,
	exit_code      INTEGER NOT NULL,
	status_code    INTEGER NOT NULL,
	stdout_bytes   INTEGER NOT NULL,
	stderr_bytes   INTEGER NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT NOT NULL,
	archive_uri    TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// SaveRecord inserts an invocation record. Records are never updated.
func (s *RecordStore) SaveRecord(ctx context.Context, rec solver.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	invocation_id,
	request_id,
	problem_sha256,
	problem_length,
	outcome,
	exit_code,
	status_code,
	stdout_bytes,
	stderr_bytes,
	started_at,
	finished_at,
	duration_ms,
	archive_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)

	args := []any{
		rec.ID,
		rec.RequestID,
		rec.ProblemHash,
		rec.ProblemLen,
		string(rec.Outcome),
		rec.ExitCode,
		rec.StatusCode,
		rec.StdoutBytes,
		rec.StderrBytes,
		rec.StartedAt,
		rec.FinishedAt,
		rec.DurationMs,
		rec.ArchiveURI,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord loads one record, returning solver.ErrNotFound for unknown IDs.
func (s *RecordStore) GetRecord(ctx context.Context, id string) (solver.Record, error) {
	query := fmt.Sprintf(`
SELECT
	invocation_id,
	request_id,
	problem_sha256,
	problem_length,
	outcome,
	exit_code,
	status_code,
	stdout_bytes,
	stderr_bytes,
	started_at,
	finished_at,
	duration_ms,
	archive_uri
FROM %s
WHERE invocation_id = $1`, s.table)

	var (
		rec     solver.Record
		outcome string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.ProblemHash,
		&rec.ProblemLen,
		&outcome,
		&rec.ExitCode,
		&rec.StatusCode,
		&rec.StdoutBytes,
		&rec.StderrBytes,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.DurationMs,
		&rec.ArchiveURI,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return solver.Record{}, fmt.Errorf("record %s: %w", id, solver.ErrNotFound)
	}
	if err != nil {
		return solver.Record{}, fmt.Errorf("select record: %w", err)
	}
	rec.Outcome = solver.Outcome(outcome)
	return rec, nil
}
