package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bulk-brand-fetcher/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "bulk_fetch_runs"

// Schema is the DDL for the run history table; %[1]s is the table name.
const Schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	job_id            text PRIMARY KEY,
	status            text NOT NULL,
	total_brands      integer NOT NULL DEFAULT 0,
	processed_brands  integer NOT NULL DEFAULT 0,
	successful_brands integer NOT NULL DEFAULT 0,
	failed_brands     integer NOT NULL DEFAULT 0,
	total_products    integer NOT NULL DEFAULT 0,
	success_rate      integer NOT NULL DEFAULT 0,
	duration_ms       bigint NOT NULL DEFAULT 0,
	updated_at        timestamptz NOT NULL,
	finished_at       timestamptz,
	note              text
);
CREATE INDEX IF NOT EXISTS %[1]s_updated_at_idx ON %[1]s (updated_at DESC);
`

// RunStoreConfig controls the Postgres connection pool used for run history.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool  querier
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	s, err := NewRunStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool querier, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the table and index when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(strings.TrimSpace(fmt.Sprintf(Schema, s.table)), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", s.table, err)
		}
	}
	return nil
}

// ApplyProgress upserts the processing row for delta.JobID. Finished rows are left alone.
func (s *RunStore) ApplyProgress(ctx context.Context, delta store.RunProgress) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (job_id, status, total_brands, processed_brands,
			successful_brands, failed_brands, total_products, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			total_brands = GREATEST(%[1]s.total_brands, EXCLUDED.total_brands),
			processed_brands = GREATEST(%[1]s.processed_brands, EXCLUDED.processed_brands),
			successful_brands = %[1]s.successful_brands + EXCLUDED.successful_brands,
			failed_brands = %[1]s.failed_brands + EXCLUDED.failed_brands,
			total_products = %[1]s.total_products + EXCLUDED.total_products,
			updated_at = EXCLUDED.updated_at
		WHERE %[1]s.finished_at IS NULL`, s.table)
	_, err := s.pool.Exec(ctx, query,
		delta.JobID,
		string(store.RunProcessing),
		delta.TotalBrands,
		delta.ProcessedBrands,
		delta.SucceededDelta,
		delta.FailedDelta,
		delta.ProductsDelta,
		delta.At,
	)
	if err != nil {
		return fmt.Errorf("apply run progress: %w", err)
	}
	return nil
}

// FinishRun writes the final totals, replacing whatever progress was folded in.
func (s *RunStore) FinishRun(ctx context.Context, run store.JobRun) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (job_id, status, total_brands, processed_brands,
			successful_brands, failed_brands, total_products, success_rate,
			duration_ms, updated_at, finished_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_brands = EXCLUDED.total_brands,
			processed_brands = EXCLUDED.processed_brands,
			successful_brands = EXCLUDED.successful_brands,
			failed_brands = EXCLUDED.failed_brands,
			total_products = EXCLUDED.total_products,
			success_rate = EXCLUDED.success_rate,
			duration_ms = EXCLUDED.duration_ms,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at,
			note = EXCLUDED.note`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.JobID,
		string(run.Status),
		run.TotalBrands,
		run.ProcessedBrands,
		run.SuccessfulBrands,
		run.FailedBrands,
		run.TotalProducts,
		run.SuccessRate,
		run.DurationMs,
		run.UpdatedAt,
		run.FinishedAt,
		run.Note,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// CancelRun marks the run cancelled unless it already finished.
func (s *RunStore) CancelRun(
	ctx context.Context,
	jobID string,
	processed, total int,
	reason string,
	at time.Time,
) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (job_id, status, total_brands, processed_brands,
			updated_at, finished_at, note)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_brands = GREATEST(%[1]s.total_brands, EXCLUDED.total_brands),
			processed_brands = GREATEST(%[1]s.processed_brands, EXCLUDED.processed_brands),
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at,
			note = EXCLUDED.note
		WHERE %[1]s.finished_at IS NULL`, s.table)
	_, err := s.pool.Exec(ctx, query, jobID, "cancelled", total, processed, at, reason)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

const runColumns = `job_id, status, total_brands, processed_brands, successful_brands,
	failed_brands, total_products, success_rate, duration_ms, updated_at, finished_at, note`

// GetRun loads one run by job id.
func (s *RunStore) GetRun(ctx context.Context, jobID string) (store.JobRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get run %s: %w", jobID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.JobRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	var status *string
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	err := row.Scan(
		&run.JobID,
		&status,
		&run.TotalBrands,
		&run.ProcessedBrands,
		&run.SuccessfulBrands,
		&run.FailedBrands,
		&run.TotalProducts,
		&run.SuccessRate,
		&run.DurationMs,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.Note,
	)
	if err != nil {
		return store.JobRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
