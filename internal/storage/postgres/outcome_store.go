// Package postgres provides Postgres-backed persistence implementations.
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

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

const defaultTable = "bulletin_downloads"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OutcomeStoreConfig controls the Postgres connection pool used for the download ledger.
type OutcomeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// OutcomeStore keeps one ledger row per attempted document so failed downloads can be
// retried by hand.
type OutcomeStore struct {
	pool  queryExecCloser
	table string
}

// NewOutcomeStore creates a Postgres-backed OutcomeStore using the provided config.
func NewOutcomeStore(ctx context.Context, cfg OutcomeStoreConfig) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
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
	return &OutcomeStore{pool: pool, table: table}, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(pool queryExecCloser, table string) (*OutcomeStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the ledger table when it does not exist.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT NOT NULL,
	security_code TEXT NOT NULL,
	document_url  TEXT NOT NULL,
	title         TEXT NOT NULL,
	bulletin_date TEXT NOT NULL,
	bulletin_type TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	path          TEXT NOT NULL DEFAULT '',
	sha256        TEXT NOT NULL DEFAULT '',
	mirror_uri    TEXT NOT NULL DEFAULT '',
	finished_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, document_url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// RecordOutcome inserts one ledger row. A repeated (run, url) pair is ignored.
func (s *OutcomeStore) RecordOutcome(ctx context.Context, runID, code string, outcome crawler.Outcome) error {
	if s == nil || s.pool == nil {
		return errors.New("outcome store is not configured")
	}
	if runID == "" {
		return errors.New("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	security_code,
	document_url,
	title,
	bulletin_date,
	bulletin_type,
	status,
	error_kind,
	reason,
	size_bytes,
	path,
	sha256,
	mirror_uri,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (run_id, document_url) DO NOTHING`, s.table)

	args := []any{
		runID,
		code,
		outcome.Record.DocumentURL,
		outcome.Record.Title,
		outcome.Record.Date,
		outcome.Record.BulletinType,
		string(outcome.Status),
		string(outcome.Kind),
		outcome.Reason,
		outcome.SizeBytes,
		outcome.Path,
		outcome.SHA256,
		outcome.MirrorURI,
		outcome.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// PendingFailures lists documents of code whose latest ledger row is a failure.
func (s *OutcomeStore) PendingFailures(ctx context.Context, code string) ([]crawler.Outcome, error) {
	query := fmt.Sprintf(`
SELECT document_url, title, bulletin_date, bulletin_type, error_kind, reason, finished_at
FROM (
	SELECT DISTINCT ON (document_url) *
	FROM %s
	WHERE security_code = $1
	ORDER BY document_url, finished_at DESC
) latest
WHERE status = 'failed'
ORDER BY finished_at DESC`, s.table)

	rows, err := s.pool.Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []crawler.Outcome
	for rows.Next() {
		var (
			o    crawler.Outcome
			kind string
		)
		if err := rows.Scan(
			&o.Record.DocumentURL,
			&o.Record.Title,
			&o.Record.Date,
			&o.Record.BulletinType,
			&kind,
			&o.Reason,
			&o.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		o.Status = crawler.StatusFailed
		o.Kind = crawler.ErrorKind(kind)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}
