// Package postgres provides the Postgres-backed frontier archive. Terminal
// URL records and per-domain fetch stats are written here off the hot path so
// dashboards keep history across master restarts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
)

// Config controls the Postgres connection pool for the archive.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArchiveStore writes frontier history into Postgres.
type ArchiveStore struct {
	pool execCloser
}

// New creates a Postgres-backed ArchiveStore from the config.
func New(ctx context.Context, cfg Config) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &ArchiveStore{pool: pool}, nil
}

// NewWithPool wires an existing pool; used by tests with pgxmock.
func NewWithPool(pool execCloser) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *ArchiveStore) Close() {
	s.pool.Close()
}

// RecordURL upserts one URL record's terminal state.
func (s *ArchiveStore) RecordURL(ctx context.Context, rec crawl.URLRecord) error {
	query := `
		INSERT INTO url_records (url, domain, depth, state, attempts, reject_reason, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE
		SET state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			reject_reason = EXCLUDED.reject_reason,
			last_updated = EXCLUDED.last_updated;
	`
	_, err := s.pool.Exec(ctx, query,
		rec.URL,
		rec.Domain,
		rec.Depth,
		string(rec.State),
		rec.Attempts,
		rec.RejectReason,
		rec.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert url record: %w", err)
	}
	return nil
}

// BumpDomainStats adds one fetch outcome to a domain's counters.
func (s *ArchiveStore) BumpDomainStats(ctx context.Context, domain string, succeeded bool, bytes int64, at time.Time) error {
	query := `
		INSERT INTO domain_stats (domain, fetches, failures, bytes_total, last_update)
		VALUES ($1, 1, $2, $3, $4)
		ON CONFLICT (domain) DO UPDATE
		SET fetches = domain_stats.fetches + 1,
			failures = domain_stats.failures + $2,
			bytes_total = domain_stats.bytes_total + $3,
			last_update = $4;
	`
	failed := 0
	if !succeeded {
		failed = 1
	}
	if _, err := s.pool.Exec(ctx, query, domain, failed, bytes, at); err != nil {
		return fmt.Errorf("bump domain stats: %w", err)
	}
	return nil
}
