package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption customizes the pool configuration before it is opened.
type PoolOption func(*pgxpool.Config)

// WithTracer installs a query tracer on every connection.
func WithTracer(t pgx.QueryTracer) PoolOption {
	return func(cfg *pgxpool.Config) {
		cfg.ConnConfig.Tracer = t
	}
}

// WithMaxConnIdleTime overrides the idle timeout.
func WithMaxConnIdleTime(d time.Duration) PoolOption {
	return func(cfg *pgxpool.Config) {
		cfg.MaxConnIdleTime = d
	}
}

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	for _, opt := range opts {
		opt(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
