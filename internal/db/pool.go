package db

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxPoolConns covers the ingest loop plus schema setup; the worker writes serially
const maxPoolConns = 4

// NewPool creates the PostgreSQL pool used when DATABASE_URL is set.
// The connection is verified on fx start, not here.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*pgxpool.Pool, error) {
	redacted := RedactURL(databaseURL)
	logger.Info("initializing postgres connection pool", zap.String("url", redacted))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse DATABASE_URL: %w", err)
	}
	if config.MaxConns > maxPoolConns {
		config.MaxConns = maxPoolConns
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				logger.Error("postgres ping failed", zap.Error(err), zap.String("url", redacted))
				return fmt.Errorf("[DATABASE] cannot reach postgres at %s: %w", redacted, err)
			}
			logger.Info("postgres connection established", zap.Int32("max_conns", config.MaxConns))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("postgres connection pool closed")
			return nil
		},
	})

	return pool, nil
}

// RedactURL hides the password of a connection URL for logging
func RedactURL(raw string) string {
	if raw == "" {
		return "<empty>"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
