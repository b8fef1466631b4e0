package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	dirPermissions = 0750

	// busyTimeoutMillis bounds how long a write waits on a locked database.
	busyTimeoutMillis = 5000

	connectionTimeout = 5 * time.Second
)

// OpenSQLite opens (creating if missing) the SQLite database file at path.
// The pool is limited to a single connection: the worker is the only writer.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMillis)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	return sqlDB, nil
}

// NewSQLite opens the SQLite database and ties its lifetime to the fx app
func NewSQLite(lc fx.Lifecycle, logger *zap.Logger, path string) (*sql.DB, error) {
	logger.Info("opening sqlite database", zap.String("path", path))

	sqlDB, err := OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := sqlDB.Close(); err != nil {
				logger.Error("failed to close sqlite database", zap.Error(err))
				return err
			}
			logger.Info("database connection closed")
			return nil
		},
	})

	return sqlDB, nil
}
