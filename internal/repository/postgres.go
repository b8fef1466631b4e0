package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/septivank/smartplug-ingest-worker/internal/db"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS device_table (
		id BIGSERIAL PRIMARY KEY,
		friendly_name TEXT NOT NULL,
		"timestamp" BIGINT NOT NULL,
		"current" DOUBLE PRECISION NOT NULL,
		energy DOUBLE PRECISION NOT NULL,
		power INTEGER NOT NULL,
		voltage INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_table_friendly_name_id ON device_table (friendly_name, id)`,
}

// Querier is the subset of *pgxpool.Pool used by Postgres
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores readings in PostgreSQL
type Postgres struct {
	pool Querier
}

// NewPostgres creates a new PostgreSQL-backed repository
func NewPostgres(pool Querier) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the readings table if it does not exist yet
func (r *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return storageErr("create schema", err)
		}
	}
	return nil
}

// Append inserts a single reading
func (r *Postgres) Append(ctx context.Context, reading db.Reading) error {
	query := `
		INSERT INTO device_table (friendly_name, "timestamp", "current", energy, power, voltage)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		reading.FriendlyName,
		reading.Timestamp,
		reading.Current,
		reading.Energy,
		reading.Power,
		reading.Voltage,
	)
	if err != nil {
		return storageErr("insert reading", err)
	}

	return nil
}

// LatestFor returns the most recently appended reading for a device
func (r *Postgres) LatestFor(ctx context.Context, friendlyName string) (db.StoredReading, error) {
	query := `
		SELECT id, friendly_name, "timestamp", "current", energy, power, voltage
		FROM device_table
		WHERE friendly_name = $1
		ORDER BY id DESC
		LIMIT 1
	`

	var row db.StoredReading
	err := r.pool.QueryRow(ctx, query, friendlyName).Scan(
		&row.ID,
		&row.FriendlyName,
		&row.Timestamp,
		&row.Current,
		&row.Energy,
		&row.Power,
		&row.Voltage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.StoredReading{}, ErrNotFound
	}
	if err != nil {
		return db.StoredReading{}, storageErr("query latest reading", err)
	}

	return row, nil
}
