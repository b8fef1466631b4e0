package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/septivank/smartplug-ingest-worker/internal/db"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS device_table (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		friendly_name TEXT NOT NULL,
		"timestamp" INTEGER NOT NULL,
		"current" REAL NOT NULL,
		energy REAL NOT NULL,
		power INTEGER NOT NULL,
		voltage INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_table_friendly_name_id ON device_table (friendly_name, id)`,
}

// SQLite stores readings in a SQLite database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository
func NewSQLite(sqlDB *sql.DB) *SQLite {
	return &SQLite{db: sqlDB}
}

// EnsureSchema creates the readings table if it does not exist yet
func (r *SQLite) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("create schema", err)
		}
	}
	return nil
}

// Append inserts a single reading
func (r *SQLite) Append(ctx context.Context, reading db.Reading) error {
	query := `
		INSERT INTO device_table (friendly_name, "timestamp", "current", energy, power, voltage)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
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
func (r *SQLite) LatestFor(ctx context.Context, friendlyName string) (db.StoredReading, error) {
	query := `
		SELECT id, friendly_name, "timestamp", "current", energy, power, voltage
		FROM device_table
		WHERE friendly_name = ?
		ORDER BY id DESC
		LIMIT 1
	`

	var row db.StoredReading
	err := r.db.QueryRowContext(ctx, query, friendlyName).Scan(
		&row.ID,
		&row.FriendlyName,
		&row.Timestamp,
		&row.Current,
		&row.Energy,
		&row.Power,
		&row.Voltage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return db.StoredReading{}, ErrNotFound
	}
	if err != nil {
		return db.StoredReading{}, storageErr("query latest reading", err)
	}

	return row, nil
}
