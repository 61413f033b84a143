// Package store persists the restaurant catalog and reservations in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tablealloc/internal/errs"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps the SQLite connection pool.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

// Open opens the database at path and applies the schema.
func Open(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps readers off the writer's back; immediate transactions take the
	// write lock up front so concurrent allocations queue on busy_timeout
	// instead of failing on lock upgrade.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errs.Mark(fmt.Errorf("failed to connect to database: %w", err), errs.ErrStoreUnavailable)
	}

	instance := &DB{DB: db, logger: logger}
	if err := instance.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return instance, nil
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS restaurants (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			dining_duration_minutes INTEGER NOT NULL DEFAULT 120,
			buffer_minutes INTEGER NOT NULL DEFAULT 0,
			unlimited_dining_time BOOLEAN NOT NULL DEFAULT 0,
			allow_table_combinations BOOLEAN NOT NULL DEFAULT 0,
			max_combination_tables INTEGER NOT NULL DEFAULT 2,
			min_party_size INTEGER NOT NULL DEFAULT 0,
			max_party_size INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS table_groups (
			id INTEGER PRIMARY KEY,
			restaurant_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tables (
			id INTEGER PRIMARY KEY,
			restaurant_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			min_capacity INTEGER NOT NULL DEFAULT 1,
			max_capacity INTEGER NOT NULL,
			can_combine BOOLEAN NOT NULL DEFAULT 0,
			operational_status TEXT NOT NULL DEFAULT 'normal'
				CHECK (operational_status IN ('normal', 'maintenance', 'cleaning', 'out_of_service')),
			is_active BOOLEAN NOT NULL DEFAULT 1,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			CHECK (min_capacity >= 1 AND max_capacity >= min_capacity)
		)`,
		`CREATE TABLE IF NOT EXISTS periods (
			id INTEGER PRIMARY KEY,
			restaurant_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			weekdays TEXT NOT NULL DEFAULT '',
			slot_minutes INTEGER NOT NULL DEFAULT 30,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS restaurant_closures (
			restaurant_id INTEGER NOT NULL,
			closed_on TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (restaurant_id, closed_on)
		)`,
		// A reservation is seated at exactly one of: a direct table, or a
		// combination row keyed by its id.
		`CREATE TABLE IF NOT EXISTS reservations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			restaurant_id INTEGER NOT NULL,
			table_id INTEGER,
			period_id INTEGER,
			starts_at DATETIME NOT NULL,
			adults INTEGER NOT NULL DEFAULT 0,
			children INTEGER NOT NULL DEFAULT 0,
			party_size INTEGER NOT NULL,
			seating TEXT NOT NULL CHECK (seating IN ('table', 'combination')),
			status TEXT NOT NULL DEFAULT 'confirmed' CHECK (status IN ('confirmed', 'cancelled', 'no_show')),
			version INTEGER NOT NULL DEFAULT 1,
			allocation_token TEXT UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			CHECK (party_size >= 1 AND party_size = adults + children),
			CHECK ((seating = 'table') = (table_id IS NOT NULL))
		)`,
		`CREATE TABLE IF NOT EXISTS table_combinations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reservation_id INTEGER NOT NULL UNIQUE REFERENCES reservations(id) ON DELETE CASCADE,
			total_capacity INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS table_combination_members (
			combination_id INTEGER NOT NULL REFERENCES table_combinations(id) ON DELETE CASCADE,
			table_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (combination_id, table_id)
		)`,
		// Occupancy ledger backing the lock: one live row per table and time
		// bucket (fixed duration) or per table, date and period (unlimited).
		`CREATE TABLE IF NOT EXISTS table_slots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			restaurant_id INTEGER NOT NULL,
			table_id INTEGER NOT NULL,
			reservation_id INTEGER NOT NULL REFERENCES reservations(id) ON DELETE CASCADE,
			slot_date TEXT NOT NULL,
			slot_hour INTEGER NOT NULL,
			slot_minute INTEGER NOT NULL,
			period_id INTEGER,
			released BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS ux_table_slots_fixed
			ON table_slots(restaurant_id, table_id, slot_date, slot_hour, slot_minute)
			WHERE released = 0 AND period_id IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_table_slots_period
			ON table_slots(restaurant_id, table_id, slot_date, period_id)
			WHERE released = 0 AND period_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_table_slots_reservation ON table_slots(reservation_id)`,

		`CREATE INDEX IF NOT EXISTS idx_tables_restaurant ON tables(restaurant_id, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_table_groups_restaurant ON table_groups(restaurant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_periods_restaurant ON periods(restaurant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_lookup ON reservations(restaurant_id, status, starts_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_table ON reservations(table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_combination_members_table ON table_combination_members(table_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}

	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping reports whether the database answers.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return errs.Mark(fmt.Errorf("ping database: %w", err), errs.ErrStoreUnavailable)
	}
	return nil
}

// classify marks driver errors with the kind the allocation flow reacts to.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", op, err)

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return errs.Mark(wrapped, errs.ErrConcurrencyConflict)
		case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked:
			return errs.Mark(wrapped, errs.ErrConcurrencyConflict)
		case sqErr.Code == sqlite3.ErrCantOpen, sqErr.Code == sqlite3.ErrIoErr,
			sqErr.Code == sqlite3.ErrCorrupt, sqErr.Code == sqlite3.ErrNotADB:
			return errs.Mark(wrapped, errs.ErrStoreUnavailable)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.Mark(wrapped, errs.ErrStoreUnavailable)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Mark(wrapped, errs.ErrLockTimeout)
	}
	if errs.KindOf(err) != errs.KindInternal {
		return wrapped
	}
	// Closed handles, scan failures and unknown driver codes.
	return errs.Mark(wrapped, errs.ErrStoreUnavailable)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
