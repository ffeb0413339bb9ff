package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

func schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// unversionedStore reports whether both core tables exist while user_version is
// still 0, i.e. a store whose tables were created before versioning.
func unversionedStore(ctx context.Context, conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('entries', 'records')",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for existing tables: %w", err)
	}
	return count == 2, nil
}

// migrate applies every migration above the stored user_version, in order.
func migrate(ctx context.Context, conn *sql.DB) error {
	logger := slog.Default().With("component", "database")

	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	// Tables from migration 1 without a version stamp: stamp and continue.
	if current == 0 {
		existing, err := unversionedStore(ctx, conn)
		if err != nil {
			return err
		}
		if existing {
			logger.Info("found unversioned store, stamping as version 1")
			if err := setVersion(ctx, conn, 1); err != nil {
				return err
			}
			current = 1
		}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := apply(ctx, conn, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, conn *sql.DB, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	// modernc/sqlite rejects user_version inside the transaction; the DDL is
	// idempotent so a crash before this line reruns the migration.
	return setVersion(ctx, conn, m.Version)
}

func setVersion(ctx context.Context, conn *sql.DB, version int) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("setting schema version %d: %w", version, err)
	}
	return nil
}
