// Package sqlbase provides the base functionality for SQL database persistence.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// migrationLockKey identifies the advisory lock held while migrating, so the
// api, worker and sweeper can start against the same database concurrently.
const migrationLockKey int64 = 0x617070726f76

// MigrationManager applies numbered schema migrations once each.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func NewMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

// RunMigrations brings the schema to LatestVersion. It serialises with other
// processes through a PostgreSQL advisory lock.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey)
	if err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}

	defer func() {
		_, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
		if unlockErr != nil {
			m.logger.WarnContext(ctx, "Failed to release migration lock", "error", unlockErr)
		}
	}()

	_, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int

	err = conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	pending := m.pendingVersions(current)

	m.logger.InfoContext(ctx, "Checked schema version", "version", current, "pending", len(pending))

	for _, version := range pending {
		err := m.apply(ctx, conn, version)
		if err != nil {
			return err
		}
	}

	return nil
}

// LatestVersion is the highest registered migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}

	return slices.Max(slices.Collect(maps.Keys(m.migrations)))
}

// pendingVersions returns the versions newer than fromVersion in ascending order.
func (m *MigrationManager) pendingVersions(fromVersion int) []int {
	var pending []int

	for _, version := range slices.Sorted(maps.Keys(m.migrations)) {
		if version > fromVersion {
			pending = append(pending, version)
		}
	}

	return pending
}

func (m *MigrationManager) apply(ctx context.Context, conn *sql.Conn, version int) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", version, err)
	}

	_, err = tx.ExecContext(ctx, m.migrations[version])
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to execute migration %d: %w", version, err)
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}

	m.logger.InfoContext(ctx, "Applied migration", "version", version)

	return nil
}
