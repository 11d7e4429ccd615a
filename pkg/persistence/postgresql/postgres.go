// Package postgresql provides PostgreSQL persistence implementation for approval workflows.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"
)

// querier is satisfied by *sql.Tx; repositories only ever run inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:     database,
		logger: logger,
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Transact runs fn inside a READ COMMITTED transaction. Rows read with the
// ForUpdate variants stay locked until commit or rollback.
func (p *Persistence) Transact(ctx context.Context, fn func(ctx context.Context, store persistence.Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(ctx, &store{q: tx, logger: p.logger})
	if err != nil {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			p.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
		}

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type store struct {
	q      querier
	logger *slog.Logger
}

func (s *store) Templates() persistence.TemplateRepository {
	return &TemplateRepository{q: s.q, logger: s.logger}
}

func (s *store) Instances() persistence.InstanceRepository {
	return &InstanceRepository{q: s.q, logger: s.logger}
}

func (s *store) StepExecutions() persistence.StepExecutionRepository {
	return &StepExecutionRepository{q: s.q, logger: s.logger}
}

func (s *store) ApprovalRequests() persistence.ApprovalRequestRepository {
	return &ApprovalRequestRepository{q: s.q, logger: s.logger}
}

func (s *store) Comments() persistence.CommentRepository {
	return &CommentRepository{q: s.q, logger: s.logger}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// checkUpdated turns a zero-row versioned update into the right error: the row
// is either missing or was changed by someone else.
func checkUpdated(ctx context.Context, q querier, table, op, entity, id string, result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = q.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", entity, err)
	}

	if !exists {
		return persistence.NewEntityError(op, entity, id, notFound)
	}

	return persistence.NewEntityError(op, entity, id, persistence.ErrVersionConflict)
}
