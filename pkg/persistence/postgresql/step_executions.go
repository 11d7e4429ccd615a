package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

const stepExecutionColumns = `
	id
  , instance_id
  , step_id
  , step_number
  , status
  , assigned_to
  , assigned_role
  , decision
  , decided_by
  , comment
  , started_at
  , due_at
  , completed_at
  , metadata
  , version`

const liveStatuses = `('pending', 'assigned', 'in_progress')`

// StepExecutionRepository handles step execution database operations.
type StepExecutionRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *StepExecutionRepository) Create(ctx context.Context, execution *models.WorkflowStepExecution) error {
	metadataJSON, err := marshalMetadata(execution.Metadata)
	if err != nil {
		return err
	}

	execution.Version = 1

	query := `
		INSERT INTO workflow_step_executions (` + stepExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.q.ExecContext(ctx, query,
		execution.ID,
		execution.InstanceID,
		execution.StepID,
		execution.StepNumber,
		execution.Status,
		execution.AssignedTo,
		execution.AssignedRole,
		execution.Decision,
		execution.DecidedBy,
		execution.Comment,
		execution.StartedAt,
		execution.DueAt,
		execution.CompletedAt,
		metadataJSON,
		execution.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewEntityError("Create", "step_execution", execution.ID, persistence.ErrLiveExecutionExists)
		}

		return fmt.Errorf("failed to insert step execution: %w", err)
	}

	return nil
}

func (r *StepExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowStepExecution, error) {
	return r.get(ctx, "GetByID", "SELECT "+stepExecutionColumns+" FROM workflow_step_executions WHERE id = $1", id)
}

func (r *StepExecutionRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.WorkflowStepExecution, error) {
	return r.get(ctx, "GetByIDForUpdate",
		"SELECT "+stepExecutionColumns+" FROM workflow_step_executions WHERE id = $1 FOR UPDATE", id)
}

func (r *StepExecutionRepository) get(ctx context.Context, op, query, id string) (*models.WorkflowStepExecution, error) {
	execution, err := scanStepExecution(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError(op, "step_execution", id, persistence.ErrStepExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan step execution: %w", err)
	}

	return execution, nil
}

func (r *StepExecutionRepository) Update(ctx context.Context, execution *models.WorkflowStepExecution) error {
	metadataJSON, err := marshalMetadata(execution.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_step_executions SET
			status = $3,
			assigned_to = $4,
			assigned_role = $5,
			decision = $6,
			decided_by = $7,
			comment = $8,
			due_at = $9,
			completed_at = $10,
			metadata = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.q.ExecContext(ctx, query,
		execution.ID,
		execution.Version,
		execution.Status,
		execution.AssignedTo,
		execution.AssignedRole,
		execution.Decision,
		execution.DecidedBy,
		execution.Comment,
		execution.DueAt,
		execution.CompletedAt,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}

	err = checkUpdated(ctx, r.q, "workflow_step_executions", "Update", "step_execution", execution.ID, result,
		persistence.ErrStepExecutionNotFound)
	if err != nil {
		return err
	}

	execution.Version++

	return nil
}

func (r *StepExecutionRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowStepExecution, error) {
	return r.list(ctx,
		"SELECT "+stepExecutionColumns+" FROM workflow_step_executions WHERE instance_id = $1 ORDER BY started_at, id",
		instanceID)
}

func (r *StepExecutionRepository) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]*models.WorkflowStepExecution, error) {
	query := "SELECT " + stepExecutionColumns + `
		FROM workflow_step_executions
		WHERE status IN ` + liveStatuses + ` AND due_at IS NOT NULL AND due_at <= $1
		ORDER BY due_at, id
		LIMIT NULLIF($2::int, 0)`

	return r.list(ctx, query, cutoff, limit)
}

func (r *StepExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowStepExecution, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowStepExecution, 0)

	for rows.Next() {
		execution, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	return executions, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}

	payload, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return string(payload), nil
}

func scanStepExecution(row rowScanner) (*models.WorkflowStepExecution, error) {
	var (
		execution    models.WorkflowStepExecution
		metadataJSON []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.InstanceID,
		&execution.StepID,
		&execution.StepNumber,
		&execution.Status,
		&execution.AssignedTo,
		&execution.AssignedRole,
		&execution.Decision,
		&execution.DecidedBy,
		&execution.Comment,
		&execution.StartedAt,
		&execution.DueAt,
		&execution.CompletedAt,
		&metadataJSON,
		&execution.Version,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(metadataJSON, &execution.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	if len(execution.Metadata) == 0 {
		execution.Metadata = nil
	}

	execution.StartedAt = execution.StartedAt.UTC()
	execution.DueAt = utcPtr(execution.DueAt)
	execution.CompletedAt = utcPtr(execution.CompletedAt)

	return &execution, nil
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}

	utc := value.UTC()

	return &utc
}
