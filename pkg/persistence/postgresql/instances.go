package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

const instanceColumns = `
	id
  , company_id
  , template_id
  , template_snapshot
  , entity_type
  , entity_id
  , status
  , current_step_number
  , triggered_by
  , needs_attention
  , attention_reason
  , data
  , started_at
  , completed_at
  , updated_at
  , version`

// InstanceRepository handles workflow instance database operations.
type InstanceRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *InstanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	snapshotJSON, dataJSON, err := marshalInstance(instance)
	if err != nil {
		return err
	}

	instance.Version = 1

	query := `
		INSERT INTO workflow_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.q.ExecContext(ctx, query,
		instance.ID,
		instance.CompanyID,
		instance.TemplateID,
		snapshotJSON,
		instance.EntityType,
		instance.EntityID,
		instance.Status,
		instance.CurrentStepNumber,
		instance.TriggeredBy,
		instance.NeedsAttention,
		instance.AttentionReason,
		dataJSON,
		instance.StartedAt,
		instance.CompletedAt,
		instance.UpdatedAt,
		instance.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return r.get(ctx, "GetByID", "SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1", id)
}

func (r *InstanceRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return r.get(ctx, "GetByIDForUpdate", "SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1 FOR UPDATE", id)
}

func (r *InstanceRepository) get(ctx context.Context, op, query, id string) (*models.WorkflowInstance, error) {
	instance, err := scanInstance(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError(op, "instance", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) Update(ctx context.Context, instance *models.WorkflowInstance) error {
	_, dataJSON, err := marshalInstance(instance)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances SET
			status = $3,
			current_step_number = $4,
			needs_attention = $5,
			attention_reason = $6,
			data = $7,
			completed_at = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	result, err := r.q.ExecContext(ctx, query,
		instance.ID,
		instance.Version,
		instance.Status,
		instance.CurrentStepNumber,
		instance.NeedsAttention,
		instance.AttentionReason,
		dataJSON,
		instance.CompletedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	err = checkUpdated(ctx, r.q, "workflow_instances", "Update", "instance", instance.ID, result, persistence.ErrInstanceNotFound)
	if err != nil {
		return err
	}

	instance.Version++

	return nil
}

func (r *InstanceRepository) CountByTemplate(ctx context.Context, templateID string) (int, error) {
	var count int

	err := r.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_instances WHERE template_id = $1", templateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}

	return count, nil
}

func (r *InstanceRepository) List(ctx context.Context, opts persistence.ListInstancesOptions) ([]*models.WorkflowInstance, error) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 7)

	add := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if opts.CompanyID != "" {
		add("company_id", opts.CompanyID)
	}

	if opts.TemplateID != "" {
		add("template_id", opts.TemplateID)
	}

	if opts.EntityType != "" {
		add("entity_type", opts.EntityType)
	}

	if opts.EntityID != "" {
		add("entity_id", opts.EntityID)
	}

	if opts.Status != "" {
		add("status", opts.Status)
	}

	if opts.NeedsAttention {
		conditions = append(conditions, "needs_attention")
	}

	query := "SELECT " + instanceColumns + " FROM workflow_instances"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC, id DESC LIMIT NULLIF($%d::int, 0)", len(args))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func marshalInstance(instance *models.WorkflowInstance) (string, string, error) {
	snapshotJSON, err := json.Marshal(instance.TemplateSnapshot)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal template snapshot: %w", err)
	}

	data := instance.Data
	if data == nil {
		data = map[string]any{}
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal instance data: %w", err)
	}

	return string(snapshotJSON), string(dataJSON), nil
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		instance     models.WorkflowInstance
		snapshotJSON []byte
		dataJSON     []byte
	)

	err := row.Scan(
		&instance.ID,
		&instance.CompanyID,
		&instance.TemplateID,
		&snapshotJSON,
		&instance.EntityType,
		&instance.EntityID,
		&instance.Status,
		&instance.CurrentStepNumber,
		&instance.TriggeredBy,
		&instance.NeedsAttention,
		&instance.AttentionReason,
		&dataJSON,
		&instance.StartedAt,
		&instance.CompletedAt,
		&instance.UpdatedAt,
		&instance.Version,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(snapshotJSON, &instance.TemplateSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal template snapshot: %w", err)
	}

	err = json.Unmarshal(dataJSON, &instance.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance data: %w", err)
	}

	instance.StartedAt = instance.StartedAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()
	instance.CompletedAt = utcPtr(instance.CompletedAt)

	return &instance, nil
}
