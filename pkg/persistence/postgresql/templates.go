package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
)

const templateColumns = `
	id
  , company_id
  , name
  , description
  , entity_type
  , trigger_type
  , trigger_conditions
  , priority
  , is_active
  , created_by
  , usage_count
  , created_at
  , updated_at`

const stepColumns = `
	id
  , template_id
  , step_number
  , name
  , description
  , step_type
  , assignee_type
  , assignee_id
  , escalate_to_type
  , escalate_to_id
  , is_required
  , timeout_hours
  , timeout_days
  , auto_approve
  , allow_parallel
  , conditions
  , config`

// TemplateRepository handles template and step database operations.
type TemplateRepository struct {
	q      querier
	logger *slog.Logger
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM workflow_templates WHERE id = $1", id)

	template, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("GetByID", "template", id, persistence.ErrTemplateNotFound)
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	template.Steps, err = r.loadSteps(ctx, template.ID)
	if err != nil {
		return nil, err
	}

	return template, nil
}

func (r *TemplateRepository) List(ctx context.Context, opts persistence.ListTemplatesOptions) ([]*models.WorkflowTemplate, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if opts.CompanyID != "" {
		args = append(args, opts.CompanyID)
		conditions = append(conditions, fmt.Sprintf("company_id = $%d", len(args)))
	}

	if opts.EntityType != "" {
		args = append(args, opts.EntityType)
		conditions = append(conditions, fmt.Sprintf("(entity_type = $%d OR entity_type = '%s')", len(args), models.EntityTypeCustom))
	}

	if opts.TriggerType != "" {
		args = append(args, opts.TriggerType)
		conditions = append(conditions, fmt.Sprintf("trigger_type = $%d", len(args)))
	}

	if opts.ActiveOnly {
		conditions = append(conditions, "is_active")
	}

	query := "SELECT " + templateColumns + " FROM workflow_templates"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY priority DESC, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}

	templates := make([]*models.WorkflowTemplate, 0)

	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			closeRows(ctx, r.logger, rows)

			return nil, fmt.Errorf("failed to scan template: %w", err)
		}

		templates = append(templates, template)
	}

	err = rows.Err()

	closeRows(ctx, r.logger, rows)

	if err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	for _, template := range templates {
		template.Steps, err = r.loadSteps(ctx, template.ID)
		if err != nil {
			return nil, err
		}
	}

	return templates, nil
}

// Save upserts the template row and replaces its steps.
func (r *TemplateRepository) Save(ctx context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now

	conditionsJSON, err := json.Marshal(template.TriggerConditions)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}

	query := `
		INSERT INTO workflow_templates (` + templateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			entity_type = EXCLUDED.entity_type,
			trigger_type = EXCLUDED.trigger_type,
			trigger_conditions = EXCLUDED.trigger_conditions,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.q.ExecContext(ctx, query,
		template.ID,
		template.CompanyID,
		template.Name,
		template.Description,
		template.EntityType,
		template.TriggerType,
		string(conditionsJSON),
		template.Priority,
		template.IsActive,
		template.CreatedBy,
		template.UsageCount,
		template.CreatedAt,
		template.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	_, err = r.q.ExecContext(ctx, "DELETE FROM workflow_steps WHERE template_id = $1", template.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing steps: %w", err)
	}

	for _, step := range template.Steps {
		step.TemplateID = template.ID

		err = r.insertStep(ctx, step)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *TemplateRepository) insertStep(ctx context.Context, step *models.WorkflowStep) error {
	conditionsJSON, err := json.Marshal(step.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal step conditions: %w", err)
	}

	configJSON, err := json.Marshal(step.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal step config: %w", err)
	}

	var escalateType, escalateID *string
	if step.EscalateTo != nil {
		kind := string(step.EscalateTo.Kind)
		escalateType = &kind
		escalateID = nullIfEmpty(step.EscalateTo.ID)
	}

	query := `
		INSERT INTO workflow_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.q.ExecContext(ctx, query,
		step.ID,
		step.TemplateID,
		step.StepNumber,
		step.Name,
		step.Description,
		step.StepType,
		step.Assignee.Kind,
		nullIfEmpty(step.Assignee.ID),
		escalateType,
		escalateID,
		step.IsRequired,
		step.TimeoutHours,
		step.TimeoutDays,
		step.AutoApprove,
		step.AllowParallel,
		string(conditionsJSON),
		string(configJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %s: %w", step.ID, err)
	}

	return nil
}

func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, "DELETE FROM workflow_templates WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "template", id, persistence.ErrTemplateNotFound)
	}

	return nil
}

func (r *TemplateRepository) IncrementUsage(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, "UPDATE workflow_templates SET usage_count = usage_count + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to increment template usage: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("IncrementUsage", "template", id, persistence.ErrTemplateNotFound)
	}

	return nil
}

func (r *TemplateRepository) loadSteps(ctx context.Context, templateID string) ([]*models.WorkflowStep, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE template_id = $1 ORDER BY step_number", templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.WorkflowStep, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func scanTemplate(row rowScanner) (*models.WorkflowTemplate, error) {
	var (
		template       models.WorkflowTemplate
		conditionsJSON []byte
	)

	err := row.Scan(
		&template.ID,
		&template.CompanyID,
		&template.Name,
		&template.Description,
		&template.EntityType,
		&template.TriggerType,
		&conditionsJSON,
		&template.Priority,
		&template.IsActive,
		&template.CreatedBy,
		&template.UsageCount,
		&template.CreatedAt,
		&template.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(conditionsJSON, &template.TriggerConditions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
	}

	template.CreatedAt = template.CreatedAt.UTC()
	template.UpdatedAt = template.UpdatedAt.UTC()

	return &template, nil
}

func scanStep(row rowScanner) (*models.WorkflowStep, error) {
	var (
		step           models.WorkflowStep
		assigneeID     sql.NullString
		escalateType   sql.NullString
		escalateID     sql.NullString
		conditionsJSON []byte
		configJSON     []byte
	)

	err := row.Scan(
		&step.ID,
		&step.TemplateID,
		&step.StepNumber,
		&step.Name,
		&step.Description,
		&step.StepType,
		&step.Assignee.Kind,
		&assigneeID,
		&escalateType,
		&escalateID,
		&step.IsRequired,
		&step.TimeoutHours,
		&step.TimeoutDays,
		&step.AutoApprove,
		&step.AllowParallel,
		&conditionsJSON,
		&configJSON,
	)
	if err != nil {
		return nil, err
	}

	step.Assignee.ID = assigneeID.String

	if escalateType.Valid {
		step.EscalateTo = &models.Assignee{Kind: models.AssigneeKind(escalateType.String), ID: escalateID.String}
	}

	err = json.Unmarshal(conditionsJSON, &step.Conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step conditions: %w", err)
	}

	err = json.Unmarshal(configJSON, &step.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step config: %w", err)
	}

	return &step, nil
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}

	return &value
}
