package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/template"
	"github.com/xeipuuv/gojsonschema"
)

// Templates manages workflow templates and their steps.
type Templates struct {
	persistence persistence.Persistence
	logger      *slog.Logger
	now         func() time.Time
}

// NewTemplates creates a new template service.
func NewTemplates(p persistence.Persistence, logger *slog.Logger) *Templates {
	return &Templates{
		persistence: p,
		logger:      logger.With("module", "templates"),
		now:         time.Now,
	}
}

// Create validates and stores a new template. Steps without a StepNumber are
// numbered from their position in the slice.
func (s *Templates) Create(ctx context.Context, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	if template.ID == "" {
		template.ID = newID()
	}

	err := s.prepare("Create", template)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	template.UsageCount = 0
	template.CreatedAt = now
	template.UpdatedAt = now

	err = s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		return store.Templates().Save(ctx, template)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.InfoContext(ctx, "Template created", "template_id", template.ID, "steps", len(template.Steps))

	return template, nil
}

// Update replaces the template definition and its complete step list.
// Ownership, creation data and the usage counter are preserved.
func (s *Templates) Update(ctx context.Context, id string, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	var updated *models.WorkflowTemplate

	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		existing, err := store.Templates().GetByID(ctx, id)
		if err != nil {
			return err
		}

		template.ID = existing.ID
		template.CompanyID = existing.CompanyID
		template.CreatedBy = existing.CreatedBy
		template.CreatedAt = existing.CreatedAt
		template.UsageCount = existing.UsageCount

		err = s.prepare("Update", template)
		if err != nil {
			return err
		}

		template.UpdatedAt = s.now().UTC()

		err = store.Templates().Save(ctx, template)
		if err != nil {
			return err
		}

		updated = template

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Template updated", "template_id", updated.ID, "steps", len(updated.Steps))

	return updated, nil
}

func (s *Templates) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	var template *models.WorkflowTemplate

	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		template, err = store.Templates().GetByID(ctx, id)

		return err
	})

	return template, err
}

func (s *Templates) List(ctx context.Context, opts persistence.ListTemplatesOptions) ([]*models.WorkflowTemplate, error) {
	var templates []*models.WorkflowTemplate

	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		templates, err = store.Templates().List(ctx, opts)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	return templates, nil
}

// Clone copies a template under a new id. The copy is inactive and unused.
func (s *Templates) Clone(ctx context.Context, id, actorID string) (*models.WorkflowTemplate, error) {
	var clone *models.WorkflowTemplate

	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		source, err := store.Templates().GetByID(ctx, id)
		if err != nil {
			return err
		}

		clone, err = source.Copy()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		clone.ID = newID()
		clone.Name = source.Name + " (Copy)"
		clone.IsActive = false
		clone.UsageCount = 0
		clone.CreatedAt = now
		clone.UpdatedAt = now

		if actorID != "" {
			clone.CreatedBy = actorID
		}

		for _, step := range clone.Steps {
			step.ID = newID()
			step.TemplateID = clone.ID
		}

		return store.Templates().Save(ctx, clone)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Template cloned", "source_template_id", id, "template_id", clone.ID)

	return clone, nil
}

// SetActive activates or deactivates a template. Inactive templates never match.
func (s *Templates) SetActive(ctx context.Context, id string, active bool) (*models.WorkflowTemplate, error) {
	var template *models.WorkflowTemplate

	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		template, err = store.Templates().GetByID(ctx, id)
		if err != nil {
			return err
		}

		template.IsActive = active
		template.UpdatedAt = s.now().UTC()

		return store.Templates().Save(ctx, template)
	})
	if err != nil {
		return nil, err
	}

	return template, nil
}

// Delete removes a template that no instance references.
func (s *Templates) Delete(ctx context.Context, id string) error {
	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		_, err := store.Templates().GetByID(ctx, id)
		if err != nil {
			return err
		}

		count, err := store.Instances().CountByTemplate(ctx, id)
		if err != nil {
			return err
		}

		if count > 0 {
			return &ServiceError{
				Op:      "Delete",
				Code:    "TEMPLATE_IN_USE",
				Message: fmt.Sprintf("template %s is referenced by %d workflow instance(s)", id, count),
				Err:     ErrTemplateInUse,
			}
		}

		return store.Templates().Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Template deleted", "template_id", id)

	return nil
}

// InsertStep adds step at the 1-based position and renumbers the steps after
// it. Running instances keep the snapshot they started with.
func (s *Templates) InsertStep(ctx context.Context, id string, position int, step *models.WorkflowStep) (*models.WorkflowTemplate, error) {
	const op = "InsertStep"

	if step.ID == "" {
		step.ID = newID()
	}

	step.StepNumber = 0

	return s.editSteps(ctx, op, id, func(order *models.StepOrder) error {
		err := order.Insert(position, step)
		if errors.Is(err, models.ErrStepPosition) {
			return NewValidationError(op, []models.FieldError{{
				Field:   "position",
				Message: fmt.Sprintf("must be between 1 and %d", order.Len()+1),
			}})
		}

		return err
	})
}

// RemoveStep deletes a step and renumbers the remainder. A template keeps at
// least one step.
func (s *Templates) RemoveStep(ctx context.Context, id, stepID string) (*models.WorkflowTemplate, error) {
	return s.editSteps(ctx, "RemoveStep", id, func(order *models.StepOrder) error {
		return order.Remove(stepID)
	})
}

func (s *Templates) editSteps(ctx context.Context, op, id string, edit func(order *models.StepOrder) error) (*models.WorkflowTemplate, error) {
	var template *models.WorkflowTemplate

	err := s.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		template, err = store.Templates().GetByID(ctx, id)
		if err != nil {
			return err
		}

		order := models.NewStepOrder(template.Steps)

		err = edit(order)
		if err != nil {
			return err
		}

		template.Steps = order.Steps()

		err = s.prepare(op, template)
		if err != nil {
			return err
		}

		template.UpdatedAt = s.now().UTC()

		return store.Templates().Save(ctx, template)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Template steps edited", "template_id", id, "op", op, "steps", len(template.Steps))

	return template, nil
}

// prepare numbers and identifies the steps, then validates the whole template.
func (s *Templates) prepare(op string, template *models.WorkflowTemplate) error {
	fields := numberSteps(template.Steps)
	fields = append(fields, duplicateStepIDs(template.Steps)...)

	if len(fields) == 0 && !slices.Contains(template.Steps, nil) {
		for _, step := range template.Steps {
			if step.ID == "" {
				step.ID = newID()
			}

			step.TemplateID = template.ID
		}

		template.Steps = models.NewStepOrder(template.Steps).Steps()
	}

	fields = append(fields, validateTemplate(template)...)

	return NewValidationError(op, fields)
}

// numberSteps checks explicit step numbers. Either every step carries a
// number, unique and contiguous from 1, or none does. Nil steps are left
// for struct validation to report.
func numberSteps(steps []*models.WorkflowStep) []models.FieldError {
	var numbered, unnumbered int

	for _, step := range steps {
		if step == nil {
			return nil
		}

		if step.StepNumber == 0 {
			unnumbered++
		} else {
			numbered++
		}
	}

	if numbered == 0 {
		return nil
	}

	if unnumbered > 0 {
		return []models.FieldError{{Field: "steps", Message: "step_number must be set on every step or on none"}}
	}

	seen := make(map[int]int, len(steps))

	var fields []models.FieldError

	for i, step := range steps {
		if previous, ok := seen[step.StepNumber]; ok {
			fields = append(fields, models.FieldError{
				Field:   fmt.Sprintf("steps[%d].step_number", i),
				Message: fmt.Sprintf("duplicate step number %d, also used by steps[%d]", step.StepNumber, previous),
			})

			continue
		}

		seen[step.StepNumber] = i

		if step.StepNumber < 1 || step.StepNumber > len(steps) {
			fields = append(fields, models.FieldError{
				Field:   fmt.Sprintf("steps[%d].step_number", i),
				Message: fmt.Sprintf("step numbers must be contiguous from 1 to %d", len(steps)),
			})
		}
	}

	return fields
}

// duplicateStepIDs reports steps reusing the id of an earlier step.
func duplicateStepIDs(steps []*models.WorkflowStep) []models.FieldError {
	seen := make(map[string]int, len(steps))

	var fields []models.FieldError

	for i, step := range steps {
		if step == nil || step.ID == "" {
			continue
		}

		if previous, ok := seen[step.ID]; ok {
			fields = append(fields, models.FieldError{
				Field:   fmt.Sprintf("steps[%d].id", i),
				Message: fmt.Sprintf("duplicate step id %q, also used by steps[%d]", step.ID, previous),
			})

			continue
		}

		seen[step.ID] = i
	}

	return fields
}

func validateTemplate(template *models.WorkflowTemplate) []models.FieldError {
	fields := structErrors(template)

	if template.TriggerType != "" && !template.TriggerType.Valid() {
		fields = append(fields, models.FieldError{
			Field:   "trigger_type",
			Message: fmt.Sprintf("unknown trigger type %q", template.TriggerType),
		})
	}

	conditions := template.TriggerConditions
	fields = append(fields, conditions.Validate("trigger_conditions")...)

	switch template.TriggerType {
	case models.TriggerTypeThreshold:
		if conditions.Threshold == nil {
			fields = append(fields, models.FieldError{Field: "trigger_conditions.threshold", Message: "is required for threshold triggers"})
		}
	case models.TriggerTypeScheduled:
		if conditions.Schedule == nil {
			fields = append(fields, models.FieldError{Field: "trigger_conditions.schedule", Message: "is required for scheduled triggers"})
		}
	case models.TriggerTypeCustomCondition:
		if conditions.CustomRule == nil {
			fields = append(fields, models.FieldError{Field: "trigger_conditions.customRule", Message: "is required for custom condition triggers"})
		}
	}

	for i, step := range template.Steps {
		if step != nil {
			fields = append(fields, validateStep(fmt.Sprintf("steps[%d]", i), step)...)
		}
	}

	return fields
}

func validateStep(path string, step *models.WorkflowStep) []models.FieldError {
	var fields []models.FieldError

	if step.StepType != "" && !step.StepType.Valid() {
		fields = append(fields, models.FieldError{Field: path + ".step_type", Message: fmt.Sprintf("unknown step type %q", step.StepType)})
	}

	// Automatic steps may omit the assignee; everything else needs one.
	needsAssignee := !step.StepType.Automatic() && !step.AutoApprove
	if needsAssignee || step.Assignee.Kind != "" {
		fields = append(fields, step.Assignee.Validate(path+".assignee")...)
	}

	if step.EscalateTo != nil {
		fields = append(fields, step.EscalateTo.Validate(path+".escalate_to")...)
	}

	if err := template.Parse(step.Name); err != nil {
		fields = append(fields, models.FieldError{Field: path + ".name", Message: err.Error()})
	}

	if err := template.Parse(step.Description); err != nil {
		fields = append(fields, models.FieldError{Field: path + ".description", Message: err.Error()})
	}

	for i, condition := range step.Conditions {
		fields = append(fields, condition.Validate(fmt.Sprintf("%s.conditions[%d]", path, i))...)
	}

	if step.StepType == models.StepTypeConditionalLogic && len(step.Conditions) == 0 {
		fields = append(fields, models.FieldError{Field: path + ".conditions", Message: "conditional_logic steps need at least one condition"})
	}

	if raw, ok := step.Config["priority"]; ok {
		if priority, isString := raw.(string); !isString || !models.Priority(priority).Valid() {
			fields = append(fields, models.FieldError{Field: path + ".config.priority", Message: fmt.Sprintf("unknown priority %v", raw)})
		}
	}

	if step.StepType == models.StepTypeDataValidation {
		schema, ok := step.Config["schema"]
		if !ok {
			fields = append(fields, models.FieldError{Field: path + ".config.schema", Message: "is required for data_validation steps"})
		} else if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema)); err != nil {
			fields = append(fields, models.FieldError{Field: path + ".config.schema", Message: "invalid JSON schema: " + err.Error()})
		}
	}

	return fields
}
