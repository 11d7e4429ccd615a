// Package models defines the domain models for template-driven approval workflows
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType identifies which kind of entity event starts a workflow template.
type TriggerType string

const (
	TriggerTypeManual          TriggerType = "manual"
	TriggerTypeEntityCreate    TriggerType = "entity_create"
	TriggerTypeEntityUpdate    TriggerType = "entity_update"
	TriggerTypeThreshold       TriggerType = "purchase_order_threshold"
	TriggerTypeScheduled       TriggerType = "scheduled"
	TriggerTypeCustomCondition TriggerType = "custom_condition"
)

// EntityTypeCustom is accepted by templates that apply to any entity type.
const EntityTypeCustom = "custom"

var triggerTypes = []TriggerType{
	TriggerTypeManual,
	TriggerTypeEntityCreate,
	TriggerTypeEntityUpdate,
	TriggerTypeThreshold,
	TriggerTypeScheduled,
	TriggerTypeCustomCondition,
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range triggerTypes {
		if t == known {
			return true
		}
	}

	return false
}

// WorkflowTemplate is the administrator-defined aggregate of an approval process.
// Steps are always read and written together with their template.
type WorkflowTemplate struct {
	ID                string            `json:"id"`
	CompanyID         string            `json:"company_id"`
	Name              string            `json:"name"               validate:"required"`
	Description       string            `json:"description"`
	EntityType        string            `json:"entity_type"        validate:"required"`
	TriggerType       TriggerType       `json:"trigger_type"       validate:"required"`
	TriggerConditions TriggerConditions `json:"trigger_conditions"`
	Priority          int               `json:"priority"`
	IsActive          bool              `json:"is_active"`
	Steps             []*WorkflowStep   `json:"steps"              validate:"required,min=1,dive,required"`
	CreatedBy         string            `json:"created_by"`
	UsageCount        int64             `json:"usage_count"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// AppliesTo reports whether the template targets the given entity type.
func (t *WorkflowTemplate) AppliesTo(entityType string) bool {
	return t.EntityType == entityType || t.EntityType == EntityTypeCustom
}

// StepByNumber returns the step with the given 1-based sequence number.
func (t *WorkflowTemplate) StepByNumber(number int) *WorkflowStep {
	for _, step := range t.Steps {
		if step.StepNumber == number {
			return step
		}
	}

	return nil
}

// LastStepNumber is the sequence number of the final step.
func (t *WorkflowTemplate) LastStepNumber() int {
	last := 0
	for _, step := range t.Steps {
		if step.StepNumber > last {
			last = step.StepNumber
		}
	}

	return last
}

// Copy returns a deep copy of the template and its steps.
func (t *WorkflowTemplate) Copy() (*WorkflowTemplate, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}

	var copied WorkflowTemplate

	err = json.Unmarshal(payload, &copied)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}

	return &copied, nil
}
