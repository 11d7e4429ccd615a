package models

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusTimeout    InstanceStatus = "timeout"
	InstanceStatusEscalated  InstanceStatus = "escalated"
)

// IsTerminal reports whether the instance has finished its run.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusCancelled || s == InstanceStatusFailed
}

// WorkflowInstance is one run of a template for one triggering entity event.
// Template is the template and its steps frozen at creation time.
type WorkflowInstance struct {
	ID                string            `json:"id"`
	CompanyID         string            `json:"company_id"`
	TemplateID        string            `json:"template_id"`
	TemplateSnapshot  *WorkflowTemplate `json:"template_snapshot"`
	EntityType        string            `json:"entity_type"`
	EntityID          string            `json:"entity_id"`
	Status            InstanceStatus    `json:"status"`
	CurrentStepNumber int               `json:"current_step_number"`
	TriggeredBy       string            `json:"triggered_by"`
	NeedsAttention    bool              `json:"needs_attention"`
	AttentionReason   string            `json:"attention_reason,omitempty"`
	Data              map[string]any    `json:"data"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Version           int               `json:"version"`
}

// EntityEvent is raised by entity CRUD collaborators after their own transaction commits.
type EntityEvent struct {
	CompanyID   string         `json:"company_id"`
	EntityType  string         `json:"entity_type"  validate:"required"`
	EntityID    string         `json:"entity_id"    validate:"required"`
	TriggerType TriggerType    `json:"trigger_type" validate:"required"`
	Snapshot    map[string]any `json:"snapshot"`
	TriggeredBy string         `json:"triggered_by" validate:"required"`
}

// FinalStatus is reported back to the collaborator that owns the entity.
type FinalStatus string

const (
	FinalStatusApproved  FinalStatus = "approved"
	FinalStatusRejected  FinalStatus = "rejected"
	FinalStatusEscalated FinalStatus = "escalated"
	FinalStatusTimeout   FinalStatus = "timeout"
	FinalStatusCancelled FinalStatus = "cancelled"
)

// DecisionCallback tells the entity owner the outcome of an instance.
type DecisionCallback struct {
	EntityType  string      `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	FinalStatus FinalStatus `json:"final_status"`
	InstanceID  string      `json:"instance_id"`
}
