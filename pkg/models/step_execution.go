package models

import "time"

// StepStatus is the state of a single step execution.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusAssigned   StepStatus = "assigned"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusFailed     StepStatus = "failed"
	StepStatusTimeout    StepStatus = "timeout"
	StepStatusEscalated  StepStatus = "escalated"
)

// IsLive reports whether the execution still awaits a decision.
func (s StepStatus) IsLive() bool {
	return s == StepStatusPending || s == StepStatusAssigned || s == StepStatusInProgress
}

// Decision is the outcome recorded on a step execution.
type Decision string

const (
	DecisionApproved            Decision = "approved"
	DecisionRejected            Decision = "rejected"
	DecisionEscalated           Decision = "escalated"
	DecisionDelegated           Decision = "delegated"
	DecisionMoreInfoRequired    Decision = "more_info_required"
	DecisionConditionalApproval Decision = "conditional_approval"
)

var decisions = []Decision{
	DecisionApproved,
	DecisionRejected,
	DecisionEscalated,
	DecisionDelegated,
	DecisionMoreInfoRequired,
	DecisionConditionalApproval,
}

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	for _, known := range decisions {
		if d == known {
			return true
		}
	}

	return false
}

// WorkflowStepExecution is one executed (instance, step) pair. A step
// assigned to a role queue has AssignedRole set and AssignedTo nil.
type WorkflowStepExecution struct {
	ID           string         `json:"id"`
	InstanceID   string         `json:"instance_id"`
	StepID       string         `json:"step_id"`
	StepNumber   int            `json:"step_number"`
	Status       StepStatus     `json:"status"`
	AssignedTo   *string        `json:"assigned_to"`
	AssignedRole *string        `json:"assigned_role,omitempty"`
	Decision     *Decision      `json:"decision,omitempty"`
	DecidedBy    *string        `json:"decided_by,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Version      int            `json:"version"`
}

// SetMetadata records a metadata key, allocating the map on first use.
func (e *WorkflowStepExecution) SetMetadata(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}

	e.Metadata[key] = value
}
