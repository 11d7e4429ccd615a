package models

import "time"

// StepType is the kind of work a workflow step represents.
type StepType string

const (
	StepTypeApproval           StepType = "approval"
	StepTypeReview             StepType = "review"
	StepTypeNotification       StepType = "notification"
	StepTypeDataValidation     StepType = "data_validation"
	StepTypeAutomaticAction    StepType = "automatic_action"
	StepTypeConditionalLogic   StepType = "conditional_logic"
	StepTypeParallelApproval   StepType = "parallel_approval"
	StepTypeSequentialApproval StepType = "sequential_approval"
	StepTypeEscalation         StepType = "escalation"
	StepTypeIntegration        StepType = "integration"
)

var stepTypes = []StepType{
	StepTypeApproval,
	StepTypeReview,
	StepTypeNotification,
	StepTypeDataValidation,
	StepTypeAutomaticAction,
	StepTypeConditionalLogic,
	StepTypeParallelApproval,
	StepTypeSequentialApproval,
	StepTypeEscalation,
	StepTypeIntegration,
}

// Valid reports whether s is a known step type.
func (s StepType) Valid() bool {
	for _, known := range stepTypes {
		if s == known {
			return true
		}
	}

	return false
}

// Automatic reports whether steps of this type resolve without a human decision.
func (s StepType) Automatic() bool {
	switch s {
	case StepTypeNotification, StepTypeDataValidation, StepTypeAutomaticAction,
		StepTypeConditionalLogic, StepTypeIntegration:
		return true
	default:
		return false
	}
}

// WorkflowStep belongs to exactly one template. StepNumber is 1-based and
// contiguous within the template.
type WorkflowStep struct {
	ID            string           `json:"id"`
	TemplateID    string           `json:"template_id"`
	StepNumber    int              `json:"step_number"`
	Name          string           `json:"name"                  validate:"required"`
	Description   string           `json:"description,omitempty"`
	StepType      StepType         `json:"step_type"             validate:"required"`
	Assignee      Assignee         `json:"assignee"`
	EscalateTo    *Assignee        `json:"escalate_to,omitempty"`
	IsRequired    bool             `json:"is_required"`
	TimeoutHours  int              `json:"timeout_hours"         validate:"min=0"`
	TimeoutDays   int              `json:"timeout_days"          validate:"min=0"`
	AutoApprove   bool             `json:"auto_approve"`
	AllowParallel bool             `json:"allow_parallel"`
	Conditions    []FieldCondition `json:"conditions,omitempty"`
	Config        map[string]any   `json:"config,omitempty"`
}

// Timeout is the time a step execution may stay undecided. Zero means no timeout.
func (s *WorkflowStep) Timeout() time.Duration {
	return time.Duration(s.TimeoutHours)*time.Hour + time.Duration(s.TimeoutDays)*24*time.Hour
}

// CanEscalate reports whether the step defines an escalation path.
func (s *WorkflowStep) CanEscalate() bool {
	return s.EscalateTo != nil || s.StepType == StepTypeEscalation
}
