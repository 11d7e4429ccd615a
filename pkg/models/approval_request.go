package models

import (
	"fmt"
	"time"
)

// RequestStatus is the state of an approval request.
type RequestStatus string

const (
	RequestStatusPending          RequestStatus = "pending"
	RequestStatusInReview         RequestStatus = "in_review"
	RequestStatusApproved         RequestStatus = "approved"
	RequestStatusRejected         RequestStatus = "rejected"
	RequestStatusEscalated        RequestStatus = "escalated"
	RequestStatusExpired          RequestStatus = "expired"
	RequestStatusCancelled        RequestStatus = "cancelled"
	RequestStatusMoreInfoRequired RequestStatus = "more_info_required"
)

// IsTerminal reports whether the request may no longer change, except for comments.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusApproved, RequestStatusRejected, RequestStatusExpired, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// Reopenable reports whether Reopen is legal from this status.
func (s RequestStatus) Reopenable() bool {
	return s == RequestStatusRejected || s == RequestStatusExpired
}

// RequestType describes the change the request asks a decision about.
type RequestType string

const (
	RequestTypeCreate          RequestType = "create"
	RequestTypeUpdate          RequestType = "update"
	RequestTypeDelete          RequestType = "delete"
	RequestTypeApprove         RequestType = "approve"
	RequestTypeReject          RequestType = "reject"
	RequestTypeThresholdBreach RequestType = "threshold_breach"
	RequestTypeWorkflowStep    RequestType = "workflow_step"
	RequestTypeCustom          RequestType = "custom"
)

// Priority of an approval request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeCreate, RequestTypeUpdate, RequestTypeDelete, RequestTypeApprove, RequestTypeReject,
		RequestTypeThresholdBreach, RequestTypeWorkflowStep, RequestTypeCustom:
		return true
	default:
		return false
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// WorkflowLink ties a request to the step execution it mirrors.
type WorkflowLink struct {
	InstanceID      string `json:"instance_id"`
	StepExecutionID string `json:"step_execution_id"`
}

// Assignment names who may decide a request: exactly one of User or Role.
type Assignment struct {
	User string `json:"user,omitempty"`
	Role string `json:"role,omitempty"`
}

func AssignToUser(userID string) Assignment {
	return Assignment{User: userID}
}

func AssignToRole(roleID string) Assignment {
	return Assignment{Role: roleID}
}

// IsRole reports whether the assignment is a claimable role queue.
func (a Assignment) IsRole() bool {
	return a.Role != ""
}

// IsZero reports whether nobody is assigned.
func (a Assignment) IsZero() bool {
	return a.User == "" && a.Role == ""
}

func (a Assignment) Validate(field string) []FieldError {
	if a.User != "" && a.Role != "" {
		return []FieldError{{Field: field, Message: "exactly one of user or role must be set, got both"}}
	}

	if a.IsZero() {
		return []FieldError{{Field: field, Message: "exactly one of user or role must be set"}}
	}

	return nil
}

func (a Assignment) String() string {
	if a.IsRole() {
		return fmt.Sprintf("role:%s", a.Role)
	}

	return fmt.Sprintf("user:%s", a.User)
}

// ApprovalRequest is the human-facing projection of a pending decision.
// Link is nil for standalone requests created outside a workflow.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	CompanyID   string         `json:"company_id"`
	Link        *WorkflowLink  `json:"link,omitempty"`
	EntityType  string         `json:"entity_type"  validate:"required"`
	EntityID    string         `json:"entity_id"    validate:"required"`
	RequestType RequestType    `json:"request_type" validate:"required"`
	Title       string         `json:"title"        validate:"required"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Status      RequestStatus  `json:"status"`
	Priority    Priority       `json:"priority"`
	RequestedBy string         `json:"requested_by"`
	Assignment  Assignment     `json:"assignment"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	DecidedBy   *string        `json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	// ReopenedFrom and ReopenedTo link a reopened request to its successor.
	ReopenedFrom *string   `json:"reopened_from,omitempty"`
	ReopenedTo   *string   `json:"reopened_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`
}

// Standalone reports whether the request lives outside a workflow instance.
func (r *ApprovalRequest) Standalone() bool {
	return r.Link == nil
}

// ExpiredAt reports whether an undecided request has passed its ExpiresAt.
func (r *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return !r.Status.IsTerminal() && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ApprovalComment is an append-only note on a request.
type ApprovalComment struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"       validate:"required"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"created_at"`
}
