// Package web provides HTTP request and response types for the approvals API.
package web

import (
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/services"
)

// ActorHeader carries the id of the user performing the request.
const ActorHeader = "X-Actor-ID"

// DecisionRequest represents the request body for deciding a step or an approval request.
type DecisionRequest struct {
	Decision   models.Decision `json:"decision"              validate:"required"`
	Comment    string          `json:"comment,omitempty"`
	DelegateTo string          `json:"delegate_to,omitempty"`
	Condition  string          `json:"condition,omitempty"`
}

func (r DecisionRequest) input(actorID string) services.DecisionInput {
	return services.DecisionInput{
		Decision:   r.Decision,
		ActorID:    actorID,
		Comment:    r.Comment,
		DelegateTo: r.DelegateTo,
		Condition:  r.Condition,
	}
}

// InsertStepRequest represents the request body for adding a step to a template.
type InsertStepRequest struct {
	Position int                  `json:"position"`
	Step     *models.WorkflowStep `json:"step"`
}

// ReasonRequest is the optional body of skip, cancel and reopen calls.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=2000"`
}

// CommentRequest represents the request body for commenting on an approval request.
type CommentRequest struct {
	Text     string `json:"text"     validate:"required,max=10000"`
	Internal bool   `json:"internal"`
}

// CreateRequestRequest represents the request body for a standalone approval request.
type CreateRequestRequest struct {
	CompanyID   string             `json:"company_id"`
	EntityType  string             `json:"entity_type"          validate:"required"`
	EntityID    string             `json:"entity_id"            validate:"required"`
	RequestType models.RequestType `json:"request_type"         validate:"required"`
	Title       string             `json:"title"                validate:"required,min=3"`
	Description string             `json:"description,omitempty"`
	Data        map[string]any     `json:"data,omitempty"`
	Priority    models.Priority    `json:"priority,omitempty"`
	Assignment  models.Assignment  `json:"assignment"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

func (r CreateRequestRequest) request(actorID string) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		CompanyID:   r.CompanyID,
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		RequestType: r.RequestType,
		Title:       r.Title,
		Description: r.Description,
		Data:        r.Data,
		Priority:    r.Priority,
		RequestedBy: actorID,
		Assignment:  r.Assignment,
		ExpiresAt:   r.ExpiresAt,
	}
}

// EventResponse lists the instances an entity event started.
type EventResponse struct {
	Instances []*models.WorkflowInstance `json:"instances"`
}

// MatchResponse lists the templates an entity event would start.
type MatchResponse struct {
	TemplateIDs []string `json:"template_ids"`
}
