package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/otelhelper"
	"github.com/dukex/approvals/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// Approvals is the human-facing side of the engine: inboxes of approval
// requests, decisions on them, comments and reopening. Requests linked to a
// workflow step are decided through the engine in the same transaction.
type Approvals struct {
	engine *Engine
	logger *slog.Logger
}

func NewApprovals(engine *Engine, logger *slog.Logger) *Approvals {
	return &Approvals{
		engine: engine,
		logger: logger.With("module", "approvals"),
	}
}

// CreateStandalone records an ad-hoc approval request that belongs to no workflow.
func (a *Approvals) CreateStandalone(ctx context.Context, request *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	const op = "CreateStandalone"

	if request.Priority == "" {
		request.Priority = models.PriorityMedium
	}

	fields := structErrors(request)

	if request.RequestType != "" && (!request.RequestType.Valid() || request.RequestType == models.RequestTypeWorkflowStep) {
		fields = append(fields, models.FieldError{
			Field:   "request_type",
			Message: fmt.Sprintf("request type %q cannot be used for standalone requests", request.RequestType),
		})
	}

	if !request.Priority.Valid() {
		fields = append(fields, models.FieldError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", request.Priority)})
	}

	if request.RequestedBy == "" {
		fields = append(fields, models.FieldError{Field: "requested_by", Message: "is required"})
	}

	fields = append(fields, request.Assignment.Validate("assignment")...)

	err := NewValidationError(op, fields)
	if err != nil {
		return nil, err
	}

	now := a.engine.clock()
	request.ID = newID()
	request.Link = nil
	request.Status = models.RequestStatusPending
	request.DecidedBy = nil
	request.DecidedAt = nil
	request.CreatedAt = now
	request.UpdatedAt = now

	err = a.engine.transact(ctx, func(ctx context.Context, u *unit) error {
		return u.store.ApprovalRequests().Create(ctx, request)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	a.logger.InfoContext(ctx, "Standalone approval request created",
		"request_id", request.ID,
		"entity_type", request.EntityType,
		"entity_id", request.EntityID,
		"assignment", request.Assignment.String())

	return request, nil
}

// SubmitDecision decides a request. Terminal requests, and standalone
// requests past their ExpiresAt, fail with ErrInvalidState and are never
// modified.
func (a *Approvals) SubmitDecision(ctx context.Context, requestID string, input DecisionInput) (_ *models.ApprovalRequest, err error) {
	const op = "SubmitDecision"

	ctx, span := otelhelper.StartSpan(ctx, a.engine.tracer, "approvals.submit_decision",
		attribute.String(otelhelper.RequestIDKey, requestID),
		attribute.String(otelhelper.ActorIDKey, input.ActorID),
		attribute.String(otelhelper.DecisionKey, string(input.Decision)),
	)
	defer func() { endSpan(span, err) }()

	err = NewValidationError(op, input.validate())
	if err != nil {
		return nil, err
	}

	var decided *models.ApprovalRequest

	err = a.engine.transact(ctx, func(ctx context.Context, u *unit) error {
		request, err := u.store.ApprovalRequests().GetByID(ctx, requestID)
		if err != nil {
			return err
		}

		if request.Status.IsTerminal() {
			return &StateError{Op: op, Entity: "request", ID: request.ID, Reason: "request already decided"}
		}

		if !request.Standalone() {
			_, err = a.engine.decide(ctx, u, request.Link.StepExecutionID, input)
			if err != nil {
				return err
			}

			decided, err = u.store.ApprovalRequests().GetByID(ctx, request.ID)

			return err
		}

		request, err = u.store.ApprovalRequests().GetByIDForUpdate(ctx, requestID)
		if err != nil {
			return err
		}

		if request.Status.IsTerminal() {
			return &StateError{Op: op, Entity: "request", ID: request.ID, Reason: "request already decided"}
		}

		if request.ExpiredAt(a.engine.clock()) {
			return &StateError{Op: op, Entity: "request", ID: request.ID, Reason: "request expired"}
		}

		decided, err = a.decideStandalone(ctx, u, request, input)

		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Approval request decided",
		"request_id", decided.ID,
		"decision", input.Decision,
		"status", decided.Status,
		"actor_id", input.ActorID)

	return decided, nil
}

func (a *Approvals) decideStandalone(ctx context.Context, u *unit, request *models.ApprovalRequest, input DecisionInput) (*models.ApprovalRequest, error) {
	const op = "SubmitDecision"

	allowed, err := a.engine.resolver.CanAct(ctx, request.Assignment, request.CompanyID, input.ActorID)
	if err != nil {
		return nil, err
	}

	if !allowed {
		return nil, &AuthorizationError{Op: op, ActorID: input.ActorID, Entity: "request", ID: request.ID, Assignment: request.Assignment}
	}

	now := a.engine.clock()
	request.Reason = input.Comment
	request.UpdatedAt = now

	decide := func(status models.RequestStatus) {
		request.Status = status
		request.DecidedBy = &input.ActorID
		request.DecidedAt = &now
	}

	switch input.Decision {
	case models.DecisionApproved:
		decide(models.RequestStatusApproved)
	case models.DecisionConditionalApproval:
		decide(models.RequestStatusApproved)
		request.Reason = input.Condition
	case models.DecisionRejected:
		decide(models.RequestStatusRejected)
	case models.DecisionMoreInfoRequired:
		request.Status = models.RequestStatusMoreInfoRequired
	case models.DecisionDelegated:
		request.Status = models.RequestStatusPending
		request.Assignment = models.AssignToUser(input.DelegateTo)
	case models.DecisionEscalated:
		request.Status = models.RequestStatusEscalated
		request.Assignment = models.AssignToRole(a.engine.resolver.AdminRole())
	}

	err = u.store.ApprovalRequests().Update(ctx, request)
	if err != nil {
		return nil, err
	}

	decision := string(input.Decision)
	u.after(func() { a.engine.metrics.Decision(decision) })

	return request, nil
}

// AddComment appends a comment to a request in any status.
func (a *Approvals) AddComment(ctx context.Context, requestID string, comment *models.ApprovalComment) (*models.ApprovalComment, error) {
	fields := structErrors(comment)
	if comment.AuthorID == "" {
		fields = append(fields, models.FieldError{Field: "author_id", Message: "is required"})
	}

	err := NewValidationError("AddComment", fields)
	if err != nil {
		return nil, err
	}

	comment.ID = newID()
	comment.RequestID = requestID
	comment.CreatedAt = a.engine.clock()

	err = a.engine.transact(ctx, func(ctx context.Context, u *unit) error {
		_, err := u.store.ApprovalRequests().GetByID(ctx, requestID)
		if err != nil {
			return err
		}

		return u.store.Comments().Create(ctx, comment)
	})
	if err != nil {
		return nil, err
	}

	return comment, nil
}

func (a *Approvals) ListComments(ctx context.Context, requestID string, includeInternal bool) ([]*models.ApprovalComment, error) {
	var comments []*models.ApprovalComment

	err := a.engine.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		_, err := store.ApprovalRequests().GetByID(ctx, requestID)
		if err != nil {
			return err
		}

		comments, err = store.Comments().ListByRequest(ctx, requestID, includeInternal)

		return err
	})
	if err != nil {
		return nil, err
	}

	return comments, nil
}

// Reopen gives a rejected or expired request another round. The old request
// is kept as history and points at the returned, pending successor through
// ReopenedTo; a request is reopened at most once. For a workflow request the
// instance resumes at the same step.
func (a *Approvals) Reopen(ctx context.Context, requestID, actorID, reason string) (_ *models.ApprovalRequest, err error) {
	const op = "Reopen"

	ctx, span := otelhelper.StartSpan(ctx, a.engine.tracer, "approvals.reopen",
		attribute.String(otelhelper.RequestIDKey, requestID),
		attribute.String(otelhelper.ActorIDKey, actorID),
	)
	defer func() { endSpan(span, err) }()

	if actorID == "" {
		return nil, NewValidationError(op, []models.FieldError{{Field: "actor_id", Message: "is required"}})
	}

	var reopened *models.ApprovalRequest

	err = a.engine.transact(ctx, func(ctx context.Context, u *unit) error {
		instance, request, err := a.lockRequest(ctx, u, requestID)
		if err != nil {
			return err
		}

		if !request.Status.Reopenable() {
			return &StateError{Op: op, Entity: "request", ID: request.ID, From: string(request.Status), Action: "reopen"}
		}

		if request.ReopenedTo != nil {
			return &StateError{Op: op, Entity: "request", ID: request.ID, Reason: "request already reopened as " + *request.ReopenedTo}
		}

		err = a.authorizeOwner(ctx, op, request, actorID)
		if err != nil {
			return err
		}

		if instance == nil {
			reopened = a.copyRequest(request)
			err = u.store.ApprovalRequests().Create(ctx, reopened)
		} else {
			reopened, err = a.engine.reopen(ctx, u, instance, request, reason)
		}

		if err != nil {
			return err
		}

		request.ReopenedTo = &reopened.ID
		request.UpdatedAt = a.engine.clock()

		err = u.store.ApprovalRequests().Update(ctx, request)
		if err != nil {
			return err
		}

		text := "Reopened from request " + request.ID
		if reason != "" {
			text += ": " + reason
		}

		return u.store.Comments().Create(ctx, &models.ApprovalComment{
			ID:        newID(),
			RequestID: reopened.ID,
			AuthorID:  actorID,
			Text:      text,
			Internal:  true,
			CreatedAt: a.engine.clock(),
		})
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Approval request reopened",
		"request_id", requestID,
		"new_request_id", reopened.ID,
		"actor_id", actorID)

	return reopened, nil
}

// Cancel withdraws a pending standalone request. Workflow requests are
// cancelled together with their instance.
func (a *Approvals) Cancel(ctx context.Context, requestID, actorID, reason string) (*models.ApprovalRequest, error) {
	const op = "Cancel"

	if actorID == "" {
		return nil, NewValidationError(op, []models.FieldError{{Field: "actor_id", Message: "is required"}})
	}

	var cancelled *models.ApprovalRequest

	err := a.engine.transact(ctx, func(ctx context.Context, u *unit) error {
		request, err := u.store.ApprovalRequests().GetByIDForUpdate(ctx, requestID)
		if err != nil {
			return err
		}

		if !request.Standalone() {
			return &StateError{Op: op, Entity: "request", ID: request.ID, Reason: "workflow requests are cancelled through their instance"}
		}

		if request.Status.IsTerminal() {
			return &StateError{Op: op, Entity: "request", ID: request.ID, From: string(request.Status), Action: "cancel"}
		}

		if actorID != request.RequestedBy {
			isAdmin, err := a.engine.resolver.CanAct(ctx, models.AssignToRole(a.engine.resolver.AdminRole()), request.CompanyID, actorID)
			if err != nil {
				return err
			}

			if !isAdmin {
				return &AuthorizationError{
					Op: op, ActorID: actorID, Entity: "request", ID: request.ID,
					Assignment: models.AssignToUser(request.RequestedBy),
				}
			}
		}

		now := a.engine.clock()
		request.Status = models.RequestStatusCancelled
		request.Reason = reason
		request.DecidedBy = &actorID
		request.DecidedAt = &now
		request.UpdatedAt = now

		err = u.store.ApprovalRequests().Update(ctx, request)
		if err != nil {
			return err
		}

		cancelled = request

		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Approval request cancelled", "request_id", requestID, "actor_id", actorID)

	return cancelled, nil
}

func (a *Approvals) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var request *models.ApprovalRequest

	err := a.engine.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		request, err = store.ApprovalRequests().GetByID(ctx, id)

		return err
	})

	return request, err
}

func (a *Approvals) List(ctx context.Context, opts persistence.ListRequestsOptions) ([]*models.ApprovalRequest, error) {
	var requests []*models.ApprovalRequest

	err := a.engine.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		requests, err = store.ApprovalRequests().List(ctx, opts)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}

	return requests, nil
}

// lockRequest locks a request. A workflow request's instance is locked before
// the request itself; the returned instance is nil for standalone requests.
func (a *Approvals) lockRequest(ctx context.Context, u *unit, requestID string) (*models.WorkflowInstance, *models.ApprovalRequest, error) {
	located, err := u.store.ApprovalRequests().GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	var instance *models.WorkflowInstance

	if !located.Standalone() {
		instance, err = u.store.Instances().GetByIDForUpdate(ctx, located.Link.InstanceID)
		if err != nil {
			return nil, nil, err
		}
	}

	request, err := u.store.ApprovalRequests().GetByIDForUpdate(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	return instance, request, nil
}

// authorizeOwner lets the requester, the current assignee or an administrator act.
func (a *Approvals) authorizeOwner(ctx context.Context, op string, request *models.ApprovalRequest, actorID string) error {
	if actorID == request.RequestedBy {
		return nil
	}

	resolver := a.engine.resolver

	for _, candidate := range []models.Assignment{request.Assignment, models.AssignToRole(resolver.AdminRole())} {
		if candidate.IsZero() {
			continue
		}

		ok, err := resolver.CanAct(ctx, candidate, request.CompanyID, actorID)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}
	}

	return &AuthorizationError{Op: op, ActorID: actorID, Entity: "request", ID: request.ID, Assignment: request.Assignment}
}

func (a *Approvals) copyRequest(request *models.ApprovalRequest) *models.ApprovalRequest {
	now := a.engine.clock()

	return &models.ApprovalRequest{
		ID:           newID(),
		CompanyID:    request.CompanyID,
		EntityType:   request.EntityType,
		EntityID:     request.EntityID,
		RequestType:  request.RequestType,
		Title:        request.Title,
		Description:  request.Description,
		Data:         request.Data,
		Status:       models.RequestStatusPending,
		Priority:     request.Priority,
		RequestedBy:  request.RequestedBy,
		Assignment:   request.Assignment,
		ReopenedFrom: &request.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
