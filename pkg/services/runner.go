package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/approvals/pkg/assignment"
	"github.com/dukex/approvals/pkg/events"
	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/template"
	"github.com/dukex/approvals/pkg/trigger"
	"github.com/xeipuuv/gojsonschema"
)

// Metadata keys recorded on step executions.
const (
	metaAutoApproved       = "auto_approved"
	metaEscalationOf       = "escalation_of"
	metaReopenedFrom       = "reopened_from"
	metaReason             = "reason"
	metaUnresolved         = "unresolved_assignment"
	metaAssignmentFallback = "assignment_fallback"
	metaCondition          = "condition"
	metaDelegatedFrom      = "delegated_from"
	metaDelegatedBy        = "delegated_by"
	metaValidationErrors   = "validation_errors"
	metaTimedOutAt         = "timed_out_at"
	metaCancelledBy        = "cancelled_by"
)

// stepEntry describes why a step execution is being created.
type stepEntry struct {
	escalationOf    *models.WorkflowStepExecution
	reopenedFrom    *models.WorkflowStepExecution
	reopenedRequest string
	reason          string
}

func (s stepEntry) human() bool {
	return s.escalationOf != nil || s.reopenedFrom != nil
}

func (e *Engine) start(ctx context.Context, u *unit, template *models.WorkflowTemplate, event models.EntityEvent) (*models.WorkflowInstance, error) {
	if !template.IsActive {
		return nil, &StateError{Op: "Start", Entity: "template", ID: template.ID, Reason: "template is inactive"}
	}

	snapshot, err := template.Copy()
	if err != nil {
		return nil, err
	}

	companyID := event.CompanyID
	if companyID == "" {
		companyID = template.CompanyID
	}

	now := e.clock()
	instance := &models.WorkflowInstance{
		ID:                newID(),
		CompanyID:         companyID,
		TemplateID:        template.ID,
		TemplateSnapshot:  snapshot,
		EntityType:        event.EntityType,
		EntityID:          event.EntityID,
		Status:            models.InstanceStatusPending,
		CurrentStepNumber: 1,
		TriggeredBy:       event.TriggeredBy,
		Data:              event.Snapshot,
		StartedAt:         now,
		UpdatedAt:         now,
	}

	instance.Status, _ = nextInstanceStatus(ctx, instance.Status, instanceStart)

	err = u.store.Instances().Create(ctx, instance)
	if err != nil {
		return nil, err
	}

	err = u.store.Templates().IncrementUsage(ctx, template.ID)
	if err != nil {
		return nil, err
	}

	u.publish(instance.ID, events.InstanceStarted{
		BaseEvent:   e.baseEvent(events.InstanceStartedEvent, instance),
		TemplateID:  template.ID,
		EntityType:  instance.EntityType,
		EntityID:    instance.EntityID,
		TriggeredBy: instance.TriggeredBy,
	})

	triggerType := string(template.TriggerType)
	u.after(func() { e.metrics.InstanceStarted(instance.EntityType, triggerType) })

	_, err = e.enterStep(ctx, u, instance, 1, stepEntry{})
	if err != nil {
		return nil, err
	}

	err = u.store.Instances().Update(ctx, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// enterStep creates the execution for step number. Automatic steps resolve on
// the spot and the loop moves on; it stops at the first step that needs a
// human, whose mirrored request is returned, or when the instance finishes.
func (e *Engine) enterStep(ctx context.Context, u *unit, instance *models.WorkflowInstance, number int, entry stepEntry) (*models.ApprovalRequest, error) {
	for {
		step := instance.TemplateSnapshot.StepByNumber(number)
		if step == nil {
			return nil, fmt.Errorf("%w: instance %s step %d", ErrStepMissing, instance.ID, number)
		}

		instance.CurrentStepNumber = number

		execution := &models.WorkflowStepExecution{
			ID:         newID(),
			InstanceID: instance.ID,
			StepID:     step.ID,
			StepNumber: number,
			Status:     models.StepStatusPending,
			StartedAt:  e.clock(),
		}

		if entry.human() {
			return e.assign(ctx, u, instance, step, execution, entry)
		}

		outcome := e.autoResolve(ctx, u, instance, step, execution)
		if outcome == "" {
			return e.assign(ctx, u, instance, step, execution, entry)
		}

		execution.Status, _ = nextStepStatus(ctx, execution.Status, outcome)
		completedAt := e.clock()
		execution.CompletedAt = &completedAt

		switch outcome {
		case stepApprove:
			decision := models.DecisionApproved
			execution.Decision = &decision
		case stepReject:
			decision := models.DecisionRejected
			execution.Decision = &decision
		}

		err := u.store.StepExecutions().Create(ctx, execution)
		if err != nil {
			return nil, err
		}

		e.logger.DebugContext(ctx, "Step resolved automatically",
			"instance_id", instance.ID,
			"step_number", number,
			"step_type", step.StepType,
			"status", execution.Status)

		if outcome == stepReject {
			return nil, e.finish(ctx, u, instance, instanceFail, models.FinalStatusRejected)
		}

		if number >= instance.TemplateSnapshot.LastStepNumber() {
			return nil, e.finish(ctx, u, instance, instanceComplete, models.FinalStatusApproved)
		}

		number++
	}
}

// autoResolve decides steps that need no human. It returns the step trigger
// to fire, or "" when the step waits for a decision.
func (e *Engine) autoResolve(ctx context.Context, u *unit, instance *models.WorkflowInstance, step *models.WorkflowStep, execution *models.WorkflowStepExecution) stepTrigger {
	if step.AutoApprove {
		execution.SetMetadata(metaAutoApproved, true)

		return stepApprove
	}

	switch step.StepType {
	case models.StepTypeNotification, models.StepTypeAutomaticAction, models.StepTypeIntegration:
		u.publish(instance.ID, events.StepNotified{
			BaseEvent:       e.baseEvent(events.StepNotifiedEvent, instance),
			StepExecutionID: execution.ID,
			StepNumber:      step.StepNumber,
			StepName:        step.Name,
			StepType:        step.StepType,
			Config:          step.Config,
		})

		return stepApprove
	case models.StepTypeDataValidation:
		violations, err := validateSnapshot(step, instance.Data)
		if err != nil {
			e.logger.WarnContext(ctx, "Data validation schema failed to load", "instance_id", instance.ID, "error", err)
			violations = []string{err.Error()}
		}

		if len(violations) > 0 {
			execution.SetMetadata(metaValidationErrors, violations)
			execution.Comment = "data validation failed"

			return stepReject
		}

		return stepApprove
	case models.StepTypeConditionalLogic:
		if trigger.EvaluateFields(step.Conditions, instance.Data) {
			return stepApprove
		}

		return stepSkip
	default:
		return ""
	}
}

// validateSnapshot checks the entity snapshot against the JSON schema in
// step.Config["schema"]. A step without a schema accepts everything.
func validateSnapshot(step *models.WorkflowStep, data map[string]any) ([]string, error) {
	schema, ok := step.Config["schema"]
	if !ok {
		return nil, nil
	}

	if data == nil {
		data = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		violations = append(violations, violation.String())
	}

	return violations, nil
}

// assign resolves the assignee of a human step and creates the execution and
// its mirrored request. When nobody can be found the step goes to the
// administrator role queue and the instance is flagged for attention.
func (e *Engine) assign(
	ctx context.Context,
	u *unit,
	instance *models.WorkflowInstance,
	step *models.WorkflowStep,
	execution *models.WorkflowStepExecution,
	entry stepEntry,
) (*models.ApprovalRequest, error) {
	subject := assignment.Subject{CompanyID: instance.CompanyID, Creator: instance.TriggeredBy}

	var (
		result assignment.Result
		err    error
	)

	if entry.escalationOf != nil {
		subject.Current = executionAssignment(entry.escalationOf)
		result, err = e.resolver.ResolveEscalation(ctx, step, subject)

		execution.SetMetadata(metaEscalationOf, entry.escalationOf.ID)
	} else {
		result, err = e.resolver.Resolve(ctx, step.Assignee, subject)
	}

	if entry.reopenedFrom != nil {
		execution.SetMetadata(metaReopenedFrom, entry.reopenedFrom.ID)
	}

	if entry.reason != "" {
		execution.SetMetadata(metaReason, entry.reason)
	}

	unresolved := errors.Is(err, assignment.ErrUnresolved)
	if err != nil && !unresolved {
		return nil, fmt.Errorf("failed to resolve assignee of step %d: %w", step.StepNumber, err)
	}

	var attention string

	if unresolved {
		attention = err.Error()
		result = assignment.Result{Assignment: models.AssignToRole(e.resolver.AdminRole())}
		execution.SetMetadata(metaUnresolved, true)
	}

	if result.FellBack {
		execution.SetMetadata(metaAssignmentFallback, true)
	}

	applyAssignment(execution, result.Assignment)

	if timeout := step.Timeout(); timeout > 0 {
		due := execution.StartedAt.Add(timeout)
		execution.DueAt = &due
	}

	err = u.store.StepExecutions().Create(ctx, execution)
	if err != nil {
		return nil, err
	}

	request := newStepRequest(instance, step, execution, entry, e.clock())

	err = u.store.ApprovalRequests().Create(ctx, request)
	if err != nil {
		return nil, err
	}

	u.publish(instance.ID, stepAssigned(e.baseEvent(events.StepAssignedEvent, instance), execution, request))

	if unresolved {
		e.flagAttention(u, instance, execution.ID, attention)
	}

	return request, nil
}

func (e *Engine) decide(ctx context.Context, u *unit, stepExecutionID string, input DecisionInput) (*models.WorkflowStepExecution, error) {
	const op = "Decide"

	err := NewValidationError(op, input.validate())
	if err != nil {
		return nil, err
	}

	instance, execution, err := e.lockExecution(ctx, u, stepExecutionID)
	if err != nil {
		return nil, err
	}

	next, ok := nextStepStatus(ctx, execution.Status, stepTriggerFor(input.Decision))
	if !ok {
		return nil, stepStateError(op, execution, string(input.Decision))
	}

	step, err := runningStep(op, instance, execution, string(input.Decision))
	if err != nil {
		return nil, err
	}

	request, err := requestForExecution(ctx, u.store, execution.ID)
	if err != nil {
		return nil, err
	}

	err = e.authorize(ctx, op, instance.CompanyID, input.ActorID, execution, request)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	execution.Status = next

	if input.Comment != "" {
		execution.Comment = input.Comment
	}

	switch input.Decision {
	case models.DecisionApproved, models.DecisionConditionalApproval:
		if input.Decision == models.DecisionConditionalApproval {
			execution.SetMetadata(metaCondition, input.Condition)
		}

		recordDecision(execution, input.Decision, input.ActorID, now)

		err = e.closeRequestAfter(ctx, u, execution, request, models.RequestStatusApproved, input.ActorID, input.Comment, now)
		if err == nil {
			_, err = e.advance(ctx, u, instance, execution.StepNumber)
		}
	case models.DecisionRejected:
		recordDecision(execution, input.Decision, input.ActorID, now)

		err = e.closeRequestAfter(ctx, u, execution, request, models.RequestStatusRejected, input.ActorID, input.Comment, now)
		if err == nil {
			err = e.finish(ctx, u, instance, instanceFail, models.FinalStatusRejected)
		}
	case models.DecisionEscalated:
		recordDecision(execution, input.Decision, input.ActorID, now)

		err = e.closeRequestAfter(ctx, u, execution, request, models.RequestStatusEscalated, input.ActorID, input.Comment, now)
		if err == nil {
			err = e.escalate(ctx, u, instance, step, execution, input.Comment)
		}
	case models.DecisionDelegated:
		execution.SetMetadata(metaDelegatedFrom, executionAssignment(execution).String())
		execution.SetMetadata(metaDelegatedBy, input.ActorID)
		applyAssignment(execution, models.AssignToUser(input.DelegateTo))

		err = u.store.StepExecutions().Update(ctx, execution)
		if err == nil && request != nil {
			request.Assignment = models.AssignToUser(input.DelegateTo)
			request.Status = models.RequestStatusPending
			request.UpdatedAt = now

			err = u.store.ApprovalRequests().Update(ctx, request)
			if err == nil {
				u.publish(instance.ID, stepAssigned(e.baseEvent(events.StepAssignedEvent, instance), execution, request))
			}
		}
	case models.DecisionMoreInfoRequired:
		err = u.store.StepExecutions().Update(ctx, execution)
		if err == nil && request != nil {
			request.Status = models.RequestStatusMoreInfoRequired
			request.Reason = input.Comment
			request.UpdatedAt = now

			err = u.store.ApprovalRequests().Update(ctx, request)
		}
	}

	if err != nil {
		return nil, err
	}

	decision := string(input.Decision)
	u.after(func() { e.metrics.Decision(decision) })

	instance.UpdatedAt = now

	err = u.store.Instances().Update(ctx, instance)
	if err != nil {
		return nil, err
	}

	return execution, nil
}

func (e *Engine) skip(ctx context.Context, u *unit, stepExecutionID, actorID, reason string) (*models.WorkflowStepExecution, error) {
	const op = "Skip"

	instance, execution, err := e.lockExecution(ctx, u, stepExecutionID)
	if err != nil {
		return nil, err
	}

	next, ok := nextStepStatus(ctx, execution.Status, stepSkip)
	if !ok {
		return nil, stepStateError(op, execution, "skip")
	}

	step, err := runningStep(op, instance, execution, "skip")
	if err != nil {
		return nil, err
	}

	if step.IsRequired {
		return nil, &StateError{Op: op, Entity: "step_execution", ID: execution.ID, Reason: "step is required and cannot be skipped"}
	}

	request, err := requestForExecution(ctx, u.store, execution.ID)
	if err != nil {
		return nil, err
	}

	err = e.authorizeOrAdmin(ctx, op, instance.CompanyID, actorID, execution, request)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	execution.Status = next
	execution.DecidedBy = &actorID
	execution.CompletedAt = &now
	execution.Comment = reason

	if reason == "" {
		reason = "step skipped"
	}

	err = e.closeRequestAfter(ctx, u, execution, request, models.RequestStatusCancelled, actorID, reason, now)
	if err != nil {
		return nil, err
	}

	_, err = e.advance(ctx, u, instance, execution.StepNumber)
	if err != nil {
		return nil, err
	}

	instance.UpdatedAt = now

	err = u.store.Instances().Update(ctx, instance)
	if err != nil {
		return nil, err
	}

	return execution, nil
}

func (e *Engine) cancel(ctx context.Context, u *unit, instanceID, actorID, reason string) (*models.WorkflowInstance, error) {
	const op = "Cancel"

	instance, err := u.store.Instances().GetByIDForUpdate(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if _, ok := nextInstanceStatus(ctx, instance.Status, instanceCancel); !ok {
		return nil, &StateError{Op: op, Entity: "instance", ID: instance.ID, From: string(instance.Status), Action: "cancel"}
	}

	if actorID != instance.TriggeredBy {
		isAdmin, err := e.resolver.CanAct(ctx, models.AssignToRole(e.resolver.AdminRole()), instance.CompanyID, actorID)
		if err != nil {
			return nil, err
		}

		if !isAdmin {
			return nil, &AuthorizationError{
				Op: op, ActorID: actorID, Entity: "instance", ID: instance.ID,
				Assignment: models.AssignToUser(instance.TriggeredBy),
			}
		}
	}

	if reason == "" {
		reason = "workflow cancelled"
	}

	executions, err := u.store.StepExecutions().ListByInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	now := e.clock()

	for _, execution := range executions {
		next, ok := nextStepStatus(ctx, execution.Status, stepFail)
		if !ok {
			continue
		}

		execution.Status = next
		execution.CompletedAt = &now
		execution.SetMetadata(metaCancelledBy, actorID)

		request, err := requestForExecution(ctx, u.store, execution.ID)
		if err != nil {
			return nil, err
		}

		err = e.closeRequestAfter(ctx, u, execution, request, models.RequestStatusCancelled, actorID, reason, now)
		if err != nil {
			return nil, err
		}
	}

	err = e.finish(ctx, u, instance, instanceCancel, models.FinalStatusCancelled)
	if err != nil {
		return nil, err
	}

	err = u.store.Instances().Update(ctx, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// reopen gives a rejected or expired workflow request a fresh step execution
// at the same step number. The old execution is left untouched. instance must
// already be locked by the caller.
func (e *Engine) reopen(
	ctx context.Context,
	u *unit,
	instance *models.WorkflowInstance,
	request *models.ApprovalRequest,
	reason string,
) (*models.ApprovalRequest, error) {
	const op = "Reopen"

	previous, err := u.store.StepExecutions().GetByID(ctx, request.Link.StepExecutionID)
	if err != nil {
		return nil, err
	}

	next, ok := nextInstanceStatus(ctx, instance.Status, instanceReopen)
	if !ok {
		return nil, &StateError{Op: op, Entity: "instance", ID: instance.ID, From: string(instance.Status), Action: "reopen"}
	}

	instance.Status = next
	instance.CompletedAt = nil
	instance.UpdatedAt = e.clock()

	created, err := e.enterStep(ctx, u, instance, previous.StepNumber, stepEntry{
		reopenedFrom:    previous,
		reopenedRequest: request.ID,
		reason:          reason,
	})
	if err != nil {
		return nil, err
	}

	err = u.store.Instances().Update(ctx, instance)
	if err != nil {
		return nil, err
	}

	return created, nil
}

// advance moves past a finished step: the instance completes after the last
// step, otherwise the next step is entered.
func (e *Engine) advance(ctx context.Context, u *unit, instance *models.WorkflowInstance, from int) (*models.ApprovalRequest, error) {
	if from >= instance.TemplateSnapshot.LastStepNumber() {
		return nil, e.finish(ctx, u, instance, instanceComplete, models.FinalStatusApproved)
	}

	next, ok := nextInstanceStatus(ctx, instance.Status, instanceAdvance)
	if !ok {
		return nil, &StateError{Op: "Advance", Entity: "instance", ID: instance.ID, From: string(instance.Status), Action: "advance"}
	}

	instance.Status = next

	return e.enterStep(ctx, u, instance, from+1, stepEntry{})
}

// escalate puts the instance in escalated and re-runs the step for the escalation target.
func (e *Engine) escalate(
	ctx context.Context,
	u *unit,
	instance *models.WorkflowInstance,
	step *models.WorkflowStep,
	execution *models.WorkflowStepExecution,
	reason string,
) error {
	next, ok := nextInstanceStatus(ctx, instance.Status, instanceEscalate)
	if !ok {
		return &StateError{Op: "Escalate", Entity: "instance", ID: instance.ID, From: string(instance.Status), Action: "escalate"}
	}

	instance.Status = next
	instance.UpdatedAt = e.clock()

	u.publish(instance.ID, e.finishedEvent(instance, models.FinalStatusEscalated))
	u.after(func() { e.metrics.InstanceFinished(string(models.FinalStatusEscalated)) })

	_, err := e.enterStep(ctx, u, instance, step.StepNumber, stepEntry{escalationOf: execution, reason: reason})

	return err
}

// finish moves the instance to a final status and emits the decision callback.
func (e *Engine) finish(ctx context.Context, u *unit, instance *models.WorkflowInstance, trigger instanceTrigger, final models.FinalStatus) error {
	next, ok := nextInstanceStatus(ctx, instance.Status, trigger)
	if !ok {
		return &StateError{Op: "Finish", Entity: "instance", ID: instance.ID, From: string(instance.Status), Action: string(trigger)}
	}

	now := e.clock()
	instance.Status = next
	instance.CompletedAt = &now
	instance.UpdatedAt = now

	u.publish(instance.ID, e.finishedEvent(instance, final))
	u.after(func() { e.metrics.InstanceFinished(string(final)) })

	return nil
}

func (e *Engine) flagAttention(u *unit, instance *models.WorkflowInstance, stepExecutionID, reason string) {
	instance.NeedsAttention = true
	instance.AttentionReason = reason

	u.publish(instance.ID, events.AttentionRequired{
		BaseEvent:       e.baseEvent(events.InstanceAttentionEvent, instance),
		StepExecutionID: stepExecutionID,
		Reason:          reason,
	})
	u.after(func() { e.metrics.AttentionRequired() })
}

// lockExecution locks a step execution and its instance. Every unit of work
// locks rows in the same order: instance, then step execution, then request.
func (e *Engine) lockExecution(ctx context.Context, u *unit, stepExecutionID string) (*models.WorkflowInstance, *models.WorkflowStepExecution, error) {
	located, err := u.store.StepExecutions().GetByID(ctx, stepExecutionID)
	if err != nil {
		return nil, nil, err
	}

	instance, err := u.store.Instances().GetByIDForUpdate(ctx, located.InstanceID)
	if err != nil {
		return nil, nil, err
	}

	execution, err := u.store.StepExecutions().GetByIDForUpdate(ctx, stepExecutionID)
	if err != nil {
		return nil, nil, err
	}

	return instance, execution, nil
}

// runningStep checks the instance still takes decisions and returns the
// snapshot step the execution runs.
func runningStep(op string, instance *models.WorkflowInstance, execution *models.WorkflowStepExecution, action string) (*models.WorkflowStep, error) {
	if instance.Status != models.InstanceStatusInProgress && instance.Status != models.InstanceStatusEscalated {
		return nil, &StateError{Op: op, Entity: "instance", ID: instance.ID, From: string(instance.Status), Action: action}
	}

	step := instance.TemplateSnapshot.StepByNumber(execution.StepNumber)
	if step == nil {
		return nil, fmt.Errorf("%w: instance %s step %d", ErrStepMissing, instance.ID, execution.StepNumber)
	}

	return step, nil
}

func (e *Engine) authorize(
	ctx context.Context,
	op, companyID, actorID string,
	execution *models.WorkflowStepExecution,
	request *models.ApprovalRequest,
) error {
	current := executionAssignment(execution)

	ok, err := e.resolver.CanAct(ctx, current, companyID, actorID)
	if err != nil {
		return err
	}

	if ok {
		return nil
	}

	authErr := &AuthorizationError{Op: op, ActorID: actorID, Entity: "step_execution", ID: execution.ID, Assignment: current}
	if request != nil {
		authErr.Entity = "request"
		authErr.ID = request.ID
	}

	return authErr
}

func (e *Engine) authorizeOrAdmin(
	ctx context.Context,
	op, companyID, actorID string,
	execution *models.WorkflowStepExecution,
	request *models.ApprovalRequest,
) error {
	err := e.authorize(ctx, op, companyID, actorID, execution, request)
	if err == nil || !IsAuthorizationError(err) {
		return err
	}

	isAdmin, adminErr := e.resolver.CanAct(ctx, models.AssignToRole(e.resolver.AdminRole()), companyID, actorID)
	if adminErr != nil {
		return adminErr
	}

	if isAdmin {
		return nil
	}

	return err
}

// closeRequestAfter persists the execution, then moves its request (if any)
// to status. Terminal requests are never touched again.
func (e *Engine) closeRequestAfter(
	ctx context.Context,
	u *unit,
	execution *models.WorkflowStepExecution,
	request *models.ApprovalRequest,
	status models.RequestStatus,
	actorID, reason string,
	now time.Time,
) error {
	err := u.store.StepExecutions().Update(ctx, execution)
	if err != nil {
		return err
	}

	if request == nil || request.Status.IsTerminal() {
		return nil
	}

	request.Status = status
	request.Reason = reason
	request.UpdatedAt = now

	if actorID != "" {
		request.DecidedBy = &actorID
		request.DecidedAt = &now
	}

	return u.store.ApprovalRequests().Update(ctx, request)
}

func (e *Engine) baseEvent(eventType events.EventType, instance *models.WorkflowInstance) events.BaseEvent {
	return events.BaseEvent{
		ID:         newID(),
		Type:       eventType,
		Timestamp:  e.clock(),
		CompanyID:  instance.CompanyID,
		InstanceID: instance.ID,
	}
}

func (e *Engine) finishedEvent(instance *models.WorkflowInstance, final models.FinalStatus) events.InstanceFinished {
	return events.InstanceFinished{
		BaseEvent: e.baseEvent(events.InstanceFinishedEvent, instance),
		Callback: models.DecisionCallback{
			EntityType:  instance.EntityType,
			EntityID:    instance.EntityID,
			FinalStatus: final,
			InstanceID:  instance.ID,
		},
	}
}

func stepAssigned(base events.BaseEvent, execution *models.WorkflowStepExecution, request *models.ApprovalRequest) events.StepAssigned {
	event := events.StepAssigned{
		BaseEvent:       base,
		StepExecutionID: execution.ID,
		StepNumber:      execution.StepNumber,
		RequestID:       request.ID,
		DueAt:           execution.DueAt,
	}

	if execution.AssignedTo != nil {
		event.AssignedTo = *execution.AssignedTo
	}

	if execution.AssignedRole != nil {
		event.AssignedRole = *execution.AssignedRole
	}

	return event
}

func newStepRequest(
	instance *models.WorkflowInstance,
	step *models.WorkflowStep,
	execution *models.WorkflowStepExecution,
	entry stepEntry,
	now time.Time,
) *models.ApprovalRequest {
	data := template.InstanceData(instance, step)

	title := renderOr(step.Name, data)
	if entry.escalationOf != nil {
		title = "Escalated: " + title
	}

	description := renderOr(step.Description, data)
	if description == "" {
		description = fmt.Sprintf("Step %d of %s for %s %s",
			step.StepNumber, instance.TemplateSnapshot.Name, instance.EntityType, instance.EntityID)
	}

	request := &models.ApprovalRequest{
		ID:          newID(),
		CompanyID:   instance.CompanyID,
		Link:        &models.WorkflowLink{InstanceID: instance.ID, StepExecutionID: execution.ID},
		EntityType:  instance.EntityType,
		EntityID:    instance.EntityID,
		RequestType: models.RequestTypeWorkflowStep,
		Title:       title,
		Description: description,
		Data:        instance.Data,
		Status:      models.RequestStatusPending,
		Priority:    stepPriority(step),
		RequestedBy: instance.TriggeredBy,
		Assignment:  executionAssignment(execution),
		ExpiresAt:   execution.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if entry.reopenedRequest != "" {
		request.ReopenedFrom = &entry.reopenedRequest
	}

	return request
}

// renderOr renders text against data, keeping text as is if rendering fails.
func renderOr(text string, data map[string]any) string {
	rendered, err := template.Render(text, data)
	if err != nil {
		return text
	}

	return rendered
}

// stepPriority reads step.Config["priority"], defaulting to medium.
func stepPriority(step *models.WorkflowStep) models.Priority {
	if raw, ok := step.Config["priority"].(string); ok {
		if priority := models.Priority(raw); priority.Valid() {
			return priority
		}
	}

	return models.PriorityMedium
}

func requestForExecution(ctx context.Context, store persistence.Store, stepExecutionID string) (*models.ApprovalRequest, error) {
	request, err := store.ApprovalRequests().GetByStepExecution(ctx, stepExecutionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	return request, nil
}

func recordDecision(execution *models.WorkflowStepExecution, decision models.Decision, actorID string, now time.Time) {
	execution.Decision = &decision
	execution.DecidedBy = &actorID
	execution.CompletedAt = &now
}

func executionAssignment(execution *models.WorkflowStepExecution) models.Assignment {
	if execution.AssignedTo != nil {
		return models.AssignToUser(*execution.AssignedTo)
	}

	if execution.AssignedRole != nil {
		return models.AssignToRole(*execution.AssignedRole)
	}

	return models.Assignment{}
}

func applyAssignment(execution *models.WorkflowStepExecution, a models.Assignment) {
	if a.IsRole() {
		role := a.Role
		execution.AssignedRole = &role
		execution.AssignedTo = nil

		return
	}

	user := a.User
	execution.AssignedTo = &user
	execution.AssignedRole = nil
}

func stepStateError(op string, execution *models.WorkflowStepExecution, action string) error {
	if !execution.Status.IsLive() {
		return &StateError{Op: op, Entity: "step_execution", ID: execution.ID, Reason: "step was already decided"}
	}

	return &StateError{Op: op, Entity: "step_execution", ID: execution.ID, From: string(execution.Status), Action: action}
}
