package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/approvals/pkg/assignment"
	"github.com/dukex/approvals/pkg/eventbus"
	"github.com/dukex/approvals/pkg/metrics"
	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/otelhelper"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/trigger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultSweepBatch = 500

// Engine runs workflow instances: it starts them from entity events, applies
// decisions to their steps and times out steps nobody decided on.
type Engine struct {
	persistence persistence.Persistence
	matcher     *trigger.Matcher
	resolver    *assignment.Resolver
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
	sweepBatch  int
}

type EngineOption func(*Engine)

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSweepBatch bounds how many due steps one TimeoutSweep handles.
func WithSweepBatch(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

// NewEngine creates a workflow engine. publisher may be nil, in which case no
// events are emitted.
func NewEngine(
	p persistence.Persistence,
	resolver *assignment.Resolver,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		persistence: p,
		matcher:     trigger.NewMatcher(logger),
		resolver:    resolver,
		publisher:   publisher,
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "engine"),
		now:         time.Now,
		sweepBatch:  defaultSweepBatch,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// HealthCheck checks the health of the persistence layer.
func (e *Engine) HealthCheck(ctx context.Context) (string, bool) {
	if e.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := e.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// DecisionInput is a decision submitted on a step or request.
type DecisionInput struct {
	Decision models.Decision `json:"decision"`
	ActorID  string          `json:"actor_id"`
	Comment  string          `json:"comment,omitempty"`
	// DelegateTo is the user a delegated step is handed to.
	DelegateTo string `json:"delegate_to,omitempty"`
	// Condition is recorded with a conditional approval.
	Condition string `json:"condition,omitempty"`
}

func (in DecisionInput) validate() []models.FieldError {
	var fields []models.FieldError

	if !in.Decision.Valid() {
		fields = append(fields, models.FieldError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", in.Decision)})
	}

	if in.ActorID == "" {
		fields = append(fields, models.FieldError{Field: "actor_id", Message: "is required"})
	}

	if in.Decision == models.DecisionDelegated && in.DelegateTo == "" {
		fields = append(fields, models.FieldError{Field: "delegate_to", Message: "is required for delegated decisions"})
	}

	if in.Decision == models.DecisionConditionalApproval && in.Condition == "" {
		fields = append(fields, models.FieldError{Field: "condition", Message: "is required for conditional approvals"})
	}

	return fields
}

// InstanceDetails is an instance with its full step and request history.
type InstanceDetails struct {
	Instance *models.WorkflowInstance        `json:"instance"`
	Steps    []*models.WorkflowStepExecution `json:"steps"`
	Requests []*models.ApprovalRequest       `json:"requests"`
}

// SweepResult counts what a timeout sweep did.
type SweepResult struct {
	TimedOut  int `json:"timed_out"`
	Escalated int `json:"escalated"`
	Expired   int `json:"expired"`
}

// Match returns the ids of the active templates an event would start, without
// starting them. Only the entity type and trigger type are required.
func (e *Engine) Match(ctx context.Context, event models.EntityEvent) ([]string, error) {
	var fields []models.FieldError

	if event.EntityType == "" {
		fields = append(fields, models.FieldError{Field: "entity_type", Message: "is required"})
	}

	if event.TriggerType == "" {
		fields = append(fields, models.FieldError{Field: "trigger_type", Message: "is required"})
	}

	err := NewValidationError("Match", fields)
	if err != nil {
		return nil, err
	}

	templates, err := e.matchTemplates(ctx, event)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(templates))
	for i, template := range templates {
		ids[i] = template.ID
	}

	return ids, nil
}

// HandleEvent starts one instance per template matching the event. Instances
// are independent: a failure to start one does not prevent the others.
func (e *Engine) HandleEvent(ctx context.Context, event models.EntityEvent) (_ []*models.WorkflowInstance, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.handle_event",
		attribute.String(otelhelper.EntityTypeKey, event.EntityType),
		attribute.String(otelhelper.EntityIDKey, event.EntityID),
		attribute.String(otelhelper.TriggerTypeKey, string(event.TriggerType)),
	)
	defer func() { endSpan(span, err) }()

	err = NewValidationError("HandleEvent", structErrors(event))
	if err != nil {
		return nil, err
	}

	templates, err := e.matchTemplates(ctx, event)
	if err != nil {
		return nil, err
	}

	instances := make([]*models.WorkflowInstance, 0, len(templates))

	var errs []error

	for _, template := range templates {
		instance, err := e.startFromTemplate(ctx, template.ID, event)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to start workflow instance",
				"template_id", template.ID,
				"entity_type", event.EntityType,
				"entity_id", event.EntityID,
				"error", err)
			errs = append(errs, fmt.Errorf("template %s: %w", template.ID, err))

			continue
		}

		instances = append(instances, instance)
	}

	e.logger.InfoContext(ctx, "Handled entity event",
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"trigger_type", event.TriggerType,
		"matched", len(templates),
		"started", len(instances))

	return instances, errors.Join(errs...)
}

// Start creates an instance of the template for the entity, together with
// its first step execution and approval request.
func (e *Engine) Start(ctx context.Context, templateID string, event models.EntityEvent) (_ *models.WorkflowInstance, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start",
		attribute.String(otelhelper.TemplateIDKey, templateID),
		attribute.String(otelhelper.EntityTypeKey, event.EntityType),
		attribute.String(otelhelper.EntityIDKey, event.EntityID),
	)
	defer func() { endSpan(span, err) }()

	err = NewValidationError("Start", structErrors(event))
	if err != nil {
		return nil, err
	}

	return e.startFromTemplate(ctx, templateID, event)
}

func (e *Engine) startFromTemplate(ctx context.Context, templateID string, event models.EntityEvent) (*models.WorkflowInstance, error) {
	var instance *models.WorkflowInstance

	err := e.transact(ctx, func(ctx context.Context, u *unit) error {
		template, err := u.store.Templates().GetByID(ctx, templateID)
		if err != nil {
			return err
		}

		if !template.AppliesTo(event.EntityType) {
			return NewValidationError("Start", []models.FieldError{{
				Field:   "entity_type",
				Message: fmt.Sprintf("template %s does not apply to entity type %q", template.ID, event.EntityType),
			}})
		}

		instance, err = e.start(ctx, u, template, event)

		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Workflow instance started",
		"instance_id", instance.ID,
		"template_id", instance.TemplateID,
		"entity_type", instance.EntityType,
		"entity_id", instance.EntityID,
		"status", instance.Status)

	return instance, nil
}

// Decide applies a decision to a live step execution. A step is decided at
// most once: deciding a step that already left the live states fails with
// ErrInvalidState and changes nothing.
func (e *Engine) Decide(ctx context.Context, stepExecutionID string, input DecisionInput) (_ *models.WorkflowStepExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.decide",
		attribute.String(otelhelper.StepExecutionIDKey, stepExecutionID),
		attribute.String(otelhelper.ActorIDKey, input.ActorID),
		attribute.String(otelhelper.DecisionKey, string(input.Decision)),
	)
	defer func() { endSpan(span, err) }()

	var execution *models.WorkflowStepExecution

	err = e.transact(ctx, func(ctx context.Context, u *unit) error {
		execution, err = e.decide(ctx, u, stepExecutionID, input)

		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Step decided",
		"step_execution_id", execution.ID,
		"instance_id", execution.InstanceID,
		"decision", input.Decision,
		"actor_id", input.ActorID)

	return execution, nil
}

// Escalate hands a live step to its escalation target.
func (e *Engine) Escalate(ctx context.Context, stepExecutionID, actorID, reason string) (*models.WorkflowStepExecution, error) {
	return e.Decide(ctx, stepExecutionID, DecisionInput{
		Decision: models.DecisionEscalated,
		ActorID:  actorID,
		Comment:  reason,
	})
}

// Skip completes an optional step without a decision and advances the instance.
func (e *Engine) Skip(ctx context.Context, stepExecutionID, actorID, reason string) (_ *models.WorkflowStepExecution, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.skip",
		attribute.String(otelhelper.StepExecutionIDKey, stepExecutionID),
		attribute.String(otelhelper.ActorIDKey, actorID),
	)
	defer func() { endSpan(span, err) }()

	if actorID == "" {
		return nil, NewValidationError("Skip", []models.FieldError{{Field: "actor_id", Message: "is required"}})
	}

	var execution *models.WorkflowStepExecution

	err = e.transact(ctx, func(ctx context.Context, u *unit) error {
		execution, err = e.skip(ctx, u, stepExecutionID, actorID, reason)

		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Step skipped", "step_execution_id", execution.ID, "actor_id", actorID)

	return execution, nil
}

// Cancel stops a running instance, failing its live step and cancelling open requests.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) (_ *models.WorkflowInstance, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.cancel",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.ActorIDKey, actorID),
	)
	defer func() { endSpan(span, err) }()

	if actorID == "" {
		return nil, NewValidationError("Cancel", []models.FieldError{{Field: "actor_id", Message: "is required"}})
	}

	var instance *models.WorkflowInstance

	err = e.transact(ctx, func(ctx context.Context, u *unit) error {
		instance, err = e.cancel(ctx, u, instanceID, actorID, reason)

		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Workflow instance cancelled", "instance_id", instance.ID, "actor_id", actorID)

	return instance, nil
}

// GetInstance returns an instance with its step executions and requests.
func (e *Engine) GetInstance(ctx context.Context, id string) (*InstanceDetails, error) {
	var details InstanceDetails

	err := e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		instance, err := store.Instances().GetByID(ctx, id)
		if err != nil {
			return err
		}

		steps, err := store.StepExecutions().ListByInstance(ctx, id)
		if err != nil {
			return err
		}

		requests, err := store.ApprovalRequests().List(ctx, persistence.ListRequestsOptions{InstanceID: id})
		if err != nil {
			return err
		}

		details = InstanceDetails{Instance: instance, Steps: steps, Requests: requests}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &details, nil
}

func (e *Engine) ListInstances(ctx context.Context, opts persistence.ListInstancesOptions) ([]*models.WorkflowInstance, error) {
	var instances []*models.WorkflowInstance

	err := e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		instances, err = store.Instances().List(ctx, opts)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	return instances, nil
}

func (e *Engine) GetStepExecution(ctx context.Context, id string) (*models.WorkflowStepExecution, error) {
	var execution *models.WorkflowStepExecution

	err := e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		execution, err = store.StepExecutions().GetByID(ctx, id)

		return err
	})

	return execution, err
}

func (e *Engine) matchTemplates(ctx context.Context, event models.EntityEvent) ([]*models.WorkflowTemplate, error) {
	var candidates []*models.WorkflowTemplate

	err := e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		candidates, err = store.Templates().List(ctx, persistence.ListTemplatesOptions{
			CompanyID:   event.CompanyID,
			TriggerType: event.TriggerType,
			ActiveOnly:  true,
		})

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	return e.matcher.MatchTemplates(candidates, event.EntityType, event.TriggerType, event.Snapshot), nil
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		otelhelper.SetError(span, err)
	}

	span.End()
}
