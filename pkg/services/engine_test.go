package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/approvals/pkg/assignment"
	"github.com/dukex/approvals/pkg/directory"
	"github.com/dukex/approvals/pkg/events"
	"github.com/dukex/approvals/pkg/metrics"
	"github.com/dukex/approvals/pkg/mocks"
	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/dukex/approvals/pkg/persistence/file"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine    *Engine
	templates *Templates
	approvals *Approvals
	bus       *mocks.MockEventBus
	metrics   *metrics.Metrics
	now       time.Time
}

func defaultUsers() []*directory.User {
	return []*directory.User{
		{ID: "buyer", CompanyID: "acme", Active: true, ManagerID: "boss", DepartmentHeadID: "head", Roles: []string{"buyer"}},
		{ID: "boss", CompanyID: "acme", Active: true, DepartmentHeadID: "head", Roles: []string{"manager"}},
		{ID: "head", CompanyID: "acme", Active: true, Roles: []string{"director"}},
		{ID: "acct1", CompanyID: "acme", Active: true, Roles: []string{"accountant"}},
		{ID: "root", CompanyID: "acme", Active: true, Roles: []string{"admin"}},
		{ID: "outsider", CompanyID: "globex", Active: true, Roles: []string{"manager", "admin"}},
	}
}

func newHarness(t *testing.T, users ...*directory.User) *harness {
	t.Helper()

	if len(users) == 0 {
		users = defaultUsers()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h := &harness{
		bus:     bus,
		metrics: metrics.New(),
		now:     time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	resolver := assignment.NewResolver(directory.NewStatic(users...), "admin", logger)
	h.engine = NewEngine(p, resolver, bus, logger,
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return h.now }),
	)
	h.templates = NewTemplates(p, logger)
	h.templates.now = func() time.Time { return h.now }
	h.approvals = NewApprovals(h.engine, logger)

	return h
}

func poTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		CompanyID:   "acme",
		Name:        "PO over 5000 EUR",
		EntityType:  "purchase_order",
		TriggerType: models.TriggerTypeThreshold,
		TriggerConditions: models.TriggerConditions{
			Threshold: &models.ThresholdCondition{Field: "amount", Operator: models.OperatorGreaterThanEqual, Value: 5000, Currency: "EUR"},
		},
		IsActive:  true,
		CreatedBy: "root",
		Steps: []*models.WorkflowStep{
			{Name: "Manager approval", StepType: models.StepTypeApproval, Assignee: models.AssignRole("manager"), IsRequired: true, TimeoutDays: 2},
			{Name: "Accounting", StepType: models.StepTypeApproval, Assignee: models.AssignRole("accountant"), IsRequired: true},
		},
	}
}

func poEvent(amount float64) models.EntityEvent {
	return models.EntityEvent{
		CompanyID:   "acme",
		EntityType:  "purchase_order",
		EntityID:    "po-1",
		TriggerType: models.TriggerTypeThreshold,
		Snapshot:    map[string]any{"amount": amount, "currency": "EUR", "supplier": "Initech"},
		TriggeredBy: "buyer",
	}
}

func (h *harness) createTemplate(t *testing.T, template *models.WorkflowTemplate) *models.WorkflowTemplate {
	t.Helper()

	created, err := h.templates.Create(t.Context(), template)
	require.NoError(t, err)

	return created
}

func (h *harness) start(t *testing.T, template *models.WorkflowTemplate, event models.EntityEvent) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.engine.Start(t.Context(), template.ID, event)
	require.NoError(t, err)

	return instance
}

func (h *harness) details(t *testing.T, instanceID string) *InstanceDetails {
	t.Helper()

	details, err := h.engine.GetInstance(t.Context(), instanceID)
	require.NoError(t, err)

	return details
}

// liveStep returns the only live step execution of the instance.
func (h *harness) liveStep(t *testing.T, instanceID string) *models.WorkflowStepExecution {
	t.Helper()

	var live []*models.WorkflowStepExecution

	for _, step := range h.details(t, instanceID).Steps {
		if step.Status.IsLive() {
			live = append(live, step)
		}
	}

	require.Len(t, live, 1)

	return live[0]
}

func (h *harness) requestFor(t *testing.T, instanceID, stepExecutionID string) *models.ApprovalRequest {
	t.Helper()

	for _, request := range h.details(t, instanceID).Requests {
		if request.Link != nil && request.Link.StepExecutionID == stepExecutionID {
			return request
		}
	}

	require.FailNow(t, "no request mirrors step execution "+stepExecutionID)

	return nil
}

func (h *harness) decide(t *testing.T, stepExecutionID string, decision models.Decision, actorID string) *models.WorkflowStepExecution {
	t.Helper()

	execution, err := h.engine.Decide(t.Context(), stepExecutionID, DecisionInput{Decision: decision, ActorID: actorID})
	require.NoError(t, err)

	return execution
}

func (h *harness) callbacks() []models.DecisionCallback {
	var callbacks []models.DecisionCallback

	for _, event := range h.bus.Published() {
		if finished, ok := event.(events.InstanceFinished); ok {
			callbacks = append(callbacks, finished.Callback)
		}
	}

	return callbacks
}

func TestEngine_PurchaseOrderApprovedEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.createTemplate(t, poTemplate())

	instances, err := h.engine.HandleEvent(t.Context(), poEvent(8500))
	require.NoError(t, err)
	require.Len(t, instances, 1)

	instance := instances[0]
	assert.Equal(t, models.InstanceStatusInProgress, instance.Status)
	assert.Equal(t, 1, instance.CurrentStepNumber)
	assert.Equal(t, "buyer", instance.TriggeredBy)

	first := h.liveStep(t, instance.ID)
	assert.Equal(t, 1, first.StepNumber)
	assert.Nil(t, first.AssignedTo)
	require.NotNil(t, first.AssignedRole)
	assert.Equal(t, "manager", *first.AssignedRole)
	require.NotNil(t, first.DueAt)
	assert.Equal(t, h.now.Add(48*time.Hour), *first.DueAt)

	request := h.requestFor(t, instance.ID, first.ID)
	assert.Equal(t, models.RequestStatusPending, request.Status)
	assert.Equal(t, models.AssignToRole("manager"), request.Assignment)
	assert.Equal(t, models.RequestTypeWorkflowStep, request.RequestType)
	assert.Equal(t, "Manager approval", request.Title)

	_, err = h.engine.Decide(t.Context(), first.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "buyer"})
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	h.decide(t, first.ID, models.DecisionApproved, "boss")

	second := h.liveStep(t, instance.ID)
	assert.Equal(t, 2, second.StepNumber)
	assert.Equal(t, "accountant", *second.AssignedRole)
	assert.Nil(t, second.DueAt)
	assert.Equal(t, models.RequestStatusApproved, h.requestFor(t, instance.ID, first.ID).Status)

	h.decide(t, second.ID, models.DecisionApproved, "acct1")

	details := h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusCompleted, details.Instance.Status)
	assert.NotNil(t, details.Instance.CompletedAt)
	assert.Len(t, details.Steps, 2)

	assert.Equal(t, []models.DecisionCallback{{
		EntityType: "purchase_order", EntityID: "po-1", FinalStatus: models.FinalStatusApproved, InstanceID: instance.ID,
	}}, h.callbacks())

	assert.Equal(t, []events.EventType{
		events.InstanceStartedEvent,
		events.StepAssignedEvent,
		events.StepAssignedEvent,
		events.InstanceFinishedEvent,
	}, h.bus.PublishedTypes())

	count, err := testutil.GatherAndCount(h.metrics.Registry(), "approvals_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_BelowThresholdStartsNothing(t *testing.T) {
	h := newHarness(t)
	h.createTemplate(t, poTemplate())

	instances, err := h.engine.HandleEvent(t.Context(), poEvent(4999.99))
	require.NoError(t, err)
	assert.Empty(t, instances)

	ids, err := h.engine.Match(t.Context(), poEvent(4999.99))
	require.NoError(t, err)
	assert.Empty(t, ids)

	instancesList, err := h.engine.ListInstances(t.Context(), persistence.ListInstancesOptions{CompanyID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, instancesList)
}

func TestEngine_HandleEventValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.HandleEvent(t.Context(), models.EntityEvent{EntityType: "purchase_order"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	fields := ValidationFields(err)
	names := make([]string, len(fields))

	for i, field := range fields {
		names[i] = field.Field
	}

	assert.ElementsMatch(t, []string{"entity_id", "trigger_type", "triggered_by"}, names)
}

func TestEngine_MatchNeedsNoActorOrEntity(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())

	event := poEvent(8500)
	event.TriggeredBy = ""
	event.EntityID = ""

	ids, err := h.engine.Match(t.Context(), event)
	require.NoError(t, err)
	assert.Equal(t, []string{template.ID}, ids)

	_, err = h.engine.Match(t.Context(), models.EntityEvent{CompanyID: "acme"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"entity_type", "trigger_type"}, fieldNames(err))
}

func TestEngine_DecideTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	h.decide(t, first.ID, models.DecisionApproved, "boss")

	_, err := h.engine.Decide(t.Context(), first.ID, DecisionInput{Decision: models.DecisionRejected, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	assert.Contains(t, err.Error(), "already decided")

	details := h.details(t, instance.ID)
	assert.Len(t, details.Steps, 2)
	assert.Equal(t, models.InstanceStatusInProgress, details.Instance.Status)
	assert.Equal(t, 2, details.Instance.CurrentStepNumber)
}

func TestEngine_RejectHaltsInstance(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	execution := h.decide(t, first.ID, models.DecisionRejected, "boss")
	assert.Equal(t, models.StepStatusCompleted, execution.Status)
	require.NotNil(t, execution.Decision)
	assert.Equal(t, models.DecisionRejected, *execution.Decision)

	details := h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusFailed, details.Instance.Status)
	assert.Len(t, details.Steps, 1)
	assert.Equal(t, models.RequestStatusRejected, h.requestFor(t, instance.ID, first.ID).Status)

	callbacks := h.callbacks()
	require.Len(t, callbacks, 1)
	assert.Equal(t, models.FinalStatusRejected, callbacks[0].FinalStatus)
}

func TestEngine_RunningInstanceKeepsTemplateSnapshot(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))

	changed := poTemplate()
	changed.Steps = changed.Steps[:1]
	_, err := h.templates.Update(t.Context(), template.ID, changed)
	require.NoError(t, err)

	h.decide(t, h.liveStep(t, instance.ID).ID, models.DecisionApproved, "boss")

	second := h.liveStep(t, instance.ID)
	assert.Equal(t, 2, second.StepNumber)

	stored, err := h.templates.Get(t.Context(), template.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 1)
	assert.Equal(t, int64(1), stored.UsageCount)
}

func TestEngine_StartInactiveOrForeignTemplate(t *testing.T) {
	h := newHarness(t)

	inactive := poTemplate()
	inactive.IsActive = false
	inactive = h.createTemplate(t, inactive)

	_, err := h.engine.Start(t.Context(), inactive.ID, poEvent(8500))
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))

	instances, err := h.engine.HandleEvent(t.Context(), poEvent(8500))
	require.NoError(t, err)
	assert.Empty(t, instances)

	active := h.createTemplate(t, poTemplate())
	event := poEvent(8500)
	event.EntityType = "invoice"

	_, err = h.engine.Start(t.Context(), active.ID, event)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = h.engine.Start(t.Context(), "missing", poEvent(8500))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestEngine_EscalateAssignsDepartmentHead(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	escalated, err := h.engine.Escalate(t.Context(), first.ID, "boss", "over my limit")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusEscalated, escalated.Status)

	details := h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusEscalated, details.Instance.Status)

	rerun := h.liveStep(t, instance.ID)
	assert.Equal(t, 1, rerun.StepNumber)
	require.NotNil(t, rerun.AssignedTo)
	assert.Equal(t, "head", *rerun.AssignedTo)
	assert.Equal(t, first.ID, rerun.Metadata[metaEscalationOf])

	request := h.requestFor(t, instance.ID, rerun.ID)
	assert.Equal(t, "Escalated: Manager approval", request.Title)
	assert.Equal(t, models.AssignToUser("head"), request.Assignment)
	assert.Equal(t, models.RequestStatusEscalated, h.requestFor(t, instance.ID, first.ID).Status)

	h.decide(t, rerun.ID, models.DecisionApproved, "head")

	details = h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusInProgress, details.Instance.Status)
	assert.Equal(t, 2, h.liveStep(t, instance.ID).StepNumber)

	callbacks := h.callbacks()
	require.Len(t, callbacks, 1)
	assert.Equal(t, models.FinalStatusEscalated, callbacks[0].FinalStatus)
}

func TestEngine_DelegateMoreInfoAndConditionalApproval(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	_, err := h.engine.Decide(t.Context(), first.ID, DecisionInput{Decision: models.DecisionDelegated, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	delegated, err := h.engine.Decide(t.Context(), first.ID, DecisionInput{
		Decision: models.DecisionDelegated, ActorID: "boss", DelegateTo: "head",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, delegated.Status)
	require.NotNil(t, delegated.AssignedTo)
	assert.Equal(t, "head", *delegated.AssignedTo)
	assert.Nil(t, delegated.AssignedRole)
	assert.Equal(t, "role:manager", delegated.Metadata[metaDelegatedFrom])
	assert.Equal(t, models.AssignToUser("head"), h.requestFor(t, instance.ID, first.ID).Assignment)

	_, err = h.engine.Decide(t.Context(), first.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	moreInfo := h.decide(t, first.ID, models.DecisionMoreInfoRequired, "head")
	assert.Equal(t, models.StepStatusInProgress, moreInfo.Status)
	assert.Equal(t, models.RequestStatusMoreInfoRequired, h.requestFor(t, instance.ID, first.ID).Status)
	assert.Equal(t, 1, h.liveStep(t, instance.ID).StepNumber)

	approved, err := h.engine.Decide(t.Context(), first.ID, DecisionInput{
		Decision: models.DecisionConditionalApproval, ActorID: "head", Condition: "deliver before Q3",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, approved.Status)
	assert.Equal(t, "deliver before Q3", approved.Metadata[metaCondition])
	assert.Equal(t, models.RequestStatusApproved, h.requestFor(t, instance.ID, first.ID).Status)
	assert.Equal(t, 2, h.liveStep(t, instance.ID).StepNumber)
}

func TestEngine_Skip(t *testing.T) {
	h := newHarness(t)

	template := poTemplate()
	template.Steps[0].IsRequired = false
	template = h.createTemplate(t, template)

	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	_, err := h.engine.Skip(t.Context(), first.ID, "acct1", "not needed")
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	skipped, err := h.engine.Skip(t.Context(), first.ID, "root", "not needed")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSkipped, skipped.Status)
	assert.Equal(t, models.RequestStatusCancelled, h.requestFor(t, instance.ID, first.ID).Status)

	second := h.liveStep(t, instance.ID)
	assert.Equal(t, 2, second.StepNumber)

	_, err = h.engine.Skip(t.Context(), second.ID, "acct1", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	_, err := h.engine.Cancel(t.Context(), instance.ID, "outsider", "")
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	cancelled, err := h.engine.Cancel(t.Context(), instance.ID, "buyer", "order withdrawn")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, cancelled.Status)

	details := h.details(t, instance.ID)
	require.Len(t, details.Steps, 1)
	assert.Equal(t, models.StepStatusFailed, details.Steps[0].Status)

	request := h.requestFor(t, instance.ID, first.ID)
	assert.Equal(t, models.RequestStatusCancelled, request.Status)
	assert.Equal(t, "order withdrawn", request.Reason)

	_, err = h.engine.Cancel(t.Context(), instance.ID, "buyer", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))

	_, err = h.engine.Decide(t.Context(), first.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))

	callbacks := h.callbacks()
	require.Len(t, callbacks, 1)
	assert.Equal(t, models.FinalStatusCancelled, callbacks[0].FinalStatus)
}

func TestEngine_UnresolvedAssignmentNeedsAttention(t *testing.T) {
	h := newHarness(t,
		&directory.User{ID: "buyer", CompanyID: "acme", Active: true, Roles: []string{"buyer"}},
	)
	template := h.createTemplate(t, poTemplate())

	instance := h.start(t, template, poEvent(8500))
	assert.True(t, instance.NeedsAttention)
	assert.NotEmpty(t, instance.AttentionReason)

	first := h.liveStep(t, instance.ID)
	require.NotNil(t, first.AssignedRole)
	assert.Equal(t, "admin", *first.AssignedRole)
	assert.Nil(t, first.AssignedTo)
	assert.Equal(t, true, first.Metadata[metaUnresolved])
	assert.Equal(t, models.StepStatusPending, first.Status)

	request := h.requestFor(t, instance.ID, first.ID)
	assert.Equal(t, models.AssignToRole("admin"), request.Assignment)
	assert.Equal(t, models.RequestStatusPending, request.Status)

	assert.Contains(t, h.bus.PublishedTypes(), events.InstanceAttentionEvent)

	attention, err := h.engine.ListInstances(t.Context(), persistence.ListInstancesOptions{NeedsAttention: true})
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, instance.ID, attention[0].ID)
}

func TestEngine_RoleFallbackToAdministrator(t *testing.T) {
	h := newHarness(t)

	template := poTemplate()
	template.Steps[0].Assignee = models.AssignRole("auditor")
	template = h.createTemplate(t, template)

	instance := h.start(t, template, poEvent(8500))
	assert.False(t, instance.NeedsAttention)

	first := h.liveStep(t, instance.ID)
	assert.Equal(t, "admin", *first.AssignedRole)
	assert.Equal(t, true, first.Metadata[metaAssignmentFallback])

	h.decide(t, first.ID, models.DecisionApproved, "root")
	assert.Equal(t, 2, h.liveStep(t, instance.ID).StepNumber)
}

func TestEngine_AutomaticSteps(t *testing.T) {
	automatic := func() *models.WorkflowTemplate {
		template := poTemplate()
		template.Steps = []*models.WorkflowStep{
			{Name: "Notify purchasing", StepType: models.StepTypeNotification, Config: map[string]any{"channel": "email"}},
			{
				Name: "Large orders only", StepType: models.StepTypeConditionalLogic,
				Conditions: []models.FieldCondition{{Field: "amount", Operator: models.OperatorGreaterThan, Value: 10000}},
			},
			{
				Name: "Supplier present", StepType: models.StepTypeDataValidation,
				Config: map[string]any{"schema": map[string]any{
					"type":     "object",
					"required": []any{"supplier"},
				}},
			},
			{Name: "Manager approval", StepType: models.StepTypeApproval, Assignee: models.AssignRole("manager"), IsRequired: true},
		}

		return template
	}

	t.Run("automatic steps resolve until a human step", func(t *testing.T) {
		h := newHarness(t)
		template := h.createTemplate(t, automatic())

		instance := h.start(t, template, poEvent(8500))
		assert.Equal(t, models.InstanceStatusInProgress, instance.Status)
		assert.Equal(t, 4, instance.CurrentStepNumber)

		statuses := map[int]models.StepStatus{}
		for _, step := range h.details(t, instance.ID).Steps {
			statuses[step.StepNumber] = step.Status
		}

		assert.Equal(t, map[int]models.StepStatus{
			1: models.StepStatusCompleted,
			2: models.StepStatusSkipped,
			3: models.StepStatusCompleted,
			4: models.StepStatusPending,
		}, statuses)

		assert.Contains(t, h.bus.PublishedTypes(), events.StepNotifiedEvent)
		assert.Len(t, h.details(t, instance.ID).Requests, 1)
	})

	t.Run("failed data validation rejects the instance", func(t *testing.T) {
		h := newHarness(t)
		template := h.createTemplate(t, automatic())

		event := poEvent(8500)
		delete(event.Snapshot, "supplier")

		instance := h.start(t, template, event)
		assert.Equal(t, models.InstanceStatusFailed, instance.Status)

		details := h.details(t, instance.ID)
		require.Len(t, details.Steps, 3)
		assert.Empty(t, details.Requests)

		for _, step := range details.Steps {
			if step.StepNumber == 3 {
				assert.Equal(t, models.StepStatusCompleted, step.Status)
				assert.Equal(t, models.DecisionRejected, *step.Decision)
				assert.NotEmpty(t, step.Metadata[metaValidationErrors])
			}
		}

		callbacks := h.callbacks()
		require.Len(t, callbacks, 1)
		assert.Equal(t, models.FinalStatusRejected, callbacks[0].FinalStatus)
	})

	t.Run("auto approved steps complete the instance", func(t *testing.T) {
		h := newHarness(t)

		template := poTemplate()
		for _, step := range template.Steps {
			step.AutoApprove = true
		}

		template = h.createTemplate(t, template)

		instance := h.start(t, template, poEvent(8500))
		assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
		assert.NotNil(t, instance.CompletedAt)
		assert.Len(t, h.details(t, instance.ID).Steps, 2)
	})
}

func TestEngine_MultipleMatchingTemplatesStartIndependently(t *testing.T) {
	h := newHarness(t)

	low := poTemplate()
	low.Priority = 1
	low = h.createTemplate(t, low)

	high := poTemplate()
	high.Name = "Finance review"
	high.Priority = 5
	high = h.createTemplate(t, high)

	instances, err := h.engine.HandleEvent(t.Context(), poEvent(9000))
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, high.ID, instances[0].TemplateID)
	assert.Equal(t, low.ID, instances[1].TemplateID)
}

func TestEngine_HealthCheck(t *testing.T) {
	p := &mocks.MockPersistence{}
	p.On("HealthCheck", mock.Anything).Return(errors.New("connection refused"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(p, assignment.NewResolver(directory.NewStatic(), "admin", logger), nil, logger)

	message, ok := engine.HealthCheck(context.Background())
	assert.False(t, ok)
	assert.Contains(t, message, "connection refused")

	p.AssertExpectations(t)

	h := newHarness(t)
	_, ok = h.engine.HealthCheck(t.Context())
	assert.True(t, ok)
}

func TestEngine_PublishFailureDoesNotFailCommit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	resolver := assignment.NewResolver(directory.NewStatic(defaultUsers()...), "admin", logger)
	engine := NewEngine(p, resolver, bus, logger)

	template, err := NewTemplates(p, logger).Create(t.Context(), poTemplate())
	require.NoError(t, err)

	instance, err := engine.Start(t.Context(), template.ID, poEvent(8500))
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusInProgress, instance.Status)

	bus.AssertNumberOfCalls(t, "Publish", 2)
}

func TestEngine_RendersRequestTitleFromSnapshot(t *testing.T) {
	h := newHarness(t)

	template := poTemplate()
	template.Steps[0].Name = "Approve PO for {{ .data.supplier }}"
	template.Steps[0].Description = "{{ .data.amount }} {{ .data.currency }} requested by {{ .triggered_by }}"
	created := h.createTemplate(t, template)

	instance := h.start(t, created, poEvent(8500))
	step := h.liveStep(t, instance.ID)
	request := h.requestFor(t, instance.ID, step.ID)

	assert.Equal(t, "Approve PO for Initech", request.Title)
	assert.Equal(t, "8500 EUR requested by buyer", request.Description)
}

func TestEngine_StartFailsWhenSnapshotLacksStep(t *testing.T) {
	h := newHarness(t)

	template := poTemplate()
	template.ID = "broken"
	template.Steps = template.Steps[:1]
	template.Steps[0].ID = "only"
	template.Steps[0].StepNumber = 2

	err := h.engine.persistence.Transact(t.Context(), func(ctx context.Context, store persistence.Store) error {
		return store.Templates().Save(ctx, template)
	})
	require.NoError(t, err)

	_, err = h.engine.Start(t.Context(), template.ID, poEvent(8500))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepMissing))

	instances, err := h.engine.ListInstances(t.Context(), persistence.ListInstancesOptions{TemplateID: template.ID})
	require.NoError(t, err)
	assert.Empty(t, instances)
}
