package services

import (
	"testing"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentTermsRequest() *models.ApprovalRequest {
	return &models.ApprovalRequest{
		CompanyID:   "acme",
		EntityType:  "supplier",
		EntityID:    "sup-7",
		RequestType: models.RequestTypeUpdate,
		Title:       "Change payment terms to 60 days",
		Data:        map[string]any{"payment_terms": "net60"},
		RequestedBy: "buyer",
		Assignment:  models.AssignToRole("manager"),
	}
}

func (h *harness) createStandalone(t *testing.T) *models.ApprovalRequest {
	t.Helper()

	request, err := h.approvals.CreateStandalone(t.Context(), paymentTermsRequest())
	require.NoError(t, err)

	return request
}

func TestApprovals_CreateStandalone(t *testing.T) {
	h := newHarness(t)

	request := h.createStandalone(t)

	assert.NotEmpty(t, request.ID)
	assert.Nil(t, request.Link)
	assert.Equal(t, models.RequestStatusPending, request.Status)
	assert.Equal(t, models.PriorityMedium, request.Priority)
	assert.Equal(t, h.now, request.CreatedAt)

	stored, err := h.approvals.Get(t.Context(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, "Change payment terms to 60 days", stored.Title)
}

func TestApprovals_CreateStandaloneValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.approvals.CreateStandalone(t.Context(), &models.ApprovalRequest{})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Subset(t, fieldNames(err), []string{"entity_type", "entity_id", "request_type", "title", "requested_by", "assignment"})

	workflowStep := paymentTermsRequest()
	workflowStep.RequestType = models.RequestTypeWorkflowStep

	_, err = h.approvals.CreateStandalone(t.Context(), workflowStep)
	require.Error(t, err)
	assert.Equal(t, []string{"request_type"}, fieldNames(err))

	both := paymentTermsRequest()
	both.Assignment = models.Assignment{User: "boss", Role: "manager"}
	both.Priority = "whenever"

	_, err = h.approvals.CreateStandalone(t.Context(), both)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"priority", "assignment"}, fieldNames(err))
}

func TestApprovals_StandaloneDecision(t *testing.T) {
	h := newHarness(t)
	request := h.createStandalone(t)

	_, err := h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "acct1"})
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	_, err = h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "outsider"})
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err), "a manager of another company cannot act")

	decided, err := h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{
		Decision: models.DecisionRejected, ActorID: "boss", Comment: "too long",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, "boss", *decided.DecidedBy)
	assert.Equal(t, "too long", decided.Reason)

	_, err = h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	assert.Contains(t, err.Error(), "already decided")

	stored, err := h.approvals.Get(t.Context(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, stored.Status)
}

func TestApprovals_StandaloneDelegationAndEscalation(t *testing.T) {
	h := newHarness(t)

	delegated := h.createStandalone(t)

	result, err := h.approvals.SubmitDecision(t.Context(), delegated.ID, DecisionInput{
		Decision: models.DecisionDelegated, ActorID: "boss", DelegateTo: "head",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, result.Status)
	assert.Equal(t, models.AssignToUser("head"), result.Assignment)

	_, err = h.approvals.SubmitDecision(t.Context(), delegated.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	result, err = h.approvals.SubmitDecision(t.Context(), delegated.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "head"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, result.Status)

	escalated := h.createStandalone(t)

	result, err = h.approvals.SubmitDecision(t.Context(), escalated.ID, DecisionInput{Decision: models.DecisionEscalated, ActorID: "boss"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusEscalated, result.Status)
	assert.Equal(t, models.AssignToRole("admin"), result.Assignment)

	result, err = h.approvals.SubmitDecision(t.Context(), escalated.ID, DecisionInput{
		Decision: models.DecisionConditionalApproval, ActorID: "root", Condition: "only from next quarter",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, result.Status)
	assert.Equal(t, "only from next quarter", result.Reason)
}

func TestApprovals_CommentsHideInternalNotes(t *testing.T) {
	h := newHarness(t)
	request := h.createStandalone(t)

	_, err := h.approvals.AddComment(t.Context(), request.ID, &models.ApprovalComment{AuthorID: "boss"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"text"}, fieldNames(err))

	_, err = h.approvals.AddComment(t.Context(), "missing", &models.ApprovalComment{AuthorID: "boss", Text: "hello"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = h.approvals.AddComment(t.Context(), request.ID, &models.ApprovalComment{AuthorID: "buyer", Text: "Supplier insists"})
	require.NoError(t, err)

	_, err = h.approvals.AddComment(t.Context(), request.ID, &models.ApprovalComment{AuthorID: "boss", Text: "Check their rating", Internal: true})
	require.NoError(t, err)

	public, err := h.approvals.ListComments(t.Context(), request.ID, false)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "Supplier insists", public[0].Text)

	all, err := h.approvals.ListComments(t.Context(), request.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestApprovals_ReopenStandalone(t *testing.T) {
	h := newHarness(t)
	request := h.createStandalone(t)

	_, err := h.approvals.Reopen(t.Context(), request.ID, "buyer", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err), "pending requests cannot be reopened")

	_, err = h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionRejected, ActorID: "boss"})
	require.NoError(t, err)

	_, err = h.approvals.Reopen(t.Context(), request.ID, "acct1", "new terms")
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	reopened, err := h.approvals.Reopen(t.Context(), request.ID, "buyer", "new terms")
	require.NoError(t, err)

	assert.NotEqual(t, request.ID, reopened.ID)
	assert.Equal(t, models.RequestStatusPending, reopened.Status)
	assert.Equal(t, request.Title, reopened.Title)
	assert.Equal(t, request.Assignment, reopened.Assignment)
	assert.Nil(t, reopened.DecidedBy)

	require.NotNil(t, reopened.ReopenedFrom)
	assert.Equal(t, request.ID, *reopened.ReopenedFrom)

	old, err := h.approvals.Get(t.Context(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, old.Status)
	require.NotNil(t, old.ReopenedTo)
	assert.Equal(t, reopened.ID, *old.ReopenedTo)

	public, err := h.approvals.ListComments(t.Context(), reopened.ID, false)
	require.NoError(t, err)
	assert.Empty(t, public)

	internal, err := h.approvals.ListComments(t.Context(), reopened.ID, true)
	require.NoError(t, err)
	require.Len(t, internal, 1)
	assert.Equal(t, "Reopened from request "+request.ID+": new terms", internal[0].Text)
	assert.True(t, internal[0].Internal)
}

func TestApprovals_ReopenOnlyOnce(t *testing.T) {
	h := newHarness(t)
	request := h.createStandalone(t)

	_, err := h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionRejected, ActorID: "boss"})
	require.NoError(t, err)

	reopened, err := h.approvals.Reopen(t.Context(), request.ID, "buyer", "")
	require.NoError(t, err)

	_, err = h.approvals.Reopen(t.Context(), request.ID, "buyer", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	assert.Contains(t, err.Error(), "already reopened as "+reopened.ID)

	pending, err := h.approvals.List(t.Context(), persistence.ListRequestsOptions{
		EntityType: "supplier", EntityID: "sup-7", Status: models.RequestStatusPending,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, reopened.ID, pending[0].ID)

	_, err = h.approvals.SubmitDecision(t.Context(), reopened.ID, DecisionInput{Decision: models.DecisionRejected, ActorID: "boss"})
	require.NoError(t, err)

	third, err := h.approvals.Reopen(t.Context(), reopened.ID, "buyer", "")
	require.NoError(t, err, "the successor can itself be reopened")
	require.NotNil(t, third.ReopenedFrom)
	assert.Equal(t, reopened.ID, *third.ReopenedFrom)
}

func TestApprovals_ExpiredStandaloneRejectsDecisions(t *testing.T) {
	h := newHarness(t)

	draft := paymentTermsRequest()
	expiresAt := h.now.Add(24 * time.Hour)
	draft.ExpiresAt = &expiresAt

	request, err := h.approvals.CreateStandalone(t.Context(), draft)
	require.NoError(t, err)

	h.now = expiresAt

	_, err = h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	assert.Contains(t, err.Error(), "request expired")

	stored, err := h.approvals.Get(t.Context(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, stored.Status)
	assert.Nil(t, stored.DecidedBy)
}

func TestApprovals_CancelStandalone(t *testing.T) {
	h := newHarness(t)
	request := h.createStandalone(t)

	_, err := h.approvals.Cancel(t.Context(), request.ID, "boss", "")
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err))

	_, err = h.approvals.Cancel(t.Context(), request.ID, "outsider", "")
	require.Error(t, err)
	assert.True(t, IsAuthorizationError(err), "an administrator of another company cannot cancel")

	cancelled, err := h.approvals.Cancel(t.Context(), request.ID, "buyer", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCancelled, cancelled.Status)
	assert.Equal(t, "no longer needed", cancelled.Reason)

	_, err = h.approvals.Cancel(t.Context(), request.ID, "buyer", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))

	_, err = h.approvals.Reopen(t.Context(), request.ID, "buyer", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err), "cancelled requests cannot be reopened")
}

func TestApprovals_LinkedRequestDecidesStep(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)
	request := h.requestFor(t, instance.ID, first.ID)

	decided, err := h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, decided.Status)

	step, err := h.engine.GetStepExecution(t.Context(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, step.Status)
	assert.Equal(t, 2, h.liveStep(t, instance.ID).StepNumber)

	_, err = h.approvals.Cancel(t.Context(), decided.ID, "buyer", "")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))

	inbox, err := h.approvals.List(t.Context(), persistence.ListRequestsOptions{
		AssignedRole: "accountant", Status: models.RequestStatusPending,
	})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, instance.ID, inbox[0].Link.InstanceID)
}

func TestApprovals_ReopenRejectedWorkflowRequest(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)
	request := h.requestFor(t, instance.ID, first.ID)

	_, err := h.approvals.SubmitDecision(t.Context(), request.ID, DecisionInput{Decision: models.DecisionRejected, ActorID: "boss"})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, h.details(t, instance.ID).Instance.Status)

	reopened, err := h.approvals.Reopen(t.Context(), request.ID, "buyer", "price fixed")
	require.NoError(t, err)
	require.NotNil(t, reopened.Link)
	assert.Equal(t, instance.ID, reopened.Link.InstanceID)
	assert.Equal(t, models.RequestStatusPending, reopened.Status)

	details := h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusInProgress, details.Instance.Status)
	assert.Nil(t, details.Instance.CompletedAt)
	assert.Equal(t, 1, details.Instance.CurrentStepNumber)

	rerun := h.liveStep(t, instance.ID)
	assert.Equal(t, reopened.Link.StepExecutionID, rerun.ID)
	assert.Equal(t, 1, rerun.StepNumber)
	assert.Equal(t, first.ID, rerun.Metadata[metaReopenedFrom])
	assert.Equal(t, "price fixed", rerun.Metadata[metaReason])

	require.NotNil(t, reopened.ReopenedFrom)
	assert.Equal(t, request.ID, *reopened.ReopenedFrom)

	old, err := h.approvals.Get(t.Context(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, old.Status)
	require.NotNil(t, old.ReopenedTo)
	assert.Equal(t, reopened.ID, *old.ReopenedTo)

	_, err = h.approvals.Reopen(t.Context(), request.ID, "buyer", "price fixed")
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))

	_, err = h.approvals.SubmitDecision(t.Context(), reopened.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.NoError(t, err)

	h.decide(t, h.liveStep(t, instance.ID).ID, models.DecisionApproved, "acct1")

	assert.Equal(t, models.InstanceStatusCompleted, h.details(t, instance.ID).Instance.Status)

	final := make([]models.FinalStatus, 0, 2)
	for _, callback := range h.callbacks() {
		final = append(final, callback.FinalStatus)
	}

	assert.Equal(t, []models.FinalStatus{models.FinalStatusRejected, models.FinalStatusApproved}, final)
}
