package services

import (
	"testing"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutSweep_ExpiresStepWithoutEscalationPath(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	result, err := h.engine.TimeoutSweep(t.Context(), h.now.Add(47*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	h.now = h.now.Add(49 * time.Hour)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1, Expired: 1}, result)

	details := h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusTimeout, details.Instance.Status)
	require.Len(t, details.Steps, 1)
	assert.Equal(t, models.StepStatusTimeout, details.Steps[0].Status)
	assert.Equal(t, h.now.Format(time.RFC3339), details.Steps[0].Metadata[metaTimedOutAt])
	assert.Equal(t, models.RequestStatusExpired, h.requestFor(t, instance.ID, first.ID).Status)

	callbacks := h.callbacks()
	require.Len(t, callbacks, 1)
	assert.Equal(t, models.FinalStatusTimeout, callbacks[0].FinalStatus)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result, "a second sweep finds nothing left to time out")

	_, err = h.engine.Decide(t.Context(), first.ID, DecisionInput{Decision: models.DecisionApproved, ActorID: "boss"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
}

func TestTimeoutSweep_EscalatesOnceThenExpires(t *testing.T) {
	h := newHarness(t)

	template := poTemplate()
	escalateTo := models.AssignDepartmentHead()
	template.Steps[0].EscalateTo = &escalateTo
	template = h.createTemplate(t, template)

	instance := h.start(t, template, poEvent(8500))
	first := h.liveStep(t, instance.ID)

	h.now = h.now.Add(49 * time.Hour)

	result, err := h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1, Escalated: 1}, result)

	details := h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusEscalated, details.Instance.Status)
	assert.Equal(t, models.RequestStatusExpired, h.requestFor(t, instance.ID, first.ID).Status)

	rerun := h.liveStep(t, instance.ID)
	assert.Equal(t, 1, rerun.StepNumber)
	require.NotNil(t, rerun.AssignedTo)
	assert.Equal(t, "head", *rerun.AssignedTo)
	assert.Equal(t, first.ID, rerun.Metadata[metaEscalationOf])
	require.NotNil(t, rerun.DueAt)
	assert.Equal(t, h.now.Add(48*time.Hour), *rerun.DueAt)

	h.now = h.now.Add(49 * time.Hour)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1, Expired: 1}, result)

	details = h.details(t, instance.ID)
	assert.Equal(t, models.InstanceStatusTimeout, details.Instance.Status)
	assert.Equal(t, models.RequestStatusExpired, h.requestFor(t, instance.ID, rerun.ID).Status)

	final := make([]models.FinalStatus, 0, 2)
	for _, callback := range h.callbacks() {
		final = append(final, callback.FinalStatus)
	}

	assert.Equal(t, []models.FinalStatus{models.FinalStatusEscalated, models.FinalStatusTimeout}, final)
}

func TestTimeoutSweep_SkipsDecidedSteps(t *testing.T) {
	h := newHarness(t)
	template := h.createTemplate(t, poTemplate())
	instance := h.start(t, template, poEvent(8500))

	h.decide(t, h.liveStep(t, instance.ID).ID, models.DecisionApproved, "boss")

	result, err := h.engine.TimeoutSweep(t.Context(), h.now.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Equal(t, models.InstanceStatusInProgress, h.details(t, instance.ID).Instance.Status)
}

func TestTimeoutSweep_RespectsBatchSize(t *testing.T) {
	h := newHarness(t)
	WithSweepBatch(1)(h.engine)

	template := h.createTemplate(t, poTemplate())
	h.start(t, template, poEvent(8500))

	second := poEvent(9100)
	second.EntityID = "po-2"
	h.start(t, template, second)

	h.now = h.now.Add(49 * time.Hour)

	result, err := h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimedOut)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimedOut)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TimedOut)
}

func TestTimeoutSweep_ExpiresStandaloneRequests(t *testing.T) {
	h := newHarness(t)

	draft := paymentTermsRequest()
	expiresAt := h.now.Add(24 * time.Hour)
	draft.ExpiresAt = &expiresAt

	expiring, err := h.approvals.CreateStandalone(t.Context(), draft)
	require.NoError(t, err)

	open := h.createStandalone(t)

	result, err := h.engine.TimeoutSweep(t.Context(), h.now.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	h.now = h.now.Add(25 * time.Hour)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, result)

	stored, err := h.approvals.Get(t.Context(), expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusExpired, stored.Status)
	require.NotNil(t, stored.DecidedAt)
	assert.Equal(t, h.now, *stored.DecidedAt)

	untouched, err := h.approvals.Get(t.Context(), open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, untouched.Status)

	result, err = h.engine.TimeoutSweep(t.Context(), h.now)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	reopened, err := h.approvals.Reopen(t.Context(), expiring.ID, "buyer", "more time")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, reopened.Status)
	assert.Nil(t, reopened.ExpiresAt)
}
