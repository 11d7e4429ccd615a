package services

import (
	"context"
	"testing"

	"github.com/dukex/approvals/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNextInstanceStatus(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		from     models.InstanceStatus
		trigger  instanceTrigger
		expected models.InstanceStatus
		ok       bool
	}{
		{models.InstanceStatusPending, instanceStart, models.InstanceStatusInProgress, true},
		{models.InstanceStatusInProgress, instanceAdvance, models.InstanceStatusInProgress, true},
		{models.InstanceStatusInProgress, instanceComplete, models.InstanceStatusCompleted, true},
		{models.InstanceStatusInProgress, instanceFail, models.InstanceStatusFailed, true},
		{models.InstanceStatusInProgress, instanceEscalate, models.InstanceStatusEscalated, true},
		{models.InstanceStatusEscalated, instanceAdvance, models.InstanceStatusInProgress, true},
		{models.InstanceStatusEscalated, instanceEscalate, models.InstanceStatusEscalated, true},
		{models.InstanceStatusEscalated, instanceTimeout, models.InstanceStatusTimeout, true},
		{models.InstanceStatusFailed, instanceReopen, models.InstanceStatusInProgress, true},
		{models.InstanceStatusTimeout, instanceReopen, models.InstanceStatusInProgress, true},
		{models.InstanceStatusCompleted, instanceCancel, models.InstanceStatusCompleted, false},
		{models.InstanceStatusCancelled, instanceReopen, models.InstanceStatusCancelled, false},
		{models.InstanceStatusFailed, instanceAdvance, models.InstanceStatusFailed, false},
		{models.InstanceStatusInProgress, instanceReopen, models.InstanceStatusInProgress, false},
		{models.InstanceStatusPending, instanceComplete, models.InstanceStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			next, ok := nextInstanceStatus(ctx, tt.from, tt.trigger)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, next)
		})
	}
}

func TestNextStepStatus(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		from     models.StepStatus
		trigger  stepTrigger
		expected models.StepStatus
		ok       bool
	}{
		{models.StepStatusPending, stepApprove, models.StepStatusCompleted, true},
		{models.StepStatusPending, stepReject, models.StepStatusCompleted, true},
		{models.StepStatusPending, stepEscalate, models.StepStatusEscalated, true},
		{models.StepStatusPending, stepDelegate, models.StepStatusPending, true},
		{models.StepStatusPending, stepMoreInfo, models.StepStatusInProgress, true},
		{models.StepStatusPending, stepSkip, models.StepStatusSkipped, true},
		{models.StepStatusPending, stepTimeout, models.StepStatusTimeout, true},
		{models.StepStatusAssigned, stepDelegate, models.StepStatusPending, true},
		{models.StepStatusInProgress, stepMoreInfo, models.StepStatusInProgress, true},
		{models.StepStatusInProgress, stepApprove, models.StepStatusCompleted, true},
		{models.StepStatusInProgress, stepDelegate, models.StepStatusPending, true},
		{models.StepStatusCompleted, stepApprove, models.StepStatusCompleted, false},
		{models.StepStatusCompleted, stepReject, models.StepStatusCompleted, false},
		{models.StepStatusEscalated, stepApprove, models.StepStatusEscalated, false},
		{models.StepStatusTimeout, stepTimeout, models.StepStatusTimeout, false},
		{models.StepStatusSkipped, stepSkip, models.StepStatusSkipped, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			next, ok := nextStepStatus(ctx, tt.from, tt.trigger)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, next)
		})
	}
}

func TestStepTriggerFor(t *testing.T) {
	assert.Equal(t, stepApprove, stepTriggerFor(models.DecisionConditionalApproval))
	assert.Equal(t, stepMoreInfo, stepTriggerFor(models.DecisionMoreInfoRequired))
	assert.Equal(t, stepTrigger(""), stepTriggerFor("maybe"))
}
