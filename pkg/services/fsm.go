package services

import (
	"context"

	"github.com/dukex/approvals/pkg/models"
	"github.com/qmuntal/stateless"
)

type instanceTrigger string

const (
	instanceStart    instanceTrigger = "start"
	instanceAdvance  instanceTrigger = "advance"
	instanceComplete instanceTrigger = "complete"
	instanceFail     instanceTrigger = "fail"
	instanceEscalate instanceTrigger = "escalate"
	instanceTimeout  instanceTrigger = "timeout"
	instanceCancel   instanceTrigger = "cancel"
	instanceReopen   instanceTrigger = "reopen"
)

type stepTrigger string

const (
	stepApprove  stepTrigger = "approve"
	stepReject   stepTrigger = "reject"
	stepEscalate stepTrigger = "escalate"
	stepDelegate stepTrigger = "delegate"
	stepMoreInfo stepTrigger = "more_info"
	stepSkip     stepTrigger = "skip"
	stepTimeout  stepTrigger = "timeout"
	stepFail     stepTrigger = "fail"
)

func configureInstance(sm *stateless.StateMachine) {
	sm.Configure(models.InstanceStatusPending).
		Permit(instanceStart, models.InstanceStatusInProgress).
		Permit(instanceCancel, models.InstanceStatusCancelled)

	sm.Configure(models.InstanceStatusInProgress).
		PermitReentry(instanceAdvance).
		Permit(instanceComplete, models.InstanceStatusCompleted).
		Permit(instanceFail, models.InstanceStatusFailed).
		Permit(instanceEscalate, models.InstanceStatusEscalated).
		Permit(instanceTimeout, models.InstanceStatusTimeout).
		Permit(instanceCancel, models.InstanceStatusCancelled)

	// An escalated instance still takes decisions and resumes normal flow.
	sm.Configure(models.InstanceStatusEscalated).
		Permit(instanceAdvance, models.InstanceStatusInProgress).
		Permit(instanceComplete, models.InstanceStatusCompleted).
		Permit(instanceFail, models.InstanceStatusFailed).
		PermitReentry(instanceEscalate).
		Permit(instanceTimeout, models.InstanceStatusTimeout).
		Permit(instanceCancel, models.InstanceStatusCancelled)

	sm.Configure(models.InstanceStatusFailed).
		Permit(instanceReopen, models.InstanceStatusInProgress)

	sm.Configure(models.InstanceStatusTimeout).
		Permit(instanceReopen, models.InstanceStatusInProgress).
		Permit(instanceCancel, models.InstanceStatusCancelled)
}

func configureStep(sm *stateless.StateMachine) {
	for _, live := range []models.StepStatus{models.StepStatusPending, models.StepStatusAssigned, models.StepStatusInProgress} {
		sm.Configure(live).
			Permit(stepApprove, models.StepStatusCompleted).
			Permit(stepReject, models.StepStatusCompleted).
			Permit(stepEscalate, models.StepStatusEscalated).
			Permit(stepSkip, models.StepStatusSkipped).
			Permit(stepTimeout, models.StepStatusTimeout).
			Permit(stepFail, models.StepStatusFailed)
	}

	sm.Configure(models.StepStatusPending).
		PermitReentry(stepDelegate).
		Permit(stepMoreInfo, models.StepStatusInProgress)

	sm.Configure(models.StepStatusAssigned).
		Permit(stepDelegate, models.StepStatusPending).
		Permit(stepMoreInfo, models.StepStatusInProgress)

	sm.Configure(models.StepStatusInProgress).
		Permit(stepDelegate, models.StepStatusPending).
		PermitReentry(stepMoreInfo)
}

// fire runs trigger against a machine configured by configure and starting
// in from. It returns the destination state, or false when the transition
// is not permitted.
func fire(ctx context.Context, configure func(*stateless.StateMachine), from, trigger any) (any, bool) {
	state := from

	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return state, nil
		},
		func(_ context.Context, next stateless.State) error {
			state = next

			return nil
		},
		stateless.FiringImmediate,
	)
	configure(sm)

	ok, err := sm.CanFireCtx(ctx, trigger)
	if err != nil || !ok {
		return from, false
	}

	err = sm.FireCtx(ctx, trigger)
	if err != nil {
		return from, false
	}

	return state, true
}

func nextInstanceStatus(ctx context.Context, from models.InstanceStatus, trigger instanceTrigger) (models.InstanceStatus, bool) {
	next, ok := fire(ctx, configureInstance, from, trigger)
	if !ok {
		return from, false
	}

	status, ok := next.(models.InstanceStatus)

	return status, ok
}

func nextStepStatus(ctx context.Context, from models.StepStatus, trigger stepTrigger) (models.StepStatus, bool) {
	next, ok := fire(ctx, configureStep, from, trigger)
	if !ok {
		return from, false
	}

	status, ok := next.(models.StepStatus)

	return status, ok
}

// stepTriggerFor maps a decision to the step trigger it fires.
func stepTriggerFor(decision models.Decision) stepTrigger {
	switch decision {
	case models.DecisionApproved, models.DecisionConditionalApproval:
		return stepApprove
	case models.DecisionRejected:
		return stepReject
	case models.DecisionEscalated:
		return stepEscalate
	case models.DecisionDelegated:
		return stepDelegate
	case models.DecisionMoreInfoRequired:
		return stepMoreInfo
	default:
		return ""
	}
}
