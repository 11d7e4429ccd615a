package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/otelhelper"
	"github.com/dukex/approvals/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

const (
	sweepOutcomeEscalated = "escalated"
	sweepOutcomeExpired   = "expired"
)

// TimeoutSweep times out every live step whose due date is at or before now.
// A timed-out step escalates when its definition allows it and it is not
// already an escalation; otherwise its request expires and the instance ends
// in timeout. Undecided standalone requests past their ExpiresAt expire too.
// Each step or request is handled in its own transaction so one failure does
// not hold back the rest of the batch.
func (e *Engine) TimeoutSweep(ctx context.Context, now time.Time) (_ SweepResult, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.timeout_sweep")
	defer func() { endSpan(span, err) }()

	now = now.UTC()

	var due []*models.WorkflowStepExecution

	err = e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		due, err = store.StepExecutions().ListDue(ctx, now, e.sweepBatch)

		return err
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list due step executions: %w", err)
	}

	var (
		result SweepResult
		errs   []error
	)

	for _, candidate := range due {
		outcome, err := e.timeoutStep(ctx, candidate.ID, now)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to time out step",
				"step_execution_id", candidate.ID,
				"instance_id", candidate.InstanceID,
				"error", err)
			errs = append(errs, fmt.Errorf("step execution %s: %w", candidate.ID, err))

			continue
		}

		switch outcome {
		case sweepOutcomeEscalated:
			result.TimedOut++
			result.Escalated++
		case sweepOutcomeExpired:
			result.TimedOut++
			result.Expired++
		}
	}

	expired, expireErrs := e.expireRequests(ctx, now)
	result.Expired += expired
	errs = append(errs, expireErrs...)

	span.SetAttributes(
		attribute.Int("approvals.sweep.timed_out", result.TimedOut),
		attribute.Int("approvals.sweep.escalated", result.Escalated),
		attribute.Int("approvals.sweep.expired", result.Expired),
	)

	if result.TimedOut > 0 || expired > 0 {
		e.logger.InfoContext(ctx, "Timeout sweep finished",
			"due", len(due),
			"timed_out", result.TimedOut,
			"escalated", result.Escalated,
			"expired", result.Expired)
	}

	return result, errors.Join(errs...)
}

// timeoutStep re-reads the execution under lock: a decision that landed
// between the listing and now wins and the step is left alone ("" outcome).
func (e *Engine) timeoutStep(ctx context.Context, stepExecutionID string, now time.Time) (string, error) {
	var outcome string

	err := e.transact(ctx, func(ctx context.Context, u *unit) error {
		instance, execution, err := e.lockExecution(ctx, u, stepExecutionID)
		if err != nil {
			return err
		}

		if !execution.Status.IsLive() || execution.DueAt == nil || execution.DueAt.After(now) {
			return nil
		}

		next, ok := nextStepStatus(ctx, execution.Status, stepTimeout)
		if !ok {
			return nil
		}

		execution.Status = next
		execution.CompletedAt = &now
		execution.SetMetadata(metaTimedOutAt, now.Format(time.RFC3339))

		request, err := requestForExecution(ctx, u.store, execution.ID)
		if err != nil {
			return err
		}

		err = e.closeRequestAfter(ctx, u, execution, request, models.RequestStatusExpired, "", "step timed out", now)
		if err != nil {
			return err
		}

		step := instance.TemplateSnapshot.StepByNumber(execution.StepNumber)
		_, isEscalation := execution.Metadata[metaEscalationOf]
		running := instance.Status == models.InstanceStatusInProgress || instance.Status == models.InstanceStatusEscalated

		switch {
		case !running:
			// The instance ended some other way; only the stale step is closed.
		case step != nil && step.CanEscalate() && !isEscalation:
			err = e.escalate(ctx, u, instance, step, execution, "step timed out")
			outcome = sweepOutcomeEscalated
		default:
			err = e.finish(ctx, u, instance, instanceTimeout, models.FinalStatusTimeout)
			outcome = sweepOutcomeExpired
		}

		if err != nil {
			return err
		}

		if running {
			err = u.store.Instances().Update(ctx, instance)
			if err != nil {
				return err
			}
		}

		if outcome != "" {
			recorded := outcome
			u.after(func() { e.metrics.StepTimedOut(recorded) })
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return outcome, nil
}

// expireRequests expires undecided standalone requests whose ExpiresAt has passed.
func (e *Engine) expireRequests(ctx context.Context, now time.Time) (int, []error) {
	var candidates []*models.ApprovalRequest

	err := e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		var err error

		candidates, err = store.ApprovalRequests().ListExpired(ctx, now, e.sweepBatch)

		return err
	})
	if err != nil {
		return 0, []error{fmt.Errorf("failed to list expired approval requests: %w", err)}
	}

	var (
		expired int
		errs    []error
	)

	for _, candidate := range candidates {
		ok, err := e.expireRequest(ctx, candidate.ID, now)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to expire approval request", "request_id", candidate.ID, "error", err)
			errs = append(errs, fmt.Errorf("approval request %s: %w", candidate.ID, err))

			continue
		}

		if ok {
			expired++
		}
	}

	return expired, errs
}

// expireRequest re-reads the request under lock so a decision that landed
// after the listing wins.
func (e *Engine) expireRequest(ctx context.Context, requestID string, now time.Time) (bool, error) {
	var expired bool

	err := e.transact(ctx, func(ctx context.Context, u *unit) error {
		request, err := u.store.ApprovalRequests().GetByIDForUpdate(ctx, requestID)
		if err != nil {
			return err
		}

		if !request.Standalone() || !request.ExpiredAt(now) {
			return nil
		}

		request.Status = models.RequestStatusExpired
		request.Reason = "request expired"
		request.DecidedAt = &now
		request.UpdatedAt = now

		err = u.store.ApprovalRequests().Update(ctx, request)
		if err != nil {
			return err
		}

		expired = true

		return nil
	})

	return expired, err
}
