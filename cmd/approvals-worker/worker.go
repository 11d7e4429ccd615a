// Package main provides the worker that turns entity events into workflow instances.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/approvals/pkg/eventbus"
	"github.com/dukex/approvals/pkg/events"
	"github.com/dukex/approvals/pkg/models"
	"github.com/dukex/approvals/pkg/services"
)

// EventHandler starts the workflows matching an entity event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event models.EntityEvent) ([]*models.WorkflowInstance, error)
}

type Worker struct {
	engine EventHandler
	bus    eventbus.EventSubscriber
	logger *slog.Logger
}

func NewWorker(engine EventHandler, bus eventbus.EventSubscriber, logger *slog.Logger) *Worker {
	return &Worker{
		engine: engine,
		bus:    bus,
		logger: logger,
	}
}

// Start registers the entity event handler and begins consuming. Consumption
// stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	err := w.bus.Handle(events.EntityEventReceivedEvent, w.handleEntityEvent)
	if err != nil {
		return fmt.Errorf("failed to register entity event handler: %w", err)
	}

	err = w.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// handleEntityEvent returns an error only when the message should be
// redelivered: nothing was started and the failure was not a bad payload.
func (w *Worker) handleEntityEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.EntityEventReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Unexpected payload for entity event", "type", fmt.Sprintf("%T", event))

		return nil
	}

	logger := w.logger.With(
		"event_id", received.ID,
		"entity_type", received.Event.EntityType,
		"entity_id", received.Event.EntityID,
	)

	if received.Event.CompanyID == "" {
		received.Event.CompanyID = received.CompanyID
	}

	instances, err := w.engine.HandleEvent(ctx, received.Event)

	switch {
	case err == nil:
		logger.InfoContext(ctx, "Entity event handled", "started", len(instances))

		return nil
	case services.IsValidationError(err):
		logger.WarnContext(ctx, "Dropping invalid entity event", "error", err)

		return nil
	case len(instances) > 0:
		logger.ErrorContext(ctx, "Entity event partially handled", "started", len(instances), "error", err)

		return nil
	default:
		return err
	}
}
