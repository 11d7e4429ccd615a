package services

import (
	"context"

	"github.com/dukex/approvals/pkg/eventbus"
	"github.com/dukex/approvals/pkg/persistence"
)

// unit is one transaction plus the side effects to run once it commits.
type unit struct {
	store       persistence.Store
	outbox      []outboxEntry
	afterCommit []func()
}

type outboxEntry struct {
	key   string
	event eventbus.Event
}

func (u *unit) publish(key string, event eventbus.Event) {
	u.outbox = append(u.outbox, outboxEntry{key: key, event: event})
}

func (u *unit) after(fn func()) {
	u.afterCommit = append(u.afterCommit, fn)
}

// transact runs fn in a transaction. Events are published and hooks run only
// after a successful commit; publish failures are logged, never returned.
func (e *Engine) transact(ctx context.Context, fn func(ctx context.Context, u *unit) error) error {
	var committed *unit

	err := e.persistence.Transact(ctx, func(ctx context.Context, store persistence.Store) error {
		u := &unit{store: store}

		err := fn(ctx, u)
		if err != nil {
			return err
		}

		committed = u

		return nil
	})
	if err != nil {
		return err
	}

	for _, hook := range committed.afterCommit {
		hook()
	}

	if e.publisher == nil {
		return nil
	}

	for _, entry := range committed.outbox {
		err := e.publisher.Publish(ctx, entry.key, entry.event)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to publish event",
				"event_type", entry.event.GetType(),
				"key", entry.key,
				"error", err)
		}
	}

	return nil
}
