package mocks

import (
	"context"

	"github.com/dukex/approvals/pkg/eventbus"
	"github.com/dukex/approvals/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// Published returns the events passed to Publish, in call order.
func (m *MockEventBus) Published() []eventbus.Event {
	published := make([]eventbus.Event, 0, len(m.Calls))

	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}

		if event, ok := call.Arguments.Get(2).(eventbus.Event); ok {
			published = append(published, event)
		}
	}

	return published
}

// PublishedTypes returns the types of the published events, in call order.
func (m *MockEventBus) PublishedTypes() []events.EventType {
	published := m.Published()

	types := make([]events.EventType, len(published))
	for i, event := range published {
		types[i] = event.GetType()
	}

	return types
}
