package mocks

import (
	"context"

	"github.com/dukex/approvals/pkg/directory"
	"github.com/dukex/approvals/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
// Transact hands fn the Store configured with the "Store" call, if any.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) Transact(ctx context.Context, fn func(ctx context.Context, store persistence.Store) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}

	store, _ := args.Get(1).(persistence.Store)

	return fn(ctx, store)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockDirectory is a mock implementation of directory.Directory interface.
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) User(ctx context.Context, id string) (*directory.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*directory.User), args.Error(1)
}

func (m *MockDirectory) ActiveMembers(ctx context.Context, companyID, role string) ([]string, error) {
	args := m.Called(ctx, companyID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]string), args.Error(1)
}
