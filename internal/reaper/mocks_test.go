package reaper

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/t-brandt/kapsel/internal/store"
)

type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListExpiredSessions() ([]*store.Session, error) {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) UpdateSessionStatus(id string, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

type MockRuntimeStopper struct {
	mock.Mock
}

func (m *MockRuntimeStopper) StopRuntime(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}
