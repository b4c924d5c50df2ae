package docker

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDockerAPI struct {
	mock.Mock
}

func (m *MockDockerAPI) EnsureImage(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockDockerAPI) CreateContainer(ctx context.Context, opts CreateOpts) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *MockDockerAPI) Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error) {
	args := m.Called(ctx, containerID, argv)
	return args.Get(0).(ExecResult), args.Error(1)
}

func (m *MockDockerAPI) RemoveContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}
