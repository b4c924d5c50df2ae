package docker

import "context"

// dockerAPI is the slice of Client the runtime consumes; tests substitute
// a mock.
type dockerAPI interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, opts CreateOpts) (string, error)
	Exec(ctx context.Context, containerID string, argv []string) (ExecResult, error)
	RemoveContainer(ctx context.Context, containerID string) error
}
