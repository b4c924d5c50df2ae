// Package runtime defines the execution-backend contract of kapsel: a
// Runtime owns one isolated execution context (a container or a confined
// workspace directory) for one session, executes Actions against it, and
// returns Observations. Implementations live in runtime/local and
// runtime/docker; the manager package owns their lifecycle.
package runtime

import (
	"context"
	"time"

	"github.com/t-brandt/kapsel/protocol"
)

// Runtime is the control-plane object for one session's sandbox.
//
// Start and Stop are infrastructure operations and may fail with real
// errors. ExecuteAction never does: every action-level failure is encoded
// in the returned Observation.
type Runtime interface {
	// Start provisions the execution context. Idempotent.
	Start(ctx context.Context) error

	// Stop tears the context down and releases all resources, including
	// tracked background processes. Idempotent; safe after failed Start.
	Stop(ctx context.Context) error

	// ExecuteAction runs one Action and always returns an Observation.
	ExecuteAction(ctx context.Context, act protocol.Action) protocol.Observation

	// Primitives reused by the dispatch table and by external callers
	// such as a file browser.
	RunCommand(ctx context.Context, command string, opts RunOpts) (protocol.Observation, error)
	ReadFile(ctx context.Context, path string) (protocol.Observation, error)
	WriteFile(ctx context.Context, path string, content string, encoding string) (protocol.Observation, error)
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
}

// RunOpts carries the run-action modifiers shared by all backends.
type RunOpts struct {
	Cwd        string
	Timeout    time.Duration
	Background bool
}

// FileInfo describes one directory entry, as served to file browsers.
type FileInfo struct {
	Name        string    `json:"name"`
	IsDirectory bool      `json:"is_directory"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
}
