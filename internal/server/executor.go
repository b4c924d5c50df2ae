package server

import (
	"context"
	"fmt"
	"time"

	"github.com/t-brandt/kapsel/config"
	"github.com/t-brandt/kapsel/internal/shell"
	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
	"github.com/t-brandt/kapsel/runtime/local"
)

// shellExecutor satisfies runtime.Executor for the execution server.
// Foreground commands run in the persistent pty shell so cd and exports
// carry across actions; background spawns and all file primitives
// delegate to the embedded local runtime.
type shellExecutor struct {
	*local.Runtime
	session *shell.Session
	cfg     *config.Config
}

func (e *shellExecutor) RunCommand(ctx context.Context, command string, opts runtime.RunOpts) (protocol.Observation, error) {
	if opts.Background {
		return e.Runtime.RunCommand(ctx, command, opts)
	}

	cmd := command
	if opts.Cwd != "" {
		abs, err := e.Runtime.ResolvePath(opts.Cwd)
		if err != nil {
			return protocol.Observation{}, err
		}
		// A subshell keeps the explicit cwd from sticking to the session.
		cmd = fmt.Sprintf("(cd %q && %s)", abs, command)
	}

	timeout := e.clampTimeout(opts.Timeout)
	res, err := e.session.Execute(ctx, cmd, timeout)
	if err != nil {
		return protocol.Observation{}, err
	}

	output := res.Output
	exitCode := res.ExitCode
	if res.TimedOut {
		exitCode = protocol.ExitCodeTimeout
		output += fmt.Sprintf("\ncommand timed out after %s; shell state reset", timeout)
	}
	return protocol.NewCommandResult(output, exitCode, res.Cwd, res.DurationMs, res.Truncated), nil
}

func (e *shellExecutor) clampTimeout(timeout time.Duration) time.Duration {
	max := time.Duration(e.cfg.MaxTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.DefaultTimeoutMs) * time.Millisecond
	}
	if timeout > max {
		timeout = max
	}
	return timeout
}
