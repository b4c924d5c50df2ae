// Package local implements the Runtime contract directly on the host: a
// path-confined workspace directory and plain subprocesses. The workspace
// boundary is the only security boundary here; use the docker runtime
// when real isolation is required.
package local

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/t-brandt/kapsel/config"
	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
)

// bgProcess is one tracked background spawn.
type bgProcess struct {
	cmd     *exec.Cmd
	command string
}

// Runtime executes Actions for one session against a confined workspace
// directory. It is owned by exactly one session and is not called
// concurrently by more than one logical caller.
type Runtime struct {
	sessionID string
	workspace string
	cfg       *config.Config
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	bg      map[string]*bgProcess
}

// New builds a local runtime rooted at workspaceDir. Nothing is touched
// until Start.
func New(sessionID, workspaceDir string, cfg *config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		sessionID: sessionID,
		workspace: workspaceDir,
		cfg:       cfg,
		logger:    logger,
		bg:        make(map[string]*bgProcess),
	}
}

// Start creates the workspace directory. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := os.MkdirAll(r.workspace, 0o755); err != nil {
		return fmt.Errorf("creating workspace %s: %w", r.workspace, err)
	}
	r.started = true
	r.logger.Info("local runtime started", "session_id", r.sessionID, "workspace", r.workspace)
	return nil
}

// Stop kills every tracked background process group. Idempotent; the
// workspace directory is left in place for the caller to collect.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	for id, proc := range r.bg {
		killProcessGroup(proc.cmd)
		r.logger.Info("killed background process", "session_id", r.sessionID, "bg_id", id, "command", proc.command)
		delete(r.bg, id)
	}
	r.started = false
	return nil
}

// ExecuteAction runs one Action through the shared dispatch table. It
// never returns an error: action-level failures come back as Error
// Observations.
func (r *Runtime) ExecuteAction(ctx context.Context, act protocol.Action) protocol.Observation {
	return runtime.Dispatch(ctx, r, act)
}

// RunCommand spawns the command through a shell with the workspace as
// cwd. The wall-clock timeout kills the whole process group; stdout and
// stderr are captured in separate buffers.
func (r *Runtime) RunCommand(ctx context.Context, command string, opts runtime.RunOpts) (protocol.Observation, error) {
	cwd := r.workspace
	if opts.Cwd != "" {
		resolved, err := r.resolvePath(opts.Cwd)
		if err != nil {
			return protocol.Observation{}, err
		}
		cwd = resolved
	}

	if opts.Background {
		return r.spawnBackground(command, cwd)
	}

	timeout := r.clampTimeout(opts.Timeout)

	cmd := exec.Command(shellPath(), "-c", command)
	cmd.Dir = cwd
	cmd.Env = r.commandEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return protocol.Observation{}, fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		timedOut = true
	case <-time.After(timeout):
		killProcessGroup(cmd)
		<-done
		timedOut = true
	}

	output := stdout.String() + stderr.String()
	truncated := false
	if len(output) > protocol.MaxOutputBytes {
		output = output[:protocol.MaxOutputBytes]
		truncated = true
	}

	exitCode := 0
	switch {
	case timedOut:
		exitCode = protocol.ExitCodeTimeout
		output += fmt.Sprintf("\ncommand timed out after %s", timeout)
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = protocol.ExitCodeTimeout
			output += "\nwait error: " + waitErr.Error()
		}
	}

	return protocol.NewCommandResult(output, exitCode, cwd, time.Since(start).Milliseconds(), truncated), nil
}

// spawnBackground starts the command without waiting and registers it in
// the session-owned registry. Completion carries no ordering guarantee
// relative to later foreground Actions.
func (r *Runtime) spawnBackground(command, cwd string) (protocol.Observation, error) {
	cmd := exec.Command(shellPath(), "-c", command)
	cmd.Dir = cwd
	cmd.Env = r.commandEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return protocol.Observation{}, fmt.Errorf("starting background command: %w", err)
	}

	id := uuid.New().String()[:8]
	r.mu.Lock()
	r.bg[id] = &bgProcess{cmd: cmd, command: command}
	r.mu.Unlock()

	// Reap on exit so finished processes do not linger as zombies; the
	// registry entry stays until Stop or an explicit kill.
	go cmd.Wait()

	r.logger.Info("spawned background process", "session_id", r.sessionID, "bg_id", id, "pid", cmd.Process.Pid)
	return protocol.NewBackgroundStarted(cmd.Process.Pid, id), nil
}

// KillBackground terminates one tracked background process and removes
// its registry entry. Unknown ids are an action-level failure.
func (r *Runtime) KillBackground(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.bg[id]
	if !ok {
		return fmt.Errorf("unknown background process: %s", id)
	}
	killProcessGroup(proc.cmd)
	delete(r.bg, id)
	return nil
}

// BackgroundIDs lists the tracked background process ids.
func (r *Runtime) BackgroundIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.bg))
	for id := range r.bg {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) clampTimeout(timeout time.Duration) time.Duration {
	max := time.Duration(r.cfg.MaxTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.DefaultTimeoutMs) * time.Millisecond
	}
	if timeout > max {
		timeout = max
	}
	return timeout
}

func (r *Runtime) commandEnv() []string {
	env := os.Environ()
	for k, v := range r.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// killProcessGroup force-kills the command's whole process group so
// children spawned by the shell die with it.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	cmd.Process.Kill()
}

func shellPath() string {
	for _, sh := range []string{"/bin/bash", "/usr/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "/bin/sh"
}
