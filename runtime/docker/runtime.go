// Package docker implements the Runtime contract on top of a Docker
// container: one locked-down container per session, a host directory
// bind-mounted at /workspace, and every Action carried out through
// docker exec.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/t-brandt/kapsel/config"
	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
)

// workspaceRoot is the in-container mount point of the session workspace.
const workspaceRoot = "/workspace"

// killGraceTimeout bounds the best-effort kill exec after a command
// timeout.
const killGraceTimeout = 5 * time.Second

// Runtime drives one sandbox container for one session.
type Runtime struct {
	sessionID string
	workspace string // host side of the bind mount
	cfg       *config.Config
	logger    *slog.Logger
	api       dockerAPI

	mu          sync.Mutex
	started     bool
	containerID string
	bg          map[string]int // background id -> process group leader pid
}

// New builds a container runtime with a real Docker client. Nothing is
// created until Start.
func New(sessionID, workspaceDir string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	cli, err := NewClient()
	if err != nil {
		return nil, err
	}
	return newRuntime(cli, sessionID, workspaceDir, cfg, logger), nil
}

func newRuntime(api dockerAPI, sessionID, workspaceDir string, cfg *config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		sessionID: sessionID,
		workspace: workspaceDir,
		cfg:       cfg,
		logger:    logger,
		api:       api,
		bg:        make(map[string]int),
	}
}

// Start ensures the image is present, creates the host workspace
// directory and starts the container. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	if err := os.MkdirAll(r.workspace, 0o755); err != nil {
		return fmt.Errorf("creating workspace %s: %w", r.workspace, err)
	}
	// The container user writes through the bind mount with its own uid.
	if err := os.Chmod(r.workspace, 0o777); err != nil {
		return fmt.Errorf("chmod workspace %s: %w", r.workspace, err)
	}

	if err := r.api.EnsureImage(ctx, r.cfg.Image); err != nil {
		return err
	}

	id, err := r.api.CreateContainer(ctx, CreateOpts{
		SessionID:    r.sessionID,
		Image:        r.cfg.Image,
		WorkspaceDir: r.workspace,
		Cfg:          r.cfg,
	})
	if err != nil {
		return err
	}

	r.containerID = id
	r.started = true
	r.logger.Info("container started", "session_id", r.sessionID, "container_id", shortID(id))
	return nil
}

// Stop kills tracked background process groups and removes the
// container. Idempotent; safe after a failed Start.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}

	for id, pgid := range r.bg {
		r.killGroup(ctx, r.containerID, pgid)
		delete(r.bg, id)
	}

	if err := r.api.RemoveContainer(ctx, r.containerID); err != nil {
		return err
	}
	r.logger.Info("container removed", "session_id", r.sessionID, "container_id", shortID(r.containerID))
	r.containerID = ""
	r.started = false
	return nil
}

// shortID truncates a container id to the conventional 12-character
// short form; ids that are already shorter pass through unchanged.
func shortID(id string) string {
	if len(id) < 12 {
		return id
	}
	return id[:12]
}

// ContainerID returns the backing container id, empty before Start.
func (r *Runtime) ContainerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containerID
}

// ExecuteAction runs one Action through the shared dispatch table and
// never returns an error.
func (r *Runtime) ExecuteAction(ctx context.Context, act protocol.Action) protocol.Observation {
	return runtime.Dispatch(ctx, r, act)
}

// RunCommand executes the command through sh inside the container. The
// command runs as a setsid group leader with its pid dropped in /tmp, so
// a timeout can kill the whole group with a second exec.
func (r *Runtime) RunCommand(ctx context.Context, command string, opts runtime.RunOpts) (protocol.Observation, error) {
	cwd := workspaceRoot
	if opts.Cwd != "" {
		resolved, err := containerPath(opts.Cwd)
		if err != nil {
			return protocol.Observation{}, err
		}
		cwd = resolved
	}

	if opts.Background {
		return r.spawnBackground(ctx, command, cwd)
	}

	id := uuid.New().String()[:8]
	pidFile := "/tmp/kapsel-" + id + ".pid"
	script := fmt.Sprintf("echo $$ > %s; cd %s && sh -c %s",
		pidFile, shellQuote(cwd), shellQuote(command))

	timeout := r.clampTimeout(opts.Timeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := r.exec(execCtx, []string{"setsid", "sh", "-c", script})
	duration := time.Since(start).Milliseconds()

	if err != nil {
		// Deadline or caller cancellation both leave the process running
		// inside the container; kill its group either way.
		if execCtx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return protocol.Observation{}, err
		}
		r.killByPidFile(pidFile)
		output, truncated := capOutput(res.Stdout + res.Stderr)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			output += fmt.Sprintf("\ncommand timed out after %s", timeout)
		} else {
			output += "\ncommand canceled"
		}
		return protocol.NewCommandResult(output, protocol.ExitCodeTimeout, cwd, duration, truncated), nil
	}

	output, truncated := capOutput(res.Stdout + res.Stderr)
	return protocol.NewCommandResult(output, res.ExitCode, cwd, duration, truncated), nil
}

// spawnBackground starts the command detached under nohup and records
// the reported pid for cleanup at Stop.
func (r *Runtime) spawnBackground(ctx context.Context, command, cwd string) (protocol.Observation, error) {
	id := uuid.New().String()[:8]
	script := fmt.Sprintf("cd %s && nohup setsid sh -c %s >/tmp/kapsel-bg-%s.log 2>&1 & echo $!",
		shellQuote(cwd), shellQuote(command), id)

	res, err := r.exec(ctx, []string{"sh", "-c", script})
	if err != nil {
		return protocol.Observation{}, err
	}
	if res.ExitCode != 0 {
		return protocol.Observation{}, fmt.Errorf("starting background command: %s", res.Stderr)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("parsing background pid from %q: %w", res.Stdout, err)
	}

	r.mu.Lock()
	r.bg[id] = pid
	r.mu.Unlock()

	r.logger.Info("spawned background process", "session_id", r.sessionID, "bg_id", id, "pid", pid)
	return protocol.NewBackgroundStarted(pid, id), nil
}

// KillBackground terminates one tracked background process group.
func (r *Runtime) KillBackground(ctx context.Context, id string) error {
	r.mu.Lock()
	pgid, ok := r.bg[id]
	containerID := r.containerID
	if ok {
		delete(r.bg, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown background process: %s", id)
	}
	r.killGroup(ctx, containerID, pgid)
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

// exec runs argv against the backing container without taking the
// runtime mutex; callers needing the container id take it themselves.
func (r *Runtime) exec(ctx context.Context, argv []string) (ExecResult, error) {
	r.mu.Lock()
	containerID := r.containerID
	started := r.started
	r.mu.Unlock()
	if !started {
		return ExecResult{}, errors.New("runtime not started")
	}
	return r.api.Exec(ctx, containerID, argv)
}

// killByPidFile best-effort kills the process group whose leader pid was
// dropped in pidFile. Runs on a fresh context; the caller's one already
// expired.
func (r *Runtime) killByPidFile(pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), killGraceTimeout)
	defer cancel()
	script := fmt.Sprintf(`pid=$(cat %s 2>/dev/null); [ -n "$pid" ] && kill -9 -"$pid" 2>/dev/null; rm -f %s`, pidFile, pidFile)
	if _, err := r.exec(ctx, []string{"sh", "-c", script}); err != nil {
		r.logger.Warn("timeout kill failed", "session_id", r.sessionID, "error", err)
	}
}

func (r *Runtime) killGroup(ctx context.Context, containerID string, pgid int) {
	script := fmt.Sprintf("kill -9 -%d 2>/dev/null || kill -9 %d 2>/dev/null", pgid, pgid)
	if _, err := r.api.Exec(ctx, containerID, []string{"sh", "-c", script}); err != nil {
		r.logger.Warn("background kill failed", "session_id", r.sessionID, "pid", pgid, "error", err)
	}
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

func capOutput(s string) (string, bool) {
	if len(s) > protocol.MaxOutputBytes {
		return s[:protocol.MaxOutputBytes], true
	}
	return s, false
}

// shellQuote single-quotes s for safe embedding in an sh script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
