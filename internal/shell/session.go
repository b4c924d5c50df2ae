// Package shell runs a persistent pty-backed interactive shell. One
// Session owns one shell process; commands are framed with unique
// sentinels so exit codes survive the shared output stream.
package shell

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

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/t-brandt/kapsel/protocol"
)

// pollInterval is how often accumulated pty output is fed to the frame
// parser while a command is in flight.
const pollInterval = 50 * time.Millisecond

// readyTimeout bounds how long Start waits for the shell to finish its
// rc init and acknowledge the setup commands.
const readyTimeout = 10 * time.Second

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 2 * time.Second

// ExecResult is the outcome of one Execute call.
type ExecResult struct {
	Output     string
	ExitCode   int
	Cwd        string
	Truncated  bool
	TimedOut   bool
	DurationMs int64
}

// Session is a persistent interactive shell attached to a pty. State
// (cwd, exported variables, jobs) survives across Execute calls. At most
// one command is in flight at a time; Execute serializes internally.
type Session struct {
	workdir string
	env     []string
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	shell   string
	cmd     *exec.Cmd
	ptmx    *os.File
	buf     *ringBuffer
}

// ringBuffer is a bounded byte buffer fed by the pty reader goroutine.
type ringBuffer struct {
	mu   sync.Mutex
	data []byte
	cap  int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{data: make([]byte, 0, cap), cap: cap}
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.cap {
		rb.data = rb.data[len(rb.data)-rb.cap:]
	}
	return len(p), nil
}

// ReadAndReset returns all buffered bytes and clears the buffer. Calling
// it before writing a command drains stale output from earlier commands.
func (rb *ringBuffer) ReadAndReset() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	rb.data = rb.data[:0]
	return out
}

// NewSession builds a session rooted at workdir. extraEnv entries are
// exported into the shell. The session is not started.
func NewSession(workdir string, extraEnv map[string]string, logger *slog.Logger) *Session {
	env := append(os.Environ(),
		"TERM=xterm-256color",
		"PS1=$ ",
		"PS2=> ",
		"HISTFILE=",
	)
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	return &Session{
		workdir: workdir,
		env:     env,
		logger:  logger,
	}
}

// Start spawns the login shell on a fresh pty. It is idempotent: calling
// it on a running session is a no-op. Failure to allocate the pty or
// spawn the shell leaves the session unusable and is returned as an
// error (infrastructure failure, not an Observation).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() error {
	if s.started {
		return nil
	}

	s.shell = findShell()
	cmd := exec.Command(s.shell, "-l")
	cmd.Env = s.env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	buf := newRingBuffer(protocol.MaxOutputBytes)
	go func() {
		chunk := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	s.cmd = cmd
	s.ptmx = ptmx
	s.buf = buf
	s.started = true

	// Turn off pty echo and the prompt: the output stream must carry only
	// command output and our sentinel lines. A ready marker printed last
	// tells us the shell has worked through its rc init and executed the
	// setup; the marker is split in the command text so the pty echo of
	// the line itself can never match.
	ready := "__KAPSEL_READY__:" + uuid.New().String()[:8]
	init := "stty -echo; export PS1='' PS2=''\n"
	if s.workdir != "" {
		init += fmt.Sprintf("cd %q\n", s.workdir)
	}
	init += fmt.Sprintf("printf '%%s%%s\\n' '__KAPSEL_' 'READY__:%s'\n", ready[len("__KAPSEL_READY__:"):])
	fmt.Fprint(ptmx, init)

	deadline := time.Now().Add(readyTimeout)
	var seen []byte
	for !bytes.Contains(seen, []byte(ready)) {
		if time.Now().After(deadline) {
			s.stopLocked()
			return fmt.Errorf("shell not ready after %s", readyTimeout)
		}
		time.Sleep(pollInterval)
		seen = append(seen, s.buf.ReadAndReset()...)
	}
	s.buf.ReadAndReset() // discard anything trailing the ready marker

	return nil
}

// Execute runs one command and returns its exit code and cleaned output.
// Commands are serialized: the pty is one conversational channel.
//
// On timeout the in-flight command is not recoverable on the shared
// stream, so the partial output is returned with ExitCode -1 and the
// shell is killed and restarted. Shell state (cwd, exports) does not
// survive a timeout.
func (s *Session) Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ExecResult{}, fmt.Errorf("shell session not started")
	}
	if timeout <= 0 {
		timeout = protocol.DefaultTimeoutMs * time.Millisecond
	}

	// Drain stale bytes so prior output never leaks into this result.
	s.buf.ReadAndReset()

	id := uuid.New().String()[:8]
	begin := fmt.Sprintf("%s:%s", protocol.SentinelBegin, id)
	end := fmt.Sprintf("%s:%s", protocol.SentinelEnd, id)
	parser := newFrameParser(begin, end)

	// The command is written verbatim into the interactive shell (not a
	// subshell) so cd/export persist. The probe line carries "$?" and
	// "$PWD" in one write.
	wrapped := fmt.Sprintf(
		"printf '%%s\\n' '%s'\n%s\nprintf '\\n%s:%%d:%%s\\n' \"$?\" \"$PWD\"\n",
		begin, command, end,
	)

	start := time.Now()
	if _, err := s.ptmx.Write([]byte(wrapped)); err != nil {
		return ExecResult{}, fmt.Errorf("write to pty: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.abortLocked(parser, start), nil
		case <-deadline.C:
			return s.abortLocked(parser, start), nil
		case <-tick.C:
			if parser.Feed(s.buf.ReadAndReset()) {
				frame := parser.Result()
				return ExecResult{
					Output:     frame.Output,
					ExitCode:   frame.ExitCode,
					Cwd:        frame.Cwd,
					Truncated:  frame.Truncated,
					DurationMs: time.Since(start).Milliseconds(),
				}, nil
			}
		}
	}
}

// abortLocked handles the timeout path: collect partial output, then
// kill and restart the shell so the next Execute never interleaves with
// leftovers of the stuck command.
func (s *Session) abortLocked(parser *frameParser, start time.Time) ExecResult {
	parser.Feed(s.buf.ReadAndReset())
	parser.Abort()
	frame := parser.Result()

	s.stopLocked()
	if err := s.startLocked(); err != nil {
		s.logger.Error("shell restart after timeout failed", "error", err)
	} else {
		s.logger.Warn("shell restarted after command timeout; session state reset")
	}

	return ExecResult{
		Output:     frame.Output,
		ExitCode:   frame.ExitCode,
		TimedOut:   true,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// Stop terminates the shell and releases the pty. Idempotent; safe on a
// session that never started or already stopped.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Session) stopLocked() {
	if !s.started {
		return
	}
	s.started = false

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			s.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopGrace):
			s.cmd.Process.Kill()
			<-done
		}
	}
	if s.ptmx != nil {
		s.ptmx.Close() // reader goroutine exits on read error
		s.ptmx = nil
	}
	s.cmd = nil
}

func findShell() string {
	for _, sh := range []string{"/bin/bash", "/usr/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "/bin/sh"
}
