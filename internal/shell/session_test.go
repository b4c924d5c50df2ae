package shell

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewSession(t.TempDir(), nil, logger)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestExitCodeFidelity(t *testing.T) {
	s := newTestSession(t)

	cases := []struct {
		command string
		want    int
	}{
		{"true", 0},
		{"false", 1},
		{"exit_code_test() { return 42; }; exit_code_test", 42},
	}
	for _, tc := range cases {
		res, err := s.Execute(context.Background(), tc.command, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.ExitCode, "command %q", tc.command)
	}
}

func TestStatePersistsAcrossCommands(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, err := s.Execute(ctx, "cd /tmp", 10*time.Second)
	require.NoError(t, err)

	res, err := s.Execute(ctx, "pwd", 10*time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "/tmp")
	assert.Equal(t, "/tmp", res.Cwd)

	_, err = s.Execute(ctx, "export KAPSEL_TEST_VAR=persisted", 10*time.Second)
	require.NoError(t, err)

	res, err = s.Execute(ctx, "echo $KAPSEL_TEST_VAR", 10*time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "persisted")
}

func TestOutputIsolationBetweenCommands(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	res, err := s.Execute(ctx, "echo AAA", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AAA", strings.TrimSpace(res.Output))

	res, err = s.Execute(ctx, "echo BBB", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "BBB", strings.TrimSpace(res.Output))
	assert.NotContains(t, res.Output, "AAA")
}

func TestExecuteTimeoutReturnsPromptly(t *testing.T) {
	s := newTestSession(t)

	start := time.Now()
	res, err := s.Execute(context.Background(), "sleep 10", 1*time.Second)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not wait for the command")
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)

	// The shell was restarted: the session stays usable and the stuck
	// command's leftovers never reach the next result.
	res, err = s.Execute(context.Background(), "echo recovered", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "recovered", strings.TrimSpace(res.Output))
}

func TestTimeoutPartialOutput(t *testing.T) {
	s := newTestSession(t)

	res, err := s.Execute(context.Background(), "echo before; sleep 10; echo after", 1*time.Second)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Output, "before")
	assert.NotContains(t, res.Output, "after")
}

func TestStartWaitsForSlowShellInit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// A home directory whose rc files stall and print noise: Start must
	// not return until the shell worked through them, and none of the
	// noise may leak into the first command's result.
	home := t.TempDir()
	rc := []byte("sleep 1\necho rc-noise\n")
	require.NoError(t, os.WriteFile(filepath.Join(home, ".bash_profile"), rc, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".profile"), rc, 0o644))

	s := NewSession(t.TempDir(), map[string]string{"HOME": home}, logger)
	require.NoError(t, s.Start())
	defer s.Stop()

	res, err := s.Execute(context.Background(), "echo first-command", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "first-command", strings.TrimSpace(res.Output))
	assert.NotContains(t, res.Output, "rc-noise")
}

func TestStartIdempotent(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	res, err := s.Execute(context.Background(), "echo still-alive", 10*time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "still-alive")
}

func TestStopIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewSession(t.TempDir(), nil, logger)

	// Stop before start is a no-op.
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, err := s.Execute(context.Background(), "echo nope", time.Second)
	assert.Error(t, err)
}

func TestExecuteBeforeStartFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewSession(t.TempDir(), nil, logger)

	_, err := s.Execute(context.Background(), "echo nope", time.Second)
	assert.Error(t, err)
}

func TestWorkdirIsInitialCwd(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	dir := t.TempDir()
	s := NewSession(dir, nil, logger)
	require.NoError(t, s.Start())
	defer s.Stop()

	res, err := s.Execute(context.Background(), "pwd", 10*time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, dir)
}

func TestExtraEnvExported(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := NewSession(t.TempDir(), map[string]string{"KAPSEL_INJECTED": "yes"}, logger)
	require.NoError(t, s.Start())
	defer s.Stop()

	res, err := s.Execute(context.Background(), "echo $KAPSEL_INJECTED", 10*time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "yes")
}
