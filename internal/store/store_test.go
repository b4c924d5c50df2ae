package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:           id,
		RuntimeType:  "local",
		Image:        "kapsel-runtime:base",
		WorkspaceDir: "/var/kapsel/" + id,
		Status:       StatusRunning,
		Cwd:          "/workspace",
		CreatedAt:    now,
		ExpiresAt:    now.Add(30 * time.Minute),
		LastActivity: now,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("s1")
	require.NoError(t, s.CreateSession(sess))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.RuntimeType, got.RuntimeType)
	assert.Equal(t, sess.WorkspaceDir, got.WorkspaceDir)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "/workspace", got.Cwd)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSession(testSession("dup")))
	assert.Error(t, s.CreateSession(testSession("dup")))
}

func TestUpdateSessionActivity(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSession(testSession("s1")))

	newExpiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpdateSessionActivity("s1", "/workspace/sub", newExpiry))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/sub", got.Cwd)
	assert.WithinDuration(t, newExpiry, got.ExpiresAt, time.Second)

	assert.ErrorIs(t, s.UpdateSessionActivity("ghost", "/", newExpiry), ErrNotFound)
}

func TestUpdateSessionStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSession(testSession("s1")))
	require.NoError(t, s.UpdateSessionStatus("s1", StatusStopped))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestUpdateSessionContainer(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSession(testSession("s1")))
	require.NoError(t, s.UpdateSessionContainer("s1", "cid-42"))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "cid-42", got.ContainerID)
}

func TestListRunningAndExpired(t *testing.T) {
	s := newTestStore(t)

	running := testSession("running")
	require.NoError(t, s.CreateSession(running))

	expired := testSession("expired")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateSession(expired))

	stopped := testSession("stopped")
	stopped.Status = StatusStopped
	stopped.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateSession(stopped))

	got, err := s.ListRunningSessions()
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListExpiredSessions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "expired", got[0].ID)
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSession(testSession("s1")))
	require.NoError(t, s.DeleteSession("s1"))

	_, err := s.GetSession("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession("s1"), ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	s, err := New(dbPath, 0)
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(testSession("keep")))
	require.NoError(t, s.Close())

	s2, err := New(dbPath, 0)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetSession("keep")
	require.NoError(t, err)
	assert.Equal(t, "keep", got.ID)
}
