// Package manager owns the runtime lifecycle: it creates at most one
// Runtime per session, dispatches on the configured runtime type, records
// sessions in the store and serializes action execution per session.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/t-brandt/kapsel/config"
	"github.com/t-brandt/kapsel/internal/store"
	"github.com/t-brandt/kapsel/protocol"
	"github.com/t-brandt/kapsel/runtime"
	"github.com/t-brandt/kapsel/runtime/docker"
	"github.com/t-brandt/kapsel/runtime/local"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

type Manager struct {
	cfg    *config.Config
	store  SessionStore
	logger *slog.Logger

	mu       sync.Mutex
	runtimes map[string]runtime.Runtime

	// Per-session mutexes to serialize action execution.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func New(cfg *config.Config, st SessionStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		runtimes: make(map[string]runtime.Runtime),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeSessionLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// CreateRuntime provisions a runtime for the session and records it. An
// empty sessionID generates one. The session id is the only key: a
// second create for the same id fails with ErrSessionExists.
func (m *Manager) CreateRuntime(ctx context.Context, sessionID string) (*store.Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()[:12]
	}

	m.mu.Lock()
	if _, ok := m.runtimes[sessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	// Reserve the slot so concurrent creates for the same id fail fast;
	// the container start below runs outside the lock.
	m.runtimes[sessionID] = nil
	m.mu.Unlock()

	workspaceDir := filepath.Join(m.cfg.WorkspaceDir, sessionID)

	rt, err := m.newRuntime(sessionID, workspaceDir)
	if err != nil {
		m.release(sessionID)
		return nil, err
	}

	if err := rt.Start(ctx); err != nil {
		m.release(sessionID)
		return nil, fmt.Errorf("starting runtime: %w", err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           sessionID,
		RuntimeType:  m.cfg.RuntimeType,
		Image:        m.cfg.Image,
		ContainerID:  containerIDOf(rt),
		WorkspaceDir: workspaceDir,
		Status:       store.StatusRunning,
		Cwd:          "/workspace",
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl()),
		LastActivity: now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		rt.Stop(ctx)
		m.release(sessionID)
		return nil, fmt.Errorf("recording session: %w", err)
	}

	m.mu.Lock()
	m.runtimes[sessionID] = rt
	m.mu.Unlock()

	m.logger.Info("runtime created",
		"session_id", sessionID, "runtime_type", m.cfg.RuntimeType, "workspace", workspaceDir)
	return sess, nil
}

// newRuntime is the single place runtime types are dispatched.
func (m *Manager) newRuntime(sessionID, workspaceDir string) (runtime.Runtime, error) {
	switch m.cfg.RuntimeType {
	case config.RuntimeLocal:
		return local.New(sessionID, workspaceDir, m.cfg, m.logger), nil
	case config.RuntimeDocker:
		return docker.New(sessionID, workspaceDir, m.cfg, m.logger)
	default:
		return nil, fmt.Errorf("unknown runtime type: %q", m.cfg.RuntimeType)
	}
}

// GetRuntime returns the live runtime for a session.
func (m *Manager) GetRuntime(sessionID string) (runtime.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	if !ok || rt == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return rt, nil
}

// ExecuteAction runs one Action against the session's runtime. Failures
// of any kind come back as an Observation; callers never branch on an
// error. Execution is serialized per session and every completed action
// extends the session lease.
func (m *Manager) ExecuteAction(ctx context.Context, sessionID string, act protocol.Action) protocol.Observation {
	rt, err := m.GetRuntime(sessionID)
	if err != nil {
		return protocol.NewErrorObservation(err.Error())
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return protocol.NewErrorObservation(err.Error())
	}
	if sess.Status != store.StatusRunning {
		return protocol.NewErrorObservation(fmt.Sprintf("session not running: %s (status=%s)", sessionID, sess.Status))
	}
	if time.Now().After(sess.ExpiresAt) {
		return protocol.NewErrorObservation(fmt.Sprintf("session expired: %s", sessionID))
	}

	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	obs := rt.ExecuteAction(ctx, act)

	cwd := obs.Cwd
	if cwd == "" {
		cwd = sess.Cwd
	}
	if err := m.store.UpdateSessionActivity(sessionID, cwd, time.Now().UTC().Add(m.ttl())); err != nil {
		m.logger.Warn("updating session activity", "session_id", sessionID, "error", err)
	}

	return obs
}

// StopRuntime stops the session's runtime and marks the session stopped.
// Unknown sessions are a no-op.
func (m *Manager) StopRuntime(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	delete(m.runtimes, sessionID)
	m.mu.Unlock()
	if !ok || rt == nil {
		return nil
	}

	if err := rt.Stop(ctx); err != nil {
		m.logger.Error("stopping runtime", "session_id", sessionID, "error", err)
	}
	if err := m.store.UpdateSessionStatus(sessionID, store.StatusStopped); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("marking session stopped", "session_id", sessionID, "error", err)
	}
	m.removeSessionLock(sessionID)
	m.logger.Info("runtime stopped", "session_id", sessionID)
	return nil
}

// DestroyRuntime stops the runtime, deletes the session row and removes
// the workspace directory.
func (m *Manager) DestroyRuntime(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return err
	}

	if err := m.StopRuntime(ctx, sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(sess.WorkspaceDir); err != nil {
		m.logger.Warn("removing workspace", "session_id", sessionID, "error", err)
	}
	if err := m.store.DeleteSession(sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.logger.Info("runtime destroyed", "session_id", sessionID)
	return nil
}

// CleanupAll stops every live runtime. Called on daemon shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopRuntime(ctx, id); err != nil {
			m.logger.Error("cleanup: stopping runtime", "session_id", id, "error", err)
		}
	}
}

// Get returns the stored session row.
func (m *Manager) Get(sessionID string) (*store.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

// List returns all stored sessions, newest first.
func (m *Manager) List() ([]*store.Session, error) {
	return m.store.ListSessions()
}

// MarkStale flags sessions recorded as running whose runtimes did not
// survive a daemon restart. Called once on startup before the reaper.
func (m *Manager) MarkStale() {
	sessions, err := m.store.ListSessions()
	if err != nil {
		m.logger.Error("startup: listing sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.Status != store.StatusRunning {
			continue
		}
		m.mu.Lock()
		_, live := m.runtimes[sess.ID]
		m.mu.Unlock()
		if live {
			continue
		}
		if err := m.store.UpdateSessionStatus(sess.ID, store.StatusStopped); err != nil {
			m.logger.Warn("startup: marking stale session", "session_id", sess.ID, "error", err)
			continue
		}
		m.logger.Info("marked stale session stopped", "session_id", sess.ID)
	}
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()
}

func (m *Manager) ttl() time.Duration {
	return time.Duration(m.cfg.SessionTTLSeconds) * time.Second
}

// containerIDOf extracts the backing container id when the runtime has
// one.
func containerIDOf(rt runtime.Runtime) string {
	type containerBacked interface{ ContainerID() string }
	if cb, ok := rt.(containerBacked); ok {
		return cb.ContainerID()
	}
	return ""
}
