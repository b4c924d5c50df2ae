package reaper

import (
	"context"

	"github.com/t-brandt/kapsel/internal/store"
)

type ReaperStore interface {
	ListExpiredSessions() ([]*store.Session, error)
	UpdateSessionStatus(id string, status string) error
}

type RuntimeStopper interface {
	StopRuntime(ctx context.Context, sessionID string) error
}
