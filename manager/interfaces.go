package manager

import (
	"time"

	"github.com/t-brandt/kapsel/internal/store"
)

type SessionStore interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	ListSessions() ([]*store.Session, error)
	UpdateSessionActivity(id string, cwd string, expiresAt time.Time) error
	UpdateSessionStatus(id string, status string) error
	DeleteSession(id string) error
}
