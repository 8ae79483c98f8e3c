// Package store persists synthesis sessions, their attempts and trace logs.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scrapegen/internal/model"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrSessionClosed is returned when updating a session that already
	// reached a terminal status.
	ErrSessionClosed = eris.New("store: session already terminal")
	// ErrDuplicateAttempt is returned when an attempt number is reused.
	ErrDuplicateAttempt = eris.New("store: duplicate attempt number")
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status    model.SessionStatus `json:"status,omitempty"`
	TargetURL string              `json:"target_url,omitempty"`
	TaskKind  model.TaskKind      `json:"task_kind,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	Offset    int                 `json:"offset,omitempty"`
}

func (f SessionFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store defines the persistence interface for synthesis sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	// UpdateSession writes every mutable column. It fails with
	// ErrSessionClosed once the stored row is terminal.
	UpdateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error)

	// Trace
	AppendTrace(ctx context.Context, rec model.TraceRecord) error
	ListTrace(ctx context.Context, sessionID string) ([]model.TraceRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
