package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/store"
	"github.com/sells-group/scrapegen/internal/synth"
)

// SessionRunner drives one session to a terminal status.
type SessionRunner interface {
	Run(ctx context.Context, sessionID string, opts ...synth.RunOption) (*model.Session, error)
}

// SessionStore is the persistence the runner needs to fail a session.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
}

// Runner is the queue-independent job body shared by every Queue.
type Runner struct {
	orch  SessionRunner
	store SessionStore
	trace synth.TraceSink
}

// NewRunner creates a Runner. trace may be nil.
func NewRunner(orch SessionRunner, s SessionStore, trace synth.TraceSink) *Runner {
	return &Runner{orch: orch, store: s, trace: trace}
}

// Run executes one job attempt. A returned error is retried by the queue
// unless Permanent reports otherwise.
func (r *Runner) Run(ctx context.Context, p Payload, progress synth.ProgressFunc) error {
	sess, err := r.orch.Run(ctx, p.SessionID, synth.WithProgress(progress))
	if err != nil {
		return eris.Wrapf(err, "jobs: run session %s", p.SessionID)
	}
	zap.L().Debug("jobs: session run finished",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
	)
	return nil
}

// Permanent reports whether retrying err cannot help.
func Permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrSessionClosed)
}

// Fail marks the session FAILED with reason. Sessions that are missing or
// already terminal are left alone.
func (r *Runner) Fail(ctx context.Context, sessionID, reason string) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "jobs: load session %s", sessionID)
	}
	if sess.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	sess.Status = model.SessionFailed
	sess.ErrorMessage = &reason
	sess.CompletedAt = &now
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrSessionClosed) {
			return nil
		}
		return eris.Wrapf(err, "jobs: fail session %s", sessionID)
	}

	zap.L().Warn("jobs: session marked failed",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	if r.trace != nil {
		detail, _ := json.Marshal(map[string]any{"final": true, "source": "queue"})
		r.trace.Emit(model.TraceRecord{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Iteration: sess.CurrentIteration,
			Type:      model.TraceFailure,
			Message:   "Session failed: " + reason,
			Detail:    detail,
			CreatedAt: now,
		})
		r.trace.Finish(sessionID)
	}
	return nil
}
