package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/store"
	"github.com/sells-group/scrapegen/internal/synth"
)

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessions(ids ...string) *memSessions {
	m := &memSessions{sessions: map[string]*model.Session{}}
	for _, id := range ids {
		m.sessions[id] = model.NewSession(id, "https://venue.example/", model.TaskVenueProfile, "UTC", 3)
	}
	return m
}

func (m *memSessions) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) UpdateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status.Terminal() {
		return store.ErrSessionClosed
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) get(id string) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

// scriptedRunner returns errs in order, then finishes the session.
type scriptedRunner struct {
	store *memSessions
	errs  []error
	block bool
	calls atomic.Int32
}

func (r *scriptedRunner) Run(ctx context.Context, id string, opts ...synth.RunOption) (*model.Session, error) {
	n := int(r.calls.Add(1))
	reportProgress(opts, model.Progress{Stage: model.StageGenerating, Iteration: 1, MaxIterations: 3})

	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(r.errs) {
		return nil, r.errs[n-1]
	}
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess.Status = model.SessionSuccess
	sess.CompletedAt = &now
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func reportProgress(opts []synth.RunOption, p model.Progress) {
	if fn := synth.ApplyRunOptions(opts...).Progress; fn != nil {
		fn(p)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	records  []model.TraceRecord
	finished []string
}

func (s *recordingSink) Emit(rec model.TraceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) Finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, id)
}
