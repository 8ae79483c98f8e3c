package synth

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/merge"
	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/store"
)

// maxMergeSessions bounds how many finished sessions a target merge reads.
const maxMergeSessions = 50

// ConsolidateStore is the read side a Consolidator needs.
type ConsolidateStore interface {
	ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
}

// Consolidator merges extracted payloads from several runs into one record
// with per-field provenance.
type Consolidator struct {
	store ConsolidateStore
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(s ConsolidateStore) *Consolidator {
	return &Consolidator{store: s}
}

// MergeAttempts merges the data of every successful attempt of a session.
// Provenance refers to attempt numbers.
func (c *Consolidator) MergeAttempts(ctx context.Context, sessionID string) (merge.Result, error) {
	attempts, err := c.store.ListAttempts(ctx, sessionID)
	if err != nil {
		return merge.Result{}, eris.Wrapf(err, "synth: list attempts for %s", sessionID)
	}
	var inputs []merge.Input
	for _, a := range attempts {
		if a.ExecStatus != model.ExecSuccess || len(a.Data) == 0 {
			continue
		}
		if in, ok := decodeInput(a.AttemptNumber, a.Data); ok {
			inputs = append(inputs, in)
		}
	}
	return merge.Merge(inputs), nil
}

// MergeTarget merges the best data of the successful sessions for one
// target URL and task kind. Sessions are numbered from oldest (1) to newest,
// and provenance refers to that numbering.
func (c *Consolidator) MergeTarget(ctx context.Context, targetURL string, kind model.TaskKind) (merge.Result, []string, error) {
	sessions, err := c.store.ListSessions(ctx, store.SessionFilter{
		Status:    model.SessionSuccess,
		TargetURL: targetURL,
		TaskKind:  kind,
		Limit:     maxMergeSessions,
	})
	if err != nil {
		return merge.Result{}, nil, eris.Wrapf(err, "synth: list sessions for %s", targetURL)
	}

	// ListSessions returns newest first.
	var (
		inputs []merge.Input
		ids    []string
	)
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		if len(s.BestData) == 0 {
			continue
		}
		in, ok := decodeInput(len(ids)+1, s.BestData)
		if !ok {
			continue
		}
		inputs = append(inputs, in)
		ids = append(ids, s.ID)
	}
	return merge.Merge(inputs), ids, nil
}

func decodeInput(n int, raw json.RawMessage) (merge.Input, bool) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		zap.L().Warn("synth: skipping undecodable payload", zap.Int("number", n), zap.Error(err))
		return merge.Input{}, false
	}
	return merge.FromPayload(n, data), true
}
