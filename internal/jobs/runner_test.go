package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/store"
)

func TestRunner_RunPassesProgress(t *testing.T) {
	sessions := newMemSessions("s1")
	r := NewRunner(&scriptedRunner{store: sessions}, sessions, nil)

	var got []model.Progress
	err := r.Run(context.Background(), Payload{SessionID: "s1"}, func(p model.Progress) { got = append(got, p) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.StageGenerating, got[0].Stage)
	assert.Equal(t, model.SessionSuccess, sessions.get("s1").Status)
}

func TestRunner_RunWrapsError(t *testing.T) {
	sessions := newMemSessions("s1")
	r := NewRunner(&scriptedRunner{store: sessions, errs: []error{errors.New("db down")}}, sessions, nil)

	err := r.Run(context.Background(), Payload{SessionID: "s1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.False(t, Permanent(err))
}

func TestPermanent(t *testing.T) {
	assert.True(t, Permanent(store.ErrNotFound))
	assert.True(t, Permanent(store.ErrSessionClosed))
	assert.False(t, Permanent(context.DeadlineExceeded))
}

func TestRunner_Fail(t *testing.T) {
	sessions := newMemSessions("s1")
	sink := &recordingSink{}
	r := NewRunner(nil, sessions, sink)
	ctx := context.Background()

	require.NoError(t, r.Fail(ctx, "s1", "provider exhausted"))
	sess := sessions.get("s1")
	assert.Equal(t, model.SessionFailed, sess.Status)
	require.NotNil(t, sess.ErrorMessage)
	assert.Equal(t, "provider exhausted", *sess.ErrorMessage)
	assert.NotNil(t, sess.CompletedAt)

	require.Len(t, sink.records, 1)
	assert.Equal(t, model.TraceFailure, sink.records[0].Type)
	assert.Equal(t, []string{"s1"}, sink.finished)

	// Already terminal and missing sessions are left alone.
	require.NoError(t, r.Fail(ctx, "s1", "again"))
	assert.Equal(t, "provider exhausted", *sessions.get("s1").ErrorMessage)
	require.NoError(t, r.Fail(ctx, "missing", "x"))
	assert.Len(t, sink.records, 1)
}
