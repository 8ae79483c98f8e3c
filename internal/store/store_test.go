package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrapegen/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newSession(url string, kind model.TaskKind) *model.Session {
	return model.NewSession(uuid.NewString(), url, kind, "America/Chicago", 3)
}

func strPtr(s string) *string { return &s }

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess := newSession("https://venue.example/events", model.TaskEventListing)
		require.NoError(t, s.CreateSession(ctx, sess))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, "https://venue.example/events", got.TargetURL)
		assert.Equal(t, model.TaskEventListing, got.TaskKind)
		assert.Equal(t, "America/Chicago", got.Timezone)
		assert.Equal(t, model.SessionInProgress, got.Status)
		assert.Equal(t, 3, got.MaxIterations)
		assert.Nil(t, got.BestCode)
		assert.Nil(t, got.BestData)
		assert.Nil(t, got.CompletedAt)
		assert.WithinDuration(t, sess.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("GetSessionNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSession(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateSessionToTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess := newSession("https://venue.example/", model.TaskVenueProfile)
		require.NoError(t, s.CreateSession(ctx, sess))

		sess.CurrentIteration = 2
		sess.BestScore = 0.75
		sess.BestCode = strPtr("async function scrapeVenueInfo(browser, url) {}")
		sess.BestData = json.RawMessage(`{"name":"The Hall"}`)
		sess.InputTokens = 1200
		sess.OutputTokens = 300
		sess.CostUSD = 0.0081
		require.NoError(t, s.UpdateSession(ctx, sess))

		now := time.Now().UTC()
		sess.Status = model.SessionSuccess
		sess.CompletedAt = &now
		require.NoError(t, s.UpdateSession(ctx, sess))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionSuccess, got.Status)
		assert.Equal(t, 2, got.CurrentIteration)
		assert.InDelta(t, 0.75, got.BestScore, 1e-9)
		require.NotNil(t, got.BestCode)
		assert.Contains(t, *got.BestCode, "scrapeVenueInfo")
		assert.JSONEq(t, `{"name":"The Hall"}`, string(got.BestData))
		assert.Equal(t, int64(1200), got.InputTokens)
		assert.InDelta(t, 0.0081, got.CostUSD, 1e-9)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, now, *got.CompletedAt, time.Second)
	})

	t.Run("UpdateTerminalSessionRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess := newSession("https://venue.example/", model.TaskVenueProfile)
		require.NoError(t, s.CreateSession(ctx, sess))
		sess.Status = model.SessionFailed
		sess.ErrorMessage = strPtr("no data extracted")
		require.NoError(t, s.UpdateSession(ctx, sess))

		sess.Status = model.SessionSuccess
		err := s.UpdateSession(ctx, sess)
		assert.ErrorIs(t, err, ErrSessionClosed)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "no data extracted", *got.ErrorMessage)
	})

	t.Run("UpdateMissingSession", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateSession(context.Background(), newSession("https://x.example/", model.TaskVenueProfile))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListSessionsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := newSession("https://a.example/", model.TaskVenueProfile)
		b := newSession("https://a.example/", model.TaskEventListing)
		c := newSession("https://c.example/", model.TaskVenueProfile)
		for i, sess := range []*model.Session{a, b, c} {
			sess.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateSession(ctx, sess))
		}
		a.Status = model.SessionSuccess
		require.NoError(t, s.UpdateSession(ctx, a))

		all, err := s.ListSessions(ctx, SessionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, c.ID, all[0].ID, "newest first")

		byURL, err := s.ListSessions(ctx, SessionFilter{TargetURL: "https://a.example/"})
		require.NoError(t, err)
		assert.Len(t, byURL, 2)

		byKind, err := s.ListSessions(ctx, SessionFilter{TargetURL: "https://a.example/", TaskKind: model.TaskVenueProfile})
		require.NoError(t, err)
		require.Len(t, byKind, 1)
		assert.Equal(t, a.ID, byKind[0].ID)

		done, err := s.ListSessions(ctx, SessionFilter{Status: model.SessionSuccess})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, a.ID, done[0].ID)

		page, err := s.ListSessions(ctx, SessionFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, b.ID, page[0].ID)
	})

	t.Run("Attempts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess := newSession("https://venue.example/", model.TaskVenueProfile)
		require.NoError(t, s.CreateSession(ctx, sess))

		failed := &model.Attempt{
			SessionID: sess.ID, AttemptNumber: 1, Code: "x", CodeHash: "h1",
			ExecStatus: model.ExecError, ExecError: strPtr("execution timed out after 30000ms"),
			DurationMs: 30000,
		}
		ok := &model.Attempt{
			SessionID: sess.ID, AttemptNumber: 2, Code: "y", CodeHash: "h2",
			ExecStatus: model.ExecSuccess, DurationMs: 420,
			Data:          json.RawMessage(`{"name":"The Hall","city":"Austin"}`),
			FieldsFound:   []string{"name", "city"},
			FieldsMissing: []string{"address", "state"},
			Score:         2.0 / 12, DocumentSnapshot: "<html>",
		}
		require.NoError(t, s.CreateAttempt(ctx, ok))
		require.NoError(t, s.CreateAttempt(ctx, failed))
		assert.NotZero(t, ok.ID)

		dup := &model.Attempt{SessionID: sess.ID, AttemptNumber: 2, Code: "z", CodeHash: "h3", ExecStatus: model.ExecSuccess}
		assert.ErrorIs(t, s.CreateAttempt(ctx, dup), ErrDuplicateAttempt)

		got, err := s.ListAttempts(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].AttemptNumber)
		assert.Equal(t, model.ExecError, got[0].ExecStatus)
		require.NotNil(t, got[0].ExecError)
		assert.Contains(t, *got[0].ExecError, "timed out")
		assert.Nil(t, got[0].Data)
		assert.Empty(t, got[0].FieldsFound)

		assert.Equal(t, 2, got[1].AttemptNumber)
		assert.JSONEq(t, `{"name":"The Hall","city":"Austin"}`, string(got[1].Data))
		assert.Equal(t, []string{"name", "city"}, got[1].FieldsFound)
		assert.Equal(t, []string{"address", "state"}, got[1].FieldsMissing)
		assert.InDelta(t, 2.0/12, got[1].Score, 1e-9)
		assert.Equal(t, "<html>", got[1].DocumentSnapshot)
	})

	t.Run("Trace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess := newSession("https://venue.example/", model.TaskVenueProfile)
		require.NoError(t, s.CreateSession(ctx, sess))

		base := time.Now().UTC()
		recs := []model.TraceRecord{
			{ID: uuid.NewString(), SessionID: sess.ID, Type: model.TraceAnalysis, Message: "fetched page", CreatedAt: base},
			{ID: uuid.NewString(), SessionID: sess.ID, Iteration: 1, Type: model.TraceGeneration, Message: "generated code",
				Detail: json.RawMessage(`{"chars":512}`), CreatedAt: base.Add(time.Millisecond)},
			{ID: uuid.NewString(), SessionID: sess.ID, Iteration: 1, Type: model.TraceSuccess, Message: "done", CreatedAt: base.Add(2 * time.Millisecond)},
		}
		for _, r := range recs {
			require.NoError(t, s.AppendTrace(ctx, r))
		}

		got, err := s.ListTrace(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, model.TraceAnalysis, got[0].Type)
		assert.Equal(t, model.TraceGeneration, got[1].Type)
		assert.JSONEq(t, `{"chars":512}`, string(got[1].Detail))
		assert.Equal(t, 1, got[1].Iteration)
		assert.Equal(t, model.TraceSuccess, got[2].Type)
		assert.Nil(t, got[0].Detail)

		empty, err := s.ListTrace(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}
