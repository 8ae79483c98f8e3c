package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/jobs"
	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/store"
	"github.com/sells-group/scrapegen/internal/stream"
	"github.com/sells-group/scrapegen/internal/synth"
)

const sseKeepAlive = 15 * time.Second

type sessionCreator interface {
	CreateSession(ctx context.Context, req synth.NewSessionRequest) (*model.Session, error)
}

// api serves the session HTTP surface.
type api struct {
	store    store.Store
	sessions sessionCreator
	queue    jobs.Queue
	broker   *stream.Broker
	merger   *synth.Consolidator
}

func newAPI(env *appEnv, q jobs.Queue) *api {
	return &api{
		store:    env.Store,
		sessions: env.Orch,
		queue:    q,
		broker:   env.Broker,
		merger:   env.Merger,
	}
}

func (a *api) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.createSession)
		r.Get("/", a.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Get("/attempts", a.listAttempts)
			r.Get("/trace", a.listTrace)
			r.Get("/events", a.events)
			r.Get("/merge", a.mergeSession)
			r.Get("/job", a.jobStatus)
			r.Post("/job", a.enqueueJob)
			r.Delete("/job", a.cancelJob)
		})
	})
	r.Get("/targets/merge", a.mergeTarget)

	return r
}

type enqueueResponse struct {
	Session *model.Session     `json:"session"`
	Job     jobs.EnqueueResult `json:"job"`
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req synth.NewSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := a.sessions.CreateSession(r.Context(), req)
	if errors.Is(err, synth.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		serverError(w, "create session", err)
		return
	}

	res, err := a.queue.Enqueue(r.Context(), payloadFor(sess))
	if err != nil {
		// the session stays IN_PROGRESS and can be enqueued again
		zap.L().Error("api: enqueue failed", zap.String("session_id", sess.ID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "session created but not enqueued",
			"session": sess,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Session: sess, Job: res})
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:    model.SessionStatus(q.Get("status")),
		TargetURL: q.Get("url"),
		TaskKind:  model.TaskKind(q.Get("kind")),
	}
	var ok bool
	if filter.Limit, ok = intParam(q.Get("limit")); !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, ok = intParam(q.Get("offset")); !ok {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	sessions, err := a.store.ListSessions(r.Context(), filter)
	if err != nil {
		serverError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *api) listAttempts(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	attempts, err := a.store.ListAttempts(r.Context(), sess.ID)
	if err != nil {
		serverError(w, "list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (a *api) listTrace(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	recs, err := a.store.ListTrace(r.Context(), sess.ID)
	if err != nil {
		serverError(w, "list trace", err)
		return
	}
	if recs == nil {
		recs = []model.TraceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) jobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serverError(w, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// enqueueJob schedules an existing session again, resuming from its stored
// progress.
func (a *api) enqueueJob(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	if sess.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("session is %s", sess.Status))
		return
	}
	res, err := a.queue.Enqueue(r.Context(), payloadFor(sess))
	if err != nil {
		serverError(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Session: sess, Job: res})
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	err := a.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		serverError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (a *api) mergeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	res, err := a.merger.MergeAttempts(r.Context(), sess.ID)
	if err != nil {
		serverError(w, "merge attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) mergeTarget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	kind := model.TaskKind(q.Get("kind"))
	if target == "" || !kind.Valid() {
		writeError(w, http.StatusBadRequest, "url and a valid kind are required")
		return
	}
	res, ids, err := a.merger.MergeTarget(r.Context(), target, kind)
	if err != nil {
		serverError(w, "merge target", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids, "merged": res})
}

// events streams the session trace as server-sent events: stored records
// first, then live ones until the session finishes or the client leaves.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")

	// subscribe before reading state so nothing published in between is lost
	live, unsubscribe := a.broker.Subscribe(id)
	defer unsubscribe()

	sess, ok := a.loadSession(w, r)
	if !ok {
		return
	}
	past, err := a.store.ListTrace(r.Context(), id)
	if err != nil {
		serverError(w, "list trace", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seen := make(map[string]bool, len(past))
	for _, rec := range past {
		seen[rec.ID] = true
		writeEvent(w, rec)
	}
	flusher.Flush()
	if sess.Status.Terminal() {
		writeEnd(w, sess.Status)
		flusher.Flush()
		return
	}

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case rec, open := <-live:
			if !open {
				status := model.SessionStatus("")
				if s, err := a.store.GetSession(r.Context(), id); err == nil {
					status = s.Status
				}
				writeEnd(w, status)
				flusher.Flush()
				return
			}
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			writeEvent(w, rec)
			flusher.Flush()
		}
	}
}

func (a *api) loadSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	sess, err := a.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		serverError(w, "get session", err)
		return nil, false
	}
	return sess, true
}

func payloadFor(sess *model.Session) jobs.Payload {
	return jobs.Payload{SessionID: sess.ID, TargetURL: sess.TargetURL, TaskKind: sess.TaskKind}
}

func writeEvent(w http.ResponseWriter, rec model.TraceRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		zap.L().Warn("api: marshal trace record", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", rec.ID, rec.Type, data)
}

func writeEnd(w http.ResponseWriter, status model.SessionStatus) {
	fmt.Fprintf(w, "event: end\ndata: {\"status\":%q}\n\n", status)
}

func intParam(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil && n >= 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
