package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrapegen/internal/cost"
	"github.com/sells-group/scrapegen/internal/llm"
	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/safety"
	"github.com/sells-group/scrapegen/internal/sandbox"
	"github.com/sells-group/scrapegen/internal/store"
)

const listingHTML = `<html><head><title>The Blue Room</title></head><body>
<h1 class="name">The Blue Room</h1>
<div class="addr"><span class="street">12 Main St</span>, <span class="city">Austin</span>, <span class="state">TX</span></div>
<a class="phone" href="tel:5125550100">512-555-0100</a>
<ul class="events"><li><a href="/events/1">Jazz Night</a></li></ul>
<script>var tracking = 1;</script>
</body></html>`

const venueCode = `async function scrapeVenueInfo(browser, url) {
  const page = await browser.newPage();
  try {
    await page.goto(url);
    const $ = cheerio.load(await page.content());
    return {
      name: $('h1.name').text().trim(),
      address: $('.street').text(),
      city: $('.city').text(),
      state: $('.state').text(),
      phone: $('a.phone').attr('href').replace('tel:', ''),
    };
  } finally {
    await page.close();
  }
}`

const eventsCode = `async function scrapeEvents(browser, url, timezone) {
  const page = await browser.newPage();
  try {
    await page.goto(url);
    const $ = cheerio.load(await page.content());
    const events = [];
    $('.events li').each((i, el) => {
      events.push({ title: $(el).find('a').text().trim(), eventUrl: $(el).find('a').attr('href') });
    });
    return events;
  } finally {
    await page.close();
  }
}`

const unsafeCode = `async function scrapeVenueInfo(browser, url) {
  const fs = require('fs');
  return { name: fs.readFileSync('/etc/hostname', 'utf8') };
}`

func fenced(code string) string {
	return "Here is the extractor:\n```javascript\n" + code + "\n```\n"
}

type fakeProvider struct {
	mu       sync.Mutex
	replies  []any // string or error; the last reply repeats
	requests []llm.Request
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	reply := f.replies[min(len(f.requests), len(f.replies))-1]
	if err, ok := reply.(error); ok {
		return nil, err
	}
	return &llm.Completion{
		Text:  reply.(string),
		Model: "claude-sonnet-4-5-20250929",
		Usage: cost.Usage{InputTokens: 1000, OutputTokens: 200},
	}, nil
}

func (f *fakeProvider) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.User
	}
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	results []sandbox.Result // the last result repeats
	calls   []sandbox.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) sandbox.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.results[min(len(f.calls), len(f.results))-1]
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	err   error
	calls []string
}

func (f *fakeFetcher) Scrape(_ context.Context, u string) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	if f.err != nil {
		return nil, f.err
	}
	html, ok := f.pages[u]
	if !ok {
		html = listingHTML
	}
	return &model.Document{URL: u, Title: "The Blue Room", HTML: html, StatusCode: 200, Source: "local_http"}, nil
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

func (s *recordingSink) types() []model.TraceType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TraceType
	for _, r := range s.records {
		out = append(out, r.Type)
	}
	return out
}

type harness struct {
	store    store.Store
	provider *fakeProvider
	executor *fakeExecutor
	fetcher  *fakeFetcher
	sink     *recordingSink
	orch     *Orchestrator
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, replies []any, results []sandbox.Result, opts ...harnessOption) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "synth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		store:    st,
		provider: &fakeProvider{replies: replies},
		executor: &fakeExecutor{results: results},
		fetcher:  &fakeFetcher{},
		sink:     &recordingSink{},
	}
	deps := Deps{
		Store:     st,
		Provider:  h.provider,
		Validator: safety.New(safety.Config{}),
		Executor:  h.executor,
		Fetcher:   h.fetcher,
		Trace:     h.sink,
	}
	cfg := Config{MaxIterations: 3, Temperature: 0.2}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	h.orch = New(deps, cfg)
	return h
}

func (h *harness) session(t *testing.T, kind model.TaskKind) *model.Session {
	t.Helper()
	sess, err := h.orch.CreateSession(context.Background(), NewSessionRequest{
		TargetURL: "https://venue.example/events",
		TaskKind:  kind,
		Timezone:  "America/Chicago",
	})
	require.NoError(t, err)
	return sess
}

func (h *harness) attempts(t *testing.T, id string) []model.Attempt {
	t.Helper()
	out, err := h.store.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	return out
}

// okResult builds a successful sandbox result whose Data has the decoded
// JSON shape the real executor produces.
func okResult(t *testing.T, v any) sandbox.Result {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var data any
	require.NoError(t, json.Unmarshal(raw, &data))
	return sandbox.Result{Success: true, Data: data, Raw: raw, DurationMs: 12}
}

func upcoming(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Truncate(time.Hour).Format(time.RFC3339)
}

func TestRun_VenueEndToEnd(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, nil, func(d *Deps, _ *Config) {
		d.Executor = sandbox.New(&fakeFetcher{}, sandbox.Config{AllowPrivateNetworks: true})
	})
	sess := h.session(t, model.TaskVenueProfile)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionSuccess, got.Status)
	assert.Equal(t, 1, got.CurrentIteration)
	assert.InDelta(t, 5.0/12.0, got.BestScore, 1e-9)
	require.NotNil(t, got.BestCode)
	assert.Equal(t, venueCode, *got.BestCode)
	assert.JSONEq(t, `{"name":"The Blue Room","address":"12 Main St","city":"Austin","state":"TX","phone":"5125550100"}`, string(got.BestData))
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, int64(1000), got.InputTokens)
	assert.Equal(t, int64(200), got.OutputTokens)
	assert.Greater(t, got.CostUSD, 0.0)

	stored, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuccess, stored.Status)

	attempts := h.attempts(t, sess.ID)
	require.Len(t, attempts, 1)
	a := attempts[0]
	assert.Equal(t, 1, a.AttemptNumber)
	assert.Equal(t, model.ExecSuccess, a.ExecStatus)
	assert.Equal(t, codeHash(venueCode), a.CodeHash)
	assert.ElementsMatch(t, []string{"name", "address", "city", "state", "phone"}, a.FieldsFound)
	assert.Contains(t, a.DocumentSnapshot, "The Blue Room")

	assert.Equal(t, []model.TraceType{
		model.TraceAnalysis, model.TracePlanning, model.TraceGeneration,
		model.TraceExecution, model.TraceEvaluation, model.TraceSuccess,
	}, h.sink.types())
	assert.Equal(t, []string{sess.ID}, h.sink.finished)

	prompt := h.provider.prompts()[0]
	assert.Contains(t, prompt, "scrapeVenueInfo(browser, url)")
	assert.Contains(t, prompt, "- name (string, required)")
	assert.NotContains(t, prompt, "tracking")
	assert.Equal(t, 0.2, h.provider.requests[0].Temperature)
	assert.Equal(t, systemPrompt, h.provider.requests[0].System)
}

func TestRun_ExhaustsIterationsKeepingBest(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, []sandbox.Result{
		okResult(t, map[string]any{"name": "The Blue Room"}),
		okResult(t, map[string]any{"name": "The Blue Room", "phone": "512"}),
		okResult(t, map[string]any{"phone": "512"}),
	})
	sess := h.session(t, model.TaskVenueProfile)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionSuccess, got.Status)
	assert.Equal(t, 3, got.CurrentIteration)
	assert.InDelta(t, 2.0/12.0, got.BestScore, 1e-9)
	assert.JSONEq(t, `{"name":"The Blue Room","phone":"512"}`, string(got.BestData))

	attempts := h.attempts(t, sess.ID)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}

	prompts := h.provider.prompts()
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "Best code so far")
	assert.Contains(t, prompts[1], "Best code so far")
	assert.Contains(t, prompts[1], "Missing REQUIRED fields: address, city, state")
}

func TestRun_ProviderFailureConsumesIteration(t *testing.T) {
	h := newHarness(t, []any{errors.New("overloaded"), fenced(venueCode)}, []sandbox.Result{
		okResult(t, map[string]any{"name": "A", "address": "1 St", "city": "B", "state": "TX"}),
	})
	sess := h.session(t, model.TaskVenueProfile)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionSuccess, got.Status)
	assert.Equal(t, 2, got.CurrentIteration)
	attempts := h.attempts(t, sess.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Contains(t, h.sink.types(), model.TraceFailure)
}

func TestRun_ValidationFailuresEndFailedWithFallbackCode(t *testing.T) {
	h := newHarness(t, []any{fenced(unsafeCode)}, nil)
	sess := h.session(t, model.TaskVenueProfile)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Equal(t, 3, got.CurrentIteration)
	require.NotNil(t, got.BestCode)
	assert.Equal(t, unsafeCode, *got.BestCode)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no attempt executed successfully")
	assert.Empty(t, h.attempts(t, sess.ID))
	assert.Empty(t, h.executor.calls)

	prompts := h.provider.prompts()
	assert.Contains(t, prompts[1], "Validation failed")
	assert.Contains(t, prompts[1], safety.CodeModuleImport)
}

func TestRun_ImprovementFeedbackUsesExecutedCode(t *testing.T) {
	h := newHarness(t, []any{fenced(unsafeCode), fenced(venueCode)}, []sandbox.Result{
		okResult(t, map[string]any{}),
	})
	sess := h.session(t, model.TaskVenueProfile)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "no data extracted", *got.ErrorMessage)
	require.NotNil(t, got.BestCode)
	assert.Equal(t, venueCode, *got.BestCode)

	prompts := h.provider.prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[1], "Validation failed")
	assert.Contains(t, prompts[2], "Best code so far")
	assert.Contains(t, prompts[2], "$('h1.name')")
	assert.NotContains(t, prompts[2], "require('fs')")
}

func TestRun_ExecutionErrorsEndFailed(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, []sandbox.Result{
		{Error: "TypeError: Cannot read properties of undefined (reading 'replace')", DurationMs: 4},
	})
	sess := h.session(t, model.TaskVenueProfile)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "TypeError")

	attempts := h.attempts(t, sess.ID)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, model.ExecError, a.ExecStatus)
		require.NotNil(t, a.ExecError)
		assert.Len(t, a.FieldsMissing, 12)
	}
	assert.Contains(t, h.provider.prompts()[1], "Execution failed: TypeError")
}

func TestRun_NoDataEndsFailed(t *testing.T) {
	h := newHarness(t, []any{fenced(eventsCode)}, []sandbox.Result{okResult(t, []any{})})
	sess := h.session(t, model.TaskEventListing)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "no data extracted", *got.ErrorMessage)
	assert.Len(t, h.attempts(t, sess.ID), 3)
	assert.Contains(t, h.provider.prompts()[1], "No data was extracted")
}

func TestRun_EventDetailEnrichment(t *testing.T) {
	h := newHarness(t, []any{fenced(eventsCode)}, []sandbox.Result{
		okResult(t, []any{map[string]any{"title": "Jazz Night", "eventUrl": "/events/1"}}),
		okResult(t, []any{map[string]any{
			"title": "Jazz Night", "date": upcoming(14), "startTime": "19:00",
			"price": "$15", "eventUrl": "https://venue.example/events/1",
		}}),
	}, func(_ *Deps, c *Config) { c.DetailPages = true })
	h.fetcher.pages = map[string]string{
		"https://venue.example/events/1": "<html><body><h1>Jazz Night</h1><p class=\"price\">$15</p></body></html>",
	}
	sess := h.session(t, model.TaskEventListing)

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionSuccess, got.Status)
	assert.Equal(t, 2, got.CurrentIteration)
	assert.Equal(t, []string{"https://venue.example/events", "https://venue.example/events/1"}, h.fetcher.calls)

	prompts := h.provider.prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "<detail>")
	assert.Contains(t, prompts[1], "<detail>")
	assert.Contains(t, prompts[1], `<p class="price">$15</p>`)
	assert.Equal(t, "America/Chicago", h.executor.calls[0].Timezone)
}

func TestRun_DetailPagesDisabled(t *testing.T) {
	h := newHarness(t, []any{fenced(eventsCode)}, []sandbox.Result{
		okResult(t, []any{map[string]any{"title": "Jazz Night", "eventUrl": "/events/1"}}),
	})
	sess := h.session(t, model.TaskEventListing)

	_, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://venue.example/events"}, h.fetcher.calls)
}

func TestRun_TerminalSessionReturnedUnchanged(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, nil)
	sess := h.session(t, model.TaskVenueProfile)
	now := time.Now().UTC()
	sess.Status = model.SessionFailed
	sess.CompletedAt = &now
	require.NoError(t, h.store.UpdateSession(context.Background(), sess))

	got, err := h.orch.Run(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)
	assert.Empty(t, h.provider.requests)
	assert.Empty(t, h.fetcher.calls)
}

func TestRun_FetchErrorIsReturned(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, nil)
	h.fetcher.err = errors.New("connection refused")
	sess := h.session(t, model.TaskVenueProfile)

	_, err := h.orch.Run(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	stored, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionInProgress, stored.Status)
	assert.Equal(t, 0, stored.CurrentIteration)
	assert.Empty(t, h.provider.requests)
}

func TestRun_UnknownSession(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, nil)
	_, err := h.orch.Run(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, nil)
	sess := h.session(t, model.TaskVenueProfile)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.Run(ctx, sess.ID)
	require.Error(t, err)
}

func TestRun_ResumesAfterStoredProgress(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, []sandbox.Result{
		okResult(t, map[string]any{"name": "A", "address": "1 St", "city": "B", "state": "TX"}),
	})
	sess := h.session(t, model.TaskVenueProfile)
	ctx := context.Background()

	sess.CurrentIteration = 2
	require.NoError(t, h.store.UpdateSession(ctx, sess))
	errText := "boom"
	require.NoError(t, h.store.CreateAttempt(ctx, &model.Attempt{
		SessionID: sess.ID, AttemptNumber: 1, Code: venueCode, CodeHash: codeHash(venueCode),
		ExecStatus: model.ExecError, ExecError: &errText, CreatedAt: time.Now().UTC(),
	}))

	got, err := h.orch.Run(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionSuccess, got.Status)
	assert.Equal(t, 3, got.CurrentIteration)

	attempts := h.attempts(t, sess.ID)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
}

func TestRun_ResumeSkipsSpentDetailFetch(t *testing.T) {
	h := newHarness(t, []any{fenced(eventsCode)}, []sandbox.Result{
		okResult(t, []any{map[string]any{"title": "Jazz Night", "eventUrl": "/events/1"}}),
	}, func(_ *Deps, c *Config) { c.DetailPages = true })
	sess := h.session(t, model.TaskEventListing)
	ctx := context.Background()

	sess.CurrentIteration = 1
	require.NoError(t, h.store.UpdateSession(ctx, sess))
	priorCode := strings.Replace(eventsCode, "const events = [];", "const events = []; // first run", 1)
	require.NoError(t, h.store.CreateAttempt(ctx, &model.Attempt{
		SessionID: sess.ID, AttemptNumber: 1, Code: priorCode, CodeHash: codeHash(priorCode),
		ExecStatus: model.ExecSuccess, Score: 0.9, CreatedAt: time.Now().UTC(),
	}))

	got, err := h.orch.Run(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentIteration)
	assert.Equal(t, []string{"https://venue.example/events"}, h.fetcher.calls)

	prompts := h.provider.prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[1], "<detail>")
	assert.Contains(t, prompts[1], "// first run")
}

func TestRun_ReportsProgress(t *testing.T) {
	h := newHarness(t, []any{fenced(venueCode)}, []sandbox.Result{
		okResult(t, map[string]any{"name": "A", "address": "1 St", "city": "B", "state": "TX"}),
	})
	sess := h.session(t, model.TaskVenueProfile)

	var stages []model.Stage
	_, err := h.orch.Run(context.Background(), sess.ID, WithProgress(func(p model.Progress) {
		stages = append(stages, p.Stage)
		assert.Equal(t, 3, p.MaxIterations)
	}))
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{
		model.StageFetching, model.StageGenerating, model.StageValidating,
		model.StageExecuting, model.StageEvaluating, model.StageDone,
	}, stages)
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, []any{""}, nil)
	ctx := context.Background()

	sess, err := h.orch.CreateSession(ctx, NewSessionRequest{TargetURL: " https://venue.example/ ", TaskKind: model.TaskVenueProfile})
	require.NoError(t, err)
	assert.Equal(t, "https://venue.example/", sess.TargetURL)
	assert.Equal(t, "UTC", sess.Timezone)
	assert.Equal(t, 3, sess.MaxIterations)
	assert.Equal(t, model.SessionInProgress, sess.Status)

	sess, err = h.orch.CreateSession(ctx, NewSessionRequest{TargetURL: "http://venue.example", TaskKind: model.TaskEventListing, MaxIterations: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, sess.MaxIterations)

	for _, req := range []NewSessionRequest{
		{TargetURL: "ftp://venue.example", TaskKind: model.TaskVenueProfile},
		{TargetURL: "not a url", TaskKind: model.TaskVenueProfile},
		{TargetURL: "https://venue.example", TaskKind: "MENU"},
		{TargetURL: "https://venue.example", TaskKind: model.TaskEventListing, Timezone: "Mars/Olympus"},
	} {
		_, err := h.orch.CreateSession(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, fmt.Sprintf("%+v", req))
	}
}

func TestSnapshot(t *testing.T) {
	assert.Empty(t, snapshot(nil))
	assert.Equal(t, "md", snapshot(&model.Document{Markdown: "md"}))

	long := strings.Repeat("é", SnapshotLimit)
	got := snapshot(&model.Document{HTML: long})
	assert.LessOrEqual(t, len(got), SnapshotLimit)
	assert.True(t, strings.HasPrefix(long, got))
	assert.Equal(t, 0, len(got)%2)
}
