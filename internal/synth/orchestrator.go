// Package synth drives the generate, validate, execute and evaluate loop
// that synthesizes an extractor for one target page.
package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/cost"
	"github.com/sells-group/scrapegen/internal/evaluate"
	"github.com/sells-group/scrapegen/internal/llm"
	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/safety"
	"github.com/sells-group/scrapegen/internal/sandbox"
	"github.com/sells-group/scrapegen/internal/schema"
	"github.com/sells-group/scrapegen/internal/scrape"
)

// SnapshotLimit caps the document snapshot stored with each attempt.
const SnapshotLimit = 20000

// SessionStore is the persistence the orchestrator needs.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error)
}

// Validator checks generated code before it runs.
type Validator interface {
	Validate(code string, kind model.TaskKind) safety.Result
}

// Executor runs validated code.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Result
}

// DocumentFetcher loads the target page for prompting.
type DocumentFetcher interface {
	Scrape(ctx context.Context, url string) (*model.Document, error)
}

// Deps are the collaborators of an Orchestrator, built once at startup.
type Deps struct {
	Store     SessionStore
	Provider  llm.Provider
	Validator Validator
	Executor  Executor
	Evaluator *evaluate.Evaluator
	Fetcher   DocumentFetcher
	Trace     TraceSink
	Cost      *cost.Calculator
	// Links filters detail-page candidates. Nil uses the default patterns.
	Links *scrape.PathMatcher
}

// Config tunes generation.
type Config struct {
	MaxIterations int           `yaml:"max_iterations" mapstructure:"max_iterations"`
	Temperature   float64       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens     int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	ExecTimeout   time.Duration `yaml:"exec_timeout" mapstructure:"exec_timeout"`
	DocumentChars int           `yaml:"document_chars" mapstructure:"document_chars"`
	DetailPages   bool          `yaml:"detail_pages" mapstructure:"detail_pages"`
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.DocumentChars <= 0 {
		c.DocumentChars = DocumentChars
	}
	return c
}

// Orchestrator runs sessions. One Orchestrator serves every worker; each
// Run owns its session exclusively.
type Orchestrator struct {
	deps Deps
	cfg  Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Trace == nil {
		deps.Trace = discardSink{}
	}
	if deps.Cost == nil {
		deps.Cost = cost.NewCalculator(cost.DefaultRates())
	}
	if deps.Links == nil {
		deps.Links = scrape.NewPathMatcher(nil)
	}
	if deps.Evaluator == nil {
		deps.Evaluator = evaluate.New(evaluate.Config{})
	}
	return &Orchestrator{deps: deps, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// NewSessionRequest describes a session to create.
type NewSessionRequest struct {
	TargetURL     string         `json:"target_url"`
	TaskKind      model.TaskKind `json:"task_kind"`
	Timezone      string         `json:"timezone"`
	MaxIterations int            `json:"max_iterations"`
}

// CreateSession validates req and stores a new IN_PROGRESS session.
func (o *Orchestrator) CreateSession(ctx context.Context, req NewSessionRequest) (*model.Session, error) {
	u, err := url.Parse(strings.TrimSpace(req.TargetURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Wrapf(ErrInvalidRequest, "target url %q", req.TargetURL)
	}
	if !req.TaskKind.Valid() {
		return nil, eris.Wrapf(ErrInvalidRequest, "task kind %q", req.TaskKind)
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, eris.Wrapf(ErrInvalidRequest, "timezone %q: %v", tz, err)
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = o.cfg.MaxIterations
	}

	sess := model.NewSession(uuid.NewString(), u.String(), req.TaskKind, tz, maxIter)
	if err := o.deps.Store.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "synth: create session")
	}
	return sess, nil
}

// ProgressFunc receives the latest progress snapshot of a run.
type ProgressFunc func(model.Progress)

// RunOptions are the per-call settings of Run.
type RunOptions struct {
	Progress ProgressFunc
}

// RunOption customizes one Run.
type RunOption func(*RunOptions)

// WithProgress reports stage changes to fn.
func WithProgress(fn ProgressFunc) RunOption {
	return func(o *RunOptions) { o.Progress = fn }
}

// ApplyRunOptions folds opts into a RunOptions value.
func ApplyRunOptions(opts ...RunOption) RunOptions {
	var ro RunOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}

// run is the mutable state of one Run call.
type run struct {
	o        *Orchestrator
	sess     *model.Session
	schema   *schema.FieldSchema
	log      *zap.Logger
	progress ProgressFunc

	doc         *model.Document
	detail      *model.Document
	detailTried bool
	attemptNo   int
	executedOK  bool
	lastError   string
	feedback    Feedback

	// bestRan is the highest-scoring code that executed successfully.
	// Session.BestCode may instead hold a fallback that never ran.
	bestRan      *string
	bestRanScore float64
}

// Run drives sessionID to a terminal status. A session that is already
// terminal is returned unchanged. Iteration failures are handled inside
// the loop; a returned error means the run could not make progress (store
// failure, unreachable target, cancellation) and may be retried.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, opts ...RunOption) (*model.Session, error) {
	ro := ApplyRunOptions(opts...)

	sess, err := o.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "synth: load session %s", sessionID)
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	fs, err := schema.For(sess.TaskKind)
	if err != nil {
		return nil, eris.Wrapf(err, "synth: session %s", sessionID)
	}

	r := &run{
		o:        o,
		sess:     sess,
		schema:   fs,
		progress: ro.Progress,
		feedback: NoFeedback{},
		log: zap.L().With(
			zap.String("session_id", sess.ID),
			zap.String("url", sess.TargetURL),
			zap.String("task_kind", string(sess.TaskKind)),
		),
	}

	prior, err := o.deps.Store.ListAttempts(ctx, sess.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "synth: list attempts for %s", sess.ID)
	}
	for _, a := range prior {
		r.attemptNo = max(r.attemptNo, a.AttemptNumber)
		if a.ExecStatus != model.ExecSuccess {
			continue
		}
		if !r.executedOK || a.Score > r.bestRanScore {
			code := a.Code
			r.bestRan = &code
			r.bestRanScore = a.Score
		}
		r.executedOK = true
	}
	// enrich runs right after the first successful execution, so a stored
	// success means an earlier run already spent the detail fetch.
	r.detailTried = r.executedOK
	if len(prior) > 0 {
		r.log.Info("synth: resuming session",
			zap.Int("iteration", sess.CurrentIteration),
			zap.Int("attempts", len(prior)),
		)
	}

	if err := r.loadDocument(ctx); err != nil {
		return sess, err
	}

	r.trace(model.TracePlanning, fmt.Sprintf("Planning %s: %d required and %d optional fields, up to %d iterations",
		sess.TaskKind.FunctionName(), len(fs.Required), len(fs.Optional), sess.MaxIterations), map[string]any{
		"required":       fs.RequiredNames(),
		"optional":       fs.OptionalNames(),
		"max_iterations": sess.MaxIterations,
	})

	for sess.CurrentIteration < sess.MaxIterations {
		if err := ctx.Err(); err != nil {
			return sess, eris.Wrapf(err, "synth: session %s stopped before iteration %d", sess.ID, sess.CurrentIteration+1)
		}
		sess.CurrentIteration++

		done, err := r.iterate(ctx)
		if err != nil {
			return sess, err
		}
		if done {
			return sess, nil
		}
		if err := r.save(ctx); err != nil {
			return sess, err
		}
	}

	if sess.BestScore > 0 {
		r.log.Info("synth: iterations exhausted, keeping best result", zap.Float64("best_score", sess.BestScore))
		return sess, r.finish(ctx, model.SessionSuccess, "")
	}
	msg := "no data extracted"
	if !r.executedOK {
		msg = "no attempt executed successfully"
		if r.lastError != "" {
			msg += ": " + firstLine(r.lastError)
		}
	}
	return sess, r.finish(ctx, model.SessionFailed, msg)
}

func (r *run) loadDocument(ctx context.Context) error {
	r.report(model.StageFetching, "fetching target page")
	doc, err := r.o.deps.Fetcher.Scrape(ctx, r.sess.TargetURL)
	if err != nil {
		r.trace(model.TraceFailure, "Could not fetch target page: "+err.Error(), nil)
		return eris.Wrapf(err, "synth: fetch %s", r.sess.TargetURL)
	}
	r.doc = doc
	r.addCost(r.o.deps.Cost.Document(doc), cost.Usage{})

	size := len(doc.HTML)
	if size == 0 {
		size = len(doc.Markdown)
	}
	r.trace(model.TraceAnalysis, fmt.Sprintf("Fetched %s (%d bytes via %s)", doc.URL, size, doc.Source), map[string]any{
		"url":    doc.URL,
		"title":  doc.Title,
		"source": doc.Source,
		"bytes":  size,
		"status": doc.StatusCode,
	})
	return nil
}

// iterate runs one pass. done reports that the session reached a terminal
// status.
func (r *run) iterate(ctx context.Context) (done bool, err error) {
	sess := r.sess
	iter := sess.CurrentIteration
	log := r.log.With(zap.Int("iteration", iter))

	r.report(model.StageGenerating, fmt.Sprintf("generating extractor (%s feedback)", feedbackKind(r.feedback)))
	comp, err := r.o.deps.Provider.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        r.prompt(),
		Temperature: r.o.cfg.Temperature,
		MaxTokens:   r.o.cfg.MaxTokens,
	})
	if err != nil {
		err = eris.Wrap(ErrProvider, err.Error())
		log.Warn("synth: completion failed", zap.Error(err))
		r.trace(model.TraceFailure, "Code generation failed: "+err.Error(), map[string]any{"class": "provider"})
		return false, nil
	}
	r.addCost(r.o.deps.Cost.Claude(comp.Model, comp.Usage), comp.Usage)

	code := ExtractCode(comp.Text, sess.TaskKind.FunctionName())
	hash := codeHash(code)
	r.trace(model.TraceGeneration, fmt.Sprintf("Generated %d lines of code", strings.Count(code, "\n")+1), map[string]any{
		"code_hash":     hash,
		"chars":         len(code),
		"input_tokens":  comp.Usage.InputTokens,
		"output_tokens": comp.Usage.OutputTokens,
		"feedback":      feedbackKind(r.feedback),
	})

	r.report(model.StageValidating, "validating generated code")
	vr := r.o.deps.Validator.Validate(code, sess.TaskKind)
	for _, w := range vr.Warnings {
		log.Info("synth: validation warning", zap.String("code", w.Code), zap.String("message", w.Message))
	}
	if !vr.OK {
		if sess.BestCode == nil {
			sess.BestCode = &code
		}
		text := "Validation failed:\n" + vr.ErrorText()
		r.lastError = text
		r.feedback = ErrorFeedback{Text: text, Code: code}
		log.Info("synth: validation failed", zap.Error(eris.Wrap(ErrValidation, vr.ErrorText())))
		r.trace(model.TraceFailure, text, map[string]any{"class": "validation", "errors": vr.Errors})
		return false, nil
	}

	r.report(model.StageExecuting, "running extractor in sandbox")
	r.attemptNo++
	res := r.o.deps.Executor.Execute(ctx, sandbox.Request{
		Code:     code,
		Kind:     sess.TaskKind,
		URL:      sess.TargetURL,
		Timezone: sess.Timezone,
		Timeout:  r.o.cfg.ExecTimeout,
	})
	attempt := &model.Attempt{
		SessionID:        sess.ID,
		AttemptNumber:    r.attemptNo,
		Code:             code,
		CodeHash:         hash,
		DurationMs:       res.DurationMs,
		DocumentSnapshot: snapshot(r.doc),
		CreatedAt:        time.Now().UTC(),
	}

	if !res.Success {
		attempt.ExecStatus = model.ExecError
		attempt.ExecError = &res.Error
		attempt.FieldsMissing = append(r.schema.RequiredNames(), r.schema.OptionalNames()...)
		if err := r.o.deps.Store.CreateAttempt(ctx, attempt); err != nil {
			return false, eris.Wrap(err, "synth: persist attempt")
		}
		if sess.BestCode == nil {
			sess.BestCode = &code
		}
		r.lastError = res.Error
		r.feedback = ErrorFeedback{Text: "Execution failed: " + res.Error, Code: code}
		log.Info("synth: execution failed", zap.Error(eris.Wrap(ErrExecution, res.Error)), zap.Int64("duration_ms", res.DurationMs))
		r.trace(model.TraceExecution, "Execution failed: "+res.Error, map[string]any{
			"class":       "execution",
			"attempt":     r.attemptNo,
			"duration_ms": res.DurationMs,
			"navigations": res.Navigations,
		})
		return false, nil
	}

	r.executedOK = true
	r.trace(model.TraceExecution, fmt.Sprintf("Executed in %dms", res.DurationMs), map[string]any{
		"attempt":     r.attemptNo,
		"duration_ms": res.DurationMs,
		"navigations": res.Navigations,
	})

	r.report(model.StageEvaluating, "scoring extracted data")
	ev := r.o.deps.Evaluator.Evaluate(res.Data, sess.TaskKind)
	attempt.ExecStatus = model.ExecSuccess
	attempt.Data = res.Raw
	attempt.FieldsFound = ev.FieldsFound
	attempt.FieldsMissing = ev.FieldsMissing
	attempt.Score = ev.Score
	if err := r.o.deps.Store.CreateAttempt(ctx, attempt); err != nil {
		return false, eris.Wrap(err, "synth: persist attempt")
	}
	r.trace(model.TraceEvaluation, fmt.Sprintf("Completeness %.0f%% (%d of %d fields), acceptable=%t",
		ev.Score*100, len(ev.FieldsFound), r.schema.Total(), ev.Acceptable), map[string]any{
		"attempt":        r.attemptNo,
		"score":          ev.Score,
		"acceptable":     ev.Acceptable,
		"fields_found":   ev.FieldsFound,
		"fields_missing": ev.FieldsMissing,
		"quality_issues": ev.QualityIssues,
		"record_count":   ev.RecordCount,
	})

	switch {
	case ev.Score > sess.BestScore:
		sess.BestScore = ev.Score
		sess.BestCode = &code
		sess.BestData = res.Raw
	case r.bestRan == nil:
		// executed code replaces a fallback that failed validation or execution
		sess.BestCode = &code
	}
	if r.bestRan == nil || ev.Score > r.bestRanScore {
		r.bestRan = &code
		r.bestRanScore = ev.Score
	}

	if sess.TaskKind == model.TaskEventListing {
		r.enrich(ctx, res.Data)
	}

	if ev.Acceptable {
		log.Info("synth: acceptable result", zap.Float64("score", ev.Score))
		return true, r.finish(ctx, model.SessionSuccess, "")
	}

	r.feedback = ImprovementFeedback{Text: ev.Feedback, Code: *r.bestRan}
	return false, nil
}

// enrich fetches one detail page after the first successful execution of
// the session.
func (r *run) enrich(ctx context.Context, data any) {
	if !r.o.cfg.DetailPages || r.detailTried {
		return
	}
	r.detailTried = true

	link := findDetailURL(data, r.sess.TargetURL, r.o.deps.Links)
	if link == "" {
		return
	}
	doc, err := r.o.deps.Fetcher.Scrape(ctx, link)
	if err != nil {
		r.log.Info("synth: detail page fetch failed", zap.String("detail_url", link), zap.Error(err))
		return
	}
	r.detail = doc
	r.addCost(r.o.deps.Cost.Document(doc), cost.Usage{})
	r.trace(model.TraceAnalysis, "Fetched event detail page "+link, map[string]any{"url": link, "source": doc.Source})
}

func (r *run) prompt() string {
	return buildUserPrompt(promptInput{
		Session:  r.sess,
		Schema:   r.schema,
		Document: r.doc,
		Detail:   r.detail,
		Feedback: r.feedback,
		Budget:   r.o.cfg.DocumentChars,
	})
}

func (r *run) finish(ctx context.Context, status model.SessionStatus, msg string) error {
	now := time.Now().UTC()
	r.sess.Status = status
	r.sess.CompletedAt = &now
	if msg != "" {
		r.sess.ErrorMessage = &msg
	}
	if err := r.save(ctx); err != nil {
		return err
	}

	if status == model.SessionSuccess {
		r.trace(model.TraceSuccess, fmt.Sprintf("Finished with completeness %.0f%% after %d iterations",
			r.sess.BestScore*100, r.sess.CurrentIteration), map[string]any{"best_score": r.sess.BestScore})
	} else {
		r.trace(model.TraceFailure, "Session failed: "+msg, map[string]any{"final": true})
	}
	r.report(model.StageDone, string(status))
	r.o.deps.Trace.Finish(r.sess.ID)
	r.log.Info("synth: session finished",
		zap.String("status", string(status)),
		zap.Float64("best_score", r.sess.BestScore),
		zap.Int("iterations", r.sess.CurrentIteration),
		zap.Float64("cost_usd", r.sess.CostUSD),
	)
	return nil
}

func (r *run) save(ctx context.Context) error {
	if err := r.o.deps.Store.UpdateSession(ctx, r.sess); err != nil {
		return eris.Wrap(err, "synth: persist session")
	}
	return nil
}

func (r *run) addCost(usd float64, u cost.Usage) {
	r.sess.InputTokens += u.InputTokens + u.CacheWriteTokens + u.CacheReadTokens
	r.sess.OutputTokens += u.OutputTokens
	r.sess.CostUSD += usd
}

func (r *run) trace(typ model.TraceType, msg string, detail map[string]any) {
	rec := model.TraceRecord{
		ID:        uuid.NewString(),
		SessionID: r.sess.ID,
		Iteration: r.sess.CurrentIteration,
		Type:      typ,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			rec.Detail = raw
		}
	}
	r.o.deps.Trace.Emit(rec)
}

func (r *run) report(stage model.Stage, msg string) {
	if r.progress == nil {
		return
	}
	r.progress(model.Progress{
		Stage:         stage,
		Iteration:     r.sess.CurrentIteration,
		MaxIterations: r.sess.MaxIterations,
		Message:       msg,
		UpdatedAt:     time.Now().UTC(),
	})
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// snapshot returns the document text capped at SnapshotLimit bytes without
// splitting a UTF-8 sequence.
func snapshot(doc *model.Document) string {
	if doc == nil {
		return ""
	}
	s := doc.HTML
	if s == "" {
		s = doc.Markdown
	}
	return cutUTF8(s, SnapshotLimit)
}

// cutUTF8 returns at most n bytes of s, backing off so no UTF-8 sequence
// is split.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
