// Package sandbox runs validated extractor code in an isolated goja runtime
// whose only reach into the outside world is the injected browser handle.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
)

// PageFetcher loads a page for the http browser driver. The returned
// document must carry raw HTML.
type PageFetcher interface {
	Scrape(ctx context.Context, url string) (*model.Document, error)
}

// Config bounds what a single run may do.
type Config struct {
	// Timeout applies when a Request carries none. Default 30s.
	Timeout time.Duration
	// NavigationTimeout caps a single page.goto. Default 20s.
	NavigationTimeout time.Duration
	// MaxNavigations caps page loads per run. Default 10.
	MaxNavigations int
	// MaxPages caps concurrently open pages. Default 5.
	MaxPages int
	// AllowPrivateNetworks lets generated code navigate to loopback and
	// private addresses. Tests only.
	AllowPrivateNetworks bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 20 * time.Second
	}
	if c.MaxNavigations <= 0 {
		c.MaxNavigations = 10
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	return c
}

// Request is one execution of generated code.
type Request struct {
	Code     string
	Kind     model.TaskKind
	URL      string
	Timezone string
	Timeout  time.Duration
}

// Result is the outcome of one execution. Data is whatever the function
// returned, decoded from its JSON form; Raw is that JSON.
type Result struct {
	Success     bool            `json:"success"`
	Data        any             `json:"data,omitempty"`
	Raw         json.RawMessage `json:"-"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Navigations []string        `json:"navigations,omitempty"`
}

// Executor runs generated code. It is safe for concurrent use; every call
// gets a fresh runtime.
type Executor struct {
	driver Driver
	cfg    Config
}

// New creates an Executor whose pages are fetched over HTTP.
func New(fetcher PageFetcher, cfg Config) *Executor {
	return NewWithDriver(NewHTTPDriver(fetcher), cfg)
}

// NewWithDriver creates an Executor whose pages come from driver. The
// caller owns driver and closes it after the last Execute.
func NewWithDriver(driver Driver, cfg Config) *Executor {
	return &Executor{driver: driver, cfg: cfg.withDefaults()}
}

var errInterrupted = errors.New("sandbox: run interrupted")

// Execute runs req.Code and calls the entry point for req.Kind. It never
// returns an error: thrown exceptions, rejections, Go panics and timeouts
// all come back as Success=false with a message.
func (e *Executor) Execute(ctx context.Context, req Request) (res Result) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := newRun(ctx, e.driver, e.cfg, req)
	defer func() {
		r.browser.closeAll()
		res.DurationMs = time.Since(start).Milliseconds()
		res.Navigations = r.browser.visited
		if p := recover(); p != nil {
			zap.L().Error("sandbox: panic during execution", zap.Any("panic", p))
			res = Result{
				Error:       fmt.Sprintf("internal sandbox error: %v", p),
				DurationMs:  time.Since(start).Milliseconds(),
				Navigations: r.browser.visited,
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(errInterrupted)
	})
	defer stop()

	value, err := r.start(req)
	if err == nil {
		value, err = r.await(value)
	}
	if err != nil {
		switch {
		case errors.Is(r.ctx.Err(), context.DeadlineExceeded):
			return Result{Error: fmt.Sprintf("execution timed out after %dms", timeout.Milliseconds())}
		case r.ctx.Err() != nil:
			return Result{Error: "execution cancelled"}
		}
		return Result{Error: err.Error()}
	}

	raw, data, err := r.toJSON(value)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Data: data, Raw: raw}
}

// start compiles and runs the program, then calls the entry point.
func (r *run) start(req Request) (goja.Value, error) {
	prog, err := goja.Compile("extractor.js", req.Code, false)
	if err != nil {
		return nil, fmt.Errorf("SyntaxError: %w", err)
	}
	if _, err := r.vm.RunProgram(prog); err != nil {
		return nil, r.jsError(err)
	}

	name := req.Kind.FunctionName()
	fnValue, err := r.vm.RunString(name)
	if err != nil {
		return nil, fmt.Errorf("%s is not defined", name)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", name)
	}

	args := []goja.Value{r.browser.obj, r.vm.ToValue(req.URL)}
	if req.Kind == model.TaskEventListing {
		tz := req.Timezone
		if tz == "" {
			tz = "UTC"
		}
		args = append(args, r.vm.ToValue(tz))
	}

	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, r.jsError(err)
	}
	return v, nil
}

// await drives timers until the returned promise settles or ctx ends. A
// promise with no pending timers can only settle through ctx expiry.
func (r *run) await(v goja.Value) (goja.Value, error) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, errors.New(r.describe(p.Result()))
		}
		if err := r.loop.runNext(r.ctx); err != nil {
			return nil, r.jsError(err)
		}
	}
}

// toJSON runs JSON.stringify inside the runtime so the result follows JS
// serialization rules, then decodes it for the evaluator.
func (r *run) toJSON(v goja.Value) (json.RawMessage, any, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil, nil
	}
	out, err := r.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, nil, fmt.Errorf("result is not serializable: %s", r.jsError(err))
	}
	if goja.IsUndefined(out) {
		return nil, nil, nil
	}
	raw := json.RawMessage(out.String())
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil, fmt.Errorf("result is not serializable: %w", err)
	}
	return raw, data, nil
}

// jsError converts a goja error into a plain error carrying the JS message.
func (r *run) jsError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(r.describe(ex.Value()))
	}
	return err
}

// describe renders a thrown JS value as "Name: message".
func (r *run) describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "Error: " + fmt.Sprint(v)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return "Uncaught " + v.String()
	}
	msg := obj.Get("message")
	if msg == nil || goja.IsUndefined(msg) {
		return v.String()
	}
	name := obj.Get("name")
	if name == nil || goja.IsUndefined(name) || name.String() == "" {
		return msg.String()
	}
	return name.String() + ": " + msg.String()
}
