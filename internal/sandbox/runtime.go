package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// run is the per-execution state. Everything in it is touched only from the
// goroutine that called Execute.
type run struct {
	ctx    context.Context
	vm     *goja.Runtime
	cfg    Config
	driver Driver
	log    *zap.Logger

	loop    *loop
	browser *browser
	query   *query

	stringify      goja.Callable
	promiseResolve goja.Callable
	promiseReject  goja.Callable
	sleep          goja.Callable
}

func newRun(ctx context.Context, driver Driver, cfg Config, req Request) *run {
	r := &run{
		ctx:    ctx,
		vm:     goja.New(),
		cfg:    cfg,
		driver: driver,
		log:    zap.L().With(zap.String("url", req.URL), zap.String("task_kind", string(req.Kind))),
	}
	r.loop = &loop{vm: r.vm}

	global := r.vm.GlobalObject()
	_ = global.Delete("eval")
	if _, err := r.vm.RunString(disableFunctionConstructors); err != nil {
		panic(fmt.Sprintf("sandbox: disable function constructors: %v", err))
	}

	r.installConsole()
	r.loop.install()
	r.query = newQuery(r)
	_ = r.vm.Set("cheerio", r.query.module())
	_ = r.vm.Set("toUTC", r.toUTC)

	r.stringify = r.mustFunc(`JSON.stringify`)
	r.promiseResolve = r.mustFunc(`(v) => Promise.resolve(v)`)
	r.promiseReject = r.mustFunc(`(e) => Promise.reject(e)`)
	r.sleep = r.mustFunc(`(ms) => new Promise((resolve) => setTimeout(resolve, ms))`)

	r.browser = newBrowser(r, req.URL)
	return r
}

// disableFunctionConstructors replaces Function and the constructors
// reachable through function prototypes with a stub that throws. The stub
// shares Function.prototype so instanceof checks still hold.
const disableFunctionConstructors = `(() => {
  const blocked = function Function() {
    throw new EvalError('dynamic code evaluation is not allowed');
  };
  blocked.prototype = Function.prototype;
  const protos = [
    Function.prototype,
    Object.getPrototypeOf(async function () {}),
    Object.getPrototypeOf(function* () {}),
  ];
  for (const proto of protos) {
    Object.defineProperty(proto, 'constructor', { value: blocked, writable: false, configurable: false });
  }
  Object.defineProperty(globalThis, 'Function', { value: blocked, writable: false, configurable: false });
})()`

// mustFunc evaluates a trusted helper expression. These are fixed strings,
// so failure is a programming error.
func (r *run) mustFunc(src string) goja.Callable {
	v, err := r.vm.RunString(src)
	if err != nil {
		panic(fmt.Sprintf("sandbox: helper %q: %v", src, err))
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(fmt.Sprintf("sandbox: helper %q is not a function", src))
	}
	return fn
}

// resolved returns Promise.resolve(v).
func (r *run) resolved(v any) goja.Value {
	p, err := r.promiseResolve(goja.Undefined(), r.vm.ToValue(v))
	if err != nil {
		panic(err)
	}
	return p
}

// rejected returns a promise rejected with a JS Error carrying err's text.
func (r *run) rejected(err error) goja.Value {
	p, callErr := r.promiseReject(goja.Undefined(), r.newError("Error", err.Error()))
	if callErr != nil {
		panic(callErr)
	}
	return p
}

// newError constructs a JS error of the named built-in class.
func (r *run) newError(class, msg string) *goja.Object {
	ctor, ok := goja.AssertConstructor(r.vm.Get(class))
	if !ok {
		return r.vm.NewTypeError(msg)
	}
	obj, err := ctor(nil, r.vm.ToValue(msg))
	if err != nil {
		return r.vm.NewTypeError(msg)
	}
	return obj
}

// throw raises a JS exception from inside a native function.
func (r *run) throw(class, format string, args ...any) {
	panic(r.newError(class, fmt.Sprintf(format, args...)))
}

func (r *run) installConsole() {
	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			r.log.Debug("sandbox: console",
				zap.String("level", level),
				zap.String("message", strings.Join(parts, " ")),
			)
			return goja.Undefined()
		})
	}
	_ = r.vm.Set("console", console)
}

// loop is a minimal timer queue so generated code can await
// setTimeout-based delays. Callbacks run on the Execute goroutine.
type loop struct {
	vm     *goja.Runtime
	timers []*timer
	nextID int64
}

type timer struct {
	id   int64
	due  time.Time
	fn   goja.Callable
	args []goja.Value
}

func (l *loop) install() {
	_ = l.vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(l.vm.NewTypeError("setTimeout: callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		l.nextID++
		l.timers = append(l.timers, &timer{id: l.nextID, due: time.Now().Add(delay), fn: fn, args: args})
		sort.SliceStable(l.timers, func(i, j int) bool { return l.timers[i].due.Before(l.timers[j].due) })
		return l.vm.ToValue(l.nextID)
	})
	_ = l.vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		for i, t := range l.timers {
			if t.id == id {
				l.timers = append(l.timers[:i], l.timers[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})
}

// runNext waits for the earliest timer and fires it. With no timers left
// it blocks until ctx ends, since nothing else can settle a promise.
func (l *loop) runNext(ctx context.Context) error {
	if len(l.timers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := l.timers[0]
	if wait := time.Until(t.due); wait > 0 {
		tm := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tm.Stop()
			return ctx.Err()
		case <-tm.C:
		}
	}
	l.timers = l.timers[1:]
	_, err := t.fn(goja.Undefined(), t.args...)
	return err
}
