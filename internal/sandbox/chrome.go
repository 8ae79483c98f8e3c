package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/scrape"
)

// ErrBrowserUnavailable means the headless browser could not be started or
// reached.
var ErrBrowserUnavailable = errors.New("sandbox: headless browser unavailable")

// ChromeOptions configures ChromeDriver.
type ChromeOptions struct {
	// ExecPath overrides Chrome discovery on PATH.
	ExecPath string
	// RemoteURL attaches to a running browser's DevTools websocket instead
	// of launching one.
	RemoteURL string
	UserAgent string
	// NoSandbox passes --no-sandbox. Chrome refuses to start as root
	// without it.
	NoSandbox bool
	// AllowPrivateNetworks skips the per-request egress check. Tests only.
	AllowPrivateNetworks bool
}

// ChromeDriver renders pages in headless Chrome through the DevTools
// protocol. One browser process is started on first use and every tab is
// a target inside it.
type ChromeDriver struct {
	opts ChromeOptions

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	startErr error
}

// NewChromeDriver creates a ChromeDriver. Nothing starts until the first
// Open.
func NewChromeDriver(opts ChromeOptions) *ChromeDriver {
	return &ChromeDriver{opts: opts}
}

// Name implements Driver.
func (d *ChromeDriver) Name() string { return "chrome" }

func (d *ChromeDriver) browser() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return d.ctx, nil
	}
	if d.startErr != nil {
		return nil, d.startErr
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if d.opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), d.opts.RemoteURL)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts, chromedp.DisableGPU)
		if d.opts.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(d.opts.ExecPath))
		}
		if d.opts.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(d.opts.UserAgent))
		}
		if d.opts.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	// The first Run must use the context from NewContext itself; cancelling
	// a derived one would tear the browser down with it.
	ctx, cancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		d.startErr = eris.Wrapf(ErrBrowserUnavailable, "start chrome: %v", err)
		return nil, d.startErr
	}
	d.ctx = ctx
	d.cancel = func() {
		cancel()
		allocCancel()
	}
	zap.L().Info("sandbox: headless chrome started", zap.Bool("remote", d.opts.RemoteURL != ""))
	return ctx, nil
}

// Open implements Driver. Each tab is a fresh target with its own egress
// guard.
func (d *ChromeDriver) Open(ctx context.Context) (Tab, error) {
	parent, err := d.browser()
	if err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, eris.Wrap(err, "sandbox: open chrome tab")
	}
	t := &chromeTab{ctx: tabCtx, cancel: cancel}
	if !d.opts.AllowPrivateNetworks {
		t.guardEgress()
		if err := t.run(ctx, fetch.Enable()); err != nil {
			t.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sandbox: enable request guard")
		}
	}
	return t, nil
}

// Close implements Driver. It stops the browser process.
func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	err := chromedp.Cancel(d.ctx)
	d.cancel()
	d.ctx = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return eris.Wrap(err, "sandbox: stop chrome")
	}
	return nil
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// guardEgress pauses every request the page makes and only lets through
// those that pass scrape.CheckURL. Subresources and page scripts are
// covered, not just top-level navigations.
func (t *chromeTab) guardEgress() {
	chromedp.ListenTarget(t.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		// protocol calls cannot be made from inside the listener
		go t.decide(paused)
	})
}

func (t *chromeTab) decide(ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(t.ctx)
	if c == nil || c.Target == nil {
		return
	}
	exec := cdp.WithExecutor(t.ctx, c.Target)
	if err := scrape.CheckURL(t.ctx, ev.Request.URL, false); err != nil {
		zap.L().Debug("sandbox: blocked page request", zap.String("url", ev.Request.URL), zap.Error(err))
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
		return
	}
	_ = fetch.ContinueRequest(ev.RequestID).Do(exec)
}

// do runs fn on a child of the tab context that ends with ctx. Cancelling
// the child aborts the call without closing the tab.
func (t *chromeTab) do(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := fn(opCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	return t.do(ctx, func(c context.Context) error {
		return chromedp.Run(c, actions...)
	})
}

func (t *chromeTab) Navigate(ctx context.Context, url string) (*model.Document, error) {
	var resp *network.Response
	err := t.do(ctx, func(c context.Context) error {
		var err error
		resp, err = chromedp.RunResponse(c, chromedp.Navigate(url))
		return err
	})
	if err != nil {
		return nil, err
	}

	var html, title, location string
	if err := t.run(ctx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, err
	}

	status := 200
	if resp != nil {
		status = int(resp.Status)
	}
	return &model.Document{
		URL:        location,
		Title:      title,
		HTML:       html,
		StatusCode: status,
		Source:     "chrome",
	}, nil
}

func (t *chromeTab) Content(ctx context.Context) (string, error) {
	var html string
	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (t *chromeTab) WaitForSelector(ctx context.Context, sel string) error {
	return t.run(ctx, chromedp.WaitReady(sel, chromedp.ByQuery))
}

// pageCall wraps a function source so its result crosses the protocol as
// plain JSON. Values JSON cannot represent come back as null.
const pageCall = `(async () => {
  const value = await (%s)(...%s);
  const text = JSON.stringify(value);
  return text === undefined ? null : JSON.parse(text);
})()`

func (t *chromeTab) Evaluate(ctx context.Context, fn string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not serializable: %v", err)
	}
	var out []byte
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := t.run(ctx, chromedp.Evaluate(fmt.Sprintf(pageCall, fn, encoded), &out, awaitPromise)); err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (t *chromeTab) Click(ctx context.Context, sel string) error {
	return t.run(ctx, chromedp.Click(sel, chromedp.ByQuery))
}

func (t *chromeTab) Type(ctx context.Context, sel, text string) error {
	return t.run(ctx, chromedp.SendKeys(sel, text, chromedp.ByQuery))
}

func (t *chromeTab) Close() error {
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return eris.Wrap(err, "sandbox: close chrome tab")
	}
	return nil
}
