package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/scrape"
)

// browser is the puppeteer-shaped capability handed to generated code.
// Each page is a Tab from the run's Driver. With the chrome driver page
// scripts run and the DOM is live; with the http driver content is the
// markup as served and script-only methods reject.
type browser struct {
	r        *run
	obj      *goja.Object
	startURL string

	open    []*page
	visited []string
	navs    int
	closed  bool
}

type page struct {
	b      *browser
	obj    *goja.Object
	tab    Tab
	closed bool

	url    string
	status int
	title  string
	html   string
}

func newBrowser(r *run, startURL string) *browser {
	b := &browser{r: r, startURL: startURL}
	obj := r.vm.NewObject()
	_ = obj.Set("newPage", b.newPage)
	_ = obj.Set("pages", func(goja.FunctionCall) goja.Value {
		out := make([]any, 0, len(b.open))
		for _, p := range b.open {
			out = append(out, p.obj)
		}
		return r.resolved(out)
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		b.closeAll()
		return r.resolved(goja.Undefined())
	})
	_ = obj.Set("version", func(goja.FunctionCall) goja.Value {
		return r.resolved("scrapegen-" + r.driver.Name() + "/1.0")
	})
	_ = obj.Set("userAgent", func(goja.FunctionCall) goja.Value {
		return r.resolved("scrapegen")
	})
	b.obj = obj
	return b
}

// closeAll closes every open page. It runs on every exit path of Execute.
func (b *browser) closeAll() {
	if len(b.open) > 0 {
		b.r.log.Debug("sandbox: closing pages", zap.Int("open", len(b.open)))
	}
	for _, p := range b.open {
		p.shut()
	}
	b.open = nil
	b.closed = true
}

func (b *browser) newPage(goja.FunctionCall) goja.Value {
	if b.closed {
		return b.r.rejected(fmt.Errorf("browser has been closed"))
	}
	if len(b.open) >= b.r.cfg.MaxPages {
		return b.r.rejected(fmt.Errorf("too many open pages (limit %d); close pages in a finally block", b.r.cfg.MaxPages))
	}
	tab, err := b.r.driver.Open(b.r.ctx)
	if err != nil {
		return b.r.rejected(fmt.Errorf("could not open a page: %v", err))
	}
	p := &page{b: b, tab: tab, url: "about:blank"}
	p.obj = p.build()
	b.open = append(b.open, p)
	return b.r.resolved(p.obj)
}

func (b *browser) release(p *page) {
	for i, o := range b.open {
		if o == p {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return
		}
	}
}

func (p *page) build() *goja.Object {
	r := p.b.r
	obj := r.vm.NewObject()

	_ = obj.Set("goto", func(call goja.FunctionCall) goja.Value {
		resp, err := p.navigate(call.Argument(0).String(), navTimeout(call.Argument(1)))
		if err != nil {
			return r.rejected(err)
		}
		return r.resolved(resp)
	})
	_ = obj.Set("content", func(goja.FunctionCall) goja.Value {
		if p.closed {
			return r.rejected(errPageClosed)
		}
		html, err := p.tab.Content(r.ctx)
		if err != nil {
			return r.rejected(fmt.Errorf("reading page content failed: %v", err))
		}
		p.html = html
		return r.resolved(html)
	})
	_ = obj.Set("title", func(goja.FunctionCall) goja.Value {
		if p.closed {
			return r.rejected(errPageClosed)
		}
		return r.resolved(p.title)
	})
	_ = obj.Set("url", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(p.url)
	})
	_ = obj.Set("isClosed", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(p.closed)
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		if !p.closed {
			p.shut()
			p.b.release(p)
		}
		return r.resolved(goja.Undefined())
	})
	_ = obj.Set("waitForSelector", func(call goja.FunctionCall) goja.Value {
		return p.waitForSelector(call.Argument(0).String(), navTimeout(call.Argument(1)))
	})
	_ = obj.Set("waitForTimeout", func(call goja.FunctionCall) goja.Value {
		v, err := r.sleep(goja.Undefined(), call.Argument(0))
		if err != nil {
			panic(err)
		}
		return v
	})

	noop := func(goja.FunctionCall) goja.Value { return r.resolved(goja.Undefined()) }
	for _, name := range []string{
		"setUserAgent", "setViewport", "setExtraHTTPHeaders", "setRequestInterception",
		"setDefaultNavigationTimeout", "setDefaultTimeout", "setJavaScriptEnabled",
		"waitForNavigation", "waitForNetworkIdle", "bringToFront",
	} {
		_ = obj.Set(name, noop)
	}
	_ = obj.Set("on", func(goja.FunctionCall) goja.Value { return obj })

	_ = obj.Set("evaluate", func(call goja.FunctionCall) goja.Value {
		fn := pageFunction(call.Argument(0))
		return p.evaluate("evaluate", fn, call.Arguments[min(1, len(call.Arguments)):])
	})
	_ = obj.Set("$eval", func(call goja.FunctionCall) goja.Value {
		fn := fmt.Sprintf(queryOneCall, pageFunction(call.Argument(1)))
		return p.evaluate("$eval", fn, selectorArgs(call))
	})
	_ = obj.Set("$$eval", func(call goja.FunctionCall) goja.Value {
		fn := fmt.Sprintf(queryAllCall, pageFunction(call.Argument(1)))
		return p.evaluate("$$eval", fn, selectorArgs(call))
	})
	_ = obj.Set("click", func(call goja.FunctionCall) goja.Value {
		sel := call.Argument(0).String()
		return p.interact("click", sel, func(ctx context.Context) error {
			return p.tab.Click(ctx, sel)
		})
	})
	_ = obj.Set("type", func(call goja.FunctionCall) goja.Value {
		sel, text := call.Argument(0).String(), call.Argument(1).String()
		return p.interact("type", sel, func(ctx context.Context) error {
			return p.tab.Type(ctx, sel, text)
		})
	})

	unsupported := func(name string) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			return r.rejected(fmt.Errorf("page.%s is not available; use cheerio.load(await page.content()) or page.$$eval to query the page", name))
		}
	}
	for _, name := range []string{"$", "$$", "screenshot"} {
		_ = obj.Set(name, unsupported(name))
	}
	return obj
}

// shut releases the tab. It is safe to call twice.
func (p *page) shut() {
	if p.closed {
		return
	}
	p.closed = true
	if err := p.tab.Close(); err != nil {
		p.b.r.log.Debug("sandbox: closing tab failed", zap.Error(err))
	}
}

const (
	queryOneCall = `(sel, ...args) => {
  const el = document.querySelector(sel);
  if (!el) throw new Error('failed to find element matching selector ' + JSON.stringify(sel));
  return (%s)(el, ...args);
}`
	queryAllCall = `(sel, ...args) => (%s)(Array.from(document.querySelectorAll(sel)), ...args)`
)

// pageFunction returns source that evaluates to a function in the page. A
// string argument is treated as an expression, as puppeteer does.
func pageFunction(v goja.Value) string {
	if _, ok := goja.AssertFunction(v); ok {
		return v.String()
	}
	return "() => (" + v.String() + ")"
}

func selectorArgs(call goja.FunctionCall) []goja.Value {
	args := []goja.Value{call.Argument(0)}
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	return args
}

// evaluate runs fn in the page and resolves with its JSON result.
func (p *page) evaluate(name, fn string, args []goja.Value) goja.Value {
	r := p.b.r
	if p.closed {
		return r.rejected(errPageClosed)
	}
	exported := make([]any, len(args))
	for i, a := range args {
		exported[i] = a.Export()
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.NavigationTimeout)
	defer cancel()
	raw, err := p.tab.Evaluate(ctx, fn, exported)
	if err != nil {
		return r.rejected(p.scriptError(name, err))
	}
	var out any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return r.rejected(fmt.Errorf("page.%s returned invalid JSON: %v", name, err))
		}
	}
	return r.resolved(out)
}

// interact runs a DOM action bounded by the navigation timeout.
func (p *page) interact(name, sel string, fn func(context.Context) error) goja.Value {
	r := p.b.r
	if p.closed {
		return r.rejected(errPageClosed)
	}
	if err := validSelector(sel); err != nil {
		return r.rejected(err)
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.NavigationTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return r.rejected(p.scriptError(name, err))
	}
	return r.resolved(goja.Undefined())
}

func (p *page) scriptError(name string, err error) error {
	if errors.Is(err, ErrUnsupported) {
		return fmt.Errorf("page.%s is not available with the %s browser; use cheerio.load(await page.content()) to query the page",
			name, p.b.r.driver.Name())
	}
	if errors.Is(err, context.DeadlineExceeded) && p.b.r.ctx.Err() == nil {
		return fmt.Errorf("page.%s timed out after %dms", name, p.b.r.cfg.NavigationTimeout.Milliseconds())
	}
	return fmt.Errorf("page.%s failed: %v", name, err)
}

var errPageClosed = errors.New("page has been closed")

// navTimeout reads {timeout: ms} from goto options. Zero means the default.
func navTimeout(opts goja.Value) time.Duration {
	if opts == nil || goja.IsUndefined(opts) || goja.IsNull(opts) {
		return 0
	}
	obj, ok := opts.(*goja.Object)
	if !ok {
		return 0
	}
	v := obj.Get("timeout")
	if v == nil || goja.IsUndefined(v) {
		return 0
	}
	return time.Duration(v.ToInteger()) * time.Millisecond
}

func (p *page) navigate(raw string, timeout time.Duration) (*goja.Object, error) {
	b, r := p.b, p.b.r
	if p.closed {
		return nil, errPageClosed
	}

	target, err := p.resolve(raw)
	if err != nil {
		return nil, err
	}
	if b.navs >= r.cfg.MaxNavigations {
		return nil, fmt.Errorf("navigation limit reached (%d per run)", r.cfg.MaxNavigations)
	}
	if err := scrape.CheckURL(r.ctx, target, r.cfg.AllowPrivateNetworks); err != nil {
		return nil, fmt.Errorf("navigation to %s refused: %v", target, err)
	}
	b.navs++

	if timeout <= 0 || timeout > r.cfg.NavigationTimeout {
		timeout = r.cfg.NavigationTimeout
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	doc, err := p.tab.Navigate(ctx, target)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil {
			return nil, fmt.Errorf("navigation timeout of %dms exceeded: %s", timeout.Milliseconds(), target)
		}
		return nil, fmt.Errorf("navigation to %s failed: %v", target, err)
	}
	b.visited = append(b.visited, target)

	p.load(target, doc)
	if blocked, kind := scrape.DetectBlockBody(p.html); blocked {
		r.log.Warn("sandbox: navigated page looks blocked",
			zap.String("target", target),
			zap.String("block_type", string(kind)),
		)
	}
	return p.response(), nil
}

// resolve makes raw absolute against the page URL, falling back to the
// run's target URL for a fresh page.
func (p *page) resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	base := p.url
	if base == "" || base == "about:blank" {
		base = p.b.startURL
	}
	if !ref.IsAbs() {
		bu, err := url.Parse(base)
		if err != nil || !bu.IsAbs() {
			return "", fmt.Errorf("invalid url %q", raw)
		}
		ref = bu.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", ref.Scheme)
	}
	ref.Fragment = ""
	return ref.String(), nil
}

func (p *page) load(target string, doc *model.Document) {
	p.url = target
	if doc.URL != "" {
		p.url = doc.URL
	}
	p.status = doc.StatusCode
	if p.status == 0 {
		p.status = 200
	}
	p.html = doc.HTML
	p.title = doc.Title
}

// waitForSelector resolves once the page has a match. timeout of zero uses
// the navigation timeout.
func (p *page) waitForSelector(sel string, timeout time.Duration) goja.Value {
	r := p.b.r
	if p.closed {
		return r.rejected(errPageClosed)
	}
	if err := validSelector(sel); err != nil {
		return r.rejected(err)
	}
	if timeout <= 0 || timeout > r.cfg.NavigationTimeout {
		timeout = r.cfg.NavigationTimeout
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	if err := p.tab.WaitForSelector(ctx, sel); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() == nil {
			return r.rejected(fmt.Errorf("waiting for selector %q failed: timeout %dms exceeded", sel, timeout.Milliseconds()))
		}
		return r.rejected(fmt.Errorf("waiting for selector %q failed: %v", sel, err))
	}
	return r.resolved(true)
}

func (p *page) response() *goja.Object {
	r := p.b.r
	status, finalURL, body := p.status, p.url, p.html
	obj := r.vm.NewObject()
	_ = obj.Set("status", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(status) })
	_ = obj.Set("ok", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(status >= 200 && status < 300) })
	_ = obj.Set("url", func(goja.FunctionCall) goja.Value { return r.vm.ToValue(finalURL) })
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value { return r.resolved(body) })
	_ = obj.Set("headers", func(goja.FunctionCall) goja.Value { return r.vm.NewObject() })
	return obj
}
