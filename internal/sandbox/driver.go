package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/model"
)

// Driver opens the tabs behind browser.newPage. Implementations are shared
// by concurrent runs.
type Driver interface {
	Name() string
	Open(ctx context.Context) (Tab, error)
	Close() error
}

// Tab is one open page. Methods are called from a single run goroutine.
type Tab interface {
	// Navigate loads url and returns the document once it has settled.
	Navigate(ctx context.Context, url string) (*model.Document, error)
	// Content serializes the current DOM.
	Content(ctx context.Context) (string, error)
	// WaitForSelector blocks until sel matches or ctx ends.
	WaitForSelector(ctx context.Context, sel string) error
	// Evaluate calls the function source fn in the page with JSON-encodable
	// args and returns its JSON result.
	Evaluate(ctx context.Context, fn string, args []any) (json.RawMessage, error)
	Click(ctx context.Context, sel string) error
	Type(ctx context.Context, sel, text string) error
	Close() error
}

// ErrUnsupported is returned by tabs that cannot run page scripts.
var ErrUnsupported = errors.New("sandbox: not supported by this browser driver")

// HTTPDriver serves pages from a PageFetcher. Page scripts never run, so
// Content is the markup as served.
type HTTPDriver struct {
	fetcher PageFetcher
}

// NewHTTPDriver creates an HTTPDriver.
func NewHTTPDriver(fetcher PageFetcher) *HTTPDriver {
	return &HTTPDriver{fetcher: fetcher}
}

// Name implements Driver.
func (d *HTTPDriver) Name() string { return "http" }

// Open implements Driver.
func (d *HTTPDriver) Open(context.Context) (Tab, error) {
	return &httpTab{fetcher: d.fetcher}, nil
}

// Close implements Driver.
func (d *HTTPDriver) Close() error { return nil }

type httpTab struct {
	fetcher PageFetcher
	html    string
	doc     *goquery.Document
}

func (t *httpTab) Navigate(ctx context.Context, url string) (*model.Document, error) {
	doc, err := t.fetcher.Scrape(ctx, url)
	if err != nil {
		return nil, err
	}
	t.html = doc.HTML
	t.doc = nil
	return doc, nil
}

func (t *httpTab) Content(context.Context) (string, error) { return t.html, nil }

// WaitForSelector checks the served markup. Nothing can appear later, so
// absence fails immediately.
func (t *httpTab) WaitForSelector(_ context.Context, sel string) error {
	if t.doc == nil {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(t.html))
		if err != nil {
			return err
		}
		t.doc = doc
	}
	if t.doc.Find(sel).Length() == 0 {
		return fmt.Errorf("no matching element in the loaded page")
	}
	return nil
}

func (t *httpTab) Evaluate(context.Context, string, []any) (json.RawMessage, error) {
	return nil, ErrUnsupported
}

func (t *httpTab) Click(context.Context, string) error { return ErrUnsupported }

func (t *httpTab) Type(context.Context, string, string) error { return ErrUnsupported }

func (t *httpTab) Close() error {
	t.html = ""
	t.doc = nil
	return nil
}

// FallbackDriver opens tabs on primary. Once primary reports
// ErrBrowserUnavailable every later tab comes from secondary; other open
// errors fall back for that tab only.
type FallbackDriver struct {
	primary   Driver
	secondary Driver

	mu     sync.Mutex
	failed bool
}

// NewFallbackDriver creates a FallbackDriver.
func NewFallbackDriver(primary, secondary Driver) *FallbackDriver {
	return &FallbackDriver{primary: primary, secondary: secondary}
}

// Name implements Driver. It reports the driver new tabs come from.
func (d *FallbackDriver) Name() string {
	if d.degraded() {
		return d.secondary.Name()
	}
	return d.primary.Name()
}

func (d *FallbackDriver) degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Open implements Driver.
func (d *FallbackDriver) Open(ctx context.Context) (Tab, error) {
	if !d.degraded() {
		tab, err := d.primary.Open(ctx)
		if err == nil {
			return tab, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, ErrBrowserUnavailable) {
			d.mu.Lock()
			d.failed = true
			d.mu.Unlock()
		}
		zap.L().Warn("sandbox: browser driver failed, using fallback",
			zap.String("driver", d.primary.Name()),
			zap.String("fallback", d.secondary.Name()),
			zap.Error(err),
		)
	}
	return d.secondary.Open(ctx)
}

// Close implements Driver.
func (d *FallbackDriver) Close() error {
	perr := d.primary.Close()
	serr := d.secondary.Close()
	if perr != nil {
		return eris.Wrap(perr, "sandbox: close browser driver")
	}
	if serr != nil {
		return eris.Wrap(serr, "sandbox: close fallback driver")
	}
	return nil
}
