package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrapegen/internal/config"
	"github.com/sells-group/scrapegen/internal/cost"
	"github.com/sells-group/scrapegen/internal/db"
	"github.com/sells-group/scrapegen/internal/evaluate"
	"github.com/sells-group/scrapegen/internal/jobs"
	"github.com/sells-group/scrapegen/internal/llm"
	"github.com/sells-group/scrapegen/internal/resilience"
	"github.com/sells-group/scrapegen/internal/safety"
	"github.com/sells-group/scrapegen/internal/sandbox"
	"github.com/sells-group/scrapegen/internal/scrape"
	"github.com/sells-group/scrapegen/internal/store"
	"github.com/sells-group/scrapegen/internal/stream"
	"github.com/sells-group/scrapegen/internal/synth"
	anthropicpkg "github.com/sells-group/scrapegen/pkg/anthropic"
	"github.com/sells-group/scrapegen/pkg/firecrawl"
	"github.com/sells-group/scrapegen/pkg/jina"
)

// appEnv holds the services shared by every command. It is built once per
// process and passed by pointer.
type appEnv struct {
	Store   store.Store
	Broker  *stream.Broker
	Trace   *synth.TraceWriter
	Browser sandbox.Driver
	Orch    *synth.Orchestrator
	Merger  *synth.Consolidator
	Runner  *jobs.Runner
}

// Close flushes pending trace writes, stops the browser and releases the
// store.
func (e *appEnv) Close() {
	if e.Trace != nil {
		e.Trace.Close()
	}
	if e.Browser != nil {
		if err := e.Browser.Close(); err != nil {
			zap.L().Warn("close browser driver", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "scrapegen.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store, and
// wires the orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	broker := stream.NewBroker(cfg.Server.StreamBuffer)
	trace := synth.NewTraceWriter(st, broker, cfg.Synth.TraceBuffer)
	docs := buildScrapeChain()
	browser := buildBrowserDriver(docs)
	orch := buildOrchestrator(st, trace, docs, browser)

	return &appEnv{
		Store:   st,
		Broker:  broker,
		Trace:   trace,
		Browser: browser,
		Orch:    orch,
		Merger:  synth.NewConsolidator(st),
		Runner:  jobs.NewRunner(orch, st, trace),
	}, nil
}

// buildScrapeChain returns the document chain: local HTTP first, then Jina
// Reader and Firecrawl when their keys are set.
func buildScrapeChain() *scrape.Chain {
	scrapers := []scrape.Scraper{
		scrape.NewLocalScraper(scrape.LocalOptions{
			Timeout:      config.Seconds(cfg.Scrape.TimeoutSecs),
			MaxBytes:     cfg.Scrape.MaxBytes,
			UserAgent:    cfg.Scrape.UserAgent,
			AllowPrivate: cfg.Sandbox.AllowPrivateNetworks,
		}),
	}
	if cfg.Jina.Key != "" {
		scrapers = append(scrapers, scrape.NewJinaAdapter(jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))))
	} else {
		zap.L().Debug("SCRAPEGEN_JINA_KEY not set, jina reader fallback disabled")
	}
	if cfg.Firecrawl.Key != "" {
		fc := firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))
		scrapers = append(scrapers, scrape.NewFirecrawlAdapter(fc, msDuration(cfg.Firecrawl.WaitForMs)))
	} else {
		zap.L().Debug("SCRAPEGEN_FIRECRAWL_KEY not set, firecrawl fallback disabled")
	}
	return scrape.NewChain(scrapers...)
}

// buildBrowserDriver returns the driver behind the sandbox browser. Chrome
// starts on the first page and falls back to plain HTTP fetches when it
// cannot.
func buildBrowserDriver(docs *scrape.Chain) sandbox.Driver {
	httpDriver := sandbox.NewHTTPDriver(docs.RequireHTML())
	if cfg.Sandbox.Browser == "http" {
		return httpDriver
	}
	chrome := sandbox.NewChromeDriver(sandbox.ChromeOptions{
		ExecPath:             cfg.Sandbox.ChromePath,
		RemoteURL:            cfg.Sandbox.ChromeURL,
		UserAgent:            cfg.Scrape.UserAgent,
		NoSandbox:            cfg.Sandbox.ChromeNoSandbox,
		AllowPrivateNetworks: cfg.Sandbox.AllowPrivateNetworks,
	})
	return sandbox.NewFallbackDriver(chrome, httpDriver)
}

func buildProvider() llm.Provider {
	client := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL),
		// retries go through the provider's resilience policy
		anthropicpkg.WithMaxRetries(0),
	)
	p := llm.NewAnthropicProvider(client, llm.AnthropicConfig{
		Model:    cfg.Anthropic.Model,
		Timeout:  config.Seconds(cfg.LLM.TimeoutSecs),
		CacheTTL: cfg.Anthropic.CacheTTL,
		Retry:    llmRetry(),
	})
	return llm.NewRateLimited(p, cfg.LLM.RequestsPerMinute)
}

func buildOrchestrator(st store.Store, trace synth.TraceSink, docs *scrape.Chain, browser sandbox.Driver) *synth.Orchestrator {
	return synth.New(synth.Deps{
		Store:    st,
		Provider: buildProvider(),
		Validator: safety.New(safety.Config{
			MaxWaitMs:          cfg.Safety.MaxWaitMs,
			MaxTimeoutOptionMs: cfg.Safety.MaxTimeoutOptionMs,
		}),
		Executor: sandbox.NewWithDriver(browser, sandbox.Config{
			Timeout:              config.Seconds(cfg.Sandbox.TimeoutSecs),
			NavigationTimeout:    config.Seconds(cfg.Sandbox.NavigationTimeoutSecs),
			MaxNavigations:       cfg.Sandbox.MaxNavigations,
			MaxPages:             cfg.Sandbox.MaxPages,
			AllowPrivateNetworks: cfg.Sandbox.AllowPrivateNetworks,
		}),
		Evaluator: evaluate.New(evaluate.Config{
			MinCoverage:     cfg.Evaluate.MinCoverage,
			MaxFutureMonths: cfg.Evaluate.MaxFutureMonths,
			SampleSize:      cfg.Evaluate.SampleSize,
			MaxPrice:        cfg.Evaluate.MaxPrice,
		}),
		Fetcher: docs,
		Trace:   trace,
		Cost:    cost.NewCalculator(cfg.Pricing.Rates()),
		Links:   scrape.NewPathMatcher(cfg.Scrape.ExcludePaths),
	}, synth.Config{
		MaxIterations: cfg.Synth.MaxIterations,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		ExecTimeout:   config.Seconds(cfg.Sandbox.TimeoutSecs),
		DocumentChars: cfg.Synth.DocumentChars,
		DetailPages:   cfg.Synth.DetailPages,
	})
}

func jobsConfig() jobs.Config {
	return jobs.Config{
		Concurrency:        cfg.Jobs.Concurrency,
		MaxAttempts:        cfg.Jobs.MaxAttempts,
		InitialBackoff:     config.Seconds(cfg.Jobs.InitialBackoffSecs),
		MaxBackoff:         config.Seconds(cfg.Jobs.MaxBackoffSecs),
		RunTimeout:         minutes(cfg.Jobs.RunTimeoutMins),
		CompletedRetention: minutes(cfg.Jobs.CompletedRetentionMins),
		FailedRetention:    60 * minutes(cfg.Jobs.FailedRetentionHours),
		TaskQueue:          cfg.Jobs.TaskQueue,
	}
}

// llmRetry maps anthropic.max_retries onto the provider retry policy.
func llmRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: cfg.Anthropic.MaxRetries + 1}
}

func msDuration(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
