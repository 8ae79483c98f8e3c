package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/scrapegen/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Sandbox   SandboxConfig   `yaml:"sandbox" mapstructure:"sandbox"`
	Safety    SafetyConfig    `yaml:"safety" mapstructure:"safety"`
	Synth     SynthConfig     `yaml:"synth" mapstructure:"synth"`
	Evaluate  EvaluateConfig  `yaml:"evaluate" mapstructure:"evaluate"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend. DatabaseURL is a Postgres
// DSN or a SQLite file path depending on Driver.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
	CacheTTL   string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// LLMConfig tunes completion requests.
type LLMConfig struct {
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	RequestsPerMinute int     `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// JinaConfig holds Jina AI Reader settings. An empty key disables Jina.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds Firecrawl API settings. An empty key disables it.
type FirecrawlConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	WaitForMs int    `yaml:"wait_for_ms" mapstructure:"wait_for_ms"`
}

// ScrapeConfig configures target page fetching.
type ScrapeConfig struct {
	TimeoutSecs  int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes     int64    `yaml:"max_bytes" mapstructure:"max_bytes"`
	UserAgent    string   `yaml:"user_agent" mapstructure:"user_agent"`
	ExcludePaths []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
}

// SandboxConfig bounds generated code execution.
type SandboxConfig struct {
	TimeoutSecs           int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	NavigationTimeoutSecs int  `yaml:"navigation_timeout_secs" mapstructure:"navigation_timeout_secs"`
	MaxNavigations        int  `yaml:"max_navigations" mapstructure:"max_navigations"`
	MaxPages              int  `yaml:"max_pages" mapstructure:"max_pages"`
	AllowPrivateNetworks  bool `yaml:"allow_private_networks" mapstructure:"allow_private_networks"`

	// Browser is "chrome" (headless Chrome, falling back to http when it
	// cannot start) or "http" (fetched markup only).
	Browser         string `yaml:"browser" mapstructure:"browser"`
	ChromePath      string `yaml:"chrome_path" mapstructure:"chrome_path"`
	ChromeURL       string `yaml:"chrome_url" mapstructure:"chrome_url"`
	ChromeNoSandbox bool   `yaml:"chrome_no_sandbox" mapstructure:"chrome_no_sandbox"`
}

// SafetyConfig tunes validator warnings.
type SafetyConfig struct {
	MaxWaitMs          int `yaml:"max_wait_ms" mapstructure:"max_wait_ms"`
	MaxTimeoutOptionMs int `yaml:"max_timeout_option_ms" mapstructure:"max_timeout_option_ms"`
}

// SynthConfig tunes the synthesis loop.
type SynthConfig struct {
	MaxIterations int  `yaml:"max_iterations" mapstructure:"max_iterations"`
	DocumentChars int  `yaml:"document_chars" mapstructure:"document_chars"`
	DetailPages   bool `yaml:"detail_pages" mapstructure:"detail_pages"`
	TraceBuffer   int  `yaml:"trace_buffer" mapstructure:"trace_buffer"`
}

// EvaluateConfig holds the acceptance thresholds.
type EvaluateConfig struct {
	MinCoverage     float64 `yaml:"min_coverage" mapstructure:"min_coverage"`
	MaxFutureMonths int     `yaml:"max_future_months" mapstructure:"max_future_months"`
	SampleSize      int     `yaml:"sample_size" mapstructure:"sample_size"`
	MaxPrice        float64 `yaml:"max_price" mapstructure:"max_price"`
}

// JobsConfig configures the job queue.
type JobsConfig struct {
	Backend                 string         `yaml:"backend" mapstructure:"backend"`
	Concurrency             int            `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts             int            `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSecs      int            `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs          int            `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	RunTimeoutMins          int            `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
	CompletedRetentionMins  int            `yaml:"completed_retention_mins" mapstructure:"completed_retention_mins"`
	FailedRetentionHours    int            `yaml:"failed_retention_hours" mapstructure:"failed_retention_hours"`
	TaskQueue               string         `yaml:"task_queue" mapstructure:"task_queue"`
	Temporal                TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int      `yaml:"port" mapstructure:"port"`
	CORSOrigins  []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	StreamBuffer int      `yaml:"stream_buffer" mapstructure:"stream_buffer"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Firecrawl FirecrawlPricing        `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// JinaPricing holds Jina Reader pricing.
type JinaPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// FirecrawlPricing holds Firecrawl pricing.
type FirecrawlPricing struct {
	PlanMonthly     float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded float64 `yaml:"credits_included" mapstructure:"credits_included"`
}

// Rates converts pricing into calculator rates. Models not configured
// keep their built-in rates.
func (p PricingConfig) Rates() cost.Rates {
	rates := cost.DefaultRates()
	for name, m := range p.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         m.Input,
			Output:        m.Output,
			CacheWriteMul: m.CacheWriteMul,
			CacheReadMul:  m.CacheReadMul,
		}
	}
	if p.Jina.PerMTok > 0 {
		rates.Jina.PerMTok = p.Jina.PerMTok
	}
	if p.Firecrawl.PlanMonthly > 0 {
		rates.Firecrawl.PlanMonthly = p.Firecrawl.PlanMonthly
	}
	if p.Firecrawl.CreditsIncluded > 0 {
		rates.Firecrawl.CreditsIncluded = p.Firecrawl.CreditsIncluded
	}
	return rates
}

// Seconds converts a whole-second setting.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCRAPEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a default are invisible to AutomaticEnv during
	// Unmarshal, so secrets and URLs get empty ones.
	for _, key := range []string{
		"store.database_url", "anthropic.key", "anthropic.base_url",
		"jina.key", "firecrawl.key", "scrape.user_agent",
		"sandbox.chrome_path", "sandbox.chrome_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("sandbox.allow_private_networks", false)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_retries", 2)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("llm.timeout_secs", 120)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_minute", 20)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.wait_for_ms", 2000)
	v.SetDefault("scrape.timeout_secs", 20)
	v.SetDefault("scrape.max_bytes", 5<<20)
	v.SetDefault("scrape.exclude_paths", []string{"/cart/*", "/checkout/*", "/account/*", "/login/*", "/tag/*", "*.pdf", "*.ics"})
	v.SetDefault("sandbox.timeout_secs", 30)
	v.SetDefault("sandbox.navigation_timeout_secs", 20)
	v.SetDefault("sandbox.max_navigations", 10)
	v.SetDefault("sandbox.max_pages", 5)
	v.SetDefault("sandbox.browser", "chrome")
	v.SetDefault("sandbox.chrome_no_sandbox", false)
	v.SetDefault("safety.max_wait_ms", 10000)
	v.SetDefault("safety.max_timeout_option_ms", 30000)
	v.SetDefault("synth.max_iterations", 3)
	v.SetDefault("synth.document_chars", 60000)
	v.SetDefault("synth.detail_pages", true)
	v.SetDefault("synth.trace_buffer", 256)
	v.SetDefault("evaluate.min_coverage", 0.3)
	v.SetDefault("evaluate.max_future_months", 10)
	v.SetDefault("evaluate.sample_size", 3)
	v.SetDefault("evaluate.max_price", 10000)
	v.SetDefault("jobs.backend", "temporal")
	v.SetDefault("jobs.concurrency", 2)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.initial_backoff_secs", 5)
	v.SetDefault("jobs.max_backoff_secs", 300)
	v.SetDefault("jobs.run_timeout_mins", 30)
	v.SetDefault("jobs.completed_retention_mins", 60)
	v.SetDefault("jobs.failed_retention_hours", 168)
	v.SetDefault("jobs.task_queue", "scrapegen-synthesis")
	v.SetDefault("jobs.temporal.host_port", "localhost:7233")
	v.SetDefault("jobs.temporal.namespace", "default")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.stream_buffer", 64)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.firecrawl.plan_monthly", 19.00)
	v.SetDefault("pricing.firecrawl.credits_included", 3000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: serve, worker,
// run, enqueue, status, merge, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	generates := false
	switch mode {
	case "run", "worker":
		generates = true
	case "serve":
		// the memory backend runs workers inside the server
		generates = c.Jobs.Backend == "memory"
		need(c.Server.Port > 0, "server.port must be > 0")
	case "enqueue", "status", "merge", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	need(c.Store.Driver == "postgres" || c.Store.Driver == "sqlite", "store.driver must be postgres or sqlite")
	need(c.Store.DatabaseURL != "", "store.database_url is required")
	if mode != "run" && mode != "migrate" && mode != "merge" {
		need(c.Jobs.Backend == "temporal" || c.Jobs.Backend == "memory", "jobs.backend must be temporal or memory")
		if c.Jobs.Backend == "temporal" {
			need(c.Jobs.Temporal.HostPort != "", "jobs.temporal.host_port is required")
		}
	}
	if generates {
		need(c.Anthropic.Key != "", "anthropic.key is required")
		need(c.Jobs.Concurrency >= 1 && c.Jobs.Concurrency <= 32, "jobs.concurrency must be between 1 and 32")
		need(c.Synth.MaxIterations >= 1, "synth.max_iterations must be >= 1")
		need(c.Evaluate.MinCoverage >= 0 && c.Evaluate.MinCoverage <= 1, "evaluate.min_coverage must be between 0 and 1")
		need(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 1, "llm.temperature must be between 0 and 1")
		need(c.Sandbox.Browser == "chrome" || c.Sandbox.Browser == "http", "sandbox.browser must be chrome or http")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
