// Package jobs runs synthesis sessions from a queue: one job per session,
// whole-job retries with backoff, bounded concurrency and pollable progress.
package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scrapegen/internal/model"
)

// ErrJobNotFound is returned by Cancel when no job exists for a session.
var ErrJobNotFound = eris.New("jobs: job not found")

// Payload is the job argument. SessionID is the job identity; the other
// fields are informational.
type Payload struct {
	SessionID string         `json:"session_id"`
	TargetURL string         `json:"target_url,omitempty"`
	TaskKind  model.TaskKind `json:"task_kind,omitempty"`
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	JobID string `json:"job_id"`
	// Duplicate is true when a job for the session already existed and
	// nothing new was scheduled.
	Duplicate bool `json:"duplicate"`
}

// State is a queue-neutral job state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// JobStatus is the pollable view of a session's job.
type JobStatus struct {
	Found        bool            `json:"found"`
	State        State           `json:"state,omitempty"`
	Progress     *model.Progress `json:"progress,omitempty"`
	AttemptsMade int             `json:"attempts_made"`
	FailedReason string          `json:"failed_reason,omitempty"`
}

// Queue schedules synthesis jobs.
type Queue interface {
	// Enqueue schedules the session. Enqueuing a session that already has a
	// job is a no-op reported through EnqueueResult.Duplicate.
	Enqueue(ctx context.Context, p Payload) (EnqueueResult, error)
	Status(ctx context.Context, sessionID string) (*JobStatus, error)
	// Cancel stops the job and marks the session FAILED. An in-flight
	// sandbox run is interrupted through its context.
	Cancel(ctx context.Context, sessionID string) error
}

// Config tunes both queue implementations.
type Config struct {
	Concurrency        int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts        int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	RunTimeout         time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	CompletedRetention time.Duration `yaml:"completed_retention" mapstructure:"completed_retention"`
	FailedRetention    time.Duration `yaml:"failed_retention" mapstructure:"failed_retention"`
	TaskQueue          string        `yaml:"task_queue" mapstructure:"task_queue"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * time.Minute
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = time.Hour
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	if c.TaskQueue == "" {
		c.TaskQueue = "scrapegen-synthesis"
	}
	return c
}

// CancelledReason is the session error message after a job is cancelled.
const CancelledReason = "cancelled"
