package model

import (
	"encoding/json"
	"time"
)

// TraceType classifies a step record in a session's trace log.
type TraceType string

const (
	TraceAnalysis   TraceType = "analysis"
	TracePlanning   TraceType = "planning"
	TraceGeneration TraceType = "generation"
	TraceExecution  TraceType = "execution"
	TraceEvaluation TraceType = "evaluation"
	TraceSuccess    TraceType = "success"
	TraceFailure    TraceType = "failure"
)

// TraceRecord is one typed step emitted while a session runs.
type TraceRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Iteration int             `json:"iteration"`
	Type      TraceType       `json:"type"`
	Message   string          `json:"message"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stage is the coarse progress stage published for job polling.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageFetching   Stage = "fetching"
	StageGenerating Stage = "generating"
	StageValidating Stage = "validating"
	StageExecuting  Stage = "executing"
	StageEvaluating Stage = "evaluating"
	StageDone       Stage = "done"
)

// Progress is the latest-value progress snapshot for a running job.
type Progress struct {
	Stage         Stage     `json:"stage"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	Message       string    `json:"message"`
	UpdatedAt     time.Time `json:"updated_at"`
}
