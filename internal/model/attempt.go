package model

import (
	"encoding/json"
	"time"
)

// ExecStatus is the outcome of running generated code in the sandbox.
type ExecStatus string

const (
	ExecSuccess ExecStatus = "SUCCESS"
	ExecError   ExecStatus = "ERROR"
)

// Attempt is one generate, execute and evaluate cycle that reached execution.
type Attempt struct {
	ID               int64           `json:"id,omitempty"`
	SessionID        string          `json:"session_id"`
	AttemptNumber    int             `json:"attempt_number"`
	Code             string          `json:"code"`
	CodeHash         string          `json:"code_hash"`
	ExecStatus       ExecStatus      `json:"exec_status"`
	ExecError        *string         `json:"exec_error,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	Data             json.RawMessage `json:"data,omitempty"`
	FieldsFound      []string        `json:"fields_found"`
	FieldsMissing    []string        `json:"fields_missing"`
	Score            float64         `json:"score"`
	DocumentSnapshot string          `json:"document_snapshot,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
