package model

import (
	"encoding/json"
	"time"
)

// TaskKind selects what a synthesized extractor must produce.
type TaskKind string

const (
	// TaskVenueProfile extracts a single venue record.
	TaskVenueProfile TaskKind = "VENUE_PROFILE"
	// TaskEventListing extracts an array of event records.
	TaskEventListing TaskKind = "EVENT_LISTING"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	return k == TaskVenueProfile || k == TaskEventListing
}

// FunctionName is the entry point generated code must declare for this kind.
func (k TaskKind) FunctionName() string {
	if k == TaskEventListing {
		return "scrapeEvents"
	}
	return "scrapeVenueInfo"
}

// Parameters is the parameter list the entry point must accept.
func (k TaskKind) Parameters() []string {
	if k == TaskEventListing {
		return []string{"browser", "url", "timezone"}
	}
	return []string{"browser", "url"}
}

// SessionStatus is the lifecycle state of a synthesis session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionSuccess    SessionStatus = "SUCCESS"
	SessionFailed     SessionStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionSuccess || s == SessionFailed
}

// Session is one synthesis task for one target URL and task kind.
type Session struct {
	ID               string          `json:"id"`
	TargetURL        string          `json:"target_url"`
	TaskKind         TaskKind        `json:"task_kind"`
	Timezone         string          `json:"timezone"`
	Status           SessionStatus   `json:"status"`
	CurrentIteration int             `json:"current_iteration"`
	MaxIterations    int             `json:"max_iterations"`
	BestScore        float64         `json:"best_score"`
	BestCode         *string         `json:"best_code,omitempty"`
	BestData         json.RawMessage `json:"best_data,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// NewSession builds an IN_PROGRESS session. The caller assigns the ID.
func NewSession(id, targetURL string, kind TaskKind, timezone string, maxIterations int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            id,
		TargetURL:     targetURL,
		TaskKind:      kind,
		Timezone:      timezone,
		Status:        SessionInProgress,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
