package model

import (
	"encoding/json"
	"time"
)

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// ConsoleLine is a single persisted console line from an execution.
type ConsoleLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is the history record of one script run.
type Execution struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	CacheKey    string          `json:"cache_key"`
	Sandbox     string          `json:"sandbox"`
	Mode        string          `json:"mode"`
	Async       bool            `json:"async"`
	CodeHash    string          `json:"code_hash"`
	UsedCache   bool            `json:"used_cache"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	InstallMS   *int64          `json:"install_ms,omitempty"`
	ExecutionMS *int64          `json:"execution_ms,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}
