package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/runbox/internal/model"
)

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountBySandbox   map[string]int `json:"count_by_sandbox"`
	CountByErrorKind map[string]int `json:"count_by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	// CacheHitRate is the share of succeeded executions that needed no install.
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// Store defines the persistence operations for execution history.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	UpdateExecution(ctx context.Context, e *model.Execution) error
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertConsoleLine(ctx context.Context, executionID string, seq int, line string) error
	GetConsoleLines(ctx context.Context, executionID string) ([]model.ConsoleLine, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
