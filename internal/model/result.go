package model

import "encoding/json"

// ExecutionResult is the response contract returned for every execution.
type ExecutionResult struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Console   []string        `json:"console,omitempty"`
	Debug     *DebugInfo      `json:"debug,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
}

// DebugInfo is the telemetry attached when a request asks for it.
type DebugInfo struct {
	ExecutionID     string            `json:"executionId"`
	CacheKey        string            `json:"cacheKey"`
	Sandbox         string            `json:"sandbox,omitempty"`
	Mode            string            `json:"mode"`
	UsedCache       bool              `json:"usedCache"`
	AnalyzeTimeMS   int64             `json:"analyzeTimeMs"`
	InstallTimeMS   int64             `json:"installTimeMs"`
	ExecutionTimeMS int64             `json:"executionTimeMs"`
	TotalTimeMS     int64             `json:"totalTimeMs"`
	Dependencies    map[string]string `json:"dependencies"`
	Fetched         []string          `json:"fetched,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	Cache           *CacheSnapshot    `json:"cache,omitempty"`
}

// CacheSnapshot summarizes cache occupancy at the end of a request.
type CacheSnapshot struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"totalBytes"`
	LimitBytes int64 `json:"limitBytes"`
	EntryBytes int64 `json:"entryBytes"`
}
