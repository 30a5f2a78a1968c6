// Package result turns sandbox outcomes and pipeline failures into the
// response contract returned by POST /execute.
package result

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/sandbox"
)

// Telemetry is what the pipeline measured for one request. It is only
// rendered when the request asked for debug output.
type Telemetry struct {
	ExecutionID  string
	CacheKey     string
	Sandbox      string
	UsedCache    bool
	Analyze      time.Duration
	Install      time.Duration
	Execution    time.Duration
	Total        time.Duration
	Dependencies map[string]string
	Fetched      []string
	Warnings     []string
	Cache        *model.CacheSnapshot

	// Console holds lines captured before a failure. Success uses the
	// outcome's console instead.
	Console []string
}

var null = json.RawMessage("null")

// Success builds the response for a run that completed. In batch mode the
// single invocation result is the data as returned; in per-item mode the
// data is an array whose i-th element is the result for the i-th input.
func Success(req *model.ExecutionRequest, out sandbox.Outcome, t Telemetry) model.ExecutionResult {
	res := model.ExecutionResult{
		Success: true,
		Data:    data(req.EffectiveMode(), out.Results),
	}
	if req.Options.Console {
		res.Console = out.Console
	}
	if req.Options.Debug {
		res.Debug = debugInfo(req, t)
	}
	return res
}

// Failure builds the response for a request that failed at any stage. Data
// is never set.
func Failure(req *model.ExecutionRequest, err error, t Telemetry) model.ExecutionResult {
	res := model.ExecutionResult{
		Success:   false,
		Error:     apperr.Message(err),
		ErrorType: string(apperr.KindOf(err)),
	}
	if res.Error == "" {
		res.Error = "execution failed"
	}
	if req == nil {
		return res
	}
	if req.Options.Console && len(t.Console) > 0 {
		res.Console = t.Console
	}
	if req.Options.Debug {
		res.Debug = debugInfo(req, t)
	}
	return res
}

func data(mode string, results []json.RawMessage) json.RawMessage {
	if mode != model.ModePerItem {
		if len(results) == 0 || len(results[0]) == 0 {
			return null
		}
		return results[0]
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range results {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(r) == 0 {
			r = null
		}
		buf.Write(r)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func debugInfo(req *model.ExecutionRequest, t Telemetry) *model.DebugInfo {
	deps := make(map[string]string, len(t.Dependencies))
	maps.Copy(deps, t.Dependencies)

	cacheKey := t.CacheKey
	if cacheKey == "" {
		cacheKey = req.EffectiveCacheKey()
	}
	return &model.DebugInfo{
		ExecutionID:     t.ExecutionID,
		CacheKey:        cacheKey,
		Sandbox:         t.Sandbox,
		Mode:            req.EffectiveMode(),
		UsedCache:       t.UsedCache,
		AnalyzeTimeMS:   t.Analyze.Milliseconds(),
		InstallTimeMS:   t.Install.Milliseconds(),
		ExecutionTimeMS: t.Execution.Milliseconds(),
		TotalTimeMS:     t.Total.Milliseconds(),
		Dependencies:    deps,
		Fetched:         t.Fetched,
		Warnings:        t.Warnings,
		Cache:           t.Cache,
	}
}
