package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/runbox/internal/analyzer"
	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/result"
	"github.com/seantiz/runbox/internal/sandbox"
)

// prepared is a request that passed validation and analysis.
type prepared struct {
	req         *model.ExecutionRequest
	analysis    *analyzer.Analysis
	inputs      []json.RawMessage
	timeout     time.Duration
	sandbox     sandbox.Sandbox
	sandboxName string
	analyzeTime time.Duration
}

// prepare validates req and analyzes its code. Every error it returns is a
// validation error, except a misconfigured default sandbox.
func (e *Engine) prepare(req *model.ExecutionRequest) (*prepared, error) {
	timeout, err := e.timeout(req.Options.Timeout)
	if err != nil {
		return nil, err
	}

	switch req.Options.Mode {
	case "", model.ModeBatch, model.ModePerItem:
	default:
		return nil, apperr.Validation("options.mode must be %q or %q, got %q",
			model.ModeBatch, model.ModePerItem, req.Options.Mode)
	}

	inputs, err := req.Inputs()
	if err != nil {
		return nil, apperr.Validation("items: %v", err)
	}

	sb, name, err := e.sandboxes.Resolve(req.Options.Sandbox)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	analysis, err := analyzer.Analyze(req.Code)
	if err != nil {
		return nil, err
	}

	return &prepared{
		req:         req,
		analysis:    analysis,
		inputs:      inputs,
		timeout:     timeout,
		sandbox:     sb,
		sandboxName: name,
		analyzeTime: time.Since(start),
	}, nil
}

// timeout resolves the requested timeout in milliseconds against the
// configured default and maximum.
func (e *Engine) timeout(ms int) (time.Duration, error) {
	switch {
	case ms < 0:
		return 0, apperr.Validation("options.timeout must not be negative")
	case ms == 0:
		return e.cfg.DefaultTimeout, nil
	}
	d := time.Duration(ms) * time.Millisecond
	if d > e.cfg.MaxTimeout {
		return 0, apperr.Validation("options.timeout %dms exceeds the maximum of %dms", ms, e.cfg.MaxTimeout.Milliseconds())
	}
	return d, nil
}

func newRecord(p *prepared, async bool) *model.Execution {
	return &model.Execution{
		ID:        p.req.ID,
		Status:    model.StatusPending,
		CacheKey:  p.req.EffectiveCacheKey(),
		Sandbox:   p.sandboxName,
		Mode:      p.req.EffectiveMode(),
		Async:     async,
		CodeHash:  model.CodeHash(p.req.Code),
		CreatedAt: time.Now().UTC(),
	}
}

// run executes a prepared request through the record lifecycle
// pending→running→succeeded/failed and returns the response.
func (e *Engine) run(ctx context.Context, p *prepared, start time.Time) model.ExecutionResult {
	id := p.req.ID
	// Close the console stream when execution finishes, regardless of outcome.
	defer e.broker.Close(id)

	log := e.logger.With("execution_id", id, "cache_key", p.req.EffectiveCacheKey(), "sandbox", p.sandboxName)

	if err := e.store.UpdateExecutionStatus(ctx, id, model.StatusRunning); err != nil {
		log.Error("failed to transition to running", "error", err)
	}

	for _, w := range p.analysis.Warnings {
		log.Debug("analyzer warning", "warning", w)
	}

	tel := result.Telemetry{
		ExecutionID:  id,
		CacheKey:     p.req.EffectiveCacheKey(),
		Sandbox:      p.sandboxName,
		Analyze:      p.analyzeTime,
		Dependencies: map[string]string(p.analysis.Dependencies),
		Warnings:     p.analysis.Warnings,
	}

	out, err := e.pipeline(ctx, p, &tel, log)
	tel.Total = time.Since(start)

	var res model.ExecutionResult
	if err != nil {
		tel.Console = out.Console
		res = result.Failure(p.req, err, tel)
		log.Warn("execution failed",
			"error_type", res.ErrorType,
			"error", res.Error,
			"duration_ms", tel.Total.Milliseconds(),
		)
	} else {
		res = result.Success(p.req, out, tel)
		log.Info("execution succeeded",
			"used_cache", tel.UsedCache,
			"fetched", len(tel.Fetched),
			"install_ms", tel.Install.Milliseconds(),
			"execution_ms", tel.Execution.Milliseconds(),
			"duration_ms", tel.Total.Milliseconds(),
		)
	}

	e.finish(id, res, tel, log)
	observe(res, p.sandboxName, tel.Total)
	return res
}

// pipeline leases the cache entry, installs what is missing and runs the
// script. The lease is released on every path, including timeouts.
func (e *Engine) pipeline(ctx context.Context, p *prepared, tel *result.Telemetry, log *slog.Logger) (sandbox.Outcome, error) {
	lease, err := e.cache.Acquire(ctx, p.req.EffectiveCacheKey())
	if err != nil {
		return sandbox.Outcome{}, err
	}
	defer lease.Release()
	defer func() { tel.Cache = e.snapshot(lease) }()

	// On success the shared lock is held, so the generation read below
	// cannot be reset or replaced until the run ends.
	report, err := e.installer.EnsureShared(ctx, lease, p.analysis.Dependencies, p.req.Options.ForceUpdate)
	tel.Install = report.Duration
	tel.UsedCache = report.UsedCache
	tel.Fetched = report.Fetched
	if report.Resolved != nil {
		tel.Dependencies = report.Resolved
	}
	if err != nil {
		return sandbox.Outcome{}, err
	}
	installSeconds.Observe(report.Duration.Seconds())

	runStart := time.Now()
	out, err := e.runSandbox(ctx, p, lease, log)
	lease.RUnlock()
	e.cache.Touch(lease)

	tel.Execution = out.Duration
	if tel.Execution == 0 {
		tel.Execution = time.Since(runStart)
	}
	return out, err
}

// runSandbox invokes the sandbox against the leased generation. The caller holds
// the entry's shared lock.
func (e *Engine) runSandbox(ctx context.Context, p *prepared, lease *cache.Lease, log *slog.Logger) (sandbox.Outcome, error) {
	var seq atomic.Int32
	inv := sandbox.Invocation{
		ID:         p.req.ID,
		Source:     p.analysis.Source,
		Inputs:     p.inputs,
		ModulesDir: lease.ModulesDir(),
		Timeout:    p.timeout,
		// Dual-write: persist for history, then publish for live SSE.
		ConsoleWriter: func(line string) {
			n := int(seq.Add(1) - 1)
			if err := e.store.InsertConsoleLine(ctx, p.req.ID, n, line); err != nil {
				log.Error("failed to persist console line", "seq", n, "error", err)
			}
			e.broker.Publish(p.req.ID, line)
		},
	}

	return p.sandbox.Run(ctx, inv)
}

func (e *Engine) snapshot(lease *cache.Lease) *model.CacheSnapshot {
	st := e.cache.Stats()
	return &model.CacheSnapshot{
		Entries:    st.Entries,
		TotalBytes: st.TotalBytes,
		LimitBytes: st.LimitBytes,
		EntryBytes: lease.Size(),
	}
}

// finish stores the terminal state of an execution.
func (e *Engine) finish(id string, res model.ExecutionResult, tel result.Telemetry, log *slog.Logger) {
	body, err := json.Marshal(res)
	if err != nil {
		log.Error("failed to encode result", "error", err)
	}

	install := tel.Install.Milliseconds()
	exec := tel.Execution.Milliseconds()
	total := tel.Total.Milliseconds()
	now := time.Now().UTC()

	rec := &model.Execution{
		ID:          id,
		Status:      model.StatusSucceeded,
		UsedCache:   tel.UsedCache,
		Result:      body,
		InstallMS:   &install,
		ExecutionMS: &exec,
		DurationMS:  &total,
		FinishedAt:  &now,
	}
	if !res.Success {
		rec.Status = model.StatusFailed
		rec.ErrorKind = res.ErrorType
		rec.Error = res.Error
	}

	if err := e.store.UpdateExecution(context.Background(), rec); err != nil {
		log.Error("failed to update finished execution", "error", err)
	}
}
