package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/installer"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/result"
	"github.com/seantiz/runbox/internal/sandbox"
	"github.com/seantiz/runbox/internal/store"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTimeout = 30 * time.Second
	DefaultWorkers = 16
)

// ErrOverloaded is returned by Submit when every async worker is busy.
var ErrOverloaded = errors.New("execution queue is full")

// Config configures an Engine.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// Workers bounds concurrent async executions.
	Workers int
}

// Engine orchestrates script executions.
type Engine struct {
	cfg       Config
	cache     *cache.Registry
	installer *installer.Installer
	sandboxes *sandbox.Registry
	store     store.Store
	logger    *slog.Logger
	broker    *LogBroker
	pool      *ants.Pool
	wg        sync.WaitGroup
}

// New creates an engine. The async worker pool is non-blocking: once it is
// saturated Submit fails fast with ErrOverloaded.
func New(cfg Config, reg *cache.Registry, inst *installer.Installer, sandboxes *sandbox.Registry, s store.Store, logger *slog.Logger) (*Engine, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		cache:     reg,
		installer: inst,
		sandboxes: sandboxes,
		store:     s,
		logger:    logger,
		broker:    NewLogBroker(),
		pool:      pool,
	}, nil
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Sandboxes returns the sandbox registry executions are resolved against.
func (e *Engine) Sandboxes() *sandbox.Registry {
	return e.sandboxes
}

// Execute runs req to completion and returns the response. Validation
// failures are reported without touching the cache or the store. The run is
// detached from ctx's cancellation: a client going away does not stop it,
// only the script timeout does.
func (e *Engine) Execute(ctx context.Context, req *model.ExecutionRequest) model.ExecutionResult {
	start := time.Now()
	r := *req
	if r.ID == "" {
		r.ID = model.NewID()
	}

	p, err := e.prepare(&r)
	if err != nil {
		res := result.Failure(&r, err, result.Telemetry{ExecutionID: r.ID, Total: time.Since(start)})
		observe(res, "", time.Since(start))
		return res
	}

	ctx = context.WithoutCancel(ctx)
	if err := e.store.CreateExecution(ctx, newRecord(p, false)); err != nil {
		e.logger.Error("failed to record execution", "execution_id", r.ID, "error", err)
	}
	return e.run(ctx, p, start)
}

// Submit validates and analyzes req, records it as pending and schedules it
// on the worker pool. The returned record is the pending state; progress is
// observed through the store and the broker.
func (e *Engine) Submit(ctx context.Context, req *model.ExecutionRequest) (*model.Execution, error) {
	r := *req
	if r.ID == "" {
		r.ID = model.NewID()
	}

	p, err := e.prepare(&r)
	if err != nil {
		return nil, err
	}

	rec := newRecord(p, true)
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, apperr.Internal(err, "create execution")
	}

	e.wg.Add(1)
	err = e.pool.Submit(func() {
		defer e.wg.Done()
		asyncRunning.Inc()
		defer asyncRunning.Dec()
		e.run(context.Background(), p, time.Now())
	})
	if err != nil {
		e.wg.Done()
		e.abandon(rec.ID, err)
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, ErrOverloaded
		}
		return nil, apperr.Internal(err, "schedule execution")
	}

	e.logger.Info("execution submitted", "execution_id", rec.ID, "cache_key", rec.CacheKey, "sandbox", rec.Sandbox)
	return rec, nil
}

// abandon marks a submitted execution that never got a worker as failed.
func (e *Engine) abandon(id string, cause error) {
	defer e.broker.Close(id)
	now := time.Now().UTC()
	err := e.store.UpdateExecution(context.Background(), &model.Execution{
		ID:         id,
		Status:     model.StatusFailed,
		ErrorKind:  string(apperr.KindInternal),
		Error:      fmt.Sprintf("not scheduled: %v", cause),
		FinishedAt: &now,
	})
	if err != nil {
		e.logger.Error("failed to update abandoned execution", "execution_id", id, "error", err)
	}
}

// Wait blocks until all in-flight async executions complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown waits for in-flight async executions, up to ctx's deadline, and
// releases the worker pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for executions: %w", ctx.Err())
	}
	e.pool.Release()
	return err
}

// PoolStats reports async worker occupancy.
type PoolStats struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Free     int `json:"free"`
}

// Pool returns current async worker occupancy.
func (e *Engine) Pool() PoolStats {
	return PoolStats{
		Capacity: e.pool.Cap(),
		Running:  e.pool.Running(),
		Free:     e.pool.Free(),
	}
}
