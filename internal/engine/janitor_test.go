package engine_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/runbox/internal/engine"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/store"
)

func TestJanitorSweep(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	execDir := t.TempDir()

	old := time.Now().Add(-3 * time.Hour)
	for _, name := range []string{"run-stale-a", "run-fresh-b", "keep-me"} {
		require.NoError(t, os.MkdirAll(filepath.Join(execDir, name), 0o755))
	}
	require.NoError(t, os.Chtimes(filepath.Join(execDir, "run-stale-a"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(execDir, "keep-me"), old, old))

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ancient := &model.Execution{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		CacheKey:  model.SharedCacheKey,
		Sandbox:   "isolate",
		Mode:      model.ModeBatch,
		CodeHash:  model.CodeHash("x"),
		CreatedAt: time.Now().UTC().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, s.CreateExecution(ctx, ancient))
	require.NoError(t, s.UpdateExecutionStatus(ctx, ancient.ID, model.StatusFailed))

	broker := engine.NewLogBroker()

	j, err := engine.NewJanitor(engine.JanitorConfig{
		ExecDir:       execDir,
		ScratchMaxAge: time.Hour,
		Retention:     7 * 24 * time.Hour,
	}, nil, s, broker, logger)
	require.NoError(t, err)

	rep := j.Sweep(ctx)
	assert.Equal(t, 1, rep.ScratchRemoved)
	assert.Equal(t, int64(1), rep.Pruned)

	assert.NoDirExists(t, filepath.Join(execDir, "run-stale-a"))
	assert.DirExists(t, filepath.Join(execDir, "run-fresh-b"))
	assert.DirExists(t, filepath.Join(execDir, "keep-me"))

	_, err = s.GetExecution(ctx, ancient.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJanitorMissingExecDir(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	j, err := engine.NewJanitor(engine.JanitorConfig{
		ExecDir: filepath.Join(t.TempDir(), "never-created"),
	}, nil, nil, nil, logger)
	require.NoError(t, err)

	assert.Zero(t, j.Sweep(context.Background()).ScratchRemoved)
}

func TestJanitorEvicts(t *testing.T) {
	h := newHarness(t, 2)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	j, err := engine.NewJanitor(engine.JanitorConfig{}, h.reg, h.store, h.eng.Broker(), logger)
	require.NoError(t, err)

	// Under the ceiling nothing is evicted.
	rep := j.Sweep(context.Background())
	assert.Empty(t, rep.Eviction.Evicted)
	assert.False(t, rep.Eviction.Overrun)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	_, err := engine.NewJanitor(engine.JanitorConfig{Schedule: "every now and then"}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestJanitorStartStop(t *testing.T) {
	j, err := engine.NewJanitor(engine.JanitorConfig{Schedule: "@every 1h"}, nil, nil, nil,
		slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	j.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, j.Stop(ctx))
}
