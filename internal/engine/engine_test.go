package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/engine"
	"github.com/seantiz/runbox/internal/installer"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/sandbox"
	"github.com/seantiz/runbox/internal/store"
)

// jsPackage is a package the fake fetcher can install.
type jsPackage struct {
	version string
	source  string
}

// jsFetcher writes real CommonJS packages so the isolate sandbox can load
// them, and counts fetches per package.
type jsFetcher struct {
	mu       sync.Mutex
	packages map[string]jsPackage
	counts   map[string]int
	delay    time.Duration
	err      error
}

func newJSFetcher() *jsFetcher {
	return &jsFetcher{
		packages: map[string]jsPackage{
			"padder": {"1.4.2", `module.exports = (s, n) => String(s).padStart(n, "0");`},
			"twice":  {"2.0.0", `module.exports = (n) => n * 2;`},
		},
		counts: make(map[string]int),
	}
}

func (f *jsFetcher) Name() string { return "fake" }

func (f *jsFetcher) Fetch(ctx context.Context, dir string, specs []model.PackageSpec) (map[string]string, error) {
	f.mu.Lock()
	delay, err := f.delay, f.err
	for _, s := range specs {
		f.counts[s.Name]++
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	versions := make(map[string]string, len(specs))
	for _, s := range specs {
		pkg, ok := f.packages[s.Name]
		if !ok {
			return nil, &installer.FetchError{Package: s.Name, Err: errors.New("404 Not Found")}
		}
		pdir := filepath.Join(dir, "node_modules", s.Name)
		if err := os.MkdirAll(pdir, 0o755); err != nil {
			return nil, err
		}
		pj := fmt.Sprintf(`{"name":%q,"version":%q}`, s.Name, pkg.version)
		if err := os.WriteFile(filepath.Join(pdir, "package.json"), []byte(pj), 0o644); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(pdir, "index.js"), []byte(pkg.source), 0o644); err != nil {
			return nil, err
		}
		versions[s.Name] = pkg.version
	}
	return versions, nil
}

func (f *jsFetcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

type harness struct {
	eng     *engine.Engine
	reg     *cache.Registry
	store   store.Store
	fetcher *jsFetcher
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := cache.Open(cache.Config{Root: t.TempDir(), MaxBytes: 1 << 30, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })

	fetcher := newJSFetcher()
	inst := installer.New(reg, fetcher, logger)

	sandboxes := sandbox.NewRegistry("isolate")
	sandboxes.Register("isolate", sandbox.NewIsolateSandbox(sandbox.IsolateConfig{Logger: logger}))

	eng, err := engine.New(engine.Config{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		Workers:        workers,
	}, reg, inst, sandboxes, s, logger)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	return &harness{eng: eng, reg: reg, store: s, fetcher: fetcher}
}

func request(code, items string) *model.ExecutionRequest {
	return &model.ExecutionRequest{Code: code, Items: json.RawMessage(items)}
}

func TestExecuteDoublesItems(t *testing.T) {
	h := newHarness(t, 4)

	res := h.eng.Execute(context.Background(), request(`module.exports = (items) => items.map(i => i * 2)`, "[1,2,3]"))

	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, "[2,4,6]", string(res.Data))
	assert.Nil(t, res.Console)
	assert.Nil(t, res.Debug)
}

func TestExecutePerItemMode(t *testing.T) {
	h := newHarness(t, 4)
	req := request(`module.exports = (x) => { if (x > 1) return x + 1; }`, "[1,2,3]")
	req.Options.Mode = model.ModePerItem

	res := h.eng.Execute(context.Background(), req)
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, "[null,3,4]", string(res.Data))
}

func TestExecuteSecondRequestUsesCache(t *testing.T) {
	h := newHarness(t, 4)
	code := `const pad = require('padder'); module.exports = (items) => items.map(i => pad(i, 3));`

	newReq := func() *model.ExecutionRequest {
		r := request(code, "[7,42]")
		r.CacheKey = "workflow-1"
		r.Options.Debug = true
		return r
	}

	first := h.eng.Execute(context.Background(), newReq())
	require.True(t, first.Success, first.Error)
	require.NotNil(t, first.Debug)
	assert.False(t, first.Debug.UsedCache)
	assert.Equal(t, []string{"padder"}, first.Debug.Fetched)
	assert.Equal(t, map[string]string{"padder": "1.4.2"}, first.Debug.Dependencies)

	second := h.eng.Execute(context.Background(), newReq())
	require.True(t, second.Success, second.Error)
	assert.True(t, second.Debug.UsedCache)
	assert.Zero(t, second.Debug.InstallTimeMS)
	assert.Empty(t, second.Debug.Fetched)
	assert.Equal(t, "workflow-1", second.Debug.CacheKey)
	assert.Equal(t, "isolate", second.Debug.Sandbox)
	require.NotNil(t, second.Debug.Cache)
	assert.Equal(t, 1, second.Debug.Cache.Entries)
	assert.Positive(t, second.Debug.Cache.EntryBytes)

	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.JSONEq(t, `["007","042"]`, string(second.Data))
	assert.Equal(t, 1, h.fetcher.count("padder"))
}

func TestExecuteForceUpdateRefetches(t *testing.T) {
	h := newHarness(t, 4)
	req := request(`const twice = require('twice'); module.exports = (n) => twice(n);`, "21")

	require.True(t, h.eng.Execute(context.Background(), req).Success)

	forced := *req
	forced.Options.ForceUpdate = true
	forced.Options.Debug = true
	res := h.eng.Execute(context.Background(), &forced)
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, "42", string(res.Data))
	assert.False(t, res.Debug.UsedCache)
	assert.Equal(t, 2, h.fetcher.count("twice"))
}

func TestExecuteConcurrentColdRequestsFetchOnce(t *testing.T) {
	h := newHarness(t, 4)
	h.fetcher.delay = 100 * time.Millisecond
	code := `const twice = require('twice'); module.exports = (n) => twice(n);`

	const n = 6
	results := make([]model.ExecutionResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			r := request(code, fmt.Sprint(i))
			r.CacheKey = "shared-cold"
			results[i] = h.eng.Execute(context.Background(), r)
		})
	}
	wg.Wait()

	for i, res := range results {
		require.True(t, res.Success, "request %d: %s", i, res.Error)
		assert.JSONEq(t, fmt.Sprint(i*2), string(res.Data))
	}
	assert.Equal(t, 1, h.fetcher.count("twice"))
}

func TestExecuteThrowLeavesCacheUntouched(t *testing.T) {
	h := newHarness(t, 4)
	const key = "throwing"

	ok := request(`const twice = require('twice'); module.exports = (n) => twice(n);`, "1")
	ok.CacheKey = key
	require.True(t, h.eng.Execute(context.Background(), ok).Success)

	manifest := func() []byte {
		l, err := h.reg.Acquire(context.Background(), key)
		require.NoError(t, err)
		defer l.Release()
		data, err := os.ReadFile(filepath.Join(l.Dir(), "manifest.json"))
		require.NoError(t, err)
		return data
	}
	before := manifest()

	bad := request(`const twice = require('twice'); module.exports = () => { throw new Error("exploded"); };`, "1")
	bad.CacheKey = key
	res := h.eng.Execute(context.Background(), bad)

	assert.False(t, res.Success)
	assert.Equal(t, "execution", res.ErrorType)
	assert.Contains(t, res.Error, "exploded")
	assert.Nil(t, res.Data)
	assert.Equal(t, before, manifest())
}

func TestExecuteTimeoutReleasesEntry(t *testing.T) {
	h := newHarness(t, 4)

	spin := request(`module.exports = () => { while (true) {} };`, "1")
	spin.CacheKey = "spin"
	spin.Options.Timeout = 200

	start := time.Now()
	res := h.eng.Execute(context.Background(), spin)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.ErrorType)
	assert.NotEmpty(t, res.Error)

	next := request(`module.exports = (x) => x;`, `"ok"`)
	next.CacheKey = "spin"
	res = h.eng.Execute(context.Background(), next)
	require.True(t, res.Success, res.Error)
	assert.Zero(t, h.reg.Stats().InUse)
}

func TestExecuteDependencyFailure(t *testing.T) {
	h := newHarness(t, 4)

	res := h.eng.Execute(context.Background(), request(`const x = require('no-such-pkg'); module.exports = () => x;`, "1"))
	assert.False(t, res.Success)
	assert.Equal(t, "dependency", res.ErrorType)
	assert.Contains(t, res.Error, "no-such-pkg")
}

func TestExecuteValidationHasNoSideEffects(t *testing.T) {
	h := newHarness(t, 4)

	tests := []struct {
		name string
		req  *model.ExecutionRequest
		want string
	}{
		{"empty code", request("", "1"), "code is required"},
		{"timeout over max", &model.ExecutionRequest{Code: "module.exports = () => 1;", Options: model.Options{Timeout: 60000}}, "exceeds the maximum"},
		{"negative timeout", &model.ExecutionRequest{Code: "module.exports = () => 1;", Options: model.Options{Timeout: -1}}, "must not be negative"},
		{"bad mode", &model.ExecutionRequest{Code: "module.exports = () => 1;", Options: model.Options{Mode: "sometimes"}}, "options.mode"},
		{"unknown sandbox", &model.ExecutionRequest{Code: "module.exports = () => 1;", Options: model.Options{Sandbox: "vm9000"}}, "not available"},
		{"bad items", request("module.exports = () => 1;", "{nope"), "items"},
		{"no export", request("const a = 1;", "1"), "must export a function"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.eng.Execute(context.Background(), tt.req)
			assert.False(t, res.Success)
			assert.Equal(t, "validation", res.ErrorType)
			assert.Contains(t, res.Error, tt.want)
		})
	}

	_, total, err := h.store.ListExecutions(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, h.reg.Stats().Entries)
}

func TestExecuteRecordsHistory(t *testing.T) {
	h := newHarness(t, 4)
	req := request(`module.exports = (x) => { console.log("seen", x); return x; };`, "5")
	req.Options.Console = true

	res := h.eng.Execute(context.Background(), req)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"seen 5"}, res.Console)

	list, total, err := h.store.ListExecutions(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)

	rec := list[0]
	assert.Equal(t, model.StatusSucceeded, rec.Status)
	assert.False(t, rec.Async)
	assert.Equal(t, model.SharedCacheKey, rec.CacheKey)
	assert.Equal(t, model.CodeHash(req.Code), rec.CodeHash)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)

	var stored model.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Result, &stored))
	assert.True(t, stored.Success)

	lines, err := h.store.GetConsoleLines(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "seen 5", lines[0].Line)
}

func TestExecuteIgnoresClientCancellation(t *testing.T) {
	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.eng.Execute(ctx, request(`module.exports = async (x) => { await new Promise(r => setTimeout(r, 20)); return x; };`, "3"))
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, "3", string(res.Data))
}

func waitForStatus(t *testing.T, s store.Store, id string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		require.NoError(t, err)
		if model.IsTerminal(e.Status) {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish within %s", id, timeout)
	return nil
}

func TestSubmitRunsAsynchronously(t *testing.T) {
	h := newHarness(t, 4)
	req := request(`module.exports = async (items) => { console.log("working"); return items.length; };`, "[1,2]")

	rec, err := h.eng.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.True(t, rec.Async)
	assert.NotEmpty(t, rec.ID)

	done := waitForStatus(t, h.store, rec.ID, 5*time.Second)
	assert.Equal(t, model.StatusSucceeded, done.Status)
	assert.True(t, done.Async)

	var res model.ExecutionResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	assert.JSONEq(t, "2", string(res.Data))

	h.eng.Wait()
	lines, err := h.store.GetConsoleLines(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "working", lines[0].Line)

	// The stream is closed once the execution is over.
	ch, unsub := h.eng.Broker().Subscribe(rec.ID)
	defer unsub()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubmitRecordsFailure(t *testing.T) {
	h := newHarness(t, 4)

	rec, err := h.eng.Submit(context.Background(), request(`module.exports = () => { throw new Error("async boom"); };`, "1"))
	require.NoError(t, err)

	done := waitForStatus(t, h.store, rec.ID, 5*time.Second)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, "execution", done.ErrorKind)
	assert.Equal(t, "async boom", done.Error)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, 4)

	_, err := h.eng.Submit(context.Background(), request("", "1"))
	require.Error(t, err)

	_, total, err := h.store.ListExecutions(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSubmitOverload(t *testing.T) {
	h := newHarness(t, 1)
	slow := request(`module.exports = () => new Promise(r => setTimeout(() => r(1), 300));`, "1")

	first, err := h.eng.Submit(context.Background(), slow)
	require.NoError(t, err)

	_, err = h.eng.Submit(context.Background(), slow)
	require.ErrorIs(t, err, engine.ErrOverloaded)

	h.eng.Wait()
	done := waitForStatus(t, h.store, first.ID, 5*time.Second)
	assert.Equal(t, model.StatusSucceeded, done.Status)

	// The rejected submission is recorded as failed, not left pending.
	list, _, err := h.store.ListExecutions(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, e := range list {
		assert.True(t, model.IsTerminal(e.Status), "execution %s is %s", e.ID, e.Status)
	}
}

func TestPoolStats(t *testing.T) {
	h := newHarness(t, 3)
	st := h.eng.Pool()
	assert.Equal(t, 3, st.Capacity)
	assert.Equal(t, 0, st.Running)
	assert.Equal(t, 3, st.Free)
}
