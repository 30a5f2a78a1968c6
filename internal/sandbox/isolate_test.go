package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/runbox/internal/apperr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inputs(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(v)
	}
	return out
}

func runIsolate(t *testing.T, inv Invocation) (Outcome, error) {
	t.Helper()
	if inv.Timeout == 0 {
		inv.Timeout = 5 * time.Second
	}
	s := NewIsolateSandbox(IsolateConfig{Logger: discardLogger()})
	return s.Run(context.Background(), inv)
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestIsolateCallsOncePerInput(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `module.exports = function (x) { return x * 2; };`,
		Inputs: inputs("1", "2", "3"),
	})
	require.NoError(t, err)
	assert.Equal(t, inputs("2", "4", "6"), out.Results)
}

func TestIsolateObjectInputs(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `module.exports = (o) => ({ sum: o.a + o.b, tags: o.tags.concat(["done"]) });`,
		Inputs: inputs(`{"a":1,"b":2,"tags":["x"]}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":3,"tags":["x","done"]}`, string(out.Results[0]))
}

func TestIsolateAwaitsPromisesAndTimers(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `
module.exports = async function (x) {
  await new Promise((resolve) => setTimeout(resolve, 20));
  let ticks = 0;
  await new Promise((resolve) => {
    const id = setInterval(() => {
      ticks++;
      if (ticks === 3) { clearInterval(id); resolve(); }
    }, 5);
  });
  await new Promise((resolve) => setImmediate(resolve));
  return x + ticks;
};`,
		Inputs: inputs("1", "10"),
	})
	require.NoError(t, err)
	assert.Equal(t, inputs("4", "13"), out.Results)
}

func TestIsolateUndefinedBecomesNull(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `module.exports = (x) => { if (x > 1) return x; };`,
		Inputs: inputs("1", "2"),
	})
	require.NoError(t, err)
	assert.Equal(t, inputs("null", "2"), out.Results)
}

func TestIsolateDefaultExport(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `module.exports = { default: (x) => x + "!" };`,
		Inputs: inputs(`"hi"`),
	})
	require.NoError(t, err)
	assert.Equal(t, inputs(`"hi!"`), out.Results)
}

func TestIsolateCapturesConsole(t *testing.T) {
	var streamed []string
	out, err := runIsolate(t, Invocation{
		Source: `
module.exports = () => {
  console.log("a", 1, { b: 2 });
  console.error("%s=%d", "x", 5);
  process.stdout.write("raw\n");
  return true;
};`,
		Inputs:        inputs("null"),
		ConsoleWriter: func(line string) { streamed = append(streamed, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`a 1 {"b":2}`, "x=5", "raw"}, out.Console)
	assert.Equal(t, out.Console, streamed)
}

func TestIsolateThrowIsExecutionError(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `module.exports = () => { console.log("before"); throw new Error("boom"); };`,
		Inputs: inputs("1"),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.Equal(t, "boom", apperr.Message(err))
	assert.Equal(t, []string{"before"}, out.Console)
}

func TestIsolateRejectionIsExecutionError(t *testing.T) {
	_, err := runIsolate(t, Invocation{
		Source: `module.exports = async () => { throw new TypeError("bad input"); };`,
		Inputs: inputs("1"),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.Equal(t, "bad input", apperr.Message(err))
}

func TestIsolateNotAFunction(t *testing.T) {
	_, err := runIsolate(t, Invocation{
		Source: `module.exports = 42;`,
		Inputs: inputs("1"),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "script must export a function")
}

func TestIsolateSyntaxError(t *testing.T) {
	_, err := runIsolate(t, Invocation{
		Source: `module.exports = (x) => {`,
		Inputs: inputs("1"),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
}

func TestIsolateInfiniteLoopTimesOut(t *testing.T) {
	start := time.Now()
	out, err := runIsolate(t, Invocation{
		Source:  `module.exports = () => { console.log("spin"); while (true) {} };`,
		Inputs:  inputs("1"),
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"spin"}, out.Console)
}

func TestIsolatePendingTimerTimesOut(t *testing.T) {
	_, err := runIsolate(t, Invocation{
		Source:  `module.exports = () => new Promise((resolve) => setTimeout(resolve, 60000));`,
		Inputs:  inputs("1"),
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}

func TestIsolateUnsettledPromise(t *testing.T) {
	_, err := runIsolate(t, Invocation{
		Source: `module.exports = () => new Promise(() => {});`,
		Inputs: inputs("1"),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "never settled")
}

func TestIsolateCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewIsolateSandbox(IsolateConfig{Logger: discardLogger()})
	_, err := s.Run(ctx, Invocation{
		Source:  `module.exports = () => { while (true) {} };`,
		Inputs:  inputs("1"),
		Timeout: time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	assert.Equal(t, "run canceled", apperr.Message(err))
}

func TestIsolateRequiresInstalledPackages(t *testing.T) {
	modules := t.TempDir()
	writeFiles(t, modules, map[string]string{
		"greet/package.json":              `{"name":"greet","version":"1.2.0","main":"lib/index.js"}`,
		"greet/lib/index.js":              `const util = require('./util'); const dep = require('dep'); module.exports = (n) => util.prefix + dep(n);`,
		"greet/lib/util.js":               `exports.prefix = "hello ";`,
		"greet/node_modules/dep/index.js": `module.exports = (n) => n.toUpperCase();`,
		"@scope/conf/package.json":        `{"name":"@scope/conf","exports":{".":{"require":"./cjs/main.cjs","import":"./esm/main.mjs"}}}`,
		"@scope/conf/cjs/main.cjs":        `module.exports = require('./data.json');`,
		"@scope/conf/cjs/data.json":       `{"answer":42}`,
		"cyclic-a/index.js":               `exports.name = "a"; const b = require('cyclic-b'); exports.fromB = b.name;`,
		"cyclic-b/index.js":               `const a = require('cyclic-a'); exports.name = "b:" + a.name;`,
	})

	out, err := runIsolate(t, Invocation{
		Source: `
const greet = require('greet@^1.0.0');
const conf = require('@scope/conf');
const cyc = require('cyclic-a');
module.exports = (name) => [greet(name), conf.answer, cyc.fromB];`,
		Inputs:     inputs(`"bob"`),
		ModulesDir: modules,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["hello BOB",42,"b:a"]`, string(out.Results[0]))
}

func TestIsolateRequireFailures(t *testing.T) {
	modules := t.TempDir()
	writeFiles(t, modules, map[string]string{
		"escape/index.js": `module.exports = require('../../outside');`,
	})
	writeFiles(t, filepath.Dir(modules), map[string]string{
		"outside.js": `module.exports = 1;`,
	})

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"builtin", `const fs = require('fs');`, "built-in module 'fs'"},
		{"node prefix", `const fs = require('node:fs');`, "built-in module 'node:fs'"},
		{"missing", `const x = require('nope');`, "Cannot find module 'nope'"},
		{"local", `const x = require('./helper');`, "local modules are not supported"},
		{"escape", `const x = require('escape');`, "Cannot find module"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runIsolate(t, Invocation{
				Source:     tt.src + "\nmodule.exports = () => 1;",
				Inputs:     inputs("1"),
				ModulesDir: modules,
			})
			require.Error(t, err)
			assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIsolateModuleErrorCode(t *testing.T) {
	out, err := runIsolate(t, Invocation{
		Source: `
module.exports = () => {
  try { require('absent'); } catch (e) { return e.code; }
};`,
		Inputs:     inputs("1"),
		ModulesDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, inputs(`"MODULE_NOT_FOUND"`), out.Results)
}

func TestIsolateRunsAreIndependent(t *testing.T) {
	src := `globalThis.count = (globalThis.count || 0) + 1; module.exports = () => globalThis.count;`
	for range 2 {
		out, err := runIsolate(t, Invocation{Source: src, Inputs: inputs("1")})
		require.NoError(t, err)
		assert.Equal(t, inputs("1"), out.Results)
	}
}

func TestExportsEntry(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, ""},
		{`"./main.js"`, "./main.js"},
		{`{".":"./root.js","./sub":"./sub.js"}`, "./root.js"},
		{`{"import":"./m.mjs","require":"./c.cjs"}`, "./c.cjs"},
		{`{".":{"node":{"require":"./n.cjs"},"default":"./d.js"}}`, "./n.cjs"},
		{`{"import":"./m.mjs"}`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exportsEntry(json.RawMessage(tt.raw)), tt.raw)
	}
}
