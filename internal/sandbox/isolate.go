package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/seantiz/runbox/internal/analyzer"
	"github.com/seantiz/runbox/internal/apperr"
)

const defaultMaxCallStack = 10000

// IsolateConfig configures the in-process sandbox.
type IsolateConfig struct {
	MaxCallStackSize int
	Logger           *slog.Logger
}

// IsolateSandbox runs scripts in a fresh goja runtime inside the service
// process. Pure-JavaScript CommonJS packages load from the entry's
// node_modules; Node built-ins and native addons are unavailable. Timers and
// promises are driven by a small event loop on the calling goroutine.
type IsolateSandbox struct {
	maxStack int
	logger   *slog.Logger
}

// NewIsolateSandbox creates an in-process sandbox.
func NewIsolateSandbox(cfg IsolateConfig) *IsolateSandbox {
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = defaultMaxCallStack
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IsolateSandbox{maxStack: cfg.MaxCallStackSize, logger: logger}
}

// Capabilities implements Sandbox.
func (s *IsolateSandbox) Capabilities() Capabilities {
	return Capabilities{
		Name:      "isolate",
		Isolation: IsolationInProcess,
	}
}

// Run implements Sandbox.
func (s *IsolateSandbox) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	vm := goja.New()
	vm.SetMaxCallStackSize(s.maxStack)
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(context.Cause(ctx)) })
	defer stop()

	r := &isolateRun{
		ctx:        ctx,
		vm:         vm,
		modulesDir: inv.ModulesDir,
		modules:    make(map[string]*goja.Object),
		timers:     make(map[int64]*jsTimer),
		col:        NewCollector(len(inv.Inputs), inv.ConsoleWriter),
	}

	err := r.run(inv)
	elapsed := time.Since(start)
	if err != nil {
		err = r.classify(err, inv.Timeout)
		if apperr.IsKind(err, apperr.KindTimeout) {
			s.logger.Warn("sandbox: isolate run timed out", "execution_id", inv.ID, "timeout", inv.Timeout)
		}
		return Outcome{Console: r.col.Console(), Duration: elapsed}, err
	}
	return r.col.Outcome(elapsed, "")
}

type jsTimer struct {
	id       int64
	due      time.Time
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
}

type isolateRun struct {
	ctx        context.Context
	vm         *goja.Runtime
	modulesDir string
	modules    map[string]*goja.Object
	timers     map[int64]*jsTimer
	nextTimer  int64
	col        *Collector
}

// rejection is a promise that settled as rejected.
type rejection struct{ value goja.Value }

func (e *rejection) Error() string { return exceptionMessage(e.value) }

const prelude = `
var global = globalThis;
globalThis.queueMicrotask = function (fn) { Promise.resolve().then(fn); };
var process = {
  env: {},
  argv: ['node', 'script.js'],
  platform: 'linux',
  version: 'v20.0.0',
  versions: {},
  exitCode: 0,
  cwd: function () { return '/'; },
  nextTick: function (fn) {
    var args = Array.prototype.slice.call(arguments, 1);
    Promise.resolve().then(function () { fn.apply(null, args); });
  },
  stdout: { write: function (s) { console.log(String(s).replace(/\n$/, '')); return true; } },
  stderr: { write: function (s) { console.error(String(s).replace(/\n$/, '')); return true; } }
};
`

func (r *isolateRun) run(inv Invocation) error {
	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug", "trace"} {
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			r.col.addConsole(r.format(call.Arguments))
			return goja.Undefined()
		})
	}
	r.vm.Set("console", console)
	r.vm.Set("setTimeout", r.setTimer(false))
	r.vm.Set("setInterval", r.setTimer(true))
	r.vm.Set("setImmediate", r.setImmediate)
	r.vm.Set("clearTimeout", r.clearTimer)
	r.vm.Set("clearInterval", r.clearTimer)
	r.vm.Set("clearImmediate", r.clearTimer)
	if _, err := r.vm.RunString(prelude); err != nil {
		return fmt.Errorf("install globals: %w", err)
	}

	module, err := r.load("/sandbox/"+ScriptFile, inv.Source, "")
	if err != nil {
		return err
	}
	exports := module.Get("exports")
	fn, ok := goja.AssertFunction(exports)
	if !ok {
		if obj, isObj := exports.(*goja.Object); isObj {
			fn, ok = goja.AssertFunction(obj.Get("default"))
		}
	}
	if !ok {
		return apperr.Execution("script must export a function: module.exports is not a function")
	}

	jsonObj := r.vm.Get("JSON").ToObject(r.vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	for i, input := range inv.Inputs {
		arg, err := parse(goja.Undefined(), r.vm.ToValue(string(input)))
		if err != nil {
			return apperr.Validation("decode input %d: %v", i, err)
		}
		ret, err := fn(goja.Undefined(), arg)
		if err != nil {
			return err
		}
		if ret, err = r.settle(ret); err != nil {
			return err
		}
		data, err := stringify(goja.Undefined(), ret)
		if err != nil {
			return apperr.Execution("result is not JSON serializable: %s", errorMessage(err))
		}
		if data == nil || goja.IsUndefined(data) {
			r.col.results[i] = json.RawMessage("null")
		} else {
			r.col.results[i] = json.RawMessage(data.String())
		}
	}
	r.col.done = true
	return nil
}

// settle waits for v to settle when it is a promise, running timers as
// needed.
func (r *isolateRun) settle(v goja.Value) (goja.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v, nil
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &rejection{value: p.Result()}
		}
		ran, err := r.runNextTimer()
		if err != nil {
			return nil, err
		}
		if !ran {
			return nil, apperr.Execution("returned promise never settled")
		}
	}
}

func (r *isolateRun) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		r.nextTimer++
		r.timers[r.nextTimer] = &jsTimer{
			id:       r.nextTimer,
			due:      time.Now().Add(delay),
			fn:       fn,
			args:     args,
			interval: max(delay, time.Millisecond),
			repeat:   repeat,
		}
		return r.vm.ToValue(r.nextTimer)
	}
}

func (r *isolateRun) setImmediate(call goja.FunctionCall) goja.Value {
	args := append([]goja.Value{call.Argument(0), r.vm.ToValue(0)}, call.Arguments[min(1, len(call.Arguments)):]...)
	return r.setTimer(false)(goja.FunctionCall{This: call.This, Arguments: args})
}

func (r *isolateRun) clearTimer(call goja.FunctionCall) goja.Value {
	delete(r.timers, call.Argument(0).ToInteger())
	return goja.Undefined()
}

// runNextTimer waits for the earliest timer and fires it. It reports false
// when no timer is pending.
func (r *isolateRun) runNextTimer() (bool, error) {
	if len(r.timers) == 0 {
		return false, nil
	}
	pending := make([]*jsTimer, 0, len(r.timers))
	for _, t := range r.timers {
		pending = append(pending, t)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].due.Equal(pending[j].due) {
			return pending[i].id < pending[j].id
		}
		return pending[i].due.Before(pending[j].due)
	})
	t := pending[0]

	if wait := time.Until(t.due); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return false, r.ctx.Err()
		}
	}

	if t.repeat {
		t.due = time.Now().Add(t.interval)
	} else {
		delete(r.timers, t.id)
	}
	if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
		return false, err
	}
	return true, nil
}

// load compiles and runs a CommonJS module. from is the directory its
// require calls resolve against; empty means the user script, which may only
// require packages.
func (r *isolateRun) load(filename, src, from string) (*goja.Object, error) {
	if strings.HasPrefix(src, "#!") {
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			src = "//" + src[i:]
		} else {
			src = ""
		}
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {" + src + "\n})"
	prog, err := goja.Compile(filename, wrapped, false)
	if err != nil {
		return nil, apperr.Execution("load %s: %v", filepath.Base(filename), err)
	}
	v, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	wrapper, _ := goja.AssertFunction(v)

	exports := r.vm.NewObject()
	module := r.vm.NewObject()
	module.Set("exports", exports)
	module.Set("id", filename)
	module.Set("filename", filename)
	module.Set("loaded", false)
	if from != "" {
		r.modules[filename] = module
	}

	require := r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return r.require(from, call.Argument(0).String())
	})
	if _, err := wrapper(exports, exports, require, module, r.vm.ToValue(filename), r.vm.ToValue(filepath.Dir(filename))); err != nil {
		delete(r.modules, filename)
		return nil, err
	}
	module.Set("loaded", true)
	return module, nil
}

var versionPin = regexp.MustCompile(`^((?:@[^/]+/)?[^/@]+)@[^/]+(/.*)?$`)

func (r *isolateRun) require(from, spec string) goja.Value {
	if m := versionPin.FindStringSubmatch(spec); m != nil {
		spec = m[1] + m[2]
	}
	if analyzer.IsBuiltin(spec) {
		panic(r.moduleError(fmt.Sprintf("Cannot load Node.js built-in module '%s' in the isolate sandbox", spec)))
	}

	var file string
	local := spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/")
	switch {
	case local && from == "":
		panic(r.moduleError(fmt.Sprintf("Cannot find module '%s': local modules are not supported", spec)))
	case local:
		file, _ = resolvePath(filepath.Join(from, filepath.FromSlash(spec)))
	default:
		for _, dir := range r.searchDirs(from) {
			if f, ok := resolvePath(filepath.Join(dir, filepath.FromSlash(spec))); ok {
				file = f
				break
			}
		}
	}
	if file == "" || r.modulesDir == "" || !within(r.modulesDir, file) {
		panic(r.moduleError(fmt.Sprintf("Cannot find module '%s'", spec)))
	}

	if m, ok := r.modules[file]; ok {
		return m.Get("exports")
	}
	src, err := os.ReadFile(file)
	if err != nil {
		panic(r.moduleError(fmt.Sprintf("Cannot find module '%s'", spec)))
	}
	if strings.HasSuffix(file, ".json") {
		v, err := r.parseJSON(string(src))
		if err != nil {
			panic(r.vm.NewGoError(fmt.Errorf("%s: %w", file, err)))
		}
		m := r.vm.NewObject()
		m.Set("exports", v)
		r.modules[file] = m
		return v
	}

	m, err := r.load(file, string(src), filepath.Dir(file))
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			panic(ex.Value())
		}
		panic(r.vm.NewGoError(err))
	}
	return m.Get("exports")
}

func (r *isolateRun) parseJSON(src string) (goja.Value, error) {
	parse, _ := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("parse"))
	return parse(goja.Undefined(), r.vm.ToValue(src))
}

func (r *isolateRun) moduleError(msg string) *goja.Object {
	e := r.vm.NewGoError(errors.New(msg))
	e.Set("code", "MODULE_NOT_FOUND")
	return e
}

// searchDirs lists the node_modules directories a require from dir
// consults, nearest first.
func (r *isolateRun) searchDirs(from string) []string {
	var dirs []string
	for dir := from; dir != "" && dir != r.modulesDir && within(r.modulesDir, dir); dir = filepath.Dir(dir) {
		if filepath.Base(dir) != "node_modules" {
			dirs = append(dirs, filepath.Join(dir, "node_modules"))
		}
	}
	if r.modulesDir != "" {
		dirs = append(dirs, r.modulesDir)
	}
	return dirs
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

func (r *isolateRun) classify(err error, timeout time.Duration) error {
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return TimeoutError(timeout)
		}
		return apperr.Execution("run canceled")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		return apperr.Execution("maximum call stack size exceeded")
	}
	return apperr.Execution("%s", errorMessage(err))
}

func errorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return exceptionMessage(ex.Value())
	}
	var rej *rejection
	if errors.As(err, &rej) {
		return rej.Error()
	}
	return err.Error()
}

func exceptionMessage(v goja.Value) string {
	if v == nil {
		return "script threw an exception"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && m.String() != "" {
			return m.String()
		}
	}
	return v.String()
}

// format renders console arguments the way Node's util.format does for the
// common cases.
func (r *isolateRun) format(args []goja.Value) string {
	if len(args) == 0 {
		return ""
	}
	var (
		b    strings.Builder
		rest = args
	)
	if first, ok := args[0].Export().(string); ok && strings.Contains(first, "%") {
		rest = args[1:]
		for i := 0; i < len(first); i++ {
			c := first[i]
			if c != '%' || i+1 == len(first) {
				b.WriteByte(c)
				continue
			}
			verb := first[i+1]
			if verb == '%' {
				b.WriteByte('%')
				i++
				continue
			}
			if !strings.ContainsRune("sdifjoOc", rune(verb)) || len(rest) == 0 {
				b.WriteByte(c)
				continue
			}
			arg := rest[0]
			rest = rest[1:]
			i++
			switch verb {
			case 's':
				b.WriteString(arg.String())
			case 'd', 'i':
				b.WriteString(r.vm.ToValue(arg.ToInteger()).String())
			case 'f':
				b.WriteString(r.vm.ToValue(arg.ToFloat()).String())
			case 'c':
			default:
				b.WriteString(r.inspect(arg))
			}
		}
		for _, a := range rest {
			b.WriteByte(' ')
			b.WriteString(r.inspect(a))
		}
		return b.String()
	}

	for i, a := range rest {
		if i > 0 {
			b.WriteByte(' ')
		}
		if s, ok := a.Export().(string); ok {
			b.WriteString(s)
		} else {
			b.WriteString(r.inspect(a))
		}
	}
	return b.String()
}

func (r *isolateRun) inspect(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		if s, isStr := v.Export().(string); isStr {
			return "'" + s + "'"
		}
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return "[Function]"
	}
	if obj.ClassName() == "Error" {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
		return v.String()
	}
	stringify, _ := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("stringify"))
	if s, err := stringify(goja.Undefined(), v); err == nil && s != nil && !goja.IsUndefined(s) {
		return s.String()
	}
	return v.String()
}
