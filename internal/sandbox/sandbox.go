// Package sandbox runs user scripts in isolated, time-bounded environments.
//
// Every implementation loads the script as a CommonJS module whose export is
// a single function, calls it once per input and reports the JSON results in
// input order. A script that exceeds its timeout is terminated and reported
// as an apperr timeout; anything the script throws is an apperr execution
// error. Neither ever escapes as a panic.
package sandbox

import (
	"context"
	"encoding/json"
	"time"
)

// Sandbox executes scripts.
type Sandbox interface {
	// Run loads inv.Source and invokes its exported function once per input.
	// The context carries cancellation; inv.Timeout bounds the run.
	Run(ctx context.Context, inv Invocation) (Outcome, error)

	// Capabilities reports what this sandbox offers.
	Capabilities() Capabilities
}

// Invocation is one script run.
type Invocation struct {
	ID string
	// Source is the script as a CommonJS module.
	Source string
	// Inputs holds the argument of each call, in order.
	Inputs []json.RawMessage
	// ModulesDir is the node_modules directory packages resolve from. It is
	// read-only for the duration of the run.
	ModulesDir string
	Timeout    time.Duration

	// ConsoleWriter, when set, receives each console line as it is emitted.
	ConsoleWriter func(line string) `json:"-"`
}

// Outcome is the result of a successful run.
type Outcome struct {
	// Results holds one JSON value per input. A call that returned
	// undefined yields null.
	Results  []json.RawMessage
	Console  []string
	Duration time.Duration
}

// Capabilities describes a sandbox.
type Capabilities struct {
	Name string `json:"name"`
	// Isolation is one of "in-process", "process", "container", "microvm".
	Isolation string `json:"isolation"`
	// NativeModules reports whether packages with native addons or Node
	// built-ins can be loaded.
	NativeModules  bool `json:"native_modules"`
	MaxConcurrency int  `json:"max_concurrency"`
}

// Isolation levels.
const (
	IsolationInProcess = "in-process"
	IsolationProcess   = "process"
	IsolationContainer = "container"
	IsolationMicroVM   = "microvm"
)
