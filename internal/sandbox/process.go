package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/seantiz/runbox/internal/apperr"
)

const (
	defaultMemoryMB   = 512
	defaultCPUSeconds = 60
	defaultStderrCap  = 1 << 20
	waitDelay         = 2 * time.Second

	// PermissionFlag enables node's permission model (node 22.13 and later).
	PermissionFlag = "--permission"
	// ExperimentalPermissionFlag is the same switch on node 20.
	ExperimentalPermissionFlag = "--experimental-permission"
)

// ProcessConfig configures the process sandbox.
type ProcessConfig struct {
	NodeBin string
	// WorkDir holds per-run scratch directories.
	WorkDir    string
	MemoryMB   int
	CPUSeconds int
	// PermissionFlag is PermissionFlag or ExperimentalPermissionFlag,
	// whichever the installed node understands.
	PermissionFlag string
	Logger         *slog.Logger
}

// ProcessSandbox runs each script in a node subprocess.
//
//   - Each run gets its own scratch directory, removed afterwards.
//   - The process runs in its own process group, killed as a whole on
//     timeout.
//   - The environment is not inherited from the service.
//   - Heap size and CPU time are limited.
//   - node's permission model limits file writes to the scratch directory,
//     so the cache entry stays read-only, and denies child processes,
//     workers and native addons.
//
// Reads and the network are not restricted; it is meant for development.
type ProcessSandbox struct {
	nodeBin        string
	workDir        string
	memoryMB       int
	cpuSeconds     int
	permissionFlag string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process sandbox.
func NewProcessSandbox(cfg ProcessConfig) *ProcessSandbox {
	if cfg.NodeBin == "" {
		cfg.NodeBin = "node"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "runbox", "exec")
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUSeconds <= 0 {
		cfg.CPUSeconds = defaultCPUSeconds
	}
	if cfg.PermissionFlag == "" {
		cfg.PermissionFlag = PermissionFlag
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessSandbox{
		nodeBin:        cfg.NodeBin,
		workDir:        cfg.WorkDir,
		memoryMB:       cfg.MemoryMB,
		cpuSeconds:     cfg.CPUSeconds,
		permissionFlag: cfg.PermissionFlag,
		logger:         logger,
	}
}

// Capabilities implements Sandbox.
func (s *ProcessSandbox) Capabilities() Capabilities {
	return Capabilities{
		Name:          "process",
		Isolation:     IsolationProcess,
		NativeModules: false,
	}
}

// Run implements Sandbox.
func (s *ProcessSandbox) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	scratch, err := newScratch(s.workDir, inv)
	if err != nil {
		return Outcome{}, apperr.Internal(err, "prepare sandbox")
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.Warn("sandbox: remove scratch dir", "dir", scratch, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	// exec "$@" keeps the user's arguments out of the shell string.
	shell := fmt.Sprintf("ulimit -t %d 2>/dev/null; exec \"$@\"", s.cpuSeconds)
	args := append([]string{"-c", shell, "_", s.nodeBin}, s.nodeArgs(scratch, inv.ModulesDir)...)
	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = scratch
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=en_US.UTF-8",
		"NODE_ENV=production",
		"NODE_PATH=" + inv.ModulesDir,
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: defaultStderrCap}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, apperr.Internal(err, "open stdout")
	}

	s.logger.Debug("sandbox: starting node",
		"execution_id", inv.ID,
		"modules_dir", inv.ModulesDir,
		"inputs", len(inv.Inputs),
		"timeout", inv.Timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, apperr.Internal(err, "start node")
	}

	// All reads from the pipe must finish before Wait. The process group is
	// killed on timeout, which closes the pipe.
	col := NewCollector(len(inv.Inputs), inv.ConsoleWriter)
	if err := col.Consume(stdout); err != nil {
		s.logger.Warn("sandbox: read harness output", "execution_id", inv.ID, "error", err)
		io.Copy(io.Discard, stdout)
	}
	runErr := cmd.Wait()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("sandbox: run timed out", "execution_id", inv.ID, "timeout", inv.Timeout)
		return Outcome{Console: col.Console(), Duration: elapsed}, TimeoutError(inv.Timeout)
	}
	if ctx.Err() != nil {
		return Outcome{Console: col.Console(), Duration: elapsed}, apperr.Execution("run canceled")
	}

	out, err := col.Outcome(elapsed, stderr.String())
	if err != nil {
		return out, err
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return out, apperr.Internal(runErr, "wait for node")
		}
	}
	return out, nil
}

// nodeArgs returns node's arguments for a run in scratch. Only scratch is
// writable.
func (s *ProcessSandbox) nodeArgs(scratch, modulesDir string) []string {
	return []string{
		s.permissionFlag,
		"--allow-fs-read=*",
		"--allow-fs-write=" + scratch,
		"--max-old-space-size=" + strconv.Itoa(s.memoryMB),
		filepath.Join(scratch, HarnessFile),
		filepath.Join(scratch, ScriptFile),
		filepath.Join(scratch, InputFile),
		modulesDir,
	}
}
