package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/seantiz/runbox/internal/apperr"
)

const (
	defaultDockerImage = "node:20-alpine"
	defaultPidsLimit   = 128

	containerBundleDir  = "/sandbox"
	containerModulesDir = "/modules"
)

// DockerConfig configures the container sandbox.
type DockerConfig struct {
	Bin       string
	Image     string
	WorkDir   string
	MemoryMB  int
	CPUs      string
	PidsLimit int
	Logger    *slog.Logger
}

// DockerSandbox runs each script in an ephemeral container.
//
// The container has no network, drops every capability, runs as nobody on
// a read-only root filesystem, and mounts the bundle and the entry's
// node_modules read-only. A docker rm -f follows every run in case --rm
// did not fire.
type DockerSandbox struct {
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates a container sandbox.
func NewDockerSandbox(cfg DockerConfig) *DockerSandbox {
	if cfg.Bin == "" {
		cfg.Bin = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "runbox", "exec")
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUs == "" {
		cfg.CPUs = "1"
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = defaultPidsLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerSandbox{cfg: cfg, logger: logger}
}

// Capabilities implements Sandbox.
func (s *DockerSandbox) Capabilities() Capabilities {
	return Capabilities{
		Name:          "docker",
		Isolation:     IsolationContainer,
		NativeModules: true,
	}
}

// Run implements Sandbox.
func (s *DockerSandbox) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	scratch, err := newScratch(s.cfg.WorkDir, inv)
	if err != nil {
		return Outcome{}, apperr.Internal(err, "prepare sandbox")
	}
	defer os.RemoveAll(scratch)

	name := "runbox-" + safeID(inv.ID)
	if name == "runbox-" {
		name += filepath.Base(scratch)
	}
	defer s.forceRemove(name)

	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Bin, s.runArgs(name, scratch, inv.ModulesDir)...)
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: defaultStderrCap}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, apperr.Internal(err, "open stdout")
	}

	s.logger.Debug("sandbox: starting container",
		"execution_id", inv.ID,
		"container", name,
		"image", s.cfg.Image,
		"timeout", inv.Timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, apperr.Internal(err, "start docker")
	}
	col := NewCollector(len(inv.Inputs), inv.ConsoleWriter)
	if err := col.Consume(stdout); err != nil {
		s.logger.Warn("sandbox: read harness output", "execution_id", inv.ID, "error", err)
		io.Copy(io.Discard, stdout)
	}
	runErr := cmd.Wait()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("sandbox: container timed out", "execution_id", inv.ID, "container", name)
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
			return out, apperr.Internal(runErr, "wait for docker")
		}
	}
	return out, nil
}

// runArgs builds the docker run argument list.
func (s *DockerSandbox) runArgs(name, scratch, modulesDir string) []string {
	memory := strconv.Itoa(s.cfg.MemoryMB) + "m"
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network=none",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=" + memory,
		"--memory-swap=" + memory,
		"--cpus=" + s.cfg.CPUs,
		"--pids-limit=" + strconv.Itoa(s.cfg.PidsLimit),
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--env", "HOME=/tmp",
		"--env", "NODE_ENV=production",
		"--env", "NODE_PATH=" + containerModulesDir,
		"--volume", scratch + ":" + containerBundleDir + ":ro",
		"--workdir", containerBundleDir,
	}
	// Mounting a missing host path would make docker create it.
	if info, err := os.Stat(modulesDir); err == nil && info.IsDir() {
		args = append(args, "--volume", modulesDir+":"+containerModulesDir+":ro")
	}
	args = append(args,
		s.cfg.Image,
		"node",
		"--max-old-space-size="+strconv.Itoa(s.cfg.MemoryMB),
		containerBundleDir+"/"+HarnessFile,
		containerBundleDir+"/"+ScriptFile,
		containerBundleDir+"/"+InputFile,
		containerModulesDir,
	)
	return args
}

// forceRemove removes the container if --rm did not, which happens when
// the client is killed on timeout.
func (s *DockerSandbox) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.cfg.Bin, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("sandbox: docker rm -f failed",
			"container", name,
			"error", err,
			"output", string(out),
		)
	}
}
