package installer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/seantiz/runbox/internal/model"
)

// CommandRunner runs an external command in dir and returns its combined
// output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec in their own process group, which
// is killed when ctx is done.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd.CombinedOutput()
}

// NPMFetcher installs packages with the npm CLI. Lifecycle scripts are
// disabled.
type NPMFetcher struct {
	bin      string
	registry string
	runner   CommandRunner
}

// NewNPMFetcher creates an NPMFetcher. An empty bin means "npm"; a nil runner
// means ExecRunner.
func NewNPMFetcher(bin, registry string, runner CommandRunner) *NPMFetcher {
	if bin == "" {
		bin = "npm"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &NPMFetcher{bin: bin, registry: registry, runner: runner}
}

// Name implements Fetcher.
func (f *NPMFetcher) Name() string { return "npm" }

// Fetch implements Fetcher.
func (f *NPMFetcher) Fetch(ctx context.Context, dir string, specs []model.PackageSpec) (map[string]string, error) {
	if len(specs) == 0 {
		return map[string]string{}, nil
	}
	// npm walks up looking for a package.json; pin it to dir.
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"private":true}`+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write package.json: %w", err)
	}

	args := f.args(specs)
	out, err := f.runner.Run(ctx, dir, f.env(dir), f.bin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("npm install: %w", ctx.Err())
		}
		return nil, fmt.Errorf("npm install: %w: %s", err, tail(out, 20))
	}
	return resolvedVersions(filepath.Join(dir, "node_modules"), specs)
}

func (f *NPMFetcher) args(specs []model.PackageSpec) []string {
	args := []string{
		"install",
		"--no-save",
		"--no-package-lock",
		"--ignore-scripts",
		"--omit=dev",
		"--no-audit",
		"--no-fund",
		"--loglevel=error",
	}
	if f.registry != "" {
		args = append(args, "--registry="+f.registry)
	}
	for _, s := range specs {
		args = append(args, s.String())
	}
	return args
}

func (f *NPMFetcher) env(dir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"npm_config_cache=" + filepath.Join(dir, ".npm"),
		"npm_config_update_notifier=false",
	}
	// Proxy settings are the only host variables npm needs.
	for _, k := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// tail returns the last n lines of out.
func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(bytes.ToValidUTF8(out, nil))), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
