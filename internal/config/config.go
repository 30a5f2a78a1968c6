package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sandbox names accepted by RUNBOX_SANDBOX.
const (
	SandboxProcess     = "process"
	SandboxDocker      = "docker"
	SandboxIsolate     = "isolate"
	SandboxFirecracker = "firecracker"
)

// Fetcher names accepted by RUNBOX_FETCHER.
const (
	FetcherNPM      = "npm"
	FetcherRegistry = "registry"
)

var (
	sandboxNames    = []string{SandboxProcess, SandboxDocker, SandboxIsolate, SandboxFirecracker}
	fetcherNames    = []string{FetcherNPM, FetcherRegistry}
	permissionFlags = []string{"--permission", "--experimental-permission"}
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port         int    `env:"RUNBOX_PORT, default=8080"`
	ListenAddr   string `env:"RUNBOX_LISTEN_ADDR"`
	DBPath       string `env:"RUNBOX_DB_PATH, default=runbox.db"`
	LogLevelName string `env:"RUNBOX_LOG_LEVEL, default=info"`
	LogFile      string `env:"RUNBOX_LOG_FILE"`

	// AuthToken is the shared secret for bearer auth. Empty disables auth.
	AuthToken string `env:"RUNBOX_AUTH_TOKEN"`

	ExecDir      string `env:"RUNBOX_EXEC_DIR, default=/tmp/runbox/exec"`
	CacheDir     string `env:"RUNBOX_CACHE_DIR, default=/tmp/runbox/cache"`
	CacheMaxSize string `env:"RUNBOX_CACHE_MAX_SIZE, default=1GB"`

	DefaultTimeoutMS int `env:"RUNBOX_DEFAULT_TIMEOUT, default=30000"`
	MaxTimeoutMS     int `env:"RUNBOX_MAX_TIMEOUT, default=300000"`

	Sandbox       string `env:"RUNBOX_SANDBOX, default=process"`
	NodeBin       string `env:"RUNBOX_NODE_BIN, default=node"`
	MemoryLimitMB int    `env:"RUNBOX_MEMORY_LIMIT_MB, default=512"`

	// SandboxAllowed lists the sandboxes a request may pick with
	// options.sandbox. The default sandbox is always allowed.
	SandboxAllowed []string `env:"RUNBOX_SANDBOX_ALLOWED"`
	// NodePermissionFlag switches on node's permission model in the process
	// sandbox: --permission, or --experimental-permission on node 20.
	NodePermissionFlag string `env:"RUNBOX_NODE_PERMISSION_FLAG, default=--permission"`

	Fetcher          string        `env:"RUNBOX_FETCHER, default=npm"`
	NPMBin           string        `env:"RUNBOX_NPM_BIN, default=npm"`
	NPMRegistry      string        `env:"RUNBOX_NPM_REGISTRY, default=https://registry.npmjs.org"`
	InstallTimeout   time.Duration `env:"RUNBOX_INSTALL_TIMEOUT, default=5m"`
	FetchConcurrency int           `env:"RUNBOX_FETCH_CONCURRENCY, default=8"`

	AsyncWorkers     int           `env:"RUNBOX_ASYNC_WORKERS, default=16"`
	HistoryRetention time.Duration `env:"RUNBOX_HISTORY_RETENTION, default=168h"`
	JanitorSchedule  string        `env:"RUNBOX_JANITOR_SCHEDULE, default=@every 10m"`

	Docker DockerConfig `env:", prefix=RUNBOX_DOCKER_"`

	// Derived by Load.
	LogLevel      slog.Level
	CacheMaxBytes int64
}

// DockerConfig configures the container sandbox.
type DockerConfig struct {
	Bin       string `env:"BIN, default=docker"`
	Image     string `env:"IMAGE, default=node:20-alpine"`
	CPUs      string `env:"CPUS, default=1"`
	PidsLimit int    `env:"PIDS_LIMIT, default=128"`
}

// Load reads configuration from a .env file, if present, and the process
// environment, then derives and validates the computed fields.
func Load(ctx context.Context) (Config, error) {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	c.LogLevel = parseLogLevel(c.LogLevelName)
	if c.ListenAddr == "" {
		c.ListenAddr = ":" + strconv.Itoa(c.Port)
	}

	size, err := humanize.ParseBytes(c.CacheMaxSize)
	if err != nil {
		return fmt.Errorf("parse RUNBOX_CACHE_MAX_SIZE %q: %w", c.CacheMaxSize, err)
	}
	c.CacheMaxBytes = int64(size)

	return c.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.DefaultTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("RUNBOX_DEFAULT_TIMEOUT must be positive, got %d", c.DefaultTimeoutMS))
	}
	if c.MaxTimeoutMS < c.DefaultTimeoutMS {
		errs = append(errs, fmt.Errorf("RUNBOX_MAX_TIMEOUT (%d) must be at least RUNBOX_DEFAULT_TIMEOUT (%d)", c.MaxTimeoutMS, c.DefaultTimeoutMS))
	}
	if c.CacheMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("RUNBOX_CACHE_MAX_SIZE must be positive"))
	}
	if !slices.Contains(sandboxNames, c.Sandbox) {
		errs = append(errs, fmt.Errorf("RUNBOX_SANDBOX %q must be one of %v", c.Sandbox, sandboxNames))
	}
	for _, name := range c.AllowedSandboxes()[1:] {
		if !slices.Contains(sandboxNames, name) {
			errs = append(errs, fmt.Errorf("RUNBOX_SANDBOX_ALLOWED entry %q must be one of %v", name, sandboxNames))
		}
	}
	if !slices.Contains(permissionFlags, c.NodePermissionFlag) {
		errs = append(errs, fmt.Errorf("RUNBOX_NODE_PERMISSION_FLAG %q must be one of %v", c.NodePermissionFlag, permissionFlags))
	}
	if !slices.Contains(fetcherNames, c.Fetcher) {
		errs = append(errs, fmt.Errorf("RUNBOX_FETCHER %q must be one of %v", c.Fetcher, fetcherNames))
	}
	if c.AsyncWorkers <= 0 {
		errs = append(errs, fmt.Errorf("RUNBOX_ASYNC_WORKERS must be positive, got %d", c.AsyncWorkers))
	}
	return errors.Join(errs...)
}

// AllowedSandboxes returns the default sandbox followed by the other
// sandboxes requests may select.
func (c Config) AllowedSandboxes() []string {
	allowed := []string{c.Sandbox}
	for _, name := range c.SandboxAllowed {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(allowed, name) {
			allowed = append(allowed, name)
		}
	}
	return allowed
}

// DefaultTimeout returns the default execution timeout.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

// MaxTimeout returns the largest timeout a request may ask for.
func (c Config) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMS) * time.Millisecond
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogOutput returns stdout, teed into a rotating file when RUNBOX_LOG_FILE is set.
func (c Config) LogOutput() io.Writer {
	if c.LogFile == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
