// Package firecracker runs scripts inside Firecracker microVMs.
//
// Each run boots a fresh VM from a copy of a node rootfs image. The VM has
// no network interface. The host packs the harness, the script, the inputs
// and the cache entry's node_modules into one tarball and sends it to the
// guest agent over vsock; the agent runs the harness and relays its stdout
// lines back, which the host feeds to the same collector every other
// sandbox uses.
package firecracker

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
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/archive"
	"github.com/seantiz/runbox/internal/sandbox"
)

const (
	// Name is the sandbox name used in the registry.
	Name = "firecracker"

	// DefaultBootArgs are the kernel arguments; the guest agent runs as init.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off quiet init=" + GuestAgentPath

	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	gracefulShutdownTimeout = 3 * time.Second
)

// vmState tracks a running microVM.
type vmState struct {
	machine *fcsdk.Machine
	cid     uint32
	// dir holds the sockets, the rootfs copy and the bundle staging dir.
	dir     string
	started bool
}

// Sandbox implements sandbox.Sandbox with Firecracker microVMs.
type Sandbox struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	activeVMs map[string]*vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// New creates a microVM sandbox.
func New(cfg Config, logger *slog.Logger) *Sandbox {
	if cfg.CIDBase < MinCID {
		cfg.CIDBase = MinCID
	}
	if cfg.MaxConcurrentVMs <= 0 {
		cfg.MaxConcurrentVMs = MaxConcurrentVMs
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = DefaultVCPUs
	}
	if cfg.MemMB <= 0 {
		cfg.MemMB = DefaultMemMB
	}
	if cfg.VsockPort == 0 {
		cfg.VsockPort = DefaultVsockPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		cfg:       cfg,
		logger:    logger,
		activeVMs: make(map[string]*vmState),
		cidNext:   cfg.CIDBase,
		cidInUse:  make(map[uint32]bool),
	}
}

// Verify checks that the kernel, the rootfs image and the firecracker
// binary are present.
func (s *Sandbox) Verify() error {
	var errs []error
	for _, p := range []string{s.cfg.KernelPath, s.cfg.RootfsPath} {
		if _, err := os.Stat(p); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := exec.LookPath(s.cfg.FirecrackerBin); err != nil {
		errs = append(errs, err)
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		errs = append(errs, fmt.Errorf("kvm unavailable: %w", err))
	}
	return errors.Join(errs...)
}

// Capabilities implements sandbox.Sandbox.
func (s *Sandbox) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		Name:           Name,
		Isolation:      sandbox.IsolationMicroVM,
		NativeModules:  true,
		MaxConcurrency: s.cfg.MaxConcurrentVMs,
	}
}

// Run implements sandbox.Sandbox.
func (s *Sandbox) Run(ctx context.Context, inv sandbox.Invocation) (sandbox.Outcome, error) {
	start := time.Now()
	id := inv.ID
	if id == "" {
		id = fmt.Sprintf("run-%d", start.UnixNano())
	}

	dir, err := os.MkdirTemp("", "runbox-vm-")
	if err != nil {
		return sandbox.Outcome{}, apperr.Internal(err, "create vm dir")
	}

	bundle, err := s.pack(dir, inv)
	if err != nil {
		os.RemoveAll(dir)
		return sandbox.Outcome{}, err
	}

	cid, err := s.allocateCID()
	if err != nil {
		os.RemoveAll(dir)
		return sandbox.Outcome{}, apperr.Internal(err, "allocate CID")
	}

	vmRootfs := filepath.Join(dir, "rootfs.ext4")
	if err := copyRootfs(s.cfg.RootfsPath, vmRootfs); err != nil {
		s.releaseCID(cid)
		os.RemoveAll(dir)
		return sandbox.Outcome{}, apperr.Internal(err, "copy rootfs")
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.Timeout+bootAllowance)
	defer cancel()

	socketPath := filepath.Join(dir, "fc.sock")
	vsockPath := filepath.Join(dir, "vsock.sock")
	machine, err := s.newMachine(runCtx, id, socketPath, vsockPath, vmRootfs, cid)
	if err != nil {
		s.releaseCID(cid)
		os.RemoveAll(dir)
		return sandbox.Outcome{}, apperr.Internal(err, "create machine")
	}

	state := &vmState{machine: machine, cid: cid, dir: dir}
	s.mu.Lock()
	s.activeVMs[id] = state
	s.mu.Unlock()
	defer s.stopAndCleanup(id, state)

	bootStart := time.Now()
	if err := machine.Start(runCtx); err != nil {
		runsTotal.WithLabelValues(statusFailed).Inc()
		return sandbox.Outcome{}, apperr.Internal(err, "start VM")
	}
	state.started = true
	activeVMs.Inc()

	gc, err := DialGuest(runCtx, vsockPath, s.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		return sandbox.Outcome{}, s.runError(ctx, runCtx, inv, apperr.Internal(err, "connect to guest"))
	}
	defer gc.Close()

	s.logger.Debug("sandbox: microvm ready",
		"execution_id", inv.ID,
		"cid", cid,
		"boot", time.Since(bootStart),
		"bundle", humanize.Bytes(uint64(len(bundle))),
	)

	col := sandbox.NewCollector(len(inv.Inputs), inv.ConsoleWriter)
	exit, err := gc.Run(GuestRequest{
		ID:        id,
		Bundle:    bundle,
		TimeoutMS: inv.Timeout.Milliseconds(),
		MemoryMB:  s.cfg.MemMB,
	}, col.Feed)
	if err != nil {
		return sandbox.Outcome{Console: col.Console()}, s.runError(ctx, runCtx, inv, apperr.Internal(err, "run in guest"))
	}

	elapsed := time.Since(start)
	switch {
	case exit.TimedOut:
		runsTotal.WithLabelValues(statusKilled).Inc()
		return sandbox.Outcome{Console: col.Console(), Duration: elapsed}, sandbox.TimeoutError(inv.Timeout)
	case exit.Error != "":
		runsTotal.WithLabelValues(statusFailed).Inc()
		return sandbox.Outcome{Console: col.Console(), Duration: elapsed}, apperr.Internal(errors.New(exit.Error), "guest agent")
	}

	out, err := col.Outcome(elapsed, exit.Stderr)
	if err != nil {
		runsTotal.WithLabelValues(statusFailed).Inc()
		return out, err
	}
	runsTotal.WithLabelValues(statusCompleted).Inc()
	return out, nil
}

// runError maps a transport failure to the error the caller sees. A failure
// caused by the caller's context or by the run deadline wins over err.
func (s *Sandbox) runError(parent, runCtx context.Context, inv sandbox.Invocation, err error) error {
	switch {
	case parent.Err() != nil:
		runsTotal.WithLabelValues(statusKilled).Inc()
		return apperr.Execution("run canceled")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		runsTotal.WithLabelValues(statusKilled).Inc()
		s.logger.Warn("sandbox: microvm run timed out", "execution_id", inv.ID)
		return sandbox.TimeoutError(inv.Timeout)
	}
	runsTotal.WithLabelValues(statusFailed).Inc()
	return err
}

// pack builds the bundle tarball for inv, staging the harness files in a
// directory under dir.
func (s *Sandbox) pack(dir string, inv sandbox.Invocation) ([]byte, error) {
	staging := filepath.Join(dir, "bundle")
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, apperr.Internal(err, "create bundle dir")
	}
	if err := sandbox.WriteBundle(staging, inv); err != nil {
		return nil, apperr.Internal(err, "write bundle")
	}

	var buf bytes.Buffer
	sources := []archive.Source{{Dir: staging}}
	if inv.ModulesDir != "" {
		sources = append(sources, archive.Source{Dir: inv.ModulesDir, Prefix: GuestModulesDir})
	}
	if err := archive.Pack(&buf, sources...); err != nil {
		return nil, apperr.Internal(err, "pack bundle")
	}
	bundleBytes.Observe(float64(buf.Len()))

	// Leave room for the JSON envelope, which base64-encodes the bundle.
	if limit := MaxMessageSize / 4 * 3; buf.Len() > limit-4096 {
		return nil, apperr.Execution("dependencies are too large for the microvm sandbox (%s, limit %s)",
			humanize.Bytes(uint64(buf.Len())), humanize.Bytes(uint64(limit)))
	}
	return buf.Bytes(), nil
}

func (s *Sandbox) newMachine(ctx context.Context, id, socketPath, vsockPath, rootfs string, cid uint32) (*fcsdk.Machine, error) {
	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: s.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(rootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(s.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(s.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: id,
	}

	// The SDK logs through logrus; runbox logs through slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(s.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	return fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
}

// Shutdown stops every running VM.
func (s *Sandbox) Shutdown() {
	s.mu.Lock()
	states := make(map[string]*vmState, len(s.activeVMs))
	for id, st := range s.activeVMs {
		states[id] = st
	}
	s.mu.Unlock()

	for id, st := range states {
		s.stopAndCleanup(id, st)
	}
}

// stopAndCleanup stops a VM and releases everything it held. It uses fresh
// contexts since the run's context is usually done by now.
func (s *Sandbox) stopAndCleanup(id string, state *vmState) {
	s.mu.Lock()
	if s.activeVMs[id] != state {
		s.mu.Unlock()
		return
	}
	delete(s.activeVMs, id)
	s.mu.Unlock()

	cleanupStart := time.Now()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := state.machine.Shutdown(shutdownCtx); err != nil {
		s.logger.Debug("sandbox: graceful shutdown failed, forcing stop", "vm_id", id, "error", err)
		if err := state.machine.StopVMM(); err != nil {
			s.logger.Debug("sandbox: StopVMM failed", "vm_id", id, "error", err)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := state.machine.Wait(waitCtx); err != nil {
		s.logger.Debug("sandbox: wait for VM exit", "vm_id", id, "error", err)
	}

	if state.started {
		activeVMs.Dec()
	}
	s.releaseCID(state.cid)
	if err := os.RemoveAll(state.dir); err != nil {
		s.logger.Warn("sandbox: remove vm dir", "dir", state.dir, "error", err)
	}
	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
}

// allocateCID returns the next free vsock CID.
func (s *Sandbox) allocateCID() (uint32, error) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()

	scanRange := uint32(s.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(s.cidNext+i, MinCID)
		if !s.cidInUse[candidate] {
			s.cidInUse[candidate] = true
			s.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(s.cidInUse))
}

func (s *Sandbox) releaseCID(cid uint32) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	delete(s.cidInUse, cid)
}

// copyRootfs copies the rootfs image, as a reflink when the filesystem
// supports it.
func copyRootfs(src, dst string) error {
	out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, bytes.TrimSpace(out), err)
	}
	return nil
}
