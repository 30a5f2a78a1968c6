package firecracker

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Config holds configuration for the microVM sandbox.
type Config struct {
	// KernelPath is the Firecracker-compatible kernel image.
	KernelPath string `env:"KERNEL_PATH, default=/var/lib/runbox/vmlinux"`

	// RootfsPath is the ext4 image with node and the guest agent installed.
	// Each VM boots from a reflinked copy.
	RootfsPath string `env:"ROOTFS_PATH, default=/var/lib/runbox/node.ext4"`

	FirecrackerBin string `env:"BIN, default=firecracker"`

	// VsockPort is the guest agent vsock port.
	VsockPort uint32 `env:"VSOCK_PORT, default=1024"`

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32 `env:"CID_BASE, default=3"`

	VCPUs            int `env:"VCPUS, default=1"`
	MemMB            int `env:"MEM_MB, default=512"`
	MaxConcurrentVMs int `env:"MAX_CONCURRENT_VMS, default=10"`
}

// LoadConfig reads RUNBOX_FC_* variables from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	return loadConfig(ctx, envconfig.OsLookuper())
}

func loadConfig(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("RUNBOX_FC_", l),
	})
	if err != nil {
		return Config{}, fmt.Errorf("load firecracker config: %w", err)
	}
	if cfg.CIDBase < MinCID {
		cfg.CIDBase = MinCID
	}
	if cfg.MaxConcurrentVMs <= 0 {
		cfg.MaxConcurrentVMs = MaxConcurrentVMs
	}
	return cfg, nil
}
