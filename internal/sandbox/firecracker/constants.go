package firecracker

import "time"

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs     = 1
	DefaultMemMB     = 512
	MaxConcurrentVMs = 10
)

// Guest paths.
const (
	// GuestWorkDir is where the guest agent extracts each bundle.
	GuestWorkDir = "/work"

	// GuestAgentPath is the guest agent binary inside the rootfs. The kernel
	// runs it as init.
	GuestAgentPath = "/usr/local/bin/runbox-guest"

	// GuestModulesDir is the bundle directory holding the installed packages.
	GuestModulesDir = "node_modules"
)

// bootAllowance is added to the script timeout to cover VM boot and
// bundle transfer.
const bootAllowance = 15 * time.Second
