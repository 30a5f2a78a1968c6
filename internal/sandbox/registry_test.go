package sandbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/sandbox"
)

// stubSandbox is a minimal Sandbox for registry tests.
type stubSandbox struct {
	name      string
	isolation string
}

func (s *stubSandbox) Run(context.Context, sandbox.Invocation) (sandbox.Outcome, error) {
	return sandbox.Outcome{}, nil
}

func (s *stubSandbox) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{Name: s.name, Isolation: s.isolation}
}

func TestRegistryListIsSorted(t *testing.T) {
	reg := sandbox.NewRegistry("process")
	reg.Register("process", &stubSandbox{name: "process", isolation: sandbox.IsolationProcess})
	reg.Register("docker", &stubSandbox{name: "docker", isolation: sandbox.IsolationContainer})
	reg.Register("isolate", &stubSandbox{name: "isolate", isolation: sandbox.IsolationInProcess})

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "docker", list[0].Name)
	assert.Equal(t, "isolate", list[1].Name)
	assert.Equal(t, "process", list[2].Name)
	assert.True(t, list[2].Default)
	assert.False(t, list[0].Default)
	assert.Equal(t, sandbox.IsolationContainer, list[0].Capabilities.Isolation)
}

func TestRegistryResolve(t *testing.T) {
	reg := sandbox.NewRegistry("isolate")
	iso := &stubSandbox{name: "isolate"}
	proc := &stubSandbox{name: "process"}
	reg.Register("isolate", iso)
	reg.Register("process", proc)

	s, name, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "isolate", name)
	assert.Same(t, iso, s)

	s, name, err = reg.Resolve("process")
	require.NoError(t, err)
	assert.Equal(t, "process", name)
	assert.Same(t, proc, s)
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := sandbox.NewRegistry("isolate")
	reg.Register("isolate", &stubSandbox{name: "isolate"})

	_, _, err := reg.Resolve("firecracker")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "firecracker")
}

func TestRegistryMissingDefaultIsInternal(t *testing.T) {
	reg := sandbox.NewRegistry("docker")
	reg.Register("isolate", &stubSandbox{name: "isolate"})

	_, _, err := reg.Resolve("")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

type stoppableSandbox struct {
	stubSandbox
	stopped bool
}

func (s *stoppableSandbox) Shutdown() { s.stopped = true }

func TestRegistryShutdown(t *testing.T) {
	reg := sandbox.NewRegistry("isolate")
	vm := &stoppableSandbox{stubSandbox: stubSandbox{name: "vm"}}
	reg.Register("isolate", &stubSandbox{name: "isolate"})
	reg.Register("vm", vm)

	reg.Shutdown()
	assert.True(t, vm.stopped)
}
