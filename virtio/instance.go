package virtio

import (
	"sync"

	"github.com/liuxin324/bao-hypervisor/platform"
)

// Instance is one bound (frontend, backend) pair sharing an instance
// ID. The static fields are fixed at boot; the CPU identities are
// filled in as vCPUs first run. The mutex serialises the two request
// tables and the direction hint across the trap, hypercall, and
// message-handler paths.
type Instance struct {
	id InstanceID

	frontendVM platform.VMID
	backendVM  platform.VMID

	frontendIRQ platform.IRQ // device interrupt, raised in the frontend
	backendIRQ  platform.IRQ // raised in the backend in interrupt-driven mode

	priority   uint32
	deviceType DeviceType
	polling    bool

	// filled during boot binding
	haveFrontend bool
	haveBackend  bool

	mu          sync.Mutex
	frontendCPU platform.CPUID
	backendCPU  platform.CPUID
	direction   Direction

	backendPending  requestQueue // awaiting backend service, priority order
	frontendPending requestQueue // awaiting frontend resume, FIFO
}

// ID returns the instance's identity.
func (in *Instance) ID() InstanceID {
	return in.id
}

// FrontendVM returns the VM running the driver.
func (in *Instance) FrontendVM() platform.VMID {
	return in.frontendVM
}

// BackendVM returns the VM running the device emulation.
func (in *Instance) BackendVM() platform.VMID {
	return in.backendVM
}

// DeviceType returns the opaque device tag.
func (in *Instance) DeviceType() DeviceType {
	return in.deviceType
}

// Polling reports whether the backend polls instead of taking an
// interrupt per request.
func (in *Instance) Polling() bool {
	return in.polling
}

// window is a VM-local MMIO region backed by a virtio instance.
type window struct {
	id   InstanceID
	addr uint64
	size uint64
}

func (w window) covers(addr uint64) bool {
	return addr >= w.addr && addr < w.addr+w.size
}
