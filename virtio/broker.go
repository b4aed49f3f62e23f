package virtio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/liuxin324/bao-hypervisor/config"
	"github.com/liuxin324/bao-hypervisor/platform"
	"github.com/liuxin324/bao-hypervisor/platform/arch"
)

var (
	ErrDuplicateBackend  = errors.New("virtio: instance has more than one backend")
	ErrDuplicateFrontend = errors.New("virtio: instance has more than one frontend")
	ErrUnpaired          = errors.New("virtio: instance is not paired 1-to-1")
	ErrTooManyInstances  = errors.New("virtio: instance limit exceeded")
	ErrRegisterHandler   = errors.New("virtio: message handler registration failed")
)

// Broker routes trapped MMIO accesses from frontend VMs to their
// backend VMs and the results back. The instance registry is built
// once at boot and is read-only afterwards; per-instance state is
// serialised by each instance's own lock.
type Broker struct {
	sys  *platform.System
	step arch.Stepper

	instances map[InstanceID]*Instance
	windows   map[platform.VMID][]window
}

// New builds the instance registry from the static configuration and
// binds the broker's cross-CPU message handler. Every instance ID
// must be declared by exactly one backend entry and exactly one
// frontend entry; anything else is a fatal configuration error.
//
// If step is nil, a 4-byte fixed-width stepper is used.
func New(sys *platform.System, cfg *config.Config, step arch.Stepper) (*Broker, error) {
	if step == nil {
		step = arch.Fixed{Width: 4}
	}

	b := &Broker{
		sys:       sys,
		step:      step,
		instances: make(map[InstanceID]*Instance),
		windows:   make(map[platform.VMID][]window),
	}

	for vmIdx, vm := range cfg.VMs {
		vmid := platform.VMID(vmIdx)

		for _, dev := range vm.Devices {
			in, err := b.bindDevice(vmid, dev)
			if err != nil {
				return nil, err
			}

			if !dev.Backend {
				b.windows[vmid] = append(b.windows[vmid], window{
					id:   in.id,
					addr: dev.MMIOBase,
					size: dev.MMIOSize,
				})
			}
		}
	}

	for id, in := range b.instances {
		if !in.haveFrontend || !in.haveBackend {
			return nil, fmt.Errorf("%w: instance %d", ErrUnpaired, id)
		}
	}

	if err := sys.Handle(MsgVirtIO, b.handleMsg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegisterHandler, err)
	}

	slog.Info("virtio broker ready", "instances", len(b.instances))

	return b, nil
}

func (b *Broker) bindDevice(vmid platform.VMID, dev config.Device) (*Instance, error) {
	id := InstanceID(dev.InstanceID)

	in, ok := b.instances[id]
	if !ok {
		if len(b.instances) == InstancesMax {
			return nil, fmt.Errorf("%w: more than %d instances", ErrTooManyInstances, InstancesMax)
		}

		in = &Instance{
			id:          id,
			frontendCPU: platform.CPUNone,
			backendCPU:  platform.CPUNone,
		}

		b.instances[id] = in
	}

	if dev.Backend {
		if in.haveBackend {
			return nil, fmt.Errorf("%w: instance %d", ErrDuplicateBackend, id)
		}

		in.haveBackend = true
		in.backendVM = vmid
		in.deviceType = DeviceType(dev.DeviceType)
		in.backendIRQ = platform.IRQ(dev.VirtIOInterrupt)
		in.polling = dev.Polling

		return in, nil
	}

	if in.haveFrontend {
		return nil, fmt.Errorf("%w: instance %d", ErrDuplicateFrontend, id)
	}

	in.haveFrontend = true
	in.frontendVM = vmid
	in.priority = dev.Priority
	in.frontendIRQ = platform.IRQ(dev.DeviceInterrupt)

	return in, nil
}

// Lookup returns the instance with the given ID.
func (b *Broker) Lookup(id InstanceID) (*Instance, bool) {
	in, ok := b.instances[id]
	return in, ok
}

// AssignCPUs records the calling CPU's identity in every instance
// whose frontend or backend VM owns the resident vCPU. It is invoked
// once per vCPU as it first runs.
func (b *Broker) AssignCPUs(c *platform.CPU) {
	v := c.VCPU()
	if v == nil {
		panic(platform.ErrNoVCPU)
	}

	vm := v.VM()

	for _, in := range b.instances {
		in.mu.Lock()

		if in.frontendVM == vm {
			in.frontendCPU = c.ID()
		}

		if in.backendVM == vm {
			in.backendCPU = c.ID()
		}

		in.mu.Unlock()
	}
}

// handleMsg dispatches broker cross-CPU messages on the receiving
// CPU. Write and read notifies deliver the head response to the
// parked frontend vCPU and wake it.
func (b *Broker) handleMsg(c *platform.CPU, event uint32, data uint64) {
	id := InstanceID(data)

	in, ok := b.instances[id]
	if !ok {
		slog.Warn("dropping message for unknown instance", "instance", id, "event", Event(event))
		return
	}

	switch ev := Event(event); ev {
	case EventWriteNotify, EventReadNotify:
		in.mu.Lock()
		r := in.frontendPending.pop()
		in.mu.Unlock()

		if r == nil {
			slog.Warn("response notify with no pending response", "instance", id, "event", ev)
			return
		}

		if ev == EventReadNotify {
			c.VCPU().WriteReg(r.Reg, r.Value)
		}

		freeRequest(r)
		c.VCPU().SetActive(true)

	case EventInjectInterrupt:
		b.injectInterrupt(c, in)

	case EventNotifyBackendPoll:
		// wakeup only: the backend re-enters its ask loop when scheduled

	default:
		slog.Warn("dropping unknown event", "instance", id, "event", event)
	}
}

func (b *Broker) injectInterrupt(c *platform.CPU, in *Instance) {
	in.mu.Lock()
	dir := in.direction
	in.mu.Unlock()

	irq := in.frontendIRQ
	if dir == FrontendToBackend {
		irq = in.backendIRQ
	}

	if irq == 0 {
		panic(fmt.Sprintf("virtio: no interrupt bound for instance %d", in.id))
	}

	c.VCPU().InjectIRQ(irq)
}
