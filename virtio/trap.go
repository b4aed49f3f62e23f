package virtio

import (
	"fmt"

	"github.com/liuxin324/bao-hypervisor/platform"
)

// Access describes a trapped MMIO access, as decoded by the fault
// handler before it reaches the broker.
type Access struct {
	Addr  uint64 // guest virtual address of the access
	Width uint64 // access width in bytes: 1, 2, 4, or 8
	Write bool
	Reg   int // vCPU register holding the write data / receiving the read result
}

// HandleMMIO services a trapped MMIO access from the vCPU resident on
// c. It reports false, without side effects, if the address falls
// outside every virtio window registered for the trapping VM; the
// caller escalates those to the generic emulation path.
//
// On a hit, the access is queued for the instance's backend, the
// backend CPU is signalled, and the calling goroutine parks with the
// vCPU until the backend's completion wakes it. By the time HandleMMIO
// returns true, the vCPU's program counter is past the faulting
// instruction and, for reads, the target register holds the value the
// backend supplied.
func (b *Broker) HandleMMIO(c *platform.CPU, acc Access) bool {
	v := c.VCPU()

	w, ok := b.findWindow(v.VM(), acc.Addr)
	if !ok {
		return false
	}

	in := b.instances[w.id]

	r := newRequest()
	r.RegOff = acc.Addr - w.addr
	r.Addr = acc.Addr
	r.Width = acc.Width
	r.Reg = acc.Reg
	r.TrapCPU = c.ID()
	r.Priority = in.priority

	if acc.Write {
		r.Op = OpWrite
		r.Value = v.ReadReg(acc.Reg)
	} else {
		r.Op = OpRead
		r.Value = 0
	}

	in.mu.Lock()
	in.direction = FrontendToBackend
	in.backendPending.pushOrdered(r)
	backendCPU := in.backendCPU
	in.mu.Unlock()

	if backendCPU == platform.CPUNone {
		panic(fmt.Sprintf("virtio: instance %d has no backend CPU assigned", in.id))
	}

	event := EventInjectInterrupt
	if in.polling {
		event = EventNotifyBackendPoll
	}

	b.send(backendCPU, event, in.id)

	if err := b.step.StepPastMMIO(v); err != nil {
		panic(fmt.Sprintf("virtio: step past MMIO at %#x: %v", v.PC(), err))
	}

	v.SetActive(false)
	c.Idle()

	return true
}

func (b *Broker) findWindow(vm platform.VMID, addr uint64) (window, bool) {
	for _, w := range b.windows[vm] {
		if w.covers(addr) {
			return w, true
		}
	}

	return window{}, false
}

// send delivers a broker event to the target CPU. Message delivery
// failing means the machine model itself is broken, so it is fatal.
func (b *Broker) send(target platform.CPUID, event Event, id InstanceID) {
	msg := platform.Msg{
		ID:    MsgVirtIO,
		Event: uint32(event),
		Data:  uint64(id),
	}

	if err := b.sys.Send(target, msg); err != nil {
		panic(fmt.Sprintf("virtio: signal CPU %d: %v", target, err))
	}
}
