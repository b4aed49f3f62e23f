package virtio

import (
	"fmt"
	"log/slog"

	"github.com/liuxin324/bao-hypervisor/platform"
)

// Hypercall services a virtio hypercall issued by the backend vCPU
// resident on c. Arguments are read from the caller's registers per
// the ABI; the result is the negated return code, ready to be placed
// in the caller's return register by the hypercall glue.
func (b *Broker) Hypercall(c *platform.CPU) uint64 {
	v := c.VCPU()

	var (
		id     = InstanceID(v.ReadReg(RegHypInstance))
		regOff = v.ReadReg(RegHypOffset)
		op     = Op(v.ReadReg(RegHypOp))
		value  = v.ReadReg(RegHypValue)
	)

	var code int64
	switch op {
	case OpWrite, OpRead:
		code = b.complete(c, id, regOff, op, value)

	case OpAsk:
		code = b.ask(c, id, regOff, value)

	case OpNotify:
		code = b.notify(c, id)

	default:
		code = HypInvalidArgs
	}

	return uint64(-code)
}

// complete finishes the head request of the instance's backend-pending
// queue and hands the response to the frontend CPU that took the trap.
// A register offset that doesn't match the head request means the
// backend has desynchronised: the request is discarded and the
// frontend stays parked.
func (b *Broker) complete(c *platform.CPU, id InstanceID, regOff uint64, op Op, value uint64) int64 {
	in, ok := b.callerInstance(c, id)
	if !ok {
		return HypFailure
	}

	in.mu.Lock()

	r := in.backendPending.pop()
	if r == nil {
		in.mu.Unlock()
		return HypFailure
	}

	if r.RegOff != regOff {
		in.mu.Unlock()
		slog.Warn("backend completion does not match the pending request",
			"instance", id, "want", fmt.Sprintf("%#x", r.RegOff), "got", fmt.Sprintf("%#x", regOff))
		freeRequest(r)
		return HypFailure
	}

	r.Value = value
	target := r.TrapCPU

	in.frontendPending.push(r)
	in.direction = BackendToFrontend
	in.mu.Unlock()

	event := EventWriteNotify
	if op == OpRead {
		event = EventReadNotify
	}

	b.send(target, event, id)

	return HypSuccess
}

// ask fetches the next request the backend has not seen yet and
// writes it into the caller's registers.
func (b *Broker) ask(c *platform.CPU, id InstanceID, regOff, value uint64) int64 {
	if regOff != 0 || value != 0 {
		return HypInvalidArgs
	}

	in, ok := b.callerInstance(c, id)
	if !ok {
		return HypFailure
	}

	in.mu.Lock()
	r := in.backendPending.nextUnhanded()
	if r == nil {
		in.mu.Unlock()
		return HypFailure
	}

	out := *r
	in.mu.Unlock()

	v := c.VCPU()
	v.WriteReg(RegAskInstance, uint64(id))
	v.WriteReg(RegAskOffset, out.RegOff)
	v.WriteReg(RegAskAddr, out.Addr)
	v.WriteReg(RegAskOp, uint64(out.Op))
	v.WriteReg(RegAskValue, out.Value)
	v.WriteReg(RegAskWidth, out.Width)

	return HypSuccess
}

// notify raises the frontend's device interrupt without touching the
// request tables. The backend uses it for used-ring and configuration
// change notifications.
func (b *Broker) notify(c *platform.CPU, id InstanceID) int64 {
	in, ok := b.callerInstance(c, id)
	if !ok {
		return HypFailure
	}

	in.mu.Lock()
	in.direction = BackendToFrontend
	frontendCPU := in.frontendCPU
	in.mu.Unlock()

	if frontendCPU == platform.CPUNone {
		panic(fmt.Sprintf("virtio: instance %d has no frontend CPU assigned", in.id))
	}

	b.send(frontendCPU, EventInjectInterrupt, id)

	return HypSuccess
}

// callerInstance resolves id and checks that the calling vCPU's VM is
// the instance's registered backend.
func (b *Broker) callerInstance(c *platform.CPU, id InstanceID) (*Instance, bool) {
	in, ok := b.instances[id]
	if !ok {
		return nil, false
	}

	if c.VCPU().VM() != in.backendVM {
		slog.Warn("hypercall from a VM that is not the instance's backend",
			"instance", id, "vm", c.VCPU().VM())
		return nil, false
	}

	return in, true
}
