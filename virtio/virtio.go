// Package virtio implements the inter-VM virtio-mmio request broker.
//
// A frontend VM runs unmodified virtio drivers against an MMIO window
// with no device behind it; the access traps into the hypervisor. A
// backend VM runs the device emulation in user-level code. The broker
// bridges the two: it queues the trapped access for the backend, wakes
// the backend CPU, parks the frontend vCPU, and resumes it with the
// result once the backend answers via hypercall.
//
// The broker does not implement device semantics: virtqueues, feature
// negotiation, and DMA all belong to the backend VM.
package virtio

import (
	"fmt"

	"github.com/liuxin324/bao-hypervisor/platform"
)

// InstanceID links one frontend driver to one backend device.
type InstanceID uint64

// DeviceType is an opaque device tag forwarded to the backend.
type DeviceType uint32

// MsgVirtIO is the cross-CPU message channel reserved for broker
// traffic.
const MsgVirtIO platform.MsgID = 1

// InstancesMax caps the number of virtio instances in a configuration.
const InstancesMax = 50

// Op is a backend hypercall operation. OpWrite and OpRead double as
// the access kind recorded in a request.
type Op uint64

const (
	OpWrite  Op = 0 // complete a write request
	OpRead   Op = 1 // complete a read request
	OpAsk    Op = 2 // fetch the next unhandled request
	OpNotify Op = 3 // raise the frontend's device interrupt
)

func (op Op) String() string {
	switch op {
	case OpWrite:
		return "write"

	case OpRead:
		return "read"

	case OpAsk:
		return "ask"

	case OpNotify:
		return "notify"

	default:
		return fmt.Sprintf("Op(%d)", uint64(op))
	}
}

// Event is a broker cross-CPU message event.
type Event uint32

const (
	EventWriteNotify       Event = 0 // a write completion is ready for the frontend
	EventReadNotify        Event = 1 // a read completion is ready for the frontend
	EventInjectInterrupt   Event = 2 // assert the instance's interrupt line
	EventNotifyBackendPoll Event = 3 // wake a polling backend, no interrupt
)

func (e Event) String() string {
	switch e {
	case EventWriteNotify:
		return "write-notify"

	case EventReadNotify:
		return "read-notify"

	case EventInjectInterrupt:
		return "inject-interrupt"

	case EventNotifyBackendPoll:
		return "notify-backend-poll"

	default:
		return fmt.Sprintf("Event(%d)", uint32(e))
	}
}

// Direction records which side an instance last transferred toward.
// It is consulted only when an inject-interrupt event is handled, to
// pick between the instance's two interrupt lines.
type Direction uint8

const (
	FrontendToBackend Direction = iota
	BackendToFrontend
)

// Hypercall return codes. The value placed in the caller's return
// register is the negated code, so success reads as 0 and errors read
// as small negative numbers.
const (
	HypSuccess     int64 = 0
	HypFailure     int64 = 1
	HypInvalidArgs int64 = 2
)

// Hypercall argument registers: the backend passes
// (instance id, register offset, guest address, op, value) in x2..x6.
// On a successful ask, the broker writes the fetched request into
// x1..x6 as (instance id, register offset, guest address, op, value,
// access width).
const (
	RegHypRet      = 0
	RegHypInstance = 2
	RegHypOffset   = 3
	RegHypAddr     = 4
	RegHypOp       = 5
	RegHypValue    = 6

	RegAskInstance = 1
	RegAskOffset   = 2
	RegAskAddr     = 3
	RegAskOp       = 4
	RegAskValue    = 5
	RegAskWidth    = 6
)
