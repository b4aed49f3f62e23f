// Package platform models the physical machine a static-partitioning
// hypervisor runs on: physical CPUs, the vCPUs resident on them, and
// typed cross-CPU messages. Each physical CPU owns a mailbox; message
// handlers always run on the goroutine of the CPU that received the
// message, mirroring IPI handling in trap context.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// CPUID identifies a physical CPU.
type CPUID uint32

// VMID identifies a guest VM.
type VMID uint32

// IRQ identifies a virtual interrupt line. Line 0 is "no interrupt".
type IRQ uint32

// CPUNone marks a CPU identity that has not been assigned yet.
const CPUNone CPUID = ^CPUID(0)

// MsgID selects the handler for a cross-CPU message.
type MsgID uint32

// Msg is a typed cross-CPU message. Event and Data are interpreted by
// the handler registered for ID.
type Msg struct {
	ID    MsgID
	Event uint32
	Data  uint64
}

// Handler services messages on the receiving CPU. It runs on the
// receiving CPU's goroutine and must not block.
type Handler func(c *CPU, event uint32, data uint64)

// mailboxSize bounds the number of undelivered messages per CPU.
const mailboxSize = 128

var (
	ErrNoCPU        = errors.New("platform: no such CPU")
	ErrMailboxFull  = errors.New("platform: mailbox full")
	ErrHandlerBound = errors.New("platform: message handler already bound")
	ErrNoVCPU       = errors.New("platform: no vCPU resident on CPU")
)

// System is a fixed set of physical CPUs sharing a message handler
// table. The CPU count is set at construction and never changes.
type System struct {
	cpus []*CPU

	mu       sync.Mutex
	handlers map[MsgID]Handler
}

// New creates a system with numCPU physical CPUs, identified 0..numCPU-1.
func New(numCPU int) *System {
	s := &System{
		cpus:     make([]*CPU, numCPU),
		handlers: make(map[MsgID]Handler),
	}

	for i := range s.cpus {
		s.cpus[i] = &CPU{
			id:    CPUID(i),
			sys:   s,
			inbox: make(chan Msg, mailboxSize),
		}
	}

	return s
}

// NumCPU returns the number of physical CPUs.
func (s *System) NumCPU() int {
	return len(s.cpus)
}

// CPU returns the physical CPU with the given identity.
// It panics if id is out of range.
func (s *System) CPU(id CPUID) *CPU {
	if int(id) >= len(s.cpus) {
		panic(fmt.Sprintf("platform: CPU %d out of range", id))
	}

	return s.cpus[id]
}

// Handle binds a handler to a message ID. Binding is one-shot: a
// second bind for the same ID returns ErrHandlerBound.
func (s *System) Handle(id MsgID, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[id]; ok {
		return fmt.Errorf("%w: id %d", ErrHandlerBound, id)
	}

	s.handlers[id] = h
	return nil
}

// Send delivers a message to the target CPU's mailbox. It does not
// wait for the message to be handled.
func (s *System) Send(target CPUID, m Msg) error {
	if int(target) >= len(s.cpus) {
		return fmt.Errorf("%w: %d", ErrNoCPU, target)
	}

	select {
	case s.cpus[target].inbox <- m:
		return nil
	default:
		return fmt.Errorf("%w: CPU %d", ErrMailboxFull, target)
	}
}

func (s *System) handler(id MsgID) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handlers[id]
	return h, ok
}

// CPU is one physical CPU. All message handling for a CPU happens on
// whichever goroutine is currently driving it: a CPU's methods are not
// meant to be called from two goroutines at once.
type CPU struct {
	id    CPUID
	sys   *System
	inbox chan Msg
	vcpu  *VCPU
}

// ID returns the CPU's identity.
func (c *CPU) ID() CPUID {
	return c.id
}

// VCPU returns the vCPU resident on this CPU, or nil.
func (c *CPU) VCPU() *VCPU {
	return c.vcpu
}

// AttachVCPU makes v resident on this CPU.
func (c *CPU) AttachVCPU(v *VCPU) {
	c.vcpu = v
}

// Idle parks the CPU until its resident vCPU is active again,
// dispatching incoming messages while it waits. It is the suspension
// point for a vCPU parked on an in-flight request: the wake happens
// when a handler marks the vCPU active.
func (c *CPU) Idle() {
	if c.vcpu == nil {
		panic(ErrNoVCPU)
	}

	for !c.vcpu.Active() {
		c.dispatch(<-c.inbox)
	}
}

// Dispatch handles one pending message without blocking.
// It reports whether a message was taken from the mailbox; a message
// with no bound handler is dropped and still counts.
func (c *CPU) Dispatch() bool {
	select {
	case m := <-c.inbox:
		c.dispatch(m)
		return true
	default:
		return false
	}
}

// Wait blocks until one message arrives and handles it,
// or until ctx is done.
func (c *CPU) Wait(ctx context.Context) error {
	select {
	case m := <-c.inbox:
		c.dispatch(m)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CPU) dispatch(m Msg) {
	h, ok := c.sys.handler(m.ID)
	if !ok {
		slog.Warn("dropping message with no handler",
			"cpu", c.id, "id", m.ID, "event", m.Event)
		return
	}

	h(c, m.Event, m.Data)
}
