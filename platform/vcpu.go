package platform

import (
	"fmt"
	"sync"
)

// NumRegs is the size of the general-purpose register file (x0..x30).
const NumRegs = 31

// VCPU is a virtual CPU: a register file, a program counter, an
// active flag, and a set of pending virtual interrupts. A vCPU whose
// active flag is false is parked; the scheduler will not run it until
// something marks it active again.
//
// Register and flag accesses are guarded: the hypercall path writes a
// backend vCPU's registers from the backend CPU while response
// delivery writes a frontend vCPU's registers from the CPU that took
// the trap.
type VCPU struct {
	vm VMID

	mu      sync.Mutex
	regs    [NumRegs]uint64
	pc      uint64
	active  bool
	pending []IRQ
}

// NewVCPU creates an active vCPU belonging to the given VM.
func NewVCPU(vm VMID) *VCPU {
	return &VCPU{vm: vm, active: true}
}

// VM returns the VM the vCPU belongs to.
func (v *VCPU) VM() VMID {
	return v.vm
}

// ReadReg returns the value of general-purpose register i.
func (v *VCPU) ReadReg(i int) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.checkReg(i)
	return v.regs[i]
}

// WriteReg sets general-purpose register i to val.
func (v *VCPU) WriteReg(i int, val uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.checkReg(i)
	v.regs[i] = val
}

// PC returns the program counter.
func (v *VCPU) PC() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pc
}

// SetPC sets the program counter.
func (v *VCPU) SetPC(pc uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.pc = pc
}

// Active reports whether the vCPU is runnable.
func (v *VCPU) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.active
}

// SetActive marks the vCPU runnable or parked.
func (v *VCPU) SetActive(active bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.active = active
}

// InjectIRQ asserts a virtual interrupt line on the vCPU.
// Asserting a line that is already pending is a no-op.
func (v *VCPU) InjectIRQ(irq IRQ) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, p := range v.pending {
		if p == irq {
			return
		}
	}

	v.pending = append(v.pending, irq)
}

// AckIRQ deasserts a pending virtual interrupt line.
// It reports whether the line was pending.
func (v *VCPU) AckIRQ(irq IRQ) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, p := range v.pending {
		if p == irq {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			return true
		}
	}

	return false
}

// Pending returns the asserted interrupt lines, oldest first.
func (v *VCPU) Pending() []IRQ {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]IRQ, len(v.pending))
	copy(out, v.pending)
	return out
}

func (v *VCPU) checkReg(i int) {
	if i < 0 || i >= NumRegs {
		panic(fmt.Sprintf("platform: register x%d out of range", i))
	}
}
