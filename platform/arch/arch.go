// Package arch provides the ISA-specific pieces of the platform
// model. Right now that is only instruction stepping: advancing a
// vCPU's program counter past a faulting MMIO instruction.
package arch

import (
	"errors"
	"fmt"

	"github.com/liuxin324/bao-hypervisor/platform"
	"golang.org/x/arch/x86/x86asm"
)

// Stepper advances a vCPU past the MMIO instruction that faulted.
// The trap path calls it before parking the vCPU so that the vCPU
// resumes at the next instruction once its response lands.
type Stepper interface {
	StepPastMMIO(v *platform.VCPU) error
}

var ErrDecode = errors.New("arch: instruction decode failed")

// Fixed steps past instructions on fixed-width ISAs (arm64, riscv
// without compressed instructions).
type Fixed struct {
	Width uint64
}

func (f Fixed) StepPastMMIO(v *platform.VCPU) error {
	v.SetPC(v.PC() + f.Width)
	return nil
}

// X86 steps past variable-length x86-64 instructions by decoding the
// instruction at the vCPU's program counter. ReadMem reads guest
// memory at a guest virtual address.
type X86 struct {
	ReadMem func(addr uint64, p []byte) error
}

func (s X86) StepPastMMIO(v *platform.VCPU) error {
	pc := v.PC()

	// x86-64 instructions are at most 15 bytes
	var insn [15]byte
	if err := s.ReadMem(pc, insn[:]); err != nil {
		return fmt.Errorf("%w: read %d bytes at %#x: %w", ErrDecode, len(insn), pc, err)
	}

	inst, err := x86asm.Decode(insn[:], 64)
	if err != nil {
		return fmt.Errorf("%w: at %#x: %w", ErrDecode, pc, err)
	}

	// x86asm reports an unintelligible byte sequence as a lone prefix
	// with no opcode instead of an error
	if inst.Op == 0 {
		return fmt.Errorf("%w: at %#x: no opcode", ErrDecode, pc)
	}

	v.SetPC(pc + uint64(inst.Len))
	return nil
}
