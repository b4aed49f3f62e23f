package arch_test

import (
	"errors"
	"testing"

	"github.com/liuxin324/bao-hypervisor/platform"
	"github.com/liuxin324/bao-hypervisor/platform/arch"
)

func TestFixed(t *testing.T) {
	v := platform.NewVCPU(0)
	v.SetPC(0x80000000)

	s := arch.Fixed{Width: 4}
	if err := s.StepPastMMIO(v); err != nil {
		t.Fatal(err)
	}

	if got := v.PC(); got != 0x80000004 {
		t.Errorf("PC = %#x, want 0x80000004", got)
	}
}

func TestX86(t *testing.T) {
	cases := []struct {
		name string
		insn []byte
		len  uint64
	}{
		{"mov eax, [rbx]", []byte{0x8b, 0x03}, 2},
		{"mov rax, [rbx]", []byte{0x48, 0x8b, 0x03}, 3},
		{"mov dword [rax], imm32", []byte{0xc7, 0x00, 0x01, 0x00, 0x00, 0x00}, 6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := platform.NewVCPU(0)
			v.SetPC(0x1000)

			s := arch.X86{
				ReadMem: func(addr uint64, p []byte) error {
					if addr != 0x1000 {
						t.Errorf("read at %#x, want 0x1000", addr)
					}

					copy(p, tc.insn)
					return nil
				},
			}

			if err := s.StepPastMMIO(v); err != nil {
				t.Fatal(err)
			}

			if got := v.PC(); got != 0x1000+tc.len {
				t.Errorf("PC = %#x, want %#x", got, 0x1000+tc.len)
			}
		})
	}
}

func TestX86ReadError(t *testing.T) {
	boom := errors.New("boom")

	s := arch.X86{
		ReadMem: func(addr uint64, p []byte) error { return boom },
	}

	err := s.StepPastMMIO(platform.NewVCPU(0))
	if !errors.Is(err, arch.ErrDecode) {
		t.Errorf("error isn't ErrDecode: %v", err)
	}

	if !errors.Is(err, boom) {
		t.Error("no boom")
	}
}

func TestX86DecodeError(t *testing.T) {
	s := arch.X86{
		ReadMem: func(addr uint64, p []byte) error {
			// an impossible prefix soup
			for i := range p {
				p[i] = 0xf0
			}
			return nil
		},
	}

	if err := s.StepPastMMIO(platform.NewVCPU(0)); !errors.Is(err, arch.ErrDecode) {
		t.Errorf("error isn't ErrDecode: %v", err)
	}
}
