// internal/cortexm/frame.go

package cortexm

import "uthread/internal/kernel"

// Saved context layout, lowest address first:
//
//	FPSCR | S0..S31 | R4..R11 | R0 R1 R2 R3 R12 LR PC xPSR
//
// The last eight words are what exception return unstacks.
const (
	FrameWords          = 49
	HardwareFrameOffset = 41

	initialXPSR  uint32 = 0x01000000
	initialLR    uint32 = 0xFFFFFFFE
	initialFPSCR uint32 = 0x30000000
)

// InitFrame writes a context that resumes at entry with arg in R0, as if the
// task had been preempted before its first instruction, and returns the
// saved stack pointer. The callee-saved register slots are left untouched.
func (m *Machine) InitFrame(s kernel.Stack, entry kernel.Entry, arg any) uint32 {
	if s.Words < FrameWords {
		panic("cortexm: stack too small for an initial frame")
	}
	w, err := m.bus.Words(s.Base, int(s.Words))
	if err != nil {
		panic("cortexm: initial frame outside SRAM: " + err.Error())
	}

	top := len(w) - 1
	w[top] = initialXPSR
	w[top-1] = m.bus.Link(entry)
	w[top-2] = initialLR
	w[top-3] = 0x0000000C // R12
	w[top-4] = 0x00000003 // R3
	w[top-5] = 0x00000002 // R2
	w[top-6] = 0x00000001 // R1
	w[top-7] = m.bus.Box(arg)

	sp := top - (FrameWords - 1)
	w[sp] = initialFPSCR
	return s.Base + 4*uint32(sp)
}
