// internal/cortexm/port.go

package cortexm

import "uthread/internal/kernel"

var _ kernel.Port = (*Machine)(nil)

// ConfigureTick programs SysTick from the core clock. A rate the 24-bit
// reload cannot express leaves the timer stopped.
func (m *Machine) ConfigureTick(clockHz, tickHz uint32) {
	if !m.systick.Configure(clockHz, tickHz) {
		m.log.Warn("systick reload out of range", "clock_hz", clockHz, "tick_hz", tickHz)
		return
	}
	m.log.Debug("systick configured", "reload", m.systick.Reload(), "period", m.systick.Period())
}

// ConfigurePriorities puts PendSV at base and SysTick one level above it.
func (m *Machine) ConfigurePriorities(base uint8) {
	m.base = base
	if err := m.SetPriority(ExcPendSV, base); err != nil {
		panic(err)
	}
	if err := m.SetPriority(ExcSysTick, base-1); err != nil {
		panic(err)
	}
}

// BasePriority returns the level ConfigurePriorities set.
func (m *Machine) BasePriority() uint8 { return m.base }

// DisableFPContextSave clears ASPEN and LSPEN.
func (m *Machine) DisableFPContextSave() {
	m.fpccr &^= FPCCRASPEN | FPCCRLSPEN
}

// Install binds the SysTick handler and the kernel's switch slots to PendSV.
func (m *Machine) Install(tick func(), sw kernel.Switcher) {
	m.handlers[ExcSysTick] = tick
	m.handlers[ExcPendSV] = m.pendSV
	m.sw = sw
}

func (m *Machine) StackMemory() (uint32, []uint32) { return SRAMBase, m.bus.SRAM() }
func (m *Machine) FrameWords() uint32              { return FrameWords }
func (m *Machine) HardwareFrameOffset() uint32     { return HardwareFrameOffset }

// SetProcessStack writes PSP.
func (m *Machine) SetProcessStack(sp uint32) { m.regs.PSP = sp }

// Lock raises BASEPRI to the kernel level.
func (m *Machine) Lock() {
	m.regs.BASEPRI = m.base << (8 - PriorityBits)
	m.boundary()
}

// Unlock clears BASEPRI. Whatever it was holding off is taken before Unlock
// returns.
func (m *Machine) Unlock() {
	m.regs.BASEPRI = 0
	m.boundary()
}

func (m *Machine) Locked() bool {
	return m.base != 0 && m.regs.BASEPRI == m.base<<(8-PriorityBits)
}

// InHandler reports whether an exception is active.
func (m *Machine) InHandler() bool { return m.active.Size() > 0 }

// PendDispatch sets PENDSVSET.
func (m *Machine) PendDispatch() { m.Pend(ExcPendSV) }
