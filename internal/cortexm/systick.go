// internal/cortexm/systick.go

package cortexm

import (
	"sync/atomic"
	"time"
)

// SysTick CTRL bits.
const (
	SysTickEnable    uint32 = 1 << 0
	SysTickTickInt   uint32 = 1 << 1
	SysTickClkSource uint32 = 1 << 2 // processor clock
	SysTickCountFlag uint32 = 1 << 16

	SysTickMaxReload uint32 = 0x00FF_FFFF
)

// SysTick is the 24-bit system timer. Its registers may be read from any
// goroutine; the counter itself is driven by Expire.
type SysTick struct {
	ctrl    atomic.Uint32
	load    atomic.Uint32
	val     atomic.Uint32
	clockHz atomic.Uint32
	raise   func()
}

func newSysTick(raise func()) *SysTick {
	return &SysTick{raise: raise}
}

// Configure programs the reload value for a tick every clockHz/tickHz cycles
// and starts the counter with its interrupt enabled. It reports false when
// the reload does not fit in 24 bits, in which case the timer is untouched.
func (s *SysTick) Configure(clockHz, tickHz uint32) bool {
	if tickHz == 0 || clockHz/tickHz == 0 {
		return false
	}
	reload := clockHz/tickHz - 1
	if reload > SysTickMaxReload {
		return false
	}
	s.clockHz.Store(clockHz)
	s.load.Store(reload)
	s.val.Store(0)
	s.ctrl.Store(SysTickClkSource | SysTickTickInt | SysTickEnable)
	return true
}

// Disable stops the counter.
func (s *SysTick) Disable() {
	for {
		old := s.ctrl.Load()
		if s.ctrl.CompareAndSwap(old, old&^SysTickEnable) {
			return
		}
	}
}

func (s *SysTick) Ctrl() uint32   { return s.ctrl.Load() }
func (s *SysTick) Reload() uint32 { return s.load.Load() }
func (s *SysTick) Value() uint32  { return s.val.Load() }

// Enabled reports whether the counter runs.
func (s *SysTick) Enabled() bool { return s.ctrl.Load()&SysTickEnable != 0 }

// Period is the time between two expirations at the configured clock.
func (s *SysTick) Period() time.Duration {
	hz := s.clockHz.Load()
	if hz == 0 {
		return 0
	}
	cycles := uint64(s.load.Load()) + 1
	return time.Duration(cycles * uint64(time.Second) / uint64(hz))
}

// Expire is the counter reaching zero: it reloads, sets COUNTFLAG and pends
// the SysTick exception if TICKINT is set. It does nothing while disabled.
func (s *SysTick) Expire() {
	for {
		old := s.ctrl.Load()
		if old&SysTickEnable == 0 {
			return
		}
		if s.ctrl.CompareAndSwap(old, old|SysTickCountFlag) {
			s.val.Store(s.load.Load())
			if old&SysTickTickInt != 0 {
				s.raise()
			}
			return
		}
	}
}

// CountFlag reads and clears COUNTFLAG.
func (s *SysTick) CountFlag() bool {
	for {
		old := s.ctrl.Load()
		if s.ctrl.CompareAndSwap(old, old&^SysTickCountFlag) {
			return old&SysTickCountFlag != 0
		}
	}
}
