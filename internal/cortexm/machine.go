// internal/cortexm/machine.go

// Package cortexm simulates the parts of a single-core Cortex-M4F that a
// preemptive kernel depends on: the register file, stack memory, the nested
// vectored interrupt controller with BASEPRI masking and tail-chaining, the
// SysTick timer, FPU context control and the exception return rules that
// resume thread code. Thread-mode code runs as goroutines; exactly one of
// them executes at any time.
package cortexm

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/stacks/arraystack"

	"uthread/internal/kernel"
)

// Registers is the architectural register file.
type Registers struct {
	R       [13]uint32 // R0-R12
	MSP     uint32
	PSP     uint32
	LR      uint32
	PC      uint32
	XPSR    uint32
	S       [32]uint32 // S0-S31
	FPSCR   uint32
	BASEPRI uint8
	CONTROL uint32
}

// CONTROL and xPSR bits.
const (
	ControlSPSEL uint32 = 1 << 1 // thread mode uses PSP
	ControlFPCA  uint32 = 1 << 2

	XPSRThumb uint32 = 1 << 24
	ipsrMask  uint32 = 0x1FF
)

// FPCCR bits.
const (
	FPCCRLSPEN uint32 = 1 << 30
	FPCCRASPEN uint32 = 1 << 31
)

// Stats counts exception activity.
type Stats struct {
	Taken      uint64 // exceptions entered, tail-chained ones included
	TailChains uint64
	Nested     uint64 // exceptions that preempted a handler
	Switches   uint64 // thread handoffs on exception return
	Spawns     uint64 // threads started at a task entry point
}

// Machine is one simulated core. All of its state belongs to whichever
// goroutine currently executes; other goroutines may only Raise, Halt and
// read the SysTick registers.
type Machine struct {
	log *slog.Logger

	regs  Registers
	fpccr uint32
	bus   *Bus

	// NVIC
	prio     [NumExceptions]int16
	handlers [NumExceptions]func()
	pending  atomic.Uint64
	enabled  uint64
	irq      chan struct{}
	active   *arraystack.Stack // of Exception
	mspStack *arraystack.Stack // of hwFrame
	base     uint8

	systick *SysTick
	sw      kernel.Switcher

	// threads
	threads map[uint32]*thread
	running *thread
	reset   *thread
	nextTok uint32

	ran      atomic.Bool
	halt     chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup

	onFault   atomic.Value // func(FaultInfo)
	faultOnce sync.Once
	faulted   atomic.Pointer[FaultInfo]

	stats Stats
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l.With("component", "cortexm") }
}

// New returns a machine in its reset state with sramWords of stack memory.
// The caller's goroutine acts as the reset context until Run is used.
func New(sramWords int, opts ...Option) *Machine {
	m := &Machine{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		fpccr:    FPCCRASPEN | FPCCRLSPEN,
		bus:      NewBus(sramWords),
		irq:      make(chan struct{}, 1),
		active:   arraystack.New(),
		mspStack: arraystack.New(),
		threads:  make(map[uint32]*thread),
		halt:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.regs.XPSR = XPSRThumb
	m.regs.MSP = mspTop
	m.regs.LR = 0xFFFFFFFF
	m.prio[ExcHardFault] = -1

	m.systick = newSysTick(func() { m.Raise(ExcSysTick) })
	m.reset = m.newThread()
	m.running = m.reset
	m.regs.PC = m.reset.token
	return m
}

// Regs returns a copy of the register file.
func (m *Machine) Regs() Registers { return m.regs }

// SetRegs replaces the register file.
func (m *Machine) SetRegs(r Registers) { m.regs = r }

// Bus returns the memory bus.
func (m *Machine) Bus() *Bus { return m.bus }

// SysTick returns the system timer.
func (m *Machine) SysTick() *SysTick { return m.systick }

// Stats returns exception counters.
func (m *Machine) Stats() Stats { return m.stats }

// FPCCR returns the floating-point context control register.
func (m *Machine) FPCCR() uint32 { return m.fpccr }

// SetFPCCR writes the floating-point context control register.
func (m *Machine) SetFPCCR(v uint32) { m.fpccr = v }
