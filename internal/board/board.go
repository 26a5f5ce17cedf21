// internal/board/board.go

// Package board puts a kernel on a simulated Cortex-M4F and boots it.
package board

import (
	"context"
	"fmt"
	"log/slog"

	"uthread/internal/cortexm"
	"uthread/internal/kernel"
	"uthread/internal/logging"
)

// MaxIRQ is the number of external interrupt lines.
const MaxIRQ = cortexm.NumExceptions - 16

// Board is one core running one kernel.
type Board struct {
	cfg     kernel.Config
	log     *slog.Logger
	machine *cortexm.Machine
	kernel  *kernel.Kernel
	clock   *cortexm.TickClock

	tracer   kernel.Tracer
	onFault  func(cortexm.FaultInfo)
	setupErr error
}

// Option configures a Board.
type Option func(*Board)

// WithLogger sets the logger for the board and its machine.
func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.log = l }
}

// WithTracer forwards kernel events to t.
func WithTracer(t kernel.Tracer) Option {
	return func(b *Board) { b.tracer = t }
}

// WithFaultHandler installs a hard fault hook.
func WithFaultHandler(fn func(cortexm.FaultInfo)) Option {
	return func(b *Board) { b.onFault = fn }
}

// New builds the machine and the kernel from cfg.
func New(cfg kernel.Config, opts ...Option) *Board {
	b := &Board{cfg: cfg.Clamped(), log: logging.Discard()}
	for _, opt := range opts {
		opt(b)
	}

	b.machine = cortexm.New(int(b.cfg.PoolWords), cortexm.WithLogger(b.log))
	var kopts []kernel.Option
	if b.tracer != nil {
		kopts = append(kopts, kernel.WithTracer(b.tracer))
	}
	b.kernel = kernel.New(b.machine, b.cfg, kopts...)
	b.log = logging.Component(b.log, "board")

	if b.onFault != nil {
		b.machine.SetFaultHandler(b.onFault)
	}
	return b
}

func (b *Board) Kernel() *kernel.Kernel    { return b.kernel }
func (b *Board) Machine() *cortexm.Machine { return b.machine }
func (b *Board) Config() kernel.Config     { return b.cfg }

// Run boots the kernel: the reset handler initializes it, lets setup create
// tasks and install interrupts, and starts scheduling. Run returns when ctx
// is done or the machine halts; a fault is returned as *cortexm.FaultError.
func (b *Board) Run(ctx context.Context, setup func(*Board) error) error {
	err := b.machine.Run(ctx, func() {
		b.kernel.Init(b.idle, nil, b.cfg.IdleStackWords)
		if setup != nil {
			if err := setup(b); err != nil {
				b.setupErr = err
				b.machine.Halt()
				return
			}
		}
		if b.cfg.RealTime {
			b.clock = cortexm.NewTickClock(b.machine.SysTick())
			b.clock.Start(b.machine.SysTick().Period())
		}
		b.log.Info("kernel start", "tasks", len(b.kernel.Tasks()), "pool_free_words", b.kernel.PoolFree(),
			"real_time", b.cfg.RealTime)
		b.kernel.Start()
	})
	if b.clock != nil {
		b.clock.Stop()
	}
	if b.setupErr != nil {
		return fmt.Errorf("board setup: %w", b.setupErr)
	}
	return err
}

// idle sleeps until the next interrupt. Without a host clock it expires
// SysTick itself, so simulated time only advances while the core is idle.
func (b *Board) idle(any) {
	st := b.machine.SysTick()
	for {
		if !b.cfg.RealTime {
			st.Expire()
		}
		b.machine.WaitForInterrupt()
	}
}

// IRQ installs handler on external interrupt n. Handlers that use the
// kernel must preempt it, so prio has to be numerically below the kernel's
// base priority.
func (b *Board) IRQ(n int, prio uint8, handler func()) error {
	if n < 0 || n >= MaxIRQ {
		return fmt.Errorf("irq %d: out of range 0..%d", n, MaxIRQ-1)
	}
	if prio >= b.cfg.BasePriority {
		return fmt.Errorf("irq %d: priority %d does not preempt the kernel at %d", n, prio, b.cfg.BasePriority)
	}
	if handler == nil {
		return fmt.Errorf("irq %d: nil handler", n)
	}
	if err := b.machine.SetPriority(cortexm.IRQ(n), prio); err != nil {
		return fmt.Errorf("irq %d: %w", n, err)
	}
	if err := b.machine.SetHandler(cortexm.IRQ(n), handler); err != nil {
		return fmt.Errorf("irq %d: %w", n, err)
	}
	b.machine.Enable(cortexm.IRQ(n))
	return nil
}

// Trigger raises external interrupt n. It may be called from any goroutine.
func (b *Board) Trigger(n int) {
	b.machine.Raise(cortexm.IRQ(n))
}

// Stop halts the machine. Called from a task it does not return.
func (b *Board) Stop() {
	b.machine.Halt()
	b.machine.Checkpoint()
}

// StackUsage is one task's stack report.
type StackUsage struct {
	Task      kernel.TaskID
	Priority  uint8
	Bytes     uint64
	UsedBytes uint64
}

// Stacks reports stack use per task. Call it from kernel context or after
// Run returns.
func (b *Board) Stacks() []StackUsage {
	var out []StackUsage
	for _, t := range b.kernel.Tasks() {
		out = append(out, StackUsage{
			Task:      t.ID(),
			Priority:  t.Priority(),
			Bytes:     t.Stack().Bytes(),
			UsedBytes: uint64(b.kernel.StackHighWater(t)) * 4,
		})
	}
	return out
}
