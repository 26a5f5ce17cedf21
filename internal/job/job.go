// Package job holds demo task bodies for the simulated board.
package job

import (
	"sync/atomic"
	"time"

	"uthread/internal/kernel"
)

// Counter counts task activations. It may be read from any goroutine.
type Counter struct{ n atomic.Uint64 }

func (c *Counter) inc()         { c.n.Add(1) }
func (c *Counter) Load() uint64 { return c.n.Load() }

// Ticks converts d to whole kernel ticks at tickHz, never less than one.
// The result saturates below kernel.Forever.
func Ticks(d time.Duration, tickHz uint32) uint32 {
	if d <= 0 || tickHz == 0 {
		return 1
	}
	hz := uint64(tickHz)
	secs, frac := uint64(d/time.Second), uint64(d%time.Second)
	// Past this many whole seconds the count cannot fit, and secs*hz could overflow.
	if secs >= uint64(kernel.Forever-1)/hz+1 {
		return kernel.Forever - 1
	}
	n := secs*hz + frac*hz/uint64(time.Second)
	switch {
	case n == 0:
		return 1
	case n > uint64(kernel.Forever-1):
		return kernel.Forever - 1
	}
	return uint32(n)
}

// Blink returns a task that toggles every period ticks.
func Blink(k *kernel.Kernel, period uint32, toggles *Counter) kernel.Entry {
	if period == 0 {
		period = 1
	}
	return func(any) {
		for {
			toggles.inc()
			k.Yield(period)
		}
	}
}

// Sleeper returns a task that sleeps until something wakes it, usually an
// interrupt handler, and counts the wakeups.
func Sleeper(k *kernel.Kernel, wakes *Counter) kernel.Entry {
	return func(any) {
		for {
			k.Sleep()
			wakes.inc()
		}
	}
}

// Checkpointer is an instruction boundary where pending interrupts are taken.
type Checkpointer interface {
	Checkpoint()
}

// Busy returns a task that computes for units steps without giving up the
// core, then rests for rest ticks. Only a higher-priority task can run while
// it computes.
func Busy(k *kernel.Kernel, cpu Checkpointer, units int, rest uint32, rounds *Counter) kernel.Entry {
	return func(any) {
		for {
			for i := 0; i < units; i++ {
				cpu.Checkpoint()
			}
			rounds.inc()
			k.Yield(rest)
		}
	}
}
