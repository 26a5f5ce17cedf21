package job

import (
	"context"
	"fmt"
	"time"

	"uthread/internal/board"
)

// Demo is the stock workload set: a fast and a slow blinker, a sleeper woken
// by an external interrupt and a busy task below all of them.
type Demo struct {
	FastPeriod uint32 // ticks
	SlowPeriod uint32 // ticks
	BusyUnits  int
	BusyRest   uint32 // ticks
	IRQ        int
	StackWords uint32

	Fast, Slow, Wakes, Busy Counter
}

// NewDemo returns a Demo scaled to tickHz.
func NewDemo(tickHz uint32) *Demo {
	return &Demo{
		FastPeriod: Ticks(50*time.Millisecond, tickHz),
		SlowPeriod: Ticks(200*time.Millisecond, tickHz),
		BusyUnits:  500,
		BusyRest:   Ticks(10*time.Millisecond, tickHz),
		IRQ:        0,
		StackWords: 128,
	}
}

// Setup creates the demo tasks and installs the wake interrupt. It runs in
// the board's reset context.
func (d *Demo) Setup(b *board.Board) error {
	k := b.Kernel()

	sleeper, err := k.CreateTask(Sleeper(k, &d.Wakes), nil, 1, d.StackWords)
	if err != nil {
		return fmt.Errorf("sleeper: %w", err)
	}
	if err := b.IRQ(d.IRQ, 2, func() { k.Wake(sleeper) }); err != nil {
		return err
	}
	if _, err := k.CreateTask(Blink(k, d.FastPeriod, &d.Fast), nil, 3, d.StackWords); err != nil {
		return fmt.Errorf("fast blinker: %w", err)
	}
	if _, err := k.CreateTask(Blink(k, d.SlowPeriod, &d.Slow), nil, 4, d.StackWords); err != nil {
		return fmt.Errorf("slow blinker: %w", err)
	}
	if _, err := k.CreateTask(Busy(k, b.Machine(), d.BusyUnits, d.BusyRest, &d.Busy), nil, 10, d.StackWords); err != nil {
		return fmt.Errorf("busy: %w", err)
	}
	return nil
}

// Press raises the demo interrupt every interval until ctx is done, like a
// button wired to the IRQ line.
func (d *Demo) Press(ctx context.Context, b *board.Board, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Trigger(d.IRQ)
		}
	}
}
