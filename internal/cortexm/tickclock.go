// internal/cortexm/tickclock.go

package cortexm

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickClock drives a SysTick from the host clock and counts expirations.
type TickClock struct {
	timer    *SysTick
	count    atomic.Int64
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTickClock creates a clock for timer but does not start it.
func NewTickClock(timer *SysTick) *TickClock {
	return &TickClock{
		timer: timer,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start expires the timer at the given interval until Stop.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.timer.Enabled() {
					c.count.Add(1)
					c.timer.Expire()
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop signals the clock to stop and waits for it. It must follow Start.
func (c *TickClock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Count returns the number of expirations so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
