// internal/cortexm/thread.go

package cortexm

import (
	"context"
	"fmt"
	"runtime"

	"uthread/internal/kernel"
)

// thread is a goroutine executing thread-mode code. Its token is the
// address it resumes at; a stacked PC equal to the token means "continue
// this goroutine".
type thread struct {
	token  uint32
	resume chan struct{}
}

func (m *Machine) newThread() *thread {
	t := &thread{
		token:  TokenBase + 4*m.nextTok,
		resume: make(chan struct{}, 1),
	}
	m.nextTok++
	m.threads[t.token] = t
	return t
}

// resume continues thread-mode execution at pc after an exception return.
func (m *Machine) resume(pc uint32) {
	self := m.running
	if pc == self.token {
		return
	}
	if t, ok := m.threads[pc]; ok {
		m.running = t
		m.stats.Switches++
		t.resume <- struct{}{}
		m.park(self)
		return
	}
	if entry, ok := m.bus.EntryAt(pc); ok {
		m.spawn(entry, m.bus.Unbox(m.regs.R[0]))
		m.park(self)
		return
	}
	m.fault(FaultInfo{CFSR: CFSRInvState, HFSR: HFSRForced, PC: pc, Reason: fmt.Sprintf("branch to %#08x", pc)})
}

// spawn starts entry on a fresh goroutine that takes over execution.
func (m *Machine) spawn(entry kernel.Entry, arg any) {
	t := m.newThread()
	m.running = t
	m.stats.Spawns++
	m.log.Debug("thread start", "token", fmt.Sprintf("%#08x", t.token), "threads", len(m.threads))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.recoverThread()
		entry(arg)
		m.fault(FaultInfo{CFSR: CFSRInvState, HFSR: HFSRForced, PC: initialLR, Reason: "task returned"})
	}()
}

// park blocks the calling goroutine until it is handed execution again.
func (m *Machine) park(self *thread) {
	select {
	case <-self.resume:
	case <-m.halt:
		runtime.Goexit()
	}
	m.checkHalt()
}

func (m *Machine) checkHalt() {
	select {
	case <-m.halt:
		runtime.Goexit()
	default:
	}
}

// Run executes boot as the reset handler on a new goroutine and blocks until
// ctx is done or the machine halts. Every thread leaves at its next
// instruction boundary, so thread code must reach one. Run returns a
// *FaultError if the machine stopped on a fault.
func (m *Machine) Run(ctx context.Context, boot func()) error {
	if !m.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.recoverThread()
		boot()
		// Falling out of reset leaves the core sleeping in thread mode.
		for {
			m.WaitForInterrupt()
		}
	}()

	select {
	case <-ctx.Done():
		m.Halt()
	case <-m.halt:
	}
	m.wg.Wait()

	if info, ok := m.Fault(); ok {
		return &FaultError{Info: info}
	}
	return nil
}

// Halt stops the machine. A thread that calls it keeps running until its
// next instruction boundary.
func (m *Machine) Halt() {
	m.haltOnce.Do(func() {
		m.log.Debug("halt")
		close(m.halt)
	})
}

// Halted reports whether Halt has been called.
func (m *Machine) Halted() bool {
	select {
	case <-m.halt:
		return true
	default:
		return false
	}
}

// Checkpoint is an instruction boundary for thread code: pending exceptions
// the execution priority allows are taken here. Long-running task code
// calls it to stay preemptible.
func (m *Machine) Checkpoint() {
	m.boundary()
}

// WaitForInterrupt sleeps until an exception is raised, then takes whatever
// is eligible.
func (m *Machine) WaitForInterrupt() {
	if m.boundary() {
		return
	}
	select {
	case <-m.irq:
	case <-m.halt:
		runtime.Goexit()
	}
	m.boundary()
}
