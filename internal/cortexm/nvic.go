// internal/cortexm/nvic.go

package cortexm

import (
	"fmt"
	"math/bits"
)

// Exception is an exception number as it appears in IPSR.
type Exception uint8

const (
	ExcHardFault Exception = 3
	ExcPendSV    Exception = 14
	ExcSysTick   Exception = 15

	firstIRQ      = 16
	NumExceptions = 64
)

// IRQ returns the exception number of external interrupt n.
func IRQ(n int) Exception { return Exception(firstIRQ + n) }

func (e Exception) String() string {
	switch e {
	case ExcHardFault:
		return "HardFault"
	case ExcPendSV:
		return "PendSV"
	case ExcSysTick:
		return "SysTick"
	}
	if e >= firstIRQ {
		return fmt.Sprintf("IRQ%d", int(e)-firstIRQ)
	}
	return fmt.Sprintf("Exception%d", int(e))
}

// EXC_RETURN values.
const (
	ExcReturnHandler   uint32 = 0xFFFFFFF1
	ExcReturnThreadMSP uint32 = 0xFFFFFFF9
	ExcReturnThreadPSP uint32 = 0xFFFFFFFD
)

// PriorityBits is the number of implemented priority bits.
const PriorityBits = 4

// threadPriority is the execution priority of thread mode with nothing masked.
const threadPriority int16 = 256

// hwFrame is the basic frame the core stacks on exception entry.
type hwFrame struct {
	R0, R1, R2, R3, R12, LR, PC, XPSR uint32
}

func (f hwFrame) words() [8]uint32 {
	return [8]uint32{f.R0, f.R1, f.R2, f.R3, f.R12, f.LR, f.PC, f.XPSR}
}

func frameOf(w []uint32) hwFrame {
	return hwFrame{R0: w[0], R1: w[1], R2: w[2], R3: w[3], R12: w[4], LR: w[5], PC: w[6], XPSR: w[7]}
}

func (e Exception) valid() bool {
	return e >= ExcHardFault && int(e) < NumExceptions
}

// SetPriority sets the priority of a configurable exception. Only the top
// PriorityBits of the 8-bit field are implemented, so prio is 0..15.
func (m *Machine) SetPriority(exc Exception, prio uint8) error {
	if !exc.valid() || exc == ExcHardFault {
		return fmt.Errorf("set priority: %v is not configurable", exc)
	}
	if prio >= 1<<PriorityBits {
		return fmt.Errorf("set priority: %v: %d exceeds %d bits", exc, prio, PriorityBits)
	}
	m.prio[exc] = int16(prio) << (8 - PriorityBits)
	return nil
}

// Priority returns the effective 8-bit priority of exc.
func (m *Machine) Priority(exc Exception) int16 { return m.prio[exc] }

// SetHandler installs the handler for exc.
func (m *Machine) SetHandler(exc Exception, fn func()) error {
	if !exc.valid() || exc == ExcHardFault {
		return fmt.Errorf("set handler: %v is not configurable", exc)
	}
	m.handlers[exc] = fn
	return nil
}

// Enable lets a pending external interrupt be taken. System exceptions are
// always enabled.
func (m *Machine) Enable(exc Exception) {
	if exc.valid() {
		m.enabled |= uint64(1) << exc
	}
}

// Disable masks an external interrupt; it can still become pending.
func (m *Machine) Disable(exc Exception) {
	if exc.valid() {
		m.enabled &^= uint64(1) << exc
	}
}

func (m *Machine) isEnabled(exc Exception) bool {
	return exc < firstIRQ || m.enabled&(uint64(1)<<exc) != 0
}

// Raise marks exc pending. It is safe to call from any goroutine; the
// exception is taken at the running context's next instruction boundary
// that its priority allows.
func (m *Machine) Raise(exc Exception) {
	if !exc.valid() {
		return
	}
	bit := uint64(1) << exc
	for {
		old := m.pending.Load()
		if old&bit != 0 || m.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case m.irq <- struct{}{}:
	default:
	}
}

// Pending reports whether exc is waiting to be taken.
func (m *Machine) Pending(exc Exception) bool {
	return exc.valid() && m.pending.Load()&(uint64(1)<<exc) != 0
}

// Pend raises exc from the running context and then passes an instruction
// boundary, so an eligible exception is taken before Pend returns.
func (m *Machine) Pend(exc Exception) {
	m.Raise(exc)
	m.boundary()
}

func (m *Machine) clearPending(exc Exception) {
	bit := uint64(1) << exc
	for {
		old := m.pending.Load()
		if old&bit == 0 || m.pending.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// ExecutionPriority is the priority below which nothing preempts.
func (m *Machine) ExecutionPriority() int16 {
	ep := threadPriority
	for _, v := range m.active.Values() {
		if p := m.prio[v.(Exception)]; p < ep {
			ep = p
		}
	}
	if b := int16(m.regs.BASEPRI); b != 0 && b < ep {
		ep = b
	}
	return ep
}

// Active returns the active exceptions, innermost first.
func (m *Machine) Active() []Exception {
	out := make([]Exception, 0, m.active.Size())
	for _, v := range m.active.Values() {
		out = append(out, v.(Exception))
	}
	return out
}

// nextPending picks the pending exception that may preempt now. Among equal
// priorities the lowest exception number wins.
func (m *Machine) nextPending() (Exception, bool) {
	set := m.pending.Load()
	if set == 0 {
		return 0, false
	}
	best, bestPrio, found := Exception(0), m.ExecutionPriority(), false
	for set != 0 {
		exc := Exception(bits.TrailingZeros64(set))
		set &= set - 1
		if p := m.prio[exc]; p < bestPrio && m.isEnabled(exc) {
			best, bestPrio, found = exc, p, true
		}
	}
	return best, found
}

// boundary takes every exception the current execution priority allows and
// reports whether there was any.
func (m *Machine) boundary() bool {
	m.checkHalt()
	took := false
	for {
		exc, ok := m.nextPending()
		if !ok {
			return took
		}
		m.take(exc)
		took = true
		m.checkHalt()
	}
}

// take enters exc, runs its handler and any exception that tail-chains
// after it, then performs the exception return.
func (m *Machine) take(exc Exception) {
	if m.fpccr&FPCCRASPEN != 0 {
		m.fault(FaultInfo{
			HFSR:   HFSRForced,
			Reason: fmt.Sprintf("%v taken with automatic FP state preservation enabled", exc),
		})
	}
	if m.active.Size() > 0 {
		m.stats.Nested++
	}

	excReturn := m.stackContext()
	for {
		m.clearPending(exc)
		m.stats.Taken++
		m.active.Push(exc)
		m.regs.LR = excReturn
		m.regs.XPSR = m.regs.XPSR&^ipsrMask | uint32(exc)

		fn := m.handlers[exc]
		if fn == nil {
			m.fault(FaultInfo{HFSR: HFSRForced, Reason: fmt.Sprintf("no handler for %v", exc)})
		}
		fn()

		excReturn = m.regs.LR
		m.active.Pop()

		next, ok := m.nextPending()
		if !ok {
			break
		}
		// The handler's EXC_RETURN carries over to the chained one.
		exc = next
		m.stats.TailChains++
	}
	m.exceptionReturn(excReturn)
}

// stackContext pushes the basic frame for the interrupted context and
// returns the matching EXC_RETURN.
func (m *Machine) stackContext() uint32 {
	f := hwFrame{
		R0: m.regs.R[0], R1: m.regs.R[1], R2: m.regs.R[2], R3: m.regs.R[3],
		R12: m.regs.R[12], LR: m.regs.LR, PC: m.running.token, XPSR: m.regs.XPSR,
	}

	switch {
	case m.active.Size() > 0:
		m.pushMain(f)
		return ExcReturnHandler
	case m.regs.CONTROL&ControlSPSEL != 0:
		words := f.words()
		sp := m.regs.PSP - 4*uint32(len(words))
		for i, w := range words {
			if err := m.bus.Store(sp+4*uint32(i), w); err != nil {
				m.busFault(err, CFSRStkErr)
			}
		}
		m.regs.PSP = sp
		m.regs.CONTROL &^= ControlSPSEL
		return ExcReturnThreadPSP
	default:
		m.pushMain(f)
		return ExcReturnThreadMSP
	}
}

func (m *Machine) pushMain(f hwFrame) {
	m.mspStack.Push(f)
	m.regs.MSP -= 32
}

func (m *Machine) popMain() hwFrame {
	v, ok := m.mspStack.Pop()
	if !ok {
		m.fault(FaultInfo{CFSR: CFSRUnstkErr, HFSR: HFSRForced, Reason: "main stack underflow on exception return"})
	}
	m.regs.MSP += 32
	return v.(hwFrame)
}

func (m *Machine) popProcess() hwFrame {
	w, err := m.bus.Words(m.regs.PSP, 8)
	if err != nil {
		m.busFault(err, CFSRUnstkErr)
	}
	f := frameOf(w)
	m.regs.PSP += 32
	return f
}

// exceptionReturn unstacks according to excReturn and resumes the
// interrupted context, which may belong to another thread.
func (m *Machine) exceptionReturn(excReturn uint32) {
	var f hwFrame
	switch excReturn {
	case ExcReturnHandler:
		if m.active.Size() == 0 {
			m.fault(FaultInfo{CFSR: CFSRInvPC, HFSR: HFSRForced, Reason: "return to handler mode with no active exception"})
		}
		f = m.popMain()
	case ExcReturnThreadMSP, ExcReturnThreadPSP:
		if m.active.Size() != 0 {
			m.fault(FaultInfo{CFSR: CFSRInvPC, HFSR: HFSRForced, Reason: "return to thread mode with active exceptions"})
		}
		if excReturn == ExcReturnThreadPSP {
			f = m.popProcess()
			m.regs.CONTROL |= ControlSPSEL
		} else {
			f = m.popMain()
			m.regs.CONTROL &^= ControlSPSEL
		}
	default:
		m.fault(FaultInfo{CFSR: CFSRInvPC, HFSR: HFSRForced, Reason: fmt.Sprintf("invalid EXC_RETURN %#08x", excReturn)})
	}

	m.regs.R[0], m.regs.R[1], m.regs.R[2], m.regs.R[3] = f.R0, f.R1, f.R2, f.R3
	m.regs.R[12], m.regs.LR, m.regs.PC, m.regs.XPSR = f.R12, f.LR, f.PC, f.XPSR
	if f.XPSR&XPSRThumb == 0 {
		m.fault(FaultInfo{CFSR: CFSRInvState, HFSR: HFSRForced, Reason: "stacked xPSR has the Thumb bit clear"})
	}

	if excReturn != ExcReturnHandler {
		m.resume(f.PC)
	}
}
