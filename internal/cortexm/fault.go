// internal/cortexm/fault.go

package cortexm

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Configurable fault status bits (CFSR = UFSR<<16 | BFSR<<8 | MMFSR).
const (
	CFSRPreciseErr uint32 = 1 << 9
	CFSRUnstkErr   uint32 = 1 << 11
	CFSRStkErr     uint32 = 1 << 12
	CFSRBFARValid  uint32 = 1 << 15
	CFSRUndefInstr uint32 = 1 << 16
	CFSRInvState   uint32 = 1 << 17
	CFSRInvPC      uint32 = 1 << 18

	HFSRForced uint32 = 1 << 30
)

// FaultInfo is what a hard fault handler sees: the frame stacked for the
// faulting context and the fault status registers.
type FaultInfo struct {
	R0, R1, R2, R3, R12, LR, PC, XPSR uint32

	CFSR, HFSR, DFSR, AFSR, MMAR, BFAR uint32

	Reason string
}

func (f FaultInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "hard fault: %s\n", f.Reason)
	fmt.Fprintf(&b, "  r0  %08x r1 %08x r2   %08x r3 %08x\n", f.R0, f.R1, f.R2, f.R3)
	fmt.Fprintf(&b, "  r12 %08x lr %08x pc   %08x psr %08x\n", f.R12, f.LR, f.PC, f.XPSR)
	fmt.Fprintf(&b, "  cfsr %08x hfsr %08x dfsr %08x afsr %08x\n", f.CFSR, f.HFSR, f.DFSR, f.AFSR)
	fmt.Fprintf(&b, "  mmar %08x bfar %08x", f.MMAR, f.BFAR)
	return b.String()
}

// FaultError is returned by Run when the machine stopped on a fault.
type FaultError struct {
	Info FaultInfo
}

func (e *FaultError) Error() string {
	return "cortexm: " + e.Info.Reason
}

// ErrAlreadyRun is returned by Run on a machine that already ran.
var ErrAlreadyRun = errors.New("cortexm: machine already ran")

// SetFaultHandler installs the hard fault hook. It runs at most once, on
// the first fault, in the faulting context; the machine halts after it.
func (m *Machine) SetFaultHandler(fn func(FaultInfo)) {
	m.onFault.Store(fn)
}

// Fault returns the recorded fault, if any.
func (m *Machine) Fault() (FaultInfo, bool) {
	info := m.faulted.Load()
	if info == nil {
		return FaultInfo{}, false
	}
	return *info, true
}

// fault escalates to HardFault, runs the hook and halts. It does not return.
func (m *Machine) fault(info FaultInfo) {
	m.faultOnce.Do(func() {
		info.R0, info.R1, info.R2, info.R3 = m.regs.R[0], m.regs.R[1], m.regs.R[2], m.regs.R[3]
		info.R12, info.LR, info.XPSR = m.regs.R[12], m.regs.LR, m.regs.XPSR
		if info.PC == 0 {
			info.PC = m.regs.PC
		}
		m.faulted.Store(&info)
		m.log.Error("hard fault", "reason", info.Reason, "pc", fmt.Sprintf("%#08x", info.PC),
			"cfsr", fmt.Sprintf("%#08x", info.CFSR), "hfsr", fmt.Sprintf("%#08x", info.HFSR))

		if v := m.onFault.Load(); v != nil {
			if fn, ok := v.(func(FaultInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
	m.Halt()
	runtime.Goexit()
}

func (m *Machine) busFault(err error, cfsr uint32) {
	info := FaultInfo{CFSR: cfsr, HFSR: HFSRForced, Reason: err.Error()}
	var be *BusError
	if errors.As(err, &be) && cfsr&CFSRBFARValid != 0 {
		info.BFAR = be.Addr
	}
	m.fault(info)
}

// recoverThread turns a panic in thread or handler code into a fault.
func (m *Machine) recoverThread() {
	if r := recover(); r != nil {
		m.fault(FaultInfo{CFSR: CFSRUndefInstr, HFSR: HFSRForced, Reason: fmt.Sprintf("panic: %v", r)})
	}
}
