// internal/cortexm/pendsv.go

package cortexm

// pendSV is the dispatch handler. It saves the callee-saved integer and
// floating-point registers of the outgoing task below its hardware frame on
// the process stack, lets the kernel commit the switch and restores the
// incoming task the same way. It always returns to thread mode on PSP.
func (m *Machine) pendSV() {
	var cur, next *uint32
	if m.sw != nil {
		cur, next = m.sw.SwitchSlots()
	}
	if cur != next {
		sp := m.regs.PSP
		sp = m.pushWords(sp, m.regs.R[4:12])
		sp = m.pushWords(sp, m.regs.S[:])
		sp = m.pushWords(sp, []uint32{m.regs.FPSCR})
		*cur = sp

		m.sw.Commit()

		sp = *next
		var fpscr [1]uint32
		sp = m.popWords(sp, fpscr[:])
		m.regs.FPSCR = fpscr[0]
		sp = m.popWords(sp, m.regs.S[:])
		sp = m.popWords(sp, m.regs.R[4:12])
		m.regs.PSP = sp
	}
	m.regs.LR |= 4
}

// pushWords is STMDB: the lowest register lands at the lowest address.
func (m *Machine) pushWords(sp uint32, regs []uint32) uint32 {
	sp -= 4 * uint32(len(regs))
	for i, v := range regs {
		if err := m.bus.Store(sp+4*uint32(i), v); err != nil {
			m.busFault(err, CFSRPreciseErr|CFSRBFARValid)
		}
	}
	return sp
}

// popWords is LDMIA with writeback.
func (m *Machine) popWords(sp uint32, regs []uint32) uint32 {
	for i := range regs {
		v, err := m.bus.Load(sp + 4*uint32(i))
		if err != nil {
			m.busFault(err, CFSRPreciseErr|CFSRBFARValid)
		}
		regs[i] = v
	}
	return sp + 4*uint32(len(regs))
}
