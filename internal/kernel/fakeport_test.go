package kernel

const (
	fakeFrameWords = 49
	fakeHWOffset   = 41
	fakeBase       = 0x2000_0000
)

// fakePort records what the kernel asks of it and performs context switches
// only when the test calls dispatch.
type fakePort struct {
	mem []uint32

	clockHz, tickHz uint32
	base            uint8
	fpDisabled      bool
	psp             uint32

	tick func()
	sw   Switcher

	locked    bool
	inHandler bool
	pended    int
	locks     int
	unlocks   int

	// onLock runs inside Lock once the lock is held.
	onLock func()

	// onPend runs inside PendDispatch, standing in for an interrupt that
	// lands while the dispatch request is being made.
	onPend func()
}

func newFakePort(words int) *fakePort {
	return &fakePort{mem: make([]uint32, words)}
}

func (p *fakePort) ConfigureTick(clockHz, tickHz uint32) { p.clockHz, p.tickHz = clockHz, tickHz }
func (p *fakePort) ConfigurePriorities(base uint8)       { p.base = base }
func (p *fakePort) DisableFPContextSave()                { p.fpDisabled = true }
func (p *fakePort) Install(tick func(), sw Switcher)     { p.tick, p.sw = tick, sw }
func (p *fakePort) StackMemory() (uint32, []uint32)      { return fakeBase, p.mem }
func (p *fakePort) FrameWords() uint32                   { return fakeFrameWords }
func (p *fakePort) HardwareFrameOffset() uint32          { return fakeHWOffset }
func (p *fakePort) SetProcessStack(sp uint32)            { p.psp = sp }
func (p *fakePort) Locked() bool                         { return p.locked }
func (p *fakePort) InHandler() bool                      { return p.inHandler }

func (p *fakePort) InitFrame(s Stack, entry Entry, arg any) uint32 {
	sp := s.Top() - 4*(fakeFrameWords-1)
	off := (sp - fakeBase) / 4
	p.mem[off] = 0x30000000
	return sp
}

func (p *fakePort) Lock() {
	p.locked = true
	p.locks++
	if fn := p.onLock; fn != nil {
		p.onLock = nil
		fn()
	}
}

func (p *fakePort) Unlock() {
	p.locked = false
	p.unlocks++
}

func (p *fakePort) PendDispatch() {
	p.pended++
	if fn := p.onPend; fn != nil {
		p.onPend = nil
		fn()
	}
}

// dispatch plays the dispatch interrupt: it reports whether a switch happened.
func (p *fakePort) dispatch() bool {
	cur, next := p.sw.SwitchSlots()
	if cur == next {
		return false
	}
	*cur -= 4 // something observable
	p.sw.Commit()
	return true
}

// interrupt runs fn as if from handler mode.
func (p *fakePort) interrupt(fn func()) {
	prev := p.inHandler
	p.inHandler = true
	fn()
	p.inHandler = prev
}
