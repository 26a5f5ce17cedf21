package kernel

import (
	"errors"
	"testing"
)

func noop(any) {}

func newTestKernel(t *testing.T, opts ...Option) (*Kernel, *fakePort) {
	t.Helper()
	p := newFakePort(4096)
	cfg := DefaultConfig()
	cfg.PoolWords = 4096
	return New(p, cfg, opts...), p
}

func mustCreate(t *testing.T, k *Kernel, priority uint8) *Task {
	t.Helper()
	task, err := k.CreateTask(noop, nil, priority, 64)
	if err != nil {
		t.Fatalf("CreateTask(prio %d) error = %v", priority, err)
	}
	return task
}

func mustPanic(t *testing.T, want error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("no panic, want %v", want)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, want) {
			t.Fatalf("panic = %v, want %v", r, want)
		}
	}()
	fn()
}

func TestInitWiresPort(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, "idle-arg", 64)

	if !p.fpDisabled {
		t.Fatalf("FP context save still enabled")
	}
	if p.clockHz != 168_000_000 || p.tickHz != 1000 {
		t.Fatalf("ConfigureTick(%d, %d), want (168000000, 1000)", p.clockHz, p.tickHz)
	}
	if p.base != 8 {
		t.Fatalf("base priority = %d, want 8", p.base)
	}
	if p.tick == nil || p.sw != Switcher(k) {
		t.Fatalf("handlers not installed")
	}
	if got, want := p.psp, idle.StackPointer()+4*fakeHWOffset; got != want {
		t.Fatalf("PSP = %#x, want %#x", got, want)
	}
	if !p.locked {
		t.Fatalf("kernel unlocked after Init, want locked until Start")
	}
	if p.pended != 0 {
		t.Fatalf("PendDispatch called %d times before Start", p.pended)
	}
	if idle.Priority() != IdlePriority || idle.State() != StateHibernating || idle.Arg() != "idle-arg" {
		t.Fatalf("idle = prio %d state %v arg %v", idle.Priority(), idle.State(), idle.Arg())
	}
	if k.Idle() != idle || k.Current() != nil {
		t.Fatalf("Idle() = %v, Current() = %v", k.Idle(), k.Current())
	}
}

func TestStartRunsFirstPass(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	low := mustCreate(t, k, 5)
	high := mustCreate(t, k, 1)

	if p.pended != 0 || !p.locked {
		t.Fatalf("tasks created before Start must not schedule")
	}

	k.Start()
	if p.locked {
		t.Fatalf("kernel still locked after Start")
	}
	if k.next != high.ID() {
		t.Fatalf("next = %d, want %d", k.next, high.ID())
	}
	if k.Current() != idle || idle.State() != StateRunning {
		t.Fatalf("current before dispatch = %v, want idle running", k.Current())
	}

	if !p.dispatch() {
		t.Fatalf("dispatch did not switch")
	}
	if k.Current() != high || high.State() != StateRunning {
		t.Fatalf("current = %d (%v), want %d running", k.Current().ID(), k.Current().State(), high.ID())
	}
	if idle.State() != StateWaiting || low.State() != StateHibernating {
		t.Fatalf("idle %v low %v, want Waiting Hibernating", idle.State(), low.State())
	}
	if p.dispatch() {
		t.Fatalf("second dispatch switched, want no-op")
	}
}

func TestPickPrefersHighestPrecedence(t *testing.T) {
	k, _ := newTestKernel(t)
	k.Init(noop, nil, 64)
	mustCreate(t, k, 5)
	one := mustCreate(t, k, 1)

	if got := k.pick(); got != one.ID() {
		t.Fatalf("pick() = %d, want priority 1 task %d", got, one.ID())
	}
}

func TestPickFallsBackToIdle(t *testing.T) {
	k, _ := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	a := mustCreate(t, k, 1)
	b := mustCreate(t, k, 2)
	a.wakeTick = Forever
	b.wakeTick = 50

	for _, tick := range []uint32{0, 1, 49, 0x7FFF_FFFF} {
		k.tick.Store(tick)
		want := idle.ID()
		if tick >= 50 {
			want = b.ID()
		}
		if got := k.pick(); got != want {
			t.Fatalf("tick %d: pick() = %d, want %d", tick, got, want)
		}
	}
}

func TestTickGating(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	task := mustCreate(t, k, 1)
	task.wakeTick = 100
	k.Start()
	p.dispatch()

	for k.Tick() < 99 {
		p.interrupt(p.tick)
		if k.next != idle.ID() {
			t.Fatalf("tick %d: next = %d, want idle", k.Tick(), k.next)
		}
	}
	p.interrupt(p.tick)
	if k.Tick() != 100 || k.next != task.ID() {
		t.Fatalf("tick %d: next = %d, want %d", k.Tick(), k.next, task.ID())
	}
}

func TestYieldRoundTrip(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	task := mustCreate(t, k, 1)
	k.Start()
	p.dispatch()

	for k.Tick() < 7 {
		p.interrupt(p.tick)
	}
	k.Yield(10)
	if task.WakeTick() != 17 {
		t.Fatalf("wakeTick = %d, want 17", task.WakeTick())
	}
	if p.locked {
		t.Fatalf("Yield left the kernel locked")
	}
	if !p.dispatch() || k.Current() != idle {
		t.Fatalf("yield did not switch to idle")
	}

	for k.Tick() < 16 {
		p.interrupt(p.tick)
		if k.next == task.ID() {
			t.Fatalf("task eligible at tick %d", k.Tick())
		}
	}
	p.interrupt(p.tick)
	if k.next != task.ID() {
		t.Fatalf("task not selected at tick %d", k.Tick())
	}
}

func TestSleepUntilWake(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	task := mustCreate(t, k, 3)
	k.Start()
	p.dispatch()

	k.Sleep()
	if task.WakeTick() != Forever {
		t.Fatalf("wakeTick = %#x, want Forever", task.WakeTick())
	}
	p.dispatch()

	for i := 0; i < 1000; i++ {
		p.interrupt(p.tick)
		if k.next != idle.ID() {
			t.Fatalf("sleeping task selected at tick %d", k.Tick())
		}
	}

	p.interrupt(func() { k.Wake(task) })
	if k.next != task.ID() {
		t.Fatalf("next = %d after Wake, want %d", k.next, task.ID())
	}
	if task.WakeTick() != 0 {
		t.Fatalf("wakeTick = %d after Wake, want 0", task.WakeTick())
	}
}

func TestWakeWhileLockedIsDeferred(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	a := mustCreate(t, k, 2)
	b := mustCreate(t, k, 1)
	a.wakeTick, b.wakeTick = Forever, Forever
	k.Start()
	p.dispatch()

	k.Lock()
	before := k.Stats()
	p.interrupt(func() {
		k.Wake(a)
		k.Wake(b)
		k.HandleTick()
	})

	if k.next != idle.ID() || k.Current() != idle {
		t.Fatalf("deferred wake moved next=%d current=%d", k.next, k.Current().ID())
	}
	if !k.needsReschedule {
		t.Fatalf("needsReschedule not set")
	}
	if got := k.Stats(); got.Passes != before.Passes || got.Deferred != before.Deferred+3 {
		t.Fatalf("stats = %+v, before %+v", got, before)
	}

	k.Unlock()
	after := k.Stats()
	if after.Passes != before.Passes+1 || after.Repeats != before.Repeats {
		t.Fatalf("unlock ran %d passes (%d repeats), want exactly one", after.Passes-before.Passes, after.Repeats-before.Repeats)
	}
	if k.next != b.ID() {
		t.Fatalf("next = %d, want highest woken task %d", k.next, b.ID())
	}
	if k.needsReschedule {
		t.Fatalf("needsReschedule still set after unlock")
	}
}

func TestScheduleRepeatsWhenTickLandsMidPass(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	task := mustCreate(t, k, 1)
	k.Start()
	p.dispatch()

	k.Yield(1)
	p.dispatch()
	if k.Current() != idle {
		t.Fatalf("current = %d, want idle", k.Current().ID())
	}

	before := k.Stats()
	k.Lock()
	p.onPend = func() { p.interrupt(p.tick) }
	k.Unlock()

	after := k.Stats()
	if after.Passes-before.Passes != 2 || after.Repeats-before.Repeats != 1 {
		t.Fatalf("passes +%d repeats +%d, want +2 +1", after.Passes-before.Passes, after.Repeats-before.Repeats)
	}
	if k.next != task.ID() {
		t.Fatalf("next = %d, want %d woken by the tick taken mid-pass", k.next, task.ID())
	}
}

func TestCreateAfterStartReschedules(t *testing.T) {
	k, p := newTestKernel(t)
	k.Init(noop, nil, 64)
	k.Start()
	p.dispatch()

	task := mustCreate(t, k, 3)
	if p.locked {
		t.Fatalf("CreateTask left the kernel locked")
	}
	if k.next != task.ID() {
		t.Fatalf("next = %d, want new task %d", k.next, task.ID())
	}
}

func TestCreateAllocatesUnderLock(t *testing.T) {
	k, p := newTestKernel(t)
	k.Init(noop, nil, 64)
	k.Start()
	p.dispatch()

	free := k.PoolFree()
	lockedFree := uint32(0)
	p.onLock = func() { lockedFree = k.PoolFree() }
	mustCreate(t, k, 3)
	if lockedFree != free {
		t.Fatalf("PoolFree = %d when the lock was taken, want %d (nothing allocated yet)", lockedFree, free)
	}
	if k.PoolFree() != free-64 {
		t.Fatalf("PoolFree = %d, want %d", k.PoolFree(), free-64)
	}

	if _, err := k.CreateTask(noop, nil, 3, k.PoolFree()+1); !errors.Is(err, ErrStackPoolExhausted) {
		t.Fatalf("oversized stack error = %v", err)
	}
	if p.locked || p.locks != p.unlocks {
		t.Fatalf("failed CreateTask left locked %v (%d locks, %d unlocks)", p.locked, p.locks, p.unlocks)
	}
}

func TestCreateTaskAllocationFailure(t *testing.T) {
	p := newFakePort(200)
	cfg := DefaultConfig()
	cfg.MaxTasks = 2
	k := New(p, cfg)
	k.Init(noop, nil, 64)

	free := k.PoolFree()
	if _, err := k.CreateTask(noop, nil, 1, free+1); !errors.Is(err, ErrStackPoolExhausted) {
		t.Fatalf("oversized stack error = %v, want ErrStackPoolExhausted", err)
	}
	if k.PoolFree() != free {
		t.Fatalf("PoolFree = %d after failure, want %d", k.PoolFree(), free)
	}

	mustCreate(t, k, 1)
	free = k.PoolFree()
	if _, err := k.CreateTask(noop, nil, 1, 64); !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("third task error = %v, want ErrTooManyTasks", err)
	}
	if k.PoolFree() != free {
		t.Fatalf("stack not released: PoolFree = %d, want %d", k.PoolFree(), free)
	}
	if err := k.Check(); err != nil {
		t.Fatalf("Check() = %v", err)
	}
}

func TestPreconditions(t *testing.T) {
	tests := []struct {
		name string
		want error
		run  func(k *Kernel, p *fakePort)
	}{
		{"create before init", ErrNotInitialized, func(k *Kernel, _ *fakePort) {
			k.CreateTask(noop, nil, 1, 64)
		}},
		{"start before init", ErrNotInitialized, func(k *Kernel, _ *fakePort) { k.Start() }},
		{"wake before init", ErrNotInitialized, func(k *Kernel, _ *fakePort) { k.Wake(&Task{}) }},
		{"double init", ErrAlreadyInitialized, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Init(noop, nil, 64)
		}},
		{"double start", ErrAlreadyStarted, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Start()
			k.Start()
		}},
		{"idle priority", ErrInvalidPriority, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.CreateTask(noop, nil, IdlePriority, 64)
		}},
		{"undersized stack", ErrStackTooSmall, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.CreateTask(noop, nil, 1, fakeFrameWords-1)
		}},
		{"zero stack", ErrStackTooSmall, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.CreateTask(noop, nil, 1, 0)
		}},
		{"nil entry", ErrNilEntry, func(k *Kernel, _ *fakePort) { k.Init(nil, nil, 64) }},
		{"yield before start", ErrNotStarted, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Yield(1)
		}},
		{"sleep in handler", ErrInHandler, func(k *Kernel, p *fakePort) {
			k.Init(noop, nil, 64)
			k.Start()
			p.interrupt(k.Sleep)
		}},
		{"yield holding lock", ErrLocked, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Start()
			k.Lock()
			k.Yield(1)
		}},
		{"nested lock", ErrLocked, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Start()
			k.Lock()
			k.Lock()
		}},
		{"unlock unlocked", ErrNotLocked, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Start()
			k.Unlock()
		}},
		{"create in handler", ErrInHandler, func(k *Kernel, p *fakePort) {
			k.Init(noop, nil, 64)
			k.Start()
			p.interrupt(func() { k.CreateTask(noop, nil, 1, 64) })
		}},
		{"foreign task", ErrUnknownTask, func(k *Kernel, _ *fakePort) {
			k.Init(noop, nil, 64)
			k.Wake(&Task{})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, p := newTestKernel(t)
			mustPanic(t, tt.want, func() { tt.run(k, p) })
		})
	}
}

func TestTickWrapsModulo32(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	task := mustCreate(t, k, 1)
	k.Start()
	p.dispatch()

	k.tick.Store(Forever - 3)
	k.Yield(10)
	if task.WakeTick() != 6 {
		t.Fatalf("wakeTick = %d, want 6 (wrapped)", task.WakeTick())
	}
	// The wake tick belongs to the next epoch: not due before the wrap.
	if k.next != idle.ID() {
		t.Fatalf("next = %d right after a wrapping yield, want idle", k.next)
	}
	p.dispatch()

	for want := Forever - 2; want != 6; want++ {
		p.interrupt(p.tick)
		if k.Tick() != want {
			t.Fatalf("tick = %d, want %d", k.Tick(), want)
		}
		if k.next != idle.ID() {
			t.Fatalf("next = %d at tick %d, want idle until tick 6", k.next, k.Tick())
		}
	}
	p.interrupt(p.tick)
	if k.Tick() != 6 || k.next != task.ID() {
		t.Fatalf("next = %d at tick %d, want %d at tick 6", k.next, k.Tick(), task.ID())
	}
}

func TestSleeperStaysAsleepAcrossWrap(t *testing.T) {
	k, p := newTestKernel(t)
	idle := k.Init(noop, nil, 64)
	sleeper := mustCreate(t, k, 1)
	k.Start()
	p.dispatch()

	k.Sleep()
	p.dispatch()
	k.tick.Store(Forever - 2)
	for i := 0; i < 5; i++ {
		p.interrupt(p.tick)
		if k.next != idle.ID() {
			t.Fatalf("tick %#x: next = %d, want idle; sleeper %d selected without a wake",
				k.Tick(), k.next, sleeper.ID())
		}
	}

	k.Wake(sleeper)
	if k.next != sleeper.ID() {
		t.Fatalf("next = %d after Wake, want %d", k.next, sleeper.ID())
	}
}

func TestYieldNeverLandsOnForever(t *testing.T) {
	k, p := newTestKernel(t)
	k.Init(noop, nil, 64)
	task := mustCreate(t, k, 1)
	k.Start()
	p.dispatch()

	k.tick.Store(Forever - 5)
	k.Yield(5)
	if task.WakeTick() != Forever-1 {
		t.Fatalf("wakeTick = %#x, want %#x", task.WakeTick(), Forever-1)
	}
	p.dispatch()
	for i := 0; i < 4; i++ {
		p.interrupt(p.tick)
	}
	if k.next != task.ID() {
		t.Fatalf("next = %d at tick %#x, want the yielding task", k.next, k.Tick())
	}
}

func TestStackPoisonAndHighWater(t *testing.T) {
	k, p := newTestKernel(t)
	k.Init(noop, nil, 64)
	task, err := k.CreateTask(noop, nil, 1, 100)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	s := task.Stack()
	if s.Words != 100 {
		t.Fatalf("stack words = %d, want 100", s.Words)
	}
	if got, want := task.StackPointer(), s.Top()-4*(fakeFrameWords-1); got != want {
		t.Fatalf("sp = %#x, want %#x", got, want)
	}
	off := (s.Base - fakeBase) / 4
	for i := uint32(0); i < s.Words-fakeFrameWords; i++ {
		if p.mem[off+i] != StackPoison {
			t.Fatalf("word %d = %#x, want poison", i, p.mem[off+i])
		}
	}
	if got := k.StackHighWater(task); got != fakeFrameWords {
		t.Fatalf("StackHighWater() = %d, want %d", got, fakeFrameWords)
	}

	p.mem[off+10] = 0
	if got := k.StackHighWater(task); got != 90 {
		t.Fatalf("StackHighWater() = %d after deep use, want 90", got)
	}
}

func TestTracerSeesLifecycle(t *testing.T) {
	var events []Event
	k, p := newTestKernel(t, WithTracer(func(ev Event) { events = append(events, ev) }))
	k.Init(noop, nil, 64)
	task := mustCreate(t, k, 4)
	k.Start()
	p.dispatch()
	k.Sleep()
	p.interrupt(func() { k.Wake(task) })

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventCreate, EventCreate, EventSchedule, EventSwitch, EventSleep, EventSchedule, EventWake}
	if len(kinds) < len(want) {
		t.Fatalf("events = %v, want prefix %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %v, want %v (all %v)", i, kinds[i], want[i], kinds)
		}
	}
	sw := events[3]
	if sw.Task != k.Idle().ID() || sw.Next != task.ID() {
		t.Fatalf("switch event = %+v", sw)
	}
}

func TestResetForgetsTasks(t *testing.T) {
	k, p := newTestKernel(t)
	k.Init(noop, nil, 64)
	mustCreate(t, k, 1)
	k.Start()
	p.dispatch()
	p.interrupt(p.tick)

	k.Reset()
	if k.Started() || k.Tick() != 0 || len(k.Tasks()) != 0 || k.Current() != nil {
		t.Fatalf("Reset left state: started=%v tick=%d tasks=%d", k.Started(), k.Tick(), len(k.Tasks()))
	}
	k.Init(noop, nil, 64)
	if len(k.Tasks()) != 1 {
		t.Fatalf("tasks after re-init = %d, want 1", len(k.Tasks()))
	}
}
