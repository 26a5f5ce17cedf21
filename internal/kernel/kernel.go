// internal/kernel/kernel.go

package kernel

import (
	"fmt"
	"sync/atomic"
)

// Stats counts scheduler activity.
type Stats struct {
	Passes   uint64 // scheduling decisions made
	Repeats  uint64 // decisions redone because a reschedule arrived mid-pass
	Deferred uint64 // reschedules deferred to the lock holder
	Switches uint64 // context switches committed
}

// Kernel is the scheduler context. One instance drives one core; all of its
// state is mutated only between lock and unlock, or in the tick handler and
// the dispatch interrupt, which the port serializes against the lock.
type Kernel struct {
	port   Port
	cfg    Config
	tracer Tracer

	slots []Task
	count int
	list  readyList
	pool  *StackPool

	tick atomic.Uint32

	idle    TaskID
	current TaskID
	next    TaskID

	needsReschedule bool
	initialized     bool
	started         bool

	stats Stats
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithTracer installs an event tracer.
func WithTracer(t Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

// New creates a kernel bound to port. Init must be called before anything else.
func New(port Port, cfg Config, opts ...Option) *Kernel {
	cfg.clamp()
	k := &Kernel{port: port, cfg: cfg}
	for _, opt := range opts {
		opt(k)
	}
	k.reset()
	return k
}

func (k *Kernel) reset() {
	k.slots = make([]Task, k.cfg.MaxTasks)
	k.count = 0
	k.list = newReadyList(k.slots)

	base, mem := k.port.StackMemory()
	if uint32(len(mem)) > k.cfg.PoolWords {
		mem = mem[:k.cfg.PoolWords]
	}
	k.pool = NewStackPool(base, mem)

	k.tick.Store(0)
	k.idle, k.current, k.next = NoTask, NoTask, NoTask
	k.needsReschedule = false
	k.initialized = false
	k.started = false
	k.stats = Stats{}
}

// Reset returns the kernel to its state before Init. The port is not touched.
func (k *Kernel) Reset() {
	k.reset()
}

// Init configures the port, creates the idle task and points the process stack
// at its frame. The kernel stays locked until Start.
func (k *Kernel) Init(idleEntry Entry, idleArg any, idleStackWords uint32) *Task {
	if k.initialized {
		violation("init", ErrAlreadyInitialized)
	}

	k.port.DisableFPContextSave()
	k.port.ConfigureTick(k.cfg.ClockHz, k.cfg.TickHz)
	k.port.ConfigurePriorities(k.cfg.BasePriority)
	k.port.Install(k.HandleTick, k)
	k.initialized = true

	idle, err := k.create(idleEntry, idleArg, IdlePriority, idleStackWords)
	if err != nil {
		panic(fmt.Errorf("kernel: init: idle task: %w", err))
	}
	k.idle = idle.id

	k.port.SetProcessStack(idle.sp + 4*k.port.HardwareFrameOffset())
	return idle
}

// Start makes the idle task current and runs the first scheduling pass. On
// the target it does not return.
func (k *Kernel) Start() {
	if !k.initialized {
		violation("start", ErrNotInitialized)
	}
	if k.started {
		violation("start", ErrAlreadyStarted)
	}

	k.current = k.idle
	k.next = k.idle
	k.slots[k.idle].state = StateRunning
	k.started = true

	if !k.port.Locked() {
		k.lock()
	}
	k.unlock()
}

// CreateTask allocates a stack and a descriptor, synthesizes the initial frame
// and links the task into the ready list. Once started, the new task may
// preempt the caller before CreateTask returns.
func (k *Kernel) CreateTask(entry Entry, arg any, priority uint8, stackWords uint32) (*Task, error) {
	if !k.initialized {
		violation("create task", ErrNotInitialized)
	}
	if priority > MaxPriority {
		violation("create task", fmt.Errorf("%w: %d", ErrInvalidPriority, priority))
	}
	if k.started && k.port.InHandler() {
		violation("create task", ErrInHandler)
	}
	return k.create(entry, arg, priority, stackWords)
}

func (k *Kernel) create(entry Entry, arg any, priority uint8, stackWords uint32) (*Task, error) {
	if entry == nil {
		violation("create task", ErrNilEntry)
	}
	if need := k.port.FrameWords(); stackWords < need {
		violation("create task", fmt.Errorf("%w: %d < %d words", ErrStackTooSmall, stackWords, need))
	}

	k.lock()
	if k.count >= len(k.slots) {
		k.leaveCreate()
		return nil, fmt.Errorf("create task: %d slots: %w", len(k.slots), ErrTooManyTasks)
	}
	stack, err := k.pool.Alloc(stackWords)
	if err != nil {
		k.leaveCreate()
		return nil, fmt.Errorf("create task: %w", err)
	}
	k.pool.Poison(stack)

	id := TaskID(k.count)
	k.count++

	t := &k.slots[id]
	*t = Task{
		id:       id,
		stack:    stack,
		priority: priority,
		state:    StateHibernating,
		next:     NoTask,
		prev:     NoTask,
		entry:    entry,
		arg:      arg,
	}
	t.sp = k.port.InitFrame(stack, entry, arg)

	k.list.insert(id)
	k.emit(Event{Kind: EventCreate, Task: id, Priority: priority})
	k.leaveCreate()
	return t, nil
}

// leaveCreate drops the lock create took. Before Start the kernel stays locked.
func (k *Kernel) leaveCreate() {
	if k.started {
		k.unlock()
	}
}

// Yield suspends the calling task for n ticks.
func (k *Kernel) Yield(n uint32) {
	k.mustRunTask("yield")

	k.lock()
	t := &k.slots[k.current]
	now := k.tick.Load()
	t.wakeTick = now + n
	t.wrapped = t.wakeTick < now
	if t.wakeTick == Forever {
		t.wakeTick = Forever - 1
	}
	k.emit(Event{Kind: EventYield, Task: t.id, Priority: t.priority, WakeTick: t.wakeTick})
	k.unlock()
}

// Sleep suspends the calling task until another context wakes it.
func (k *Kernel) Sleep() {
	k.mustRunTask("sleep")

	k.lock()
	t := &k.slots[k.current]
	t.wakeTick = Forever
	t.wrapped = false
	k.emit(Event{Kind: EventSleep, Task: t.id, Priority: t.priority, WakeTick: t.wakeTick})
	k.unlock()
}

// Wake makes t eligible immediately. It may be called from any task or from
// an interrupt above the kernel's base priority. When the lock is already
// held the reschedule is left to the holder.
func (k *Kernel) Wake(t *Task) {
	if !k.initialized {
		violation("wake", ErrNotInitialized)
	}
	if !k.owns(t) {
		violation("wake", ErrUnknownTask)
	}

	if k.port.Locked() {
		t.wakeTick, t.wrapped = 0, false
		k.emit(Event{Kind: EventWake, Task: t.id, Priority: t.priority})
		k.deferSchedule()
		return
	}

	k.lock()
	t.wakeTick, t.wrapped = 0, false
	k.emit(Event{Kind: EventWake, Task: t.id, Priority: t.priority})
	k.unlock()
}

// HandleTick is the periodic timer interrupt.
func (k *Kernel) HandleTick() {
	tick := k.tick.Add(1)
	if tick == 0 {
		k.list.each(func(t *Task) bool {
			t.wrapped = false
			return true
		})
	}
	k.emit(Event{Kind: EventTick, Tick: tick})

	// The tick sits above the base priority, so it can land inside a locked
	// region; the holder's unlock picks the reschedule up.
	if k.port.Locked() {
		k.deferSchedule()
		return
	}
	k.lock()
	k.unlock()
}

// Lock enters the kernel critical section. It is not reentrant.
func (k *Kernel) Lock() {
	if !k.started {
		violation("lock", ErrNotStarted)
	}
	if k.port.Locked() {
		violation("lock", ErrLocked)
	}
	k.lock()
}

// Unlock runs a scheduling pass and leaves the critical section.
func (k *Kernel) Unlock() {
	if !k.port.Locked() {
		violation("unlock", ErrNotLocked)
	}
	k.unlock()
}

func (k *Kernel) lock() {
	k.port.Lock()
}

func (k *Kernel) unlock() {
	k.schedule()
	k.port.Unlock()
}

func (k *Kernel) deferSchedule() {
	k.needsReschedule = true
	k.stats.Deferred++
	k.emit(Event{Kind: EventDefer, Tick: k.tick.Load()})
}

// schedule selects the next task and arms the dispatch interrupt, repeating
// while interrupts taken in the meantime asked for another pass.
func (k *Kernel) schedule() {
	for {
		k.needsReschedule = false
		k.next = k.pick()
		k.stats.Passes++
		if k.next != k.current {
			k.emit(Event{Kind: EventSchedule, Task: k.current, Next: k.next, Priority: k.slots[k.next].priority})
		}

		k.port.PendDispatch()

		if !k.needsReschedule {
			return
		}
		k.stats.Repeats++
	}
}

// pick returns the first eligible task in priority order.
func (k *Kernel) pick() TaskID {
	tick := k.tick.Load()
	found := NoTask
	k.list.each(func(t *Task) bool {
		if t.eligible(tick) {
			found = t.id
			return false
		}
		return true
	})
	if found == NoTask {
		violation("schedule", ErrNoCandidate)
	}
	return found
}

// SwitchSlots implements Switcher.
func (k *Kernel) SwitchSlots() (cur, next *uint32) {
	if !k.started {
		return nil, nil
	}
	return &k.slots[k.current].sp, &k.slots[k.next].sp
}

// Commit implements Switcher.
func (k *Kernel) Commit() {
	out := &k.slots[k.current]
	in := &k.slots[k.next]
	out.state = StateWaiting
	in.state = StateRunning
	k.current = k.next
	k.stats.Switches++
	k.emit(Event{Kind: EventSwitch, Tick: k.tick.Load(), Task: out.id, Next: in.id, Priority: in.priority})
}

func (k *Kernel) mustRunTask(op string) {
	if !k.started {
		violation(op, ErrNotStarted)
	}
	if k.port.InHandler() {
		violation(op, ErrInHandler)
	}
	if k.port.Locked() {
		violation(op, ErrLocked)
	}
}

func (k *Kernel) owns(t *Task) bool {
	return t != nil && int(t.id) < k.count && &k.slots[t.id] == t
}

func (k *Kernel) emit(ev Event) {
	if k.tracer == nil {
		return
	}
	if ev.Tick == 0 {
		ev.Tick = k.tick.Load()
	}
	k.tracer(ev)
}

// Tick returns the current tick.
func (k *Kernel) Tick() uint32 { return k.tick.Load() }

// Current returns the running task, nil before Start.
func (k *Kernel) Current() *Task {
	if k.current == NoTask {
		return nil
	}
	return &k.slots[k.current]
}

// Idle returns the idle task, nil before Init.
func (k *Kernel) Idle() *Task {
	if k.idle == NoTask {
		return nil
	}
	return &k.slots[k.idle]
}

// Tasks returns every task in ready list order.
func (k *Kernel) Tasks() []*Task {
	out := make([]*Task, 0, k.list.n)
	k.list.each(func(t *Task) bool {
		out = append(out, t)
		return true
	})
	return out
}

func (k *Kernel) Started() bool  { return k.started }
func (k *Kernel) Locked() bool   { return k.port.Locked() }
func (k *Kernel) Stats() Stats   { return k.stats }
func (k *Kernel) Config() Config { return k.cfg }

// StackHighWater reports how many words of t's stack have been used.
func (k *Kernel) StackHighWater(t *Task) uint32 {
	if !k.owns(t) {
		violation("stack high water", ErrUnknownTask)
	}
	return k.pool.HighWater(t.stack)
}

// PoolFree is the number of stack words still available.
func (k *Kernel) PoolFree() uint32 { return k.pool.Free() }

// Check verifies the ready list invariants.
func (k *Kernel) Check() error {
	if !k.list.sorted() {
		return fmt.Errorf("ready list out of order")
	}
	if k.initialized {
		idle := &k.slots[k.idle]
		if idle.priority != IdlePriority || !idle.eligible(0) {
			return fmt.Errorf("idle task not eligible")
		}
	}
	return nil
}
