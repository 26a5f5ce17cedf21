// internal/kernel/task.go

package kernel

// TaskID is the slot index of a task in the kernel's task table.
type TaskID uint8

// NoTask terminates list links.
const NoTask TaskID = 0xFF

const (
	// IdlePriority is reserved for the idle task.
	IdlePriority uint8 = 0xFF
	// MaxPriority is the lowest precedence an application task may use.
	MaxPriority uint8 = IdlePriority - 1

	// Forever is the wake tick of a sleeping task.
	Forever uint32 = 0xFFFFFFFF
)

// State is informational lifecycle metadata. Scheduling never reads it.
type State uint8

const (
	StateHibernating State = iota // created, never dispatched
	StateWaiting                  // switched out
	StateRunning                  // current
)

func (s State) String() string {
	switch s {
	case StateHibernating:
		return "Hibernating"
	case StateWaiting:
		return "Waiting"
	case StateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// Task is one schedulable unit of execution. Tasks live in a fixed table for
// the lifetime of the kernel and are never freed.
type Task struct {
	id       TaskID
	sp       uint32 // saved stack pointer, stale while the task runs
	stack    Stack
	wakeTick uint32 // eligible once wakeTick <= tick
	wrapped  bool   // wakeTick lies past the next tick wraparound
	priority uint8  // 0 is the highest precedence
	state    State

	next, prev TaskID

	entry Entry
	arg   any
}

func (t *Task) ID() TaskID           { return t.id }
func (t *Task) Priority() uint8      { return t.priority }
func (t *Task) WakeTick() uint32     { return t.wakeTick }
func (t *Task) State() State         { return t.state }
func (t *Task) Stack() Stack         { return t.stack }
func (t *Task) StackPointer() uint32 { return t.sp }

// Arg returns the argument the task was created with.
func (t *Task) Arg() any { return t.arg }

// eligible reports whether the task may be selected at tick. A sleeping
// task never is.
func (t *Task) eligible(tick uint32) bool {
	return !t.wrapped && t.wakeTick != Forever && t.wakeTick <= tick
}
