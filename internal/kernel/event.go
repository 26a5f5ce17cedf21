// internal/kernel/event.go

package kernel

// EventKind represents the type of kernel trace event.
type EventKind int

const (
	EventCreate EventKind = iota
	EventSchedule
	EventSwitch
	EventTick
	EventYield
	EventSleep
	EventWake
	EventDefer
)

// Event is emitted on every state change of interest. It is built and
// delivered from kernel context, possibly inside an interrupt.
type Event struct {
	Kind     EventKind
	Tick     uint32
	Task     TaskID // subject; the outgoing task for EventSwitch
	Next     TaskID // selected or incoming task
	Priority uint8
	WakeTick uint32
}

// Tracer receives events. It must not block and must not call back into the kernel.
type Tracer func(Event)

func (ek EventKind) String() string {
	switch ek {
	case EventCreate:
		return "Create"
	case EventSchedule:
		return "Schedule"
	case EventSwitch:
		return "Switch"
	case EventTick:
		return "Tick"
	case EventYield:
		return "Yield"
	case EventSleep:
		return "Sleep"
	case EventWake:
		return "Wake"
	case EventDefer:
		return "Defer"
	default:
		return "Unknown"
	}
}
