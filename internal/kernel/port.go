package kernel

// Entry is a task body. Tasks never return.
type Entry = func(arg any)

// Port is the architecture boundary of the kernel. Everything that touches
// registers, interrupt priorities, the timer or raw stack memory lives behind it.
//
// Lock, Unlock and PendDispatch are interrupt boundaries: a pending interrupt
// that the new execution priority allows may run before they return.
type Port interface {
	// ConfigureTick programs the periodic timer for tickHz given the core clock.
	ConfigureTick(clockHz, tickHz uint32)
	// ConfigurePriorities puts the dispatch interrupt at base and the tick
	// interrupt one level above it.
	ConfigurePriorities(base uint8)
	// DisableFPContextSave turns off automatic and lazy floating-point stacking.
	DisableFPContextSave()
	// Install binds the tick handler and the context-switch view of the kernel.
	Install(tick func(), sw Switcher)

	// StackMemory is the RAM region task stacks are carved from.
	StackMemory() (base uint32, words []uint32)
	// FrameWords is the size of a saved context.
	FrameWords() uint32
	// HardwareFrameOffset is the distance in words from a saved stack pointer
	// to the part of the frame the hardware unstacks on exception return.
	HardwareFrameOffset() uint32
	// InitFrame writes a never-run context for entry(arg) at the top of the
	// stack and returns the resulting stack pointer.
	InitFrame(stack Stack, entry Entry, arg any) uint32
	// SetProcessStack loads the thread-mode stack pointer.
	SetProcessStack(sp uint32)

	Lock()
	Unlock()
	Locked() bool
	// InHandler reports whether the caller runs in interrupt context.
	InHandler() bool
	// PendDispatch requests the deferred context switch.
	PendDispatch()
}

// Switcher is what the dispatch interrupt needs from the kernel.
type Switcher interface {
	// SwitchSlots returns the saved stack pointer fields of the current and
	// the selected task. Equal pointers mean there is nothing to switch.
	SwitchSlots() (cur, next *uint32)
	// Commit makes the selected task current.
	Commit()
}
