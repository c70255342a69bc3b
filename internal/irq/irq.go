// Package irq emulates a prioritized interrupt controller on a hosted
// runtime.
//
// One mutex plays the role of the CPU: whoever holds it is the only
// context touching prep and run state. Handlers registered per level are
// serviced highest level first. A trigger raised while a handler context
// is active is pended and serviced when that context exits, so nested
// triggers never deadlock and never run out of priority order.
package irq

import "sync"

// Level is an interrupt priority. Higher values preempt lower ones.
type Level int

const (
	LevelExec  Level = iota // segment preparer software interrupt
	LevelLoad               // segment loader software interrupt
	LevelTimer              // pulse generator and dwell timer ticks
	numLevels
)

func (l Level) String() string {
	switch l {
	case LevelExec:
		return "exec"
	case LevelLoad:
		return "load"
	case LevelTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Controller serializes handler execution.
type Controller struct {
	cpu sync.Mutex

	mu       sync.Mutex // guards pending, busy, handlers
	pending  [numLevels]bool
	busy     bool
	handlers [numLevels]func()
}

// New returns a controller with no handlers registered.
func New() *Controller {
	return &Controller{}
}

// Register installs fn as the handler for level l, replacing any previous one.
func (c *Controller) Register(l Level, fn func()) {
	c.mu.Lock()
	c.handlers[l] = fn
	c.mu.Unlock()
}

// Trigger requests the handler for level l. If no handler context is
// active the handler runs before Trigger returns; otherwise it is pended.
func (c *Controller) Trigger(l Level) {
	c.mu.Lock()
	c.pending[l] = true
	active := c.busy
	c.mu.Unlock()
	if active {
		return
	}
	c.enter()
	c.exit()
}

// Raise runs fn as an interrupt service routine at level l. It is the
// entry point for hardware tick sources.
func (c *Controller) Raise(l Level, fn func()) {
	c.enter()
	fn()
	c.exit()
}

// Disable opens a main-context critical section. Triggers raised inside
// the section are pended and serviced by Restore.
func (c *Controller) Disable() {
	c.enter()
}

// Restore closes a critical section opened by Disable.
func (c *Controller) Restore() {
	c.exit()
}

// Pending reports whether level l has been requested but not yet serviced.
func (c *Controller) Pending(l Level) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[l]
}

func (c *Controller) enter() {
	c.cpu.Lock()
	c.mu.Lock()
	c.busy = true
	c.mu.Unlock()
}

// exit services every pending level, highest first, then releases the CPU.
// busy is cleared under mu in the same step that finds nothing pending so
// a concurrent Trigger either sees busy and is serviced here, or sees idle
// and waits for the CPU itself.
func (c *Controller) exit() {
	for {
		c.mu.Lock()
		l, ok := c.nextLocked()
		if !ok {
			c.busy = false
			c.mu.Unlock()
			break
		}
		c.pending[l] = false
		fn := c.handlers[l]
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	c.cpu.Unlock()
}

func (c *Controller) nextLocked() (Level, bool) {
	for l := numLevels - 1; l >= 0; l-- {
		if c.pending[l] {
			return l, true
		}
	}
	return 0, false
}
