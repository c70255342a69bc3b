// Package machine holds the global machine state: alarm and shutdown,
// cycle bookkeeping and the feedhold / queue flush / cycle start requests.
//
// Machine methods only touch their own fields under m.mu and never call
// out while holding it, so they are safe from any interrupt level.
package machine

import (
	"sync"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stat"
)

// State is the coarse machine state.
type State uint8

const (
	StateInitializing State = iota
	StateReady
	StateAlarm
	StateShutdown
	StateCycle
	StateProgramStop
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAlarm:
		return "alarm"
	case StateShutdown:
		return "shutdown"
	case StateCycle:
		return "cycle"
	case StateProgramStop:
		return "stop"
	default:
		return "initializing"
	}
}

// HoldState is the feedhold sequencing state.
type HoldState uint8

const (
	HoldOff HoldState = iota
	HoldRequested
	Holding
)

func (h HoldState) String() string {
	switch h {
	case HoldRequested:
		return "requested"
	case Holding:
		return "holding"
	default:
		return "off"
	}
}

// Runtime is the part of the motion pipeline feedhold sequencing drives.
type Runtime interface {
	IsBusy() bool
	FlushIfIdle(flushQueue func()) bool
	RequestExecMove()
}

// Machine is the machine state singleton.
type Machine struct {
	mu sync.Mutex

	magicStart   uint16
	state        State
	hold         HoldState
	flushReq     bool
	cycleStart   bool
	alarm        stat.Status
	alarmPending bool // alarm raised but not yet acted on by the controller
	magicEnd     uint16
}

// New returns a machine in the Initializing state.
func New() *Machine {
	return &Machine{
		magicStart: stat.Magic,
		magicEnd:   stat.Magic,
	}
}

// Reset brings the machine to Ready with every request and alarm cleared.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateReady
	m.hold = HoldOff
	m.flushReq = false
	m.cycleStart = false
	m.alarm = stat.OK
	m.alarmPending = false
}

// HardAlarm puts the machine in the alarm state and returns s unchanged so
// callers can write `return m.HardAlarm(code)`. A machine already alarmed
// or shut down keeps its first status.
func (m *Machine) HardAlarm(s stat.Status) stat.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAlarm || m.state == StateShutdown {
		return s
	}
	m.state = StateAlarm
	m.alarm = s
	m.alarmPending = true
	debug.Alarm(int(s), s.String())
	return s
}

// Shutdown is a harder alarm that ClearAlarm does not release. Only Reset does.
func (m *Machine) Shutdown(s stat.Status) stat.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateShutdown {
		return s
	}
	if m.state != StateAlarm {
		m.alarmPending = true
	}
	m.state = StateShutdown
	m.alarm = s
	debug.Alarm(int(s), "shutdown: "+s.String())
	return s
}

// TakeAlarm returns a freshly raised alarm once. The controller uses it to
// halt the pipeline outside of interrupt context.
func (m *Machine) TakeAlarm() (stat.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alarmPending {
		return stat.OK, false
	}
	m.alarmPending = false
	return m.alarm, true
}

// ClearAlarm leaves the alarm state. It reports false if the machine was
// not alarmed or is shut down.
func (m *Machine) ClearAlarm() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAlarm {
		return false
	}
	m.state = StateReady
	m.hold = HoldOff
	m.flushReq = false
	m.cycleStart = false
	m.alarm = stat.OK
	m.alarmPending = false
	debug.Live("alarm cleared")
	return true
}

// IsAlarmed reports whether the machine is alarmed or shut down.
func (m *Machine) IsAlarmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateAlarm || m.state == StateShutdown
}

// IsShutdown reports whether the machine is shut down.
func (m *Machine) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateShutdown
}

// InCycle reports whether a cycle is running.
func (m *Machine) InCycle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateCycle
}

// InHold reports whether a feedhold is requested or in effect.
func (m *Machine) InHold() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hold != HoldOff
}

// CycleStart enters the cycle state. Called when work is queued.
func (m *Machine) CycleStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateReady || m.state == StateProgramStop {
		m.state = StateCycle
		debug.Live("cycle start")
	}
}

// CycleEnd leaves the cycle state. Called when the queue drains.
func (m *Machine) CycleEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCycle {
		m.state = StateProgramStop
		debug.Live("cycle end")
	}
}

// RequestFeedhold asks for motion to stop at the end of the current segment.
func (m *Machine) RequestFeedhold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hold == HoldOff {
		m.hold = HoldRequested
		debug.Live("feedhold requested")
	}
}

// RequestQueueFlush asks for the move queue to be discarded. It is acted
// on once the machine is holding or out of cycle.
func (m *Machine) RequestQueueFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushReq = true
}

// RequestCycleStart asks for motion to resume after a feedhold.
func (m *Machine) RequestCycleStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleStart = true
}

// FeedholdSequencing advances the feedhold state machine. A requested hold
// becomes Holding once rt reports idle. A queue flush runs only when rt
// confirms idle inside FlushIfIdle and returns EAGAIN until then; it ends
// the hold and the cycle. A cycle start while Holding resumes execution.
func (m *Machine) FeedholdSequencing(rt Runtime, flushQueue func()) stat.Status {
	m.mu.Lock()
	hold, flushReq, cycleStart, state := m.hold, m.flushReq, m.cycleStart, m.state
	m.mu.Unlock()

	if state == StateAlarm || state == StateShutdown {
		return stat.NoOp
	}

	st := stat.NoOp
	if hold == HoldRequested && !rt.IsBusy() {
		hold = Holding
		m.setHold(HoldRequested, Holding)
		debug.Live("holding")
		st = stat.OK
	}

	if flushReq && (hold == Holding || state != StateCycle) {
		if !rt.FlushIfIdle(flushQueue) {
			return stat.EAGAIN
		}
		m.mu.Lock()
		m.flushReq = false
		m.hold = HoldOff
		if m.state == StateCycle {
			m.state = StateProgramStop
		}
		m.mu.Unlock()
		hold = HoldOff
		debug.Live("queue flushed")
		st = stat.OK
	}

	if cycleStart {
		m.mu.Lock()
		m.cycleStart = false
		resume := m.hold == Holding
		if resume {
			m.hold = HoldOff
		}
		m.mu.Unlock()
		if resume {
			debug.Live("resume")
			rt.RequestExecMove()
		}
		st = stat.OK
	}
	return st
}

func (m *Machine) setHold(from, to HoldState) {
	m.mu.Lock()
	if m.hold == from {
		m.hold = to
	}
	m.mu.Unlock()
}

// Snapshot is a consistent copy of the machine state for reports.
type Snapshot struct {
	State State
	Hold  HoldState
	Alarm stat.Status
}

// Snapshot copies the observable machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Hold: m.hold, Alarm: m.alarm}
}

// Assert checks the integrity guards.
func (m *Machine) Assert() stat.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.magicStart != stat.Magic || m.magicEnd != stat.Magic {
		return stat.MachineAssertionFailure
	}
	return stat.OK
}
