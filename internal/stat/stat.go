// Package stat defines the status codes returned by every fallible
// operation of the motion core. Statuses are plain values: flow-control
// codes (EAGAIN, NoOp) are not failures and never leave the component
// or dispatcher pass that produced them.
package stat

import "fmt"

// Status is a motion-core return code.
type Status uint8

// Magic is the integrity guard value stored at both ends of every
// singleton structure and checked by the periodic assertions.
const Magic uint16 = 0x12EF

const (
	OK       Status = 0
	Error    Status = 1
	EAGAIN   Status = 2
	NoOp     Status = 3
	Complete Status = 4

	BufferFullFatal          Status = 14
	InternalError            Status = 20
	Alarmed                  Status = 27
	FailedToGetPlannerBuffer Status = 28

	PrepLineMoveTimeIsInfinite Status = 30
	PrepLineMoveTimeIsNaN      Status = 31

	StepperAssertionFailure    Status = 93
	PlannerAssertionFailure    Status = 94
	MachineAssertionFailure    Status = 95
	ControllerAssertionFailure Status = 96

	UnrecognizedCommand  Status = 100
	CommandNotAccepted   Status = 106
	InputValueRangeError Status = 110

	LimitSwitchHit  Status = 200
	MinimumTimeMove Status = 202
)

var names = map[Status]string{
	OK:                         "OK",
	Error:                      "error",
	EAGAIN:                     "eagain",
	NoOp:                       "noop",
	Complete:                   "complete",
	BufferFullFatal:            "buffer full - fatal",
	InternalError:              "internal error",
	Alarmed:                    "machine is alarmed",
	FailedToGetPlannerBuffer:   "failed to get planner buffer",
	PrepLineMoveTimeIsInfinite: "prep line move time is infinite",
	PrepLineMoveTimeIsNaN:      "prep line move time is NaN",
	StepperAssertionFailure:    "stepper assertion failure",
	PlannerAssertionFailure:    "planner assertion failure",
	MachineAssertionFailure:    "machine assertion failure",
	ControllerAssertionFailure: "controller assertion failure",
	UnrecognizedCommand:        "unrecognized command",
	CommandNotAccepted:         "command not accepted",
	InputValueRangeError:       "input value range error",
	LimitSwitchHit:             "limit switch hit",
	MinimumTimeMove:            "minimum time move",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsFlowControl reports whether s only defers or skips work.
func (s Status) IsFlowControl() bool {
	return s == EAGAIN || s == NoOp
}

// IsAssertion reports whether s is an integrity check failure.
func (s Status) IsAssertion() bool {
	return s >= 90 && s <= 99
}

// IsFatal reports whether s must put the machine into alarm.
// Assertion failures are fatal as well.
func (s Status) IsFatal() bool {
	switch s {
	case BufferFullFatal, InternalError, PrepLineMoveTimeIsInfinite,
		PrepLineMoveTimeIsNaN, LimitSwitchHit:
		return true
	}
	return s.IsAssertion()
}
