package controller

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stat"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// Queuer is the planner's producer API.
type Queuer interface {
	QueueLine(travel, posErr stepper.Vector, duration float64) stat.Status
	QueueDwell(seconds float64) stat.Status
	QueueCommand(cb func(values, flags stepper.Vector), values, flags stepper.Vector) stat.Status
}

// Power switches motor drivers immediately.
type Power interface {
	EnergizeMotors() error
	DeenergizeMotors() error
}

// Switches drives auxiliary outputs.
type Switches interface {
	Set(i int, on bool) error
}

// UnitConverter turns machine units into steps.
type UnitConverter interface {
	ToSteps(travel stepper.Vector) (stepper.Vector, error)
}

// DirectParser accepts a small command set addressing motors directly,
// one command per line, fields separated by blanks:
//
//	L <seconds> <steps0> [steps1 ...]   queue a line in steps
//	U <seconds> <units0> [units1 ...]   queue a line in machine units
//	D <seconds>                         queue a dwell
//	O <output> <0|1>                    queue an output change
//	E                                   energize motors now
//	M                                   de-energize motors now
type DirectParser struct {
	Queue   Queuer
	Power   Power
	Outputs Switches
	Units   UnitConverter
}

// Parse implements Parser.
func (p *DirectParser) Parse(line string) (any, stat.Status) {
	fields, err := shlex.Split(line)
	if err != nil {
		return nil, stat.UnrecognizedCommand
	}
	if len(fields) == 0 {
		return nil, stat.NoOp
	}
	body := map[string]string{"dc": line}
	args := fields[1:]

	switch strings.ToUpper(fields[0]) {
	case "L", "U":
		if len(args) < 2 || len(args) > stepper.Motors+1 {
			return body, stat.InputValueRangeError
		}
		nums, ok := parseFloats(args)
		if !ok {
			return body, stat.InputValueRangeError
		}
		var travel stepper.Vector
		copy(travel[:], nums[1:])
		if strings.EqualFold(fields[0], "U") {
			if p.Units == nil {
				return body, stat.CommandNotAccepted
			}
			if travel, err = p.Units.ToSteps(travel); err != nil {
				debug.Live("units: %v", err)
				return body, stat.InputValueRangeError
			}
		}
		return body, p.Queue.QueueLine(travel, stepper.Vector{}, nums[0])

	case "D":
		if len(args) != 1 {
			return body, stat.InputValueRangeError
		}
		nums, ok := parseFloats(args)
		if !ok {
			return body, stat.InputValueRangeError
		}
		return body, p.Queue.QueueDwell(nums[0])

	case "O":
		if len(args) != 2 || p.Outputs == nil {
			return body, stat.InputValueRangeError
		}
		idx, err1 := strconv.Atoi(args[0])
		on, err2 := strconv.ParseBool(args[1])
		if err1 != nil || err2 != nil || idx < 0 {
			return body, stat.InputValueRangeError
		}
		var values stepper.Vector
		values[0] = float64(idx)
		if on {
			values[1] = 1
		}
		return body, p.Queue.QueueCommand(p.setOutput, values, stepper.Vector{})

	case "E", "M":
		if p.Power == nil {
			return body, stat.CommandNotAccepted
		}
		if strings.EqualFold(fields[0], "E") {
			return body, powerStatus(p.Power.EnergizeMotors())
		}
		return body, powerStatus(p.Power.DeenergizeMotors())
	}
	return body, stat.UnrecognizedCommand
}

// setOutput runs from the loader, in sequence with motion.
func (p *DirectParser) setOutput(values, _ stepper.Vector) {
	if err := p.Outputs.Set(int(values[0]), values[1] != 0); err != nil {
		debug.Error(err)
	}
}

func parseFloats(args []string) ([]float64, bool) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func powerStatus(err error) stat.Status {
	if err != nil {
		debug.Error(err)
		return stat.Error
	}
	return stat.OK
}
