// Package units converts machine units (degrees, millimetres) to motor steps.
package units

import (
	"fmt"

	"github.com/cjeanneret/StepGo/internal/stepper"
)

// Axis describes the drive train of one motor.
type Axis struct {
	StepsPerRev  int     // full steps per motor revolution
	Microsteps   int     // driver microstepping
	TravelPerRev float64 // machine units per motor revolution (360 for a rotary axis)
}

// StepsPerUnit returns the microsteps per machine unit, 0 for an unconfigured axis.
func (a Axis) StepsPerUnit() float64 {
	if a.StepsPerRev <= 0 || a.TravelPerRev == 0 {
		return 0
	}
	micro := a.Microsteps
	if micro <= 0 {
		micro = 1
	}
	return float64(a.StepsPerRev*micro) / a.TravelPerRev
}

// Converter converts per-motor unit vectors to step vectors.
type Converter struct {
	stepsPerUnit stepper.Vector
}

// NewConverter builds a converter for up to stepper.Motors axes.
func NewConverter(axes []Axis) (*Converter, error) {
	if len(axes) > stepper.Motors {
		return nil, fmt.Errorf("%d axes configured, at most %d supported", len(axes), stepper.Motors)
	}
	c := &Converter{}
	for i, a := range axes {
		c.stepsPerUnit[i] = a.StepsPerUnit()
	}
	return c, nil
}

// StepsPerUnit returns the scale of motor m.
func (c *Converter) StepsPerUnit(m int) float64 {
	return c.stepsPerUnit[m]
}

// ToSteps scales travel in machine units to fractional steps. Fractions
// are kept: the preparer rounds once per segment.
func (c *Converter) ToSteps(travel stepper.Vector) (stepper.Vector, error) {
	var out stepper.Vector
	for m, u := range travel {
		if u == 0 {
			continue
		}
		if c.stepsPerUnit[m] == 0 {
			return out, fmt.Errorf("motor %d has no unit scale", m+1)
		}
		out[m] = u * c.stepsPerUnit[m]
	}
	return out, nil
}

// ToUnits scales a step position back to machine units.
func (c *Converter) ToUnits(m int, steps int64) float64 {
	if c.stepsPerUnit[m] == 0 {
		return 0
	}
	return float64(steps) / c.stepsPerUnit[m]
}
