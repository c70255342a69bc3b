// Package switches reads the limit switch inputs.
package switches

import (
	"fmt"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/hw/gpio"
)

// Config is one limit input. Switches are normally-open to ground with a
// pull-up, so a LOW level means thrown unless ActiveHigh is set.
type Config struct {
	Pin        int
	ActiveHigh bool
}

// Limits is the set of configured limit inputs.
type Limits struct {
	gpio gpio.Driver
	cfg  []Config
}

// New configures every pin as an input.
func New(g gpio.Driver, cfg []Config) (*Limits, error) {
	for _, c := range cfg {
		if err := g.SetupPin(c.Pin, gpio.Input); err != nil {
			return nil, fmt.Errorf("setup limit pin %d: %w", c.Pin, err)
		}
	}
	return &Limits{gpio: g, cfg: cfg}, nil
}

// Thrown reports whether any limit input is active. A pin that cannot be
// read counts as thrown.
func (l *Limits) Thrown() bool {
	for _, c := range l.cfg {
		lvl, err := l.gpio.ReadPin(c.Pin)
		if err != nil {
			debug.Error(fmt.Errorf("read limit pin %d: %w", c.Pin, err))
			return true
		}
		if bool(lvl) == c.ActiveHigh {
			debug.Live("limit switch on pin %d", c.Pin)
			return true
		}
	}
	return false
}

// Len returns the number of configured inputs.
func (l *Limits) Len() int { return len(l.cfg) }
