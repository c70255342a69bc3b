package motor

import (
	"fmt"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/hw/gpio"
	"go.uber.org/multierr"
)

// Config holds the pin assignment of one step/direction driver.
type Config struct {
	StepPin   int
	DirPin    int
	EnablePin int // driver ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
}

// Motor drives the step, direction and enable lines of one driver
// (A4988, DRV8825, TMC in step/dir mode). It holds no motion state:
// step timing belongs to the pulse generator.
type Motor struct {
	gpio    gpio.Driver
	cfg     Config
	enabled bool
}

// New configures the pins of one driver. Motors start de-energized
// (ENABLE=HIGH) with the direction line LOW (clockwise).
func New(g gpio.Driver, cfg Config) (*Motor, error) {
	m := &Motor{gpio: g, cfg: cfg}

	err := multierr.Combine(
		g.SetupPin(cfg.StepPin, gpio.Output),
		g.SetupPin(cfg.DirPin, gpio.Output),
		g.WritePin(cfg.StepPin, gpio.Low),
		g.WritePin(cfg.DirPin, gpio.Low),
	)
	if cfg.EnablePin > 0 {
		err = multierr.Append(err, g.SetupPin(cfg.EnablePin, gpio.Output))
		err = multierr.Append(err, g.WritePin(cfg.EnablePin, gpio.High))
	}
	if err != nil {
		return nil, fmt.Errorf("setup motor (step=%d dir=%d): %w", cfg.StepPin, cfg.DirPin, err)
	}
	return m, nil
}

// Step emits one step edge: STEP high then low.
func (m *Motor) Step() error {
	if err := m.gpio.WritePin(m.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	return m.gpio.WritePin(m.cfg.StepPin, gpio.Low)
}

// SetDirection sets the DIR line: LOW for clockwise, HIGH for counter-clockwise.
func (m *Motor) SetDirection(ccw bool) error {
	return m.gpio.WritePin(m.cfg.DirPin, gpio.Level(ccw))
}

// Enable turns on the motor driver (ENABLE=LOW). Motors hold position.
func (m *Motor) Enable() error {
	m.enabled = true
	if m.cfg.EnablePin <= 0 {
		return nil
	}
	return m.gpio.WritePin(m.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). Motors freewheel, no holding torque.
func (m *Motor) Disable() error {
	m.enabled = false
	if m.cfg.EnablePin <= 0 {
		return nil
	}
	return m.gpio.WritePin(m.cfg.EnablePin, gpio.High)
}

// IsEnabled reports the last commanded enable state.
func (m *Motor) IsEnabled() bool {
	return m.enabled
}

// Bank addresses a fixed set of motors by index. Indices without a
// configured motor are accepted and ignored so callers can iterate over
// every motor slot.
type Bank struct {
	motors []*Motor
}

// NewBank creates one Motor per config entry. A config with StepPin 0 leaves the slot empty.
func NewBank(g gpio.Driver, cfgs []Config) (*Bank, error) {
	b := &Bank{motors: make([]*Motor, len(cfgs))}
	for i, c := range cfgs {
		if c.StepPin <= 0 {
			continue
		}
		m, err := New(g, c)
		if err != nil {
			return nil, fmt.Errorf("motor %d: %w", i+1, err)
		}
		b.motors[i] = m
		debug.Verbose("Motor %d: step=%d dir=%d enable=%d", i+1, c.StepPin, c.DirPin, c.EnablePin)
	}
	return b, nil
}

func (b *Bank) get(i int) *Motor {
	if i < 0 || i >= len(b.motors) {
		return nil
	}
	return b.motors[i]
}

// Len returns the number of motor slots.
func (b *Bank) Len() int {
	return len(b.motors)
}

func (b *Bank) Step(i int) error {
	if m := b.get(i); m != nil {
		return m.Step()
	}
	return nil
}

func (b *Bank) SetDirection(i int, ccw bool) error {
	if m := b.get(i); m != nil {
		return m.SetDirection(ccw)
	}
	return nil
}

func (b *Bank) Energize(i int) error {
	if m := b.get(i); m != nil {
		return m.Enable()
	}
	return nil
}

func (b *Bank) Deenergize(i int) error {
	if m := b.get(i); m != nil {
		return m.Disable()
	}
	return nil
}

func (b *Bank) IsEnergized(i int) bool {
	if m := b.get(i); m != nil {
		return m.IsEnabled()
	}
	return false
}

// DisableAll de-energizes every configured motor, returning all failures combined.
func (b *Bank) DisableAll() error {
	var err error
	for _, m := range b.motors {
		if m != nil {
			err = multierr.Append(err, m.Disable())
		}
	}
	return err
}
