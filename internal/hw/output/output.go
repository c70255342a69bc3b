// Package output drives auxiliary digital outputs (spindle enable,
// coolant, a camera trigger) that are switched in sequence with motion.
package output

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/hw/gpio"
)

// Config is one output line.
type Config struct {
	Name      string
	Pin       int
	ActiveLow bool // optocoupled remotes and relay boards pull LOW to activate
}

// Output is one switchable line.
type Output struct {
	gpio gpio.Driver
	cfg  Config

	mu sync.Mutex
	on bool
}

// New configures the pin as an output and sets it inactive.
func New(g gpio.Driver, cfg Config) (*Output, error) {
	o := &Output{gpio: g, cfg: cfg}
	if err := g.SetupPin(cfg.Pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup output %s (pin %d): %w", cfg.Name, cfg.Pin, err)
	}
	if err := o.Set(false); err != nil {
		return nil, err
	}
	return o, nil
}

// Set drives the line active (on) or inactive.
func (o *Output) Set(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	lvl := gpio.Level(on != o.cfg.ActiveLow)
	debug.Verbose("output %s -> %v (pin %d %v)", o.cfg.Name, on, o.cfg.Pin, lvl)
	if err := o.gpio.WritePin(o.cfg.Pin, lvl); err != nil {
		return fmt.Errorf("output %s: %w", o.cfg.Name, err)
	}
	o.on = on
	return nil
}

// On reports the last state written.
func (o *Output) On() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.on
}

// Name returns the configured name.
func (o *Output) Name() string { return o.cfg.Name }

// Bank is the ordered set of configured outputs.
type Bank struct {
	outs []*Output
}

// NewBank builds every configured output.
func NewBank(g gpio.Driver, cfg []Config) (*Bank, error) {
	b := &Bank{}
	for _, c := range cfg {
		o, err := New(g, c)
		if err != nil {
			return nil, err
		}
		b.outs = append(b.outs, o)
	}
	return b, nil
}

// Len returns the number of outputs.
func (b *Bank) Len() int { return len(b.outs) }

// Set switches output i.
func (b *Bank) Set(i int, on bool) error {
	if i < 0 || i >= len(b.outs) {
		return fmt.Errorf("output %d not configured", i)
	}
	return b.outs[i].Set(on)
}

// States returns the state of every output, keyed by name.
func (b *Bank) States() map[string]bool {
	m := make(map[string]bool, len(b.outs))
	for _, o := range b.outs {
		m[o.Name()] = o.On()
	}
	return m
}

// AllOff switches every output inactive. Every output is attempted.
func (b *Bank) AllOff() error {
	var err error
	for _, o := range b.outs {
		err = multierr.Append(err, o.Set(false))
	}
	return err
}
