// Package timer provides the hosted stand-ins for the step and dwell
// hardware timers and for the millisecond system tick.
package timer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/irq"
)

// Ticker is an armable periodic tick source. The goroutine started by Run
// wakes every Wake interval and delivers the ticks owed at Frequency as one
// batch inside a single timer-level interrupt. Ticks owed while disarmed
// are dropped.
type Ticker struct {
	name      string
	irq       *irq.Controller
	frequency float64
	wake      time.Duration
	handler   func()
	armed     atomic.Bool
	delivered atomic.Uint64
}

// NewTicker creates a disarmed ticker. frequency is in Hz; wake is the
// batching interval (1ms if zero).
func NewTicker(name string, c *irq.Controller, frequency float64, wake time.Duration) *Ticker {
	if wake <= 0 {
		wake = time.Millisecond
	}
	return &Ticker{name: name, irq: c, frequency: frequency, wake: wake}
}

// Bind sets the per-tick handler. Must be called before Run.
func (t *Ticker) Bind(fn func()) {
	t.handler = fn
}

// Start arms the ticker.
func (t *Ticker) Start() {
	t.armed.Store(true)
}

// Stop disarms the ticker. Safe to call from inside the handler.
func (t *Ticker) Stop() {
	t.armed.Store(false)
}

// Armed reports whether the ticker is delivering ticks.
func (t *Ticker) Armed() bool {
	return t.armed.Load()
}

// Delivered returns the number of ticks delivered since creation.
func (t *Ticker) Delivered() uint64 {
	return t.delivered.Load()
}

// Frequency returns the tick rate in Hz.
func (t *Ticker) Frequency() float64 {
	return t.frequency
}

// Run delivers ticks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	debug.Verbose("Timer %s: %.0f Hz, batch every %v", t.name, t.frequency, t.wake)

	tk := time.NewTicker(t.wake)
	defer tk.Stop()

	// at most 100ms of ticks per batch after a scheduling stall
	maxBatch := int(t.frequency / 10)
	if maxBatch < 1 {
		maxBatch = 1
	}

	last := time.Now()
	var owed float64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tk.C:
			elapsed := now.Sub(last).Seconds()
			last = now
			if !t.armed.Load() || t.handler == nil {
				owed = 0
				continue
			}
			owed += elapsed * t.frequency
			n := int(owed)
			if n == 0 {
				continue
			}
			if n > maxBatch {
				debug.Trace("Timer %s: dropping %d ticks", t.name, n-maxBatch)
				n = maxBatch
				owed = float64(n)
			}
			done := t.deliver(n)
			owed -= float64(done)
			if !t.armed.Load() {
				owed = 0
			}
		}
	}
}

func (t *Ticker) deliver(n int) int {
	done := 0
	t.irq.Raise(irq.LevelTimer, func() {
		for done < n && t.armed.Load() {
			t.handler()
			done++
		}
	})
	t.delivered.Add(uint64(done))
	return done
}
