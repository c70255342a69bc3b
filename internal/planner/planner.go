// Package planner owns the move queue: producers add lines, dwells and
// commands through the Queue methods, and the segment preparer consumes
// them one segment at a time through ExecMove.
//
// Producer methods run in main context and open an irq critical section
// around the pool. ExecMove and Flush run with the CPU already held (exec
// interrupt, or inside stepper.FlushIfIdle / stepper.Halt) and do not lock.
package planner

import (
	"math"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/irq"
	"github.com/cjeanneret/StepGo/internal/stat"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// Preparer is the segment preparer side of the stepper pipeline.
type Preparer interface {
	PrepLine(travel, posErr Vector, segmentTime float64) stat.Status
	PrepDwell(microseconds float64) stat.Status
	PrepCommand(fn func()) stat.Status
	PrepNull()
	RequestExecMove()
}

// Machine is the part of the machine state the planner needs.
type Machine interface {
	HardAlarm(s stat.Status) stat.Status
	IsAlarmed() bool
	InHold() bool
	CycleStart()
	CycleEnd()
}

// QueueObserver is told every time the queue depth changes.
type QueueObserver interface {
	Request(delta int)
}

// Config holds the queue sizing and segment slicing settings.
type Config struct {
	PoolSize     int
	SegmentTime  float64 // nominal segment duration, seconds
	DDAFrequency float64 // pulse generator rate bounding steps per segment, 0 = unchecked
}

// DefaultConfig returns a 28-slot pool, 5 ms segments and the stock
// pulse generator rate.
func DefaultConfig() Config {
	return Config{PoolSize: 28, SegmentTime: 0.005, DDAFrequency: stepper.DefaultConfig().DDAFrequency}
}

// Deps are the collaborators of the planner.
type Deps struct {
	Preparer Preparer
	Machine  Machine
	IRQ      *irq.Controller
	Queue    QueueObserver
}

// runtime is the execution state of the Line at the run cursor.
type runtime struct {
	magicStart   uint16
	segments     int
	segmentCount int
	segmentTime  float64
	travel       Vector // per segment
	magicEnd     uint16
}

// Planner is the move queue and its consumer.
type Planner struct {
	cfg     Config
	pool    *Pool
	prep    Preparer
	machine Machine
	irq     *irq.Controller
	queue   QueueObserver
	rt      runtime
}

// New builds a planner with an empty pool.
func New(cfg Config, d Deps) *Planner {
	if cfg.SegmentTime < stepper.Epsilon {
		cfg.SegmentTime = DefaultConfig().SegmentTime
	}
	p := &Planner{
		cfg:     cfg,
		prep:    d.Preparer,
		machine: d.Machine,
		irq:     d.IRQ,
		queue:   d.Queue,
	}
	p.pool = NewPool(cfg.PoolSize, p)
	p.resetRuntime()
	return p
}

// Pool exposes the move ring. Callers outside interrupt context must hold
// an irq critical section while using it.
func (p *Planner) Pool() *Pool { return p.pool }

// QueueChanged implements Signals.
func (p *Planner) QueueChanged(delta int) {
	if p.queue != nil {
		p.queue.Request(delta)
	}
}

// RequestExec implements Signals.
func (p *Planner) RequestExec() {
	p.prep.RequestExecMove()
}

// QueueLine queues a move of travel steps per motor lasting duration
// seconds. posErr is the following error applied to the first segment.
func (p *Planner) QueueLine(travel, posErr Vector, duration float64) stat.Status {
	switch {
	case math.IsInf(duration, 0):
		return p.machine.HardAlarm(stat.PrepLineMoveTimeIsInfinite)
	case math.IsNaN(duration):
		return p.machine.HardAlarm(stat.PrepLineMoveTimeIsNaN)
	case p.machine.IsAlarmed():
		return stat.Alarmed
	case duration < stepper.Epsilon:
		return stat.MinimumTimeMove
	}
	if !finite(travel) || !finite(posErr) {
		return stat.InputValueRangeError
	}
	if !p.withinStepRate(travel, duration) {
		debug.Live("line of %.6fs exceeds one step per tick", duration)
		return stat.InputValueRangeError
	}

	return p.queue1(KindLine, func(b *Buffer) {
		b.Target = travel
		b.Error = posErr
		b.Duration = duration
	})
}

func finite(v Vector) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// segmentCount is the number of equal segments a line of duration is cut into.
func (p *Planner) segmentCount(duration float64) int {
	n := int(math.Ceil(duration/p.cfg.SegmentTime - 1e-9))
	return max(n, 1)
}

// withinStepRate reports whether every segment of the line asks each motor
// for at most one step per pulse generator tick. It mirrors the slicing of
// execLine and the tick rounding of the preparer.
func (p *Planner) withinStepRate(travel Vector, duration float64) bool {
	if p.cfg.DDAFrequency <= 0 {
		return true
	}
	n := float64(p.segmentCount(duration))
	ticks := float64(stepper.SegmentTicks(duration/n, p.cfg.DDAFrequency))
	for _, t := range travel {
		if math.Abs(t)/n > ticks {
			return false
		}
	}
	return true
}

// QueueDwell queues a pause of the given number of seconds.
func (p *Planner) QueueDwell(seconds float64) stat.Status {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return stat.InputValueRangeError
	}
	if p.machine.IsAlarmed() {
		return stat.Alarmed
	}
	return p.queue1(KindDwell, func(b *Buffer) {
		b.Duration = seconds
	})
}

// QueueCommand queues cb to run in sequence with motion. values and flags
// are copied into the buffer and handed back to cb.
func (p *Planner) QueueCommand(cb func(values, flags Vector), values, flags Vector) stat.Status {
	if cb == nil {
		return stat.InputValueRangeError
	}
	if p.machine.IsAlarmed() {
		return stat.Alarmed
	}
	return p.queue1(KindCommand, func(b *Buffer) {
		b.Callback = cb
		b.Values = values
		b.Flags = flags
	})
}

func (p *Planner) queue1(kind Kind, fill func(b *Buffer)) stat.Status {
	p.irq.Disable()
	defer p.irq.Restore()

	b := p.pool.GetWriteBuffer()
	if b == nil {
		return p.machine.HardAlarm(stat.BufferFullFatal)
	}
	fill(b)
	if st := p.pool.CommitWriteBuffer(kind); st != stat.OK {
		return p.machine.HardAlarm(st)
	}
	p.machine.CycleStart()
	debug.Verbose("queued %v, %d free", kind, p.pool.Available())
	return stat.OK
}

// AvailableBufferCount returns the number of free queue slots.
func (p *Planner) AvailableBufferCount() int {
	p.irq.Disable()
	defer p.irq.Restore()
	return p.pool.Available()
}

// QueueDepth returns the number of slots in use.
func (p *Planner) QueueDepth() int {
	p.irq.Disable()
	defer p.irq.Restore()
	return p.pool.Capacity() - p.pool.Available()
}

// ExecMove prepares the next segment from the run buffer. It returns NoOp
// when there is nothing to run, or while alarmed or holding.
func (p *Planner) ExecMove() stat.Status {
	if p.machine.IsAlarmed() || p.machine.InHold() {
		return stat.NoOp
	}
	b := p.pool.GetRunBuffer()
	if b == nil {
		return stat.NoOp
	}

	switch b.Kind {
	case KindLine:
		return p.execLine(b)

	case KindDwell:
		st := p.prep.PrepDwell(b.Duration * 1000000)
		p.free()
		return st

	case KindCommand:
		cb, values, flags := b.Callback, b.Values, b.Flags
		return p.prep.PrepCommand(func() {
			cb(values, flags)
			p.free()
		})
	}

	// Null buffers carry nothing; drop them and keep the loader cycling.
	p.free()
	p.prep.PrepNull()
	return stat.OK
}

// execLine slices the run buffer into equal segments, one per call. The
// buffer stays Running until its last segment has been prepared.
func (p *Planner) execLine(b *Buffer) stat.Status {
	rt := &p.rt
	posErr := Vector{}

	if b.MoveState == MoveNew {
		n := p.segmentCount(b.Duration)
		rt.segments = n
		rt.segmentCount = n
		rt.segmentTime = b.Duration / float64(n)
		for m := range b.Target {
			rt.travel[m] = b.Target[m] / float64(n)
		}
		posErr = b.Error
		b.MoveState = MoveRun
		debug.Verbose("line: %d segments of %.6fs", n, rt.segmentTime)
	}

	st := p.prep.PrepLine(rt.travel, posErr, rt.segmentTime)

	rt.segmentCount--
	if rt.segmentCount <= 0 {
		p.free()
	}

	if st != stat.OK {
		// A skipped segment still has to cycle the loader.
		p.prep.PrepNull()
		debug.Verbose("segment skipped: %v", st)
	}
	return stat.OK
}

// free releases the run buffer and ends the cycle once the queue drains.
func (p *Planner) free() {
	if p.pool.FreeRunBuffer() {
		p.machine.CycleEnd()
	}
}

// Flush discards every queued move. The caller must hold the CPU and have
// confirmed the pulse generator is idle.
func (p *Planner) Flush() {
	dropped := p.pool.Capacity() - p.pool.Available()
	p.pool.Init()
	p.resetRuntime()
	if dropped > 0 {
		p.QueueChanged(-dropped)
	}
	debug.Live("planner flushed, %d buffers dropped", dropped)
}

func (p *Planner) resetRuntime() {
	p.rt = runtime{magicStart: stat.Magic, magicEnd: stat.Magic}
}

// Assert checks the pool and runtime guards.
func (p *Planner) Assert() stat.Status {
	p.irq.Disable()
	defer p.irq.Restore()
	if p.rt.magicStart != stat.Magic || p.rt.magicEnd != stat.Magic {
		return stat.PlannerAssertionFailure
	}
	return p.pool.Assert()
}
