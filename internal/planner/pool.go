package planner

import (
	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stat"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// Vector is a per-motor value, in steps for travel.
type Vector = stepper.Vector

// Kind is the type of work a buffer carries.
type Kind uint8

const (
	KindNull Kind = iota
	KindLine
	KindDwell
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindDwell:
		return "dwell"
	case KindCommand:
		return "command"
	default:
		return "null"
	}
}

// State is the lifecycle state of a buffer slot.
type State uint8

const (
	Empty   State = iota // free
	Loading              // being populated by the producer
	Queued               // committed, waiting
	Pending              // next to run
	Running              // owned by the consumer
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Queued:
		return "queued"
	case Pending:
		return "pending"
	case Running:
		return "running"
	default:
		return "empty"
	}
}

// MoveState tracks a buffer across multi-call execution.
type MoveState uint8

const (
	MoveOff MoveState = iota
	MoveNew
	MoveRun
)

// Buffer is one slot of the move ring. Prev and Next are slot indices.
type Buffer struct {
	Index int
	Prev  int
	Next  int

	Kind      Kind
	State     State
	MoveState MoveState

	Target   Vector  // travel in steps
	Error    Vector  // following error in steps
	Duration float64 // seconds
	Callback func(values, flags Vector)
	Values   Vector
	Flags    Vector
}

// clear zeroes the payload and state but keeps the ring links.
func (b *Buffer) clear() {
	idx, prev, next := b.Index, b.Prev, b.Next
	*b = Buffer{Index: idx, Prev: prev, Next: next}
}

// Signals receives the pool's side effects.
type Signals interface {
	QueueChanged(delta int)
	RequestExec()
}

// Pool is a fixed ring of move buffers with a write cursor (producer), a
// queued cursor (commit) and a run cursor (consumer).
type Pool struct {
	magicStart uint16
	bufs       []Buffer
	w, q, r    int
	available  int
	signals    Signals
	magicEnd   uint16
}

// NewPool allocates a ring of size buffers. size must be at least 2.
func NewPool(size int, sig Signals) *Pool {
	if size < 2 {
		size = 2
	}
	p := &Pool{
		bufs:    make([]Buffer, size),
		signals: sig,
	}
	p.Init()
	return p
}

// Init empties every slot and rewinds the cursors.
func (p *Pool) Init() {
	n := len(p.bufs)
	for i := range p.bufs {
		p.bufs[i] = Buffer{Index: i, Prev: (i + n - 1) % n, Next: (i + 1) % n}
	}
	p.w, p.q, p.r = 0, 0, 0
	p.available = n
	p.magicStart, p.magicEnd = stat.Magic, stat.Magic
}

// Capacity returns the number of slots.
func (p *Pool) Capacity() int { return len(p.bufs) }

// Available returns the number of free slots.
func (p *Pool) Available() int { return p.available }

// GetWriteBuffer claims the slot at the write cursor. It returns nil when
// the pool is exhausted; callers are expected to check Available first.
func (p *Pool) GetWriteBuffer() *Buffer {
	b := &p.bufs[p.w]
	if b.State != Empty {
		debug.Exception("GetWriteBuffer", "pool exhausted (%d slots)", len(p.bufs))
		return nil
	}
	b.clear()
	b.State = Loading
	p.available--
	p.w = b.Next
	return b
}

// UngetWriteBuffer releases the slot claimed by the last GetWriteBuffer.
func (p *Pool) UngetWriteBuffer() {
	prev := p.bufs[p.w].Prev
	if p.bufs[prev].State != Loading {
		debug.Exception("UngetWriteBuffer", "slot %d is %v", prev, p.bufs[prev].State)
		return
	}
	p.w = prev
	p.bufs[prev].clear()
	p.available++
}

// CommitWriteBuffer queues the slot at the queued cursor. The buffer must
// not be touched afterwards: it may run and be recycled before Commit
// returns.
func (p *Pool) CommitWriteBuffer(kind Kind) stat.Status {
	b := &p.bufs[p.q]
	if b.State != Loading {
		debug.Exception("CommitWriteBuffer", "slot %d is %v", p.q, b.State)
		return stat.BufferFullFatal
	}
	b.Kind = kind
	b.MoveState = MoveNew
	b.State = Queued
	p.q = b.Next
	if p.signals != nil {
		p.signals.QueueChanged(+1)
		p.signals.RequestExec()
	}
	return stat.OK
}

// GetRunBuffer returns the buffer at the run cursor, promoting it to
// Running. A Running buffer is returned again until it is freed.
func (p *Pool) GetRunBuffer() *Buffer {
	b := &p.bufs[p.r]
	switch b.State {
	case Queued, Pending:
		b.State = Running
		return b
	case Running:
		return b
	}
	return nil
}

// FreeRunBuffer releases the run buffer, advances the run cursor and
// reports whether the pool is now empty.
func (p *Pool) FreeRunBuffer() bool {
	b := &p.bufs[p.r]
	if b.State == Empty {
		debug.Exception("FreeRunBuffer", "slot %d already empty", p.r)
		return p.w == p.r
	}
	b.clear()
	p.r = b.Next
	if next := &p.bufs[p.r]; next.State == Queued {
		next.State = Pending
	}
	p.available++
	if p.signals != nil {
		p.signals.QueueChanged(-1)
	}
	return p.w == p.r
}

// Prev returns the slot linked before b.
func (p *Pool) Prev(b *Buffer) *Buffer { return &p.bufs[b.Prev] }

// Next returns the slot linked after b.
func (p *Pool) Next(b *Buffer) *Buffer { return &p.bufs[b.Next] }

// First returns the slot at the run cursor.
func (p *Pool) First() *Buffer { return &p.bufs[p.r] }

// Last returns the most recently claimed slot.
func (p *Pool) Last() *Buffer { return &p.bufs[p.bufs[p.w].Prev] }

// Assert checks the guards, the available count and that at most one slot
// is Loading.
func (p *Pool) Assert() stat.Status {
	if p.magicStart != stat.Magic || p.magicEnd != stat.Magic {
		return stat.PlannerAssertionFailure
	}
	empty, loading := 0, 0
	for i := range p.bufs {
		switch p.bufs[i].State {
		case Empty:
			empty++
		case Loading:
			loading++
		}
	}
	if loading > 1 || empty != p.available {
		return stat.PlannerAssertionFailure
	}
	return stat.OK
}
