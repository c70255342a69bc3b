// Package report emits status reports and queue reports as JSON lines.
//
// Request methods may be called from interrupt context. Callbacks run from
// the dispatcher and gather their data without holding the reporter lock.
package report

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stat"
)

// Clock is a monotonic millisecond counter.
type Clock interface {
	Millis() uint32
}

// Kind selects how soon a status report is sent.
type Kind uint8

const (
	Immediate Kind = iota // next dispatcher pass
	Timed                 // once the report interval has elapsed
)

// Status is the body of a status report.
type Status struct {
	State    string   `json:"stat"`
	Hold     string   `json:"hold"`
	Alarm    int      `json:"alarm,omitempty"`
	Buffers  int      `json:"buf"`
	Busy     bool     `json:"busy"`
	Position []int64  `json:"pos"`
	Power    []string `json:"pwr,omitempty"`
	IOFaults uint64   `json:"iof,omitempty"`
}

// StatusReporter sends {"sr":{...}} lines.
type StatusReporter struct {
	out      io.Writer
	clock    Clock
	interval uint32 // ms
	source   func() Status

	mu        sync.Mutex
	immediate bool
	timed     bool
	deadline  uint32
	sent      int
}

// NewStatusReporter returns a reporter writing to out. Timed requests are
// held back for intervalMs milliseconds.
func NewStatusReporter(out io.Writer, clock Clock, intervalMs uint32, source func() Status) *StatusReporter {
	return &StatusReporter{out: out, clock: clock, interval: intervalMs, source: source}
}

// Request schedules a report.
func (r *StatusReporter) Request(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == Immediate {
		r.immediate = true
		return
	}
	if !r.timed {
		r.timed = true
		r.deadline = r.clock.Millis() + r.interval
	}
}

// RequestStatusReport schedules a timed report.
func (r *StatusReporter) RequestStatusReport() {
	r.Request(Timed)
}

// Callback sends a report if one is due and returns NoOp otherwise.
func (r *StatusReporter) Callback() stat.Status {
	r.mu.Lock()
	due := r.immediate || (r.timed && int32(r.clock.Millis()-r.deadline) >= 0)
	if due {
		r.immediate = false
		r.timed = false
		r.sent++
	}
	r.mu.Unlock()

	if !due {
		return stat.NoOp
	}
	if err := writeLine(r.out, map[string]Status{"sr": r.source()}); err != nil {
		debug.Error(err)
	}
	return stat.OK
}

// Sent returns the number of reports sent.
func (r *StatusReporter) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Queue is a queue report line.
type Queue struct {
	Available int `json:"qr"`
	Added     int `json:"qi"`
	Removed   int `json:"qo"`
}

// QueueReporter sends {"qr":...} lines after the queue depth changes.
type QueueReporter struct {
	out       io.Writer
	available func() int

	mu        sync.Mutex
	enabled   bool
	requested bool
	added     int
	removed   int
}

// NewQueueReporter returns a reporter writing to out. When enabled is
// false reports are only sent on explicit RequestNow.
func NewQueueReporter(out io.Writer, enabled bool, available func() int) *QueueReporter {
	return &QueueReporter{out: out, enabled: enabled, available: available}
}

// Request records a queue depth change of delta buffers.
func (q *QueueReporter) Request(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if delta > 0 {
		q.added += delta
	} else {
		q.removed -= delta
	}
	if q.enabled {
		q.requested = true
	}
}

// RequestNow forces a report on the next callback.
func (q *QueueReporter) RequestNow() {
	q.mu.Lock()
	q.requested = true
	q.mu.Unlock()
}

// Callback sends a pending report and resets the counters.
func (q *QueueReporter) Callback() stat.Status {
	q.mu.Lock()
	if !q.requested {
		q.mu.Unlock()
		return stat.NoOp
	}
	rep := Queue{Added: q.added, Removed: q.removed}
	q.requested = false
	q.added, q.removed = 0, 0
	q.mu.Unlock()

	rep.Available = q.available()
	if err := writeLine(q.out, rep); err != nil {
		debug.Error(err)
	}
	return stat.OK
}

// Response is the reply to one input line: {"r":{...},"f":[status]}.
type Response struct {
	Body   any    `json:"r"`
	Footer [1]int `json:"f"`
}

// WriteResponse writes the reply to an input line.
func WriteResponse(out io.Writer, body any, st stat.Status) error {
	if body == nil {
		body = struct{}{}
	}
	return writeLine(out, Response{Body: body, Footer: [1]int{int(st)}})
}

func writeLine(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = out.Write(append(data, '\n'))
	return err
}
