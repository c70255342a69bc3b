package controller

import (
	"context"
	"runtime"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stat"
)

// Task is one poll function of the dispatcher. Poll must never block: it
// returns OK or NoOp to let the pass continue, or EAGAIN to end the pass
// and restart from the top.
type Task struct {
	Name string
	Poll func() stat.Status
}

// Dispatcher runs an ordered task list in an endless loop.
type Dispatcher struct {
	tasks  []Task
	passes uint64
	blocks []uint64 // EAGAIN count per task
}

// NewDispatcher returns a dispatcher over tasks, highest priority first.
func NewDispatcher(tasks ...Task) *Dispatcher {
	return &Dispatcher{tasks: tasks, blocks: make([]uint64, len(tasks))}
}

// RunOnce runs one pass from the top of the list. It returns the index of
// the task that returned EAGAIN, or -1 when every task ran.
func (d *Dispatcher) RunOnce() int {
	d.passes++
	for i, t := range d.tasks {
		if t.Poll() == stat.EAGAIN {
			d.blocks[i]++
			return i
		}
	}
	return -1
}

// Run loops RunOnce until ctx is cancelled, yielding the processor between
// passes.
func (d *Dispatcher) Run(ctx context.Context) error {
	debug.Info("dispatcher: %d tasks", len(d.tasks))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		d.RunOnce()
		runtime.Gosched()
	}
}

// Passes returns the number of passes started.
func (d *Dispatcher) Passes() uint64 { return d.passes }

// Names returns the task names in dispatch order.
func (d *Dispatcher) Names() []string {
	names := make([]string, len(d.tasks))
	for i, t := range d.tasks {
		names[i] = t.Name
	}
	return names
}

// Blocks returns how many passes task name has ended.
func (d *Dispatcher) Blocks(name string) uint64 {
	for i, t := range d.tasks {
		if t.Name == name {
			return d.blocks[i]
		}
	}
	return 0
}
