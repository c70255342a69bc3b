// Package controller is the owning context of the motion core. It wires
// the machine, planner, stepper and reports together and drives them from
// one cooperative dispatcher, in a fixed priority order.
package controller

import (
	"io"
	"strings"
	"sync/atomic"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/machine"
	"github.com/cjeanneret/StepGo/internal/planner"
	"github.com/cjeanneret/StepGo/internal/report"
	"github.com/cjeanneret/StepGo/internal/stat"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// Input is the host link seen by the dispatcher. Real-time control
// characters arrive apart from ordinary lines.
type Input interface {
	ReadControl() (string, bool)
	ReadLine() (string, bool)
}

// TX is the outbound side of the host link.
type TX interface {
	io.Writer
	Buffered() int
}

// Limits reports limit switch state.
type Limits interface {
	Thrown() bool
}

// Parser executes one input line that is not a controller command. body
// is sent back as the "r" member of the response.
type Parser interface {
	Parse(line string) (body any, st stat.Status)
}

// Hooks are continuation polls for the cycles built on top of the queue.
// Nil hooks are skipped.
type Hooks struct {
	Arc     func() stat.Status
	Homing  func() stat.Status
	Jogging func() stat.Status
	Probe   func() stat.Status
}

// Clock is a monotonic millisecond counter.
type Clock interface {
	Millis() uint32
}

// Config holds the dispatcher thresholds.
type Config struct {
	BufferHeadroom    int    // free planner buffers required before reading input
	TxWatermark       int    // TX bytes above which input is held back
	HeartbeatInterval uint32 // ms between idle heartbeats, 0 to disable
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{BufferHeadroom: 1, TxWatermark: 4096, HeartbeatInterval: 10000}
}

// Deps are the components the controller owns or talks to.
type Deps struct {
	Machine *machine.Machine
	Planner *planner.Planner
	Stepper *stepper.Stepper
	Status  *report.StatusReporter
	Queue   *report.QueueReporter
	Input   Input
	TX      TX
	Limits  Limits
	Parser  Parser
	Hooks   Hooks
	Clock   Clock
}

// Controller is the single owning context of the motion core.
type Controller struct {
	magicStart uint16
	cfg        Config
	d          Deps
	disp       *Dispatcher
	reset      atomic.Bool
	heartbeat  uint32
	lines      uint64
	magicEnd   uint16
}

// New builds the controller and its task list.
func New(cfg Config, d Deps) *Controller {
	c := &Controller{
		magicStart: stat.Magic,
		magicEnd:   stat.Magic,
		cfg:        cfg,
		d:          d,
	}
	c.disp = NewDispatcher(c.tasks()...)
	return c
}

func (c *Controller) tasks() []Task {
	tasks := []Task{
		{"hardResetHandler", c.hardResetHandler},
		{"shutdownIdler", c.shutdownIdler},
		{"controlDispatch", c.controlDispatch},
		{"alarmHandler", c.alarmHandler},
		{"limitSwitchHandler", c.limitSwitchHandler},
		{"feedholdSequencing", c.feedholdSequencing},
		{"systemAssertions", c.systemAssertions},
		{"motorPowerCallback", c.d.Stepper.MotorPowerCallback},
		{"statusReportCallback", c.statusReportCallback},
		{"queueReportCallback", c.d.Queue.Callback},
	}
	for _, h := range []struct {
		name string
		fn   func() stat.Status
	}{
		{"arcCallback", c.d.Hooks.Arc},
		{"homingCallback", c.d.Hooks.Homing},
		{"joggingCallback", c.d.Hooks.Jogging},
		{"probeCallback", c.d.Hooks.Probe},
	} {
		if h.fn != nil {
			tasks = append(tasks, Task{h.name, h.fn})
		}
	}
	return append(tasks,
		Task{"syncToPlanner", c.syncToPlanner},
		Task{"syncToTxBuffer", c.syncToTxBuffer},
		Task{"commandDispatch", c.commandDispatch},
		Task{"normalIdler", c.normalIdler},
	)
}

// Dispatcher returns the task dispatcher.
func (c *Controller) Dispatcher() *Dispatcher { return c.disp }

// Init brings every component to its power-up state and announces readiness.
func (c *Controller) Init() {
	c.d.Stepper.Halt(c.d.Planner.Flush)
	c.d.Stepper.Reset()
	c.d.Machine.Reset()
	if err := c.d.Stepper.DeenergizeMotors(); err != nil {
		debug.Error(err)
	}
	c.respond(map[string]string{"msg": "ready"}, stat.OK)
	debug.Info("controller ready")
}

// RequestReset asks for a hard reset on the next dispatcher pass.
func (c *Controller) RequestReset() { c.reset.Store(true) }

// Status assembles a status report body.
func (c *Controller) Status() report.Status {
	ms := c.d.Machine.Snapshot()
	ss := c.d.Stepper.Snapshot()
	st := report.Status{
		State:    ms.State.String(),
		Hold:     ms.Hold.String(),
		Buffers:  c.d.Planner.AvailableBufferCount(),
		Busy:     ss.Busy,
		Position: ss.Positions[:],
		Power:    make([]string, stepper.Motors),
		IOFaults: ss.OutputFaults,
	}
	if ms.State == machine.StateAlarm || ms.State == machine.StateShutdown {
		st.Alarm = int(ms.Alarm)
	}
	for m, p := range ss.Power {
		st.Power[m] = p.String()
	}
	return st
}

// Assert checks the controller guards.
func (c *Controller) Assert() stat.Status {
	if c.magicStart != stat.Magic || c.magicEnd != stat.Magic {
		return stat.ControllerAssertionFailure
	}
	return stat.OK
}

// ---------- tasks ----------

func (c *Controller) hardResetHandler() stat.Status {
	if !c.reset.CompareAndSwap(true, false) {
		return stat.NoOp
	}
	debug.Info("hard reset")
	c.Init()
	return stat.EAGAIN
}

// shutdownIdler holds the dispatcher while shut down. Only a reset
// character is honoured.
func (c *Controller) shutdownIdler() stat.Status {
	if !c.d.Machine.IsShutdown() {
		return stat.NoOp
	}
	if ch, ok := c.d.Input.ReadControl(); ok && ch == "\x18" {
		c.RequestReset()
	}
	return stat.EAGAIN
}

func (c *Controller) controlDispatch() stat.Status {
	ch, ok := c.d.Input.ReadControl()
	if !ok {
		return stat.NoOp
	}
	c.control(ch)
	return stat.OK
}

func (c *Controller) control(ch string) {
	debug.Live("control %q", ch)
	switch ch {
	case "!":
		c.d.Machine.RequestFeedhold()
	case "~":
		c.d.Machine.RequestCycleStart()
	case "%":
		c.d.Machine.RequestQueueFlush()
	case "\x18":
		c.RequestReset()
	}
}

// alarmHandler stops the pipeline once per alarm, outside interrupt context.
func (c *Controller) alarmHandler() stat.Status {
	st, ok := c.d.Machine.TakeAlarm()
	if !ok {
		return stat.NoOp
	}
	c.d.Stepper.Halt(c.d.Planner.Flush)
	c.respond(map[string]any{"er": map[string]any{"st": int(st), "msg": st.String()}}, st)
	c.d.Status.Request(report.Immediate)
	return stat.OK
}

func (c *Controller) limitSwitchHandler() stat.Status {
	if c.d.Limits == nil || c.d.Machine.IsAlarmed() {
		return stat.NoOp
	}
	if !c.d.Limits.Thrown() {
		return stat.NoOp
	}
	return c.d.Machine.HardAlarm(stat.LimitSwitchHit)
}

func (c *Controller) feedholdSequencing() stat.Status {
	return c.d.Machine.FeedholdSequencing(c.d.Stepper, c.d.Planner.Flush)
}

func (c *Controller) systemAssertions() stat.Status {
	for _, st := range []stat.Status{
		c.Assert(),
		c.d.Machine.Assert(),
		c.d.Planner.Assert(),
		c.d.Stepper.Assert(),
	} {
		if st != stat.OK {
			return c.d.Machine.HardAlarm(st)
		}
	}
	return stat.OK
}

func (c *Controller) statusReportCallback() stat.Status {
	if c.d.Machine.InCycle() {
		c.d.Status.Request(report.Timed)
	}
	return c.d.Status.Callback()
}

// syncToPlanner holds input back until the planner has headroom.
func (c *Controller) syncToPlanner() stat.Status {
	if c.d.Planner.AvailableBufferCount() < c.cfg.BufferHeadroom {
		return stat.EAGAIN
	}
	return stat.OK
}

// syncToTxBuffer holds input back while responses are piling up.
func (c *Controller) syncToTxBuffer() stat.Status {
	if c.cfg.TxWatermark > 0 && c.d.TX.Buffered() >= c.cfg.TxWatermark {
		return stat.EAGAIN
	}
	return stat.OK
}

// commandDispatch handles one input line per pass.
func (c *Controller) commandDispatch() stat.Status {
	line, ok := c.d.Input.ReadLine()
	if !ok {
		return stat.NoOp
	}
	c.lines++
	line = strings.TrimSpace(line)

	switch line {
	case "":
		return stat.NoOp
	case "!", "~", "%", "\x18":
		c.control(line)
		return stat.OK
	case "?":
		c.d.Status.Request(report.Immediate)
		return stat.OK
	case "$qr":
		c.d.Queue.RequestNow()
		return stat.OK
	case "$clear":
		if c.d.Machine.ClearAlarm() {
			c.respond(nil, stat.OK)
		} else {
			c.respond(nil, stat.CommandNotAccepted)
		}
		return stat.OK
	}

	if c.d.Machine.IsAlarmed() {
		c.respond(nil, stat.Alarmed)
		return stat.OK
	}
	if c.d.Parser == nil {
		c.respond(nil, stat.UnrecognizedCommand)
		return stat.OK
	}
	body, st := c.d.Parser.Parse(line)
	c.respond(body, st)
	return stat.OK
}

func (c *Controller) normalIdler() stat.Status {
	if c.cfg.HeartbeatInterval == 0 || c.d.Clock == nil {
		return stat.NoOp
	}
	now := c.d.Clock.Millis()
	if int32(now-c.heartbeat) < 0 {
		return stat.NoOp
	}
	c.heartbeat = now + c.cfg.HeartbeatInterval
	debug.Verbose("heartbeat: %d passes, %d lines", c.disp.Passes(), c.lines)
	return stat.OK
}

func (c *Controller) respond(body any, st stat.Status) {
	if err := report.WriteResponse(c.d.TX, body, st); err != nil {
		debug.Error(err)
	}
}
