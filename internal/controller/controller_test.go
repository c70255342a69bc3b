package controller

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cjeanneret/StepGo/internal/irq"
	"github.com/cjeanneret/StepGo/internal/machine"
	"github.com/cjeanneret/StepGo/internal/planner"
	"github.com/cjeanneret/StepGo/internal/report"
	"github.com/cjeanneret/StepGo/internal/stat"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// ---------- fakes ----------

type fakeInput struct {
	ctrl  []string
	lines []string
}

func (f *fakeInput) ReadControl() (string, bool) {
	if len(f.ctrl) == 0 {
		return "", false
	}
	c := f.ctrl[0]
	f.ctrl = f.ctrl[1:]
	return c, true
}

func (f *fakeInput) ReadLine() (string, bool) {
	if len(f.lines) == 0 {
		return "", false
	}
	l := f.lines[0]
	f.lines = f.lines[1:]
	return l, true
}

type fakeTX struct {
	bytes.Buffer
	held int
}

func (t *fakeTX) Buffered() int { return t.held }

func (t *fakeTX) has(s string) bool { return strings.Contains(t.String(), s) }

type fakeLimits struct{ thrown bool }

func (l *fakeLimits) Thrown() bool { return l.thrown }

type nullOutputs struct{ steps [stepper.Motors]int }

func (o *nullOutputs) Step(m int) error                   { o.steps[m]++; return nil }
func (o *nullOutputs) SetDirection(m int, ccw bool) error { return nil }
func (o *nullOutputs) Energize(m int) error               { return nil }
func (o *nullOutputs) Deenergize(m int) error             { return nil }
func (o *nullOutputs) IsEnergized(m int) bool             { return false }

type armTimer struct{ armed bool }

func (t *armTimer) Start() { t.armed = true }
func (t *armTimer) Stop()  { t.armed = false }

type fakeClock struct{ now uint32 }

func (c *fakeClock) Millis() uint32 { return c.now }

// rig is a controller over the real core with fake I/O.
type rig struct {
	c      *Controller
	m      *machine.Machine
	p      *planner.Planner
	s      *stepper.Stepper
	ctl    *irq.Controller
	in     *fakeInput
	tx     *fakeTX
	limits *fakeLimits
	dda    *armTimer
	dwell  *armTimer
}

func newRig(t *testing.T, poolSize int, hooks Hooks) *rig {
	t.Helper()
	r := &rig{
		m:      machine.New(),
		ctl:    irq.New(),
		in:     &fakeInput{},
		tx:     &fakeTX{},
		limits: &fakeLimits{},
		dda:    &armTimer{},
		dwell:  &armTimer{},
	}
	clock := &fakeClock{}
	status := report.NewStatusReporter(r.tx, clock, 250, func() report.Status { return r.c.Status() })
	queue := report.NewQueueReporter(r.tx, false, func() int { return r.p.AvailableBufferCount() })

	r.s = stepper.New(stepper.DefaultConfig(), stepper.Deps{
		Outputs: &nullOutputs{}, IRQ: r.ctl, DDATimer: r.dda, DwellTimer: r.dwell,
		Clock: clock, Machine: r.m, Reports: status,
	})
	r.p = planner.New(planner.Config{PoolSize: poolSize, SegmentTime: 0.005}, planner.Deps{
		Preparer: r.s, Machine: r.m, IRQ: r.ctl, Queue: queue,
	})
	r.s.SetExecutor(r.p)

	r.c = New(Config{BufferHeadroom: 1, TxWatermark: 1024}, Deps{
		Machine: r.m, Planner: r.p, Stepper: r.s,
		Status: status, Queue: queue,
		Input: r.in, TX: r.tx, Limits: r.limits,
		Parser: &DirectParser{Queue: r.p, Power: r.s},
		Hooks:  hooks, Clock: clock,
	})
	r.c.Init()
	r.tx.Reset()
	return r
}

// drain ticks the armed timers until the pipeline is idle.
func (r *rig) drain(t *testing.T) {
	t.Helper()
	for n := 0; r.dda.armed || r.dwell.armed; n++ {
		if n > 1000000 {
			t.Fatal("pipeline never went idle")
		}
		if r.dda.armed {
			r.ctl.Raise(irq.LevelTimer, r.s.TickDDA)
		} else {
			r.ctl.Raise(irq.LevelTimer, r.s.TickDwell)
		}
	}
}

// ---------- Task list ----------

func TestController_TaskOrder(t *testing.T) {
	r := newRig(t, 4, Hooks{Homing: func() stat.Status { return stat.NoOp }})
	want := []string{
		"hardResetHandler", "shutdownIdler", "controlDispatch", "alarmHandler",
		"limitSwitchHandler", "feedholdSequencing", "systemAssertions",
		"motorPowerCallback", "statusReportCallback", "queueReportCallback",
		"homingCallback",
		"syncToPlanner", "syncToTxBuffer", "commandDispatch", "normalIdler",
	}
	if got := strings.Join(r.c.Dispatcher().Names(), ","); got != strings.Join(want, ",") {
		t.Errorf("task order:\n got %s\nwant %s", got, strings.Join(want, ","))
	}
}

func TestController_HookBlocksInput(t *testing.T) {
	busy := true
	r := newRig(t, 4, Hooks{Jogging: func() stat.Status {
		if busy {
			return stat.EAGAIN
		}
		return stat.NoOp
	}})
	r.in.lines = []string{"D 0.1"}

	r.c.Dispatcher().RunOnce()
	if len(r.in.lines) != 1 {
		t.Fatal("input read while a continuation was blocking")
	}
	busy = false
	r.c.Dispatcher().RunOnce()
	if len(r.in.lines) != 0 {
		t.Error("input not read once the continuation finished")
	}
}

// ---------- Commands ----------

func TestController_LineRunsToCompletion(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.in.lines = []string{"L 0.02 100"}

	if got := r.c.Dispatcher().RunOnce(); got != -1 {
		t.Fatalf("RunOnce() blocked at %d", got)
	}
	if !r.tx.has(`{"r":{"dc":"L 0.02 100"},"f":[0]}`) {
		t.Errorf("response = %q", r.tx.String())
	}
	if !r.m.InCycle() {
		t.Error("line did not start a cycle")
	}

	r.drain(t)
	if got := r.s.Position(0); got != 100 {
		t.Errorf("Position(0) = %d, want 100", got)
	}
	if got := r.p.AvailableBufferCount(); got != 4 {
		t.Errorf("AvailableBufferCount() = %d, want 4", got)
	}
	if r.m.InCycle() {
		t.Error("cycle still running after drain")
	}
}

func TestController_Responses(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"X 1", `"f":[100]`},
		{"L 0.1", `"f":[110]`},
		{"L nan 1", `"f":[110]`},
		{"D 1e-9", `"f":[0]`},
		{"$clear", `{"r":{},"f":[106]}`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			r := newRig(t, 4, Hooks{})
			r.in.lines = []string{tt.line}
			r.c.Dispatcher().RunOnce()
			if !r.tx.has(tt.want) {
				t.Errorf("response = %q, want %s", r.tx.String(), tt.want)
			}
		})
	}
}

func TestController_ReportRequests(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.in.lines = []string{"?", "$qr"}

	r.c.Dispatcher().RunOnce() // reads "?"
	r.c.Dispatcher().RunOnce() // sends sr, reads "$qr"
	r.c.Dispatcher().RunOnce() // sends qr

	if !r.tx.has(`{"sr":{"stat":"ready","hold":"off","buf":4`) {
		t.Errorf("status report missing: %q", r.tx.String())
	}
	if !r.tx.has(`{"qr":4,"qi":0,"qo":0}`) {
		t.Errorf("queue report missing: %q", r.tx.String())
	}
}

// ---------- Flow control ----------

func TestController_SyncToPlannerHoldsInput(t *testing.T) {
	r := newRig(t, 2, Hooks{})
	r.in.lines = []string{"L 1 1000", "L 1 1000", "D 1"}

	r.c.Dispatcher().RunOnce()
	r.c.Dispatcher().RunOnce()
	if got := r.p.AvailableBufferCount(); got != 0 {
		t.Fatalf("AvailableBufferCount() = %d, want 0", got)
	}

	d := r.c.Dispatcher()
	for i := 0; i < 3; i++ {
		if got := d.RunOnce(); d.Names()[got] != "syncToPlanner" {
			t.Fatalf("pass blocked at %d, want syncToPlanner", got)
		}
	}
	if len(r.in.lines) != 1 {
		t.Errorf("input consumed while the planner was full: %v", r.in.lines)
	}

	// Control characters still get through.
	r.in.ctrl = []string{"!"}
	d.RunOnce()
	if !r.m.InHold() {
		t.Error("feedhold not taken while input was blocked")
	}
}

func TestController_SyncToTxBufferHoldsInput(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.tx.held = 2048
	r.in.lines = []string{"D 0.1"}

	d := r.c.Dispatcher()
	if got := d.RunOnce(); d.Names()[got] != "syncToTxBuffer" {
		t.Fatalf("pass blocked at %d, want syncToTxBuffer", got)
	}
	r.tx.held = 0
	if got := d.RunOnce(); got != -1 {
		t.Errorf("RunOnce() = %d after TX drained", got)
	}
	if len(r.in.lines) != 0 {
		t.Error("line not dispatched after TX drained")
	}
}

// ---------- Feedhold ----------

func holdMidMove(t *testing.T, r *rig) {
	t.Helper()
	r.in.lines = []string{"L 0.1 100"} // 20 segments of 5 steps
	r.c.Dispatcher().RunOnce()

	r.in.ctrl = []string{"!"}
	r.c.Dispatcher().RunOnce()
	r.drain(t)
	r.c.Dispatcher().RunOnce()

	if got := r.m.Snapshot().Hold; got != machine.Holding {
		t.Fatalf("hold = %v, want holding", got)
	}
	if got := r.s.Position(0); got != 10 {
		t.Fatalf("held at %d steps, want 10", got)
	}
}

func TestController_FeedholdThenResume(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	holdMidMove(t, r)

	r.in.ctrl = []string{"~"}
	r.c.Dispatcher().RunOnce()
	if r.m.InHold() {
		t.Fatal("still holding after cycle start")
	}
	r.drain(t)
	if got := r.s.Position(0); got != 100 {
		t.Errorf("Position(0) = %d after resume, want 100", got)
	}
}

func TestController_FeedholdThenFlush(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	holdMidMove(t, r)

	r.in.ctrl = []string{"%"}
	r.c.Dispatcher().RunOnce()

	if got := r.p.AvailableBufferCount(); got != 4 {
		t.Errorf("AvailableBufferCount() = %d after flush, want 4", got)
	}
	if r.m.InHold() || r.m.InCycle() {
		t.Errorf("after flush: hold=%v cycle=%v", r.m.InHold(), r.m.InCycle())
	}
	r.drain(t)
	if got := r.s.Position(0); got != 10 {
		t.Errorf("flushed move kept running: position %d", got)
	}
}

// ---------- Alarms ----------

func TestController_LimitSwitchAlarm(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.in.lines = []string{"L 1 1000"}
	r.c.Dispatcher().RunOnce()
	if !r.s.IsBusy() {
		t.Fatal("line not running")
	}

	r.limits.thrown = true
	r.c.Dispatcher().RunOnce()
	if !r.m.IsAlarmed() {
		t.Fatal("limit switch did not alarm")
	}
	r.c.Dispatcher().RunOnce()

	if r.s.IsBusy() || r.dda.armed {
		t.Error("pulse generator still running after alarm")
	}
	if got := r.p.AvailableBufferCount(); got != 4 {
		t.Errorf("queue not flushed by alarm, available = %d", got)
	}
	if !r.tx.has(`"f":[200]`) {
		t.Errorf("no alarm response: %q", r.tx.String())
	}

	r.in.lines = []string{"D 1"}
	r.c.Dispatcher().RunOnce()
	if !r.tx.has(`{"r":{},"f":[27]}`) {
		t.Errorf("command accepted while alarmed: %q", r.tx.String())
	}

	r.limits.thrown = false
	r.in.lines = []string{"$clear"}
	r.c.Dispatcher().RunOnce()
	if r.m.IsAlarmed() {
		t.Error("$clear did not clear the alarm")
	}
}

func TestController_AssertionAlarms(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.c.magicEnd = 0
	r.c.Dispatcher().RunOnce()
	if got := r.m.Snapshot().Alarm; got != stat.ControllerAssertionFailure {
		t.Errorf("alarm = %v, want controller assertion failure", got)
	}
}

func TestController_ResetClearsAlarm(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.m.HardAlarm(stat.InternalError)
	r.in.ctrl = []string{"\x18"}

	d := r.c.Dispatcher()
	d.RunOnce()
	if got := d.RunOnce(); got != 0 {
		t.Errorf("reset pass blocked at %d, want 0", got)
	}
	if r.m.IsAlarmed() {
		t.Error("still alarmed after reset")
	}
	if !r.tx.has(`{"r":{"msg":"ready"},"f":[0]}`) {
		t.Errorf("no ready banner: %q", r.tx.String())
	}
}

func TestController_ShutdownOnlyHonoursReset(t *testing.T) {
	r := newRig(t, 4, Hooks{})
	r.m.Shutdown(stat.PlannerAssertionFailure)
	r.in.lines = []string{"D 0.5"}
	r.in.ctrl = []string{"~", "\x18"}

	d := r.c.Dispatcher()
	for i := 0; i < 2; i++ {
		if got := d.RunOnce(); got != 1 {
			t.Fatalf("pass %d blocked at %d, want shutdownIdler", i, got)
		}
	}
	if len(r.in.lines) != 1 {
		t.Fatal("input read while shut down")
	}
	if got := d.RunOnce(); got != 0 {
		t.Fatalf("reset pass blocked at %d, want 0", got)
	}
	if got := d.RunOnce(); got != -1 {
		t.Errorf("pass after reset blocked at %d", got)
	}
	if len(r.in.lines) != 0 || r.m.IsShutdown() {
		t.Error("controller did not recover from shutdown")
	}
}
