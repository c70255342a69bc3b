package stepper

import (
	"errors"
	"math"
	"testing"

	"github.com/cjeanneret/StepGo/internal/irq"
	"github.com/cjeanneret/StepGo/internal/stat"
)

// ---------- fakes ----------

type fakeOutputs struct {
	steps         [Motors]int
	dirs          [Motors][]bool
	energized     [Motors]bool
	energizeCalls [Motors]int
	fail          error // returned by every write once set
}

func (o *fakeOutputs) Step(m int) error { o.steps[m]++; return o.fail }
func (o *fakeOutputs) SetDirection(m int, ccw bool) error {
	o.dirs[m] = append(o.dirs[m], ccw)
	return o.fail
}
func (o *fakeOutputs) Energize(m int) error {
	o.energized[m] = true
	o.energizeCalls[m]++
	return o.fail
}
func (o *fakeOutputs) Deenergize(m int) error { o.energized[m] = false; return o.fail }
func (o *fakeOutputs) IsEnergized(m int) bool { return o.energized[m] }

type fakeTimer struct {
	armed  bool
	starts int
}

func (t *fakeTimer) Start() { t.armed = true; t.starts++ }
func (t *fakeTimer) Stop()  { t.armed = false }

type fakeClock struct{ now uint32 }

func (c *fakeClock) Millis() uint32 { return c.now }

type fakeMachine struct {
	alarms []stat.Status
	hold   bool
}

func (m *fakeMachine) HardAlarm(s stat.Status) stat.Status {
	m.alarms = append(m.alarms, s)
	return s
}
func (m *fakeMachine) InHold() bool { return m.hold }

type fakeReporter struct{ requests int }

func (r *fakeReporter) RequestStatusReport() { r.requests++ }

type harness struct {
	out     *fakeOutputs
	dda     *fakeTimer
	dwell   *fakeTimer
	clock   *fakeClock
	machine *fakeMachine
	reports *fakeReporter
}

func newTestStepper(cfg Config) (*Stepper, *harness) {
	h := &harness{
		out:     &fakeOutputs{},
		dda:     &fakeTimer{},
		dwell:   &fakeTimer{},
		clock:   &fakeClock{},
		machine: &fakeMachine{},
		reports: &fakeReporter{},
	}
	s := New(cfg, Deps{
		Outputs:    h.out,
		IRQ:        irq.New(),
		DDATimer:   h.dda,
		DwellTimer: h.dwell,
		Clock:      h.clock,
		Machine:    h.machine,
		Reports:    h.reports,
	})
	return s, h
}

// runTicks drives the armed timers until both are idle and returns the tick count.
func (h *harness) runTicks(s *Stepper) int {
	n := 0
	for (h.dda.armed || h.dwell.armed) && n < 10000000 {
		if h.dda.armed {
			s.TickDDA()
		} else {
			s.TickDwell()
		}
		n++
	}
	return n
}

// ticks returns the segment time of n pulse generator ticks at the default rate.
func ticks(n int) float64 {
	return float64(n) / DefaultConfig().DDAFrequency
}

func line(motor int, steps float64) Vector {
	var v Vector
	v[motor] = steps
	return v
}

// playLine prepares, loads and plays one line segment, returning steps emitted on motor.
func playLine(t *testing.T, s *Stepper, h *harness, motor int, travel float64, segTime float64) int {
	t.Helper()
	before := h.out.steps[motor]
	if st := s.PrepLine(line(motor, travel), Vector{}, segTime); st != stat.OK {
		t.Fatalf("PrepLine(%v, %v) = %v, want OK", travel, segTime, st)
	}
	s.loadMove()
	h.runTicks(s)
	return h.out.steps[motor] - before
}

// ---------- Preparer validation ----------

func TestPrepLine_NonFiniteDurationAlarms(t *testing.T) {
	tests := []struct {
		name string
		dur  float64
		want stat.Status
	}{
		{"+inf", math.Inf(1), stat.PrepLineMoveTimeIsInfinite},
		{"-inf", math.Inf(-1), stat.PrepLineMoveTimeIsInfinite},
		{"nan", math.NaN(), stat.PrepLineMoveTimeIsNaN},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, h := newTestStepper(DefaultConfig())

			got := s.PrepLine(line(0, 10), Vector{}, tt.dur)

			if got != tt.want {
				t.Errorf("PrepLine() = %v, want %v", got, tt.want)
			}
			if len(h.machine.alarms) != 1 || h.machine.alarms[0] != tt.want {
				t.Errorf("alarms = %v, want [%v]", h.machine.alarms, tt.want)
			}
			if s.Owner() != OwnedByPreparer {
				t.Errorf("owner = %v, want preparer (prep must not be marked ready)", s.Owner())
			}
			if s.prep.kind != KindNull {
				t.Errorf("kind = %v, want null", s.prep.kind)
			}
		})
	}
}

func TestPrepLine_MinimumTimeMove(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	if got := s.PrepLine(line(0, 1), Vector{}, 1e-9); got != stat.MinimumTimeMove {
		t.Errorf("PrepLine(1e-9) = %v, want %v", got, stat.MinimumTimeMove)
	}
	if len(h.machine.alarms) != 0 {
		t.Errorf("minimum time move raised alarms %v", h.machine.alarms)
	}
	if s.Owner() != OwnedByPreparer {
		t.Errorf("owner = %v, want preparer", s.Owner())
	}
}

func TestPrepLine_RefusedWhileLoaderOwns(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	if st := s.PrepLine(line(0, 1), Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("first PrepLine = %v", st)
	}
	if st := s.PrepLine(line(0, 1), Vector{}, ticks(100)); st != stat.InternalError {
		t.Errorf("second PrepLine = %v, want %v", st, stat.InternalError)
	}
	if len(h.machine.alarms) != 1 {
		t.Errorf("alarms = %v, want one internal error", h.machine.alarms)
	}
}

func TestPrepLine_DirectionAndPolarity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Motors[1].Polarity = DirectionCCW
	s, _ := newTestStepper(cfg)

	var travel Vector
	travel[0] = -3
	travel[1] = 3
	if st := s.PrepLine(travel, Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}

	if d := s.prep.mot[0].direction; d != DirectionCCW {
		t.Errorf("motor 1 direction = %v, want CCW", d)
	}
	if sign := s.prep.mot[0].stepSign; sign != -1 {
		t.Errorf("motor 1 step sign = %d, want -1", sign)
	}
	if d := s.prep.mot[1].direction; d != DirectionCCW {
		t.Errorf("motor 2 (inverted) direction = %v, want CCW", d)
	}
	if sign := s.prep.mot[1].stepSign; sign != 1 {
		t.Errorf("motor 2 step sign = %d, want 1", sign)
	}
	if inc := s.prep.mot[0].increment; inc != 300000 {
		t.Errorf("motor 1 increment = %d, want 300000", inc)
	}
}

func TestPrepLine_MoreStepsThanTicksAlarms(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	if st := s.PrepLine(line(0, 101), Vector{}, ticks(100)); st != stat.InternalError {
		t.Fatalf("PrepLine(101 steps, 100 ticks) = %v, want %v", st, stat.InternalError)
	}
	if len(h.machine.alarms) != 1 || h.machine.alarms[0] != stat.InternalError {
		t.Errorf("alarms = %v, want one internal error", h.machine.alarms)
	}
	if s.Owner() != OwnedByPreparer || s.prep.mot[0].increment != 0 {
		t.Errorf("owner=%v increment=%d, want preparer and no staged increment", s.Owner(), s.prep.mot[0].increment)
	}
}

func TestDDA_OneStepPerTickKeepsPhase(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	if got := playLine(t, s, h, 0, 100, ticks(100)); got != 100 {
		t.Errorf("full rate segment: %d steps, want 100", got)
	}
	if got := playLine(t, s, h, 0, 1, ticks(100)); got != 1 {
		t.Errorf("following 1-step segment: %d steps, want 1", got)
	}
	if acc := s.run.mot[0].accumulator; acc > 0 || acc <= -s.run.ddaTicksXSubsteps {
		t.Errorf("accumulator = %d, want within one segment scale", acc)
	}
}

// ---------- Pulse generator ----------

func TestDDA_Conservation(t *testing.T) {
	for _, travel := range []float64{0.3, 1, 7.25, 49.9, 99} {
		s, h := newTestStepper(DefaultConfig())
		want := int(math.Round(travel))

		got := playLine(t, s, h, 0, travel, ticks(100))

		if d := got - want; d < -1 || d > 1 {
			t.Errorf("travel %v over 100 ticks: %d steps, want %d ±1", travel, got, want)
		}
	}
}

func TestDDA_ConservationAcrossSplitSegments(t *testing.T) {
	for _, travel := range []float64{0.3, 7.25, 49.9} {
		whole, hw := newTestStepper(DefaultConfig())
		a := playLine(t, whole, hw, 0, travel, ticks(100))

		split, hs := newTestStepper(DefaultConfig())
		b := playLine(t, split, hs, 0, travel/2, ticks(50))
		b += playLine(t, split, hs, 0, travel/2, ticks(50))

		want := int(math.Round(travel))
		if d := b - want; d < -1 || d > 1 {
			t.Errorf("travel %v in two halves: %d steps, want %d ±1", travel, b, want)
		}
		if d := a - b; d < -1 || d > 1 {
			t.Errorf("travel %v: whole=%d split=%d, differ by more than 1", travel, a, b)
		}
	}
}

func TestDDA_ReversalIdentity(t *testing.T) {
	for _, lead := range []float64{0, 0.25, 0.5, 4} {
		for _, travel := range []float64{10, 3, 0.25, 10.5} {
			s, h := newTestStepper(DefaultConfig())
			start := 0
			if lead != 0 {
				start = playLine(t, s, h, 0, lead, ticks(100))
			}

			fwd := playLine(t, s, h, 0, travel, ticks(100))
			rev := playLine(t, s, h, 0, -travel, ticks(100))

			if fwd != rev {
				t.Errorf("lead %v, travel %v: forward=%d reverse=%d", lead, travel, fwd, rev)
			}
			if pos := s.Position(0); pos != int64(start) {
				t.Errorf("lead %v, travel %v: Position(0) = %d, want %d", lead, travel, pos, start)
			}
			dirs := h.out.dirs[0]
			if len(dirs) == 0 || !dirs[len(dirs)-1] {
				t.Errorf("direction writes = %v, want last write CCW", dirs)
			}
		}
	}
}

func TestDDA_ReversalRoundTripsFromFreshState(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	for i := 0; i < 3; i++ {
		playLine(t, s, h, 0, 10, ticks(100))
		playLine(t, s, h, 0, -10, ticks(100))
	}

	if pos := s.Position(0); pos != 0 {
		t.Errorf("Position(0) after three round trips = %d, want 0", pos)
	}
	if h.out.steps[0] != 60 {
		t.Errorf("steps = %d, want 60", h.out.steps[0])
	}
}

func TestOutputFaults_CountedWithoutStoppingPulses(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())
	h.out.fail = errors.New("line busy")

	// dir, 10 steps, and enable on all six in-cycle motors
	playLine(t, s, h, 0, -10, ticks(100))

	if pos := s.Position(0); pos != -10 {
		t.Errorf("Position(0) = %d, want -10", pos)
	}
	if got := s.Snapshot().OutputFaults; got != 17 {
		t.Errorf("OutputFaults = %d, want 17", got)
	}
	if len(h.machine.alarms) != 0 {
		t.Errorf("alarms = %v, want none", h.machine.alarms)
	}

	h.out.fail = nil
	s.Reset()
	if got := s.Snapshot().OutputFaults; got != 17 {
		t.Errorf("OutputFaults after clean reset = %d, want 17", got)
	}
}

func TestLoad_AccumulatorCorrectionOnTimeChange(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	playLine(t, s, h, 0, 5.25, ticks(100))
	if acc := s.run.mot[0].accumulator; acc != -7500000 {
		t.Fatalf("accumulator after first segment = %d, want -7500000", acc)
	}

	if st := s.PrepLine(line(0, 1), Vector{}, ticks(50)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	if !s.prep.mot[0].correctionFlag || s.prep.mot[0].correction != 0.5 {
		t.Fatalf("correction = %v (flag %v), want 0.5 set", s.prep.mot[0].correction, s.prep.mot[0].correctionFlag)
	}
	s.loadMove()

	if acc := s.run.mot[0].accumulator; acc != -3750000 {
		t.Errorf("rescaled accumulator = %d, want -3750000", acc)
	}
	if s.prep.mot[0].correctionFlag {
		t.Error("correction flag not cleared by loader")
	}
}

func TestPrepLine_DormantMotorKeepsSegmentTime(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	playLine(t, s, h, 1, 2, ticks(100))
	playLine(t, s, h, 0, 2, ticks(50)) // motor 2 idle at a different duration

	if st := s.PrepLine(line(1, 2), Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	if s.prep.mot[1].correctionFlag {
		t.Error("dormant motor compared against an idle segment")
	}
}

func TestPrepLine_StepCorrectionNudge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Correction = StepCorrection{Enabled: true, Threshold: 2, Factor: 0.25, Max: 0.6, Holdoff: 5}
	s, h := newTestStepper(cfg)

	if st := s.PrepLine(line(0, 10), line(0, 4), ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	if inc := s.prep.mot[0].increment; inc != 940000 {
		t.Errorf("corrected increment = %d, want 940000", inc)
	}
	if c := s.prep.mot[0].correctedSteps; math.Abs(c-0.6) > 1e-9 {
		t.Errorf("corrected steps = %v, want 0.6", c)
	}
	s.loadMove()
	h.runTicks(s)

	// inside the holdoff window: no further correction
	if st := s.PrepLine(line(0, 10), line(0, 4), ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	if inc := s.prep.mot[0].increment; inc != 1000000 {
		t.Errorf("increment during holdoff = %d, want 1000000", inc)
	}
}

func TestPrepLine_StepCorrectionClampedToTravel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Correction = StepCorrection{Enabled: true, Threshold: 2, Factor: 1, Max: 5, Holdoff: 5}
	s, _ := newTestStepper(cfg)

	if st := s.PrepLine(line(0, 0.5), line(0, -3), ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	if c := s.prep.mot[0].correctedSteps; c != -0.5 {
		t.Errorf("corrected steps = %v, want -0.5 (clamped to travel)", c)
	}
	if inc := s.prep.mot[0].increment; inc != 100000 {
		t.Errorf("increment = %d, want 100000", inc)
	}
}

// ---------- Loader ----------

func TestLoad_NoOpWhileBusyThenInline(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	if st := s.PrepLine(line(0, 4), Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	s.loadMove()
	if !s.IsBusy() {
		t.Fatal("runtime not busy after load")
	}

	if st := s.PrepLine(line(0, 6), Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("second PrepLine = %v", st)
	}
	downcount := s.run.downcount
	s.loadMove()
	if s.run.downcount != downcount || s.Owner() != OwnedByLoader {
		t.Fatal("loader ran while a segment was in flight")
	}

	n := h.runTicks(s)

	if n != 200 {
		t.Errorf("ticks = %d, want 200 (second segment loaded inline)", n)
	}
	if h.out.steps[0] != 10 {
		t.Errorf("steps = %d, want 10", h.out.steps[0])
	}
	if s.Owner() != OwnedByPreparer || s.IsBusy() {
		t.Errorf("owner=%v busy=%v after drain, want preparer and idle", s.Owner(), s.IsBusy())
	}
}

func TestLoad_Dwell(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	if st := s.PrepDwell(1000000); st != stat.OK {
		t.Fatalf("PrepDwell = %v", st)
	}
	s.loadMove()
	if !h.dwell.armed || h.dda.armed {
		t.Fatalf("dwell armed=%v dda armed=%v, want only dwell", h.dwell.armed, h.dda.armed)
	}

	n := h.runTicks(s)

	if n != 10000 {
		t.Errorf("dwell ticks = %d, want 10000", n)
	}
	for m := 0; m < Motors; m++ {
		if h.out.steps[m] != 0 {
			t.Errorf("motor %d stepped during dwell", m+1)
		}
	}
}

func TestLoad_CommandRunsOnce(t *testing.T) {
	s, _ := newTestStepper(DefaultConfig())
	calls := 0

	if st := s.PrepCommand(func() { calls++ }); st != stat.OK {
		t.Fatalf("PrepCommand = %v", st)
	}
	s.loadMove()
	s.loadMove()

	if calls != 1 {
		t.Errorf("command ran %d times, want 1", calls)
	}
	if s.Owner() != OwnedByPreparer {
		t.Errorf("owner = %v, want preparer", s.Owner())
	}
}

func TestLoad_NullKeepsLoaderHappy(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())

	s.setOwner(OwnedByLoader) // exec returned something other than NoOp without preparing
	s.loadMove()

	if s.Owner() != OwnedByPreparer {
		t.Errorf("owner = %v, want preparer", s.Owner())
	}
	if h.dda.armed || h.dwell.armed {
		t.Error("null segment armed a timer")
	}
}

// ---------- Exec-driven pipeline ----------

type scriptedExec struct {
	s          *Stepper
	segments   []float64
	calls      int
	violations int
}

func (e *scriptedExec) ExecMove() stat.Status {
	e.calls++
	if e.s.Owner() != OwnedByPreparer {
		e.violations++
	}
	if len(e.segments) == 0 {
		return stat.NoOp
	}
	travel := e.segments[0]
	e.segments = e.segments[1:]
	return e.s.PrepLine(line(0, travel), Vector{}, ticks(100))
}

func TestPipeline_DrainsThroughExecAndLoader(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())
	exec := &scriptedExec{s: s, segments: []float64{3, 3, -2, 5}}
	s.SetExecutor(exec)

	s.RequestExecMove()
	if !s.IsBusy() {
		t.Fatal("first segment not loaded by exec request")
	}
	if s.Owner() != OwnedByLoader {
		t.Errorf("owner = %v, want loader (second segment staged)", s.Owner())
	}

	n := h.runTicks(s)

	if n != 400 {
		t.Errorf("ticks = %d, want 400", n)
	}
	if pos := s.Position(0); pos != 9 {
		t.Errorf("Position(0) = %d, want 9", pos)
	}
	if exec.violations != 0 {
		t.Errorf("exec ran %d times while the loader owned the prep state", exec.violations)
	}
	if s.Owner() != OwnedByPreparer {
		t.Errorf("owner after drain = %v, want preparer", s.Owner())
	}
}

// ---------- Housekeeping ----------

func TestFlushIfIdle(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())
	flushed := 0

	if st := s.PrepLine(line(0, 1), Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	s.loadMove()
	if s.FlushIfIdle(func() { flushed++ }) {
		t.Error("FlushIfIdle ran while a segment was in flight")
	}

	h.runTicks(s)
	if !s.FlushIfIdle(func() { flushed++ }) {
		t.Error("FlushIfIdle refused while idle")
	}
	if flushed != 1 {
		t.Errorf("flush ran %d times, want 1", flushed)
	}
}

func TestHalt_AbandonsSegment(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())
	flushed := false

	if st := s.PrepLine(line(0, 10), Vector{}, ticks(100)); st != stat.OK {
		t.Fatalf("PrepLine = %v", st)
	}
	s.loadMove()
	s.TickDDA()
	s.Halt(func() { flushed = true })

	if h.dda.armed || s.IsBusy() {
		t.Error("pulse generator still running after Halt")
	}
	if !flushed {
		t.Error("Halt did not flush the queue")
	}
	if s.Owner() != OwnedByPreparer {
		t.Errorf("owner = %v, want preparer", s.Owner())
	}
}

func TestReset_ClearsPhaseAndDirections(t *testing.T) {
	s, h := newTestStepper(DefaultConfig())
	playLine(t, s, h, 0, -2.5, ticks(100))

	s.Reset()

	if acc := s.run.mot[0].accumulator; acc != 0 {
		t.Errorf("accumulator = %d, want 0", acc)
	}
	if d := s.prep.mot[0].prevDirection; d != DirectionCW {
		t.Errorf("prevDirection = %v, want CW", d)
	}
	dirs := h.out.dirs[0]
	if len(dirs) == 0 || dirs[len(dirs)-1] {
		t.Errorf("direction writes = %v, want last write CW", dirs)
	}
	if pos := s.Position(0); pos != -2 {
		t.Errorf("Position(0) = %d, want -2 (kept across reset)", pos)
	}
}

func TestAssert_DetectsCorruption(t *testing.T) {
	s, _ := newTestStepper(DefaultConfig())
	if st := s.Assert(); st != stat.OK {
		t.Fatalf("Assert() = %v on fresh state", st)
	}

	s.run.magicEnd = 0

	if st := s.Assert(); st != stat.StepperAssertionFailure {
		t.Errorf("Assert() = %v, want %v", st, stat.StepperAssertionFailure)
	}
}
