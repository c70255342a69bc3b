// Package stepper turns prepared segments into step pulses.
//
// Three interrupt tiers share the state in this package:
//
//	timer  TickDDA / TickDwell    pulse generator, reloads inline at segment end
//	load   loadMove               copies prep state into run state, arms a timer
//	exec   execISR                asks the Executor (planner) to prepare the next segment
//
// The prep state is handed between the exec tier and the load tier through a
// single ownership word. The run state is only written by the timer tier and
// by the loader, and the loader refuses to run while a segment is in flight.
// Main-context callers (dispatcher tasks) go through methods that open an
// irq critical section.
package stepper

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/irq"
	"github.com/cjeanneret/StepGo/internal/stat"
)

// Motors is the number of motor slots handled by the pipeline.
const Motors = 6

// Epsilon is the shortest segment duration in seconds that can be prepared.
const Epsilon = 0.00001

// Vector holds one value per motor, in steps unless stated otherwise.
type Vector [Motors]float64

// Direction is the logical rotation sense written to a DIR output.
type Direction uint8

const (
	DirectionCW  Direction = 0
	DirectionCCW Direction = 1
)

// Owner is the value of the prep-state ownership word.
type Owner int32

const (
	OwnedByPreparer Owner = iota
	OwnedByLoader
)

func (o Owner) String() string {
	if o == OwnedByLoader {
		return "loader"
	}
	return "preparer"
}

// Kind is the type of the prepared segment.
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

// Outputs drives the step, direction and enable lines of every motor slot.
// Slots without hardware are accepted and ignored.
type Outputs interface {
	Step(motor int) error
	SetDirection(motor int, ccw bool) error
	Energize(motor int) error
	Deenergize(motor int) error
	IsEnergized(motor int) bool
}

// Timer is an armable periodic tick source.
type Timer interface {
	Start()
	Stop()
}

// Clock is a monotonic millisecond counter.
type Clock interface {
	Millis() uint32
}

// Executor prepares the next segment from the move queue by calling one of
// the Prep methods. It returns NoOp when there is nothing to prepare.
type Executor interface {
	ExecMove() stat.Status
}

// Machine is the part of the machine state the pipeline needs.
type Machine interface {
	HardAlarm(s stat.Status) stat.Status
	InHold() bool
}

// Reporter receives status report requests.
type Reporter interface {
	RequestStatusReport()
}

// StepCorrection configures the following-error "nudge". Disabled by default.
type StepCorrection struct {
	Enabled   bool
	Threshold float64 // following error in steps that triggers a correction
	Factor    float64 // share of the following error injected
	Max       float64 // largest single correction in steps
	Holdoff   int     // segments to wait after a correction
}

// MotorConfig is the per-motor pipeline configuration.
type MotorConfig struct {
	Polarity  Direction // DirectionCCW inverts the motor
	PowerMode PowerMode
}

// Config holds the pipeline timing and per-motor settings.
type Config struct {
	DDAFrequency      float64 // pulse generator tick rate, Hz
	DwellFrequency    float64 // dwell timer tick rate, Hz
	Substeps          int64   // fixed-point scale of the DDA accumulators
	MotorPowerTimeout time.Duration
	Correction        StepCorrection
	Motors            [Motors]MotorConfig
}

// DefaultConfig returns the stock timing with every motor powered in cycle.
func DefaultConfig() Config {
	cfg := Config{
		DDAFrequency:      50000,
		DwellFrequency:    10000,
		Substeps:          100000,
		MotorPowerTimeout: 2 * time.Second,
	}
	for m := range cfg.Motors {
		cfg.Motors[m].PowerMode = PoweredInCycle
	}
	return cfg
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Outputs    Outputs
	IRQ        *irq.Controller
	DDATimer   Timer
	DwellTimer Timer
	Clock      Clock
	Machine    Machine
	Reports    Reporter
}

type prepMotor struct {
	increment       int64 // substeps added per tick
	direction       Direction
	prevDirection   Direction
	stepSign        int64
	prevSegmentTime float64
	correction      float64 // accumulator rescale ratio
	correctionFlag  bool
	holdoff         int
	correctedSteps  float64
}

type prepState struct {
	magicStart        uint16
	owner             atomic.Int32
	kind              Kind
	ddaTicks          int64
	ddaTicksXSubsteps int64
	command           func()
	mot               [Motors]prepMotor
	magicEnd          uint16
}

type runMotor struct {
	increment     int64
	accumulator   int64
	stepSign      int64
	stepsRun      int64 // signed steps since the last load
	position      int64 // accumulated shadow position
	powerState    PowerState
	powerDeadline uint32
}

type runState struct {
	magicStart        uint16
	downcount         int64
	ddaTicksXSubsteps int64
	mot               [Motors]runMotor
	magicEnd          uint16
}

// Stepper is the segment preparer, segment loader and pulse generator.
type Stepper struct {
	cfg        Config
	out        Outputs
	irq        *irq.Controller
	ddaTimer   Timer
	dwellTimer Timer
	clock      Clock
	machine    Machine
	reports    Reporter
	exec       Executor

	prep prepState
	run  runState

	outputFaults atomic.Uint64
}

// New builds the pipeline and registers its exec and load handlers on d.IRQ.
func New(cfg Config, d Deps) *Stepper {
	s := &Stepper{
		cfg:        cfg,
		out:        d.Outputs,
		irq:        d.IRQ,
		ddaTimer:   d.DDATimer,
		dwellTimer: d.DwellTimer,
		clock:      d.Clock,
		machine:    d.Machine,
		reports:    d.Reports,
	}
	s.prep.magicStart, s.prep.magicEnd = stat.Magic, stat.Magic
	s.run.magicStart, s.run.magicEnd = stat.Magic, stat.Magic
	s.setOwner(OwnedByPreparer)

	s.irq.Register(irq.LevelExec, s.execISR)
	s.irq.Register(irq.LevelLoad, s.loadMove)
	return s
}

// SetExecutor installs the move queue consumer.
func (s *Stepper) SetExecutor(e Executor) {
	s.irq.Disable()
	s.exec = e
	s.irq.Restore()
}

// Config returns the pipeline configuration.
func (s *Stepper) Config() Config {
	return s.cfg
}

// Owner returns the current value of the ownership word.
func (s *Stepper) Owner() Owner {
	return Owner(s.prep.owner.Load())
}

func (s *Stepper) setOwner(o Owner) {
	s.prep.owner.Store(int32(o))
}

// busy reports whether a segment or dwell is in flight.
func (s *Stepper) busy() bool {
	return s.run.downcount != 0
}

// IsBusy reports whether a segment or dwell is in flight.
func (s *Stepper) IsBusy() bool {
	s.irq.Disable()
	defer s.irq.Restore()
	return s.busy()
}

// Reset returns the pipeline to its power-up phase: accumulators cleared,
// previous directions and DIR outputs back to clockwise. Shadow positions
// are kept.
func (s *Stepper) Reset() {
	s.irq.Disable()
	defer s.irq.Restore()
	s.reset()
}

func (s *Stepper) reset() {
	for m := 0; m < Motors; m++ {
		s.prep.mot[m].prevDirection = DirectionCW
		s.prep.mot[m].correctedSteps = 0
		s.run.mot[m].accumulator = 0
		s.outputFault(m, "dir", s.out.SetDirection(m, false))
	}
}

// outputFault counts a failed motor output write. The pulse path never
// stops for one; the count is reported in Snapshot.
func (s *Stepper) outputFault(m int, op string, err error) {
	if err == nil {
		return
	}
	s.outputFaults.Add(1)
	debug.Trace("motor %d %s: %v", m+1, op, err)
}

// FlushIfIdle runs flushQueue and discards the prepared segment inside one
// critical section, but only while no segment is in flight. It reports
// whether the flush happened.
func (s *Stepper) FlushIfIdle(flushQueue func()) bool {
	s.irq.Disable()
	defer s.irq.Restore()
	if s.busy() {
		return false
	}
	if flushQueue != nil {
		flushQueue()
	}
	s.clearPrep()
	return true
}

// Halt stops both timers immediately, abandons the segment in flight and
// the prepared one, then runs flushQueue. Used when the machine alarms.
func (s *Stepper) Halt(flushQueue func()) {
	s.irq.Disable()
	defer s.irq.Restore()
	s.ddaTimer.Stop()
	s.dwellTimer.Stop()
	s.run.downcount = 0
	for m := 0; m < Motors; m++ {
		s.run.mot[m].increment = 0
	}
	if flushQueue != nil {
		flushQueue()
	}
	s.clearPrep()
}

func (s *Stepper) clearPrep() {
	s.prep.kind = KindNull
	s.prep.command = nil
	s.setOwner(OwnedByPreparer)
}

// Assert checks the integrity guards of the prep and run state.
func (s *Stepper) Assert() stat.Status {
	if s.prep.magicStart != stat.Magic || s.prep.magicEnd != stat.Magic ||
		s.run.magicStart != stat.Magic || s.run.magicEnd != stat.Magic {
		return stat.StepperAssertionFailure
	}
	return stat.OK
}

// Position returns the shadow step position of motor m.
func (s *Stepper) Position(m int) int64 {
	s.irq.Disable()
	defer s.irq.Restore()
	return s.run.mot[m].position + s.run.mot[m].stepsRun
}

// Snapshot is a consistent copy of the pipeline state for reports.
type Snapshot struct {
	Busy           bool
	Owner          Owner
	Kind           Kind
	Positions      [Motors]int64
	Power          [Motors]PowerState
	CorrectedSteps [Motors]float64
	OutputFaults   uint64 // failed step, direction and enable writes
}

// Snapshot copies the observable pipeline state.
func (s *Stepper) Snapshot() Snapshot {
	s.irq.Disable()
	defer s.irq.Restore()
	snap := Snapshot{
		Busy:  s.busy(),
		Owner: s.Owner(),
		Kind:  s.prep.kind,

		OutputFaults: s.outputFaults.Load(),
	}
	for m := 0; m < Motors; m++ {
		snap.Positions[m] = s.run.mot[m].position + s.run.mot[m].stepsRun
		snap.Power[m] = s.run.mot[m].powerState
		snap.CorrectedSteps[m] = s.prep.mot[m].correctedSteps
	}
	return snap
}

func isZero(f float64) bool {
	return math.Abs(f) < Epsilon
}
