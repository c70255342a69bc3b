package stepper

import (
	"math"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/irq"
	"github.com/cjeanneret/StepGo/internal/stat"
)

// segmentTimeTolerance is the smallest duration change, in seconds, that
// triggers an accumulator rescale.
const segmentTimeTolerance = 0.0000001

// PrepLine prepares a line segment for the loader. travel is in steps per
// motor (fractional), posErr is the measured following error in steps and
// segmentTime is in seconds. Runs at exec level.
func (s *Stepper) PrepLine(travel, posErr Vector, segmentTime float64) stat.Status {
	p := &s.prep

	switch {
	case s.Owner() != OwnedByPreparer:
		return s.machine.HardAlarm(stat.InternalError)
	case math.IsInf(segmentTime, 0):
		return s.machine.HardAlarm(stat.PrepLineMoveTimeIsInfinite)
	case math.IsNaN(segmentTime):
		return s.machine.HardAlarm(stat.PrepLineMoveTimeIsNaN)
	case segmentTime < Epsilon:
		return stat.MinimumTimeMove
	}

	ticks := SegmentTicks(segmentTime, s.cfg.DDAFrequency)
	if ticks < 1 {
		return stat.MinimumTimeMove
	}
	p.ddaTicks = ticks
	p.ddaTicksXSubsteps = ticks * s.cfg.Substeps

	for m := 0; m < Motors; m++ {
		pm := &p.mot[m]
		t := travel[m]

		// Dormant motors keep their previous segment time and direction.
		if isZero(t) {
			pm.increment = 0
			continue
		}

		if t >= 0 {
			pm.direction = DirectionCW ^ s.cfg.Motors[m].Polarity
			pm.stepSign = 1
		} else {
			pm.direction = DirectionCCW ^ s.cfg.Motors[m].Polarity
			pm.stepSign = -1
		}

		if math.Abs(segmentTime-pm.prevSegmentTime) > segmentTimeTolerance {
			if !isZero(pm.prevSegmentTime) {
				pm.correctionFlag = true
				pm.correction = segmentTime / pm.prevSegmentTime
			}
			pm.prevSegmentTime = segmentTime
		}

		if s.cfg.Correction.Enabled {
			t = s.nudge(pm, t, posErr[m])
		}

		// Round, not truncate: truncation drifts negative over many segments.
		pm.increment = int64(math.Round(math.Abs(t * float64(s.cfg.Substeps))))

		// The pulse generator emits at most one step per tick.
		if pm.increment > p.ddaTicksXSubsteps {
			pm.increment = 0
			debug.Info("motor %d: %.3f steps over %d ticks", m+1, t, ticks)
			return s.machine.HardAlarm(stat.InternalError)
		}
	}

	p.kind = KindLine
	s.setOwner(OwnedByLoader)
	debug.Trace("prep line: %d ticks", ticks)
	return stat.OK
}

// SegmentTicks returns the pulse generator ticks of a segment lasting
// segmentTime seconds at ddaFrequency.
func SegmentTicks(segmentTime, ddaFrequency float64) int64 {
	return int64(math.Round(segmentTime * ddaFrequency))
}

// nudge injects a bounded share of the following error into travel, then
// holds off for the configured number of segments.
func (s *Stepper) nudge(pm *prepMotor, travel, following float64) float64 {
	c := s.cfg.Correction
	pm.holdoff--
	if pm.holdoff >= 0 || math.Abs(following) <= c.Threshold {
		return travel
	}
	pm.holdoff = c.Holdoff

	corr := following * c.Factor
	if corr > 0 {
		corr = min(corr, math.Abs(travel), c.Max)
	} else {
		corr = max(corr, -math.Abs(travel), -c.Max)
	}
	pm.correctedSteps += corr
	return travel - corr
}

// PrepDwell prepares a dwell of the given duration in microseconds.
func (s *Stepper) PrepDwell(microseconds float64) stat.Status {
	if s.Owner() != OwnedByPreparer {
		return s.machine.HardAlarm(stat.InternalError)
	}
	ticks := int64(math.Round(microseconds / 1000000 * s.cfg.DwellFrequency))
	if ticks < 1 {
		ticks = 1
	}
	s.prep.ddaTicks = ticks
	s.prep.kind = KindDwell
	s.setOwner(OwnedByLoader)
	return stat.OK
}

// PrepCommand stages fn to run in the loader, in sequence with motion.
func (s *Stepper) PrepCommand(fn func()) stat.Status {
	if s.Owner() != OwnedByPreparer {
		return s.machine.HardAlarm(stat.InternalError)
	}
	s.prep.command = fn
	s.prep.kind = KindCommand
	s.setOwner(OwnedByLoader)
	return stat.OK
}

// PrepNull leaves nothing for the loader and keeps ownership with the preparer.
func (s *Stepper) PrepNull() {
	s.prep.kind = KindNull
	s.prep.command = nil
	s.setOwner(OwnedByPreparer)
}

// RequestExecMove asks for a prepare pass if the preparer owns the prep state.
func (s *Stepper) RequestExecMove() {
	if s.Owner() == OwnedByPreparer {
		s.irq.Trigger(irq.LevelExec)
	}
}

func (s *Stepper) execISR() {
	if s.Owner() != OwnedByPreparer || s.exec == nil {
		return
	}
	if s.exec.ExecMove() != stat.NoOp {
		s.setOwner(OwnedByLoader)
		s.requestLoadMove()
	}
}

// requestLoadMove fires the loader unless a segment is in flight, in which
// case the pulse generator loads inline when it finishes.
func (s *Stepper) requestLoadMove() {
	if s.busy() {
		return
	}
	if s.Owner() == OwnedByLoader {
		s.irq.Trigger(irq.LevelLoad)
	}
}
