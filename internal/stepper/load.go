package stepper

// loadMove moves the prepared segment into the run state and arms the
// matching timer. It runs at load level, or inline from the pulse
// generator at segment end, and is a no-op while a segment is in flight
// or when the loader does not own the prep state.
func (s *Stepper) loadMove() {
	if s.busy() {
		return
	}
	if s.Owner() != OwnedByLoader {
		return
	}

	p := &s.prep
	r := &s.run

	switch p.kind {
	case KindLine:
		r.downcount = p.ddaTicks
		r.ddaTicksXSubsteps = p.ddaTicksXSubsteps

		for m := 0; m < Motors; m++ {
			pm := &p.mot[m]
			rm := &r.mot[m]

			rm.increment = pm.increment
			if rm.increment != 0 {
				if pm.correctionFlag {
					pm.correctionFlag = false
					rm.accumulator = int64(float64(rm.accumulator) * pm.correction)
				}

				// Reflect the accumulator about the midpoint of its range
				// (-S, 0] so the substep phase carries across the reversal.
				// A step fires above 0, hence the +1.
				if pm.direction != pm.prevDirection {
					pm.prevDirection = pm.direction
					rm.accumulator = 1 - r.ddaTicksXSubsteps - rm.accumulator
					s.outputFault(m, "dir", s.out.SetDirection(m, pm.direction == DirectionCCW))
				}

				rm.stepSign = pm.stepSign
				s.outputFault(m, "enable", s.energize(m))
			} else if s.cfg.Motors[m].PowerMode == PoweredInCycle {
				s.outputFault(m, "enable", s.energize(m))
			}

			rm.position += rm.stepsRun
			rm.stepsRun = 0
		}
		s.ddaTimer.Start()

	case KindDwell:
		r.downcount = p.ddaTicks
		s.dwellTimer.Start()

	case KindCommand:
		if p.command != nil {
			p.command()
		}
	}

	p.command = nil
	p.kind = KindNull
	s.setOwner(OwnedByPreparer)
	s.RequestExecMove()
}

// TickDDA is one pulse generator tick. Runs at timer level.
func (s *Stepper) TickDDA() {
	r := &s.run
	if r.downcount == 0 {
		s.ddaTimer.Stop()
		return
	}

	for m := 0; m < Motors; m++ {
		rm := &r.mot[m]
		if rm.increment == 0 {
			continue
		}
		rm.accumulator += rm.increment
		if rm.accumulator > 0 {
			s.outputFault(m, "step", s.out.Step(m))
			rm.accumulator -= r.ddaTicksXSubsteps
			rm.stepsRun += rm.stepSign
		}
	}

	r.downcount--
	if r.downcount == 0 {
		s.ddaTimer.Stop()
		s.loadMove()
	}
}

// TickDwell is one dwell timer tick. Runs at timer level.
func (s *Stepper) TickDwell() {
	r := &s.run
	if r.downcount == 0 {
		s.dwellTimer.Stop()
		return
	}
	r.downcount--
	if r.downcount == 0 {
		s.dwellTimer.Stop()
		s.loadMove()
	}
}
