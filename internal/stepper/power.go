package stepper

import (
	"fmt"

	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/stat"
	"go.uber.org/multierr"
)

// PowerMode is the motor enable policy.
type PowerMode uint8

const (
	Disabled          PowerMode = iota // never energized
	AlwaysPowered                      // energized whenever the machine is up
	PoweredInCycle                     // energized for the whole cycle, then timeout
	PoweredWhenMoving                  // energized only while the motor steps, then timeout
)

// ParsePowerMode maps a configuration name to a PowerMode.
func ParsePowerMode(name string) (PowerMode, error) {
	switch name {
	case "disabled":
		return Disabled, nil
	case "always", "always_powered":
		return AlwaysPowered, nil
	case "", "in_cycle", "powered_in_cycle":
		return PoweredInCycle, nil
	case "when_moving", "powered_when_moving":
		return PoweredWhenMoving, nil
	}
	return 0, fmt.Errorf("unknown power mode %q", name)
}

// PowerState is the power sequencing state of one motor.
type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerIdle
	PowerTimeoutStart
	PowerTimeoutCountdown
)

func (p PowerState) String() string {
	switch p {
	case PowerIdle:
		return "idle"
	case PowerTimeoutStart:
		return "timeout-start"
	case PowerTimeoutCountdown:
		return "countdown"
	default:
		return "off"
	}
}

func (s *Stepper) energize(m int) error {
	if s.cfg.Motors[m].PowerMode == Disabled {
		return s.deenergize(m)
	}
	s.run.mot[m].powerState = PowerTimeoutStart
	return s.out.Energize(m)
}

func (s *Stepper) deenergize(m int) error {
	s.run.mot[m].powerState = PowerOff
	return s.out.Deenergize(m)
}

// EnergizeMotors powers every motor that is not Disabled and restarts its timeout.
func (s *Stepper) EnergizeMotors() error {
	s.irq.Disable()
	defer s.irq.Restore()
	var err error
	for m := 0; m < Motors; m++ {
		err = multierr.Append(err, s.energize(m))
	}
	return err
}

// DeenergizeMotors removes power from every motor.
func (s *Stepper) DeenergizeMotors() error {
	s.irq.Disable()
	defer s.irq.Restore()
	var err error
	for m := 0; m < Motors; m++ {
		err = multierr.Append(err, s.deenergize(m))
	}
	return err
}

// MotorPowerCallback sequences motor power from the dispatcher: it applies
// the Disabled and AlwaysPowered policies, starts a countdown for motors the
// loader energized, and powers them down once the timeout has elapsed. The
// countdown is frozen during a feedhold. Always returns OK.
func (s *Stepper) MotorPowerCallback() stat.Status {
	s.irq.Disable()
	report := false
	now := s.clock.Millis()
	hold := s.machine.InHold()
	timeout := uint32(s.cfg.MotorPowerTimeout.Milliseconds())

	for m := 0; m < Motors; m++ {
		rm := &s.run.mot[m]

		switch s.cfg.Motors[m].PowerMode {
		case Disabled:
			if rm.powerState != PowerOff || s.out.IsEnergized(m) {
				s.outputFault(m, "enable", s.deenergize(m))
			}
			continue
		case AlwaysPowered:
			if !s.out.IsEnergized(m) {
				s.outputFault(m, "enable", s.energize(m))
			}
			continue
		}

		if rm.powerState == PowerTimeoutStart {
			rm.powerState = PowerTimeoutCountdown
			rm.powerDeadline = now + timeout
		}

		if hold {
			continue
		}

		if rm.powerState == PowerTimeoutCountdown && int32(now-rm.powerDeadline) > 0 {
			rm.powerState = PowerIdle
			s.outputFault(m, "enable", s.out.Deenergize(m))
			report = true
			debug.Power(m, "timeout")
		}
	}
	s.irq.Restore()

	if report && s.reports != nil {
		s.reports.RequestStatusReport()
	}
	return stat.OK
}
