package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/StepGo/internal/hw/motor"
	"github.com/cjeanneret/StepGo/internal/hw/output"
	"github.com/cjeanneret/StepGo/internal/hw/serial"
	"github.com/cjeanneret/StepGo/internal/hw/switches"
	"github.com/cjeanneret/StepGo/internal/logic/program"
	"github.com/cjeanneret/StepGo/internal/logic/units"
	"github.com/cjeanneret/StepGo/internal/planner"
	"github.com/cjeanneret/StepGo/internal/stepper"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// MotorConfig holds the wiring and drive train of one motor slot.
type MotorConfig struct {
	StepPin      int     `yaml:"step_pin"`
	DirPin       int     `yaml:"dir_pin"`
	EnablePin    int     `yaml:"enable_pin"` // driver ENABLE pin (BCM). 0 = not used. Active LOW.
	Inverted     bool    `yaml:"inverted"`   // swap the meaning of the direction line
	PowerMode    string  `yaml:"power_mode"` // disabled, always, in_cycle, when_moving
	StepsPerRev  int     `yaml:"steps_per_rev"`
	Microsteps   int     `yaml:"microsteps"`
	TravelPerRev float64 `yaml:"travel_per_rev"` // machine units per revolution, 0 = steps only
}

// CorrectionConfig tunes the following-error correction of the preparer.
type CorrectionConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	Factor    float64 `yaml:"factor"`
	Max       float64 `yaml:"max"`
	Holdoff   int     `yaml:"holdoff"`
}

// StepperConfig holds the pulse generator timing.
type StepperConfig struct {
	DDAFrequencyHz     float64          `yaml:"dda_frequency_hz"`
	DwellFrequencyHz   float64          `yaml:"dwell_frequency_hz"`
	Substeps           int64            `yaml:"substeps"`
	MotorPowerTimeoutS float64          `yaml:"motor_power_timeout_s"`
	StepCorrection     CorrectionConfig `yaml:"step_correction"`
}

// PlannerConfig sizes the move queue.
type PlannerConfig struct {
	PoolSize       int     `yaml:"pool_size"`
	BufferHeadroom int     `yaml:"buffer_headroom"` // free buffers required before reading input
	SegmentTimeS   float64 `yaml:"segment_time_s"`
}

// TransportConfig describes the host link. An empty device means stdin/stdout.
type TransportConfig struct {
	Device        string `yaml:"device"`
	Baud          int    `yaml:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	TxWatermark   int    `yaml:"tx_watermark"`
}

// ReportConfig controls status and queue reports.
type ReportConfig struct {
	StatusIntervalMs    int  `yaml:"status_interval_ms"`
	QueueReports        bool `yaml:"queue_reports"`
	HeartbeatIntervalMs int  `yaml:"heartbeat_interval_ms"`
}

// SwitchConfig is one limit switch input.
type SwitchConfig struct {
	Pin        int  `yaml:"pin"`
	ActiveHigh bool `yaml:"active_high"`
}

// OutputConfig is one auxiliary output line.
type OutputConfig struct {
	Name      string `yaml:"name"`
	Pin       int    `yaml:"pin"`
	ActiveLow bool   `yaml:"active_low"`
}

// RasterConfig describes the built-in serpentine program.
type RasterConfig struct {
	Columns     int     `yaml:"columns"`
	Rows        int     `yaml:"rows"`
	ColumnMotor int     `yaml:"column_motor"`
	RowMotor    int     `yaml:"row_motor"`
	ColumnStep  float64 `yaml:"column_step"`
	RowStep     float64 `yaml:"row_step"`
	MoveTimeS   float64 `yaml:"move_time_s"`
	SettleS     float64 `yaml:"settle_s"`
	Trigger     *int    `yaml:"trigger"` // output pulsed at every point, unset for none
	HoldS       float64 `yaml:"hold_s"`
}

// WebConfig configures the monitoring server.
type WebConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Motors    []MotorConfig   `yaml:"motors"`
	Stepper   StepperConfig   `yaml:"stepper"`
	Planner   PlannerConfig   `yaml:"planner"`
	Transport TransportConfig `yaml:"transport"`
	Report    ReportConfig    `yaml:"report"`
	Limits    []SwitchConfig  `yaml:"limits"`
	Outputs   []OutputConfig  `yaml:"outputs"`
	Raster    *RasterConfig   `yaml:"raster,omitempty"` // optional
	Web       WebConfig       `yaml:"web"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have a .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Stepper.DDAFrequencyHz <= 0 {
		c.Stepper.DDAFrequencyHz = 50000
	}
	if c.Stepper.DwellFrequencyHz <= 0 {
		c.Stepper.DwellFrequencyHz = 10000
	}
	if c.Stepper.Substeps <= 0 {
		c.Stepper.Substeps = 100000
	}
	if c.Stepper.MotorPowerTimeoutS <= 0 {
		c.Stepper.MotorPowerTimeoutS = 2
	}
	if c.Planner.PoolSize <= 0 {
		c.Planner.PoolSize = planner.DefaultConfig().PoolSize
	}
	if c.Planner.BufferHeadroom <= 0 {
		c.Planner.BufferHeadroom = 1
	}
	if c.Planner.SegmentTimeS <= 0 {
		c.Planner.SegmentTimeS = planner.DefaultConfig().SegmentTime
	}
	if c.Transport.Baud <= 0 {
		c.Transport.Baud = 115200
	}
	if c.Transport.TxWatermark <= 0 {
		c.Transport.TxWatermark = 4096
	}
	if c.Report.StatusIntervalMs <= 0 {
		c.Report.StatusIntervalMs = 250
	}
	for i := range c.Motors {
		if c.Motors[i].PowerMode == "" {
			c.Motors[i].PowerMode = "in_cycle"
		}
	}
}

// Validate checks ranges that the defaults cannot fix.
func (c *Config) Validate() error {
	if len(c.Motors) == 0 {
		return errors.New("at least one motor is required")
	}
	if len(c.Motors) > stepper.Motors {
		return fmt.Errorf("at most %d motors are supported, got %d", stepper.Motors, len(c.Motors))
	}
	for i, m := range c.Motors {
		if m.StepPin <= 0 || m.DirPin <= 0 {
			return fmt.Errorf("motors[%d]: step_pin and dir_pin are required", i)
		}
		if _, err := stepper.ParsePowerMode(m.PowerMode); err != nil {
			return fmt.Errorf("motors[%d]: %w", i, err)
		}
		if m.TravelPerRev != 0 && m.StepsPerRev <= 0 {
			return fmt.Errorf("motors[%d]: travel_per_rev needs steps_per_rev", i)
		}
	}
	if c.Planner.PoolSize < 2 {
		return fmt.Errorf("planner.pool_size must be >= 2, got %d", c.Planner.PoolSize)
	}
	if c.Planner.BufferHeadroom >= c.Planner.PoolSize {
		return fmt.Errorf("planner.buffer_headroom must be < pool_size, got %d", c.Planner.BufferHeadroom)
	}
	if ticks := c.Planner.SegmentTimeS * c.Stepper.DDAFrequencyHz; ticks < 1 || math.IsInf(ticks, 0) {
		return fmt.Errorf("planner.segment_time_s %.6f is shorter than one DDA tick", c.Planner.SegmentTimeS)
	}
	if r := c.Raster; r != nil {
		if r.ColumnMotor >= len(c.Motors) || r.RowMotor >= len(c.Motors) {
			return errors.New("raster motors must be configured motors")
		}
		if r.Trigger != nil && *r.Trigger >= len(c.Outputs) {
			return fmt.Errorf("raster.trigger %d is not a configured output", *r.Trigger)
		}
	}
	return nil
}

// StepperConfig returns the pulse generator configuration.
func (c *Config) StepperConfig() stepper.Config {
	cfg := stepper.Config{
		DDAFrequency:      c.Stepper.DDAFrequencyHz,
		DwellFrequency:    c.Stepper.DwellFrequencyHz,
		Substeps:          c.Stepper.Substeps,
		MotorPowerTimeout: c.MotorPowerTimeout(),
		Correction: stepper.StepCorrection{
			Enabled:   c.Stepper.StepCorrection.Enabled,
			Threshold: c.Stepper.StepCorrection.Threshold,
			Factor:    c.Stepper.StepCorrection.Factor,
			Max:       c.Stepper.StepCorrection.Max,
			Holdoff:   c.Stepper.StepCorrection.Holdoff,
		},
	}
	// Unwired slots stay Disabled.
	for i, m := range c.Motors {
		mode, _ := stepper.ParsePowerMode(m.PowerMode)
		cfg.Motors[i].PowerMode = mode
		if m.Inverted {
			cfg.Motors[i].Polarity = stepper.DirectionCCW
		}
	}
	return cfg
}

// PlannerConfig returns the move queue configuration.
func (c *Config) PlannerConfig() planner.Config {
	return planner.Config{
		PoolSize:     c.Planner.PoolSize,
		SegmentTime:  c.Planner.SegmentTimeS,
		DDAFrequency: c.Stepper.DDAFrequencyHz,
	}
}

// MotorPins returns the driver wiring of every configured motor.
func (c *Config) MotorPins() []motor.Config {
	out := make([]motor.Config, len(c.Motors))
	for i, m := range c.Motors {
		out[i] = motor.Config{StepPin: m.StepPin, DirPin: m.DirPin, EnablePin: m.EnablePin}
	}
	return out
}

// Axes returns the drive train of every configured motor.
func (c *Config) Axes() []units.Axis {
	out := make([]units.Axis, len(c.Motors))
	for i, m := range c.Motors {
		out[i] = units.Axis{StepsPerRev: m.StepsPerRev, Microsteps: m.Microsteps, TravelPerRev: m.TravelPerRev}
	}
	return out
}

// LimitSwitches returns the limit switch inputs.
func (c *Config) LimitSwitches() []switches.Config {
	out := make([]switches.Config, len(c.Limits))
	for i, l := range c.Limits {
		out[i] = switches.Config{Pin: l.Pin, ActiveHigh: l.ActiveHigh}
	}
	return out
}

// OutputLines returns the auxiliary outputs.
func (c *Config) OutputLines() []output.Config {
	out := make([]output.Config, len(c.Outputs))
	for i, o := range c.Outputs {
		out[i] = output.Config{Name: o.Name, Pin: o.Pin, ActiveLow: o.ActiveLow}
	}
	return out
}

// SerialConfig returns the serial port settings.
func (c *Config) SerialConfig() serial.Config {
	return serial.Config{
		Device:      c.Transport.Device,
		Baud:        c.Transport.Baud,
		ReadTimeout: time.Duration(c.Transport.ReadTimeoutMs) * time.Millisecond,
	}
}

// RasterParams returns the serpentine program parameters, false when none is configured.
func (c *Config) RasterParams() (program.RasterParams, bool) {
	r := c.Raster
	if r == nil {
		return program.RasterParams{}, false
	}
	trigger := -1
	if r.Trigger != nil {
		trigger = *r.Trigger
	}
	return program.RasterParams{
		Columns:     r.Columns,
		Rows:        r.Rows,
		ColumnMotor: r.ColumnMotor,
		RowMotor:    r.RowMotor,
		ColumnStep:  r.ColumnStep,
		RowStep:     r.RowStep,
		MoveTime:    r.MoveTimeS,
		Settle:      r.SettleS,
		Trigger:     trigger,
		Hold:        r.HoldS,
	}, true
}

// MotorPowerTimeout returns the idle time before motors are powered down.
func (c *Config) MotorPowerTimeout() time.Duration {
	return time.Duration(c.Stepper.MotorPowerTimeoutS * float64(time.Second))
}

// StatusInterval returns the minimum spacing of timed status reports.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Report.StatusIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the idle heartbeat period, 0 when disabled.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Report.HeartbeatIntervalMs) * time.Millisecond
}
