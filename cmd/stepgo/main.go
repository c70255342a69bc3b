package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/StepGo/internal/config"
	"github.com/cjeanneret/StepGo/internal/controller"
	"github.com/cjeanneret/StepGo/internal/debug"
	"github.com/cjeanneret/StepGo/internal/hw/gpio"
	"github.com/cjeanneret/StepGo/internal/hw/motor"
	"github.com/cjeanneret/StepGo/internal/hw/output"
	"github.com/cjeanneret/StepGo/internal/hw/serial"
	"github.com/cjeanneret/StepGo/internal/hw/switches"
	"github.com/cjeanneret/StepGo/internal/hw/timer"
	"github.com/cjeanneret/StepGo/internal/irq"
	"github.com/cjeanneret/StepGo/internal/logic/program"
	"github.com/cjeanneret/StepGo/internal/logic/units"
	"github.com/cjeanneret/StepGo/internal/machine"
	"github.com/cjeanneret/StepGo/internal/planner"
	"github.com/cjeanneret/StepGo/internal/report"
	"github.com/cjeanneret/StepGo/internal/stepper"
	"github.com/cjeanneret/StepGo/internal/web"
)

// programRetry is the wait between attempts to feed a full input queue.
const programRetry = 10 * time.Millisecond

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	device := flag.String("device", "", "override serial device (empty = config, \"-\" = stdin/stdout)")
	debugLevel := flag.Int("debug", -1, "override debug level 0-4")
	poolSize := flag.Int("pool", 0, "override planner pool size")
	programPath := flag.String("program", "", "feed the lines of this file as input, then keep running")
	raster := flag.Bool("raster", false, "feed the configured raster program as input")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	ov := overrides{Device: *device, DebugLevel: *debugLevel, PoolSize: *poolSize}
	if port := webPort.port(); port > 0 {
		ov.WebAddr = fmt.Sprintf(":%d", port)
	}
	if err := validateCLIOverrides(ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, ov)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// The host link may own stdout.
	debug.SetOutput(os.Stderr)
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)

	debug.PrintStruct("Stepper", cfg.StepperConfig())
	debug.PrintStruct("Planner", cfg.PlannerConfig())
	if debug.IsEnabled(debug.LevelVerbose) {
		for i, m := range cfg.MotorPins() {
			debug.PrintStruct(fmt.Sprintf("Motor %d", i+1), m)
		}
	}

	// Program sources are checked before anything moves.
	var programFile *os.File
	if *programPath != "" {
		programFile, err = os.Open(*programPath)
		if err != nil {
			log.Fatalf("open program failed: %v", err)
		}
		defer programFile.Close()
	}
	var rasterProgram []string
	if *raster {
		if rasterProgram, err = rasterLines(cfg); err != nil {
			log.Fatalf("raster: %v", err)
		}
	}

	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}

	debug.Step(2, "Opening host link")
	var r io.Reader = os.Stdin
	var w io.Writer = os.Stdout
	if cfg.Transport.Device != "" {
		port, err := serial.Open(cfg.SerialConfig())
		if err != nil {
			gpioDriver.Close()
			log.Fatalf("open host link failed: %v", err)
		}
		defer port.Close()
		r, w = port, port
		debug.Value("Serial device", cfg.Transport.Device)
	}
	link := serial.New(r, w)

	var hub *web.Hub
	var tx controller.TX = link
	if cfg.Web.Addr != "" {
		hub = web.NewHub()
		debug.SetOutput(io.MultiWriter(os.Stderr, web.LogWriter(hub)))
		tx = tappedTX{Transport: link, tap: web.TapWriter(hub)}
	}

	debug.Step(3, "Building motion core")
	sys, err := build(cfg, gpioDriver, link, tx)
	if err != nil {
		log.Fatalf("build motion core failed: %v", err)
	}
	sys.ctl.Init()
	debug.Summary("StepGo ready")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && err != context.Canceled {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	run("host link", link.Run)
	run("dda timer", sys.dda.Run)
	run("dwell timer", sys.dwell.Run)
	run("dispatcher", sys.ctl.Dispatcher().Run)

	if hub != nil {
		srv := web.NewServer(cfg.Web.Addr, hub, sys.ctl.Status, submitTo(link), cfg)
		run("web server", srv.Run)
	}
	if programFile != nil {
		run("program", func(ctx context.Context) error {
			n, err := program.Play(ctx, programFile, link, programRetry)
			debug.Info("program %s: %d lines queued", *programPath, n)
			return err
		})
	}
	if rasterProgram != nil {
		run("raster", func(ctx context.Context) error {
			_, err := program.Play(ctx, strings.NewReader(strings.Join(rasterProgram, "\n")), link, programRetry)
			return err
		})
	}

	wg.Wait()
	debug.Section("Shutdown")
	if err := multierr.Combine(errs, sys.shutdown(), gpioDriver.Close()); err != nil {
		log.Fatalf("stepgo: %v", err)
	}
}

// system is the wired motion core.
type system struct {
	machine *machine.Machine
	planner *planner.Planner
	stepper *stepper.Stepper
	ctl     *controller.Controller
	dda     *timer.Ticker
	dwell   *timer.Ticker
	motors  *motor.Bank
	outputs *output.Bank
}

// build wires the motion core over g. Input is read from link and every
// outbound line is written to tx.
func build(cfg *config.Config, g gpio.Driver, link *serial.Transport, tx controller.TX) (*system, error) {
	motors, err := motor.NewBank(g, cfg.MotorPins())
	if err != nil {
		return nil, fmt.Errorf("motors: %w", err)
	}
	limits, err := switches.New(g, cfg.LimitSwitches())
	if err != nil {
		return nil, fmt.Errorf("limit switches: %w", err)
	}
	outputs, err := output.NewBank(g, cfg.OutputLines())
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}
	conv, err := units.NewConverter(cfg.Axes())
	if err != nil {
		return nil, fmt.Errorf("units: %w", err)
	}

	s := &system{machine: machine.New(), motors: motors, outputs: outputs}
	ic := irq.New()
	clock := timer.NewSysTick()
	sc := cfg.StepperConfig()
	s.dda = timer.NewTicker("dda", ic, sc.DDAFrequency, time.Millisecond)
	s.dwell = timer.NewTicker("dwell", ic, sc.DwellFrequency, time.Millisecond)

	status := report.NewStatusReporter(tx, clock, uint32(cfg.Report.StatusIntervalMs), func() report.Status {
		return s.ctl.Status()
	})
	queue := report.NewQueueReporter(tx, cfg.Report.QueueReports, func() int {
		return s.planner.AvailableBufferCount()
	})

	s.stepper = stepper.New(sc, stepper.Deps{
		Outputs:    motors,
		IRQ:        ic,
		DDATimer:   s.dda,
		DwellTimer: s.dwell,
		Clock:      clock,
		Machine:    s.machine,
		Reports:    status,
	})
	s.dda.Bind(s.stepper.TickDDA)
	s.dwell.Bind(s.stepper.TickDwell)

	s.planner = planner.New(cfg.PlannerConfig(), planner.Deps{
		Preparer: s.stepper,
		Machine:  s.machine,
		IRQ:      ic,
		Queue:    queue,
	})
	s.stepper.SetExecutor(s.planner)

	s.ctl = controller.New(controller.Config{
		BufferHeadroom:    cfg.Planner.BufferHeadroom,
		TxWatermark:       cfg.Transport.TxWatermark,
		HeartbeatInterval: uint32(cfg.Report.HeartbeatIntervalMs),
	}, controller.Deps{
		Machine: s.machine,
		Planner: s.planner,
		Stepper: s.stepper,
		Status:  status,
		Queue:   queue,
		Input:   link,
		TX:      tx,
		Limits:  limits,
		Parser: &controller.DirectParser{
			Queue:   s.planner,
			Power:   s.stepper,
			Outputs: outputs,
			Units:   conv,
		},
		Clock: clock,
	})
	debug.Info("motion core: %d motors, %d buffers, %d limit switches, %d outputs",
		len(cfg.Motors), cfg.Planner.PoolSize, limits.Len(), outputs.Len())
	return s, nil
}

// shutdown stops motion and releases every output.
func (s *system) shutdown() error {
	s.stepper.Halt(s.planner.Flush)
	return multierr.Combine(
		s.stepper.DeenergizeMotors(),
		s.motors.DisableAll(),
		s.outputs.AllOff(),
	)
}

// tappedTX copies every outbound line to the web hub.
type tappedTX struct {
	*serial.Transport
	tap io.Writer
}

// Write never fails because of the tap: the host link is authoritative.
func (t tappedTX) Write(p []byte) (int, error) {
	if _, err := t.tap.Write(p); err != nil {
		debug.Trace("web tap: %v", err)
	}
	return t.Transport.Write(p)
}

// rasterLines generates the configured raster program.
func rasterLines(cfg *config.Config) ([]string, error) {
	params, ok := cfg.RasterParams()
	if !ok {
		return nil, errors.New("no raster is configured")
	}
	lines, err := program.Raster(params)
	if err != nil {
		return nil, err
	}
	debug.Info("raster: %dx%d, %d lines", params.Columns, params.Rows, len(lines))
	return lines, nil
}

// submitTo adapts the link's input queue to the web command endpoint.
func submitTo(link *serial.Transport) web.SubmitFunc {
	return func(line string) error {
		if !link.Inject(line) {
			return web.ErrInputFull
		}
		return nil
	}
}

// overrides are the command line settings applied over the config file.
type overrides struct {
	Device     string // "-" forces stdin/stdout
	DebugLevel int    // -1 keeps the config value
	PoolSize   int    // 0 keeps the config value
	WebAddr    string
}

// validateCLIOverrides checks that set overrides are within valid ranges.
func validateCLIOverrides(o overrides) error {
	if o.DebugLevel < -1 || o.DebugLevel > debug.LevelTrace {
		return fmt.Errorf("debug must be between 0 and %d, got %d", debug.LevelTrace, o.DebugLevel)
	}
	if o.PoolSize != 0 && (o.PoolSize < 2 || o.PoolSize > 1024) {
		return fmt.Errorf("pool must be between 2 and 1024, got %d", o.PoolSize)
	}
	return nil
}

// applyOverrides mutates cfg with the overrides that are set.
func applyOverrides(cfg *config.Config, o overrides) {
	switch o.Device {
	case "":
	case "-":
		cfg.Transport.Device = ""
	default:
		cfg.Transport.Device = o.Device
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
	if o.PoolSize > 0 {
		cfg.Planner.PoolSize = o.PoolSize
	}
	if o.WebAddr != "" {
		cfg.Web.Addr = o.WebAddr
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
