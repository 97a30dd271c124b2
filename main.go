package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	fyneapp "fyne.io/fyne/v2/app"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"camera-stream-go/internal/buttons"
	"camera-stream-go/internal/camera"
	"camera-stream-go/internal/codec"
	"camera-stream-go/internal/config"
	"camera-stream-go/internal/display"
	"camera-stream-go/internal/helpers"
	"camera-stream-go/internal/netmon"
	"camera-stream-go/internal/perf"
	"camera-stream-go/internal/server"
	"camera-stream-go/internal/stream"
)

// Version information - set by linker flags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

const (
	flagConfig   = "config"
	flagHeadless = "headless"
	flagDisplay  = "display"
	flagSensor   = "sensor"

	healthLogInterval = time.Minute
)

func main() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(c.App.Writer, "Camera Stream %s\n", Version)
		fmt.Fprintf(c.App.Writer, "  Build time: %s\n", BuildTime)
		fmt.Fprintf(c.App.Writer, "  Go version: %s\n", GoVersion)
		fmt.Fprintf(c.App.Writer, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	}

	app := &cli.App{
		Name:    "camera-stream",
		Usage:   "share one camera between a local panel and web clients",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE` (default: ./config.yaml or $CAMERA_STREAM_CONFIG)",
			},
			&cli.BoolFlag{
				Name:  flagHeadless,
				Usage: "run without the button panel",
			},
			&cli.StringFlag{
				Name:  flagDisplay,
				Usage: "panel output: window, periph or none",
			},
			&cli.StringFlag{
				Name:  flagSensor,
				Usage: "sensor driver: ffmpeg, webcam or pattern",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		log.Printf("WARNING: config load error: %v (using defaults)", err)
	}
	if c.IsSet(flagDisplay) {
		if cfg.Display.Driver, err = oneOf(flagDisplay, c.String(flagDisplay), "window", "periph", "none"); err != nil {
			return err
		}
	}
	if c.IsSet(flagSensor) {
		if cfg.Camera.Driver, err = oneOf(flagSensor, c.String(flagSensor), "ffmpeg", "webcam", "pattern"); err != nil {
			return err
		}
	}
	if c.Bool(flagHeadless) {
		cfg.Buttons.Enabled = false
	}

	logger, logCleanup, err := config.ConfigureLogging(cfg)
	defer logCleanup()
	mainLog := logger.Named("main")
	if err != nil {
		mainLog.Warnw("logging setup error", "error", err)
	}

	mainLog.Infow("camera stream starting", "version", Version, "sensor", cfg.Camera.Driver,
		"display", cfg.Display.Driver, "listen", cfg.Server.Listen)
	ok, warnings := cfg.Validate()
	if !ok {
		mainLog.Warn("config validation failed")
	}
	for _, w := range warnings {
		mainLog.Warn(w)
	}

	clk := clock.New()
	releaser := helpers.NewDeviceReleaser(cfg.Camera.KillDeviceHolders, logger)
	factory, err := camera.NewFactory(camera.FactoryOptions{
		Driver:       cfg.Camera.Driver,
		Device:       cfg.Camera.Device,
		Command:      cfg.Camera.Command,
		Format:       cfg.Camera.Format,
		FPS:          cfg.Camera.FPS,
		FrameTimeout: cfg.Camera.FrameTimeout,
	}, releaser, logger)
	if err != nil {
		return errors.Wrap(err, "camera")
	}
	camOpts := camera.DefaultOptions()
	camOpts.MaxFailures = cfg.Camera.MaxFailures
	camOpts.HardwareCooldown = cfg.Camera.HardwareCooldown
	camOpts.WarmUp = cfg.Camera.WarmUp
	coord := camera.NewCoordinator(factory, camOpts, clk, logger)

	cdc := codec.New(codec.Options{
		DisplayWidth:  cfg.Display.Size,
		DisplayHeight: cfg.Display.Size,
		JPEGQuality:   cfg.Stream.JPEGQuality,
		NightMode:     cfg.Display.NightMode,
	})

	monitor := netmon.New(netmon.Options{
		Interval:        cfg.Network.CheckInterval,
		MaxFailedChecks: cfg.Network.MaxFailedChecks,
		ProbeTimeout:    cfg.Network.ProbeTimeout,
	}, clk, logger,
		netmon.NewLinkProbe(cfg.Network.Interface),
		netmon.NewReachabilityProbe(cfg.Network.ProbeAddress),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvOpts := server.Options{
		Listen:                cfg.Server.Listen,
		AllowedOrigins:        cfg.Server.AllowedOrigins,
		AllowedOriginSuffixes: cfg.Server.AllowedOriginSuffixes,
		ShutdownTimeout:       cfg.Server.ShutdownTimeout,
		NetworkCheckInterval:  cfg.Network.CheckInterval,
		MaxFailedChecks:       cfg.Network.MaxFailedChecks,
	}

	// On-screen keys feed the same button panel as the GPIO pins.
	softKeys := map[buttons.Key]*buttons.SoftKey{}
	var (
		panel  display.Display = display.Nop{}
		window *display.Window
	)
	switch cfg.Display.Driver {
	case "window":
		names := []string{string(buttons.Key1), string(buttons.Key2), string(buttons.Key3)}
		for _, name := range names {
			softKeys[buttons.Key(name)] = &buttons.SoftKey{}
		}
		window = display.NewWindow(fyneapp.New(), cfg.Display.Size, cfg.Display.WindowScale, names,
			func(name string, down bool) { softKeys[buttons.Key(name)].Set(down) }, logger)
		panel = window
	case "periph":
		sink, mirror := display.NewSink(cfg.Display.Size, cfg.Display.Size, logger)
		panel = sink
		srvOpts.DisplayMirror = mirror
	}

	ctrl := stream.NewController(coord, cdc, panel, monitor, stream.NewRegistry(clk, logger),
		streamOptions(cfg), clk, logger)

	sampler := perf.NewSampler()
	srvOpts.Health = sampler
	srv := server.New(server.FromController(ctrl), cdc, srvOpts, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return ctrl.RunIdleScreen(gctx, max(cfg.Network.CheckInterval, time.Second)) })
	g.Go(func() error { return logHealth(gctx, sampler, clk, logger.Named("health")) })

	if keys := buttonPanel(cfg, softKeys, clk, logger); keys != nil {
		dispatcher := buttons.NewDispatcher(ctrl, stop, logger)
		g.Go(func() error {
			defer dispatcher.Wait()
			return keys.Run(gctx, func(ev buttons.Event) { dispatcher.Handle(gctx, ev) })
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		mainLog.Info("shutting down")
		ctrl.Shutdown()
		if err := panel.Close(); err != nil {
			mainLog.Warnw("display close failed", "error", err)
		}
		return nil
	})

	if window != nil {
		// The UI loop owns the main goroutine until the window closes.
		window.Run()
		stop()
	}

	err = g.Wait()
	mainLog.Info("camera stream exited")
	return err
}

func oneOf(flag, v string, allowed ...string) (string, error) {
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", errors.Errorf("--%s must be one of %v, got %q", flag, allowed, v)
}

func streamOptions(cfg *config.Config) stream.Options {
	opts := stream.DefaultOptions()
	opts.Preview = camera.NewProfile("preview", cfg.Profiles.Preview.Width, cfg.Profiles.Preview.Height)
	opts.Wide = camera.NewProfile("wide", cfg.Profiles.Wide.Width, cfg.Profiles.Wide.Height)
	opts.DisplayInterval = time.Second / time.Duration(cfg.Display.FPS)
	opts.DisplayMaxErrors = cfg.Display.MaxErrors
	opts.FrameInterval = time.Second / time.Duration(cfg.Stream.FPS)
	opts.MaxConsecutiveErrors = cfg.Stream.MaxConsecutiveErrors
	opts.RetryDelay = cfg.Stream.RetryDelay
	opts.IdleTimeout = cfg.Stream.IdleTimeout
	opts.SupervisionInterval = cfg.Network.SupervisionInterval
	opts.RecoveryInterval = cfg.Network.RecoveryInterval
	opts.MaxRecoveryAttempts = cfg.Network.MaxRecoveryAttempts
	return opts
}

// buttonPanel binds each key to its GPIO pin and on-screen key, whichever
// exist. Returns nil when no key has an input.
func buttonPanel(cfg *config.Config, softKeys map[buttons.Key]*buttons.SoftKey, clk clock.Clock,
	logger *zap.SugaredLogger) *buttons.Panel {
	gpioReady := false
	if cfg.Buttons.Enabled {
		if err := buttons.InitHost(); err != nil {
			logger.Warnw("GPIO unavailable, hardware buttons disabled", "error", err)
		} else {
			gpioReady = true
		}
	}

	p := buttons.NewPanel(cfg.Buttons.PollInterval, cfg.Buttons.LongPress, clk, logger)
	pins := map[buttons.Key]string{
		buttons.Key1: cfg.Buttons.Start,
		buttons.Key2: cfg.Buttons.Exit,
		buttons.Key3: cfg.Buttons.Stop,
	}
	for _, key := range []buttons.Key{buttons.Key1, buttons.Key2, buttons.Key3} {
		var inputs []buttons.Input
		if gpioReady {
			in, err := buttons.OpenGPIO(pins[key])
			if err != nil {
				logger.Warnw("button pin unavailable", "key", key, "pin", pins[key], "error", err)
			} else {
				inputs = append(inputs, in)
			}
		}
		if sk, ok := softKeys[key]; ok {
			inputs = append(inputs, sk)
		}
		if len(inputs) > 0 {
			p.Add(key, buttons.AnyOf(inputs...))
		}
	}
	if p.Len() == 0 {
		return nil
	}
	return p
}

func logHealth(ctx context.Context, sampler *perf.Sampler, clk clock.Clock, logger *zap.SugaredLogger) error {
	ticker := clk.Ticker(healthLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s, err := sampler.Collect()
		if err != nil {
			logger.Debugw("health sample failed", "error", err)
			continue
		}
		if s.Stressed {
			logger.Warnw("host under stress", "load1", s.Load1, "temp_c", s.TempC, "mem_pct", s.MemoryUsed)
			continue
		}
		logger.Debugw("health", "load1", s.Load1, "temp_c", s.TempC, "mem_pct", s.MemoryUsed)
	}
}
