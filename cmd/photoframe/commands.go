package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"photoframe/internal/capture"
	"photoframe/internal/config"
	"photoframe/internal/convert"
	"photoframe/internal/cycle"
	"photoframe/internal/epd"
	"photoframe/internal/fault"
	appLog "photoframe/internal/log"
	"photoframe/internal/power"
	"photoframe/internal/render"
	"photoframe/internal/web"
)

// renderFlags override the configured render options for one invocation.
var renderFlags = []cli.Flag{
	&cli.IntFlag{Name: "rotation", Value: -1, Usage: "display rotation in degrees (0 or 180)"},
	&cli.IntFlag{Name: "mode", Value: -1, Usage: "color mode: 0 auto, 1 convert, 2 assume six-color"},
	&cli.IntFlag{Name: "dither", Value: -1, Usage: "dither: 0 none, 1 ordered"},
	&cli.IntFlag{Name: "tolerance", Value: -1, Usage: "six-color match tolerance (0-64)"},
}

func renderOptions(c *cli.Context, base render.RawOptions) render.RawOptions {
	if c.IsSet("rotation") {
		base.Rotation = c.Int("rotation")
	}
	if c.IsSet("mode") {
		base.ColorMode = c.Int("mode")
	}
	if c.IsSet("dither") {
		base.Dither = c.Int("dither")
	}
	if c.IsSet("tolerance") {
		base.Tolerance = c.Int("tolerance")
	}
	return base
}

// loadConfig loads the config named by --config and applies --debug.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if cfg == nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		appLog.Warn("config could not be written, using defaults", "path", path, "err", err)
	}
	level := appLog.ParseLevel(cfg.LogLevel)
	if c.Bool("debug") {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)
	return cfg, nil
}

// openDriver wires the panel bus from config. Nothing touches the hardware
// until Init.
func openDriver(cfg *config.Config) *render.Driver {
	hc := cfg.Hardware.EPD()
	appLog.Debug("panel bus", "config", hc.String())
	panel := epd.New(epd.NewHostBus(hc), &epd.Opts{BusyTimeout: cfg.Hardware.BusyTimeout})
	return render.NewDriver(panel, nil)
}

func detectBattery(ctx context.Context, cfg *config.Config) power.Reader {
	r, err := power.Probe(ctx, cfg.Hardware.BatteryI2CBus, cfg.Hardware.BatteryI2CAddr)
	if err != nil {
		appLog.Info("battery status unavailable", "err", err)
	}
	return r
}

func newRunner(ctx context.Context, cfg *config.Config, driver *render.Driver) (*cycle.Runner, power.Reader, error) {
	battery := detectBattery(ctx, cfg)
	r, err := cycle.New(cycle.Deps{
		Config:   cfg,
		Renderer: driver,
		Battery:  battery,
	})
	return r, battery, err
}

func closeRunner(r *cycle.Runner) {
	if err := r.Close(); err != nil {
		appLog.Warn("panel close failed", "err", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func readInput(c *cli.Context) ([]byte, error) {
	if c.NArg() < 1 {
		cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
	}
	return os.ReadFile(c.Args().First())
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Serve the local API and refresh the panel on the configured schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config)"},
			&cli.BoolFlag{Name: "no-initial", Usage: "skip the refresh at startup"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if l := c.String("listen"); l != "" {
				cfg.Listen = l
			}

			ctx, cancel := signalContext()
			defer cancel()

			driver := openDriver(cfg)
			runner, battery, err := newRunner(ctx, cfg, driver)
			if err != nil {
				driver.Close()
				return cli.Exit(err, 1)
			}
			// Deferred first so it runs after the scheduler and the startup
			// cycle have stopped; Close itself waits for an API refresh.
			defer closeRunner(runner)

			appLog.Info("photoframe starting",
				"version", version,
				"listen", cfg.Listen,
				"source", cfg.Source,
				"refresh", cfg.RefreshCron,
				"timezone", cfg.Timezone,
			)

			sched := cron.New(cron.WithLocation(cfg.Location()))
			if _, err := sched.AddFunc(cfg.RefreshCron, func() {
				runner.RunOnce(ctx, false)
			}); err != nil {
				return cli.Exit(fmt.Errorf("invalid refresh schedule %q: %w", cfg.RefreshCron, err), 1)
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()

			var startup sync.WaitGroup
			defer startup.Wait()
			if !c.Bool("no-initial") {
				startup.Add(1)
				go func() {
					defer startup.Done()
					runner.RunOnce(ctx, false)
				}()
			}

			srv := web.NewServer(runner, battery, c.String("config"))
			if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
				return cli.Exit(err, 1)
			}
			appLog.Info("photoframe exiting")
			return nil
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run one wake cycle and exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "refresh even if the image did not change"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			ctx, cancel := signalContext()
			defer cancel()

			driver := openDriver(cfg)
			runner, _, err := newRunner(ctx, cfg, driver)
			if err != nil {
				driver.Close()
				return cli.Exit(err, 1)
			}
			defer closeRunner(runner)

			st := runner.RunOnce(ctx, c.Bool("force"))
			if !st.OK {
				return cli.Exit(fmt.Sprintf("cycle failed: %s (code %d): %s", st.Status, st.Code, st.LastError), st.Code)
			}
			appLog.Info("cycle finished", "status", st.Status, "mode", st.Mode)
			return nil
		},
	}
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Show a local image file on the panel",
		ArgsUsage: "FILE",
		Flags:     renderFlags,
		Action: func(c *cli.Context) error {
			body, err := readInput(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			opts := renderOptions(c, cfg.Render)

			src, format, err := convert.Decode(body)
			if err != nil {
				return cli.Exit(err, 1)
			}

			driver := openDriver(cfg)
			defer driver.Close()
			if err := driver.Init(); err != nil {
				_, code := fault.Status(err)
				return cli.Exit(err, code)
			}

			var res render.Result
			if format == convert.BMP {
				res, err = driver.Render(body, opts)
			} else {
				res, err = driver.RenderSource(src, opts)
			}
			if err != nil {
				_, code := fault.Status(err)
				return cli.Exit(err, code)
			}
			if err := driver.Sleep(); err != nil {
				appLog.Warn("panel sleep failed", "err", err)
			}
			appLog.Info("rendered", "file", c.Args().First(), "format", format, "mode", res.Mode,
				"total_ms", res.TotalCost.Milliseconds())
			return nil
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:      "preview",
		Usage:     "Render an image to a PNG of the panel output without touching hardware",
		ArgsUsage: "FILE",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "preview.png", Usage: "output PNG path"},
		}, renderFlags...),
		Action: func(c *cli.Context) error {
			body, err := readInput(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err, 1)
			}

			src, _, err := convert.Decode(body)
			if err != nil {
				return cli.Exit(err, 1)
			}
			fb, res, err := render.Frame(src, renderOptions(c, cfg.Render))
			if err != nil {
				return cli.Exit(err, 1)
			}
			for _, a := range res.Adjustments {
				appLog.Warn("render option adjusted", "adjustment", a.String())
			}

			f, err := os.Create(c.String("out"))
			if err != nil {
				return cli.Exit(err, 1)
			}
			if err := png.Encode(f, fb); err != nil {
				f.Close()
				return cli.Exit(err, 1)
			}
			if err := f.Close(); err != nil {
				return cli.Exit(err, 1)
			}
			appLog.Info("preview written", "out", c.String("out"), "mode", res.Mode,
				"transposed", res.Transposed, "total_ms", res.TotalCost.Milliseconds())
			return nil
		},
	}
}

func convertCommand() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert a JPEG or PNG into a panel-sized 24-bit BMP",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "photo.bmp", Usage: "output BMP path"},
		},
		Action: func(c *cli.Context) error {
			body, err := readInput(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if _, err := loadConfig(c); err != nil {
				return cli.Exit(err, 1)
			}
			src, format, err := convert.Decode(body)
			if err != nil {
				return cli.Exit(err, 1)
			}
			f, err := os.Create(c.String("out"))
			if err != nil {
				return cli.Exit(err, 1)
			}
			if err := convert.WriteBMP(f, src); err != nil {
				f.Close()
				return cli.Exit(err, 1)
			}
			if err := f.Close(); err != nil {
				return cli.Exit(err, 1)
			}
			appLog.Info("converted", "from", format, "out", c.String("out"),
				"width", src.Width(), "height", src.Height())
			return nil
		},
	}
}

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:      "capture",
		Usage:     "Screenshot a page with headless Chromium",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "capture.png", Usage: "output PNG path"},
			&cli.StringFlag{Name: "wait", Usage: "CSS selector to wait for"},
			&cli.DurationFlag{Name: "settle", Value: 500 * time.Millisecond, Usage: "extra delay before the screenshot"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
			}
			if _, err := loadConfig(c); err != nil {
				return cli.Exit(err, 1)
			}
			ctx, cancel := signalContext()
			defer cancel()

			shot, err := capture.Screenshot(ctx, capture.Options{
				URL:          c.Args().First(),
				WaitSelector: c.String("wait"),
				Settle:       c.Duration("settle"),
				OutputPath:   c.String("out"),
			})
			if err != nil {
				return cli.Exit(err, 1)
			}
			appLog.Info("captured", "out", c.String("out"), "bytes", len(shot))
			return nil
		},
	}
}

func batteryCommand() *cli.Command {
	return &cli.Command{
		Name:  "battery",
		Usage: "Print the battery status",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err, 1)
			}
			ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
			defer cancel()

			r, err := power.Probe(ctx, cfg.Hardware.BatteryI2CBus, cfg.Hardware.BatteryI2CAddr)
			if errors.Is(err, power.ErrNoBattery) {
				fmt.Println("battery: unknown")
				appLog.Debug("battery detect failed", "err", err)
				return nil
			}
			st, err := r.Read(ctx)
			if err != nil {
				return cli.Exit(err, 1)
			}
			fmt.Printf("battery: %d%% %dmV\n", st.Percent, st.VoltageMv)
			return nil
		},
	}
}
