package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"robot-telemetry/internal/config"
	"robot-telemetry/internal/dashboard"
	"robot-telemetry/internal/ingest"
	"robot-telemetry/internal/layout"
	"robot-telemetry/internal/logging"
	"robot-telemetry/internal/store"
	"robot-telemetry/internal/web"
)

type appOptions struct {
	ConfigPath  string
	Interactive bool
	Stderr      io.Writer
	// Ingest options, replaced in tests.
	IngestOpts []ingest.Option
}

// app owns the process-lifetime objects shared by the producer and the
// consumers.
type app struct {
	cfg      config.Config
	store    *store.Store
	registry *layout.Registry
	ingester *ingest.Ingester
	logs     *web.LogBuffer
	status   *web.Status
	log      *slog.Logger
	closers  []io.Closer
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:    cfg,
		logs:   web.NewLogBuffer(2000),
		status: web.NewStatus(),
	}
	a.status.SetConfigPath(opts.ConfigPath)

	sinks := []io.Writer{a.logs}
	if !opts.Interactive {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		sinks = append(sinks, stderr)
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, f)
		sinks = append(sinks, f)
	}
	l, err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, io.MultiWriter(sinks...))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.log = l.With("component", "main")

	a.registry = layout.NewRegistry()
	if err := config.ApplyLayout(cfg, a.registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("layout: %w", err)
	}

	a.store = store.New(store.Config{Retention: cfg.Store.Retention})
	a.ingester = ingest.New(ingest.Config{
		Driver:         cfg.Serial.Driver,
		ConnectTimeout: cfg.Serial.ConnectTimeout,
		ReadTimeout:    cfg.Serial.ReadTimeout,
		Retry: ingest.RetryConfig{
			MaxAttempts:    cfg.Serial.Retry.MaxAttempts,
			BackoffInitial: cfg.Serial.Retry.BackoffInitial,
			BackoffMax:     cfg.Serial.Retry.BackoffMax,
		},
	}, a.store, opts.IngestOpts...)
	return a, nil
}

func (a *app) Close() {
	if a.ingester != nil {
		a.ingester.Stop()
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

func (a *app) attitude() dashboard.AttitudeConfig {
	return dashboard.AttitudeConfig{
		XChannel: a.cfg.Attitude.XChannel,
		YChannel: a.cfg.Attitude.YChannel,
		XDivisor: a.cfg.Attitude.XDivisor,
		YDivisor: a.cfg.Attitude.YDivisor,
	}
}

// autoConnect opens the configured port, or the only port present when none
// is configured. A connection failure is logged and left to the user.
func (a *app) autoConnect(ctx context.Context) {
	if !a.cfg.Serial.AutoConnectEnabled() {
		return
	}
	port := a.cfg.Serial.Port
	if port == "" {
		ports, err := a.ingester.ListPorts()
		if err != nil {
			a.log.Warn("serial port list failed", "err", err)
			return
		}
		if len(ports) != 1 {
			a.log.Info("serial auto-connect skipped", "ports", len(ports))
			return
		}
		port = ports[0]
	}
	if err := a.ingester.Connect(ctx, port, a.cfg.Serial.Baud); err != nil {
		a.log.Error("serial auto-connect failed", "err", err)
	}
}

func runApp(ctx context.Context, cfg config.Config, opts appOptions) error {
	a, err := newApp(cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("robot-telemetry starting",
		"driver", cfg.Serial.Driver, "baud", cfg.Serial.Baud, "retention", cfg.Store.Retention,
		"channels", a.registry.Channels(), "items", a.registry.Len(), "web", cfg.Web.Listen)
	a.autoConnect(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Web.Listen != "" {
		h := web.Handler(web.Deps{
			Store:       a.store,
			Registry:    a.registry,
			Attitude:    a.attitude(),
			Ingester:    a.ingester,
			Status:      a.status,
			Logs:        a.logs,
			DefaultBaud: cfg.Serial.Baud,
		})
		g.Go(func() error {
			a.log.Info("web api listening", "addr", cfg.Web.Listen)
			if err := web.Serve(ctx, cfg.Web.Listen, h); err != nil {
				return fmt.Errorf("web api: %w", err)
			}
			return nil
		})
	}

	dopts := dashboard.Options{
		Querier:      a.store,
		Registry:     a.registry,
		Attitude:     a.attitude(),
		Controller:   a.ingester,
		Interval:     cfg.Poll.Interval,
		GraphSamples: cfg.Graph.Samples,
	}
	g.Go(func() error {
		// Leaving the dashboard ends the run.
		defer cancel()
		if opts.Interactive {
			return dashboard.Run(ctx, dopts)
		}
		return dashboard.RunHeadless(ctx, dopts, cfg.Poll.LogInterval)
	})

	err = g.Wait()
	a.log.Info("robot-telemetry stopping")
	return err
}
