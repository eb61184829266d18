package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thereceipt/printlink/internal/api"
	"github.com/thereceipt/printlink/internal/command"
	"github.com/thereceipt/printlink/internal/config"
	"github.com/thereceipt/printlink/internal/logging"
	"github.com/thereceipt/printlink/internal/printer"
	"github.com/thereceipt/printlink/internal/registry"
	"github.com/thereceipt/printlink/internal/tui"
)

// Version is set during build via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "printlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}

	// The dashboard owns the terminal, so logs go to a file and the event panel
	var sink *tui.LogSink
	var out io.Writer = os.Stderr
	if !cfg.Headless {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		sink = tui.NewLogSink()
		out = io.MultiWriter(f, sink)
	}
	log := logging.New(out, level, format)
	slog.SetDefault(log)
	log.Info("printlink starting", "version", Version, "port", cfg.Port)

	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	platform := printer.DetectPlatform()
	switch cfg.Platform {
	case config.PlatformMobile:
		platform = printer.PlatformMobile
	case config.PlatformDesktop:
		platform = printer.PlatformDesktop
	}

	backend, err := printer.Probe(ctx, platform, printer.DefaultCandidates(cfg.SerialBaud, log), log)
	if err != nil {
		return fmt.Errorf("no usable printer transport: %w", err)
	}
	if sd, ok := backend.(interface{ Shutdown() error }); ok {
		defer sd.Shutdown()
	}

	policy := printer.DefaultRetryPolicy(platform)
	policy.MaxAttempts = cfg.ClaimAttempts

	bus := printer.NewStatusBus()
	manager := printer.NewManager(backend, reg, printer.Options{
		Platform:       platform,
		Policy:         &policy,
		LockTimeout:    cfg.LockTimeout,
		ReconnectMax:   cfg.ReconnectMax,
		ReconnectDelay: cfg.ReconnectDelay,
		Bus:            bus,
		Logger:         log,
	})

	hub := api.NewHub(log)
	bus.Subscribe(hub.BroadcastStatus)

	queue := printer.NewPrintQueue(manager, printer.JobQueueOptions{
		MaxRetries:     cfg.JobRetries,
		DisconnectIdle: cfg.DisconnectIdle,
		OnUpdate:       hub.BroadcastJob,
		Logger:         log,
	})
	executor := command.NewExecutor(manager, queue, reg)

	var dash *tui.Dashboard
	monitorOpts := printer.MonitorOptions{
		Interval:         cfg.MonitorInterval,
		ReattachInterval: cfg.ReattachInterval,
		ReattachWindow:   cfg.ReattachWindow,
		OnAdded: func(d printer.Descriptor) {
			hub.BroadcastPrinterAdded(d)
			if dash != nil {
				dash.OnPrinterAdded(d)
			}
		},
		OnRemoved: func(d printer.Descriptor) {
			hub.BroadcastPrinterRemoved(d)
			if dash != nil {
				dash.OnPrinterRemoved(d)
			}
		},
		Logger: log,
	}
	monitor := printer.NewMonitor(manager, monitorOpts)

	server := api.NewServer(manager, queue, executor, hub, log)

	if !cfg.Headless {
		dash = tui.NewDashboard(manager, monitor, queue, executor, sink, cfg.Port)
		bus.Subscribe(dash.OnStatus)
	}

	g, gctx := errgroup.WithContext(ctx)
	if _, ok := manager.SavedConfig(); ok {
		// Reconnect the printer from the last run
		g.Go(func() error {
			if err := manager.Reconnect(gctx); err != nil {
				log.Warn("saved printer unavailable", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return server.Run(gctx, ":"+cfg.Port)
	})
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if dash != nil {
		g.Go(func() error {
			if err := dash.Run(gctx); err != nil {
				return err
			}
			// Quitting the dashboard stops the service
			stop()
			return nil
		})
	}

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Close(closeCtx)
	log.Info("printlink stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
