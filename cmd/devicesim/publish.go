package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/devicesim/internal/api"
	"github.com/nugget/devicesim/internal/buildinfo"
	"github.com/nugget/devicesim/internal/config"
	"github.com/nugget/devicesim/internal/connwatch"
	"github.com/nugget/devicesim/internal/device"
	"github.com/nugget/devicesim/internal/events"
	"github.com/nugget/devicesim/internal/metrics"
	"github.com/nugget/devicesim/internal/opstate"
	"github.com/nugget/devicesim/internal/publisher"
	"github.com/nugget/devicesim/internal/telemetry"
	"github.com/nugget/devicesim/internal/transport"
)

// ledgerFile is the SQLite database under the data directory.
const ledgerFile = "devicesim.db"

// runPublish is the run command: it wires the generator, encoder,
// transport, and observability around a publisher loop and runs it
// until interrupted, the message limit is reached, or a fatal error.
func runPublish(ctx context.Context, stdout io.Writer, f runFlags, descriptor string, getenv func(string) string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting devicesim", "build", buildinfo.String())

	cfg, cfgPath, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, f); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	// Validated above, so the level parses.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	desc, err := resolveDescriptor(descriptor, cfg.Transport, getenv)
	if err != nil {
		return err
	}

	// --- Device identity and ledger ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	deviceID, err := device.Resolve(cfg.DeviceID, cfg.DataDir)
	if err != nil {
		return err
	}
	dbPath := filepath.Join(cfg.DataDir, ledgerFile)
	store, err := opstate.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open ledger database %s: %w", dbPath, err)
	}
	defer store.Close()
	ledger := opstate.NewLedger(store, deviceID)

	logger = logger.With("device_id", deviceID)
	logger.Info("device ready",
		"transport", desc.Kind,
		"target", desc.String(),
		"ledger", dbPath,
	)

	// --- Observability ---
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	bus := events.New()

	// --- Transport and loop ---
	client, err := newTransport(desc, cfg.Transport, deviceID, logger)
	if err != nil {
		return err
	}
	gen := telemetry.NewGenerator(telemetry.GeneratorOptions{
		BaseTemp:      cfg.Generator.BaseTemp,
		TempRange:     cfg.Generator.TempRange,
		BaseHumidity:  cfg.Generator.BaseHumidity,
		HumidityRange: cfg.Generator.HumidityRange,
		Seed:          cfg.Generator.Seed,
	})
	enc := telemetry.NewEncoder(cfg.Encoder.AlertThreshold)

	loop := publisher.New(publisher.Config{
		Interval:    cfg.Publisher.Interval,
		AckTimeout:  cfg.Publisher.AckTimeout,
		MaxMessages: cfg.Publisher.MaxMessages,
		Retry:       retryPolicy(cfg.Transport.Retry),
		Transport:   desc.Kind,
	}, gen, enc, client,
		publisher.WithLogger(logger),
		publisher.WithEvents(bus),
		publisher.WithMetrics(m),
		publisher.WithLedger(ledger),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connection health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	if prober, ok := client.(transport.Prober); ok {
		watchConnection(ctx, connMgr, prober, desc, cfg.Transport.HealthInterval, bus, m)
	}

	// --- Monitor server ---
	var server *api.Server
	if cfg.Listen.Enabled() {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, deviceID, logger)
		server.SetStats(loop)
		server.SetLedger(ledger)
		server.SetMetrics(m)
		server.SetEvents(bus)
		server.SetHealth(connMgr)
		if err := server.Listen(ctx); err != nil {
			logger.Error("monitor server failed", "error", err)
		} else {
			go func() {
				if err := server.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("monitor server failed", "error", err)
				}
			}()
		}
	}

	runErr := loop.Run(ctx)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("monitor server shutdown failed", "error", err)
		}
		shutdownCancel()
	}

	stats := loop.Stats()
	logger.Info("devicesim stopped",
		"attempts", stats.Attempts,
		"acked", stats.Acked,
		"failed", stats.Failed,
		"timed_out", stats.TimedOut,
		"slot_busy", stats.SlotBusy,
		"late_acks", stats.LateAcks,
	)
	return runErr
}

// watchConnection registers a health watcher on the open transport.
// Transitions are published on the bus and the connected gauge.
func watchConnection(ctx context.Context, mgr *connwatch.Manager, p transport.Prober, desc transport.Descriptor, interval time.Duration, bus *events.Bus, m *metrics.Metrics) {
	target := desc.String()
	mgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  desc.Kind,
		Probe: p.Probe,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     interval,
			PollInterval: interval,
		},
		OnReady: func() {
			m.SetConnected(true)
			bus.Emit(events.SourceTransport, events.KindConnected, map[string]any{"target": target})
		},
		OnDown: func(err error) {
			m.SetConnected(false)
			bus.Emit(events.SourceTransport, events.KindDisconnected, map[string]any{
				"target": target,
				"error":  err.Error(),
			})
		},
	})
}
