package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gyaneshwarpardhi/anonsdk/internal/api"
	"github.com/gyaneshwarpardhi/anonsdk/internal/config"
	"github.com/gyaneshwarpardhi/anonsdk/internal/engine"
	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
	"github.com/gyaneshwarpardhi/anonsdk/internal/sensing"
)

func main() {
	flags := pflag.NewFlagSet("anonagent", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "configs/agent.yaml", "Path to agent YAML config")
	addr := flags.String("addr", "", "HTTP listen address (overrides server.addr)")
	debug := flags.Bool("debug", false, "Force debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	setLevel(level, cfg.Client.DebugMode || *debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage and network ──────────────────────────────────────────────────
	store, closeStore, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	sender, err := openSender(ctx, cfg.Client, cfg.Network)
	if err != nil {
		slog.Error("failed to build network adapter", "kind", cfg.Network.Kind, "err", err)
		os.Exit(1)
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	eng := engine.New()
	granted := cfg.Client.Consent != "revoked"
	err = eng.Init(ctx, engine.Config{
		APIKey:                  cfg.Client.APIKey,
		Endpoint:                cfg.Client.Endpoint,
		BatchSize:               cfg.Client.BatchSize,
		FlushInterval:           cfg.Client.FlushInterval(),
		SessionTimeout:          cfg.Client.SessionTimeout(),
		DrainDelay:              cfg.Client.DrainDelay(),
		DebugMode:               cfg.Client.DebugMode,
		DisableGeoAnonymization: cfg.Client.DisableGeoAnonymization,
		StartOffline:            cfg.Client.StartOffline,
		OnConsent:               func() bool { return granted },
		Storage:                 store,
		Network:                 sender,
		Device:                  deviceMeta(cfg.Device),
		Logger:                  logger,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	slog.Info("engine ready", "state", eng.State(), "anon_id", eng.AnonID(), "pending", eng.PendingEventsCount())

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.AgentConfig) {
		eng.Reconfigure(engine.Tunables{
			BatchSize:      newCfg.Client.BatchSize,
			FlushInterval:  newCfg.Client.FlushInterval(),
			SessionTimeout: newCfg.Client.SessionTimeout(),
			DebugMode:      newCfg.Client.DebugMode,
		})
		setLevel(level, newCfg.Client.DebugMode || *debug)
		slog.Info("config hot-reloaded", "batch_size", newCfg.Client.BatchSize)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Sensing ───────────────────────────────────────────────────────────────
	if cfg.Sensing.Enabled {
		p := sensing.NewProducer(eng, cfg.Sensing.Zones, cfg.Sensing.Interval(), uint64(time.Now().UnixNano()))
		go p.Run(ctx)
		slog.Info("sensing started", "zones", len(cfg.Sensing.Zones), "interval", cfg.Sensing.Interval())
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	listen := cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}
	srv := &http.Server{
		Addr:         listen,
		Handler:      api.New(eng, loader),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop sensing

	res := eng.Flush(shutCtx)
	slog.Info("final flush", "status", res.Status, "sent", res.Sent, "remaining", res.Remaining)
	eng.Cleanup()
	slog.Info("goodbye")
}

func setLevel(level *slog.LevelVar, debug bool) {
	if debug {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

func deviceMeta(d config.DeviceConf) *event.DeviceMeta {
	if d == (config.DeviceConf{}) {
		return nil
	}
	return &event.DeviceMeta{
		Platform:    d.Platform,
		OSVersion:   d.OSVersion,
		DeviceClass: d.DeviceClass,
		AppVersion:  d.AppVersion,
		Locale:      d.Locale,
		Timezone:    d.Timezone,
	}
}
