// Command dropbeam is the signaling and fallback-relay server for
// peer-to-peer file sharing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/dropbeam/internal/app"
	"github.com/MrWong99/dropbeam/internal/config"
	"github.com/MrWong99/dropbeam/internal/observe"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dropbeam", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dropbeam: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dropbeam: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, logLevel)
	slog.SetDefault(logger)

	slog.Info("dropbeam starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg,
		app.WithConfigFile(*configPath),
		app.WithLogLevelVar(logLevel),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         dropbeam — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printSetting("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printSetting("TLS", "enabled")
	} else {
		printSetting("TLS", "(disabled)")
	}
	if cfg.Server.StaticDir != "" {
		printSetting("Static dir", cfg.Server.StaticDir)
	} else {
		printSetting("Static dir", "(signaling only)")
	}
	printSetting("WS fallback", fmt.Sprintf("%t", cfg.Hub.WSFallback))
	printSetting("Keep-alive", cfg.Hub.KeepAlivePeriod.Std().String())
	printSetting("Rate limit", fmt.Sprintf("%d per %s",
		cfg.Hub.PairingRateLimit.Attempts,
		cfg.Hub.PairingRateLimit.Window.Std(),
	))
	if cfg.Server.TrustProxy {
		printSetting("Client IP from", cfg.Server.ProxyHeader)
	} else {
		printSetting("Client IP from", "socket address")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printSetting(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The level var is shared with the app
// so config reloads can change verbosity without a restart.
func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(level.Slog())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
