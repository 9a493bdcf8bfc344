// Package app wires all dropbeam subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject prepared subsystems via functional options
// (WithHub, WithMetrics, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dropbeam/internal/config"
	"github.com/MrWong99/dropbeam/internal/hub"
	"github.com/MrWong99/dropbeam/internal/observe"
	"github.com/MrWong99/dropbeam/internal/web"
)

// serverStopTimeout bounds the HTTP server drain once Run's context is
// cancelled. Hijacked signaling sockets are closed by the hub, not the
// server, so this only covers plain HTTP requests.
const serverStopTimeout = 10 * time.Second

// App owns all subsystem lifetimes for one dropbeam instance.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics *observe.Metrics
	hub     *hub.Hub
	web     *web.Server
	watcher *config.Watcher

	configFile  string
	watcherOpts []config.WatcherOption
	logLevel    *slog.LevelVar

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHub injects a hub instead of creating one from the config.
func WithHub(h *hub.Hub) Option {
	return func(a *App) { a.hub = h }
}

// WithMetrics injects a metrics sink instead of using the global providers.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigFile enables hot reload by watching path for changes. Watcher
// options tune the polling interval.
func WithConfigFile(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configFile = path
		a.watcherOpts = opts
	}
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config reloads can change verbosity live.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Hub ───────────────────────────────────────────────────────────
	if a.hub == nil {
		h, err := hub.New(
			hub.WithMetrics(a.metrics),
			hub.WithSettings(hubSettings(cfg)),
		)
		if err != nil {
			return nil, fmt.Errorf("app: init hub: %w", err)
		}
		a.hub = h
	}

	// ── 3. Web server ────────────────────────────────────────────────────
	a.web = web.New(cfg.Server, a.hub, web.WithMetrics(a.metrics))

	// ── 4. Config watcher ────────────────────────────────────────────────
	if a.configFile != "" {
		w, err := config.NewWatcher(a.configFile, a.handleReload, a.watcherOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// Hub returns the signaling hub.
func (a *App) Hub() *hub.Hub { return a.hub }

// Addr returns the web server's listen address. Before Run binds it, this is
// the configured address.
func (a *App) Addr() string { return a.web.Addr() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listen address and serves until ctx is cancelled or the
// listener fails. On cancellation the HTTP server is drained and Run returns
// ctx's error, so a signal-triggered stop surfaces as context.Canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.web.Listen(); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	slog.Info("app running", "addr", a.web.Addr(), "signaling", web.SignalingPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.web.Serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		return a.web.Shutdown(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// handleReload is the watcher callback. Hub settings and the log level apply
// live; listener changes are only reported, since rebinding would sever
// every connected peer.
func (a *App) handleReload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.HubChanged {
		a.hub.ApplySettings(hubSettings(new))
		slog.Info("hub settings reloaded; applies to new connections")
	}

	if d.RestartNeeded {
		slog.Warn("listener configuration changed; restart to apply",
			"listen_addr", new.Server.ListenAddr,
		)
	}
}

// hubSettings maps the YAML config onto connection settings.
func hubSettings(cfg *config.Config) hub.Settings {
	return hub.Settings{
		RTCConfig:         cfg.Hub.RTCConfigJSON(),
		WSFallback:        cfg.Hub.WSFallback,
		KeepAlivePeriod:   cfg.Hub.KeepAlivePeriod.Std(),
		RateLimitAttempts: cfg.Hub.PairingRateLimit.Attempts,
		RateLimitWindow:   cfg.Hub.PairingRateLimit.Window.Std(),
		OriginPatterns:    cfg.Server.OriginPatterns,
		TrustProxy:        cfg.Server.TrustProxy,
		ProxyHeader:       cfg.Server.ProxyHeader,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every peer and tears down subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Peers first: the web server only drains plain HTTP, so hijacked
		// signaling sockets must be closed here.
		if err := a.hub.Shutdown(ctx); err != nil {
			slog.Warn("hub shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
