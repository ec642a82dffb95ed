// Package app wires all Cadenza subsystems into a running control plane.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithLatencyStore,
// WithSessionStore, …). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-ai/cadenza/internal/audiobus"
	"github.com/cadenza-ai/cadenza/internal/audiocache"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/health"
	"github.com/cadenza-ai/cadenza/internal/idle"
	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/pkg/latency"
	latencystorage "github.com/cadenza-ai/cadenza/pkg/latency/storage"
	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
	"github.com/cadenza-ai/cadenza/pkg/session"
	sessionpg "github.com/cadenza-ai/cadenza/pkg/session/postgres"
)

// Providers holds one interface value per provider slot, populated by
// main.go via the config registry.
type Providers struct {
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	store    latency.Store
	sessions session.Store
	idleMgr  *idle.Manager
	cache    *audiocache.Cache
	bus      *audiobus.Bus
	orch     *latency.Orchestrator
	httpSrv  *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithLatencyStore injects a latency store instead of creating one from
// config.
func WithLatencyStore(s latency.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSessionStore injects a session store instead of creating one from
// config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithMetrics injects a metrics instance instead of using the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Latency store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Session store ─────────────────────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 3. Idle manager ──────────────────────────────────────────────────
	if err := a.initIdle(); err != nil {
		return nil, fmt.Errorf("app: init idle manager: %w", err)
	}

	// ── 4. Audio cache + bus ─────────────────────────────────────────────
	a.cache = audiocache.New(a.providers.TTS, cfg.Audio.CacheCapacity)
	a.bus = audiobus.New(audiobus.Config{
		Sessions:      a.sessions,
		Cache:         a.cache,
		Activity:      a.idleMgr,
		PrefetchAhead: cfg.Audio.PrefetchSegments,
		ObserveMessage: func(msgType, outcome string) {
			a.metrics.RecordBusMessage(context.Background(), msgType, outcome)
		},
	})

	// ── 5. Latency orchestrator ──────────────────────────────────────────
	a.orch = latency.NewOrchestrator(a.store, latency.Options{
		UnitTimeout:   cfg.Latency.UnitTimeout,
		MaxRetries:    cfg.Latency.MaxRetries,
		RunTimeout:    cfg.Latency.RunTimeout,
		FlushEvery:    cfg.Latency.FlushEvery,
		FlushInterval: cfg.Latency.FlushInterval,
		ObserveResult: func(res latency.TestResult) {
			status := "ok"
			if !res.Success {
				status = string(res.ErrorKind)
			}
			a.metrics.RecordUnit(context.Background(), res.ConfigID, status, res.Latencies.EndToEnd/1000)
		},
	})
	for _, suite := range []latency.TestSuiteDefinition{
		latency.QuickValidationSuite(),
		latency.ProviderComparisonSuite(),
	} {
		if err := a.orch.RegisterSuite(ctx, suite); err != nil {
			return nil, fmt.Errorf("app: register suite %q: %w", suite.ID, err)
		}
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		store, err := latencystorage.NewPostgresStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	default:
		store, err := latencystorage.NewFileStore(a.cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

func (a *App) initSessions(ctx context.Context) error {
	if a.sessions != nil {
		return nil
	}

	switch a.cfg.Sessions.Backend {
	case config.SessionsPostgres:
		store, err := sessionpg.New(ctx, a.cfg.Sessions.PostgresDSN)
		if err != nil {
			return err
		}
		a.sessions = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	default:
		a.sessions = session.NewMemStore()
	}
	return nil
}

func (a *App) initIdle() error {
	profiles, err := idle.NewFileProfileStore(a.cfg.Idle.ProfileDir)
	if err != nil {
		return err
	}

	a.idleMgr, err = idle.NewManager(idle.Config{
		Interval: a.cfg.Idle.MonitorInterval,
		Mode:     a.cfg.Idle.Mode,
		Profiles: profiles,
		ObserveState: func(s idle.State) {
			a.metrics.RecordIdleTransition(context.Background(), s.String(), s.Level())
		},
	})
	return err
}

func (a *App) initHTTP() {
	checks := health.New()
	checks.AddCheck("storage", func(ctx context.Context) error {
		_, err := a.store.ListSuites(ctx)
		return err
	})
	checks.AddCheck("sessions", func(ctx context.Context) error {
		// A missing probe session means the store answered; only
		// transport-level failures are unhealthy.
		_, err := a.sessions.Get(ctx, "readyz-probe")
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	})

	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("/ws/audio", a.bus.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the latency test orchestrator.
func (a *App) Orchestrator() *latency.Orchestrator { return a.orch }

// Bus returns the audio session bus.
func (a *App) Bus() *audiobus.Bus { return a.bus }

// IdleManager returns the idle state manager.
func (a *App) IdleManager() *idle.Manager { return a.idleMgr }

// SessionStore returns the session store.
func (a *App) SessionStore() session.Store { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the idle monitor and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.idleMgr.Start()

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
	}
	slog.Info("http server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order, respecting the
// context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.orch.Close(ctx); err != nil {
			slog.Warn("orchestrator close error", "err", err)
		}
		a.idleMgr.Stop()

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
