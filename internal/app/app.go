// Package app wires the hotline subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the router and the
// session manager, Run serves HTTP until the context is cancelled, and
// Shutdown drains and tears everything down in order.
//
// For testing, inject mock providers through [Providers] and a pre-bound
// listener through [WithListener].
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

	"github.com/MrWong99/hotline/internal/health"
	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/internal/web"
	"github.com/MrWong99/hotline/pkg/provider/callcontrol"
	"github.com/MrWong99/hotline/pkg/provider/s2s"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds the external services a call needs.
type Providers struct {
	// Backend opens one realtime session per call. Required.
	Backend s2s.Provider

	// Redirector hands calls off once the trigger phrase is heard. When nil
	// the trigger still ends the relay but the call is not redirected.
	Redirector callcontrol.Redirector
}

// checker is implemented by providers that can report their own readiness,
// such as a circuit-breaker guarded backend.
type checker interface {
	Check(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       ConfigSource
	providers Providers

	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	log       *slog.Logger
	listener  net.Listener

	health   *health.Handler
	sessions *SessionManager
	web      *web.Server
	server   *http.Server

	mu   sync.Mutex
	addr net.Addr

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithTelemetry uses t for metrics and exposes its scrape handler on /metrics.
// Shutdown flushes it.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics overrides the metric instruments. It takes precedence over the
// instruments carried by [WithTelemetry].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New assembles the application. Nothing is started until Run.
func New(cfg ConfigSource, providers Providers, opts ...Option) (*App, error) {
	if cfg == nil || cfg.Current() == nil {
		return nil, errors.New("app: config is required")
	}
	if providers.Backend == nil {
		return nil, errors.New("app: backend provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil && a.telemetry != nil {
		a.metrics = a.telemetry.Metrics
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Backend:    providers.Backend,
		Redirector: providers.Redirector,
		Metrics:    a.metrics,
		Logger:     a.log,
	})

	checks := []health.Checker{{Name: "sessions", Check: a.sessions.Check}}
	if c, ok := providers.Backend.(checker); ok {
		checks = append(checks, health.Checker{Name: "backend", Check: c.Check})
	}
	a.health = health.New(checks...)

	webOpts := []web.Option{
		web.WithHealth(a.health),
		web.WithMetrics(a.metrics),
		web.WithLogger(a.log),
	}
	if a.telemetry != nil && a.telemetry.Handler != nil {
		webOpts = append(webOpts, web.WithMetricsHandler(a.telemetry.Handler))
	}
	a.web = web.New(cfg, a.sessions, webOpts...)

	a.server = &http.Server{
		Handler:           a.web,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return a, nil
}

// Run serves HTTP until ctx is cancelled or the server fails. It returns
// ctx.Err() on cancellation; call Shutdown afterwards to drain live calls.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		addr := a.cfg.Current().Server.ListenAddr
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", addr, err)
		}
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	a.log.Info("app: listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting requests, ends every live call and flushes
// telemetry. It is safe to call more than once; later calls return the
// result of the first.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "live_sessions", a.sessions.Count())
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		// Media streams are hijacked connections which http.Server.Shutdown
		// does not track.
		if err := a.sessions.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: telemetry shutdown: %w", err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// Addr returns the address Run is serving on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.web }
