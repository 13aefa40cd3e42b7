// Package relay bridges one telephone call's media stream to one speech AI
// backend session.
//
// A [Relay] owns a [Session] and runs two pumps against it: the inbound pump
// forwards caller audio to the backend and interrupts the assistant when the
// caller barges in; the outbound pump forwards assistant audio to the caller
// and watches the assistant's transcript for the trigger phrase that hands the
// call off to a human line. The first pump to finish ends the session.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/pkg/provider/callcontrol"
	"github.com/MrWong99/hotline/pkg/provider/s2s"
	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

const (
	defaultControlTimeout = 10 * time.Second

	// progressEvery is how many frames pass between progress log lines.
	progressEvery = 500
)

// errTerminated is the cancellation cause used when the relay ends itself.
var errTerminated = errors.New("relay: terminated")

// State is the lifecycle state of a [Relay].
type State int32

const (
	// StateConnecting means the backend session is being opened and configured.
	StateConnecting State = iota

	// StateActive means both pumps are running.
	StateActive

	// StateTerminating means one pump has finished and both transports are
	// being released.
	StateTerminating

	// StateClosed is terminal.
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EndReason records why a session ended. The first reason recorded wins.
type EndReason string

const (
	EndRedirected      EndReason = "redirected"
	EndCallerHangup    EndReason = "caller_hangup"
	EndTransportClosed EndReason = "transport_closed"
	EndIdleTimeout     EndReason = "idle_timeout"
	EndMaxDuration     EndReason = "max_duration"
	EndShutdown        EndReason = "shutdown"
	EndConnectError    EndReason = "connect_error"
)

// Config is the per-call relay configuration.
type Config struct {
	// Session is sent to the backend when it connects.
	Session s2s.SessionConfig

	// TriggerPhrase hands the call off when it appears in the assistant's
	// transcript. Matching is case-insensitive. Empty disables the handoff.
	TriggerPhrase string

	// CallbackBaseURL and RedirectPath form the URL the telephony provider
	// fetches new call instructions from after a redirect.
	CallbackBaseURL string
	RedirectPath    string

	// IdleTimeout ends a session with no activity in either direction.
	// Zero disables it.
	IdleTimeout time.Duration

	// MaxDuration caps the session lifetime. Zero disables it.
	MaxDuration time.Duration

	// ControlTimeout bounds the redirect request. Defaults to 10s.
	ControlTimeout time.Duration
}

// Stats counts what a relay has moved so far.
type Stats struct {
	InboundFrames  int64
	OutboundFrames int64
	BargeIns       int64
}

// Option is a functional option for [New].
type Option func(*Relay)

// WithID sets the session id used in logs and metrics.
func WithID(id string) Option {
	return func(r *Relay) { r.id = id }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithLogger sets the base logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// Relay runs one call. Create it with [New] and call [Relay.Run] once.
type Relay struct {
	id         string
	caller     mediastream.Stream
	backend    s2s.Provider
	redirector callcontrol.Redirector
	cfg        Config
	metrics    *observe.Metrics
	log        *slog.Logger

	session *Session
	trigger *triggerMatcher
	state   atomic.Int32

	mu        sync.Mutex
	handle    s2s.SessionHandle
	endReason EndReason
	cancel    context.CancelCauseFunc

	closeOnce sync.Once

	inFrames  atomic.Int64
	outFrames atomic.Int64
	bargeIns  atomic.Int64
}

// New returns a relay for one accepted caller stream. redirector may be nil,
// in which case a triggered redirect is logged and skipped.
func New(caller mediastream.Stream, backend s2s.Provider, redirector callcontrol.Redirector, cfg Config, opts ...Option) *Relay {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = defaultControlTimeout
	}
	r := &Relay{
		caller:     caller,
		backend:    backend,
		redirector: redirector,
		cfg:        cfg,
		metrics:    observe.DefaultMetrics(),
		log:        slog.Default(),
		trigger:    newTriggerMatcher(cfg.TriggerPhrase),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("session_id", r.id)
	r.session = NewSession(r.id, cfg.CallbackBaseURL)
	return r
}

// ID returns the session id.
func (r *Relay) ID() string { return r.id }

// Session returns the relay's conversation state.
func (r *Relay) Session() *Session { return r.session }

// State returns the current lifecycle state.
func (r *Relay) State() State { return State(r.state.Load()) }

// EndReason returns why the session ended, or "" while it is still running.
func (r *Relay) EndReason() EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endReason
}

// Stats returns frame counters.
func (r *Relay) Stats() Stats {
	return Stats{
		InboundFrames:  r.inFrames.Load(),
		OutboundFrames: r.outFrames.Load(),
		BargeIns:       r.bargeIns.Load(),
	}
}

// Run connects the backend and relays until the call ends, the redirect is
// triggered, a timeout fires or ctx is cancelled. Only a backend connect
// failure is returned as an error; every other ending is a normal close.
// Both transports are closed when Run returns.
func (r *Relay) Run(ctx context.Context) error {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "relay.session",
		trace.WithAttributes(attribute.String("session.id", r.id)))
	defer span.End()
	ctx = observe.WithLogger(ctx, r.log)

	r.metrics.ActiveSessions.Add(ctx, 1)
	defer r.metrics.ActiveSessions.Add(ctx, -1)

	r.setState(StateConnecting)
	connectStart := time.Now()
	handle, err := r.backend.Connect(ctx, r.cfg.Session)
	r.metrics.RecordBackendConnect(ctx, time.Since(connectStart), err)
	if err != nil {
		r.setEndReason(EndConnectError)
		r.setState(StateClosed)
		if cerr := r.caller.Close(); cerr != nil {
			r.log.Debug("relay: close caller stream", "err", cerr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend connect failed")
		r.metrics.RecordSessionEnd(ctx, string(EndConnectError), time.Since(start))
		observe.Logger(ctx).Error("relay: backend connect failed", "provider", r.backend.Name(), "err", err)
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(errTerminated)
	r.mu.Lock()
	r.handle = handle
	r.cancel = cancel
	r.mu.Unlock()

	r.setState(StateActive)
	observe.Logger(ctx).Info("relay: session active", "provider", r.backend.Name())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer r.terminate()
		return r.runInbound(gctx, handle)
	})
	g.Go(func() error {
		defer r.terminate()
		return r.runOutbound(gctx, handle)
	})
	g.Go(func() error {
		return r.watch(gctx)
	})
	waitErr := g.Wait()

	r.setState(StateClosed)
	reason := r.EndReason()
	if reason == "" {
		reason = EndTransportClosed
		r.setEndReason(reason)
	}
	stats := r.Stats()
	span.SetAttributes(
		attribute.String("session.end_reason", string(reason)),
		attribute.Int64("session.frames.inbound", stats.InboundFrames),
		attribute.Int64("session.frames.outbound", stats.OutboundFrames),
	)
	r.metrics.RecordSessionEnd(ctx, string(reason), time.Since(start))
	r.sessionLogger(ctx).Info("relay: session closed",
		"reason", reason,
		"duration", time.Since(start).Round(time.Millisecond),
		"inbound_frames", stats.InboundFrames,
		"outbound_frames", stats.OutboundFrames,
		"barge_ins", stats.BargeIns,
	)
	return waitErr
}

// watch enforces the idle and max-duration limits and releases the
// transports when the parent context is cancelled.
func (r *Relay) watch(ctx context.Context) error {
	var maxC <-chan time.Time
	if r.cfg.MaxDuration > 0 {
		t := time.NewTimer(r.cfg.MaxDuration)
		defer t.Stop()
		maxC = t.C
	}
	var idleC <-chan time.Time
	if r.cfg.IdleTimeout > 0 {
		tk := time.NewTicker(idleCheckInterval(r.cfg.IdleTimeout))
		defer tk.Stop()
		idleC = tk.C
	}

	for {
		select {
		case <-ctx.Done():
			if !errors.Is(context.Cause(ctx), errTerminated) {
				r.setEndReason(EndShutdown)
			}
			r.terminate()
			return nil
		case <-maxC:
			r.setEndReason(EndMaxDuration)
			r.sessionLogger(ctx).Info("relay: max session duration reached", "max_duration", r.cfg.MaxDuration)
			r.terminate()
			return nil
		case <-idleC:
			if idle := r.session.IdleFor(); idle >= r.cfg.IdleTimeout {
				r.setEndReason(EndIdleTimeout)
				r.sessionLogger(ctx).Info("relay: idle timeout", "idle", idle.Round(time.Millisecond))
				r.terminate()
				return nil
			}
		}
	}
}

func idleCheckInterval(idle time.Duration) time.Duration {
	return max(idle/4, time.Millisecond)
}

// terminate moves the relay to Terminating and closes both transports, which
// unblocks whichever pump is still waiting on a receive.
func (r *Relay) terminate() {
	r.closeOnce.Do(func() {
		r.setState(StateTerminating)

		r.mu.Lock()
		handle, cancel := r.handle, r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel(errTerminated)
		}
		if handle != nil {
			if err := handle.Close(); err != nil {
				r.log.Debug("relay: close backend session", "err", err)
			}
		}
		if err := r.caller.Close(); err != nil {
			r.log.Debug("relay: close caller stream", "err", err)
		}
	})
}

// endForTransport records the reason for a transport closing underneath a
// pump: a parent cancellation is a shutdown, anything else a closed transport.
func (r *Relay) endForTransport(ctx context.Context) {
	if ctx.Err() != nil && !errors.Is(context.Cause(ctx), errTerminated) {
		r.setEndReason(EndShutdown)
		return
	}
	r.setEndReason(EndTransportClosed)
}

func (r *Relay) setEndReason(reason EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endReason == "" {
		r.endReason = reason
	}
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// sessionLogger returns the trace-aware logger with the call identifiers
// known so far.
func (r *Relay) sessionLogger(ctx context.Context) *slog.Logger {
	l := observe.Logger(ctx)
	if sid := r.session.StreamSID(); sid != "" {
		l = l.With("stream_sid", sid)
	}
	if cid := r.session.CallSID(); cid != "" {
		l = l.With("call_sid", cid)
	}
	return l
}

// callbackURL joins the per-session base URL and the redirect path.
func callbackURL(base, path string) string {
	if path == "" {
		return strings.TrimRight(base, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base, "/") + path
}
