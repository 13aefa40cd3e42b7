package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hotline/internal/config"
	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/internal/relay"
	"github.com/MrWong99/hotline/internal/web"
	"github.com/MrWong99/hotline/pkg/provider/callcontrol"
	"github.com/MrWong99/hotline/pkg/provider/s2s"
	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

var (
	// ErrAtCapacity is returned by HandleCall when the concurrent session
	// limit has been reached.
	ErrAtCapacity = errors.New("app: too many concurrent sessions")

	// ErrStopped is returned by HandleCall after Stop.
	ErrStopped = errors.New("app: session manager stopped")
)

// ConfigSource returns the config currently in effect.
type ConfigSource interface {
	Current() *config.Config
}

// StaticConfig returns a ConfigSource that always yields cfg.
func StaticConfig(cfg *config.Config) ConfigSource { return web.Static{Config: cfg} }

// SessionInfo is a snapshot of one live relay session.
type SessionInfo struct {
	SessionID       string
	StreamSID       string
	CallSID         string
	CallbackBaseURL string
	StartedAt       time.Time
	State           relay.State
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config     ConfigSource
	Backend    s2s.Provider
	Redirector callcontrol.Redirector
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

// SessionManager runs one [relay.Relay] per accepted media stream and tracks
// the live ones. Every call reads the config current at the time it arrives,
// so persona changes apply to new calls only. All methods are safe for
// concurrent use.
type SessionManager struct {
	cfg        ConfigSource
	backend    s2s.Provider
	redirector callcontrol.Redirector
	metrics    *observe.Metrics
	log        *slog.Logger

	// base is cancelled by Stop and ends every live relay.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	relays  map[string]*relay.Relay
	stopped bool
}

// NewSessionManager creates a SessionManager with no live sessions.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	base, cancel := context.WithCancel(context.Background())
	m := &SessionManager{
		cfg:        cfg.Config,
		backend:    cfg.Backend,
		redirector: cfg.Redirector,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		base:       base,
		cancel:     cancel,
		relays:     make(map[string]*relay.Relay),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// HandleCall relays stream until the call ends, ctx is cancelled or Stop is
// called. It closes stream itself when the call is refused.
func (m *SessionManager) HandleCall(ctx context.Context, stream mediastream.Stream, callbackBaseURL string) error {
	cfg := m.cfg.Current()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = stream.Close()
		return ErrStopped
	}
	if limit := cfg.Relay.MaxConcurrentSessions; limit > 0 && len(m.relays) >= limit {
		m.mu.Unlock()
		_ = stream.Close()
		m.log.Warn("app: refusing call; session limit reached", "limit", limit)
		return fmt.Errorf("%w (limit %d)", ErrAtCapacity, limit)
	}
	id := uuid.NewString()
	r := relay.New(stream, m.backend, m.redirector, relayConfig(cfg, callbackBaseURL),
		relay.WithID(id),
		relay.WithMetrics(m.metrics),
		relay.WithLogger(m.log),
	)
	m.relays[id] = r
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.relays, id)
		m.mu.Unlock()
		m.wg.Done()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(m.base, cancel)
	defer stopOnShutdown()

	return r.Run(runCtx)
}

// Active returns a snapshot of live sessions, oldest first.
func (m *SessionManager) Active() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.relays))
	for id, r := range m.relays {
		s := r.Session()
		out = append(out, SessionInfo{
			SessionID:       id,
			StreamSID:       s.StreamSID(),
			CallSID:         s.CallSID(),
			CallbackBaseURL: s.CallbackBaseURL,
			StartedAt:       s.StartedAt,
			State:           r.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}

// Check fails while the manager is stopped or at its session limit, so that
// load balancers send new calls elsewhere.
func (m *SessionManager) Check(context.Context) error {
	limit := m.cfg.Current().Relay.MaxConcurrentSessions

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if limit > 0 && len(m.relays) >= limit {
		return fmt.Errorf("%w (%d/%d)", ErrAtCapacity, len(m.relays), limit)
	}
	return nil
}

// Stop refuses new calls, ends every live relay and waits for them to close
// or for ctx to expire.
func (m *SessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	live := len(m.relays)
	m.mu.Unlock()

	if live > 0 {
		m.log.Info("app: ending live sessions", "count", live)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: waiting for sessions: %w", ctx.Err())
	}
}

// relayConfig derives the per-call relay configuration.
func relayConfig(cfg *config.Config, callbackBaseURL string) relay.Config {
	return relay.Config{
		Session: s2s.SessionConfig{
			Voice:              cfg.Assistant.Voice,
			Instructions:       cfg.Assistant.Instructions,
			Temperature:        cfg.Assistant.Temperature,
			TranscriptionModel: cfg.Realtime.TranscriptionModel,
		},
		TriggerPhrase:   cfg.Assistant.TriggerPhrase,
		CallbackBaseURL: callbackBaseURL,
		RedirectPath:    cfg.Twilio.RedirectPath,
		IdleTimeout:     cfg.Relay.Idle(),
		MaxDuration:     cfg.Relay.Max(),
		ControlTimeout:  cfg.Relay.ControlTimeout,
	}
}
