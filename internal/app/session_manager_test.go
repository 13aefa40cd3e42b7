package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hotline/internal/app"
	"github.com/MrWong99/hotline/internal/config"
	"github.com/MrWong99/hotline/internal/relay"
	ccmock "github.com/MrWong99/hotline/pkg/provider/callcontrol/mock"
	"github.com/MrWong99/hotline/pkg/provider/s2s"
	s2smock "github.com/MrWong99/hotline/pkg/provider/s2s/mock"
	msmock "github.com/MrWong99/hotline/pkg/telephony/mediastream/mock"
)

const testTimeout = 2 * time.Second

// mutableConfig is a ConfigSource whose config can be swapped mid-test.
type mutableConfig struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (m *mutableConfig) Current() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *mutableConfig) Set(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// testConfig returns a valid config with defaults applied.
func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{}
	cfg.Realtime.APIKey = "sk-test"
	cfg.Twilio.AccountSID = "AC123"
	cfg.Twilio.AuthToken = "secret-token"
	cfg.Twilio.RedirectNumber = "+15550100"
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSessionManager(cfg app.ConfigSource, backend s2s.Provider) *app.SessionManager {
	return app.NewSessionManager(app.SessionManagerConfig{
		Config:     cfg,
		Backend:    backend,
		Redirector: &ccmock.Redirector{},
		Logger:     discardLogger(),
	})
}

// handleAsync runs HandleCall in the background and returns its result channel.
func handleAsync(sm *app.SessionManager, stream *msmock.Stream, base string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- sm.HandleCall(context.Background(), stream, base) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("HandleCall did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionManager_HandleCall(t *testing.T) {
	t.Parallel()

	provider := &s2smock.Provider{}
	sm := newTestSessionManager(app.StaticConfig(testConfig(func(c *config.Config) {
		c.Assistant.Voice = "alloy"
		c.Assistant.Instructions = "Answer in one sentence."
	})), provider)

	stream := msmock.NewStream()
	stream.Start("SS1", "CA1")
	stream.Media("AAAA")
	stream.Stop()

	if err := sm.HandleCall(context.Background(), stream, "https://hotline.example.com"); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if n := sm.Count(); n != 0 {
		t.Errorf("Count after call = %d, want 0", n)
	}

	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	got := calls[0].Cfg
	if got.Voice != "alloy" {
		t.Errorf("Voice = %q, want %q", got.Voice, "alloy")
	}
	if got.Instructions != "Answer in one sentence." {
		t.Errorf("Instructions = %q", got.Instructions)
	}
	if got.Temperature != config.DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", got.Temperature, config.DefaultTemperature)
	}
	if got.TranscriptionModel != config.DefaultTranscriptionModel {
		t.Errorf("TranscriptionModel = %q, want %q", got.TranscriptionModel, config.DefaultTranscriptionModel)
	}
	if stream.CloseCallCount() == 0 {
		t.Error("caller stream was not closed")
	}
}

func TestSessionManager_ActiveSnapshot(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(app.StaticConfig(testConfig(nil)), &s2smock.Provider{})

	stream := msmock.NewStream()
	stream.Start("SS42", "CA42")
	done := handleAsync(sm, stream, "https://hotline.example.com")

	waitFor(t, "started session", func() bool {
		active := sm.Active()
		return len(active) == 1 && active[0].StreamSID == "SS42"
	})

	info := sm.Active()[0]
	if info.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if info.CallSID != "CA42" {
		t.Errorf("CallSID = %q, want %q", info.CallSID, "CA42")
	}
	if info.CallbackBaseURL != "https://hotline.example.com" {
		t.Errorf("CallbackBaseURL = %q", info.CallbackBaseURL)
	}
	if info.State != relay.StateActive {
		t.Errorf("State = %s, want %s", info.State, relay.StateActive)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}

	stream.Stop()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	if n := len(sm.Active()); n != 0 {
		t.Errorf("Active after hangup = %d sessions, want 0", n)
	}
}

func TestSessionManager_RejectsAtCapacity(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(app.StaticConfig(testConfig(func(c *config.Config) {
		c.Relay.MaxConcurrentSessions = 1
	})), &s2smock.Provider{})

	first := msmock.NewStream()
	first.Start("SS1", "CA1")
	done := handleAsync(sm, first, "https://hotline.example.com")
	waitFor(t, "first session", func() bool { return sm.Count() == 1 })

	if err := sm.Check(context.Background()); !errors.Is(err, app.ErrAtCapacity) {
		t.Errorf("Check at capacity = %v, want ErrAtCapacity", err)
	}

	second := msmock.NewStream()
	err := sm.HandleCall(context.Background(), second, "https://hotline.example.com")
	if !errors.Is(err, app.ErrAtCapacity) {
		t.Fatalf("second HandleCall = %v, want ErrAtCapacity", err)
	}
	if second.CloseCallCount() != 1 {
		t.Errorf("refused stream Close calls = %d, want 1", second.CloseCallCount())
	}

	first.Stop()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("first HandleCall: %v", err)
	}
	if err := sm.Check(context.Background()); err != nil {
		t.Errorf("Check after hangup = %v, want nil", err)
	}
}

func TestSessionManager_StopEndsLiveCalls(t *testing.T) {
	t.Parallel()

	sm := newTestSessionManager(app.StaticConfig(testConfig(nil)), &s2smock.Provider{})

	streams := []*msmock.Stream{msmock.NewStream(), msmock.NewStream()}
	var dones []<-chan error
	for _, s := range streams {
		s.Start("SS", "CA")
		dones = append(dones, handleAsync(sm, s, "https://hotline.example.com"))
	}
	waitFor(t, "two sessions", func() bool { return sm.Count() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := sm.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for i, done := range dones {
		if err := waitErr(t, done); err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if n := sm.Count(); n != 0 {
		t.Errorf("Count after Stop = %d, want 0", n)
	}

	late := msmock.NewStream()
	if err := sm.HandleCall(context.Background(), late, "https://hotline.example.com"); !errors.Is(err, app.ErrStopped) {
		t.Errorf("HandleCall after Stop = %v, want ErrStopped", err)
	}
	if late.CloseCallCount() != 1 {
		t.Errorf("late stream Close calls = %d, want 1", late.CloseCallCount())
	}
	if err := sm.Check(context.Background()); !errors.Is(err, app.ErrStopped) {
		t.Errorf("Check after Stop = %v, want ErrStopped", err)
	}
}

func TestSessionManager_NewCallsUseCurrentConfig(t *testing.T) {
	t.Parallel()

	src := &mutableConfig{cfg: testConfig(nil)}
	provider := &s2smock.Provider{}
	sm := newTestSessionManager(src, provider)

	call := func() {
		t.Helper()
		s := msmock.NewStream()
		s.Start("SS", "CA")
		s.Stop()
		if err := sm.HandleCall(context.Background(), s, "https://hotline.example.com"); err != nil {
			t.Fatalf("HandleCall: %v", err)
		}
	}

	call()
	src.Set(testConfig(func(c *config.Config) { c.Assistant.Voice = "sage" }))
	call()

	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("Connect calls = %d, want 2", len(calls))
	}
	if calls[0].Cfg.Voice != config.DefaultVoice {
		t.Errorf("first call voice = %q, want %q", calls[0].Cfg.Voice, config.DefaultVoice)
	}
	if calls[1].Cfg.Voice != "sage" {
		t.Errorf("second call voice = %q, want %q", calls[1].Cfg.Voice, "sage")
	}
}

func TestSessionManager_ConnectFailure(t *testing.T) {
	t.Parallel()

	boom := &s2s.ConnectError{Err: errors.New("dial refused")}
	sm := newTestSessionManager(app.StaticConfig(testConfig(nil)), &s2smock.Provider{ConnectErr: boom})

	stream := msmock.NewStream()
	err := sm.HandleCall(context.Background(), stream, "https://hotline.example.com")
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("HandleCall = %v, want *s2s.ConnectError", err)
	}
	if stream.CloseCallCount() == 0 {
		t.Error("caller stream was not closed after connect failure")
	}
	if len(stream.Sent()) != 0 {
		t.Errorf("sent %d frames to the caller, want 0", len(stream.Sent()))
	}
	if n := sm.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}
