package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSession_StartIsImmutable(t *testing.T) {
	t.Parallel()
	s := NewSession("s1", "https://a.example.com")

	if s.Started() {
		t.Fatal("new session should not be started")
	}
	if !s.Start("SS1", "CA1") {
		t.Fatal("first Start should succeed")
	}
	if s.Start("SS2", "CA2") {
		t.Error("second Start should be rejected")
	}
	if s.StreamSID() != "SS1" || s.CallSID() != "CA1" {
		t.Errorf("ids = %q/%q, want SS1/CA1", s.StreamSID(), s.CallSID())
	}
}

func TestSession_TriggerRedirectIsMonotonic(t *testing.T) {
	t.Parallel()
	s := NewSession("s1", "")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TriggerRedirect() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Errorf("TriggerRedirect won %d times, want 1", n)
	}
	if !s.RedirectTriggered() {
		t.Error("flag should stay set")
	}
}

func TestSession_ForwardCallerFrame(t *testing.T) {
	t.Parallel()
	errSend := errors.New("send failed")

	tests := []struct {
		name         string
		setup        func(*Session)
		forwardErr   error
		wantErr      error
		wantBarge    bool
		wantCalls    []string
		wantSpeaking bool
	}{
		{
			name:    "before start",
			setup:   func(*Session) {},
			wantErr: errNotStarted,
		},
		{
			name:      "quiet assistant",
			setup:     func(s *Session) { s.Start("SS1", "CA1") },
			wantCalls: []string{"forward"},
		},
		{
			name: "speaking assistant",
			setup: func(s *Session) {
				s.Start("SS1", "CA1")
				_, _ = s.BeginAssistantFrame()
			},
			wantBarge: true,
			wantCalls: []string{"interrupt", "forward"},
		},
		{
			name: "after redirect",
			setup: func(s *Session) {
				s.Start("SS1", "CA1")
				s.TriggerRedirect()
			},
			wantErr: errRedirected,
		},
		{
			name:       "forward failure",
			setup:      func(s *Session) { s.Start("SS1", "CA1") },
			forwardErr: errSend,
			wantErr:    errSend,
			wantCalls:  []string{"forward"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession("s1", "")
			tt.setup(s)

			var calls []string
			barged, err := s.ForwardCallerFrame(
				func() error { calls = append(calls, "interrupt"); return nil },
				func() error { calls = append(calls, "forward"); return tt.forwardErr },
			)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if barged != tt.wantBarge {
				t.Errorf("bargedIn = %v, want %v", barged, tt.wantBarge)
			}
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("calls = %v, want %v", calls, tt.wantCalls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Errorf("call %d = %q, want %q", i, calls[i], tt.wantCalls[i])
				}
			}
			if s.AssistantSpeaking() != tt.wantSpeaking {
				t.Errorf("speaking = %v, want %v", s.AssistantSpeaking(), tt.wantSpeaking)
			}
		})
	}
}

func TestSession_FailedInterruptKeepsSpeaking(t *testing.T) {
	t.Parallel()
	s := NewSession("s1", "")
	s.Start("SS1", "CA1")
	_, _ = s.BeginAssistantFrame()

	forwarded := false
	_, err := s.ForwardCallerFrame(
		func() error { return errors.New("closed") },
		func() error { forwarded = true; return nil },
	)
	if err == nil {
		t.Fatal("expected the interrupt error")
	}
	if forwarded {
		t.Error("frame must not be forwarded when the interrupt fails")
	}
	if !s.AssistantSpeaking() {
		t.Error("speaking flag should remain set")
	}
}

func TestSession_BeginAssistantFrame(t *testing.T) {
	t.Parallel()
	s := NewSession("s1", "")
	if _, err := s.BeginAssistantFrame(); !errors.Is(err, errNotStarted) {
		t.Errorf("before start err = %v, want errNotStarted", err)
	}
	s.Start("SS1", "")
	sid, err := s.BeginAssistantFrame()
	if err != nil || sid != "SS1" {
		t.Errorf("BeginAssistantFrame = %q, %v; want SS1, nil", sid, err)
	}
	s.TriggerRedirect()
	if _, err := s.BeginAssistantFrame(); !errors.Is(err, errRedirected) {
		t.Errorf("after redirect err = %v, want errRedirected", err)
	}
}

func TestSession_IdleFor(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	s := newSession("s1", "", clock)
	advance(30 * time.Second)
	if got := s.IdleFor(); got != 30*time.Second {
		t.Errorf("IdleFor = %v, want 30s", got)
	}
	s.Touch()
	advance(time.Second)
	if got := s.IdleFor(); got != time.Second {
		t.Errorf("IdleFor after Touch = %v, want 1s", got)
	}
}
