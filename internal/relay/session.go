package relay

import (
	"errors"
	"sync"
	"time"
)

var (
	// errNotStarted reports media that arrived before the stream's start event.
	errNotStarted = errors.New("relay: stream not started")

	// errRedirected reports a frame offered after the redirect was triggered.
	errRedirected = errors.New("relay: redirect triggered")
)

// Session is the per-call conversation state shared by the inbound and
// outbound pumps. All methods are safe for concurrent use; every flag is
// guarded by a single mutex.
type Session struct {
	// ID identifies the session in logs and metrics.
	ID string

	// CallbackBaseURL is the externally reachable base URL captured when the
	// call connected. Redirect callbacks are built from it.
	CallbackBaseURL string

	StartedAt time.Time

	now func() time.Time

	mu           sync.Mutex
	started      bool
	streamSID    string
	callSID      string
	speaking     bool
	redirected   bool
	lastActivity time.Time
}

// NewSession returns a session that has not seen a start event yet.
func NewSession(id, callbackBaseURL string) *Session {
	return newSession(id, callbackBaseURL, time.Now)
}

func newSession(id, callbackBaseURL string, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:              id,
		CallbackBaseURL: callbackBaseURL,
		StartedAt:       t,
		now:             now,
		lastActivity:    t,
	}
}

// Start records the stream and call identifiers from the start event. The
// stream id is immutable once set: Start returns false and changes nothing
// when called a second time.
func (s *Session) Start(streamSID, callSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	s.streamSID = streamSID
	s.callSID = callSID
	return true
}

// StreamSID returns the telephony stream id, or "" before start.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// CallSID returns the call id, or "" when the start event did not carry one.
func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Started reports whether the start event has been seen.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// AssistantSpeaking reports whether assistant audio has been forwarded since
// the last barge-in.
func (s *Session) AssistantSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// RedirectTriggered reports whether the call has been handed off.
func (s *Session) RedirectTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirected
}

// TriggerRedirect marks the session as redirected. Only the first call
// returns true; the flag never resets.
func (s *Session) TriggerRedirect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redirected {
		return false
	}
	s.redirected = true
	return true
}

// ForwardCallerFrame runs the barge-in step for one caller audio frame as a
// single critical section: when the assistant is speaking, interrupt is
// called and the speaking flag cleared before forward is called.
//
// It returns errNotStarted or errRedirected without calling either function
// when the frame must not be relayed. Errors from interrupt or forward are
// returned as is.
func (s *Session) ForwardCallerFrame(interrupt, forward func() error) (bargedIn bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.redirected {
		return false, errRedirected
	}
	if !s.started {
		return false, errNotStarted
	}
	s.lastActivity = s.now()

	if s.speaking {
		if err := interrupt(); err != nil {
			return false, err
		}
		s.speaking = false
		bargedIn = true
	}
	return bargedIn, forward()
}

// BeginAssistantFrame marks the assistant as speaking and returns the stream
// id the frame must be tagged with. No frame may be forwarded once the
// redirect has been triggered.
func (s *Session) BeginAssistantFrame() (streamSID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.redirected {
		return "", errRedirected
	}
	if !s.started {
		return "", errNotStarted
	}
	s.speaking = true
	s.lastActivity = s.now()
	return s.streamSID, nil
}

// Touch records activity that is not audio, such as transcript events.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// IdleFor returns how long the session has gone without activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}
