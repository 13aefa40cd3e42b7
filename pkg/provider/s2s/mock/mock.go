// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script server events and inspect which methods the relay
// invoked, in order.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.Push(s2s.ServerEvent{Type: s2s.EventAudioDelta, Delta: "AAAA"})
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hotline/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns a snapshot of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Op names recorded in Session.Ops.
const (
	OpSendAudio = "send_audio"
	OpInterrupt = "interrupt"
)

// Op records one outgoing call made on a Session.
type Op struct {
	// Kind is OpSendAudio or OpInterrupt.
	Kind string
	// Payload is the audio passed to SendAudio; empty for Interrupt.
	Payload string
}

type recvItem struct {
	ev  s2s.ServerEvent
	err error
}

// Session is a mock implementation of s2s.SessionHandle.
//
// Events queued with Push and PushErr are returned by Recv in order. After
// Close (or EndStream), Recv drains nothing further and returns s2s.ErrClosed.
type Session struct {
	mu sync.Mutex

	items chan recvItem
	done  chan struct{}
	once  sync.Once

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Recorded calls ---

	ops        []Op
	closeCalls int
}

// NewSession returns a Session with a buffered event queue.
func NewSession() *Session {
	return &Session{
		items: make(chan recvItem, 256),
		done:  make(chan struct{}),
	}
}

// Push queues ev to be returned by Recv.
func (s *Session) Push(ev s2s.ServerEvent) {
	s.items <- recvItem{ev: ev}
}

// PushErr queues err to be returned by Recv.
func (s *Session) PushErr(err error) {
	s.items <- recvItem{err: err}
}

// EndStream simulates the backend closing the connection.
func (s *Session) EndStream() {
	s.once.Do(func() { close(s.done) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return s2s.ErrClosed
	}
	s.ops = append(s.ops, Op{Kind: OpSendAudio, Payload: payload})
	return s.SendAudioErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return s2s.ErrClosed
	}
	s.ops = append(s.ops, Op{Kind: OpInterrupt})
	return s.InterruptErr
}

// Recv returns the next queued item. Queued items take precedence over a
// closed session so that scripted events are never lost to a race.
func (s *Session) Recv(ctx context.Context) (s2s.ServerEvent, error) {
	select {
	case it := <-s.items:
		return it.ev, it.err
	default:
	}
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-s.done:
		return s2s.ServerEvent{}, s2s.ErrClosed
	case <-ctx.Done():
		return s2s.ServerEvent{}, s2s.ErrClosed
	}
}

// Close records the call, ends the stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.EndStream()
	return s.CloseErr
}

// Ops returns a snapshot of all SendAudio and Interrupt calls in order.
func (s *Session) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// SentAudio returns the payloads passed to SendAudio in order.
func (s *Session) SentAudio() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, op := range s.ops {
		if op.Kind == OpSendAudio {
			out = append(out, op.Payload)
		}
	}
	return out
}

// CloseCallCount returns how many times Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.isDone()
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
