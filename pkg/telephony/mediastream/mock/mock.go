// Package mock provides a test double for mediastream.Stream.
//
// Script inbound events with Push / PushErr, then call Hangup to simulate the
// telephony provider closing the socket. Outbound media is recorded and can be
// inspected with Sent.
package mock

import (
	"sync"

	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

// SentMedia records one SendMedia call.
type SentMedia struct {
	StreamSID string
	Payload   string
}

type recvItem struct {
	ev  mediastream.Event
	err error
}

// Stream is a mock implementation of mediastream.Stream.
type Stream struct {
	mu sync.Mutex

	items chan recvItem
	done  chan struct{}
	once  sync.Once

	// SendErr, if non-nil, is returned by every SendMedia call.
	SendErr error

	sent       []SentMedia
	closeCalls int

	// onSend, if set, is invoked after each recorded SendMedia call.
	onSend func(SentMedia)
}

// NewStream returns a Stream with a buffered inbound queue.
func NewStream() *Stream {
	return &Stream{
		items: make(chan recvItem, 256),
		done:  make(chan struct{}),
	}
}

// Push queues ev for Recv.
func (s *Stream) Push(ev mediastream.Event) {
	s.items <- recvItem{ev: ev}
}

// PushErr queues err for Recv.
func (s *Stream) PushErr(err error) {
	s.items <- recvItem{err: err}
}

// Start queues a start event.
func (s *Stream) Start(streamSID, callSID string) {
	s.Push(mediastream.Event{Type: mediastream.EventStart, StreamSID: streamSID, CallSID: callSID})
}

// Media queues a media event.
func (s *Stream) Media(payload string) {
	s.Push(mediastream.Event{Type: mediastream.EventMedia, Payload: payload})
}

// Stop queues a stop event.
func (s *Stream) Stop() {
	s.Push(mediastream.Event{Type: mediastream.EventStop})
}

// Hangup simulates the remote end closing the socket. Events already queued
// are still delivered first.
func (s *Stream) Hangup() {
	s.once.Do(func() { close(s.done) })
}

// OnSend registers fn to be called after every SendMedia.
func (s *Stream) OnSend(fn func(SentMedia)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

// Recv implements mediastream.Stream.
func (s *Stream) Recv() (mediastream.Event, error) {
	select {
	case it := <-s.items:
		return it.ev, it.err
	default:
	}
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-s.done:
		return mediastream.Event{}, mediastream.ErrClosed
	}
}

// SendMedia implements mediastream.Stream.
func (s *Stream) SendMedia(streamSID, payload string) error {
	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return mediastream.ErrClosed
	}
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	m := SentMedia{StreamSID: streamSID, Payload: payload}
	s.sent = append(s.sent, m)
	fn := s.onSend
	s.mu.Unlock()
	if fn != nil {
		fn(m)
	}
	return nil
}

// Close implements mediastream.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.Hangup()
	return nil
}

// Sent returns a snapshot of all outbound media in order.
func (s *Stream) Sent() []SentMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMedia, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCallCount returns how many times Close was called.
func (s *Stream) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *Stream) closedLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var _ mediastream.Stream = (*Stream)(nil)
