// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts encoded
// telephony audio and returns synthesised assistant audio plus a live
// transcript of what the assistant is saying, in a single stateful session.
// The OpenAI Realtime API is the reference backend.
//
// The central abstraction is SessionHandle: a duplex message channel to one
// backend session. Audio is exchanged as base64 strings exactly as they travel
// on the wire; the relay never decodes audio samples.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
)

// Server event types consumed by the relay. Any other type reported by a
// backend is passed through in [ServerEvent.Type] and may be ignored.
const (
	// EventAudioDelta carries a base64 chunk of assistant audio in Delta.
	EventAudioDelta = "response.audio.delta"

	// EventTranscriptDelta carries an incremental fragment of the assistant's
	// spoken text in Delta.
	EventTranscriptDelta = "response.audio_transcript.delta"

	// EventTranscriptDone marks the end of the assistant transcript for the
	// current response turn.
	EventTranscriptDone = "response.audio_transcript.done"

	// EventError reports a non-fatal backend error. Message holds the detail.
	EventError = "error"
)

// ErrClosed is returned by SessionHandle methods once the underlying
// connection has been closed, either locally or by the backend. The relay
// treats it as a normal termination signal, not a failure.
var ErrClosed = errors.New("s2s: session closed")

// ConnectError reports that a session could not be established: the
// handshake was rejected, timed out, or the configuration message could not
// be delivered. It is fatal for the call that requested the session.
type ConnectError struct {
	// Provider names the backend that failed (e.g. "openai").
	Provider string

	// Err is the underlying cause.
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("s2s: connect %s: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a single malformed message received from the backend.
// The session stays usable; callers log it and keep receiving.
type ProtocolError struct {
	// Raw is the offending message, truncated by the provider if large.
	Raw []byte

	// Err describes why the message could not be decoded.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("s2s: malformed server message: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SessionConfig is the initial configuration sent to the backend exactly once,
// immediately after the connection is established and before any audio.
type SessionConfig struct {
	// Voice is the provider-specific voice identity (e.g. "coral").
	Voice string

	// Instructions is the natural-language behaviour prompt for the assistant.
	Instructions string

	// Temperature is the generation temperature.
	Temperature float64

	// AudioFormat is the input and output audio encoding. Telephony streams use
	// narrowband G.711 µ-law ("g711_ulaw"), which is the default when empty.
	AudioFormat string

	// TranscriptionModel enables input audio transcription with the named
	// model. Empty disables it.
	TranscriptionModel string
}

// ServerEvent is one message received from the backend, reduced to the fields
// the relay needs.
type ServerEvent struct {
	// Type is the backend event type, e.g. [EventAudioDelta].
	Type string

	// Delta is the incremental payload of delta events: base64 audio for
	// [EventAudioDelta], text for [EventTranscriptDelta].
	Delta string

	// Message is the human-readable detail of an [EventError].
	Message string
}

// SessionHandle represents an open S2S session.
//
// SendAudio and Interrupt may be called concurrently with Recv. Recv must only
// be called from a single goroutine; it returns events in arrival order.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio appends one base64-encoded audio frame to the backend's input
	// buffer. Calls are delivered in order and never batched.
	SendAudio(ctx context.Context, payload string) error

	// Interrupt asks the backend to stop emitting assistant audio for the
	// current turn. Audio already in flight may still arrive.
	Interrupt(ctx context.Context) error

	// Recv blocks until the next server event arrives. It returns a
	// *[ProtocolError] for a malformed message (the session stays usable) and
	// an error wrapping [ErrClosed] once the session has ended.
	Recv(ctx context.Context) (ServerEvent, error)

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session and sends its configuration. The
	// returned SessionHandle is ready for audio. Failures are reported as
	// *[ConnectError].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Name returns a short provider label used in logs and metrics.
	Name() string
}
