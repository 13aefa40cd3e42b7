// Package mediastream speaks the Twilio Media Streams WebSocket protocol.
//
// A telephony provider opens one WebSocket per call and streams JSON events:
// connected, start (carrying the stream and call identifiers), media (one
// base64 audio frame each), mark, dtmf, and finally stop. Assistant audio goes
// back on the same socket as media events tagged with the stream identifier.
//
// [Stream] is the narrow contract the relay depends on. [Conn] implements it
// over a gorilla/websocket connection obtained with [Accept].
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType is the value of the "event" field of a Media Streams message.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
)

// ErrClosed is returned by Stream methods once the connection is gone. Read
// failures of any kind are reported as ErrClosed: the call leg has ended.
var ErrClosed = errors.New("mediastream: stream closed")

// ProtocolError reports one inbound message that could not be decoded. The
// stream stays usable.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mediastream: malformed event: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Event is one decoded inbound message.
type Event struct {
	Type EventType

	// StreamSID and CallSID are populated for start events. CallSID may be
	// empty if the provider omitted it.
	StreamSID string
	CallSID   string

	// CustomParameters holds <Parameter> values from the TwiML Stream verb.
	CustomParameters map[string]string

	// Payload is the base64 audio of a media event.
	Payload string

	// Track is the media track ("inbound" or "outbound").
	Track string

	// Mark is the name of an acknowledged mark event.
	Mark string

	// Digit is the key pressed in a dtmf event.
	Digit string
}

// Stream is a bidirectional Media Streams connection.
//
// Recv must be called from a single goroutine. SendMedia is safe for
// concurrent use and may run alongside Recv.
type Stream interface {
	// Recv blocks until the next inbound event. It returns a *[ProtocolError]
	// for a malformed message and an error wrapping [ErrClosed] once the
	// connection has ended.
	Recv() (Event, error)

	// SendMedia sends one base64 audio frame to the caller, tagged with
	// streamSID.
	SendMedia(streamSID, payload string) error

	// Close closes the connection. Calling Close more than once is safe.
	Close() error
}

// Reencode decodes a base64 audio payload and encodes it again with standard
// padding. The bytes are not otherwise interpreted.
func Reencode(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("mediastream: decode payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ── Wire types ────────────────────────────────────────────────────────────────

type inboundMessage struct {
	Event     EventType     `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markMessage struct {
	Name string `json:"name"`
}

type dtmfMessage struct {
	Digit string `json:"digit"`
}

type outboundMedia struct {
	Event     EventType    `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     outboundBody `json:"media"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

// decode turns one raw message into an Event.
func decode(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, &ProtocolError{Raw: truncate(data), Err: err}
	}
	ev := Event{Type: msg.Event, StreamSID: msg.StreamSID}
	switch msg.Event {
	case "":
		return Event{}, &ProtocolError{Raw: truncate(data), Err: errors.New("missing event field")}
	case EventStart:
		if msg.Start == nil || msg.Start.StreamSID == "" {
			return Event{}, &ProtocolError{Raw: truncate(data), Err: errors.New("start without streamSid")}
		}
		ev.StreamSID = msg.Start.StreamSID
		ev.CallSID = msg.Start.CallSID
		ev.CustomParameters = msg.Start.CustomParameters
	case EventMedia:
		if msg.Media == nil {
			return Event{}, &ProtocolError{Raw: truncate(data), Err: errors.New("media without payload")}
		}
		ev.Payload = msg.Media.Payload
		ev.Track = msg.Media.Track
	case EventMark:
		if msg.Mark != nil {
			ev.Mark = msg.Mark.Name
		}
	case EventDTMF:
		if msg.DTMF != nil {
			ev.Digit = msg.DTMF.Digit
		}
	}
	return ev, nil
}

func truncate(b []byte) []byte {
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return append([]byte(nil), b...)
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Compile-time assertion that Conn satisfies Stream.
var _ Stream = (*Conn)(nil)

const (
	defaultWriteTimeout = 5 * time.Second
	maxMessageBytes     = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio does not send an Origin header; requests are authenticated by
	// signature on the webhook that hands out the stream URL.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Conn is a [Stream] over a gorilla/websocket connection.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// Accept upgrades an HTTP request to a Media Streams connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("mediastream: upgrade: %w", err)
	}
	return NewConn(ws), nil
}

// NewConn wraps an established WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageBytes)
	return &Conn{
		ws:           ws,
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

// Recv implements Stream.
func (c *Conn) Recv() (Event, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		if typ != websocket.TextMessage {
			// Media Streams only sends text frames.
			continue
		}
		return decode(data)
	}
}

// SendMedia implements Stream.
func (c *Conn) SendMedia(streamSID, payload string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	msg := outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     outboundBody{Payload: payload},
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Close implements Stream.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
