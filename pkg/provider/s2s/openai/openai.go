// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a WebSocket connection to the OpenAI Realtime endpoint and
// exchanges JSON events according to the Realtime API protocol. Audio travels
// as base64-encoded G.711 µ-law frames and is never decoded here; server-side
// voice activity detection decides when the assistant answers.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/hotline/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// DefaultTranscriptionModel is the input transcription model used when the
// configuration does not name one.
const DefaultTranscriptionModel = "whisper-1"

const (
	defaultModel       = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultAudioFormat = "g711_ulaw"

	// maxMessageBytes bounds a single server event. Audio deltas for a
	// narrowband stream stay far below this.
	maxMessageBytes = 1 << 20

	// maxRawBytes bounds the copy of a malformed message kept in a ProtocolError.
	maxRawBytes = 512
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "openai" }

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, p.connectErr(fmt.Errorf("parse base url: %w", err))
	}
	q := u.Query()
	q.Set("model", p.model)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil {
			return nil, p.connectErr(fmt.Errorf("dial: handshake status %d: %w", resp.StatusCode, err))
		}
		return nil, p.connectErr(fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(maxMessageBytes)

	sess := &session{conn: conn}
	if err := sess.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, p.connectErr(fmt.Errorf("session update: %w", err))
	}

	return sess, nil
}

func (p *Provider) connectErr(err error) error {
	return &s2s.ConnectError{Provider: p.Name(), Err: err}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	TurnDetection           turnDetection  `json:"turn_detection"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Modalities              []string       `json:"modalities"`
	Temperature             float64        `json:"temperature"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type transcription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64, relayed as received
}

type typedMessage struct {
	Type string `json:"type"`
}

// newSessionUpdate builds the one-time session.update event for cfg.
func newSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	format := cfg.AudioFormat
	if format == "" {
		format = defaultAudioFormat
	}
	params := sessionParams{
		TurnDetection:     turnDetection{Type: "server_vad"},
		InputAudioFormat:  format,
		OutputAudioFormat: format,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       cfg.Temperature,
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

// session implements s2s.SessionHandle over one Realtime WebSocket.
type session struct {
	conn *websocket.Conn

	// writeMu serialises writes so that frames leave in call order.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// SendAudio implements s2s.SessionHandle.
func (s *session) SendAudio(ctx context.Context, payload string) error {
	return s.writeJSON(ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload})
}

// Interrupt implements s2s.SessionHandle.
func (s *session) Interrupt(ctx context.Context) error {
	return s.writeJSON(ctx, typedMessage{Type: "stop_audio_output"})
}

// Recv implements s2s.SessionHandle.
func (s *session) Recv(ctx context.Context) (s2s.ServerEvent, error) {
	if s.isClosed() {
		return s2s.ServerEvent{}, s2s.ErrClosed
	}
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return s2s.ServerEvent{}, fmt.Errorf("openai: recv: %w (%w)", s2s.ErrClosed, err)
	}
	if typ != websocket.MessageText {
		return s2s.ServerEvent{}, &s2s.ProtocolError{Raw: truncate(data), Err: errors.New("unexpected binary frame")}
	}

	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return s2s.ServerEvent{}, &s2s.ProtocolError{Raw: truncate(data), Err: err}
	}
	if ev.Type == "" {
		return s2s.ServerEvent{}, &s2s.ProtocolError{Raw: truncate(data), Err: errors.New("missing type")}
	}

	out := s2s.ServerEvent{Type: ev.Type, Delta: ev.Delta}
	if ev.Error != nil {
		out.Message = ev.Error.Message
		if ev.Error.Code != "" {
			out.Message = ev.Error.Code + ": " + ev.Error.Message
		}
	}
	return out, nil
}

// Close implements s2s.SessionHandle.
func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		// The peer may already be gone; that is the state we wanted anyway.
		var ce websocket.CloseError
		if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// writeJSON marshals v and sends it as a single WebSocket text frame.
func (s *session) writeJSON(ctx context.Context, v any) error {
	if s.isClosed() {
		return s2s.ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w (%w)", s2s.ErrClosed, err)
	}
	return nil
}

func truncate(b []byte) []byte {
	if len(b) > maxRawBytes {
		b = b[:maxRawBytes]
	}
	return append([]byte(nil), b...)
}
