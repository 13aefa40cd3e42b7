package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/hotline/internal/config"
	"github.com/MrWong99/hotline/internal/health"
	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

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

// recordingCalls is a CallHandler that reads the first event and hangs up.
type recordingCalls struct {
	mu    sync.Mutex
	base  string
	first mediastream.Event
	done  chan struct{}
}

func newRecordingCalls() *recordingCalls {
	return &recordingCalls{done: make(chan struct{})}
}

func (c *recordingCalls) HandleCall(_ context.Context, stream mediastream.Stream, base string) error {
	defer close(c.done)
	defer stream.Close()
	ev, err := stream.Recv()
	c.mu.Lock()
	c.base, c.first = base, ev
	c.mu.Unlock()
	return err
}

func newTestServer(t *testing.T, cfg *config.Config, calls CallHandler, opts ...Option) *Server {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if calls == nil {
		calls = newRecordingCalls()
	}
	opts = append([]Option{
		WithMetrics(metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(Static{Config: cfg}, calls, opts...)
}

func TestRoot_Welcome(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig(nil), nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != welcomeMessage {
		t.Errorf("message = %q", body["message"])
	}
}

func TestIncomingCall_StreamURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		publicURL string
		header    map[string]string
		method    string
		want      string
	}{
		{
			name:   "request host",
			method: http.MethodPost,
			want:   "wss://example.com/media-stream",
		},
		{
			name:   "get is accepted",
			method: http.MethodGet,
			want:   "wss://example.com/media-stream",
		},
		{
			name:      "public url wins",
			publicURL: "https://hotline.example.org/",
			method:    http.MethodPost,
			want:      "wss://hotline.example.org/media-stream",
		},
		{
			name:   "forwarded plain http",
			header: map[string]string{"X-Forwarded-Proto": "http", "X-Forwarded-Host": "tunnel.example.net"},
			method: http.MethodPost,
			want:   "ws://tunnel.example.net/media-stream",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(func(c *config.Config) { c.Server.PublicURL = tt.publicURL })
			s := newTestServer(t, cfg, nil)

			req := httptest.NewRequest(tt.method, PathIncomingCall, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
				t.Errorf("Content-Type = %q", ct)
			}
			body := rec.Body.String()
			for _, want := range []string{"<Response>", "<Connect>", "<Stream", tt.want} {
				if !strings.Contains(body, want) {
					t.Errorf("body %q missing %q", body, want)
				}
			}
		})
	}
}

func TestRedirectingCall_Dials(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig(nil), nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, config.DefaultRedirectPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Dial") || !strings.Contains(body, "+15550100") {
		t.Errorf("body = %q, want a Dial to +15550100", body)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, config.DefaultRedirectPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestRedirectingCall_CustomPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig(func(c *config.Config) { c.Twilio.RedirectPath = "/handoff" })
	s := newTestServer(t, cfg, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/handoff", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// sign computes the X-Twilio-Signature for a form POST.
func sign(token, fullURL string, form url.Values) string {
	pairs := make([]string, 0, len(form))
	for k := range form {
		pairs = append(pairs, k+form.Get(k))
	}
	sort.Strings(pairs)
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(fullURL + strings.Join(pairs, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidation(t *testing.T) {
	t.Parallel()
	cfg := testConfig(func(c *config.Config) {
		c.Server.PublicURL = "https://hotline.example.com"
		c.Twilio.ValidateSignatures = true
	})
	s := newTestServer(t, cfg, nil)
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550123"}}

	tests := []struct {
		name       string
		signature  string
		wantStatus int
	}{
		{name: "missing", signature: "", wantStatus: http.StatusForbidden},
		{name: "wrong", signature: sign("other-token", "https://hotline.example.com/incoming-call", form), wantStatus: http.StatusForbidden},
		{name: "valid", signature: sign("secret-token", "https://hotline.example.com/incoming-call", form), wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, PathIncomingCall, strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.signature != "" {
				req.Header.Set("X-Twilio-Signature", tt.signature)
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	s := newTestServer(t, testConfig(nil), nil,
		WithHealth(health.New()),
		WithMetricsHandler(scrape),
	)

	for _, path := range []string{"/healthz", "/readyz", PathMetrics} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMediaStream_HandsConnectionToCallHandler(t *testing.T) {
	t.Parallel()
	calls := newRecordingCalls()
	srv := httptest.NewServer(newTestServer(t, testConfig(nil), calls))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + PathMediaStream
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	start := `{"event":"start","start":{"streamSid":"SS1","callSid":"CA1"},"streamSid":"SS1"}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-calls.done:
	case <-time.After(2 * time.Second):
		t.Fatal("call handler did not finish")
	}

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if calls.first.Type != mediastream.EventStart || calls.first.StreamSID != "SS1" || calls.first.CallSID != "CA1" {
		t.Errorf("first event = %+v", calls.first)
	}
	if want := "https://" + srv.Listener.Addr().String(); calls.base != want {
		t.Errorf("callback base = %q, want %q", calls.base, want)
	}
}

func TestMediaStream_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig(nil), nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathMediaStream, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-upgrade request", rec.Code)
	}
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://a.example.com":   "wss://a.example.com",
		"http://localhost:5050":   "ws://localhost:5050",
		"https://a.example.com/":  "wss://a.example.com",
		"https://a.example.com/x": "wss://a.example.com/x",
	}
	for in, want := range tests {
		if got := websocketURL(in); got != want {
			t.Errorf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
