// Package web exposes the hotline HTTP surface: the Twilio voice webhooks,
// the media stream WebSocket endpoint, health probes and the metrics scrape.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	twclient "github.com/twilio/twilio-go/client"

	"github.com/MrWong99/hotline/internal/config"
	"github.com/MrWong99/hotline/internal/health"
	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

// Route paths.
const (
	PathIncomingCall = "/incoming-call"
	PathMediaStream  = "/media-stream"
	PathMetrics      = "/metrics"
)

// welcomeMessage is returned by the root route.
const welcomeMessage = "Hotline media stream relay is running!"

// ConfigSource returns the config currently in effect. *config.Watcher
// satisfies it; [Static] wraps a fixed config.
type ConfigSource interface {
	Current() *config.Config
}

// Static is a [ConfigSource] that never changes.
type Static struct{ Config *config.Config }

// Current implements [ConfigSource].
func (s Static) Current() *config.Config { return s.Config }

// CallHandler runs one accepted media stream until the call ends.
// callbackBaseURL is the externally reachable base URL for this call.
type CallHandler interface {
	HandleCall(ctx context.Context, stream mediastream.Stream, callbackBaseURL string) error
}

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics sink for the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server routes hotline's HTTP traffic.
type Server struct {
	cfg            ConfigSource
	calls          CallHandler
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	log            *slog.Logger
	router         *mux.Router
}

// New builds the router. The redirect callback path is read from the config
// once; changing it requires a restart.
func New(cfg ConfigSource, calls CallHandler, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		calls:   calls,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(observe.Middleware(s.metrics, routeTemplate))

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.Handle(PathIncomingCall, s.twilioOnly(http.HandlerFunc(s.handleIncomingCall))).
		Methods(http.MethodGet, http.MethodPost)
	r.Handle(cfg.Current().Twilio.RedirectPath, s.twilioOnly(http.HandlerFunc(s.handleRedirectingCall))).
		Methods(http.MethodPost)
	r.HandleFunc(PathMediaStream, s.handleMediaStream).Methods(http.MethodGet)

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.Handle(PathMetrics, s.metricsHandler).Methods(http.MethodGet)
	}

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": welcomeMessage})
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	streamURL := websocketURL(baseURL(r, s.cfg.Current().Server.PublicURL)) + PathMediaStream
	doc, err := connectStreamTwiML(streamURL)
	if err != nil {
		s.log.Error("web: build incoming-call twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	observe.Logger(r.Context()).Info("web: incoming call", "call_sid", r.FormValue("CallSid"), "stream_url", streamURL)
	writeTwiML(w, doc)
}

func (s *Server) handleRedirectingCall(w http.ResponseWriter, r *http.Request) {
	number := s.cfg.Current().Twilio.RedirectNumber
	doc, err := dialTwiML(number)
	if err != nil {
		s.log.Error("web: build redirecting-call twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	observe.Logger(r.Context()).Info("web: dialling redirect number", "call_sid", r.FormValue("CallSid"))
	writeTwiML(w, doc)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r, s.cfg.Current().Server.PublicURL)
	conn, err := mediastream.Accept(w, r)
	if err != nil {
		// The upgrader has already answered the request.
		s.log.Warn("web: media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.log.Debug("web: media stream connected", "remote", r.RemoteAddr)

	if err := s.calls.HandleCall(r.Context(), conn, base); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("web: call ended with error", "remote", r.RemoteAddr, "err", err)
	}
}

// twilioOnly rejects webhook requests without a valid X-Twilio-Signature when
// signature validation is enabled.
func (s *Server) twilioOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Current()
		if !cfg.Twilio.ValidateSignatures {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		fullURL := baseURL(r, cfg.Server.PublicURL) + r.URL.RequestURI()
		validator := twclient.NewRequestValidator(cfg.Twilio.AuthToken)
		if !validator.Validate(fullURL, params, r.Header.Get("X-Twilio-Signature")) {
			s.log.Warn("web: rejected request with invalid twilio signature", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// baseURL returns the externally reachable base URL for r: the configured
// public URL when set, otherwise the request's Host with the forwarded scheme
// (https when none is given).
func baseURL(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return strings.TrimRight(publicURL, "/")
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}

// websocketURL maps an http(s) base URL to its ws(s) equivalent.
func websocketURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	return strings.TrimRight(u.String(), "/")
}

// routeTemplate labels requests by their mux route template so that metric
// cardinality stays bounded.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
