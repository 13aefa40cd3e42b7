// Package config provides the configuration schema and loader for the hotline
// relay server.
package config

import "time"

// LogLevel controls log verbosity for the hotline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr         = ":5050"
	DefaultModel              = "gpt-4o-realtime-preview-2024-10-01"
	DefaultTranscriptionModel = "whisper-1"
	DefaultRedirectPath       = "/redirecting-call"
	DefaultVoice              = "coral"
	DefaultTemperature        = 1.1
	DefaultTriggerPhrase      = "108"
	DefaultIdleTimeout        = 2 * time.Minute
	DefaultMaxDuration        = 30 * time.Minute
	DefaultControlTimeout     = 10 * time.Second
	DefaultBreakerFailures    = 5
	DefaultBreakerReset       = 30 * time.Second

	DefaultInstructions = "As soon as the call starts, say 'Hey, how can I help ya?' You are a helpful assistant " +
		"who delivers very concise responses. Identify the customer's problem and redirect them to the right person " +
		"according to their issue. If someone could use advice from a doctor, ask if they would like to be redirected. " +
		"If they say yes, say 108. You must stop speaking if the user starts talking during your response."
)

// Config is the root configuration structure for hotline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Assistant AssistantConfig `yaml:"assistant"`
	Relay     RelayConfig     `yaml:"relay"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5050").
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally reachable base URL (e.g.,
	// "https://hotline.example.com"). When empty, the Host header of each
	// request is used to build callback and stream URLs.
	PublicURL string `yaml:"public_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RealtimeConfig configures the speech AI backend.
type RealtimeConfig struct {
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the Realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// TranscriptionModel enables caller-audio transcription on the backend.
	TranscriptionModel string `yaml:"transcription_model"`
}

// TwilioConfig configures the telephony provider.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// RedirectNumber is the human line dialled after a redirect.
	RedirectNumber string `yaml:"redirect_number"`

	// RedirectPath is the path of the callback route that returns the Dial
	// instructions. It is joined to the per-session base URL.
	RedirectPath string `yaml:"redirect_path"`

	// ValidateSignatures enables X-Twilio-Signature checks on webhook routes.
	ValidateSignatures bool `yaml:"validate_signatures"`
}

// AssistantConfig is the persona sent to the backend at the start of every
// session. Changes apply to new sessions only.
type AssistantConfig struct {
	Voice        string  `yaml:"voice"`
	Instructions string  `yaml:"instructions"`
	Temperature  float64 `yaml:"temperature"`

	// TriggerPhrase, when spoken by the assistant, redirects the call.
	// Matching is case-insensitive.
	TriggerPhrase string `yaml:"trigger_phrase"`
}

// RelayConfig bounds the lifetime of a relay session. Nil durations take the
// package defaults; an explicit zero disables the limit.
type RelayConfig struct {
	IdleTimeout    *time.Duration `yaml:"idle_timeout"`
	MaxDuration    *time.Duration `yaml:"max_duration"`
	ControlTimeout time.Duration  `yaml:"control_timeout"`

	// MaxConcurrentSessions caps simultaneous calls. 0 means unlimited.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// Idle returns the effective idle timeout.
func (r RelayConfig) Idle() time.Duration {
	if r.IdleTimeout == nil {
		return DefaultIdleTimeout
	}
	return *r.IdleTimeout
}

// Max returns the effective maximum session duration.
func (r RelayConfig) Max() time.Duration {
	if r.MaxDuration == nil {
		return DefaultMaxDuration
	}
	return *r.MaxDuration
}

// BreakerConfig tunes the circuit breaker in front of the speech backend.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
