package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variables that override file values.
const (
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvTwilioSID      = "TWILIO_ACCOUNT_SID"
	EnvTwilioToken    = "TWILIO_AUTH_TOKEN"
	EnvRedirectNumber = "REDIRECT_PHONE_NUMBER"
	EnvPort           = "PORT"
	EnvVoice          = "VOICE"
	EnvTemperature    = "TEMPERATURE"
	EnvPublicURL      = "PUBLIC_URL"
	EnvLogLevel       = "LOG_LEVEL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv builds a [Config] from environment variables and defaults only.
// It supports deployments that configure the server without a file.
func LoadFromEnv() (*Config, error) {
	return parse(strings.NewReader(""), os.LookupEnv)
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, func(string) (string, bool) { return "", false })
}

func parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overwrites fields of cfg with the environment variables that are
// set. A malformed numeric value is an error.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvOpenAIKey, &cfg.Realtime.APIKey)
	set(EnvTwilioSID, &cfg.Twilio.AccountSID)
	set(EnvTwilioToken, &cfg.Twilio.AuthToken)
	set(EnvRedirectNumber, &cfg.Twilio.RedirectNumber)
	set(EnvVoice, &cfg.Assistant.Voice)
	set(EnvPublicURL, &cfg.Server.PublicURL)

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("config: %s %q is not a valid port", EnvPort, v)
		}
		cfg.Server.ListenAddr = ":" + v
	}
	if v, ok := lookup(EnvTemperature); ok && v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s %q: %w", EnvTemperature, v, err)
		}
		cfg.Assistant.Temperature = t
	}
	return nil
}

// ApplyDefaults fills unset fields of cfg with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = DefaultModel
	}
	if cfg.Realtime.TranscriptionModel == "" {
		cfg.Realtime.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Twilio.RedirectPath == "" {
		cfg.Twilio.RedirectPath = DefaultRedirectPath
	}
	if cfg.Assistant.Voice == "" {
		cfg.Assistant.Voice = DefaultVoice
	}
	if cfg.Assistant.Instructions == "" {
		cfg.Assistant.Instructions = DefaultInstructions
	}
	if cfg.Assistant.Temperature == 0 {
		cfg.Assistant.Temperature = DefaultTemperature
	}
	if cfg.Assistant.TriggerPhrase == "" {
		cfg.Assistant.TriggerPhrase = DefaultTriggerPhrase
	}
	if cfg.Relay.ControlTimeout == 0 {
		cfg.Relay.ControlTimeout = DefaultControlTimeout
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = DefaultBreakerReset
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http or https URL", cfg.Server.PublicURL))
		}
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set %s)", EnvOpenAIKey))
	}

	// Twilio
	if cfg.Twilio.AccountSID == "" {
		errs = append(errs, fmt.Errorf("twilio.account_sid is required (or set %s)", EnvTwilioSID))
	}
	if cfg.Twilio.AuthToken == "" {
		errs = append(errs, fmt.Errorf("twilio.auth_token is required (or set %s)", EnvTwilioToken))
	}
	if cfg.Twilio.RedirectNumber == "" {
		errs = append(errs, fmt.Errorf("twilio.redirect_number is required (or set %s)", EnvRedirectNumber))
	}
	if cfg.Twilio.RedirectPath != "" && !strings.HasPrefix(cfg.Twilio.RedirectPath, "/") {
		errs = append(errs, fmt.Errorf("twilio.redirect_path %q must start with /", cfg.Twilio.RedirectPath))
	}

	// Assistant
	if cfg.Assistant.Temperature < 0 || cfg.Assistant.Temperature > 2 {
		errs = append(errs, fmt.Errorf("assistant.temperature %.2f is out of range [0, 2]", cfg.Assistant.Temperature))
	}
	if strings.TrimSpace(cfg.Assistant.TriggerPhrase) == "" && cfg.Assistant.TriggerPhrase != "" {
		errs = append(errs, errors.New("assistant.trigger_phrase must not be blank"))
	}

	// Relay
	if d := cfg.Relay.IdleTimeout; d != nil && *d < 0 {
		errs = append(errs, fmt.Errorf("relay.idle_timeout %s must not be negative", *d))
	}
	if d := cfg.Relay.MaxDuration; d != nil && *d < 0 {
		errs = append(errs, fmt.Errorf("relay.max_duration %s must not be negative", *d))
	}
	if cfg.Relay.ControlTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.control_timeout %s must not be negative", cfg.Relay.ControlTimeout))
	}
	if cfg.Relay.MaxConcurrentSessions < 0 {
		errs = append(errs, fmt.Errorf("relay.max_concurrent_sessions %d must not be negative", cfg.Relay.MaxConcurrentSessions))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}
