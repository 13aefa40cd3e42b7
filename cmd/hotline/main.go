// Command hotline relays Twilio phone calls to an OpenAI Realtime assistant
// and hands callers off to a human line when the assistant says the trigger
// phrase.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/hotline/internal/app"
	"github.com/MrWong99/hotline/internal/config"
	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/internal/resilience"
	"github.com/MrWong99/hotline/pkg/provider/callcontrol/twilio"
	"github.com/MrWong99/hotline/pkg/provider/s2s/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file; environment variables override it")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "hotline: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		source  app.ConfigSource
		watcher *config.Watcher
	)
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(&level, old, new)
		})
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "hotline: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "hotline: %v\n", err)
			}
			return 1
		}
		defer w.Stop()
		watcher = w
		source = w
	} else {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "hotline: %v\n", err)
			return 1
		}
		source = app.StaticConfig(cfg)
	}
	cfg := source.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("hotline starting",
		"version", version,
		"config", *configPath,
		"hot_reload", watcher != nil,
		"listen_addr", cfg.Server.ListenAddr,
		"public_url", cfg.Server.PublicURL,
		"model", cfg.Realtime.Model,
		"voice", cfg.Assistant.Voice,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "hotline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	realtimeOpts := []openai.Option{openai.WithModel(cfg.Realtime.Model)}
	if cfg.Realtime.BaseURL != "" {
		realtimeOpts = append(realtimeOpts, openai.WithBaseURL(cfg.Realtime.BaseURL))
	}
	backend := resilience.NewGuardedProvider(openai.New(cfg.Realtime.APIKey, realtimeOpts...), resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	providers := app.Providers{
		Backend:    backend,
		Redirector: twilio.New(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
	}

	application, err := app.New(source, providers,
		app.WithTelemetry(telemetry),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping", "live_sessions", application.Sessions().Count())
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload reacts to a changed config file. Assistant and relay settings
// are read per call and need no action here.
func applyReload(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
	}
	slog.Info("config reloaded",
		"log_level_changed", d.LogLevelChanged,
		"assistant_changed", d.AssistantChanged,
		"relay_changed", d.RelayChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes ignored until restart", "sections", d.RestartRequired)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
