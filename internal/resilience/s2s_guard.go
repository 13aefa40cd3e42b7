package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/hotline/pkg/provider/s2s"
)

// GuardedProvider implements [s2s.Provider] by running every Connect through a
// [CircuitBreaker]. Established sessions are returned untouched; only the
// connect step is guarded.
type GuardedProvider struct {
	inner   s2s.Provider
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ s2s.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider wraps inner. Connect attempts abandoned by the caller
// (context cancelled) do not count as backend failures.
func NewGuardedProvider(inner s2s.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = "s2s/" + inner.Name()
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return &GuardedProvider{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Connect implements [s2s.Provider]. When the breaker is open it fails fast
// with an *[s2s.ConnectError] wrapping [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var handle s2s.SessionHandle
	err := g.breaker.Execute(func() error {
		var err error
		handle, err = g.inner.Connect(ctx, cfg)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &s2s.ConnectError{Provider: g.inner.Name(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Name implements [s2s.Provider].
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker, e.g. for manual resets.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }

// Check reports an error while the breaker is open. It has the signature of a
// readiness probe.
func (g *GuardedProvider) Check(context.Context) error {
	if s := g.breaker.State(); s == StateOpen {
		return fmt.Errorf("%s: circuit %s", g.breaker.Name(), s)
	}
	return nil
}
