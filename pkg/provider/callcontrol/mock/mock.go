// Package mock provides a test double for callcontrol.Redirector.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hotline/pkg/provider/callcontrol"
)

// RedirectCall records one Redirect invocation.
type RedirectCall struct {
	CallSID     string
	CallbackURL string
}

// Redirector is a mock implementation of callcontrol.Redirector.
type Redirector struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every Redirect call.
	Err error

	calls []RedirectCall
}

// Redirect records the call and returns Err.
func (r *Redirector) Redirect(_ context.Context, callSID, callbackURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, RedirectCall{CallSID: callSID, CallbackURL: callbackURL})
	return r.Err
}

// Calls returns a snapshot of recorded calls.
func (r *Redirector) Calls() []RedirectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RedirectCall, len(r.calls))
	copy(out, r.calls)
	return out
}

var _ callcontrol.Redirector = (*Redirector)(nil)
