// Package callcontrol defines the contract for out-of-band control of a live
// telephone call: asking the telephony provider to abandon the current media
// session and fetch new call instructions from a callback URL.
//
// Implementations must be safe for concurrent use.
package callcontrol

import (
	"context"
	"fmt"
)

// Redirector moves an active call to new instructions.
type Redirector interface {
	// Redirect instructs the provider to fetch fresh call instructions for
	// callSID from callbackURL using HTTP POST. It is issued at most once per
	// call and is not retried. Failures are reported as *[ControlError].
	Redirect(ctx context.Context, callSID, callbackURL string) error
}

// ControlError reports a rejected or failed call-control request.
type ControlError struct {
	// CallSID is the call the request was about.
	CallSID string

	// Status is the provider's HTTP status, or 0 if no response was received.
	Status int

	// Err is the underlying cause.
	Err error
}

func (e *ControlError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("callcontrol: redirect %s: status %d: %v", e.CallSID, e.Status, e.Err)
	}
	return fmt.Sprintf("callcontrol: redirect %s: %v", e.CallSID, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }
