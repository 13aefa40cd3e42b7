// Package twilio implements callcontrol.Redirector on top of the Twilio REST
// API, updating a live call's instruction URL through the Calls resource.
package twilio

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/hotline/pkg/provider/callcontrol"
	twiliogo "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

var _ callcontrol.Redirector = (*Redirector)(nil)

const defaultTimeout = 10 * time.Second

// Option is a functional option for configuring a Redirector.
type Option func(*Redirector)

// WithHTTPClient sets the HTTP client used for REST requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Redirector) { r.httpClient = c }
}

// Redirector implements callcontrol.Redirector for Twilio.
type Redirector struct {
	httpClient *http.Client
	rest       *twiliogo.RestClient
}

// New creates a Redirector authenticating with the given account credentials.
func New(accountSID, authToken string, opts ...Option) *Redirector {
	r := &Redirector{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, o := range opts {
		o(r)
	}

	c := &twclient.Client{
		Credentials: twclient.NewCredentials(accountSID, authToken),
		HTTPClient:  r.httpClient,
	}
	c.SetAccountSid(accountSID)
	r.rest = twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username:   accountSID,
		Password:   authToken,
		AccountSid: accountSID,
		Client:     c,
	})
	return r
}

// Redirect implements callcontrol.Redirector. The REST client is not
// context-aware, so cancellation of ctx abandons the wait but not the request.
func (r *Redirector) Redirect(ctx context.Context, callSID, callbackURL string) error {
	params := &api.UpdateCallParams{}
	params.SetUrl(callbackURL)
	params.SetMethod(http.MethodPost)

	done := make(chan error, 1)
	go func() {
		_, err := r.rest.Api.UpdateCall(callSID, params)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		ce := &callcontrol.ControlError{CallSID: callSID, Err: err}
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) {
			ce.Status = restErr.Status
		}
		return ce
	case <-ctx.Done():
		return &callcontrol.ControlError{CallSID: callSID, Err: ctx.Err()}
	}
}
