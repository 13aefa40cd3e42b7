package relay

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/pkg/provider/s2s"
	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

// runOutbound is the single consumer of the backend session. It returns when
// the backend closes, the caller transport fails or the trigger phrase is
// heard; in the last case no further backend messages are read.
func (r *Relay) runOutbound(ctx context.Context, backend s2s.SessionHandle) error {
	for {
		ev, err := backend.Recv(ctx)
		if err != nil {
			var perr *s2s.ProtocolError
			if errors.As(err, &perr) {
				r.metrics.RecordProtocolError(ctx, observe.SourceBackend)
				r.log.Warn("relay: skipping malformed backend message", "err", err)
				continue
			}
			if !errors.Is(err, s2s.ErrClosed) && ctx.Err() == nil {
				r.log.Warn("relay: backend session failed", "err", err)
			}
			r.endForTransport(ctx)
			return nil
		}

		switch ev.Type {
		case s2s.EventTranscriptDelta:
			r.session.Touch()
			r.log.Debug("relay: assistant transcript", "delta", ev.Delta)
			if r.trigger.Match(ev.Delta) {
				r.handleTrigger(ctx)
				return nil
			}
		case s2s.EventTranscriptDone:
			r.trigger.Reset()
		case s2s.EventAudioDelta:
			if stop := r.handleAssistantAudio(ctx, ev.Delta); stop {
				return nil
			}
		case s2s.EventError:
			r.log.Warn("relay: backend reported an error", "message", ev.Message)
		default:
			// Session lifecycle and usage events carry nothing to relay.
		}
	}
}

// handleAssistantAudio re-encodes one backend audio chunk and forwards it to
// the caller. It reports whether the pump must stop.
func (r *Relay) handleAssistantAudio(ctx context.Context, delta string) (stop bool) {
	if r.session.RedirectTriggered() {
		return false
	}
	payload, err := mediastream.Reencode(delta)
	if err != nil {
		r.metrics.RecordProtocolError(ctx, observe.SourceBackend)
		r.log.Warn("relay: dropping undecodable assistant audio", "err", err)
		return false
	}

	streamSID, err := r.session.BeginAssistantFrame()
	switch {
	case errors.Is(err, errNotStarted):
		r.log.Debug("relay: dropping assistant audio before start")
		return false
	case errors.Is(err, errRedirected):
		return false
	}

	if err := r.caller.SendMedia(streamSID, payload); err != nil {
		if !errors.Is(err, mediastream.ErrClosed) {
			r.log.Warn("relay: forwarding assistant audio failed", "err", err)
		}
		r.endForTransport(ctx)
		return true
	}
	r.metrics.RecordFrame(ctx, observe.DirectionOutbound)
	if n := r.outFrames.Add(1); n%progressEvery == 0 {
		r.log.Debug("relay: assistant audio relayed", "frames", n)
	}
	return false
}

// handleTrigger hands the call off. The redirect flag is set before the
// control request so that no assistant audio follows it, and the request
// outlives cancellation of ctx up to the control timeout.
func (r *Relay) handleTrigger(ctx context.Context) {
	if !r.session.TriggerRedirect() {
		return
	}
	r.setEndReason(EndRedirected)
	l := r.sessionLogger(ctx)
	l.Info("relay: trigger phrase detected; redirecting call", "phrase", r.cfg.TriggerPhrase)

	callSID := r.session.CallSID()
	switch {
	case callSID == "":
		l.Warn("relay: redirect skipped; call sid unknown")
		r.metrics.RecordRedirect(ctx, observe.RedirectSkipped)
		return
	case r.redirector == nil:
		l.Warn("relay: redirect skipped; no call control configured")
		r.metrics.RecordRedirect(ctx, observe.RedirectSkipped)
		return
	case r.cfg.CallbackBaseURL == "":
		l.Error("relay: redirect skipped; callback base url unknown")
		r.metrics.RecordRedirect(ctx, observe.RedirectSkipped)
		return
	}

	url := callbackURL(r.cfg.CallbackBaseURL, r.cfg.RedirectPath)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ControlTimeout)
	defer cancel()
	cctx, span := observe.StartSpan(cctx, "relay.redirect", trace.WithAttributes(
		attribute.String("call.sid", callSID),
		attribute.String("callback.url", url),
	))
	defer span.End()

	if err := r.redirector.Redirect(cctx, callSID, url); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redirect failed")
		r.metrics.RecordRedirect(ctx, observe.RedirectError)
		l.Error("relay: redirect failed", "callback_url", url, "err", err)
		return
	}
	r.metrics.RecordRedirect(ctx, observe.RedirectOK)
	l.Info("relay: call redirected", "callback_url", url)
}

// triggerMatcher finds a phrase in a stream of transcript deltas, including
// occurrences split across consecutive deltas of one response.
type triggerMatcher struct {
	phrase string
	tail   string
}

func newTriggerMatcher(phrase string) *triggerMatcher {
	return &triggerMatcher{phrase: strings.ToLower(phrase)}
}

// Match reports whether the phrase completes in delta. An empty phrase never
// matches.
func (m *triggerMatcher) Match(delta string) bool {
	if m.phrase == "" {
		return false
	}
	text := m.tail + strings.ToLower(delta)
	if strings.Contains(text, m.phrase) {
		m.tail = ""
		return true
	}
	if keep := len(m.phrase) - 1; len(text) > keep {
		text = text[len(text)-keep:]
	}
	m.tail = text
	return false
}

// Reset forgets any partial match, at the end of a response.
func (m *triggerMatcher) Reset() { m.tail = "" }
