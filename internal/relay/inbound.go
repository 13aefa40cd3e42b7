package relay

import (
	"context"
	"errors"

	"github.com/MrWong99/hotline/internal/observe"
	"github.com/MrWong99/hotline/pkg/provider/s2s"
	"github.com/MrWong99/hotline/pkg/telephony/mediastream"
)

// runInbound is the single consumer of the caller stream. It returns when the
// caller hangs up, either transport closes or the redirect is triggered.
func (r *Relay) runInbound(ctx context.Context, backend s2s.SessionHandle) error {
	for {
		if r.session.RedirectTriggered() {
			return nil
		}

		ev, err := r.caller.Recv()
		if err != nil {
			var perr *mediastream.ProtocolError
			if errors.As(err, &perr) {
				r.metrics.RecordProtocolError(ctx, observe.SourceTelephony)
				r.log.Warn("relay: skipping malformed caller event", "err", err)
				continue
			}
			if !errors.Is(err, mediastream.ErrClosed) {
				r.log.Warn("relay: caller stream failed", "err", err)
			}
			r.endForTransport(ctx)
			return nil
		}

		switch ev.Type {
		case mediastream.EventStart:
			r.handleStart(ctx, ev)
		case mediastream.EventMedia:
			if stop := r.handleCallerMedia(ctx, backend, ev); stop {
				return nil
			}
		case mediastream.EventStop:
			r.setEndReason(EndCallerHangup)
			r.sessionLogger(ctx).Info("relay: caller stream stopped")
			return nil
		default:
			r.session.Touch()
			r.log.Debug("relay: ignoring caller event", "event", ev.Type)
		}
	}
}

func (r *Relay) handleStart(ctx context.Context, ev mediastream.Event) {
	r.session.Touch()
	if !r.session.Start(ev.StreamSID, ev.CallSID) {
		r.log.Warn("relay: ignoring repeated start event",
			"stream_sid", ev.StreamSID,
			"current_stream_sid", r.session.StreamSID(),
		)
		return
	}
	l := r.sessionLogger(ctx)
	if ev.CallSID == "" {
		l.Warn("relay: start event without call sid; redirects will be skipped")
		return
	}
	l.Info("relay: incoming stream started")
}

// handleCallerMedia forwards one caller frame, interrupting the assistant
// first when it is speaking. It reports whether the pump must stop.
func (r *Relay) handleCallerMedia(ctx context.Context, backend s2s.SessionHandle, ev mediastream.Event) (stop bool) {
	bargedIn, err := r.session.ForwardCallerFrame(
		func() error { return backend.Interrupt(ctx) },
		func() error { return backend.SendAudio(ctx, ev.Payload) },
	)
	switch {
	case errors.Is(err, errNotStarted):
		r.log.Debug("relay: dropping caller media before start")
		return false
	case errors.Is(err, errRedirected):
		return true
	case err != nil:
		if !errors.Is(err, s2s.ErrClosed) {
			r.log.Warn("relay: forwarding caller audio failed", "err", err)
		}
		r.endForTransport(ctx)
		return true
	}

	if bargedIn {
		r.bargeIns.Add(1)
		r.metrics.RecordBargeIn(ctx)
		r.log.Debug("relay: caller barged in; assistant audio interrupted")
	}
	r.metrics.RecordFrame(ctx, observe.DirectionInbound)
	if n := r.inFrames.Add(1); n%progressEvery == 0 {
		r.log.Debug("relay: caller audio relayed", "frames", n)
	}
	return false
}
