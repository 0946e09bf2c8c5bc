package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/wsrelay/logger"
	"github.com/cyberinferno/wsrelay/router"
	"github.com/cyberinferno/wsrelay/session"
)

// State is a connection loop state.
type State int

const (
	// Open reads and routes frames.
	Open State = iota
	// Closing has acknowledged a peer close and stops reading.
	Closing
	// Closed has finalized: the session is out of the registry.
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	closeNormal   = 1000
	closeNoStatus = 1005
	closeAbnormal = 1006

	outcomeRateLimited = "rate_limited"
	rateLimitedReply   = "rate limit exceeded"
)

// Serve runs the connection loop for s until the peer closes, the transport
// fails or ctx is cancelled. On return s has been removed from the registry
// and its transport released. Cancelling ctx affects only this session.
//
// Parameters:
//   - ctx: Cancels this session's loop
//   - s: A session previously returned by Accept
func (r *Relay) Serve(ctx context.Context, s *session.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := r.logger.With(logger.Field{Key: "session_id", Value: s.ID()})
	state := Open
	defer func() {
		r.finalize(s, state, log)
	}()

	limiter := r.newLimiter()

	for state == Open {
		frame, err := s.ReadFrame(ctx)
		if err != nil {
			r.logReadError(log, err)
			_ = s.Close()
			state = Closed
			return
		}

		switch frame.Kind {
		case session.FrameClose:
			state = Closing
			code := ackCode(frame.CloseCode)
			if err := s.Acknowledge(code); err != nil {
				log.Debug("close_ack_failed", logger.Field{Key: "error", Value: err})
			}
			log.Info("session_close_frame", logger.Field{Key: "code", Value: frame.CloseCode})
			state = Closed

		case session.FrameData:
			if err := r.handleData(ctx, s, frame.Data, limiter, log); err != nil {
				log.Warn("reply_failed", logger.Field{Key: "error", Value: err})
				_ = s.Close()
				state = Closed
			}
		}
	}
}

// handleData routes one payload. A non-nil error means the session's own
// transport failed while replying.
func (r *Relay) handleData(ctx context.Context, s *session.Session, data []byte, limiter *rate.Limiter, log logger.Logger) error {
	if limiter != nil && !limiter.Allow() {
		r.observer.RecordMessage(outcomeRateLimited)
		log.Warn("rate_limit_exceeded")
		return s.Send(ctx, []byte(rateLimitedReply))
	}

	out := r.router.Route(data, s)
	r.observer.RecordMessage(out.Kind.String())

	if out.Kind == router.Broadcast {
		report := r.Broadcast(ctx, out.Payload, out.Targets)
		log.Debug("message_broadcast",
			logger.Field{Key: "targeted", Value: report.Targeted},
			logger.Field{Key: "delivered", Value: report.Delivered},
			logger.Field{Key: "failed", Value: report.Failed},
			logger.Field{Key: "skipped", Value: report.Skipped},
		)
		return nil
	}

	log.Warn("message_rejected",
		logger.Field{Key: "outcome", Value: out.Kind.String()},
		logger.Field{Key: "error", Value: out.Err},
		logger.Field{Key: "size", Value: len(data)},
	)

	if err := s.Send(ctx, out.Payload); err != nil {
		return fmt.Errorf("reply to sender: %w", err)
	}

	return nil
}

func (r *Relay) finalize(s *session.Session, state State, log logger.Logger) {
	if !r.registry.Remove(s) {
		return
	}

	lifetime := time.Since(s.ConnectedAt())
	r.observer.SessionClosed(lifetime)
	log.Info("session_disconnected",
		logger.Field{Key: "state", Value: state.String()},
		logger.Field{Key: "lifetime", Value: lifetime.String()},
		logger.Field{Key: "sessions", Value: r.registry.Len()},
	)
}

func (r *Relay) logReadError(log logger.Logger, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("session_cancelled")
	case errors.Is(err, session.ErrClosed):
		log.Debug("session_transport_closed")
	default:
		log.Warn("session_transport_failure", logger.Field{Key: "error", Value: err})
	}
}

// ackCode picks the code echoed in a close acknowledgment. Codes that must not
// appear on the wire are answered with a normal closure.
func ackCode(received int) int {
	switch received {
	case 0, closeNoStatus, closeAbnormal:
		return closeNormal
	default:
		return received
	}
}
