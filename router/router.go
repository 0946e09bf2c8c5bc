// Package router decides what happens to each inbound message: re-broadcast a
// transformed message, or answer only the sender with a plain-text rejection
// or diagnostic.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyberinferno/wsrelay/dispatch"
	"github.com/cyberinferno/wsrelay/protocol"
	"github.com/cyberinferno/wsrelay/session"
)

// ErrUnknownMessage is the cause recorded for well-formed messages whose
// discriminator has no registered transform.
var ErrUnknownMessage = errors.New("unknown message ID")

// Kind is the routing decision for one inbound message.
type Kind int

const (
	// Broadcast sends Payload to Targets.
	Broadcast Kind = iota
	// Reject answers the sender with Payload; the discriminator was unknown.
	Reject
	// Error answers the sender with Payload; decoding or transforming failed.
	Error
)

func (k Kind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case Reject:
		return "reject"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the result of routing one message. Reject and Error outcomes are
// always addressed to the originating session only.
type Outcome struct {
	Kind    Kind
	Payload []byte
	Targets dispatch.Targets
	// Err is the underlying cause for Reject and Error outcomes.
	Err error
}

// Transform builds the outbound message for one inbound discriminator and
// chooses its audience.
type Transform func(in protocol.Message, origin *session.Session) (protocol.Message, dispatch.Targets)

// Router maps discriminators to transforms. Adding a message kind is one
// Register call.
type Router struct {
	mu            sync.RWMutex
	transforms    map[int]Transform
	verboseErrors bool
}

// Option configures a Router.
type Option func(*Router)

// WithVerboseErrors includes the full decoder error in replies to malformed
// input instead of only its reason.
func WithVerboseErrors(verbose bool) Option {
	return func(r *Router) {
		r.verboseErrors = verbose
	}
}

// New returns a Router with the telemetry transform registered.
func New(opts ...Option) *Router {
	r := &Router{transforms: make(map[int]Transform)}
	for _, opt := range opts {
		opt(r)
	}

	r.Register(protocol.TelemetryID, TelemetryTransform)
	return r
}

// TelemetryTransform re-tags a reading as TelemetryBroadcastID, keeps the
// reading unchanged and addresses every live session.
func TelemetryTransform(in protocol.Message, _ *session.Session) (protocol.Message, dispatch.Targets) {
	return protocol.Message{ID: protocol.TelemetryBroadcastID, Sicaklik: in.Sicaklik}, dispatch.All()
}

// Register installs or replaces the transform for id.
func (r *Router) Register(id int, t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[id] = t
}

// Route decodes payload and decides its outcome.
//
// Parameters:
//   - payload: The complete inbound message bytes
//   - origin: The session the message arrived on
//
// Returns:
//   - The routing Outcome; never a nil Payload
func (r *Router) Route(payload []byte, origin *session.Session) Outcome {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return Outcome{Kind: Error, Payload: []byte(r.describe(err)), Err: err}
	}

	r.mu.RLock()
	transform, ok := r.transforms[msg.ID]
	r.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w %d", ErrUnknownMessage, msg.ID)
		return Outcome{Kind: Reject, Payload: []byte(err.Error()), Err: err}
	}

	out, targets := transform(msg, origin)
	data, err := protocol.Encode(out)
	if err != nil {
		return Outcome{Kind: Error, Payload: []byte("failed to process message"), Err: err}
	}

	return Outcome{Kind: Broadcast, Payload: data, Targets: targets}
}

func (r *Router) describe(err error) string {
	if r.verboseErrors {
		return err.Error()
	}

	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return "invalid message: " + de.Reason
	}

	return "invalid message"
}
