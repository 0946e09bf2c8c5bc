package session

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a transport or session that has
// already been closed.
var ErrClosed = errors.New("session closed")

// FrameKind distinguishes data frames from close frames.
type FrameKind int

const (
	// FrameData carries one complete application message.
	FrameData FrameKind = iota
	// FrameClose is the peer's request to end the connection.
	FrameClose
)

// Frame is one complete inbound message as delivered by the transport.
// Fragmented messages are reassembled below this interface, so Data holds
// exactly the payload bytes and nothing else.
type Frame struct {
	Kind      FrameKind
	Data      []byte
	CloseCode int
}

// Transport is the connection abstraction handed over by the hosting layer
// once the handshake has completed. A Transport is owned by exactly one
// Session.
type Transport interface {
	// ReadFrame blocks until the next complete frame arrives, ctx is done or
	// the connection fails.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteText writes data as a single complete text message. Callers
	// serialize writes; implementations need not be safe for concurrent
	// WriteText calls.
	WriteText(ctx context.Context, data []byte) error

	// IsConnected reports whether the connection is still usable for writes.
	IsConnected() bool

	// Acknowledge replies to a peer close frame with the given code and then
	// releases the connection.
	Acknowledge(code int) error

	// Close releases the connection without a close handshake. It is safe to
	// call multiple times.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
