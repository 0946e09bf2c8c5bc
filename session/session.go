// Package session models one connected client: its identity, the time it
// connected and the transport it exclusively owns.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one live client connection. Writes are serialized by a
// per-session lock because the connection loop's replies and any number of
// concurrent broadcasts may target the same socket.
type Session struct {
	id           string
	connectedAt  time.Time
	transport    Transport
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Option configures a Session.
type Option func(*Session)

// WithWriteTimeout bounds every Send. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// WithConnectedAt overrides the connection timestamp.
func WithConnectedAt(t time.Time) Option {
	return func(s *Session) {
		s.connectedAt = t
	}
}

// New creates a Session that takes ownership of t.
//
// Parameters:
//   - id: Connection identifier
//   - t: The connected transport
//   - opts: Optional settings
//
// Returns:
//   - The new Session
func New(id string, t Transport, opts ...Option) *Session {
	s := &Session{
		id:          id,
		connectedAt: time.Now(),
		transport:   t,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// ConnectedAt returns when the handshake completed.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// RemoteAddr returns the peer address reported by the transport.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// IsConnected reports whether the session can still be written to.
func (s *Session) IsConnected() bool {
	return !s.closed.Load() && s.transport.IsConnected()
}

// ReadFrame reads the next inbound frame. Only the connection loop calls it.
func (s *Session) ReadFrame(ctx context.Context) (Frame, error) {
	if s.closed.Load() {
		return Frame{}, ErrClosed
	}

	return s.transport.ReadFrame(ctx)
}

// Send writes data as one complete text message, holding the session's write
// lock for the duration of the write.
//
// Parameters:
//   - ctx: Bounds the wait and the write; the configured write timeout
//     starts once the lock is held
//   - data: The complete message
//
// Returns:
//   - ErrClosed if the session is closed, or the transport's write error
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	// The deadline covers the write itself, not the wait for the lock.
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}

	if err := s.transport.WriteText(ctx, data); err != nil {
		return fmt.Errorf("session %s write: %w", s.id, err)
	}

	return nil
}

// Acknowledge answers a peer close frame and releases the transport. It waits
// for any in-flight write so the close frame is never interleaved with data.
func (s *Session) Acknowledge(code int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.transport.Acknowledge(code)
}

// Close releases the transport without a close handshake. Safe to call
// multiple times and concurrently with Send.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.transport.Close()
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.id)
}
