// Package wsconn adapts a gorilla/websocket connection to session.Transport.
// gorilla reassembles fragmented messages, so every data frame handed to the
// relay is one complete message of exactly the bytes the peer sent.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/wsrelay/session"
)

// DefaultMaxMessageSize caps a reassembled inbound message.
const DefaultMaxMessageSize = 64 * 1024

const controlWait = time.Second

// Conn is a session.Transport over a server-side WebSocket connection.
type Conn struct {
	conn        *websocket.Conn
	idleTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithMaxMessageSize sets the inbound message size limit. Larger messages end
// the connection with a 1009 close.
func WithMaxMessageSize(n int64) Option {
	return func(c *Conn) {
		c.conn.SetReadLimit(n)
	}
}

// WithIdleTimeout fails a read that waits longer than d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.idleTimeout = d
	}
}

// New wraps an upgraded connection.
//
// Parameters:
//   - conn: The upgraded connection; ownership passes to the returned Conn
//   - opts: Optional settings
//
// Returns:
//   - A Conn implementing session.Transport
func New(conn *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{conn: conn}
	conn.SetReadLimit(DefaultMaxMessageSize)
	// Surface close frames to the relay instead of answering them here.
	conn.SetCloseHandler(func(int, string) error { return nil })

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ReadFrame implements session.Transport.
func (c *Conn) ReadFrame(ctx context.Context) (session.Frame, error) {
	if c.closed.Load() {
		return session.Frame{}, session.ErrClosed
	}

	var deadline time.Time
	if c.idleTimeout > 0 {
		deadline = time.Now().Add(c.idleTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return session.Frame{}, fmt.Errorf("set read deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	_, data, err := c.conn.ReadMessage()
	stop()

	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return session.Frame{Kind: session.FrameClose, CloseCode: ce.Code}, nil
		}
		if ctx.Err() != nil {
			return session.Frame{}, ctx.Err()
		}
		if c.closed.Load() {
			return session.Frame{}, session.ErrClosed
		}
		return session.Frame{}, fmt.Errorf("read message: %w", err)
	}

	return session.Frame{Kind: session.FrameData, Data: data}, nil
}

// WriteText implements session.Transport. The write deadline comes from ctx.
func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return session.ErrClosed
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// IsConnected implements session.Transport.
func (c *Conn) IsConnected() bool {
	return !c.closed.Load()
}

// Acknowledge implements session.Transport.
func (c *Conn) Acknowledge(code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))
	if cerr := c.Close(); err == nil {
		err = cerr
	}

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("acknowledge close: %w", err)
	}

	return nil
}

// Close implements session.Transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// RemoteAddr implements session.Transport.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
