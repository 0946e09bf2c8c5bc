// Package client provides an event-driven WebSocket client for the relay. It
// notifies callers of connection state changes, received messages and errors
// via registered handlers, and supports optional auto-reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/wsrelay/protocol"
)

var (
	ErrClientClosed = errors.New("client is closed")
	ErrNotConnected = errors.New("not connected")
)

// ConnectionState represents the current state of the WebSocket connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Handshake in progress
	Connected                           // Handshake completed
	Reconnecting                        // Waiting to redial (AutoReconnect only)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	URL       string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// MessageEvent is emitted for every complete message read from the relay.
type MessageEvent struct {
	Data      []byte
	Text      bool // false for binary messages
	Timestamp time.Time
}

// Telemetry decodes the message as a relay telemetry frame.
func (e MessageEvent) Telemetry() (protocol.Message, error) {
	return protocol.Decode(e.Data)
}

// ErrorEvent is emitted when a read, write or dial error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// Handlers are invoked from goroutines; implementations must be safe for
// concurrent use.
type (
	ConnectionStateHandler func(event ConnectionStateEvent)
	MessageHandler         func(event MessageEvent)
	ErrorHandler           func(event ErrorEvent)
)

// Config holds configuration for the client.
type Config struct {
	// URL is the relay endpoint, e.g. "ws://localhost:8080/ws".
	URL string
	// Header is sent with the opening handshake.
	Header http.Header
	// AutoReconnect redials when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout bounds a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for the next message; 0 means no timeout.
	ReadTimeout time.Duration
	// ConnectionTimeout bounds the opening handshake.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values for url. AutoReconnect
// is false.
//
// Parameters:
//   - url: The relay endpoint
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, WriteTimeout 10s,
//     ConnectionTimeout 10s, ReadTimeout 0
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a WebSocket client that drives I/O and connection lifecycle via
// events. Register handlers, then call Connect. It is safe for concurrent use.
type Client struct {
	config Config
	conn   *websocket.Conn
	state  ConnectionState

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onError           ErrorHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex
	stopChan      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup
	closed        bool
	reconnecting  bool
	reconnectOnce sync.Once
}

// New creates a client in Disconnected state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new *Client; call Close when done to release resources
func New(config Config) *Client {
	return &Client{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes,
// replacing any previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage registers the handler for incoming messages, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnError registers the handler for read, write and dial errors, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect performs the opening handshake and starts the read loop.
//
// Parameters:
//   - ctx: Bounds the handshake together with ConnectionTimeout
//
// Returns:
//   - nil on success; ErrClientClosed, an "already connected" error or the
//     dial error otherwise
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.mu.Unlock()

	return c.connect(ctx)
}

// Disconnect closes the current connection with a normal closure and moves
// to Disconnected. Connect may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == Disconnected || c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	changed, err := c.disconnect()
	c.mu.Unlock()

	if changed {
		c.emitConnectionState(Disconnected, nil)
	}

	return err
}

// disconnect must be called with mu held. It reports whether a connection
// was dropped; the caller emits the state change after unlocking.
func (c *Client) disconnect() (bool, error) {
	if c.conn == nil {
		return false, nil
	}

	c.writeClose(c.conn)
	err := c.conn.Close()
	c.conn = nil
	c.state = Disconnected

	return true, err
}

// Close shuts the client down: it sends a close frame, closes the connection
// and stops all goroutines. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		c.writeClose(c.conn)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)

	return nil
}

// Send writes data as one text message.
//
// Parameters:
//   - data: The payload; not modified
//
// Returns:
//   - nil on success; ErrNotConnected or the write error otherwise
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.emitError(err)
		c.triggerReconnect()
		return err
	}

	return nil
}

// SendTelemetry encodes a telemetry reading and sends it.
func (c *Client) SendTelemetry(sicaklik float64) error {
	data, err := protocol.Encode(protocol.Message{ID: protocol.TelemetryID, Sicaklik: sicaklik})
	if err != nil {
		return err
	}

	return c.Send(data)
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(Connecting, nil)

	if c.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectionTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.config.URL, err)
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)

	c.wg.Add(1)
	go c.readLoop(conn)

	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectHandler()
		})
	}

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var deadline time.Time
		if c.config.ReadTimeout > 0 {
			deadline = time.Now().Add(c.config.ReadTimeout)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			c.readFailed(conn, err)
			return
		}

		kind, data, err := conn.ReadMessage()
		if c.isClosed() {
			return
		}
		if err != nil {
			c.readFailed(conn, err)
			return
		}

		c.emitMessage(data, kind == websocket.TextMessage)
	}
}

// readFailed reports err unless conn was already replaced or closed locally.
func (c *Client) readFailed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		_ = conn.Close()
		c.conn = nil
		c.state = Disconnected
	}
	c.mu.Unlock()

	if !current || c.isClosed() {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.emitConnectionState(Disconnected, nil)
	} else {
		c.emitConnectionState(Disconnected, err)
		c.emitError(err)
	}
	c.triggerReconnect()
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.mu.Lock()
			if c.reconnecting {
				c.mu.Unlock()
				continue
			}
			c.reconnecting = true
			changed, err := c.disconnect()
			c.mu.Unlock()

			if changed {
				c.emitConnectionState(Disconnected, nil)
			}
			if err != nil {
				c.emitError(err)
			}

			c.setState(Reconnecting, nil)

			select {
			case <-c.stopChan:
				c.setReconnecting(false)
				return
			case <-time.After(c.config.ReconnectInterval):
			}

			if c.isClosed() {
				c.setReconnecting(false)
				return
			}

			err = c.connect(context.Background())
			c.setReconnecting(false)

			if err != nil {
				c.triggerReconnect()
			}
		}
	}
}

func (c *Client) setReconnecting(v bool) {
	c.mu.Lock()
	c.reconnecting = v
	c.mu.Unlock()
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// writeClose sends a best-effort normal closure on conn.
func (c *Client) writeClose(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitConnectionState(state, err)
}

func (c *Client) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			URL:       c.config.URL,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitMessage(data []byte, text bool) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler != nil {
		go handler(MessageEvent{Data: data, Text: text, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
