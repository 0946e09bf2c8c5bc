// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/wsrelay/session"
)

type inbound struct {
	frame session.Frame
	err   error
}

// Transport is a scripted, in-memory session.Transport. Inbound frames are
// queued with Push*, outbound messages are recorded and read back with
// Messages. Safe for concurrent use.
type Transport struct {
	addr string
	in   chan inbound
	done chan struct{}

	mu        sync.Mutex
	written   [][]byte
	connected bool
	writeErr  error
	ackCode   int
	acked     bool

	writeDelay  time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewTransport returns a connected fake transport.
func NewTransport(addr string) *Transport {
	return &Transport{
		addr:      addr,
		in:        make(chan inbound, 64),
		done:      make(chan struct{}),
		connected: true,
	}
}

// PushText queues a data frame.
func (t *Transport) PushText(data string) {
	t.in <- inbound{frame: session.Frame{Kind: session.FrameData, Data: []byte(data)}}
}

// PushClose queues a peer close frame.
func (t *Transport) PushClose(code int) {
	t.in <- inbound{frame: session.Frame{Kind: session.FrameClose, CloseCode: code}}
}

// PushError makes the next read fail with err.
func (t *Transport) PushError(err error) {
	t.in <- inbound{err: err}
}

// SetConnected flips the value reported by IsConnected.
func (t *Transport) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// FailWrites makes every subsequent write return err. A nil err restores
// normal behaviour.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// SetWriteDelay makes every write take d before it completes. A write whose
// context ends first fails with the context's error.
func (t *Transport) SetWriteDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeDelay = d
}

// MaxConcurrentWrites returns the largest number of writes observed in
// progress at the same time.
func (t *Transport) MaxConcurrentWrites() int {
	return int(t.maxInFlight.Load())
}

// Messages returns a copy of every message written so far.
func (t *Transport) Messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.written))
	for i, m := range t.written {
		out[i] = string(m)
	}

	return out
}

// Acked reports whether a close acknowledgment was sent and with which code.
func (t *Transport) Acked() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked, t.ackCode
}

// Closed reports whether the transport has been released.
func (t *Transport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) ReadFrame(ctx context.Context) (session.Frame, error) {
	select {
	case in := <-t.in:
		return in.frame, in.err
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	case <-t.done:
		return session.Frame{}, session.ErrClosed
	}
}

func (t *Transport) WriteText(ctx context.Context, data []byte) error {
	n := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		peak := t.maxInFlight.Load()
		if n <= peak || t.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	t.mu.Lock()
	delay := t.writeDelay
	t.mu.Unlock()

	// The delay runs outside mu so overlapping writes stay observable.
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writeErr != nil {
		return t.writeErr
	}

	if !t.connected || t.Closed() {
		return session.ErrClosed
	}

	t.written = append(t.written, append([]byte(nil), data...))
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.Closed()
}

func (t *Transport) Acknowledge(code int) error {
	t.mu.Lock()
	t.acked = true
	t.ackCode = code
	t.mu.Unlock()

	return t.Close()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Closed() {
		close(t.done)
	}

	return nil
}

func (t *Transport) RemoteAddr() string {
	return t.addr
}
