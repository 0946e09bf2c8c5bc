// Package relay runs the per-session connection loop: it registers sessions
// when their handshake completes, reads frames until the peer goes away,
// routes each message and hands broadcasts to the dispatcher.
package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyberinferno/wsrelay/cacher"
	"github.com/cyberinferno/wsrelay/dispatch"
	"github.com/cyberinferno/wsrelay/idgenerator"
	"github.com/cyberinferno/wsrelay/logger"
	"github.com/cyberinferno/wsrelay/registry"
	"github.com/cyberinferno/wsrelay/router"
	"github.com/cyberinferno/wsrelay/session"
)

const replayKey = "last-broadcast"

// Observer receives session and message events, typically *metrics.Metrics.
type Observer interface {
	SessionOpened()
	SessionClosed(lifetime time.Duration)
	RecordMessage(outcome string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()              {}
func (nopObserver) SessionClosed(time.Duration) {}
func (nopObserver) RecordMessage(string)        {}

// Relay owns the collaborators shared by every connection loop. All of them
// are injected; the registry's lifetime is the Relay's.
type Relay struct {
	registry   *registry.Registry
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	ids        idgenerator.Generator
	logger     logger.Logger
	observer   Observer

	writeTimeout time.Duration
	rateLimit    rate.Limit
	rateBurst    int
	replay       cacher.Cacher
	replayTTL    time.Duration

	// replayMu orders replay against broadcasts: Accept holds it exclusively
	// from the cache read until the replay is written, broadcasts share it.
	replayMu sync.RWMutex
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observer = o
	}
}

// WithIDGenerator sets how session identifiers are assigned.
func WithIDGenerator(g idgenerator.Generator) Option {
	return func(r *Relay) {
		r.ids = g
	}
}

// WithWriteTimeout bounds every write to a session.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.writeTimeout = d
	}
}

// WithRateLimit caps inbound messages per session. perSecond <= 0 disables
// limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Relay) {
		r.rateLimit = rate.Limit(perSecond)
		r.rateBurst = burst
	}
}

// WithReplay keeps the last broadcast to all sessions in c for ttl and sends
// it to each newly accepted session.
func WithReplay(c cacher.Cacher, ttl time.Duration) Option {
	return func(r *Relay) {
		r.replay = c
		r.replayTTL = ttl
	}
}

// New creates a Relay.
//
// Parameters:
//   - reg: Registry of live sessions, shared with d
//   - rt: Message router
//   - d: Broadcast dispatcher
//   - opts: Optional settings
//
// Returns:
//   - A new Relay
func New(reg *registry.Registry, rt *router.Router, d *dispatch.Dispatcher, opts ...Option) *Relay {
	r := &Relay{
		registry:   reg,
		router:     rt,
		dispatcher: d,
		ids:        idgenerator.NewIdGenerator(0),
		logger:     logger.NewNopLogger(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Registry returns the registry of live sessions.
func (r *Relay) Registry() *registry.Registry {
	return r.registry
}

// Accept creates a Session for a transport whose handshake has completed and
// registers it. When replay is enabled the last cached broadcast is sent
// before the session's loop starts.
//
// Parameters:
//   - ctx: Bounds the replay write
//   - t: The connected transport; ownership passes to the Session
//
// Returns:
//   - The registered Session
func (r *Relay) Accept(ctx context.Context, t session.Transport) *session.Session {
	s := session.New(r.ids.Next(), t, session.WithWriteTimeout(r.writeTimeout))

	if r.replay == nil {
		r.register(s)
		return s
	}

	// No broadcast can run between the cache read and the replay write, so
	// the replay is never older than a broadcast the session already got.
	r.replayMu.Lock()
	defer r.replayMu.Unlock()

	data, ok := r.replay.Get(replayKey)
	r.register(s)
	if ok {
		if err := s.Send(ctx, data); err != nil {
			r.logger.Warn("replay_failed",
				logger.Field{Key: "session_id", Value: s.ID()},
				logger.Field{Key: "error", Value: err},
			)
		}
	}

	return s
}

func (r *Relay) register(s *session.Session) {
	r.registry.Add(s)
	r.observer.SessionOpened()

	r.logger.Info("session_connected",
		logger.Field{Key: "session_id", Value: s.ID()},
		logger.Field{Key: "remote_addr", Value: s.RemoteAddr()},
		logger.Field{Key: "sessions", Value: r.registry.Len()},
	)
}

// Handle accepts t and runs its loop until the connection ends.
func (r *Relay) Handle(ctx context.Context, t session.Transport) {
	r.Serve(ctx, r.Accept(ctx, t))
}

// Broadcast delivers an already encoded payload to targets.
func (r *Relay) Broadcast(ctx context.Context, payload []byte, targets dispatch.Targets) dispatch.Report {
	if r.replay != nil && targets.IsAll() {
		r.replayMu.RLock()
		defer r.replayMu.RUnlock()
		r.replay.Set(replayKey, payload, r.replayTTL)
	}

	return r.dispatcher.Deliver(ctx, payload, targets)
}

// CloseAll releases every registered session's transport. Their loops observe
// the failure and finalize themselves.
func (r *Relay) CloseAll() {
	r.registry.Range(func(s *session.Session) bool {
		_ = s.Close()
		return true
	})
}

func (r *Relay) newLimiter() *rate.Limiter {
	if r.rateLimit <= 0 {
		return nil
	}

	return rate.NewLimiter(r.rateLimit, r.rateBurst)
}
