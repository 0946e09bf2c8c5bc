// Package dispatch delivers one outbound message to a set of live sessions.
// Delivery is best-effort: each session is written independently and a
// failing or disconnected session never stops delivery to the others.
package dispatch

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/wsrelay/logger"
	"github.com/cyberinferno/wsrelay/registry"
	"github.com/cyberinferno/wsrelay/session"
)

// DefaultMaxConcurrentWrites bounds the fan-out when no option is given.
const DefaultMaxConcurrentWrites = 64

// Delivery results passed to Recorder.
const (
	ResultDelivered = "delivered"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// Recorder observes per-session delivery results.
type Recorder interface {
	RecordDelivery(result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDelivery(string) {}

// Report summarizes one Deliver call.
type Report struct {
	Targeted  int
	Delivered int
	Skipped   int
	Failed    int
}

// Dispatcher fans messages out to sessions held in a Registry.
type Dispatcher struct {
	registry      *registry.Registry
	logger        logger.Logger
	recorder      Recorder
	tracer        trace.Tracer
	maxConcurrent int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithRecorder sets the delivery result observer.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithMaxConcurrentWrites bounds how many sessions are written at once.
// Values below 1 mean sequential delivery.
func WithMaxConcurrentWrites(n int) Option {
	return func(d *Dispatcher) {
		d.maxConcurrent = n
	}
}

// WithTracer overrides the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// New creates a Dispatcher over reg.
//
// Parameters:
//   - reg: The registry enumerated at delivery time
//   - opts: Optional settings
//
// Returns:
//   - A new Dispatcher
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:      reg,
		logger:        logger.NewNopLogger(),
		recorder:      nopRecorder{},
		maxConcurrent: DefaultMaxConcurrentWrites,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.maxConcurrent < 1 {
		d.maxConcurrent = 1
	}

	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/cyberinferno/wsrelay/dispatch")
	}

	return d
}

// Deliver writes payload as one text message to every addressed live
// session. Sessions reporting not-connected are skipped; write failures are
// logged and counted but do not affect other sessions. Deliver returns once
// every attempted write has finished.
//
// Parameters:
//   - ctx: Bounds the writes
//   - payload: The encoded message
//   - targets: The audience
//
// Returns:
//   - A Report of what happened to each addressed session
func (d *Dispatcher) Deliver(ctx context.Context, payload []byte, targets Targets) Report {
	ctx, span := d.tracer.Start(ctx, "dispatch.Deliver", trace.WithAttributes(
		attribute.Int("payload.bytes", len(payload)),
		attribute.Bool("targets.all", targets.IsAll()),
	))
	defer span.End()

	var delivered, skipped, failed atomic.Int64
	targeted := 0

	var g errgroup.Group
	g.SetLimit(d.maxConcurrent)

	for _, s := range d.registry.Snapshot() {
		if !targets.Includes(s) {
			continue
		}

		targeted++
		g.Go(func() error {
			switch d.deliverOne(ctx, s, payload) {
			case ResultDelivered:
				delivered.Add(1)
			case ResultSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()

	report := Report{
		Targeted:  targeted,
		Delivered: int(delivered.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}

	span.SetAttributes(
		attribute.Int("targets.count", report.Targeted),
		attribute.Int("delivered", report.Delivered),
		attribute.Int("failed", report.Failed),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "partial delivery")
	}

	return report
}

func (d *Dispatcher) deliverOne(ctx context.Context, s *session.Session, payload []byte) string {
	if !s.IsConnected() {
		d.recorder.RecordDelivery(ResultSkipped)
		return ResultSkipped
	}

	if err := s.Send(ctx, payload); err != nil {
		d.logger.Warn("delivery_failed",
			logger.Field{Key: "session_id", Value: s.ID()},
			logger.Field{Key: "error", Value: err},
		)
		d.recorder.RecordDelivery(ResultFailed)
		return ResultFailed
	}

	d.recorder.RecordDelivery(ResultDelivered)
	return ResultDelivered
}
