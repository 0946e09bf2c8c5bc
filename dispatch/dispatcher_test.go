package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cyberinferno/wsrelay/registry"
	"github.com/cyberinferno/wsrelay/session"
	"github.com/cyberinferno/wsrelay/session/sessiontest"
	"github.com/cyberinferno/wsrelay/targetset"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordDelivery(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[result]++
}

func addSessions(reg *registry.Registry, n int) ([]*session.Session, []*sessiontest.Transport) {
	sessions := make([]*session.Session, n)
	transports := make([]*sessiontest.Transport, n)
	base := time.Now()
	for i := range n {
		transports[i] = sessiontest.NewTransport(fmt.Sprintf("peer-%d", i))
		sessions[i] = session.New(fmt.Sprint(i+1), transports[i], session.WithConnectedAt(base.Add(time.Duration(i))))
		reg.Add(sessions[i])
	}

	return sessions, transports
}

func TestDeliver_All(t *testing.T) {
	reg := registry.New()
	_, transports := addSessions(reg, 5)
	rec := &countingRecorder{}
	d := New(reg, WithRecorder(rec))

	report := d.Deliver(context.Background(), []byte(`{"ID":1001,"Sicaklik":23.5}`), All())

	assert.Equal(t, Report{Targeted: 5, Delivered: 5}, report)
	for _, tr := range transports {
		assert.Equal(t, []string{`{"ID":1001,"Sicaklik":23.5}`}, tr.Messages())
	}
	assert.Equal(t, 5, rec.counts[ResultDelivered])
}

func TestDeliver_IsolatesFailures(t *testing.T) {
	reg := registry.New()
	_, transports := addSessions(reg, 4)
	transports[1].FailWrites(errors.New("connection reset"))
	transports[2].SetConnected(false)

	rec := &countingRecorder{}
	d := New(reg, WithRecorder(rec), WithMaxConcurrentWrites(1))
	report := d.Deliver(context.Background(), []byte("m"), All())

	assert.Equal(t, Report{Targeted: 4, Delivered: 2, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, []string{"m"}, transports[0].Messages())
	assert.Empty(t, transports[1].Messages())
	assert.Empty(t, transports[2].Messages())
	assert.Equal(t, []string{"m"}, transports[3].Messages())
	assert.Equal(t, 1, rec.counts[ResultFailed])
	assert.Equal(t, 1, rec.counts[ResultSkipped])
}

func TestDeliver_RecordsSpan(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := registry.New()
	_, transports := addSessions(reg, 3)
	d := New(reg, WithTracer(tp.Tracer("dispatch-test")))

	d.Deliver(context.Background(), []byte("ok"), All())
	transports[0].FailWrites(errors.New("broken pipe"))
	d.Deliver(context.Background(), []byte("partial"), Only("1", "2"))

	ended := spans.Ended()
	require.Len(t, ended, 2)

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	full := ended[0]
	assert.Equal(t, "dispatch.Deliver", full.Name())
	assert.Equal(t, codes.Unset, full.Status().Code)
	fa := attrs(full)
	assert.Equal(t, int64(2), fa["payload.bytes"].AsInt64())
	assert.True(t, fa["targets.all"].AsBool())
	assert.Equal(t, int64(3), fa["targets.count"].AsInt64())
	assert.Equal(t, int64(3), fa["delivered"].AsInt64())

	partial := ended[1]
	assert.Equal(t, codes.Error, partial.Status().Code)
	pa := attrs(partial)
	assert.False(t, pa["targets.all"].AsBool())
	assert.Equal(t, int64(2), pa["targets.count"].AsInt64())
	assert.Equal(t, int64(1), pa["delivered"].AsInt64())
	assert.Equal(t, int64(1), pa["failed"].AsInt64())
}

func TestDeliver_ExplicitTargets(t *testing.T) {
	reg := registry.New()
	_, transports := addSessions(reg, 3)
	d := New(reg)

	t.Run("only the listed sessions receive", func(t *testing.T) {
		report := d.Deliver(context.Background(), []byte("x"), Only("1", "3", "99"))
		assert.Equal(t, 2, report.Targeted)
		assert.Equal(t, []string{"x"}, transports[0].Messages())
		assert.Empty(t, transports[1].Messages())
		assert.Equal(t, []string{"x"}, transports[2].Messages())
	})

	t.Run("nil set addresses nobody", func(t *testing.T) {
		report := d.Deliver(context.Background(), []byte("y"), To(nil))
		assert.Equal(t, Report{}, report)
	})

	t.Run("target set view", func(t *testing.T) {
		set := targetset.New("2")
		report := d.Deliver(context.Background(), []byte("z"), To(set))
		assert.Equal(t, 1, report.Delivered)
		assert.Equal(t, []string{"z"}, transports[1].Messages())
	})
}

func TestDeliver_RemovedSessionsAreNotTargeted(t *testing.T) {
	reg := registry.New()
	sessions, transports := addSessions(reg, 2)
	reg.Remove(sessions[0])

	report := New(reg).Deliver(context.Background(), []byte("x"), All())
	assert.Equal(t, 1, report.Delivered)
	assert.Empty(t, transports[0].Messages())
}

func TestDeliver_ConcurrentBroadcasts(t *testing.T) {
	reg := registry.New()
	_, transports := addSessions(reg, 10)
	d := New(reg, WithMaxConcurrentWrites(4))

	const senders = 8
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := range senders {
		go func(i int) {
			defer wg.Done()
			d.Deliver(context.Background(), []byte(fmt.Sprintf("msg-%d", i)), All())
		}(i)
	}
	wg.Wait()

	for _, tr := range transports {
		require.Len(t, tr.Messages(), senders)
	}
}

func TestTargets(t *testing.T) {
	s := session.New("7", sessiontest.NewTransport("a"))
	assert.True(t, All().IsAll())
	assert.True(t, All().Includes(s))
	assert.False(t, Only("1").IsAll())
	assert.False(t, Only("1").Includes(s))
	assert.True(t, Only("7").Includes(s))
}
