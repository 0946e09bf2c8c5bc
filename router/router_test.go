package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/wsrelay/dispatch"
	"github.com/cyberinferno/wsrelay/protocol"
	"github.com/cyberinferno/wsrelay/session"
	"github.com/cyberinferno/wsrelay/session/sessiontest"
)

func origin() *session.Session {
	return session.New("1", sessiontest.NewTransport("peer"))
}

func TestRoute_Telemetry(t *testing.T) {
	r := New()
	out := r.Route([]byte(`{"ID":1,"Sicaklik":23.5}`), origin())

	assert.Equal(t, Broadcast, out.Kind)
	assert.Equal(t, `{"ID":1001,"Sicaklik":23.5}`, string(out.Payload))
	assert.True(t, out.Targets.IsAll())
	assert.NoError(t, out.Err)
}

func TestRoute_UnknownDiscriminator(t *testing.T) {
	r := New()
	out := r.Route([]byte(`{"ID":2}`), origin())

	assert.Equal(t, Reject, out.Kind)
	assert.NotEmpty(t, out.Payload)
	assert.Equal(t, "unknown message ID 2", string(out.Payload))
	assert.ErrorIs(t, out.Err, ErrUnknownMessage)
}

func TestRoute_Malformed(t *testing.T) {
	t.Run("reason only by default", func(t *testing.T) {
		out := New().Route([]byte("not-json"), origin())
		assert.Equal(t, Error, out.Kind)
		assert.Equal(t, "invalid message: "+protocol.ReasonInvalidJSON, string(out.Payload))
		assert.True(t, protocol.IsDecodeError(out.Err))
	})

	t.Run("verbose includes decoder detail", func(t *testing.T) {
		out := New(WithVerboseErrors(true)).Route([]byte("not-json"), origin())
		assert.Equal(t, Error, out.Kind)
		assert.Equal(t, out.Err.Error(), string(out.Payload))
		assert.Contains(t, string(out.Payload), "invalid character")
	})

	t.Run("missing discriminator", func(t *testing.T) {
		out := New().Route([]byte(`{"Sicaklik":1}`), origin())
		assert.Equal(t, Error, out.Kind)
		assert.Equal(t, "invalid message: "+protocol.ReasonMissingID, string(out.Payload))
	})
}

func TestRoute_RegisteredTransform(t *testing.T) {
	r := New()
	r.Register(5, func(in protocol.Message, from *session.Session) (protocol.Message, dispatch.Targets) {
		return protocol.Message{ID: 1005, Sicaklik: in.Sicaklik * 2}, dispatch.Only(from.ID())
	})

	out := r.Route([]byte(`{"ID":5,"Sicaklik":2}`), origin())
	require.Equal(t, Broadcast, out.Kind)
	assert.Equal(t, `{"ID":1005,"Sicaklik":4}`, string(out.Payload))
	assert.False(t, out.Targets.IsAll())
	assert.True(t, out.Targets.Includes(origin()))
}

func TestRoute_EncodeFailure(t *testing.T) {
	r := New()
	r.Register(9, func(protocol.Message, *session.Session) (protocol.Message, dispatch.Targets) {
		var zero float64
		return protocol.Message{ID: 9, Sicaklik: 1 / zero}, dispatch.All()
	})

	out := r.Route([]byte(`{"ID":9}`), origin())
	assert.Equal(t, Error, out.Kind)
	assert.NotEmpty(t, out.Payload)
	var target *protocol.DecodeError
	assert.False(t, errors.As(out.Err, &target))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "broadcast", Broadcast.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
