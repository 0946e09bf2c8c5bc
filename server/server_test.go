package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/wsrelay/dispatch"
	"github.com/cyberinferno/wsrelay/metrics"
	"github.com/cyberinferno/wsrelay/registry"
	"github.com/cyberinferno/wsrelay/relay"
	"github.com/cyberinferno/wsrelay/router"
)

func newRelay() *relay.Relay {
	reg := registry.New()
	return relay.New(reg, router.New(), dispatch.New(reg))
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func health(t *testing.T, base string) (int, healthResponse) {
	t.Helper()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServer_RelaysTelemetryBetweenClients(t *testing.T) {
	r := newRelay()
	s := New(":0", r)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()

	a := dial(t, wsURL(ts.URL, DefaultWSPath))
	b := dial(t, wsURL(ts.URL, DefaultWSPath))
	require.Eventually(t, func() bool { return r.Registry().Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"ID":1,"Sicaklik":21.5}`)))
	assert.Equal(t, `{"ID":1001,"Sicaklik":21.5}`, read(t, a))
	assert.Equal(t, `{"ID":1001,"Sicaklik":21.5}`, read(t, b))

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"ID":7}`)))
	assert.Equal(t, "unknown message ID 7", read(t, b))
}

func TestServer_ClientCloseIsAcknowledged(t *testing.T) {
	r := newRelay()
	s := New(":0", r)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()

	c := dial(t, wsURL(ts.URL, DefaultWSPath))
	require.Eventually(t, func() bool { return r.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Eventually(t, func() bool { return r.Registry().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	r := newRelay()
	s := New(":0", r)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	code, body := health(t, ts.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, healthResponse{Status: "ok", Sessions: 0}, body)

	dial(t, wsURL(ts.URL, DefaultWSPath))
	assert.Eventually(t, func() bool {
		_, body := health(t, ts.URL)
		return body.Sessions == 1
	}, time.Second, 5*time.Millisecond)

	_, body = health(t, ts.URL)
	assert.Greater(t, body.OldestSessionSeconds, 0.0)

	s.Stop()
	code, body = health(t, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "stopping", body.Status)
}

func TestServer_RejectsUpgradeAfterStop(t *testing.T) {
	s := New(":0", newRelay())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.Stop()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, DefaultWSPath), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_OriginChecker(t *testing.T) {
	s := New(":0", newRelay(), WithCheckOrigin(OriginChecker([]string{"https://dash.example"})))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()
	url := wsURL(ts.URL, DefaultWSPath)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin header", "", true},
		{"listed origin", "https://dash.example", true},
		{"other origin", "https://evil.example", false},
		{"scheme differs", "http://dash.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			c, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				require.NoError(t, err)
				_ = c.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Run("mounted", func(t *testing.T) {
		m := metrics.New()
		s := New(":0", newRelay(), WithMetricsHandler(m.Handler()))
		ts := httptest.NewServer(s.Handler())
		defer ts.Close()

		m.SessionOpened()
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "wsrelay_active_sessions 1")
	})

	t.Run("absent", func(t *testing.T) {
		ts := httptest.NewServer(New(":0", newRelay()).Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_CustomPathAndBadUpgrade(t *testing.T) {
	s := New(":0", newRelay(), WithWSPath("/telemetry"))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()

	dial(t, wsURL(ts.URL, "/telemetry"))

	resp, err := http.Get(ts.URL + "/telemetry")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + DefaultWSPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	r := newRelay()
	s := New("127.0.0.1:0", r, WithName("test"))

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	base := "http://" + s.Addr()
	c := dial(t, wsURL(base, DefaultWSPath))
	require.Eventually(t, func() bool { return r.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, 0, r.Registry().Len())

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)

	// Stopping twice is harmless.
	s.Stop()
}

func TestServer_RestartAfterStop(t *testing.T) {
	r := newRelay()
	s := New("127.0.0.1:0", r, WithShutdownTimeout(time.Second))

	require.NoError(t, s.Start())
	s.Stop()

	require.NoError(t, s.Start())
	defer s.Stop()
	base := "http://" + s.Addr()

	code, body := health(t, base)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	a := dial(t, wsURL(base, DefaultWSPath))
	require.Eventually(t, func() bool { return r.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"ID":1,"Sicaklik":4}`)))
	assert.Equal(t, `{"ID":1001,"Sicaklik":4}`, read(t, a))
}

func TestServer_StopWaitsForUpgradesInFlight(t *testing.T) {
	r := newRelay()
	s := New(":0", r)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := wsURL(ts.URL, DefaultWSPath)

	const dialers = 20
	var wg sync.WaitGroup
	wg.Add(dialers)
	for range dialers {
		go func() {
			defer wg.Done()
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				defer c.Close()
				_ = c.SetReadDeadline(time.Now().Add(time.Second))
				_, _, _ = c.ReadMessage()
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	s.Stop()
	assert.Equal(t, 0, r.Registry().Len())

	wg.Wait()
	assert.Equal(t, 0, r.Registry().Len(), "a session was registered after Stop returned")
}

func TestServer_StartFailsOnBadAddr(t *testing.T) {
	s := New("256.0.0.1:bad", newRelay())
	require.Error(t, s.Start())

	// A failed Start does not leave the server marked as running.
	err := s.Start()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "already running")
}
