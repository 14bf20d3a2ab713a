package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/audio-relay/relay/internal/config"
	"github.com/audio-relay/relay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken        = "test-secret"
	helloJSON        = `{"type":"server_hello"}`
	disconnectedJSON = `{"type":"source_disconnected"}`
)

type testRelay struct {
	srv    *Server
	router *relay.Router
	url    string
	addr   string
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 3002},
		Relay: config.RelayConfig{
			SourceToken:    testToken,
			SendQueueSize:  16,
			WriteTimeout:   time.Second,
			PingInterval:   time.Minute,
			PongTimeout:    2 * time.Minute,
			CloseGrace:     200 * time.Millisecond,
			MaxMessageSize: 1 << 16,
		},
		Shutdown: config.ShutdownConfig{Timeout: 5 * time.Second},
	}
}

// startRelay runs a full relay server on a loopback port.
func startRelay(t *testing.T, frontend http.Handler) *testRelay {
	t.Helper()

	router := relay.NewRouter(relay.NewRegistry(), relay.Options{})
	srv := NewServer(testConfig(), router, frontend, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testRelay{
		srv:    srv,
		router: router,
		url:    "ws://" + ln.Addr().String() + "/ws",
		addr:   ln.Addr().String(),
	}
}

func (tr *testRelay) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.DefaultDialer.Dial(tr.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (tr *testRelay) dialSource(t *testing.T) *websocket.Conn {
	t.Helper()
	before := tr.router.Registry().CurrentSource()
	c := tr.dial(t, testToken)
	require.Eventually(t, func() bool {
		cur := tr.router.Registry().CurrentSource()
		return cur != nil && cur != before
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (tr *testRelay) dialListener(t *testing.T) *websocket.Conn {
	t.Helper()
	before := tr.router.Registry().ListenerCount()
	c := tr.dial(t, "")
	require.Eventually(t, func() bool {
		return tr.router.Registry().ListenerCount() > before
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

// readUntilClose discards frames until the peer closes and returns the close
// frame it sent.
func readUntilClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := c.ReadMessage()
	require.Error(t, err, "unexpected frame %q", data)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func TestListenerGreeting_NoSource(t *testing.T) {
	tr := startRelay(t, nil)
	l := tr.dial(t, "")

	assert.Equal(t, helloJSON, readText(t, l))
	assert.Equal(t, disconnectedJSON, readText(t, l))
}

func TestListenerGreeting_SourceLive(t *testing.T) {
	tr := startRelay(t, nil)
	tr.dialSource(t)
	l := tr.dial(t, "")

	assert.Equal(t, helloJSON, readText(t, l))
	expectSilence(t, l)
}

func TestWrongTokenIsListener(t *testing.T) {
	tr := startRelay(t, nil)
	c := tr.dial(t, "not-the-secret")

	assert.Equal(t, helloJSON, readText(t, c))
	assert.Equal(t, disconnectedJSON, readText(t, c))
	assert.Nil(t, tr.router.Registry().CurrentSource())
}

func TestSourceFramesForwardedUnmodified(t *testing.T) {
	tr := startRelay(t, nil)
	src := tr.dialSource(t)

	l1 := tr.dialListener(t)
	l2 := tr.dialListener(t)
	require.Equal(t, helloJSON, readText(t, l1))
	require.Equal(t, helloJSON, readText(t, l2))

	chunk := `{"type":"audio_chunk","data":"AAECAw=="}`
	require.NoError(t, src.WriteMessage(websocket.TextMessage, []byte(chunk)))
	require.NoError(t, src.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, src.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2}))

	for _, l := range []*websocket.Conn{l1, l2} {
		assert.Equal(t, chunk, readText(t, l))
		assert.Equal(t, "not json", readText(t, l))

		mt, data, err := l.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, []byte{0, 1, 2}, data)
	}
}

func TestSourceEviction(t *testing.T) {
	tr := startRelay(t, nil)
	a := tr.dialSource(t)
	l := tr.dialListener(t)
	require.Equal(t, helloJSON, readText(t, l))

	b := tr.dialSource(t)

	ce := readUntilClose(t, a)
	assert.Equal(t, relay.CloseNormal, ce.Code)
	assert.Equal(t, relay.ReasonNewSource, ce.Text)

	// The listener never saw a gap and keeps receiving from the new source.
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("from-b")))
	assert.Equal(t, "from-b", readText(t, l))
}

func TestSourceDisconnectNotifiesListeners(t *testing.T) {
	tr := startRelay(t, nil)
	src := tr.dialSource(t)
	l := tr.dialListener(t)
	require.Equal(t, helloJSON, readText(t, l))

	require.NoError(t, src.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Equal(t, disconnectedJSON, readText(t, l))
	require.Eventually(t, func() bool {
		return tr.router.Registry().CurrentSource() == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenerInputGoesNowhere(t *testing.T) {
	tr := startRelay(t, nil)
	src := tr.dialSource(t)
	chatty := tr.dialListener(t)
	other := tr.dialListener(t)
	require.Equal(t, helloJSON, readText(t, chatty))
	require.Equal(t, helloJSON, readText(t, other))

	require.NoError(t, chatty.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_chunk"}`)))

	expectSilence(t, src)
	expectSilence(t, other)
}

func TestShutdownClosesEveryConnection(t *testing.T) {
	tr := startRelay(t, nil)
	src := tr.dialSource(t)
	l1 := tr.dialListener(t)
	l2 := tr.dialListener(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- tr.srv.Shutdown(ctx)
	}()

	for _, c := range []*websocket.Conn{src, l1, l2} {
		ce := readUntilClose(t, c)
		assert.Equal(t, relay.CloseNormal, ce.Code)
		assert.Equal(t, relay.ReasonShutdown, ce.Text)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	_, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	assert.Error(t, err, "new connections must be refused after shutdown")
	assert.Equal(t, 0, tr.router.Registry().ListenerCount())
}

func TestHandleWS_RefusesDuringShutdown(t *testing.T) {
	router := relay.NewRouter(relay.NewRegistry(), relay.Options{})
	srv := NewServer(testConfig(), router, nil, nil)
	require.NoError(t, srv.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRootServesFrontendWithoutUpgrade(t *testing.T) {
	page := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>listener</html>"))
	})
	tr := startRelay(t, page)

	resp, err := http.Get("http://" + tr.addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	// The same path upgrades when asked to.
	c, _, err := websocket.DefaultDialer.Dial("ws://"+tr.addr+"/", nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, helloJSON, readText(t, c))
}

func TestRootWithoutFrontend(t *testing.T) {
	router := relay.NewRouter(relay.NewRegistry(), relay.Options{})
	srv := NewServer(testConfig(), router, nil, nil)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	tr := startRelay(t, nil)
	tr.dialSource(t)
	tr.dialListener(t)

	resp, err := http.Get("http://" + tr.addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + tr.addr + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Listeners)
	assert.True(t, stats.SourceLive)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
}

func TestMetricsEndpoint(t *testing.T) {
	tr := startRelay(t, nil)
	tr.dialListener(t)

	resp, err := http.Get("http://" + tr.addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "relay_listeners_current")
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(testConfig(), nil, nil, nil)

	cfg := testConfig()
	cfg.Relay.AllowedOrigins = []string{"https://radio.example.com", " "}
	restricted := NewServer(cfg, nil, nil, nil)

	tests := []struct {
		name   string
		srv    *Server
		origin string
		host   string
		want   bool
	}{
		{"no origin header", restricted, "", "relay.local", true},
		{"no allow-list", open, "https://anywhere.example", "relay.local", true},
		{"allowed origin", restricted, "https://radio.example.com", "relay.local", true},
		{"allowed host other scheme", restricted, "http://radio.example.com", "relay.local", true},
		{"same host", restricted, "http://relay.local", "relay.local", true},
		{"foreign origin", restricted, "https://evil.example", "relay.local", false},
		{"garbage origin", restricted, "::not a url", "relay.local", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.srv.checkOrigin(req))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		assert.Equal(t, expected, rec.Header().Get(header), header)
	}
}
