package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHub_BroadcastsToSubscribers(t *testing.T) {
	hub, srv := startHub(t, Options{})
	a := dial(t, srv, "")
	b := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(TopicAnomaly, map[string]string{"service": "api"}))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, TopicAnomaly, ev["topic"])
		assert.Equal(t, "api", ev["payload"].(map[string]interface{})["service"])
	}
}

func TestHub_TopicFilter(t *testing.T) {
	hub, srv := startHub(t, Options{})
	conn := dial(t, srv, "/?topics=remediation")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(TopicAnomaly, "skipped"))
	require.NoError(t, hub.Publish(TopicRemediation, "restart"))

	ev := readEvent(t, conn)
	assert.Equal(t, TopicRemediation, ev["topic"])
	assert.Equal(t, "restart", ev["payload"])
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &Client{id: "slow", send: make(chan []byte, 1), hub: hub}
	require.True(t, hub.join(slow))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(TopicRun, i))
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The buffered event is still delivered before the channel reports closed.
	_, ok := <-slow.send
	assert.True(t, ok)
	_, ok = <-slow.send
	assert.False(t, ok)
}

func TestHub_PublishAfterStop(t *testing.T) {
	hub := NewHub(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.Done()

	assert.ErrorIs(t, hub.Publish(TopicRun, nil), ErrHubClosed)
}

func TestHub_PublishQueueFull(t *testing.T) {
	hub := NewHub(Options{QueueSize: 1}, nil)
	require.NoError(t, hub.Publish(TopicRun, 1))
	assert.ErrorIs(t, hub.Publish(TopicRun, 2), ErrHubBusy)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"same host", nil, "http://anomaly.local:8080", true},
		{"other host blocked", nil, "https://evil.example.com", false},
		{"wildcard", []string{"*"}, "https://evil.example.com", true},
		{"explicit case-insensitive", []string{"https://App.Example.com"}, "https://app.example.com", true},
		{"explicit mismatch", []string{"https://app.example.com"}, "https://other.example.com", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHub(Options{AllowedOrigins: tc.allowed}, nil)
			r := httptest.NewRequest(http.MethodGet, "http://anomaly.local:8080/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, h.checkOrigin(r))
		})
	}
}
