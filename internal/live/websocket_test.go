package live

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/testsupport"
)

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	return msg
}

func TestWebSocketLifecycle(t *testing.T) {
	logger := testsupport.GetLogger()
	hub := NewHub(logger, staticSnapshot("2026-10-18", func() int64 { return 42 }))
	srv := httptest.NewServer(NewServer(":0", hubSubscriptions{hub}, logger).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Snapshot on connect.
	first, ok := readMessage(t, conn).(TrafficSnapshot)
	require.True(t, ok)
	assert.Equal(t, int64(42), first.Today)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Snapshot on request.
	require.NoError(t, conn.WriteJSON(ClientRequest{Type: RequestSnapshot}))
	_, ok = readMessage(t, conn).(TrafficSnapshot)
	assert.True(t, ok)

	// Broadcasts arrive.
	hub.Broadcast(HitAccepted{Date: "2026-10-18", Today: 43})
	hit, ok := readMessage(t, conn).(HitAccepted)
	require.True(t, ok)
	assert.Equal(t, int64(43), hit.Today)

	// Closing the client unsubscribes it.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketAnswersProbes(t *testing.T) {
	logger := testsupport.GetLogger()
	hub := NewHub(logger, nil)
	srv := httptest.NewServer(NewServer(":0", hubSubscriptions{hub}, logger).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The default client ping handler answers with a pong while the connection is being read.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	hub.checkLiveness()
	time.Sleep(100 * time.Millisecond)
	hub.checkLiveness()
	assert.Equal(t, 1, hub.ClientCount())
}

func TestMetricsEndpoint(t *testing.T) {
	logger := testsupport.GetLogger()
	srv := httptest.NewServer(NewServer(":0", NewHub(logger, nil), logger).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
