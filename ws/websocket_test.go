package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpou/digital-dash/dashd/utils"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesClients(t *testing.T) {
	hub := NewWebSocketHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/connect",
		Payload: utils.DeviceConnectedPayload{Address: "AA:BB:CC:DD:EE:01"},
	})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var got map[string]interface{}
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "bluetooth/connect", got["type"])
		assert.Equal(t, map[string]interface{}{"address": "AA:BB:CC:DD:EE:01"}, got["payload"])
	}
}

func TestClosedClientIsRemoved(t *testing.T) {
	hub := NewWebSocketHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		hub.Broadcast(utils.WebSocketEvent{Type: "bluetooth/network/disconnect"})
	})
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub := NewWebSocketHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.Len())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
