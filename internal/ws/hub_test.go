package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHubServer(t *testing.T, hub *Hub, runID int64) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.Serve(w, r, runID))
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHub_BroadcastDeliversToSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, wsURL := startHubServer(t, hub, 42)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give Serve a moment to register the subscriber before broadcasting.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.subscribers[42]) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(42, map[string]string{"status": "completed"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "completed", payload["status"])
}

func TestHub_BroadcastToUnsubscribedRunIDIsNoOp(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.NotPanics(t, func() {
		hub.Broadcast(999, map[string]string{"status": "completed"})
	})
}

func TestHub_DisconnectRemovesSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, wsURL := startHubServer(t, hub, 7)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.subscribers[7]) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.subscribers[7]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
