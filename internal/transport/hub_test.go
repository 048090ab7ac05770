package transport

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/engine"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws?owner=tester", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestHub_Greeting(t *testing.T) {
	srv, ts := newTestServer(t, adapters.NewMockProvider())
	ws := dial(t, ts.URL)

	msg := readMessage(t, ws)
	assert.Equal(t, "connected", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
	assert.Equal(t, 1, srv.Hub().Count())
}

func TestHub_SubscribeDeliversInitialData(t *testing.T) {
	srv, ts := newTestServer(t, adapters.NewMockProvider())
	ws := dial(t, ts.URL)
	readMessage(t, ws)

	require.NoError(t, ws.WriteJSON(clientMessage{Type: "subscribe", Symbols: []string{"aapl", "MSFT"}}))

	seen := map[string]map[string]any{}
	for len(seen) < 2 {
		msg := readMessage(t, ws)
		seen[msg["type"].(string)] = msg
	}
	require.Contains(t, seen, "subscribed")
	require.Contains(t, seen, "initial_data")
	assert.ElementsMatch(t, []any{"AAPL", "MSFT"}, seen["subscribed"]["symbols"])
	quotes := seen["initial_data"]["quotes"].(map[string]any)
	assert.Contains(t, quotes, "AAPL")
	assert.Contains(t, quotes, "MSFT")

	require.NoError(t, ws.WriteJSON(clientMessage{Type: "unsubscribe", Symbols: []string{"MSFT"}}))
	msg := readMessage(t, ws)
	assert.Equal(t, "unsubscribed", msg["type"])
	assert.Equal(t, []any{"AAPL"}, msg["symbols"])

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return srv.Hub().Count() == 0 && srv.engine.Stats().Subscriptions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsBadMessages(t *testing.T) {
	_, ts := newTestServer(t, adapters.NewMockProvider())
	ws := dial(t, ts.URL)
	readMessage(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "error", readMessage(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(clientMessage{Type: "subscribe"}))
	assert.Equal(t, "error", readMessage(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(clientMessage{Type: "dance"}))
	assert.Equal(t, "error", readMessage(t, ws)["type"])

	require.NoError(t, ws.WriteJSON(clientMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, ws)["type"])
}

func TestHub_ForwardsMinuteTick(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2024, 3, 5, 15, 0, 30, 0, time.UTC))
	srv, ts := newTestServer(t, adapters.NewMockProvider(), engine.WithClock(fc))
	ws := dial(t, ts.URL)
	readMessage(t, ws)

	require.Eventually(t, func() bool {
		return srv.engine.Stats().SyncSubscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	fc.Advance(30 * time.Second)
	msg := readMessage(t, ws)
	assert.Equal(t, "tick", msg["type"])
	assert.EqualValues(t, 60, msg["next_tick_seconds"])
}
