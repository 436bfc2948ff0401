package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHTTPServer(t *testing.T, n *node) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(n.gateway, TransportConfig{
		WriteTimeout: time.Second,
		PongTimeout:  5 * time.Second,
	}, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, playerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + playerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeRequest(t *testing.T, conn *websocket.Conn, reqType, requestID string, body any) {
	t.Helper()
	data, err := protocol.EncodeRequest(reqType, requestID, body)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocketMatchmaking(t *testing.T) {
	n := newNodeWithLogger(t, miniredis.RunT(t), "inst-a", zap.NewNop())
	srv := newHTTPServer(t, n)

	alice := dial(t, srv, "alice")
	writeRequest(t, alice, protocol.TypeJoinQueue, "a1", joinSetup("alice"))
	ack := readFrame(t, alice)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "a1", ack.RequestID)

	bob := dial(t, srv, "bob")
	writeRequest(t, bob, protocol.TypeJoinQueue, "b1", joinSetup("bob"))
	assert.Equal(t, protocol.TypeAck, readFrame(t, bob).Type)
	assert.Equal(t, protocol.TypeMatchFound, readFrame(t, bob).Type)
	assert.Equal(t, protocol.TypeMatchFound, readFrame(t, alice).Type)

	require.NoError(t, bob.Close())
	f := readFrame(t, alice)
	assert.Equal(t, protocol.TypeOpponentDisconnected, f.Type)
	assert.Eventually(t, func() bool { return n.gateway.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	m := miniredis.RunT(t)
	n := newNodeWithLogger(t, m, "inst-a", zap.NewNop())
	srv := newHTTPServer(t, n)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "inst-a", body["instanceId"])
	assert.EqualValues(t, 0, body["connections"])
}
