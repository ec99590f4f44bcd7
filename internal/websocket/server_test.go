package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/pkg/logger"
)

func startHub(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := NewServer(logger.NewNop())
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastFiltersBySession(t *testing.T) {
	hub, srv := startHub(t)

	all := dial(t, srv, "")
	one := dial(t, srv, "?session_id=s-1")
	waitForClients(t, hub, 2)

	hub.Broadcast(&Message{Type: MessageTypeMessageCreated, Data: map[string]any{"session_id": "s-2", "content": "other"}})
	hub.Broadcast(&Message{Type: MessageTypeMessageCreated, Data: map[string]any{"session_id": "s-1", "content": "mine"}})

	assert.Equal(t, "other", readMessage(t, all).Data["content"])
	assert.Equal(t, "mine", readMessage(t, all).Data["content"])

	got := readMessage(t, one)
	assert.Equal(t, MessageTypeMessageCreated, got.Type)
	assert.Equal(t, "mine", got.Data["content"])
}

func TestSubscribeMessageChangesFeed(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Data: map[string]any{"session_id": "s-9"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.SessionID() == "s-9" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(&Message{Type: MessageTypeSessionEnded, Data: map[string]any{"session_id": "s-1"}})
	hub.Broadcast(&Message{Type: MessageTypeSessionEnded, Data: map[string]any{"session_id": "s-9"}})

	got := readMessage(t, conn)
	assert.Equal(t, "s-9", got.SessionID())
}

type recordingHandler struct {
	types chan string
	err   error
}

func (h *recordingHandler) HandleMessage(_ *Client, messageType string, _ map[string]any) error {
	h.types <- messageType
	return h.err
}

func TestIncomingMessagesReachHandler(t *testing.T) {
	hub, srv := startHub(t)
	handler := &recordingHandler{types: make(chan string, 1), err: errors.New("session not found")}
	hub.SetMessageHandler(handler)

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "user_message", Data: map[string]any{"content": "hi"}}))
	select {
	case got := <-handler.types:
		assert.Equal(t, "user_message", got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	reply := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, reply.Type)
	assert.Equal(t, "session not found", reply.Data["error"])
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MessageTypeSessionStarted, struct {
		SessionID string `json:"session_id"`
	}{"s-1"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", msg.SessionID())

	_, err = NewMessage(MessageTypeSessionStarted, "not an object")
	assert.Error(t, err)
}

func TestShouldSendToClient(t *testing.T) {
	scoped := &Message{Data: map[string]any{"session_id": "a"}}
	global := &Message{Data: map[string]any{}}

	assert.True(t, shouldSendToClient("", scoped))
	assert.True(t, shouldSendToClient("a", scoped))
	assert.False(t, shouldSendToClient("b", scoped))
	assert.True(t, shouldSendToClient("b", global))
}
