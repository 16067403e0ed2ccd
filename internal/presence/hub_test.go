package presence

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
	"go.uber.org/goleak"

	"github.com/npezzotti/go-timeclock/internal/stats"
	"github.com/npezzotti/go-timeclock/internal/testutil"
	"github.com/npezzotti/go-timeclock/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHub(t *testing.T) (*Hub, *stats.MockStatsUpdater) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", stats.PresenceClients).Return().Once()
	su.On("Incr", stats.PresenceClients).Return().Maybe()
	su.On("Decr", stats.PresenceClients).Return().Maybe()

	return NewHub(testutil.TestLogger(t), su), su
}

// serveHub runs the hub behind a websocket endpoint and tears both down on
// cleanup.
func serveHub(t *testing.T, h *Hub) *httptest.Server {
	go h.Run()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(r.URL.Query().Get("user"), conn, h, h.log)
		if !h.Register(c) {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.Shutdown(ctx))
		srv.Close()
	})

	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestNewHub(t *testing.T) {
	h, su := newTestHub(t)

	assert.NotNil(t, h.clients, "expected clients map to be initialized")
	assert.NotNil(t, h.register, "expected register channel to be initialized")
	assert.NotNil(t, h.unregister, "expected unregister channel to be initialized")
	assert.NotNil(t, h.broadcast, "expected broadcast channel to be initialized")
	assert.NotNil(t, h.stop, "expected stop channel to be initialized")
	su.AssertExpectations(t)
}

func TestHubBroadcastsEvents(t *testing.T) {
	h, _ := newTestHub(t)
	srv := serveHub(t, h)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	at := time.Date(2030, time.March, 4, 9, 0, 0, 0, time.UTC)
	h.Publish(types.Event{Type: types.EventClockIn, UserId: "alice", At: at})

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readMessage(t, conn)
		require.NotNil(t, msg.Event)
		assert.Equal(t, types.EventClockIn, msg.Event.Type)
		assert.Equal(t, "alice", msg.Event.UserId)
		assert.True(t, msg.Event.At.Equal(at))
	}
}

func TestClientPing(t *testing.T) {
	h, _ := newTestHub(t)
	srv := serveHub(t, h)
	conn := dial(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 7, "ping": map[string]any{}}))
	msg := readMessage(t, conn)
	require.NotNil(t, msg.Response)
	assert.Equal(t, 7, msg.Id)
	assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Response)
	assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode)
	assert.Equal(t, "invalid message format", msg.Response.Error)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h, su := newTestHub(t)
	srv := serveHub(t, h)

	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	su.AssertCalled(t, "Incr", stats.PresenceClients)
	su.AssertCalled(t, "Decr", stats.PresenceClients)
}

func TestHubShutdownClosesClients(t *testing.T) {
	h, _ := newTestHub(t)
	srv := serveHub(t, h)

	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going away close, got %v", err)

	assert.False(t, h.Register(&Client{}), "register after shutdown is refused")
	assert.NoError(t, h.Shutdown(ctx), "shutting down twice is fine")
}

func TestPublishDoesNotBlock(t *testing.T) {
	h, _ := newTestHub(t)

	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Publish(types.Event{Type: types.EventCheckIn, UserId: "alice"})
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}

func TestQueueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{send: make(chan *ServerMessage, 1)}
		assert.True(t, c.queueMessage(&ServerMessage{}))
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{send: make(chan *ServerMessage, 1)}
		c.send <- &ServerMessage{}
		assert.False(t, c.queueMessage(&ServerMessage{}))
	})
}
