package hub

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func newTestHub(t *testing.T, maxClientsPerGroup int) *Hub {
	t.Helper()
	h := New(clockwork.NewRealClock(), maxClientsPerGroup)
	t.Cleanup(func() { h.Stop() })
	return h
}

func readTextMessage(t *testing.T, conn *ws.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return msg
}

func assertNoMessage(t *testing.T, conn *ws.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message to arrive")
}

func TestHub_BroadcastReachesAllGroupMembers(t *testing.T) {
	h := newTestHub(t, 0)

	server1, client1 := newTestConnPair(t)
	server2, client2 := newTestConnPair(t)

	conn1 := h.NewConn(server1)
	conn2 := h.NewConn(server2)
	t.Cleanup(conn1.Close)
	t.Cleanup(conn2.Close)

	require.NoError(t, h.Join("alpha", conn1))
	require.NoError(t, h.Join("alpha", conn2))
	assert.Equal(t, 2, h.ClientCount("alpha"))

	h.Broadcast("alpha", []byte(`{"type":"users"}`))

	assert.Equal(t, `{"type":"users"}`, string(readTextMessage(t, client1)))
	assert.Equal(t, `{"type":"users"}`, string(readTextMessage(t, client2)))
}

func TestHub_BroadcastIsGroupScoped(t *testing.T) {
	h := newTestHub(t, 0)

	serverA, clientA := newTestConnPair(t)
	serverB, clientB := newTestConnPair(t)

	connA := h.NewConn(serverA)
	connB := h.NewConn(serverB)
	t.Cleanup(connA.Close)
	t.Cleanup(connB.Close)

	require.NoError(t, h.Join("alpha", connA))
	require.NoError(t, h.Join("beta", connB))

	h.Broadcast("alpha", []byte("alpha-only"))

	assert.Equal(t, "alpha-only", string(readTextMessage(t, clientA)))
	assertNoMessage(t, clientB)
}

func TestHub_BroadcastToUnknownGroupIsNoop(t *testing.T) {
	h := newTestHub(t, 0)
	h.Broadcast("nowhere", []byte("lost"))

	groups, clients := h.Stats()
	assert.Zero(t, groups)
	assert.Zero(t, clients)
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := newTestHub(t, 0)

	server1, client1 := newTestConnPair(t)
	server2, client2 := newTestConnPair(t)

	conn1 := h.NewConn(server1)
	conn2 := h.NewConn(server2)
	t.Cleanup(conn1.Close)
	t.Cleanup(conn2.Close)

	require.NoError(t, h.Join("alpha", conn1))
	require.NoError(t, h.Join("alpha", conn2))

	h.Leave("alpha", conn1)
	h.Broadcast("alpha", []byte("still here"))

	assert.Equal(t, "still here", string(readTextMessage(t, client2)))
	assertNoMessage(t, client1)
	assert.Equal(t, 1, h.ClientCount("alpha"))
}

func TestHub_LastLeaveDeletesGroup(t *testing.T) {
	h := newTestHub(t, 0)

	server1, _ := newTestConnPair(t)
	conn1 := h.NewConn(server1)
	t.Cleanup(conn1.Close)

	require.NoError(t, h.Join("alpha", conn1))
	groups, _ := h.Stats()
	assert.Equal(t, 1, groups)

	h.Leave("alpha", conn1)
	groups, clients := h.Stats()
	assert.Zero(t, groups)
	assert.Zero(t, clients)
}

func TestHub_LeaveUnknownIsNoop(t *testing.T) {
	h := newTestHub(t, 0)

	server1, _ := newTestConnPair(t)
	conn1 := h.NewConn(server1)
	t.Cleanup(conn1.Close)

	h.Leave("nowhere", conn1)

	require.NoError(t, h.Join("alpha", conn1))
	server2, _ := newTestConnPair(t)
	conn2 := h.NewConn(server2)
	t.Cleanup(conn2.Close)
	h.Leave("alpha", conn2)

	assert.Equal(t, 1, h.ClientCount("alpha"))
}

func TestHub_MaxClientsPerGroup(t *testing.T) {
	const maxClients = 2
	h := newTestHub(t, maxClients)

	for range maxClients {
		server, _ := newTestConnPair(t)
		conn := h.NewConn(server)
		t.Cleanup(conn.Close)
		require.NoError(t, h.Join("alpha", conn))
	}

	server, _ := newTestConnPair(t)
	conn := h.NewConn(server)
	err := h.Join("alpha", conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max clients per group")

	// Other groups are unaffected by alpha's cap.
	serverB, _ := newTestConnPair(t)
	connB := h.NewConn(serverB)
	t.Cleanup(connB.Close)
	require.NoError(t, h.Join("beta", connB))
}

// failingConn always rejects sends, standing in for a client whose
// buffer is full.
type failingConn struct {
	id    string
	mu    sync.Mutex
	calls int
}

func (f *failingConn) ID() string { return f.id }
func (f *failingConn) Send([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return ErrSendBufferFull
}
func (f *failingConn) Close() {}
func (f *failingConn) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestHub_BroadcastSkipsFailingClients(t *testing.T) {
	h := newTestHub(t, 0)

	slow := &failingConn{id: "slow"}
	require.NoError(t, h.Join("alpha", slow))

	server, client := newTestConnPair(t)
	healthy := h.NewConn(server)
	t.Cleanup(healthy.Close)
	require.NoError(t, h.Join("alpha", healthy))

	h.Broadcast("alpha", []byte("payload"))

	// The healthy client still receives even though its neighbor failed.
	assert.Equal(t, "payload", string(readTextMessage(t, client)))
	assert.Equal(t, 1, slow.sendCalls())

	// The failing client stays attached; dropped frames do not evict.
	assert.Equal(t, 2, h.ClientCount("alpha"))
}

func TestHub_StopClosesClientsWithCloseFrame(t *testing.T) {
	h := New(clockwork.NewRealClock(), 0)

	server1, client1 := newTestConnPair(t)
	conn1 := h.NewConn(server1)
	require.NoError(t, h.Join("alpha", conn1))

	h.Stop()

	client1.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client1.ReadMessage()
	require.Error(t, err)
	var closeErr *ws.CloseError
	if assert.True(t, errors.As(err, &closeErr)) {
		assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
		assert.Equal(t, "server shutting down", closeErr.Text)
	}
}

func TestHub_StopIdempotent(t *testing.T) {
	h := New(clockwork.NewRealClock(), 0)
	h.Stop()
	h.Stop()
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	server, _ := newTestConnPair(t)
	conn := newConn(server, clockwork.NewRealClock())
	conn.Close()

	err := conn.Send([]byte("late"))
	require.Error(t, err)
}

func TestConn_SendBufferFull(t *testing.T) {
	server, _ := newTestConnPair(t)
	conn := newConn(server, clockwork.NewRealClock())
	t.Cleanup(conn.Close)

	// Stall the write pump by never reading on the client side and
	// overfilling the buffer. The pump drains some messages into the
	// socket buffers, so push well past capacity.
	sawFull := false
	for range messageBufferSize * 100 {
		if err := conn.Send(make([]byte, 1024)); errors.Is(err, ErrSendBufferFull) {
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull, "expected a full send buffer to reject writes")
}

func TestConn_CloseIdempotent(t *testing.T) {
	server, _ := newTestConnPair(t)
	conn := newConn(server, clockwork.NewRealClock())
	conn.Close()
	conn.Close()
}
