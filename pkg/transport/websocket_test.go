package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/relayserver"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []types.ConnectionState
}

func (r *stateRecorder) record(s types.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []types.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ConnectionState(nil), r.states...)
}

func (r *stateRecorder) count(s types.ConnectionState) int {
	n := 0
	for _, st := range r.snapshot() {
		if st == s {
			n++
		}
	}
	return n
}

func startRelay(t *testing.T) (*relayserver.Server, string) {
	t.Helper()
	relay := relayserver.NewServer(&relayserver.Config{Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(relay.GetHandler())
	t.Cleanup(srv.Close)
	wsURL, err := WebSocketURLFor(srv.URL)
	require.NoError(t, err)
	return relay, wsURL
}

func startRawServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSocket(t *testing.T, cfg WebSocketConfig) *WebSocket {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	ws, err := NewWebSocket(cfg)
	require.NoError(t, err)
	t.Cleanup(ws.Destroy)
	return ws
}

func hostSession(id string) *types.ClientMessage {
	return &types.ClientMessage{Type: types.ClientHostSession, SessionID: id, SessionKey: "key-" + id}
}

func TestWebSocketURLFor(t *testing.T) {
	u, err := WebSocketURLFor("https://www.walletlink.org")
	require.NoError(t, err)
	assert.Equal(t, "wss://www.walletlink.org/rpc", u)

	u, err = WebSocketURLFor("http://127.0.0.1:8080/")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/rpc", u)

	_, err = WebSocketURLFor("ftp://example.com")
	require.Error(t, err)
}

func TestNewWebSocket_RequiresURL(t *testing.T) {
	_, err := NewWebSocket(WebSocketConfig{})
	require.Error(t, err)
}

func TestWebSocket_ConnectAndMakeRequest(t *testing.T) {
	relay, wsURL := startRelay(t)
	rec := &stateRecorder{}
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})
	ws.SetConnectionStateListener(rec.record)

	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	assert.Equal(t, types.Connected, ws.State())
	assert.Equal(t, []types.ConnectionState{types.Connecting, types.Connected}, rec.snapshot())

	reply, err := ws.MakeRequest(ctx, hostSession("s1"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ServerOK, reply.Type)
	assert.NotZero(t, reply.ID)
	assert.Equal(t, 1, relay.HostCount("s1"))
	assert.Zero(t, ws.PendingRequests())

	err = ws.Connect(ctx)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestWebSocket_QueuesUntilConnectedInOrder(t *testing.T) {
	_, wsURL := startRelay(t)
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})

	// HostSession must reach the relay before IsLinked or the relay replies Fail.
	host := hostSession("s2")
	host.ID = 1000
	require.NoError(t, ws.SendMessage(host))

	reply, err := ws.MakeRequest(context.Background(), &types.ClientMessage{Type: types.ClientIsLinked, SessionID: "s2"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ServerIsLinkedOK, reply.Type)
	assert.Equal(t, types.Connected, ws.State())
}

func TestWebSocket_IncomingListenerSeesRepliesAndPushes(t *testing.T) {
	relay, wsURL := startRelay(t)
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})

	received := make(chan *types.ServerMessage, 8)
	ws.SetIncomingMessageListener(func(m *types.ServerMessage) { received <- m })

	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	_, err := ws.MakeRequest(ctx, hostSession("s3"), time.Second)
	require.NoError(t, err)

	relay.JoinGuest("s3")

	var got []types.ServerMessageType
	for len(got) < 2 {
		select {
		case m := <-received:
			got = append(got, m.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, received %v", got)
		}
	}
	assert.Equal(t, []types.ServerMessageType{types.ServerOK, types.ServerLinked}, got)
}

func TestWebSocket_RequestTimeoutRemovesPending(t *testing.T) {
	wsURL := startRawServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})
	require.NoError(t, ws.Connect(context.Background()))

	_, err := ws.MakeRequest(context.Background(), hostSession("s4"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrTimeout))
	assert.Zero(t, ws.PendingRequests())
}

func TestWebSocket_ContextCancelRemovesPending(t *testing.T) {
	wsURL := startRawServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})
	require.NoError(t, ws.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := ws.MakeRequest(ctx, hostSession("s5"), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, ws.PendingRequests())
}

func TestWebSocket_MalformedFrameDropped(t *testing.T) {
	wsURL := startRawServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":5}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Event","sessionId":"x","eventId":"e1","event":"Web3Response","data":"00"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})
	received := make(chan *types.ServerMessage, 4)
	ws.SetIncomingMessageListener(func(m *types.ServerMessage) { received <- m })
	require.NoError(t, ws.Connect(context.Background()))

	select {
	case m := <-received:
		assert.Equal(t, types.ServerEvent, m.Type)
		assert.Equal(t, "e1", m.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.Equal(t, types.Connected, ws.State())
}

func TestWebSocket_HeartbeatTimeoutForcesDisconnect(t *testing.T) {
	relay, wsURL := startRelay(t)
	relay.DropHeartbeats(true)

	rec := &stateRecorder{}
	ws := newTestSocket(t, WebSocketConfig{
		URL:               wsURL,
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    time.Hour,
	})
	ws.SetConnectionStateListener(rec.record)
	require.NoError(t, ws.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return ws.State() == types.Disconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.ConnectionState{types.Connecting, types.Connected, types.Disconnected}, rec.snapshot())
}

func TestWebSocket_HeartbeatKeepsConnectionAlive(t *testing.T) {
	_, wsURL := startRelay(t)
	ws := newTestSocket(t, WebSocketConfig{
		URL:               wsURL,
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectDelay:    time.Hour,
	})
	require.NoError(t, ws.Connect(context.Background()))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, types.Connected, ws.State())
}

func TestWebSocket_ReconnectsAfterUnexpectedClose(t *testing.T) {
	relay, wsURL := startRelay(t)
	rec := &stateRecorder{}
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL, ReconnectDelay: 20 * time.Millisecond})
	ws.SetConnectionStateListener(rec.record)

	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	_, err := ws.MakeRequest(ctx, hostSession("s6"), time.Second)
	require.NoError(t, err)

	relay.DisconnectHosts("s6")

	require.Eventually(t, func() bool {
		return rec.count(types.Connected) == 2 && ws.State() == types.Connected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.count(types.Disconnected))
}

func TestWebSocket_DisconnectDoesNotReconnect(t *testing.T) {
	_, wsURL := startRelay(t)
	rec := &stateRecorder{}
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL, ReconnectDelay: 10 * time.Millisecond})
	ws.SetConnectionStateListener(rec.record)

	require.NoError(t, ws.Connect(context.Background()))
	ws.Disconnect()
	assert.Equal(t, types.Disconnected, ws.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count(types.Connected))
	assert.Equal(t, types.Disconnected, ws.State())
}

func TestWebSocket_DestroyIsPermanent(t *testing.T) {
	_, wsURL := startRelay(t)
	ws := newTestSocket(t, WebSocketConfig{URL: wsURL})
	require.NoError(t, ws.Connect(context.Background()))

	ws.Destroy()
	assert.ErrorIs(t, ws.Connect(context.Background()), ErrDestroyed)
	assert.ErrorIs(t, ws.SendMessage(hostSession("s7")), ErrDestroyed)
}

func TestNextRequestID_WrapsAndSkipsPending(t *testing.T) {
	ws := &WebSocket{pending: make(map[int64]chan *types.ServerMessage)}

	ws.lastID = maxRequestID - 1
	assert.Equal(t, int64(1), ws.nextRequestIDLocked())

	ws.pending[2] = make(chan *types.ServerMessage, 1)
	assert.Equal(t, int64(3), ws.nextRequestIDLocked())
}
