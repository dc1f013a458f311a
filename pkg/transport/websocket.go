package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/config"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxRequestID keeps request ids inside the signed 32-bit range.
const maxRequestID = 1<<31 - 1

const writeWait = 10 * time.Second

var (
	ErrAlreadyConnected = errors.New("websocket is already connected")
	ErrDestroyed        = errors.New("websocket has been destroyed")
	ErrClosedWhileDial  = errors.New("websocket was closed while dialing")
)

// WebSocketConfig configures a relay socket.
type WebSocketConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
}

// WebSocket is a single relay connection. Outbound frames sent while no socket
// is open are queued and flushed in order once one opens. An unexpected close
// schedules a reconnect until Disconnect or Destroy is called.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *zap.Logger
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	done           chan struct{}
	state          types.ConnectionState
	dialing        bool
	explicitClose  bool
	destroyed      bool
	queue          [][]byte
	pending        map[int64]chan *types.ServerMessage
	lastID         int64
	lastHeartbeat  time.Time
	reconnectTimer *time.Timer

	onState   func(types.ConnectionState)
	onMessage func(*types.ServerMessage)

	// writeMu serializes frames on the wire. It is always taken after mu.
	writeMu sync.Mutex
}

// NewWebSocket creates a disconnected socket for cfg.URL.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.HeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.ReconnectDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.RequestTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &WebSocket{
		cfg:     cfg,
		logger:  l,
		dialer:  dialer,
		state:   types.Disconnected,
		pending: make(map[int64]chan *types.ServerMessage),
	}, nil
}

// WebSocketURLFor derives the relay websocket endpoint from the link API URL.
func WebSocketURLFor(linkAPIURL string) (string, error) {
	u, err := url.Parse(linkAPIURL)
	if err != nil {
		return "", fmt.Errorf("invalid link API URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported link API URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rpc"
	return u.String(), nil
}

// SetConnectionStateListener registers the single state observer.
func (w *WebSocket) SetConnectionStateListener(fn func(types.ConnectionState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onState = fn
}

// SetIncomingMessageListener registers the single inbound message observer.
func (w *WebSocket) SetIncomingMessageListener(fn func(*types.ServerMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = fn
}

// State returns the current connection state.
func (w *WebSocket) State() types.ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connect dials the relay. It fails immediately if a socket is already open
// or a dial is in flight.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	if w.conn != nil || w.dialing {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	if w.reconnectTimer != nil {
		w.reconnectTimer.Stop()
		w.reconnectTimer = nil
	}
	w.dialing = true
	w.explicitClose = false
	w.mu.Unlock()

	w.setState(types.Connecting)

	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)

	w.mu.Lock()
	w.dialing = false
	if err != nil {
		w.mu.Unlock()
		w.logger.Sugar().Warnw("Failed to dial relay", "url", w.cfg.URL, "error", err)
		w.setState(types.Disconnected)
		w.scheduleReconnect()
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	if w.destroyed || w.explicitClose {
		w.mu.Unlock()
		_ = conn.Close()
		w.setState(types.Disconnected)
		return ErrClosedWhileDial
	}
	done := make(chan struct{})
	w.conn = conn
	w.done = done
	w.lastHeartbeat = time.Now()
	queued := w.queue
	w.queue = nil
	w.writeMu.Lock()
	w.mu.Unlock()

	for _, frame := range queued {
		if err := w.writeLocked(conn, frame); err != nil {
			w.logger.Sugar().Warnw("Failed to flush queued frame", "error", err)
		}
	}
	w.writeMu.Unlock()

	w.logger.Sugar().Debugw("Relay socket connected", "url", w.cfg.URL, "flushed", len(queued))
	w.setState(types.Connected)

	go w.readLoop(conn, done)
	go w.heartbeatLoop(conn, done)
	return nil
}

// Disconnect closes the socket without scheduling a reconnect.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	w.explicitClose = true
	if w.reconnectTimer != nil {
		w.reconnectTimer.Stop()
		w.reconnectTimer = nil
	}
	w.mu.Unlock()
	w.closeConn(nil, "explicit disconnect")
}

// Destroy disconnects and permanently disables reconnection.
func (w *WebSocket) Destroy() {
	w.mu.Lock()
	w.destroyed = true
	w.queue = nil
	w.mu.Unlock()
	w.Disconnect()
}

// SendMessage serializes msg and sends it, queueing and connecting if no
// socket is open.
func (w *WebSocket) SendMessage(msg *types.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return w.sendFrame(data)
}

// MakeRequest assigns msg a fresh id, sends it, and waits for the reply that
// carries the same id. A zero timeout uses the configured request timeout.
func (w *WebSocket) MakeRequest(ctx context.Context, msg *types.ClientMessage, timeout time.Duration) (*types.ServerMessage, error) {
	if timeout <= 0 {
		timeout = w.cfg.RequestTimeout
	}

	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return nil, ErrDestroyed
	}
	id := w.nextRequestIDLocked()
	replyCh := make(chan *types.ServerMessage, 1)
	w.pending[id] = replyCh
	w.mu.Unlock()
	defer w.removePending(id)

	msg.ID = id
	if err := w.SendMessage(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, sdkerrors.Newf(sdkerrors.KindTimeout, "no reply to %s request %d within %s", msg.Type, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewRequestID reserves an id for a fire-and-forget message. Its reply, if
// any, only reaches the incoming message listener.
func (w *WebSocket) NewRequestID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextRequestIDLocked()
}

// PendingRequests returns the number of requests awaiting a reply.
func (w *WebSocket) PendingRequests() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *WebSocket) nextRequestIDLocked() int64 {
	for {
		w.lastID = (w.lastID + 1) % maxRequestID
		if w.lastID == 0 {
			continue
		}
		if _, taken := w.pending[w.lastID]; !taken {
			return w.lastID
		}
	}
}

func (w *WebSocket) removePending(id int64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *WebSocket) sendFrame(frame []byte) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	conn := w.conn
	if conn == nil {
		w.queue = append(w.queue, frame)
		startDial := !w.dialing
		w.mu.Unlock()
		if startDial {
			go func() {
				if err := w.Connect(context.Background()); err != nil && !errors.Is(err, ErrAlreadyConnected) {
					w.logger.Sugar().Debugw("Connect triggered by send failed", "error", err)
				}
			}()
		}
		return nil
	}
	w.writeMu.Lock()
	w.mu.Unlock()
	defer w.writeMu.Unlock()

	if err := w.writeLocked(conn, frame); err != nil {
		go w.closeConn(conn, "write failed")
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// writeLocked writes one text frame. Callers hold writeMu.
func (w *WebSocket) writeLocked(conn *websocket.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				w.logger.Sugar().Debugw("Relay socket read ended", "error", err)
			}
			w.closeConn(conn, "read failed")
			return
		}
		w.handleFrame(data)
	}
}

func (w *WebSocket) handleFrame(data []byte) {
	if string(data) == types.HeartbeatFrame {
		w.mu.Lock()
		w.lastHeartbeat = time.Now()
		w.mu.Unlock()
		return
	}

	var msg types.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		perr := sdkerrors.Newf(sdkerrors.KindProtocol, "malformed relay frame: %v", err)
		w.logger.Sugar().Warnw("Dropping relay frame", "error", perr, "size", len(data))
		return
	}

	w.mu.Lock()
	var replyCh chan *types.ServerMessage
	if msg.IsReply() {
		if ch, ok := w.pending[msg.ID]; ok {
			replyCh = ch
			delete(w.pending, msg.ID)
		}
	}
	listener := w.onMessage
	w.mu.Unlock()

	if replyCh != nil {
		replyCh <- &msg
	}
	if listener != nil {
		listener(&msg)
	}
}

func (w *WebSocket) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	interval := w.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		if w.conn != conn {
			w.mu.Unlock()
			return
		}
		last := w.lastHeartbeat
		w.writeMu.Lock()
		w.mu.Unlock()

		if time.Since(last) > 2*interval {
			w.writeMu.Unlock()
			w.logger.Sugar().Warnw("Heartbeat missed, forcing disconnect", "last_heartbeat", last, "interval", interval)
			w.closeConn(conn, "heartbeat timeout")
			return
		}
		err := w.writeLocked(conn, []byte(types.HeartbeatFrame))
		w.writeMu.Unlock()
		if err != nil {
			w.logger.Sugar().Debugw("Failed to send heartbeat", "error", err)
		}
	}
}

// closeConn tears down conn (or the current socket when conn is nil) once,
// then schedules a reconnect unless the close was requested.
func (w *WebSocket) closeConn(conn *websocket.Conn, reason string) {
	w.mu.Lock()
	if w.conn == nil || (conn != nil && w.conn != conn) {
		w.mu.Unlock()
		return
	}
	current := w.conn
	w.conn = nil
	close(w.done)
	w.done = nil
	w.mu.Unlock()

	w.writeMu.Lock()
	_ = current.SetWriteDeadline(time.Now().Add(time.Second))
	_ = current.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	_ = current.Close()

	w.logger.Sugar().Debugw("Relay socket closed", "reason", reason)
	w.setState(types.Disconnected)
	w.scheduleReconnect()
}

func (w *WebSocket) scheduleReconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed || w.explicitClose || w.reconnectTimer != nil {
		return
	}
	delay := w.cfg.ReconnectDelay
	w.reconnectTimer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		w.reconnectTimer = nil
		w.mu.Unlock()
		if err := w.Connect(context.Background()); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			w.logger.Sugar().Debugw("Reconnect attempt failed", "error", err)
		}
	})
	w.logger.Sugar().Debugw("Scheduled relay reconnect", "delay", delay)
}

func (w *WebSocket) setState(s types.ConnectionState) {
	w.mu.Lock()
	if w.state == s {
		w.mu.Unlock()
		return
	}
	w.state = s
	listener := w.onState
	w.mu.Unlock()
	if listener != nil {
		listener(s)
	}
}
