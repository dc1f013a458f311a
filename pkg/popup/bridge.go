package popup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	bridgeWriteWait = 10 * time.Second
	bridgeOpenWait  = 30 * time.Second
)

// Bridge frame types.
const (
	FrameOpen    = "open"
	FrameClose   = "close"
	FramePost    = "post"
	FrameOpened  = "opened"
	FrameClosed  = "closed"
	FrameMessage = "message"
)

// BridgeFrame is the envelope exchanged with a bridge page. Outbound frames
// are open, close and post. Inbound frames are opened, closed and message.
type BridgeFrame struct {
	Type         string          `json:"type"`
	URL          string          `json:"url,omitempty"`
	Features     *Features       `json:"features,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	TargetOrigin string          `json:"targetOrigin,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// BridgeConfig configures a bridge host.
type BridgeConfig struct {
	URL          string
	ScreenWidth  int
	ScreenHeight int
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

// BridgeHost implements Host over a websocket to a page that owns a real
// browser window. The page opens and closes the popup on request and relays
// every message posted back to it.
type BridgeHost struct {
	conn   *websocket.Conn
	logger *zap.Logger
	screenW int
	screenH int

	writeMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]func(Message)
	nextID    int
	window    *bridgeWindow
	opened    chan bool
	done      chan struct{}
}

// DialBridge connects to the bridge page's websocket.
func DialBridge(ctx context.Context, cfg *BridgeConfig) (*BridgeHost, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("bridge URL is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial popup bridge: %w", err)
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	w, h := cfg.ScreenWidth, cfg.ScreenHeight
	if w <= 0 || h <= 0 {
		w, h = 1920, 1080
	}
	b := &BridgeHost{
		conn:      conn,
		logger:    l,
		screenW:   w,
		screenH:   h,
		listeners: make(map[int]func(Message)),
		done:      make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *BridgeHost) ScreenSize() (int, int) { return b.screenW, b.screenH }

func (b *BridgeHost) AddMessageListener(fn func(Message)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// OpenWindow asks the bridge page to open url and waits for its answer. A
// refused open returns a nil Window.
func (b *BridgeHost) OpenWindow(url string, features Features) (Window, error) {
	opened := make(chan bool, 1)
	b.mu.Lock()
	if b.opened != nil {
		b.mu.Unlock()
		return nil, errors.New("a popup open is already in flight")
	}
	b.opened = opened
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.opened = nil
		b.mu.Unlock()
	}()

	if err := b.write(&BridgeFrame{Type: FrameOpen, URL: url, Features: &features}); err != nil {
		return nil, err
	}

	select {
	case ok := <-opened:
		if !ok {
			return nil, nil
		}
	case <-b.done:
		return nil, errors.New("popup bridge closed")
	case <-time.After(bridgeOpenWait):
		return nil, errors.New("timed out waiting for popup bridge")
	}

	win := &bridgeWindow{host: b}
	b.mu.Lock()
	b.window = win
	b.mu.Unlock()
	return win, nil
}

// Close closes the bridge connection.
func (b *BridgeHost) Close() error {
	_ = b.write(&BridgeFrame{Type: FrameClose})
	return b.conn.Close()
}

// Done is closed when the bridge connection ends.
func (b *BridgeHost) Done() <-chan struct{} { return b.done }

func (b *BridgeHost) write(f *BridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteWait))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *BridgeHost) readLoop() {
	defer close(b.done)
	defer b.markClosed()
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Sugar().Debugw("Popup bridge read ended", "error", err)
			}
			return
		}
		var f BridgeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Sugar().Warnw("Dropping malformed bridge frame", "error", err)
			continue
		}
		switch f.Type {
		case FrameOpened:
			b.mu.Lock()
			opened := b.opened
			b.mu.Unlock()
			if opened != nil {
				opened <- f.OK
			}
		case FrameClosed:
			b.markClosed()
		case FrameMessage:
			b.dispatch(Message{Origin: f.Origin, Data: f.Data})
		default:
			b.logger.Sugar().Debugw("Ignoring bridge frame", "type", f.Type)
		}
	}
}

// dispatch calls listeners outside the lock so they may remove themselves.
func (b *BridgeHost) dispatch(m Message) {
	b.mu.Lock()
	fns := make([]func(Message), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (b *BridgeHost) markClosed() {
	b.mu.Lock()
	win := b.window
	b.window = nil
	b.mu.Unlock()
	if win != nil {
		win.setClosed()
	}
}

type bridgeWindow struct {
	host   *BridgeHost
	mu     sync.Mutex
	closed bool
}

func (w *bridgeWindow) PostMessage(message any, targetOrigin string) error {
	if w.Closed() {
		return ErrWindowClosed
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return w.host.write(&BridgeFrame{Type: FramePost, Message: raw, TargetOrigin: targetOrigin})
}

func (w *bridgeWindow) Close() error {
	if w.Closed() {
		return nil
	}
	w.setClosed()
	return w.host.write(&BridgeFrame{Type: FrameClose})
}

func (w *bridgeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *bridgeWindow) setClosed() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
