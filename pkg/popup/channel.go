package popup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Layr-Labs/walletlink-go/pkg/config"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State of the popup channel.
type State int

const (
	NoPopup State = iota
	Opening
	Ready
)

func (s State) String() string {
	switch s {
	case NoPopup:
		return "no_popup"
	case Opening:
		return "opening"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ChannelConfig configures a popup channel.
type ChannelConfig struct {
	URL    string
	Host   Host
	Width  int
	Height int
	Logger *zap.Logger
}

type reply struct {
	content *types.PopupReplyContent
	err     error
}

// Channel opens the wallet popup and correlates posted requests with the
// replies the popup posts back. Only messages from the popup's origin are
// considered.
type Channel struct {
	url    string
	origin string
	host   Host
	width  int
	height int
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	window         Window
	removeListener func()
	ready          chan struct{}
	closed         chan struct{}
	pending        map[string]chan reply
}

// NewChannel creates a channel for the popup at cfg.URL.
func NewChannel(cfg *ChannelConfig) (*Channel, error) {
	if cfg == nil || cfg.Host == nil {
		return nil, fmt.Errorf("host is required")
	}
	origin, err := config.OriginOf(cfg.URL)
	if err != nil {
		return nil, err
	}
	width, height := cfg.Width, cfg.Height
	if width <= 0 {
		width = config.PopupWidth
	}
	if height <= 0 {
		height = config.PopupHeight
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Channel{
		url:     cfg.URL,
		origin:  origin,
		host:    cfg.Host,
		width:   width,
		height:  height,
		logger:  l,
		pending: make(map[string]chan reply),
	}, nil
}

// Origin is the only origin messages are accepted from and posted to.
func (c *Channel) Origin() string { return c.origin }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingRequests returns the number of requests awaiting a reply.
func (c *Channel) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect opens the popup, closing any popup already open, and returns once
// the popup signals it is ready for requests.
func (c *Channel) Connect(ctx context.Context) error {
	if c.State() != NoPopup {
		c.Disconnect()
	}

	ready := make(chan struct{})
	closed := make(chan struct{})
	remove := c.host.AddMessageListener(c.handleMessage)

	c.mu.Lock()
	c.state = Opening
	c.ready = ready
	c.closed = closed
	c.removeListener = remove
	c.mu.Unlock()

	screenW, screenH := c.host.ScreenSize()
	features := Features{
		Width:  c.width,
		Height: c.height,
		Left:   (screenW - c.width) / 2,
		Top:    (screenH - c.height) / 2,
	}
	win, err := c.host.OpenWindow(c.url, features)
	if err != nil || win == nil {
		c.mu.Lock()
		c.state = NoPopup
		c.ready = nil
		c.closed = nil
		c.removeListener = nil
		c.mu.Unlock()
		remove()
		if err != nil {
			c.logger.Sugar().Warnw("Failed to open popup", "url", c.url, "error", err)
		}
		return sdkerrors.PopupBlocked("")
	}

	c.mu.Lock()
	if c.closed != closed {
		c.mu.Unlock()
		_ = win.Close()
		return sdkerrors.ChannelClosed("popup closed while opening")
	}
	c.window = win
	c.mu.Unlock()

	select {
	case <-ready:
		c.logger.Sugar().Debugw("Popup ready", "origin", c.origin)
		return nil
	case <-closed:
		return sdkerrors.ChannelClosed("popup closed before it was ready")
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Send posts content to the popup and waits for the correlated reply.
func (c *Channel) Send(ctx context.Context, content any) (*types.PopupReplyContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal popup request: %w", err)
	}

	c.mu.Lock()
	if c.window == nil || c.state != Ready {
		c.mu.Unlock()
		return nil, sdkerrors.ChannelClosed("no popup window is open")
	}
	id := uuid.NewString()
	ch := make(chan reply, 1)
	c.pending[id] = ch
	win := c.window
	c.mu.Unlock()

	if err := win.PostMessage(types.PopupRequest{ID: id, Content: raw}, c.origin); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("failed to post to popup: %w", err)
	}

	select {
	case r := <-ch:
		return r.content, r.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, sdkerrors.FromContext(ctx.Err(), "no reply from popup")
	}
}

// Disconnect closes the popup and rejects every pending request.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	win := c.window
	remove := c.removeListener
	pending := c.pending
	if c.closed != nil {
		close(c.closed)
	}
	c.window = nil
	c.removeListener = nil
	c.ready = nil
	c.closed = nil
	c.pending = make(map[string]chan reply)
	c.state = NoPopup
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
	if win != nil && !win.Closed() {
		if err := win.Close(); err != nil {
			c.logger.Sugar().Debugw("Failed to close popup", "error", err)
		}
	}
	for id, ch := range pending {
		ch <- reply{err: sdkerrors.ChannelClosed("")}
		c.logger.Sugar().Debugw("Rejected pending popup request", "request_id", id)
	}
}

func (c *Channel) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) handleMessage(m Message) {
	if m.Origin != c.origin {
		return
	}

	var in types.PopupInbound
	if err := json.Unmarshal(m.Data, &in); err != nil {
		c.logger.Sugar().Debugw("Ignoring malformed popup message", "error", err)
		return
	}

	switch in.Message {
	case types.PopupReadyForRequest:
		c.mu.Lock()
		if c.state == Opening && c.ready != nil {
			c.state = Ready
			close(c.ready)
			c.ready = nil
		}
		c.mu.Unlock()
		return
	case types.PopupUnload:
		c.Disconnect()
		return
	}

	id := in.CorrelationID()
	if id == "" || in.Content == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Sugar().Debugw("Ignoring popup reply for unknown request", "request_id", id)
		return
	}
	ch <- reply{content: in.Content}
}
