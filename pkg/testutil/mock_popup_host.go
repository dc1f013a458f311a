package testutil

import (
	"encoding/json"
	"sync"

	"github.com/Layr-Labs/walletlink-go/pkg/popup"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// MockPopupHost implements popup.Host in memory. Windows it opens deliver
// posted requests to OnRequest, and anything passed to Deliver reaches the
// registered message listeners.
type MockPopupHost struct {
	origin string

	mu        sync.Mutex
	listeners map[int]func(popup.Message)
	nextID    int
	blocked   bool
	autoReady bool
	opens     []popup.Features
	window    *MockWindow
	onRequest func(types.PopupRequest)
}

// NewMockPopupHost creates a host whose popups live at origin and signal
// ready as soon as they open.
func NewMockPopupHost(origin string) *MockPopupHost {
	return &MockPopupHost{
		origin:    origin,
		listeners: make(map[int]func(popup.Message)),
		autoReady: true,
	}
}

// SetBlocked makes OpenWindow return a nil window.
func (h *MockPopupHost) SetBlocked(blocked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked = blocked
}

// SetAutoReady controls whether opened popups signal ready on their own.
func (h *MockPopupHost) SetAutoReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoReady = ready
}

// OnRequest sets the handler receiving requests posted to the popup.
func (h *MockPopupHost) OnRequest(fn func(types.PopupRequest)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRequest = fn
}

// Opens returns the features of every window opened so far.
func (h *MockPopupHost) Opens() []popup.Features {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]popup.Features(nil), h.opens...)
}

// Window returns the most recently opened window.
func (h *MockPopupHost) Window() *MockWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.window
}

// ListenerCount returns the number of registered message listeners.
func (h *MockPopupHost) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *MockPopupHost) ScreenSize() (int, int) { return 1440, 900 }

func (h *MockPopupHost) AddMessageListener(fn func(popup.Message)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (h *MockPopupHost) OpenWindow(url string, features popup.Features) (popup.Window, error) {
	h.mu.Lock()
	if h.blocked {
		h.mu.Unlock()
		return nil, nil
	}
	w := &MockWindow{host: h, URL: url}
	h.window = w
	h.opens = append(h.opens, features)
	ready := h.autoReady
	h.mu.Unlock()

	if ready {
		go h.Deliver(h.origin, map[string]string{"message": types.PopupReadyForRequest})
	}
	return w, nil
}

// Deliver sends v, JSON encoded, to every listener as if posted from origin.
func (h *MockPopupHost) Deliver(origin string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	h.mu.Lock()
	fns := make([]func(popup.Message), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(popup.Message{Origin: origin, Data: data})
	}
}

// Reply delivers a correlated reply from the popup's origin.
func (h *MockPopupHost) Reply(requestID string, content types.PopupReplyContent) {
	content.RequestID = requestID
	h.Deliver(h.origin, map[string]any{"content": content})
}

// MockWindow records what was posted to it.
type MockWindow struct {
	host *MockPopupHost
	URL  string

	mu       sync.Mutex
	closed   bool
	posted   []types.PopupRequest
	rejected int
}

// PostMessage drops messages whose target origin does not match the popup,
// as a browser would.
func (w *MockWindow) PostMessage(message any, targetOrigin string) error {
	if w.Closed() {
		return popup.ErrWindowClosed
	}
	if targetOrigin != w.host.origin {
		w.mu.Lock()
		w.rejected++
		w.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	var req types.PopupRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	w.mu.Lock()
	w.posted = append(w.posted, req)
	w.mu.Unlock()

	w.host.mu.Lock()
	fn := w.host.onRequest
	w.host.mu.Unlock()
	if fn != nil {
		go fn(req)
	}
	return nil
}

func (w *MockWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *MockWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Posted returns the requests delivered to the window.
func (w *MockWindow) Posted() []types.PopupRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.PopupRequest(nil), w.posted...)
}

// Rejected returns how many posts were dropped for a mismatched origin.
func (w *MockWindow) Rejected() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}
