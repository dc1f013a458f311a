package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/cipherbox"
	"github.com/Layr-Labs/walletlink-go/pkg/config"
	"github.com/Layr-Labs/walletlink-go/pkg/diagnostics"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/session"
	"github.com/Layr-Labs/walletlink-go/pkg/transport"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"go.uber.org/zap"
)

// ErrConnectionDestroyed is returned by operations on a destroyed connection.
var ErrConnectionDestroyed = errors.New("relay connection has been destroyed")

// Listener receives decoded session updates. Calls are made one at a time
// from the connection's dispatch goroutine, in arrival order.
type Listener interface {
	LinkedUpdated(linked bool)
	MetadataUpdated(key, value string)
	ChainUpdated(chainID, rpcURL string)
	AccountUpdated(address string)
	Web3ResponseMessage(msg *types.RelayEventData)
	ResetAndReload()
}

// Timing overrides protocol delays. Zero values use the pkg/config defaults.
type Timing struct {
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration
	DestroyTimeout    time.Duration
	UnseenEventsDelay time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = config.HeartbeatInterval
	}
	if t.ReconnectDelay <= 0 {
		t.ReconnectDelay = config.ReconnectDelay
	}
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = config.RequestTimeout
	}
	if t.DestroyTimeout <= 0 {
		t.DestroyTimeout = config.DestroyTimeout
	}
	if t.UnseenEventsDelay <= 0 {
		t.UnseenEventsDelay = config.UnseenEventsDelay
	}
	return t
}

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	Session     *session.Session
	LinkAPIURL  string
	Listener    Listener
	Diagnostics diagnostics.Sink
	Logger      *zap.Logger
	Timing      Timing
	HTTPClient  *http.Client
}

type chainPair struct {
	chainID string
	rpcURL  string
}

// Connection authenticates a session with the relay, publishes encrypted
// events, and decodes metadata and events pushed by the relay.
type Connection struct {
	session   *session.Session
	cipherKey []byte
	ws        *transport.WebSocket
	api       *transport.LinkAPIClient
	listener  Listener
	diag      diagnostics.Sink
	logger    *zap.Logger
	timing    Timing

	mu        sync.Mutex
	destroyed bool
	connected bool
	linked    bool
	lastChain *chainPair

	// connectedCh is closed the first time authentication succeeds.
	connectedCh   chan struct{}
	connectedOnce sync.Once
	destroyedCh   chan struct{}
	// authFailedCh is closed when the relay rejects the session; authErr
	// holds the rejection.
	authFailedCh   chan struct{}
	authFailedOnce sync.Once
	authErr        error

	dispatch chan func()
}

// NewConnection wires a websocket and HTTP client for cfg.Session. Call
// Connect to open the socket.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil || cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.Listener == nil {
		return nil, fmt.Errorf("listener is required")
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	timing := cfg.Timing.withDefaults()

	cipherKey, err := cfg.Session.CipherKey()
	if err != nil {
		return nil, err
	}
	wsURL, err := transport.WebSocketURLFor(cfg.LinkAPIURL)
	if err != nil {
		return nil, err
	}
	ws, err := transport.NewWebSocket(transport.WebSocketConfig{
		URL:               wsURL,
		HeartbeatInterval: timing.HeartbeatInterval,
		ReconnectDelay:    timing.ReconnectDelay,
		RequestTimeout:    timing.RequestTimeout,
		Logger:            l.Named("websocket"),
	})
	if err != nil {
		return nil, err
	}
	api, err := transport.NewLinkAPIClient(&transport.LinkAPIClientConfig{
		BaseURL:    cfg.LinkAPIURL,
		SessionID:  cfg.Session.ID(),
		SessionKey: cfg.Session.Key(),
		HTTPClient: cfg.HTTPClient,
		Logger:     l.Named("link_api"),
	})
	if err != nil {
		return nil, err
	}

	c := &Connection{
		session:     cfg.Session,
		cipherKey:   cipherKey,
		ws:          ws,
		api:         api,
		listener:    cfg.Listener,
		diag:        diagnostics.OrNop(cfg.Diagnostics),
		logger:      l,
		timing:      timing,
		connectedCh:  make(chan struct{}),
		destroyedCh:  make(chan struct{}),
		authFailedCh: make(chan struct{}),
		dispatch:     make(chan func(), 64),
	}
	ws.SetConnectionStateListener(c.handleStateChange)
	ws.SetIncomingMessageListener(c.handleIncoming)
	go c.runDispatch()
	return c, nil
}

// Connect opens the relay socket. Authentication runs once the socket opens.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return ErrConnectionDestroyed
	}
	c.diag.Log(diagnostics.EventSessionStateChange, diagnostics.Properties{
		"method":        "relay::connect",
		"sessionIdHash": c.session.IDHash(),
	})
	return c.ws.Connect(ctx)
}

// Destroy closes the socket permanently.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	close(c.destroyedCh)
	c.mu.Unlock()

	c.ws.Destroy()
	c.diag.Log(diagnostics.EventDisconnected, diagnostics.Properties{
		"type":          "destroyed",
		"sessionIdHash": c.session.IDHash(),
	})
}

// Connected reports whether the session is authenticated on an open socket.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Linked reports the last link state reported by the relay.
func (c *Connection) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

// PublishEvent encrypts message under the session secret and publishes it.
// It waits until the connection has authenticated at least once, and fails
// with AuthFailure if the relay rejected the session first.
func (c *Connection) PublishEvent(ctx context.Context, event string, message *types.RelayEventData, callWebhook bool) (string, error) {
	if err := c.waitConnected(ctx); err != nil {
		return "", err
	}

	data, err := cipherbox.EncryptJSON(c.cipherKey, message)
	if err != nil {
		return "", err
	}
	reply, err := c.ws.MakeRequest(ctx, &types.ClientMessage{
		Type:        types.ClientPublishEvent,
		SessionID:   c.session.ID(),
		Event:       event,
		Data:        data,
		CallWebhook: callWebhook,
	}, c.timing.RequestTimeout)
	if err != nil {
		return "", err
	}
	if reply.Type == types.ServerFail {
		return "", sdkerrors.Newf(sdkerrors.KindInternal, "failed to publish %s: %s", event, reply.Error)
	}
	return reply.EventID, nil
}

// SetSessionMetadata sets one plain-text session config value.
func (c *Connection) SetSessionMetadata(ctx context.Context, key, value string) error {
	if err := c.waitConnected(ctx); err != nil {
		return err
	}
	reply, err := c.ws.MakeRequest(ctx, &types.ClientMessage{
		Type:      types.ClientSetSessionConfig,
		SessionID: c.session.ID(),
		Metadata:  map[string]string{key: value},
	}, c.timing.RequestTimeout)
	if err != nil {
		return err
	}
	if reply.Type == types.ServerFail {
		return sdkerrors.Newf(sdkerrors.KindInternal, "failed to set session metadata %s: %s", key, reply.Error)
	}
	return nil
}

// CheckUnseenEvents polls the HTTP API for responses missed while offline.
// When not connected the check is left to the next successful
// authentication, which always polls.
func (c *Connection) CheckUnseenEvents(ctx context.Context) {
	if !c.Connected() {
		c.logger.Sugar().Debugw("Deferring unseen events check until connected")
		return
	}
	select {
	case <-time.After(c.timing.UnseenEventsDelay):
	case <-ctx.Done():
		return
	}
	c.fetchUnseenEvents(ctx)
}

func (c *Connection) waitConnected(ctx context.Context) error {
	select {
	case <-c.connectedCh:
		return nil
	default:
	}
	select {
	case <-c.connectedCh:
		return nil
	case <-c.authFailedCh:
		select {
		case <-c.connectedCh:
			return nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.authErr
	case <-c.destroyedCh:
		return ErrConnectionDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) runDispatch() {
	for {
		select {
		case fn := <-c.dispatch:
			fn()
		case <-c.destroyedCh:
			return
		}
	}
}

func (c *Connection) enqueue(fn func()) {
	select {
	case c.dispatch <- fn:
	case <-c.destroyedCh:
	}
}

func (c *Connection) handleStateChange(state types.ConnectionState) {
	c.logger.Sugar().Debugw("Relay connection state changed", "state", state.String(), "session_id_hash", c.session.IDHash())

	switch state {
	case types.Connected:
		go c.authenticate()
	case types.Disconnected:
		c.mu.Lock()
		wasConnected := c.connected
		c.connected = false
		c.mu.Unlock()
		if wasConnected {
			c.diag.Log(diagnostics.EventDisconnected, diagnostics.Properties{
				"state":         state.String(),
				"sessionIdHash": c.session.IDHash(),
			})
		}
	}
}

func (c *Connection) authenticate() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timing.RequestTimeout)
	defer cancel()

	reply, err := c.ws.MakeRequest(ctx, &types.ClientMessage{
		Type:       types.ClientHostSession,
		SessionID:  c.session.ID(),
		SessionKey: c.session.Key(),
	}, c.timing.RequestTimeout)
	if err != nil {
		c.logger.Sugar().Warnw("Failed to authenticate relay session", "error", err)
		return
	}
	if reply.Type == types.ServerFail {
		authErr := sdkerrors.AuthFailure(reply.Error)
		c.logger.Sugar().Warnw("Relay rejected session", "error", authErr)
		c.diag.Log(diagnostics.EventAuthFailed, diagnostics.Properties{
			"message":       reply.Error,
			"sessionIdHash": c.session.IDHash(),
		})
		c.authFailedOnce.Do(func() {
			c.mu.Lock()
			c.authErr = authErr
			c.mu.Unlock()
			close(c.authFailedCh)
		})
		return
	}

	for _, t := range []types.ClientMessageType{types.ClientIsLinked, types.ClientGetSessionConfig} {
		msg := &types.ClientMessage{Type: t, ID: c.ws.NewRequestID(), SessionID: c.session.ID()}
		if err := c.ws.SendMessage(msg); err != nil {
			c.logger.Sugar().Warnw("Failed to send session query", "type", t, "error", err)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.connectedOnce.Do(func() { close(c.connectedCh) })

	c.diag.Log(diagnostics.EventConnected, diagnostics.Properties{
		"sessionIdHash": c.session.IDHash(),
		"linked":        c.Linked(),
	})

	go func() {
		fetchCtx, fetchCancel := context.WithTimeout(context.Background(), c.timing.RequestTimeout)
		defer fetchCancel()
		c.CheckUnseenEvents(fetchCtx)
	}()
}

// handleIncoming runs on the socket reader and only hands work to dispatch.
func (c *Connection) handleIncoming(msg *types.ServerMessage) {
	switch msg.Type {
	case types.ServerIsLinkedOK, types.ServerLinked:
		linked := msg.Linked || msg.OnlineGuests > 0
		c.enqueue(func() { c.handleLinked(msg.Type, linked, msg.OnlineGuests) })
	case types.ServerGetSessionConfigOK, types.ServerSessionConfigUpdated:
		metadata := msg.Metadata
		c.enqueue(func() { c.handleSessionMetadataUpdated(metadata) })
	case types.ServerEvent:
		c.enqueue(func() { c.handleIncomingEvent(msg) })
	}
}

func (c *Connection) handleLinked(msgType types.ServerMessageType, linked bool, onlineGuests int) {
	c.mu.Lock()
	c.linked = linked
	c.mu.Unlock()

	if linked {
		if err := c.session.MarkLinked(); err != nil {
			c.logger.Sugar().Warnw("Failed to persist linked flag", "error", err)
		}
	}
	c.diag.Log(diagnostics.EventLinked, diagnostics.Properties{
		"sessionIdHash": c.session.IDHash(),
		"linked":        linked,
		"type":          string(msgType),
		"onlineGuests":  onlineGuests,
	})
	c.listener.LinkedUpdated(linked)
}

func (c *Connection) handleSessionMetadataUpdated(metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}

	if v, ok := metadata[types.MetadataDestroyed]; ok && v == "1" {
		c.mu.Lock()
		alreadyDestroyed := c.destroyed
		c.mu.Unlock()
		c.diag.Log(diagnostics.EventMetadataDestroyed, diagnostics.Properties{
			"alreadyDestroyed": alreadyDestroyed,
			"sessionIdHash":    c.session.IDHash(),
		})
		// ResetAndReload waits on replies read by the socket goroutine.
		go c.listener.ResetAndReload()
	}

	if v, ok := metadata[types.MetadataEthereumAddress]; ok {
		if address, ok := c.decryptMetadata(types.MetadataEthereumAddress, v); ok {
			c.listener.AccountUpdated(address)
		}
	}
	if v, ok := metadata[types.MetadataWalletUsername]; ok {
		if name, ok := c.decryptMetadata(types.MetadataWalletUsername, v); ok {
			c.listener.MetadataUpdated("walletUsername", name)
		}
	}
	if v, ok := metadata[types.MetadataAppVersion]; ok {
		if version, ok := c.decryptMetadata(types.MetadataAppVersion, v); ok {
			c.listener.MetadataUpdated(types.MetadataAppVersion, version)
		}
	}

	encChainID, hasChain := metadata[types.MetadataChainID]
	encRPCURL, hasURL := metadata[types.MetadataJSONRPCURL]
	if hasChain && hasURL {
		chainID, ok1 := c.decryptMetadata(types.MetadataChainID, encChainID)
		rpcURL, ok2 := c.decryptMetadata(types.MetadataJSONRPCURL, encRPCURL)
		if ok1 && ok2 {
			c.handleChainUpdated(chainID, rpcURL)
		}
	}
}

// handleChainUpdated forwards a chain pair only when it differs from the last
// one forwarded.
func (c *Connection) handleChainUpdated(chainID, rpcURL string) {
	c.mu.Lock()
	if c.lastChain != nil && c.lastChain.chainID == chainID && c.lastChain.rpcURL == rpcURL {
		c.mu.Unlock()
		return
	}
	c.lastChain = &chainPair{chainID: chainID, rpcURL: rpcURL}
	c.mu.Unlock()

	c.listener.ChainUpdated(chainID, rpcURL)
}

func (c *Connection) decryptMetadata(key, value string) (string, bool) {
	plaintext, err := cipherbox.Decrypt(c.cipherKey, value)
	if err != nil {
		c.logger.Sugar().Warnw("Failed to decrypt session metadata", "key", key, "error", err)
		c.diag.Log(diagnostics.EventGeneralError, diagnostics.Properties{
			"message":       "Had error decrypting",
			"value":         key,
			"sessionIdHash": c.session.IDHash(),
		})
		return "", false
	}
	return plaintext, true
}

func (c *Connection) handleIncomingEvent(msg *types.ServerMessage) {
	if msg.Event != types.EventWeb3Response {
		return
	}

	var data types.RelayEventData
	if err := cipherbox.DecryptJSON(c.cipherKey, msg.Data, &data); err != nil {
		c.logger.Sugar().Warnw("Failed to decrypt relay event", "event_id", msg.EventID, "error", err)
		c.diag.Log(diagnostics.EventGeneralError, diagnostics.Properties{
			"message":       "Had error decrypting",
			"value":         "incomingEvent",
			"sessionIdHash": c.session.IDHash(),
		})
		return
	}
	if data.Type != types.RelayEventWeb3Response || data.Response == nil {
		c.logger.Sugar().Debugw("Ignoring relay event", "event_id", msg.EventID, "type", data.Type)
		return
	}
	c.listener.Web3ResponseMessage(&data)
}

func (c *Connection) fetchUnseenEvents(ctx context.Context) {
	events, err := c.api.FetchUnseenEvents(ctx)
	if err != nil {
		c.logger.Sugar().Warnw("Unable to check for unseen events", "error", err)
		c.diag.Log(diagnostics.EventFetchUnseenEventsFailed, diagnostics.Properties{
			"message":       err.Error(),
			"sessionIdHash": c.session.IDHash(),
		})
		return
	}

	var responses []types.UnseenEvent
	for _, e := range events {
		if e.Event == types.EventWeb3Response {
			responses = append(responses, e)
		}
	}
	if len(responses) == 0 {
		return
	}

	for _, e := range responses {
		msg := &types.ServerMessage{
			Type:      types.ServerEvent,
			SessionID: c.session.ID(),
			EventID:   e.ID,
			Event:     e.Event,
			Data:      e.Data,
		}
		c.enqueue(func() { c.handleIncomingEvent(msg) })
	}

	go func() {
		seenCtx, cancel := context.WithTimeout(context.Background(), c.timing.RequestTimeout)
		defer cancel()
		c.api.MarkUnseenEventsAsSeen(seenCtx, responses)
	}()
}
