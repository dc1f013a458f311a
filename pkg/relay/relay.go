package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/Layr-Labs/walletlink-go/pkg/diagnostics"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/session"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"go.uber.org/zap"
)

// Storage keys written by the relay in the walletlink scope.
const (
	StorageKeyAddresses         = "Addresses"
	StorageKeyDefaultChainID    = "DefaultChainId"
	StorageKeyDefaultJSONRPCURL = "DefaultJsonRpcUrl"
)

// LinkVersion is advertised in the link URL.
const LinkVersion = "1"

// Config configures a Relay
type Config struct {
	LinkAPIURL         string
	Storage            persistence.Storage
	AppName            string
	AppLogoURL         string
	Origin             string
	ReloadOnDisconnect bool
	UI                 UI
	Diagnostics        diagnostics.Sink
	Logger             *zap.Logger
	Timing             Timing
	HTTPClient         *http.Client

	// AccountsCallback receives account updates; isDisconnect marks a reset.
	AccountsCallback func(accounts []string, isDisconnect bool)
	// ChainCallback receives distinct chain updates pushed by the wallet.
	ChainCallback func(chainID uint64, rpcURL string)
}

// Relay correlates web3 requests published over a relay Connection with the
// wallet's responses and owns the session lifecycle.
type Relay struct {
	cfg    Config
	ui     UI
	diag   diagnostics.Sink
	logger *zap.Logger
	timing Timing

	mu                   sync.Mutex
	session              *session.Session
	conn                 *Connection
	pending              map[string]*Call
	accountRequestIDs    map[string]struct{}
	isLinked             bool
	isUnlinkedErrorState bool
	resetting            bool
	closed               bool
}

// NewRelay loads or creates the session and builds its connection. Call
// Start to connect.
func NewRelay(cfg *Config) (*Relay, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.LinkAPIURL == "" {
		return nil, fmt.Errorf("link API URL is required")
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	ui := cfg.UI
	if ui == nil {
		ui = NopUI{}
	}

	r := &Relay{
		cfg:               *cfg,
		ui:                ui,
		diag:              diagnostics.OrNop(cfg.Diagnostics),
		logger:            l,
		timing:            cfg.Timing.withDefaults(),
		pending:           make(map[string]*Call),
		accountRequestIDs: make(map[string]struct{}),
	}
	s, conn, err := r.subscribe()
	if err != nil {
		return nil, err
	}
	r.session = s
	r.conn = conn
	return r, nil
}

// Start connects to the relay. A failed dial keeps retrying in the background.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrConnectionDestroyed
	}
	if err := conn.Connect(ctx); err != nil {
		r.logger.Sugar().Warnw("Initial relay connect failed, will retry", "error", err)
	}
	return nil
}

// Close destroys the connection and fails every pending call.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	conn.Destroy()
	r.failPending(sdkerrors.Disconnected("relay closed"))
}

// Session returns the current session.
func (r *Relay) Session() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Connection returns the current connection.
func (r *Relay) Connection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// IsLinked reports the last link state received from the relay.
func (r *Relay) IsLinked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isLinked
}

// IsUnlinkedErrorState reports whether a previously linked wallet has gone
// away while addresses are still cached.
func (r *Relay) IsUnlinkedErrorState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isUnlinkedErrorState
}

// QRCodeURL returns the link URL the wallet scans to join the session.
func (r *Relay) QRCodeURL(chainID uint64) string {
	s := r.Session()
	q := url.Values{}
	q.Set("id", s.ID())
	q.Set("secret", s.Secret())
	q.Set("server", r.cfg.LinkAPIURL)
	q.Set("v", LinkVersion)
	q.Set("chainId", strconv.FormatUint(chainID, 10))
	return fmt.Sprintf("%s/#/link?%s", strings.TrimSuffix(r.cfg.LinkAPIURL, "/"), q.Encode())
}

// SendRequest publishes req and returns its pending call.
func (r *Relay) SendRequest(ctx context.Context, req types.Web3Request) *Call {
	return r.send(ctx, req, false)
}

// RequestEthereumAccounts asks the wallet for its accounts. Every pending
// account request is fulfilled by the first account response or
// EthereumAddress metadata update.
func (r *Relay) RequestEthereumAccounts(ctx context.Context) *Call {
	return r.send(ctx, types.Web3Request{
		Method: types.Web3RequestEthereumAccounts,
		Params: map[string]string{
			"appName":    r.cfg.AppName,
			"appLogoUrl": r.cfg.AppLogoURL,
		},
	}, true)
}

func (r *Relay) send(ctx context.Context, req types.Web3Request, accountRequest bool) *Call {
	id, err := randomRequestID()
	call := newCall(id, req.Method, r)
	if err != nil {
		call.settle(nil, sdkerrors.Internal(err.Error()))
		return call
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		call.settle(nil, sdkerrors.Disconnected("relay closed"))
		return call
	}
	r.pending[id] = call
	if accountRequest {
		r.accountRequestIDs[id] = struct{}{}
	}
	conn := r.conn
	s := r.session
	unlinked := r.isUnlinkedErrorState
	r.mu.Unlock()

	call.setHide(r.ui.ShowConnecting(ConnectingOptions{
		IsUnlinkedErrorState: unlinked,
		OnCancel:             call.Cancel,
		OnResetConnection:    func() { go r.ResetAndReload(context.Background()) },
	}))

	go r.publishWeb3Request(ctx, conn, s, id, req)
	return call
}

func (r *Relay) publishWeb3Request(ctx context.Context, conn *Connection, s *session.Session, id string, req types.Web3Request) {
	msg := &types.RelayEventData{
		Type:    types.RelayEventWeb3Request,
		ID:      id,
		Request: &req,
		Origin:  r.cfg.Origin,
	}
	r.diag.Log(diagnostics.EventWeb3Request, diagnostics.Properties{
		"eventId":       id,
		"method":        req.Method,
		"sessionIdHash": s.IDHash(),
	})

	eventID, err := conn.PublishEvent(ctx, types.EventWeb3Request, msg, true)
	if err != nil {
		r.logger.Sugar().Warnw("Failed to publish web3 request", "request_id", id, "method", req.Method, "error", err)
		r.handleWeb3Response(id, &types.Web3Response{
			Method:       req.Method,
			ErrorMessage: err.Error(),
			ErrorCode:    sdkerrors.CodeOf(err),
		})
		return
	}
	r.diag.Log(diagnostics.EventWeb3RequestPublished, diagnostics.Properties{
		"eventId":       id,
		"relayEventId":  eventID,
		"method":        req.Method,
		"sessionIdHash": s.IDHash(),
	})
}

func (r *Relay) cancel(call *Call) {
	r.mu.Lock()
	_, pending := r.pending[call.ID]
	delete(r.pending, call.ID)
	delete(r.accountRequestIDs, call.ID)
	conn := r.conn
	r.mu.Unlock()

	if !pending {
		return
	}
	call.settle(nil, sdkerrors.UserRejected(""))
	if conn == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timing.RequestTimeout)
		defer cancel()
		msg := &types.RelayEventData{Type: types.RelayEventWeb3RequestCanceled, ID: call.ID, Origin: r.cfg.Origin}
		if _, err := conn.PublishEvent(ctx, types.EventWeb3RequestCanceled, msg, false); err != nil {
			r.logger.Sugar().Debugw("Failed to publish cancel", "request_id", call.ID, "error", err)
		}
	}()
}

func (r *Relay) expire(call *Call, err error) {
	r.mu.Lock()
	delete(r.pending, call.ID)
	delete(r.accountRequestIDs, call.ID)
	r.mu.Unlock()
	call.settle(nil, err)
}

// PendingCalls returns the number of unsettled calls.
func (r *Relay) PendingCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) handleWeb3Response(id string, resp *types.Web3Response) {
	r.mu.Lock()
	var targets []*Call
	if resp.Method == types.Web3RequestEthereumAccounts {
		targets = r.takeAccountRequestsLocked()
		if c, ok := r.pending[id]; ok {
			targets = append(targets, c)
			delete(r.pending, id)
		}
	} else if c, ok := r.pending[id]; ok {
		targets = append(targets, c)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		r.logger.Sugar().Debugw("Ignoring response for unknown or settled request", "request_id", id, "method", resp.Method)
		return
	}
	for _, c := range targets {
		if resp.IsError() {
			c.settle(nil, responseError(resp))
		} else {
			c.settle(resp, nil)
		}
	}
}

func (r *Relay) takeAccountRequestsLocked() []*Call {
	var out []*Call
	for id := range r.accountRequestIDs {
		if c, ok := r.pending[id]; ok {
			out = append(out, c)
			delete(r.pending, id)
		}
	}
	r.accountRequestIDs = make(map[string]struct{})
	return out
}

func (r *Relay) failPending(err error) {
	r.mu.Lock()
	calls := make([]*Call, 0, len(r.pending))
	for _, c := range r.pending {
		calls = append(calls, c)
	}
	r.pending = make(map[string]*Call)
	r.accountRequestIDs = make(map[string]struct{})
	r.mu.Unlock()

	for _, c := range calls {
		c.settle(nil, err)
	}
}

// ResetAndReload marks the session destroyed on the relay, tears down the
// connection, clears the persisted session if no other process replaced it,
// then reloads the UI or rebuilds a fresh session.
func (r *Relay) ResetAndReload(ctx context.Context) {
	r.mu.Lock()
	if r.closed || r.resetting {
		r.mu.Unlock()
		return
	}
	r.resetting = true
	oldSession := r.session
	conn := r.conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.resetting = false
		r.mu.Unlock()
	}()

	r.diag.Log(diagnostics.EventSessionStateChange, diagnostics.Properties{
		"method":                "relay::resetAndReload",
		"sessionMetadataChange": "__destroyed, 1",
		"sessionIdHash":         oldSession.IDHash(),
	})

	destroyCtx, cancel := context.WithTimeout(ctx, r.timing.DestroyTimeout)
	err := conn.SetSessionMetadata(destroyCtx, types.MetadataDestroyed, "1")
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Sugar().Debugw("Destroy flag not acknowledged in time", "timeout", r.timing.DestroyTimeout)
		} else {
			r.logger.Sugar().Warnw("Failed to set destroyed flag", "error", err)
			r.diag.Log(diagnostics.EventFailedToDestroySession, diagnostics.Properties{
				"message":       err.Error(),
				"sessionIdHash": oldSession.IDHash(),
			})
		}
	}

	conn.Destroy()

	storedID, ok, err := session.PersistedID(r.cfg.Storage)
	if err == nil && ok && storedID == oldSession.ID() {
		if err := r.cfg.Storage.Clear(); err != nil {
			r.logger.Sugar().Warnw("Failed to clear session storage", "error", err)
		}
	} else {
		storedHash := ""
		if ok {
			storedHash = session.Hash(storedID)
		}
		r.diag.Log(diagnostics.EventSkippedClearingSession, diagnostics.Properties{
			"sessionIdHash":       oldSession.IDHash(),
			"storedSessionIdHash": storedHash,
		})
	}

	r.failPending(sdkerrors.Disconnected("session was reset"))

	if r.cfg.ReloadOnDisconnect {
		r.ui.Reload()
		return
	}
	if r.cfg.AccountsCallback != nil {
		r.cfg.AccountsCallback([]string{}, true)
	}

	s, newConn, err := r.subscribe()
	if err != nil {
		r.logger.Sugar().Errorw("Failed to rebuild session after reset", "error", err)
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		newConn.Destroy()
		return
	}
	r.session = s
	r.conn = newConn
	r.isLinked = false
	r.isUnlinkedErrorState = false
	r.mu.Unlock()

	if err := newConn.Connect(ctx); err != nil {
		r.logger.Sugar().Warnw("Connect after reset failed, will retry", "error", err)
	}
}

func (r *Relay) subscribe() (*session.Session, *Connection, error) {
	s, err := session.LoadOrCreate(r.cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	l := &relayListener{relay: r}
	conn, err := NewConnection(&ConnectionConfig{
		Session:     s,
		LinkAPIURL:  r.cfg.LinkAPIURL,
		Listener:    l,
		Diagnostics: r.diag,
		Logger:      r.logger.Named("connection"),
		Timing:      r.timing,
		HTTPClient:  r.cfg.HTTPClient,
	})
	if err != nil {
		return nil, nil, err
	}
	l.conn = conn
	return s, conn, nil
}

func (r *Relay) isCurrent(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn == conn && !r.closed
}

// relayListener routes updates from one connection; updates from a replaced
// connection are dropped.
type relayListener struct {
	relay *Relay
	conn  *Connection
}

var _ Listener = (*relayListener)(nil)

func (l *relayListener) LinkedUpdated(linked bool) {
	r := l.relay
	if !r.isCurrent(l.conn) {
		return
	}

	cached, _, err := r.cfg.Storage.GetItem(StorageKeyAddresses)
	if err != nil {
		r.logger.Sugar().Warnw("Failed to read cached addresses", "error", err)
	}
	addresses := strings.Fields(cached)
	unlinked := len(addresses) > 0 && !linked && l.conn.session.Linked()

	r.mu.Lock()
	r.isLinked = linked
	r.isUnlinkedErrorState = unlinked
	r.mu.Unlock()

	if unlinked {
		r.diag.Log(diagnostics.EventUnlinkedErrorState, diagnostics.Properties{
			"sessionIdHash": l.conn.session.IDHash(),
		})
	}
}

func (l *relayListener) MetadataUpdated(key, value string) {
	r := l.relay
	if !r.isCurrent(l.conn) {
		return
	}
	if err := r.cfg.Storage.SetItem(key, value); err != nil {
		r.logger.Sugar().Warnw("Failed to store session metadata", "key", key, "error", err)
	}
}

func (l *relayListener) ChainUpdated(chainID, rpcURL string) {
	r := l.relay
	if !r.isCurrent(l.conn) {
		return
	}
	id, err := strconv.ParseUint(chainID, 10, 64)
	if err != nil || id == 0 {
		r.logger.Sugar().Warnw("Ignoring invalid chain id from wallet", "chain_id", chainID)
		return
	}
	if err := r.cfg.Storage.SetItem(StorageKeyDefaultChainID, chainID); err != nil {
		r.logger.Sugar().Warnw("Failed to persist chain id", "error", err)
	}
	if err := r.cfg.Storage.SetItem(StorageKeyDefaultJSONRPCURL, rpcURL); err != nil {
		r.logger.Sugar().Warnw("Failed to persist rpc url", "error", err)
	}
	if r.cfg.ChainCallback != nil {
		r.cfg.ChainCallback(id, rpcURL)
	}
}

func (l *relayListener) AccountUpdated(address string) {
	r := l.relay
	if !r.isCurrent(l.conn) {
		return
	}
	if r.cfg.AccountsCallback != nil {
		r.cfg.AccountsCallback([]string{address}, false)
	}

	r.mu.Lock()
	calls := r.takeAccountRequestsLocked()
	r.mu.Unlock()
	if len(calls) == 0 {
		return
	}
	result, _ := json.Marshal([]string{address})
	for _, c := range calls {
		c.settle(&types.Web3Response{Method: types.Web3RequestEthereumAccounts, Result: result}, nil)
	}
}

func (l *relayListener) Web3ResponseMessage(msg *types.RelayEventData) {
	r := l.relay
	if !r.isCurrent(l.conn) {
		return
	}
	r.diag.Log(diagnostics.EventWeb3Response, diagnostics.Properties{
		"eventId":       msg.ID,
		"method":        msg.Response.Method,
		"sessionIdHash": l.conn.session.IDHash(),
	})
	r.handleWeb3Response(msg.ID, msg.Response)
}

func (l *relayListener) ResetAndReload() {
	if !l.relay.isCurrent(l.conn) {
		return
	}
	l.relay.ResetAndReload(context.Background())
}

// responseError converts a wallet error response into an SDK error.
func responseError(resp *types.Web3Response) *sdkerrors.Error {
	code := resp.ErrorCode
	if code == 0 {
		code = sdkerrors.CodeInternal
	}
	raw, err := json.Marshal(map[string]any{"code": code, "message": resp.ErrorMessage})
	if err != nil {
		return sdkerrors.Internal(resp.ErrorMessage)
	}
	return sdkerrors.FromResponse(raw)
}

func randomRequestID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate request id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
