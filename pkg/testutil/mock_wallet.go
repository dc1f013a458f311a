package testutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/walletlink-go/pkg/cipherbox"
	"github.com/Layr-Labs/walletlink-go/pkg/keyagreement"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// WalletHandler answers one action. A nil value encodes as JSON null.
type WalletHandler func(action types.RequestArguments) (any, *sdkerrors.Error)

// WalletAction is an action the wallet received, with how it arrived.
type WalletAction struct {
	types.RequestArguments
	ChainID   uint64
	Handshake bool
}

// MockWallet is the popup side of the encrypted RPC protocol. It answers
// handshakes and encrypted requests posted to a MockPopupHost using its own
// ECDH keys.
type MockWallet struct {
	t    *testing.T
	host *MockPopupHost
	keys *keyagreement.KeyManager

	mu           sync.Mutex
	accounts     []string
	chains       map[uint64]string
	capabilities map[string]json.RawMessage
	handlers     map[string]WalletHandler
	failure      *sdkerrors.Error
	actions      []WalletAction
}

// NewMockWallet attaches a wallet to host.
func NewMockWallet(t *testing.T, host *MockPopupHost, accounts ...string) *MockWallet {
	w := &MockWallet{
		t:        t,
		host:     host,
		keys:     keyagreement.NewKeyManager(NewTestStorage("wallet"), zap.NewNop()),
		accounts: accounts,
		chains:   make(map[uint64]string),
		handlers: make(map[string]WalletHandler),
	}
	if _, err := w.keys.GetOwnPublicKey(); err != nil {
		t.Fatalf("wallet key pair: %v", err)
	}
	host.OnRequest(w.handle)
	return w
}

// PublicKeyHex is the key the wallet advertises as sender.
func (w *MockWallet) PublicKeyHex() string {
	pub, err := w.keys.GetOwnPublicKeyHex()
	if err != nil {
		w.t.Errorf("wallet public key: %v", err)
	}
	return pub
}

// SetChains sets the chain table attached to every response.
func (w *MockWallet) SetChains(chains map[uint64]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chains = chains
}

// SetCapabilities sets the capabilities attached to every response.
func (w *MockWallet) SetCapabilities(c map[string]json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capabilities = c
}

// Handle registers a handler for method.
func (w *MockWallet) Handle(method string, h WalletHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[method] = h
}

// FailNext answers the next request with an unencrypted failure.
func (w *MockWallet) FailNext(err *sdkerrors.Error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failure = err
}

// Actions returns every action received so far.
func (w *MockWallet) Actions() []WalletAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WalletAction(nil), w.actions...)
}

func (w *MockWallet) handle(req types.PopupRequest) {
	var msg types.RPCRequestMessage
	if err := json.Unmarshal(req.Content, &msg); err != nil {
		w.t.Errorf("wallet received malformed request: %v", err)
		return
	}

	w.mu.Lock()
	failure := w.failure
	w.failure = nil
	w.mu.Unlock()
	if failure != nil {
		raw, _ := json.Marshal(failure)
		w.reply(req.ID, msg.ID, types.RPCResponseContent{Failure: raw})
		return
	}

	peer, err := keyagreement.ImportPublicKeyHex(msg.Sender)
	if err != nil {
		w.t.Errorf("wallet could not import sender key: %v", err)
		return
	}
	if err := w.keys.SetPeerPublicKey(peer); err != nil {
		w.t.Errorf("wallet could not set peer key: %v", err)
		return
	}
	secret, err := w.keys.GetSharedSecret()
	if err != nil || secret == nil {
		w.t.Errorf("wallet has no shared secret: %v", err)
		return
	}

	action := WalletAction{}
	if msg.Content.Handshake != nil {
		action.RequestArguments = *msg.Content.Handshake
		action.Handshake = true
	} else {
		var enc types.EncryptedRequest
		if err := cipherbox.DecryptJSON(secret, msg.Content.Encrypted, &enc); err != nil {
			w.t.Errorf("wallet could not decrypt request: %v", err)
			return
		}
		action.RequestArguments = enc.Action
		action.ChainID = enc.ChainID
	}

	w.mu.Lock()
	w.actions = append(w.actions, action)
	h := w.handlers[action.Method]
	resp := types.RPCResponse{}
	if len(w.chains) > 0 || len(w.capabilities) > 0 {
		resp.Data = &types.RPCResponseData{Capabilities: w.capabilities}
		if len(w.chains) > 0 {
			resp.Data.Chains = make(map[string]string, len(w.chains))
			for id, url := range w.chains {
				resp.Data.Chains[strconv.FormatUint(id, 10)] = url
			}
		}
	}
	accounts := append([]string(nil), w.accounts...)
	w.mu.Unlock()

	var value any
	var rpcErr *sdkerrors.Error
	switch {
	case h != nil:
		value, rpcErr = h(action.RequestArguments)
	case action.Method == "eth_requestAccounts":
		value = accounts
	case action.Method == "wallet_connect":
		conn := types.WalletConnectResponse{}
		for _, a := range accounts {
			conn.Accounts = append(conn.Accounts, types.WalletConnectAccount{Address: a})
		}
		value = conn
	default:
		rpcErr = sdkerrors.UnsupportedMethod(fmt.Sprintf("mock wallet does not handle %s", action.Method))
	}

	if rpcErr != nil {
		raw, _ := json.Marshal(rpcErr)
		resp.Result.Error = raw
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			w.t.Errorf("wallet could not encode result: %v", err)
			return
		}
		resp.Result.Value = raw
	}

	encrypted, err := cipherbox.EncryptJSON(secret, resp)
	if err != nil {
		w.t.Errorf("wallet could not encrypt response: %v", err)
		return
	}
	w.reply(req.ID, msg.ID, types.RPCResponseContent{Encrypted: encrypted})
}

func (w *MockWallet) reply(popupID string, requestID uuid.UUID, content types.RPCResponseContent) {
	out := types.RPCResponseMessage{
		ID:        uuid.New(),
		RequestID: requestID,
		Sender:    w.PublicKeyHex(),
		Content:   content,
		Timestamp: time.Now(),
	}
	raw, err := json.Marshal(out)
	if err != nil {
		w.t.Errorf("wallet could not encode response: %v", err)
		return
	}
	w.host.Reply(popupID, types.PopupReplyContent{Response: raw})
}
