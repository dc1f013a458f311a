package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/walletlink-go/pkg/cipherbox"
	"github.com/Layr-Labs/walletlink-go/pkg/clients/ethrpc"
	"github.com/Layr-Labs/walletlink-go/pkg/keyagreement"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/popup"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// Persisted account state keys.
const (
	StorageKeyAccounts     = "accounts"
	StorageKeyChain        = "chain"
	StorageKeyChains       = "chains"
	StorageKeyCapabilities = "capabilities"
)

// Channel is the popup transport used by SCWSigner.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, content any) (*types.PopupReplyContent, error)
	State() popup.State
}

var _ Channel = (*popup.Channel)(nil)

// SCWConfig configures a popup signer.
type SCWConfig struct {
	Metadata   types.AppMetadata
	Channel    Channel
	Storage    persistence.Storage
	// KeyStorage holds the ECDH key pair. Defaults to Storage.
	KeyStorage persistence.Storage
	Forwarder  ethrpc.IForwarder
	Listener   Listener
	Logger     *zap.Logger
}

type handlerFunc func(ctx context.Context, args types.RequestArguments) (any, error)

// SCWSigner talks to the wallet through a popup. The first round trip is a
// plaintext handshake that exchanges ECDH public keys; everything after is
// sealed under the derived secret.
type SCWSigner struct {
	metadata  types.AppMetadata
	channel   Channel
	storage   persistence.Storage
	keys      *keyagreement.KeyManager
	forwarder ethrpc.IForwarder
	listener  Listener
	logger    *zap.Logger

	handlers        map[string]handlerFunc
	preAuthHandlers map[string]handlerFunc

	// popupMu serializes popup round trips so at most one handshake is in flight.
	popupMu sync.Mutex

	mu           sync.Mutex
	accounts     []string
	chain        types.Chain
	chains       []types.Chain
	capabilities map[string]json.RawMessage
}

var _ Signer = (*SCWSigner)(nil)

// NewSCWSigner restores persisted account state from cfg.Storage.
func NewSCWSigner(cfg *SCWConfig) (*SCWSigner, error) {
	if cfg == nil || cfg.Channel == nil {
		return nil, fmt.Errorf("popup channel is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	listener := cfg.Listener
	if listener == nil {
		listener = ListenerFuncs{}
	}
	forwarder := cfg.Forwarder
	if forwarder == nil {
		forwarder = ethrpc.NewClient(&ethrpc.Config{Logger: l})
	}
	keyStorage := cfg.KeyStorage
	if keyStorage == nil {
		keyStorage = cfg.Storage
	}

	s := &SCWSigner{
		metadata:  cfg.Metadata,
		channel:   cfg.Channel,
		storage:   cfg.Storage,
		keys:      keyagreement.NewKeyManager(keyStorage, l.Named("keys")),
		forwarder: forwarder,
		listener:  listener,
		logger:    l,
		chain:     types.Chain{ID: defaultChainID(cfg.Metadata)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.registerHandlers()
	return s, nil
}

func defaultChainID(m types.AppMetadata) uint64 {
	if len(m.AppChainIDs) > 0 && m.AppChainIDs[0] != 0 {
		return m.AppChainIDs[0]
	}
	return 1
}

func (s *SCWSigner) load() error {
	if _, err := persistence.GetJSON(s.storage, StorageKeyAccounts, &s.accounts); err != nil {
		return err
	}
	if _, err := persistence.GetJSON(s.storage, StorageKeyChain, &s.chain); err != nil {
		return err
	}
	if _, err := persistence.GetJSON(s.storage, StorageKeyChains, &s.chains); err != nil {
		return err
	}
	if _, err := persistence.GetJSON(s.storage, StorageKeyCapabilities, &s.capabilities); err != nil {
		return err
	}
	return nil
}

func (s *SCWSigner) registerHandlers() {
	popupRoundTrip := func(ctx context.Context, args types.RequestArguments) (any, error) {
		return s.sendRequestToPopup(ctx, args)
	}

	s.preAuthHandlers = map[string]handlerFunc{
		MethodAccounts: func(context.Context, types.RequestArguments) (any, error) {
			return []string{}, nil
		},
		MethodRequestAccounts:     s.requestAccountsUnauthenticated,
		MethodSwitchEthereumChain: s.overrideChain,
		MethodConnect:             popupRoundTrip,
		MethodSendCalls:           popupRoundTrip,
	}

	s.handlers = map[string]handlerFunc{
		MethodRequestAccounts: func(context.Context, types.RequestArguments) (any, error) {
			s.listener.OnConnect(HexChainID(s.Chain().ID))
			return s.Accounts(), nil
		},
		MethodAccounts: func(context.Context, types.RequestArguments) (any, error) {
			return s.Accounts(), nil
		},
		MethodCoinbase: func(context.Context, types.RequestArguments) (any, error) {
			accounts := s.Accounts()
			if len(accounts) == 0 {
				return nil, nil
			}
			return accounts[0], nil
		},
		MethodNetVersion: func(context.Context, types.RequestArguments) (any, error) {
			return s.Chain().ID, nil
		},
		MethodChainID: func(context.Context, types.RequestArguments) (any, error) {
			return HexChainID(s.Chain().ID), nil
		},
		MethodGetCapabilities: func(context.Context, types.RequestArguments) (any, error) {
			return s.Capabilities(), nil
		},
		MethodSwitchEthereumChain: s.switchChain,
	}
	for _, m := range []string{
		MethodEcRecover, MethodPersonalSign, MethodWalletSign, MethodPersonalEcRecover,
		MethodSignTransaction, MethodSendTransaction,
		MethodSignTypedDataV1, MethodSignTypedDataV3, MethodSignTypedDataV4, MethodSignTypedData,
		MethodAddEthereumChain, MethodWatchAsset,
		MethodSendCalls, MethodShowCallsStatus, MethodGrantPermissions, MethodConnect,
	} {
		s.handlers[m] = popupRoundTrip
	}
}

// Accounts returns the connected accounts; index 0 is primary.
func (s *SCWSigner) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.accounts...)
}

// Chain returns the active chain.
func (s *SCWSigner) Chain() types.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain
}

// AvailableChains returns the chains last advertised by the wallet.
func (s *SCWSigner) AvailableChains() []types.Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Chain(nil), s.chains...)
}

// Capabilities returns the cached wallet capabilities keyed by address.
func (s *SCWSigner) Capabilities() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.capabilities))
	for k, v := range s.capabilities {
		out[k] = v
	}
	return out
}

func (s *SCWSigner) Handshake(ctx context.Context, args types.RequestArguments) error {
	s.popupMu.Lock()
	defer s.popupMu.Unlock()
	_, err := s.handshakeLocked(ctx, args)
	return err
}

func (s *SCWSigner) Request(ctx context.Context, args types.RequestArguments) (any, error) {
	s.logger.Sugar().Debugw("Signer request", "method", args.Method)

	if len(s.Accounts()) == 0 {
		h, ok := s.preAuthHandlers[args.Method]
		if !ok {
			return nil, sdkerrors.Unauthorized("")
		}
		return h(ctx, args)
	}

	if h, ok := s.handlers[args.Method]; ok {
		return h(ctx, args)
	}
	rpcURL := s.Chain().RPCURL
	if rpcURL == "" {
		return nil, sdkerrors.Internal("No RPC URL set for chain")
	}
	raw, err := s.forwarder.Forward(ctx, rpcURL, args.Method, args.Params)
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

func (s *SCWSigner) Cleanup(ctx context.Context) error {
	if err := s.keys.Clear(); err != nil {
		return err
	}
	for _, key := range []string{StorageKeyAccounts, StorageKeyChain, StorageKeyChains, StorageKeyCapabilities} {
		if err := s.storage.RemoveItem(key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}

	s.mu.Lock()
	s.accounts = nil
	s.chain = types.Chain{ID: defaultChainID(s.metadata)}
	s.chains = nil
	s.capabilities = nil
	s.mu.Unlock()
	return nil
}

// requestAccountsUnauthenticated runs the handshake, then reports connect.
func (s *SCWSigner) requestAccountsUnauthenticated(ctx context.Context, args types.RequestArguments) (any, error) {
	if err := s.Handshake(ctx, args); err != nil {
		return nil, err
	}
	s.listener.OnConnect(HexChainID(s.Chain().ID))
	return s.Accounts(), nil
}

// overrideChain sets the local chain id before any account is connected.
func (s *SCWSigner) overrideChain(_ context.Context, args types.RequestArguments) (any, error) {
	id, err := switchChainParams(args.Params)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.chain = types.Chain{ID: id}
	for _, c := range s.chains {
		if c.ID == id {
			s.chain = c
		}
	}
	s.mu.Unlock()
	return nil, nil
}

// switchChain switches locally when the wallet already advertised the target
// chain. Otherwise it asks the wallet; a null result means the chain is now
// known and the local switch is retried.
func (s *SCWSigner) switchChain(ctx context.Context, args types.RequestArguments) (any, error) {
	id, err := switchChainParams(args.Params)
	if err != nil {
		return nil, err
	}
	if s.updateChain(id, nil) {
		return nil, nil
	}
	result, err := s.sendRequestToPopup(ctx, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		s.updateChain(id, nil)
	}
	return result, nil
}

// updateChain activates chainID if it is present in chains, or the cached
// available chains when chains is nil.
func (s *SCWSigner) updateChain(chainID uint64, chains []types.Chain) bool {
	s.mu.Lock()
	if chains == nil {
		chains = s.chains
	}
	var found *types.Chain
	for i := range chains {
		if chains[i].ID == chainID {
			found = &chains[i]
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return false
	}
	if *found == s.chain {
		s.mu.Unlock()
		return true
	}
	idChanged := found.ID != s.chain.ID
	s.chain = *found
	chain := s.chain
	s.mu.Unlock()

	if err := persistence.SetJSON(s.storage, StorageKeyChain, chain); err != nil {
		s.logger.Sugar().Warnw("Failed to persist chain", "error", err)
	}
	if idChanged {
		s.listener.OnChainChanged(HexChainID(chain.ID))
	}
	return true
}

func (s *SCWSigner) sendRequestToPopup(ctx context.Context, args types.RequestArguments) (any, error) {
	s.popupMu.Lock()
	defer s.popupMu.Unlock()

	secret, err := s.keys.GetSharedSecret()
	if err != nil {
		return nil, err
	}
	if secret == nil {
		// wallet_connect and wallet_sendCalls may open the session themselves.
		if args.Method == MethodConnect || args.Method == MethodSendCalls {
			raw, err := s.handshakeLocked(ctx, args)
			if err != nil {
				return nil, err
			}
			return rawResult(raw), nil
		}
		return nil, sdkerrors.Unauthorized("No valid session found, try requestAccounts before other methods")
	}

	encrypted, err := cipherbox.EncryptJSON(secret, types.EncryptedRequest{Action: args, ChainID: s.Chain().ID})
	if err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, types.RPCRequestContent{Encrypted: encrypted})
	if err != nil {
		return nil, err
	}
	decrypted, err := s.decryptResponse(resp)
	if err != nil {
		return nil, err
	}
	raw, err := s.handleResponse(args, decrypted)
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

func (s *SCWSigner) handshakeLocked(ctx context.Context, args types.RequestArguments) (json.RawMessage, error) {
	if types.IsNullJSON(args.Params) {
		args.Params = json.RawMessage("[]")
	}
	resp, err := s.roundTrip(ctx, types.RPCRequestContent{Handshake: &args})
	if err != nil {
		return nil, err
	}

	peer, err := keyagreement.ImportPublicKeyHex(resp.Sender)
	if err != nil {
		return nil, sdkerrors.Protocol(fmt.Sprintf("invalid wallet public key: %v", err))
	}
	if err := s.keys.SetPeerPublicKey(peer); err != nil {
		return nil, err
	}

	decrypted, err := s.decryptResponse(resp)
	if err != nil {
		return nil, err
	}
	return s.handleResponse(args, decrypted)
}

// roundTrip posts one request envelope to the popup, opening it if needed.
func (s *SCWSigner) roundTrip(ctx context.Context, content types.RPCRequestContent) (*types.RPCResponseMessage, error) {
	if s.channel.State() != popup.Ready {
		if err := s.channel.Connect(ctx); err != nil {
			return nil, sdkerrors.FromContext(err, "popup did not become ready")
		}
	}
	sender, err := s.keys.GetOwnPublicKeyHex()
	if err != nil {
		return nil, err
	}
	msg := types.RPCRequestMessage{
		ID:        uuid.New(),
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now(),
	}
	reply, err := s.channel.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !types.IsNullJSON(reply.Failure) {
		return nil, sdkerrors.FromResponse(reply.Failure)
	}

	var resp types.RPCResponseMessage
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		return nil, sdkerrors.Protocol(fmt.Sprintf("malformed wallet response: %v", err))
	}
	if !types.IsNullJSON(resp.Content.Failure) {
		return nil, sdkerrors.FromResponse(resp.Content.Failure)
	}
	return &resp, nil
}

// decryptResponse opens resp and applies any advertised chains and
// capabilities, whichever request produced it.
func (s *SCWSigner) decryptResponse(resp *types.RPCResponseMessage) (*types.RPCResponse, error) {
	secret, err := s.keys.GetSharedSecret()
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, sdkerrors.Unauthorized("Invalid session")
	}

	var decrypted types.RPCResponse
	if err := cipherbox.DecryptJSON(secret, resp.Content.Encrypted, &decrypted); err != nil {
		return nil, err
	}

	if decrypted.Data != nil && len(decrypted.Data.Chains) > 0 {
		chains := make([]types.Chain, 0, len(decrypted.Data.Chains))
		for id, rpcURL := range decrypted.Data.Chains {
			n, err := strconv.ParseUint(id, 10, 64)
			if err != nil {
				s.logger.Sugar().Warnw("Ignoring chain with invalid id", "chain_id", id)
				continue
			}
			chains = append(chains, types.Chain{ID: n, RPCURL: rpcURL})
		}
		sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })

		s.mu.Lock()
		s.chains = chains
		current := s.chain.ID
		s.mu.Unlock()
		if err := persistence.SetJSON(s.storage, StorageKeyChains, chains); err != nil {
			s.logger.Sugar().Warnw("Failed to persist chains", "error", err)
		}
		s.updateChain(current, chains)
	}

	if decrypted.Data != nil && decrypted.Data.Capabilities != nil {
		s.mu.Lock()
		s.capabilities = decrypted.Data.Capabilities
		s.mu.Unlock()
		if err := persistence.SetJSON(s.storage, StorageKeyCapabilities, decrypted.Data.Capabilities); err != nil {
			s.logger.Sugar().Warnw("Failed to persist capabilities", "error", err)
		}
	}
	return &decrypted, nil
}

// handleResponse applies account results and returns the raw result value.
func (s *SCWSigner) handleResponse(args types.RequestArguments, decrypted *types.RPCResponse) (json.RawMessage, error) {
	result := decrypted.Result
	if !types.IsNullJSON(result.Error) {
		return nil, sdkerrors.FromResponse(result.Error)
	}

	switch args.Method {
	case MethodRequestAccounts:
		var accounts []string
		if err := json.Unmarshal(result.Value, &accounts); err != nil {
			return nil, sdkerrors.Protocol(fmt.Sprintf("malformed accounts result: %v", err))
		}
		s.setAccounts(accounts)
	case MethodConnect:
		var conn types.WalletConnectResponse
		if err := json.Unmarshal(result.Value, &conn); err != nil {
			return nil, sdkerrors.Protocol(fmt.Sprintf("malformed wallet_connect result: %v", err))
		}
		accounts := make([]string, 0, len(conn.Accounts))
		for _, a := range conn.Accounts {
			accounts = append(accounts, a.Address)
		}
		s.setAccounts(accounts)
	}
	return result.Value, nil
}

func (s *SCWSigner) setAccounts(accounts []string) {
	s.mu.Lock()
	s.accounts = append([]string{}, accounts...)
	chain := s.chain
	s.mu.Unlock()

	if err := persistence.SetJSON(s.storage, StorageKeyAccounts, accounts); err != nil {
		s.logger.Sugar().Warnw("Failed to persist accounts", "error", err)
	}
	if err := persistence.SetJSON(s.storage, StorageKeyChain, chain); err != nil {
		s.logger.Sugar().Warnw("Failed to persist chain", "error", err)
	}
	s.listener.OnAccountsChanged(append([]string{}, accounts...))
}
