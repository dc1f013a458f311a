package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/Layr-Labs/walletlink-go/pkg/clients/ethrpc"
	"github.com/Layr-Labs/walletlink-go/pkg/diagnostics"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/relay"
	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// WalletLinkConfig configures a relay signer.
type WalletLinkConfig struct {
	Metadata           types.AppMetadata
	LinkAPIURL         string
	Origin             string
	Storage            persistence.Storage
	ReloadOnDisconnect bool
	UI                 relay.UI
	Diagnostics        diagnostics.Sink
	Timing             relay.Timing
	HTTPClient         *http.Client
	Forwarder          ethrpc.IForwarder
	Listener           Listener
	Logger             *zap.Logger
}

// WalletLinkSigner maps EIP-1193 requests onto web3 requests published over
// a relay session.
type WalletLinkSigner struct {
	storage   persistence.Storage
	relay     *relay.Relay
	forwarder ethrpc.IForwarder
	logger    *zap.Logger
	handlers  map[string]handlerFunc

	mu        sync.Mutex
	listener  Listener
	addresses []string
	chainID   uint64
}

var _ Signer = (*WalletLinkSigner)(nil)

// NewWalletLinkSigner restores cached addresses and builds the relay. Call
// Start to connect.
func NewWalletLinkSigner(cfg *WalletLinkConfig) (*WalletLinkSigner, error) {
	if cfg == nil || cfg.Storage == nil {
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
		forwarder = ethrpc.NewClient(&ethrpc.Config{HTTPClient: cfg.HTTPClient, Logger: l})
	}

	s := &WalletLinkSigner{
		storage:   cfg.Storage,
		forwarder: forwarder,
		logger:    l,
		listener:  listener,
		chainID:   1,
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	r, err := relay.NewRelay(&relay.Config{
		LinkAPIURL:         cfg.LinkAPIURL,
		Storage:            cfg.Storage,
		AppName:            cfg.Metadata.AppName,
		AppLogoURL:         cfg.Metadata.AppLogoURL,
		Origin:             cfg.Origin,
		ReloadOnDisconnect: cfg.ReloadOnDisconnect,
		UI:                 cfg.UI,
		Diagnostics:        cfg.Diagnostics,
		Logger:             l.Named("relay"),
		Timing:             cfg.Timing,
		HTTPClient:         cfg.HTTPClient,
		AccountsCallback: func(accounts []string, _ bool) {
			s.setAddresses(accounts)
		},
		ChainCallback: s.updateProviderInfo,
	})
	if err != nil {
		return nil, err
	}
	s.relay = r
	s.registerHandlers()
	return s, nil
}

func (s *WalletLinkSigner) load() error {
	cached, ok, err := s.storage.GetItem(relay.StorageKeyAddresses)
	if err != nil {
		return err
	}
	if ok && cached != "" {
		for _, a := range strings.Split(cached, " ") {
			addr, err := normalizeAddress(a)
			if err != nil {
				s.logger.Sugar().Warnw("Dropping invalid cached address", "address", a)
				continue
			}
			s.addresses = append(s.addresses, addr)
		}
	}
	raw, ok, err := s.storage.GetItem(relay.StorageKeyDefaultChainID)
	if err != nil {
		return err
	}
	if ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil && id != 0 {
			s.chainID = id
		}
	}
	return nil
}

func (s *WalletLinkSigner) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		MethodAccounts: func(context.Context, types.RequestArguments) (any, error) {
			return s.Accounts(), nil
		},
		MethodCoinbase: func(context.Context, types.RequestArguments) (any, error) {
			if a := s.selectedAddress(); a != "" {
				return a, nil
			}
			return nil, nil
		},
		MethodNetVersion: func(context.Context, types.RequestArguments) (any, error) {
			return strconv.FormatUint(s.ChainID(), 10), nil
		},
		MethodChainID: func(context.Context, types.RequestArguments) (any, error) {
			return HexChainID(s.ChainID()), nil
		},
		MethodRequestAccounts: func(ctx context.Context, _ types.RequestArguments) (any, error) {
			return s.requestAccounts(ctx)
		},
		MethodEcRecover:           s.ecRecover,
		MethodPersonalEcRecover:   s.ecRecover,
		MethodPersonalSign:        s.personalSign,
		MethodSignTransaction:     s.signTransaction(false),
		MethodSendTransaction:     s.signTransaction(true),
		MethodSendRawTransaction:  s.sendRawTransaction,
		MethodSignTypedDataV3:     s.signTypedData,
		MethodSignTypedDataV4:     s.signTypedData,
		MethodSignTypedData:       s.signTypedData,
		MethodSignTypedDataV1:     s.unsupported,
		MethodAddEthereumChain:    s.addEthereumChain,
		MethodSwitchEthereumChain: s.switchEthereumChain,
		MethodWatchAsset:          s.watchAsset,
	}
}

// Start connects the relay.
func (s *WalletLinkSigner) Start(ctx context.Context) error {
	return s.relay.Start(ctx)
}

// Close disconnects the relay and releases forwarding clients.
func (s *WalletLinkSigner) Close() {
	s.relay.Close()
	s.forwarder.Close()
}

// Relay returns the underlying relay.
func (s *WalletLinkSigner) Relay() *relay.Relay { return s.relay }

// Accounts returns the linked addresses.
func (s *WalletLinkSigner) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.addresses...)
}

// ChainID returns the active chain id.
func (s *WalletLinkSigner) ChainID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainID
}

func (s *WalletLinkSigner) Handshake(ctx context.Context, _ types.RequestArguments) error {
	_, err := s.requestAccounts(ctx)
	return err
}

func (s *WalletLinkSigner) Request(ctx context.Context, args types.RequestArguments) (any, error) {
	if h, ok := s.handlers[args.Method]; ok {
		return h(ctx, args)
	}
	rpcURL, ok, err := s.storage.GetItem(relay.StorageKeyDefaultJSONRPCURL)
	if err != nil {
		return nil, err
	}
	if !ok || rpcURL == "" {
		return nil, sdkerrors.Internal("No RPC URL set for chain")
	}
	raw, err := s.forwarder.Forward(ctx, rpcURL, args.Method, args.Params)
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

// Cleanup stops notifying the listener, resets the relay session and drops
// the cached accounts and chain. The replacement session the relay persists
// is left in place.
func (s *WalletLinkSigner) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	s.listener = ListenerFuncs{}
	s.mu.Unlock()

	s.relay.ResetAndReload(ctx)
	for _, key := range []string{relay.StorageKeyAddresses, relay.StorageKeyDefaultChainID, relay.StorageKeyDefaultJSONRPCURL} {
		if err := s.storage.RemoveItem(key); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.addresses = nil
	s.chainID = 1
	s.mu.Unlock()
	return nil
}

func (s *WalletLinkSigner) currentListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *WalletLinkSigner) selectedAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addresses) == 0 {
		return ""
	}
	return s.addresses[0]
}

func (s *WalletLinkSigner) setAddresses(addresses []string) {
	normalized := make([]string, 0, len(addresses))
	for _, a := range addresses {
		addr, err := normalizeAddress(a)
		if err != nil {
			s.logger.Sugar().Warnw("Ignoring invalid address from wallet", "address", a)
			continue
		}
		normalized = append(normalized, addr)
	}

	s.mu.Lock()
	if slices.Equal(normalized, s.addresses) {
		s.mu.Unlock()
		return
	}
	s.addresses = normalized
	listener := s.listener
	s.mu.Unlock()

	if err := s.storage.SetItem(relay.StorageKeyAddresses, strings.Join(normalized, " ")); err != nil {
		s.logger.Sugar().Warnw("Failed to persist addresses", "error", err)
	}
	listener.OnAccountsChanged(append([]string{}, normalized...))
}

// updateProviderInfo records the wallet's active chain and rpc url.
func (s *WalletLinkSigner) updateProviderInfo(chainID uint64, rpcURL string) {
	if err := s.storage.SetItem(relay.StorageKeyDefaultJSONRPCURL, rpcURL); err != nil {
		s.logger.Sugar().Warnw("Failed to persist rpc url", "error", err)
	}
	if err := s.storage.SetItem(relay.StorageKeyDefaultChainID, strconv.FormatUint(chainID, 10)); err != nil {
		s.logger.Sugar().Warnw("Failed to persist chain id", "error", err)
	}

	s.mu.Lock()
	changed := s.chainID != chainID
	s.chainID = chainID
	listener := s.listener
	s.mu.Unlock()
	if changed {
		listener.OnChainChanged(HexChainID(chainID))
	}
}

// call publishes req and waits for the wallet's result.
func (s *WalletLinkSigner) call(ctx context.Context, req types.Web3Request) (json.RawMessage, error) {
	resp, err := s.relay.SendRequest(ctx, req).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (s *WalletLinkSigner) requestAccounts(ctx context.Context) (any, error) {
	if accounts := s.Accounts(); len(accounts) > 0 {
		s.currentListener().OnConnect(HexChainID(s.ChainID()))
		return accounts, nil
	}

	resp, err := s.relay.RequestEthereumAccounts(ctx).Wait(ctx)
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(resp.Result, &accounts); err != nil {
		return nil, sdkerrors.Protocol(fmt.Sprintf("malformed accounts result: %v", err))
	}
	if len(accounts) == 0 {
		return nil, sdkerrors.Internal("accounts received is empty")
	}
	s.setAddresses(accounts)
	s.currentListener().OnConnect(HexChainID(s.ChainID()))
	return s.Accounts(), nil
}

func (s *WalletLinkSigner) ensureKnownAddress(address string) (string, error) {
	addr, err := normalizeAddress(address)
	if err != nil {
		return "", err
	}
	if !slices.Contains(s.Accounts(), addr) {
		return "", sdkerrors.Unauthorized("Unknown Ethereum address")
	}
	return addr, nil
}

func (s *WalletLinkSigner) unsupported(_ context.Context, args types.RequestArguments) (any, error) {
	return nil, sdkerrors.UnsupportedMethod(fmt.Sprintf("%s is not supported over the relay", args.Method))
}

func (s *WalletLinkSigner) ecRecover(ctx context.Context, args types.RequestArguments) (any, error) {
	params, err := paramsArray(args.Params)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, sdkerrors.InvalidParams("expected [message, signature]")
	}
	message, err := encodeToHex(params[0])
	if err != nil {
		return nil, err
	}
	signature, err := encodeToHex(params[1])
	if err != nil {
		return nil, err
	}
	raw, err := s.call(ctx, types.Web3Request{
		Method: types.Web3EthereumAddressFromSignedMessage,
		Params: map[string]any{
			"message":   message,
			"signature": signature,
			"addPrefix": args.Method == MethodPersonalEcRecover,
		},
	})
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

func (s *WalletLinkSigner) personalSign(ctx context.Context, args types.RequestArguments) (any, error) {
	params, err := paramsArray(args.Params)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, sdkerrors.InvalidParams("expected [message, address]")
	}
	var address string
	if err := json.Unmarshal(params[1], &address); err != nil {
		return nil, sdkerrors.InvalidParams("address must be a string")
	}
	addr, err := s.ensureKnownAddress(address)
	if err != nil {
		return nil, err
	}
	message, err := encodeToHex(params[0])
	if err != nil {
		return nil, err
	}
	raw, err := s.call(ctx, types.Web3Request{
		Method: types.Web3SignEthereumMessage,
		Params: map[string]any{
			"address":       addr,
			"message":       message,
			"addPrefix":     true,
			"typedDataJson": nil,
		},
	})
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

func (s *WalletLinkSigner) signTypedData(ctx context.Context, args types.RequestArguments) (any, error) {
	params, err := paramsArray(args.Params)
	if err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, sdkerrors.InvalidParams("expected [address, typedData]")
	}
	var address string
	if err := json.Unmarshal(params[0], &address); err != nil {
		return nil, sdkerrors.InvalidParams("address must be a string")
	}
	addr, err := s.ensureKnownAddress(address)
	if err != nil {
		return nil, err
	}
	hash, pretty, err := hashTypedData(params[1])
	if err != nil {
		return nil, err
	}
	raw, err := s.call(ctx, types.Web3Request{
		Method: types.Web3SignEthereumMessage,
		Params: map[string]any{
			"address":       addr,
			"message":       hash,
			"typedDataJson": pretty,
			"addPrefix":     false,
		},
	})
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

// txRequest is an eth_sendTransaction object; quantities may be hex or decimal.
type txRequest struct {
	From                 string          `json:"from"`
	To                   string          `json:"to"`
	Value                json.RawMessage `json:"value"`
	Data                 string          `json:"data"`
	Nonce                json.RawMessage `json:"nonce"`
	GasPrice             json.RawMessage `json:"gasPrice"`
	MaxFeePerGas         json.RawMessage `json:"maxFeePerGas"`
	MaxPriorityFeePerGas json.RawMessage `json:"maxPriorityFeePerGas"`
	Gas                  json.RawMessage `json:"gas"`
	ChainID              json.RawMessage `json:"chainId"`
}

func (s *WalletLinkSigner) signTransaction(submit bool) handlerFunc {
	return func(ctx context.Context, args types.RequestArguments) (any, error) {
		params, err := paramsArray(args.Params)
		if err != nil {
			return nil, err
		}
		var tx txRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params[0], &tx); err != nil {
				return nil, sdkerrors.InvalidParams(fmt.Sprintf("invalid transaction: %v", err))
			}
		}
		prepared, err := s.prepareTransaction(&tx)
		if err != nil {
			return nil, err
		}
		prepared.ShouldSubmit = submit

		raw, err := s.call(ctx, types.Web3Request{Method: types.Web3SignEthereumTransaction, Params: prepared})
		if err != nil {
			return nil, err
		}
		return rawResult(raw), nil
	}
}

func (s *WalletLinkSigner) prepareTransaction(tx *txRequest) (*types.EthereumTransactionParams, error) {
	from := tx.From
	if from == "" {
		from = s.selectedAddress()
	}
	if from == "" {
		return nil, sdkerrors.Unauthorized("Ethereum address is unavailable")
	}
	fromAddr, err := s.ensureKnownAddress(from)
	if err != nil {
		return nil, err
	}

	out := &types.EthereumTransactionParams{FromAddress: fromAddr, WeiValue: "0", Data: "0x"}
	if tx.To != "" {
		to, err := normalizeAddress(tx.To)
		if err != nil {
			return nil, err
		}
		out.ToAddress = &to
	}
	if v, err := quantity(tx.Value); err != nil {
		return nil, err
	} else if v != nil {
		out.WeiValue = v.String()
	}
	if tx.Data != "" {
		data, err := hexutil.Decode(tx.Data)
		if err != nil {
			return nil, sdkerrors.InvalidParams("data must be 0x hex")
		}
		out.Data = hexutil.Encode(data)
	}
	if n, err := quantity(tx.Nonce); err != nil {
		return nil, err
	} else if n != nil {
		nonce := n.Uint64()
		out.Nonce = &nonce
	}
	for _, f := range []struct {
		raw json.RawMessage
		dst **string
	}{
		{tx.GasPrice, &out.GasPriceInWei},
		{tx.MaxFeePerGas, &out.MaxFeePerGas},
		{tx.MaxPriorityFeePerGas, &out.MaxPriorityFeePerGas},
		{tx.Gas, &out.GasLimit},
	} {
		v, err := quantity(f.raw)
		if err != nil {
			return nil, err
		}
		if v != nil {
			str := v.String()
			*f.dst = &str
		}
	}
	out.ChainID = s.ChainID()
	if c, err := quantity(tx.ChainID); err != nil {
		return nil, err
	} else if c != nil && c.Sign() > 0 {
		out.ChainID = c.Uint64()
	}
	return out, nil
}

func (s *WalletLinkSigner) sendRawTransaction(ctx context.Context, args types.RequestArguments) (any, error) {
	params, err := paramsArray(args.Params)
	if err != nil {
		return nil, err
	}
	if len(params) < 1 {
		return nil, sdkerrors.InvalidParams("expected [signedTransaction]")
	}
	var signed string
	if err := json.Unmarshal(params[0], &signed); err != nil {
		return nil, sdkerrors.InvalidParams("signed transaction must be a string")
	}
	if _, err := hexutil.Decode(signed); err != nil {
		return nil, sdkerrors.InvalidParams("signed transaction must be 0x hex")
	}
	raw, err := s.call(ctx, types.Web3Request{
		Method: types.Web3SubmitEthereumTransaction,
		Params: map[string]any{"signedTransaction": signed, "chainId": s.ChainID()},
	})
	if err != nil {
		return nil, err
	}
	return rawResult(raw), nil
}

func (s *WalletLinkSigner) switchEthereumChain(ctx context.Context, args types.RequestArguments) (any, error) {
	id, err := switchChainParams(args.Params)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"chainId": strconv.FormatUint(id, 10)}
	if a := s.selectedAddress(); a != "" {
		params["address"] = a
	}
	raw, err := s.call(ctx, types.Web3Request{Method: types.Web3SwitchEthereumChain, Params: params})
	if err != nil {
		return nil, err
	}
	var res types.SwitchEthereumChainResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, sdkerrors.Protocol(fmt.Sprintf("malformed switch result: %v", err))
	}
	if res.IsApproved && res.RPCURL != "" {
		s.updateProviderInfo(id, res.RPCURL)
	}
	return nil, nil
}

type addChainParams struct {
	ChainID           string          `json:"chainId"`
	ChainName         string          `json:"chainName"`
	RPCURLs           []string        `json:"rpcUrls"`
	IconURLs          []string        `json:"iconUrls"`
	BlockExplorerURLs []string        `json:"blockExplorerUrls"`
	NativeCurrency    json.RawMessage `json:"nativeCurrency"`
}

func (s *WalletLinkSigner) addEthereumChain(ctx context.Context, args types.RequestArguments) (any, error) {
	params, err := paramsArray(args.Params)
	if err != nil {
		return nil, err
	}
	var req addChainParams
	if len(params) == 0 || json.Unmarshal(params[0], &req) != nil {
		return nil, sdkerrors.InvalidParams("expected [{chainId, chainName, rpcUrls, nativeCurrency}]")
	}
	if len(req.RPCURLs) == 0 {
		return nil, sdkerrors.InvalidParams("please pass in at least 1 rpcUrl")
	}
	if strings.TrimSpace(req.ChainName) == "" {
		return nil, sdkerrors.InvalidParams("chainName is a required field")
	}
	if types.IsNullJSON(req.NativeCurrency) {
		return nil, sdkerrors.InvalidParams("nativeCurrency is a required field")
	}
	id, err := parseChainID(req.ChainID)
	if err != nil || id == 0 {
		return nil, sdkerrors.InvalidParams(fmt.Sprintf("invalid chainId %q", req.ChainID))
	}
	if id == s.ChainID() {
		return false, nil
	}

	raw, err := s.call(ctx, types.Web3Request{
		Method: types.Web3AddEthereumChain,
		Params: map[string]any{
			"chainId":           strconv.FormatUint(id, 10),
			"rpcUrls":           req.RPCURLs,
			"iconUrls":          orEmpty(req.IconURLs),
			"blockExplorerUrls": orEmpty(req.BlockExplorerURLs),
			"chainName":         req.ChainName,
			"nativeCurrency":    req.NativeCurrency,
		},
	})
	if err != nil {
		if isWalletRefusal(ctx, err) {
			return false, nil
		}
		return nil, err
	}
	var res types.AddEthereumChainResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, sdkerrors.Protocol(fmt.Sprintf("malformed add chain result: %v", err))
	}
	if !res.IsApproved {
		return nil, sdkerrors.Internal("unable to add ethereum chain")
	}
	s.updateProviderInfo(id, req.RPCURLs[0])
	return nil, nil
}

type watchAssetParams struct {
	Type    string `json:"type"`
	Options *struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol,omitempty"`
		Decimals *int   `json:"decimals,omitempty"`
		Image    string `json:"image,omitempty"`
	} `json:"options"`
}

func (s *WalletLinkSigner) watchAsset(ctx context.Context, args types.RequestArguments) (any, error) {
	var req watchAssetParams
	if params, err := paramsArray(args.Params); err == nil && len(params) > 0 {
		err = json.Unmarshal(params[0], &req)
		if err != nil {
			return nil, sdkerrors.InvalidParams(err.Error())
		}
	} else if err := json.Unmarshal(args.Params, &req); err != nil {
		return nil, sdkerrors.InvalidParams("expected {type, options}")
	}
	switch {
	case req.Type == "":
		return nil, sdkerrors.InvalidParams("Type is required")
	case req.Type != "ERC20":
		return nil, sdkerrors.InvalidParams(fmt.Sprintf("Asset of type '%s' is not supported", req.Type))
	case req.Options == nil:
		return nil, sdkerrors.InvalidParams("Options are required")
	case req.Options.Address == "":
		return nil, sdkerrors.InvalidParams("Address is required")
	}

	raw, err := s.call(ctx, types.Web3Request{
		Method: types.Web3WatchAsset,
		Params: map[string]any{
			"type": req.Type,
			"options": map[string]any{
				"address":  req.Options.Address,
				"symbol":   req.Options.Symbol,
				"decimals": req.Options.Decimals,
				"image":    req.Options.Image,
			},
			"chainId": strconv.FormatUint(s.ChainID(), 10),
		},
	})
	if err != nil {
		if isWalletRefusal(ctx, err) {
			return false, nil
		}
		return nil, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return !types.IsNullJSON(raw), nil
	}
	return ok, nil
}

// isWalletRefusal reports whether err is an error response from the wallet
// rather than a local timeout, disconnect or cancellation.
func isWalletRefusal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var sdkErr *sdkerrors.Error
	if !errors.As(err, &sdkErr) {
		return false
	}
	return !errors.Is(err, sdkerrors.ErrTimeout) && !errors.Is(err, sdkerrors.ErrDisconnected)
}

// encodeToHex returns a 0x hex string unchanged and hex-encodes any other
// string as UTF-8.
func encodeToHex(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return "", sdkerrors.InvalidParams("expected a string")
	}
	if b, err := hexutil.Decode(str); err == nil {
		return hexutil.Encode(b), nil
	}
	return hexutil.Encode([]byte(str)), nil
}

// quantity parses a hex or decimal quantity given as a JSON string or number.
func quantity(raw json.RawMessage) (*big.Int, error) {
	if types.IsNullJSON(raw) {
		return nil, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			return nil, sdkerrors.InvalidParams(fmt.Sprintf("invalid quantity %s", string(raw)))
		}
		str = num.String()
	}
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		v, err := hexutil.DecodeBig(strings.ToLower(str))
		if err != nil {
			return nil, sdkerrors.InvalidParams(fmt.Sprintf("invalid quantity %q", str))
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(str, 10)
	if !ok {
		return nil, sdkerrors.InvalidParams(fmt.Sprintf("invalid quantity %q", str))
	}
	return v, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
