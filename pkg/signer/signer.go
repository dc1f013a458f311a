// Package signer exposes the popup (ECDH) signer and the relay signer behind
// one EIP-1193 style Signer.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// Signer routes application requests to local state, the wallet, or the
// active chain's RPC endpoint.
type Signer interface {
	// Handshake establishes the session with the wallet using args as the
	// first request.
	Handshake(ctx context.Context, args types.RequestArguments) error
	// Request answers one EIP-1193 request.
	Request(ctx context.Context, args types.RequestArguments) (any, error)
	// Cleanup forgets accounts, chain state and key material.
	Cleanup(ctx context.Context) error
}

// Listener receives provider events. Chain ids are 0x-prefixed hex.
type Listener interface {
	OnConnect(chainID string)
	OnAccountsChanged(accounts []string)
	OnChainChanged(chainID string)
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	Connect         func(chainID string)
	AccountsChanged func(accounts []string)
	ChainChanged    func(chainID string)
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnConnect(chainID string) {
	if f.Connect != nil {
		f.Connect(chainID)
	}
}

func (f ListenerFuncs) OnAccountsChanged(accounts []string) {
	if f.AccountsChanged != nil {
		f.AccountsChanged(accounts)
	}
}

func (f ListenerFuncs) OnChainChanged(chainID string) {
	if f.ChainChanged != nil {
		f.ChainChanged(chainID)
	}
}

// EIP-1193 and wallet methods routed by the signers.
const (
	MethodRequestAccounts     = "eth_requestAccounts"
	MethodAccounts            = "eth_accounts"
	MethodCoinbase            = "eth_coinbase"
	MethodNetVersion          = "net_version"
	MethodChainID             = "eth_chainId"
	MethodGetCapabilities     = "wallet_getCapabilities"
	MethodSwitchEthereumChain = "wallet_switchEthereumChain"
	MethodAddEthereumChain    = "wallet_addEthereumChain"
	MethodWatchAsset          = "wallet_watchAsset"
	MethodConnect             = "wallet_connect"
	MethodSendCalls           = "wallet_sendCalls"
	MethodShowCallsStatus     = "wallet_showCallsStatus"
	MethodGrantPermissions    = "wallet_grantPermissions"
	MethodWalletSign          = "wallet_sign"
	MethodEcRecover           = "eth_ecRecover"
	MethodPersonalSign        = "personal_sign"
	MethodPersonalEcRecover   = "personal_ecRecover"
	MethodSignTransaction     = "eth_signTransaction"
	MethodSendTransaction     = "eth_sendTransaction"
	MethodSendRawTransaction  = "eth_sendRawTransaction"
	MethodSignTypedDataV1     = "eth_signTypedData_v1"
	MethodSignTypedDataV3     = "eth_signTypedData_v3"
	MethodSignTypedDataV4     = "eth_signTypedData_v4"
	MethodSignTypedData       = "eth_signTypedData"
)

// HexChainID formats id as a 0x-prefixed quantity.
func HexChainID(id uint64) string {
	return hexutil.EncodeUint64(id)
}

// parseChainID accepts a 0x quantity or a decimal string.
func parseChainID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeUint64(strings.ToLower(s))
	}
	var id uint64
	if _, err := fmt.Sscan(s, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// switchChainParams extracts chainId from [{chainId}] params.
func switchChainParams(params json.RawMessage) (uint64, error) {
	var p []struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || len(p) == 0 || p[0].ChainID == "" {
		return 0, sdkerrors.InvalidParams("expected [{chainId}] params")
	}
	id, err := parseChainID(p[0].ChainID)
	if err != nil || id == 0 {
		return 0, sdkerrors.InvalidParams(fmt.Sprintf("invalid chainId %q", p[0].ChainID))
	}
	return id, nil
}

// paramsArray decodes params as a JSON array; absent params are empty.
func paramsArray(params json.RawMessage) ([]json.RawMessage, error) {
	if types.IsNullJSON(params) {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(params, &out); err != nil {
		return nil, sdkerrors.InvalidParams("params must be an array")
	}
	return out, nil
}

// normalizeAddress lowercases a 0x address after validating it.
func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", sdkerrors.InvalidParams(fmt.Sprintf("invalid address %q", s))
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// rawResult maps a JSON null result to a Go nil.
func rawResult(raw json.RawMessage) any {
	if types.IsNullJSON(raw) {
		return nil
	}
	return raw
}
