package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of the relay websocket.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Chain is an SDK chain: id plus the JSON-RPC endpoint to forward reads to.
type Chain struct {
	ID     uint64 `json:"id"`
	RPCURL string `json:"rpcUrl,omitempty"`
}

// RequestArguments is an EIP-1193 request.
type RequestArguments struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AppMetadata describes the dapp to the wallet.
type AppMetadata struct {
	AppName     string   `json:"appName"`
	AppLogoURL  string   `json:"appLogoUrl,omitempty"`
	AppChainIDs []uint64 `json:"appChainIds,omitempty"`
}

// RPCRequestContent is either a plaintext handshake or an encrypted request.
type RPCRequestContent struct {
	Handshake *RequestArguments `json:"handshake,omitempty"`
	Encrypted string            `json:"encrypted,omitempty"`
}

// RPCRequestMessage is the envelope the signer sends through the popup.
type RPCRequestMessage struct {
	ID        uuid.UUID         `json:"id"`
	Sender    string            `json:"sender"`
	Content   RPCRequestContent `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
}

// RPCResponseContent is either an encrypted response or a protocol failure.
type RPCResponseContent struct {
	Encrypted string          `json:"encrypted,omitempty"`
	Failure   json.RawMessage `json:"failure,omitempty"`
}

// RPCResponseMessage is the envelope the wallet answers with.
type RPCResponseMessage struct {
	ID        uuid.UUID          `json:"id"`
	RequestID uuid.UUID          `json:"requestId,omitempty"`
	Sender    string             `json:"sender"`
	Content   RPCResponseContent `json:"content"`
	Timestamp time.Time          `json:"timestamp"`
}

// EncryptedRequest is the plaintext sealed into RPCRequestContent.Encrypted.
type EncryptedRequest struct {
	Action  RequestArguments `json:"action"`
	ChainID uint64           `json:"chainId"`
}

// RPCResult holds either a value or an error object.
type RPCResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// RPCResponseData carries out-of-band state updates.
type RPCResponseData struct {
	Chains       map[string]string          `json:"chains,omitempty"`
	Capabilities map[string]json.RawMessage `json:"capabilities,omitempty"`
}

// RPCResponse is the plaintext sealed into RPCResponseContent.Encrypted.
type RPCResponse struct {
	Result RPCResult        `json:"result"`
	Data   *RPCResponseData `json:"data,omitempty"`
}

// WalletConnectAccount is one account returned by wallet_connect.
type WalletConnectAccount struct {
	Address      string          `json:"address"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// WalletConnectResponse is the value returned by wallet_connect.
type WalletConnectResponse struct {
	Accounts []WalletConnectAccount `json:"accounts"`
}

// IsNullJSON reports whether raw is absent or the JSON literal null.
func IsNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
