package types

import "encoding/json"

// Relay event payload types, carried encrypted inside Event.Data.
const (
	RelayEventWeb3Request         = "WEB3_REQUEST"
	RelayEventWeb3RequestCanceled = "WEB3_REQUEST_CANCELED"
	RelayEventWeb3Response        = "WEB3_RESPONSE"
)

// Web3 request methods understood by the wallet over the relay.
const (
	Web3RequestEthereumAccounts          = "requestEthereumAccounts"
	Web3SignEthereumMessage              = "signEthereumMessage"
	Web3SignEthereumTransaction          = "signEthereumTransaction"
	Web3SubmitEthereumTransaction        = "submitEthereumTransaction"
	Web3EthereumAddressFromSignedMessage = "ethereumAddressFromSignedMessage"
	Web3SwitchEthereumChain              = "switchEthereumChain"
	Web3AddEthereumChain                 = "addEthereumChain"
	Web3WatchAsset                       = "watchAsset"
)

// Web3Request is a wallet action published over the relay.
type Web3Request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Web3Response answers a Web3Request. Exactly one of Result or ErrorMessage is set.
type Web3Response struct {
	Method       string          `json:"method"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
}

// IsError reports whether r carries an error.
func (r *Web3Response) IsError() bool {
	return r.ErrorMessage != "" || r.ErrorCode != 0
}

// RelayEventData is the decrypted body of a relay event.
type RelayEventData struct {
	Type         string        `json:"type"`
	ID           string        `json:"id"`
	Request      *Web3Request  `json:"request,omitempty"`
	Response     *Web3Response `json:"response,omitempty"`
	Origin       string        `json:"origin,omitempty"`
	RelaySource  string        `json:"relaySource,omitempty"`
	LocationHref string        `json:"location,omitempty"`
}

// SwitchEthereumChainResult is the result payload of switchEthereumChain.
type SwitchEthereumChainResult struct {
	IsApproved bool   `json:"isApproved"`
	RPCURL     string `json:"rpcUrl"`
}

// AddEthereumChainResult is the result payload of addEthereumChain.
type AddEthereumChainResult struct {
	IsApproved bool   `json:"isApproved"`
	RPCURL     string `json:"rpcUrl"`
}

// EthereumTransactionParams is the relay encoding of a transaction to sign.
// Quantities are decimal strings; data is 0x hex.
type EthereumTransactionParams struct {
	FromAddress          string  `json:"fromAddress"`
	ToAddress            *string `json:"toAddress"`
	WeiValue             string  `json:"weiValue"`
	Data                 string  `json:"data"`
	Nonce                *uint64 `json:"nonce"`
	GasPriceInWei        *string `json:"gasPriceInWei"`
	MaxFeePerGas         *string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas"`
	GasLimit             *string `json:"gasLimit"`
	ChainID              uint64  `json:"chainId"`
	ShouldSubmit         bool    `json:"shouldSubmit"`
}
