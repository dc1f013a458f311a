package signer

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
)

// hashTypedData returns the EIP-712 signing hash of raw as 0x hex, plus the
// typed data re-encoded with two-space indentation for display in the wallet.
// raw may be the typed data object or a JSON string containing it.
func hashTypedData(raw json.RawMessage) (string, string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		raw = json.RawMessage(asString)
	}

	var typed apitypes.TypedData
	if err := json.Unmarshal(raw, &typed); err != nil {
		return "", "", sdkerrors.InvalidParams(fmt.Sprintf("invalid typed data: %v", err))
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", "", sdkerrors.InvalidParams(fmt.Sprintf("failed to hash typed data: %v", err))
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", "", sdkerrors.InvalidParams(err.Error())
	}
	pretty, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return "", "", err
	}
	return hexutil.Encode(hash), string(pretty), nil
}
