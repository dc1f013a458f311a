package sdkerrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an SDK error independently of its numeric code.
type Kind string

const (
	KindProtocol          Kind = "protocol_error"
	KindAuthFailure       Kind = "auth_failure"
	KindTimeout           Kind = "timeout"
	KindUserRejected      Kind = "user_rejected"
	KindUnauthorized      Kind = "unauthorized"
	KindDecryptFailure    Kind = "decrypt_failure"
	KindPopupBlocked      Kind = "popup_blocked"
	KindChainUnsupported  Kind = "chain_unsupported"
	KindUnsupportedMethod Kind = "unsupported_method"
	KindDisconnected      Kind = "disconnected"
	KindInvalidParams     Kind = "invalid_params"
	KindMethodNotFound    Kind = "method_not_found"
	KindInternal          Kind = "internal"
	KindChannelClosed     Kind = "channel_closed"
)

// Standard EIP-1193 provider codes and JSON-RPC codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnsupportedChain  = 4902

	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

var defaultMessages = map[Kind]string{
	KindProtocol:          "Malformed or unexpected protocol message.",
	KindAuthFailure:       "Session authentication failed.",
	KindTimeout:           "Request timed out.",
	KindUserRejected:      "User rejected the request.",
	KindUnauthorized:      "The requested method and/or account has not been authorized by the user.",
	KindDecryptFailure:    "Failed to decrypt message.",
	KindPopupBlocked:      "Popup window was blocked.",
	KindChainUnsupported:  "Unrecognized chain ID.",
	KindUnsupportedMethod: "The requested method is not supported by this Ethereum provider.",
	KindDisconnected:      "The provider is disconnected from all chains.",
	KindInvalidParams:     "Invalid method parameter(s).",
	KindMethodNotFound:    "The method does not exist / is not available.",
	KindInternal:          "Internal JSON-RPC error.",
	KindChannelClosed:     "Channel closed before a response was received.",
}

var kindCodes = map[Kind]int{
	KindProtocol:          CodeInternal,
	KindAuthFailure:       CodeDisconnected,
	KindTimeout:           CodeInternal,
	KindUserRejected:      CodeUserRejected,
	KindUnauthorized:      CodeUnauthorized,
	KindDecryptFailure:    CodeInternal,
	KindPopupBlocked:      CodeInternal,
	KindChainUnsupported:  CodeUnsupportedChain,
	KindUnsupportedMethod: CodeUnsupportedMethod,
	KindDisconnected:      CodeDisconnected,
	KindInvalidParams:     CodeInvalidParams,
	KindMethodNotFound:    CodeMethodNotFound,
	KindInternal:          CodeInternal,
	KindChannelClosed:     CodeDisconnected,
}

var codeKinds = map[int]Kind{
	CodeUserRejected:      KindUserRejected,
	CodeUnauthorized:      KindUnauthorized,
	CodeUnsupportedMethod: KindUnsupportedMethod,
	CodeDisconnected:      KindDisconnected,
	CodeChainDisconnected: KindDisconnected,
	CodeUnsupportedChain:  KindChainUnsupported,
	CodeMethodNotFound:    KindMethodNotFound,
	CodeInvalidParams:     KindInvalidParams,
	CodeInternal:          KindInternal,
}

// Error is the error type surfaced to SDK callers. It serializes to the
// {code, message, data} object wallets and providers exchange.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrAuthFailure       = &Error{Kind: KindAuthFailure}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrUserRejected      = &Error{Kind: KindUserRejected}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrDecryptFailure    = &Error{Kind: KindDecryptFailure}
	ErrPopupBlocked      = &Error{Kind: KindPopupBlocked}
	ErrChainUnsupported  = &Error{Kind: KindChainUnsupported}
	ErrUnsupportedMethod = &Error{Kind: KindUnsupportedMethod}
	ErrDisconnected      = &Error{Kind: KindDisconnected}
	ErrInvalidParams     = &Error{Kind: KindInvalidParams}
	ErrMethodNotFound    = &Error{Kind: KindMethodNotFound}
	ErrInternal          = &Error{Kind: KindInternal}
	ErrChannelClosed     = &Error{Kind: KindChannelClosed}
)

// New builds an error of the given kind. An empty message uses the kind's default.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = defaultMessages[kind]
	}
	return &Error{Kind: kind, Code: kindCodes[kind], Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func Protocol(message string) *Error          { return New(KindProtocol, message) }
func AuthFailure(message string) *Error       { return New(KindAuthFailure, message) }
func Timeout(message string) *Error           { return New(KindTimeout, message) }
func UserRejected(message string) *Error      { return New(KindUserRejected, message) }
func Unauthorized(message string) *Error      { return New(KindUnauthorized, message) }
func DecryptFailure(message string) *Error    { return New(KindDecryptFailure, message) }
func PopupBlocked(message string) *Error      { return New(KindPopupBlocked, message) }
func ChainUnsupported(message string) *Error  { return New(KindChainUnsupported, message) }
func UnsupportedMethod(message string) *Error { return New(KindUnsupportedMethod, message) }
func Disconnected(message string) *Error      { return New(KindDisconnected, message) }
func InvalidParams(message string) *Error     { return New(KindInvalidParams, message) }
func MethodNotFound(message string) *Error    { return New(KindMethodNotFound, message) }
func Internal(message string) *Error          { return New(KindInternal, message) }
func ChannelClosed(message string) *Error     { return New(KindChannelClosed, message) }

// FromResponse rebuilds a typed error from a {code, message, data} object
// returned by a wallet. Unknown codes map to KindInternal but keep the code.
func FromResponse(raw json.RawMessage) *Error {
	var wire struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Internal(fmt.Sprintf("unparseable error response: %s", string(raw)))
	}
	kind, ok := codeKinds[wire.Code]
	if !ok {
		kind = KindInternal
	}
	e := New(kind, wire.Message)
	if wire.Code != 0 {
		e.Code = wire.Code
	}
	e.Data = wire.Data
	return e
}

// CodeOf returns the numeric code carried by err, or CodeInternal when err is
// not an SDK error.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// FromContext maps the error of a finished context to the error a caller
// sees. A cancelled request was abandoned by the user; an expired one timed
// out. Any other error is returned unchanged.
func FromContext(err error, message string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return UserRejected("")
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(message)
	}
	return err
}
