package diagnostics

import (
	"go.uber.org/zap"
)

// Event names emitted by the relay and signer layers.
const (
	EventSessionStateChange      = "walletlink_sdk.session_state_change"
	EventSkippedClearingSession  = "walletlink_sdk.skipped_clearing_session"
	EventGeneralError            = "walletlink_sdk.general_error"
	EventConnected               = "walletlink_sdk.connected"
	EventDisconnected            = "walletlink_sdk.disconnected"
	EventLinked                  = "walletlink_sdk.linked"
	EventUnlinkedErrorState      = "walletlink_sdk.unlinked_error_state"
	EventFetchUnseenEventsFailed = "walletlink_sdk.fetch_unseen_events_failed"
	EventWeb3Request             = "walletlink_sdk.web3.request"
	EventWeb3RequestPublished    = "walletlink_sdk.web3.request_published"
	EventWeb3Response            = "walletlink_sdk.web3.response"
	EventGenericFailure          = "walletlink_sdk.generic_failure"
	EventMetadataDestroyed       = "walletlink_sdk.metadata_destroyed"
	EventFailedToDestroySession  = "walletlink_sdk.failed_to_destroy_session"
	EventAuthFailed              = "walletlink_sdk.auth_failed"
)

// Properties is the property bag attached to a diagnostic event.
type Properties map[string]any

// Sink receives named diagnostic events. Implementations must not block the
// caller and must never panic.
type Sink interface {
	Log(event string, props Properties)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Log(string, Properties) {}

// ZapSink writes diagnostic events as structured log entries.
type ZapSink struct {
	logger *zap.Logger
}

var _ Sink = (*ZapSink)(nil)

// NewZapSink creates a sink logging at info level under the "diagnostic" name.
func NewZapSink(l *zap.Logger) *ZapSink {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapSink{logger: l.Named("diagnostic")}
}

// Log records event with its properties. Panics from encoders are recovered.
func (s *ZapSink) Log(event string, props Properties) {
	defer func() { _ = recover() }()

	fields := make([]zap.Field, 0, len(props)+1)
	fields = append(fields, zap.String("event", event))
	for k, v := range props {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info("diagnostic event", fields...)
}

// OrNop returns s, or a NopSink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}
