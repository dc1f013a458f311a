package relay

import "go.uber.org/zap"

// ConnectingOptions are handed to the UI while a request waits on the wallet.
type ConnectingOptions struct {
	IsUnlinkedErrorState bool
	OnCancel             func()
	OnResetConnection    func()
}

// UI is the presentation layer behind the relay: it can show a "connecting"
// affordance, which may itself cancel the request or reset the session, and
// can reload the host application.
type UI interface {
	ShowConnecting(opts ConnectingOptions) (hide func())
	Reload()
}

// NopUI shows nothing.
type NopUI struct{}

func (NopUI) ShowConnecting(ConnectingOptions) func() { return func() {} }
func (NopUI) Reload()                                 {}

// LogUI reports UI transitions through a logger, for headless hosts.
type LogUI struct {
	logger *zap.Logger
}

func NewLogUI(l *zap.Logger) *LogUI {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogUI{logger: l}
}

func (u *LogUI) ShowConnecting(opts ConnectingOptions) func() {
	u.logger.Sugar().Infow("Waiting for wallet", "unlinked_error_state", opts.IsUnlinkedErrorState)
	return func() {
		u.logger.Sugar().Debugw("Wallet responded")
	}
}

func (u *LogUI) Reload() {
	u.logger.Sugar().Infow("Session reset, reload requested")
}
