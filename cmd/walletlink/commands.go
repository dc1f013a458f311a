package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Layr-Labs/walletlink-go/pkg/config"
	"github.com/Layr-Labs/walletlink-go/pkg/diagnostics"
	"github.com/Layr-Labs/walletlink-go/pkg/logger"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/popup"
	"github.com/Layr-Labs/walletlink-go/pkg/relay"
	"github.com/Layr-Labs/walletlink-go/pkg/relayserver"
	"github.com/Layr-Labs/walletlink-go/pkg/session"
	"github.com/Layr-Labs/walletlink-go/pkg/signer"
	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// env bundles what every SDK command needs.
type env struct {
	cfg     *config.SDKConfig
	logger  *zap.Logger
	backend persistence.IKeyValueStore
}

func newEnv(c *cli.Context) (*env, error) {
	cfg := &config.SDKConfig{
		AppName:         c.String("app-name"),
		AppChainIDs:     c.Uint64Slice("chain-ids"),
		LinkAPIURL:      c.String("link-api-url"),
		PopupURL:        c.String("popup-url"),
		Origin:          c.String("origin"),
		PersistenceType: c.String("persistence"),
		DataPath:        c.String("data-path"),
		RedisAddress:    c.String("redis-address"),
		RedisPassword:   c.String("redis-password"),
		RedisDB:         c.Int("redis-db"),
		Debug:           c.Bool("debug"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	backend, err := openBackend(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.PersistenceType, err)
	}
	return &env{cfg: cfg, logger: l, backend: backend}, nil
}

func (e *env) Close() {
	if err := e.backend.Close(); err != nil {
		e.logger.Sugar().Warnw("Failed to close storage", "error", err)
	}
	_ = e.logger.Sync()
}

func (e *env) metadata() types.AppMetadata {
	return types.AppMetadata{
		AppName:     e.cfg.AppName,
		AppLogoURL:  e.cfg.AppLogoURL,
		AppChainIDs: e.cfg.AppChainIDs,
	}
}

func (e *env) walletLinkStorage() persistence.Storage {
	return persistence.NewScopedStore(e.backend, persistence.ScopeWalletLink)
}

func (e *env) newWalletLinkSigner(listener signer.Listener) (*signer.WalletLinkSigner, error) {
	return signer.NewWalletLinkSigner(&signer.WalletLinkConfig{
		Metadata:    e.metadata(),
		LinkAPIURL:  e.cfg.LinkAPIURL,
		Origin:      e.cfg.Origin,
		Storage:     e.walletLinkStorage(),
		UI:          relay.NewLogUI(e.logger),
		Diagnostics: diagnostics.NewZapSink(e.logger),
		Listener:    listener,
		Logger:      e.logger,
	})
}

func printingListener() signer.Listener {
	return signer.ListenerFuncs{
		Connect: func(chainID string) {
			fmt.Printf("✅ Connected on chain %s\n", chainID)
		},
		AccountsChanged: func(accounts []string) {
			fmt.Printf("Accounts: %v\n", accounts)
		},
		ChainChanged: func(chainID string) {
			fmt.Printf("Chain changed: %s\n", chainID)
		},
	}
}

func interruptContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// waitConnected blocks until the relay socket is authenticated or ctx ends.
func waitConnected(ctx context.Context, r *relay.Relay) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !r.Connection().Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay did not connect: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func parseParams(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("params must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

// relayServerCommand runs the development relay until interrupted
func relayServerCommand(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("debug")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	srv := relayserver.NewServer(&relayserver.Config{Port: c.Int("port"), Logger: l})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}

	ctx, stop := interruptContext(c)
	defer stop()
	<-ctx.Done()

	l.Sugar().Infow("Shutting down relay server")
	return srv.Stop()
}

// sessionShowCommand prints the persisted session without connecting
func sessionShowCommand(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := session.Load(e.walletLinkStorage())
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		fmt.Println("No session stored")
		return nil
	}

	r, err := relay.NewRelay(&relay.Config{
		LinkAPIURL: e.cfg.LinkAPIURL,
		Storage:    e.walletLinkStorage(),
		AppName:    e.cfg.AppName,
		Origin:     e.cfg.Origin,
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	addresses, _, err := e.walletLinkStorage().GetItem(relay.StorageKeyAddresses)
	if err != nil {
		return err
	}
	fmt.Printf("Session ID:   %s\n", s.ID())
	fmt.Printf("ID hash:      %s\n", s.IDHash())
	fmt.Printf("Linked:       %t\n", s.Linked())
	fmt.Printf("Addresses:    %s\n", addresses)
	fmt.Printf("Link URL:     %s\n", r.QRCodeURL(e.cfg.DefaultChain()))
	return nil
}

// sessionNewCommand discards the stored session and cached accounts
func sessionNewCommand(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	storage := e.walletLinkStorage()
	if err := storage.Clear(); err != nil {
		return fmt.Errorf("failed to clear session storage: %w", err)
	}
	s, err := session.LoadOrCreate(storage)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	fmt.Printf("✅ New session: %s\n", s.ID())
	return nil
}

// connectCommand connects to the relay and reports link changes until interrupted
func connectCommand(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.newWalletLinkSigner(printingListener())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := interruptContext(c)
	defer stop()
	if err := s.Start(ctx); err != nil {
		return err
	}
	r := s.Relay()
	fmt.Printf("Scan to link: %s\n", r.QRCodeURL(s.ChainID()))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	connected, linked := false, false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if now := r.Connection().Connected(); now != connected {
			connected = now
			fmt.Printf("Relay connected: %t\n", connected)
		}
		if now := r.IsLinked(); now != linked {
			linked = now
			fmt.Printf("Wallet linked: %t\n", linked)
		}
		if r.IsUnlinkedErrorState() {
			fmt.Println("Wallet unlinked this session; run reset to start over")
		}
	}
}

// requestCommand sends one request through the relay signer
func requestCommand(c *cli.Context) error {
	params, err := parseParams(c.String("params"))
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.newWalletLinkSigner(printingListener())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := interruptContext(c)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return err
	}
	res, err := s.Request(ctx, types.RequestArguments{Method: c.String("method"), Params: params})
	if err != nil {
		return fmt.Errorf("%s failed: %w", c.String("method"), err)
	}
	return printJSON(res)
}

// popupRequestCommand sends one request through a popup driven over a bridge
func popupRequestCommand(c *cli.Context) error {
	params, err := parseParams(c.String("params"))
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := interruptContext(c)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	host, err := popup.DialBridge(ctx, &popup.BridgeConfig{URL: c.String("bridge-url"), Logger: e.logger})
	if err != nil {
		return err
	}
	defer func() { _ = host.Close() }()

	ch, err := popup.NewChannel(&popup.ChannelConfig{URL: e.cfg.PopupURL, Host: host, Logger: e.logger})
	if err != nil {
		return err
	}
	defer ch.Disconnect()

	s, err := signer.NewSCWSigner(&signer.SCWConfig{
		Metadata:   e.metadata(),
		Channel:    ch,
		Storage:    persistence.NewScopedStore(e.backend, persistence.ScopeSigner),
		KeyStorage: persistence.NewScopedStore(e.backend, persistence.ScopeKeyManager),
		Listener:   printingListener(),
		Logger:     e.logger,
	})
	if err != nil {
		return err
	}

	res, err := s.Request(ctx, types.RequestArguments{Method: c.String("method"), Params: params})
	if err != nil {
		return fmt.Errorf("%s failed: %w", c.String("method"), err)
	}
	return printJSON(res)
}

// resetCommand destroys the relay session and forgets cached accounts
func resetCommand(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.newWalletLinkSigner(nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	oldID := s.Relay().Session().ID()
	if err := s.Start(ctx); err != nil {
		return err
	}
	if err := waitConnected(ctx, s.Relay()); err != nil {
		e.logger.Sugar().Warnw("Resetting without relay acknowledgement", "error", err)
	}

	if err := s.Cleanup(context.Background()); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	fmt.Printf("✅ Session %s destroyed, new session %s\n", oldID, s.Relay().Session().ID())
	return nil
}
