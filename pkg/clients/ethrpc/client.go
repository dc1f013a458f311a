package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Layr-Labs/walletlink-go/pkg/sdkerrors"
)

// IForwarder forwards EIP-1193 requests the wallet does not handle to a
// chain's JSON-RPC endpoint.
type IForwarder interface {
	// Forward sends method with params to rpcURL and returns the raw result.
	Forward(ctx context.Context, rpcURL, method string, params json.RawMessage) (json.RawMessage, error)

	// Close releases every cached connection.
	Close()
}

// Compile-time check to ensure Client implements IForwarder
var _ IForwarder = (*Client)(nil)

// Config configures a forwarding client.
type Config struct {
	HTTPClient *http.Client
	// RateLimit bounds requests per second across all endpoints. Zero means 20/s.
	RateLimit rate.Limit
	Logger    *zap.Logger
}

// Client keeps one go-ethereum rpc client per endpoint.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewClient creates a forwarding client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = 20
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(limit, 10),
		logger:     l,
		clients:    make(map[string]*rpc.Client),
	}
}

func (c *Client) Forward(ctx context.Context, rpcURL, method string, params json.RawMessage) (json.RawMessage, error) {
	if rpcURL == "" {
		return nil, sdkerrors.Internal("no rpc url configured for the active chain")
	}
	args, err := positionalArgs(params)
	if err != nil {
		return nil, sdkerrors.InvalidParams(err.Error())
	}
	client, err := c.clientFor(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result json.RawMessage
	if err := client.CallContext(ctx, &result, method, args...); err != nil {
		c.logger.Sugar().Debugw("Forwarded request failed", "method", method, "rpc_url", rpcURL, "error", err)
		return nil, toSDKError(err)
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return result, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, client := range c.clients {
		client.Close()
		delete(c.clients, url)
	}
}

func (c *Client) clientFor(ctx context.Context, rpcURL string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[rpcURL]; ok {
		return client, nil
	}
	var opts []rpc.ClientOption
	if c.httpClient != nil {
		opts = append(opts, rpc.WithHTTPClient(c.httpClient))
	}
	client, err := rpc.DialOptions(ctx, rpcURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	c.clients[rpcURL] = client
	return client, nil
}

// positionalArgs spreads a JSON params array into call arguments. An object
// is passed as the single argument.
func positionalArgs(params json.RawMessage) ([]any, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		args := make([]any, len(raw))
		for i, r := range raw {
			args[i] = r
		}
		return args, nil
	case '{':
		return []any{json.RawMessage(trimmed)}, nil
	default:
		return nil, fmt.Errorf("params must be an array or object")
	}
}

func toSDKError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return sdkerrors.Internal(err.Error())
	}
	wire := map[string]any{"code": rpcErr.ErrorCode(), "message": rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		wire["data"] = dataErr.ErrorData()
	}
	raw, mErr := json.Marshal(wire)
	if mErr != nil {
		return sdkerrors.Internal(err.Error())
	}
	return sdkerrors.FromResponse(raw)
}
