package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  100 * time.Millisecond,
	MaxBackoff:      2 * time.Second,
	BackoffMultiple: 2.0,
}

// LinkAPIClientConfig configures the link API HTTP client
type LinkAPIClientConfig struct {
	BaseURL     string
	SessionID   string
	SessionKey  string
	HTTPClient  *http.Client
	RetryConfig *RetryConfig
	// RateLimit bounds outbound requests per second. Zero means 10/s.
	RateLimit rate.Limit
	Logger    *zap.Logger
}

// LinkAPIClient talks to the relay's HTTP endpoints using session basic auth
type LinkAPIClient struct {
	baseURL     string
	sessionID   string
	sessionKey  string
	httpClient  *http.Client
	retryConfig RetryConfig
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewLinkAPIClient creates a new link API client
func NewLinkAPIClient(cfg *LinkAPIClientConfig) (*LinkAPIClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.SessionID == "" || cfg.SessionKey == "" {
		return nil, fmt.Errorf("session credentials are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	retry := DefaultRetryConfig
	if cfg.RetryConfig != nil {
		retry = *cfg.RetryConfig
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = 10
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}

	return &LinkAPIClient{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		sessionID:   cfg.SessionID,
		sessionKey:  cfg.SessionKey,
		httpClient:  httpClient,
		retryConfig: retry,
		limiter:     rate.NewLimiter(limit, 5),
		logger:      l,
	}, nil
}

// buildRequestURL constructs a full URL for a link API endpoint
func buildRequestURL(baseURL, path string) string {
	return fmt.Sprintf("%s%s", baseURL, path)
}

// FetchUnseenEvents lists events the relay has not yet seen acknowledged
func (c *LinkAPIClient) FetchUnseenEvents(ctx context.Context) ([]types.UnseenEvent, error) {
	body, err := c.doWithRetry(ctx, http.MethodGet, "/events?unseen=true")
	if err != nil {
		return nil, err
	}

	var resp types.UnseenEventsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode unseen events: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("check unseen events failed: %s", resp.Error)
	}
	return resp.Events, nil
}

// MarkUnseenEventsAsSeen acknowledges each event. Failures are logged and
// do not stop the remaining acknowledgements.
func (c *LinkAPIClient) MarkUnseenEventsAsSeen(ctx context.Context, events []types.UnseenEvent) {
	for _, e := range events {
		path := fmt.Sprintf("/events/%s/seen", url.PathEscape(e.ID))
		if _, err := c.doWithRetry(ctx, http.MethodPost, path); err != nil {
			c.logger.Sugar().Warnw("Failed to mark event as seen", "event_id", e.ID, "error", err)
		}
	}
}

func (c *LinkAPIClient) doWithRetry(ctx context.Context, method, path string) ([]byte, error) {
	var lastErr error
	backoff := c.retryConfig.InitialBackoff
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		body, retryable, err := c.do(ctx, method, path)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}

		if attempt < c.retryConfig.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiple)
			if backoff > c.retryConfig.MaxBackoff {
				backoff = c.retryConfig.MaxBackoff
			}
		}
	}
	return nil, fmt.Errorf("%s %s failed: %w", method, path, lastErr)
}

func (c *LinkAPIClient) do(ctx context.Context, method, path string) ([]byte, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, method, buildRequestURL(c.baseURL, path), nil)
	if err != nil {
		return nil, false, err
	}
	req.SetBasicAuth(c.sessionID, c.sessionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, false, nil
}
