package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default brokerage environments.
const (
	DefaultLiveBaseURL = "https://live.trading212.com"
	DefaultDemoBaseURL = "https://demo.trading212.com"
)

// Endpoint paths.
const (
	PathCash      = "/api/v0/equity/account/cash"
	PathPortfolio = "/api/v0/equity/portfolio"
	PathOrders    = "/api/v0/equity/orders"
)

// Client reads account data from the brokerage.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: every call must honor cancellation/deadlines.
// - Errors: non-2xx responses wrap ErrUpstream.
type Client interface {
	FetchAccount(ctx context.Context, creds Credentials) (AccountSummary, error)
	FetchPositions(ctx context.Context, creds Credentials) ([]Position, error)
	FetchOrders(ctx context.Context, creds Credentials) ([]Order, error)
}

// Fetch performs the read named by rt and returns its JSON encoding.
func Fetch(ctx context.Context, c Client, creds Credentials, rt RequestType) ([]byte, error) {
	var (
		v   any
		err error
	)
	switch rt {
	case RequestSummary:
		v, err = c.FetchAccount(ctx, creds)
	case RequestPortfolio:
		v, err = c.FetchPositions(ctx, creds)
	case RequestOrders:
		v, err = c.FetchOrders(ctx, creds)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, rt)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	// LiveBaseURL is used when Credentials.Practice is false.
	// Default: DefaultLiveBaseURL
	LiveBaseURL string

	// DemoBaseURL is used when Credentials.Practice is true.
	// Default: DefaultDemoBaseURL
	DemoBaseURL string

	// Timeout is the HTTP request timeout. Callers usually bound calls
	// more tightly through the context.
	// Default: 10 seconds.
	Timeout time.Duration

	// MaxBodyBytes caps how much of a response body is read.
	// Default: 4 MiB.
	MaxBodyBytes int64

	// UserAgent is sent with every request.
	UserAgent string

	// HTTPClient is the HTTP client to use. If nil, a default client is used.
	HTTPClient *http.Client
}

// HTTPClient is a Client backed by the brokerage's REST API.
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient creates a new brokerage client.
func NewHTTPClient(config HTTPConfig) *HTTPClient {
	if config.LiveBaseURL == "" {
		config.LiveBaseURL = DefaultLiveBaseURL
	}
	if config.DemoBaseURL == "" {
		config.DemoBaseURL = DefaultDemoBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 4 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "brokeragg"
	}
	config.LiveBaseURL = strings.TrimRight(config.LiveBaseURL, "/")
	config.DemoBaseURL = strings.TrimRight(config.DemoBaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	return &HTTPClient{
		config:     config,
		httpClient: httpClient,
	}
}

// FetchAccount reads the account cash summary.
func (c *HTTPClient) FetchAccount(ctx context.Context, creds Credentials) (AccountSummary, error) {
	var out AccountSummary
	err := c.get(ctx, creds, RequestSummary, PathCash, &out)
	return out, err
}

// FetchPositions reads the open positions.
func (c *HTTPClient) FetchPositions(ctx context.Context, creds Credentials) ([]Position, error) {
	var out []Position
	if err := c.get(ctx, creds, RequestPortfolio, PathPortfolio, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Position{}
	}
	return out, nil
}

// FetchOrders reads the open orders.
func (c *HTTPClient) FetchOrders(ctx context.Context, creds Credentials) ([]Order, error) {
	var out []Order
	if err := c.get(ctx, creds, RequestOrders, PathOrders, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Order{}
	}
	return out, nil
}

func (c *HTTPClient) baseURL(creds Credentials) string {
	if creds.Practice {
		return c.config.DemoBaseURL
	}
	return c.config.LiveBaseURL
}

func (c *HTTPClient) get(ctx context.Context, creds Credentials, rt RequestType, path string, out any) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(creds)+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", creds.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: %s: %w", rt, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.LimitReader(resp.Body, c.config.MaxBodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		return &StatusError{
			Request:    rt,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, rt, err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
