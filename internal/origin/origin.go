package origin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"offlinegate/internal/config"
	"offlinegate/internal/exchange"
)

// ErrOriginOffline is returned while the circuit breaker holds the origin offline
var ErrOriginOffline = errors.New("origin offline")

// Fetcher performs network fetches on behalf of the worker
type Fetcher interface {
	Fetch(ctx context.Context, req *exchange.Request) (*exchange.Response, error)
}

// Client fetches from the origin application server
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	breaker     *CircuitBreaker
	maxBodySize int64
	logger      zerolog.Logger
}

// Config for creating a new Client
type Config struct {
	URL            string
	RequestTimeout time.Duration
	MaxBodySize    int64
	CircuitBreaker CircuitBreakerConfig
	Transport      http.RoundTripper
	Logger         zerolog.Logger
}

// NewClient creates a new origin Client
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
		// redirects belong to the browser, e.g. POST → 302 after a form submit
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	logger := cfg.Logger.With().Str("component", "origin").Str("origin", base.Host).Logger()

	cbCfg := cfg.CircuitBreaker
	if cbCfg.OnStateChange == nil {
		cbCfg.OnStateChange = func(from, to string) {
			switch to {
			case "open":
				logger.Warn().Str("from", from).Msg("origin marked offline, serving from cache")
			case "closed":
				logger.Info().Str("from", from).Msg("origin back online")
			default:
				logger.Debug().Str("from", from).Str("to", to).Msg("circuit breaker state changed")
			}
		}
	}

	return &Client{
		baseURL:     base,
		httpClient:  httpClient,
		breaker:     NewCircuitBreaker(cbCfg),
		maxBodySize: cfg.MaxBodySize,
		logger:      logger,
	}, nil
}

// NewClientFromConfig creates a Client from config
func NewClientFromConfig(cfg config.OriginConfig, logger zerolog.Logger) (*Client, error) {
	cb := CircuitBreakerConfig{}
	if cfg.IsCircuitBreakerEnabled() {
		cb = CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenRequests,
		}
	}
	return NewClient(Config{
		URL:            cfg.URL,
		RequestTimeout: cfg.GetRequestTimeoutDuration(),
		MaxBodySize:    cfg.MaxBodySize,
		CircuitBreaker: cb,
		Logger:         logger,
	})
}

// URL returns the origin base URL
func (c *Client) URL() string {
	return c.baseURL.String()
}

// BreakerState returns the circuit breaker state
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Fetch sends req to the origin and buffers the response.
// Any HTTP status is a successful fetch; only transport failures return an error.
func (c *Client) Fetch(ctx context.Context, req *exchange.Request) (*exchange.Response, error) {
	if !c.breaker.AllowRequest() {
		return nil, ErrOriginOffline
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := exchange.ReadBody(resp.Body, c.maxBodySize)
	if err != nil {
		if !errors.Is(err, exchange.ErrBodyTooLarge) && ctx.Err() == nil {
			c.breaker.RecordFailure()
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.breaker.RecordSuccess()

	header := resp.Header.Clone()
	exchange.StripHopHeaders(header)
	// the buffered body sets its own length; HEAD keeps the origin's
	if httpReq.Method != http.MethodHead {
		header.Del("Content-Length")
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("origin fetch")

	return &exchange.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, req *exchange.Request) (*http.Request, error) {
	ref, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", req.URL, err)
	}
	if ref.IsAbs() {
		return nil, fmt.Errorf("request url %q must be relative to the origin", req.URL)
	}

	target := *c.baseURL
	target.Path = joinPath(c.baseURL.Path, ref.Path)
	target.RawPath = ""
	target.RawQuery = ref.RawQuery
	target.Fragment = ""

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	var httpReq *http.Request
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, target.String(), body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vv := range req.Header {
		httpReq.Header[k] = append([]string(nil), vv...)
	}
	httpReq.Header.Del("Host")
	exchange.StripHopHeaders(httpReq.Header)
	return httpReq, nil
}

func joinPath(base, path string) string {
	if path == "" {
		path = "/"
	}
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Probe issues a GET for path that ignores the breaker. A reachable origin
// closes the breaker; any HTTP status counts as reachable.
func (c *Client) Probe(ctx context.Context, path string) error {
	httpReq, err := c.buildRequest(ctx, exchange.NewRequest(http.MethodGet, path))
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	resp.Body.Close()
	c.breaker.Reset()
	return nil
}
