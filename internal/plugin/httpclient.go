package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tickd/tickd/internal/domain"
)

// HTTPClientConfig tunes the shared provider HTTP client.
type HTTPClientConfig struct {
	RequestTimeout time.Duration
	RateLimitRPS   float64
	Burst          int
	UserAgent      string
}

// HTTPClient wraps net/http with a token-bucket rate limiter and a circuit
// breaker. Response statuses are mapped onto the domain error taxonomy so
// the retry layer can classify failures.
type HTTPClient struct {
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	userAgent string
}

// NewHTTPClient builds a provider HTTP client.
func NewHTTPClient(name string, cfg HTTPClientConfig) *HTTPClient {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 1.0
	}
	if cfg.Burst == 0 {
		cfg.Burst = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tickd/1.0"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejected symbols and auth failures say nothing about venue
		// health; only transient failures should open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsPermanent(err)
		},
	})

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.Burst),
		breaker:   breaker,
		userAgent: cfg.UserAgent,
	}
}

// GetJSON performs a rate-limited GET and decodes the JSON body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, url string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open for %s", domain.ErrTransient, url)
		}
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d from %s", domain.ErrAuth, resp.StatusCode, url)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: status 404 from %s", domain.ErrNotFound, url)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d from %s", domain.ErrTransient, resp.StatusCode, url)
	default:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
}

// CloseIdleConnections drops pooled connections.
func (c *HTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
