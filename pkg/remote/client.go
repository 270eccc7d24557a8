// Package remote is the HTTP client shared by every outbound call: knowledge
// sources, identifier resolvers and the online chemical lookup.
//
// Each Client wraps one upstream behind a circuit breaker, so a dead service
// fails fast instead of costing a full timeout per frontier node.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/logging"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("remote: service temporarily unavailable")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %s returned %d", e.URL, e.StatusCode)
}

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests calls have been seen.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Options configures a Client.
type Options struct {
	// Timeout bounds every request. Zero means 30s.
	Timeout time.Duration
	Breaker BreakerConfig
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
	Logger     *zap.Logger
	UserAgent  string
}

// Client performs GET requests through a circuit breaker.
type Client struct {
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Breaker.Name == "" {
		opts.Breaker = DefaultBreakerConfig("remote")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "graphbuilder"
	}
	logger := logging.OrNop(opts.Logger).Named("remote").With(zap.String("breaker", opts.Breaker.Name))
	cfg := opts.Breaker

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// Callers cancelling is not the upstream's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		http:      opts.HTTPClient,
		breaker:   cb,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// Get fetches url and returns the body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, url)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, url)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// GetJSON fetches url and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("remote: decoding %s: %w", url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("GET", zap.String("url", url), zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: reading %s: %w", url, err)
	}
	return body, nil
}
