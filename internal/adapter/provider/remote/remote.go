// Package remote is the shared plumbing for HTTP-backed providers: a
// circuit breaker against retry storms, a client-side rate limiter, and
// the mapping from upstream status codes to domain errors.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"pixelflow/internal/domain"
)

const (
	defaultMaxFailures     uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
	maxResponseBytes              = 32 << 20
)

// Config tunes a Caller. Zero values fall back to defaults; a zero
// RequestsPerMin disables client-side rate limiting.
type Config struct {
	MaxFailures     uint32        `yaml:"max_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	BreakerInterval time.Duration `yaml:"breaker_interval"`
	RequestsPerMin  float64       `yaml:"requests_per_min"`
	Burst           int           `yaml:"burst"`
}

// Caller executes provider HTTP requests behind a breaker and limiter.
type Caller struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCaller wraps client for the named provider.
func NewCaller(name string, client *http.Client, cfg Config, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.BreakerInterval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "provider:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	var limiter *rate.Limiter
	if cfg.RequestsPerMin > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMin)/60.0, burst)
	}

	return &Caller{
		name:    name,
		client:  client,
		breaker: cb,
		limiter: limiter,
		logger:  logger,
	}
}

// Do executes the request and returns the response body. The limiter is
// waited on first (context-aware), then the call runs through the
// breaker. Upstream statuses map onto the domain taxonomy so the engine's
// classifier sees sentinels, not raw codes.
func (c *Caller) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	op := c.name + ".call"

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.NewDomainError(op, domain.ErrAborted, err.Error())
		}
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, domain.NewDomainError(op, domain.ErrTransient, err.Error())
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, domain.NewDomainError(op, domain.ErrTransient, err.Error())
		}
		if statusErr := c.statusError(op, resp.StatusCode, payload); statusErr != nil {
			return nil, statusErr
		}
		return payload, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domain.NewDomainError(op, domain.ErrTransient,
			fmt.Sprintf("circuit breaker is open: %v", err))
	}
	return body, err
}

func (c *Caller) statusError(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Sprintf("status %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewDomainError(op, domain.ErrProviderQuota, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewDomainError(op, domain.ErrProviderAuth, detail)
	case status == http.StatusPaymentRequired:
		return domain.NewDomainError(op, domain.ErrProviderQuota, detail)
	case status >= 500:
		return domain.NewDomainError(op, domain.ErrTransient, detail)
	default:
		return domain.NewDomainError(op, domain.ErrGeneration, detail)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
