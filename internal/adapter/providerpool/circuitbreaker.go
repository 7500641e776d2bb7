package providerpool

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"conductor/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerClient wraps a ProviderClient with circuit breaker protection.
// When the wrapped provider fails repeatedly, the circuit opens and
// subsequent calls fail fast without reaching the provider, preventing
// retry storms against a dead endpoint.
type BreakerClient struct {
	inner   domain.ProviderClient
	breaker *gobreaker.CircuitBreaker[*domain.ProviderResponse]
	logger  *slog.Logger
}

// NewBreakerClient wraps inner with a circuit breaker shaped by the
// provider's configuration. Zero values fall back to defaults.
func NewBreakerClient(inner domain.ProviderClient, cfg domain.ProviderConfig, logger *slog.Logger) *BreakerClient {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.BreakerInterval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ProviderResponse](gobreaker.Settings{
		Name:        "provider:" + inner.ID(),
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
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerClient{inner: inner, breaker: cb, logger: logger}
}

// Invoke implements domain.ProviderClient. Calls route through the breaker;
// an open circuit surfaces as a transient provider error so the router
// fails over instead of waiting.
func (c *BreakerClient) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.ProviderResponse, error) {
		return c.inner.Invoke(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewDomainError("BreakerClient.Invoke", domain.ErrTransientProvider,
				"circuit open for "+c.inner.ID())
		}
		return nil, err
	}
	return resp, nil
}

// Ping bypasses the breaker: health probes must reach a provider even while
// its circuit is open, otherwise recovery is never observed.
func (c *BreakerClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// ID implements domain.ProviderClient.
func (c *BreakerClient) ID() string { return c.inner.ID() }

// State returns the current circuit state for routing and monitoring.
func (c *BreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the breaker's failure/success counts.
func (c *BreakerClient) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

var _ domain.ProviderClient = (*BreakerClient)(nil)
