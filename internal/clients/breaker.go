// Package clients provides exchange client wrappers shared by concrete
// implementations: a circuit breaker guarding the data-fetch path so a
// misbehaving exchange cannot consume every scheduler tick with timeouts.
package clients

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/aristath/vigil/internal/domain"
)

// BreakerClient wraps an ExchangeClient with a circuit breaker on the read
// operations. Order placement is intentionally not wrapped: an in-flight
// order must always reach the exchange and be awaited.
type BreakerClient struct {
	inner   domain.ExchangeClient
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewBreakerClient wraps client with a circuit breaker. The breaker opens
// after 5 consecutive failures and probes again after 60 seconds.
func NewBreakerClient(client domain.ExchangeClient, log zerolog.Logger) *BreakerClient {
	componentLog := log.With().Str("component", "exchange_breaker").Logger()

	settings := gobreaker.Settings{
		Name: "exchange-reads",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			componentLog.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Exchange breaker state changed")
		},
	}

	return &BreakerClient{
		inner:   client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     componentLog,
	}
}

// GetAllBalances fetches balances through the breaker.
func (c *BreakerClient) GetAllBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.GetAllBalances(ctx)
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	return result.(map[string]decimal.Decimal), nil
}

// GetSpotPrices fetches spot prices through the breaker.
func (c *BreakerClient) GetSpotPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.GetSpotPrices(ctx, assets)
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	return result.(map[string]decimal.Decimal), nil
}

// GetCollateral fetches collateral through the breaker.
func (c *BreakerClient) GetCollateral(ctx context.Context) ([]domain.CollateralRecord, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.inner.GetCollateral(ctx)
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	return result.([]domain.CollateralRecord), nil
}

// PlaceOrder passes straight through to the wrapped client.
func (c *BreakerClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	return c.inner.PlaceOrder(ctx, req)
}

// classifyBreakerErr maps breaker-internal errors to transient so callers
// retry on the next tick instead of treating an open breaker as fatal.
func classifyBreakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.Transient(err)
	}
	return err
}
