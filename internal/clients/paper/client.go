// Package paper provides a simulated exchange client. It is used when no
// exchange credentials are configured (dry-run is forced) and by tests that
// need deterministic fills.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// Client simulates a spot exchange: balances and prices are held in memory,
// orders fill immediately at the current spot price with a flat fee.
type Client struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	prices     map[string]decimal.Decimal
	collateral []domain.CollateralRecord
	feeRate    decimal.Decimal
	log        zerolog.Logger
}

// New creates a paper client with the given starting balances and prices.
func New(balances, prices map[string]decimal.Decimal, log zerolog.Logger) *Client {
	c := &Client{
		balances: make(map[string]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
		feeRate:  decimal.NewFromFloat(0.006),
		log:      log.With().Str("client", "paper").Logger(),
	}
	for k, v := range balances {
		c.balances[k] = v
	}
	for k, v := range prices {
		c.prices[k] = v
	}
	return c
}

// SetPrice updates the simulated spot price for a symbol.
func (c *Client) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// SetCollateral replaces the simulated collateral records.
func (c *Client) SetCollateral(records []domain.CollateralRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collateral = append([]domain.CollateralRecord(nil), records...)
}

// Deposit credits an asset balance, simulating an external deposit.
func (c *Client) Deposit(asset string, quantity decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[asset] = c.balances[asset].Add(quantity)
}

// GetAllBalances returns a copy of the simulated balances.
func (c *Client) GetAllBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out, nil
}

// GetSpotPrices returns simulated spot prices for the requested assets.
// Unknown assets are omitted, matching real exchange behavior.
func (c *Client) GetSpotPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(assets))
	for _, a := range assets {
		if p, ok := c.prices[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

// GetCollateral returns a copy of the simulated collateral records.
func (c *Client) GetCollateral(ctx context.Context) ([]domain.CollateralRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.CollateralRecord(nil), c.collateral...), nil
}

// PlaceOrder fills a market order at the current spot price with a 0.6% fee.
// Dry-run orders do not mutate balances but still return a synthetic fill.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	price, ok := c.prices[req.Symbol]
	if !ok {
		return nil, domain.Fatal(fmt.Errorf("unknown product %s", req.Symbol))
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, domain.Fatal(fmt.Errorf("invalid quantity %s", req.Quantity))
	}

	value := req.Quantity.Mul(price)
	fees := value.Mul(c.feeRate)

	result := &domain.OrderResult{
		OrderID:      uuid.NewString(),
		Status:       domain.OrderFilled,
		FillQuantity: req.Quantity,
		FillPrice:    price,
		Fees:         fees,
	}

	if req.DryRun {
		return result, nil
	}

	switch req.Side {
	case domain.SideSell:
		held := c.balances[req.Symbol]
		if held.LessThan(req.Quantity) {
			return nil, domain.Fatal(fmt.Errorf("insufficient balance: have %s %s, want %s", held, req.Symbol, req.Quantity))
		}
		c.balances[req.Symbol] = held.Sub(req.Quantity)
		c.balances["USDC"] = c.balances["USDC"].Add(value.Sub(fees))
	case domain.SideBuy:
		cash := c.balances["USDC"]
		cost := value.Add(fees)
		if cash.LessThan(cost) {
			return nil, domain.Fatal(fmt.Errorf("insufficient balance: have %s USDC, want %s", cash, cost))
		}
		c.balances["USDC"] = cash.Sub(cost)
		c.balances[req.Symbol] = c.balances[req.Symbol].Add(req.Quantity)
	default:
		return nil, domain.Fatal(fmt.Errorf("invalid side %q", req.Side))
	}

	c.log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("quantity", req.Quantity.String()).
		Str("price", price.String()).
		Msg("Paper order filled")

	return result, nil
}
