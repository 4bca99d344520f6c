// Package domain provides core domain models and types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus represents the exchange's view of an order.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPartial  OrderStatus = "partial"
	OrderRejected OrderStatus = "rejected"
	OrderPending  OrderStatus = "pending"
)

// Snapshot is an immutable point-in-time record of balances, prices, and totals.
type Snapshot struct {
	ID        int64                      `json:"id"`
	Timestamp time.Time                  `json:"timestamp"`
	Reason    string                     `json:"reason"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	Prices    map[string]decimal.Decimal `json:"prices"`
	TotalUSD  decimal.Decimal            `json:"total_usd"`
}

// ComputeTotalUSD computes the USD value of balances at the given prices.
// Assets without a price contribute nothing.
func ComputeTotalUSD(balances, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for asset, qty := range balances {
		if price, ok := prices[asset]; ok {
			total = total.Add(qty.Mul(price))
		}
	}
	return total
}

// Baseline is a per-asset protected quantity floor. It is seeded from the
// first snapshot, incremented on deposits, and never auto-decremented.
type Baseline struct {
	Asset     string          `json:"asset"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CollateralRecord describes an exchange-side lock backing an external loan.
type CollateralRecord struct {
	Asset  string          `json:"asset"`
	Locked decimal.Decimal `json:"locked"`
	LTV    float64         `json:"ltv"`    // Loan-to-value, 0..1
	Health float64         `json:"health"` // Exchange health score
}

// KillSwitchState is the global halt flag. Singleton, owner-mutable only.
type KillSwitchState struct {
	Enabled bool      `json:"enabled"`
	Reason  string    `json:"reason"`
	SetBy   string    `json:"set_by"`
	SetAt   time.Time `json:"set_at"`
}

// PricePoint is one entry of the rolling price series.
type PricePoint struct {
	Symbol string          `json:"symbol"`
	Ts     time.Time       `json:"ts"`
	Price  decimal.Decimal `json:"price"`
}

// TriggerEvent names a portfolio event that event-triggered rules match on.
type TriggerEvent string

const (
	EventDeposit    TriggerEvent = "deposit"
	EventWithdrawal TriggerEvent = "withdrawal"
	EventPriceShock TriggerEvent = "price_shock"
	EventManual     TriggerEvent = "manual"
)
