package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderRequest describes an order submitted to the exchange.
type OrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	DryRun   bool            `json:"dry_run"`
}

// OrderResult describes the exchange's response to an order.
type OrderResult struct {
	OrderID      string          `json:"order_id"`
	Status       OrderStatus     `json:"status"`
	FillQuantity decimal.Decimal `json:"fill_quantity"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	Fees         decimal.Decimal `json:"fees"`
}

// ExchangeClient is the narrow interface the core depends on. Concrete
// implementations (REST clients, the paper client) live outside the core's
// decision path; any implementation satisfying these operations suffices.
type ExchangeClient interface {
	// GetAllBalances returns asset -> quantity for every held asset.
	GetAllBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// GetSpotPrices returns asset -> USD spot price for the requested assets.
	GetSpotPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error)

	// GetCollateral returns the current loan collateral records (may be empty).
	GetCollateral(ctx context.Context) ([]CollateralRecord, error)

	// PlaceOrder submits a market order. DryRun requests must not reach the
	// exchange; the client synthesizes a fill at the current spot price.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// TransientError wraps failures worth retrying: network timeouts, 429s, 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps failures that will not succeed on retry: invalid product,
// insufficient balance, authentication.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is classified as non-retryable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
