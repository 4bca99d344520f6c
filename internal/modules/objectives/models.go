// Package objectives manages the owner's policy document: the core-asset
// set with protected baselines and per-asset automation flags, plus the
// approval-required thresholds.
package objectives

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CoreAsset is the policy for one protected asset.
type CoreAsset struct {
	Baseline           decimal.Decimal `json:"baseline"`
	AutoExecute        bool            `json:"autoExecute"`
	IncrementOnDeposit bool            `json:"incrementOnDeposit"`
	MinTokens          decimal.Decimal `json:"minTokens"`
}

// ApprovalPolicy carries the flags that force human review.
type ApprovalPolicy struct {
	NewCoin       bool    `json:"newCoin"`
	Staking       bool    `json:"staking"`
	LargeTradeUSD float64 `json:"largeTradeUsd"`
}

// Objectives is the singleton owner policy document.
type Objectives struct {
	CoreAssets       map[string]CoreAsset `json:"coreAssets"`
	ApprovalRequired ApprovalPolicy       `json:"approvalRequired"`
	DryRunDefault    bool                 `json:"dryRunDefault"`
	MaxPositionPct   float64              `json:"maxPositionPct"`
	UpdatedAt        int64                `json:"updatedAt"`
}

// Default returns the policy used until the owner writes their own.
func Default() *Objectives {
	return &Objectives{
		CoreAssets: map[string]CoreAsset{
			"BTC": {AutoExecute: true, IncrementOnDeposit: true},
			"XRP": {AutoExecute: true, IncrementOnDeposit: true, MinTokens: decimal.NewFromInt(10)},
		},
		ApprovalRequired: ApprovalPolicy{
			NewCoin:       true,
			Staking:       true,
			LargeTradeUSD: 1000,
		},
		DryRunDefault:  true,
		MaxPositionPct: 0.25,
	}
}

// Validate rejects policies that would disable every safety threshold.
func (o *Objectives) Validate() error {
	if o.ApprovalRequired.LargeTradeUSD < 0 {
		return fmt.Errorf("largeTradeUsd must be non-negative")
	}
	if o.MaxPositionPct < 0 || o.MaxPositionPct > 1 {
		return fmt.Errorf("maxPositionPct must be in [0,1]")
	}
	for asset, ca := range o.CoreAssets {
		if ca.Baseline.IsNegative() {
			return fmt.Errorf("baseline for %s must be non-negative", asset)
		}
		if ca.MinTokens.IsNegative() {
			return fmt.Errorf("minTokens for %s must be non-negative", asset)
		}
	}
	return nil
}

// IsCoreAsset reports whether the policy protects the given asset.
func (o *Objectives) IsCoreAsset(asset string) bool {
	_, ok := o.CoreAssets[asset]
	return ok
}

// AutoExecuteEnabled reports whether the asset's policy allows unattended
// execution. Non-core assets never auto-execute.
func (o *Objectives) AutoExecuteEnabled(asset string) bool {
	ca, ok := o.CoreAssets[asset]
	return ok && ca.AutoExecute
}
