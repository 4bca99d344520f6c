// Package portfolio manages portfolio state: snapshots, baselines,
// collateral records, and the rolling price series.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// SnapshotRetention is the minimum retention for snapshots. The backtester
// replays up to the optimizer window (90 days by default), so snapshots are
// kept at least that long.
const SnapshotRetention = 90 * 24 * time.Hour

// PriceRetention is the rolling retention for the price series.
const PriceRetention = 24 * time.Hour

// ChangeSet describes portfolio differences since a reference time.
type ChangeSet struct {
	Since     time.Time         `json:"since"`
	Current   *domain.Snapshot  `json:"current"`
	Reference *domain.Snapshot  `json:"reference,omitempty"`
	Deltas    map[string]string `json:"deltas"` // asset -> quantity delta (decimal string)
	TotalUSD  struct {
		Before string `json:"before"`
		After  string `json:"after"`
	} `json:"total_usd"`
}

// CurrentView is the response shape for GET /portfolio/current.
type CurrentView struct {
	Snapshot  *domain.Snapshot           `json:"snapshot"`
	Baselines map[string]decimal.Decimal `json:"baselines"`
	AgeSecs   int64                      `json:"age_secs"`
	Stale     bool                       `json:"stale"`
}

// ManualSnapshotRequest is the payload for POST /portfolio/snapshot.
type ManualSnapshotRequest struct {
	Balances       map[string]decimal.Decimal `json:"balances"`
	Prices         map[string]decimal.Decimal `json:"prices"`
	Reason         string                     `json:"reason"`
	IsDeposit      bool                       `json:"isDeposit"`
	DepositAmounts map[string]decimal.Decimal `json:"depositAmounts,omitempty"`
}
