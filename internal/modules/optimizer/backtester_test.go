package optimizer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/modules/rules"
)

var testNow = time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func f(v float64) *float64 { return &v }

// snapshotStream builds hourly snapshots holding 1 BTC at the given prices.
func snapshotStream(prices ...string) []*domain.Snapshot {
	snaps := make([]*domain.Snapshot, 0, len(prices))
	for i, p := range prices {
		balances := map[string]decimal.Decimal{"BTC": d("1"), "USDC": d("0")}
		priceMap := map[string]decimal.Decimal{"BTC": d(p), "USDC": d("1")}
		snaps = append(snaps, &domain.Snapshot{
			ID:        int64(i + 1),
			Timestamp: testNow.Add(time.Duration(i) * time.Hour),
			Balances:  balances,
			Prices:    priceMap,
			TotalUSD:  domain.ComputeTotalUSD(balances, priceMap),
		})
	}
	return snaps
}

// exitOnSpike sells all BTC when the hourly price change exceeds gt.
func exitOnSpike(gt float64) *rules.Rule {
	return &rules.Rule{
		ID:      1,
		Version: 1,
		Name:    "exit-on-spike",
		Enabled: true,
		Trigger: rules.Trigger{Type: rules.TriggerInterval, Every: rules.Duration(time.Minute)},
		Conditions: []rules.Condition{
			{Type: rules.CondPriceChangePct, Symbol: "BTC", WindowMins: 60, GT: f(gt)},
		},
		Actions: []rules.Action{
			{Type: rules.ActionExit, Symbol: "BTC", AllocationPct: 1.0},
		},
	}
}

func TestBacktester_HoldWhenRuleNeverFires(t *testing.T) {
	b := NewBacktester(0, zerolog.Nop())

	// The 11% move never clears a 50% threshold; the portfolio just rides.
	result, err := b.Run(exitOnSpike(0.5), snapshotStream("100", "100", "111", "110", "55", "55"))
	require.NoError(t, err)

	assert.Equal(t, 0, result.Trades)
	assert.InDelta(t, 100.0, result.StartValue, 1e-9)
	assert.InDelta(t, 55.0, result.EndValue, 1e-9)
	assert.InDelta(t, -0.45, result.TotalReturn, 1e-9)
	assert.InDelta(t, 0.5045, result.MaxDrawdown, 1e-3) // peak 111 -> trough 55
}

func TestBacktester_SellFillsAtNextSnapshotPrice(t *testing.T) {
	b := NewBacktester(0, zerolog.Nop())

	// Fires on the +11% move at t2, fills at t3's price of 110.
	result, err := b.Run(exitOnSpike(0.10), snapshotStream("100", "100", "111", "110", "55", "55"))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Trades)
	assert.InDelta(t, 1.0, result.WinRate, 1e-9) // sold at 110 vs 100 basis

	// Proceeds 110 minus 0.6% fee; the crash no longer matters.
	assert.InDelta(t, 110*0.994, result.EndValue, 1e-9)
	assert.Greater(t, result.TotalReturn, 0.0)
}

func TestBacktester_Deterministic(t *testing.T) {
	b := NewBacktester(0, zerolog.Nop())
	stream := snapshotStream("100", "102", "99", "104", "101", "108", "95", "103")

	first, err := b.Run(exitOnSpike(0.02), stream)
	require.NoError(t, err)
	second, err := b.Run(exitOnSpike(0.02), stream)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBacktester_RejectsShortStreams(t *testing.T) {
	b := NewBacktester(0, zerolog.Nop())
	_, err := b.Run(exitOnSpike(0.1), snapshotStream("100"))
	assert.Error(t, err)
}

func TestResult_CompositeScore(t *testing.T) {
	r := &Result{Sharpe: 1.0, MaxDrawdown: 0.2, WinRate: 0.5}
	assert.InDelta(t, 0.5*1.0-0.3*0.2+0.2*0.5, r.Score(), 1e-12)
}
