// Package optimizer replays historical snapshots against candidate rule
// parameterizations and proposes improvements through the approval queue.
package optimizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/rules"
	"github.com/aristath/vigil/pkg/formulas"
)

// DefaultFeeRate models the exchange's taker fee in backtests.
const DefaultFeeRate = 0.006

// quoteAsset is the cash leg of the synthetic portfolio.
const quoteAsset = "USDC"

// Result carries the metrics of one backtest run.
type Result struct {
	TotalReturn float64   `json:"total_return"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown"`
	WinRate     float64   `json:"win_rate"`
	Trades      int       `json:"trades"`
	StartValue  float64   `json:"start_value"`
	EndValue    float64   `json:"end_value"`
	Equity      []float64 `json:"equity,omitempty"`
}

// Score collapses the metrics into the composite ranking score.
func (r *Result) Score() float64 {
	return 0.5*r.Sharpe - 0.3*r.MaxDrawdown + 0.2*r.WinRate
}

// Backtester is a deterministic simulator: orders fill at the next
// snapshot's price with a flat fee, and identical inputs always produce
// identical output.
type Backtester struct {
	feeRate decimal.Decimal
	log     zerolog.Logger
}

// NewBacktester creates a backtester with the given fee rate (0 uses the
// default).
func NewBacktester(feeRate float64, log zerolog.Logger) *Backtester {
	if feeRate <= 0 {
		feeRate = DefaultFeeRate
	}
	return &Backtester{
		feeRate: decimal.NewFromFloat(feeRate),
		log:     log.With().Str("component", "backtester").Logger(),
	}
}

type pricePoint struct {
	ts    time.Time
	price float64
}

// Run simulates one rule over a time-ordered snapshot stream. The synthetic
// portfolio starts from the first snapshot's balances; the initial cost
// basis of each holding is its price in that snapshot.
func (b *Backtester) Run(rule *rules.Rule, snapshots []*domain.Snapshot) (*Result, error) {
	if len(snapshots) < 2 {
		return nil, fmt.Errorf("backtest needs at least 2 snapshots, have %d", len(snapshots))
	}

	ordered := make([]*domain.Snapshot, len(snapshots))
	copy(ordered, snapshots)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	portfolio := make(map[string]decimal.Decimal, len(ordered[0].Balances))
	avgCost := make(map[string]decimal.Decimal)
	for sym, qty := range ordered[0].Balances {
		portfolio[sym] = qty
		if p, ok := ordered[0].Prices[sym]; ok {
			avgCost[sym] = p
		}
	}

	// A private engine and bus keep lastFire state and alertOnly noise out
	// of the live system.
	engine := rules.NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	history := make(map[string][]pricePoint)

	startValue, _ := domain.ComputeTotalUSD(portfolio, ordered[0].Prices).Float64()
	equity := []float64{startValue}

	var trades, sells, wins int
	for i := 0; i < len(ordered)-1; i++ {
		snap := ordered[i]
		next := ordered[i+1]
		for sym, p := range snap.Prices {
			v, _ := p.Float64()
			history[sym] = append(history[sym], pricePoint{ts: snap.Timestamp, price: v})
		}

		ctx := &rules.Context{
			Now:         snap.Timestamp,
			Balances:    cloneBalances(portfolio),
			Prices:      snap.Prices,
			DryRun:      true,
			Closes:      closesProvider(history, snap.Timestamp),
			PriceChange: changeProvider(history, snap.Timestamp),
		}

		for _, intent := range engine.Evaluate([]*rules.Rule{rule}, ctx) {
			fillPrice, ok := next.Prices[intent.Symbol]
			if !ok || fillPrice.LessThanOrEqual(decimal.Zero) {
				continue
			}

			switch intent.Side {
			case domain.SideSell:
				qty := decimal.Min(intent.Quantity, portfolio[intent.Symbol])
				if qty.LessThanOrEqual(decimal.Zero) {
					continue
				}
				proceeds := qty.Mul(fillPrice)
				fee := proceeds.Mul(b.feeRate)
				portfolio[intent.Symbol] = portfolio[intent.Symbol].Sub(qty)
				portfolio[quoteAsset] = portfolio[quoteAsset].Add(proceeds.Sub(fee))
				trades++
				sells++
				if fillPrice.GreaterThan(avgCost[intent.Symbol]) {
					wins++
				}

			case domain.SideBuy:
				cash := portfolio[quoteAsset]
				unitCost := fillPrice.Mul(decimal.NewFromInt(1).Add(b.feeRate))
				qty := intent.Quantity
				if cash.LessThan(qty.Mul(unitCost)) {
					qty = cash.Div(unitCost)
				}
				if qty.LessThanOrEqual(decimal.Zero) {
					continue
				}
				held := portfolio[intent.Symbol]
				portfolio[quoteAsset] = cash.Sub(qty.Mul(unitCost))
				portfolio[intent.Symbol] = held.Add(qty)
				avgCost[intent.Symbol] = weightedCost(held, avgCost[intent.Symbol], qty, unitCost)
				trades++
			}
		}

		v, _ := domain.ComputeTotalUSD(portfolio, next.Prices).Float64()
		equity = append(equity, v)
	}

	result := &Result{
		Trades:     trades,
		StartValue: startValue,
		EndValue:   equity[len(equity)-1],
		Equity:     equity,
	}
	if startValue > 0 {
		result.TotalReturn = result.EndValue/startValue - 1
	}
	if sells > 0 {
		result.WinRate = float64(wins) / float64(sells)
	}
	returns := formulas.CalculateReturns(equity)
	if sharpe := formulas.CalculateSharpeRatio(returns, 0); sharpe != nil {
		result.Sharpe = *sharpe
	}
	if dd := formulas.CalculateMaxDrawdown(equity); dd != nil {
		result.MaxDrawdown = *dd
	}
	return result, nil
}

func cloneBalances(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func weightedCost(heldQty, heldCost, addQty, addCost decimal.Decimal) decimal.Decimal {
	total := heldQty.Add(addQty)
	if total.LessThanOrEqual(decimal.Zero) {
		return addCost
	}
	return heldQty.Mul(heldCost).Add(addQty.Mul(addCost)).Div(total)
}

func closesProvider(history map[string][]pricePoint, now time.Time) rules.ClosesProvider {
	return func(symbol string, window time.Duration) ([]float64, error) {
		cutoff := now.Add(-window)
		var out []float64
		for _, p := range history[symbol] {
			if !p.ts.Before(cutoff) {
				out = append(out, p.price)
			}
		}
		return out, nil
	}
}

func changeProvider(history map[string][]pricePoint, now time.Time) rules.PriceChangeProvider {
	return func(symbol string, window time.Duration) (*float64, error) {
		cutoff := now.Add(-window)
		series := history[symbol]
		var then, latest *pricePoint
		for i := range series {
			if series[i].ts.Before(cutoff) {
				continue
			}
			if then == nil {
				then = &series[i]
			}
			latest = &series[i]
		}
		if then == nil || latest == nil || then.price == 0 || then.ts.Equal(latest.ts) {
			return nil, nil
		}
		change := (latest.price - then.price) / then.price
		return &change, nil
	}
}
