package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/pkg/formulas"
)

// ClosesProvider returns the float64 close series for a symbol over the
// given window, oldest first.
type ClosesProvider func(symbol string, window time.Duration) ([]float64, error)

// PriceChangeProvider returns the percentage change (fraction) of a symbol
// over the window, or nil when the series does not span it.
type PriceChangeProvider func(symbol string, window time.Duration) (*float64, error)

// IndicatorWindow is how much price history indicator conditions consume.
const IndicatorWindow = 24 * time.Hour

// Context is the per-tick evaluation environment. Indicator values are
// computed lazily and memoized for the lifetime of the context, so two
// conditions referencing rsi(BTC,14) within one tick share one computation.
type Context struct {
	Now        time.Time
	Balances   map[string]decimal.Decimal
	Prices     map[string]decimal.Decimal
	Baselines  map[string]decimal.Decimal
	Objectives *objectives.Objectives
	Collateral []domain.CollateralRecord
	KillSwitch bool
	DryRun     bool

	// Event is non-empty for event-triggered evaluation passes.
	Event domain.TriggerEvent

	// LastExecutions maps rule id to the time of its last executed trade,
	// used by cooldown checks downstream.
	LastExecutions map[int64]time.Time

	Closes      ClosesProvider
	PriceChange PriceChangeProvider

	// AnomalyHook is called when an indicator evaluates to NaN/Inf.
	AnomalyHook func(symbol, indicator string)

	memo map[string]*float64
}

// TotalUSD values the portfolio at the context's prices.
func (c *Context) TotalUSD() decimal.Decimal {
	return domain.ComputeTotalUSD(c.Balances, c.Prices)
}

// Indicator returns the memoized value of the named indicator, or nil when
// the series is too short or the value is not finite.
func (c *Context) Indicator(name, symbol string, params map[string]float64) *float64 {
	if c.memo == nil {
		c.memo = make(map[string]*float64)
	}
	key := indicatorKey(name, symbol, params)
	if v, ok := c.memo[key]; ok {
		return v
	}

	v := c.computeIndicator(name, symbol, params)
	if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
		if c.AnomalyHook != nil {
			c.AnomalyHook(symbol, name)
		}
		v = nil
	}
	c.memo[key] = v
	return v
}

func (c *Context) computeIndicator(name, symbol string, params map[string]float64) *float64 {
	if c.Closes == nil {
		return nil
	}
	closes, err := c.Closes(symbol, IndicatorWindow)
	if err != nil || len(closes) == 0 {
		return nil
	}

	length := intParam(params, "length", 14)
	switch name {
	case "rsi":
		return formulas.CalculateRSI(closes, length)
	case "ema":
		return formulas.CalculateEMA(closes, length)
	case "sma":
		return formulas.CalculateSMA(closes, length)
	case "macd_hist":
		fast := intParam(params, "fast", 12)
		slow := intParam(params, "slow", 26)
		signal := intParam(params, "signal", 9)
		return formulas.CalculateMACDHistogram(closes, fast, slow, signal)
	}
	return nil
}

// Lookup resolves custom-expression variables: price.SYM, balance.SYM,
// baseline.SYM, total_usd.
func (c *Context) Lookup(name string) (float64, bool) {
	if name == "total_usd" {
		v, _ := c.TotalUSD().Float64()
		return v, true
	}

	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 {
		return 0, false
	}
	var (
		d  decimal.Decimal
		ok bool
	)
	switch parts[0] {
	case "price":
		d, ok = c.Prices[parts[1]]
	case "balance":
		d, ok = c.Balances[parts[1]]
	case "baseline":
		d, ok = c.Baselines[parts[1]]
	}
	if !ok {
		return 0, false
	}
	v, _ := d.Float64()
	return v, true
}

func indicatorKey(name, symbol string, params map[string]float64) string {
	// Params maps are tiny; a stable key needs sorted traversal.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte(':')
	sb.WriteString(symbol)
	for _, k := range keys {
		fmt.Fprintf(&sb, ":%s=%g", k, params[k])
	}
	return sb.String()
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok && v > 0 {
		return int(v)
	}
	return def
}
