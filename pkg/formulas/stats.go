package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// periodsPerYear is used for annualization. Crypto trades every day.
const periodsPerYear = 365

// Mean calculates the arithmetic mean of a slice of float64 values.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values.
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// CalculateReturns converts prices to simple periodic returns.
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// RealizedVolatility calculates the (non-annualized) standard deviation of
// returns over a price window. Used by the scheduler to adapt sync cadence.
func RealizedVolatility(prices []float64) float64 {
	returns := CalculateReturns(prices)
	return StdDev(returns)
}

// CalculateSharpeRatio calculates the annualized Sharpe ratio from periodic
// returns. Returns nil when there is insufficient data or zero variance.
func CalculateSharpeRatio(returns []float64, riskFreeRate float64) *float64 {
	if len(returns) < 2 {
		return nil
	}

	meanReturn := Mean(returns)
	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / periodsPerYear
	sharpe := (meanReturn - periodicRiskFree) / stdDev
	annualized := sharpe * math.Sqrt(periodsPerYear)

	return &annualized
}

// CalculateMaxDrawdown calculates the maximum peak-to-trough drawdown of a
// value series as a positive fraction (0.25 = 25% loss from peak).
func CalculateMaxDrawdown(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]

	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			drawdown := (peak - v) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	return &maxDrawdown
}

// Quantile returns the p-quantile (0..1) of the data using gonum's empirical
// quantile over a sorted copy. Used by the Monte Carlo summary.
func Quantile(p float64, data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
