// Package formulas provides the numeric building blocks shared by the rules
// engine and the backtester: technical indicators over price series and
// portfolio statistics (returns, volatility, Sharpe, drawdown).
//
// Indicators are computed with go-talib over closing prices. Crypto markets
// trade continuously, so annualization uses 365 periods per year rather than
// the 252 trading days used for equities.
package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateRSI calculates the Relative Strength Index over closing prices.
// Returns the current RSI value (0-100) or nil if there is insufficient data.
func CalculateRSI(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}

	rsi := talib.Rsi(closes, length)
	return lastValid(rsi)
}

// CalculateEMA calculates the Exponential Moving Average.
// Falls back to a simple mean when the series is shorter than the period.
func CalculateEMA(closes []float64, length int) *float64 {
	if len(closes) == 0 {
		return nil
	}

	if len(closes) < length {
		sma := Mean(closes)
		return &sma
	}

	ema := talib.Ema(closes, length)
	if v := lastValid(ema); v != nil {
		return v
	}

	sma := Mean(closes[len(closes)-length:])
	return &sma
}

// CalculateSMA calculates the Simple Moving Average.
// Returns nil if the series is shorter than the period.
func CalculateSMA(closes []float64, length int) *float64 {
	if len(closes) < length {
		return nil
	}

	sma := talib.Sma(closes, length)
	return lastValid(sma)
}

// CalculateMACDHistogram calculates the MACD histogram (MACD line minus
// signal line) using the standard 12/26/9 parameterization unless overridden.
// Returns nil if there is insufficient data.
func CalculateMACDHistogram(closes []float64, fast, slow, signal int) *float64 {
	if fast <= 0 {
		fast = 12
	}
	if slow <= 0 {
		slow = 26
	}
	if signal <= 0 {
		signal = 9
	}
	if len(closes) < slow+signal {
		return nil
	}

	_, _, hist := talib.Macd(closes, fast, slow, signal)
	return lastValid(hist)
}

// lastValid returns a pointer to the last non-NaN value of a series, or nil.
func lastValid(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if isNaN(v) {
		return nil
	}
	return &v
}

// isNaN checks if a float64 is NaN without importing math.
func isNaN(f float64) bool {
	return f != f
}
