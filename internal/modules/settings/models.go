// Package settings provides the runtime-tunable key-value store backed by
// config.db. Values here take precedence over environment defaults, so
// tunables can change without a restart.
package settings

// SettingDefaults holds default values for recognized settings.
var SettingDefaults = map[string]interface{}{
	// Trading guardrails
	"min_trade_usd":        10.0,
	"mfa_threshold_usd":    10000.0,
	"daily_loss_limit_usd": 500.0,
	"max_trades_per_hour":  5,
	"max_trades_per_asset": 3,
	"ltv_warning_level":    0.7,

	// Backtester
	"backtest_fee_rate":     0.006,
	"optimizer_window_days": 90,

	// Scheduler cadence (seconds)
	"portfolio_interval_secs": 300,
	"price_interval_secs":     60,
	"rules_interval_secs":     600,
}

// SettingDescriptions documents each recognized setting.
var SettingDescriptions = map[string]string{
	"min_trade_usd":           "Minimum notional USD for any order; smaller intents are dropped",
	"mfa_threshold_usd":       "Estimated trade value above which approval requires an MFA code",
	"daily_loss_limit_usd":    "Realized daily loss that trips the circuit breaker until midnight UTC",
	"max_trades_per_hour":     "Global executed-trade ceiling per rolling hour",
	"max_trades_per_asset":    "Per-asset executed-trade ceiling per rolling hour",
	"ltv_warning_level":       "Loan-to-value ratio above which an ltv_warning alert is emitted",
	"backtest_fee_rate":       "Fee rate applied to simulated fills in the backtester",
	"optimizer_window_days":   "Historical window replayed by the nightly optimizer",
	"portfolio_interval_secs": "Base interval for the full portfolio cycle",
	"price_interval_secs":     "Base interval for the price tick",
	"rules_interval_secs":     "Base interval for interval-triggered rule evaluation",
}

// SettingUpdate is the payload for PUT /settings/{key}.
type SettingUpdate struct {
	Value interface{} `json:"value"`
}
