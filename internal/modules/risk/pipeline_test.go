package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/rules"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newPipeline(bus *events.Bus) *Pipeline {
	if bus == nil {
		bus = events.NewBus(zerolog.Nop())
	}
	return NewPipeline(NewState(), Limits{MinTradeUSD: 10, DailyLossLimitUSD: 500}, bus, zerolog.Nop())
}

func sellIntent(symbol string, qty, price string, guardrails ...string) *rules.Intent {
	return &rules.Intent{
		RuleID:   1,
		RuleName: "test-rule",
		Action:   rules.ActionExit,
		Symbol:   symbol,
		Side:     domain.SideSell,
		Quantity: d(qty),
		EstPrice: d(price),
		Risk:     rules.RiskBlock{Guardrails: guardrails},
	}
}

func baseEnv() *Env {
	return &Env{
		Now: testNow,
		Balances: map[string]decimal.Decimal{
			"BTC":  d("0.8"),
			"USDC": d("1000"),
		},
		Prices: map[string]decimal.Decimal{
			"BTC":  d("70000"),
			"USDC": d("1"),
		},
		Baselines:  map[string]decimal.Decimal{"BTC": d("0.5")},
		Objectives: objectives.Default(),
	}
}

func TestPipeline_BaselineClampsProfitTake(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()

	// exit 50% of 0.8 = 0.4, but only 0.3 sits above the baseline.
	intent := sellIntent("BTC", "0.4", "70000", rules.GuardBaselineProtection)
	decision := p.Evaluate(intent, env)

	require.True(t, decision.Accepted)
	assert.True(t, decision.Intent.Quantity.Equal(d("0.3")), "got %s", decision.Intent.Quantity)
	require.Len(t, decision.Chain, 1)
	assert.Contains(t, decision.Chain[0], "baselineProtection")
}

func TestPipeline_BaselineRejectsWhenNothingSellable(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()
	env.Balances["BTC"] = d("0.5") // exactly at baseline

	decision := p.Evaluate(sellIntent("BTC", "0.1", "70000", rules.GuardBaselineProtection), env)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reject(), "baselineProtection")
}

func TestPipeline_CollateralLockedCannotBeSold(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var blocked []*events.AlertData
	bus.Subscribe(events.Alert, func(ev *events.Event) {
		blocked = append(blocked, ev.Data.(*events.AlertData))
	})

	p := newPipeline(bus)
	env := baseEnv()
	env.Balances["BTC"] = d("2.0")
	env.Baselines["BTC"] = d("0.1")
	env.Collateral = []domain.CollateralRecord{{Asset: "BTC", Locked: d("1.8"), LTV: 0.4}}

	decision := p.Evaluate(sellIntent("BTC", "0.5", "70000", rules.GuardCollateralProtection), env)

	assert.False(t, decision.Accepted)
	assert.Equal(t, "collateralProtection: free=0.2 < requested=0.5", decision.Reject())

	require.NotEmpty(t, blocked)
	assert.Equal(t, events.AlertRiskBlocked, blocked[len(blocked)-1].AlertType)
	assert.Equal(t, events.SeverityWarning, blocked[len(blocked)-1].Severity)
}

func TestPipeline_HighLTVWarnsButAllows(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var alerts []*events.AlertData
	bus.Subscribe(events.Alert, func(ev *events.Event) {
		alerts = append(alerts, ev.Data.(*events.AlertData))
	})

	p := newPipeline(bus)
	env := baseEnv()
	env.Balances["BTC"] = d("2.0")
	env.Collateral = []domain.CollateralRecord{{Asset: "BTC", Locked: d("1.0"), LTV: 0.85}}

	decision := p.Evaluate(sellIntent("BTC", "0.5", "70000", rules.GuardCollateralProtection), env)
	assert.True(t, decision.Accepted)

	found := false
	for _, a := range alerts {
		if a.AlertType == events.AlertLTVWarning {
			found = true
		}
	}
	assert.True(t, found, "expected an ltv_warning alert")
}

func TestPipeline_KillSwitchRejectsAll(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()
	env.KillSwitch = true

	decision := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reject(), "killSwitch")
}

func TestPipeline_VelocityThrottleGlobal(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()

	// 5 executions spread over the last 55 minutes.
	for i := 0; i < MaxTradesPerHour; i++ {
		p.State().RecordExecution(int64(100+i), "ETH", testNow.Add(-time.Duration(55-i*10)*time.Minute))
	}

	decision := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reject(), "throttleVelocity")

	// Once the oldest execution ages past the window, capacity returns.
	env.Now = testNow.Add(6 * time.Minute)
	decision = p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.True(t, decision.Accepted)
}

func TestPipeline_VelocityThrottlePerAsset(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()

	for i := 0; i < MaxTradesPerAssetHour; i++ {
		p.State().RecordExecution(int64(200+i), "BTC", testNow.Add(-time.Duration(10+i)*time.Minute))
	}

	decision := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reject(), "throttleVelocity")

	// Other assets still have capacity.
	env.Balances["ETH"] = d("10")
	env.Prices["ETH"] = d("3000")
	decision = p.Evaluate(sellIntent("ETH", "1", "3000"), env)
	assert.True(t, decision.Accepted)
}

func TestPipeline_Cooldown(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()

	p.State().RecordExecution(1, "BTC", testNow.Add(-30*time.Minute))

	intent := sellIntent("BTC", "0.1", "70000")
	intent.Risk.CooldownSecs = 3600
	decision := p.Evaluate(intent, env)
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reject(), "cooldown")

	env.Now = testNow.Add(31 * time.Minute)
	intent = sellIntent("BTC", "0.1", "70000")
	intent.Risk.CooldownSecs = 3600
	decision = p.Evaluate(intent, env)
	assert.True(t, decision.Accepted)
}

func TestPipeline_PositionSizingClamps(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()
	// Portfolio: 0.8*70000 + 1000 = 57000. 10% cap = 5700 -> qty cap ~0.0814.

	intent := sellIntent("BTC", "0.4", "70000", rules.GuardPositionSizing)
	intent.Risk.MaxPositionPct = 0.1

	decision := p.Evaluate(intent, env)
	require.True(t, decision.Accepted)
	expected := d("5700").Div(d("70000"))
	assert.True(t, decision.Intent.Quantity.Equal(expected), "got %s", decision.Intent.Quantity)
	assert.Contains(t, decision.Chain[0], "positionSizing")
}

func TestPipeline_MinTradeUSD(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()

	decision := p.Evaluate(sellIntent("BTC", "0.0001", "70000"), env) // $7
	assert.False(t, decision.Accepted)
	assert.Contains(t, decision.Reject(), "minTradeUsd")
}

func TestPipeline_DailyLossBreakerTripsOnce(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var criticals int
	bus.Subscribe(events.Alert, func(ev *events.Event) {
		if a, ok := ev.Data.(*events.AlertData); ok && a.AlertType == events.AlertCircuitBreakerTripped {
			criticals++
		}
	})

	p := newPipeline(bus)
	env := baseEnv()

	p.State().AddRealizedPnL(d("-600"), testNow)

	first := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, first.Accepted)
	assert.Contains(t, first.Reject(), "circuitDrawdown")

	second := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, second.Accepted)
	assert.Equal(t, 1, criticals, "trip alert must fire once per trip")

	// Past midnight UTC the breaker re-arms and the PnL accumulator rolls.
	env.Now = testNow.Add(13 * time.Hour)
	third := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.True(t, third.Accepted)
}

func buyIntent(symbol, qty, price string) *rules.Intent {
	return &rules.Intent{
		RuleID:   2,
		RuleName: "test-rule",
		Action:   rules.ActionEnter,
		Symbol:   symbol,
		Side:     domain.SideBuy,
		Quantity: d(qty),
		EstPrice: d(price),
	}
}

func TestPipeline_BreakerSparesWinningExits(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()
	env.Basis = map[string]decimal.Decimal{"BTC": d("60000")}

	p.State().AddRealizedPnL(d("-600"), testNow)

	// Selling above the cost basis locks in a gain and still passes.
	win := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.True(t, win.Accepted)

	// Entries stay blocked until midnight UTC.
	entry := p.Evaluate(buyIntent("BTC", "0.1", "70000"), env)
	assert.False(t, entry.Accepted)
	assert.Contains(t, entry.Reject(), "circuitDrawdown")

	// Exits below basis realize further losses and stay blocked.
	env.Basis["BTC"] = d("80000")
	lose := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, lose.Accepted)
	assert.Contains(t, lose.Reject(), "circuitDrawdown")

	// No recorded basis means the side is unknown; block conservatively.
	delete(env.Basis, "BTC")
	unknown := p.Evaluate(sellIntent("BTC", "0.1", "70000"), env)
	assert.False(t, unknown.Accepted)
}

func TestPipeline_ReservationsReduceSellable(t *testing.T) {
	p := newPipeline(nil)
	env := baseEnv()

	// First intent reserves 0.3 (everything above the baseline).
	first := p.Evaluate(sellIntent("BTC", "0.3", "70000", rules.GuardBaselineProtection), env)
	require.True(t, first.Accepted)
	p.Reserve("approval-1", first.Intent, env.Now)

	// Second intent in the same tick has nothing left to sell.
	second := p.Evaluate(sellIntent("BTC", "0.2", "70000", rules.GuardBaselineProtection), env)
	assert.False(t, second.Accepted)

	// Releasing the reservation restores capacity.
	p.Release("approval-1")
	third := p.Evaluate(sellIntent("BTC", "0.2", "70000", rules.GuardBaselineProtection), env)
	assert.True(t, third.Accepted)
}

func TestState_PersistRoundTrip(t *testing.T) {
	s := NewState()
	s.RecordExecution(1, "BTC", testNow.Add(-10*time.Minute))
	s.AddRealizedPnL(d("-42.5"), testNow)
	s.TripBreaker(testNow)

	restored := NewState()
	restored.restore(s.export())

	global, forAsset := restored.TradesInWindow("BTC", testNow)
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, forAsset)
	assert.True(t, restored.DailyPnL(testNow).Equal(d("-42.5")))
	assert.True(t, restored.BreakerTripped(testNow))
}
