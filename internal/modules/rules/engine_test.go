package rules

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
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func f(v float64) *float64 { return &v }

func testContext() *Context {
	return &Context{
		Now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
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
		DryRun:     true,
	}
}

func exitRule(id int64) *Rule {
	return &Rule{
		ID:      id,
		Version: 1,
		Name:    "take-profit",
		Enabled: true,
		Trigger: Trigger{Type: TriggerInterval, Every: Duration(10 * time.Minute)},
		Actions: []Action{{Type: ActionExit, Symbol: "BTC", AllocationPct: 0.5}},
	}
}

func TestEngine_EmitsExitIntent(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	intents := engine.Evaluate([]*Rule{exitRule(1)}, ctx)
	require.Len(t, intents, 1)

	intent := intents[0]
	assert.Equal(t, domain.SideSell, intent.Side)
	assert.Equal(t, "BTC", intent.Symbol)
	// 50% of 0.8 BTC
	assert.True(t, intent.Quantity.Equal(d("0.4")), "got %s", intent.Quantity)
	assert.True(t, intent.EstValueUSD.Equal(d("28000")))
	assert.True(t, intent.DryRun)
	assert.Contains(t, intent.Reason, "take-profit")
}

func TestEngine_KillSwitchSkipsEverything(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()
	ctx.KillSwitch = true

	intents := engine.Evaluate([]*Rule{exitRule(1)}, ctx)
	assert.Empty(t, intents)

	_, fired := engine.LastFire(1)
	assert.False(t, fired)
}

func TestEngine_IntervalGate(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()
	rule := exitRule(1)

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	require.Len(t, intents, 1)

	// Same tick again: interval not elapsed, no fire.
	ctx.Now = ctx.Now.Add(5 * time.Minute)
	intents = engine.Evaluate([]*Rule{rule}, ctx)
	assert.Empty(t, intents)

	// Past the interval it fires again.
	ctx.Now = ctx.Now.Add(6 * time.Minute)
	intents = engine.Evaluate([]*Rule{rule}, ctx)
	assert.Len(t, intents, 1)
}

func TestEngine_AscendingIDOrder(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	r1 := exitRule(7)
	r2 := exitRule(3)
	r2.Name = "earlier-rule"

	intents := engine.Evaluate([]*Rule{r1, r2}, ctx)
	require.Len(t, intents, 2)
	assert.Equal(t, int64(3), intents[0].RuleID)
	assert.Equal(t, int64(7), intents[1].RuleID)
}

func TestEngine_ShortCircuitAnd(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	calls := 0
	ctx.PriceChange = func(symbol string, window time.Duration) (*float64, error) {
		calls++
		return f(0.01), nil
	}

	rule := exitRule(1)
	rule.Conditions = []Condition{
		{Type: CondBalance, Symbol: "DOGE", GT: f(0)},                              // fails: no balance
		{Type: CondPriceChangePct, Symbol: "BTC", WindowMins: 60, GT: f(0.005)}, // must not run
	}

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	assert.Empty(t, intents)
	assert.Zero(t, calls, "conditions after a failure must not evaluate")
}

func TestEngine_MissingPriceEvaluatesFalse(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()
	ctx.PriceChange = func(symbol string, window time.Duration) (*float64, error) {
		return nil, nil
	}

	rule := exitRule(1)
	rule.Conditions = []Condition{
		{Type: CondPriceChangePct, Symbol: "DOGE", WindowMins: 60, GT: f(0)},
	}

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	assert.Empty(t, intents)
}

func TestEngine_IndicatorMemoized(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	fetches := 0
	ctx.Closes = func(symbol string, window time.Duration) ([]float64, error) {
		fetches++
		closes := make([]float64, 60)
		for i := range closes {
			closes[i] = 100 + float64(i) // steadily rising: RSI high
		}
		return closes, nil
	}

	rule := exitRule(1)
	rule.Conditions = []Condition{
		{Type: CondIndicator, Name: "rsi", Symbol: "BTC", Params: map[string]float64{"length": 14}, GT: f(50)},
		{Type: CondIndicator, Name: "rsi", Symbol: "BTC", Params: map[string]float64{"length": 14}, LT: f(101)},
	}

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	require.Len(t, intents, 1)
	assert.Equal(t, 1, fetches, "identical indicator lookups within a tick must share one computation")
}

func TestEngine_EmptyPortfolioExitEmitsNothing(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()
	delete(ctx.Balances, "BTC")

	intents := engine.Evaluate([]*Rule{exitRule(1)}, ctx)
	assert.Empty(t, intents)
}

func TestEngine_EnterSizesFromQuoteBalance(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	rule := exitRule(1)
	rule.Actions = []Action{{Type: ActionEnter, Symbol: "BTC", AllocationPct: 0.7}}

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideBuy, intents[0].Side)
	// 70% of 1000 USDC at 70000 = 0.01 BTC
	assert.True(t, intents[0].Quantity.Equal(d("0.01")), "got %s", intents[0].Quantity)
}

func TestEngine_EventTrigger(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	rule := exitRule(1)
	rule.Trigger = Trigger{Type: TriggerEvent, On: domain.EventDeposit}

	// Interval pass: event rules stay silent.
	intents := engine.Evaluate([]*Rule{rule}, ctx)
	assert.Empty(t, intents)

	// Matching event pass fires.
	ctx.Event = domain.EventDeposit
	intents = engine.Evaluate([]*Rule{rule}, ctx)
	assert.Len(t, intents, 1)

	// Non-matching event stays silent.
	ctx.Event = domain.EventWithdrawal
	intents = engine.Evaluate([]*Rule{rule}, ctx)
	assert.Empty(t, intents)
}

func TestEngine_AlertOnlyEmitsAlertAndMarksFired(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var alerts []*events.AlertData
	bus.Subscribe(events.Alert, func(ev *events.Event) {
		alerts = append(alerts, ev.Data.(*events.AlertData))
	})

	engine := NewEngine(bus, zerolog.Nop())
	ctx := testContext()

	rule := exitRule(1)
	rule.Actions = []Action{{Type: ActionAlertOnly, Message: "heads up"}}

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	assert.Empty(t, intents)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.AlertRuleAction, alerts[0].AlertType)

	_, fired := engine.LastFire(1)
	assert.True(t, fired)
}

func TestEngine_RebalanceExpandsSellsBeforeBuys(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()
	// Portfolio: BTC 56000, USDC 1000 -> total 57000.

	rule := exitRule(1)
	rule.Actions = []Action{{
		Type:          ActionRebalance,
		TargetWeights: map[string]float64{"BTC": 0.5, "USDC": 0.5},
	}}

	intents := engine.Evaluate([]*Rule{rule}, ctx)
	require.Len(t, intents, 2)
	assert.Equal(t, domain.SideSell, intents[0].Side)
	assert.Equal(t, "BTC", intents[0].Symbol)
	assert.Equal(t, domain.SideBuy, intents[1].Side)
	assert.Equal(t, "USDC", intents[1].Symbol)
}

func TestEngine_AboveBaselineCondition(t *testing.T) {
	engine := NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := testContext()

	rule := exitRule(1)
	// Holding 0.8, baseline 0.5: excess 0.3 = 60% of baseline.
	rule.Conditions = []Condition{{Type: CondAboveBaseline, Symbol: "BTC", MinPct: f(0.5)}}
	assert.Len(t, engine.Evaluate([]*Rule{rule}, ctx), 1)

	rule2 := exitRule(2)
	rule2.Conditions = []Condition{{Type: CondAboveBaseline, Symbol: "BTC", MinPct: f(0.7)}}
	assert.Empty(t, engine.Evaluate([]*Rule{rule2}, ctx))
}
