package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
)

// quoteAsset is the cash leg for enter/exit sizing.
const quoteAsset = "USDC"

// rebalanceDeadband suppresses rebalance legs whose weight deviation is
// below this fraction, avoiding churn on tiny drifts.
const rebalanceDeadband = 0.01

// Engine evaluates enabled rules against a per-tick context and emits
// intents. lastFire bookkeeping lives here; it deliberately survives only
// as long as the process, so a restart re-arms interval rules.
type Engine struct {
	bus *events.Bus
	log zerolog.Logger

	mu       sync.Mutex
	lastFire map[int64]time.Time
}

// NewEngine creates a rule evaluation engine.
func NewEngine(bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		bus:      bus,
		log:      log.With().Str("module", "rules").Logger(),
		lastFire: make(map[int64]time.Time),
	}
}

// Evaluate runs one tick over the given rules. Rules are evaluated in
// ascending id order for reproducibility; conditions short-circuit in
// declared order. Returns the intents that passed every condition.
func (e *Engine) Evaluate(ruleSet []*Rule, ctx *Context) []*Intent {
	if ctx.KillSwitch {
		e.log.Debug().Msg("Kill-switch enabled, skipping rule evaluation")
		return nil
	}

	ordered := make([]*Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var intents []*Intent
	for _, rule := range ordered {
		if !rule.Enabled {
			continue
		}
		if !e.shouldFire(rule, ctx) {
			continue
		}

		passed, reasons := e.evaluateConditions(rule, ctx)
		if !passed {
			continue
		}

		fired := false
		for _, action := range rule.Actions {
			emitted := e.applyAction(rule, action, reasons, ctx)
			if len(emitted) > 0 || action.Type == ActionAlertOnly {
				fired = true
			}
			intents = append(intents, emitted...)
		}

		if fired {
			e.markFired(rule.ID, ctx.Now)
		}
	}
	return intents
}

// LastFire returns the last time a rule emitted, for diagnostics.
func (e *Engine) LastFire(ruleID int64) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastFire[ruleID]
	return t, ok
}

func (e *Engine) markFired(ruleID int64, now time.Time) {
	e.mu.Lock()
	e.lastFire[ruleID] = now
	e.mu.Unlock()
}

func (e *Engine) shouldFire(rule *Rule, ctx *Context) bool {
	switch rule.Trigger.Type {
	case TriggerInterval:
		// Event-driven passes never fire interval rules.
		if ctx.Event != "" {
			return false
		}
		e.mu.Lock()
		last, seen := e.lastFire[rule.ID]
		e.mu.Unlock()
		return !seen || ctx.Now.Sub(last) >= time.Duration(rule.Trigger.Every)
	case TriggerEvent:
		return ctx.Event == rule.Trigger.On
	}
	return false
}

// evaluateConditions applies short-circuit AND over the declared order and
// collects one reason fragment per passing condition.
func (e *Engine) evaluateConditions(rule *Rule, ctx *Context) (bool, []string) {
	reasons := make([]string, 0, len(rule.Conditions))
	for i := range rule.Conditions {
		pass, reason := e.evaluateCondition(&rule.Conditions[i], ctx)
		if !pass {
			return false, nil
		}
		reasons = append(reasons, reason)
	}
	return true, reasons
}

func (e *Engine) evaluateCondition(c *Condition, ctx *Context) (bool, string) {
	switch c.Type {
	case CondPriceChangePct:
		if ctx.PriceChange == nil {
			return false, ""
		}
		change, err := ctx.PriceChange(c.Symbol, time.Duration(c.WindowMins)*time.Minute)
		if err != nil || change == nil {
			// Missing price history evaluates false, not as an error.
			return false, ""
		}
		if !compareBounds(*change, c) {
			return false, ""
		}
		return true, fmt.Sprintf("%s moved %+.2f%% over %dm", c.Symbol, *change*100, c.WindowMins)

	case CondIndicator:
		v := ctx.Indicator(c.Name, c.Symbol, c.Params)
		if v == nil {
			return false, ""
		}
		if !compareBounds(*v, c) {
			return false, ""
		}
		return true, fmt.Sprintf("%s(%s)=%.2f", c.Name, c.Symbol, *v)

	case CondBalance:
		bal, ok := ctx.Balances[c.Symbol]
		if !ok {
			return false, ""
		}
		v, _ := bal.Float64()
		if !compareBounds(v, c) {
			return false, ""
		}
		return true, fmt.Sprintf("balance[%s]=%s", c.Symbol, bal.String())

	case CondAboveBaseline:
		bal, okBal := ctx.Balances[c.Symbol]
		base, okBase := ctx.Baselines[c.Symbol]
		if !okBal || !okBase || base.IsZero() {
			return false, ""
		}
		minPct := decimal.NewFromFloat(*c.MinPct)
		excess := bal.Sub(base)
		if excess.LessThan(base.Mul(minPct)) {
			return false, ""
		}
		return true, fmt.Sprintf("%s holds %s above baseline %s", c.Symbol, excess.String(), base.String())

	case CondPortfolioValueUSD:
		v, _ := ctx.TotalUSD().Float64()
		if !compareBounds(v, c) {
			return false, ""
		}
		return true, fmt.Sprintf("portfolio value $%.2f", v)

	case CondCustom:
		expr, err := ParseExpr(c.Expr)
		if err != nil {
			// Invalid expressions are rejected at create; a stored one that
			// fails to parse evaluates false.
			e.log.Warn().Str("expr", c.Expr).Err(err).Msg("Stored custom expression failed to parse")
			return false, ""
		}
		if !expr.Eval(ctx.Lookup) {
			return false, ""
		}
		return true, fmt.Sprintf("custom(%s)", c.Expr)
	}
	return false, ""
}

func compareBounds(v float64, c *Condition) bool {
	if len(c.Between) == 2 {
		return v >= c.Between[0] && v <= c.Between[1]
	}
	if c.GT != nil && !(v > *c.GT) {
		return false
	}
	if c.LT != nil && !(v < *c.LT) {
		return false
	}
	return c.GT != nil || c.LT != nil
}

// applyAction turns one action into zero or more intents. alertOnly emits
// an alert event instead of an intent; rebalance expands into one leg per
// drifted asset.
func (e *Engine) applyAction(rule *Rule, action Action, reasons []string, ctx *Context) []*Intent {
	switch action.Type {
	case ActionAlertOnly:
		e.bus.EmitAlert("rules", events.AlertRuleAction, events.SeverityInfo, action.Message, map[string]interface{}{
			"rule_id":   rule.ID,
			"rule_name": rule.Name,
			"reasons":   reasons,
		})
		return nil

	case ActionExit:
		bal, ok := ctx.Balances[action.Symbol]
		if !ok || bal.LessThanOrEqual(decimal.Zero) {
			// Empty portfolio: exit emits nothing.
			return nil
		}
		qty := bal.Mul(decimal.NewFromFloat(action.AllocationPct))
		return e.makeIntents(rule, action.Type, action.Symbol, domain.SideSell, qty, reasons, ctx)

	case ActionEnter:
		cash, ok := ctx.Balances[quoteAsset]
		if !ok || cash.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		price, ok := ctx.Prices[action.Symbol]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		spend := cash.Mul(decimal.NewFromFloat(action.AllocationPct))
		qty := spend.Div(price)
		return e.makeIntents(rule, action.Type, action.Symbol, domain.SideBuy, qty, reasons, ctx)

	case ActionRebalance:
		return e.expandRebalance(rule, action, reasons, ctx)
	}
	return nil
}

// expandRebalance converts target weights into per-asset legs: sells first,
// then buys, so cash frees up before it is spent.
func (e *Engine) expandRebalance(rule *Rule, action Action, reasons []string, ctx *Context) []*Intent {
	total := ctx.TotalUSD()
	if total.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	symbols := make([]string, 0, len(action.TargetWeights))
	for sym := range action.TargetWeights {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var sells, buys []*Intent
	for _, sym := range symbols {
		price, ok := ctx.Prices[sym]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		target := total.Mul(decimal.NewFromFloat(action.TargetWeights[sym]))
		current := ctx.Balances[sym].Mul(price)
		diff := target.Sub(current)

		if diff.Abs().LessThan(total.Mul(decimal.NewFromFloat(rebalanceDeadband))) {
			continue
		}

		qty := diff.Abs().Div(price)
		if diff.IsNegative() {
			sells = append(sells, e.makeIntents(rule, action.Type, sym, domain.SideSell, qty, reasons, ctx)...)
		} else {
			buys = append(buys, e.makeIntents(rule, action.Type, sym, domain.SideBuy, qty, reasons, ctx)...)
		}
	}
	return append(sells, buys...)
}

func (e *Engine) makeIntents(rule *Rule, actionType, symbol string, side domain.Side, qty decimal.Decimal, reasons []string, ctx *Context) []*Intent {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	price := ctx.Prices[symbol]

	reason := rule.Name
	if len(reasons) > 0 {
		reason = fmt.Sprintf("%s: %s", rule.Name, strings.Join(reasons, "; "))
	}

	return []*Intent{{
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		RuleName:    rule.Name,
		Action:      actionType,
		Symbol:      symbol,
		Side:        side,
		Quantity:    qty,
		EstPrice:    price,
		EstValueUSD: qty.Mul(price),
		Reason:      reason,
		DryRun:      ctx.DryRun,
		CreatedAt:   ctx.Now,
		Risk:        rule.Risk,
	}}
}
