package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/rules"
)

// LTVWarningLevel is the loan-to-value ratio above which sells emit a
// warning alert.
const LTVWarningLevel = 0.7

// Limits are the pipeline's configurable thresholds.
type Limits struct {
	MinTradeUSD       float64
	DailyLossLimitUSD float64
}

// Env is the market/policy environment one intent is judged against. Basis
// holds the average open-lot unit cost per symbol; symbols without open lots
// are absent.
type Env struct {
	Now        time.Time
	Balances   map[string]decimal.Decimal
	Prices     map[string]decimal.Decimal
	Baselines  map[string]decimal.Decimal
	Basis      map[string]decimal.Decimal
	Collateral []domain.CollateralRecord
	Objectives *objectives.Objectives
	KillSwitch bool
}

// TotalUSD values the environment's balances at its prices.
func (e *Env) TotalUSD() decimal.Decimal {
	return domain.ComputeTotalUSD(e.Balances, e.Prices)
}

// Decision is the pipeline's verdict on one intent. An accepted intent may
// have been clamped; the chain then carries the annotation.
type Decision struct {
	Accepted bool          `json:"accepted"`
	Intent   *rules.Intent `json:"intent"`
	Chain    []string      `json:"chain"` // rejection reasons or clamp annotations, in pipeline order
}

// Reject returns the terminal rejection reason, or "".
func (d *Decision) Reject() string {
	if d.Accepted || len(d.Chain) == 0 {
		return ""
	}
	return d.Chain[len(d.Chain)-1]
}

// Pipeline applies the guardrails to intents in a fixed order. Guardrail
// rejections are policy outcomes, not errors: they emit risk_blocked alerts
// and drop the intent.
type Pipeline struct {
	state  *State
	limits Limits
	bus    *events.Bus
	log    zerolog.Logger
}

// NewPipeline creates a guardrail pipeline over the shared risk state.
func NewPipeline(state *State, limits Limits, bus *events.Bus, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		state:  state,
		limits: limits,
		bus:    bus,
		log:    log.With().Str("module", "risk").Logger(),
	}
}

// Evaluate runs one intent through the guardrails. The returned decision
// carries the (possibly clamped) intent on acceptance or the rejection
// chain on rejection.
func (p *Pipeline) Evaluate(intent *rules.Intent, env *Env) *Decision {
	d := &Decision{Intent: intent}

	// 1. Kill-switch
	if env.KillSwitch {
		return p.reject(d, env, "killSwitch: trading halted")
	}

	// 2. Cooldown
	if cd := intent.Risk.CooldownSecs; cd > 0 && intent.RuleID != 0 {
		if last, ok := p.state.LastExecution(intent.RuleID); ok {
			elapsed := env.Now.Sub(last)
			if elapsed < time.Duration(cd)*time.Second {
				return p.reject(d, env, fmt.Sprintf("cooldown: %s since last execution, need %ds", elapsed.Truncate(time.Second), cd))
			}
		}
	}

	// 3. Velocity throttle
	global, forAsset := p.state.TradesInWindow(intent.Symbol, env.Now)
	if global >= MaxTradesPerHour {
		return p.reject(d, env, fmt.Sprintf("throttleVelocity: %d global trades in the last hour", global))
	}
	if forAsset >= MaxTradesPerAssetHour {
		return p.reject(d, env, fmt.Sprintf("throttleVelocity: %d %s trades in the last hour", forAsset, intent.Symbol))
	}

	// 4. Baseline protection (sells of core assets; clamp is the default policy)
	if intent.Side == domain.SideSell && env.Objectives != nil && env.Objectives.IsCoreAsset(intent.Symbol) &&
		intent.Risk.HasGuardrail(rules.GuardBaselineProtection) {
		if msg, rejected := p.applyBaseline(intent, env, d); rejected {
			return p.reject(d, env, msg)
		}
	}

	// 5. Collateral protection (BTC sells)
	if intent.Side == domain.SideSell && intent.Risk.HasGuardrail(rules.GuardCollateralProtection) {
		if msg, rejected := p.applyCollateral(intent, env); rejected {
			return p.reject(d, env, msg)
		}
	}

	// 6. Position sizing (clamp)
	if intent.Risk.HasGuardrail(rules.GuardPositionSizing) {
		if msg, rejected := p.applySizing(intent, env, d); rejected {
			return p.reject(d, env, msg)
		}
	}

	// 7. Minimum trade size
	value, _ := intent.Quantity.Mul(intent.EstPrice).Float64()
	if value < p.limits.MinTradeUSD {
		return p.reject(d, env, fmt.Sprintf("minTradeUsd: $%.2f below $%.2f floor", value, p.limits.MinTradeUSD))
	}

	// 8. Daily-loss circuit breaker
	if msg, rejected := p.applyBreaker(intent, env); rejected {
		return p.reject(d, env, msg)
	}

	intent.EstValueUSD = intent.Quantity.Mul(intent.EstPrice)
	d.Accepted = true
	return d
}

// Reserve records the tentative execution reservation for an accepted
// intent, keyed by its approval id.
func (p *Pipeline) Reserve(approvalID string, intent *rules.Intent, now time.Time) {
	p.state.Reserve(approvalID, intent.Symbol, string(intent.Side), intent.Quantity, now)
}

// Release frees a reservation after execution completes or fails.
func (p *Pipeline) Release(approvalID string) {
	p.state.Release(approvalID)
}

// State exposes the shared risk state for the executor and API.
func (p *Pipeline) State() *State { return p.state }

func (p *Pipeline) applyBaseline(intent *rules.Intent, env *Env, d *Decision) (string, bool) {
	baseline, ok := env.Baselines[intent.Symbol]
	if !ok {
		return "", false
	}
	balance := env.Balances[intent.Symbol]

	// Earlier accepted intents this tick already spoke for part of the balance.
	sellable := balance.Sub(p.state.ReservedSell(intent.Symbol)).Sub(baseline)
	if sellable.LessThanOrEqual(decimal.Zero) {
		return fmt.Sprintf("baselineProtection: balance %s at or below baseline %s", balance, baseline), true
	}
	if intent.Quantity.GreaterThan(sellable) {
		d.Chain = append(d.Chain, fmt.Sprintf("baselineProtection: clamped %s to %s", intent.Quantity, sellable))
		intent.Quantity = sellable
	}
	return "", false
}

func (p *Pipeline) applyCollateral(intent *rules.Intent, env *Env) (string, bool) {
	var locked decimal.Decimal
	var ltv float64
	for _, rec := range env.Collateral {
		if rec.Asset == intent.Symbol {
			locked = locked.Add(rec.Locked)
			if rec.LTV > ltv {
				ltv = rec.LTV
			}
		}
	}
	if locked.IsZero() {
		return "", false
	}

	free := env.Balances[intent.Symbol].Sub(locked)
	if intent.Quantity.GreaterThan(free) {
		return fmt.Sprintf("collateralProtection: free=%s < requested=%s", free, intent.Quantity), true
	}

	if ltv > LTVWarningLevel {
		p.bus.EmitAlert("risk", events.AlertLTVWarning, events.SeverityWarning,
			fmt.Sprintf("%s loan LTV %.2f above %.2f", intent.Symbol, ltv, LTVWarningLevel),
			map[string]interface{}{"symbol": intent.Symbol, "ltv": ltv})
	}
	return "", false
}

func (p *Pipeline) applySizing(intent *rules.Intent, env *Env, d *Decision) (string, bool) {
	maxPct := intent.Risk.MaxPositionPct
	if maxPct <= 0 && env.Objectives != nil {
		maxPct = env.Objectives.MaxPositionPct
	}
	if maxPct <= 0 {
		return "", false
	}

	total := env.TotalUSD()
	if total.LessThanOrEqual(decimal.Zero) {
		return "positionSizing: portfolio value unavailable", true
	}

	positionValue := intent.Quantity.Mul(intent.EstPrice)
	limit := total.Mul(decimal.NewFromFloat(maxPct))
	if positionValue.GreaterThan(limit) {
		if intent.EstPrice.LessThanOrEqual(decimal.Zero) {
			return "positionSizing: missing price", true
		}
		clamped := limit.Div(intent.EstPrice)
		d.Chain = append(d.Chain, fmt.Sprintf("positionSizing: clamped %s to %s (%.0f%% cap)", intent.Quantity, clamped, maxPct*100))
		intent.Quantity = clamped
	}
	return "", false
}

func (p *Pipeline) applyBreaker(intent *rules.Intent, env *Env) (string, bool) {
	daily := p.state.DailyPnL(env.Now)
	limit := decimal.NewFromFloat(p.limits.DailyLossLimitUSD)

	if daily.LessThan(limit.Neg()) {
		if p.state.TripBreaker(env.Now) {
			p.bus.EmitAlert("risk", events.AlertCircuitBreakerTripped, events.SeverityCritical,
				fmt.Sprintf("daily realized loss %s exceeds limit $%.2f, trading halted until midnight UTC", daily.StringFixed(2), p.limits.DailyLossLimitUSD),
				map[string]interface{}{"daily_pnl": daily.StringFixed(2)})
		}
	}

	if p.state.BreakerTripped(env.Now) {
		// A tripped breaker blocks entries and losing exits, but never keeps
		// gains from being locked in: a sell at or above its cost basis passes.
		if intent.Side == domain.SideSell {
			if basis, ok := env.Basis[intent.Symbol]; ok &&
				basis.GreaterThan(decimal.Zero) && intent.EstPrice.GreaterThanOrEqual(basis) {
				return "", false
			}
		}
		return "circuitDrawdown: daily loss breaker tripped until midnight UTC", true
	}
	return "", false
}

func (p *Pipeline) reject(d *Decision, env *Env, reason string) *Decision {
	d.Accepted = false
	d.Chain = append(d.Chain, reason)

	severity := events.SeverityInfo
	if d.Intent.Side == domain.SideSell {
		severity = events.SeverityWarning
	}
	p.bus.EmitAlert("risk", events.AlertRiskBlocked, severity,
		fmt.Sprintf("intent from %s blocked: %s", d.Intent.RuleName, reason),
		map[string]interface{}{
			"rule_id": d.Intent.RuleID,
			"symbol":  d.Intent.Symbol,
			"side":    d.Intent.Side,
			"chain":   d.Chain,
		})

	p.log.Info().
		Int64("rule_id", d.Intent.RuleID).
		Str("symbol", d.Intent.Symbol).
		Str("reason", reason).
		Msg("Intent blocked")
	return d
}
