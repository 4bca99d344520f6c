package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/approvals"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/portfolio"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/internal/modules/rules"
)

// Evaluator assembles the per-tick context and routes rule intents through
// the guardrail pipeline into the approval workflow. Ticks are serialized:
// a tick that is still running makes the next caller wait, never overlap.
type Evaluator struct {
	engine     *rules.Engine
	rules      *rules.Repository
	portfolio  *portfolio.Service
	objectives *objectives.Repository
	killSwitch *risk.KillSwitchRepository
	pipeline   *risk.Pipeline
	workflow   *approvals.Workflow
	bus        *events.Bus
	log        zerolog.Logger

	// forceDryRun pins every intent to dry-run regardless of objectives,
	// used when no owner identity is configured.
	forceDryRun bool

	// basis resolves a symbol's average open-lot cost; nil until wired.
	basis func(symbol string) (decimal.Decimal, bool)

	mu  sync.Mutex
	now func() time.Time
}

// NewEvaluator creates the tick evaluator.
func NewEvaluator(
	engine *rules.Engine,
	ruleRepo *rules.Repository,
	portfolioSvc *portfolio.Service,
	objectivesRepo *objectives.Repository,
	killSwitch *risk.KillSwitchRepository,
	pipeline *risk.Pipeline,
	workflow *approvals.Workflow,
	bus *events.Bus,
	forceDryRun bool,
	log zerolog.Logger,
) *Evaluator {
	return &Evaluator{
		engine:      engine,
		rules:       ruleRepo,
		portfolio:   portfolioSvc,
		objectives:  objectivesRepo,
		killSwitch:  killSwitch,
		pipeline:    pipeline,
		workflow:    workflow,
		bus:         bus,
		forceDryRun: forceDryRun,
		log:         log.With().Str("component", "evaluator").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetBasisSource wires the open-lot average cost lookup the daily-loss
// breaker uses to tell winning exits from losing ones.
func (e *Evaluator) SetBasisSource(fn func(symbol string) (decimal.Decimal, bool)) {
	e.basis = fn
}

// Tick runs one full evaluation pass. A non-empty event runs an
// event-triggered pass instead of the interval pass. Returns the number of
// intents that cleared the pipeline and entered the approval workflow.
func (e *Evaluator) Tick(ctx context.Context, event domain.TriggerEvent) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	enabled, err := e.rules.ListEnabled()
	if err != nil {
		return 0, fmt.Errorf("failed to list rules: %w", err)
	}
	if len(enabled) == 0 {
		return 0, nil
	}

	rctx, env, err := e.buildContext(event)
	if err != nil {
		return 0, err
	}

	intents := e.engine.Evaluate(enabled, rctx)

	submitted := 0
	for _, intent := range intents {
		decision := e.pipeline.Evaluate(intent, env)
		if !decision.Accepted {
			// The pipeline already emitted the risk_blocked alert.
			continue
		}
		if _, err := e.workflow.Submit(ctx, approvals.SourceRule, intent, env); err != nil {
			e.log.Error().Err(err).
				Int64("rule_id", intent.RuleID).
				Str("symbol", intent.Symbol).
				Msg("Failed to submit intent")
			continue
		}
		submitted++
	}

	if len(intents) > 0 {
		e.log.Info().
			Str("event", string(event)).
			Int("intents", len(intents)).
			Int("submitted", submitted).
			Msg("Evaluation tick completed")
	}
	return submitted, nil
}

// EvaluateOnce runs one dry evaluation pass and returns the raw intents
// without routing them anywhere. A throwaway engine keeps the scheduled
// engine's lastFire bookkeeping untouched, and a detached bus keeps
// alert-only rules from reaching subscribers.
func (e *Evaluator) EvaluateOnce() ([]*rules.Intent, error) {
	enabled, err := e.rules.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	rctx, _, err := e.buildContext("")
	if err != nil {
		return nil, err
	}
	rctx.DryRun = true

	scratch := rules.NewEngine(events.NewBus(zerolog.Nop()), zerolog.Nop())
	return scratch.Evaluate(enabled, rctx), nil
}

// Env builds the live risk environment, the shape the workflow needs for
// manual submissions and deferred resumes.
func (e *Evaluator) Env(ctx context.Context) (*risk.Env, error) {
	_, env, err := e.buildContext("")
	return env, err
}

func (e *Evaluator) buildContext(event domain.TriggerEvent) (*rules.Context, *risk.Env, error) {
	snap := e.portfolio.Last()
	if snap == nil {
		view, err := e.portfolio.Current()
		if err != nil {
			return nil, nil, fmt.Errorf("no snapshot available: %w", err)
		}
		snap = view.Snapshot
	}

	baselines, err := e.portfolio.Baselines()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load baselines: %w", err)
	}
	obj, err := e.objectives.Get()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load objectives: %w", err)
	}
	collateral, err := e.portfolio.Collateral()
	if err != nil {
		e.log.Warn().Err(err).Msg("Collateral unavailable, evaluating without it")
	}
	ks, err := e.killSwitch.Get()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read kill-switch: %w", err)
	}

	now := e.now()
	rctx := &rules.Context{
		Now:            now,
		Balances:       snap.Balances,
		Prices:         snap.Prices,
		Baselines:      baselines,
		Objectives:     obj,
		Collateral:     collateral,
		KillSwitch:     ks.Enabled,
		DryRun:         obj.DryRunDefault || e.forceDryRun,
		Event:          event,
		LastExecutions: e.pipeline.State().LastExecutions(),
		Closes:         e.portfolio.Closes,
		PriceChange:    e.portfolio.PriceChangePct,
		AnomalyHook: func(symbol, indicator string) {
			e.bus.EmitAlert("rules", events.AlertIndicatorAnomaly, events.SeverityWarning,
				fmt.Sprintf("%s(%s) produced a non-finite value", indicator, symbol),
				map[string]interface{}{"symbol": symbol, "indicator": indicator})
		},
	}

	basis := make(map[string]decimal.Decimal)
	if e.basis != nil {
		for sym := range snap.Balances {
			if avg, ok := e.basis(sym); ok {
				basis[sym] = avg
			}
		}
	}

	env := &risk.Env{
		Now:        now,
		Balances:   snap.Balances,
		Prices:     snap.Prices,
		Baselines:  baselines,
		Basis:      basis,
		Collateral: collateral,
		Objectives: obj,
		KillSwitch: ks.Enabled,
	}
	return rctx, env, nil
}
