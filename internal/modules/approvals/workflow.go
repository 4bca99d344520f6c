package approvals

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/internal/modules/rules"
)

var (
	// ErrNotFound means no approval exists with the given id.
	ErrNotFound = errors.New("approval not found")
	// ErrExpired means the approval's TTL elapsed before the action.
	ErrExpired = errors.New("approval expired")
	// ErrMFAInvalid means the supplied MFA code is wrong or stale.
	ErrMFAInvalid = errors.New("invalid or expired MFA code")
	// ErrInvalidAction means the requested status is not reachable from the
	// approval's current status.
	ErrInvalidAction = errors.New("invalid approval action")
)

// Config carries the workflow's thresholds. ForceDryRun pins every
// submission to dry-run regardless of the request, used when no owner
// identity is configured.
type Config struct {
	MFAThresholdUSD float64
	TTL             time.Duration
	ForceDryRun     bool
}

// Workflow routes accepted intents into the approval queue, auto-executes
// the policy-permitted subset, and drives the approval state machine.
// Actions on the same approval id are serialized.
type Workflow struct {
	repo       *Repository
	executor   *Executor
	pipeline   *risk.Pipeline
	killSwitch func() bool
	bus        *events.Bus
	cfg        Config
	log        zerolog.Logger

	now           func() time.Time
	env           func(ctx context.Context) (*risk.Env, error)
	applyProposal func(a *Approval) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkflow creates an approval workflow. killSwitch reports the live
// kill-switch state at action time.
func NewWorkflow(repo *Repository, executor *Executor, pipeline *risk.Pipeline,
	killSwitch func() bool, bus *events.Bus, cfg Config, log zerolog.Logger) *Workflow {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Workflow{
		repo:       repo,
		executor:   executor,
		pipeline:   pipeline,
		killSwitch: killSwitch,
		bus:        bus,
		cfg:        cfg,
		log:        log.With().Str("component", "approval_workflow").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetEnvBuilder wires the function that assembles the live risk environment
// (balances, prices, baselines, policy) for manually submitted intents.
func (w *Workflow) SetEnvBuilder(fn func(ctx context.Context) (*risk.Env, error)) {
	w.env = fn
}

// SetProposalApplier wires the function that applies an approved optimizer
// proposal to the rule store.
func (w *Workflow) SetProposalApplier(fn func(a *Approval) error) {
	w.applyProposal = fn
}

// SubmitManual runs an operator-submitted trade request through the
// guardrail pipeline and queues the resulting approval. Manual intents
// never auto-execute.
func (w *Workflow) SubmitManual(ctx context.Context, req CreateRequest) (*Approval, error) {
	if w.env == nil {
		return nil, errors.New("risk environment unavailable")
	}
	if req.Symbol == "" || (req.Side != domain.SideBuy && req.Side != domain.SideSell) {
		return nil, errors.New("symbol and side are required")
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("quantity must be positive")
	}

	env, err := w.env(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build risk environment: %w", err)
	}

	estPrice := req.EstPrice
	if estPrice.LessThanOrEqual(decimal.Zero) {
		estPrice = env.Prices[req.Symbol]
	}
	dryRun := env.Objectives == nil || env.Objectives.DryRunDefault
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	if w.cfg.ForceDryRun {
		// Without an owner there is nobody to answer for a live order.
		dryRun = true
	}

	action := rules.ActionEnter
	if req.Side == domain.SideSell {
		action = rules.ActionExit
	}
	intent := &rules.Intent{
		RuleName:  "manual",
		Action:    action,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		EstPrice:  estPrice,
		Reason:    req.Reason,
		DryRun:    dryRun,
		CreatedAt: w.now(),
	}

	decision := w.pipeline.Evaluate(intent, env)
	if !decision.Accepted {
		return nil, fmt.Errorf("intent blocked: %s", decision.Reject())
	}
	return w.Submit(ctx, SourceManual, decision.Intent, env)
}

// Submit routes one risk-accepted intent. Policy-permitted core-asset
// intents are approved and executed immediately; everything else queues as
// pending for the owner.
func (w *Workflow) Submit(ctx context.Context, source Source, intent *rules.Intent, env *risk.Env) (*Approval, error) {
	now := w.now()
	policy := env.Objectives
	if policy == nil {
		policy = objectives.Default()
	}

	a := &Approval{
		ID:          uuid.NewString(),
		Source:      source,
		RuleID:      intent.RuleID,
		RuleVersion: intent.RuleVersion,
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Quantity:    intent.Quantity,
		EstPrice:    intent.EstPrice,
		EstValueUSD: intent.EstValueUSD,
		Reason:      intent.Reason,
		Payload:     "{}",
		Status:      StatusPending,
		DryRun:      intent.DryRun || w.cfg.ForceDryRun,
		ExpiresAt:   now.Add(w.cfg.TTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	autoExec := source == SourceRule &&
		policy.AutoExecuteEnabled(intent.Symbol) &&
		!w.isNewCoin(intent, env, policy) &&
		w.withinLargeTradeLimit(a.EstValueUSD, policy)

	if autoExec && w.mfaRequired(a.EstValueUSD) {
		// Large auto-executable trades need an owner-verified OTP first.
		a.MFARequired = true
		a.MFACode = generateOTP()
		exp := now.Add(MFAExpiry)
		a.MFAExpiresAt = &exp

		if err := w.repo.Create(a); err != nil {
			return nil, err
		}
		w.log.Warn().
			Str("approval_id", a.ID).
			Str("symbol", a.Symbol).
			Str("est_value_usd", a.EstValueUSD.StringFixed(2)).
			Str("mfa_code", a.MFACode).
			Msg("MFA challenge issued")
		w.emit(a, false)
		return a, nil
	}

	if autoExec && w.killSwitch != nil && w.killSwitch() {
		// Policy would execute this unattended; park it until trading resumes.
		a.Status = StatusDeferred
		if err := w.repo.Create(a); err != nil {
			return nil, err
		}
		w.emit(a, false)
		w.log.Info().Str("approval_id", a.ID).Msg("Auto-executable approval deferred: kill-switch engaged")
		return a, nil
	}

	if autoExec {
		a.Status = StatusApproved
		a.ActedBy = "policy"
		acted := now
		a.ActedAt = &acted
		if err := w.repo.Create(a); err != nil {
			return nil, err
		}
		w.emit(a, false)
		w.reserve(a, now)
		if _, err := w.executor.Execute(ctx, a); err != nil {
			w.log.Warn().Err(err).Str("approval_id", a.ID).Msg("Auto-execution failed")
		}
		return a, nil
	}

	if err := w.repo.Create(a); err != nil {
		return nil, err
	}
	w.emit(a, false)
	w.log.Info().
		Str("approval_id", a.ID).
		Str("symbol", a.Symbol).
		Str("side", string(a.Side)).
		Str("est_value_usd", a.EstValueUSD.StringFixed(2)).
		Msg("Approval queued for owner")
	return a, nil
}

// SubmitProposal queues an optimizer-generated rule change for owner
// review. Proposals carry no trade quantity and never auto-execute; the
// payload holds the rule diff and backtest summary.
func (w *Workflow) SubmitProposal(ruleID int64, ruleVersion int, symbol, reason, payload string) (*Approval, error) {
	now := w.now()
	a := &Approval{
		ID:          uuid.NewString(),
		Source:      SourceOptimizer,
		RuleID:      ruleID,
		RuleVersion: ruleVersion,
		Symbol:      symbol,
		Reason:      reason,
		Payload:     payload,
		Status:      StatusPending,
		DryRun:      true,
		ExpiresAt:   now.Add(w.cfg.TTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.repo.Create(a); err != nil {
		return nil, err
	}
	w.emit(a, false)
	w.log.Info().
		Int64("rule_id", ruleID).
		Str("approval_id", a.ID).
		Msg("Optimizer proposal queued")
	return a, nil
}

// Act applies an owner decision to a pending approval. Approving while the
// kill-switch is engaged parks the approval as deferred. The per-approval
// lock covers only the status transition; exchange I/O runs after release.
func (w *Workflow) Act(ctx context.Context, id string, req ActionRequest) (*Approval, error) {
	a, execute, err := w.applyAction(id, req)
	if a == nil || isTerminal(a.Status) {
		w.dropLock(id)
	}
	if err != nil || !execute {
		return a, err
	}

	// Success or failure, the executor leaves the approval terminal.
	_, _ = w.executor.Execute(ctx, a)
	w.dropLock(a.ID)
	return a, nil
}

// applyAction drives the state machine under the per-approval lock and
// reports whether the approval should be handed to the executor.
func (w *Workflow) applyAction(id string, req ActionRequest) (*Approval, bool, error) {
	lock := w.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := w.repo.Get(id)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, ErrNotFound
	}

	now := w.now()
	if a.Status == StatusPending && now.After(a.ExpiresAt) {
		if err := w.repo.UpdateStatus(a.ID, StatusPending, StatusExpired, "system", now); err != nil {
			return nil, false, err
		}
		a.Status = StatusExpired
		w.emit(a, true)
		return a, false, ErrExpired
	}

	switch req.Status {
	case StatusApproved:
		if a.Status != StatusPending {
			return nil, false, ErrInvalidAction
		}
		if a.MFARequired {
			if a.MFAExpiresAt == nil || now.After(*a.MFAExpiresAt) {
				// A stale challenge voids the approval entirely.
				if err := w.repo.UpdateStatus(a.ID, StatusPending, StatusExpired, "system", now); err != nil {
					return nil, false, err
				}
				a.Status = StatusExpired
				w.emit(a, true)
				return a, false, ErrExpired
			}
			if req.MFACode != a.MFACode {
				return nil, false, ErrMFAInvalid
			}
		}
		if err := w.repo.UpdateStatus(a.ID, StatusPending, StatusApproved, req.ActedBy, now); err != nil {
			return nil, false, err
		}
		a.Status = StatusApproved
		a.ActedBy = req.ActedBy

		// Optimizer proposals apply a rule change, not an order.
		if a.Source == SourceOptimizer {
			if w.applyProposal != nil {
				if err := w.applyProposal(a); err != nil {
					w.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to apply proposal")
					w.emit(a, true)
					return a, false, nil
				}
				if err := w.repo.UpdateStatus(a.ID, StatusApproved, StatusExecuted, "system", now); err != nil {
					return nil, false, err
				}
				a.Status = StatusExecuted
			}
			w.emit(a, true)
			return a, false, nil
		}

		if w.killSwitch != nil && w.killSwitch() {
			if err := w.repo.UpdateStatus(a.ID, StatusApproved, StatusDeferred, "system", now); err != nil {
				return nil, false, err
			}
			a.Status = StatusDeferred
			w.emit(a, true)
			w.log.Info().Str("approval_id", a.ID).Msg("Approval deferred: kill-switch engaged")
			return a, false, nil
		}

		w.emit(a, true)
		w.reserve(a, now)
		return a, true, nil

	case StatusDeclined:
		if a.Status != StatusPending {
			return nil, false, ErrInvalidAction
		}
		if err := w.repo.UpdateStatus(a.ID, StatusPending, StatusDeclined, req.ActedBy, now); err != nil {
			return nil, false, err
		}
		a.Status = StatusDeclined
		a.ActedBy = req.ActedBy
		w.emit(a, true)
		return a, false, nil

	default:
		return nil, false, ErrInvalidAction
	}
}

// Resume re-approves deferred approvals once the kill-switch disengages and
// hands them to the executor.
func (w *Workflow) Resume(ctx context.Context) error {
	if w.killSwitch != nil && w.killSwitch() {
		return nil
	}

	deferred, err := w.repo.ListByStatus(StatusDeferred)
	if err != nil {
		return fmt.Errorf("failed to list deferred approvals: %w", err)
	}

	for _, a := range deferred {
		lock := w.lockFor(a.ID)
		lock.Lock()
		now := w.now()
		if err := w.repo.UpdateStatus(a.ID, StatusDeferred, StatusApproved, "system", now); err != nil {
			lock.Unlock()
			continue
		}
		a.Status = StatusApproved
		w.emit(a, true)
		w.reserve(a, now)
		lock.Unlock()

		// The transition is durable; the order itself runs without the lock.
		if _, err := w.executor.Execute(ctx, a); err != nil {
			w.log.Warn().Err(err).Str("approval_id", a.ID).Msg("Resumed execution failed")
		}
		w.dropLock(a.ID)
	}
	return nil
}

// ExpireSweep transitions approvals past their TTL to expired. Called
// periodically by the scheduler.
func (w *Workflow) ExpireSweep() error {
	stale, err := w.repo.ExpireOlderThan(w.now())
	if err != nil {
		return err
	}
	for _, a := range stale {
		w.pipeline.Release(a.ID)
		w.dropLock(a.ID)
		w.emit(a, true)
	}
	if len(stale) > 0 {
		w.log.Info().Int("count", len(stale)).Msg("Expired stale approvals")
	}
	return nil
}

func (w *Workflow) isNewCoin(intent *rules.Intent, env *risk.Env, policy *objectives.Objectives) bool {
	if !policy.ApprovalRequired.NewCoin {
		return false
	}
	if intent.Side != domain.SideBuy {
		return false
	}
	if policy.IsCoreAsset(intent.Symbol) {
		return false
	}
	held := env.Balances[intent.Symbol]
	return held.LessThanOrEqual(decimal.Zero)
}

func (w *Workflow) withinLargeTradeLimit(estValue decimal.Decimal, policy *objectives.Objectives) bool {
	limit := policy.ApprovalRequired.LargeTradeUSD
	if limit <= 0 {
		return true
	}
	return estValue.LessThanOrEqual(decimal.NewFromFloat(limit))
}

func (w *Workflow) mfaRequired(estValue decimal.Decimal) bool {
	if w.cfg.MFAThresholdUSD <= 0 {
		return false
	}
	return estValue.GreaterThanOrEqual(decimal.NewFromFloat(w.cfg.MFAThresholdUSD))
}

func (w *Workflow) reserve(a *Approval, now time.Time) {
	w.pipeline.State().Reserve(a.ID, a.Symbol, string(a.Side), a.Quantity, now)
}

func (w *Workflow) emit(a *Approval, updated bool) {
	w.bus.Emit("approvals", &events.ApprovalEventData{
		ID:          a.ID,
		Source:      string(a.Source),
		Symbol:      a.Symbol,
		Side:        string(a.Side),
		Quantity:    a.Quantity.String(),
		EstValueUSD: a.EstValueUSD.String(),
		Status:      string(a.Status),
		Reason:      a.Reason,
		DryRun:      a.DryRun,
		Updated:     updated,
	})
}

func (w *Workflow) lockFor(id string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	w.locks[id] = l
	return l
}

// dropLock evicts a terminal approval's serialization lock; the map would
// otherwise grow with every approval ever acted on. Actions on a terminal
// approval fail the status check, so losing serialization there is harmless.
func (w *Workflow) dropLock(id string) {
	w.mu.Lock()
	delete(w.locks, id)
	w.mu.Unlock()
}

// isTerminal reports whether the status has no outgoing transitions.
func isTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// generateOTP returns a 6-digit one-time code.
func generateOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		return fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
	}
	return fmt.Sprintf("%06d", n.Int64())
}
