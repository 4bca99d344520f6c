package approvals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/risk"
)

// maxRetries is how many times a transient order failure is retried after
// the initial attempt (waits: 1s, 4s, 16s).
const maxRetries = 3

// SnapshotForcer captures a portfolio snapshot outside the regular cadence.
type SnapshotForcer interface {
	ForceSnapshot(ctx context.Context, reason string) error
}

// Executor submits approved orders to the exchange and settles the
// aftermath: execution record, risk-state updates, FIFO PnL, a forced
// snapshot, and the trade events.
type Executor struct {
	exchange   domain.ExchangeClient
	approvals  *Repository
	executions *ExecutionRepository
	lots       *risk.LotRepository
	pipeline   *risk.Pipeline
	snapshots  SnapshotForcer
	bus        *events.Bus
	log        zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewExecutor creates a trade executor.
func NewExecutor(exchange domain.ExchangeClient, approvals *Repository, executions *ExecutionRepository,
	lots *risk.LotRepository, pipeline *risk.Pipeline, snapshots SnapshotForcer,
	bus *events.Bus, log zerolog.Logger) *Executor {
	return &Executor{
		exchange:   exchange,
		approvals:  approvals,
		executions: executions,
		lots:       lots,
		pipeline:   pipeline,
		snapshots:  snapshots,
		bus:        bus,
		log:        log.With().Str("component", "executor").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      time.Sleep,
	}
}

// Execute runs one approved (or resumed) approval to a terminal state. The
// returned execution record is persisted whether the order succeeded or
// failed; a non-nil error means the order itself failed.
func (e *Executor) Execute(ctx context.Context, a *Approval) (*Execution, error) {
	e.bus.Emit("approvals", &events.TradeSubmittedData{
		ApprovalID: a.ID,
		Symbol:     a.Symbol,
		Side:       string(a.Side),
		Quantity:   a.Quantity.String(),
		DryRun:     a.DryRun,
	})

	result, orderErr := e.placeWithRetry(ctx, domain.OrderRequest{
		Symbol:   a.Symbol,
		Side:     a.Side,
		Quantity: a.Quantity,
		DryRun:   a.DryRun,
	})

	now := e.now()
	exec := &Execution{
		ID:         uuid.NewString(),
		ApprovalID: a.ID,
		Symbol:     a.Symbol,
		Side:       a.Side,
		Quantity:   a.Quantity,
		DryRun:     a.DryRun,
		ExecutedAt: now,
	}

	if orderErr != nil {
		exec.Status = domain.OrderRejected
		exec.Error = orderErr.Error()
		e.settleFailure(a, exec, now)
		return exec, orderErr
	}

	exec.Status = result.Status
	exec.FillQuantity = result.FillQuantity
	exec.FillPrice = result.FillPrice
	exec.Fees = result.Fees
	exec.OrderID = result.OrderID
	e.settleSuccess(ctx, a, exec, now)
	return exec, nil
}

// placeWithRetry submits the order, retrying transient failures with
// exponential backoff. Fatal failures and context cancellation stop
// immediately.
func (e *Executor) placeWithRetry(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	b := &backoff.Backoff{Min: time.Second, Max: 16 * time.Second, Factor: 4}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := b.Duration()
			e.log.Warn().
				Err(lastErr).
				Str("symbol", req.Symbol).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Retrying order")
			e.sleep(wait)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.exchange.PlaceOrder(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("order failed after %d retries: %w", maxRetries, lastErr)
}

func (e *Executor) settleSuccess(ctx context.Context, a *Approval, exec *Execution, now time.Time) {
	if err := e.executions.Create(exec); err != nil {
		e.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to persist execution")
	}
	if err := e.approvals.UpdateStatus(a.ID, a.Status, StatusExecuted, "system", now); err != nil {
		e.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to mark approval executed")
	}
	a.Status = StatusExecuted
	e.pipeline.Release(a.ID)

	// Cooldowns and velocity windows count dry-run fills too, so a
	// misconfigured rule cannot spam the queue in either mode.
	e.pipeline.State().RecordExecution(a.RuleID, a.Symbol, now)

	if !a.DryRun {
		e.settleLots(exec, now)
		if err := e.snapshots.ForceSnapshot(ctx, "trade"); err != nil {
			e.log.Warn().Err(err).Msg("Post-trade snapshot failed")
		}
	}

	e.emitApproval(a, true)
	e.bus.Emit("approvals", &events.TradeResultData{
		ApprovalID:   a.ID,
		ExecutionID:  exec.ID,
		Symbol:       exec.Symbol,
		Side:         string(exec.Side),
		FillQuantity: exec.FillQuantity.String(),
		FillPrice:    exec.FillPrice.String(),
		Fees:         exec.Fees.String(),
		Status:       string(exec.Status),
		DryRun:       exec.DryRun,
	})

	e.log.Info().
		Str("approval_id", a.ID).
		Str("symbol", exec.Symbol).
		Str("side", string(exec.Side)).
		Str("fill_quantity", exec.FillQuantity.String()).
		Str("fill_price", exec.FillPrice.String()).
		Bool("dry_run", exec.DryRun).
		Msg("Order executed")
}

// settleLots updates the FIFO cost-basis ledger and feeds realized PnL into
// the daily-loss accumulator.
func (e *Executor) settleLots(exec *Execution, now time.Time) {
	switch exec.Side {
	case domain.SideBuy:
		if err := e.lots.RecordBuy(exec.Symbol, exec.FillQuantity, exec.FillPrice, exec.Fees, now); err != nil {
			e.log.Error().Err(err).Str("symbol", exec.Symbol).Msg("Failed to open lot")
		}
	case domain.SideSell:
		netPrice := exec.FillPrice
		if exec.Fees.GreaterThan(decimal.Zero) && exec.FillQuantity.GreaterThan(decimal.Zero) {
			netPrice = exec.FillPrice.Sub(exec.Fees.Div(exec.FillQuantity))
		}
		pnl, err := e.lots.ConsumeSell(exec.Symbol, exec.FillQuantity, netPrice)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", exec.Symbol).Msg("Failed to close lots")
			return
		}
		e.pipeline.State().AddRealizedPnL(pnl, now)
	}
}

func (e *Executor) settleFailure(a *Approval, exec *Execution, now time.Time) {
	if err := e.executions.Create(exec); err != nil {
		e.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to persist execution")
	}
	if err := e.approvals.UpdateStatus(a.ID, a.Status, StatusDeclined, "system", now); err != nil {
		e.log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to decline approval")
	}
	a.Status = StatusDeclined
	e.pipeline.Release(a.ID)

	e.bus.EmitAlert("approvals", events.AlertExecutionFailed, events.SeverityError,
		fmt.Sprintf("order for approval %s failed: %s", a.ID, exec.Error),
		map[string]interface{}{
			"approval_id": a.ID,
			"symbol":      a.Symbol,
			"side":        a.Side,
		})

	e.bus.Emit("approvals", &events.TradeResultData{
		ApprovalID:  a.ID,
		ExecutionID: exec.ID,
		Symbol:      exec.Symbol,
		Side:        string(exec.Side),
		Status:      string(exec.Status),
		Error:       exec.Error,
		DryRun:      exec.DryRun,
	})
	e.emitApprovalWithReason(a, true, "execution_failed")

	e.log.Error().
		Str("approval_id", a.ID).
		Str("symbol", a.Symbol).
		Str("error", exec.Error).
		Msg("Order failed, approval declined")
}

func (e *Executor) emitApproval(a *Approval, updated bool) {
	e.emitApprovalWithReason(a, updated, a.Reason)
}

func (e *Executor) emitApprovalWithReason(a *Approval, updated bool, reason string) {
	e.bus.Emit("approvals", &events.ApprovalEventData{
		ID:          a.ID,
		Source:      string(a.Source),
		Symbol:      a.Symbol,
		Side:        string(a.Side),
		Quantity:    a.Quantity.String(),
		EstValueUSD: a.EstValueUSD.String(),
		Status:      string(a.Status),
		Reason:      reason,
		DryRun:      a.DryRun,
		Updated:     updated,
	})
}
