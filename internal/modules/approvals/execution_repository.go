package approvals

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
)

// ExecutionRepository persists order execution records in ledger.db.
type ExecutionRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *database.DB, log zerolog.Logger) *ExecutionRepository {
	return &ExecutionRepository{
		db:  db,
		log: log.With().Str("repo", "executions").Logger(),
	}
}

// Create appends an execution record.
func (r *ExecutionRepository) Create(e *Execution) error {
	_, err := r.db.Exec(`
		INSERT INTO executions (
			id, approval_id, symbol, side, quantity, fill_quantity,
			fill_price, fees, order_id, status, error, dry_run,
			executed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.ApprovalID, e.Symbol, string(e.Side), e.Quantity.String(),
		e.FillQuantity.String(), e.FillPrice.String(), e.Fees.String(),
		nullString(e.OrderID), string(e.Status), nullString(e.Error),
		boolToInt(e.DryRun), e.ExecutedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListForApproval returns executions for one approval, oldest first.
func (r *ExecutionRepository) ListForApproval(approvalID string) ([]*Execution, error) {
	rows, err := r.db.Query(selectExecution+` WHERE approval_id = ? ORDER BY executed_at ASC, id ASC`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListRecent returns the most recent executions, newest first.
func (r *ExecutionRepository) ListRecent(limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(selectExecution+` ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

const selectExecution = `
	SELECT id, approval_id, symbol, side, quantity, fill_quantity,
	       fill_price, fees, order_id, status, error, dry_run, executed_at
	FROM executions`

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                             Execution
		side, status                  string
		quantity, fillQty             string
		fillPrice, fees               string
		orderID, execErr              sql.NullString
		dryRun                        int
		executedAt                    int64
	)
	err := row.Scan(
		&e.ID, &e.ApprovalID, &e.Symbol, &side, &quantity, &fillQty,
		&fillPrice, &fees, &orderID, &status, &execErr, &dryRun, &executedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Side = domain.Side(side)
	e.Status = domain.OrderStatus(status)
	e.OrderID = orderID.String
	e.Error = execErr.String
	e.DryRun = dryRun != 0
	e.ExecutedAt = time.Unix(executedAt, 0).UTC()

	if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("corrupt quantity on execution %s: %w", e.ID, err)
	}
	if e.FillQuantity, err = decimal.NewFromString(fillQty); err != nil {
		return nil, fmt.Errorf("corrupt fill_quantity on execution %s: %w", e.ID, err)
	}
	if e.FillPrice, err = decimal.NewFromString(fillPrice); err != nil {
		return nil, fmt.Errorf("corrupt fill_price on execution %s: %w", e.ID, err)
	}
	if e.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("corrupt fees on execution %s: %w", e.ID, err)
	}
	return &e, nil
}

func collectExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
