package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/database"
)

// LotRepository maintains FIFO cost-basis lots in ledger.db. Buys open lots;
// sells consume the oldest lots first and return the realized PnL, which
// feeds the daily-loss circuit breaker.
type LotRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewLotRepository creates a new lot repository.
func NewLotRepository(db *database.DB, log zerolog.Logger) *LotRepository {
	return &LotRepository{
		db:  db,
		log: log.With().Str("repo", "lots").Logger(),
	}
}

// RecordBuy opens a new lot at the fill price (fees folded into unit cost).
func (r *LotRepository) RecordBuy(symbol string, quantity, fillPrice, fees decimal.Decimal, at time.Time) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("lot quantity must be positive")
	}
	unitCost := fillPrice
	if fees.GreaterThan(decimal.Zero) {
		unitCost = fillPrice.Add(fees.Div(quantity))
	}

	_, err := r.db.Exec(`
		INSERT INTO lots (symbol, quantity, remaining, unit_cost, acquired_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, symbol, quantity.String(), quantity.String(), unitCost.String(), at.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record lot: %w", err)
	}
	return nil
}

// ConsumeSell closes quantity against the oldest open lots and returns the
// realized PnL at the given net sale price (fill price minus per-unit fees).
// Quantity sold beyond recorded lots realizes with zero cost basis, which
// matches holdings that predate the ledger.
func (r *LotRepository) ConsumeSell(symbol string, quantity, netSalePrice decimal.Decimal) (decimal.Decimal, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("sell quantity must be positive")
	}

	pnl := decimal.Zero
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id, remaining, unit_cost FROM lots
			WHERE symbol = ? AND CAST(remaining AS REAL) > 0
			ORDER BY acquired_at ASC, id ASC
		`, symbol)
		if err != nil {
			return err
		}

		type open struct {
			id        int64
			remaining decimal.Decimal
			unitCost  decimal.Decimal
		}
		var lots []open
		for rows.Next() {
			var (
				o             open
				remaining, uc string
			)
			if err := rows.Scan(&o.id, &remaining, &uc); err != nil {
				rows.Close()
				return err
			}
			o.remaining, err = decimal.NewFromString(remaining)
			if err != nil {
				rows.Close()
				return err
			}
			o.unitCost, err = decimal.NewFromString(uc)
			if err != nil {
				rows.Close()
				return err
			}
			lots = append(lots, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		left := quantity
		for _, lot := range lots {
			if left.LessThanOrEqual(decimal.Zero) {
				break
			}
			take := decimal.Min(left, lot.remaining)
			pnl = pnl.Add(take.Mul(netSalePrice.Sub(lot.unitCost)))
			left = left.Sub(take)

			if _, err := tx.Exec(`UPDATE lots SET remaining = ? WHERE id = ?`,
				lot.remaining.Sub(take).String(), lot.id); err != nil {
				return err
			}
		}

		// Unmatched quantity has no recorded basis.
		if left.GreaterThan(decimal.Zero) {
			pnl = pnl.Add(left.Mul(netSalePrice))
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to consume lots for %s: %w", symbol, err)
	}
	return pnl, nil
}

// AverageOpenCost returns the remaining-quantity-weighted average unit cost
// across symbol's open lots. ok is false when no lots are open, which marks
// holdings that predate the ledger.
func (r *LotRepository) AverageOpenCost(symbol string) (decimal.Decimal, bool, error) {
	rows, err := r.db.Query(`
		SELECT remaining, unit_cost FROM lots
		WHERE symbol = ? AND CAST(remaining AS REAL) > 0
	`, symbol)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	qty, cost := decimal.Zero, decimal.Zero
	for rows.Next() {
		var remaining, uc string
		if err := rows.Scan(&remaining, &uc); err != nil {
			return decimal.Zero, false, err
		}
		rem, err := decimal.NewFromString(remaining)
		if err != nil {
			return decimal.Zero, false, err
		}
		unitCost, err := decimal.NewFromString(uc)
		if err != nil {
			return decimal.Zero, false, err
		}
		qty = qty.Add(rem)
		cost = cost.Add(rem.Mul(unitCost))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, false, err
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false, nil
	}
	return cost.Div(qty), true, nil
}

// OpenQuantity returns the total remaining quantity across open lots.
func (r *LotRepository) OpenQuantity(symbol string) (decimal.Decimal, error) {
	rows, err := r.db.Query(`SELECT remaining FROM lots WHERE symbol = ?`, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var remaining string
		if err := rows.Scan(&remaining); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(remaining)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}
