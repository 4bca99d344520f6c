package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// PriceRepository stores the rolling intraday price series used by
// indicator and price-change conditions. Rows older than the retention
// window are pruned on every append pass.
type PriceRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceRepository creates a new price repository.
func NewPriceRepository(db *sql.DB, log zerolog.Logger) *PriceRepository {
	return &PriceRepository{
		db:  db,
		log: log.With().Str("repo", "price").Logger(),
	}
}

// Record appends one price observation per symbol at ts. Duplicate
// (symbol, ts) pairs are ignored so a retried tick cannot double-write.
func (r *PriceRepository) Record(ts time.Time, prices map[string]decimal.Decimal) error {
	for symbol, price := range prices {
		if _, err := r.db.Exec(`
			INSERT OR IGNORE INTO prices (symbol, ts, price) VALUES (?, ?, ?)
		`, symbol, ts.Unix(), price.String()); err != nil {
			return fmt.Errorf("failed to record price for %s: %w", symbol, err)
		}
	}
	return nil
}

// GetSeries returns the price series for symbol since the given time,
// ascending by timestamp.
func (r *PriceRepository) GetSeries(symbol string, since time.Time) ([]domain.PricePoint, error) {
	rows, err := r.db.Query(`
		SELECT symbol, ts, price FROM prices
		WHERE symbol = ? AND ts >= ?
		ORDER BY ts ASC
	`, symbol, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query price series for %s: %w", symbol, err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var (
			p        domain.PricePoint
			ts       int64
			priceStr string
		)
		if err := rows.Scan(&p.Symbol, &ts, &priceStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q for %s: %w", priceStr, symbol, err)
		}
		p.Ts = time.Unix(ts, 0).UTC()
		p.Price = price
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetCloses returns the series for symbol since the given time as float64
// closes, the shape indicator functions consume.
func (r *PriceRepository) GetCloses(symbol string, since time.Time) ([]float64, error) {
	points, err := r.GetSeries(symbol, since)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(points))
	for i, p := range points {
		closes[i], _ = p.Price.Float64()
	}
	return closes, nil
}

// GetPriceAt returns the closest recorded price at or before t for symbol,
// or nil if none exists in the retained window.
func (r *PriceRepository) GetPriceAt(symbol string, t time.Time) (*decimal.Decimal, error) {
	var priceStr string
	err := r.db.QueryRow(`
		SELECT price FROM prices
		WHERE symbol = ? AND ts <= ?
		ORDER BY ts DESC LIMIT 1
	`, symbol, t.Unix()).Scan(&priceStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price at %s for %s: %w", t, symbol, err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q for %s: %w", priceStr, symbol, err)
	}
	return &price, nil
}

// Prune removes observations older than the retention window.
func (r *PriceRepository) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := r.db.Exec(`DELETE FROM prices WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune prices: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}
