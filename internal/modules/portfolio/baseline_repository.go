package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// BaselineRepository manages protected quantity floors. Baselines are seeded
// from the first snapshot, incremented on deposits, and only reduced by an
// explicit owner action.
type BaselineRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBaselineRepository creates a new baseline repository.
func NewBaselineRepository(db *sql.DB, log zerolog.Logger) *BaselineRepository {
	return &BaselineRepository{
		db:  db,
		log: log.With().Str("repo", "baseline").Logger(),
	}
}

// GetAll returns all baselines keyed by asset.
func (r *BaselineRepository) GetAll() (map[string]decimal.Decimal, error) {
	rows, err := r.db.Query(`SELECT asset, quantity FROM baselines`)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, qty string
		if err := rows.Scan(&asset, &qty); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("invalid baseline quantity %q for %s: %w", qty, asset, err)
		}
		out[asset] = d
	}
	return out, rows.Err()
}

// Get returns the baseline for an asset, or nil if none exists.
func (r *BaselineRepository) Get(asset string) (*domain.Baseline, error) {
	var (
		qty       string
		updatedAt int64
	)
	err := r.db.QueryRow(`SELECT quantity, updated_at FROM baselines WHERE asset = ?`, asset).Scan(&qty, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline for %s: %w", asset, err)
	}
	d, err := decimal.NewFromString(qty)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline quantity %q for %s: %w", qty, asset, err)
	}
	return &domain.Baseline{Asset: asset, Quantity: d, UpdatedAt: time.Unix(updatedAt, 0).UTC()}, nil
}

// Set writes a baseline, replacing any existing value. Used for seeding and
// explicit owner overrides.
func (r *BaselineRepository) Set(asset string, quantity decimal.Decimal) error {
	_, err := r.db.Exec(`
		INSERT INTO baselines (asset, quantity, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at
	`, asset, quantity.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set baseline for %s: %w", asset, err)
	}
	r.log.Info().Str("asset", asset).Str("quantity", quantity.String()).Msg("Baseline set")
	return nil
}

// Increment raises a baseline by delta, creating it if absent. Deltas are
// additive only; callers never pass negative amounts.
func (r *BaselineRepository) Increment(asset string, delta decimal.Decimal) error {
	if delta.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("baseline increment for %s must be positive, got %s", asset, delta)
	}

	current, err := r.Get(asset)
	if err != nil {
		return err
	}
	next := delta
	if current != nil {
		next = current.Quantity.Add(delta)
	}
	return r.Set(asset, next)
}

// Count returns the number of baseline rows. Zero means baselines have not
// been seeded yet.
func (r *BaselineRepository) Count() (int64, error) {
	var count int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM baselines`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count baselines: %w", err)
	}
	return count, nil
}
