package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
)

// CollateralRepository stores the current set of exchange-side collateral
// locks. Each refresh replaces the set wholesale under a bumped version so
// readers never observe a half-written refresh.
type CollateralRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCollateralRepository creates a new collateral repository.
func NewCollateralRepository(db *database.DB, log zerolog.Logger) *CollateralRepository {
	return &CollateralRepository{
		db:  db,
		log: log.With().Str("repo", "collateral").Logger(),
	}
}

// Replace swaps the stored collateral set for records atomically.
func (r *CollateralRepository) Replace(records []domain.CollateralRecord) error {
	now := time.Now().Unix()
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		var version int64
		err := tx.QueryRow(`SELECT current_version FROM collateral_meta WHERE id = 1`).Scan(&version)
		if err == sql.ErrNoRows {
			version = 0
		} else if err != nil {
			return fmt.Errorf("failed to read collateral version: %w", err)
		}
		next := version + 1

		for _, rec := range records {
			if _, err := tx.Exec(`
				INSERT INTO collateral (asset, locked, ltv, health, version, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, rec.Asset, rec.Locked.String(), rec.LTV, rec.Health, next, now); err != nil {
				return fmt.Errorf("failed to insert collateral for %s: %w", rec.Asset, err)
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO collateral_meta (id, current_version, updated_at)
			VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET current_version = excluded.current_version, updated_at = excluded.updated_at
		`, next, now); err != nil {
			return fmt.Errorf("failed to bump collateral version: %w", err)
		}

		// Older generations are no longer reachable once the pointer moves.
		if _, err := tx.Exec(`DELETE FROM collateral WHERE version < ?`, next); err != nil {
			return fmt.Errorf("failed to drop stale collateral: %w", err)
		}
		return nil
	})
}

// GetAll returns the current collateral set.
func (r *CollateralRepository) GetAll() ([]domain.CollateralRecord, error) {
	rows, err := r.db.Conn().Query(`
		SELECT c.asset, c.locked, c.ltv, c.health
		FROM collateral c
		JOIN collateral_meta m ON m.id = 1 AND c.version = m.current_version
		ORDER BY c.asset
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collateral: %w", err)
	}
	defer rows.Close()

	var out []domain.CollateralRecord
	for rows.Next() {
		var (
			rec    domain.CollateralRecord
			locked string
		)
		if err := rows.Scan(&rec.Asset, &locked, &rec.LTV, &rec.Health); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(locked)
		if err != nil {
			return nil, fmt.Errorf("invalid locked quantity %q for %s: %w", locked, rec.Asset, err)
		}
		rec.Locked = d
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetForAsset returns the collateral record for one asset, or nil.
func (r *CollateralRepository) GetForAsset(asset string) (*domain.CollateralRecord, error) {
	records, err := r.GetAll()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Asset == asset {
			return &records[i], nil
		}
	}
	return nil, nil
}

// TotalLocked returns the summed locked quantity per asset.
func (r *CollateralRepository) TotalLocked() (map[string]decimal.Decimal, error) {
	records, err := r.GetAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(records))
	for _, rec := range records {
		out[rec.Asset] = out[rec.Asset].Add(rec.Locked)
	}
	return out, nil
}
