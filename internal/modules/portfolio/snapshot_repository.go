package portfolio

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// SnapshotRepository handles snapshot persistence in portfolio.db.
// Snapshots are immutable: there is no update path, only insert and prune.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "snapshot").Logger(),
	}
}

const snapshotColumns = `id, ts, reason, balances, prices, total_usd`

// Create inserts a new immutable snapshot and returns its id.
func (r *SnapshotRepository) Create(snap *domain.Snapshot) (int64, error) {
	balances, err := marshalDecimalMap(snap.Balances)
	if err != nil {
		return 0, fmt.Errorf("failed to encode balances: %w", err)
	}
	prices, err := marshalDecimalMap(snap.Prices)
	if err != nil {
		return 0, fmt.Errorf("failed to encode prices: %w", err)
	}

	now := time.Now().Unix()
	res, err := r.db.Exec(`
		INSERT INTO snapshots (ts, reason, balances, prices, total_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.Timestamp.Unix(), snap.Reason, balances, prices, snap.TotalUSD.String(), now)
	if err != nil {
		return 0, fmt.Errorf("failed to create snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshot id: %w", err)
	}

	r.log.Info().
		Int64("id", id).
		Str("reason", snap.Reason).
		Str("total_usd", snap.TotalUSD.StringFixed(2)).
		Msg("Snapshot created")

	return id, nil
}

// GetLatest returns the most recent snapshot, or nil if the store is empty.
func (r *SnapshotRepository) GetLatest() (*domain.Snapshot, error) {
	row := r.db.QueryRow(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY ts DESC, id DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

// GetLatestBefore returns the newest snapshot at or before t, or nil.
func (r *SnapshotRepository) GetLatestBefore(t time.Time) (*domain.Snapshot, error) {
	row := r.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE ts <= ? ORDER BY ts DESC, id DESC LIMIT 1`, t.Unix())
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot before %s: %w", t, err)
	}
	return snap, nil
}

// GetRange returns snapshots with start <= ts < end in ascending time order.
func (r *SnapshotRepository) GetRange(start, end time.Time) ([]*domain.Snapshot, error) {
	rows, err := r.db.Query(`
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC, id ASC
	`, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot range: %w", err)
	}
	defer rows.Close()

	var snaps []*domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Count returns the number of stored snapshots.
func (r *SnapshotRepository) Count() (int64, error) {
	var count int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// Prune removes snapshots older than the retention window.
func (r *SnapshotRepository) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := r.db.Exec(`DELETE FROM snapshots WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		r.log.Info().Int64("removed", removed).Msg("Pruned old snapshots")
	}
	return removed, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*domain.Snapshot, error) {
	var (
		id       int64
		ts       int64
		reason   string
		balances string
		prices   string
		totalUSD string
	)
	if err := row.Scan(&id, &ts, &reason, &balances, &prices, &totalUSD); err != nil {
		return nil, err
	}

	balanceMap, err := unmarshalDecimalMap(balances)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balances: %w", err)
	}
	priceMap, err := unmarshalDecimalMap(prices)
	if err != nil {
		return nil, fmt.Errorf("failed to decode prices: %w", err)
	}
	total, err := decimal.NewFromString(totalUSD)
	if err != nil {
		return nil, fmt.Errorf("failed to decode total_usd: %w", err)
	}

	return &domain.Snapshot{
		ID:        id,
		Timestamp: time.Unix(ts, 0).UTC(),
		Reason:    reason,
		Balances:  balanceMap,
		Prices:    priceMap,
		TotalUSD:  total,
	}, nil
}

func scanSnapshotRows(rows *sql.Rows) (*domain.Snapshot, error) {
	return scanSnapshot(rows)
}

func marshalDecimalMap(m map[string]decimal.Decimal) (string, error) {
	strs := make(map[string]string, len(m))
	for k, v := range m {
		strs[k] = v.String()
	}
	data, err := json.Marshal(strs)
	return string(data), err
}

func unmarshalDecimalMap(data string) (map[string]decimal.Decimal, error) {
	var strs map[string]string
	if err := json.Unmarshal([]byte(data), &strs); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(strs))
	for k, v := range strs {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q for %s: %w", v, k, err)
		}
		out[k] = d
	}
	return out, nil
}
