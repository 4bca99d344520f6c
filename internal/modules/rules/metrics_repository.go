package rules

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Metrics is one evaluated window of a rule version's performance.
type Metrics struct {
	RuleID      int64     `json:"rule_id"`
	Version     int       `json:"version"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Trades      int       `json:"trades"`
	WinRate     float64   `json:"win_rate"`
	Sharpe      float64   `json:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown"`
	TotalReturn float64   `json:"total_return"`
}

// MetricsRepository appends rule performance windows in cache.db.
type MetricsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMetricsRepository creates a new rule metrics repository.
func NewMetricsRepository(db *sql.DB, log zerolog.Logger) *MetricsRepository {
	return &MetricsRepository{
		db:  db,
		log: log.With().Str("repo", "rule_metrics").Logger(),
	}
}

// Append records one evaluation window.
func (r *MetricsRepository) Append(m *Metrics) error {
	_, err := r.db.Exec(`
		INSERT INTO rule_metrics (rule_id, version, window_start, window_end, trades, win_rate, sharpe, max_drawdown, total_return, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.RuleID, m.Version, m.WindowStart.Unix(), m.WindowEnd.Unix(),
		m.Trades, m.WinRate, m.Sharpe, m.MaxDrawdown, m.TotalReturn, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append rule metrics: %w", err)
	}
	return nil
}

// ListForRule returns all windows for a rule, newest first.
func (r *MetricsRepository) ListForRule(ruleID int64) ([]*Metrics, error) {
	rows, err := r.db.Query(`
		SELECT rule_id, version, window_start, window_end, trades, win_rate, sharpe, max_drawdown, total_return
		FROM rule_metrics WHERE rule_id = ?
		ORDER BY window_end DESC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metrics
	for rows.Next() {
		var (
			m          Metrics
			start, end int64
		)
		if err := rows.Scan(&m.RuleID, &m.Version, &start, &end, &m.Trades, &m.WinRate, &m.Sharpe, &m.MaxDrawdown, &m.TotalReturn); err != nil {
			return nil, err
		}
		m.WindowStart = time.Unix(start, 0).UTC()
		m.WindowEnd = time.Unix(end, 0).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
