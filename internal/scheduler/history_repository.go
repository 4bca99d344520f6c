package scheduler

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// JobRecord is one scheduler job outcome.
type JobRecord struct {
	ID         int64     `json:"id"`
	Job        string    `json:"job"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RanAt      time.Time `json:"ran_at"`
}

// HistoryRepository records job outcomes in cache.db.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a job history repository.
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "job_history").Logger(),
	}
}

// Record appends one job outcome.
func (r *HistoryRepository) Record(job string, runErr error, duration time.Duration, ranAt time.Time) error {
	status := "completed"
	errText := sql.NullString{}
	if runErr != nil {
		status = "failed"
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.db.Exec(
		`INSERT INTO job_history (job, status, error, duration_ms, ran_at) VALUES (?, ?, ?, ?, ?)`,
		job, status, errText, duration.Milliseconds(), ranAt.Unix(),
	)
	return err
}

// Recent returns the newest outcomes, most recent first.
func (r *HistoryRepository) Recent(limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, job, status, COALESCE(error, ''), duration_ms, ran_at
		 FROM job_history ORDER BY ran_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec := &JobRecord{}
		var ranAt int64
		if err := rows.Scan(&rec.ID, &rec.Job, &rec.Status, &rec.Error, &rec.DurationMS, &ranAt); err != nil {
			return nil, err
		}
		rec.RanAt = time.Unix(ranAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune drops outcomes older than the cutoff and returns how many went.
func (r *HistoryRepository) Prune(olderThan time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM job_history WHERE ran_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
