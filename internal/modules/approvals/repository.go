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

// Repository persists approvals in ledger.db. Rows are never deleted; the
// ledger is the audit trail.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new approval repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "approvals").Logger(),
	}
}

// Create inserts a new approval row.
func (r *Repository) Create(a *Approval) error {
	_, err := r.db.Exec(`
		INSERT INTO approvals (
			id, source, rule_id, rule_version, symbol, side, quantity,
			est_price, est_value_usd, reason, payload, status, dry_run,
			mfa_required, mfa_code, mfa_expires_at, acted_by, acted_at,
			expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, string(a.Source), nullInt64(a.RuleID), a.RuleVersion,
		a.Symbol, string(a.Side), a.Quantity.String(),
		a.EstPrice.String(), a.EstValueUSD.String(), a.Reason, a.Payload,
		string(a.Status), boolToInt(a.DryRun),
		boolToInt(a.MFARequired), nullString(a.MFACode), nullTime(a.MFAExpiresAt),
		nullString(a.ActedBy), nullTime(a.ActedAt),
		a.ExpiresAt.Unix(), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// Get returns one approval by id, or nil when absent.
func (r *Repository) Get(id string) (*Approval, error) {
	row := r.db.QueryRow(selectApproval+` WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval %s: %w", id, err)
	}
	return a, nil
}

// List returns approvals newest first, up to limit (0 means 100).
func (r *Repository) List(limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(selectApproval+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListByStatus returns approvals in the given status, oldest first.
func (r *Repository) ListByStatus(status Status) ([]*Approval, error) {
	rows, err := r.db.Query(selectApproval+` WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s approvals: %w", status, err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// UpdateStatus moves an approval along the state machine, guarded by the
// transition table. The WHERE clause re-checks the source status so two
// racing actors cannot both win.
func (r *Repository) UpdateStatus(id string, from, to Status, actedBy string, now time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res, err := r.db.Exec(`
		UPDATE approvals
		SET status = ?, acted_by = ?, acted_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), nullString(actedBy), now.Unix(), now.Unix(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update approval %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("approval %s is no longer %s", id, from)
	}
	return nil
}

// SetMFA attaches an MFA challenge to a pending approval.
func (r *Repository) SetMFA(id, code string, expiresAt, now time.Time) error {
	_, err := r.db.Exec(`
		UPDATE approvals
		SET mfa_required = 1, mfa_code = ?, mfa_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, code, expiresAt.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set MFA on approval %s: %w", id, err)
	}
	return nil
}

// ExpireOlderThan transitions pending and deferred approvals past their TTL
// to expired and returns them.
func (r *Repository) ExpireOlderThan(now time.Time) ([]*Approval, error) {
	rows, err := r.db.Query(selectApproval+`
		WHERE status IN (?, ?) AND expires_at <= ?
		ORDER BY created_at ASC
	`, string(StatusPending), string(StatusDeferred), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expirable approvals: %w", err)
	}
	stale, err := collectApprovals(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, a := range stale {
		if err := r.UpdateStatus(a.ID, a.Status, StatusExpired, "system", now); err != nil {
			r.log.Warn().Err(err).Str("approval_id", a.ID).Msg("Failed to expire approval")
			continue
		}
		a.Status = StatusExpired
	}
	return stale, nil
}

const selectApproval = `
	SELECT id, source, rule_id, rule_version, symbol, side, quantity,
	       est_price, est_value_usd, reason, payload, status, dry_run,
	       mfa_required, mfa_code, mfa_expires_at, acted_by, acted_at,
	       expires_at, created_at, updated_at
	FROM approvals`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a                                   Approval
		source, side, status                string
		quantity, estPrice, estValue        string
		ruleID, mfaExpires, actedAt         sql.NullInt64
		mfaCode, actedBy                    sql.NullString
		dryRun, mfaRequired                 int
		expiresAt, createdAt, updatedAt     int64
	)
	err := row.Scan(
		&a.ID, &source, &ruleID, &a.RuleVersion, &a.Symbol, &side, &quantity,
		&estPrice, &estValue, &a.Reason, &a.Payload, &status, &dryRun,
		&mfaRequired, &mfaCode, &mfaExpires, &actedBy, &actedAt,
		&expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Source = Source(source)
	a.Side = domain.Side(side)
	a.Status = Status(status)
	a.DryRun = dryRun != 0
	a.MFARequired = mfaRequired != 0
	a.RuleID = ruleID.Int64
	a.MFACode = mfaCode.String
	a.ActedBy = actedBy.String
	a.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if mfaExpires.Valid {
		t := time.Unix(mfaExpires.Int64, 0).UTC()
		a.MFAExpiresAt = &t
	}
	if actedAt.Valid {
		t := time.Unix(actedAt.Int64, 0).UTC()
		a.ActedAt = &t
	}

	if a.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("corrupt quantity on approval %s: %w", a.ID, err)
	}
	if a.EstPrice, err = decimal.NewFromString(estPrice); err != nil {
		return nil, fmt.Errorf("corrupt est_price on approval %s: %w", a.ID, err)
	}
	if a.EstValueUSD, err = decimal.NewFromString(estValue); err != nil {
		return nil, fmt.Errorf("corrupt est_value_usd on approval %s: %w", a.ID, err)
	}
	return &a, nil
}

func collectApprovals(rows *sql.Rows) ([]*Approval, error) {
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
