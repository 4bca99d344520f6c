package rules

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
)

// Repository persists rules in config.db. Edits bump the version and retain
// the prior definition in rule_versions; rules are never hard-deleted, only
// disabled.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new rules repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rules").Logger(),
	}
}

// Create stores a new rule at version 1 and returns it with id populated.
func (r *Repository) Create(rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	rule.Version = 1
	definition, err := rule.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize rule: %w", err)
	}

	now := time.Now().Unix()
	err = database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO rules (name, enabled, version, definition, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
		`, rule.Name, rule.Enabled, string(definition), now, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rule.ID = id

		_, err = tx.Exec(`
			INSERT INTO rule_versions (rule_id, version, definition, created_at)
			VALUES (?, 1, ?, ?)
		`, id, string(definition), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	r.log.Info().Int64("rule_id", rule.ID).Str("name", rule.Name).Msg("Rule created")
	return rule, nil
}

// Update replaces a rule's definition, bumping its version and archiving
// the new definition in the version history.
func (r *Repository) Update(id int64, rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	existing, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("rule %d not found", id)
	}

	rule.ID = id
	rule.Version = existing.Version + 1
	definition, err := rule.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize rule: %w", err)
	}

	now := time.Now().Unix()
	err = database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE rules SET name = ?, enabled = ?, version = ?, definition = ?, updated_at = ?
			WHERE id = ?
		`, rule.Name, rule.Enabled, rule.Version, string(definition), now, id); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO rule_versions (rule_id, version, definition, created_at)
			VALUES (?, ?, ?, ?)
		`, id, rule.Version, string(definition), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update rule %d: %w", id, err)
	}

	r.log.Info().Int64("rule_id", id).Int("version", rule.Version).Msg("Rule updated")
	return rule, nil
}

// SetEnabled toggles a rule without bumping its version.
func (r *Repository) SetEnabled(id int64, enabled bool) error {
	res, err := r.db.Exec(`UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle rule %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("rule %d not found", id)
	}
	r.log.Info().Int64("rule_id", id).Bool("enabled", enabled).Msg("Rule toggled")
	return nil
}

// Get returns one rule by id, or nil.
func (r *Repository) Get(id int64) (*Rule, error) {
	row := r.db.QueryRow(`SELECT id, version, enabled, definition FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, nil
}

// List returns all rules in ascending id order.
func (r *Repository) List() ([]*Rule, error) {
	rows, err := r.db.Query(`SELECT id, version, enabled, definition FROM rules ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// ListEnabled returns enabled rules in ascending id order.
func (r *Repository) ListEnabled() ([]*Rule, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, rule := range all {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}

// GetVersion returns a specific archived definition.
func (r *Repository) GetVersion(id int64, version int) (*Rule, error) {
	var definition string
	err := r.db.QueryRow(`
		SELECT definition FROM rule_versions WHERE rule_id = ? AND version = ?
	`, id, version).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d v%d: %w", id, version, err)
	}

	rule, err := ParseRule([]byte(definition))
	if err != nil {
		return nil, err
	}
	rule.ID = id
	rule.Version = version
	return rule, nil
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		id         int64
		version    int
		enabled    bool
		definition string
	)
	if err := row.Scan(&id, &version, &enabled, &definition); err != nil {
		return nil, err
	}

	rule, err := ParseRule([]byte(definition))
	if err != nil {
		return nil, fmt.Errorf("stored rule %d is invalid: %w", id, err)
	}
	rule.ID = id
	rule.Version = version
	rule.Enabled = enabled
	return rule, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
