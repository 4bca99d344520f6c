package objectives

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository persists the singleton objectives document in config.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new objectives repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "objectives").Logger(),
	}
}

// Get returns the stored policy, or the default policy when none has been
// written yet.
func (r *Repository) Get() (*Objectives, error) {
	var (
		data      string
		updatedAt int64
	)
	err := r.db.QueryRow(`SELECT data, updated_at FROM objectives WHERE id = 1`).Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get objectives: %w", err)
	}

	var obj Objectives
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("failed to decode objectives: %w", err)
	}
	obj.UpdatedAt = updatedAt
	return &obj, nil
}

// Set validates and writes the policy document.
func (r *Repository) Set(obj *Objectives) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	now := time.Now().Unix()
	obj.UpdatedAt = now

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode objectives: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO objectives (id, data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), now)
	if err != nil {
		return fmt.Errorf("failed to save objectives: %w", err)
	}

	r.log.Info().Int("core_assets", len(obj.CoreAssets)).Msg("Objectives updated")
	return nil
}
