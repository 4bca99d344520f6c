package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// StateRepository persists the rolling risk state as a msgpack blob in
// cache.db. The blob is advisory: losing it re-arms cooldowns and velocity
// conservatively empty, it never loses money-relevant history (that lives
// in the ledger).
type StateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStateRepository creates a new risk state repository.
func NewStateRepository(db *sql.DB, log zerolog.Logger) *StateRepository {
	return &StateRepository{
		db:  db,
		log: log.With().Str("repo", "risk_state").Logger(),
	}
}

// Save serializes and stores the durable portion of the state.
func (r *StateRepository) Save(s *State) error {
	blob, err := msgpack.Marshal(s.export())
	if err != nil {
		return fmt.Errorf("failed to encode risk state: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO risk_state (id, state, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// Load restores the persisted state into s. A missing row is not an error.
func (r *StateRepository) Load(s *State) error {
	var blob []byte
	err := r.db.QueryRow(`SELECT state FROM risk_state WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load risk state: %w", err)
	}

	var p persistedState
	if err := msgpack.Unmarshal(blob, &p); err != nil {
		// A corrupt blob starts fresh rather than blocking startup.
		r.log.Warn().Err(err).Msg("Discarding undecodable risk state blob")
		return nil
	}
	s.restore(&p)
	r.log.Info().Msg("Risk state restored")
	return nil
}
