package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
)

// KillSwitchRepository manages the global halt flag in config.db.
type KillSwitchRepository struct {
	db  *sql.DB
	bus *events.Bus
	log zerolog.Logger
}

// NewKillSwitchRepository creates a new kill-switch repository.
func NewKillSwitchRepository(db *sql.DB, bus *events.Bus, log zerolog.Logger) *KillSwitchRepository {
	return &KillSwitchRepository{
		db:  db,
		bus: bus,
		log: log.With().Str("repo", "kill_switch").Logger(),
	}
}

// Get returns the current kill-switch state (disabled when never set).
func (r *KillSwitchRepository) Get() (*domain.KillSwitchState, error) {
	var (
		state domain.KillSwitchState
		setAt int64
	)
	err := r.db.QueryRow(`SELECT enabled, reason, set_by, set_at FROM kill_switch WHERE id = 1`).
		Scan(&state.Enabled, &state.Reason, &state.SetBy, &setAt)
	if err == sql.ErrNoRows {
		return &domain.KillSwitchState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kill switch: %w", err)
	}
	state.SetAt = time.Unix(setAt, 0).UTC()
	return &state, nil
}

// Set writes the kill-switch state and broadcasts the change.
func (r *KillSwitchRepository) Set(enabled bool, reason, setBy string) (*domain.KillSwitchState, error) {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		INSERT INTO kill_switch (id, enabled, reason, set_by, set_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET enabled = excluded.enabled, reason = excluded.reason,
			set_by = excluded.set_by, set_at = excluded.set_at
	`, enabled, reason, setBy, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to set kill switch: %w", err)
	}

	r.log.Warn().Bool("enabled", enabled).Str("reason", reason).Str("set_by", setBy).Msg("Kill switch changed")
	r.bus.Emit("risk", &events.KillSwitchData{Enabled: enabled, Reason: reason, SetBy: setBy})

	return &domain.KillSwitchState{Enabled: enabled, Reason: reason, SetBy: setBy, SetAt: now}, nil
}
