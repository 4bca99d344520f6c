package risk

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
)

// PersistedAlert is one alert row from ledger.db.
type PersistedAlert struct {
	ID        int64                  `json:"id"`
	AlertType string                 `json:"alert_type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// AlertRepository persists critical alerts to ledger.db. Routine alerts
// live only on the bus; the durable record is for the ones that demand an
// audit trail.
type AlertRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewAlertRepository creates the alert repository.
func NewAlertRepository(db *database.DB, log zerolog.Logger) *AlertRepository {
	return &AlertRepository{
		db:  db,
		log: log.With().Str("repo", "alerts").Logger(),
	}
}

// Attach subscribes the repository to the bus, persisting critical alerts
// as they are published. Returns the subscription for teardown.
func (r *AlertRepository) Attach(bus *events.Bus) events.Subscription {
	return bus.Subscribe(events.Alert, func(ev *events.Event) {
		alert, ok := ev.Data.(*events.AlertData)
		if !ok || alert.Severity != events.SeverityCritical {
			return
		}
		if err := r.Record(alert.AlertType, alert.Severity, alert.Message, alert.Context); err != nil {
			r.log.Error().Err(err).Str("alert_type", alert.AlertType).Msg("Failed to persist critical alert")
		}
	})
}

// Record writes one alert row.
func (r *AlertRepository) Record(alertType, severity, message string, data map[string]interface{}) error {
	payload := []byte("{}")
	if len(data) > 0 {
		if encoded, err := json.Marshal(data); err == nil {
			payload = encoded
		}
	}
	_, err := r.db.Conn().Exec(
		`INSERT INTO alerts (alert_type, severity, message, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		alertType, severity, message, string(payload), time.Now().UTC().Unix(),
	)
	return err
}

// Recent returns the newest persisted alerts, most recent first.
func (r *AlertRepository) Recent(limit int) ([]*PersistedAlert, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Conn().Query(
		`SELECT id, alert_type, severity, message, data, created_at
		 FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PersistedAlert
	for rows.Next() {
		a := &PersistedAlert{}
		var data string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.AlertType, &a.Severity, &a.Message, &data, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
			a.Data = map[string]interface{}{}
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
