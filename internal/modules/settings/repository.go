package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles settings database operations. Settings are stored as
// strings in config.db and converted on read; absent keys fall back to
// SettingDefaults (or the caller's default).
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new settings repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key. Returns nil if absent.
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set writes a setting value, creating or updating in one statement.
func (r *Repository) Set(key string, value string) error {
	now := time.Now().Unix()

	description := SettingDescriptions[key]
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, key, value, description, now)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetAll retrieves all stored settings, overlaid on the defaults so callers
// always see the full recognized set.
func (r *Repository) GetAll() (map[string]string, error) {
	result := make(map[string]string, len(SettingDefaults))
	for key, def := range SettingDefaults {
		result[key] = fmt.Sprintf("%v", def)
	}

	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}
	return result, rows.Err()
}

// GetFloat retrieves a setting as float64, falling back to defaultValue when
// absent or unparsable.
func (r *Repository) GetFloat(key string, defaultValue float64) float64 {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	f, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Failed to parse float setting")
		return defaultValue
	}
	return f
}

// GetInt retrieves a setting as int. Parses via float to tolerate "12.0".
func (r *Repository) GetInt(key string, defaultValue int) int {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	f, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Failed to parse int setting")
		return defaultValue
	}
	return int(f)
}

// GetBool retrieves a setting as bool.
func (r *Repository) GetBool(key string, defaultValue bool) bool {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return defaultValue
	}
	b, err := strconv.ParseBool(*value)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Failed to parse bool setting")
		return defaultValue
	}
	return b
}
