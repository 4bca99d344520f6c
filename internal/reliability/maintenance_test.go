package reliability

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
)

func newFileDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    t.TempDir() + "/" + name + ".db",
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMaintenance_CheckpointHealthyStores(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)

	dbs := map[string]*database.DB{
		"ledger": newFileDB(t, "ledger", database.ProfileStandard),
		"cache":  newFileDB(t, "cache", database.ProfileCache),
	}

	m := NewMaintenance(dbs, t.TempDir(), bus, log)
	assert.NoError(t, m.Checkpoint())
}

func TestMaintenance_CriticalAlertOnIntegrityFailure(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)

	db := newFileDB(t, "cache", database.ProfileCache)
	require.NoError(t, db.Close())

	var alerts []*events.AlertData
	bus.Subscribe(events.Alert, func(ev *events.Event) {
		if data, ok := ev.Data.(*events.AlertData); ok {
			alerts = append(alerts, data)
		}
	})

	m := NewMaintenance(map[string]*database.DB{"cache": db}, t.TempDir(), bus, log)
	err := m.Checkpoint()
	require.Error(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, events.AlertSystemError, alerts[0].AlertType)
}

func TestParseBackupTimestamp(t *testing.T) {
	ts, ok := parseBackupTimestamp("vigil-backup-2026-08-24-031500.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 15, 0, 0, time.UTC), ts)

	_, ok = parseBackupTimestamp("vigil-backup-garbage.tar.gz")
	assert.False(t, ok)

	_, ok = parseBackupTimestamp("unrelated-object.bin")
	assert.False(t, ok)
}
