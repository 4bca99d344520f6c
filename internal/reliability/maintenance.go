package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
)

const (
	// diskHaltGB is the free-space floor. Below it maintenance fails loudly
	// so the operator hears about it before SQLite starts erroring.
	diskHaltGB = 0.5
	diskWarnGB = 5.0

	integrityTimeout = 2 * time.Minute
)

// Maintenance keeps the SQLite stores healthy: WAL checkpoints to stop the
// log from bloating, integrity checks, VACUUM on the ephemeral cache store,
// and a disk-space floor. The scheduler runs it nightly.
type Maintenance struct {
	databases map[string]*database.DB
	dataDir   string
	bus       *events.Bus
	log       zerolog.Logger
}

// NewMaintenance creates the maintenance job over the given stores.
func NewMaintenance(databases map[string]*database.DB, dataDir string, bus *events.Bus, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		databases: databases,
		dataDir:   dataDir,
		bus:       bus,
		log:       log.With().Str("component", "maintenance").Logger(),
	}
}

// Checkpoint runs one maintenance pass.
func (m *Maintenance) Checkpoint() error {
	start := time.Now()
	m.log.Info().Msg("Starting database maintenance")

	ctx, cancel := context.WithTimeout(context.Background(), integrityTimeout)
	defer cancel()

	for name, db := range m.databases {
		if err := db.HealthCheck(ctx); err != nil {
			m.bus.EmitAlert("maintenance", events.AlertSystemError, events.SeverityCritical,
				fmt.Sprintf("integrity check failed for %s store", name),
				map[string]interface{}{"database": name, "error": err.Error()})
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}

		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not fatal; the next pass retries.
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}

		if db.Profile() == database.ProfileCache {
			m.vacuum(name, db)
		}

		if stats, err := db.GetStats(); err == nil {
			m.log.Debug().
				Str("database", name).
				Int64("size_kb", stats.SizeBytes/1024).
				Int64("wal_kb", stats.WALSizeBytes/1024).
				Int64("free_pages", stats.FreelistCount).
				Msg("Store stats")
		}
	}

	if err := m.checkDiskSpace(); err != nil {
		return err
	}

	m.log.Info().Dur("elapsed", time.Since(start)).Msg("Database maintenance completed")
	return nil
}

// vacuum reclaims space from an ephemeral store. Durable stores are left
// alone; VACUUM rewrites the whole file and the ledger is append-mostly.
func (m *Maintenance) vacuum(name string, db *database.DB) {
	before, _ := db.GetStats()
	if _, err := db.Exec("VACUUM"); err != nil {
		m.log.Warn().Err(err).Str("database", name).Msg("VACUUM failed")
		return
	}
	if before != nil {
		if after, err := db.GetStats(); err == nil {
			m.log.Info().
				Str("database", name).
				Int64("reclaimed_kb", (before.SizeBytes-after.SizeBytes)/1024).
				Msg("VACUUM completed")
		}
	}
}

func (m *Maintenance) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	switch {
	case availableGB < diskHaltGB:
		m.bus.EmitAlert("maintenance", events.AlertSystemError, events.SeverityCritical,
			fmt.Sprintf("only %.2f GB of disk free", availableGB),
			map[string]interface{}{"available_gb": availableGB})
		return fmt.Errorf("only %.2f GB of disk free", availableGB)
	case availableGB < diskWarnGB:
		m.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	default:
		m.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")
	}
	return nil
}
