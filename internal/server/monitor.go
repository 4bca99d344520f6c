package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
)

// reconnectInterval is how often the monitor re-probes an unhealthy store.
const reconnectInterval = 30 * time.Second

// StoreMonitor tracks the health of the SQLite stores. While any store is
// down the API serves reads from in-memory state and refuses mutations; the
// background reconnector rejoins normal operation once the store recovers.
type StoreMonitor struct {
	dbs map[string]*database.DB
	bus *events.Bus
	log zerolog.Logger

	mu   sync.RWMutex
	down map[string]bool

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewStoreMonitor creates a monitor over the given stores and probes them
// once so Degraded reflects reality before Start.
func NewStoreMonitor(dbs map[string]*database.DB, bus *events.Bus, log zerolog.Logger) *StoreMonitor {
	m := &StoreMonitor{
		dbs:  dbs,
		bus:  bus,
		log:  log.With().Str("component", "store_monitor").Logger(),
		down: make(map[string]bool),
		stop: make(chan struct{}),
	}
	m.Check()
	return m
}

// Start launches the periodic reconnector.
func (m *StoreMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(reconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop halts the reconnector.
func (m *StoreMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

// Check probes every store once and records transitions.
func (m *StoreMonitor) Check() {
	wasDegraded := m.Degraded()

	for name, db := range m.dbs {
		if db == nil {
			continue
		}
		err := db.Conn().Ping()

		m.mu.Lock()
		was := m.down[name]
		m.down[name] = err != nil
		m.mu.Unlock()

		if err != nil && !was {
			m.log.Error().Err(err).Str("db", name).Msg("Store went down, entering degraded mode")
		}
		if err == nil && was {
			m.log.Info().Str("db", name).Msg("Store recovered")
		}
	}

	if degraded := m.Degraded(); degraded != wasDegraded {
		status := "ok"
		if degraded {
			status = "degraded"
		}
		m.bus.Emit("server", &events.SystemHealthData{
			Status:    status,
			DBHealthy: !degraded,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Degraded reports whether any store is currently down.
func (m *StoreMonitor) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, down := range m.down {
		if down {
			return true
		}
	}
	return false
}

// Status returns per-store health, true meaning reachable.
func (m *StoreMonitor) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.dbs))
	for name := range m.dbs {
		out[name] = !m.down[name]
	}
	return out
}
