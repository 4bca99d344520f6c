package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/modules/approvals"
	"github.com/aristath/vigil/internal/modules/portfolio"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/internal/modules/rules"
	"github.com/aristath/vigil/internal/scheduler"
)

// HealthDeps carries what the health endpoints read.
type HealthDeps struct {
	Cfg        *config.Config
	Monitor    *StoreMonitor
	Portfolio  *portfolio.Service
	Rules      *rules.Repository
	RiskState  *risk.State
	KillSwitch *risk.KillSwitchRepository
	Alerts     *risk.AlertRepository
	Approvals  *approvals.Repository
	JobHistory *scheduler.HistoryRepository
	Log        zerolog.Logger
}

// HealthHandlers serves /health, /health/full, and /status.
type HealthHandlers struct {
	deps    HealthDeps
	log     zerolog.Logger
	started time.Time
}

// NewHealthHandlers creates the health handlers.
func NewHealthHandlers(deps HealthDeps) *HealthHandlers {
	return &HealthHandlers{
		deps:    deps,
		log:     deps.Log.With().Str("handler", "health").Logger(),
		started: time.Now().UTC(),
	}
}

// HandleHealth is the liveness probe: process up, store status, dry-run flag.
func (h *HealthHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.deps.Monitor.Degraded() {
		status = "degraded"
	}
	h.writeJSON(w, map[string]interface{}{
		"status":    status,
		"databases": h.deps.Monitor.Status(),
		"dry_run":   h.deps.Cfg.DryRunDefault || h.deps.Cfg.OwnerID == "",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleStatus reports the bare process status timestamp.
func (h *HealthHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"started_at":  h.started.Format(time.RFC3339),
		"uptime_secs": int64(time.Since(h.started).Seconds()),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleHealthFull is the diagnostics endpoint: counts, kill-switch, risk
// counters, recent jobs and persisted alerts, and host resource usage.
func (h *HealthHandlers) HandleHealthFull(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	out := map[string]interface{}{
		"status":    "ok",
		"databases": h.deps.Monitor.Status(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.deps.Monitor.Degraded() {
		out["status"] = "degraded"
	}

	if ks, err := h.deps.KillSwitch.Get(); err == nil {
		out["kill_switch"] = ks
	}
	out["risk"] = h.deps.RiskState.Snapshot(now)

	counts := map[string]interface{}{}
	if pending, err := h.deps.Approvals.ListByStatus(approvals.StatusPending); err == nil {
		counts["pending_approvals"] = len(pending)
	}
	if all, err := h.deps.Rules.List(); err == nil {
		enabled := 0
		for _, rule := range all {
			if rule.Enabled {
				enabled++
			}
		}
		counts["rules"] = len(all)
		counts["rules_enabled"] = enabled
	}
	if snap := h.deps.Portfolio.Last(); snap != nil {
		counts["last_snapshot_age_secs"] = int64(now.Sub(snap.Timestamp).Seconds())
	}
	out["counts"] = counts

	if h.deps.JobHistory != nil {
		if jobs, err := h.deps.JobHistory.Recent(20); err == nil {
			out["jobs"] = jobs
		}
	}
	if h.deps.Alerts != nil {
		if alerts, err := h.deps.Alerts.Recent(20); err == nil {
			out["critical_alerts"] = alerts
		}
	}

	out["system"] = h.systemStats()
	h.writeJSON(w, out)
}

// systemStats samples host CPU, memory, and data-dir disk usage. A 100ms
// CPU window keeps the endpoint fast enough for dashboard polling.
func (h *HealthHandlers) systemStats() map[string]interface{} {
	stats := map[string]interface{}{}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		stats["cpu_percent"] = cpuPercent[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		stats["mem_percent"] = memStat.UsedPercent
	}

	if diskStat, err := disk.Usage(h.deps.Cfg.DataDir); err == nil {
		stats["disk_percent"] = diskStat.UsedPercent
		stats["disk_free_mb"] = float64(diskStat.Free) / 1024 / 1024
	}

	return stats
}

func (h *HealthHandlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
