// Package main is the entry point for Vigil, the autonomous portfolio
// trading-control service. It wires the stores, the exchange client, the
// rule engine and risk pipeline, the approval workflow, the HTTP server,
// and the background scheduler, then waits for a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/clients"
	"github.com/aristath/vigil/internal/clients/paper"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/approvals"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/optimizer"
	"github.com/aristath/vigil/internal/modules/portfolio"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/internal/modules/rules"
	"github.com/aristath/vigil/internal/modules/settings"
	"github.com/aristath/vigil/internal/reliability"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/server"
	"github.com/aristath/vigil/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Msg("Starting Vigil")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}

	// Four stores: ledger (audit trail), portfolio (state), config (policy),
	// cache (rebuildable operational data).
	ledgerDB := mustOpen(log, cfg.DataDir, "ledger", database.ProfileLedger)
	defer ledgerDB.Close()
	portfolioDB := mustOpen(log, cfg.DataDir, "portfolio", database.ProfileStandard)
	defer portfolioDB.Close()
	configDB := mustOpen(log, cfg.DataDir, "config", database.ProfileStandard)
	defer configDB.Close()
	cacheDB := mustOpen(log, cfg.DataDir, "cache", database.ProfileCache)
	defer cacheDB.Close()

	bus := events.NewBus(log)

	// Without an owner id there is nobody to approve live trades, so
	// everything is forced into dry-run regardless of policy.
	forceDryRun := cfg.OwnerID == ""
	if forceDryRun {
		log.Warn().Msg("No owner configured, forcing dry-run mode")
	}
	if !cfg.LiveTradingConfigured() {
		log.Info().Msg("No exchange credentials configured, using paper exchange")
	}
	exchange := clients.NewBreakerClient(paper.New(nil, nil, log), log)

	// Portfolio state.
	portfolioSvc := portfolio.NewService(
		exchange,
		portfolio.NewSnapshotRepository(portfolioDB.Conn(), log),
		portfolio.NewBaselineRepository(portfolioDB.Conn(), log),
		portfolio.NewCollateralRepository(portfolioDB, log),
		portfolio.NewPriceRepository(portfolioDB.Conn(), log),
		bus,
		log,
	)

	// Policy and rules.
	objectivesRepo := objectives.NewRepository(configDB.Conn(), log)
	settingsRepo := settings.NewRepository(configDB.Conn(), log)
	ruleRepo := rules.NewRepository(configDB, log)
	metricsRepo := rules.NewMetricsRepository(cacheDB.Conn(), log)
	ksRepo := risk.NewKillSwitchRepository(configDB.Conn(), bus, log)

	// Risk state: in-memory counters restored from the last persisted blob.
	riskState := risk.NewState()
	stateRepo := risk.NewStateRepository(cacheDB.Conn(), log)
	if err := stateRepo.Load(riskState); err != nil {
		log.Warn().Err(err).Msg("Failed to restore risk state, starting fresh")
	}
	pipeline := risk.NewPipeline(riskState, risk.Limits{
		MinTradeUSD:       cfg.MinTradeUSD,
		DailyLossLimitUSD: cfg.DailyLossLimitUSD,
	}, bus, log)

	// Approvals and execution.
	approvalRepo := approvals.NewRepository(ledgerDB, log)
	executionRepo := approvals.NewExecutionRepository(ledgerDB, log)
	lotRepo := risk.NewLotRepository(ledgerDB, log)
	executor := approvals.NewExecutor(exchange, approvalRepo, executionRepo, lotRepo, pipeline,
		snapshotForcer{portfolioSvc}, bus, log)
	killSwitch := func() bool {
		ks, err := ksRepo.Get()
		return err == nil && ks.Enabled
	}
	workflow := approvals.NewWorkflow(approvalRepo, executor, pipeline, killSwitch, bus, approvals.Config{
		MFAThresholdUSD: cfg.MFAThresholdUSD,
		ForceDryRun:     forceDryRun,
	}, log)

	// Rule evaluation.
	engine := rules.NewEngine(bus, log)
	evaluator := scheduler.NewEvaluator(engine, ruleRepo, portfolioSvc, objectivesRepo, ksRepo,
		pipeline, workflow, bus, forceDryRun, log)
	workflow.SetEnvBuilder(evaluator.Env)
	workflow.SetProposalApplier(proposalApplier(ruleRepo))
	evaluator.SetBasisSource(func(symbol string) (decimal.Decimal, bool) {
		avg, ok, err := lotRepo.AverageOpenCost(symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Cost basis lookup failed")
			return decimal.Decimal{}, false
		}
		return avg, ok
	})

	// Optimizer proposals route through the approval workflow.
	submitter := func(ruleID int64, ruleVersion int, symbol, reason, payload string) (string, error) {
		a, err := workflow.SubmitProposal(ruleID, ruleVersion, symbol, reason, payload)
		if err != nil {
			return "", err
		}
		return a.ID, nil
	}
	optimizerSvc := optimizer.NewService(ruleRepo, metricsRepo, portfolioSvc,
		optimizer.NewBacktester(0.006, log), submitter, bus, cfg.OptimizerWindowDays, log)

	// Critical alerts get a durable row in the ledger.
	alertRepo := risk.NewAlertRepository(ledgerDB, log)
	alertRepo.Attach(bus)

	historyRepo := scheduler.NewHistoryRepository(cacheDB.Conn(), log)

	sched := scheduler.New(portfolioSvc, evaluator, workflow, riskState, stateRepo, historyRepo, bus,
		scheduler.Intervals{
			Portfolio: time.Duration(cfg.SnapshotIntervalMinutes) * time.Minute,
		}, log)
	sched.SetOptimize(func() error {
		_, err := optimizerSvc.Optimize()
		return err
	})

	allDBs := map[string]*database.DB{
		"ledger":    ledgerDB,
		"portfolio": portfolioDB,
		"config":    configDB,
		"cache":     cacheDB,
	}
	sched.SetMaintainer(reliability.NewMaintenance(allDBs, cfg.DataDir, bus, log))

	if cfg.BackupEnabled() {
		store, err := reliability.NewObjectStore(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize backup store, backups disabled")
		} else {
			sched.SetBackup(reliability.NewBackupService(store, allDBs, cfg.DataDir, 30, log))
			log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Off-site backups enabled")
		}
	}

	srv := server.New(server.Config{
		Log:         log,
		Cfg:         cfg,
		LedgerDB:    ledgerDB,
		PortfolioDB: portfolioDB,
		ConfigDB:    configDB,
		CacheDB:     cacheDB,
		Bus:         bus,
		Portfolio:   portfolioSvc,
		Objectives:  objectivesRepo,
		Settings:    settingsRepo,
		Rules:       ruleRepo,
		Metrics:     metricsRepo,
		RiskState:   riskState,
		KillSwitch:  ksRepo,
		Alerts:      alertRepo,
		Approvals:   approvalRepo,
		Executions:  executionRepo,
		Workflow:    workflow,
		Evaluator:   evaluator,
		Optimizer:   optimizerSvc,
		JobHistory:  historyRepo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	if cfg.LightMode {
		log.Info().Msg("Light mode: background schedulers disabled")
	} else {
		sched.Start(ctx)
		log.Info().Msg("Scheduler started")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	cancel()
	if !cfg.LightMode {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Vigil stopped")
}

func mustOpen(log zerolog.Logger, dataDir, name string, profile database.DatabaseProfile) *database.DB {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("Failed to migrate database")
	}
	return db
}

// snapshotForcer narrows the portfolio service to the executor's post-trade
// snapshot hook.
type snapshotForcer struct {
	svc *portfolio.Service
}

func (f snapshotForcer) ForceSnapshot(ctx context.Context, reason string) error {
	_, err := f.svc.ForceSnapshot(ctx, reason)
	return err
}

// proposalApplier swaps an approved optimizer candidate's definition into
// the rule store, bumping the rule version.
func proposalApplier(repo *rules.Repository) func(a *approvals.Approval) error {
	return func(a *approvals.Approval) error {
		var payload struct {
			Definition json.RawMessage `json:"definition"`
		}
		if err := json.Unmarshal([]byte(a.Payload), &payload); err != nil {
			return fmt.Errorf("failed to parse proposal payload: %w", err)
		}
		rule, err := rules.ParseRule(payload.Definition)
		if err != nil {
			return fmt.Errorf("failed to parse proposed rule: %w", err)
		}
		if _, err := repo.Update(a.RuleID, rule); err != nil {
			return fmt.Errorf("failed to apply proposal to rule %d: %w", a.RuleID, err)
		}
		return nil
	}
}
