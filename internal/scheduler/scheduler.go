// Package scheduler owns the background cadence of the process: periodic
// portfolio refreshes, price ticks, rule evaluation passes, approval
// housekeeping, and the nightly cron jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/approvals"
	"github.com/aristath/vigil/internal/modules/portfolio"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/pkg/formulas"
)

const (
	// Adaptive portfolio cadence bounds.
	portfolioFloor = time.Minute
	portfolioCeil  = 15 * time.Minute

	// Realized volatility (stddev of per-sample returns over the last hour)
	// above volHigh halves the cadence; below volLow doubles it.
	volHigh   = 0.005
	volLow    = 0.0005
	volSymbol = "BTC"

	// An hourly move of this magnitude triggers an event evaluation pass.
	priceShockPct = 0.10
	shockCooldown = 10 * time.Minute

	// Stop waits this long for in-flight jobs before giving up.
	drainTimeout = 5 * time.Second

	historyRetention = 7 * 24 * time.Hour
)

// Intervals configures the periodic loops. Zero values take defaults.
type Intervals struct {
	Portfolio    time.Duration // default 5m, adapted between floor and ceiling
	Prices       time.Duration // default 60s
	RulesTick    time.Duration // default 10m
	Housekeeping time.Duration // default 1m: approval TTL sweep + deferred resume
	RiskSave     time.Duration // default 5m: risk-state persistence
}

func (i *Intervals) normalize() {
	if i.Portfolio <= 0 {
		i.Portfolio = 5 * time.Minute
	}
	if i.Prices <= 0 {
		i.Prices = time.Minute
	}
	if i.RulesTick <= 0 {
		i.RulesTick = 10 * time.Minute
	}
	if i.Housekeeping <= 0 {
		i.Housekeeping = time.Minute
	}
	if i.RiskSave <= 0 {
		i.RiskSave = 5 * time.Minute
	}
}

// Backup uploads the data directory to offsite storage.
type Backup interface {
	Run(ctx context.Context) error
}

// Maintainer runs database maintenance (WAL checkpoints, stats).
type Maintainer interface {
	Checkpoint() error
}

// Scheduler runs the periodic and cron-scheduled jobs. Each job is
// serialized against itself: a cycle still running when the next tick
// arrives makes that tick a no-op.
type Scheduler struct {
	portfolio *portfolio.Service
	evaluator *Evaluator
	workflow  *approvals.Workflow
	state     *risk.State
	stateRepo *risk.StateRepository
	history   *HistoryRepository
	bus       *events.Bus
	log       zerolog.Logger

	optimize   func() error
	backup     Backup
	maintainer Maintainer

	intervals  Intervals
	cron       *cron.Cron
	sub        events.Subscription
	subscribed bool

	mu             sync.Mutex
	portfolioEvery time.Duration
	lastShock      time.Time
	jobLocks       map[string]*sync.Mutex
	started        bool
	stopped        bool

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates the scheduler. Optimize, backup, and maintenance hooks are
// wired through setters because they are optional.
func New(
	portfolioSvc *portfolio.Service,
	evaluator *Evaluator,
	workflow *approvals.Workflow,
	state *risk.State,
	stateRepo *risk.StateRepository,
	history *HistoryRepository,
	bus *events.Bus,
	intervals Intervals,
	log zerolog.Logger,
) *Scheduler {
	intervals.normalize()
	return &Scheduler{
		portfolio:      portfolioSvc,
		evaluator:      evaluator,
		workflow:       workflow,
		state:          state,
		stateRepo:      stateRepo,
		history:        history,
		bus:            bus,
		intervals:      intervals,
		cron:           cron.New(cron.WithSeconds()),
		portfolioEvery: intervals.Portfolio,
		jobLocks:       make(map[string]*sync.Mutex),
		stop:           make(chan struct{}),
		log:            log.With().Str("component", "scheduler").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetOptimize wires the nightly optimization pass.
func (s *Scheduler) SetOptimize(fn func() error) { s.optimize = fn }

// SetBackup wires the daily offsite backup.
func (s *Scheduler) SetBackup(b Backup) { s.backup = b }

// SetMaintainer wires the daily database maintenance job.
func (s *Scheduler) SetMaintainer(m Maintainer) { s.maintainer = m }

// Start launches the periodic loops and the cron jobs. The context cancels
// all in-flight work on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return
	}
	s.started = true
	s.mu.Unlock()

	s.launchPortfolioLoop(ctx)
	s.launchTicker(ctx, "price_tick", s.intervals.Prices, s.priceTick)
	s.launchTicker(ctx, "rules_tick", s.intervals.RulesTick, func(ctx context.Context) error {
		_, err := s.evaluator.Tick(ctx, "")
		return err
	})
	s.launchTicker(ctx, "approval_housekeeping", s.intervals.Housekeeping, s.housekeeping)
	s.launchTicker(ctx, "risk_state_save", s.intervals.RiskSave, func(context.Context) error {
		return s.stateRepo.Save(s.state)
	})

	s.registerCron(ctx)
	s.cron.Start()

	// Deposits and withdrawals arrive as snapshot events and trigger an
	// immediate event evaluation pass.
	s.sub = s.bus.Subscribe(events.PortfolioSnapshot, func(ev *events.Event) {
		data, ok := ev.Data.(*events.SnapshotData)
		if !ok {
			return
		}
		var trigger domain.TriggerEvent
		switch data.Reason {
		case "deposit":
			trigger = domain.EventDeposit
		case "withdrawal":
			trigger = domain.EventWithdrawal
		default:
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, "event_evaluation", func(ctx context.Context) error {
				_, err := s.evaluator.Tick(ctx, trigger)
				return err
			})
		}()
	})
	s.subscribed = true

	s.log.Info().
		Dur("portfolio", s.intervals.Portfolio).
		Dur("prices", s.intervals.Prices).
		Dur("rules", s.intervals.RulesTick).
		Msg("Scheduler started")
}

// Stop halts all loops and waits up to the drain timeout for in-flight jobs.
// The risk state is persisted on the way out.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	if s.subscribed {
		s.bus.Unsubscribe(s.sub)
	}
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.log.Warn().Dur("timeout", drainTimeout).Msg("Drain timeout reached, abandoning in-flight jobs")
	}

	if err := s.stateRepo.Save(s.state); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist risk state on shutdown")
	}
	s.log.Info().Msg("Scheduler stopped")
}

// PortfolioInterval returns the current adaptive cadence, for diagnostics.
func (s *Scheduler) PortfolioInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portfolioEvery
}

func (s *Scheduler) launchPortfolioLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Immediate refresh on start so the evaluator has a snapshot.
		s.runJob(ctx, "portfolio_refresh", s.refreshPortfolio)
		for {
			timer := time.NewTimer(s.PortfolioInterval())
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runJob(ctx, "portfolio_refresh", s.refreshPortfolio)
			}
		}
	}()
}

func (s *Scheduler) launchTicker(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runJob(ctx, name, fn)
			}
		}
	}()
}

func (s *Scheduler) registerCron(ctx context.Context) {
	// Nightly optimization at 02:00 UTC.
	if s.optimize != nil {
		s.mustCron("0 0 2 * * *", func() {
			s.runJob(ctx, "nightly_optimize", func(context.Context) error { return s.optimize() })
		})
	}

	// Midnight UTC: circuit-breaker and daily-PnL reset, retention pruning.
	s.mustCron("0 0 0 * * *", func() {
		s.runJob(ctx, "midnight_reset", func(context.Context) error {
			s.state.ResetDaily(s.now())
			if err := s.stateRepo.Save(s.state); err != nil {
				return err
			}
			if err := s.portfolio.Prune(); err != nil {
				return err
			}
			if s.history != nil {
				if _, err := s.history.Prune(s.now().Add(-historyRetention)); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if s.backup != nil {
		s.mustCron("0 0 3 * * *", func() {
			s.runJob(ctx, "daily_backup", s.backup.Run)
		})
	}

	if s.maintainer != nil {
		s.mustCron("0 30 3 * * *", func() {
			s.runJob(ctx, "db_maintenance", func(context.Context) error { return s.maintainer.Checkpoint() })
		})
	}
}

func (s *Scheduler) mustCron(spec string, fn func()) {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		// Specs are compile-time constants; a failure here is a programmer error.
		s.log.Error().Err(err).Str("spec", spec).Msg("Failed to register cron job")
	}
}

// refreshPortfolio runs one full portfolio cycle and then adapts the cadence
// to observed volatility.
func (s *Scheduler) refreshPortfolio(ctx context.Context) error {
	_, err := s.portfolio.Refresh(ctx, "periodic")
	if err != nil {
		// The in-memory snapshot fallback keeps evaluation alive; retry on
		// the next tick.
		return err
	}
	s.adaptCadence()
	return nil
}

// adaptCadence halves the portfolio interval when the last hour was volatile
// and doubles it when quiet, bounded by floor and ceiling.
func (s *Scheduler) adaptCadence() {
	closes, err := s.portfolio.Closes(volSymbol, time.Hour)
	if err != nil || len(closes) < 5 {
		return
	}
	vol := formulas.RealizedVolatility(closes)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.portfolioEvery
	switch {
	case vol > volHigh:
		s.portfolioEvery = maxDuration(s.portfolioEvery/2, portfolioFloor)
	case vol < volLow:
		s.portfolioEvery = minDuration(s.portfolioEvery*2, portfolioCeil)
	}
	if s.portfolioEvery != prev {
		s.log.Info().
			Float64("realized_vol", vol).
			Dur("old", prev).
			Dur("new", s.portfolioEvery).
			Msg("Portfolio cadence adapted")
	}
}

// priceTick records fresh prices and fires an event pass on a price shock.
func (s *Scheduler) priceTick(ctx context.Context) error {
	if err := s.portfolio.PriceTick(ctx); err != nil {
		return err
	}
	s.detectPriceShock(ctx)
	return nil
}

func (s *Scheduler) detectPriceShock(ctx context.Context) {
	snap := s.portfolio.Last()
	if snap == nil {
		return
	}
	now := s.now()

	s.mu.Lock()
	recent := now.Sub(s.lastShock) < shockCooldown
	s.mu.Unlock()
	if recent {
		return
	}

	for asset := range snap.Balances {
		if asset == "USDC" {
			continue
		}
		change, err := s.portfolio.PriceChangePct(asset, time.Hour)
		if err != nil || change == nil {
			continue
		}
		if *change >= priceShockPct || *change <= -priceShockPct {
			s.mu.Lock()
			s.lastShock = now
			s.mu.Unlock()

			s.bus.EmitAlert("scheduler", events.AlertRisk, events.SeverityWarning,
				"price shock detected",
				map[string]interface{}{"symbol": asset, "change_pct": *change * 100})
			s.runJob(ctx, "event_evaluation", func(ctx context.Context) error {
				_, err := s.evaluator.Tick(ctx, domain.EventPriceShock)
				return err
			})
			return
		}
	}
}

// housekeeping expires stale approvals and resumes deferred ones when the
// kill-switch has been lifted.
func (s *Scheduler) housekeeping(ctx context.Context) error {
	if err := s.workflow.ExpireSweep(); err != nil {
		return err
	}
	return s.workflow.Resume(ctx)
}

// runJob executes fn under the job's own lock, recording the outcome. An
// overlapping invocation is skipped, never queued.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	lock := s.jobLock(name)
	if !lock.TryLock() {
		s.log.Debug().Str("job", name).Msg("Job still running, skipping tick")
		return
	}
	defer lock.Unlock()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if s.history != nil {
		if herr := s.history.Record(name, err, elapsed, s.now()); herr != nil {
			s.log.Warn().Err(herr).Str("job", name).Msg("Failed to record job history")
		}
	}
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Dur("elapsed", elapsed).Msg("Job failed")
	} else {
		s.log.Debug().Str("job", name).Dur("elapsed", elapsed).Msg("Job completed")
	}
}

func (s *Scheduler) jobLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.jobLocks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.jobLocks[name] = l
	return l
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
