package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/clients/paper"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/approvals"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/portfolio"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/internal/modules/rules"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func f(v float64) *float64 { return &v }

type snapshotSpy struct {
	mu      sync.Mutex
	reasons []string
}

func (s *snapshotSpy) ForceSnapshot(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	return nil
}

type harness struct {
	scheduler  *Scheduler
	evaluator  *Evaluator
	portfolio  *portfolio.Service
	prices     *portfolio.PriceRepository
	rules      *rules.Repository
	approvals  *approvals.Repository
	killSwitch *risk.KillSwitchRepository
	state      *risk.State
	history    *HistoryRepository
	bus        *events.Bus
	engine     *rules.Engine
}

func newDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Profile: profile, Name: name})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()

	portfolioDB := newDB(t, "portfolio", database.ProfileStandard)
	configDB := newDB(t, "config", database.ProfileStandard)
	ledgerDB := newDB(t, "ledger", database.ProfileStandard)
	cacheDB := newDB(t, "cache", database.ProfileCache)

	client := paper.New(
		map[string]decimal.Decimal{"BTC": d("0.8"), "USDC": d("20000")},
		map[string]decimal.Decimal{"BTC": d("70000"), "USDC": d("1")},
		log,
	)
	bus := events.NewBus(log)

	prices := portfolio.NewPriceRepository(portfolioDB.Conn(), log)
	portfolioSvc := portfolio.NewService(
		client,
		portfolio.NewSnapshotRepository(portfolioDB.Conn(), log),
		portfolio.NewBaselineRepository(portfolioDB.Conn(), log),
		portfolio.NewCollateralRepository(portfolioDB, log),
		prices,
		bus,
		log,
	)

	ruleRepo := rules.NewRepository(configDB, log)
	objectivesRepo := objectives.NewRepository(configDB.Conn(), log)
	ksRepo := risk.NewKillSwitchRepository(configDB.Conn(), bus, log)

	state := risk.NewState()
	pipeline := risk.NewPipeline(state, risk.Limits{MinTradeUSD: 10, DailyLossLimitUSD: 100000}, bus, log)

	approvalRepo := approvals.NewRepository(ledgerDB, log)
	executionRepo := approvals.NewExecutionRepository(ledgerDB, log)
	lots := risk.NewLotRepository(ledgerDB, log)

	executor := approvals.NewExecutor(client, approvalRepo, executionRepo, lots, pipeline, &snapshotSpy{}, bus, log)
	killSwitch := func() bool {
		ks, err := ksRepo.Get()
		return err == nil && ks.Enabled
	}
	workflow := approvals.NewWorkflow(approvalRepo, executor, pipeline, killSwitch, bus,
		approvals.Config{MFAThresholdUSD: 1_000_000}, log)

	engine := rules.NewEngine(bus, log)
	evaluator := NewEvaluator(engine, ruleRepo, portfolioSvc, objectivesRepo, ksRepo, pipeline, workflow, bus, false, log)
	workflow.SetEnvBuilder(evaluator.Env)

	history := NewHistoryRepository(cacheDB.Conn(), log)
	stateRepo := risk.NewStateRepository(cacheDB.Conn(), log)

	sched := New(portfolioSvc, evaluator, workflow, state, stateRepo, history, bus, Intervals{}, log)

	return &harness{
		scheduler:  sched,
		evaluator:  evaluator,
		portfolio:  portfolioSvc,
		prices:     prices,
		rules:      ruleRepo,
		approvals:  approvalRepo,
		killSwitch: ksRepo,
		state:      state,
		history:    history,
		bus:        bus,
		engine:     engine,
	}
}

// sellHalfBTC fires on any tick while the BTC balance is positive and exits
// half the position. $28k of BTC exceeds the large-trade limit, so it queues
// for approval rather than auto-executing.
func sellHalfBTC() *rules.Rule {
	return &rules.Rule{
		Name:    "trim-btc",
		Enabled: true,
		Trigger: rules.Trigger{Type: rules.TriggerInterval, Every: rules.Duration(time.Minute)},
		Conditions: []rules.Condition{
			{Type: rules.CondBalance, Symbol: "BTC", GT: f(0)},
		},
		Actions: []rules.Action{
			{Type: rules.ActionExit, Symbol: "BTC", AllocationPct: 0.5},
		},
	}
}

func TestEvaluator_TickRoutesIntentIntoApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.portfolio.Refresh(ctx, "scheduled")
	require.NoError(t, err)
	created, err := h.rules.Create(sellHalfBTC())
	require.NoError(t, err)

	submitted, err := h.evaluator.Tick(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	list, err := h.approvals.List(10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, approvals.StatusPending, list[0].Status)
	assert.Equal(t, created.ID, list[0].RuleID)
	assert.Equal(t, "BTC", list[0].Symbol)
	assert.True(t, list[0].DryRun, "default policy evaluates dry-run")

	// The engine recorded the fire; the next tick inside the interval skips.
	_, fired := h.engine.LastFire(created.ID)
	assert.True(t, fired)

	submitted, err = h.evaluator.Tick(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, submitted)
}

func TestEvaluator_EvaluateOnceIsSideEffectFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.portfolio.Refresh(ctx, "scheduled")
	require.NoError(t, err)
	created, err := h.rules.Create(sellHalfBTC())
	require.NoError(t, err)

	intents, err := h.evaluator.EvaluateOnce()
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.True(t, intents[0].DryRun)
	assert.Equal(t, "BTC", intents[0].Symbol)

	// No approvals were created and the scheduled engine stays untouched.
	list, err := h.approvals.List(10)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, fired := h.engine.LastFire(created.ID)
	assert.False(t, fired)
}

func TestEvaluator_KillSwitchSuppressesIntents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.portfolio.Refresh(ctx, "scheduled")
	require.NoError(t, err)
	_, err = h.rules.Create(sellHalfBTC())
	require.NoError(t, err)

	_, err = h.killSwitch.Set(true, "halt", "owner")
	require.NoError(t, err)

	submitted, err := h.evaluator.Tick(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, submitted)

	list, err := h.approvals.List(10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func recordSeries(t *testing.T, h *harness, prices []string) {
	t.Helper()
	now := time.Now().UTC()
	step := time.Hour / time.Duration(len(prices)+1)
	for i, p := range prices {
		ts := now.Add(-time.Hour).Add(time.Duration(i+1) * step)
		require.NoError(t, h.prices.Record(ts, map[string]decimal.Decimal{"BTC": d(p)}))
	}
}

func TestScheduler_CadenceHalvesOnVolatility(t *testing.T) {
	h := newHarness(t)

	recordSeries(t, h, []string{"70000", "72000", "69500", "72500", "69000", "73000"})

	assert.Equal(t, 5*time.Minute, h.scheduler.PortfolioInterval())
	h.scheduler.adaptCadence()
	assert.Equal(t, 150*time.Second, h.scheduler.PortfolioInterval())

	// Repeated volatile cycles bottom out at the floor.
	for i := 0; i < 5; i++ {
		h.scheduler.adaptCadence()
	}
	assert.Equal(t, portfolioFloor, h.scheduler.PortfolioInterval())
}

func TestScheduler_CadenceDoublesWhenQuiet(t *testing.T) {
	h := newHarness(t)

	recordSeries(t, h, []string{"70000", "70000", "70000", "70000", "70000", "70000"})

	h.scheduler.adaptCadence()
	assert.Equal(t, 10*time.Minute, h.scheduler.PortfolioInterval())

	for i := 0; i < 5; i++ {
		h.scheduler.adaptCadence()
	}
	assert.Equal(t, portfolioCeil, h.scheduler.PortfolioInterval())
}

func TestScheduler_CadenceHoldsWithoutHistory(t *testing.T) {
	h := newHarness(t)

	h.scheduler.adaptCadence()
	assert.Equal(t, 5*time.Minute, h.scheduler.PortfolioInterval())
}

func TestScheduler_RunJobSkipsOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var runs int32
	var mu sync.Mutex

	go h.scheduler.runJob(ctx, "slow", func(context.Context) error {
		close(started)
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return nil
	})
	<-started

	// Overlapping invocation is dropped, not queued.
	h.scheduler.runJob(ctx, "slow", func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 1
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_RunJobRecordsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.scheduler.runJob(ctx, "ok_job", func(context.Context) error { return nil })
	h.scheduler.runJob(ctx, "bad_job", func(context.Context) error { return assert.AnError })

	recent, err := h.history.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	byJob := map[string]*JobRecord{}
	for _, rec := range recent {
		byJob[rec.Job] = rec
	}
	assert.Equal(t, "completed", byJob["ok_job"].Status)
	assert.Equal(t, "failed", byJob["bad_job"].Status)
	assert.Contains(t, byJob["bad_job"].Error, assert.AnError.Error())
}

func TestHistoryRepository_Prune(t *testing.T) {
	h := newHarness(t)

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, h.history.Record("ancient", nil, time.Millisecond, old))
	require.NoError(t, h.history.Record("fresh", nil, time.Millisecond, time.Now().UTC()))

	gone, err := h.history.Prune(time.Now().UTC().Add(-historyRetention))
	require.NoError(t, err)
	assert.Equal(t, int64(1), gone)

	recent, err := h.history.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].Job)
}

func TestScheduler_PriceShockTriggersEventPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.portfolio.Refresh(ctx, "scheduled")
	require.NoError(t, err)

	// An event-triggered rule that reacts to price shocks.
	_, err = h.rules.Create(&rules.Rule{
		Name:    "shock-exit",
		Enabled: true,
		Trigger: rules.Trigger{Type: rules.TriggerEvent, On: "price_shock"},
		Conditions: []rules.Condition{
			{Type: rules.CondBalance, Symbol: "BTC", GT: f(0)},
		},
		Actions: []rules.Action{
			{Type: rules.ActionExit, Symbol: "BTC", AllocationPct: 0.5},
		},
	})
	require.NoError(t, err)

	// The hour-old price is 20% below the current one.
	require.NoError(t, h.prices.Record(time.Now().UTC().Add(-time.Hour), map[string]decimal.Decimal{"BTC": d("56000")}))
	require.NoError(t, h.prices.Record(time.Now().UTC(), map[string]decimal.Decimal{"BTC": d("70000")}))

	h.scheduler.detectPriceShock(ctx)

	list, err := h.approvals.List(10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, approvals.StatusPending, list[0].Status)

	// The cooldown suppresses an immediate second pass.
	h.scheduler.detectPriceShock(ctx)
	list, err = h.approvals.List(10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
