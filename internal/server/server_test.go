package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/clients/paper"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/approvals"
	"github.com/aristath/vigil/internal/modules/objectives"
	"github.com/aristath/vigil/internal/modules/portfolio"
	"github.com/aristath/vigil/internal/modules/risk"
	"github.com/aristath/vigil/internal/modules/rules"
	"github.com/aristath/vigil/internal/modules/settings"
	"github.com/aristath/vigil/internal/scheduler"
)

const testOwner = "owner-1"

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type snapshotSpy struct{}

func (s *snapshotSpy) ForceSnapshot(ctx context.Context, reason string) error { return nil }

func newDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:", Profile: profile, Name: name})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newTestServer wires a full server over in-memory stores and the paper
// exchange. closeCache closes the cache store before construction so the
// monitor starts degraded.
func newTestServer(t *testing.T, closeCache bool) *Server {
	t.Helper()
	log := zerolog.Nop()

	portfolioDB := newDB(t, "portfolio", database.ProfileStandard)
	configDB := newDB(t, "config", database.ProfileStandard)
	ledgerDB := newDB(t, "ledger", database.ProfileLedger)
	cacheDB := newDB(t, "cache", database.ProfileCache)

	client := paper.New(
		map[string]decimal.Decimal{"BTC": d("0.5"), "USDC": d("10000")},
		map[string]decimal.Decimal{"BTC": d("70000"), "USDC": d("1")},
		log,
	)
	bus := events.NewBus(log)

	portfolioSvc := portfolio.NewService(
		client,
		portfolio.NewSnapshotRepository(portfolioDB.Conn(), log),
		portfolio.NewBaselineRepository(portfolioDB.Conn(), log),
		portfolio.NewCollateralRepository(portfolioDB, log),
		portfolio.NewPriceRepository(portfolioDB.Conn(), log),
		bus,
		log,
	)

	ruleRepo := rules.NewRepository(configDB, log)
	metricsRepo := rules.NewMetricsRepository(cacheDB.Conn(), log)
	objectivesRepo := objectives.NewRepository(configDB.Conn(), log)
	settingsRepo := settings.NewRepository(configDB.Conn(), log)
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
		approvals.Config{MFAThresholdUSD: 1000}, log)

	engine := rules.NewEngine(bus, log)
	evaluator := scheduler.NewEvaluator(engine, ruleRepo, portfolioSvc, objectivesRepo, ksRepo, pipeline, workflow, bus, false, log)
	workflow.SetEnvBuilder(evaluator.Env)

	if closeCache {
		require.NoError(t, cacheDB.Close())
	}

	return New(Config{
		Log: log,
		Cfg: &config.Config{
			Port:        8080,
			OwnerID:     testOwner,
			DataDir:     t.TempDir(),
			CORSOrigins: []string{"https://app.example.com"},
		},
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
		RiskState:   state,
		KillSwitch:  ksRepo,
		Alerts:      risk.NewAlertRepository(ledgerDB, log),
		Approvals:   approvalRepo,
		Executions:  executionRepo,
		Workflow:    workflow,
		Evaluator:   evaluator,
		JobHistory:  scheduler.NewHistoryRepository(cacheDB.Conn(), log),
	})
}

func doRequest(s *Server, method, path, owner string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthEndpoints(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"ledger":true`)

	rec = doRequest(s, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/health/full", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kill_switch"`)
	assert.Contains(t, rec.Body.String(), `"risk"`)
}

func TestServer_OwnerGate(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(s, http.MethodPost, "/kill-switch", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodPost, "/kill-switch", "someone-else")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/kill-switch", strings.NewReader(`{"enabled":true,"reason":"drill"}`))
	req.Header.Set(ownerHeader, testOwner)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/kill-switch", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":true`)
}

func TestServer_ForceSnapshotRateLimited(t *testing.T) {
	s := newTestServer(t, false)

	// Burst of two passes, the third exhausts the limiter.
	for i := 0; i < 2; i++ {
		rec := doRequest(s, http.MethodPost, "/portfolio/snapshot/force", "")
		assert.Equal(t, http.StatusCreated, rec.Code, "request %d", i)
	}
	rec := doRequest(s, http.MethodPost, "/portfolio/snapshot/force", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_DegradedRefusesMutations(t *testing.T) {
	s := newTestServer(t, true)

	rec := doRequest(s, http.MethodPost, "/kill-switch", testOwner)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Reads keep serving.
	rec = doRequest(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestServer_RiskStateAndPortfolioReads(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(s, http.MethodGet, "/risk/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/approvals/pending", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/objectives", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTC")
}

func TestServer_MonteCarloWithoutOptimizer(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(s, http.MethodPost, "/monte-carlo", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOriginMatcher(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://anything.dev", true},
		{"exact match", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"exact mismatch", []string{"https://app.example.com"}, "https://evil.example.com", false},
		{"wildcard star", []string{"*"}, "https://anything.dev", true},
		{"subdomain wildcard", []string{"https://*.example.com"}, "https://app.example.com", true},
		{"subdomain wildcard rejects other domain", []string{"https://*.example.com"}, "https://example.org", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			match := originMatcher(tc.allowed)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			assert.Equal(t, tc.want, match(req, tc.origin))
		})
	}
}
