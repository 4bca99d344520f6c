// Package server provides the HTTP server and routing for Vigil.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/approvals"
	approvalhandlers "github.com/aristath/vigil/internal/modules/approvals/handlers"
	"github.com/aristath/vigil/internal/modules/objectives"
	objectivehandlers "github.com/aristath/vigil/internal/modules/objectives/handlers"
	"github.com/aristath/vigil/internal/modules/optimizer"
	"github.com/aristath/vigil/internal/modules/portfolio"
	portfoliohandlers "github.com/aristath/vigil/internal/modules/portfolio/handlers"
	"github.com/aristath/vigil/internal/modules/risk"
	riskhandlers "github.com/aristath/vigil/internal/modules/risk/handlers"
	"github.com/aristath/vigil/internal/modules/rules"
	rulehandlers "github.com/aristath/vigil/internal/modules/rules/handlers"
	"github.com/aristath/vigil/internal/modules/settings"
	settinghandlers "github.com/aristath/vigil/internal/modules/settings/handlers"
	"github.com/aristath/vigil/internal/scheduler"
)

// ownerHeader carries the owner identity on mutating requests.
const ownerHeader = "X-Owner-ID"

// Config holds everything the server needs. Handlers are built inside New;
// callers wire services, not HTTP plumbing.
type Config struct {
	Log zerolog.Logger
	Cfg *config.Config

	LedgerDB    *database.DB
	PortfolioDB *database.DB
	ConfigDB    *database.DB
	CacheDB     *database.DB

	Bus        *events.Bus
	Portfolio  *portfolio.Service
	Objectives *objectives.Repository
	Settings   *settings.Repository
	Rules      *rules.Repository
	Metrics    *rules.MetricsRepository
	RiskState  *risk.State
	KillSwitch *risk.KillSwitchRepository
	Alerts     *risk.AlertRepository
	Approvals  *approvals.Repository
	Executions *approvals.ExecutionRepository
	Workflow   *approvals.Workflow
	Evaluator  rulehandlers.Evaluator
	Optimizer  *optimizer.Service
	JobHistory *scheduler.HistoryRepository
}

// Server is the HTTP front of the process.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	monitor *StoreMonitor
	live    *LiveStreamHandler
	health  *HealthHandlers

	forceSnapshotLimiter *rate.Limiter
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()

	monitor := NewStoreMonitor(map[string]*database.DB{
		"ledger":    cfg.LedgerDB,
		"portfolio": cfg.PortfolioDB,
		"config":    cfg.ConfigDB,
		"cache":     cfg.CacheDB,
	}, cfg.Bus, cfg.Log)

	s := &Server{
		router:  chi.NewRouter(),
		log:     log,
		cfg:     cfg.Cfg,
		monitor: monitor,
		live:    NewLiveStreamHandler(cfg.Bus, cfg.Log),
		health: NewHealthHandlers(HealthDeps{
			Cfg:        cfg.Cfg,
			Monitor:    monitor,
			Portfolio:  cfg.Portfolio,
			Rules:      cfg.Rules,
			RiskState:  cfg.RiskState,
			KillSwitch: cfg.KillSwitch,
			Alerts:     cfg.Alerts,
			Approvals:  cfg.Approvals,
			JobHistory: cfg.JobHistory,
			Log:        cfg.Log,
		}),
		// Live refreshes hit the exchange; two bursts a minute is plenty.
		forceSnapshotLimiter: rate.NewLimiter(rate.Every(30*time.Second), 2),
	}

	s.setupMiddleware()
	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections outlive any write deadline
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start(ctx context.Context) error {
	s.monitor.Start(ctx)
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.monitor.Stop()
	s.live.Close()
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  originMatcher(s.cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ownerHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(s.degradedMiddleware)
}

func (s *Server) setupRoutes(cfg Config) {
	portfolioH := portfoliohandlers.NewHandler(cfg.Portfolio, cfg.Log)
	objectivesH := objectivehandlers.NewHandler(cfg.Objectives, cfg.Log)
	settingsH := settinghandlers.NewHandler(cfg.Settings, cfg.Log)
	riskH := riskhandlers.NewHandler(cfg.RiskState, cfg.KillSwitch, cfg.Log)
	approvalsH := approvalhandlers.NewHandler(cfg.Approvals, cfg.Executions, cfg.Workflow, cfg.Log)

	rulesH := rulehandlers.NewHandler(cfg.Rules, cfg.Metrics, cfg.Log)
	rulesH.SetEvaluator(cfg.Evaluator)
	if cfg.Optimizer != nil {
		rulesH.SetOptimizer(newOptimizerAdapter(cfg.Optimizer))
	}

	mc := &MonteCarloHandler{svc: cfg.Optimizer, log: cfg.Log}

	r := s.router

	// Liveness and diagnostics. Timeouts apply to everything except /live.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.health.HandleHealth)
		r.Get("/health/full", s.health.HandleHealthFull)
		r.Get("/status", s.health.HandleStatus)

		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/current", portfolioH.HandleCurrent)
			r.Get("/changes", portfolioH.HandleChanges)
			r.With(s.requireOwner).Post("/snapshot", portfolioH.HandleManualSnapshot)
			r.With(s.rateLimit(s.forceSnapshotLimiter)).Post("/snapshot/force", portfolioH.HandleForceSnapshot)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", approvalsH.HandleList)
			r.Get("/pending", approvalsH.HandleListPending)
			r.Get("/{id}", approvalsH.HandleGet)
			r.Post("/", approvalsH.HandleCreate)
			r.With(s.requireOwner).Patch("/{id}", approvalsH.HandleAct)
		})
		r.Get("/executions", approvalsH.HandleExecutions)

		r.Get("/kill-switch", riskH.HandleGetKillSwitch)
		r.With(s.requireOwner).Post("/kill-switch", riskH.HandleSetKillSwitch)
		r.Get("/risk/state", riskH.HandleState)

		r.Get("/objectives", objectivesH.HandleGet)
		r.With(s.requireOwner).Put("/objectives", objectivesH.HandlePut)

		r.Get("/settings", settingsH.HandleGetAll)
		r.With(s.requireOwner).Put("/settings", settingsH.HandleUpdate)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", rulesH.HandleList)
			r.Get("/{id}/metrics", rulesH.HandleMetrics)
			r.Group(func(r chi.Router) {
				r.Use(s.requireOwner)
				r.Post("/", rulesH.HandleCreate)
				r.Post("/{id}/activate", rulesH.HandleActivate)
				r.Post("/{id}/backtest", rulesH.HandleBacktest)
				r.Post("/optimize", rulesH.HandleOptimize)
				r.Post("/evaluate", rulesH.HandleEvaluate)
			})
		})

		r.Post("/monte-carlo", mc.HandleRun)
	})

	// SSE stream: no write timeout, no request timeout.
	r.Get("/live", s.live.ServeHTTP)
}

// requireOwner gates mutating endpoints on the configured owner identity.
// With no owner configured every gated request is refused.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(ownerHeader)
		if s.cfg.OwnerID == "" || owner != s.cfg.OwnerID {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects requests beyond the limiter's budget with 429.
func (s *Server) rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// degradedMiddleware refuses mutations while the durable store is down.
// Reads keep serving from in-memory state.
func (s *Server) degradedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.monitor.Degraded() {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				http.Error(w, "store unavailable, mutations disabled", http.StatusServiceUnavailable)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

// originMatcher builds the CORS origin check: exact entries match verbatim,
// entries with a "*." host prefix match any subdomain. An empty list allows
// everything, the development default.
func originMatcher(origins []string) func(r *http.Request, origin string) bool {
	return func(r *http.Request, origin string) bool {
		if len(origins) == 0 {
			return true
		}
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				return true
			}
			if star := strings.Index(allowed, "*."); star >= 0 {
				prefix := allowed[:star]
				suffix := allowed[star+1:] // keep the dot: ".example.com"
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					return true
				}
			}
		}
		return false
	}
}
