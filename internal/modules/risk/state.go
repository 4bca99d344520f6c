// Package risk implements the guardrail pipeline and the rolling risk state:
// velocity windows, cooldowns, the daily-loss circuit breaker, and trade
// reservations.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Velocity limits per rolling hour.
const (
	MaxTradesPerHour      = 5
	MaxTradesPerAssetHour = 3
)

// velocityWindow is the rolling window for trade counting.
const velocityWindow = time.Hour

// execution is one counted trade inside the velocity window.
type execution struct {
	Asset string    `msgpack:"asset"`
	At    time.Time `msgpack:"at"`
}

// reservation is a tentatively accepted intent awaiting execution. Reserved
// quantities reduce the sellable balance seen by later intents in the same
// tick, so two rules cannot both sell the same coins.
type reservation struct {
	Symbol   string          `msgpack:"symbol"`
	Side     string          `msgpack:"side"`
	Quantity decimal.Decimal `msgpack:"quantity"`
	At       time.Time       `msgpack:"at"`
}

// persistedState is the msgpack blob written to cache.db.
type persistedState struct {
	Executions     []execution         `msgpack:"executions"`
	DailyPnL       decimal.Decimal     `msgpack:"daily_pnl"`
	DailyDate      string              `msgpack:"daily_date"` // UTC yyyy-mm-dd the PnL belongs to
	LastExecution  map[int64]time.Time `msgpack:"last_execution"`
	BreakerTripped bool                `msgpack:"breaker_tripped"`
	TrippedUntil   time.Time           `msgpack:"tripped_until"`
}

// State is the process-global mutable risk state. All access goes through
// its methods; there is no direct field access from other packages.
type State struct {
	mu sync.Mutex

	executions    []execution
	dailyPnL      decimal.Decimal
	dailyDate     string
	lastExecution map[int64]time.Time
	reservations  map[string]reservation

	breakerTripped bool
	trippedUntil   time.Time
}

// NewState creates an empty risk state.
func NewState() *State {
	return &State{
		lastExecution: make(map[int64]time.Time),
		reservations:  make(map[string]reservation),
	}
}

// RecordExecution counts an executed trade for velocity and cooldown.
func (s *State) RecordExecution(ruleID int64, asset string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(at)
	s.executions = append(s.executions, execution{Asset: asset, At: at})
	if ruleID != 0 {
		s.lastExecution[ruleID] = at
	}
}

// LastExecution returns the time of a rule's last executed trade.
func (s *State) LastExecution(ruleID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastExecution[ruleID]
	return t, ok
}

// LastExecutions returns a copy of the per-rule execution times.
func (s *State) LastExecutions() map[int64]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]time.Time, len(s.lastExecution))
	for k, v := range s.lastExecution {
		out[k] = v
	}
	return out
}

// TradesInWindow returns (global, per-asset) executed-trade counts within
// the rolling hour ending at now.
func (s *State) TradesInWindow(asset string, now time.Time) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(now)
	global, forAsset := 0, 0
	for _, e := range s.executions {
		global++
		if e.Asset == asset {
			forAsset++
		}
	}
	return global, forAsset
}

// AddRealizedPnL accumulates realized profit or loss for the current UTC day,
// rolling the accumulator when the day changes.
func (s *State) AddRealizedPnL(pnl decimal.Decimal, now time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDay(now)
	s.dailyPnL = s.dailyPnL.Add(pnl)
	return s.dailyPnL
}

// DailyPnL returns today's realized PnL.
func (s *State) DailyPnL(now time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay(now)
	return s.dailyPnL
}

// TripBreaker trips the daily-loss circuit breaker until the next midnight
// UTC. Returns false if it was already tripped (the critical alert fires
// once per trip).
func (s *State) TripBreaker(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.breakerTripped && now.Before(s.trippedUntil) {
		return false
	}
	s.breakerTripped = true
	s.trippedUntil = nextMidnightUTC(now)
	return true
}

// BreakerTripped reports whether the circuit breaker is active, auto-arming
// it again after midnight UTC.
func (s *State) BreakerTripped(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.breakerTripped && !now.Before(s.trippedUntil) {
		s.breakerTripped = false
	}
	return s.breakerTripped
}

// ResetDaily clears the daily PnL and re-arms the breaker. Called by the
// midnight UTC job.
func (s *State) ResetDaily(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyPnL = decimal.Zero
	s.dailyDate = now.UTC().Format("2006-01-02")
	s.breakerTripped = false
	s.trippedUntil = time.Time{}
}

// Reserve records a tentative execution reservation keyed by approval id.
func (s *State) Reserve(id, symbol string, side string, qty decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[id] = reservation{Symbol: symbol, Side: side, Quantity: qty, At: at}
}

// Release drops a reservation, e.g. after execution failure or completion.
func (s *State) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, id)
}

// ReservedSell returns the total quantity of symbol already reserved for
// sale by earlier accepted intents.
func (s *State) ReservedSell(symbol string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, r := range s.reservations {
		if r.Symbol == symbol && r.Side == "sell" {
			total = total.Add(r.Quantity)
		}
	}
	return total
}

// View is the JSON shape of GET /risk/state.
type View struct {
	TradesLastHour   int                 `json:"trades_last_hour"`
	TradesPerAsset   map[string]int      `json:"trades_per_asset"`
	DailyRealizedPnL string              `json:"daily_realized_pnl"`
	LastExecutions   map[int64]time.Time `json:"last_executions"`
	BreakerTripped   bool                `json:"breaker_tripped"`
	TrippedUntil     *time.Time          `json:"tripped_until,omitempty"`
	Reservations     int                 `json:"reservations"`
}

// Snapshot returns a copy of the state for the API.
func (s *State) Snapshot(now time.Time) *View {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(now)
	s.rollDay(now)

	perAsset := make(map[string]int)
	for _, e := range s.executions {
		perAsset[e.Asset]++
	}

	lastExec := make(map[int64]time.Time, len(s.lastExecution))
	for k, v := range s.lastExecution {
		lastExec[k] = v
	}

	v := &View{
		TradesLastHour:   len(s.executions),
		TradesPerAsset:   perAsset,
		DailyRealizedPnL: s.dailyPnL.StringFixed(2),
		LastExecutions:   lastExec,
		BreakerTripped:   s.breakerTripped,
		Reservations:     len(s.reservations),
	}
	if s.breakerTripped {
		until := s.trippedUntil
		v.TrippedUntil = &until
	}
	return v
}

// export captures the durable portion of the state under the lock.
func (s *State) export() *persistedState {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastExec := make(map[int64]time.Time, len(s.lastExecution))
	for k, v := range s.lastExecution {
		lastExec[k] = v
	}
	return &persistedState{
		Executions:     append([]execution(nil), s.executions...),
		DailyPnL:       s.dailyPnL,
		DailyDate:      s.dailyDate,
		LastExecution:  lastExec,
		BreakerTripped: s.breakerTripped,
		TrippedUntil:   s.trippedUntil,
	}
}

// restore replaces the durable portion of the state.
func (s *State) restore(p *persistedState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions = append([]execution(nil), p.Executions...)
	s.dailyPnL = p.DailyPnL
	s.dailyDate = p.DailyDate
	s.lastExecution = make(map[int64]time.Time, len(p.LastExecution))
	for k, v := range p.LastExecution {
		s.lastExecution[k] = v
	}
	s.breakerTripped = p.BreakerTripped
	s.trippedUntil = p.TrippedUntil
}

// prune drops executions older than the velocity window. Callers hold the lock.
func (s *State) prune(now time.Time) {
	cutoff := now.Add(-velocityWindow)
	kept := s.executions[:0]
	for _, e := range s.executions {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.executions = kept
}

// rollDay zeroes the PnL accumulator when the UTC day changes. Callers hold
// the lock.
func (s *State) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if s.dailyDate != day {
		s.dailyDate = day
		s.dailyPnL = decimal.Zero
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
