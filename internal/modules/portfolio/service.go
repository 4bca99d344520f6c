package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
)

// xrpSeedFloor is the minimum XRP baseline seeded from the bootstrap
// snapshot. BTC seeds at the full starting balance.
var xrpSeedFloor = decimal.NewFromInt(10)

// StaleAfter is how old the latest snapshot can be before /portfolio/current
// reports it stale.
const StaleAfter = 15 * time.Minute

// Service coordinates snapshot capture, baseline seeding, collateral
// refreshes, and the rolling price series.
type Service struct {
	exchange   domain.ExchangeClient
	snapshots  *SnapshotRepository
	baselines  *BaselineRepository
	collateral *CollateralRepository
	prices     *PriceRepository
	bus        *events.Bus
	log        zerolog.Logger

	// lastSnapshot is the in-memory fallback when the store is unavailable.
	mu           sync.RWMutex
	lastSnapshot *domain.Snapshot
}

// NewService creates a new portfolio service.
func NewService(
	exchange domain.ExchangeClient,
	snapshots *SnapshotRepository,
	baselines *BaselineRepository,
	collateral *CollateralRepository,
	prices *PriceRepository,
	bus *events.Bus,
	log zerolog.Logger,
) *Service {
	return &Service{
		exchange:   exchange,
		snapshots:  snapshots,
		baselines:  baselines,
		collateral: collateral,
		prices:     prices,
		bus:        bus,
		log:        log.With().Str("module", "portfolio").Logger(),
	}
}

// Refresh runs a full portfolio cycle: pull balances, prices, and collateral
// from the exchange, persist an immutable snapshot, replace collateral, and
// emit portfolio:updated. The bootstrap cycle additionally seeds baselines.
func (s *Service) Refresh(ctx context.Context, reason string) (*domain.Snapshot, error) {
	balances, err := s.exchange.GetAllBalances(ctx)
	if err != nil {
		s.alertFetchFailure("balance", err)
		return nil, fmt.Errorf("balance fetch failed: %w", err)
	}

	assets := make([]string, 0, len(balances))
	for a := range balances {
		assets = append(assets, a)
	}
	prices, err := s.exchange.GetSpotPrices(ctx, assets)
	if err != nil {
		s.alertFetchFailure("price", err)
		return nil, fmt.Errorf("price fetch failed: %w", err)
	}
	// USDC is the quote currency; value it at par when the exchange omits it.
	if _, ok := prices["USDC"]; !ok {
		if _, held := balances["USDC"]; held {
			prices["USDC"] = decimal.NewFromInt(1)
		}
	}

	collateralRecords, err := s.exchange.GetCollateral(ctx)
	if err != nil {
		// Collateral is advisory for the snapshot itself; keep the prior set.
		s.log.Warn().Err(err).Msg("Collateral fetch failed, keeping prior records")
	} else if err := s.collateral.Replace(collateralRecords); err != nil {
		s.log.Error().Err(err).Msg("Failed to replace collateral records")
	}

	snap := &domain.Snapshot{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Balances:  balances,
		Prices:    prices,
		TotalUSD:  domain.ComputeTotalUSD(balances, prices),
	}

	bootstrap, err := s.isBootstrap()
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not determine bootstrap state")
	}

	if err := s.persist(snap); err != nil {
		// Keep the in-memory fallback current even when the store is down.
		s.setLast(snap)
		return snap, err
	}
	s.setLast(snap)

	if bootstrap {
		s.seedBaselines(balances)
	}

	if err := s.prices.Record(snap.Timestamp, prices); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record prices from snapshot")
	}

	s.bus.Emit("portfolio", &events.PortfolioUpdatedData{
		TotalUSD:   snap.TotalUSD.StringFixed(2),
		AssetCount: len(balances),
		SnapshotID: snap.ID,
		Reason:     reason,
	})

	return snap, nil
}

// PriceTick runs the lightweight price cycle: pull spot prices for the held
// assets, append to the rolling series, prune, and emit price:update.
func (s *Service) PriceTick(ctx context.Context) error {
	snap := s.Last()
	if snap == nil {
		var err error
		snap, err = s.snapshots.GetLatest()
		if err != nil || snap == nil {
			return fmt.Errorf("no snapshot available for price tick")
		}
		s.setLast(snap)
	}

	assets := make([]string, 0, len(snap.Balances))
	for a := range snap.Balances {
		assets = append(assets, a)
	}

	prices, err := s.exchange.GetSpotPrices(ctx, assets)
	if err != nil {
		s.alertFetchFailure("price", err)
		return fmt.Errorf("price fetch failed: %w", err)
	}

	now := time.Now().UTC()
	if err := s.prices.Record(now, prices); err != nil {
		return err
	}
	if _, err := s.prices.Prune(PriceRetention); err != nil {
		s.log.Warn().Err(err).Msg("Price prune failed")
	}

	out := make(map[string]string, len(prices))
	for sym, p := range prices {
		out[sym] = p.String()
	}
	s.bus.Emit("portfolio", &events.PriceUpdateData{Prices: out})

	return nil
}

// ManualSnapshot persists an owner-supplied snapshot. Deposit snapshots also
// raise baselines by the deposited amounts, keeping the floors monotone.
func (s *Service) ManualSnapshot(req *ManualSnapshotRequest) (*domain.Snapshot, error) {
	if len(req.Balances) == 0 {
		return nil, fmt.Errorf("balances are required")
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	snap := &domain.Snapshot{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Balances:  req.Balances,
		Prices:    req.Prices,
		TotalUSD:  domain.ComputeTotalUSD(req.Balances, req.Prices),
	}

	bootstrap, _ := s.isBootstrap()
	if err := s.persist(snap); err != nil {
		return nil, err
	}
	s.setLast(snap)

	if bootstrap {
		s.seedBaselines(req.Balances)
	}

	if req.IsDeposit {
		for asset, amount := range req.DepositAmounts {
			if amount.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if err := s.baselines.Increment(asset, amount); err != nil {
				s.log.Error().Err(err).Str("asset", asset).Msg("Baseline increment failed")
			}
		}
	}

	s.bus.Emit("portfolio", &events.SnapshotData{
		SnapshotID: snap.ID,
		Reason:     reason,
		TotalUSD:   snap.TotalUSD.StringFixed(2),
	})

	return snap, nil
}

// ForceSnapshot pulls live state from the exchange and persists a snapshot
// with the given reason. Used by the trade executor ("trade") and the
// rate-limited force endpoint ("forced").
func (s *Service) ForceSnapshot(ctx context.Context, reason string) (*domain.Snapshot, error) {
	snap, err := s.Refresh(ctx, reason)
	if err != nil {
		return nil, err
	}
	s.bus.Emit("portfolio", &events.SnapshotData{
		SnapshotID: snap.ID,
		Reason:     reason,
		TotalUSD:   snap.TotalUSD.StringFixed(2),
	})
	return snap, nil
}

// Current returns the latest snapshot with baselines and freshness age.
func (s *Service) Current() (*CurrentView, error) {
	snap, err := s.snapshots.GetLatest()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = s.Last()
	}
	if snap == nil {
		return nil, fmt.Errorf("no snapshot available")
	}

	baselines, err := s.baselines.GetAll()
	if err != nil {
		return nil, err
	}

	age := int64(time.Since(snap.Timestamp).Seconds())
	return &CurrentView{
		Snapshot:  snap,
		Baselines: baselines,
		AgeSecs:   age,
		Stale:     time.Since(snap.Timestamp) > StaleAfter,
	}, nil
}

// ChangesSince diffs the latest snapshot against the newest snapshot at or
// before the reference time.
func (s *Service) ChangesSince(since time.Time) (*ChangeSet, error) {
	current, err := s.snapshots.GetLatest()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("no snapshot available")
	}

	reference, err := s.snapshots.GetLatestBefore(since)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{
		Since:   since,
		Current: current,
		Deltas:  make(map[string]string),
	}
	cs.TotalUSD.After = current.TotalUSD.StringFixed(2)

	if reference == nil {
		cs.TotalUSD.Before = "0"
		for asset, qty := range current.Balances {
			cs.Deltas[asset] = qty.String()
		}
		return cs, nil
	}

	cs.Reference = reference
	cs.TotalUSD.Before = reference.TotalUSD.StringFixed(2)

	seen := make(map[string]bool)
	for asset, qty := range current.Balances {
		delta := qty.Sub(reference.Balances[asset])
		if !delta.IsZero() {
			cs.Deltas[asset] = delta.String()
		}
		seen[asset] = true
	}
	for asset, qty := range reference.Balances {
		if !seen[asset] && !qty.IsZero() {
			cs.Deltas[asset] = qty.Neg().String()
		}
	}

	return cs, nil
}

// Prune applies retention policy to snapshots.
func (s *Service) Prune() error {
	_, err := s.snapshots.Prune(SnapshotRetention)
	return err
}

// Last returns the in-memory copy of the most recent snapshot, or nil.
func (s *Service) Last() *domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSnapshot
}

// Baselines returns all baselines keyed by asset.
func (s *Service) Baselines() (map[string]decimal.Decimal, error) {
	return s.baselines.GetAll()
}

// SetBaseline writes an explicit owner override for a baseline floor.
func (s *Service) SetBaseline(asset string, quantity decimal.Decimal) error {
	return s.baselines.Set(asset, quantity)
}

// Collateral returns the current collateral record set.
func (s *Service) Collateral() ([]domain.CollateralRecord, error) {
	return s.collateral.GetAll()
}

// Closes returns float64 closes for symbol over the given window, the input
// shape for indicator calculations.
func (s *Service) Closes(symbol string, window time.Duration) ([]float64, error) {
	return s.prices.GetCloses(symbol, time.Now().Add(-window))
}

// PriceChangePct returns the fractional change of symbol over the window, or
// nil when the series does not span it.
func (s *Service) PriceChangePct(symbol string, window time.Duration) (*float64, error) {
	then, err := s.prices.GetPriceAt(symbol, time.Now().Add(-window))
	if err != nil || then == nil || then.IsZero() {
		return nil, err
	}
	nowPrice, err := s.prices.GetPriceAt(symbol, time.Now())
	if err != nil || nowPrice == nil {
		return nil, err
	}
	pct, _ := nowPrice.Sub(*then).Div(*then).Float64()
	return &pct, nil
}

// SnapshotRange exposes the snapshot stream for the backtester.
func (s *Service) SnapshotRange(start, end time.Time) ([]*domain.Snapshot, error) {
	return s.snapshots.GetRange(start, end)
}

func (s *Service) persist(snap *domain.Snapshot) error {
	id, err := s.snapshots.Create(snap)
	if err != nil {
		return err
	}
	snap.ID = id
	return nil
}

// alertFetchFailure reports a failed exchange pull. The cycle aborts without
// touching the stores; the scheduler retries on the next tick.
func (s *Service) alertFetchFailure(what string, err error) {
	s.log.Error().Err(err).Str("fetch", what).Msg("Exchange fetch failed")
	s.bus.EmitAlert("portfolio", events.AlertDataFetchError, events.SeverityWarning,
		fmt.Sprintf("%s fetch failed: %s", what, err),
		map[string]interface{}{"fetch": what})
}

func (s *Service) setLast(snap *domain.Snapshot) {
	s.mu.Lock()
	s.lastSnapshot = snap
	s.mu.Unlock()
}

func (s *Service) isBootstrap() (bool, error) {
	count, err := s.snapshots.Count()
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// seedBaselines writes the default protected floors after the bootstrap
// snapshot: the full BTC balance and at least 10 XRP.
func (s *Service) seedBaselines(balances map[string]decimal.Decimal) {
	existing, err := s.baselines.Count()
	if err != nil || existing > 0 {
		return
	}

	if btc, ok := balances["BTC"]; ok {
		if err := s.baselines.Set("BTC", btc); err != nil {
			s.log.Error().Err(err).Msg("Failed to seed BTC baseline")
		}
	}

	xrp := balances["XRP"]
	if xrp.LessThan(xrpSeedFloor) {
		xrp = xrpSeedFloor
	}
	if err := s.baselines.Set("XRP", xrp); err != nil {
		s.log.Error().Err(err).Msg("Failed to seed XRP baseline")
	}

	s.log.Info().Msg("Baselines seeded from bootstrap snapshot")
}
