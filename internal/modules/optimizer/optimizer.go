package optimizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/modules/rules"
)

// improvementFloor is the minimum composite-score gain that turns a
// candidate into a proposal.
const improvementFloor = 0.10

// SnapshotSource supplies the historical snapshot stream.
type SnapshotSource interface {
	SnapshotRange(start, end time.Time) ([]*domain.Snapshot, error)
}

// Candidate is one evaluated rule variant.
type Candidate struct {
	RuleID        int64       `json:"rule_id"`
	RuleName      string      `json:"rule_name"`
	Change        string      `json:"change"`
	BaselineScore float64     `json:"baseline_score"`
	Score         float64     `json:"score"`
	Improvement   float64     `json:"improvement"`
	Result        *Result     `json:"result"`
	Rule          *rules.Rule `json:"rule"`
}

// RunSummary is the output of one optimizer pass.
type RunSummary struct {
	Window     int          `json:"window_days"`
	Rules      int          `json:"rules_evaluated"`
	Candidates []*Candidate `json:"candidates"`
	Proposals  []string     `json:"proposal_ids"`
	RanAt      time.Time    `json:"ran_at"`
}

// Service runs the nightly optimization pass: backtest every enabled rule,
// perturb its numeric parameters over a deterministic grid, and propose the
// variants that beat the baseline by at least 10%.
type Service struct {
	rules      *rules.Repository
	metrics    *rules.MetricsRepository
	snapshots  SnapshotSource
	backtester *Backtester
	proposals  Submitter
	bus        *events.Bus
	windowDays int
	log        zerolog.Logger

	now func() time.Time
}

// Submitter queues a proposal and returns its approval id.
type Submitter func(ruleID int64, ruleVersion int, symbol, reason, payload string) (string, error)

// NewService creates the optimizer service. windowDays <= 0 defaults to 90.
func NewService(ruleRepo *rules.Repository, metrics *rules.MetricsRepository,
	snapshots SnapshotSource, backtester *Backtester, proposals Submitter,
	bus *events.Bus, windowDays int, log zerolog.Logger) *Service {
	if windowDays <= 0 {
		windowDays = 90
	}
	return &Service{
		rules:      ruleRepo,
		metrics:    metrics,
		snapshots:  snapshots,
		backtester: backtester,
		proposals:  proposals,
		bus:        bus,
		windowDays: windowDays,
		log:        log.With().Str("module", "optimizer").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Optimize runs one full pass over all enabled rules.
func (s *Service) Optimize() (*RunSummary, error) {
	now := s.now()
	stream, err := s.snapshots.SnapshotRange(now.AddDate(0, 0, -s.windowDays), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot stream: %w", err)
	}
	if len(stream) < 2 {
		return nil, fmt.Errorf("not enough history to optimize: %d snapshots", len(stream))
	}

	enabled, err := s.rules.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	summary := &RunSummary{Window: s.windowDays, Rules: len(enabled), RanAt: now}
	for _, rule := range enabled {
		candidates, err := s.optimizeRule(rule, stream, now)
		if err != nil {
			s.log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("Rule optimization failed")
			continue
		}
		summary.Candidates = append(summary.Candidates, candidates...)
	}

	// Best improvement first; ties break on rule id for reproducibility.
	sort.SliceStable(summary.Candidates, func(i, j int) bool {
		if summary.Candidates[i].Improvement != summary.Candidates[j].Improvement {
			return summary.Candidates[i].Improvement > summary.Candidates[j].Improvement
		}
		return summary.Candidates[i].RuleID < summary.Candidates[j].RuleID
	})

	proposed := make(map[int64]bool)
	for _, c := range summary.Candidates {
		if c.Improvement < improvementFloor || proposed[c.RuleID] {
			continue
		}
		id, err := s.propose(c)
		if err != nil {
			s.log.Error().Err(err).Int64("rule_id", c.RuleID).Msg("Failed to queue proposal")
			continue
		}
		proposed[c.RuleID] = true
		summary.Proposals = append(summary.Proposals, id)
	}

	s.emitTopCandidates(summary)
	return summary, nil
}

// BacktestRule replays one rule over an explicit window.
func (s *Service) BacktestRule(ruleID int64, start, end time.Time) (*Result, error) {
	rule, err := s.rules.Get(ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("rule %d not found", ruleID)
	}
	stream, err := s.snapshots.SnapshotRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot stream: %w", err)
	}

	result, err := s.backtester.Run(rule, stream)
	if err != nil {
		return nil, err
	}

	if err := s.metrics.Append(&rules.Metrics{
		RuleID:      rule.ID,
		Version:     rule.Version,
		WindowStart: start,
		WindowEnd:   end,
		Trades:      result.Trades,
		WinRate:     result.WinRate,
		Sharpe:      result.Sharpe,
		MaxDrawdown: result.MaxDrawdown,
		TotalReturn: result.TotalReturn,
	}); err != nil {
		s.log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("Failed to append backtest metrics")
	}
	return result, nil
}

func (s *Service) optimizeRule(rule *rules.Rule, stream []*domain.Snapshot, now time.Time) ([]*Candidate, error) {
	baseline, err := s.backtester.Run(rule, stream)
	if err != nil {
		return nil, err
	}
	baseScore := baseline.Score()

	if err := s.metrics.Append(&rules.Metrics{
		RuleID:      rule.ID,
		Version:     rule.Version,
		WindowStart: stream[0].Timestamp,
		WindowEnd:   stream[len(stream)-1].Timestamp,
		Trades:      baseline.Trades,
		WinRate:     baseline.WinRate,
		Sharpe:      baseline.Sharpe,
		MaxDrawdown: baseline.MaxDrawdown,
		TotalReturn: baseline.TotalReturn,
	}); err != nil {
		s.log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("Failed to append rule metrics")
	}

	var out []*Candidate
	for _, variant := range perturb(rule) {
		result, err := s.backtester.Run(variant.rule, stream)
		if err != nil {
			continue
		}
		score := result.Score()
		result.Equity = nil // the curve is large and the summary doesn't need it

		out = append(out, &Candidate{
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			Change:        variant.change,
			BaselineScore: baseScore,
			Score:         score,
			Improvement:   improvement(baseScore, score),
			Result:        result,
			Rule:          variant.rule,
		})
	}
	return out, nil
}

func (s *Service) propose(c *Candidate) (string, error) {
	definition, err := c.Rule.Serialize()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"rule_id":        c.RuleID,
		"change":         c.Change,
		"baseline_score": c.BaselineScore,
		"score":          c.Score,
		"improvement":    c.Improvement,
		"metrics":        c.Result,
		"definition":     json.RawMessage(definition),
	})
	if err != nil {
		return "", err
	}

	symbol := ""
	if len(c.Rule.Actions) > 0 {
		symbol = c.Rule.Actions[0].Symbol
	}
	reason := fmt.Sprintf("%s: %s improves score %.3f -> %.3f (%+.0f%%)",
		c.RuleName, c.Change, c.BaselineScore, c.Score, c.Improvement*100)
	return s.proposals(c.RuleID, c.Rule.Version, symbol, reason, string(payload))
}

func (s *Service) emitTopCandidates(summary *RunSummary) {
	top := summary.Candidates
	if len(top) > 3 {
		top = top[:3]
	}
	brief := make([]map[string]interface{}, 0, len(top))
	for _, c := range top {
		brief = append(brief, map[string]interface{}{
			"rule_id":     c.RuleID,
			"rule_name":   c.RuleName,
			"change":      c.Change,
			"score":       c.Score,
			"improvement": c.Improvement,
		})
	}
	s.bus.EmitAlert("optimizer", events.AlertOptimization, events.SeverityInfo,
		fmt.Sprintf("nightly optimization: %d rules, %d candidates, %d proposals",
			summary.Rules, len(summary.Candidates), len(summary.Proposals)),
		map[string]interface{}{"top": brief})
}

func improvement(base, score float64) float64 {
	if base == 0 {
		return score
	}
	delta := (score - base) / base
	if base < 0 {
		delta = -delta
	}
	return delta
}
