package optimizer

import (
	"fmt"
	"math/rand"

	"github.com/aristath/vigil/pkg/formulas"
)

// Projection is a seeded Monte Carlo estimate of future portfolio value.
type Projection struct {
	Days        int                `json:"days"`
	Paths       int                `json:"paths"`
	Seed        int64              `json:"seed"`
	StartValue  float64            `json:"start_value"`
	DailyMean   float64            `json:"daily_mean"`
	DailyStdDev float64            `json:"daily_std_dev"`
	Expected    float64            `json:"expected"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// MonteCarlo projects the portfolio value forward by resampling the
// historical daily-return distribution. The same seed over the same history
// yields the same projection.
func (s *Service) MonteCarlo(days, paths int, seed int64) (*Projection, error) {
	if days <= 0 {
		days = 30
	}
	if paths <= 0 {
		paths = 1000
	}

	now := s.now()
	stream, err := s.snapshots.SnapshotRange(now.AddDate(0, 0, -s.windowDays), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot stream: %w", err)
	}
	if len(stream) < 3 {
		return nil, fmt.Errorf("not enough history to project: %d snapshots", len(stream))
	}

	equity := make([]float64, 0, len(stream))
	for _, snap := range stream {
		v, _ := snap.TotalUSD.Float64()
		equity = append(equity, v)
	}
	returns := formulas.CalculateReturns(equity)
	if len(returns) == 0 {
		return nil, fmt.Errorf("no usable return series")
	}

	mu := formulas.Mean(returns)
	sigma := formulas.StdDev(returns)
	start := equity[len(equity)-1]

	rng := rand.New(rand.NewSource(seed))
	finals := make([]float64, paths)
	var sum float64
	for p := 0; p < paths; p++ {
		value := start
		for d := 0; d < days; d++ {
			value *= 1 + mu + sigma*rng.NormFloat64()
			if value < 0 {
				value = 0
			}
		}
		finals[p] = value
		sum += value
	}

	return &Projection{
		Days:        days,
		Paths:       paths,
		Seed:        seed,
		StartValue:  start,
		DailyMean:   mu,
		DailyStdDev: sigma,
		Expected:    sum / float64(paths),
		Percentiles: map[string]float64{
			"p5":  formulas.Quantile(0.05, finals),
			"p25": formulas.Quantile(0.25, finals),
			"p50": formulas.Quantile(0.50, finals),
			"p75": formulas.Quantile(0.75, finals),
			"p95": formulas.Quantile(0.95, finals),
		},
	}, nil
}
