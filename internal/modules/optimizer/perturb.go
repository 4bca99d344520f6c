package optimizer

import (
	"fmt"

	"github.com/aristath/vigil/internal/modules/rules"
)

// thresholdFactors is the grid applied to numeric comparison bounds.
var thresholdFactors = []float64{0.8, 0.9, 1.1, 1.2}

// windowFactors is the grid applied to lookback windows.
var windowFactors = []float64{0.5, 1.5}

// allocationSteps is the grid applied to allocation percentages.
var allocationSteps = []float64{-0.10, -0.05, 0.05, 0.10}

type variant struct {
	rule   *rules.Rule
	change string
}

// perturb generates single-parameter variants of a rule over a fixed grid.
// The output order is a function of the rule definition alone, so repeated
// runs explore identical candidates.
func perturb(rule *rules.Rule) []variant {
	var out []variant

	add := func(mutate func(*rules.Rule), change string) {
		clone, err := cloneRule(rule)
		if err != nil {
			return
		}
		mutate(clone)
		if clone.Validate() != nil {
			return
		}
		out = append(out, variant{rule: clone, change: change})
	}

	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		if c.GT != nil {
			for _, f := range thresholdFactors {
				i, v := i, *c.GT*f
				add(func(r *rules.Rule) { r.Conditions[i].GT = &v },
					fmt.Sprintf("conditions[%d].gt %.4g -> %.4g", i, *c.GT, v))
			}
		}
		if c.LT != nil {
			for _, f := range thresholdFactors {
				i, v := i, *c.LT*f
				add(func(r *rules.Rule) { r.Conditions[i].LT = &v },
					fmt.Sprintf("conditions[%d].lt %.4g -> %.4g", i, *c.LT, v))
			}
		}
		if c.MinPct != nil {
			for _, f := range thresholdFactors {
				i, v := i, *c.MinPct*f
				add(func(r *rules.Rule) { r.Conditions[i].MinPct = &v },
					fmt.Sprintf("conditions[%d].minPct %.4g -> %.4g", i, *c.MinPct, v))
			}
		}
		if c.WindowMins > 0 {
			for _, f := range windowFactors {
				i, v := i, int(float64(c.WindowMins)*f)
				if v < 1 {
					v = 1
				}
				add(func(r *rules.Rule) { r.Conditions[i].WindowMins = v },
					fmt.Sprintf("conditions[%d].windowMins %d -> %d", i, c.WindowMins, v))
			}
		}
	}

	for i := range rule.Actions {
		a := &rule.Actions[i]
		if a.AllocationPct <= 0 {
			continue
		}
		for _, step := range allocationSteps {
			v := a.AllocationPct + step
			if v < 0.01 || v > 1 {
				continue
			}
			i, v := i, v
			add(func(r *rules.Rule) { r.Actions[i].AllocationPct = v },
				fmt.Sprintf("actions[%d].allocationPct %.2f -> %.2f", i, a.AllocationPct, v))
		}
	}

	return out
}

// cloneRule deep-copies a rule through its wire form, preserving id and
// version.
func cloneRule(r *rules.Rule) (*rules.Rule, error) {
	data, err := r.Serialize()
	if err != nil {
		return nil, err
	}
	clone, err := rules.ParseRule(data)
	if err != nil {
		return nil, err
	}
	clone.ID = r.ID
	clone.Version = r.Version
	return clone, nil
}
