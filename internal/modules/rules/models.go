// Package rules implements the declarative trading rule DSL: parsing,
// versioned persistence, and per-tick evaluation into trade intents.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// Trigger types.
const (
	TriggerInterval = "interval"
	TriggerEvent    = "event"
)

// Condition types.
const (
	CondPriceChangePct    = "priceChangePct"
	CondIndicator         = "indicator"
	CondBalance           = "balance"
	CondAboveBaseline     = "aboveBaseline"
	CondPortfolioValueUSD = "portfolioValueUSD"
	CondCustom            = "custom"
)

// Action types.
const (
	ActionEnter     = "enter"
	ActionExit      = "exit"
	ActionRebalance = "rebalance"
	ActionAlertOnly = "alertOnly"
)

// Guardrail names.
const (
	GuardBaselineProtection   = "baselineProtection"
	GuardCollateralProtection = "collateralProtection"
	GuardCircuitDrawdown      = "circuitDrawdown"
	GuardThrottleVelocity     = "throttleVelocity"
	GuardPositionSizing       = "positionSizing"
)

// Indicator names accepted by indicator conditions.
var validIndicators = map[string]bool{
	"rsi":       true,
	"ema":       true,
	"sma":       true,
	"macd_hist": true,
}

var validGuardrails = map[string]bool{
	GuardBaselineProtection:   true,
	GuardCollateralProtection: true,
	GuardCircuitDrawdown:      true,
	GuardThrottleVelocity:     true,
	GuardPositionSizing:       true,
}

var validEvents = map[domain.TriggerEvent]bool{
	domain.EventDeposit:    true,
	domain.EventWithdrawal: true,
	domain.EventPriceShock: true,
	domain.EventManual:     true,
}

// Trigger fires a rule on a schedule or on a portfolio event.
type Trigger struct {
	Type  string              `json:"type"`
	Every Duration            `json:"every,omitempty"` // interval triggers
	On    domain.TriggerEvent `json:"on,omitempty"`    // event triggers
}

// Duration is a time.Duration that marshals as a string like "10m".
type Duration time.Duration

// MarshalJSON renders the duration in Go's string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string ("90s", "10m") or seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Condition is one predicate of a rule; Type selects the variant and the
// other fields are populated per variant. Thresholds on percentage fields
// are decimal fractions (15% = 0.15).
type Condition struct {
	Type string `json:"type"`

	// priceChangePct, indicator, balance, aboveBaseline
	Symbol string `json:"symbol,omitempty"`

	// priceChangePct
	WindowMins int `json:"windowMins,omitempty"`

	// indicator
	Name   string             `json:"name,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`

	// aboveBaseline
	MinPct *float64 `json:"minPct,omitempty"`

	// custom
	Expr string `json:"expr,omitempty"`

	// comparison bounds (variant-dependent)
	GT      *float64  `json:"gt,omitempty"`
	LT      *float64  `json:"lt,omitempty"`
	Between []float64 `json:"between,omitempty"`
}

// Action is one consequence of a rule firing. AllocationPct is a decimal
// fraction of the sellable holding (exit) or available quote balance (enter).
type Action struct {
	Type          string             `json:"type"`
	Symbol        string             `json:"symbol,omitempty"`
	AllocationPct float64            `json:"allocationPct,omitempty"`
	TargetWeights map[string]float64 `json:"targetWeights,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// RiskBlock carries the per-rule risk parameters consumed by the guardrail
// pipeline.
type RiskBlock struct {
	MaxPositionPct float64  `json:"maxPositionPct,omitempty"`
	CooldownSecs   int      `json:"cooldownSecs,omitempty"`
	Guardrails     []string `json:"guardrails,omitempty"`
}

// HasGuardrail reports whether the named guardrail is present.
func (rb *RiskBlock) HasGuardrail(name string) bool {
	for _, g := range rb.Guardrails {
		if g == name {
			return true
		}
	}
	return false
}

// Rule is a compiled declarative policy.
type Rule struct {
	ID         int64       `json:"id,omitempty"`
	Version    int         `json:"version,omitempty"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Risk       RiskBlock   `json:"risk"`
}

// Intent is a candidate trade proposed by a rule during one tick. It is
// transient: the risk pipeline either drops it, auto-executes it, or
// persists it as an approval.
type Intent struct {
	RuleID      int64           `json:"rule_id"`
	RuleVersion int             `json:"rule_version"`
	RuleName    string          `json:"rule_name"`
	Action      string          `json:"action"`
	Symbol      string          `json:"symbol"`
	Side        domain.Side     `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EstPrice    decimal.Decimal `json:"est_price"`
	EstValueUSD decimal.Decimal `json:"est_value_usd"`
	Reason      string          `json:"reason"`
	DryRun      bool            `json:"dry_run"`
	CreatedAt   time.Time       `json:"created_at"`
	Risk        RiskBlock       `json:"risk"`
}

// ParseRule decodes and validates a rule definition. The returned rule
// serializes back to an equivalent document.
func ParseRule(data []byte) (*Rule, error) {
	var r Rule
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, &ParseError{Field: "rule", Detail: err.Error()}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Serialize encodes the rule definition (without id/version bookkeeping).
func (r *Rule) Serialize() ([]byte, error) {
	clone := *r
	clone.ID = 0
	clone.Version = 0
	return json.Marshal(&clone)
}

// ParseError is a structured DSL rejection, surfaced as a 400.
type ParseError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Detail)
}

// Validate checks structural and semantic constraints of the DSL.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return &ParseError{Field: "name", Detail: "required"}
	}

	switch r.Trigger.Type {
	case TriggerInterval:
		if r.Trigger.Every <= 0 {
			return &ParseError{Field: "trigger.every", Detail: "must be a positive duration"}
		}
	case TriggerEvent:
		if !validEvents[r.Trigger.On] {
			return &ParseError{Field: "trigger.on", Detail: fmt.Sprintf("unknown event %q", r.Trigger.On)}
		}
	default:
		return &ParseError{Field: "trigger.type", Detail: fmt.Sprintf("unknown trigger type %q", r.Trigger.Type)}
	}

	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return &ParseError{Field: fmt.Sprintf("conditions[%d]", i), Detail: err.Error()}
		}
	}

	if len(r.Actions) == 0 {
		return &ParseError{Field: "actions", Detail: "at least one action required"}
	}
	for i, a := range r.Actions {
		if err := a.validate(); err != nil {
			return &ParseError{Field: fmt.Sprintf("actions[%d]", i), Detail: err.Error()}
		}
	}

	if r.Risk.MaxPositionPct < 0 || r.Risk.MaxPositionPct > 1 {
		return &ParseError{Field: "risk.maxPositionPct", Detail: "must be in [0,1]"}
	}
	if r.Risk.CooldownSecs < 0 {
		return &ParseError{Field: "risk.cooldownSecs", Detail: "must be non-negative"}
	}
	for _, g := range r.Risk.Guardrails {
		if !validGuardrails[g] {
			return &ParseError{Field: "risk.guardrails", Detail: fmt.Sprintf("unknown guardrail %q", g)}
		}
	}

	return nil
}

func (c *Condition) validate() error {
	switch c.Type {
	case CondPriceChangePct:
		if c.Symbol == "" {
			return fmt.Errorf("symbol required")
		}
		if c.WindowMins <= 0 {
			return fmt.Errorf("windowMins must be positive")
		}
		return c.validateBounds(true)
	case CondIndicator:
		if !validIndicators[c.Name] {
			return fmt.Errorf("unknown indicator %q", c.Name)
		}
		if c.Symbol == "" {
			return fmt.Errorf("symbol required")
		}
		return c.validateBounds(false)
	case CondBalance:
		if c.Symbol == "" {
			return fmt.Errorf("symbol required")
		}
		return c.validateBounds(false)
	case CondAboveBaseline:
		if c.Symbol == "" {
			return fmt.Errorf("symbol required")
		}
		if c.MinPct == nil || *c.MinPct < 0 {
			return fmt.Errorf("minPct must be a non-negative fraction")
		}
		return nil
	case CondPortfolioValueUSD:
		return c.validateBounds(false)
	case CondCustom:
		if c.Expr == "" {
			return fmt.Errorf("expr required")
		}
		if _, err := ParseExpr(c.Expr); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func (c *Condition) validateBounds(allowBetween bool) error {
	if len(c.Between) > 0 {
		if !allowBetween {
			return fmt.Errorf("between not supported for %s", c.Type)
		}
		if len(c.Between) != 2 || c.Between[0] > c.Between[1] {
			return fmt.Errorf("between must be [lo, hi]")
		}
		return nil
	}
	if c.GT == nil && c.LT == nil {
		return fmt.Errorf("one of gt, lt required")
	}
	return nil
}

func (a *Action) validate() error {
	switch a.Type {
	case ActionEnter, ActionExit:
		if a.Symbol == "" {
			return fmt.Errorf("symbol required")
		}
		if a.AllocationPct <= 0 || a.AllocationPct > 1 {
			return fmt.Errorf("allocationPct must be a fraction in (0,1]")
		}
		return nil
	case ActionRebalance:
		if len(a.TargetWeights) == 0 {
			return fmt.Errorf("targetWeights required")
		}
		sum := 0.0
		for sym, w := range a.TargetWeights {
			if w < 0 {
				return fmt.Errorf("negative weight for %s", sym)
			}
			sum += w
		}
		if sum > 1.000001 {
			return fmt.Errorf("targetWeights sum %0.4f exceeds 1", sum)
		}
		return nil
	case ActionAlertOnly:
		if a.Message == "" {
			return fmt.Errorf("message required")
		}
		return nil
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}
