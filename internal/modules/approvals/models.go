// Package approvals implements the durable approval queue, its state
// machine, and the trade executor.
package approvals

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/domain"
)

// Status values of an approval. Transitions form a DAG:
// pending -> {approved, declined, expired}; approved -> {executed, deferred,
// declined (execution failure)}; deferred -> {approved, expired}; everything
// else is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
	StatusDeferred Status = "deferred"
)

// Source of an approval.
type Source string

const (
	SourceRule      Source = "rule"
	SourceOptimizer Source = "optimizer"
	SourceManual    Source = "manual"
)

// DefaultTTL is how long a pending approval waits before expiring.
const DefaultTTL = 24 * time.Hour

// MFAExpiry is the lifetime of an MFA challenge.
const MFAExpiry = 5 * time.Minute

// validTransitions enumerates the state machine edges.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDeclined, StatusExpired},
	StatusApproved: {StatusExecuted, StatusDeferred, StatusDeclined},
	StatusDeferred: {StatusApproved, StatusExpired},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Approval is a durable human-or-policy decision record.
type Approval struct {
	ID           string          `json:"id"`
	Source       Source          `json:"source"`
	RuleID       int64           `json:"rule_id,omitempty"`
	RuleVersion  int             `json:"rule_version,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         domain.Side     `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EstPrice     decimal.Decimal `json:"est_price"`
	EstValueUSD  decimal.Decimal `json:"est_value_usd"`
	Reason       string          `json:"reason"`
	Payload      string          `json:"payload,omitempty"` // JSON action payload
	Status       Status          `json:"status"`
	DryRun       bool            `json:"dry_run"`
	MFARequired  bool            `json:"mfa_required"`
	MFACode      string          `json:"-"` // never serialized to clients
	MFAExpiresAt *time.Time      `json:"mfa_expires_at,omitempty"`
	ActedBy      string          `json:"acted_by,omitempty"`
	ActedAt      *time.Time      `json:"acted_at,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Execution is the immutable result of one order attempt.
type Execution struct {
	ID           string          `json:"id"`
	ApprovalID   string          `json:"approval_id"`
	Symbol       string          `json:"symbol"`
	Side         domain.Side     `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	FillQuantity decimal.Decimal `json:"fill_quantity"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	Fees         decimal.Decimal `json:"fees"`
	OrderID      string          `json:"order_id,omitempty"`
	Status       domain.OrderStatus `json:"status"`
	Error        string          `json:"error,omitempty"`
	DryRun       bool            `json:"dry_run"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// CreateRequest is the payload for POST /approvals (integrations and the
// manual flow).
type CreateRequest struct {
	Source   Source          `json:"source"`
	Symbol   string          `json:"symbol"`
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	EstPrice decimal.Decimal `json:"estPrice"`
	Reason   string          `json:"reason"`
	DryRun   *bool           `json:"dryRun,omitempty"`
}

// ActionRequest is the payload for PATCH /approvals/{id}.
type ActionRequest struct {
	Status  Status `json:"status"`
	ActedBy string `json:"actedBy"`
	MFACode string `json:"mfaCode,omitempty"`
}
