// Package events provides the in-process publish/subscribe bus and the typed
// event vocabulary broadcast to SSE subscribers.
package events

import "time"

// EventType identifies a topic on the bus.
type EventType string

const (
	// Approval workflow
	ApprovalCreated EventType = "approval:created"
	ApprovalUpdated EventType = "approval:updated"

	// Kill-switch
	KillSwitchChanged EventType = "killswitch:changed"

	// Portfolio and prices
	PortfolioUpdated  EventType = "portfolio:updated"
	PortfolioSnapshot EventType = "portfolio:snapshot"
	PriceUpdate       EventType = "price:update"

	// Alerts (subtypes carried in AlertData.AlertType)
	Alert EventType = "alert"

	// Trading
	TradeSubmitted EventType = "trade:submitted"
	TradeResult    EventType = "trade:result"

	// System
	SystemHealth EventType = "system:health"
)

// Alert subtypes.
const (
	AlertRiskBlocked           = "risk_blocked"
	AlertDataFetchError        = "data_fetch_error"
	AlertRuleAction            = "rule_action"
	AlertRuleStatus            = "rule_status"
	AlertPerformance           = "performance"
	AlertRisk                  = "risk"
	AlertOptimization          = "optimization"
	AlertIndicatorAnomaly      = "indicator_anomaly"
	AlertExecutionFailed       = "execution_failed"
	AlertCircuitBreakerTripped = "circuit_breaker_tripped"
	AlertLTVWarning            = "ltv_warning"
	AlertSystemError           = "system_error"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event represents a system event. Frames sent to SSE subscribers are
// {type, data, timestamp}; Module is for structured logging only.
type Event struct {
	Type      EventType `json:"type"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module,omitempty"`
}

// Critical reports whether the event must never be dropped by backpressure.
func (e *Event) Critical() bool {
	if alert, ok := e.Data.(*AlertData); ok {
		return alert.Severity == SeverityCritical
	}
	return false
}
