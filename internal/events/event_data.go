package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement.
// This allows for type-safe event data while maintaining flexibility.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// ApprovalEventData contains data for ApprovalCreated and ApprovalUpdated events.
type ApprovalEventData struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	EstValueUSD string `json:"est_value_usd"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	DryRun      bool   `json:"dry_run"`
	Updated     bool   `json:"-"`
}

// EventType returns the event type for ApprovalEventData
func (d *ApprovalEventData) EventType() EventType {
	if d.Updated {
		return ApprovalUpdated
	}
	return ApprovalCreated
}

// KillSwitchData contains data for KillSwitchChanged events.
type KillSwitchData struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
	SetBy   string `json:"set_by"`
}

// EventType returns the event type for KillSwitchData
func (d *KillSwitchData) EventType() EventType { return KillSwitchChanged }

// PortfolioUpdatedData contains data for PortfolioUpdated events.
type PortfolioUpdatedData struct {
	TotalUSD    string `json:"total_usd"`
	AssetCount  int    `json:"asset_count"`
	SnapshotID  int64  `json:"snapshot_id"`
	Reason      string `json:"reason"`
	SnapshotAge int64  `json:"snapshot_age_secs,omitempty"`
}

// EventType returns the event type for PortfolioUpdatedData
func (d *PortfolioUpdatedData) EventType() EventType { return PortfolioUpdated }

// SnapshotData contains data for PortfolioSnapshot events (manual/forced).
type SnapshotData struct {
	SnapshotID int64  `json:"snapshot_id"`
	Reason     string `json:"reason"`
	TotalUSD   string `json:"total_usd"`
}

// EventType returns the event type for SnapshotData
func (d *SnapshotData) EventType() EventType { return PortfolioSnapshot }

// PriceUpdateData contains data for PriceUpdate events.
type PriceUpdateData struct {
	Prices map[string]string `json:"prices"` // symbol -> USD price (decimal string)
}

// EventType returns the event type for PriceUpdateData
func (d *PriceUpdateData) EventType() EventType { return PriceUpdate }

// AlertData contains data for Alert events. Severity "critical" marks the
// frame as undroppable for SSE backpressure purposes.
type AlertData struct {
	AlertType string                 `json:"alert_type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for AlertData
func (d *AlertData) EventType() EventType { return Alert }

// TradeSubmittedData contains data for TradeSubmitted events.
type TradeSubmittedData struct {
	ApprovalID string `json:"approval_id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   string `json:"quantity"`
	DryRun     bool   `json:"dry_run"`
}

// EventType returns the event type for TradeSubmittedData
func (d *TradeSubmittedData) EventType() EventType { return TradeSubmitted }

// TradeResultData contains data for TradeResult events.
type TradeResultData struct {
	ApprovalID   string `json:"approval_id"`
	ExecutionID  string `json:"execution_id"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	FillQuantity string `json:"fill_quantity"`
	FillPrice    string `json:"fill_price"`
	Fees         string `json:"fees"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	DryRun       bool   `json:"dry_run"`
}

// EventType returns the event type for TradeResultData
func (d *TradeResultData) EventType() EventType { return TradeResult }

// SystemHealthData contains data for SystemHealth events.
type SystemHealthData struct {
	Status     string `json:"status"`
	DBHealthy  bool   `json:"db_healthy"`
	KillSwitch bool   `json:"kill_switch"`
	DryRun     bool   `json:"dry_run"`
	Timestamp  string `json:"timestamp"`
}

// EventType returns the event type for SystemHealthData
func (d *SystemHealthData) EventType() EventType { return SystemHealth }

// GenericEventData is a fallback for events that don't have a specific type.
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType { return d.Type }

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}

// New builds an event for the given payload, stamped now.
func New(module string, data EventData) *Event {
	return &Event{
		Type:      data.EventType(),
		Data:      data,
		Timestamp: time.Now().UTC(),
		Module:    module,
	}
}
