// Package signalclient implements the PREPARE/CONFIRM/ABORT three-phase
// protocol that brackets remote order placement: PREPARE caches the intent
// locally, CONFIRM transforms it to the execution schema and publishes the
// command, ABORT discards it. The pending map is the serialization point
// for the per-signal state machine.
package signalclient

import "time"

// Direction of an intent signal.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Execution intent types.
const (
	IntentBuySetup  = "BUY_SETUP"
	IntentSellSetup = "SELL_SETUP"
)

// SchemaVersion tags the execution-intent payload schema.
const SchemaVersion = "1.0.0"

// EntryZone is the producer's acceptable entry band.
type EntryZone struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// IntentSignal is a producer's proposal to act, as cached by PREPARE.
// Venue and Account route the eventual command; empty values fall back to
// the catalog defaults. TSignal/TExchange are source timestamps in epoch
// milliseconds, zero when the source supplied none.
type IntentSignal struct {
	SignalID    string    `json:"signal_id"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"`
	EntryZone   EntryZone `json:"entry_zone"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
	Confidence  float64   `json:"confidence"`
	Leverage    float64   `json:"leverage"`
	Source      string    `json:"source,omitempty"`
	Venue       string    `json:"venue,omitempty"`
	Account     string    `json:"account,omitempty"`
	TSignal     int64     `json:"t_signal,omitempty"`
	TExchange   int64     `json:"t_exchange,omitempty"`
}

// ExecutionIntent is the schema-versioned payload the execution core
// consumes. Direction is +1/-1; EntryZone is the ordered [min, max] pair;
// Size is usually zero because execution sizes from risk.
type ExecutionIntent struct {
	SchemaVersion string                 `json:"schema_version" validate:"required,eq=1.0.0"`
	SignalID      string                 `json:"signal_id" validate:"required"`
	Source        string                 `json:"source" validate:"required"`
	Symbol        string                 `json:"symbol" validate:"required"`
	Direction     int                    `json:"direction" validate:"required,oneof=1 -1"`
	Type          string                 `json:"type" validate:"required,oneof=BUY_SETUP SELL_SETUP"`
	EntryZone     [2]float64             `json:"entry_zone"`
	StopLoss      float64                `json:"stop_loss" validate:"required,gt=0"`
	TakeProfits   []float64              `json:"take_profits" validate:"required,min=1,dive,gt=0"`
	Size          float64                `json:"size"`
	Status        string                 `json:"status" validate:"required,eq=PENDING"`
	ReceivedAt    string                 `json:"received_at" validate:"required"`
	TSignal       int64                  `json:"t_signal" validate:"required,gt=0"`
	TExchange     int64                  `json:"t_exchange,omitempty"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// PrepareResult is the structured PREPARE response.
type PrepareResult struct {
	Prepared bool   `json:"prepared"`
	SignalID string `json:"signal_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ConfirmResult is the structured CONFIRM response. FillPrice is the
// entry-zone midpoint, an optimistic estimate rather than an acknowledged
// fill; it is populated only when optimistic fill is enabled.
// CorrelationID always carries the signal id so callers can await the real
// fill event instead.
type ConfirmResult struct {
	Executed      bool     `json:"executed"`
	Reason        string   `json:"reason,omitempty"`
	FillPrice     *float64 `json:"fill_price,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Subject       string   `json:"subject,omitempty"`
}

// AbortResult is the structured ABORT response.
type AbortResult struct {
	Aborted  bool   `json:"aborted"`
	SignalID string `json:"signal_id,omitempty"`
}

// Reason strings surfaced by the protocol. Callers branch on these, so
// they are part of the contract.
const (
	ReasonInvalidSignal  = "Invalid signal data"
	ReasonNotFound       = "Signal not found or expired"
	ReasonInvalidPayload = "Invalid intent payload"
)

// ConnectionState mirrors the broker session from the client's view.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
)

// Metrics counts protocol activity since the client was built.
type Metrics struct {
	Prepared    uint64 `json:"prepared"`
	Confirmed   uint64 `json:"confirmed"`
	Aborted     uint64 `json:"aborted"`
	Expired     uint64 `json:"expired"`
	RejectedDLQ uint64 `json:"rejected_dlq"`
	Pending     int    `json:"pending"`
}

// Status is the operator-facing snapshot returned by GetStatus.
type Status struct {
	Connected bool            `json:"connected"`
	State     ConnectionState `json:"state"`
	Metrics   Metrics         `json:"metrics"`
}

// pendingEntry holds a prepared signal until a terminal phase or expiry.
type pendingEntry struct {
	signal     IntentSignal
	preparedAt time.Time
}
