package core

import "time"

// Audit entry kinds
const (
	AuditSignalReceived = "signal_received"
	AuditDispatch       = "dispatch"
	AuditOrderSubmitted = "order_submitted"
	AuditOrderUpdate    = "order_update"
	AuditOCOTransition  = "oco_transition"
	AuditCancel         = "cancel"
	AuditReconcile      = "reconcile"
	AuditAlert          = "alert" // operator action required
)

// AuditEntry is one immutable record of an externally observable decision.
// EventID is assigned monotonically by the sink on append.
type AuditEntry struct {
	EventID           int64          `json:"event_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Kind              string         `json:"kind"`
	SignalFingerprint string         `json:"signal_fingerprint,omitempty"`
	OrderID           string         `json:"order_id,omitempty"`
	ExchangeOrderID   string         `json:"exchange_order_id,omitempty"`
	OCOGroupID        string         `json:"oco_group_id,omitempty"`
	Outcome           string         `json:"outcome"`
	Reason            string         `json:"reason,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
}
