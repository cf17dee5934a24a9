package model

import "time"

// Observed order event types.
const (
	OrderEventNew         = "new"
	OrderEventFill        = "fill"
	OrderEventPartialFill = "partial_fill"
	OrderEventCancelled   = "cancelled"
	OrderEventRejected    = "rejected"
	OrderEventExpired     = "expired"
)

// OrderEvent is the append-only audit record of every observed state change
// for an order. It doubles as the idempotency guard: a fill is "already
// recorded" if a fill event referencing the same venue leg id exists,
// regardless of which discovery path (stream, poll, reconciliation)
// observed it first.
type OrderEvent struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	OrderID uint `gorm:"index" json:"order_id"`
	TradeID uint `gorm:"index" json:"trade_id"`

	VenueOrderID string `gorm:"size:64;index" json:"venue_order_id"`

	// LegID identifies the venue leg the event refers to. For simple
	// orders it equals VenueOrderID.
	LegID string `gorm:"size:64;index" json:"leg_id"`

	EventType   string `gorm:"size:20;not null" json:"event_type"`
	Description string `gorm:"size:512" json:"description"`

	// RawPayload carries the source payload the event was built from.
	RawPayload []byte `gorm:"type:jsonb" json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for order events.
func (OrderEvent) TableName() string {
	return "order_events"
}
