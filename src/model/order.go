package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderPurpose is a closed set of roles an order can play in the phased
// exit lifecycle. The purpose fully determines which fill handler consumes
// the order's fill.
type OrderPurpose string

const (
	PurposeEntry       OrderPurpose = "entry"
	PurposePhaseTP     OrderPurpose = "phase_tp"
	PurposePhaseSL     OrderPurpose = "phase_sl"
	PurposeRemainingSL OrderPurpose = "remaining_sl"
)

// Order lifecycle statuses mirror the venue's order states.
const (
	OrderStatusNew             = "new"
	OrderStatusAccepted        = "accepted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusExpired         = "expired"
	OrderStatusRejected        = "rejected"
	OrderStatusHeld            = "held"
)

const (
	OrderTypeMarket    = "market"
	OrderTypeLimit     = "limit"
	OrderTypeStop      = "stop"
	OrderTypeStopLimit = "stop_limit"
)

const (
	OrderClassSimple  = "simple"
	OrderClassOCO     = "oco"
	OrderClassBracket = "bracket"
)

// Order represents one order instance submitted to the venue. Orders are
// never deleted, only superseded (cancelled plus a replacement order).
type Order struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	TradeID uint `gorm:"index" json:"trade_id"`

	// VenueOrderID is the venue-side identifier; for an OCO order each leg
	// is tracked as its own row with its own venue id.
	VenueOrderID string `gorm:"size:64;uniqueIndex" json:"venue_order_id"`

	// ClientOrderID is the deterministic idempotency token derived from
	// trade UUID + phase + purpose, enabling re-submission detection.
	ClientOrderID string `gorm:"size:128;index" json:"client_order_id"`

	Symbol     string `gorm:"size:20;not null" json:"symbol"`
	Side       string `gorm:"size:10;not null" json:"side"`
	OrderType  string `gorm:"size:20;not null" json:"order_type"`
	OrderClass string `gorm:"size:20;not null;default:simple" json:"order_class"`

	Qty        int64            `json:"qty"`
	LimitPrice *decimal.Decimal `gorm:"type:numeric(18,6)" json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `gorm:"type:numeric(18,6)" json:"stop_price,omitempty"`

	// PhaseNumber is 0 for the entry order, 1..4 for phase orders.
	PhaseNumber int          `json:"phase_number"`
	Purpose     OrderPurpose `gorm:"size:20;not null" json:"purpose"`

	Status         string           `gorm:"size:50;not null;default:new" json:"status"`
	FilledQty      decimal.Decimal  `gorm:"type:numeric(18,6)" json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `gorm:"type:numeric(18,6)" json:"filled_avg_price,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`

	// RawPayload keeps the venue's last order snapshot for forensic replay.
	RawPayload []byte `gorm:"type:jsonb" json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// One-to-many relation: one order can have many observed events.
	Events []OrderEvent `gorm:"foreignKey:OrderID" json:"events,omitempty"`
}

// TableName allows you to control the exact table name for orders.
func (Order) TableName() string {
	return "orders"
}

// IsTerminalStatus reports whether s is a final venue order state.
func IsTerminalStatus(s string) bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}
