package connectors

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the slice of venue account state the engine cares about.
type Account struct {
	BuyingPower decimal.Decimal
	Cash        decimal.Decimal
	Equity      decimal.Decimal
}

// Asset describes a tradable instrument at the venue.
type Asset struct {
	Symbol   string
	Exchange string
	Tradable bool
}

// Position is the venue's authoritative view of a held position.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// Quote is the latest bid/ask for a symbol.
type Quote struct {
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
}

// BrokerOrder is the venue-neutral order snapshot the engine consumes.
// For compound orders the venue's child orders appear in Legs; each leg
// carries its own venue id.
type BrokerOrder struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Class         string
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal

	Status         string
	FilledQty      decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	FilledAt       *time.Time

	Legs []BrokerOrder

	// Raw is the venue's JSON payload, persisted for forensic replay.
	Raw []byte
}

// OrderUpdate is one order-state-change fact delivered by the venue's
// push stream. Event types are normalized to the order_events constants
// (fill, partial_fill, cancelled, rejected, expired, new).
type OrderUpdate struct {
	At        time.Time
	EventType string
	Order     BrokerOrder
}

// Brokerage is the capability contract the execution engine requires from
// the upstream venue. Implementations must treat CancelOrder on an
// already-terminal order as success.
type Brokerage interface {
	GetAsset(symbol string) (*Asset, error)
	GetAccount() (*Account, error)
	GetPositions() ([]Position, error)
	GetLatestQuote(symbol string) (*Quote, error)
	GetLatestTradePrice(symbol string) (decimal.Decimal, error)

	PlaceLimitBuy(symbol string, qty int64, limitPrice decimal.Decimal, clientOrderID string) (*BrokerOrder, error)
	PlaceOCOSell(symbol string, qty int64, tpPrice, slPrice decimal.Decimal, clientOrderID string) (*BrokerOrder, error)
	PlaceStopLossSell(symbol string, qty int64, stopPrice decimal.Decimal, clientOrderID string) (*BrokerOrder, error)
	CancelOrder(venueOrderID string) error

	// GetOrders lists venue orders filtered by status ("open", "closed",
	// "all") with nested legs included.
	GetOrders(statusFilter string, limit int) ([]BrokerOrder, error)

	// StreamOrderUpdates blocks, invoking handler for every order update,
	// until the stream drops or ctx is cancelled.
	StreamOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error
}
