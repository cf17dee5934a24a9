package mapper

import (
	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/model"
)

// MapBrokerOrderToModel converts a venue order snapshot into a ledger row.
func MapBrokerOrderToModel(
	bo *connectors.BrokerOrder,
	tradeID uint,
	phaseNumber int,
	purpose model.OrderPurpose,
) *model.Order {
	if bo == nil {
		logger.WithField("mapper", "MapBrokerOrderToModel").
			Error("Nil BrokerOrder received")
		return nil
	}

	order := &model.Order{
		TradeID:        tradeID,
		VenueOrderID:   bo.ID,
		ClientOrderID:  bo.ClientOrderID,
		Symbol:         bo.Symbol,
		Side:           bo.Side,
		OrderType:      bo.Type,
		OrderClass:     bo.Class,
		Qty:            bo.Qty.IntPart(),
		LimitPrice:     bo.LimitPrice,
		StopPrice:      bo.StopPrice,
		PhaseNumber:    phaseNumber,
		Purpose:        purpose,
		Status:         bo.Status,
		FilledQty:      bo.FilledQty,
		FilledAvgPrice: bo.FilledAvgPrice,
		FilledAt:       bo.FilledAt,
		RawPayload:     bo.Raw,
	}
	if order.OrderClass == "" {
		order.OrderClass = model.OrderClassSimple
	}
	if order.Status == "" {
		order.Status = model.OrderStatusNew
	}

	logger.WithFields(map[string]interface{}{
		"mapper":         "MapBrokerOrderToModel",
		"trade_id":       tradeID,
		"venue_order_id": bo.ID,
		"symbol":         bo.Symbol,
		"purpose":        purpose,
		"phase":          phaseNumber,
	}).Debug("Broker order mapped to ledger row")

	return order
}

// ApplyBrokerOrder copies the mutable venue state of bo onto an existing
// ledger row. Identity fields are only filled in when the ledger did not
// know them yet.
func ApplyBrokerOrder(order *model.Order, bo *connectors.BrokerOrder) {
	if order == nil || bo == nil {
		return
	}

	if order.VenueOrderID == "" {
		order.VenueOrderID = bo.ID
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = bo.ClientOrderID
	}

	order.Status = bo.Status
	order.FilledQty = bo.FilledQty
	if bo.FilledAvgPrice != nil {
		order.FilledAvgPrice = bo.FilledAvgPrice
	}
	if bo.FilledAt != nil {
		order.FilledAt = bo.FilledAt
	}
	if len(bo.Raw) > 0 {
		order.RawPayload = bo.Raw
	}
}

// BuildOrderEvent creates one audit row for an observed order state change.
func BuildOrderEvent(order *model.Order, legID, eventType, description string, raw []byte) *model.OrderEvent {
	if legID == "" {
		legID = order.VenueOrderID
	}
	return &model.OrderEvent{
		OrderID:      order.ID,
		TradeID:      order.TradeID,
		VenueOrderID: order.VenueOrderID,
		LegID:        legID,
		EventType:    eventType,
		Description:  description,
		RawPayload:   raw,
	}
}

// EventTypeFromStatus derives the audit event type for a terminal status
// discovered by polling, where the venue does not replay the original
// event stream.
func EventTypeFromStatus(status string) string {
	switch status {
	case model.OrderStatusFilled:
		return model.OrderEventFill
	case model.OrderStatusPartiallyFilled:
		return model.OrderEventPartialFill
	case model.OrderStatusCanceled:
		return model.OrderEventCancelled
	case model.OrderStatusRejected:
		return model.OrderEventRejected
	case model.OrderStatusExpired:
		return model.OrderEventExpired
	default:
		return model.OrderEventNew
	}
}
