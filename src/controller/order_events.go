package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/mapper"
	"phasedexecutor/src/model"
)

// ProcessOrderUpdate is the single ingestion point for "an order's state
// changed" facts. Push, poll and reconciliation all converge here, so the
// leg-id dedup check makes replay from any path safe.
func (c *TradeController) ProcessOrderUpdate(ctx context.Context, update connectors.OrderUpdate) error {
	order, err := c.lookupOrder(ctx, &update.Order)
	if err != nil {
		return err
	}
	if order == nil {
		// Orders placed outside this system show up on the same stream.
		logger.WithFields(map[string]interface{}{
			"controller":     "TradeController",
			"op":             "ProcessOrderUpdate",
			"venue_order_id": update.Order.ID,
			"event":          update.EventType,
		}).Debug("Update for unknown order, ignoring")
		return nil
	}

	return c.applyOrderUpdate(ctx, order, &update.Order, update.EventType)
}

// applyOrderUpdate performs the normalization shared by every discovery
// path: dedup, ledger update, audit append, UI broadcast, dispatch.
func (c *TradeController) applyOrderUpdate(
	ctx context.Context,
	order *model.Order,
	snapshot *connectors.BrokerOrder,
	eventType string,
) error {

	legID := snapshot.ID
	if legID == "" {
		legID = order.VenueOrderID
	}

	if eventType == model.OrderEventFill {
		seen, err := c.orders.HasFillEventForLeg(ctx, legID)
		if err != nil {
			return err
		}
		if seen {
			logger.WithFields(map[string]interface{}{
				"controller": "TradeController",
				"op":         "applyOrderUpdate",
				"leg_id":     legID,
			}).Info("Fill already recorded for leg, skipping")
			return nil
		}
	}

	mapper.ApplyBrokerOrder(order, snapshot)
	if err := c.orders.Save(ctx, order); err != nil {
		return err
	}

	description := fmt.Sprintf("%s %s %s: %s", order.Symbol, order.Side, order.Purpose, eventType)
	event := mapper.BuildOrderEvent(order, legID, eventType, description, snapshot.Raw)
	if err := c.orders.AppendEvent(ctx, event); err != nil {
		return err
	}

	c.broadcaster.Broadcast(map[string]interface{}{
		"kind":           "order_update",
		"trade_id":       order.TradeID,
		"venue_order_id": order.VenueOrderID,
		"purpose":        order.Purpose,
		"phase":          order.PhaseNumber,
		"event":          eventType,
		"status":         order.Status,
	})

	switch eventType {
	case model.OrderEventFill:
		return c.dispatchFill(ctx, order, snapshot)

	case model.OrderEventPartialFill, model.OrderEventCancelled, model.OrderEventExpired, model.OrderEventNew:
		logger.WithFields(map[string]interface{}{
			"controller":     "TradeController",
			"op":             "applyOrderUpdate",
			"venue_order_id": order.VenueOrderID,
			"event":          eventType,
		}).Info("Order event recorded")
		return nil

	case model.OrderEventRejected:
		c.notifier.Send(connectors.Notification{
			Type:    "error",
			Title:   "Order rejected",
			Message: fmt.Sprintf("%s: %s order rejected by venue", order.Symbol, order.Purpose),
			TradeID: order.TradeID,
		})
		return nil

	default:
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "applyOrderUpdate",
			"event":      eventType,
		}).Warn("Unhandled order event type")
		return nil
	}
}

// dispatchFill routes a fill to the lifecycle handler the order's purpose
// determines. The purpose set is closed; every member is handled.
func (c *TradeController) dispatchFill(ctx context.Context, order *model.Order, snapshot *connectors.BrokerOrder) error {
	fillPrice := fillPriceOf(order, snapshot)
	filledQty := snapshot.FilledQty.IntPart()

	switch order.Purpose {
	case model.PurposeEntry:
		return c.OnEntryFilled(ctx, order.TradeID, fillPrice, filledQty)
	case model.PurposePhaseTP:
		return c.OnPhaseTakeProfitHit(ctx, order.TradeID, order.PhaseNumber, fillPrice)
	case model.PurposePhaseSL, model.PurposeRemainingSL:
		return c.OnPhaseStopLossHit(ctx, order.TradeID, order.PhaseNumber, fillPrice, filledQty)
	}

	return fmt.Errorf("order %d has unknown purpose %q", order.ID, order.Purpose)
}

// PollOpenOrders is the pull backstop: the push stream can silently drop
// individual events while the connection stays up. It cross-references
// every ledger-open order against a fresh venue listing and feeds changed
// ones through the normal ingestion path. Per-order failures are isolated.
func (c *TradeController) PollOpenOrders(ctx context.Context) error {
	open, err := c.orders.FindOpen(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	venueOrders, err := c.brokerage.GetOrders("all", c.config.OrderHistoryLimit)
	if err != nil {
		Capture(ctx, c.exceptions, "phased_executor", "controller", "brokerage.GetOrders", "error", err, nil)
		return fmt.Errorf("listing venue orders: %w", err)
	}

	byVenueID := indexOrdersByID(venueOrders)

	for i := range open {
		order := &open[i]
		snapshot, ok := byVenueID[order.VenueOrderID]
		if !ok {
			continue
		}
		// Status alone misses a second partial fill delivered while the
		// order stays partially_filled.
		if snapshot.Status == order.Status && snapshot.FilledQty.Equal(order.FilledQty) {
			continue
		}

		eventType := mapper.EventTypeFromStatus(snapshot.Status)
		logger.WithFields(map[string]interface{}{
			"controller":     "TradeController",
			"op":             "PollOpenOrders",
			"venue_order_id": order.VenueOrderID,
			"ledger_status":  order.Status,
			"venue_status":   snapshot.Status,
		}).Info("Poll detected order state change")

		if err := c.applyOrderUpdate(ctx, order, snapshot, eventType); err != nil {
			logger.WithFields(map[string]interface{}{
				"controller":     "TradeController",
				"op":             "PollOpenOrders",
				"venue_order_id": order.VenueOrderID,
			}).WithError(err).Error("Failed to process polled order change")
			Capture(ctx, c.exceptions, "phased_executor", "controller", "applyOrderUpdate", "error", err,
				map[string]interface{}{"venue_order_id": order.VenueOrderID})
		}
	}

	return nil
}

// streamHealthyAfter is how long a connection must survive before the
// reconnect attempt counter resets.
const streamHealthyAfter = 30 * time.Second

// RunOrderStream maintains the push subscription. On disconnect it
// reconnects with a linearly increasing delay up to a bounded number of
// attempts, then gives up and alerts: from that point the poll backstop
// is the sole fill-detection path until the process restarts.
func (c *TradeController) RunOrderStream(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "RunOrderStream",
			"attempt":    attempt,
		}).Info("Connecting to order update stream")

		connectedAt := time.Now()
		err := c.brokerage.StreamOrderUpdates(ctx, func(update connectors.OrderUpdate) {
			// Handler errors are isolated: one bad update must not take
			// down the stream.
			if err := c.ProcessOrderUpdate(ctx, update); err != nil {
				logger.WithFields(map[string]interface{}{
					"controller":     "TradeController",
					"op":             "RunOrderStream",
					"venue_order_id": update.Order.ID,
					"event":          update.EventType,
				}).WithError(err).Error("Failed to process streamed order update")
				Capture(ctx, c.exceptions, "phased_executor", "controller", "ProcessOrderUpdate", "error", err,
					map[string]interface{}{"venue_order_id": update.Order.ID})
			}
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) >= streamHealthyAfter {
			attempt = 0
		}
		attempt++

		if attempt > c.streamMaxAttempts {
			c.notifier.Send(connectors.Notification{
				Type:    "error",
				Title:   "Order stream down",
				Message: "order update stream reconnect attempts exhausted, poll is the only fill source",
			})
			logger.WithFields(map[string]interface{}{
				"controller": "TradeController",
				"op":         "RunOrderStream",
				"attempts":   attempt - 1,
			}).WithError(err).Error("Stream reconnect attempts exhausted, giving up")
			return fmt.Errorf("order stream reconnect attempts exhausted: %w", err)
		}

		delay := time.Duration(attempt) * c.streamBaseDelay
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "RunOrderStream",
			"attempt":    attempt,
			"delay":      delay,
		}).WithError(err).Warn("Order stream dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// lookupOrder resolves a venue snapshot to its ledger row, first by venue
// order id, then by the client idempotency token for legs whose venue id
// was never captured at placement time.
func (c *TradeController) lookupOrder(ctx context.Context, snapshot *connectors.BrokerOrder) (*model.Order, error) {
	if snapshot.ID != "" {
		order, err := c.orders.FindByVenueOrderID(ctx, snapshot.ID)
		if err != nil || order != nil {
			return order, err
		}
	}
	if snapshot.ClientOrderID != "" {
		return c.orders.FindByClientOrderID(ctx, snapshot.ClientOrderID)
	}
	return nil, nil
}

// fillPriceOf prefers the venue-reported average fill price, falling back
// to the order's own limit/stop price.
func fillPriceOf(order *model.Order, snapshot *connectors.BrokerOrder) decimal.Decimal {
	if snapshot.FilledAvgPrice != nil && snapshot.FilledAvgPrice.IsPositive() {
		return *snapshot.FilledAvgPrice
	}
	if order.LimitPrice != nil {
		return *order.LimitPrice
	}
	if order.StopPrice != nil {
		return *order.StopPrice
	}
	return decimal.Zero
}

// indexOrdersByID flattens a venue order listing, legs included, into a
// venue-id lookup table.
func indexOrdersByID(orders []connectors.BrokerOrder) map[string]*connectors.BrokerOrder {
	index := make(map[string]*connectors.BrokerOrder, len(orders))
	var add func(o *connectors.BrokerOrder)
	add = func(o *connectors.BrokerOrder) {
		if o.ID != "" {
			index[o.ID] = o
		}
		for i := range o.Legs {
			add(&o.Legs[i])
		}
	}
	for i := range orders {
		add(&orders[i])
	}
	return index
}
