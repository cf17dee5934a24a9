package controller

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/model"
)

// legPriceTolerance is the price window used to match a standalone venue
// order against an expected phase bracket price when the venue never
// nested the leg under its parent.
var legPriceTolerance = decimal.NewFromFloat(0.01)

// Reconcile compares every open trade's ledger share count against the
// venue's reported position and mines the venue order history to repair
// any drift. Not re-entrant: a cycle that finds the previous one still
// running skips entirely.
func (c *TradeController) Reconcile(ctx context.Context) error {
	if !c.reconciling.CompareAndSwap(false, true) {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "Reconcile",
		}).Info("Previous reconciliation still running, skipping cycle")
		return nil
	}
	defer c.reconciling.Store(false)

	trades, err := c.trades.FindOpen(ctx)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	positions, err := c.brokerage.GetPositions()
	if err != nil {
		Capture(ctx, c.exceptions, "phased_executor", "controller", "brokerage.GetPositions", "error", err, nil)
		return fmt.Errorf("listing venue positions: %w", err)
	}
	qtyBySymbol := make(map[string]int64, len(positions))
	for _, p := range positions {
		qtyBySymbol[p.Symbol] = p.Qty.IntPart()
	}

	// One history fetch serves the whole cycle.
	var history map[string]*connectors.BrokerOrder
	var flatHistory []connectors.BrokerOrder

	for i := range trades {
		trade := &trades[i]

		expected := trade.RemainingShares
		if trade.Status == model.TradeStatusPending {
			// No position exists before the entry fills.
			expected = 0
		}
		actual := qtyBySymbol[trade.Symbol]
		if actual == expected {
			continue
		}

		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "Reconcile",
			"trade_id":   trade.ID,
			"symbol":     trade.Symbol,
			"expected":   expected,
			"actual":     actual,
		}).Warn("Ledger/venue position mismatch detected")

		if history == nil {
			flatHistory, err = c.brokerage.GetOrders("all", c.config.OrderHistoryLimit)
			if err != nil {
				Capture(ctx, c.exceptions, "phased_executor", "controller", "brokerage.GetOrders", "error", err, nil)
				return fmt.Errorf("fetching venue order history: %w", err)
			}
			history = indexOrdersByID(flatHistory)
		}

		// One trade's failed repair must not abort the rest of the cycle.
		if err := c.reconcileTrade(ctx, trade, expected, actual, history, flatHistory); err != nil {
			logger.WithFields(map[string]interface{}{
				"controller": "TradeController",
				"op":         "Reconcile",
				"trade_id":   trade.ID,
			}).WithError(err).Error("Reconciliation pass failed for trade")
			Capture(ctx, c.exceptions, "phased_executor", "controller", "reconcileTrade", "error", err,
				map[string]interface{}{"trade_id": trade.ID})
		}
	}

	return nil
}

// reconcileTrade mines the order history for fills the ledger missed and
// replays them through the normal ingestion path. When nothing explains
// the drift it records a ReconciliationIssue; the engine never fabricates
// a fill it cannot evidence.
func (c *TradeController) reconcileTrade(
	ctx context.Context,
	trade *model.Trade,
	expected, actual int64,
	history map[string]*connectors.BrokerOrder,
	flatHistory []connectors.BrokerOrder,
) error {

	ledgerOrders, err := c.orders.FindByTradeID(ctx, trade.ID)
	if err != nil {
		return err
	}

	repaired := false

	for i := range ledgerOrders {
		order := &ledgerOrders[i]
		snapshot, ok := history[order.VenueOrderID]
		if !ok {
			continue
		}

		// Venue says filled, ledger disagrees.
		if snapshot.Status == model.OrderStatusFilled && order.Status != model.OrderStatusFilled {
			replayed, err := c.replayFill(ctx, order, snapshot)
			if err != nil {
				return err
			}
			repaired = repaired || replayed
		}

		// Leg-level fills, checked even when the parent shows cancelled:
		// a leg can fill in the instant before its sibling's cancellation
		// is acknowledged.
		for j := range snapshot.Legs {
			leg := &snapshot.Legs[j]
			if leg.Status != model.OrderStatusFilled {
				continue
			}
			legOrder, err := c.lookupOrder(ctx, leg)
			if err != nil {
				return err
			}
			if legOrder == nil {
				// Leg id was not captured at placement; fall back to the
				// phase's stop row.
				legOrder = findLedgerOrder(ledgerOrders, order.PhaseNumber, model.PurposePhaseSL)
			}
			if legOrder == nil {
				continue
			}
			replayed, err := c.replayFill(ctx, legOrder, leg)
			if err != nil {
				return err
			}
			repaired = repaired || replayed
		}
	}

	// Standalone legs the venue never nested under a parent: match by
	// bracket price within tolerance for phases still active in the
	// ledger.
	strayRepaired, err := c.replayStandaloneLegs(ctx, trade, ledgerOrders, flatHistory)
	if err != nil {
		return err
	}
	repaired = repaired || strayRepaired

	if repaired {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "reconcileTrade",
			"trade_id":   trade.ID,
		}).Info("Missed fills replayed, ledger repaired")
		return nil
	}

	issue := &model.ReconciliationIssue{
		TradeID:        trade.ID,
		Symbol:         trade.Symbol,
		ExpectedShares: expected,
		ActualShares:   actual,
		Discrepancy:    actual - expected,
		Status:         model.IssueStatusPendingReview,
		Details: fmt.Sprintf(
			"ledger expects %d shares of %s, venue reports %d, no explaining order found",
			expected, trade.Symbol, actual),
	}
	if err := c.issues.Create(ctx, issue); err != nil {
		return err
	}

	c.notifier.Send(connectors.Notification{
		Type:    "error",
		Title:   "Reconciliation issue",
		Message: issue.Details,
		TradeID: trade.ID,
	})

	return nil
}

// replayFill feeds a missed fill through the shared normalization path.
// Returns whether the fill was actually new (dedup may have seen it).
func (c *TradeController) replayFill(ctx context.Context, order *model.Order, snapshot *connectors.BrokerOrder) (bool, error) {
	legID := snapshot.ID
	if legID == "" {
		legID = order.VenueOrderID
	}
	seen, err := c.orders.HasFillEventForLeg(ctx, legID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	logger.WithFields(map[string]interface{}{
		"controller":     "TradeController",
		"op":             "replayFill",
		"trade_id":       order.TradeID,
		"venue_order_id": order.VenueOrderID,
		"leg_id":         legID,
		"purpose":        order.Purpose,
	}).Warn("Replaying missed fill discovered by reconciliation")

	if err := c.applyOrderUpdate(ctx, order, snapshot, model.OrderEventFill); err != nil {
		return false, err
	}
	return true, nil
}

// replayStandaloneLegs heuristically matches filled venue sell orders that
// the ledger does not reference against the bracket prices of phases the
// ledger still holds active.
func (c *TradeController) replayStandaloneLegs(
	ctx context.Context,
	trade *model.Trade,
	ledgerOrders []model.Order,
	flatHistory []connectors.BrokerOrder,
) (bool, error) {

	known := make(map[string]bool, len(ledgerOrders))
	for i := range ledgerOrders {
		known[ledgerOrders[i].VenueOrderID] = true
	}

	repaired := false
	for p := range trade.Phases {
		phase := &trade.Phases[p]
		if phase.Status != model.PhaseStatusActive {
			continue
		}

		for i := range flatHistory {
			candidate := &flatHistory[i]
			if known[candidate.ID] || candidate.Symbol != trade.Symbol || candidate.Side != "sell" {
				continue
			}
			if candidate.Status != model.OrderStatusFilled || candidate.Qty.IntPart() != phase.SharesToSell {
				continue
			}

			purpose, ok := matchBracketPrice(candidate, phase)
			if !ok {
				continue
			}

			legOrder := findLedgerOrder(ledgerOrders, phase.PhaseNumber, purpose)
			if legOrder == nil {
				continue
			}

			logger.WithFields(map[string]interface{}{
				"controller":     "TradeController",
				"op":             "replayStandaloneLegs",
				"trade_id":       trade.ID,
				"phase":          phase.PhaseNumber,
				"venue_order_id": candidate.ID,
				"purpose":        purpose,
			}).Warn("Standalone leg matched by bracket price")

			replayed, err := c.replayFill(ctx, legOrder, candidate)
			if err != nil {
				return repaired, err
			}
			repaired = repaired || replayed
		}
	}

	return repaired, nil
}

// matchBracketPrice reports which bracket side of the phase a standalone
// venue order corresponds to, within the price tolerance.
func matchBracketPrice(candidate *connectors.BrokerOrder, phase *model.TradePhase) (model.OrderPurpose, bool) {
	withinTolerance := func(price *decimal.Decimal, target decimal.Decimal) bool {
		return price != nil && price.Sub(target).Abs().LessThanOrEqual(legPriceTolerance)
	}

	if withinTolerance(candidate.LimitPrice, phase.TakeProfitPrice) {
		return model.PurposePhaseTP, true
	}
	if withinTolerance(candidate.StopPrice, phase.StopLossPrice) {
		return model.PurposePhaseSL, true
	}
	return "", false
}

func findLedgerOrder(orders []model.Order, phaseNumber int, purpose model.OrderPurpose) *model.Order {
	for i := range orders {
		if orders[i].PhaseNumber == phaseNumber && orders[i].Purpose == purpose {
			return &orders[i]
		}
	}
	return nil
}
