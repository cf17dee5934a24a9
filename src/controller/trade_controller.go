package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/mapper"
	"phasedexecutor/src/model"
	"phasedexecutor/src/repository"
	"phasedexecutor/src/risk"
	"phasedexecutor/src/tp_sl"
)

var (
	// ErrTradeNotFound is returned when the referenced trade does not exist.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrAlreadyTerminal is returned when an operation targets a trade that
	// already completed or was cancelled.
	ErrAlreadyTerminal = errors.New("trade is already in a terminal state")

	// ErrSymbolNotTradable is returned when the venue does not allow
	// trading the requested symbol.
	ErrSymbolNotTradable = errors.New("symbol is not tradable at the venue")

	// ErrNoTemplate is returned when no exit template could be resolved.
	ErrNoTemplate = errors.New("no exit template available")
)

type tradeRepository interface {
	CreateWithPhases(ctx context.Context, trade *model.Trade, phases []model.TradePhase) error
	FindByID(ctx context.Context, id uint) (*model.Trade, error)
	FindByUUID(ctx context.Context, uuid string) (*model.Trade, error)
	FindOpen(ctx context.Context) ([]model.Trade, error)
	Save(ctx context.Context, trade *model.Trade) error
	SavePhase(ctx context.Context, phase *model.TradePhase) error
	TransitionStatus(ctx context.Context, tradeID uint, from []string, newStatus string) (bool, error)
}

type orderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	FindByVenueOrderID(ctx context.Context, venueOrderID string) (*model.Order, error)
	FindByClientOrderID(ctx context.Context, clientOrderID string) (*model.Order, error)
	FindByTradeID(ctx context.Context, tradeID uint) ([]model.Order, error)
	FindOpen(ctx context.Context) ([]model.Order, error)
	Save(ctx context.Context, order *model.Order) error
	AppendEvent(ctx context.Context, event *model.OrderEvent) error
	HasFillEventForLeg(ctx context.Context, legID string) (bool, error)
}

type templateRepository interface {
	FindByID(ctx context.Context, id uint) (*model.ExitTemplate, error)
	FindActive(ctx context.Context) (*model.ExitTemplate, error)
}

type settingRepository interface {
	Get(ctx context.Context, key string) (*model.Setting, error)
}

type reconciliationRepository interface {
	Create(ctx context.Context, issue *model.ReconciliationIssue) error
}

type exceptionRepository interface {
	Create(ctx context.Context, exc *model.Exception)
}

// Broadcaster pushes order/trade updates to connected UI clients.
type Broadcaster interface {
	Broadcast(v interface{})
}

// NopBroadcaster discards every broadcast.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(interface{}) {}

// TradeController owns the phased exit state machine: it creates trades,
// places entry and exit orders, advances phases on fills, and finalizes
// P&L. It is also the single ingestion point for order state changes
// (order_events.go) and runs the drift repair sweep (reconcile.go).
type TradeController struct {
	brokerage   connectors.Brokerage
	notifier    connectors.Notifier
	broadcaster Broadcaster

	trades     tradeRepository
	orders     orderRepository
	templates  templateRepository
	settings   settingRepository
	issues     reconciliationRepository
	exceptions exceptionRepository

	config Config

	// Push stream reconnect policy, see RunOrderStream.
	streamBaseDelay   time.Duration
	streamMaxAttempts int

	// reconciling is a single-slot token: a reconciliation cycle that
	// finds it taken skips entirely instead of queueing.
	reconciling atomic.Bool
}

// NewTradeController wires the controller against the main database.
func NewTradeController(
	brokerage connectors.Brokerage,
	notifier connectors.Notifier,
	broadcaster Broadcaster,
) *TradeController {
	return &TradeController{
		brokerage:         brokerage,
		notifier:          notifier,
		broadcaster:       broadcaster,
		trades:            repository.NewTradeRepository(),
		orders:            repository.NewOrderRepository(),
		templates:         repository.NewTemplateRepository(),
		settings:          repository.NewSettingRepository(),
		issues:            repository.NewReconciliationRepository(),
		exceptions:        repository.NewExceptionRepository(),
		config:            GetConfig(),
		streamBaseDelay:   2 * time.Second,
		streamMaxAttempts: 10,
	}
}

// WithDB rebinds every repository to the given database handle.
// Useful for tests or when using a specific session/transaction.
func (c *TradeController) WithDB(db *gorm.DB) *TradeController {
	c.trades = repository.NewTradeRepository().WithDB(db)
	c.orders = repository.NewOrderRepository().WithDB(db)
	c.templates = repository.NewTemplateRepository().WithDB(db)
	c.settings = repository.NewSettingRepository().WithDB(db)
	c.issues = repository.NewReconciliationRepository().WithDB(db)
	c.exceptions = repository.NewExceptionRepository().WithDB(db)
	return c
}

// OpenTradeRequest carries the caller-supplied parameters for OpenTrade.
type OpenTradeRequest struct {
	Symbol     string
	EntryPrice decimal.Decimal

	// PositionSize overrides the configured position size when set.
	PositionSize *decimal.Decimal

	// TemplateID selects an explicit exit template; when nil the single
	// currently active template is used.
	TemplateID *uint
}

// OpenTrade validates the request, creates the trade with its four phase
// rows, and submits the entry limit buy. Any failure after the trade row
// exists marks the trade status=error before re-raising, so a trade is
// never left pending with no order behind it.
func (c *TradeController) OpenTrade(ctx context.Context, req OpenTradeRequest) (*model.Trade, error) {
	logger.WithFields(map[string]interface{}{
		"controller": "TradeController",
		"op":         "OpenTrade",
		"symbol":     req.Symbol,
		"entry":      req.EntryPrice,
	}).Info("Opening trade")

	asset, err := c.brokerage.GetAsset(req.Symbol)
	if err != nil {
		Capture(ctx, c.exceptions, "phased_executor", "controller", "brokerage.GetAsset", "error", err,
			map[string]interface{}{"symbol": req.Symbol})
		return nil, fmt.Errorf("fetching asset %s: %w", req.Symbol, err)
	}
	if asset == nil || !asset.Tradable {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotTradable, req.Symbol)
	}

	template, err := c.resolveTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	positionSize, err := c.resolvePositionSize(ctx, req.PositionSize)
	if err != nil {
		return nil, err
	}

	totalShares, err := risk.ShareCount(positionSize, req.EntryPrice)
	if err != nil {
		return nil, err
	}

	account, err := c.brokerage.GetAccount()
	if err != nil {
		Capture(ctx, c.exceptions, "phased_executor", "controller", "brokerage.GetAccount", "error", err, nil)
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	if err := risk.CheckBuyingPower(positionSize, account.BuyingPower); err != nil {
		return nil, err
	}

	shares, err := tp_sl.AllocateShares(totalShares, template.Phases)
	if err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(template)
	if err != nil {
		return nil, fmt.Errorf("snapshotting template: %w", err)
	}

	trade := &model.Trade{
		UUID:             uuid.NewString(),
		Symbol:           req.Symbol,
		EntryPrice:       req.EntryPrice,
		TotalShares:      totalShares,
		RemainingShares:  totalShares,
		PositionSize:     positionSize,
		CurrentPhase:     0,
		Status:           model.TradeStatusPending,
		TemplateSnapshot: snapshot,
	}

	phases := make([]model.TradePhase, 0, model.NumPhases)
	for i, tp := range template.Phases {
		// Prices stay provisional until the entry fill fixes them.
		tpPrice, slPrice := tp_sl.PhasePrices(req.EntryPrice, tp.TakeProfitPct, tp.StopLossPct)
		phases = append(phases, model.TradePhase{
			PhaseNumber:     tp.PhaseNumber,
			Status:          model.PhaseStatusPending,
			TakeProfitPct:   tp.TakeProfitPct,
			StopLossPct:     tp.StopLossPct,
			TakeProfitPrice: tpPrice,
			StopLossPrice:   slPrice,
			SharesToSell:    shares[i],
		})
	}

	if err := c.trades.CreateWithPhases(ctx, trade, phases); err != nil {
		return nil, fmt.Errorf("persisting trade: %w", err)
	}
	trade.Phases = phases

	entryOrder, err := c.brokerage.PlaceLimitBuy(
		trade.Symbol,
		trade.TotalShares,
		trade.EntryPrice,
		ClientOrderID(trade.UUID, 0, model.PurposeEntry),
	)
	if err != nil {
		c.markTradeError(ctx, trade, "brokerage.PlaceLimitBuy", err)
		return nil, fmt.Errorf("placing entry order: %w", err)
	}

	row := mapper.MapBrokerOrderToModel(entryOrder, trade.ID, 0, model.PurposeEntry)
	if err := c.orders.Create(ctx, row); err != nil {
		c.markTradeError(ctx, trade, "orders.Create", err)
		return nil, fmt.Errorf("recording entry order: %w", err)
	}

	c.notifier.Send(connectors.Notification{
		Type:    "info",
		Title:   "Trade opened",
		Message: fmt.Sprintf("%s: limit buy %d @ %s submitted", trade.Symbol, trade.TotalShares, trade.EntryPrice),
		TradeID: trade.ID,
	})

	logger.WithFields(map[string]interface{}{
		"controller": "TradeController",
		"op":         "OpenTrade",
		"trade_id":   trade.ID,
		"uuid":       trade.UUID,
		"shares":     trade.TotalShares,
	}).Info("Trade opened, entry order submitted")

	return trade, nil
}

// OnEntryFilled activates the trade and recomputes every phase's bracket
// prices from the actual fill price. Idempotent against re-delivery: a
// trade that is no longer pending is left untouched.
func (c *TradeController) OnEntryFilled(ctx context.Context, tradeID uint, fillPrice decimal.Decimal, filledQty int64) error {
	moved, err := c.trades.TransitionStatus(ctx, tradeID,
		[]string{model.TradeStatusPending}, model.TradeStatusActive)
	if err != nil {
		return err
	}
	if !moved {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "OnEntryFilled",
			"trade_id":   tradeID,
		}).Info("Entry fill re-delivered for non-pending trade, ignoring")
		return nil
	}

	trade, err := c.trades.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("%w: id=%d", ErrTradeNotFound, tradeID)
	}

	if filledQty > 0 && filledQty != trade.TotalShares {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "OnEntryFilled",
			"trade_id":   tradeID,
			"expected":   trade.TotalShares,
			"filled":     filledQty,
		}).Warn("Entry filled quantity differs from requested, reconciliation will verify")
	}

	now := time.Now()
	trade.EntryPrice = fillPrice
	trade.CurrentPhase = 1
	trade.EnteredAt = &now
	if err := c.trades.Save(ctx, trade); err != nil {
		return err
	}

	// Slippage on entry must not leave brackets computed against the
	// originally estimated price.
	for i := range trade.Phases {
		phase := &trade.Phases[i]
		phase.TakeProfitPrice, phase.StopLossPrice = tp_sl.PhasePrices(
			fillPrice, phase.TakeProfitPct, phase.StopLossPct)
		if err := c.trades.SavePhase(ctx, phase); err != nil {
			return err
		}
	}

	logger.WithFields(map[string]interface{}{
		"controller": "TradeController",
		"op":         "OnEntryFilled",
		"trade_id":   tradeID,
		"fill_price": fillPrice,
	}).Info("Entry filled, trade active at phase 1")

	return c.placePhaseOrders(ctx, trade, 1)
}

// PlacePhaseOrders submits the OCO bracket for the given phase. Exposed
// for manual repair flows; the lifecycle handlers call the internal
// variant with an already-loaded trade.
func (c *TradeController) PlacePhaseOrders(ctx context.Context, tradeID uint, phaseNumber int) error {
	trade, err := c.trades.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("%w: id=%d", ErrTradeNotFound, tradeID)
	}
	return c.placePhaseOrders(ctx, trade, phaseNumber)
}

func (c *TradeController) placePhaseOrders(ctx context.Context, trade *model.Trade, phaseNumber int) error {
	phase := findPhase(trade, phaseNumber)
	if phase == nil {
		return fmt.Errorf("trade %d has no phase %d", trade.ID, phaseNumber)
	}

	now := time.Now()
	phase.Status = model.PhaseStatusActive
	phase.StartedAt = &now
	if err := c.trades.SavePhase(ctx, phase); err != nil {
		return err
	}

	ocoOrder, err := c.brokerage.PlaceOCOSell(
		trade.Symbol,
		phase.SharesToSell,
		phase.TakeProfitPrice,
		phase.StopLossPrice,
		ClientOrderID(trade.UUID, phaseNumber, model.PurposePhaseTP),
	)
	if err != nil {
		c.markTradeError(ctx, trade, "brokerage.PlaceOCOSell", err)
		return fmt.Errorf("placing phase %d bracket: %w", phaseNumber, err)
	}

	if err := c.recordOCOOrder(ctx, trade, phaseNumber, ocoOrder); err != nil {
		c.markTradeError(ctx, trade, "recordOCOOrder", err)
		return err
	}

	// Until phase 1's bracket is live, the rest of the position has no
	// protective stop: cover it with a separate stop-only order.
	if phaseNumber == 1 {
		remainder := trade.TotalShares - phase.SharesToSell
		if remainder > 0 {
			stopOrder, err := c.brokerage.PlaceStopLossSell(
				trade.Symbol,
				remainder,
				phase.StopLossPrice,
				ClientOrderID(trade.UUID, 1, model.PurposeRemainingSL),
			)
			if err != nil {
				c.markTradeError(ctx, trade, "brokerage.PlaceStopLossSell", err)
				return fmt.Errorf("placing remaining stop loss: %w", err)
			}
			row := mapper.MapBrokerOrderToModel(stopOrder, trade.ID, 1, model.PurposeRemainingSL)
			if err := c.orders.Create(ctx, row); err != nil {
				c.markTradeError(ctx, trade, "orders.Create", err)
				return fmt.Errorf("recording remaining stop loss: %w", err)
			}
		}
	}

	c.notifier.Send(connectors.Notification{
		Type:  "info",
		Title: fmt.Sprintf("Phase %d armed", phaseNumber),
		Message: fmt.Sprintf("%s: %d shares, TP %s / SL %s",
			trade.Symbol, phase.SharesToSell, phase.TakeProfitPrice, phase.StopLossPrice),
		TradeID: trade.ID,
	})

	logger.WithFields(map[string]interface{}{
		"controller": "TradeController",
		"op":         "PlacePhaseOrders",
		"trade_id":   trade.ID,
		"phase":      phaseNumber,
		"shares":     phase.SharesToSell,
		"tp":         phase.TakeProfitPrice,
		"sl":         phase.StopLossPrice,
	}).Info("Phase bracket submitted")

	return nil
}

// recordOCOOrder persists the bracket's limit order plus one row per
// nested leg, so later leg-level fills resolve to a ledger row directly.
func (c *TradeController) recordOCOOrder(ctx context.Context, trade *model.Trade, phaseNumber int, ocoOrder *connectors.BrokerOrder) error {
	parent := mapper.MapBrokerOrderToModel(ocoOrder, trade.ID, phaseNumber, model.PurposePhaseTP)
	parent.OrderClass = model.OrderClassOCO
	if err := c.orders.Create(ctx, parent); err != nil {
		return fmt.Errorf("recording phase %d take profit: %w", phaseNumber, err)
	}

	for i := range ocoOrder.Legs {
		leg := mapper.MapBrokerOrderToModel(&ocoOrder.Legs[i], trade.ID, phaseNumber, model.PurposePhaseSL)
		leg.OrderClass = model.OrderClassOCO
		if err := c.orders.Create(ctx, leg); err != nil {
			return fmt.Errorf("recording phase %d stop leg: %w", phaseNumber, err)
		}
	}
	return nil
}

// OnPhaseTakeProfitHit books the phase's P&L, advances to the next phase
// or finalizes when this was the last one.
func (c *TradeController) OnPhaseTakeProfitHit(ctx context.Context, tradeID uint, phaseNumber int, fillPrice decimal.Decimal) error {
	trade, err := c.trades.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("%w: id=%d", ErrTradeNotFound, tradeID)
	}
	if trade.IsTerminal() {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "OnPhaseTakeProfitHit",
			"trade_id":   tradeID,
			"phase":      phaseNumber,
		}).Warn("Take profit fill for terminal trade")
		soldShares := int64(0)
		if phase := findPhase(trade, phaseNumber); phase != nil {
			soldShares = phase.SharesToSell
		}
		return c.flagSurplusFill(ctx, trade, soldShares, fmt.Sprintf(
			"phase %d take profit filled @ %s after the trade closed as %s",
			phaseNumber, fillPrice, trade.ExitReason))
	}

	phase := findPhase(trade, phaseNumber)
	if phase == nil {
		return fmt.Errorf("trade %d has no phase %d", tradeID, phaseNumber)
	}
	if phase.Status == model.PhaseStatusCompleted {
		return c.flagSurplusFill(ctx, trade, phase.SharesToSell, fmt.Sprintf(
			"phase %d take profit filled @ %s after the phase already completed via %s",
			phaseNumber, fillPrice, phase.ExitType))
	}

	pnl := tp_sl.PhasePnl(trade.EntryPrice, fillPrice, phase.SharesToSell)
	now := time.Now()
	phase.Status = model.PhaseStatusCompleted
	phase.ExitPrice = &fillPrice
	phase.ExitType = model.PhaseExitTypeTakeProfit
	phase.PhasePnl = &pnl
	phase.CompletedAt = &now
	if err := c.trades.SavePhase(ctx, phase); err != nil {
		return err
	}

	trade.RemainingShares -= phase.SharesToSell
	if err := c.trades.Save(ctx, trade); err != nil {
		return err
	}

	// The shares that just sold no longer need their protective stop.
	c.cancelProtectiveStops(ctx, trade, phaseNumber)

	c.notifier.Send(connectors.Notification{
		Type:    "info",
		Title:   fmt.Sprintf("Phase %d take profit", phaseNumber),
		Message: fmt.Sprintf("%s: sold %d @ %s, pnl %s", trade.Symbol, phase.SharesToSell, fillPrice, pnl),
		TradeID: trade.ID,
	})

	if phaseNumber >= model.NumPhases || trade.RemainingShares <= 0 {
		return c.FinalizeTrade(ctx, tradeID, model.ExitReasonCompleted)
	}

	trade.CurrentPhase = phaseNumber + 1
	if err := c.trades.Save(ctx, trade); err != nil {
		return err
	}

	return c.placePhaseOrders(ctx, trade, phaseNumber+1)
}

// OnPhaseStopLossHit closes the whole trade: the phase that stopped out is
// booked, every other open order is cancelled best-effort, later phases
// are skipped and the trade finalizes as stopped out.
func (c *TradeController) OnPhaseStopLossHit(ctx context.Context, tradeID uint, phaseNumber int, fillPrice decimal.Decimal, filledQty int64) error {
	trade, err := c.trades.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("%w: id=%d", ErrTradeNotFound, tradeID)
	}
	if trade.IsTerminal() {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "OnPhaseStopLossHit",
			"trade_id":   tradeID,
			"phase":      phaseNumber,
		}).Warn("Stop loss fill for terminal trade")
		soldShares := filledQty
		if soldShares <= 0 {
			if phase := findPhase(trade, phaseNumber); phase != nil {
				soldShares = phase.SharesToSell
			}
		}
		return c.flagSurplusFill(ctx, trade, soldShares, fmt.Sprintf(
			"phase %d stop loss filled @ %s after the trade closed as %s",
			phaseNumber, fillPrice, trade.ExitReason))
	}

	phase := findPhase(trade, phaseNumber)
	if phase == nil {
		return fmt.Errorf("trade %d has no phase %d", tradeID, phaseNumber)
	}

	// Both legs of a phase reporting filled is a venue-side race. The
	// first observed fill won; this one means shares sold twice, which is
	// flagged for review rather than double-counted.
	if phase.Status == model.PhaseStatusCompleted {
		soldShares := phase.SharesToSell
		if filledQty > 0 {
			soldShares = filledQty
		}
		return c.flagSurplusFill(ctx, trade, soldShares, fmt.Sprintf(
			"phase %d stop loss filled @ %s after the phase already completed via %s",
			phaseNumber, fillPrice, phase.ExitType))
	}

	c.cancelOpenOrders(ctx, trade)

	soldShares := phase.SharesToSell
	if filledQty > 0 {
		soldShares = filledQty
	}
	pnl := tp_sl.PhasePnl(trade.EntryPrice, fillPrice, soldShares)
	now := time.Now()
	phase.Status = model.PhaseStatusCompleted
	phase.ExitPrice = &fillPrice
	phase.ExitType = model.PhaseExitTypeStopLoss
	phase.PhasePnl = &pnl
	phase.CompletedAt = &now
	if err := c.trades.SavePhase(ctx, phase); err != nil {
		return err
	}

	trade.RemainingShares -= soldShares
	if trade.RemainingShares < 0 {
		trade.RemainingShares = 0
	}
	if err := c.trades.Save(ctx, trade); err != nil {
		return err
	}

	c.notifier.Send(connectors.Notification{
		Type:    "warning",
		Title:   fmt.Sprintf("Phase %d stopped out", phaseNumber),
		Message: fmt.Sprintf("%s: stop loss filled @ %s", trade.Symbol, fillPrice),
		TradeID: trade.ID,
	})

	return c.FinalizeTrade(ctx, tradeID, model.ExitReasonStoppedOut)
}

// flagSurplusFill records a deduped fill that arrived after its phase or
// the whole trade was already booked. The shares sold at the venue but
// must not be booked again, so the discrepancy goes to review instead.
func (c *TradeController) flagSurplusFill(ctx context.Context, trade *model.Trade, soldShares int64, details string) error {
	issue := &model.ReconciliationIssue{
		TradeID:        trade.ID,
		Symbol:         trade.Symbol,
		ExpectedShares: trade.RemainingShares,
		ActualShares:   trade.RemainingShares - soldShares,
		Discrepancy:    soldShares,
		Status:         model.IssueStatusPendingReview,
		Details:        details,
	}
	if err := c.issues.Create(ctx, issue); err != nil {
		return err
	}
	c.notifier.Send(connectors.Notification{
		Type:    "error",
		Title:   "Duplicate phase fill",
		Message: details,
		TradeID: trade.ID,
	})
	return nil
}

// FinalizeTrade is the single writer of realized P&L. The conditional
// status transition guarantees it runs at most once per trade; a second
// call is a logged no-op.
func (c *TradeController) FinalizeTrade(ctx context.Context, tradeID uint, exitReason string) error {
	moved, err := c.trades.TransitionStatus(ctx, tradeID,
		[]string{model.TradeStatusPending, model.TradeStatusActive},
		model.TradeStatusCompleted)
	if err != nil {
		return err
	}
	if !moved {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "FinalizeTrade",
			"trade_id":   tradeID,
		}).Info("Trade already finalized, skipping")
		return nil
	}

	trade, err := c.trades.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("%w: id=%d", ErrTradeNotFound, tradeID)
	}

	realized := decimal.Zero
	exitPhase := 0
	for i := range trade.Phases {
		phase := &trade.Phases[i]
		switch phase.Status {
		case model.PhaseStatusCompleted:
			if phase.PhasePnl != nil {
				realized = realized.Add(*phase.PhasePnl)
			}
			if phase.PhaseNumber > exitPhase {
				exitPhase = phase.PhaseNumber
			}
		case model.PhaseStatusPending, model.PhaseStatusActive:
			phase.Status = model.PhaseStatusSkipped
			if err := c.trades.SavePhase(ctx, phase); err != nil {
				return err
			}
		}
	}

	pnlPct := decimal.Zero
	if trade.PositionSize.IsPositive() {
		pnlPct = realized.Div(trade.PositionSize).Mul(decimal.NewFromInt(100)).Round(4)
	}

	now := time.Now()
	trade.Status = model.TradeStatusCompleted
	trade.RealizedPnl = &realized
	trade.RealizedPnlPct = &pnlPct
	trade.ExitReason = exitReason
	trade.ExitedAt = &now
	if exitPhase > 0 {
		trade.ExitPhase = &exitPhase
	}
	if err := c.trades.Save(ctx, trade); err != nil {
		return err
	}

	c.notifier.Send(connectors.Notification{
		Type:    "info",
		Title:   "Trade completed",
		Message: fmt.Sprintf("%s: %s, realized pnl %s (%s%%)", trade.Symbol, exitReason, realized, pnlPct),
		TradeID: trade.ID,
	})

	logger.WithFields(map[string]interface{}{
		"controller":  "TradeController",
		"op":          "FinalizeTrade",
		"trade_id":    tradeID,
		"exit_reason": exitReason,
		"pnl":         realized,
		"pnl_pct":     pnlPct,
		"exit_phase":  exitPhase,
	}).Info("Trade finalized")

	return nil
}

// CancelTrade manually terminates a trade, cancelling every open order.
func (c *TradeController) CancelTrade(ctx context.Context, tradeID uint) error {
	trade, err := c.trades.FindByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("%w: id=%d", ErrTradeNotFound, tradeID)
	}
	if trade.IsTerminal() {
		return fmt.Errorf("%w: id=%d status=%s", ErrAlreadyTerminal, tradeID, trade.Status)
	}

	c.cancelOpenOrders(ctx, trade)

	moved, err := c.trades.TransitionStatus(ctx, tradeID,
		[]string{model.TradeStatusPending, model.TradeStatusActive},
		model.TradeStatusCancelled)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: id=%d", ErrAlreadyTerminal, tradeID)
	}

	now := time.Now()
	trade.Status = model.TradeStatusCancelled
	trade.ExitReason = model.ExitReasonManual
	trade.ExitedAt = &now
	if err := c.trades.Save(ctx, trade); err != nil {
		return err
	}

	for i := range trade.Phases {
		phase := &trade.Phases[i]
		if phase.Status == model.PhaseStatusPending || phase.Status == model.PhaseStatusActive {
			phase.Status = model.PhaseStatusSkipped
			if err := c.trades.SavePhase(ctx, phase); err != nil {
				return err
			}
		}
	}

	c.notifier.Send(connectors.Notification{
		Type:    "warning",
		Title:   "Trade cancelled",
		Message: fmt.Sprintf("%s: cancelled manually", trade.Symbol),
		TradeID: trade.ID,
	})

	logger.WithFields(map[string]interface{}{
		"controller": "TradeController",
		"op":         "CancelTrade",
		"trade_id":   tradeID,
	}).Info("Trade cancelled")

	return nil
}

// cancelOpenOrders cancels every non-terminal order of the trade. Cancel
// failures are swallowed: an order that already filled or cancelled at
// the venue is a success outcome here.
func (c *TradeController) cancelOpenOrders(ctx context.Context, trade *model.Trade) {
	orders, err := c.orders.FindByTradeID(ctx, trade.ID)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "cancelOpenOrders",
			"trade_id":   trade.ID,
		}).WithError(err).Error("Failed to list orders for cancellation")
		return
	}

	for i := range orders {
		order := &orders[i]
		if model.IsTerminalStatus(order.Status) {
			continue
		}
		if err := c.brokerage.CancelOrder(order.VenueOrderID); err != nil {
			logger.WithFields(map[string]interface{}{
				"controller":     "TradeController",
				"op":             "cancelOpenOrders",
				"trade_id":       trade.ID,
				"venue_order_id": order.VenueOrderID,
			}).WithError(err).Warn("Cancel failed, order may already be terminal at venue")
		}
	}
}

// cancelProtectiveStops cancels the stop orders made redundant by a phase
// take profit: the phase's own stop leg (if the venue did not already OCO
// it away) and the phase 1 remaining-shares stop.
func (c *TradeController) cancelProtectiveStops(ctx context.Context, trade *model.Trade, phaseNumber int) {
	orders, err := c.orders.FindByTradeID(ctx, trade.ID)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "cancelProtectiveStops",
			"trade_id":   trade.ID,
		}).WithError(err).Error("Failed to list orders for stop cancellation")
		return
	}

	for i := range orders {
		order := &orders[i]
		if model.IsTerminalStatus(order.Status) {
			continue
		}
		redundantLeg := order.Purpose == model.PurposePhaseSL && order.PhaseNumber == phaseNumber
		if !redundantLeg && order.Purpose != model.PurposeRemainingSL {
			continue
		}
		if err := c.brokerage.CancelOrder(order.VenueOrderID); err != nil {
			logger.WithFields(map[string]interface{}{
				"controller":     "TradeController",
				"op":             "cancelProtectiveStops",
				"trade_id":       trade.ID,
				"venue_order_id": order.VenueOrderID,
				"purpose":        order.Purpose,
			}).WithError(err).Warn("Cancel failed, order may already be terminal at venue")
		}
	}
}

// markTradeError moves the trade to the error state after a failed venue
// interaction, so it is never left pending indefinitely.
func (c *TradeController) markTradeError(ctx context.Context, trade *model.Trade, method string, cause error) {
	Capture(ctx, c.exceptions, "phased_executor", "controller", method, "error", cause,
		map[string]interface{}{"trade_id": trade.ID, "symbol": trade.Symbol})

	if _, err := c.trades.TransitionStatus(ctx, trade.ID,
		[]string{model.TradeStatusPending, model.TradeStatusActive},
		model.TradeStatusError); err != nil {
		logger.WithFields(map[string]interface{}{
			"controller": "TradeController",
			"op":         "markTradeError",
			"trade_id":   trade.ID,
		}).WithError(err).Error("Failed to mark trade as errored")
	}

	c.notifier.Send(connectors.Notification{
		Type:    "error",
		Title:   "Trade error",
		Message: fmt.Sprintf("%s: %s failed: %v", trade.Symbol, method, cause),
		TradeID: trade.ID,
	})
}

func (c *TradeController) resolveTemplate(ctx context.Context, templateID *uint) (*model.ExitTemplate, error) {
	var (
		template *model.ExitTemplate
		err      error
	)
	if templateID != nil {
		template, err = c.templates.FindByID(ctx, *templateID)
	} else {
		template, err = c.templates.FindActive(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving exit template: %w", err)
	}
	if template == nil {
		return nil, ErrNoTemplate
	}
	return template, nil
}

func (c *TradeController) resolvePositionSize(ctx context.Context, override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return *override, nil
	}

	setting, err := c.settings.Get(ctx, model.SettingPositionSize)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading position size setting: %w", err)
	}
	if setting != nil {
		size, err := decimal.NewFromString(setting.Value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid position size setting %q: %w", setting.Value, err)
		}
		return size, nil
	}

	return decimal.NewFromFloat(c.config.DefaultPositionSize), nil
}

func findPhase(trade *model.Trade, phaseNumber int) *model.TradePhase {
	for i := range trade.Phases {
		if trade.Phases[i].PhaseNumber == phaseNumber {
			return &trade.Phases[i]
		}
	}
	return nil
}
