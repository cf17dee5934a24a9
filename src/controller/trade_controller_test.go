package controller

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/model"
	"phasedexecutor/src/repository"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// helper to create a new in memory gorm DB and migrate schema
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in memory db: %v", err)
	}

	if err := db.AutoMigrate(
		&model.Trade{},
		&model.TradePhase{},
		&model.Order{},
		&model.OrderEvent{},
		&model.ReconciliationIssue{},
		&model.ExitTemplate{},
		&model.ExitTemplatePhase{},
		&model.Setting{},
		&model.Exception{},
	); err != nil {
		t.Fatalf("failed to automigrate: %v", err)
	}

	return db
}

// fakeBrokerage is an in-memory Brokerage double that records every order
// placed and serves canned positions and order history.
type fakeBrokerage struct {
	asset     *connectors.Asset
	account   connectors.Account
	positions []connectors.Position
	history   []connectors.BrokerOrder

	placed    []connectors.BrokerOrder
	cancelled []string

	placeErr  error
	streamErr error

	nextID int
}

func newFakeBrokerage() *fakeBrokerage {
	return &fakeBrokerage{
		asset:   &connectors.Asset{Symbol: "ACME", Exchange: "NYSE", Tradable: true},
		account: connectors.Account{BuyingPower: d("100000"), Cash: d("100000"), Equity: d("100000")},
	}
}

func (f *fakeBrokerage) GetAsset(symbol string) (*connectors.Asset, error) {
	if f.asset != nil && f.asset.Symbol == symbol {
		return f.asset, nil
	}
	return nil, nil
}

func (f *fakeBrokerage) GetAccount() (*connectors.Account, error) {
	return &f.account, nil
}

func (f *fakeBrokerage) GetPositions() ([]connectors.Position, error) {
	return f.positions, nil
}

func (f *fakeBrokerage) GetLatestQuote(string) (*connectors.Quote, error) {
	return &connectors.Quote{BidPrice: d("9.99"), AskPrice: d("10.01")}, nil
}

func (f *fakeBrokerage) GetLatestTradePrice(string) (decimal.Decimal, error) {
	return d("10.00"), nil
}

func (f *fakeBrokerage) newOrderID() string {
	f.nextID++
	return fmt.Sprintf("venue-%d", f.nextID)
}

func (f *fakeBrokerage) PlaceLimitBuy(symbol string, qty int64, limitPrice decimal.Decimal, clientOrderID string) (*connectors.BrokerOrder, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	order := connectors.BrokerOrder{
		ID:            f.newOrderID(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          "buy",
		Type:          model.OrderTypeLimit,
		Class:         model.OrderClassSimple,
		Qty:           decimal.NewFromInt(qty),
		LimitPrice:    &limitPrice,
		Status:        model.OrderStatusAccepted,
	}
	f.placed = append(f.placed, order)
	return &order, nil
}

func (f *fakeBrokerage) PlaceOCOSell(symbol string, qty int64, tpPrice, slPrice decimal.Decimal, clientOrderID string) (*connectors.BrokerOrder, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	parentID := f.newOrderID()
	order := connectors.BrokerOrder{
		ID:            parentID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          "sell",
		Type:          model.OrderTypeLimit,
		Class:         model.OrderClassOCO,
		Qty:           decimal.NewFromInt(qty),
		LimitPrice:    &tpPrice,
		Status:        model.OrderStatusAccepted,
		Legs: []connectors.BrokerOrder{{
			ID:        parentID + "-sl",
			Symbol:    symbol,
			Side:      "sell",
			Type:      model.OrderTypeStop,
			Class:     model.OrderClassOCO,
			Qty:       decimal.NewFromInt(qty),
			StopPrice: &slPrice,
			Status:    model.OrderStatusHeld,
		}},
	}
	f.placed = append(f.placed, order)
	return &order, nil
}

func (f *fakeBrokerage) PlaceStopLossSell(symbol string, qty int64, stopPrice decimal.Decimal, clientOrderID string) (*connectors.BrokerOrder, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	order := connectors.BrokerOrder{
		ID:            f.newOrderID(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          "sell",
		Type:          model.OrderTypeStop,
		Class:         model.OrderClassSimple,
		Qty:           decimal.NewFromInt(qty),
		StopPrice:     &stopPrice,
		Status:        model.OrderStatusAccepted,
	}
	f.placed = append(f.placed, order)
	return &order, nil
}

func (f *fakeBrokerage) CancelOrder(venueOrderID string) error {
	f.cancelled = append(f.cancelled, venueOrderID)
	return nil
}

func (f *fakeBrokerage) GetOrders(string, int) ([]connectors.BrokerOrder, error) {
	return f.history, nil
}

func (f *fakeBrokerage) StreamOrderUpdates(ctx context.Context, handler func(connectors.OrderUpdate)) error {
	if f.streamErr != nil {
		return f.streamErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestController(t *testing.T, fb *fakeBrokerage) (*TradeController, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	c := NewTradeController(fb, connectors.NopNotifier{}, NopBroadcaster{}).WithDB(db)
	c.streamBaseDelay = time.Millisecond
	c.streamMaxAttempts = 2
	return c, db
}

func seedTemplate(t *testing.T, db *gorm.DB) *model.ExitTemplate {
	t.Helper()
	tmpl := &model.ExitTemplate{
		Name:   "standard four phase",
		Active: true,
		Phases: []model.ExitTemplatePhase{
			{PhaseNumber: 1, TakeProfitPct: d("2"), StopLossPct: d("-2"), SellPct: d("35")},
			{PhaseNumber: 2, TakeProfitPct: d("5"), StopLossPct: d("0"), SellPct: d("30")},
			{PhaseNumber: 3, TakeProfitPct: d("8"), StopLossPct: d("2"), SellPct: d("25")},
			{PhaseNumber: 4, TakeProfitPct: d("12"), StopLossPct: d("5"), SellPct: d("10")},
		},
	}
	if err := repository.NewTemplateRepository().WithDB(db).Create(context.Background(), tmpl); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return tmpl
}

func openTestTrade(t *testing.T, c *TradeController) *model.Trade {
	t.Helper()
	size := d("10000")
	trade, err := c.OpenTrade(context.Background(), OpenTradeRequest{
		Symbol:       "ACME",
		EntryPrice:   d("10.00"),
		PositionSize: &size,
	})
	if err != nil {
		t.Fatalf("failed to open trade: %v", err)
	}
	return trade
}

// fillUpdate builds the venue's fill notification for a previously placed
// order.
func fillUpdate(order connectors.BrokerOrder, fillPrice string, qty int64) connectors.OrderUpdate {
	avg := d(fillPrice)
	now := time.Now()
	snapshot := order
	snapshot.Status = model.OrderStatusFilled
	snapshot.FilledQty = decimal.NewFromInt(qty)
	snapshot.FilledAvgPrice = &avg
	snapshot.FilledAt = &now
	snapshot.Legs = nil
	return connectors.OrderUpdate{At: now, EventType: model.OrderEventFill, Order: snapshot}
}

func reloadTrade(t *testing.T, db *gorm.DB, id uint) *model.Trade {
	t.Helper()
	trade, err := repository.NewTradeRepository().WithDB(db).FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to reload trade: %v", err)
	}
	if trade == nil {
		t.Fatalf("trade %d disappeared", id)
	}
	return trade
}

func phaseByNumber(t *testing.T, trade *model.Trade, n int) *model.TradePhase {
	t.Helper()
	p := findPhase(trade, n)
	if p == nil {
		t.Fatalf("trade %d has no phase %d", trade.ID, n)
	}
	return p
}

func TestOpenTradeCreatesPhases(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)

	trade := openTestTrade(t, c)

	if trade.Status != model.TradeStatusPending || trade.CurrentPhase != 0 {
		t.Fatalf("unexpected initial trade state: %+v", trade)
	}
	if trade.TotalShares != 1000 || trade.RemainingShares != 1000 {
		t.Fatalf("expected 1000 shares, got %d/%d", trade.TotalShares, trade.RemainingShares)
	}

	wantShares := []int64{350, 300, 250, 100}
	for i, want := range wantShares {
		phase := phaseByNumber(t, trade, i+1)
		if phase.SharesToSell != want {
			t.Fatalf("phase %d: expected %d shares, got %d", i+1, want, phase.SharesToSell)
		}
		if phase.Status != model.PhaseStatusPending {
			t.Fatalf("phase %d: expected pending, got %s", i+1, phase.Status)
		}
	}

	if len(fb.placed) != 1 {
		t.Fatalf("expected exactly one entry order placed, got %d", len(fb.placed))
	}
	entry := fb.placed[0]
	if entry.Side != "buy" || !entry.Qty.Equal(d("1000")) {
		t.Fatalf("unexpected entry order: %+v", entry)
	}
	wantToken := fmt.Sprintf("%s-p0-entry", trade.UUID)
	if entry.ClientOrderID != wantToken {
		t.Fatalf("expected client order id %q, got %q", wantToken, entry.ClientOrderID)
	}
}

func TestOpenTradeRejectsUntradableSymbol(t *testing.T) {
	fb := newFakeBrokerage()
	fb.asset.Tradable = false
	c, db := newTestController(t, fb)
	seedTemplate(t, db)

	size := d("10000")
	_, err := c.OpenTrade(context.Background(), OpenTradeRequest{
		Symbol: "ACME", EntryPrice: d("10.00"), PositionSize: &size,
	})
	if err == nil || !strings.Contains(err.Error(), ErrSymbolNotTradable.Error()) {
		t.Fatalf("expected symbol-not-tradable error, got %v", err)
	}
}

func TestOpenTradeEntryFailureMarksTradeError(t *testing.T) {
	fb := newFakeBrokerage()
	fb.placeErr = fmt.Errorf("venue unavailable")
	c, db := newTestController(t, fb)
	seedTemplate(t, db)

	size := d("10000")
	_, err := c.OpenTrade(context.Background(), OpenTradeRequest{
		Symbol: "ACME", EntryPrice: d("10.00"), PositionSize: &size,
	})
	if err == nil {
		t.Fatal("expected entry placement failure to propagate")
	}

	var trades []model.Trade
	if err := db.Find(&trades).Error; err != nil {
		t.Fatalf("failed to list trades: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != model.TradeStatusError {
		t.Fatalf("expected one errored trade, got %+v", trades)
	}
}

func TestEntryFillActivatesAndRecomputesPrices(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	if err := c.ProcessOrderUpdate(context.Background(), fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusActive || got.CurrentPhase != 1 {
		t.Fatalf("expected active trade at phase 1, got status=%s phase=%d", got.Status, got.CurrentPhase)
	}

	wantTP := []string{"10.20", "10.50", "10.80", "11.20"}
	wantSL := []string{"9.80", "10.00", "10.20", "10.50"}
	for i := 0; i < model.NumPhases; i++ {
		phase := phaseByNumber(t, got, i+1)
		if !phase.TakeProfitPrice.Equal(d(wantTP[i])) {
			t.Fatalf("phase %d: expected TP %s, got %s", i+1, wantTP[i], phase.TakeProfitPrice)
		}
		if !phase.StopLossPrice.Equal(d(wantSL[i])) {
			t.Fatalf("phase %d: expected SL %s, got %s", i+1, wantSL[i], phase.StopLossPrice)
		}
	}

	if phaseByNumber(t, got, 1).Status != model.PhaseStatusActive {
		t.Fatal("expected phase 1 to be active")
	}

	// entry + phase 1 bracket + remaining-shares stop
	if len(fb.placed) != 3 {
		t.Fatalf("expected 3 orders placed, got %d", len(fb.placed))
	}
	bracket, remainingStop := fb.placed[1], fb.placed[2]
	if !bracket.Qty.Equal(d("350")) || bracket.Class != model.OrderClassOCO {
		t.Fatalf("unexpected phase 1 bracket: %+v", bracket)
	}
	if !remainingStop.Qty.Equal(d("650")) || remainingStop.StopPrice == nil || !remainingStop.StopPrice.Equal(d("9.80")) {
		t.Fatalf("unexpected remaining stop: %+v", remainingStop)
	}
}

func TestEntryFillSlippageRecomputesAgainstActualPrice(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	if err := c.ProcessOrderUpdate(context.Background(), fillUpdate(fb.placed[0], "10.10", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if !got.EntryPrice.Equal(d("10.10")) {
		t.Fatalf("expected entry price updated to 10.10, got %s", got.EntryPrice)
	}
	phase1 := phaseByNumber(t, got, 1)
	if !phase1.TakeProfitPrice.Equal(d("10.30")) {
		t.Fatalf("expected slipped TP 10.30, got %s", phase1.TakeProfitPrice)
	}
	if !phase1.StopLossPrice.Equal(d("9.90")) {
		t.Fatalf("expected slipped SL 9.90, got %s", phase1.StopLossPrice)
	}
}

func TestEntryFillIsIdempotent(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	update := fillUpdate(fb.placed[0], "10.00", 1000)
	if err := c.ProcessOrderUpdate(context.Background(), update); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}
	if err := c.ProcessOrderUpdate(context.Background(), update); err != nil {
		t.Fatalf("failed to process replayed entry fill: %v", err)
	}

	var events []model.OrderEvent
	if err := db.Where("leg_id = ? AND event_type = ?", update.Order.ID, model.OrderEventFill).
		Find(&events).Error; err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one fill event for leg, got %d", len(events))
	}

	// Entry + one bracket + one remaining stop: the replay must not place
	// a second round of phase orders.
	if len(fb.placed) != 3 {
		t.Fatalf("expected 3 orders placed after replay, got %d", len(fb.placed))
	}

	got := reloadTrade(t, db, trade.ID)
	if got.CurrentPhase != 1 {
		t.Fatalf("expected trade to remain at phase 1, got %d", got.CurrentPhase)
	}
}

func TestPhaseTakeProfitAdvancesToNextPhase(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	if err := c.ProcessOrderUpdate(context.Background(), fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	bracket := fb.placed[1]
	remainingStop := fb.placed[2]
	if err := c.ProcessOrderUpdate(context.Background(), fillUpdate(bracket, "10.20", 350)); err != nil {
		t.Fatalf("failed to process phase 1 take profit: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.RemainingShares != 650 {
		t.Fatalf("expected 650 remaining shares, got %d", got.RemainingShares)
	}
	if got.CurrentPhase != 2 {
		t.Fatalf("expected current phase 2, got %d", got.CurrentPhase)
	}

	phase1 := phaseByNumber(t, got, 1)
	if phase1.Status != model.PhaseStatusCompleted || phase1.ExitType != model.PhaseExitTypeTakeProfit {
		t.Fatalf("unexpected phase 1 state: %+v", phase1)
	}
	if phase1.PhasePnl == nil || !phase1.PhasePnl.Equal(d("70.00")) {
		t.Fatalf("expected phase 1 pnl 70.00, got %+v", phase1.PhasePnl)
	}

	if phaseByNumber(t, got, 2).Status != model.PhaseStatusActive {
		t.Fatal("expected phase 2 to be active")
	}

	// Phase 2 bracket placed for 300 shares.
	phase2Bracket := fb.placed[len(fb.placed)-1]
	if !phase2Bracket.Qty.Equal(d("300")) || phase2Bracket.LimitPrice == nil || !phase2Bracket.LimitPrice.Equal(d("10.50")) {
		t.Fatalf("unexpected phase 2 bracket: %+v", phase2Bracket)
	}

	// The now-redundant protective stop was cancelled.
	found := false
	for _, id := range fb.cancelled {
		if id == remainingStop.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected remaining stop %s to be cancelled, cancelled: %v", remainingStop.ID, fb.cancelled)
	}
}

func TestPhaseStopLossStopsOutTrade(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[1], "10.20", 350)); err != nil {
		t.Fatalf("failed to process phase 1 take profit: %v", err)
	}

	// Phase 2's stop leg fills at breakeven.
	phase2Bracket := fb.placed[len(fb.placed)-1]
	stopLeg := phase2Bracket.Legs[0]
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(stopLeg, "10.00", 300)); err != nil {
		t.Fatalf("failed to process phase 2 stop loss: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusCompleted {
		t.Fatalf("expected completed trade, got %s", got.Status)
	}
	if got.ExitReason != model.ExitReasonStoppedOut {
		t.Fatalf("expected stopped_out, got %s", got.ExitReason)
	}
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(d("70.00")) {
		t.Fatalf("expected realized pnl 70.00, got %+v", got.RealizedPnl)
	}
	if got.ExitPhase == nil || *got.ExitPhase != 2 {
		t.Fatalf("expected exit phase 2, got %+v", got.ExitPhase)
	}

	phase2 := phaseByNumber(t, got, 2)
	if phase2.ExitType != model.PhaseExitTypeStopLoss || phase2.PhasePnl == nil || !phase2.PhasePnl.IsZero() {
		t.Fatalf("unexpected phase 2 state: %+v", phase2)
	}
	for _, n := range []int{3, 4} {
		if phaseByNumber(t, got, n).Status != model.PhaseStatusSkipped {
			t.Fatalf("expected phase %d skipped", n)
		}
	}
}

func TestDuplicatePhaseFillCreatesIssue(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	bracket := fb.placed[1]
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(bracket, "10.20", 350)); err != nil {
		t.Fatalf("failed to process phase 1 take profit: %v", err)
	}

	// Venue race: phase 1's stop leg also reports filled.
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(bracket.Legs[0], "9.80", 350)); err != nil {
		t.Fatalf("failed to process duplicate leg fill: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusActive {
		t.Fatalf("duplicate fill must not terminate the trade, got %s", got.Status)
	}

	var issues []model.ReconciliationIssue
	if err := db.Where("trade_id = ?", trade.ID).Find(&issues).Error; err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected one reconciliation issue for the duplicate fill, got %d", len(issues))
	}
}

func TestTakeProfitFillAfterStopOutCreatesIssue(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[1], "10.20", 350)); err != nil {
		t.Fatalf("failed to process phase 1 take profit: %v", err)
	}

	// Phase 2's stop leg fills and the trade finalizes as stopped out.
	phase2Bracket := fb.placed[len(fb.placed)-1]
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(phase2Bracket.Legs[0], "10.00", 300)); err != nil {
		t.Fatalf("failed to process phase 2 stop loss: %v", err)
	}
	if got := reloadTrade(t, db, trade.ID); got.ExitReason != model.ExitReasonStoppedOut {
		t.Fatalf("expected stopped_out trade, got %s", got.ExitReason)
	}

	// Venue race: phase 2's take profit also reports filled, after the
	// trade already closed.
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(phase2Bracket, "10.50", 300)); err != nil {
		t.Fatalf("failed to process late take profit fill: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusCompleted || got.ExitReason != model.ExitReasonStoppedOut {
		t.Fatalf("late fill must not reopen the trade, got status=%s reason=%s", got.Status, got.ExitReason)
	}
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(d("70.00")) {
		t.Fatalf("late fill must not change realized pnl, got %+v", got.RealizedPnl)
	}

	var issues []model.ReconciliationIssue
	if err := db.Where("trade_id = ?", trade.ID).Find(&issues).Error; err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected one reconciliation issue for the late fill, got %d", len(issues))
	}
	if issues[0].Discrepancy != 300 {
		t.Fatalf("expected a 300 share discrepancy, got %d", issues[0].Discrepancy)
	}
}

func TestFullTakeProfitRunCompletesTrade(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	fills := []struct {
		price  string
		shares int64
	}{
		{"10.20", 350}, {"10.50", 300}, {"10.80", 250}, {"11.20", 100},
	}
	for _, fill := range fills {
		bracket := fb.placed[len(fb.placed)-1]
		if err := c.ProcessOrderUpdate(ctx, fillUpdate(bracket, fill.price, fill.shares)); err != nil {
			t.Fatalf("failed to process take profit @ %s: %v", fill.price, err)
		}
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusCompleted || got.ExitReason != model.ExitReasonCompleted {
		t.Fatalf("expected completed trade, got status=%s reason=%s", got.Status, got.ExitReason)
	}
	if got.RemainingShares != 0 {
		t.Fatalf("expected no remaining shares, got %d", got.RemainingShares)
	}

	// 70 + 150 + 200 + 120
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(d("540.00")) {
		t.Fatalf("expected realized pnl 540.00, got %+v", got.RealizedPnl)
	}
	if got.RealizedPnlPct == nil || !got.RealizedPnlPct.Equal(d("5.4")) {
		t.Fatalf("expected pnl pct 5.4, got %+v", got.RealizedPnlPct)
	}
	if got.ExitPhase == nil || *got.ExitPhase != 4 {
		t.Fatalf("expected exit phase 4, got %+v", got.ExitPhase)
	}
}

func TestFinalizeTradeRunsOnce(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}
	if err := c.FinalizeTrade(ctx, trade.ID, model.ExitReasonManual); err != nil {
		t.Fatalf("failed to finalize trade: %v", err)
	}

	// Second finalize is a no-op, not an error, and must not overwrite the
	// recorded exit reason.
	if err := c.FinalizeTrade(ctx, trade.ID, model.ExitReasonStoppedOut); err != nil {
		t.Fatalf("second finalize should be a no-op, got %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.ExitReason != model.ExitReasonManual {
		t.Fatalf("expected exit reason preserved, got %s", got.ExitReason)
	}
}

func TestCancelTrade(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.CancelTrade(ctx, trade.ID); err != nil {
		t.Fatalf("failed to cancel trade: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusCancelled || got.ExitReason != model.ExitReasonManual {
		t.Fatalf("unexpected cancelled trade state: %+v", got)
	}
	for i := 1; i <= model.NumPhases; i++ {
		if phaseByNumber(t, got, i).Status != model.PhaseStatusSkipped {
			t.Fatalf("expected phase %d skipped", i)
		}
	}
	if len(fb.cancelled) == 0 {
		t.Fatal("expected the open entry order to be cancelled at the venue")
	}

	if err := c.CancelTrade(ctx, trade.ID); !strings.Contains(fmt.Sprint(err), ErrAlreadyTerminal.Error()) {
		t.Fatalf("expected already-terminal error, got %v", err)
	}
}

func TestPollDetectsMissedFill(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	// The venue filled the entry but the stream never said so.
	filled := fillUpdate(fb.placed[0], "10.00", 1000).Order
	fb.history = []connectors.BrokerOrder{filled}

	if err := c.PollOpenOrders(context.Background()); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusActive || got.CurrentPhase != 1 {
		t.Fatalf("expected poll to activate the trade, got status=%s phase=%d", got.Status, got.CurrentPhase)
	}
}

func TestPollAppliesSecondPartialFill(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	avg := d("10.00")
	now := time.Now()
	partial := fb.placed[0]
	partial.Status = model.OrderStatusPartiallyFilled
	partial.FilledQty = decimal.NewFromInt(400)
	partial.FilledAvgPrice = &avg
	if err := c.ProcessOrderUpdate(ctx, connectors.OrderUpdate{At: now, EventType: model.OrderEventPartialFill, Order: partial}); err != nil {
		t.Fatalf("failed to process first partial fill: %v", err)
	}

	// The venue fills more shares while the order status stays
	// partially_filled.
	partial.FilledQty = decimal.NewFromInt(700)
	fb.history = []connectors.BrokerOrder{partial}

	if err := c.PollOpenOrders(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	order, err := repository.NewOrderRepository().WithDB(db).FindByVenueOrderID(ctx, partial.ID)
	if err != nil || order == nil {
		t.Fatalf("failed to reload entry order: %v", err)
	}
	if !order.FilledQty.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("expected poll to pick up the second partial fill, filled qty is %s", order.FilledQty)
	}
	if got := reloadTrade(t, db, trade.ID); got.Status != model.TradeStatusPending {
		t.Fatalf("partial fills must not activate the trade, got %s", got.Status)
	}
}

func TestReconcileRepairsMissedEntryFill(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	// Ledger believes no position yet; venue holds 1000 shares and the
	// order history explains why.
	fb.positions = []connectors.Position{{Symbol: "ACME", Qty: d("1000"), AvgEntryPrice: d("10.00")}}
	fb.history = []connectors.BrokerOrder{fillUpdate(fb.placed[0], "10.00", 1000).Order}

	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusActive {
		t.Fatalf("expected reconciliation to replay the entry fill, got %s", got.Status)
	}

	var issues []model.ReconciliationIssue
	if err := db.Find(&issues).Error; err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues after successful repair, got %d", len(issues))
	}
}

func TestReconcileRecoversLegFillUnderCancelledParent(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	// The venue cancelled the bracket parent but its stop leg filled in
	// the race; the ledger saw neither.
	bracket := fb.placed[1]
	cancelledParent := bracket
	cancelledParent.Status = model.OrderStatusCanceled
	legFill := fillUpdate(bracket.Legs[0], "9.80", 350).Order
	cancelledParent.Legs = []connectors.BrokerOrder{legFill}

	fb.positions = []connectors.Position{{Symbol: "ACME", Qty: d("650"), AvgEntryPrice: d("10.00")}}
	fb.history = []connectors.BrokerOrder{cancelledParent}

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusCompleted || got.ExitReason != model.ExitReasonStoppedOut {
		t.Fatalf("expected stop-out via recovered leg fill, got status=%s reason=%s", got.Status, got.ExitReason)
	}

	var issues []model.ReconciliationIssue
	if err := db.Find(&issues).Error; err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues after leg recovery, got %d", len(issues))
	}
}

func TestReconcileMatchesStandaloneLegByPrice(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	// A stray venue order the ledger never referenced, filled one cent off
	// the phase 1 stop price.
	strayStop := d("9.81")
	now := time.Now()
	avg := d("9.81")
	stray := connectors.BrokerOrder{
		ID:             "stray-1",
		Symbol:         "ACME",
		Side:           "sell",
		Type:           model.OrderTypeStop,
		Qty:            d("350"),
		StopPrice:      &strayStop,
		Status:         model.OrderStatusFilled,
		FilledQty:      d("350"),
		FilledAvgPrice: &avg,
		FilledAt:       &now,
	}

	fb.positions = []connectors.Position{{Symbol: "ACME", Qty: d("650"), AvgEntryPrice: d("10.00")}}
	fb.history = []connectors.BrokerOrder{stray}

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.Status != model.TradeStatusCompleted || got.ExitReason != model.ExitReasonStoppedOut {
		t.Fatalf("expected stop-out via tolerance match, got status=%s reason=%s", got.Status, got.ExitReason)
	}
}

func TestReconcileUnexplainedDriftCreatesIssue(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	trade := openTestTrade(t, c)

	ctx := context.Background()
	if err := c.ProcessOrderUpdate(ctx, fillUpdate(fb.placed[0], "10.00", 1000)); err != nil {
		t.Fatalf("failed to process entry fill: %v", err)
	}

	// Venue reports a share count nothing in the order history explains.
	fb.positions = []connectors.Position{{Symbol: "ACME", Qty: d("651"), AvgEntryPrice: d("10.00")}}
	fb.history = []connectors.BrokerOrder{fillUpdate(fb.placed[0], "10.00", 1000).Order}

	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	var issues []model.ReconciliationIssue
	if err := db.Where("trade_id = ?", trade.ID).Find(&issues).Error; err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected exactly one issue, got %d", len(issues))
	}
	issue := issues[0]
	if issue.ExpectedShares != 1000 || issue.ActualShares != 651 || issue.Discrepancy != -349 {
		t.Fatalf("unexpected issue contents: %+v", issue)
	}
	if issue.Status != model.IssueStatusPendingReview {
		t.Fatalf("expected pending_review, got %s", issue.Status)
	}

	got := reloadTrade(t, db, trade.ID)
	if got.RemainingShares != 1000 {
		t.Fatalf("unexplained drift must leave the ledger unchanged, got %d", got.RemainingShares)
	}
}

func TestReconcileSkipsWhenBusy(t *testing.T) {
	fb := newFakeBrokerage()
	c, db := newTestController(t, fb)
	seedTemplate(t, db)
	openTestTrade(t, c)

	c.reconciling.Store(true)
	defer c.reconciling.Store(false)

	fb.positions = []connectors.Position{{Symbol: "ACME", Qty: d("1000")}}
	if err := c.Reconcile(context.Background()); err != nil {
		t.Fatalf("busy reconcile should be a silent skip, got %v", err)
	}

	var issues []model.ReconciliationIssue
	if err := db.Find(&issues).Error; err != nil {
		t.Fatalf("failed to list issues: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("skipped cycle must not touch the ledger, got %d issues", len(issues))
	}
}

func TestRunOrderStreamGivesUpAfterBoundedAttempts(t *testing.T) {
	fb := newFakeBrokerage()
	fb.streamErr = fmt.Errorf("connection refused")
	c, _ := newTestController(t, fb)

	err := c.RunOrderStream(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("expected bounded-attempt give-up, got %v", err)
	}
}
