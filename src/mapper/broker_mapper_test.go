package mapper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"phasedexecutor/src/connectors"
	"phasedexecutor/src/model"
)

func TestMapBrokerOrderToModel(t *testing.T) {
	limit := decimal.RequireFromString("10.20")
	filledAt := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	bo := &connectors.BrokerOrder{
		ID:            "venue-1",
		ClientOrderID: "trade-uuid-p1-phase_tp",
		Symbol:        "AAPL",
		Side:          "sell",
		Type:          model.OrderTypeLimit,
		Class:         model.OrderClassOCO,
		Qty:           decimal.NewFromInt(350),
		LimitPrice:    &limit,
		Status:        model.OrderStatusFilled,
		FilledQty:     decimal.NewFromInt(350),
		FilledAvgPrice: func() *decimal.Decimal {
			d := decimal.RequireFromString("10.21")
			return &d
		}(),
		FilledAt: &filledAt,
		Raw:      []byte(`{"id":"venue-1"}`),
	}

	order := MapBrokerOrderToModel(bo, 9, 1, model.PurposePhaseTP)
	if order == nil {
		t.Fatal("expected a mapped order, got nil")
	}

	if order.TradeID != 9 || order.PhaseNumber != 1 || order.Purpose != model.PurposePhaseTP {
		t.Fatalf("lifecycle fields not mapped: %+v", order)
	}
	if order.VenueOrderID != "venue-1" || order.ClientOrderID != "trade-uuid-p1-phase_tp" {
		t.Fatalf("identity fields not mapped: %+v", order)
	}
	if order.Qty != 350 {
		t.Fatalf("expected qty 350, got %d", order.Qty)
	}
	if order.LimitPrice == nil || !order.LimitPrice.Equal(limit) {
		t.Fatalf("limit price not mapped: %+v", order.LimitPrice)
	}
	if order.FilledAt == nil || !order.FilledAt.Equal(filledAt) {
		t.Fatalf("filled at not mapped: %+v", order.FilledAt)
	}
}

func TestMapBrokerOrderToModelDefaults(t *testing.T) {
	bo := &connectors.BrokerOrder{
		ID:     "venue-2",
		Symbol: "AAPL",
		Side:   "buy",
		Type:   model.OrderTypeLimit,
		Qty:    decimal.NewFromInt(100),
	}

	order := MapBrokerOrderToModel(bo, 1, 0, model.PurposeEntry)
	if order.OrderClass != model.OrderClassSimple {
		t.Fatalf("expected default order class simple, got %q", order.OrderClass)
	}
	if order.Status != model.OrderStatusNew {
		t.Fatalf("expected default status new, got %q", order.Status)
	}

	if got := MapBrokerOrderToModel(nil, 1, 0, model.PurposeEntry); got != nil {
		t.Fatalf("expected nil for nil input, got %+v", got)
	}
}

func TestApplyBrokerOrder(t *testing.T) {
	order := &model.Order{
		ID:           3,
		TradeID:      9,
		VenueOrderID: "venue-3",
		Status:       model.OrderStatusAccepted,
	}

	avg := decimal.RequireFromString("10.18")
	filledAt := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	bo := &connectors.BrokerOrder{
		ID:             "venue-3",
		Status:         model.OrderStatusFilled,
		FilledQty:      decimal.NewFromInt(300),
		FilledAvgPrice: &avg,
		FilledAt:       &filledAt,
		Raw:            []byte(`{"status":"filled"}`),
	}

	ApplyBrokerOrder(order, bo)

	if order.Status != model.OrderStatusFilled {
		t.Fatalf("status not applied: %q", order.Status)
	}
	if !order.FilledQty.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("filled qty not applied: %s", order.FilledQty)
	}
	if order.FilledAvgPrice == nil || !order.FilledAvgPrice.Equal(avg) {
		t.Fatalf("filled avg price not applied: %+v", order.FilledAvgPrice)
	}
	if string(order.RawPayload) != `{"status":"filled"}` {
		t.Fatalf("raw payload not applied: %s", order.RawPayload)
	}
}

func TestBuildOrderEventLegDefaultsToVenueID(t *testing.T) {
	order := &model.Order{ID: 3, TradeID: 9, VenueOrderID: "venue-3"}

	event := BuildOrderEvent(order, "", model.OrderEventFill, "fill observed by poll", nil)
	if event.LegID != "venue-3" {
		t.Fatalf("expected leg id to default to venue order id, got %q", event.LegID)
	}
	if event.OrderID != 3 || event.TradeID != 9 {
		t.Fatalf("identity fields not carried: %+v", event)
	}

	event = BuildOrderEvent(order, "leg-9", model.OrderEventFill, "", nil)
	if event.LegID != "leg-9" {
		t.Fatalf("expected explicit leg id to win, got %q", event.LegID)
	}
}

func TestEventTypeFromStatus(t *testing.T) {
	cases := map[string]string{
		model.OrderStatusFilled:          model.OrderEventFill,
		model.OrderStatusPartiallyFilled: model.OrderEventPartialFill,
		model.OrderStatusCanceled:        model.OrderEventCancelled,
		model.OrderStatusRejected:        model.OrderEventRejected,
		model.OrderStatusExpired:         model.OrderEventExpired,
		model.OrderStatusAccepted:        model.OrderEventNew,
	}

	for status, want := range cases {
		if got := EventTypeFromStatus(status); got != want {
			t.Fatalf("status %q: expected event %q, got %q", status, want, got)
		}
	}
}
