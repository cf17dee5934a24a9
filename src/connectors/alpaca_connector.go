package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Brokerage = (*AlpacaConnector)(nil)

// AlpacaConnector implements the Brokerage contract against the Alpaca
// trading API. Phase orders use GTC so brackets survive overnight.
type AlpacaConnector struct {
	client *alpaca.Client
	md     *marketdata.Client
}

// NewAlpacaConnector builds a connector from the given credentials.
// baseURL selects paper vs live trading; dataURL may be empty for the
// default market data endpoint.
func NewAlpacaConnector(apiKey, apiSecret, baseURL, dataURL string) *AlpacaConnector {
	if baseURL == "" {
		baseURL = "https://paper-api.alpaca.markets"
		logger.Warnf("No base URL provided, using default: %s", baseURL)
	}

	mdOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		mdOpts.BaseURL = dataURL
	}

	return &AlpacaConnector{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		md: marketdata.NewClient(mdOpts),
	}
}

func (c *AlpacaConnector) GetAsset(symbol string) (*Asset, error) {
	asset, err := c.client.GetAsset(symbol)
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", symbol, err)
	}
	return &Asset{
		Symbol:   asset.Symbol,
		Exchange: asset.Exchange,
		Tradable: asset.Tradable,
	}, nil
}

func (c *AlpacaConnector) GetAccount() (*Account, error) {
	acct, err := c.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &Account{
		BuyingPower: acct.BuyingPower,
		Cash:        acct.Cash,
		Equity:      acct.Equity,
	}, nil
}

func (c *AlpacaConnector) GetPositions() ([]Position, error) {
	positions, err := c.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
		})
	}
	return out, nil
}

func (c *AlpacaConnector) GetLatestQuote(symbol string) (*Quote, error) {
	q, err := c.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, fmt.Errorf("latest quote %s: %w", symbol, err)
	}
	return &Quote{
		BidPrice: decimal.NewFromFloat(q.BidPrice),
		AskPrice: decimal.NewFromFloat(q.AskPrice),
	}, nil
}

func (c *AlpacaConnector) GetLatestTradePrice(symbol string) (decimal.Decimal, error) {
	t, err := c.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest trade %s: %w", symbol, err)
	}
	return decimal.NewFromFloat(t.Price), nil
}

func (c *AlpacaConnector) PlaceLimitBuy(symbol string, qty int64, limitPrice decimal.Decimal, clientOrderID string) (*BrokerOrder, error) {
	qtyDec := decimal.NewFromInt(qty)

	logger.WithFields(map[string]interface{}{
		"symbol":          symbol,
		"qty":             qty,
		"limit_price":     limitPrice.String(),
		"client_order_id": clientOrderID,
	}).Info("Placing limit buy on Alpaca")

	order, err := c.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Buy,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &limitPrice,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place limit buy %s: %w", symbol, err)
	}
	return mapAlpacaOrder(order), nil
}

func (c *AlpacaConnector) PlaceOCOSell(symbol string, qty int64, tpPrice, slPrice decimal.Decimal, clientOrderID string) (*BrokerOrder, error) {
	qtyDec := decimal.NewFromInt(qty)

	logger.WithFields(map[string]interface{}{
		"symbol":          symbol,
		"qty":             qty,
		"tp_price":        tpPrice.String(),
		"sl_price":        slPrice.String(),
		"client_order_id": clientOrderID,
	}).Info("Placing OCO sell on Alpaca")

	order, err := c.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Sell,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.GTC,
		OrderClass:    alpaca.OCO,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tpPrice},
		StopLoss:      &alpaca.StopLoss{StopPrice: &slPrice},
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place oco sell %s: %w", symbol, err)
	}
	return mapAlpacaOrder(order), nil
}

func (c *AlpacaConnector) PlaceStopLossSell(symbol string, qty int64, stopPrice decimal.Decimal, clientOrderID string) (*BrokerOrder, error) {
	qtyDec := decimal.NewFromInt(qty)

	logger.WithFields(map[string]interface{}{
		"symbol":          symbol,
		"qty":             qty,
		"stop_price":      stopPrice.String(),
		"client_order_id": clientOrderID,
	}).Info("Placing stop-loss sell on Alpaca")

	order, err := c.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Sell,
		Type:          alpaca.Stop,
		TimeInForce:   alpaca.GTC,
		StopPrice:     &stopPrice,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place stop sell %s: %w", symbol, err)
	}
	return mapAlpacaOrder(order), nil
}

// CancelOrder requests cancellation. A 404 (unknown order) or 422 (order
// already in a terminal state) from the venue is a success outcome.
func (c *AlpacaConnector) CancelOrder(venueOrderID string) error {
	err := c.client.CancelOrder(venueOrderID)
	if err == nil {
		return nil
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 404 || apiErr.StatusCode == 422 {
			logger.WithFields(map[string]interface{}{
				"venue_order_id": venueOrderID,
				"status_code":    apiErr.StatusCode,
			}).Debug("Cancel on already-terminal order, treating as success")
			return nil
		}
	}
	return fmt.Errorf("cancel order %s: %w", venueOrderID, err)
}

func (c *AlpacaConnector) GetOrders(statusFilter string, limit int) ([]BrokerOrder, error) {
	if limit <= 0 {
		limit = 500
	}

	orders, err := c.client.GetOrders(alpaca.GetOrdersRequest{
		Status: statusFilter,
		Limit:  limit,
		Nested: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get orders (%s): %w", statusFilter, err)
	}

	out := make([]BrokerOrder, 0, len(orders))
	for i := range orders {
		out = append(out, *mapAlpacaOrder(&orders[i]))
	}
	return out, nil
}

// StreamOrderUpdates subscribes to Alpaca's trade-updates stream and blocks
// until the stream drops or ctx is cancelled. Reconnection policy is owned
// by the caller.
func (c *AlpacaConnector) StreamOrderUpdates(ctx context.Context, handler func(OrderUpdate)) error {
	return c.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		at := tu.At
		if at.IsZero() {
			at = time.Now()
		}
		handler(OrderUpdate{
			At:        at,
			EventType: normalizeEventType(tu.Event),
			Order:     *mapAlpacaOrder(&tu.Order),
		})
	}, alpaca.StreamTradeUpdatesRequest{})
}

func mapAlpacaOrder(o *alpaca.Order) *BrokerOrder {
	raw, err := json.Marshal(o)
	if err != nil {
		raw = nil
	}

	var qty decimal.Decimal
	if o.Qty != nil {
		qty = *o.Qty
	}

	mapped := &BrokerOrder{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Class:          string(o.OrderClass),
		Qty:            qty,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		Status:         normalizeStatus(o.Status),
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		FilledAt:       o.FilledAt,
		Raw:            raw,
	}

	for i := range o.Legs {
		mapped.Legs = append(mapped.Legs, *mapAlpacaOrder(&o.Legs[i]))
	}
	return mapped
}

// normalizeStatus folds Alpaca spellings into the ledger's order statuses.
func normalizeStatus(s string) string {
	switch s {
	case "canceled", "cancelled", "pending_cancel":
		return "canceled"
	case "new", "accepted", "pending_new":
		return "new"
	default:
		return s
	}
}

// normalizeEventType folds Alpaca trade-update event names into the
// order_events constants.
func normalizeEventType(event string) string {
	switch event {
	case "fill":
		return "fill"
	case "partial_fill":
		return "partial_fill"
	case "canceled", "cancelled":
		return "cancelled"
	case "expired":
		return "expired"
	case "rejected":
		return "rejected"
	case "new", "accepted", "pending_new":
		return "new"
	default:
		return event
	}
}
