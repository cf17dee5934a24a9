package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
)

// OrderRepository handles read/write operations for orders and their
// append-only event trail.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main
// read/write database.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts a new order into the database.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "OrderRepository",
		"op":      "Create",
		"symbol":  order.Symbol,
		"side":    order.Side,
		"purpose": order.Purpose,
		"qty":     order.Qty,
	}).Debug("Creating new order")

	err := r.db.WithContext(ctx).Create(order).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create order")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "Create",
		"order_id": order.ID,
	}).Info("Order created successfully")

	return nil
}

// FindByVenueOrderID fetches an order by the venue-side identifier.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByVenueOrderID(ctx context.Context, venueOrderID string) (*model.Order, error) {
	var order model.Order

	err := r.db.WithContext(ctx).
		Where("venue_order_id = ?", venueOrderID).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":           "OrderRepository",
			"op":             "FindByVenueOrderID",
			"venue_order_id": venueOrderID,
		}).WithError(err).Error("Failed to fetch order by venue ID")
		return nil, err
	}

	return &order, nil
}

// FindByClientOrderID fetches an order by its idempotency token.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByClientOrderID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	var order model.Order

	err := r.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":            "OrderRepository",
			"op":              "FindByClientOrderID",
			"client_order_id": clientOrderID,
		}).WithError(err).Error("Failed to fetch order by client ID")
		return nil, err
	}

	return &order, nil
}

// FindByTradeID returns every order the ledger holds for a trade, oldest
// first.
func (r *OrderRepository) FindByTradeID(ctx context.Context, tradeID uint) ([]model.Order, error) {
	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("id ASC").
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "FindByTradeID",
			"trade_id": tradeID,
		}).WithError(err).Error("Failed to fetch orders for trade")
		return nil, err
	}

	return orders, nil
}

// FindOpen returns every order that has not reached a terminal venue
// state. The poll path cross-references this set against the venue.
func (r *OrderRepository) FindOpen(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{
			model.OrderStatusFilled,
			model.OrderStatusCanceled,
			model.OrderStatusExpired,
			model.OrderStatusRejected,
		}).
		Order("id ASC").
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindOpen",
		}).WithError(err).Error("Failed to fetch open orders")
		return nil, err
	}

	return orders, nil
}

// Save persists all changed fields of the order row.
func (r *OrderRepository) Save(ctx context.Context, order *model.Order) error {
	err := r.db.WithContext(ctx).Save(order).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "Save",
			"order_id": order.ID,
		}).WithError(err).Error("Failed to save order")
	}
	return err
}

// AppendEvent appends one audit row to the order's event trail.
func (r *OrderRepository) AppendEvent(ctx context.Context, event *model.OrderEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "AppendEvent",
			"order_id": event.OrderID,
			"type":     event.EventType,
		}).WithError(err).Error("Failed to append order event")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "AppendEvent",
		"order_id": event.OrderID,
		"leg_id":   event.LegID,
		"type":     event.EventType,
	}).Debug("Order event appended")

	return nil
}

// HasFillEventForLeg reports whether a fill referencing the given venue
// leg id was already recorded. This is the sole idempotency guard against
// processing the same fill twice across the stream, poll and
// reconciliation paths.
func (r *OrderRepository) HasFillEventForLeg(ctx context.Context, legID string) (bool, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&model.OrderEvent{}).
		Where("leg_id = ? AND event_type = ?", legID, model.OrderEventFill).
		Count(&count).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "HasFillEventForLeg",
			"leg_id": legID,
		}).WithError(err).Error("Failed to check fill event dedup")
		return false, err
	}

	return count > 0, nil
}

// FindEventsByTradeID returns the audit trail for a trade in observation
// order.
func (r *OrderRepository) FindEventsByTradeID(ctx context.Context, tradeID uint) ([]model.OrderEvent, error) {
	var events []model.OrderEvent

	err := r.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("id ASC").
		Find(&events).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "FindEventsByTradeID",
			"trade_id": tradeID,
		}).WithError(err).Error("Failed to fetch order events")
		return nil, err
	}

	return events, nil
}
