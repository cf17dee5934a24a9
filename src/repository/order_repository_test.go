package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"phasedexecutor/src/model"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestOrderRepositoryFindByVenueOrderID(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &OrderRepository{db: mockDB}

	createdAt := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "trade_id", "venue_order_id", "symbol", "status", "created_at", "updated_at"}).
			AddRow(uint(5), uint(1), "venue-123", "AAPL", model.OrderStatusAccepted, createdAt, createdAt)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE venue_order_id = $1 ORDER BY "orders"."id" LIMIT $2`)).
			WithArgs("venue-123", 1).
			WillReturnRows(rows)

		order, err := repo.FindByVenueOrderID(context.Background(), "venue-123")
		if err != nil {
			t.Fatalf("unexpected error fetching order: %v", err)
		}
		if order == nil {
			t.Fatal("expected an order, got nil")
		}
		if order.VenueOrderID != "venue-123" || order.Status != model.OrderStatusAccepted {
			t.Fatalf("unexpected order returned: %+v", order)
		}
	})

	t.Run("not found returns nil without error", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE venue_order_id = $1 ORDER BY "orders"."id" LIMIT $2`)).
			WithArgs("missing", 1).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		order, err := repo.FindByVenueOrderID(context.Background(), "missing")
		if err != nil {
			t.Fatalf("expected nil error for missing order, got %v", err)
		}
		if order != nil {
			t.Fatalf("expected nil order, got %+v", order)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestOrderRepositoryHasFillEventForLeg(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &OrderRepository{db: mockDB}

	t.Run("fill already recorded", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "order_events" WHERE leg_id = $1 AND event_type = $2`)).
			WithArgs("leg-abc", model.OrderEventFill).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		seen, err := repo.HasFillEventForLeg(context.Background(), "leg-abc")
		if err != nil {
			t.Fatalf("unexpected error checking fill dedup: %v", err)
		}
		if !seen {
			t.Fatal("expected fill to be reported as already recorded")
		}
	})

	t.Run("no fill recorded", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "order_events" WHERE leg_id = $1 AND event_type = $2`)).
			WithArgs("leg-new", model.OrderEventFill).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		seen, err := repo.HasFillEventForLeg(context.Background(), "leg-new")
		if err != nil {
			t.Fatalf("unexpected error checking fill dedup: %v", err)
		}
		if seen {
			t.Fatal("expected no fill to be recorded yet")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestOrderRepositoryFindOpen(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &OrderRepository{db: mockDB}

	createdAt := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "trade_id", "venue_order_id", "symbol", "status", "created_at", "updated_at"}).
		AddRow(uint(1), uint(1), "venue-1", "AAPL", model.OrderStatusNew, createdAt, createdAt).
		AddRow(uint(2), uint(1), "venue-2", "AAPL", model.OrderStatusPartiallyFilled, createdAt, createdAt)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE status NOT IN ($1,$2,$3,$4) ORDER BY id ASC`)).
		WithArgs(model.OrderStatusFilled, model.OrderStatusCanceled, model.OrderStatusExpired, model.OrderStatusRejected).
		WillReturnRows(rows)

	orders, err := repo.FindOpen(context.Background())
	if err != nil {
		t.Fatalf("unexpected error fetching open orders: %v", err)
	}

	if len(orders) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(orders))
	}
	if orders[0].VenueOrderID != "venue-1" || orders[1].VenueOrderID != "venue-2" {
		t.Fatalf("open orders not returned in insertion order: %+v", orders)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
