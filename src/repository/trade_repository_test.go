package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"phasedexecutor/src/model"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestTradeRepositorySearch(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &TradeRepository{db: mockDB}

	createdAt := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	trades := []model.Trade{
		{ID: 1, UUID: "aaa", Symbol: "AAPL", Status: model.TradeStatusActive, CreatedAt: createdAt, UpdatedAt: createdAt},
		{ID: 2, UUID: "bbb", Symbol: "MSFT", Status: model.TradeStatusCompleted, CreatedAt: createdAt.Add(time.Hour), UpdatedAt: createdAt.Add(time.Hour)},
		{ID: 3, UUID: "ccc", Symbol: "AAPL", Status: model.TradeStatusActive, CreatedAt: createdAt.Add(2 * time.Hour), UpdatedAt: createdAt.Add(2 * time.Hour)},
	}

	tradeRows := func(returned ...model.Trade) *sqlmock.Rows {
		rows := sqlmock.NewRows([]string{"id", "uuid", "symbol", "status", "created_at", "updated_at"})
		for _, tr := range returned {
			rows.AddRow(tr.ID, tr.UUID, tr.Symbol, tr.Status, tr.CreatedAt, tr.UpdatedAt)
		}
		return rows
	}

	t.Run("filters by status", func(t *testing.T) {
		mockRows := tradeRows(trades[2], trades[0])
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "trades" WHERE status = $1 ORDER BY created_at DESC, id DESC`)).
			WithArgs(model.TradeStatusActive).
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), TradeSearchOptions{Status: model.TradeStatusActive})
		if err != nil {
			t.Fatalf("unexpected error searching trades: %v", err)
		}

		if len(results) != 2 {
			t.Fatalf("expected 2 active trades, got %d", len(results))
		}

		if results[0].UUID != "ccc" || results[1].UUID != "aaa" {
			t.Fatalf("trades not returned newest first: %+v", results)
		}
	})

	t.Run("filters by status and symbol", func(t *testing.T) {
		mockRows := tradeRows(trades[2], trades[0])
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "trades" WHERE status = $1 AND symbol = $2 ORDER BY created_at DESC, id DESC`)).
			WithArgs(model.TradeStatusActive, "AAPL").
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), TradeSearchOptions{Status: model.TradeStatusActive, Symbol: "AAPL"})
		if err != nil {
			t.Fatalf("unexpected error searching trades: %v", err)
		}

		if len(results) != 2 {
			t.Fatalf("expected 2 AAPL trades, got %d", len(results))
		}
	})

	t.Run("applies pagination", func(t *testing.T) {
		mockRows := tradeRows(trades[1])
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "trades" ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`)).
			WithArgs(1, 1).
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), TradeSearchOptions{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("unexpected error searching trades: %v", err)
		}

		if len(results) != 1 {
			t.Fatalf("expected 1 trade for pagination, got %d", len(results))
		}

		if results[0].UUID != "bbb" {
			t.Fatalf("unexpected paginated trade: %+v", results[0])
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestTradeRepositoryTransitionStatus(t *testing.T) {
	t.Run("guard matches", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &TradeRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "trades" SET "status"=$1,"updated_at"=$2 WHERE id = $3 AND status IN ($4,$5)`)).
			WithArgs(model.TradeStatusCompleted, sqlmock.AnyArg(), uint(7), model.TradeStatusPending, model.TradeStatusActive).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		moved, err := repo.TransitionStatus(context.Background(), 7,
			[]string{model.TradeStatusPending, model.TradeStatusActive},
			model.TradeStatusCompleted)
		if err != nil {
			t.Fatalf("unexpected error transitioning status: %v", err)
		}
		if !moved {
			t.Fatal("expected transition to report success")
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet sqlmock expectations: %v", err)
		}
	})

	t.Run("guard does not match", func(t *testing.T) {
		mockDB, mock := newMockDB(t)
		repo := &TradeRepository{db: mockDB}

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "trades" SET "status"=$1,"updated_at"=$2 WHERE id = $3 AND status IN ($4,$5)`)).
			WithArgs(model.TradeStatusCompleted, sqlmock.AnyArg(), uint(7), model.TradeStatusPending, model.TradeStatusActive).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		moved, err := repo.TransitionStatus(context.Background(), 7,
			[]string{model.TradeStatusPending, model.TradeStatusActive},
			model.TradeStatusCompleted)
		if err != nil {
			t.Fatalf("unexpected error transitioning status: %v", err)
		}
		if moved {
			t.Fatal("expected transition to be refused when no row matches")
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet sqlmock expectations: %v", err)
		}
	})
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}
