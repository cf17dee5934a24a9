package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"phasedexecutor/src/controller"
	"phasedexecutor/src/model"
	"phasedexecutor/src/repository"
	"phasedexecutor/src/risk"
)

type tradeOpener interface {
	OpenTrade(ctx context.Context, req controller.OpenTradeRequest) (*model.Trade, error)
}

type tradeCanceller interface {
	CancelTrade(ctx context.Context, tradeID uint) error
}

type tradeSearcher interface {
	Search(ctx context.Context, options repository.TradeSearchOptions) ([]model.Trade, error)
}

type tradeFinder interface {
	FindByID(ctx context.Context, id uint) (*model.Trade, error)
}

type orderEventLister interface {
	FindByTradeID(ctx context.Context, tradeID uint) ([]model.Order, error)
	FindEventsByTradeID(ctx context.Context, tradeID uint) ([]model.OrderEvent, error)
}

// openTradeRequest is the JSON body for POST /trades.
type openTradeRequest struct {
	Symbol       string           `json:"symbol"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	PositionSize *decimal.Decimal `json:"position_size,omitempty"`
	TemplateID   *uint            `json:"template_id,omitempty"`
}

// OpenTradeHandler returns a handler that opens a new phased exit trade.
func OpenTradeHandler(engine tradeOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openTradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Symbol == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}

		trade, err := engine.OpenTrade(r.Context(), controller.OpenTradeRequest{
			Symbol:       req.Symbol,
			EntryPrice:   req.EntryPrice,
			PositionSize: req.PositionSize,
			TemplateID:   req.TemplateID,
		})
		if err != nil {
			status := openTradeErrorStatus(err)
			if status == http.StatusInternalServerError {
				logger.WithError(err).Error("failed to open trade")
				http.Error(w, "Internal Server Error", status)
				return
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(trade); err != nil {
			logger.WithError(err).Error("failed to encode open trade response")
		}
	}
}

func openTradeErrorStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrSymbolNotTradable),
		errors.Is(err, controller.ErrNoTemplate),
		errors.Is(err, risk.ErrBadEntryPrice):
		return http.StatusBadRequest
	case errors.Is(err, risk.ErrInsufficientSize),
		errors.Is(err, risk.ErrInsufficientBuyingPower):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// CancelTradeHandler returns a handler that manually cancels a trade.
func CancelTradeHandler(engine tradeCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tradeIDParam(w, r)
		if !ok {
			return
		}

		if err := engine.CancelTrade(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, controller.ErrTradeNotFound):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.Is(err, controller.ErrAlreadyTerminal):
				http.Error(w, err.Error(), http.StatusConflict)
			default:
				logger.WithError(err).Error("failed to cancel trade")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// ListTradesHandler returns a handler that lists trades with optional
// status/symbol filters and pagination.
func ListTradesHandler(repo tradeSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if pageParam := r.URL.Query().Get("page"); pageParam != "" {
			parsed, err := strconv.Atoi(pageParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = parsed
		}

		pageSize := 20
		if sizeParam := r.URL.Query().Get("pageSize"); sizeParam != "" {
			parsed, err := strconv.Atoi(sizeParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid pageSize", http.StatusBadRequest)
				return
			}
			pageSize = parsed
		}

		trades, err := repo.Search(r.Context(), repository.TradeSearchOptions{
			Status: r.URL.Query().Get("status"),
			Symbol: r.URL.Query().Get("symbol"),
			Limit:  pageSize,
			Offset: (page - 1) * pageSize,
		})
		if err != nil {
			logger.WithError(err).Error("failed to search trades")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(trades); err != nil {
			logger.WithError(err).Error("failed to encode trade list response")
		}
	}
}

// GetTradeHandler returns a handler that fetches one trade with phases.
func GetTradeHandler(repo tradeFinder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tradeIDParam(w, r)
		if !ok {
			return
		}

		trade, err := repo.FindByID(r.Context(), id)
		if err != nil {
			logger.WithError(err).Error("failed to fetch trade")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if trade == nil {
			http.Error(w, "trade not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(trade); err != nil {
			logger.WithError(err).Error("failed to encode trade response")
		}
	}
}

// tradeHistoryResponse bundles a trade's order ledger and its audit trail.
type tradeHistoryResponse struct {
	Orders []model.Order      `json:"orders"`
	Events []model.OrderEvent `json:"events"`
}

// TradeHistoryHandler returns a handler serving the full order and event
// history of a trade.
func TradeHistoryHandler(repo orderEventLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tradeIDParam(w, r)
		if !ok {
			return
		}

		orders, err := repo.FindByTradeID(r.Context(), id)
		if err != nil {
			logger.WithError(err).Error("failed to fetch trade orders")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		events, err := repo.FindEventsByTradeID(r.Context(), id)
		if err != nil {
			logger.WithError(err).Error("failed to fetch trade events")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tradeHistoryResponse{Orders: orders, Events: events}); err != nil {
			logger.WithError(err).Error("failed to encode trade history response")
		}
	}
}

func tradeIDParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid trade id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}
