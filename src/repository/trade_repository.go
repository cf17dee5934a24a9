package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
)

// TradeRepository handles read/write operations for trades and their phases.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new repository instance using the main
// read/write database.
func NewTradeRepository() *TradeRepository {
	return &TradeRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *TradeRepository) WithDB(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// CreateWithPhases inserts the trade and its four phase rows atomically.
func (r *TradeRepository) CreateWithPhases(
	ctx context.Context,
	trade *model.Trade,
	phases []model.TradePhase,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "TradeRepository",
		"op":     "CreateWithPhases",
		"symbol": trade.Symbol,
		"shares": trade.TotalShares,
	}).Debug("Creating trade with phases")

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		for i := range phases {
			phases[i].TradeID = trade.ID
		}
		return tx.Create(&phases).Error
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradeRepository",
			"op":     "CreateWithPhases",
			"symbol": trade.Symbol,
		}).WithError(err).Error("Failed to create trade")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "TradeRepository",
		"op":       "CreateWithPhases",
		"trade_id": trade.ID,
	}).Info("Trade created successfully")

	return nil
}

// FindByID fetches a single trade with its phases.
// Returns (nil, nil) if the trade is not found.
func (r *TradeRepository) FindByID(ctx context.Context, id uint) (*model.Trade, error) {
	var trade model.Trade

	err := r.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_number ASC")
		}).
		First(&trade, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch trade by ID")
		return nil, err
	}

	return &trade, nil
}

// FindByUUID fetches a single trade by its externally shareable UUID.
// Returns (nil, nil) if the trade is not found.
func (r *TradeRepository) FindByUUID(ctx context.Context, uuid string) (*model.Trade, error) {
	var trade model.Trade

	err := r.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_number ASC")
		}).
		Where("uuid = ?", uuid).
		First(&trade).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "FindByUUID",
			"uuid": uuid,
		}).WithError(err).Error("Failed to fetch trade by UUID")
		return nil, err
	}

	return &trade, nil
}

// FindOpen returns all trades still in a non-terminal state, phases
// preloaded, oldest first.
func (r *TradeRepository) FindOpen(ctx context.Context) ([]model.Trade, error) {
	var trades []model.Trade

	err := r.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_number ASC")
		}).
		Where("status IN ?", []string{model.TradeStatusPending, model.TradeStatusActive}).
		Order("id ASC").
		Find(&trades).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "FindOpen",
		}).WithError(err).Error("Failed to fetch open trades")
		return nil, err
	}

	return trades, nil
}

// TradeSearchOptions filters trade listings.
type TradeSearchOptions struct {
	Status string
	Symbol string
	Limit  int
	Offset int
}

// Search returns trades newest first, optionally filtered by status and
// symbol.
func (r *TradeRepository) Search(ctx context.Context, options TradeSearchOptions) ([]model.Trade, error) {
	query := r.db.WithContext(ctx).Model(&model.Trade{})

	if options.Status != "" {
		query = query.Where("status = ?", options.Status)
	}
	if options.Symbol != "" {
		query = query.Where("symbol = ?", options.Symbol)
	}

	query = query.Order("created_at DESC, id DESC")

	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}
	if options.Offset > 0 {
		query = query.Offset(options.Offset)
	}

	var trades []model.Trade
	if err := query.Find(&trades).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradeRepository",
			"op":   "Search",
		}).WithError(err).Error("Failed to search trades")
		return nil, err
	}

	return trades, nil
}

// Save persists all changed fields of the trade row.
func (r *TradeRepository) Save(ctx context.Context, trade *model.Trade) error {
	err := r.db.WithContext(ctx).Save(trade).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "TradeRepository",
			"op":       "Save",
			"trade_id": trade.ID,
		}).WithError(err).Error("Failed to save trade")
	}
	return err
}

// SavePhase persists all changed fields of a phase row.
func (r *TradeRepository) SavePhase(ctx context.Context, phase *model.TradePhase) error {
	err := r.db.WithContext(ctx).Save(phase).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "TradeRepository",
			"op":       "SavePhase",
			"trade_id": phase.TradeID,
			"phase":    phase.PhaseNumber,
		}).WithError(err).Error("Failed to save trade phase")
	}
	return err
}

// TransitionStatus performs a conditional status update: the trade moves to
// newStatus only if its current status is one of from. Returns false when
// the guard did not match, which callers use to make terminal transitions
// run exactly once.
func (r *TradeRepository) TransitionStatus(
	ctx context.Context,
	tradeID uint,
	from []string,
	newStatus string,
) (bool, error) {

	res := r.db.WithContext(ctx).
		Model(&model.Trade{}).
		Where("id = ? AND status IN ?", tradeID, from).
		Update("status", newStatus)

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "TradeRepository",
			"op":         "TransitionStatus",
			"trade_id":   tradeID,
			"new_status": newStatus,
		}).WithError(res.Error).Error("Failed to transition trade status")
		return false, res.Error
	}

	if res.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo":       "TradeRepository",
			"op":         "TransitionStatus",
			"trade_id":   tradeID,
			"new_status": newStatus,
		}).Info("Trade status guard did not match, no transition")
		return false, nil
	}

	logger.WithFields(map[string]interface{}{
		"repo":       "TradeRepository",
		"op":         "TransitionStatus",
		"trade_id":   tradeID,
		"new_status": newStatus,
	}).Info("Trade status updated")

	return true, nil
}
