package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
)

// ReconciliationRepository persists discrepancies flagged for human review.
type ReconciliationRepository struct {
	db *gorm.DB
}

// NewReconciliationRepository creates a new repository instance.
func NewReconciliationRepository() *ReconciliationRepository {
	return &ReconciliationRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ReconciliationRepository) WithDB(db *gorm.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// Create persists a new reconciliation issue.
func (r *ReconciliationRepository) Create(ctx context.Context, issue *model.ReconciliationIssue) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "ReconciliationRepository",
		"op":          "Create",
		"trade_id":    issue.TradeID,
		"expected":    issue.ExpectedShares,
		"actual":      issue.ActualShares,
		"discrepancy": issue.Discrepancy,
	}).Warn("Persisting reconciliation issue for manual review")

	return r.db.WithContext(ctx).Create(issue).Error
}

// FindPendingByTradeID returns open issues for a trade.
func (r *ReconciliationRepository) FindPendingByTradeID(ctx context.Context, tradeID uint) ([]model.ReconciliationIssue, error) {
	var issues []model.ReconciliationIssue

	err := r.db.WithContext(ctx).
		Where("trade_id = ? AND status = ?", tradeID, model.IssueStatusPendingReview).
		Order("id ASC").
		Find(&issues).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "ReconciliationRepository",
			"op":       "FindPendingByTradeID",
			"trade_id": tradeID,
		}).WithError(err).Error("Failed to fetch reconciliation issues")
		return nil, err
	}

	return issues, nil
}

// FindPending returns every issue still awaiting human review.
func (r *ReconciliationRepository) FindPending(ctx context.Context) ([]model.ReconciliationIssue, error) {
	var issues []model.ReconciliationIssue

	err := r.db.WithContext(ctx).
		Where("status = ?", model.IssueStatusPendingReview).
		Order("id ASC").
		Find(&issues).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ReconciliationRepository",
			"op":   "FindPending",
		}).WithError(err).Error("Failed to fetch pending reconciliation issues")
		return nil, err
	}

	return issues, nil
}
