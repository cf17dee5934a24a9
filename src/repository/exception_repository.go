package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
)

// ExceptionRepository persists captured runtime errors for later review.
type ExceptionRepository struct {
	db *gorm.DB
}

func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ExceptionRepository) WithDB(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create stores a new exception record. Failures here are logged and
// swallowed, an exception write must never take down the caller.
func (r *ExceptionRepository) Create(ctx context.Context, exc *model.Exception) {
	if err := r.db.WithContext(ctx).Create(exc).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "ExceptionRepository",
			"op":     "Create",
			"module": exc.Module,
			"method": exc.Method,
		}).WithError(err).Error("Failed to persist exception")
	}
}

// FindRecent returns the most recent exceptions up to limit.
func (r *ExceptionRepository) FindRecent(ctx context.Context, limit int) ([]model.Exception, error) {
	if limit <= 0 {
		limit = 50
	}

	var exceptions []model.Exception
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&exceptions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ExceptionRepository",
			"op":   "FindRecent",
		}).WithError(err).Error("Failed to list exceptions")
		return nil, err
	}

	return exceptions, nil
}
