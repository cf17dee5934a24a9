package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
)

// SettingRepository stores runtime configuration as key/value rows.
type SettingRepository struct {
	db *gorm.DB
}

func NewSettingRepository() *SettingRepository {
	return &SettingRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SettingRepository) WithDB(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// Get returns the setting for key, or (nil, nil) when it is unset.
func (r *SettingRepository) Get(ctx context.Context, key string) (*model.Setting, error) {
	var setting model.Setting

	err := r.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "SettingRepository",
			"op":   "Get",
			"key":  key,
		}).WithError(err).Error("Failed to fetch setting")
		return nil, err
	}

	return &setting, nil
}

// Set writes key to value, inserting or updating as needed.
func (r *SettingRepository) Set(ctx context.Context, key, value string, encrypted bool) error {
	setting := model.Setting{Key: key, Value: value, Encrypted: encrypted}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "encrypted", "updated_at"}),
	}).Create(&setting).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SettingRepository",
			"op":   "Set",
			"key":  key,
		}).WithError(err).Error("Failed to store setting")
		return err
	}

	return nil
}
