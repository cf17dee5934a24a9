package repository

import (
	"context"
	"errors"
	"sort"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"phasedexecutor/src/database"
	"phasedexecutor/src/model"
	"phasedexecutor/src/tp_sl"
)

// TemplateRepository manages the four-phase exit templates. Validation of
// the sell split and the breakeven-or-better property happens here, so the
// execution engine can rely on both holding for any template it reads.
type TemplateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository creates a new repository instance.
func NewTemplateRepository() *TemplateRepository {
	return &TemplateRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TemplateRepository) WithDB(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create validates and inserts a template with its four phase rows.
func (r *TemplateRepository) Create(ctx context.Context, tmpl *model.ExitTemplate) error {
	sort.Slice(tmpl.Phases, func(i, j int) bool {
		return tmpl.Phases[i].PhaseNumber < tmpl.Phases[j].PhaseNumber
	})

	if err := tp_sl.ValidateSellSplit(tmpl.Phases); err != nil {
		return err
	}
	if err := tp_sl.ValidateBreakevenOrBetter(tmpl.Phases); err != nil {
		return err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tmpl.Active {
			// Only one template may be active at a time.
			if err := tx.Model(&model.ExitTemplate{}).
				Where("active = ?", true).
				Update("active", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(tmpl).Error
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TemplateRepository",
			"op":   "Create",
			"name": tmpl.Name,
		}).WithError(err).Error("Failed to create exit template")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "TemplateRepository",
		"op":          "Create",
		"template_id": tmpl.ID,
		"name":        tmpl.Name,
	}).Info("Exit template created")

	return nil
}

// FindByID fetches a template with its phases ordered by phase number.
// Returns (nil, nil) if the template is not found.
func (r *TemplateRepository) FindByID(ctx context.Context, id uint) (*model.ExitTemplate, error) {
	var tmpl model.ExitTemplate

	err := r.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_number ASC")
		}).
		First(&tmpl, id).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "TemplateRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch template by ID")
		return nil, err
	}

	return &tmpl, nil
}

// FindActive returns the single currently active template.
// Returns (nil, nil) if no template is active.
func (r *TemplateRepository) FindActive(ctx context.Context) (*model.ExitTemplate, error) {
	var tmpl model.ExitTemplate

	err := r.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_number ASC")
		}).
		Where("active = ?", true).
		First(&tmpl).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "TemplateRepository",
			"op":   "FindActive",
		}).WithError(err).Error("Failed to fetch active template")
		return nil, err
	}

	return &tmpl, nil
}

// List returns all templates, newest first, phases preloaded.
func (r *TemplateRepository) List(ctx context.Context) ([]model.ExitTemplate, error) {
	var templates []model.ExitTemplate

	err := r.db.WithContext(ctx).
		Preload("Phases", func(db *gorm.DB) *gorm.DB {
			return db.Order("phase_number ASC")
		}).
		Order("id DESC").
		Find(&templates).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TemplateRepository",
			"op":   "List",
		}).WithError(err).Error("Failed to list templates")
		return nil, err
	}

	return templates, nil
}

// SetActive marks the given template active and deactivates every other.
func (r *TemplateRepository) SetActive(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ExitTemplate{}).
			Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}

		res := tx.Model(&model.ExitTemplate{}).
			Where("id = ?", id).
			Update("active", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TemplateRepository",
			"op":   "SetActive",
			"id":   id,
		}).WithError(err).Error("Failed to activate template")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo": "TemplateRepository",
		"op":   "SetActive",
		"id":   id,
	}).Info("Template activated")

	return nil
}
