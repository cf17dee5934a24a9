package migrations

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"phasedexecutor/src/model"
)

// seedStandardExitTemplate creates the default four phase exit template on
// a fresh database. Installations that already carry templates are left
// untouched.
func seedStandardExitTemplate(db *gorm.DB) error {
	var count int64
	if err := db.Model(&model.ExitTemplate{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count exit templates: %w", err)
	}
	if count > 0 {
		return nil
	}

	template := model.ExitTemplate{
		Name:        "standard",
		Description: "Default phased exit: 35/30/25/10 with widening brackets",
		Active:      true,
		Phases: []model.ExitTemplatePhase{
			{PhaseNumber: 1, SellPct: decimal.NewFromInt(35), TakeProfitPct: decimal.NewFromInt(2), StopLossPct: decimal.NewFromInt(-2)},
			{PhaseNumber: 2, SellPct: decimal.NewFromInt(30), TakeProfitPct: decimal.NewFromInt(5), StopLossPct: decimal.NewFromInt(0)},
			{PhaseNumber: 3, SellPct: decimal.NewFromInt(25), TakeProfitPct: decimal.NewFromInt(8), StopLossPct: decimal.NewFromInt(2)},
			{PhaseNumber: 4, SellPct: decimal.NewFromInt(10), TakeProfitPct: decimal.NewFromInt(12), StopLossPct: decimal.NewFromInt(5)},
		},
	}

	if err := db.Create(&template).Error; err != nil {
		return fmt.Errorf("seed standard exit template: %w", err)
	}

	return nil
}
