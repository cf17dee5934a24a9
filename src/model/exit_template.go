package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitTemplate holds the four-phase exit configuration a trade snapshots
// at open time. Its sell percentages must sum to 100 (validated by the
// template repository, tolerance 0.01).
type ExitTemplate struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:100;uniqueIndex" json:"name"`
	Description string `gorm:"size:255" json:"description,omitempty"`

	// Active marks the template OpenTrade falls back to when no explicit
	// template id is given. Only one template should be active at a time.
	Active bool `gorm:"index" json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Phases []ExitTemplatePhase `gorm:"foreignKey:TemplateID" json:"phases,omitempty"`
}

// TableName allows you to control the exact table name for templates.
func (ExitTemplate) TableName() string {
	return "exit_templates"
}

// ExitTemplatePhase is one of the exactly four tranche configurations of a
// template. Percentages are relative to the entry price (take profit and
// stop loss) and to the total share count (sell).
type ExitTemplatePhase struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	TemplateID uint `gorm:"not null;index:idx_template_phase,unique,priority:1" json:"template_id"`

	PhaseNumber   int             `gorm:"not null;index:idx_template_phase,unique,priority:2" json:"phase_number"`
	TakeProfitPct decimal.Decimal `gorm:"type:numeric(10,4)" json:"take_profit_pct"`
	StopLossPct   decimal.Decimal `gorm:"type:numeric(10,4)" json:"stop_loss_pct"`
	SellPct       decimal.Decimal `gorm:"type:numeric(10,4)" json:"sell_pct"`
}

// TableName allows you to control the exact table name for template phases.
func (ExitTemplatePhase) TableName() string {
	return "exit_template_phases"
}
