package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// NumPhases is the fixed number of exit tranches per trade.
const NumPhases = 4

const (
	PhaseStatusPending   = "pending"
	PhaseStatusActive    = "active"
	PhaseStatusCompleted = "completed"
	PhaseStatusSkipped   = "skipped"
)

const (
	PhaseExitTypeTakeProfit = "take_profit"
	PhaseExitTypeStopLoss   = "stop_loss"
)

// TradePhase is one of the four configured sell tranches of a trade.
// All four rows are created atomically with the trade; prices stay
// provisional until the entry fill fixes them against the actual fill
// price. At most one phase per trade is active at any time.
type TradePhase struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	TradeID uint `gorm:"not null;index:idx_trade_phase,unique,priority:1" json:"trade_id"`

	PhaseNumber int    `gorm:"not null;index:idx_trade_phase,unique,priority:2" json:"phase_number"`
	Status      string `gorm:"size:50;not null;default:pending" json:"status"`

	TakeProfitPct decimal.Decimal `gorm:"type:numeric(10,4)" json:"take_profit_pct"`
	StopLossPct   decimal.Decimal `gorm:"type:numeric(10,4)" json:"stop_loss_pct"`

	// Absolute prices derived from the trade's actual entry fill price,
	// not the template's nominal reference.
	TakeProfitPrice decimal.Decimal `gorm:"type:numeric(18,6)" json:"take_profit_price"`
	StopLossPrice   decimal.Decimal `gorm:"type:numeric(18,6)" json:"stop_loss_price"`

	SharesToSell int64 `json:"shares_to_sell"`

	ExitPrice *decimal.Decimal `gorm:"type:numeric(18,6)" json:"exit_price,omitempty"`
	ExitType  string           `gorm:"size:20" json:"exit_type,omitempty"`
	PhasePnl  *decimal.Decimal `gorm:"type:numeric(18,6)" json:"phase_pnl,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName allows you to control the exact table name for trade phases.
func (TradePhase) TableName() string {
	return "trade_phases"
}
