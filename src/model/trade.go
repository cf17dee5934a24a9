package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade status constants represent the lifecycle of a phased exit trade.
// Transitions are one-directional: pending -> active -> completed,
// pending -> error, {pending, active} -> cancelled.
const (
	TradeStatusPending   = "pending"
	TradeStatusActive    = "active"
	TradeStatusCompleted = "completed"
	TradeStatusCancelled = "cancelled"
	TradeStatusError     = "error"
)

const (
	ExitReasonCompleted  = "completed"
	ExitReasonStoppedOut = "stopped_out"
	ExitReasonManual     = "manual"
)

// Trade represents one opened position managed by the phased exit strategy.
// It is created and exclusively mutated by the trade controller; the
// reconciler and the HTTP handlers only read it.
type Trade struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	UUID string `gorm:"size:36;uniqueIndex" json:"uuid"`

	Symbol          string          `gorm:"size:20;not null;index" json:"symbol"`
	EntryPrice      decimal.Decimal `gorm:"type:numeric(18,6)" json:"entry_price"`
	TotalShares     int64           `json:"total_shares"`
	RemainingShares int64           `json:"remaining_shares"`
	PositionSize    decimal.Decimal `gorm:"type:numeric(18,2)" json:"position_size"`

	// CurrentPhase is 0 until the entry order fills, then 1..4.
	CurrentPhase int    `gorm:"default:0" json:"current_phase"`
	Status       string `gorm:"size:50;not null;default:pending;index" json:"status"`

	// TemplateSnapshot is the immutable JSON copy of the exit template the
	// trade was opened with. Write-once audit data, never queried
	// structurally.
	TemplateSnapshot []byte `gorm:"type:jsonb" json:"template_snapshot,omitempty"`

	RealizedPnl    *decimal.Decimal `gorm:"type:numeric(18,6)" json:"realized_pnl,omitempty"`
	RealizedPnlPct *decimal.Decimal `gorm:"type:numeric(10,4)" json:"realized_pnl_pct,omitempty"`
	ExitReason     string           `gorm:"size:50" json:"exit_reason,omitempty"`
	ExitPhase      *int             `json:"exit_phase,omitempty"`

	EnteredAt *time.Time `json:"entered_at,omitempty"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// One-to-many relation: one trade always has exactly four phases.
	Phases []TradePhase `gorm:"foreignKey:TradeID" json:"phases,omitempty"`
}

// TableName allows you to control the exact table name for trades.
func (Trade) TableName() string {
	return "trades"
}

// IsTerminal reports whether the trade reached a final state.
func (t *Trade) IsTerminal() bool {
	return t.Status == TradeStatusCompleted || t.Status == TradeStatusCancelled
}
