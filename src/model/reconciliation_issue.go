package model

import "time"

const (
	IssueStatusPendingReview = "pending_review"
	IssueStatusResolved      = "resolved"
)

// ReconciliationIssue is a ledger/venue discrepancy the reconciler could
// not explain from the venue's order history. It requires human resolution
// and is never auto-cleared.
type ReconciliationIssue struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	TradeID uint `gorm:"index" json:"trade_id"`

	Symbol         string `gorm:"size:20" json:"symbol"`
	ExpectedShares int64  `json:"expected_shares"`
	ActualShares   int64  `json:"actual_shares"`
	Discrepancy    int64  `json:"discrepancy"`

	Status  string `gorm:"size:50;not null;default:pending_review" json:"status"`
	Details string `gorm:"size:1024" json:"details"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName allows you to control the exact table name for issues.
func (ReconciliationIssue) TableName() string {
	return "reconciliation_issues"
}
