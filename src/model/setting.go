package model

import "time"

// Well-known setting keys.
const (
	SettingPositionSize   = "position_size"
	SettingVenueAPIKey    = "venue_api_key"
	SettingVenueAPISecret = "venue_api_secret"
)

// Setting is a single key/value configuration row. Sensitive values
// (venue credentials) are stored encrypted, see the security package.
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"size:100;uniqueIndex;not null" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	Encrypted bool      `json:"encrypted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName allows you to control the exact table name for settings.
func (Setting) TableName() string {
	return "settings"
}
