package models

import "time"

// AccountAction is the kind of credential management action being logged.
type AccountAction string

const (
	AccountAdd    AccountAction = "add"
	AccountRemove AccountAction = "remove"
)

// Valid reports whether a is a known action.
func (a AccountAction) Valid() bool {
	return a == AccountAdd || a == AccountRemove
}

// AccountActivity is one entry of the operator activity log. Rolling-window
// counts are always derived from these rows.
type AccountActivity struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	Operator  string        `gorm:"type:text;not null;index:idx_activity_operator_time" json:"operator"`
	Action    AccountAction `gorm:"type:text;not null" json:"action"`
	Allowed   bool          `gorm:"not null" json:"allowed"`
	CreatedAt time.Time     `gorm:"not null;index:idx_activity_operator_time" json:"created_at"`
}
