package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FetchHistoryEntry is the ledger record of one completed fetch run.
// Append-only; windows may overlap and are not used for deduplication.
type FetchHistoryEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RunID       string    `gorm:"type:text;uniqueIndex" json:"run_id"`
	GroupID     int64     `gorm:"not null;index" json:"group_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Yielded     int       `gorm:"not null" json:"yielded"`
	// Partial marks a run that stopped paginating on a persistent
	// transport failure; its checkpoint is kept for a resume.
	Partial     bool      `gorm:"not null;default:false" json:"partial"`
	Credential  string    `gorm:"type:text;not null" json:"credential"`
	CompletedAt time.Time `gorm:"not null;index" json:"completed_at"`
}

// BeforeCreate fills in a run id for entries written outside a tracked run
// and normalizes all timestamps to UTC.
func (e *FetchHistoryEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if e.RunID == "" {
		e.RunID = uuid.New().String()
	}
	e.WindowStart = e.WindowStart.UTC()
	e.WindowEnd = e.WindowEnd.UTC()
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	e.CompletedAt = e.CompletedAt.UTC()
	return nil
}
