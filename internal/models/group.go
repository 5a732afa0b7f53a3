package models

import "time"

// Group represents a remote conversation container being archived.
// Rows are created on the first successful resolve and never deleted.
type Group struct {
	// ID is the platform-assigned signed identifier.
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id"`
	// Title is the display name at the last resolve.
	Title string `gorm:"type:text;not null" json:"title"`
	// Handle is the public username, empty for private groups.
	Handle string `gorm:"type:text;index" json:"handle,omitempty"`
	// IsPublic selects the handle form of permalinks.
	IsPublic bool `json:"is_public"`
	// PhotoPath is the local path of the downloaded group photo.
	PhotoPath string `gorm:"type:text" json:"photo_path,omitempty"`
	// LastFetchedAt is set when a fetch run completes.
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
