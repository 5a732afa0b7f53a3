package models

import "time"

// Author is a remote account that authored content. Storage identity is
// always the numeric ID; Label is only for display and path building.
type Author struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Handle      string `gorm:"type:text;index" json:"handle,omitempty"`
	DisplayName string `gorm:"type:text" json:"display_name"`
	Label       string `gorm:"type:text;not null" json:"label"`
	Phone       string `gorm:"type:text" json:"phone,omitempty"`
	Bio         string `gorm:"type:text" json:"bio,omitempty"`
	PhotoPath   string `gorm:"type:text" json:"photo_path,omitempty"`
	IsDeleted   bool   `gorm:"not null;default:false" json:"is_deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
