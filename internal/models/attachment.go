package models

import "time"

// Attachment is a downloaded binary tied to a Message. Rows exist only after
// a successful transfer; a media message without rows is "media owed".
type Attachment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MessageID     int64     `gorm:"not null;index:idx_attachment_message;uniqueIndex:idx_attachment_path" json:"message_id"`
	GroupID       int64     `gorm:"not null;index:idx_attachment_message;uniqueIndex:idx_attachment_path" json:"group_id"`
	Path          string    `gorm:"type:text;not null;uniqueIndex:idx_attachment_path" json:"path"`
	FileName      string    `gorm:"type:text;not null" json:"file_name"`
	Size          int64     `gorm:"not null" json:"size"`
	MediaKind     MediaKind `gorm:"type:text;not null" json:"media_kind"`
	MimeType      string    `gorm:"type:text" json:"mime_type"`
	ThumbnailPath string    `gorm:"type:text" json:"thumbnail_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
