package models

import "time"

// Reaction is an emoji reaction by an Author to a Message. Append-only.
type Reaction struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID int64     `gorm:"not null;uniqueIndex:idx_reaction_unique" json:"message_id"`
	GroupID   int64     `gorm:"not null;uniqueIndex:idx_reaction_unique" json:"group_id"`
	AuthorID  int64     `gorm:"not null;uniqueIndex:idx_reaction_unique" json:"author_id"`
	Emoji     string    `gorm:"type:text;not null;uniqueIndex:idx_reaction_unique" json:"emoji"`
	ReactedAt time.Time `json:"reacted_at"`
}
