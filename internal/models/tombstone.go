package models

import "time"

// DeletedMessage is a tombstone that keeps a removed message from being
// re-materialized by a later fetch. Written only by a user-initiated delete.
type DeletedMessage struct {
	MessageID int64     `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	GroupID   int64     `gorm:"primaryKey;autoIncrement:false" json:"group_id"`
	DeletedAt time.Time `gorm:"not null" json:"deleted_at"`
}

// DeletedAuthor is the author variant of DeletedMessage.
type DeletedAuthor struct {
	AuthorID  int64     `gorm:"primaryKey;autoIncrement:false" json:"author_id"`
	DeletedAt time.Time `gorm:"not null" json:"deleted_at"`
}
