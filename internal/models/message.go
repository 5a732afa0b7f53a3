package models

import (
	"time"

	"gorm.io/gorm"
)

// MessageKind classifies a message by its primary content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	KindAudio    MessageKind = "audio"
	KindSticker  MessageKind = "sticker"
)

// MediaKind is the tagged variant of a message's attachment union,
// resolved once by the message processor.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
	MediaSticker  MediaKind = "sticker"
)

// Message is one unit of content sent in a Group by an Author.
// (MessageID, GroupID) is the natural key; re-ingestion updates the row in place.
type Message struct {
	// MessageID is the platform id, unique within the group.
	MessageID int64 `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	// GroupID is the owning group.
	GroupID int64 `gorm:"primaryKey;autoIncrement:false" json:"group_id"`
	// AuthorID is zero for anonymous posts (channel signatures, service messages).
	AuthorID int64 `gorm:"index" json:"author_id"`

	Text    string `gorm:"type:text" json:"text"`
	Caption string `gorm:"type:text" json:"caption,omitempty"`
	// SentAt is always stored in UTC.
	SentAt time.Time `gorm:"index;not null" json:"sent_at"`

	HasMedia  bool        `gorm:"not null;default:false;index" json:"has_media"`
	MediaKind MediaKind   `gorm:"type:text" json:"media_kind,omitempty"`
	Kind      MessageKind `gorm:"type:text;not null" json:"kind"`
	Permalink string      `gorm:"type:text" json:"permalink"`
	HasLink   bool        `gorm:"not null;default:false" json:"has_link"`

	// ReactionCount is the aggregate reported by the platform, kept even
	// when reacting authors are not enumerated.
	ReactionCount int  `gorm:"not null;default:0" json:"reaction_count"`
	IsDeleted     bool `gorm:"not null;default:false" json:"is_deleted"`
	// KeepReactionCount leaves the stored aggregate alone on update, for
	// fetches where reactions could not be read.
	KeepReactionCount bool `gorm:"-" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeSave keeps SentAt in UTC regardless of the caller's zone.
func (m *Message) BeforeSave(tx *gorm.DB) (err error) {
	m.SentAt = m.SentAt.UTC()
	return nil
}
