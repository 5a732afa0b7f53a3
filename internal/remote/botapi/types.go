package botapi

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"grouparchive/backend/internal/remote"
)

// The payload types below carry only the fields the archive reads.

type apiChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

type apiEntity struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type apiFile struct {
	FileID    string   `json:"file_id"`
	FileName  string   `json:"file_name"`
	MimeType  string   `json:"mime_type"`
	FileSize  int64    `json:"file_size"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	Duration  int      `json:"duration"`
	Thumbnail *apiFile `json:"thumbnail"`
	// Thumb is the field name used by older servers.
	Thumb *apiFile `json:"thumb"`
}

type apiMessage struct {
	MessageID       int64          `json:"message_id"`
	From            *tgbotapi.User `json:"from"`
	Chat            apiChat        `json:"chat"`
	Date            int64          `json:"date"`
	Text            string         `json:"text"`
	Caption         string         `json:"caption"`
	Entities        []apiEntity    `json:"entities"`
	CaptionEntities []apiEntity    `json:"caption_entities"`
	Photo           []apiFile      `json:"photo"`
	Video           *apiFile       `json:"video"`
	Document        *apiFile       `json:"document"`
	Audio           *apiFile       `json:"audio"`
	Voice           *apiFile       `json:"voice"`
	Sticker         *apiFile       `json:"sticker"`
}

type apiUpdate struct {
	UpdateID          int64       `json:"update_id"`
	Message           *apiMessage `json:"message"`
	EditedMessage     *apiMessage `json:"edited_message"`
	ChannelPost       *apiMessage `json:"channel_post"`
	EditedChannelPost *apiMessage `json:"edited_channel_post"`
}

// message returns whichever message the update carries. Edits arrive with
// the original message id and update the stored row in place.
func (u apiUpdate) message() *apiMessage {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	}
	return u.EditedChannelPost
}

type apiFilePath struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

func (f *apiFile) toRaw() *remote.RawMedia {
	if f == nil || f.FileID == "" {
		return nil
	}
	thumb := f.Thumbnail
	if thumb == nil {
		thumb = f.Thumb
	}
	return &remote.RawMedia{
		FileID:    f.FileID,
		FileName:  f.FileName,
		MimeType:  f.MimeType,
		Size:      f.FileSize,
		Width:     f.Width,
		Height:    f.Height,
		Duration:  f.Duration,
		Thumbnail: thumb.toRaw(),
	}
}

func (m *apiMessage) toRaw() remote.RawMessage {
	raw := remote.RawMessage{
		ID:       m.MessageID,
		GroupID:  m.Chat.ID,
		Date:     time.Unix(m.Date, 0).UTC(),
		Text:     m.Text,
		Caption:  m.Caption,
		Video:    m.Video.toRaw(),
		Document: m.Document.toRaw(),
		Audio:    m.Audio.toRaw(),
		Voice:    m.Voice.toRaw(),
		Sticker:  m.Sticker.toRaw(),
	}
	if m.Date == 0 {
		raw.Date = time.Time{}
	}
	if m.From != nil {
		raw.Author = &remote.RawUser{
			ID:        m.From.ID,
			Handle:    m.From.UserName,
			FirstName: m.From.FirstName,
			LastName:  m.From.LastName,
		}
	}
	// Photo sizes come smallest first.
	if n := len(m.Photo); n > 0 {
		largest := m.Photo[n-1]
		raw.Photo = largest.toRaw()
		if n > 1 && raw.Photo != nil {
			raw.Photo.Thumbnail = m.Photo[0].toRaw()
		}
	}
	for _, e := range append(append([]apiEntity{}, m.Entities...), m.CaptionEntities...) {
		if e.Type == "text_link" && e.URL != "" {
			raw.URLs = append(raw.URLs, e.URL)
		}
	}
	return raw
}

func (c apiChat) kind() (remote.GroupKind, bool) {
	switch c.Type {
	case "group":
		return remote.GroupPrivate, true
	case "supergroup":
		if c.Username != "" {
			return remote.GroupPublic, true
		}
		return remote.GroupSupergroup, true
	case "channel":
		return remote.GroupChannel, true
	}
	return "", false
}
