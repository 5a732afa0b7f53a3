// Package processor turns raw remote records into canonical local records.
// Every function here is pure: no I/O, no clock, no shared state.
package processor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/remote"
)

const permalinkHost = "https://t.me"

// urlPattern only matches explicit schemes and www. prefixes. Bare domains
// like "example.com" are ignored to keep false positives out of has_link.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)

// ProcessMessage normalizes raw into a Message owned by group.
func ProcessMessage(raw remote.RawMessage, group models.Group) (*models.Message, error) {
	if raw.ID <= 0 {
		return nil, malformed("message", raw.ID, "non-positive id")
	}
	if raw.GroupID == 0 {
		return nil, malformed("message", raw.ID, "missing group id")
	}
	if raw.GroupID != group.ID {
		return nil, malformed("message", raw.ID, "group %d does not match owning group %d", raw.GroupID, group.ID)
	}
	if raw.Date.IsZero() {
		return nil, malformed("message", raw.ID, "missing sent time")
	}

	mediaKind, _ := ResolveMedia(raw)

	msg := &models.Message{
		MessageID: raw.ID,
		GroupID:   group.ID,
		Text:      raw.Text,
		Caption:   raw.Caption,
		SentAt:    raw.Date.UTC(),
		HasMedia:  mediaKind != models.MediaNone,
		MediaKind: mediaKind,
		Kind:      kindOf(mediaKind),
		Permalink: Permalink(group, raw.ID),
		HasLink:   HasLink(raw.Text, raw.Caption, raw.URLs),
	}
	if raw.Author != nil {
		msg.AuthorID = raw.Author.ID
	}
	return msg, nil
}

// ResolveMedia picks the primary attachment of raw. Priority is
// photo, video, document, audio (voice notes included), sticker.
func ResolveMedia(raw remote.RawMessage) (models.MediaKind, *remote.RawMedia) {
	switch {
	case raw.Photo != nil:
		return models.MediaPhoto, raw.Photo
	case raw.Video != nil:
		return models.MediaVideo, raw.Video
	case raw.Document != nil:
		return models.MediaDocument, raw.Document
	case raw.Audio != nil:
		return models.MediaAudio, raw.Audio
	case raw.Voice != nil:
		return models.MediaAudio, raw.Voice
	case raw.Sticker != nil:
		return models.MediaSticker, raw.Sticker
	}
	return models.MediaNone, nil
}

func kindOf(m models.MediaKind) models.MessageKind {
	switch m {
	case models.MediaPhoto:
		return models.KindPhoto
	case models.MediaVideo:
		return models.KindVideo
	case models.MediaDocument:
		return models.KindDocument
	case models.MediaAudio:
		return models.KindAudio
	case models.MediaSticker:
		return models.KindSticker
	}
	return models.KindText
}

// HasLink reports whether text, caption or the platform-provided URL
// entities contain a hyperlink.
func HasLink(text, caption string, urls []string) bool {
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			return true
		}
	}
	return urlPattern.MatchString(text) || urlPattern.MatchString(caption)
}

// Permalink builds the canonical link to message id inside group.
// Public groups use the handle form, everything else the numeric c/ form.
func Permalink(group models.Group, id int64) string {
	if group.IsPublic && group.Handle != "" {
		return fmt.Sprintf("%s/%s/%d", permalinkHost, strings.TrimPrefix(group.Handle, "@"), id)
	}
	return fmt.Sprintf("%s/c/%s/%d", permalinkHost, InternalID(group.ID), id)
}

// InternalID strips the -100 supergroup/channel prefix and the sign from a
// platform chat id.
func InternalID(groupID int64) string {
	s := strconv.FormatInt(groupID, 10)
	if strings.HasPrefix(s, "-100") {
		return s[4:]
	}
	return strings.TrimPrefix(s, "-")
}
