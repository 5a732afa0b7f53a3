package processor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/processor"
	"grouparchive/backend/internal/remote"
)

var (
	publicGroup  = models.Group{ID: -1001234567890, Handle: "gophers", IsPublic: true}
	privateGroup = models.Group{ID: -1009876543210}
	sentAt       = time.Date(2024, 3, 10, 14, 5, 9, 0, time.UTC)
)

func rawMessage(id int64, group models.Group) remote.RawMessage {
	return remote.RawMessage{
		ID:      id,
		GroupID: group.ID,
		Author:  &remote.RawUser{ID: 42, Handle: "alice"},
		Date:    sentAt,
		Text:    "hello",
	}
}

func TestProcessMessage_KindPriority(t *testing.T) {
	media := &remote.RawMedia{FileID: "f"}
	tests := []struct {
		name     string
		mutate   func(m *remote.RawMessage)
		kind     models.MessageKind
		media    models.MediaKind
		hasMedia bool
	}{
		{"plain text", func(m *remote.RawMessage) {}, models.KindText, models.MediaNone, false},
		{"photo wins over everything", func(m *remote.RawMessage) {
			m.Photo, m.Video, m.Document, m.Sticker = media, media, media, media
		}, models.KindPhoto, models.MediaPhoto, true},
		{"video over document", func(m *remote.RawMessage) { m.Video, m.Document = media, media }, models.KindVideo, models.MediaVideo, true},
		{"document over audio", func(m *remote.RawMessage) { m.Document, m.Audio = media, media }, models.KindDocument, models.MediaDocument, true},
		{"voice counts as audio", func(m *remote.RawMessage) { m.Voice, m.Sticker = media, media }, models.KindAudio, models.MediaAudio, true},
		{"sticker alone", func(m *remote.RawMessage) { m.Sticker = media }, models.KindSticker, models.MediaSticker, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawMessage(7, publicGroup)
			tt.mutate(&raw)

			msg, err := processor.ProcessMessage(raw, publicGroup)

			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.media, msg.MediaKind)
			assert.Equal(t, tt.hasMedia, msg.HasMedia)
		})
	}
}

func TestProcessMessage_Fields(t *testing.T) {
	zone := time.FixedZone("EET", 2*60*60)
	raw := rawMessage(15, publicGroup)
	raw.Date = sentAt.In(zone)
	raw.Caption = "see www.example.org"

	msg, err := processor.ProcessMessage(raw, publicGroup)

	require.NoError(t, err)
	assert.Equal(t, int64(15), msg.MessageID)
	assert.Equal(t, publicGroup.ID, msg.GroupID)
	assert.Equal(t, int64(42), msg.AuthorID)
	assert.Equal(t, time.UTC, msg.SentAt.Location())
	assert.True(t, msg.SentAt.Equal(sentAt))
	assert.True(t, msg.HasLink)
	assert.Equal(t, "https://t.me/gophers/15", msg.Permalink)
}

func TestProcessMessage_AnonymousAuthor(t *testing.T) {
	raw := rawMessage(3, publicGroup)
	raw.Author = nil

	msg, err := processor.ProcessMessage(raw, publicGroup)

	require.NoError(t, err)
	assert.Zero(t, msg.AuthorID)
}

func TestProcessMessage_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *remote.RawMessage)
	}{
		{"zero id", func(m *remote.RawMessage) { m.ID = 0 }},
		{"negative id", func(m *remote.RawMessage) { m.ID = -4 }},
		{"missing group", func(m *remote.RawMessage) { m.GroupID = 0 }},
		{"foreign group", func(m *remote.RawMessage) { m.GroupID = privateGroup.ID }},
		{"missing date", func(m *remote.RawMessage) { m.Date = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawMessage(9, publicGroup)
			tt.mutate(&raw)

			msg, err := processor.ProcessMessage(raw, publicGroup)

			assert.Nil(t, msg)
			var mre *processor.MalformedRecordError
			assert.True(t, errors.As(err, &mre), "expected MalformedRecordError, got %v", err)
		})
	}
}

func TestPermalink(t *testing.T) {
	assert.Equal(t, "https://t.me/gophers/5", processor.Permalink(publicGroup, 5))
	assert.Equal(t, "https://t.me/gophers/5", processor.Permalink(models.Group{ID: -100, Handle: "@gophers", IsPublic: true}, 5))
	assert.Equal(t, "https://t.me/c/9876543210/5", processor.Permalink(privateGroup, 5))
	// A handle on a non-public group still produces the numeric form.
	assert.Equal(t, "https://t.me/c/9876543210/5", processor.Permalink(models.Group{ID: privateGroup.ID, Handle: "hidden"}, 5))
	assert.Equal(t, "https://t.me/c/4567/8", processor.Permalink(models.Group{ID: -4567}, 8))
}

func TestHasLink(t *testing.T) {
	assert.True(t, processor.HasLink("go to https://go.dev now", "", nil))
	assert.True(t, processor.HasLink("", "HTTP://EXAMPLE.COM", nil))
	assert.True(t, processor.HasLink("", "", []string{"https://t.me/x"}))
	assert.False(t, processor.HasLink("example.com is not enough", "", nil))
	assert.False(t, processor.HasLink("no links here", "none", []string{"  "}))
}

func TestProcessAuthor_LabelFallback(t *testing.T) {
	tests := []struct {
		name  string
		raw   remote.RawUser
		label string
	}{
		{"handle", remote.RawUser{ID: 1, Handle: "@bob", FirstName: "Bob"}, "bob"},
		{"display name", remote.RawUser{ID: 2, FirstName: "Ann", LastName: "Lee"}, "Ann Lee"},
		{"first name only", remote.RawUser{ID: 3, FirstName: " Ann "}, "Ann"},
		{"unknown", remote.RawUser{ID: 77}, "Unknown_77"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			author, err := processor.ProcessAuthor(tt.raw)

			require.NoError(t, err)
			assert.Equal(t, tt.raw.ID, author.ID, "identity is always the numeric id")
			assert.Equal(t, tt.label, author.Label)
		})
	}
}

func TestProcessAuthor_Malformed(t *testing.T) {
	_, err := processor.ProcessAuthor(remote.RawUser{ID: 0, Handle: "ghost"})

	var mre *processor.MalformedRecordError
	assert.ErrorAs(t, err, &mre)
	assert.Equal(t, "author", mre.Kind)
}

func TestProcessReactions_NoFabrication(t *testing.T) {
	msg := models.Message{MessageID: 10, GroupID: publicGroup.ID, SentAt: sentAt}
	summary := remote.RawReactionSummary{
		Counts: []remote.RawReactionCount{{Emoji: "👍", Count: 5}, {Emoji: "🔥", Count: 2}},
	}

	rows, total, err := processor.ProcessReactions(summary, msg)

	assert.NoError(t, err)
	assert.Empty(t, rows, "no per-author rows may be synthesized from counts")
	assert.Equal(t, 7, total)
}

func TestProcessReactions_PerAuthor(t *testing.T) {
	msg := models.Message{MessageID: 10, GroupID: publicGroup.ID, SentAt: sentAt}
	summary := remote.RawReactionSummary{
		Reactions: []remote.RawReaction{
			{AuthorID: 1, Emoji: "👍", Date: sentAt.Add(time.Minute)},
			{AuthorID: 2, Emoji: "custom:5368324170671202286"},
			{AuthorID: 3, Emoji: "not an emoji"},
			{AuthorID: 0, Emoji: "👍"},
		},
	}

	rows, total, err := processor.ProcessReactions(summary, msg)

	require.Len(t, rows, 2)
	assert.Error(t, err, "invalid entries are reported")
	assert.ErrorIs(t, err, processor.ErrInvalidReaction)
	assert.Equal(t, 4, total, "without counts the enumerated reactions are the aggregate")
	assert.Equal(t, int64(1), rows[0].AuthorID)
	assert.Equal(t, sentAt, rows[1].ReactedAt, "missing reaction time falls back to the message time")
	for _, r := range rows {
		assert.Equal(t, msg.MessageID, r.MessageID)
		assert.Equal(t, msg.GroupID, r.GroupID)
	}
}

func TestValidateEmoji(t *testing.T) {
	assert.NoError(t, processor.ValidateEmoji("👍"))
	assert.NoError(t, processor.ValidateEmoji("custom:123"))
	// With and without the presentation selector.
	assert.NoError(t, processor.ValidateEmoji("\u2764\uFE0F"))
	assert.NoError(t, processor.ValidateEmoji("\u2764"))
	assert.Error(t, processor.ValidateEmoji("\uFE0F"))
	assert.Error(t, processor.ValidateEmoji("custom:"))
	assert.Error(t, processor.ValidateEmoji(""))
	assert.Error(t, processor.ValidateEmoji("👍👍"))
	assert.Error(t, processor.ValidateEmoji("ok👍"))
}
