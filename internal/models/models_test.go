package models_test

import (
	"reflect"
	"testing"
	"time"

	"grouparchive/backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestFetchHistoryBeforeCreate_GeneratesRunID verifies that the hook assigns a valid UUID.
func TestFetchHistoryBeforeCreate_GeneratesRunID(t *testing.T) {
	// Arrange
	entry := &models.FetchHistoryEntry{GroupID: -1001, Yielded: 3, Credential: "main"}
	assert.Empty(t, entry.RunID)

	// Act
	err := entry.BeforeCreate(nil)

	// Assert
	assert.NoError(t, err)
	parsed, parseErr := uuid.Parse(entry.RunID)
	assert.NoError(t, parseErr, "RunID must be a valid UUID string")
	assert.NotEqual(t, uuid.Nil, parsed)
	assert.False(t, entry.CompletedAt.IsZero(), "CompletedAt should default to now")
}

// TestFetchHistoryBeforeCreate_PreservesRunID verifies that an explicit run id is kept.
func TestFetchHistoryBeforeCreate_PreservesRunID(t *testing.T) {
	existing := uuid.New().String()
	entry := &models.FetchHistoryEntry{RunID: existing}

	err := entry.BeforeCreate(nil)

	assert.NoError(t, err)
	assert.Equal(t, existing, entry.RunID)
}

func TestFetchHistoryBeforeCreate_NormalizesToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+3", 3*60*60)
	start := time.Date(2024, 1, 1, 3, 0, 0, 0, zone)
	entry := &models.FetchHistoryEntry{WindowStart: start, WindowEnd: start.Add(time.Hour), CompletedAt: start}

	assert.NoError(t, entry.BeforeCreate(nil))

	assert.Equal(t, time.UTC, entry.WindowStart.Location())
	assert.Equal(t, time.UTC, entry.CompletedAt.Location())
	assert.True(t, entry.WindowStart.Equal(start))
}

func TestMessageBeforeSave_NormalizesSentAt(t *testing.T) {
	zone := time.FixedZone("PST", -8*60*60)
	msg := &models.Message{MessageID: 1, GroupID: 2, SentAt: time.Date(2024, 5, 1, 22, 0, 0, 0, zone)}

	assert.NoError(t, msg.BeforeSave(nil))

	assert.Equal(t, time.UTC, msg.SentAt.Location())
	assert.Equal(t, 2, msg.SentAt.Day())
}

// TestStructTags guards the keys the reconciler and reaction writer rely on.
func TestStructTags(t *testing.T) {
	tests := []struct {
		model  interface{}
		field  string
		expect string
	}{
		{models.Message{}, "MessageID", "primaryKey"},
		{models.Message{}, "GroupID", "primaryKey"},
		{models.DeletedMessage{}, "MessageID", "primaryKey"},
		{models.DeletedMessage{}, "GroupID", "primaryKey"},
		{models.DeletedAuthor{}, "AuthorID", "primaryKey"},
		{models.Author{}, "ID", "autoIncrement:false"},
		{models.Group{}, "ID", "autoIncrement:false"},
		{models.Reaction{}, "Emoji", "uniqueIndex:idx_reaction_unique"},
		{models.Reaction{}, "AuthorID", "uniqueIndex:idx_reaction_unique"},
		{models.Attachment{}, "Path", "uniqueIndex:idx_attachment_path"},
	}

	for _, tt := range tests {
		typ := reflect.TypeOf(tt.model)
		t.Run(typ.Name()+"."+tt.field, func(t *testing.T) {
			f, found := typ.FieldByName(tt.field)
			assert.True(t, found, "field should exist")
			assert.Contains(t, f.Tag.Get("gorm"), tt.expect)
			assert.NotEmpty(t, f.Tag.Get("json"))
		})
	}
}

func TestAccountActionValid(t *testing.T) {
	assert.True(t, models.AccountAdd.Valid())
	assert.True(t, models.AccountRemove.Valid())
	assert.False(t, models.AccountAction("rename").Valid())
	assert.False(t, models.AccountAction("").Valid())
}
