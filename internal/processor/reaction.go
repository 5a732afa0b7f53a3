package processor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forPelevin/gomoji"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/remote"
)

// emojiPresentation is VS16, which clients append freely and gomoji's table
// may or may not carry for a given emoji.
const emojiPresentation = "\uFE0F"

// CustomEmojiPrefix marks platform custom emoji ids, which gomoji cannot know.
const CustomEmojiPrefix = "custom:"

// ErrInvalidReaction is reported for reactions that are not a single emoji.
var ErrInvalidReaction = errors.New("reaction is not a single emoji")

// ProcessReactions returns the per-author reaction rows of msg plus the
// aggregate count. Rows are emitted only for reactions the platform
// attributed to an author; nothing is synthesized from counts. Invalid
// entries are dropped and reported through the joined error.
func ProcessReactions(summary remote.RawReactionSummary, msg models.Message) ([]models.Reaction, int, error) {
	var (
		rows []models.Reaction
		errs []error
	)
	for _, r := range summary.Reactions {
		if r.AuthorID <= 0 {
			errs = append(errs, malformed("reaction", msg.MessageID, "reaction without author"))
			continue
		}
		if err := ValidateEmoji(r.Emoji); err != nil {
			errs = append(errs, fmt.Errorf("message %d author %d: %w", msg.MessageID, r.AuthorID, err))
			continue
		}
		reacted := r.Date.UTC()
		if r.Date.IsZero() {
			reacted = msg.SentAt
		}
		rows = append(rows, models.Reaction{
			MessageID: msg.MessageID,
			GroupID:   msg.GroupID,
			AuthorID:  r.AuthorID,
			Emoji:     r.Emoji,
			ReactedAt: reacted,
		})
	}
	return rows, summary.Total(), errors.Join(errs...)
}

// ValidateEmoji accepts exactly one standard emoji or a custom emoji id.
func ValidateEmoji(reaction string) error {
	if strings.HasPrefix(reaction, CustomEmojiPrefix) {
		if len(reaction) == len(CustomEmojiPrefix) {
			return ErrInvalidReaction
		}
		return nil
	}
	found := gomoji.CollectAll(reaction)
	if len(found) != 1 || stripPresentation(found[0].Character) != stripPresentation(reaction) {
		return ErrInvalidReaction
	}
	return nil
}

func stripPresentation(s string) string {
	return strings.ReplaceAll(s, emojiPresentation, "")
}
