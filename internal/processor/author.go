package processor

import (
	"strconv"
	"strings"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/remote"
)

// UnknownLabelPrefix is used when an author has neither handle nor name.
const UnknownLabelPrefix = "Unknown_"

// ProcessAuthor normalizes raw into an Author.
func ProcessAuthor(raw remote.RawUser) (*models.Author, error) {
	if raw.ID <= 0 {
		return nil, malformed("author", raw.ID, "non-positive id")
	}
	display := DisplayName(raw)
	return &models.Author{
		ID:          raw.ID,
		Handle:      strings.TrimPrefix(strings.TrimSpace(raw.Handle), "@"),
		DisplayName: display,
		Label:       Label(raw),
		Phone:       raw.Phone,
		Bio:         raw.Bio,
	}, nil
}

// DisplayName joins first and last name.
func DisplayName(raw remote.RawUser) string {
	return strings.TrimSpace(strings.TrimSpace(raw.FirstName) + " " + strings.TrimSpace(raw.LastName))
}

// Label is the UI/path label: handle, then display name, then Unknown_<id>.
func Label(raw remote.RawUser) string {
	if h := strings.TrimPrefix(strings.TrimSpace(raw.Handle), "@"); h != "" {
		return h
	}
	if d := DisplayName(raw); d != "" {
		return d
	}
	return UnknownLabelPrefix + strconv.FormatInt(raw.ID, 10)
}
