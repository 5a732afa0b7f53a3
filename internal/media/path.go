package media

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/processor"
)

var pathReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

// SanitizePathComponent replaces characters that are unsafe in file names.
func SanitizePathComponent(s string) string {
	s = pathReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// LabelSegment turns an author label into its directory name: whitespace
// runs become underscores and unsafe characters are replaced.
func LabelSegment(label string, authorID int64) string {
	seg := SanitizePathComponent(strings.Join(strings.Fields(label), "_"))
	if seg == "" {
		return processor.UnknownLabelPrefix + strconv.FormatInt(authorID, 10)
	}
	return seg
}

// Dir returns {root}/{group_id}/{label}/{YYYY-MM-DD}/{message_id}_{HHMMSS}.
func Dir(root string, msg models.Message, label string) string {
	sent := msg.SentAt.UTC()
	return filepath.Join(
		root,
		strconv.FormatInt(msg.GroupID, 10),
		LabelSegment(label, msg.AuthorID),
		sent.Format("2006-01-02"),
		fmt.Sprintf("%d_%s", msg.MessageID, sent.Format("150405")),
	)
}

// FileName is the declared file name, or one derived from the media kind,
// message id and mime type when the platform sends none.
func FileName(msg models.Message, declared, mime string) string {
	name := SanitizePathComponent(filepath.Base(strings.TrimSpace(declared)))
	if name != "" && name != "_" && name != string(filepath.Separator) {
		return name
	}
	ext := ".bin"
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		ext = m.Extension()
	} else if msg.MediaKind == models.MediaPhoto {
		ext = ".jpg"
	}
	kind := string(msg.MediaKind)
	if kind == "" {
		kind = "file"
	}
	return fmt.Sprintf("%s_%d%s", kind, msg.MessageID, ext)
}
