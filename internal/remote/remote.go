// Package remote defines the capability the sync engine consumes from a
// group-messaging platform: sessions, group resolution, paginated message
// history, reaction summaries and attachment transfer.
// Concrete protocol clients live in sub-packages.
package remote

import (
	"context"
	"io"
	"time"
)

// Credential identifies the account a session is opened with.
// Secret is opaque to the engine.
type Credential struct {
	ID     string
	Secret string
}

// Client opens sessions against the remote platform.
type Client interface {
	Connect(ctx context.Context, cred Credential) (Session, error)
}

// Session is a connected, authenticated handle. A session is owned by one
// fetch run at a time.
type Session interface {
	// ResolveGroup turns a numeric id, handle or invite link into a group.
	ResolveGroup(ctx context.Context, ref string) (*GroupEntity, error)
	// IterMessages returns the page of the group's history that starts at
	// cursor. An empty cursor starts at the window edge selected by
	// window.NewestFirst. Page.Next restarts the sequence after this page.
	IterMessages(ctx context.Context, group GroupEntity, window Window, cursor Cursor) (*Page, error)
	// FetchReactions returns the reaction summary of one message.
	FetchReactions(ctx context.Context, group GroupEntity, msg RawMessage) (*RawReactionSummary, error)
	// DownloadAttachment streams the referenced media into w and returns the
	// number of bytes written.
	DownloadAttachment(ctx context.Context, media RawMedia, w io.Writer) (int64, error)
	// Disconnect releases the session.
	Disconnect(ctx context.Context) error
}

// GroupKind is the visibility class of a group, which drives its permalink form.
type GroupKind string

const (
	GroupPublic     GroupKind = "public"
	GroupPrivate    GroupKind = "private"
	GroupSupergroup GroupKind = "supergroup"
	GroupChannel    GroupKind = "channel"
)

// GroupEntity is a resolved remote conversation container.
type GroupEntity struct {
	ID     int64
	Title  string
	Handle string
	Kind   GroupKind
}

// IsPublic reports whether the group is reachable through its handle.
func (g GroupEntity) IsPublic() bool {
	return g.Handle != "" && g.Kind != GroupPrivate
}

// Window bounds one pagination run. Zero Start or End leaves that side open.
type Window struct {
	Start       time.Time
	End         time.Time
	NewestFirst bool
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Cursor is an opaque pagination position. The zero value is the beginning.
type Cursor string

// Page is one step of a message sequence.
type Page struct {
	Messages []RawMessage
	Next     Cursor
	Done     bool
}

// RawUser is an account as reported by the platform.
type RawUser struct {
	ID        int64
	Handle    string
	FirstName string
	LastName  string
	Phone     string
	Bio       string
}

// RawMedia references one downloadable binary.
type RawMedia struct {
	FileID    string
	FileName  string
	MimeType  string
	Size      int64
	Width     int
	Height    int
	Duration  int
	Thumbnail *RawMedia
}

// RawMessage is one message as returned by the platform. At most one of the
// media fields is normally set, but the union is not enforced remotely.
type RawMessage struct {
	ID       int64
	GroupID  int64
	Author   *RawUser
	Date     time.Time
	Text     string
	Caption  string
	URLs     []string
	Photo    *RawMedia
	Video    *RawMedia
	Document *RawMedia
	Audio    *RawMedia
	Voice    *RawMedia
	Sticker  *RawMedia
}

// RawReaction is one reaction attributed to an author.
type RawReaction struct {
	AuthorID int64
	Emoji    string
	Date     time.Time
}

// RawReactionCount is an aggregate for one emoji.
type RawReactionCount struct {
	Emoji string
	Count int
}

// RawReactionSummary is what the platform reports for one message. Some
// reaction kinds come only as counts, without the reacting authors.
type RawReactionSummary struct {
	Reactions []RawReaction
	Counts    []RawReactionCount
}

// Total returns the aggregate reaction count.
func (s RawReactionSummary) Total() int {
	total := 0
	for _, c := range s.Counts {
		total += c.Count
	}
	if total == 0 {
		total = len(s.Reactions)
	}
	return total
}
