package fetch_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"grouparchive/backend/internal/remote"
)

// fakeClient hands out one scripted session.
type fakeClient struct {
	sess       *fakeSession
	connectErr error
}

func (c *fakeClient) Connect(ctx context.Context, cred remote.Credential) (remote.Session, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.sess, nil
}

// fakeSession serves pages keyed by cursor: page i answers cursor "" for
// i == 0 and "c<i>" otherwise, and points to "c<i+1>".
type fakeSession struct {
	group      remote.GroupEntity
	resolveErr error
	pages      [][]remote.RawMessage

	// iterErrs fails the n-th IterMessages call (0-based) once.
	iterErrs map[int]error
	// beforeIter runs before each IterMessages call is answered.
	beforeIter func(ctx context.Context, call int, cursor remote.Cursor)

	reactions   map[int64]remote.RawReactionSummary
	reactionErr error
	payload     []byte
	// beforeDownload runs before each attachment is written; an error
	// fails the download.
	beforeDownload func(ctx context.Context) error

	mu           sync.Mutex
	cursors      []remote.Cursor
	callTimes    []time.Time
	downloads    int
	disconnected bool
}

func (s *fakeSession) ResolveGroup(ctx context.Context, ref string) (*remote.GroupEntity, error) {
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	g := s.group
	return &g, nil
}

func cursorFor(i int) remote.Cursor {
	if i == 0 {
		return ""
	}
	return remote.Cursor(fmt.Sprintf("c%d", i))
}

func (s *fakeSession) IterMessages(ctx context.Context, group remote.GroupEntity, window remote.Window, cursor remote.Cursor) (*remote.Page, error) {
	s.mu.Lock()
	call := len(s.cursors)
	s.cursors = append(s.cursors, cursor)
	s.callTimes = append(s.callTimes, time.Now())
	s.mu.Unlock()

	if s.beforeIter != nil {
		s.beforeIter(ctx, call, cursor)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := s.iterErrs[call]; ok {
		return nil, err
	}
	if len(s.pages) == 0 {
		return &remote.Page{Done: true}, nil
	}
	for i := range s.pages {
		if cursorFor(i) != cursor {
			continue
		}
		page := &remote.Page{Messages: s.pages[i]}
		if i == len(s.pages)-1 {
			page.Done = true
		} else {
			page.Next = cursorFor(i + 1)
		}
		return page, nil
	}
	return nil, fmt.Errorf("unknown cursor %q", cursor)
}

func (s *fakeSession) FetchReactions(ctx context.Context, group remote.GroupEntity, msg remote.RawMessage) (*remote.RawReactionSummary, error) {
	if s.reactionErr != nil {
		return nil, s.reactionErr
	}
	summary := s.reactions[msg.ID]
	return &summary, nil
}

func (s *fakeSession) DownloadAttachment(ctx context.Context, media remote.RawMedia, w io.Writer) (int64, error) {
	s.mu.Lock()
	s.downloads++
	s.mu.Unlock()
	if s.beforeDownload != nil {
		if err := s.beforeDownload(ctx); err != nil {
			return 0, err
		}
	}
	n, err := w.Write(s.payload)
	return int64(n), err
}

func (s *fakeSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Cursors() []remote.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Cursor(nil), s.cursors...)
}

func (s *fakeSession) CallTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.callTimes...)
}

func (s *fakeSession) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

func (s *fakeSession) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}
