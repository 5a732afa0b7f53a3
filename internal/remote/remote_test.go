package remote_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"grouparchive/backend/internal/remote"

	"github.com/stretchr/testify/assert"
)

func TestWindowContains(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	w := remote.Window{Start: start, End: end}

	assert.True(t, w.Contains(start))
	assert.True(t, w.Contains(start.Add(time.Hour)))
	assert.True(t, w.Contains(end))
	assert.False(t, w.Contains(start.Add(-time.Second)))
	assert.False(t, w.Contains(end.Add(time.Second)))

	open := remote.Window{}
	assert.True(t, open.Contains(time.Unix(0, 0)))
}

func TestReactionSummaryTotal(t *testing.T) {
	assert.Equal(t, 0, remote.RawReactionSummary{}.Total())
	assert.Equal(t, 7, remote.RawReactionSummary{Counts: []remote.RawReactionCount{{Emoji: "👍", Count: 5}, {Emoji: "🔥", Count: 2}}}.Total())
	assert.Equal(t, 2, remote.RawReactionSummary{Reactions: []remote.RawReaction{{AuthorID: 1}, {AuthorID: 2}}}.Total())
}

func TestErrorClassification(t *testing.T) {
	rl := fmt.Errorf("page 3: %w", &remote.RateLimitedError{Wait: 5 * time.Second})
	wait, ok := remote.AsRateLimited(rl)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, wait)
	assert.False(t, remote.IsFatal(rl))
	assert.False(t, remote.IsTransient(rl))

	transport := &remote.TransportError{Op: "getUpdates", Err: errors.New("connection reset")}
	assert.True(t, remote.IsTransient(fmt.Errorf("wrapped: %w", transport)))
	assert.False(t, remote.IsTransient(context.Canceled))
	assert.ErrorContains(t, transport, "getUpdates")

	for _, err := range []error{remote.ErrUnauthorized, remote.ErrNotFound, remote.ErrForbidden, remote.ErrInviteExpired, remote.ErrThrottled} {
		assert.True(t, remote.IsFatal(fmt.Errorf("run: %w", err)), err.Error())
	}
}

func TestGroupIsPublic(t *testing.T) {
	assert.True(t, remote.GroupEntity{Handle: "golang", Kind: remote.GroupSupergroup}.IsPublic())
	assert.False(t, remote.GroupEntity{Kind: remote.GroupSupergroup}.IsPublic())
	assert.False(t, remote.GroupEntity{Handle: "x", Kind: remote.GroupPrivate}.IsPublic())
}
