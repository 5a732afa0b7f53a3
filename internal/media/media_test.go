package media_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grouparchive/backend/internal/media"
	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/remote"
	"grouparchive/backend/internal/storage"
	"grouparchive/backend/internal/storage/storagetest"
	"grouparchive/backend/internal/throttle"
)

// fakeSession scripts DownloadAttachment; the other methods are unused here.
type fakeSession struct {
	mu      sync.Mutex
	calls   int
	results []error
	payload []byte
}

func (f *fakeSession) ResolveGroup(ctx context.Context, ref string) (*remote.GroupEntity, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSession) IterMessages(ctx context.Context, group remote.GroupEntity, window remote.Window, cursor remote.Cursor) (*remote.Page, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSession) FetchReactions(ctx context.Context, group remote.GroupEntity, msg remote.RawMessage) (*remote.RawReactionSummary, error) {
	return &remote.RawReactionSummary{}, nil
}

func (f *fakeSession) DownloadAttachment(ctx context.Context, m remote.RawMedia, w io.Writer) (int64, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i < len(f.results) && f.results[i] != nil {
		// Partial writes must not leak into the final file.
		_, _ = w.Write([]byte("garbage"))
		return 0, f.results[i]
	}
	n, err := w.Write(f.payload)
	return int64(n), err
}

func (f *fakeSession) Disconnect(ctx context.Context) error { return nil }

func (f *fakeSession) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func newManager(t *testing.T) (*media.Manager, *storage.Service, *throttle.Noop) {
	svc := storagetest.NewService(t, false)
	lim := &throttle.Noop{}
	mgr := media.NewManager(svc, lim, zerolog.Nop())
	mgr.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return mgr, svc, lim
}

func photoJob(size int64) media.Job {
	return media.Job{
		Message: models.Message{
			MessageID: 31, GroupID: -1005, AuthorID: 8,
			SentAt:   time.Date(2024, 4, 2, 9, 7, 5, 0, time.UTC),
			HasMedia: true, MediaKind: models.MediaPhoto, Kind: models.KindPhoto,
		},
		AuthorLabel: "Jane  Doe",
		Media:       &remote.RawMedia{FileID: "file-1", FileName: "pic.png", Size: size},
	}
}

func policy(root string) media.Policy {
	return media.Policy{Root: root, Photo: true, Video: true, Document: true, Audio: true, MaxBytes: 50 << 20, Retries: 2}
}

func TestDownload_Stored(t *testing.T) {
	// Arrange
	mgr, svc, lim := newManager(t)
	root := t.TempDir()
	sess := &fakeSession{payload: pngHeader}

	// Act
	res := mgr.Download(context.Background(), sess, photoJob(int64(len(pngHeader))), policy(root))

	// Assert
	require.Equal(t, media.Stored, res.Status, "err: %v", res.Err)
	want := filepath.Join(root, "-1005", "Jane_Doe", "2024-04-02", "31_090705", "pic.png")
	assert.Equal(t, want, res.Attachment.Path)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, int64(len(pngHeader)), res.Attachment.Size)
	assert.Equal(t, "image/png", res.Attachment.MimeType, "mime falls back to content sniffing")
	assert.Equal(t, 1, lim.Calls(), "every transfer passes the limiter")

	atts, err := svc.ListAttachments(context.Background(), -1005, 31)
	require.NoError(t, err)
	assert.Len(t, atts, 1)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(want), ".part-*"))
	assert.Empty(t, leftovers)

	// A second run does not download again.
	again := mgr.Download(context.Background(), sess, photoJob(10), policy(root))
	assert.Equal(t, media.Skipped, again.Status)
	assert.Equal(t, media.SkipAlreadyStored, again.Reason)
	assert.Equal(t, 1, sess.Calls())
}

func TestDownload_PolicyDecisionOrder(t *testing.T) {
	noMedia := photoJob(10)
	noMedia.Message.HasMedia = false

	sticker := photoJob(10)
	sticker.Message.MediaKind = models.MediaSticker

	videoOff := photoJob(10)
	videoOff.Message.MediaKind = models.MediaVideo

	// Disabled and too large: category wins.
	disabledHuge := photoJob(80 << 20)
	disabledHuge.Message.MediaKind = models.MediaVideo

	tests := []struct {
		name   string
		job    media.Job
		reason media.SkipReason
	}{
		{"no media", noMedia, media.SkipNoMedia},
		{"sticker has no switch", sticker, media.SkipCategoryDisabled},
		{"disabled category", videoOff, media.SkipCategoryDisabled},
		{"disabled before too large", disabledHuge, media.SkipCategoryDisabled},
		{"80MB against 50MB", photoJob(80 << 20), media.SkipTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, svc, _ := newManager(t)
			sess := &fakeSession{payload: pngHeader}
			p := policy(t.TempDir())
			p.Video = false

			res := mgr.Download(context.Background(), sess, tt.job, p)

			assert.Equal(t, media.Skipped, res.Status)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Zero(t, sess.Calls(), "no transfer may start")
			atts, err := svc.ListAttachments(context.Background(), tt.job.Message.GroupID, tt.job.Message.MessageID)
			require.NoError(t, err)
			assert.Empty(t, atts)
		})
	}
}

func TestDownload_RateLimitDoesNotSpendRetries(t *testing.T) {
	mgr, _, lim := newManager(t)
	transient := &remote.TransportError{Op: "download", Err: errors.New("connection reset")}
	limited := &remote.RateLimitedError{Wait: 3 * time.Second}
	// Retries is 2: three rate limits plus two transient errors must still succeed.
	sess := &fakeSession{payload: pngHeader, results: []error{limited, transient, limited, transient, limited}}

	res := mgr.Download(context.Background(), sess, photoJob(10), policy(t.TempDir()))

	require.Equal(t, media.Stored, res.Status, "err: %v", res.Err)
	assert.Equal(t, 6, sess.Calls())
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, lim.Suspensions())
	data, err := os.ReadFile(res.Attachment.Path)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data, "partial writes of failed attempts are discarded")
}

func TestDownload_TransientExhausted(t *testing.T) {
	mgr, svc, _ := newManager(t)
	transient := &remote.TransportError{Op: "download", Err: errors.New("timeout")}
	sess := &fakeSession{results: []error{transient, transient, transient, transient}}
	root := t.TempDir()

	res := mgr.Download(context.Background(), sess, photoJob(10), policy(root))

	assert.Equal(t, media.Failed, res.Status)
	var te *remote.TransportError
	assert.ErrorAs(t, res.Err, &te)
	assert.Equal(t, 3, sess.Calls(), "one attempt plus two retries")
	atts, err := svc.ListAttachments(context.Background(), -1005, 31)
	require.NoError(t, err)
	assert.Empty(t, atts, "failed downloads leave the message in the media-owed state")

	var files []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	assert.Empty(t, files, "no temp files survive")
}

func TestDownload_FatalErrorIsNotRetried(t *testing.T) {
	mgr, _, _ := newManager(t)
	sess := &fakeSession{results: []error{remote.ErrForbidden}}

	res := mgr.Download(context.Background(), sess, photoJob(10), policy(t.TempDir()))

	assert.Equal(t, media.Failed, res.Status)
	assert.ErrorIs(t, res.Err, remote.ErrForbidden)
	assert.Equal(t, 1, sess.Calls())
}

func TestDownload_ThumbnailBestEffort(t *testing.T) {
	mgr, _, _ := newManager(t)
	job := photoJob(10)
	job.Media.Thumbnail = &remote.RawMedia{FileID: "thumb", FileName: "t.jpg"}
	// Main transfer succeeds, thumbnail fails.
	sess := &fakeSession{payload: pngHeader, results: []error{nil, remote.ErrNotFound}}

	res := mgr.Download(context.Background(), sess, job, policy(t.TempDir()))

	require.Equal(t, media.Stored, res.Status)
	assert.Empty(t, res.Attachment.ThumbnailPath)

	mgr2, _, _ := newManager(t)
	res = mgr2.Download(context.Background(), &fakeSession{payload: pngHeader}, job, policy(t.TempDir()))
	require.Equal(t, media.Stored, res.Status)
	assert.Equal(t, "thumb_t.jpg", filepath.Base(res.Attachment.ThumbnailPath))
	assert.FileExists(t, res.Attachment.ThumbnailPath)
}

func TestDownload_Cancelled(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := mgr.Download(ctx, &fakeSession{payload: pngHeader}, photoJob(10), policy(t.TempDir()))

	assert.True(t, res.IsCancelled())
}

func TestPool_DeliversEveryResult(t *testing.T) {
	mgr, _, _ := newManager(t)
	sess := &fakeSession{payload: pngHeader}
	var (
		mu      sync.Mutex
		results = map[int64]media.Result{}
	)
	pool := media.NewPool(context.Background(), mgr, sess, policy(t.TempDir()), 3, func(job media.Job, res media.Result) {
		mu.Lock()
		results[job.Message.MessageID] = res
		mu.Unlock()
	})

	for i := int64(1); i <= 10; i++ {
		job := photoJob(10)
		job.Message.MessageID = i
		require.NoError(t, pool.Submit(context.Background(), job))
	}
	pool.Drain()
	pool.Drain()

	assert.Len(t, results, 10)
	for id, res := range results {
		assert.Equal(t, media.Stored, res.Status, "message %d", id)
	}
}

func TestPool_CancelledJobsAreSkipped(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got []media.Result
	var mu sync.Mutex
	pool := media.NewPool(ctx, mgr, &fakeSession{payload: pngHeader}, policy(t.TempDir()), 1, func(_ media.Job, res media.Result) {
		mu.Lock()
		got = append(got, res)
		mu.Unlock()
	})

	// Submit with a live context so the job is queued.
	require.NoError(t, pool.Submit(context.Background(), photoJob(10)))
	pool.Drain()

	require.Len(t, got, 1)
	assert.Equal(t, media.SkipCancelled, got[0].Reason)
}
