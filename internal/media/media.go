// Package media decides, places and transfers message attachments.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/remote"
	"grouparchive/backend/internal/throttle"
)

// maxHonoredWaits caps platform-requested waits per transfer. They do not
// spend the retry budget, so a misbehaving server could otherwise stall a
// worker forever.
const maxHonoredWaits = 20

// Policy is the download configuration consumed by the manager.
type Policy struct {
	Root     string
	Photo    bool
	Video    bool
	Document bool
	Audio    bool
	// MaxBytes bounds the declared size. Zero disables the check.
	MaxBytes int64
	// Retries is the number of extra attempts after a transient failure.
	Retries int
}

// Enabled reports whether the category is downloaded. Stickers have no
// switch and are never downloaded.
func (p Policy) Enabled(kind models.MediaKind) bool {
	switch kind {
	case models.MediaPhoto:
		return p.Photo
	case models.MediaVideo:
		return p.Video
	case models.MediaDocument:
		return p.Document
	case models.MediaAudio:
		return p.Audio
	}
	return false
}

// SkipReason says why no transfer was attempted.
type SkipReason string

const (
	SkipNoMedia          SkipReason = "no-media"
	SkipCategoryDisabled SkipReason = "category-disabled"
	SkipTooLarge         SkipReason = "too-large"
	SkipAlreadyStored    SkipReason = "already-stored"
	SkipCancelled        SkipReason = "cancelled"
)

// Status is the variant of a Result.
type Status int

const (
	Skipped Status = iota + 1
	Stored
	Failed
)

// Result is the outcome of one Download call.
type Result struct {
	Status     Status
	Reason     SkipReason
	Attachment *models.Attachment
	Err        error
}

func skipped(reason SkipReason) Result { return Result{Status: Skipped, Reason: reason} }
func failed(err error) Result          { return Result{Status: Failed, Err: err} }

// Job is one media message accepted by the reconciler.
type Job struct {
	Message     models.Message
	AuthorLabel string
	Media       *remote.RawMedia
}

// Store is the persistence surface the manager writes attachment rows to.
type Store interface {
	InsertAttachment(ctx context.Context, att *models.Attachment) error
	ListAttachments(ctx context.Context, groupID, messageID int64) ([]models.Attachment, error)
}

// Manager transfers attachments through the shared limiter.
type Manager struct {
	store   Store
	limiter throttle.Limiter
	log     zerolog.Logger
	// NewBackOff builds the retry delay schedule of one transfer.
	NewBackOff func() backoff.BackOff
}

func NewManager(store Store, limiter throttle.Limiter, log zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		limiter: limiter,
		log:     log.With().Str("component", "media").Logger(),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Download applies policy to job and, when allowed, stores the attachment.
// An attachment row is written only after the file is in place.
func (m *Manager) Download(ctx context.Context, sess remote.Session, job Job, policy Policy) Result {
	msg := job.Message
	if !msg.HasMedia || job.Media == nil {
		return skipped(SkipNoMedia)
	}
	if !policy.Enabled(msg.MediaKind) {
		return skipped(SkipCategoryDisabled)
	}
	if policy.MaxBytes > 0 && job.Media.Size > policy.MaxBytes {
		return skipped(SkipTooLarge)
	}
	existing, err := m.store.ListAttachments(ctx, msg.GroupID, msg.MessageID)
	if err != nil {
		return failed(fmt.Errorf("list attachments: %w", err))
	}
	if len(existing) > 0 {
		return skipped(SkipAlreadyStored)
	}

	log := m.log.With().Int64("group_id", msg.GroupID).Int64("message_id", msg.MessageID).Logger()
	dir := Dir(policy.Root, msg, job.AuthorLabel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failed(fmt.Errorf("create %s: %w", dir, err))
	}
	name := FileName(msg, job.Media.FileName, job.Media.MimeType)
	path := filepath.Join(dir, name)

	size, err := m.transfer(ctx, sess, *job.Media, path, policy.Retries, log)
	if err != nil {
		return failed(err)
	}

	mime := job.Media.MimeType
	if mime == "" {
		if detected, err := mimetype.DetectFile(path); err == nil {
			mime = detected.String()
		}
	}

	att := &models.Attachment{
		MessageID: msg.MessageID,
		GroupID:   msg.GroupID,
		Path:      path,
		FileName:  name,
		Size:      size,
		MediaKind: msg.MediaKind,
		MimeType:  mime,
	}
	if thumb := job.Media.Thumbnail; thumb != nil && thumb.FileID != "" {
		thumbPath := filepath.Join(dir, "thumb_"+FileName(msg, thumb.FileName, thumb.MimeType))
		if _, err := m.transfer(ctx, sess, *thumb, thumbPath, 0, log); err != nil {
			log.Warn().Err(err).Msg("Thumbnail download failed")
		} else {
			att.ThumbnailPath = thumbPath
		}
	}

	if err := m.store.InsertAttachment(ctx, att); err != nil {
		_ = os.Remove(path)
		if att.ThumbnailPath != "" {
			_ = os.Remove(att.ThumbnailPath)
		}
		return failed(fmt.Errorf("insert attachment: %w", err))
	}
	log.Debug().Str("path", path).Int64("size", size).Msg("Attachment stored")
	return Result{Status: Stored, Attachment: att}
}

// transfer downloads media into a temp file next to path and renames it on
// success. Honored rate-limit waits do not count as attempts.
func (m *Manager) transfer(ctx context.Context, sess remote.Session, media remote.RawMedia, path string, retries int, log zerolog.Logger) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bo := m.NewBackOff()
	bo.Reset()
	attempt, waits := 0, 0
	var n int64
	for {
		if err := m.limiter.Throttle(ctx); err != nil {
			return 0, err
		}
		if err := rewind(tmp); err != nil {
			return 0, err
		}
		n, err = sess.DownloadAttachment(ctx, media, tmp)
		if err == nil {
			break
		}
		if wait, ok := remote.AsRateLimited(err); ok && waits < maxHonoredWaits {
			waits++
			log.Warn().Dur("wait", wait).Msg("Download rate limited, suspending")
			m.limiter.Suspend(wait)
			continue
		}
		if !remote.IsTransient(err) || attempt >= retries {
			return 0, fmt.Errorf("download %s: %w", media.FileID, err)
		}
		attempt++
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return 0, fmt.Errorf("download %s: %w", media.FileID, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Download failed, retrying")
		if err := throttle.Sleep(ctx, delay); err != nil {
			return 0, err
		}
	}

	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		committed = true
		return 0, fmt.Errorf("rename to %s: %w", path, err)
	}
	committed = true
	if n <= 0 {
		if info, err := os.Stat(path); err == nil {
			n = info.Size()
		}
	}
	return n, nil
}

func rewind(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate temp file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek temp file: %w", err)
	}
	return nil
}

// IsCancelled reports whether a failed result was caused by cancellation.
func (r Result) IsCancelled() bool {
	return r.Status == Failed && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}
