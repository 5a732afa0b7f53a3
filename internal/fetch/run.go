package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/checkpoint"
	"grouparchive/backend/internal/media"
	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/processor"
	"grouparchive/backend/internal/reconcile"
	"grouparchive/backend/internal/remote"
	"grouparchive/backend/internal/throttle"
)

// run is the state of one executing fetch.
type run struct {
	o       *Orchestrator
	h       *RunHandle
	req     Request
	limiter throttle.Limiter
	log     zerolog.Logger

	sess  remote.Session
	group remote.GroupEntity
	model models.Group
	pool  *media.Pool

	leaseLost  atomic.Bool
	stopKeeper chan struct{}
	keeperDone chan struct{}
}

func (r *run) emit(ev Event) {
	ev.RunID = r.h.ID
	ev.At = r.o.now().UTC()
	r.o.sink.Publish(ev)
}

func (r *run) transition(s State) {
	r.h.setState(s)
	r.log.Debug().Str("state", string(s)).Msg("Run state changed")
	r.emit(Event{Type: EventState, State: s})
}

func (r *run) execute(ctx context.Context) {
	defer r.finish()
	r.startLeaseKeeper()

	err := r.resolve(ctx)
	if err == nil {
		err = r.paginate(ctx)
	}
	if err == nil {
		err = r.finalize(ctx)
	}
	if err != nil {
		r.abort(ctx, err)
	}
}

// finish releases everything the run holds. It runs on every path.
func (r *run) finish() {
	if r.pool != nil {
		r.pool.Drain()
	}
	if r.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.sess.Disconnect(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Failed to disconnect session")
		}
		cancel()
	}
	r.stopLeaseKeeper()
	r.h.Cancel()
	r.o.release(r.h)

	r.h.mu.Lock()
	r.h.finishedAt = r.o.now().UTC()
	outcome := r.h.copyOutcome()
	state, runErr := r.h.state, r.h.err
	r.h.mu.Unlock()

	ev := Event{Type: EventFinished, State: state, Outcome: &outcome}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	r.emit(ev)
	close(r.h.done)
}

func (r *run) abort(ctx context.Context, err error) {
	switch {
	case r.leaseLost.Load() && !errors.Is(err, ErrLeaseLost):
		err = fmt.Errorf("%w: %v", ErrLeaseLost, err)
	case ctx.Err() != nil && !errors.Is(err, ErrCancelled):
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	reason := AbortReason(err)
	r.h.mu.Lock()
	r.h.err = err
	r.h.outcome.AbortReason = reason
	r.h.mu.Unlock()
	r.log.Error().Err(err).Str("reason", reason).Msg("Fetch run aborted")
	r.transition(StateAborted)
}

// call issues one remote call through the limiter. A rate-limited response
// suspends the limiter and re-issues the identical call; a transient error
// is retried up to PageRetries times with backoff.
func (r *run) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := r.o.newBackOff()
	bo.Reset()
	attempt, waits := 0, 0
	for {
		if err := r.limiter.Throttle(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if wait, ok := remote.AsRateLimited(err); ok {
			if waits >= r.o.cfg.MaxHonoredWaits {
				return fmt.Errorf("%s: %w", op, err)
			}
			waits++
			r.log.Warn().Str("op", op).Dur("wait", wait).Msg("Rate limited, suspending run")
			r.limiter.Suspend(wait)
			r.emit(Event{Type: EventSuspended, Wait: wait, Detail: op})
			continue
		}
		if !remote.IsTransient(err) || attempt >= r.o.cfg.PageRetries {
			return fmt.Errorf("%s: %w", op, err)
		}
		attempt++
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%s: %w", op, err)
		}
		r.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("retry_in", delay).Msg("Remote call failed, retrying")
		if err := throttle.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *run) resolve(ctx context.Context) error {
	r.transition(StateResolving)

	err := r.call(ctx, "connect", func(ctx context.Context) error {
		sess, err := r.o.client.Connect(ctx, r.req.Credential)
		if err != nil {
			return err
		}
		r.sess = sess
		return nil
	})
	if err != nil {
		return err
	}

	var group *remote.GroupEntity
	err = r.call(ctx, "resolve group", func(ctx context.Context) error {
		g, err := r.sess.ResolveGroup(ctx, r.req.GroupRef)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return err
	}

	r.group = *group
	r.model = models.Group{
		ID:       group.ID,
		Title:    group.Title,
		Handle:   group.Handle,
		IsPublic: group.IsPublic(),
	}
	if err := r.o.store.UpsertGroup(ctx, &r.model); err != nil {
		return fmt.Errorf("store group %d: %w", group.ID, err)
	}
	r.h.update(func(o *Outcome) { o.GroupID = group.ID })
	r.log = r.log.With().Int64("group_id", group.ID).Logger()
	r.log.Info().Str("title", group.Title).Msg("Group resolved")
	return nil
}

func (r *run) checkpointKey() checkpoint.Key {
	return checkpoint.Key{Credential: r.req.Credential.ID, GroupRef: r.req.GroupRef, Window: r.req.Window}
}

func (r *run) startCursor() remote.Cursor {
	if !r.req.Resume || r.o.checkpoints == nil {
		return ""
	}
	cp, err := r.o.checkpoints.Load(r.checkpointKey())
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			r.log.Warn().Err(err).Msg("Failed to load checkpoint, starting from the window edge")
		}
		return ""
	}
	if cp.GroupID != 0 && cp.GroupID != r.group.ID {
		r.log.Warn().Int64("checkpoint_group", cp.GroupID).Msg("Checkpoint belongs to another group, ignoring")
		return ""
	}
	r.log.Info().Str("cursor", string(cp.Cursor)).Msg("Resuming from checkpoint")
	return cp.Cursor
}

func (r *run) paginate(ctx context.Context) error {
	r.transition(StatePaginating)

	mgr := media.NewManager(r.o.store, r.limiter, r.log)
	mgr.NewBackOff = r.o.newBackOff
	r.pool = media.NewPool(ctx, mgr, r.sess, r.o.cfg.Policy, r.o.cfg.DownloadWorkers, r.recordAttachment)

	cursor := r.startCursor()
	r.h.update(func(o *Outcome) { o.LastCursor = cursor })

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		var p *remote.Page
		err := r.call(ctx, "iterate messages", func(ctx context.Context) error {
			got, err := r.sess.IterMessages(ctx, r.group, r.req.Window, cursor)
			if err != nil {
				return err
			}
			p = got
			return nil
		})
		if err != nil {
			if ctx.Err() != nil || !remote.IsTransient(err) {
				return err
			}
			// Keep what was stored; the checkpoint lets a resume retry
			// from the failing cursor.
			r.log.Error().Err(err).Str("cursor", string(cursor)).Msg("Pagination stopped early")
			r.h.addError(err)
			r.h.update(func(o *Outcome) { o.Partial = true })
			break
		}

		for _, raw := range p.Messages {
			if err := r.ingest(ctx, raw); err != nil {
				return err
			}
		}

		r.h.update(func(o *Outcome) {
			o.Pages++
			o.LastCursor = p.Next
		})
		r.saveCheckpoint(p.Next, page)
		r.emit(Event{Type: EventPage, Page: page, Cursor: p.Next})

		if p.Done || p.Next == "" {
			break
		}
		if p.Next == cursor {
			r.log.Warn().Str("cursor", string(cursor)).Msg("Cursor did not advance, ending pagination")
			break
		}
		cursor = p.Next
	}

	r.transition(StateDraining)
	r.pool.Drain()
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// ingest processes one raw message. Only run-level failures are returned;
// everything else is recorded in the outcome.
func (r *run) ingest(ctx context.Context, raw remote.RawMessage) error {
	log := r.log.With().Int64("message_id", raw.ID).Logger()

	if !raw.Date.IsZero() && !r.req.Window.Contains(raw.Date) {
		r.h.update(func(o *Outcome) { o.OutOfWindow++ })
		return nil
	}

	msg, err := processor.ProcessMessage(raw, r.model)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping malformed message")
		r.h.update(func(o *Outcome) { o.Malformed++ })
		return nil
	}

	label := processor.UnknownLabelPrefix + "0"
	if raw.Author != nil {
		label = processor.Label(*raw.Author)
		if err := r.ingestAuthor(ctx, *raw.Author); err != nil {
			log.Warn().Err(err).Msg("Author not stored")
		}
	}

	var summary *remote.RawReactionSummary
	err = r.call(ctx, "fetch reactions", func(ctx context.Context) error {
		s, err := r.sess.FetchReactions(ctx, r.group, raw)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || remote.IsFatal(err) {
			return err
		}
		log.Warn().Err(err).Msg("Reactions unavailable")
		r.h.addError(fmt.Errorf("message %d: %w", raw.ID, err))
	}
	msg.KeepReactionCount = summary == nil
	var reactions []models.Reaction
	if summary != nil {
		rows, total, rerr := processor.ProcessReactions(*summary, *msg)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("Dropped invalid reactions")
			r.h.addError(fmt.Errorf("message %d reactions: %w", raw.ID, rerr))
		}
		msg.ReactionCount = total
		reactions = rows
	}

	outcome, err := r.o.reconciler.ReconcileMessage(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		log.Error().Err(err).Msg("Failed to store message")
		r.h.addError(err)
		return nil
	}
	switch outcome {
	case reconcile.SuppressedBySoftDelete:
		r.h.update(func(o *Outcome) { o.MessagesSuppressed++ })
		return nil
	case reconcile.UpdateInPlace:
		r.h.update(func(o *Outcome) { o.MessagesIngested++; o.MessagesUpdated++ })
	default:
		r.h.update(func(o *Outcome) { o.MessagesIngested++ })
	}

	if len(reactions) > 0 {
		n, err := r.o.store.InsertReactions(ctx, reactions)
		if err != nil {
			r.h.addError(fmt.Errorf("message %d reactions: %w", raw.ID, err))
		} else {
			r.h.update(func(o *Outcome) { o.ReactionsStored += int(n) })
		}
	}

	if msg.HasMedia {
		_, rm := processor.ResolveMedia(raw)
		job := media.Job{Message: *msg, AuthorLabel: label, Media: rm}
		if err := r.pool.Submit(ctx, job); err != nil {
			return ErrCancelled
		}
	}
	return nil
}

func (r *run) ingestAuthor(ctx context.Context, raw remote.RawUser) error {
	author, err := processor.ProcessAuthor(raw)
	if err != nil {
		r.h.update(func(o *Outcome) { o.Malformed++ })
		return err
	}
	outcome, err := r.o.reconciler.ReconcileAuthor(ctx, author)
	if err != nil {
		r.h.addError(err)
		return err
	}
	if outcome == reconcile.SuppressedBySoftDelete {
		r.h.update(func(o *Outcome) { o.AuthorsSuppressed++ })
	}
	return nil
}

func (r *run) recordAttachment(job media.Job, res media.Result) {
	ev := Event{Type: EventAttachment, Detail: fmt.Sprintf("message %d", job.Message.MessageID)}
	switch res.Status {
	case media.Stored:
		r.h.update(func(o *Outcome) { o.AttachmentsStored++ })
		ev.Detail += ": stored"
	case media.Skipped:
		r.h.update(func(o *Outcome) { o.AttachmentsSkipped++ })
		ev.Detail += ": skipped " + string(res.Reason)
	default:
		r.h.update(func(o *Outcome) { o.AttachmentsFailed++ })
		if !res.IsCancelled() {
			r.h.addError(fmt.Errorf("message %d attachment: %w", job.Message.MessageID, res.Err))
		}
		r.log.Warn().Err(res.Err).Int64("message_id", job.Message.MessageID).Msg("Attachment download failed")
		ev.Detail += ": failed"
		ev.Error = res.Err.Error()
	}
	r.emit(ev)
}

func (r *run) saveCheckpoint(cursor remote.Cursor, pages int) {
	if r.o.checkpoints == nil || cursor == "" {
		return
	}
	cp := checkpoint.Checkpoint{Cursor: cursor, GroupID: r.group.ID, Pages: pages, SavedAt: r.o.now().UTC()}
	if err := r.o.checkpoints.Save(r.checkpointKey(), cp); err != nil {
		r.log.Warn().Err(err).Msg("Failed to save checkpoint")
	}
}

// startLeaseKeeper extends the credential lease every leaseRefresh for as
// long as the run holds resources, through suspensions and drains alike.
// Losing the lease cancels the run.
func (r *run) startLeaseKeeper() {
	if r.o.lease == nil || r.o.leaseRefresh <= 0 {
		return
	}
	r.stopKeeper = make(chan struct{})
	r.keeperDone = make(chan struct{})
	go r.keepLease(r.log)
}

func (r *run) keepLease(log zerolog.Logger) {
	defer close(r.keeperDone)
	ticker := time.NewTicker(r.o.leaseRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopKeeper:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.o.leaseRefresh)
		ok, err := r.o.lease.Extend(ctx, r.req.Credential.ID, r.h.ID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to extend credential lease")
			continue
		}
		if !ok {
			log.Error().Msg("Credential lease lost, cancelling run")
			r.leaseLost.Store(true)
			r.h.Cancel()
			return
		}
	}
}

func (r *run) stopLeaseKeeper() {
	if r.stopKeeper == nil {
		return
	}
	close(r.stopKeeper)
	<-r.keeperDone
}

func (r *run) finalize(ctx context.Context) error {
	r.transition(StateFinalizing)

	r.h.mu.Lock()
	yielded := r.h.outcome.MessagesIngested
	partial := r.h.outcome.Partial
	r.h.mu.Unlock()

	completed := r.o.now().UTC()
	entry := &models.FetchHistoryEntry{
		RunID:       r.h.ID,
		GroupID:     r.group.ID,
		WindowStart: r.req.Window.Start,
		WindowEnd:   r.req.Window.End,
		Yielded:     yielded,
		Partial:     partial,
		Credential:  r.req.Credential.ID,
		CompletedAt: completed,
	}
	if err := r.o.reconciler.RecordFetch(ctx, entry); err != nil {
		return err
	}
	if err := r.o.store.MarkGroupFetched(ctx, r.group.ID, completed); err != nil {
		r.log.Warn().Err(err).Msg("Failed to update group fetch time")
	}
	if r.o.checkpoints != nil && !partial {
		if err := r.o.checkpoints.Clear(r.checkpointKey()); err != nil {
			r.log.Warn().Err(err).Msg("Failed to clear checkpoint")
		}
	}
	r.log.Info().Int("yielded", yielded).Bool("partial", partial).Msg("Fetch run completed")
	r.transition(StateIdle)
	return nil
}
