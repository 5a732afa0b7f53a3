// Package fetch coordinates one fetch run per (credential, group, window):
// resolve, paginate, reconcile, download and record.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/checkpoint"
	"grouparchive/backend/internal/media"
	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/reconcile"
	"grouparchive/backend/internal/remote"
	"grouparchive/backend/internal/throttle"
)

var (
	// ErrBusy rejects a run for a credential that already has one in flight.
	ErrBusy = errors.New("fetch: credential is busy")
	// ErrCancelled is the abort error of a cancelled run.
	ErrCancelled = errors.New("fetch: run cancelled")
	// ErrInvalidRequest rejects malformed requests at admission.
	ErrInvalidRequest = errors.New("fetch: invalid request")
	// ErrLeaseLost aborts a run whose credential lease expired or was
	// taken over while it was still running.
	ErrLeaseLost = errors.New("fetch: credential lease lost")
)

// defaultLeaseRefresh is how often a running fetch extends its lease.
const defaultLeaseRefresh = 30 * time.Second

// keepFinished bounds how many finished runs stay queryable.
const keepFinished = 100

// Request selects what one run fetches.
type Request struct {
	Credential remote.Credential
	// GroupRef is a numeric id, a handle or an invite link.
	GroupRef string
	Window   remote.Window
	// Resume starts from the checkpoint of an earlier aborted run of the
	// same credential, group and window.
	Resume bool
}

func (r Request) validate() error {
	if r.Credential.ID == "" {
		return fmt.Errorf("%w: missing credential", ErrInvalidRequest)
	}
	if r.GroupRef == "" {
		return fmt.Errorf("%w: missing group reference", ErrInvalidRequest)
	}
	if !r.Window.Start.IsZero() && !r.Window.End.IsZero() && r.Window.End.Before(r.Window.Start) {
		return fmt.Errorf("%w: window ends before it starts", ErrInvalidRequest)
	}
	return nil
}

// Store is everything a run writes to.
type Store interface {
	reconcile.Store
	media.Store
	UpsertGroup(ctx context.Context, group *models.Group) error
	MarkGroupFetched(ctx context.Context, id int64, at time.Time) error
	InsertReactions(ctx context.Context, rows []models.Reaction) (int64, error)
}

// Lease is an optional cross-process credential lock.
type Lease interface {
	Acquire(ctx context.Context, credential, owner string) (bool, error)
	Extend(ctx context.Context, credential, owner string) (bool, error)
	Release(ctx context.Context, credential, owner string) error
}

// Checkpoints persists the last completed cursor of a run.
type Checkpoints interface {
	Save(key checkpoint.Key, cp checkpoint.Checkpoint) error
	Load(key checkpoint.Key) (*checkpoint.Checkpoint, error)
	Clear(key checkpoint.Key) error
}

// Config holds the run tunables.
type Config struct {
	Policy          media.Policy
	DownloadWorkers int
	// PageRetries bounds retries of a transient failure of one remote call
	// on the pagination path.
	PageRetries int
	// MaxHonoredWaits bounds rate-limit suspensions per remote call.
	MaxHonoredWaits int
}

// Orchestrator admits and runs fetches.
type Orchestrator struct {
	client     remote.Client
	store      Store
	reconciler *reconcile.Reconciler
	cfg        Config
	log        zerolog.Logger

	newLimiter   func() throttle.Limiter
	newBackOff   func() backoff.BackOff
	lease        Lease
	leaseRefresh time.Duration
	checkpoints  Checkpoints
	sink         EventSink
	now          func() time.Time
	base         context.Context

	mu     sync.Mutex
	active map[string]*RunHandle
	runs   map[string]*RunHandle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithLimiterFactory sets how each run gets its limiter. The default spaces
// calls by throttle.DefaultInterCallDelay.
func WithLimiterFactory(fn func() throttle.Limiter) Option {
	return func(o *Orchestrator) { o.newLimiter = fn }
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *Orchestrator) { o.newBackOff = fn }
}

func WithLease(l Lease) Option {
	return func(o *Orchestrator) { o.lease = l }
}

// WithLeaseRefresh sets the extension period of a held lease. It should be
// well under the lease TTL.
func WithLeaseRefresh(d time.Duration) Option {
	return func(o *Orchestrator) { o.leaseRefresh = d }
}

func WithCheckpoints(c Checkpoints) Option {
	return func(o *Orchestrator) { o.checkpoints = c }
}

func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithBaseContext sets the parent context of every run. Runs outlive the
// context passed to StartFetch.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.base = ctx }
}

func New(client remote.Client, store Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.DownloadWorkers < 1 {
		cfg.DownloadWorkers = 1
	}
	if cfg.MaxHonoredWaits < 1 {
		cfg.MaxHonoredWaits = 20
	}
	o := &Orchestrator{
		client:     client,
		store:      store,
		reconciler: reconcile.New(store),
		cfg:        cfg,
		log:        zerolog.Nop(),
		newLimiter: func() throttle.Limiter { return throttle.New(throttle.DefaultInterCallDelay) },
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		leaseRefresh: defaultLeaseRefresh,
		sink:         nopSink{},
		now:          time.Now,
		base:         context.Background(),
		active:       make(map[string]*RunHandle),
		runs:         make(map[string]*RunHandle),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartFetch admits req and starts it in the background. It fails with
// ErrBusy when the credential already has a run in flight.
func (o *Orchestrator) StartFetch(ctx context.Context, req Request) (*RunHandle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	h := newHandle(uuid.New().String(), req, o.now().UTC())

	o.mu.Lock()
	if _, busy := o.active[req.Credential.ID]; busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.active[req.Credential.ID] = h
	o.mu.Unlock()

	if o.lease != nil {
		ok, err := o.lease.Acquire(ctx, req.Credential.ID, h.ID)
		if err != nil || !ok {
			o.mu.Lock()
			delete(o.active, req.Credential.ID)
			o.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("fetch: acquire lease: %w", err)
			}
			return nil, ErrBusy
		}
	}

	o.mu.Lock()
	o.runs[h.ID] = h
	o.pruneLocked()
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(o.base)
	h.cancel = cancel
	r := &run{
		o:       o,
		h:       h,
		req:     req,
		limiter: o.newLimiter(),
		log: o.log.With().Str("run_id", h.ID).Str("credential", req.Credential.ID).
			Str("group_ref", req.GroupRef).Logger(),
	}
	go r.execute(runCtx)
	return h, nil
}

// Get returns a run by id, finished runs included.
func (o *Orchestrator) Get(id string) (*RunHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.runs[id]
	return h, ok
}

// Runs returns snapshots of every known run, newest first.
func (o *Orchestrator) Runs() []Snapshot {
	o.mu.Lock()
	handles := make([]*RunHandle, 0, len(o.runs))
	for _, h := range o.runs {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	snaps := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		snaps = append(snaps, h.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartedAt.After(snaps[j].StartedAt) })
	return snaps
}

// Shutdown cancels every active run and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	active := make([]*RunHandle, 0, len(o.active))
	for _, h := range o.active {
		active = append(active, h)
	}
	o.mu.Unlock()

	for _, h := range active {
		h.Cancel()
	}
	for _, h := range active {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) release(h *RunHandle) {
	o.mu.Lock()
	if o.active[h.req.Credential.ID] == h {
		delete(o.active, h.req.Credential.ID)
	}
	o.mu.Unlock()
	if o.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.lease.Release(ctx, h.req.Credential.ID, h.ID); err != nil {
			o.log.Warn().Err(err).Str("run_id", h.ID).Msg("Failed to release credential lease")
		}
	}
}

func (o *Orchestrator) pruneLocked() {
	if len(o.runs) <= keepFinished {
		return
	}
	var finished []*RunHandle
	for _, h := range o.runs {
		if h.finished() {
			finished = append(finished, h)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].startedAt.Before(finished[j].startedAt) })
	for _, h := range finished {
		if len(o.runs) <= keepFinished {
			break
		}
		delete(o.runs, h.ID)
	}
}
