package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"grouparchive/backend/internal/remote"
)

// State is the orchestrator state of one run.
type State string

const (
	StateIdle       State = "idle"
	StateResolving  State = "resolving"
	StatePaginating State = "paginating"
	StateDraining   State = "draining"
	StateFinalizing State = "finalizing"
	StateAborted    State = "aborted"
)

// Outcome is the running tally of a fetch run.
type Outcome struct {
	GroupID int64 `json:"group_id,omitempty"`
	Pages   int   `json:"pages"`
	// MessagesIngested counts accepted messages, inserted or updated.
	MessagesIngested   int `json:"messages_ingested"`
	MessagesUpdated    int `json:"messages_updated"`
	MessagesSuppressed int `json:"messages_suppressed"`
	OutOfWindow        int `json:"out_of_window"`
	Malformed          int `json:"malformed"`
	AuthorsSuppressed  int `json:"authors_suppressed"`
	ReactionsStored    int `json:"reactions_stored"`

	AttachmentsStored  int `json:"attachments_stored"`
	AttachmentsSkipped int `json:"attachments_skipped"`
	AttachmentsFailed  int `json:"attachments_failed"`

	Errors      []string      `json:"errors,omitempty"`
	AbortReason string        `json:"abort_reason,omitempty"`
	LastCursor  remote.Cursor `json:"last_cursor,omitempty"`
	// Partial is set when pagination stopped early on a transport failure
	// that outlasted its retries. Everything before LastCursor is stored.
	Partial bool `json:"partial,omitempty"`
}

// Snapshot is a consistent copy of a run's public state.
type Snapshot struct {
	ID         string        `json:"id"`
	Credential string        `json:"credential"`
	GroupRef   string        `json:"group_ref"`
	Window     remote.Window `json:"window"`
	State      State         `json:"state"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// RunHandle is the caller's view of a started run.
type RunHandle struct {
	ID  string
	req Request

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	outcome    Outcome
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func newHandle(id string, req Request, started time.Time) *RunHandle {
	return &RunHandle{
		ID:        id,
		req:       req,
		done:      make(chan struct{}),
		state:     StateIdle,
		startedAt: started,
	}
}

// Cancel requests cancellation. It is observed between pages and between
// downloads.
func (h *RunHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Done is closed once the run has finished, successfully or not.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copyOutcome(), h.err
}

func (h *RunHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the abort error of a finished run, nil on success.
func (h *RunHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *RunHandle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		ID:         h.ID,
		Credential: h.req.Credential.ID,
		GroupRef:   h.req.GroupRef,
		Window:     h.req.Window,
		State:      h.state,
		Outcome:    h.copyOutcome(),
		StartedAt:  h.startedAt,
	}
	if h.err != nil {
		s.Error = h.err.Error()
	}
	if !h.finishedAt.IsZero() {
		f := h.finishedAt
		s.FinishedAt = &f
	}
	return s
}

func (h *RunHandle) copyOutcome() Outcome {
	o := h.outcome
	o.Errors = append([]string(nil), h.outcome.Errors...)
	return o
}

func (h *RunHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *RunHandle) update(fn func(o *Outcome)) {
	h.mu.Lock()
	fn(&h.outcome)
	h.mu.Unlock()
}

func (h *RunHandle) addError(err error) {
	h.update(func(o *Outcome) { o.Errors = append(o.Errors, err.Error()) })
}

func (h *RunHandle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// AbortReason maps a run error to the short reason reported to callers.
func AbortReason(err error) string {
	var te *remote.TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, remote.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, remote.ErrNotFound):
		return "not_found"
	case errors.Is(err, remote.ErrForbidden):
		return "forbidden"
	case errors.Is(err, remote.ErrInviteExpired):
		return "invite_expired"
	case errors.Is(err, remote.ErrThrottled):
		return "throttled"
	case errors.As(err, &te):
		return "transport"
	}
	if _, ok := remote.AsRateLimited(err); ok {
		return "rate_limited"
	}
	return "internal"
}
