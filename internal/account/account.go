// Package account bounds how often an operator may add or remove
// credentials. Counts are always derived from the activity log.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"grouparchive/backend/internal/models"
)

// Window is the trailing period actions are counted over.
const Window = 48 * time.Hour

// ErrInvalidAction is returned for actions other than add and remove.
var ErrInvalidAction = errors.New("account: invalid action")

// ActivityLog is the append-only log of account actions.
type ActivityLog interface {
	Append(ctx context.Context, entry *models.AccountActivity) error
	// Since returns the operator's entries strictly after since, oldest first.
	Since(ctx context.Context, operator string, since time.Time) ([]models.AccountActivity, error)
}

// Decision is the result of an evaluation. Denied is a value, not an error.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Count is the number of logged actions inside the window.
	Count int `json:"count"`
	Limit int `json:"limit"`
	// ResetAt is when the oldest counted action leaves the window.
	// Zero when nothing is counted.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("allowed (%d/%d)", d.Count, d.Limit)
	}
	return fmt.Sprintf("denied (%d/%d, resets %s)", d.Count, d.Limit, d.ResetAt.Format(time.RFC3339))
}

// Throttle evaluates operators against a fixed action limit.
type Throttle struct {
	log   ActivityLog
	limit int
	now   func() time.Time
	lg    zerolog.Logger
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// WithLogger sets the logger used for denied actions.
func WithLogger(lg zerolog.Logger) Option {
	return func(t *Throttle) { t.lg = lg }
}

func New(log ActivityLog, limit int, opts ...Option) *Throttle {
	t := &Throttle{log: log, limit: limit, now: time.Now, lg: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CanPerformAccountAction reports whether operator may perform one more action now.
func (t *Throttle) CanPerformAccountAction(ctx context.Context, operator string) (Decision, error) {
	return t.evaluate(ctx, operator, t.now().UTC())
}

func (t *Throttle) evaluate(ctx context.Context, operator string, now time.Time) (Decision, error) {
	entries, err := t.log.Since(ctx, operator, now.Add(-Window))
	if err != nil {
		return Decision{}, fmt.Errorf("account: read activity of %s: %w", operator, err)
	}
	d := Decision{Count: len(entries), Limit: t.limit}
	d.Allowed = d.Count < d.Limit
	if len(entries) > 0 {
		d.ResetAt = entries[0].CreatedAt.Add(Window).UTC()
	}
	return d, nil
}

// RecordAccountAction evaluates operator, appends the action to the log
// whether or not it is allowed, and returns the decision taken.
func (t *Throttle) RecordAccountAction(ctx context.Context, operator string, action models.AccountAction) (Decision, error) {
	if !action.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	now := t.now().UTC()
	d, err := t.evaluate(ctx, operator, now)
	if err != nil {
		return Decision{}, err
	}
	entry := &models.AccountActivity{Operator: operator, Action: action, Allowed: d.Allowed, CreatedAt: now}
	if err := t.log.Append(ctx, entry); err != nil {
		return Decision{}, fmt.Errorf("account: append activity of %s: %w", operator, err)
	}
	if !d.Allowed {
		t.lg.Warn().Str("operator", operator).Str("action", string(action)).
			Int("count", d.Count).Int("limit", d.Limit).Time("reset_at", d.ResetAt).
			Msg("Account action denied")
	}
	return d, nil
}
