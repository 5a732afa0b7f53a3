package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized means the session is invalid or expired.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotFound means the group or object does not exist.
	ErrNotFound = errors.New("remote: not found")
	// ErrForbidden means the credential cannot access the group.
	ErrForbidden = errors.New("remote: forbidden")
	// ErrInviteExpired means an invite link is no longer valid.
	ErrInviteExpired = errors.New("remote: invite expired")
	// ErrThrottled is flood control without a usable wait duration.
	ErrThrottled = errors.New("remote: throttled")
)

// RateLimitedError is flood control carrying the wait the platform requires.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("remote: rate limited, retry after %s", e.Wait)
}

// TransportError is a network-level failure worth retrying.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsRateLimited extracts the platform wait from err.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// IsTransient reports whether err is a transport error that may succeed on retry.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}

// IsFatal reports whether err ends a fetch run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInviteExpired) ||
		errors.Is(err, ErrThrottled)
}
