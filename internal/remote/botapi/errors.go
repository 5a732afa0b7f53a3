package botapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.mau.fi/util/retryafter"

	"grouparchive/backend/internal/remote"
)

// mapError translates Bot API and transport failures into the remote
// error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return &remote.TransportError{Op: op, Err: err}
	}

	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return fmt.Errorf("botapi: %s: %w", op, remote.ErrUnauthorized)
	case apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("botapi: %s: %w: %s", op, remote.ErrForbidden, apiErr.Message)
	case apiErr.Code == http.StatusTooManyRequests:
		if apiErr.RetryAfter > 0 {
			return &remote.RateLimitedError{Wait: time.Duration(apiErr.RetryAfter) * time.Second}
		}
		return fmt.Errorf("botapi: %s: %w", op, remote.ErrThrottled)
	case apiErr.Code == http.StatusBadRequest && strings.Contains(msg, "chat not found"):
		return fmt.Errorf("botapi: %s: %w", op, remote.ErrNotFound)
	case apiErr.Code == http.StatusBadRequest && strings.Contains(msg, "invite link"):
		return fmt.Errorf("botapi: %s: %w", op, remote.ErrInviteExpired)
	case apiErr.Code >= http.StatusInternalServerError:
		return &remote.TransportError{Op: op, Err: err}
	}
	return fmt.Errorf("botapi: %s: %w", op, err)
}

// defaultFileRetry is used when a throttled file transfer carries no
// usable Retry-After header.
const defaultFileRetry = 5 * time.Second

// mapFileStatus handles non-2xx responses of the file endpoint.
func mapFileStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &remote.RateLimitedError{Wait: retryafter.Parse(resp.Header.Get("Retry-After"), defaultFileRetry)}
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("botapi: download: %w", remote.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("botapi: download: %w", remote.ErrNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		return &remote.TransportError{Op: "download", Err: fmt.Errorf("status %s", resp.Status)}
	}
	return fmt.Errorf("botapi: download: unexpected status %s", resp.Status)
}
