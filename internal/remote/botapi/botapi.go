// Package botapi implements the remote capability over the Telegram Bot
// API. A bot only sees what the platform still retains in its update
// queue, so history older than that is not reachable.
package botapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/checkpoint"
	"grouparchive/backend/internal/remote"
)

const defaultPageSize = 100

// spoolCursorPrefix marks cursors that point into the spool rather than
// the live update queue.
const spoolCursorPrefix = "s"

// Spool holds updates a session consumed but could not deliver: messages
// of other chats and messages outside the requested window. The update
// queue is shared by every group the bot is in, and advancing the offset
// confirms everything before it.
type Spool interface {
	Stash(credential string, chatID, updateID int64, payload []byte) error
	List(credential string, chatID int64) ([]checkpoint.SpoolEntry, error)
	Delete(credential string, chatID int64, updateIDs []int64) error
}

// Client opens Bot API sessions. The credential secret is the bot token.
type Client struct {
	HTTP *http.Client
	// Endpoint and FileEndpoint are format strings taking the token and
	// the method or file path.
	Endpoint     string
	FileEndpoint string
	PageSize     int
	Log          zerolog.Logger
	// Spool is optional. Without one, updates for other chats and windows
	// are consumed and lost.
	Spool Spool
}

func New(log zerolog.Logger) *Client {
	return &Client{
		HTTP:         &http.Client{Timeout: 60 * time.Second},
		Endpoint:     tgbotapi.APIEndpoint,
		FileEndpoint: tgbotapi.FileEndpoint,
		PageSize:     defaultPageSize,
		Log:          log,
	}
}

// Connect validates the token with getMe.
func (c *Client) Connect(ctx context.Context, cred remote.Credential) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cred.Secret, c.Endpoint, c.HTTP)
	if err != nil {
		return nil, mapError("connect", err)
	}
	pageSize := c.PageSize
	if pageSize < 1 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}
	log := c.Log.With().Str("credential", cred.ID).Logger()
	log.Debug().Str("bot", bot.Self.UserName).Msg("Bot session connected")
	return &session{
		bot:          bot,
		http:         c.HTTP,
		fileEndpoint: c.FileEndpoint,
		pageSize:     pageSize,
		credential:   cred.ID,
		spool:        c.Spool,
		log:          log,
	}, nil
}

type session struct {
	bot          *tgbotapi.BotAPI
	http         *http.Client
	fileEndpoint string
	pageSize     int

	credential string
	spool      Spool
	log        zerolog.Logger
}

func (s *session) request(ctx context.Context, op, method string, params tgbotapi.Params, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := s.bot.MakeRequest(method, params)
	if err != nil {
		return mapError(op, err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &remote.TransportError{Op: op, Err: fmt.Errorf("decode %s: %w", method, err)}
	}
	return nil
}

// chatRef turns a group reference into a getChat chat_id.
func chatRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	switch {
	case ref == "":
		return "", fmt.Errorf("botapi: resolve: %w: empty reference", remote.ErrNotFound)
	case strings.HasPrefix(ref, "+"), strings.HasPrefix(ref, "joinchat/"):
		return "", fmt.Errorf("botapi: resolve: %w: bots cannot join through invite links", remote.ErrForbidden)
	}
	if _, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return ref, nil
	}
	return "@" + strings.TrimPrefix(ref, "@"), nil
}

func (s *session) ResolveGroup(ctx context.Context, ref string) (*remote.GroupEntity, error) {
	chatID, err := chatRef(ref)
	if err != nil {
		return nil, err
	}
	var chat apiChat
	if err := s.request(ctx, "resolve", "getChat", tgbotapi.Params{"chat_id": chatID}, &chat); err != nil {
		return nil, err
	}
	kind, ok := chat.kind()
	if !ok {
		return nil, fmt.Errorf("botapi: resolve: %w: %s is a %s chat", remote.ErrNotFound, ref, chat.Type)
	}
	return &remote.GroupEntity{ID: chat.ID, Title: chat.Title, Handle: chat.Username, Kind: kind}, nil
}

// IterMessages first replays spooled updates of the group, then reads the
// bot's update queue. A live cursor is the next update offset; requesting an
// offset confirms every earlier update, so the platform only ever delivers
// oldest first. Updates the group cannot take are spooled before their
// offset is passed.
func (s *session) IterMessages(ctx context.Context, group remote.GroupEntity, window remote.Window, cursor remote.Cursor) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor == "" || strings.HasPrefix(string(cursor), spoolCursorPrefix) {
		if s.spool != nil {
			page, err := s.spooled(group, window, cursor)
			if err != nil || page != nil {
				return page, err
			}
		}
		cursor = ""
	}
	return s.live(ctx, group, window, cursor)
}

// spooled returns the next page of held updates after the one the cursor
// names, or nil once they are exhausted. Updates up to the cursor were
// delivered on the previous page and are dropped.
func (s *session) spooled(group remote.GroupEntity, window remote.Window, cursor remote.Cursor) (*remote.Page, error) {
	acked := int64(-1)
	if cursor != "" {
		n, err := strconv.ParseInt(strings.TrimPrefix(string(cursor), spoolCursorPrefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("botapi: iter_messages: malformed cursor %q", cursor)
		}
		acked = n
	}
	entries, err := s.spool.List(s.credential, group.ID)
	if err != nil {
		return nil, fmt.Errorf("botapi: read spool: %w", err)
	}

	var (
		page      remote.Page
		delivered []int64
	)
	for _, e := range entries {
		var u apiUpdate
		if err := json.Unmarshal(e.Payload, &u); err != nil || u.message() == nil {
			s.log.Warn().Err(err).Int64("update_id", e.UpdateID).Msg("Dropping unreadable spooled update")
			delivered = append(delivered, e.UpdateID)
			continue
		}
		m := u.message()
		if !inWindow(m, window) {
			continue
		}
		if e.UpdateID <= acked {
			delivered = append(delivered, e.UpdateID)
			continue
		}
		if len(page.Messages) == s.pageSize {
			break
		}
		page.Messages = append(page.Messages, m.toRaw())
		page.Next = remote.Cursor(spoolCursorPrefix + strconv.FormatInt(e.UpdateID, 10))
	}
	if err := s.spool.Delete(s.credential, group.ID, delivered); err != nil {
		return nil, fmt.Errorf("botapi: trim spool: %w", err)
	}
	if len(page.Messages) == 0 {
		return nil, nil
	}
	return &page, nil
}

func (s *session) live(ctx context.Context, group remote.GroupEntity, window remote.Window, cursor remote.Cursor) (*remote.Page, error) {
	params := tgbotapi.Params{
		"limit":           strconv.Itoa(s.pageSize),
		"timeout":         "0",
		"allowed_updates": `["message","edited_message","channel_post","edited_channel_post"]`,
	}
	if cursor != "" {
		params["offset"] = string(cursor)
	}
	var updates []json.RawMessage
	if err := s.request(ctx, "iter_messages", "getUpdates", params, &updates); err != nil {
		return nil, err
	}

	page := &remote.Page{Next: cursor, Done: len(updates) < s.pageSize}
	for _, payload := range updates {
		var u apiUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, &remote.TransportError{Op: "iter_messages", Err: fmt.Errorf("decode update: %w", err)}
		}
		page.Next = remote.Cursor(strconv.FormatInt(u.UpdateID+1, 10))
		m := u.message()
		switch {
		case m == nil:
		case m.Chat.ID == group.ID && inWindow(m, window):
			page.Messages = append(page.Messages, m.toRaw())
		default:
			if err := s.hold(m, u.UpdateID, payload); err != nil {
				return nil, err
			}
		}
	}
	return page, nil
}

// hold spools an update the current run cannot take. Chats that are not
// groups or channels are never archived and are let go.
func (s *session) hold(m *apiMessage, updateID int64, payload []byte) error {
	if _, ok := m.Chat.kind(); !ok {
		return nil
	}
	if s.spool == nil {
		s.log.Warn().Int64("chat_id", m.Chat.ID).Int64("update_id", updateID).Msg("Update consumed without a spool")
		return nil
	}
	if err := s.spool.Stash(s.credential, m.Chat.ID, updateID, payload); err != nil {
		return fmt.Errorf("botapi: spool update %d: %w", updateID, err)
	}
	return nil
}

// inWindow keeps undated messages so the run can count them as malformed.
func inWindow(m *apiMessage, window remote.Window) bool {
	return m.Date == 0 || window.Contains(time.Unix(m.Date, 0).UTC())
}

// FetchReactions returns an empty summary. The Bot API has no per-message
// reaction lookup.
func (s *session) FetchReactions(ctx context.Context, group remote.GroupEntity, msg remote.RawMessage) (*remote.RawReactionSummary, error) {
	return &remote.RawReactionSummary{}, nil
}

func (s *session) DownloadAttachment(ctx context.Context, media remote.RawMedia, w io.Writer) (int64, error) {
	var file apiFilePath
	if err := s.request(ctx, "get_file", "getFile", tgbotapi.Params{"file_id": media.FileID}, &file); err != nil {
		return 0, err
	}
	if file.FilePath == "" {
		return 0, fmt.Errorf("botapi: get_file: %w: no path for %s", remote.ErrNotFound, media.FileID)
	}

	url := fmt.Sprintf(s.fileEndpoint, s.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("botapi: download: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &remote.TransportError{Op: "download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, mapFileStatus(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, &remote.TransportError{Op: "download", Err: err}
	}
	return n, nil
}

func (s *session) Disconnect(ctx context.Context) error {
	return nil
}
