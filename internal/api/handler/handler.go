// Package handler exposes fetch runs, media state and the account throttle
// over HTTP and WebSocket.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/account"
	"grouparchive/backend/internal/fetch"
	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/remote"
	"grouparchive/backend/internal/runhub"
)

// Run is the API's view of one fetch run.
type Run interface {
	Snapshot() fetch.Snapshot
	Cancel()
	Done() <-chan struct{}
}

// Fetcher is the part of the orchestrator the API drives.
type Fetcher interface {
	StartFetch(ctx context.Context, req fetch.Request) (Run, error)
	Get(id string) (Run, bool)
	Runs() []fetch.Snapshot
}

// orchestratorFetcher adapts *fetch.Orchestrator to Fetcher.
type orchestratorFetcher struct {
	o *fetch.Orchestrator
}

// FromOrchestrator wraps o for use by the handler.
func FromOrchestrator(o *fetch.Orchestrator) Fetcher {
	return orchestratorFetcher{o: o}
}

func (f orchestratorFetcher) StartFetch(ctx context.Context, req fetch.Request) (Run, error) {
	h, err := f.o.StartFetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (f orchestratorFetcher) Get(id string) (Run, bool) {
	h, ok := f.o.Get(id)
	if !ok {
		return nil, false
	}
	return h, true
}

func (f orchestratorFetcher) Runs() []fetch.Snapshot { return f.o.Runs() }

// AccountThrottle evaluates and records account actions.
type AccountThrottle interface {
	CanPerformAccountAction(ctx context.Context, operator string) (account.Decision, error)
	RecordAccountAction(ctx context.Context, operator string, action models.AccountAction) (account.Decision, error)
}

// MediaOwedLister lists media messages that have no stored attachment yet.
type MediaOwedLister interface {
	ListMediaOwed(ctx context.Context, groupID int64) ([]models.Message, error)
}

// Handler holds the API's collaborators.
type Handler struct {
	Fetcher     Fetcher
	Accounts    AccountThrottle
	Media       MediaOwedLister
	Hub         *runhub.Hub
	Credentials map[string]remote.Credential
	Auth        Auth
	Log         zerolog.Logger
}

func NewHandler(f Fetcher, accounts AccountThrottle, media MediaOwedLister, hub *runhub.Hub,
	creds map[string]remote.Credential, auth Auth, log zerolog.Logger) *Handler {
	return &Handler{
		Fetcher:     f,
		Accounts:    accounts,
		Media:       media,
		Hub:         hub,
		Credentials: creds,
		Auth:        auth,
		Log:         log.With().Str("component", "api").Logger(),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.POST("/token", h.IssueToken)

	authed := api.Group("", h.RequireOperator())
	authed.POST("/fetch", h.StartFetch)
	authed.GET("/runs", h.ListRuns)
	authed.GET("/runs/:id", h.GetRun)
	authed.DELETE("/runs/:id", h.CancelRun)
	authed.GET("/groups/:id/media-owed", h.MediaOwed)
	authed.GET("/accounts/check", h.CheckAccount)
	authed.POST("/accounts/actions", h.RecordAccountAction)

	// Browsers cannot set headers on a WebSocket handshake, so the stream
	// authenticates with a token query parameter as well.
	api.GET("/runs/:id/ws", h.ServeRunEvents)
}

type fetchRequest struct {
	CredentialID string    `json:"credential_id" binding:"required"`
	GroupRef     string    `json:"group_ref" binding:"required"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	NewestFirst  bool      `json:"newest_first"`
	Resume       bool      `json:"resume"`
}

// StartFetch admits a run and returns its id.
func (h *Handler) StartFetch(c *gin.Context) {
	var body fetchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cred, ok := h.Credentials[body.CredentialID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown credential"})
		return
	}

	run, err := h.Fetcher.StartFetch(c.Request.Context(), fetch.Request{
		Credential: cred,
		GroupRef:   body.GroupRef,
		Window:     remote.Window{Start: body.Start, End: body.End, NewestFirst: body.NewestFirst},
		Resume:     body.Resume,
	})
	switch {
	case errors.Is(err, fetch.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, fetch.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.Log.Error().Err(err).Str("credential", cred.ID).Msg("Failed to start fetch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start fetch"})
		return
	}

	runID := run.Snapshot().ID
	h.Log.Info().Str("run_id", runID).Str("operator", operatorFrom(c)).
		Str("group_ref", body.GroupRef).Msg("Fetch started")
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (h *Handler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, h.Fetcher.Runs())
}

func (h *Handler) GetRun(c *gin.Context) {
	run, ok := h.Fetcher.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, run.Snapshot())
}

// CancelRun requests cancellation. The run settles asynchronously.
func (h *Handler) CancelRun(c *gin.Context) {
	run, ok := h.Fetcher.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	run.Cancel()
	c.JSON(http.StatusAccepted, run.Snapshot())
}

func (h *Handler) MediaOwed(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || groupID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group id"})
		return
	}
	msgs, err := h.Media.ListMediaOwed(c.Request.Context(), groupID)
	if err != nil {
		h.Log.Error().Err(err).Int64("group_id", groupID).Msg("Failed to list media owed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list media owed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "count": len(msgs), "messages": msgs})
}

func (h *Handler) CheckAccount(c *gin.Context) {
	d, err := h.Accounts.CanPerformAccountAction(c.Request.Context(), operatorFrom(c))
	if err != nil {
		h.Log.Error().Err(err).Msg("Failed to evaluate account actions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate account actions"})
		return
	}
	c.JSON(http.StatusOK, d)
}

type accountActionRequest struct {
	Action models.AccountAction `json:"action" binding:"required"`
}

// RecordAccountAction logs the action and answers 429 when it was denied.
func (h *Handler) RecordAccountAction(c *gin.Context) {
	var body accountActionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.Accounts.RecordAccountAction(c.Request.Context(), operatorFrom(c), body.Action)
	if errors.Is(err, account.ErrInvalidAction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("Failed to record account action")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record account action"})
		return
	}
	if !d.Allowed {
		c.JSON(http.StatusTooManyRequests, d)
		return
	}
	c.JSON(http.StatusOK, d)
}
