package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"grouparchive/backend/internal/fetch"
	"grouparchive/backend/internal/runhub"
)

const finishGrace = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served to a local UI on a different port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeRunEvents streams a run's events over WebSocket until it finishes.
// A run that already finished gets its final snapshot and a close frame.
func (h *Handler) ServeRunEvents(c *gin.Context) {
	tokenString := bearerToken(c)
	if tokenString == "" {
		tokenString = c.Query("token")
	}
	if _, err := h.Auth.ParseToken(tokenString); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	run, ok := h.Fetcher.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	snap := run.Snapshot()
	sub := runhub.NewWebSocketSubscriber(snap.ID, conn, h.Hub, h.Log)
	sub.Send <- fetch.Event{RunID: snap.ID, Type: fetch.EventState, State: snap.State, Outcome: &snap.Outcome, At: snap.StartedAt}

	select {
	case <-run.Done():
		sub.Close()
	default:
		if !h.Hub.Register(sub) {
			break
		}
		// The finished event may have reached the hub before the
		// registration did. Unregistering twice is harmless.
		go func() {
			<-run.Done()
			time.Sleep(finishGrace)
			h.Hub.Unregister(sub)
		}()
	}
	sub.Run()
}
