package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/realtime"
)

// mustJSON renders a data payload for an SSE frame; a marshal failure (not
// expected for the plain map[string]any payloads the engine emits) degrades
// to an empty object rather than breaking the stream.
func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// handleStream subscribes the requesting client to its session's SSE
// channel and streams newline-delimited "event: .../data: ..." frames until
// the client disconnects, matching the stateChanged/positionChanged notification vocabulary.
func handleStream(log *logger.Logger, hub *realtime.SSEHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		client := hub.NewSSEClient(uuid.New())
		hub.AddChannel(client, sessionID)
		defer hub.CloseClient(client)

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-client.Outbound:
				if !open {
					return
				}
				if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", msg.Event, mustJSON(msg.Data)); err != nil {
					log.Debug("sse: write failed, client gone", "session", sessionID, "error", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}
