package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentbus/internal/telegraph"
)

// sseBuffer is the per-client event buffer; a client that falls further
// behind misses events.
const sseBuffer = 64

// handleSSE streams hub events to the client until it disconnects.
func handleSSE(hub *telegraph.Hub, heartbeat time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		events, cancel := hub.Subscribe(sseBuffer)
		defer cancel()

		writeSSE(c.Writer, telegraph.KindConnected, map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeSSE(c.Writer, telegraph.KindHeartbeat, map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case e, ok := <-events:
				if !ok {
					return
				}
				writeSSE(c.Writer, e.Kind, e)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
