package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/wolfpack/internal/player"
)

// handleSSE streams session snapshots: one on connect, then one whenever the
// polled state changes.
func handleSSE(reg *player.Registry, poll time.Duration) gin.HandlerFunc {
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		last := snapshots(reg)
		writeSSE(c.Writer, "sessions", last)
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(poll)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				cur := snapshots(reg)
				if reflect.DeepEqual(cur, last) {
					continue
				}
				last = cur
				writeSSE(c.Writer, "sessions", cur)
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
