package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/status"
)

const (
	ssePollEvery      = 2 * time.Second
	sseHeartbeatEvery = 15 * time.Second
)

// events streams status snapshots over SSE. The stream polls the store
// and emits an event whenever the session revision changes, plus a
// periodic heartbeat; it ends when the session reaches a terminal status
// or the client disconnects.
func (h *handlers) events(c *gin.Context) {
	id := c.Param("id")

	snap, err := status.Project(h.store, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c, "status", snap)
	if models.IsTerminalStatus(snap.Status) {
		writeSSE(c, "done", gin.H{"status": snap.Status})
		c.Writer.Flush()
		return
	}
	c.Writer.Flush()

	lastRevision := snap.Revision
	ctx := c.Request.Context()

	poll := time.NewTicker(ssePollEvery)
	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer poll.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		case <-poll.C:
			snap, err := status.Project(h.store, id)
			if err != nil {
				writeSSE(c, "error", gin.H{"error": err.Error()})
				c.Writer.Flush()
				return
			}
			if snap.Revision == lastRevision {
				continue
			}
			lastRevision = snap.Revision
			writeSSE(c, "status", snap)
			c.Writer.Flush()

			if models.IsTerminalStatus(snap.Status) {
				writeSSE(c, "done", gin.H{"status": snap.Status})
				c.Writer.Flush()
				return
			}
		}
	}
}

func writeSSE(c *gin.Context, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload)
}
