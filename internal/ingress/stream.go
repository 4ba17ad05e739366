package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/control/internal/bus"
)

// taskStreamEvent is one SSE frame sent to a task-stream observer.
type taskStreamEvent struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	Content string `json:"content,omitempty"`
}

// handleTaskStream implements GET /api/tasks/:id/stream: any number of
// clients can observe a running task's log-appended events live, not just
// the duplex connection that started it (spec §4.5's live subscriber is a
// single weak reference bound to the run that created it; this endpoint
// lets a reconnecting or secondary observer watch the same task by
// subscribing to the bus instead of polling GET /logs).
func (s *Server) handleTaskStream(c *gin.Context) {
	taskID := c.Param("id")

	if s.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming not available: event bus not configured"})
		return
	}
	if _, err := s.Store.GetTask(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sub := s.Bus.Subscribe(bus.StreamPrefix + taskID)
	defer s.Bus.Unsubscribe(sub)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := event.Payload.(bus.TaskLogAppendedEvent)
			if !ok {
				continue
			}

			data, err := json.Marshal(taskStreamEvent{Type: payload.Type, Seq: payload.Seq, Content: payload.Content})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

			if payload.Type == "done" || payload.Type == "error" {
				return
			}
		}
	}
}
