package ingress

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentplane/control/internal/store"
)

const maxLogPageSize = 500

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.Store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) createSession(c *gin.Context) {
	var body struct {
		ChannelType string `json:"channel_type"`
		Title       string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.Store.CreateSession(c.Request.Context(), uuid.NewString(), body.ChannelType, body.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.Store.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) updateSession(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Store.UpdateSessionTitle(c.Request.Context(), c.Param("id"), body.Title)
	if errors.Is(err, store.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// deleteSession cascades to the session's tasks and logs via the schema's
// ON DELETE CASCADE (spec §8 property #8).
func (s *Server) deleteSession(c *gin.Context) {
	err := s.Store.DeleteSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// sessionMessages projects a session's tasks into a flat user/assistant
// message list (spec §6.4 "proxied"): each task contributes the inbound
// message and, once available, its accumulated result.
func (s *Server) sessionMessages(c *gin.Context) {
	tasks, err := s.Store.ListTasksBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	messages := make([]gin.H, 0, len(tasks)*2)
	for _, t := range tasks {
		messages = append(messages, gin.H{"role": "user", "content": t.Message, "task_id": t.ID, "created_at": t.CreatedAt})
		if t.Result != "" {
			messages = append(messages, gin.H{"role": "assistant", "content": t.Result, "task_id": t.ID, "created_at": t.FinishedAt})
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.Store.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// getTaskLogs implements GET /api/tasks/{id}/logs?after=&limit= (spec
// §4.6, §6.4). "after" defaults to 0, which is equivalent to omitting it:
// seq is zero-based, and the Store's seq comparison is exclusive, so both
// an absent "after" and an explicit "after=0" must map to the -1 sentinel
// to include the seq=0 entry. Any other non-negative value is used as-is.
func (s *Server) getTaskLogs(c *gin.Context) {
	after := int64(-1)
	if raw, present := c.GetQuery("after"); present {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
			return
		}
		if v > 0 {
			after = v
		}
	}

	limit := maxLogPageSize
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if v < limit {
			limit = v
		}
	}

	logs, err := s.Store.ReadLogs(c.Request.Context(), c.Param("id"), after, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read logs"})
		return
	}
	hasMore := len(logs) > limit
	if hasMore {
		logs = logs[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "hasMore": hasMore})
}

// cancelTask implements POST /api/tasks/{id}/cancel (spec §4.7): best
// effort worker cancel, then a sticky transactional status transition to
// canceled. Terminal tasks return 409.
func (s *Server) cancelTask(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	task, err := s.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch task"})
		return
	}
	if task.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "task already terminal"})
		return
	}

	if task.Status == store.TaskRunning || task.Status == store.TaskInputRequired {
		if ep, err := s.Driver.Acquire(ctx, task.SessionID); err == nil {
			_ = s.Worker.Cancel(ctx, ep, task.SessionID)
		}
	}

	if _, err := s.Store.CancelTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrTerminalTask) {
			c.JSON(http.StatusConflict, gin.H{"error": "task already terminal"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getWorkspaceFile(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	ctx, cancel := contextWithTimeout(c, workspaceProxyTimeout)
	defer cancel()

	ep, err := s.Driver.Acquire(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker unavailable"})
		return
	}
	content, err := s.Worker.WorkspaceGet(ctx, ep, c.Param("file"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": c.Param("file"), "content": content})
}

func (s *Server) putWorkspaceFile(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := contextWithTimeout(c, workspaceProxyTimeout)
	defer cancel()

	ep, err := s.Driver.Acquire(ctx, sessionID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker unavailable"})
		return
	}
	if err := s.Worker.WorkspacePut(ctx, ep, c.Param("file"), body.Content); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
