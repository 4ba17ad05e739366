package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentplane/control/internal/channels"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/store"
)

// handleWebhook implements POST /api/channel/{type}/webhook (spec §4.6,
// §6.3): look up the channel by type, verify, translate, create the task,
// dispatch asynchronously and respond 202 without waiting for the task to
// finish.
func (s *Server) handleWebhook(c *gin.Context) {
	typ := c.Param("type")
	ch, ok := s.Registry.Lookup(typ)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !ch.Verify(c.Request, body) {
		s.logger().Warn("webhook verification failed",
			"channel", typ, "error", fmt.Errorf("%w: signature mismatch", dispatcher.ErrVerificationFailed))
		c.Status(http.StatusUnauthorized)
		return
	}

	req, err := ch.Translate(c.Request, body)
	if err != nil {
		err = fmt.Errorf("%w: %v", dispatcher.ErrBadRequest, err)
		s.logger().Warn("webhook translation failed", "channel", typ, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": true})
		return
	}

	ctx := c.Request.Context()
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if _, err := s.Store.GetSession(ctx, req.SessionID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
			return
		}
		if _, err := s.Store.CreateSession(ctx, req.SessionID, typ, ""); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
	}

	defaultSkills, defaultBridges := ch.Defaults()
	channels.MergeDefaults(defaultSkills, defaultBridges, req)

	task := &store.Task{
		SessionID:     req.SessionID,
		ChannelType:   typ,
		ChannelMeta:   req.ChannelMeta,
		Message:       req.Message,
		Skills:        req.Skills,
		BridgeConfigs: req.BridgeConfigs,
		Push:          req.Push,
	}
	task, err = s.Store.CreateTask(ctx, task)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	go func(t *store.Task) {
		bgCtx := context.Background()
		if err := s.Dispatcher.Run(bgCtx, t, ch, nil); err != nil {
			s.logger().Warn("async webhook dispatch failed", "task_id", t.ID, "channel", typ, "error", err)
		}
	}(task)

	c.JSON(http.StatusAccepted, gin.H{"taskId": task.ID})
}
