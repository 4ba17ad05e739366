package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/agentplane/control/internal/channels"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/store"
)

const wsWriteTimeout = 5 * time.Second

// wsSubscriber adapts a duplex websocket connection to dispatcher.Subscriber.
// Writes are serialized under mu since the Dispatcher and the title
// generator goroutine may both send frames to the same connection.
type wsSubscriber struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *wsSubscriber) Closed() bool { return s.closed.Load() }

func (s *wsSubscriber) Send(f dispatcher.OutboundFrame) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, f); err != nil {
		s.closed.Store(true)
	}
}

// handleDuplex serves the interactive websocket protocol (spec §4.6,
// §6.2): mint-or-reuse a session, translate + merge defaults + create a
// task, then run the Dispatcher with this connection as the live
// subscriber. One connection processes one chat turn at a time; the next
// inbound frame is read only after the previous turn's Dispatcher.Run
// returns.
func (s *Server) handleDuplex(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ch, ok := s.Registry.Lookup("duplex")
	if !ok {
		s.logger().Error("duplex channel not registered")
		return
	}

	ctx := r.Context()
	sub := &wsSubscriber{conn: conn}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			sub.Send(dispatcher.OutboundFrame{Type: "error", Content: "malformed frame"})
			continue
		}
		if probe.Type == "ping" {
			sub.Send(dispatcher.OutboundFrame{Type: "pong"})
			continue
		}

		req, err := ch.Translate(r, raw)
		if err != nil {
			sub.Send(dispatcher.OutboundFrame{Type: "error", Content: err.Error()})
			continue
		}
		if req == nil {
			continue
		}

		if req.SessionID == "" {
			sess, err := s.Store.CreateSession(ctx, uuid.NewString(), "duplex", "")
			if err != nil {
				sub.Send(dispatcher.OutboundFrame{Type: "error", Content: "failed to create session"})
				continue
			}
			req.SessionID = sess.ID
			sub.Send(dispatcher.OutboundFrame{Type: "session_created", SessionID: sess.ID})
			s.generateTitleAsync(sess.ID, req.Message, sub)
		}

		defaultSkills, defaultBridges := ch.Defaults()
		mergedReq := *req
		channels.MergeDefaults(defaultSkills, defaultBridges, &mergedReq)

		task := &store.Task{
			SessionID:     mergedReq.SessionID,
			ChannelType:   "duplex",
			ChannelMeta:   mergedReq.ChannelMeta,
			Message:       mergedReq.Message,
			Skills:        mergedReq.Skills,
			BridgeConfigs: mergedReq.BridgeConfigs,
			Push:          mergedReq.Push,
		}
		task, err = s.Store.CreateTask(ctx, task)
		if err != nil {
			sub.Send(dispatcher.OutboundFrame{Type: "error", Content: "failed to create task"})
			continue
		}

		if err := s.Dispatcher.Run(ctx, task, ch, sub); err != nil {
			s.logger().Warn("dispatcher run failed", "task_id", task.ID, "error", err)
		}
		if err := s.Store.TouchSession(ctx, mergedReq.SessionID); err != nil {
			s.logger().Warn("failed to touch session", "session_id", mergedReq.SessionID, "error", err)
		}
	}
}

// generateTitleAsync fires the title-generator collaborator, if
// configured, without blocking the duplex read loop (spec §4.6 "kick off
// the title generator (fire-and-forget, emits session_title on success)").
func (s *Server) generateTitleAsync(sessionID, message string, sub *wsSubscriber) {
	if s.TitleGen == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		title, err := s.TitleGen.Generate(ctx, sessionID, message)
		if err != nil {
			s.logger().Warn("title generation failed", "session_id", sessionID, "error", err)
			return
		}
		if err := s.Store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
			s.logger().Warn("failed to persist generated title", "session_id", sessionID, "error", err)
			return
		}
		sub.Send(dispatcher.OutboundFrame{Type: "session_title", Content: title, SessionID: sessionID})
	}()
}
