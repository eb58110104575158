package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okapilab/keeper/internal/agent"
	"github.com/okapilab/keeper/internal/orchestrator"
	"github.com/okapilab/keeper/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

// wsClient wraps one WebSocket connection with a buffered outbound queue so
// a slow reader never blocks the event forwarder.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// sendMessage queues a typed frame. Full queue drops the frame; the consumer
// recovers through the replay buffer on its next connection.
func (c *wsClient) sendMessage(msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		if c.logger != nil {
			c.logger.Warn("websocket send buffer full, dropping frame", "type", msgType)
		}
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings. Runs in its own goroutine; exits when stop closes or a
// write fails.
func (c *wsClient) writePump(stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// handleSessionWS streams one session over a WebSocket. On connect the
// unacknowledged outputs are replayed, then live events follow. The client
// sends input, acks, and permission responses on the same socket. Replay and
// live events can overlap at the boundary; clients deduplicate by seq.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.orch.Get(id); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	sub, err := s.orch.Subscribe(id)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		}
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		logger: s.logger,
	}

	stop := make(chan struct{})
	go client.writePump(stop)
	defer close(stop)

	pending, err := s.orch.Pending(id)
	if err == nil {
		for _, out := range pending {
			client.sendMessage(wsMsgOutput, outputPayload{
				Seq:       out.Seq,
				Content:   out.Content,
				Timestamp: out.Timestamp,
			})
		}
	}
	if info, err := s.orch.Get(id); err == nil && info.PendingPermission != nil {
		p := info.PendingPermission
		client.sendMessage(wsMsgPermissionRequest, permissionRequestPayload{
			RequestID:   p.RequestID,
			ToolName:    p.ToolName,
			Input:       p.Input,
			RequestedAt: p.RequestedAt,
		})
	}

	go s.forwardEvents(client, sub, stop)
	s.readLoop(client, id)
}

// forwardEvents translates session events into frames until stop closes.
func (s *Server) forwardEvents(client *wsClient, sub *orchestrator.Subscription, stop <-chan struct{}) {
	for {
		select {
		case ev := <-sub.Events():
			s.sendEvent(client, ev)
		case <-stop:
			return
		}
	}
}

func (s *Server) sendEvent(client *wsClient, ev session.Event) {
	switch e := ev.(type) {
	case session.OutputEvent:
		client.sendMessage(wsMsgOutput, outputPayload{
			Seq:       e.Seq,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	case session.PermissionRequestEvent:
		client.sendMessage(wsMsgPermissionRequest, permissionRequestPayload{
			RequestID:   e.Request.RequestID,
			ToolName:    e.Request.ToolName,
			Input:       e.Request.Input,
			RequestedAt: e.Request.RequestedAt,
		})
	case session.ExitedEvent:
		client.sendMessage(wsMsgExited, exitedPayload{Code: e.Code})
	case session.BranchChangedEvent:
		client.sendMessage(wsMsgBranchChanged, branchChangedPayload{Branch: e.Branch})
	case session.ErrorEvent:
		client.sendMessage(wsMsgError, errorPayload{Message: e.Err.Error()})
	}
}

// readLoop processes client frames until the socket closes.
func (s *Server) readLoop(client *wsClient, id string) {
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.sendMessage(wsMsgError, errorPayload{Message: "invalid frame: " + err.Error()})
			continue
		}

		if err := s.dispatch(id, msg); err != nil {
			client.sendMessage(wsMsgError, errorPayload{Message: err.Error()})
		}
	}
}

func (s *Server) dispatch(id string, msg wsMessage) error {
	switch msg.Type {
	case wsMsgInput:
		var p inputPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		return s.orch.SendInput(id, p.Content)

	case wsMsgAck:
		var p ackPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		return s.orch.Ack(id, p.Seq)

	case wsMsgPermissionResponse:
		var p permissionResponsePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		return s.orch.RespondPermission(id, p.RequestID, agent.Decision{
			Allow:        p.Allow,
			UpdatedInput: p.UpdatedInput,
			Remember:     p.Remember,
			Message:      p.Message,
		})

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}
