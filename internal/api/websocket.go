package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"grimm.is/foreman/internal/broker"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/registry"
)

const writeWait = 10 * time.Second

// session is the server side of one WebSocket connection.
type session struct {
	conn *broker.Conn
	seen *protocol.SeenIDs

	// agent connections only; touched by the read goroutine alone
	agentID string
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, broker.KindAgent, "")
}

func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.UserID(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	s.serveWS(w, r, broker.KindDashboard, user)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, kind broker.Kind, user string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "kind", kind, "error", err)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	c := broker.NewConn(uuid.NewString(), kind, s.sendBuffer)
	c.Remote = getClientIP(r)
	c.SetUser(user)
	s.broker.Register(c)
	sess := &session{conn: c, seen: protocol.NewSeenIDs(s.seenIDs)}
	s.logger.Info("connection opened", "kind", kind, "conn", c.ID, "remote", c.Remote, "user", user)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ws, c)
	}()

	if kind == broker.KindDashboard {
		s.reply(sess, protocol.MsgDashboardConnected, &protocol.DashboardConnectedPayload{
			ConnectionID: c.ID,
			Agents:       s.registry.GetOnlineAgents(),
		})
	}

	s.readPump(ws, sess)

	if agentID := s.broker.Unregister(c.ID); agentID != "" {
		s.registry.RemoveConnection(agentID, registry.ReasonDisconnected)
	}
	wg.Wait()
	code, reason := c.CloseInfo()
	s.logger.Info("connection closed", "kind", kind, "conn", c.ID, "agent", sess.agentID, "code", code, "reason", reason)
}

// readPump reads frames until the socket fails. Any frame or pong extends
// the read deadline.
func (s *Server) readPump(ws *websocket.Conn, sess *session) {
	pongWait := 2 * s.pingInterval
	ws.SetReadLimit(int64(s.maxMessageSize))
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.metrics.MessagesRejected.WithLabelValues(protocol.CodeMessageTooLarge).Inc()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "conn", sess.conn.ID, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.ingest(sess, data)
		if sess.conn.Closed() {
			return
		}
	}
}

// writePump drains the connection's outbound buffer and keeps it alive with
// pings. When the connection is closed it flushes what is buffered, sends
// the close frame and closes the socket.
func (s *Server) writePump(ws *websocket.Conn, c *broker.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	write := func(frame []byte) bool {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("write failed", "conn", c.ID, "error", err)
			c.Close(websocket.CloseAbnormalClosure, "write failed")
			return false
		}
		return true
	}

	for {
		select {
		case frame := <-c.Outbound():
			if !write(frame) {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.Done():
			for drained := false; !drained; {
				select {
				case frame := <-c.Outbound():
					if !write(frame) {
						return
					}
				default:
					drained = true
				}
			}
			code, reason := c.CloseInfo()
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		}
	}
}

// ingest runs the ingress checks on one frame and routes it.
func (s *Server) ingest(sess *session, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		s.reject(sess, protocol.AsError(err))
		return
	}
	if err := protocol.ValidateEnvelope(m, s.clock.Now(), s.clockSkew); err != nil {
		s.reject(sess, protocol.AsError(err))
		return
	}
	if err := sess.seen.Check(m.ID); err != nil {
		s.reject(sess, protocol.AsError(err))
		return
	}

	var allowed bool
	if sess.conn.Kind == broker.KindAgent {
		allowed = protocol.IsAgentInbound(m.Type)
	} else {
		allowed = protocol.IsDashboardInbound(m.Type)
	}
	if !allowed {
		s.reject(sess, protocol.NewError(protocol.CodeUnknownType, "unknown message type "+string(m.Type), true))
		return
	}
	s.metrics.MessagesTotal.WithLabelValues("in", string(m.Type)).Inc()

	ctx := context.Background()
	if sess.conn.Kind == broker.KindAgent {
		err = s.handleAgentMessage(ctx, sess, m)
	} else {
		err = s.handleDashboardMessage(ctx, sess, m)
	}
	if err != nil {
		s.reject(sess, protocolError(err))
	}
}

// reject answers with an error message; unrecoverable errors also close
// the connection.
func (s *Server) reject(sess *session, perr *protocol.Error) {
	s.metrics.MessagesRejected.WithLabelValues(perr.Code).Inc()
	s.logger.Debug("message rejected", "conn", sess.conn.ID, "code", perr.Code, "error", perr.Message)
	s.reply(sess, protocol.MsgError, perr)
	if !perr.Recoverable {
		s.closeConn(sess.conn, perr.CloseCode(), perr.Message)
	}
}

// closeConn announces the close and performs it after the close delay.
func (s *Server) closeConn(c *broker.Conn, code int, reason string) {
	msg := protocol.MustNew(protocol.MsgConnectionClosing, &protocol.ConnectionClosingPayload{Reason: reason, Code: code})
	if err := s.broker.SendToConnection(c.ID, msg); err != nil {
		c.Close(code, reason)
		return
	}
	if s.closeDelay <= 0 {
		c.Close(code, reason)
		return
	}
	s.clock.AfterFunc(s.closeDelay, func() { c.Close(code, reason) })
}

// reply sends a message to the session's own connection.
func (s *Server) reply(sess *session, t protocol.MessageType, payload any) {
	msg, err := protocol.NewAt(t, payload, s.clock.Now())
	if err != nil {
		s.logger.Error("encode reply", "type", t, "error", err)
		return
	}
	if err := s.broker.SendToConnection(sess.conn.ID, msg); err != nil {
		s.logger.Debug("reply not delivered", "conn", sess.conn.ID, "type", t, "error", err)
	}
}

// sendAgent delivers a server-to-agent message.
func (s *Server) sendAgent(agentID string, t protocol.MessageType, payload any) error {
	msg, err := protocol.NewAt(t, payload, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.broker.SendToAgent(agentID, msg); err != nil {
		return protocol.NewError(protocol.CodeNotFound, err.Error(), true)
	}
	return nil
}
