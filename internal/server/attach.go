package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingmanux/wingman/internal/tunnel"
)

// handshakeTimeout is the deadline for the upgrade, the register frame and
// the registered reply together.
const handshakeTimeout = 15 * time.Second

// handleAttach upgrades the developer's control connection and runs the
// registration handshake: a register frame must arrive within the handshake
// deadline, carry the developer role, and name a live session. On success
// any previous link for the session is superseded and the link pumps start;
// the handler blocks for the lifetime of the connection.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if !s.attachGate.Allow() {
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("attach upgrade failed")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}

	f, err := tunnel.ParseFrame(data, 64<<10)
	if err != nil || f.Type != tunnel.TypeRegister {
		s.rejectAttach(conn, "invalid-register", "first frame must be register")
		return
	}
	if f.Role != tunnel.RoleDeveloper {
		s.rejectAttach(conn, "invalid-role", "unrecognised role")
		return
	}
	sess, ok := s.directory.Lookup(f.SessionID)
	if !ok {
		s.rejectAttach(conn, errSessionNotFound, "unknown or expired session")
		return
	}

	link := tunnel.NewLink(tunnel.LinkParams{
		SessionID:  sess.ID,
		Conn:       conn,
		Dispatcher: s.broker,
		Registry:   s.registry,
		Directory:  s.directory,
		Metrics:    s.metrics,
		Config:     s.linkConfig(),
		Logger:     s.log,
	})

	// The supersede happens before the old link closes, so there is no
	// window where the session has no registered link.
	if prev := s.registry.Attach(link); prev != nil {
		s.log.Info().Str("session", sess.ID).Str("old_link", prev.ID).Str("new_link", link.ID).Msg("link superseded")
		prev.Close(tunnel.CloseReplaced)
	}
	if err := s.directory.MarkActive(sess.ID); err != nil {
		// The session went terminal between lookup and attach.
		link.Close(tunnel.CloseSession)
		return
	}

	// Written directly: the pumps have not started, so the handler still
	// owns the conn, and registered is guaranteed to be the first frame.
	reply := &tunnel.Frame{
		Type:      tunnel.TypeRegistered,
		SessionID: sess.ID,
		TunnelURL: sess.PublicURL,
	}
	out, err := reply.Encode()
	if err != nil {
		link.Close(tunnel.CloseGone)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		link.Close(tunnel.CloseGone)
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	s.log.Info().Str("session", sess.ID).Str("link", link.ID).Msg("developer attached")
	link.Run()
}

func (s *Server) rejectAttach(conn *websocket.Conn, code, message string) {
	f := &tunnel.Frame{Type: tunnel.TypeError, Code: code, Message: message}
	if data, err := f.Encode(); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.Close()
}
