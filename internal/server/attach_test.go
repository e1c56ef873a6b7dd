package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wingmanux/wingman/internal/config"
	"github.com/wingmanux/wingman/internal/tunnel"
)

func awaitStatus(t *testing.T, s *Server, id, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := s.directory.Lookup(id); ok && string(sess.Status) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", id, want)
}

func TestAttach_Handshake(t *testing.T) {
	s, srv := newTestServer(t, nil)
	id := createSession(t, srv, 3000)

	conn := dialAttach(t, srv)
	writeWireFrame(t, conn, &tunnel.Frame{
		Type:      tunnel.TypeRegister,
		SessionID: id,
		Role:      tunnel.RoleDeveloper,
	})

	reply := readWireFrame(t, conn)
	if reply.Type != tunnel.TypeRegistered {
		t.Fatalf("reply = %+v, want registered", reply)
	}
	if reply.SessionID != id {
		t.Errorf("registered sessionId = %q, want %q", reply.SessionID, id)
	}
	if want := "http://" + id + ".example.tld"; reply.TunnelURL != want {
		t.Errorf("registered tunnelUrl = %q, want %q", reply.TunnelURL, want)
	}
	awaitStatus(t, s, id, "active")

	// Dropping the connection reverts the session so the developer can come
	// back; it does not destroy it.
	conn.Close()
	awaitStatus(t, s, id, "pending")
}

func TestAttach_Rejects(t *testing.T) {
	_, srv := newTestServer(t, nil)
	id := createSession(t, srv, 3000)

	tests := []struct {
		name  string
		frame *tunnel.Frame
		raw   []byte
		code  string
	}{
		{
			name: "first frame not register",
			frame: &tunnel.Frame{
				Type: tunnel.TypePing,
			},
			code: "invalid-register",
		},
		{
			name: "unparseable frame",
			raw:  []byte("hello relay"),
			code: "invalid-register",
		},
		{
			name: "unrecognised role",
			frame: &tunnel.Frame{
				Type:      tunnel.TypeRegister,
				SessionID: id,
				Role:      "spectator",
			},
			code: "invalid-role",
		},
		{
			name: "unknown session",
			frame: &tunnel.Frame{
				Type:      tunnel.TypeRegister,
				SessionID: "drifting-winglet",
				Role:      tunnel.RoleDeveloper,
			},
			code: "session-not-found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialAttach(t, srv)
			if tt.frame != nil {
				writeWireFrame(t, conn, tt.frame)
			} else {
				if err := conn.WriteMessage(websocket.TextMessage, tt.raw); err != nil {
					t.Fatalf("writing raw frame: %v", err)
				}
			}

			reply := readWireFrame(t, conn)
			if reply.Type != tunnel.TypeError || reply.Code != tt.code {
				t.Errorf("reply = %+v, want error %q", reply, tt.code)
			}

			// The relay hangs up after rejecting.
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Error("connection still open after reject")
			}
		})
	}
}

func TestAttach_ReattachAfterDrop(t *testing.T) {
	s, srv := newTestServer(t, nil)
	id := createSession(t, srv, 3000)

	dev := attachDeveloper(t, srv, id)
	awaitStatus(t, s, id, "active")
	dev.conn.Close()
	awaitStatus(t, s, id, "pending")

	// Same session, fresh link.
	attachDeveloper(t, srv, id)
	awaitStatus(t, s, id, "active")
}

func TestAttach_RateLimited(t *testing.T) {
	_, srv := newTestServer(t, func(cfg *config.Config) { cfg.AttachRateLimit = 1 })

	// Burst allows a couple of immediate attempts; the next is refused
	// before the upgrade.
	url := "ws" + srv.URL[len("http"):] + "/tunnel/ws"
	var refused bool
	for i := 0; i < 5; i++ {
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("dial #%d error = %v, want ErrBadHandshake", i, err)
			}
			if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
				t.Fatalf("dial #%d refused with %v, want 429", i, resp)
			}
			resp.Body.Close()
			refused = true
			break
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		t.Cleanup(func() { conn.Close() })
	}
	if !refused {
		t.Error("no dial was rate limited")
	}
}
