package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wingmanux/wingman/internal/tunnel"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse %s: %v", srv.URL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %s: %v", srv.URL, err)
	}
	return port
}

// startRelay runs a bare websocket endpoint at /tunnel/ws and hands every
// accepted connection over the returned channel, so tests can play the
// relay side of the protocol by hand.
func startRelay(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tunnel/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

// relayEnd drives the relay side of one link to the agent under test.
type relayEnd struct {
	t    *testing.T
	conn *websocket.Conn
}

func acceptConn(t *testing.T, conns <-chan *websocket.Conn) *relayEnd {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return &relayEnd{t: t, conn: conn}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not dial the relay")
		return nil
	}
}

// acceptAgent waits for the agent's dial, checks its register frame, and
// completes the handshake.
func acceptAgent(t *testing.T, conns <-chan *websocket.Conn, sessionID string) *relayEnd {
	t.Helper()
	r := acceptConn(t, conns)

	reg := r.readText()
	if reg.Type != tunnel.TypeRegister {
		t.Fatalf("first frame type = %q, want %q", reg.Type, tunnel.TypeRegister)
	}
	if reg.SessionID != sessionID {
		t.Fatalf("register sessionId = %q, want %q", reg.SessionID, sessionID)
	}
	if reg.Role != tunnel.RoleDeveloper {
		t.Fatalf("register role = %q, want %q", reg.Role, tunnel.RoleDeveloper)
	}
	r.write(&tunnel.Frame{
		Type:      tunnel.TypeRegistered,
		SessionID: sessionID,
		TunnelURL: "http://" + sessionID + ".example.tld",
	})
	return r
}

func (r *relayEnd) write(f *tunnel.Frame) {
	r.t.Helper()
	data, err := f.Encode()
	if err != nil {
		r.t.Fatalf("encode %s frame: %v", f.Type, err)
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.t.Fatalf("write %s frame: %v", f.Type, err)
	}
}

func (r *relayEnd) writeBinary(body []byte) {
	r.t.Helper()
	_ = r.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := r.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		r.t.Fatalf("write binary frame: %v", err)
	}
}

func (r *relayEnd) readText() *tunnel.Frame {
	r.t.Helper()
	_ = r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := r.conn.ReadMessage()
	if err != nil {
		r.t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.TextMessage {
		r.t.Fatalf("frame kind = %d, want text", kind)
	}
	f, err := tunnel.ParseFrame(data, 0)
	if err != nil {
		r.t.Fatalf("parse frame: %v", err)
	}
	return f
}

// readResponse reads a response meta frame and, when one is announced, its
// binary body.
func (r *relayEnd) readResponse() (*tunnel.Frame, []byte) {
	r.t.Helper()
	meta := r.readText()
	if meta.Type != tunnel.TypeResponse {
		r.t.Fatalf("frame type = %q, want %q", meta.Type, tunnel.TypeResponse)
	}
	if meta.BodyLength == 0 {
		return meta, nil
	}
	_ = r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := r.conn.ReadMessage()
	if err != nil {
		r.t.Fatalf("read body frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		r.t.Fatalf("body frame kind = %d, want binary", kind)
	}
	if len(data) != meta.BodyLength {
		r.t.Fatalf("body is %d bytes, meta announced %d", len(data), meta.BodyLength)
	}
	return meta, data
}

// startAgent runs an agent until the test ends.
func startAgent(t *testing.T, cfg Config) {
	t.Helper()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	cfg.Logger = zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cfg).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop on cancel")
		}
	})
}

type localCall struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

// startBackend runs a local HTTP server standing in for the developer's
// app and records every request it serves.
func startBackend(t *testing.T, status int, respBody string) (int, <-chan localCall) {
	t.Helper()
	calls := make(chan localCall, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls <- localCall{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   body,
		}
		w.Header().Set("X-Backend", "local")
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return serverPort(t, srv), calls
}

func TestAttachURL(t *testing.T) {
	tests := []struct {
		relay string
		want  string
	}{
		{"http://relay.example.tld:8787", "ws://relay.example.tld:8787/tunnel/ws"},
		{"https://relay.example.tld", "wss://relay.example.tld/tunnel/ws"},
		{"ws://relay.example.tld", "ws://relay.example.tld/tunnel/ws"},
		{"wss://relay.example.tld:443", "wss://relay.example.tld:443/tunnel/ws"},
		{"http://relay.example.tld/dashboard", "ws://relay.example.tld/tunnel/ws"},
		{"http://relay.example.tld/?token=abc", "ws://relay.example.tld/tunnel/ws"},
	}
	for _, tt := range tests {
		got, err := attachURL(tt.relay)
		if err != nil {
			t.Fatalf("attachURL(%q): %v", tt.relay, err)
		}
		if got != tt.want {
			t.Errorf("attachURL(%q) = %q, want %q", tt.relay, got, tt.want)
		}
	}
}

func TestAttachURL_RejectsUnknownScheme(t *testing.T) {
	if _, err := attachURL("ftp://relay.example.tld"); err == nil {
		t.Fatal("attachURL accepted an ftp URL")
	}
}

func TestDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	live := serverPort(t, srv)

	// Port 1 is reserved; nothing listens there in a test environment.
	got := Detect(context.Background(), []int{1, live}, 500*time.Millisecond)
	if len(got) != 1 || got[0] != live {
		t.Fatalf("Detect = %v, want [%d]", got, live)
	}
}

func TestDetect_PreservesPortOrder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	first := httptest.NewServer(handler)
	t.Cleanup(first.Close)
	second := httptest.NewServer(handler)
	t.Cleanup(second.Close)

	ports := []int{serverPort(t, second), 1, serverPort(t, first)}
	got := Detect(context.Background(), ports, 500*time.Millisecond)
	want := []int{ports[0], ports[2]}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Detect = %v, want %v", got, want)
	}
}

func TestDetect_AnyResponseCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A dev server answering with a redirect is still a dev server.
		http.Redirect(w, r, "http://127.0.0.1:9/", http.StatusFound)
	}))
	t.Cleanup(srv.Close)
	live := serverPort(t, srv)

	got := Detect(context.Background(), []int{live}, 500*time.Millisecond)
	if len(got) != 1 || got[0] != live {
		t.Fatalf("Detect = %v, want [%d]", got, live)
	}
}

func TestAgent_ForwardsInlineRequest(t *testing.T) {
	relay, conns := startRelay(t)
	port, calls := startBackend(t, http.StatusOK, "local says hi")
	startAgent(t, Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: port})
	r := acceptAgent(t, conns, "gliding-runway")

	r.write(&tunnel.Frame{
		Type:      tunnel.TypeRequest,
		SessionID: "gliding-runway",
		RequestID: 1,
		Request: &tunnel.RequestPayload{
			Method: http.MethodPost,
			Path:   "/api/echo",
			URL:    "/api/echo?mode=loud",
			Query:  "mode=loud",
			Headers: map[string]string{
				"X-Probe":      "42",
				"Content-Type": "text/plain",
				"Connection":   "close",
			},
			Body:         base64.StdEncoding.EncodeToString([]byte("ping")),
			BodyEncoding: tunnel.BodyEncodingBase64,
		},
	})

	meta, body := r.readResponse()
	if meta.RequestID != 1 {
		t.Errorf("response requestId = %d, want 1", meta.RequestID)
	}
	if meta.SessionID != "gliding-runway" {
		t.Errorf("response sessionId = %q, want gliding-runway", meta.SessionID)
	}
	if meta.StatusCode != http.StatusOK {
		t.Errorf("response status = %d, want %d", meta.StatusCode, http.StatusOK)
	}
	if got := meta.Headers["X-Backend"]; got != "local" {
		t.Errorf("X-Backend header = %q, want local", got)
	}
	if string(body) != "local says hi" {
		t.Errorf("response body = %q, want %q", body, "local says hi")
	}

	select {
	case call := <-calls:
		if call.method != http.MethodPost {
			t.Errorf("local method = %q, want POST", call.method)
		}
		if call.path != "/api/echo" {
			t.Errorf("local path = %q, want /api/echo", call.path)
		}
		if call.query != "mode=loud" {
			t.Errorf("local query = %q, want mode=loud", call.query)
		}
		if got := call.header.Get("X-Probe"); got != "42" {
			t.Errorf("X-Probe reached local server as %q, want 42", got)
		}
		if got := call.header.Get("Connection"); got != "" {
			t.Errorf("Connection header leaked to local server: %q", got)
		}
		if string(call.body) != "ping" {
			t.Errorf("local body = %q, want ping", call.body)
		}
	default:
		t.Fatal("local server saw no request")
	}
}

func TestAgent_ForwardsAnnouncedBody(t *testing.T) {
	relay, conns := startRelay(t)
	port, calls := startBackend(t, http.StatusCreated, "")
	startAgent(t, Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: port})
	r := acceptAgent(t, conns, "gliding-runway")

	payload := []byte("raw \x00\x01 bytes too big for inline")
	r.write(&tunnel.Frame{
		Type:      tunnel.TypeRequest,
		SessionID: "gliding-runway",
		RequestID: 7,
		Request: &tunnel.RequestPayload{
			Method:     http.MethodPut,
			Path:       "/upload",
			URL:        "/upload",
			BodyLength: len(payload),
		},
	})
	r.writeBinary(payload)

	meta, body := r.readResponse()
	if meta.RequestID != 7 {
		t.Errorf("response requestId = %d, want 7", meta.RequestID)
	}
	if meta.StatusCode != http.StatusCreated {
		t.Errorf("response status = %d, want %d", meta.StatusCode, http.StatusCreated)
	}
	if body != nil {
		t.Errorf("response body = %q, want none", body)
	}

	select {
	case call := <-calls:
		if !bytes.Equal(call.body, payload) {
			t.Errorf("local body = %q, want %q", call.body, payload)
		}
	default:
		t.Fatal("local server saw no request")
	}
}

func TestAgent_AnswersPing(t *testing.T) {
	relay, conns := startRelay(t)
	startAgent(t, Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: 1})
	r := acceptAgent(t, conns, "gliding-runway")

	r.write(&tunnel.Frame{Type: tunnel.TypePing, SessionID: "gliding-runway"})
	f := r.readText()
	if f.Type != tunnel.TypePong {
		t.Fatalf("frame type = %q, want %q", f.Type, tunnel.TypePong)
	}
	if f.SessionID != "gliding-runway" {
		t.Errorf("pong sessionId = %q, want gliding-runway", f.SessionID)
	}
}

func TestAgent_SynthesizesBadGatewayWhenLocalDown(t *testing.T) {
	relay, conns := startRelay(t)
	startAgent(t, Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: 1})
	r := acceptAgent(t, conns, "gliding-runway")

	r.write(&tunnel.Frame{
		Type:      tunnel.TypeRequest,
		SessionID: "gliding-runway",
		RequestID: 3,
		Request:   &tunnel.RequestPayload{Method: http.MethodGet, Path: "/", URL: "/"},
	})

	meta, body := r.readResponse()
	if meta.StatusCode != http.StatusBadGateway {
		t.Errorf("response status = %d, want %d", meta.StatusCode, http.StatusBadGateway)
	}
	if got := meta.Headers["Content-Type"]; got != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if string(body) != "local server unreachable" {
		t.Errorf("response body = %q, want %q", body, "local server unreachable")
	}
}

func TestAgent_RejectsUndecodableInlineBody(t *testing.T) {
	relay, conns := startRelay(t)
	port, calls := startBackend(t, http.StatusOK, "never reached")
	startAgent(t, Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: port})
	r := acceptAgent(t, conns, "gliding-runway")

	r.write(&tunnel.Frame{
		Type:      tunnel.TypeRequest,
		SessionID: "gliding-runway",
		RequestID: 5,
		Request: &tunnel.RequestPayload{
			Method:       http.MethodPost,
			Path:         "/",
			URL:          "/",
			Body:         "%%% not base64 %%%",
			BodyEncoding: tunnel.BodyEncodingBase64,
		},
	})

	meta, body := r.readResponse()
	if meta.StatusCode != http.StatusBadGateway {
		t.Errorf("response status = %d, want %d", meta.StatusCode, http.StatusBadGateway)
	}
	if string(body) != "undecodable request body" {
		t.Errorf("response body = %q, want %q", body, "undecodable request body")
	}
	select {
	case call := <-calls:
		t.Fatalf("local server was called with %s %s", call.method, call.path)
	default:
	}
}

func TestAgent_ReconnectsAfterDrop(t *testing.T) {
	relay, conns := startRelay(t)
	startAgent(t, Config{RelayURL: relay.URL, SessionID: "banking-fuselage", TargetPort: 1})

	first := acceptAgent(t, conns, "banking-fuselage")
	first.conn.Close()

	// The agent retries after its initial one second backoff.
	second := acceptAgent(t, conns, "banking-fuselage")
	second.write(&tunnel.Frame{Type: tunnel.TypePing, SessionID: "banking-fuselage"})
	if f := second.readText(); f.Type != tunnel.TypePong {
		t.Fatalf("frame type after reattach = %q, want %q", f.Type, tunnel.TypePong)
	}
}

func TestAgent_StopsOnCancel(t *testing.T) {
	relay, conns := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent := New(Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: 1, Logger: zerolog.Nop()})
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	acceptAgent(t, conns, "gliding-runway")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgent_RegistrationRejected(t *testing.T) {
	relay, conns := startRelay(t)

	agent := New(Config{RelayURL: relay.URL, SessionID: "gliding-runway", TargetPort: 1, Logger: zerolog.Nop()})
	done := make(chan error, 1)
	go func() {
		_, err := agent.runOnce(context.Background())
		done <- err
	}()

	r := acceptConn(t, conns)
	if f := r.readText(); f.Type != tunnel.TypeRegister {
		t.Fatalf("first frame type = %q, want %q", f.Type, tunnel.TypeRegister)
	}
	r.write(&tunnel.Frame{Type: tunnel.TypeError, Message: "session-not-found", Code: "SESSION_NOT_FOUND"})

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "registration rejected") {
			t.Fatalf("runOnce error = %v, want registration rejection", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runOnce did not return after the error frame")
	}
}

func TestCreateSession(t *testing.T) {
	type createCall struct {
		path        string
		contentType string
		payload     map[string]any
	}
	calls := make(chan createCall, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := createCall{path: r.URL.Path, contentType: r.Header.Get("Content-Type")}
		_ = json.NewDecoder(r.Body).Decode(&call.payload)
		calls <- call
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success":true,"sessionId":"gliding-runway","tunnelUrl":"http://gliding-runway.example.tld","targetPort":3000}`)
	}))
	t.Cleanup(srv.Close)

	created, err := CreateSession(context.Background(), srv.URL+"/", 3000)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	call := <-calls
	if call.path != "/tunnel/create" {
		t.Errorf("create path = %q, want /tunnel/create", call.path)
	}
	if call.contentType != "application/json" {
		t.Errorf("create Content-Type = %q, want application/json", call.contentType)
	}
	if port, ok := call.payload["targetPort"].(float64); !ok || int(port) != 3000 {
		t.Errorf("create payload targetPort = %v, want 3000", call.payload["targetPort"])
	}

	if created.SessionID != "gliding-runway" {
		t.Errorf("SessionID = %q, want gliding-runway", created.SessionID)
	}
	if created.TunnelURL != "http://gliding-runway.example.tld" {
		t.Errorf("TunnelURL = %q, want http://gliding-runway.example.tld", created.TunnelURL)
	}
	if created.TargetPort != 3000 {
		t.Errorf("TargetPort = %d, want 3000", created.TargetPort)
	}
}

func TestCreateSession_RelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"success":false,"error":"capacity-exhausted"}`)
	}))
	t.Cleanup(srv.Close)

	_, err := CreateSession(context.Background(), srv.URL, 3000)
	if err == nil || !strings.Contains(err.Error(), "capacity-exhausted") {
		t.Fatalf("CreateSession error = %v, want the relay's reason", err)
	}
}

func TestCreateSession_BadStatusWithoutReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	_, err := CreateSession(context.Background(), srv.URL, 3000)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("CreateSession error = %v, want status report", err)
	}
}
