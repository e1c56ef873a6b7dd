// Package agent implements the developer-side peer of the relay: it
// attaches to the tunnel websocket, forwards tunneled requests to the local
// server, and streams responses back over the link.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wingmanux/wingman/internal/tunnel"
)

const (
	// dialTimeout bounds the websocket dial plus registration handshake.
	dialTimeout = 10 * time.Second
	// agentWriteWait bounds a single websocket write.
	agentWriteWait = 30 * time.Second
	// maxBackoff caps the reconnect delay.
	maxBackoff = 30 * time.Second
)

// Config carries everything the agent needs to serve one session.
type Config struct {
	// RelayURL is the relay base URL, e.g. "http://relay.example.tld:8787".
	RelayURL string
	// SessionID is the session to register as.
	SessionID string
	// TargetPort is the local port requests are forwarded to.
	TargetPort int
	// RequestTimeout is the local call deadline. It defaults to 25s, under
	// the relay's overall deadline, so a synthesized 502 reaches the public
	// caller before the relay gives up with 504.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

type Agent struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client
}

func New(cfg Config) *Agent {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 25 * time.Second
	}
	return &Agent{
		cfg: cfg,
		log: cfg.Logger.With().Str("session", cfg.SessionID).Logger(),
		// Per-request deadlines come from forward's context.
		client: &http.Client{},
	}
}

// Run attaches to the relay and serves until ctx is cancelled, reconnecting
// with capped exponential backoff whenever the link drops.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		attached, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attached {
			backoff = time.Second
		}
		a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("link lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce dials, registers, and serves one link to completion. attached
// reports whether registration succeeded, so the caller can reset its
// backoff.
func (a *Agent) runOnce(ctx context.Context) (bool, error) {
	wsURL, err := attachURL(a.cfg.RelayURL)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("agent: dial relay (status %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("agent: dial relay: %w", err)
	}
	defer conn.Close()

	reg := &tunnel.Frame{
		Type:      tunnel.TypeRegister,
		SessionID: a.cfg.SessionID,
		Role:      tunnel.RoleDeveloper,
	}
	data, err := reg.Encode()
	if err != nil {
		return false, fmt.Errorf("agent: encode register: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false, fmt.Errorf("agent: send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, data, err = conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("agent: await registered: %w", err)
	}
	f, err := tunnel.ParseFrame(data, 0)
	if err != nil {
		return false, fmt.Errorf("agent: registration reply: %w", err)
	}
	switch f.Type {
	case tunnel.TypeRegistered:
	case tunnel.TypeError:
		return false, fmt.Errorf("agent: registration rejected: %s (%s)", f.Code, f.Message)
	default:
		return false, fmt.Errorf("agent: unexpected %s frame during registration", f.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	a.log.Info().Str("tunnel_url", f.TunnelURL).Int("target_port", a.cfg.TargetPort).Msg("attached to relay")
	return true, a.serve(ctx, conn)
}

// serve pumps the link until it fails or ctx ends. Request handling runs on
// per-request goroutines; the wire serialises their writes.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	w := &wire{conn: conn}

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	// await holds request metadata whose binary body has not arrived yet.
	var await *tunnel.Frame

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: read: %w", err)
		}

		switch kind {
		case websocket.BinaryMessage:
			if await == nil {
				a.log.Warn().Int("bytes", len(data)).Msg("discarding unpaired body frame")
				continue
			}
			f := await
			await = nil
			go a.handleRequest(ctx, w, f, data)

		case websocket.TextMessage:
			f, err := tunnel.ParseFrame(data, 0)
			if err != nil {
				a.log.Warn().Err(err).Msg("discarding malformed frame from relay")
				continue
			}
			switch f.Type {
			case tunnel.TypePing:
				if err := w.writeFrame(&tunnel.Frame{Type: tunnel.TypePong, SessionID: a.cfg.SessionID}); err != nil {
					return fmt.Errorf("agent: pong: %w", err)
				}
			case tunnel.TypePong:
			case tunnel.TypeRequest:
				if f.Request.BodyLength > 0 {
					await = f
					continue
				}
				body, err := f.Request.DecodeBody()
				if err != nil {
					a.log.Warn().Err(err).Uint64("request", f.RequestID).Msg("inline body undecodable")
					go a.respond(w, f.RequestID, badGateway("undecodable request body"))
					continue
				}
				go a.handleRequest(ctx, w, f, body)
			case tunnel.TypeError:
				a.log.Warn().Str("code", f.Code).Str("message", f.Message).Msg("error frame from relay")
			default:
				a.log.Warn().Str("type", f.Type).Msg("unexpected frame from relay")
			}
		}
	}
}

func (a *Agent) handleRequest(ctx context.Context, w *wire, f *tunnel.Frame, body []byte) {
	a.respond(w, f.RequestID, a.forward(ctx, f.Request, body))
}

func (a *Agent) respond(w *wire, requestID uint64, resp localResponse) {
	meta := &tunnel.Frame{
		Type:       tunnel.TypeResponse,
		SessionID:  a.cfg.SessionID,
		RequestID:  requestID,
		StatusCode: resp.status,
		Headers:    resp.headers,
		BodyLength: len(resp.body),
	}
	if err := w.writeResponse(meta, resp.body); err != nil {
		a.log.Error().Err(err).Uint64("request", requestID).Msg("sending response failed")
	}
}

type localResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

// forward performs the local HTTP call. Every failure synthesizes a 502 so
// the public caller always receives an answer instead of a relay timeout.
func (a *Agent) forward(ctx context.Context, req *tunnel.RequestPayload, body []byte) localResponse {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	target := fmt.Sprintf("http://127.0.0.1:%d%s", a.cfg.TargetPort, req.Path)
	if req.Query != "" {
		target += "?" + req.Query
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		return badGateway("building local request failed")
	}
	for k, v := range req.Headers {
		switch textproto.CanonicalMIMEHeaderKey(k) {
		// Host must point at the local target; framing is ours to choose.
		case "Host", "Connection", "Upgrade", "Content-Length":
			continue
		}
		httpReq.Header.Set(k, v)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		a.log.Warn().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("local request failed")
		return badGateway("local server unreachable")
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return badGateway("reading local response failed")
	}

	headers := make(map[string]string, len(res.Header))
	for k, vals := range res.Header {
		headers[k] = strings.Join(vals, ", ")
	}
	return localResponse{status: res.StatusCode, headers: headers, body: respBody}
}

func badGateway(message string) localResponse {
	return localResponse{
		status:  http.StatusBadGateway,
		headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		body:    []byte(message),
	}
}

// wire serialises writes to the shared conn. Holding the mutex across both
// writes of a response keeps the metadata frame and its body adjacent, which
// the relay's body pairing depends on.
type wire struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wire) writeFrame(f *tunnel.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wire) writeResponse(meta *tunnel.Frame, body []byte) error {
	data, err := meta.Encode()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if len(body) > 0 {
		return w.conn.WriteMessage(websocket.BinaryMessage, body)
	}
	return nil
}

// attachURL derives the websocket attach endpoint from the relay base URL.
func attachURL(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("agent: parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("agent: unsupported relay scheme %q", u.Scheme)
	}
	u.Path = "/tunnel/ws"
	u.RawQuery = ""
	return u.String(), nil
}
