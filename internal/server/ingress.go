package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/wingmanux/wingman/internal/tunnel"
)

// tunnelHost diverts requests whose Host is a tunnel subdomain before any
// control route sees them. The leftmost label is the sole routing authority;
// hosts that fail the identifier grammar or hit the reserved set fall
// through to the control API.
func (s *Server) tunnelHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		label, ok := s.directory.TunnelLabel(r.Host)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		s.serveTunnel(w, r, label)
	})
}

func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request, label string) {
	sess, ok := s.directory.Lookup(label)
	if !ok {
		writeError(w, http.StatusNotFound, errTunnelNotFound)
		return
	}

	if s.cfg.LocalFastPath {
		s.proxyLocal(w, r, sess)
		return
	}

	if isUpgrade(r) {
		writeError(w, http.StatusNotImplemented, errUpgradeNotSupported)
		return
	}

	link, ok := s.registry.Get(sess.ID)
	if !ok {
		writeError(w, http.StatusBadGateway, errDeveloperNotConnected)
		return
	}

	body, err := readCappedBody(w, r, s.cfg.MaxRequestBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errRequestTooLarge)
		return
	}

	s.directory.Touch(sess.ID)

	resp, err := s.broker.Issue(r.Context(), sess.ID, link, tunnel.CapturedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		URL:     r.URL.RequestURI(),
		Query:   r.URL.RawQuery,
		Headers: flattenHeader(r.Header),
		Body:    body,
	})
	if err != nil {
		if errors.Is(err, tunnel.ErrClientGone) {
			// Nobody is listening for a response.
			s.log.Debug().Str("session", sess.ID).Str("path", r.URL.Path).Msg("public caller gone")
			return
		}
		status, kind := brokerErrorStatus(err)
		writeError(w, status, kind)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// proxyLocal short-circuits the tunnel when the target runs next to the
// relay: the request is reverse-proxied to the loopback port with the Host
// rewritten. Upgrade handshakes ride the proxy untouched, so websockets work
// in this mode.
func (s *Server) proxyLocal(w http.ResponseWriter, r *http.Request, sess tunnel.Session) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", sess.TargetPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Warn().Err(err).Str("session", sess.ID).Int("target_port", sess.TargetPort).Msg("local fast-path failed")
		writeError(w, http.StatusBadGateway, errUpstreamFailed)
	}

	s.directory.Touch(sess.ID)
	proxy.ServeHTTP(w, r)
}

// readCappedBody buffers the request body up to limit bytes. A body of
// exactly limit is accepted; one byte more fails, and the caller rejects the
// request instead of forwarding it truncated.
func readCappedBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
