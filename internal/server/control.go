package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wingmanux/wingman/internal/agent"
	"github.com/wingmanux/wingman/internal/tunnel"
)

type createRequest struct {
	TargetPort int  `json:"targetPort"`
	EnableP2P  bool `json:"enableP2P"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errMissingField)
		return
	}
	if req.TargetPort == 0 {
		writeError(w, http.StatusBadRequest, errMissingField)
		return
	}
	if req.TargetPort < 1 || req.TargetPort > 65535 {
		writeError(w, http.StatusBadRequest, errInvalidPort)
		return
	}

	sess, err := s.directory.Create(req.TargetPort, req.EnableP2P)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errCapacityExhausted)
		return
	}
	s.metrics.SessionsActive.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"sessionId":  sess.ID,
		"tunnelUrl":  sess.PublicURL,
		"targetPort": sess.TargetPort,
		// Reported ready even though the developer has not attached yet;
		// the session is internally pending until the first register.
		"status": "active",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.directory.List()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	tunnels := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		tunnels = append(tunnels, map[string]any{
			"sessionId":      sess.ID,
			"tunnelUrl":      sess.PublicURL,
			"targetPort":     sess.TargetPort,
			"createdAt":      sess.CreatedAt,
			"connectionMode": sess.ConnectionMode(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  len(tunnels) > 0,
		"tunnels": tunnels,
	})
}

type stopRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	// An empty or absent body means stop everything.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.SessionID == "" {
		closed := s.directory.CloseAll()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": len(closed)})
		return
	}
	if err := s.directory.Close(req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": 1})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	detected := agent.Detect(r.Context(), agent.DefaultPorts, time.Second)

	resp := map[string]any{"detected": detected}
	if len(detected) > 0 {
		resp["suggested"] = detected[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

type shareRequest struct {
	SessionID   string `json:"sessionId"`
	Label       string `json:"label"`
	ExpiresIn   int    `json:"expiresIn"` // hours
	MaxAccesses int    `json:"maxAccesses"`
}

func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, errMissingField)
		return
	}
	sess, ok := s.directory.Lookup(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	token := s.tokens.Issue(sess.ID, tunnel.IssueOptions{
		Label:       req.Label,
		ExpiresIn:   time.Duration(req.ExpiresIn) * time.Hour,
		MaxAccesses: req.MaxAccesses,
	})

	resp := map[string]any{
		"success":    true,
		"sessionId":  sess.ID,
		"shareToken": token.Token,
		"shareUrl":   fmt.Sprintf("%s://%s/tunnel/share/%s", s.cfg.Scheme, s.cfg.BaseDomain, token.Token),
	}
	if !token.ExpiresAt.IsZero() {
		resp["expiresAt"] = token.ExpiresAt
	}
	if token.MaxAccesses > 0 {
		resp["maxAccesses"] = token.MaxAccesses
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShareResolve(w http.ResponseWriter, r *http.Request) {
	t, err := s.tokens.Resolve(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusNotFound, shareErrorKind(err))
		return
	}
	// Tokens are revoked when their session goes down, but a resolve can
	// race that teardown; the session lookup is the authority.
	sess, ok := s.directory.Lookup(t.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": t.SessionID,
		"tunnelUrl": sess.PublicURL,
		"label":     t.Label,
		"remaining": t.Remaining(),
	})
}

func (s *Server) handleShareRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.tokens.Revoke(chi.URLParam(r, "token")) {
		writeError(w, http.StatusNotFound, errShareNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.directory.Lookup(sessionID); !ok {
		writeError(w, http.StatusNotFound, errSessionNotFound)
		return
	}
	tokens := s.tokens.ListBySession(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"tokens":    tokens,
	})
}
