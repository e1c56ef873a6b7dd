package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CreatedSession is the relay's answer to a session create call.
type CreatedSession struct {
	SessionID  string `json:"sessionId"`
	TunnelURL  string `json:"tunnelUrl"`
	TargetPort int    `json:"targetPort"`
}

// CreateSession asks the relay's control API for a fresh session.
func CreateSession(ctx context.Context, relayURL string, targetPort int) (CreatedSession, error) {
	payload, err := json.Marshal(map[string]any{"targetPort": targetPort})
	if err != nil {
		return CreatedSession{}, fmt.Errorf("agent: encode create request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(relayURL, "/")+"/tunnel/create", bytes.NewReader(payload))
	if err != nil {
		return CreatedSession{}, fmt.Errorf("agent: build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return CreatedSession{}, fmt.Errorf("agent: create session: %w", err)
	}
	defer res.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		CreatedSession
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return CreatedSession{}, fmt.Errorf("agent: decode create response: %w", err)
	}
	if res.StatusCode != http.StatusOK || !out.Success {
		if out.Error != "" {
			return CreatedSession{}, fmt.Errorf("agent: create session: relay said %q", out.Error)
		}
		return CreatedSession{}, fmt.Errorf("agent: create session: status %d", res.StatusCode)
	}
	return out.CreatedSession, nil
}
