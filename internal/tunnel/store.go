package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TokenStore persists share tokens as one JSON file per token so they
// survive relay restarts. The relay is fully correct without it; a missing
// or unreadable entry only costs that token.
type TokenStore struct {
	dir string
}

// NewTokenStore creates the token directory under dataDir if needed.
func NewTokenStore(dataDir string) (*TokenStore, error) {
	dir := filepath.Join(dataDir, "tokens")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tunnel: create token dir: %w", err)
	}
	return &TokenStore{dir: dir}, nil
}

// Save writes one token record. The write goes through a temp file rename
// so a crash never leaves a half-written record behind.
func (st *TokenStore) Save(t ShareToken) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("tunnel: encode token: %w", err)
	}
	tmp := st.path(t.Token) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("tunnel: write token: %w", err)
	}
	if err := os.Rename(tmp, st.path(t.Token)); err != nil {
		return fmt.Errorf("tunnel: rename token: %w", err)
	}
	return nil
}

// Delete removes a persisted token. A token that was never persisted is not
// an error.
func (st *TokenStore) Delete(token string) error {
	if err := os.Remove(st.path(token)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tunnel: remove token: %w", err)
	}
	return nil
}

// Load reads every persisted token, removing expired and unreadable entries
// as it goes.
func (st *TokenStore) Load() ([]ShareToken, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("tunnel: read token dir: %w", err)
	}
	now := time.Now().UTC()
	var out []ShareToken
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(st.dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var t ShareToken
		if err := json.Unmarshal(data, &t); err != nil || t.Token == "" || t.SessionID == "" {
			_ = os.Remove(full)
			continue
		}
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			_ = os.Remove(full)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (st *TokenStore) path(token string) string {
	return filepath.Join(st.dir, token+".json")
}
