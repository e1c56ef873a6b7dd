package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTokenNotFound means no live share token matches the given value.
	ErrTokenNotFound = errors.New("tunnel: share token not found")
	// ErrTokenExpired means the token exists but its expiry has passed.
	ErrTokenExpired = errors.New("tunnel: share token expired")
	// ErrTokenExhausted means the token's access allowance is used up.
	ErrTokenExhausted = errors.New("tunnel: share token exhausted")
)

// ShareToken is a random bearer credential resolving to one session under
// access controls. The value is 128 bits of cryptographic randomness as 32
// lowercase hex characters; nothing about the session is recoverable from
// its structure.
type ShareToken struct {
	Token        string    `json:"token"`
	SessionID    string    `json:"sessionId"`
	Label        string    `json:"label,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	MaxAccesses  int       `json:"maxAccesses,omitempty"`
	AccessCount  int       `json:"accessCount"`
	LastAccessAt time.Time `json:"lastAccessAt,omitzero"`
}

// Remaining returns the accesses left, or -1 when unlimited.
func (t ShareToken) Remaining() int {
	if t.MaxAccesses <= 0 {
		return -1
	}
	if n := t.MaxAccesses - t.AccessCount; n > 0 {
		return n
	}
	return 0
}

// IssueOptions constrains a new share token. Zero values mean no expiry and
// no access cap.
type IssueOptions struct {
	Label       string
	ExpiresIn   time.Duration
	MaxAccesses int
}

// TokenService issues and resolves share tokens. All mutations happen under
// one mutex, so a resolve's validity checks and its access-count increment
// are atomic: concurrent resolves of a token with one remaining access admit
// exactly one caller.
type TokenService struct {
	log   zerolog.Logger
	store *TokenStore

	mu        sync.Mutex
	byToken   map[string]*ShareToken
	bySession map[string]map[string]struct{}
}

// NewTokenService builds the service. store may be nil, in which case tokens
// live only in memory; with a store, previously persisted tokens are
// restored and expired ones pruned.
func NewTokenService(store *TokenStore, logger zerolog.Logger) *TokenService {
	s := &TokenService{
		log:       logger,
		store:     store,
		byToken:   make(map[string]*ShareToken),
		bySession: make(map[string]map[string]struct{}),
	}
	if store == nil {
		return s
	}
	tokens, err := store.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("loading persisted share tokens")
		return s
	}
	for i := range tokens {
		t := tokens[i]
		s.byToken[t.Token] = &t
		s.indexLocked(&t)
	}
	if len(tokens) > 0 {
		logger.Info().Int("count", len(tokens)).Msg("share tokens restored")
	}
	return s
}

// Issue mints a token for sessionID. The caller has already verified the
// session is live.
func (s *TokenService) Issue(sessionID string, opts IssueOptions) ShareToken {
	now := time.Now().UTC()
	t := &ShareToken{
		Token:       generateToken(),
		SessionID:   sessionID,
		Label:       opts.Label,
		CreatedAt:   now,
		MaxAccesses: opts.MaxAccesses,
	}
	if opts.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(opts.ExpiresIn)
	}

	s.mu.Lock()
	s.byToken[t.Token] = t
	s.indexLocked(t)
	snap := *t
	s.mu.Unlock()

	s.persist(snap)
	return snap
}

// Resolve validates token and consumes one access. The returned snapshot
// reflects the post-increment state.
func (s *TokenService) Resolve(token string) (ShareToken, error) {
	s.mu.Lock()
	t, ok := s.byToken[token]
	if !ok {
		s.mu.Unlock()
		return ShareToken{}, ErrTokenNotFound
	}
	now := time.Now().UTC()
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		s.mu.Unlock()
		return ShareToken{}, ErrTokenExpired
	}
	if t.MaxAccesses > 0 && t.AccessCount >= t.MaxAccesses {
		s.mu.Unlock()
		return ShareToken{}, ErrTokenExhausted
	}
	t.AccessCount++
	t.LastAccessAt = now
	snap := *t
	s.mu.Unlock()

	s.persist(snap)
	return snap, nil
}

// Revoke removes a token. It reports whether the token existed.
func (s *TokenService) Revoke(token string) bool {
	s.mu.Lock()
	t, ok := s.byToken[token]
	if ok {
		s.dropLocked(t)
	}
	s.mu.Unlock()

	if ok {
		s.unpersist(token)
	}
	return ok
}

// RevokeSession removes every token of a session, returning how many were
// dropped. Called when the session closes or expires.
func (s *TokenService) RevokeSession(sessionID string) int {
	s.mu.Lock()
	var dropped []string
	for token := range s.bySession[sessionID] {
		dropped = append(dropped, token)
		s.dropLocked(s.byToken[token])
	}
	s.mu.Unlock()

	for _, token := range dropped {
		s.unpersist(token)
	}
	return len(dropped)
}

// ListBySession returns snapshots of a session's tokens, oldest first.
func (s *TokenService) ListBySession(sessionID string) []ShareToken {
	s.mu.Lock()
	out := make([]ShareToken, 0, len(s.bySession[sessionID]))
	for token := range s.bySession[sessionID] {
		out = append(out, *s.byToken[token])
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *TokenService) indexLocked(t *ShareToken) {
	m := s.bySession[t.SessionID]
	if m == nil {
		m = make(map[string]struct{})
		s.bySession[t.SessionID] = m
	}
	m[t.Token] = struct{}{}
}

func (s *TokenService) dropLocked(t *ShareToken) {
	delete(s.byToken, t.Token)
	if m := s.bySession[t.SessionID]; m != nil {
		delete(m, t.Token)
		if len(m) == 0 {
			delete(s.bySession, t.SessionID)
		}
	}
}

// Persistence failures are logged, never surfaced: the store is a restart
// convenience and its absence does not affect correctness.
func (s *TokenService) persist(t ShareToken) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(t); err != nil {
		s.log.Warn().Err(err).Str("token", t.Token[:8]).Msg("persisting share token")
	}
}

func (s *TokenService) unpersist(token string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(token); err != nil {
		s.log.Warn().Err(err).Str("token", token[:8]).Msg("deleting persisted share token")
	}
}

// generateToken returns 128 bits of cryptographic randomness encoded as 32
// lowercase hex characters.
func generateToken() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		// rand.Reader should never fail on any supported OS. If it does,
		// the process cannot mint credentials safely.
		panic("tunnel: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}
