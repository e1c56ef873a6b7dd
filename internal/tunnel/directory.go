package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wingmanux/wingman/internal/names"
)

// Status is the lifecycle state of a session. Transitions are monotonic
// toward the terminal states: pending→active→(expired|closed), with the one
// sanctioned reversal active→pending when the tunnel link is lost (the
// session is retained until hard expiry so the developer can reconnect).
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// createAttempts bounds identifier sampling retries before Create gives up.
const createAttempts = 8

// maxSweepInterval caps how rarely the expiry sweeper may run.
const maxSweepInterval = 60 * time.Second

var (
	// ErrExhausted is returned when identifier sampling keeps colliding.
	ErrExhausted = errors.New("tunnel: identifier space exhausted")
	// ErrCapacity is returned when the directory is at its session cap.
	ErrCapacity = errors.New("tunnel: directory at capacity")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("tunnel: session not found")
	// ErrSessionTerminal is returned for state updates on a session that is
	// already closed or expired.
	ErrSessionTerminal = errors.New("tunnel: session closed or expired")
)

// Session is one developer's tunnel. Directory methods return copies; other
// components hold the identifier and look the session up again rather than
// retaining references.
type Session struct {
	ID           string    `json:"sessionId"`
	TargetPort   int       `json:"targetPort"`
	Status       Status    `json:"status"`
	EnableP2P    bool      `json:"enableP2P"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	PublicURL    string    `json:"tunnelUrl"`
}

// ConnectionMode reports how the session was requested to connect. The P2P
// flag is advisory; the relay always serves over the control channel.
func (s Session) ConnectionMode() string {
	if s.EnableP2P {
		return "p2p"
	}
	return "relay"
}

func (s Session) terminal() bool {
	return s.Status == StatusClosed || s.Status == StatusExpired
}

// SessionHooks receives session lifecycle events so the broker and the link
// registry can release per-session resources without the directory holding
// references to them. Hooks fire outside the directory lock.
type SessionHooks interface {
	// OnSessionDown is called once when a session transitions to closed or
	// expired. status is the terminal status reached.
	OnSessionDown(sessionID string, status Status)
}

// DirectoryConfig carries the naming and lifecycle policy for sessions.
type DirectoryConfig struct {
	// BaseDomain is the tunnel base domain, e.g. "wingmanux.com". Required.
	BaseDomain string
	// Scheme is "http" or "https" and drives public tunnel URLs.
	Scheme string
	// TTL is the hard session lifetime (default 24h).
	TTL time.Duration
	// SweepInterval is how often the expiry sweeper runs (default 60s,
	// never longer).
	SweepInterval time.Duration
	// ExpiryGrace is how long expired or closed entries linger before the
	// sweeper drops them (default 5m).
	ExpiryGrace time.Duration
	// Capacity caps live sessions (default 512).
	Capacity int
	// Reserved lists subdomain labels never treated as identifiers.
	// Defaults to names.DefaultReserved().
	Reserved []string
}

func (c DirectoryConfig) withDefaults() DirectoryConfig {
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 || c.SweepInterval > maxSweepInterval {
		c.SweepInterval = maxSweepInterval
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 5 * time.Minute
	}
	if c.Capacity <= 0 {
		c.Capacity = 512
	}
	if c.Reserved == nil {
		c.Reserved = names.DefaultReserved()
	}
	return c
}

// Directory is the sole owner of Session entries. It maps identifiers to
// sessions and is the single authority on subdomain label extraction, so the
// ingress router and the directory can never disagree on what routes.
type Directory struct {
	// Hooks receives session-down events. Assigned during wiring, before
	// the first Create; may stay nil in tests.
	Hooks SessionHooks

	cfg      DirectoryConfig
	log      zerolog.Logger
	reserved map[string]bool

	mu       sync.RWMutex
	sessions map[string]*Session
	// downAt records when a session went terminal, for grace accounting.
	downAt map[string]time.Time
}

// NewDirectory returns an empty directory with cfg normalised to defaults.
func NewDirectory(cfg DirectoryConfig, logger zerolog.Logger) *Directory {
	cfg = cfg.withDefaults()
	reserved := make(map[string]bool, len(cfg.Reserved))
	for _, label := range cfg.Reserved {
		reserved[strings.ToLower(label)] = true
	}
	return &Directory{
		cfg:      cfg,
		log:      logger,
		reserved: reserved,
		sessions: make(map[string]*Session),
		downAt:   make(map[string]time.Time),
	}
}

// Create allocates a fresh session in the pending state with the declared
// target port. Identifier sampling retries on collision up to a bounded
// number of attempts.
func (d *Directory) Create(targetPort int, enableP2P bool) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.liveLocked() >= d.cfg.Capacity {
		return Session{}, ErrCapacity
	}

	var id string
	for attempt := 0; attempt < createAttempts; attempt++ {
		candidate := names.Generate()
		if _, taken := d.sessions[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return Session{}, ErrExhausted
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           id,
		TargetPort:   targetPort,
		Status:       StatusPending,
		EnableP2P:    enableP2P,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(d.cfg.TTL),
		PublicURL:    fmt.Sprintf("%s://%s.%s", d.cfg.Scheme, id, d.cfg.BaseDomain),
	}
	d.sessions[id] = s

	d.log.Info().Str("session", id).Int("target_port", targetPort).Msg("session created")
	return *s, nil
}

// Lookup returns the session for id. Expired and closed sessions are absent
// even while their entries linger for grace accounting, and a session past
// its hard expiry is absent before the sweeper catches it.
func (d *Directory) Lookup(id string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.sessions[id]
	if !ok || s.terminal() || time.Now().UTC().After(s.ExpiresAt) {
		return Session{}, false
	}
	return *s, true
}

// TunnelLabel extracts the candidate session label from a public Host value.
// ok is false when the host is not a single label under the base domain,
// when the label fails the identifier grammar, or when it is reserved; such
// requests belong to the non-tunnel handler.
func (d *Directory) TunnelLabel(host string) (string, bool) {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	suffix := "." + d.cfg.BaseDomain
	if !strings.HasSuffix(hostname, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(hostname, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	if !names.Valid(label) || d.reserved[label] {
		return "", false
	}
	return label, true
}

// LookupBySubdomain resolves a public Host value to its session.
func (d *Directory) LookupBySubdomain(host string) (Session, bool) {
	label, ok := d.TunnelLabel(host)
	if !ok {
		return Session{}, false
	}
	return d.Lookup(label)
}

// MarkActive transitions a session to active after a successful attach.
func (d *Directory) MarkActive(id string) error {
	return d.setStatus(id, StatusActive)
}

// MarkPending reverts a session to pending after its link is lost. The
// session stays resolvable until hard expiry so the developer can reconnect.
func (d *Directory) MarkPending(id string) error {
	return d.setStatus(id, StatusPending)
}

func (d *Directory) setStatus(id string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.terminal() {
		return ErrSessionTerminal
	}
	s.Status = status
	s.LastActiveAt = time.Now().UTC()
	return nil
}

// Touch refreshes the session's last-activity timestamp.
func (d *Directory) Touch(id string) {
	d.mu.Lock()
	if s, ok := d.sessions[id]; ok && !s.terminal() {
		s.LastActiveAt = time.Now().UTC()
	}
	d.mu.Unlock()
}

// Close tears the session down. The entry lingers in the closed state for
// the grace window so late lookups read a consistent absence rather than a
// recycled identifier.
func (d *Directory) Close(id string) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	if !ok || s.terminal() {
		d.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Status = StatusClosed
	d.downAt[id] = time.Now().UTC()
	d.mu.Unlock()

	d.log.Info().Str("session", id).Msg("session closed")
	if d.Hooks != nil {
		d.Hooks.OnSessionDown(id, StatusClosed)
	}
	return nil
}

// CloseAll closes every live session and returns their identifiers.
func (d *Directory) CloseAll() []string {
	now := time.Now().UTC()
	var closed []string
	d.mu.Lock()
	for id, s := range d.sessions {
		if s.terminal() {
			continue
		}
		s.Status = StatusClosed
		d.downAt[id] = now
		closed = append(closed, id)
	}
	d.mu.Unlock()

	for _, id := range closed {
		d.log.Info().Str("session", id).Msg("session closed")
		if d.Hooks != nil {
			d.Hooks.OnSessionDown(id, StatusClosed)
		}
	}
	return closed
}

// List returns copies of all live sessions.
func (d *Directory) List() []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if s.terminal() {
			continue
		}
		out = append(out, *s)
	}
	return out
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.liveLocked()
}

func (d *Directory) liveLocked() int {
	n := 0
	for _, s := range d.sessions {
		if !s.terminal() {
			n++
		}
	}
	return n
}

// Run drives the expiry sweeper until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(time.Now().UTC())
		}
	}
}

// sweep moves past-expiry sessions to expired and drops terminal entries
// whose grace window has elapsed.
func (d *Directory) sweep(now time.Time) {
	var expired []string
	d.mu.Lock()
	for id, s := range d.sessions {
		if s.terminal() {
			if at, ok := d.downAt[id]; ok && now.Sub(at) >= d.cfg.ExpiryGrace {
				delete(d.sessions, id)
				delete(d.downAt, id)
			}
			continue
		}
		if now.After(s.ExpiresAt) {
			s.Status = StatusExpired
			d.downAt[id] = now
			expired = append(expired, id)
		}
	}
	d.mu.Unlock()

	for _, id := range expired {
		d.log.Info().Str("session", id).Msg("session expired")
		if d.Hooks != nil {
			d.Hooks.OnSessionDown(id, StatusExpired)
		}
	}
}
