package tunnel

import (
	"context"
	"encoding/base64"
	"errors"
	"net/textproto"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wingmanux/wingman/internal/metrics"
)

var (
	// ErrGatewayTimeout means the developer produced no response metadata
	// within the overall deadline.
	ErrGatewayTimeout = errors.New("tunnel: gateway timeout")
	// ErrBodyTimeout means response metadata arrived but its announced
	// binary body did not within the body sub-deadline.
	ErrBodyTimeout = errors.New("tunnel: response body missing")
	// ErrClientGone means the public caller hung up before completion.
	ErrClientGone = errors.New("tunnel: public client gone")
	// ErrLinkGone means the link carrying the request dropped.
	ErrLinkGone = errors.New("tunnel: link gone")
	// ErrLinkReplaced means a reattach superseded the link carrying the
	// request.
	ErrLinkReplaced = errors.New("tunnel: link replaced")
	// ErrUpstreamFailed means the developer reported a failure reaching its
	// local server.
	ErrUpstreamFailed = errors.New("tunnel: upstream request failed")
)

// CapturedRequest is the public request snapshot forwarded to the
// developer. Body is fully buffered; the ingress layer caps its size before
// capture.
type CapturedRequest struct {
	Method  string
	Path    string
	URL     string
	Query   string
	Headers map[string]string
	Body    []byte
}

// Response is the developer's answer delivered back to the public caller.
// Headers are already stripped of hop-by-hop fields.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// FrameWriter is the broker's view of a link's write side.
type FrameWriter interface {
	// LinkID distinguishes link instances across reattaches of one session.
	LinkID() string
	// WriteRequest enqueues a request metadata frame and optional adjacent
	// binary body, failing fast with ErrCongested when the queue is full.
	WriteRequest(meta *Frame, body []byte) error
}

type pendingState int

const (
	stateAwaitingMeta pendingState = iota
	stateAwaitingBody
	stateCompleted
	stateTimedOut
	stateFailed
)

type pendingKey struct {
	sessionID string
	requestID uint64
}

// pending is one in-flight request. All fields are guarded by Broker.mu
// except done, which is closed exactly once inside finishLocked.
type pending struct {
	key      pendingKey
	linkID   string
	deadline time.Time

	state     pendingState
	meta      *Frame
	bodyTimer *time.Timer
	resp      *Response
	err       error
	done      chan struct{}
}

func (p *pending) terminal() bool { return p.state >= stateCompleted }

const (
	defaultOverallTimeout = 30 * time.Second
	defaultBodyTimeout    = 5 * time.Second
	defaultAbandonGrace   = 10 * time.Second
	defaultInlineBodyMax  = 64 << 10
)

// BrokerConfig tunes request correlation. The zero value means defaults.
type BrokerConfig struct {
	// OverallTimeout is the absolute deadline from issue to completion.
	OverallTimeout time.Duration
	// BodyTimeout is the sub-deadline between response metadata and its
	// announced binary body.
	BodyTimeout time.Duration
	// AbandonGrace is how long a finished entry lingers as a tombstone so
	// late frames are recognised and dropped silently.
	AbandonGrace time.Duration
	// InlineBodyMax is the largest request body carried base64-inline in
	// the metadata frame; larger bodies ride a separate binary frame.
	InlineBodyMax int
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = defaultOverallTimeout
	}
	if c.BodyTimeout <= 0 {
		c.BodyTimeout = defaultBodyTimeout
	}
	if c.AbandonGrace <= 0 {
		c.AbandonGrace = defaultAbandonGrace
	}
	if c.InlineBodyMax <= 0 {
		c.InlineBodyMax = defaultInlineBodyMax
	}
	return c
}

// Broker correlates public requests with developer responses. Every
// transition of a pending entry happens under one mutex, so exactly one
// outcome wins no matter how timers, frames and disconnects race.
type Broker struct {
	cfg     BrokerConfig
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[pendingKey]*pending
	nextID  map[string]uint64
}

// NewBroker builds a broker. m may be nil in tests that do not assert on
// collector state.
func NewBroker(cfg BrokerConfig, m *metrics.Metrics, logger zerolog.Logger) *Broker {
	if m == nil {
		m = metrics.New()
	}
	return &Broker{
		cfg:     cfg.withDefaults(),
		log:     logger,
		metrics: m,
		pending: make(map[pendingKey]*pending),
		nextID:  make(map[string]uint64),
	}
}

// Issue forwards one captured request over the link and blocks until a
// terminal outcome: the developer's response, the overall deadline, the
// body sub-deadline, link loss, or ctx ending because the public caller
// hung up. Deadlines are absolute from the moment of issue, regardless of
// queueing.
func (b *Broker) Issue(ctx context.Context, sessionID string, link FrameWriter, req CapturedRequest) (*Response, error) {
	start := time.Now()
	p, frame, body := b.register(sessionID, link.LinkID(), req)

	if err := link.WriteRequest(frame, body); err != nil {
		// Never reached the wire; drop the entry without a tombstone.
		b.mu.Lock()
		delete(b.pending, p.key)
		b.mu.Unlock()
		label := "failed"
		if errors.Is(err, ErrCongested) {
			label = "congested"
		}
		b.metrics.RequestsTotal.WithLabelValues(label).Inc()
		return nil, err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		b.expire(p, stateTimedOut, ErrGatewayTimeout)
		<-p.done
	case <-ctx.Done():
		b.expire(p, stateFailed, ErrClientGone)
		<-p.done
	}

	b.mu.Lock()
	resp, err, state := p.resp, p.err, p.state
	b.mu.Unlock()

	b.metrics.RequestsTotal.WithLabelValues(outcomeLabel(state)).Inc()
	b.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	return resp, err
}

func outcomeLabel(s pendingState) string {
	switch s {
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// register allocates the next requestId for the session, records the
// pending entry and builds the wire frame. Bodies up to InlineBodyMax ride
// base64-inline; larger ones come back as a separate binary payload.
func (b *Broker) register(sessionID, linkID string, req CapturedRequest) (*pending, *Frame, []byte) {
	b.mu.Lock()
	b.nextID[sessionID]++
	id := b.nextID[sessionID]
	p := &pending{
		key:      pendingKey{sessionID, id},
		linkID:   linkID,
		deadline: time.Now().Add(b.cfg.OverallTimeout),
		state:    stateAwaitingMeta,
		done:     make(chan struct{}),
	}
	b.pending[p.key] = p
	b.mu.Unlock()

	frame := &Frame{
		Type:      TypeRequest,
		SessionID: sessionID,
		RequestID: id,
		Request: &RequestPayload{
			Method:  req.Method,
			Path:    req.Path,
			URL:     req.URL,
			Query:   req.Query,
			Headers: req.Headers,
		},
	}
	var body []byte
	switch {
	case len(req.Body) == 0:
	case len(req.Body) <= b.cfg.InlineBodyMax:
		frame.Request.Body = base64.StdEncoding.EncodeToString(req.Body)
		frame.Request.BodyEncoding = BodyEncodingBase64
	default:
		frame.Request.BodyLength = len(req.Body)
		body = req.Body
	}
	return p, frame, body
}

// HandleResponseMeta moves a pending request from awaiting-metadata to
// awaiting-body, or completes it at once when the announced body is empty.
// Frames for unknown requestIds touch only a bounded counter; frames for
// finished or foreign-link entries are dropped.
func (b *Broker) HandleResponseMeta(sessionID, linkID string, f *Frame) {
	key := pendingKey{sessionID, f.RequestID}

	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		b.metrics.UnknownResponses.Inc()
		b.log.Warn().Str("session", sessionID).Uint64("request", f.RequestID).Msg("response for unknown request discarded")
		return
	}
	switch {
	case p.terminal():
		b.mu.Unlock()
		b.metrics.FramesDiscarded.WithLabelValues("late").Inc()
		b.log.Debug().Str("session", sessionID).Uint64("request", f.RequestID).Msg("late response metadata discarded")
		return
	case p.linkID != linkID:
		b.mu.Unlock()
		b.metrics.FramesDiscarded.WithLabelValues("stale_link").Inc()
		return
	case p.state == stateAwaitingBody:
		b.mu.Unlock()
		b.metrics.FramesDiscarded.WithLabelValues("duplicate").Inc()
		b.log.Warn().Str("session", sessionID).Uint64("request", f.RequestID).Msg("duplicate response metadata discarded")
		return
	}

	if f.BodyLength == 0 {
		b.finishLocked(p, stateCompleted, responseFromMeta(f, nil), nil)
		b.mu.Unlock()
		return
	}
	p.state = stateAwaitingBody
	p.meta = f
	p.bodyTimer = time.AfterFunc(b.cfg.BodyTimeout, func() {
		b.expire(p, stateTimedOut, ErrBodyTimeout)
	})
	b.mu.Unlock()
}

// HandleResponseBody completes a request whose metadata announced a binary
// body. The delivered bytes win even if their length differs from the
// announcement; the link already logged the mismatch.
func (b *Broker) HandleResponseBody(sessionID, linkID string, requestID uint64, body []byte) {
	key := pendingKey{sessionID, requestID}

	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		b.metrics.UnknownResponses.Inc()
		return
	}
	if p.terminal() || p.linkID != linkID || p.state != stateAwaitingBody {
		b.mu.Unlock()
		b.metrics.FramesDiscarded.WithLabelValues("late").Inc()
		return
	}
	b.finishLocked(p, stateCompleted, responseFromMeta(p.meta, body), nil)
	b.mu.Unlock()
}

// HandleErrorFrame fails the single request an error frame concerns. Error
// frames without a requestId are link-level notices and are only logged.
func (b *Broker) HandleErrorFrame(sessionID, linkID string, f *Frame) {
	if f.RequestID == 0 {
		b.log.Warn().Str("session", sessionID).Str("code", f.Code).Str("message", f.Message).Msg("link error notice")
		return
	}
	key := pendingKey{sessionID, f.RequestID}

	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok || p.terminal() || p.linkID != linkID {
		b.mu.Unlock()
		if !ok {
			b.metrics.UnknownResponses.Inc()
		} else {
			b.metrics.FramesDiscarded.WithLabelValues("late").Inc()
		}
		return
	}
	b.finishLocked(p, stateFailed, nil, ErrUpstreamFailed)
	b.mu.Unlock()
}

// FailLink fails every outstanding request recorded against one link
// instance in a single pass. Requests already issued on a replacement link
// are untouched because their linkID differs.
func (b *Broker) FailLink(sessionID, linkID string, reason CloseReason) {
	err := ErrLinkGone
	if reason == CloseReplaced {
		err = ErrLinkReplaced
	}
	b.mu.Lock()
	for _, p := range b.pending {
		if p.key.sessionID == sessionID && p.linkID == linkID && !p.terminal() {
			b.finishLocked(p, stateFailed, nil, err)
		}
	}
	b.mu.Unlock()
}

// FailSession fails every outstanding request for a session and forgets its
// requestId counter. Called when the session closes or expires.
func (b *Broker) FailSession(sessionID string) {
	b.mu.Lock()
	for _, p := range b.pending {
		if p.key.sessionID == sessionID && !p.terminal() {
			b.finishLocked(p, stateFailed, nil, ErrLinkGone)
		}
	}
	delete(b.nextID, sessionID)
	b.mu.Unlock()
}

// Outstanding reports how many requests for sessionID have not reached a
// terminal state.
func (b *Broker) Outstanding(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.pending {
		if p.key.sessionID == sessionID && !p.terminal() {
			n++
		}
	}
	return n
}

// expire finishes p from a timer or cancellation path. A response that
// already won the race leaves it untouched.
func (b *Broker) expire(p *pending, state pendingState, err error) {
	b.mu.Lock()
	if !p.terminal() {
		b.finishLocked(p, state, nil, err)
	}
	b.mu.Unlock()
}

// finishLocked applies the terminal transition. Callers hold b.mu and have
// verified p is not yet terminal, so done closes exactly once.
func (b *Broker) finishLocked(p *pending, state pendingState, resp *Response, err error) {
	p.state = state
	p.resp = resp
	p.err = err
	if p.bodyTimer != nil {
		p.bodyTimer.Stop()
		p.bodyTimer = nil
	}
	close(p.done)
	b.retireLocked(p)
}

// retireLocked schedules removal of the finished entry after the abandon
// grace. Until then it serves as a tombstone distinguishing "late" from
// "never existed".
func (b *Broker) retireLocked(p *pending) {
	time.AfterFunc(b.cfg.AbandonGrace, func() {
		b.mu.Lock()
		if cur, ok := b.pending[p.key]; ok && cur == p {
			delete(b.pending, p.key)
		}
		b.mu.Unlock()
	})
}

// responseFromMeta assembles the public-facing response, dropping framing
// headers the relay's own HTTP stack must control.
func responseFromMeta(f *Frame, body []byte) *Response {
	headers := make(map[string]string, len(f.Headers))
	for k, v := range f.Headers {
		switch textproto.CanonicalMIMEHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		headers[k] = v
	}
	return &Response{StatusCode: f.StatusCode, Headers: headers, Body: body}
}
