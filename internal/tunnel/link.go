package tunnel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wingmanux/wingman/internal/metrics"
)

// CloseReason classifies why a link was torn down. It selects the error
// surfaced to public callers still waiting on the link and decides whether
// the session reverts to pending.
type CloseReason string

const (
	// CloseGone covers peer disconnects, heartbeat failures and protocol
	// abuse. The session reverts to pending so the developer can reattach.
	CloseGone CloseReason = "link-gone"
	// CloseReplaced marks a link superseded by a newer register for the
	// same session.
	CloseReplaced CloseReason = "link-replaced"
	// CloseSession marks teardown caused by the owning session closing or
	// expiring.
	CloseSession CloseReason = "session-closed"
)

var (
	// ErrCongested is returned when the outgoing queue cannot take another
	// frame. Callers fail fast; nothing blocks on a slow developer.
	ErrCongested = errors.New("tunnel: link outgoing queue full")
	// ErrLinkClosed is returned when enqueueing on a closed link.
	ErrLinkClosed = errors.New("tunnel: link closed")
)

// Dispatcher receives the response-bearing traffic a link reads off the
// wire. The request broker implements it; link tests substitute a recorder.
type Dispatcher interface {
	// HandleResponseMeta processes a response metadata frame read on link
	// linkID for sessionID.
	HandleResponseMeta(sessionID, linkID string, f *Frame)
	// HandleResponseBody processes the binary payload paired with an
	// earlier response metadata frame for requestID.
	HandleResponseBody(sessionID, linkID string, requestID uint64, body []byte)
	// HandleErrorFrame processes an error frame that concerns one request.
	HandleErrorFrame(sessionID, linkID string, f *Frame)
	// FailLink fails every outstanding request recorded against linkID.
	FailLink(sessionID, linkID string, reason CloseReason)
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatMisses   = 2
	defaultQueueDepth        = 256
	defaultQueueBytes        = 16 << 20

	// frameOverhead covers metadata fields and base64 expansion on top of
	// the largest body a frame may carry.
	frameOverhead = 128 << 10

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// Malformed frames are tolerated up to strikeLimit within strikeWindow;
	// one more closes the link.
	strikeWindow = time.Minute
	strikeLimit  = 3
)

// LinkConfig tunes a single link's queueing and liveness behaviour. The
// zero value means defaults.
type LinkConfig struct {
	// HeartbeatInterval is the cadence of relay-sent ping frames.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many silent intervals close the link.
	HeartbeatMisses int
	// QueueDepth caps the outgoing queue in frames.
	QueueDepth int
	// QueueBytes caps the outgoing queue in payload bytes.
	QueueBytes int64
	// MaxFrameSize caps a single inbound websocket message.
	MaxFrameSize int64
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = defaultHeartbeatMisses
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.QueueBytes <= 0 {
		c.QueueBytes = defaultQueueBytes
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultQueueBytes + frameOverhead
	}
	return c
}

// LinkParams carries the dependencies of a new link. SessionID, Conn and
// Dispatcher are required; Registry, Directory and Metrics may be nil in
// tests that do not exercise them.
type LinkParams struct {
	SessionID  string
	Conn       *websocket.Conn
	Dispatcher Dispatcher
	Registry   *Registry
	Directory  *Directory
	Metrics    *metrics.Metrics
	Config     LinkConfig
	Logger     zerolog.Logger
}

type outbound struct {
	kind int // websocket message type
	data []byte
}

// bodyWait tracks the most recent response metadata announcing a non-zero
// bodyLength whose binary frame has not yet arrived.
type bodyWait struct {
	requestID uint64
	length    int
}

// Link is one attached developer connection: the relay side of the duplex
// channel. All conn writes happen on the write loop's goroutine; the read
// loop runs on the goroutine that calls Run. A link is used for exactly one
// session and never reused after Close.
type Link struct {
	// ID distinguishes this instance from other links of the same session
	// across reattaches.
	ID        string
	SessionID string

	conn       *websocket.Conn
	dispatcher Dispatcher
	registry   *Registry
	directory  *Directory
	metrics    *metrics.Metrics
	cfg        LinkConfig
	log        zerolog.Logger

	// enqMu serialises enqueues so multi-frame writes (request metadata
	// plus its body) land adjacently in the queue.
	enqMu       sync.Mutex
	out         chan outbound
	queuedBytes atomic.Int64

	lastSeen atomic.Int64 // unix nanos of the last inbound message

	// awaiting and strikes are owned by the read loop.
	awaiting *bodyWait
	strikes  []time.Time

	closeOnce   sync.Once
	closeReason CloseReason
	done        chan struct{}
}

// NewLink builds a link around an established websocket conn. The caller
// starts it with Run after the registration handshake completes.
func NewLink(p LinkParams) *Link {
	cfg := p.Config.withDefaults()
	m := p.Metrics
	if m == nil {
		m = metrics.New()
	}
	l := &Link{
		ID:         uuid.NewString(),
		SessionID:  p.SessionID,
		conn:       p.Conn,
		dispatcher: p.Dispatcher,
		registry:   p.Registry,
		directory:  p.Directory,
		metrics:    m,
		cfg:        cfg,
		log:        p.Logger.With().Str("session", p.SessionID).Logger(),
		out:        make(chan outbound, cfg.QueueDepth),
		done:       make(chan struct{}),
	}
	l.lastSeen.Store(time.Now().UnixNano())
	l.metrics.LinksActive.Inc()
	return l
}

// LinkID implements FrameWriter.
func (l *Link) LinkID() string { return l.ID }

// Done is closed when the link has fully shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Run pumps the link until it closes: the write loop drains the outgoing
// queue and drives heartbeats on its own goroutine while the read loop runs
// on the caller's. Run returns once the link is torn down.
func (l *Link) Run() {
	l.conn.SetReadLimit(l.cfg.MaxFrameSize)
	go l.writeLoop()
	l.readLoop()
}

// WriteRequest enqueues a request metadata frame and, when body is non-nil,
// its binary body frame immediately after. The pair lands adjacently on the
// wire so the developer's body pairing cannot interleave with frames of
// another request.
func (l *Link) WriteRequest(meta *Frame, body []byte) error {
	data, err := meta.Encode()
	if err != nil {
		return fmt.Errorf("tunnel: encode request frame: %w", err)
	}
	if body == nil {
		return l.enqueue(outbound{websocket.TextMessage, data})
	}
	return l.enqueue(
		outbound{websocket.TextMessage, data},
		outbound{websocket.BinaryMessage, body},
	)
}

func (l *Link) enqueueFrame(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("tunnel: encode %s frame: %w", f.Type, err)
	}
	return l.enqueue(outbound{websocket.TextMessage, data})
}

// enqueue adds frames to the outgoing queue atomically: either all frames
// are queued in order with nothing interleaved between them, or none are.
func (l *Link) enqueue(frames ...outbound) error {
	var total int64
	for _, fr := range frames {
		total += int64(len(fr.data))
	}

	l.enqMu.Lock()
	defer l.enqMu.Unlock()

	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	// The capacity check is reliable under enqMu: only the write loop
	// drains, so len(l.out) cannot grow between check and send.
	if len(l.out)+len(frames) > cap(l.out) || l.queuedBytes.Load()+total > l.cfg.QueueBytes {
		return ErrCongested
	}
	for _, fr := range frames {
		l.queuedBytes.Add(int64(len(fr.data)))
		l.out <- fr
	}
	return nil
}

func (l *Link) writeLoop() {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case fr := <-l.out:
			l.queuedBytes.Add(-int64(len(fr.data)))
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(fr.kind, fr.data); err != nil {
				l.log.Debug().Err(err).Str("link", l.ID).Msg("link write failed")
				l.Close(CloseGone)
				return
			}
		case <-ticker.C:
			idle := time.Since(time.Unix(0, l.lastSeen.Load()))
			if idle > time.Duration(l.cfg.HeartbeatMisses)*l.cfg.HeartbeatInterval {
				l.log.Warn().Str("link", l.ID).Dur("idle", idle).Msg("heartbeat failed, closing link")
				l.Close(CloseGone)
				return
			}
			ping, err := (&Frame{Type: TypePing, SessionID: l.SessionID}).Encode()
			if err != nil {
				l.Close(CloseGone)
				return
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				l.Close(CloseGone)
				return
			}
		}
	}
}

func (l *Link) readLoop() {
	defer l.Close(CloseGone)
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		l.lastSeen.Store(time.Now().UnixNano())

		switch kind {
		case websocket.TextMessage:
			if !l.handleText(data) {
				return
			}
		case websocket.BinaryMessage:
			l.handleBinary(data)
		}
	}
}

// handleText processes one JSON frame. It returns false when the link must
// close because the peer exhausted its malformed-frame allowance.
func (l *Link) handleText(data []byte) bool {
	f, err := ParseFrame(data, int(l.cfg.MaxFrameSize))
	if err != nil {
		l.metrics.FramesDiscarded.WithLabelValues("malformed").Inc()
		l.log.Warn().Err(err).Str("link", l.ID).Msg("discarding malformed frame")
		l.sendError(0, "malformed-frame", err.Error())
		if l.strike() {
			l.log.Warn().Str("link", l.ID).Msg("malformed frame allowance exhausted, closing link")
			return false
		}
		return true
	}

	switch f.Type {
	case TypePing:
		// Either direction may probe; answer and carry on.
		_ = l.enqueueFrame(&Frame{Type: TypePong, SessionID: l.SessionID})
	case TypePong:
		// Heartbeat reply; lastSeen is already refreshed.
	case TypeResponse:
		l.handleResponse(f)
	case TypeError:
		l.dispatcher.HandleErrorFrame(l.SessionID, l.ID, f)
	default:
		// A register after attach, or a relay-only type echoed back.
		l.metrics.FramesDiscarded.WithLabelValues("unexpected_type").Inc()
		l.log.Warn().Str("link", l.ID).Str("type", f.Type).Msg("discarding unexpected frame")
	}
	return true
}

func (l *Link) handleResponse(f *Frame) {
	if f.SessionID != "" && f.SessionID != l.SessionID {
		l.metrics.FramesDiscarded.WithLabelValues("session_mismatch").Inc()
		l.log.Warn().Str("link", l.ID).Str("claimed", f.SessionID).Msg("discarding response for foreign session")
		return
	}
	if l.awaiting != nil {
		// The previous metadata never got its body. The broker's body
		// sub-deadline owns that failure; here the stale wait is dropped so
		// the next binary frame pairs with the newest metadata.
		l.log.Warn().Str("link", l.ID).Uint64("request", l.awaiting.requestID).Msg("response metadata superseded before its body arrived")
		l.awaiting = nil
	}
	if f.BodyLength > 0 {
		l.awaiting = &bodyWait{requestID: f.RequestID, length: f.BodyLength}
	}
	l.dispatcher.HandleResponseMeta(l.SessionID, l.ID, f)
}

func (l *Link) handleBinary(data []byte) {
	w := l.awaiting
	if w == nil {
		l.metrics.FramesDiscarded.WithLabelValues("unpaired_body").Inc()
		l.log.Warn().Str("link", l.ID).Int("bytes", len(data)).Msg("discarding body frame with no awaiting metadata")
		return
	}
	l.awaiting = nil
	if len(data) != w.length {
		l.log.Warn().Str("link", l.ID).Uint64("request", w.requestID).
			Int("announced", w.length).Int("got", len(data)).
			Msg("body length differs from announced")
	}
	l.dispatcher.HandleResponseBody(l.SessionID, l.ID, w.requestID, data)
}

// strike records a malformed frame and reports whether the sliding-window
// allowance is exhausted. Only the read loop calls this.
func (l *Link) strike() bool {
	now := time.Now()
	keep := l.strikes[:0]
	for _, t := range l.strikes {
		if now.Sub(t) < strikeWindow {
			keep = append(keep, t)
		}
	}
	l.strikes = append(keep, now)
	return len(l.strikes) >= strikeLimit
}

func (l *Link) sendError(requestID uint64, code, message string) {
	_ = l.enqueueFrame(&Frame{
		Type:      TypeError,
		SessionID: l.SessionID,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}

// Close tears the link down exactly once: outstanding broker entries fail
// first so public callers unblock, then the registry entry is removed (only
// if still this instance), the session reverts to pending on ordinary loss,
// and the conn is closed, which stops both loops.
func (l *Link) Close(reason CloseReason) {
	l.closeOnce.Do(func() {
		l.closeReason = reason
		close(l.done)

		if l.dispatcher != nil {
			l.dispatcher.FailLink(l.SessionID, l.ID, reason)
		}
		if l.registry != nil {
			l.registry.Detach(l.SessionID, l.ID)
		}
		if reason == CloseGone && l.directory != nil {
			// The session stays resolvable until hard expiry so the
			// developer can reconnect; ErrSessionTerminal here just means
			// the sweep won the race.
			_ = l.directory.MarkPending(l.SessionID)
		}
		_ = l.conn.Close()
		l.metrics.LinksActive.Dec()
		l.log.Info().Str("link", l.ID).Str("reason", string(reason)).Msg("link closed")
	})
}

// Reason reports why the link closed. It is only meaningful after Done is
// closed.
func (l *Link) Reason() CloseReason { return l.closeReason }
