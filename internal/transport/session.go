package transport

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Default session parameters.
const (
	defaultAckTimeout        = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultPingTimeout       = 10 * time.Second
	defaultReconnectBase     = time.Second
	defaultMaxAttempts       = 5
	defaultEventBuffer       = 256
)

// Config configures a [Session].
type Config struct {
	// BaseURL is the backend origin, e.g. "wss://api.example.com".
	BaseURL string

	// InterviewID selects the interview session on the backend. Required.
	InterviewID string

	// Token authenticates the candidate. Sent as the "token" query parameter.
	Token string

	// AckTimeout bounds the wait for the "connected" acknowledgement.
	// Defaults to 10s.
	AckTimeout time.Duration

	// WriteTimeout bounds a single outbound write. Defaults to 5s.
	WriteTimeout time.Duration

	// HeartbeatInterval is the ping period while connected. Defaults to 15s.
	HeartbeatInterval time.Duration

	// PingTimeout is how long a ping may stay unanswered before the
	// connection is treated as lost. Defaults to 10s.
	PingTimeout time.Duration

	// ReconnectBaseDelay is the delay before the first reconnection attempt.
	// Attempt k waits ReconnectBaseDelay * 2^(k-1). Defaults to 1s.
	ReconnectBaseDelay time.Duration

	// MaxReconnectAttempts caps automatic reconnection. Defaults to 5.
	MaxReconnectAttempts int

	// EventBuffer is the capacity of the Events channel. Defaults to 256.
	// Events that do not fit wait in order behind it; only latency samples
	// are discarded while the consumer is that far behind.
	EventBuffer int
}

// Option is a functional option for [New].
type Option func(*Session)

// WithObserver attaches a connection-quality observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// Stats is a snapshot of session counters.
type Stats struct {
	BytesSent     int64
	BytesReceived int64

	// DroppedFrames counts audio frames discarded while not connected.
	DroppedFrames int64

	// Latency is the most recent heartbeat round trip.
	Latency time.Duration

	// ReconnectAttempt is the current attempt number, zero when connected.
	ReconnectAttempt int
}

// conn is one dialled channel. Fields below ch are guarded by Session.mu.
type conn struct {
	ch     Channel
	ctx    context.Context
	cancel context.CancelFunc
	ackCh  chan struct{}
	pong   chan struct{}

	acked      bool
	err        error
	pingSentAt time.Time
}

// Session is the transport session for one interview.
//
// All methods are safe for concurrent use.
type Session struct {
	cfg      Config
	url      string
	dialer   Dialer
	observer Observer
	events   chan Event
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}

	mu             sync.Mutex
	state          State
	lastErr        error
	conn           *conn
	gen            uint64
	attempt        int
	reconnectTimer *time.Timer
	userClosed     bool
	terminal       bool
	closed         bool
	audioSeq       uint64
	latency        time.Duration
	bytesSent      int64
	bytesReceived  int64
	dropped        int64
	dropWarned     bool

	// outbox holds events waiting for room on the events channel. Its head
	// stays in place until delivered so direct sends never overtake it.
	outbox []Event

	closeOnce sync.Once
}

// New creates a disconnected session. Nothing is dialled until Connect.
func New(cfg Config, dialer Dialer, opts ...Option) (*Session, error) {
	if cfg.InterviewID == "" {
		return nil, errors.New("transport: interview id is required")
	}
	if dialer == nil {
		return nil, errors.New("transport: dialer is required")
	}
	u, err := InterviewURL(cfg.BaseURL, cfg.InterviewID, cfg.Token)
	if err != nil {
		return nil, err
	}
	cfg.AckTimeout = cmp.Or(cfg.AckTimeout, defaultAckTimeout)
	cfg.WriteTimeout = cmp.Or(cfg.WriteTimeout, defaultWriteTimeout)
	cfg.HeartbeatInterval = cmp.Or(cfg.HeartbeatInterval, defaultHeartbeatInterval)
	cfg.PingTimeout = cmp.Or(cfg.PingTimeout, defaultPingTimeout)
	cfg.ReconnectBaseDelay = cmp.Or(cfg.ReconnectBaseDelay, defaultReconnectBase)
	cfg.MaxReconnectAttempts = cmp.Or(cfg.MaxReconnectAttempts, defaultMaxAttempts)
	cfg.EventBuffer = cmp.Or(cfg.EventBuffer, defaultEventBuffer)

	s := &Session{
		cfg:    cfg,
		url:    u,
		dialer: dialer,
		events:  make(chan Event, cfg.EventBuffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.forward()
	return s, nil
}

// Events returns the channel of session events. It is closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind [StateError], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Latency returns the most recent heartbeat round trip, zero before the
// first pong.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BytesSent:        s.bytesSent,
		BytesReceived:    s.bytesReceived,
		DroppedFrames:    s.dropped,
		Latency:          s.latency,
		ReconnectAttempt: s.attempt,
	}
}

// Connect dials the backend and waits for its acknowledgement. It is a no-op
// while connecting or connected. A failed Connect leaves the session in
// [StateError]; it is not retried automatically.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.userClosed = false
	s.terminal = false
	s.attempt = 0
	s.lastErr = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.open(ctx, gen); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.lastErr = err
			s.terminal = IsTerminal(err)
			s.setStateLocked(StateError)
		}
		s.mu.Unlock()
		return fmt.Errorf("transport: connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection without reconnecting and cancels every
// pending reconnect and heartbeat timer. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.userClosed = true
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	c := s.conn
	s.conn = nil
	s.attempt = 0
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()

	if c != nil {
		c.cancel()
		_ = c.ch.Close()
		slog.Info("transport: disconnected", "interview_id", s.cfg.InterviewID)
	}
}

// Close disconnects and closes the Events channel. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Disconnect()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		<-s.stopped
	})
	return nil
}

// SendAudioFrame sends one captured frame. When not connected the frame is
// dropped with a warning and nil is returned: audio is best-effort and must
// never stall capture.
func (s *Session) SendAudioFrame(frame audio.AudioFrame) error {
	c := s.connected()
	if c == nil {
		s.mu.Lock()
		s.dropped++
		warn := !s.dropWarned
		s.dropWarned = true
		state := s.state
		s.mu.Unlock()
		if warn {
			slog.Warn("transport: not connected, dropping outbound audio", "state", state)
		}
		return nil
	}
	return s.write(c, audioChunkMessage{
		Type:      "audio_chunk",
		Audio:     audio.EncodeFrame(frame),
		Timestamp: time.Now().UnixMilli(),
	})
}

// CommitAudio marks the end of the candidate's utterance so the backend
// starts generating a response.
func (s *Session) CommitAudio() error {
	c := s.connected()
	if c == nil {
		return ErrNotConnected
	}
	return s.write(c, controlMessage{Type: "audio_commit"})
}

func (s *Session) connected() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.conn == nil || !s.conn.acked {
		return nil
	}
	return s.conn
}

// ── connection lifecycle ──────────────────────────────────────────────────────

// open dials one channel and waits for the acknowledgement.
func (s *Session) open(ctx context.Context, gen uint64) error {
	ch, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ch:     ch,
		ctx:    cctx,
		cancel: cancel,
		ackCh:  make(chan struct{}),
		pong:   make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.gen != gen || s.userClosed || s.closed {
		s.mu.Unlock()
		cancel()
		_ = ch.Close()
		return errors.New("transport: connection attempt superseded")
	}
	s.conn = c
	s.mu.Unlock()

	go s.readLoop(c)

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-c.ackCh:
		return nil
	case <-c.ctx.Done():
		s.mu.Lock()
		err := c.err
		s.mu.Unlock()
		if err == nil {
			err = errors.New("transport: connection closed before acknowledgement")
		}
		return err
	case <-timer.C:
		s.dropConn(c)
		return ErrAckTimeout
	case <-ctx.Done():
		s.dropConn(c)
		return ctx.Err()
	}
}

// dropConn abandons c without triggering reconnection.
func (s *Session) dropConn(c *conn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	c.cancel()
	_ = c.ch.Close()
}

func (s *Session) readLoop(c *conn) {
	var readErr error
	for {
		data, err := c.ch.Read(c.ctx)
		if err != nil {
			readErr = err
			break
		}
		s.recordTraffic(0, len(data))
		s.handleMessage(c, data)
	}
	s.connLost(c, readErr)
}

// connLost runs once per channel when its read loop ends.
func (s *Session) connLost(c *conn, err error) {
	s.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	s.mu.Unlock()
	c.cancel()
	_ = c.ch.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		// Dropped or superseded.
		return
	}
	s.conn = nil
	if !c.acked || s.userClosed || s.closed {
		// Unacknowledged channels are handled by open.
		return
	}
	if s.terminal {
		s.lastErr = c.err
		s.setStateLocked(StateError)
		return
	}
	slog.Warn("transport: connection lost", "interview_id", s.cfg.InterviewID, "err", err)
	s.scheduleReconnectLocked()
}

func (s *Session) scheduleReconnectLocked() {
	s.attempt++
	if s.attempt > s.cfg.MaxReconnectAttempts {
		s.attempt = s.cfg.MaxReconnectAttempts
		s.lastErr = ErrReconnectExhausted
		s.setStateLocked(StateError)
		slog.Error("transport: giving up reconnecting", "interview_id", s.cfg.InterviewID, "attempts", s.cfg.MaxReconnectAttempts)
		return
	}
	delay := s.cfg.ReconnectBaseDelay * time.Duration(1<<(s.attempt-1))
	gen := s.gen
	s.setStateLocked(StateConnecting)
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	slog.Info("transport: reconnect scheduled", "attempt", s.attempt, "max_attempts", s.cfg.MaxReconnectAttempts, "delay", delay)
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.userClosed || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	attempt := s.attempt
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AckTimeout)
	err := s.open(ctx, gen)
	cancel()
	if err == nil {
		slog.Info("transport: reconnected", "interview_id", s.cfg.InterviewID, "attempt", attempt)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.userClosed || s.closed {
		return
	}
	slog.Warn("transport: reconnect attempt failed", "attempt", attempt, "err", err)
	if IsTerminal(err) {
		s.terminal = true
		s.lastErr = err
		s.setStateLocked(StateError)
		return
	}
	s.scheduleReconnectLocked()
}

// ── inbound ───────────────────────────────────────────────────────────────────

func (s *Session) handleMessage(c *conn, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("transport: dropping malformed message", "bytes", len(data), "err", err)
		return
	}

	switch msg.Type {
	case "connected":
		s.acknowledge(c)

	case "ai_audio_chunk":
		if msg.Audio == "" {
			slog.Debug("transport: empty audio chunk")
			return
		}
		s.mu.Lock()
		s.audioSeq++
		s.emitLocked(Event{Kind: EventAudioChunk, Audio: msg.Audio, Seq: s.audioSeq})
		s.mu.Unlock()

	case "transcript":
		s.mu.Lock()
		s.emitLocked(Event{Kind: EventTranscript, Transcript: Transcript{
			Role:      Role(msg.Role),
			Text:      msg.Text,
			MessageID: msg.MessageID,
		}})
		s.mu.Unlock()

	case "pong":
		s.handlePong(c)

	case "error":
		s.handleBackendError(c, classifyError(cmp.Or(msg.Error, msg.Code), msg.Message))

	case "interview_complete":
		s.mu.Lock()
		s.emitLocked(Event{Kind: EventInterviewComplete})
		s.mu.Unlock()

	default:
		slog.Debug("transport: ignoring unknown message type", "type", msg.Type)
	}
}

func (s *Session) acknowledge(c *conn) {
	s.mu.Lock()
	if s.conn != c || c.acked {
		s.mu.Unlock()
		return
	}
	c.acked = true
	s.attempt = 0
	s.lastErr = nil
	s.dropWarned = false
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	close(c.ackCh)
	go s.heartbeat(c)
	slog.Info("transport: connected", "interview_id", s.cfg.InterviewID)
}

func (s *Session) handlePong(c *conn) {
	s.mu.Lock()
	if c.pingSentAt.IsZero() {
		s.mu.Unlock()
		return
	}
	rtt := time.Since(c.pingSentAt)
	c.pingSentAt = time.Time{}
	s.latency = rtt
	s.emitLocked(Event{Kind: EventLatency, RTT: rtt})
	s.mu.Unlock()

	select {
	case c.pong <- struct{}{}:
	default:
	}
	if s.observer != nil {
		s.observer.RecordRTT(rtt)
	}
}

func (s *Session) handleBackendError(c *conn, be *BackendError) {
	s.mu.Lock()
	s.emitLocked(Event{Kind: EventBackendError, Err: be})
	if be.Terminal && s.conn == c {
		s.terminal = true
		c.err = be
	}
	s.mu.Unlock()

	if !be.Terminal {
		slog.Warn("transport: backend error", "code", be.Code, "message", be.Message)
		return
	}
	slog.Error("transport: terminal backend error, not reconnecting", "code", be.Code, "message", be.Message)
	c.cancel()
	_ = c.ch.Close()
}

// ── heartbeat ─────────────────────────────────────────────────────────────────

// heartbeat pings on a fixed interval for the lifetime of c. An unanswered
// ping closes the channel, which the read loop reports as a transient loss.
func (s *Session) heartbeat(c *conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var (
		pingTimer *time.Timer
		timeout   <-chan time.Time
	)
	defer func() {
		if pingTimer != nil {
			pingTimer.Stop()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-c.pong:
			if pingTimer != nil {
				pingTimer.Stop()
			}
			timeout = nil

		case <-timeout:
			slog.Warn("transport: ping timed out, dropping connection", "timeout", s.cfg.PingTimeout)
			c.cancel()
			_ = c.ch.Close()
			return

		case <-ticker.C:
			if timeout != nil {
				continue
			}
			s.mu.Lock()
			c.pingSentAt = time.Now()
			s.mu.Unlock()
			if err := s.write(c, controlMessage{Type: "ping"}); err != nil {
				slog.Debug("transport: ping write failed", "err", err)
			}
			pingTimer = time.NewTimer(s.cfg.PingTimeout)
			timeout = pingTimer.C
		}
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *Session) write(c *conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := c.ch.Write(ctx, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	s.recordTraffic(len(data), 0)
	return nil
}

func (s *Session) recordTraffic(sent, received int) {
	s.mu.Lock()
	s.bytesSent += int64(sent)
	s.bytesReceived += int64(received)
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.RecordTraffic(sent, received)
	}
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	ev := Event{Kind: EventStateChanged, State: st, Attempt: s.attempt}
	if st == StateError {
		ev.Err = s.lastErr
	}
	s.emitLocked(ev)
}

// emitLocked delivers ev in order without blocking the caller. Audio,
// transcripts and state changes are never dropped: when the channel is full
// they queue in the outbox for forward. Latency samples are advisory and are
// skipped once a full buffer's worth of events is waiting.
func (s *Session) emitLocked(ev Event) {
	if s.closed {
		return
	}
	if len(s.outbox) == 0 {
		select {
		case s.events <- ev:
			return
		default:
		}
	}
	if ev.Kind == EventLatency && len(s.outbox) >= s.cfg.EventBuffer {
		slog.Debug("transport: latency event skipped, consumer behind", "queued", len(s.outbox))
		return
	}
	if len(s.outbox) == 0 {
		slog.Warn("transport: events channel full, queueing", "kind", ev.Kind)
	}
	s.outbox = append(s.outbox, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward moves queued events onto the channel as the consumer makes room.
// It closes the channel once the session is closed, after handing over
// whatever still fits.
func (s *Session) forward() {
	defer close(s.stopped)
	defer close(s.events)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			s.flushOutbox()
			return
		}
		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				s.outbox = nil
				s.mu.Unlock()
				break
			}
			ev := s.outbox[0]
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.done:
				s.flushOutbox()
				return
			}

			s.mu.Lock()
			s.outbox[0] = Event{}
			s.outbox = s.outbox[1:]
			s.mu.Unlock()
		}
	}
}

func (s *Session) flushOutbox() {
	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, ev := range pending {
		select {
		case s.events <- ev:
		default:
			return
		}
	}
}
