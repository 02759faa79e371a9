// Package interview drives one interview session. A [Session] owns the
// capture, playback, transport, caption and monitor components and moves the
// turn state machine in response to their events:
//
//   - capture speech start moves LocalListening to LocalSpeaking
//   - StopTurn (commit) moves to Processing
//   - playback start moves to RemoteSpeaking
//   - playback end moves RemoteSpeaking back to LocalListening
//   - transport loss, backend errors, device loss and reply timeouts during
//     an active turn fall back to LocalListening
//
// Component events are consumed by a single event loop goroutine, so the
// transitions they cause happen in the order each component emitted them.
package interview

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/caption"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/monitor"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/prefs"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

const (
	defaultSampleRate      = 24000
	defaultResponseTimeout = 30 * time.Second
	turnEventBuffer        = 32
)

var (
	// ErrNotConnected is returned by turn operations before Connect.
	ErrNotConnected = errors.New("interview: not connected")

	// ErrTurnInProgress is returned when a turn is started while the
	// candidate is already answering or a reply is pending.
	ErrTurnInProgress = errors.New("interview: turn in progress")

	// ErrTextInput is returned by StartTurn when the candidate answers by
	// typing. Use SendText instead.
	ErrTextInput = errors.New("interview: input mode is text")

	// ErrNoBackend is returned by Connect when the resolved mode has no
	// collaborator to talk to.
	ErrNoBackend = errors.New("interview: no backend for mode")

	// ErrNoReply is the cause recorded when a committed answer got no reply
	// within the response timeout.
	ErrNoReply = errors.New("interview: no reply from backend")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("interview: session closed")
)

// Config configures a [Session].
type Config struct {
	// InterviewID identifies the interview on the backend. Required.
	InterviewID string

	// SessionID keys the persisted progress. Defaults to InterviewID.
	SessionID string

	// ProfileID keys the persisted preferences.
	ProfileID string

	// Mode forces realtime or batch answers. When empty the profile's
	// realtime opt-in decides.
	Mode Mode

	// SampleRate of inbound synthesized audio. Defaults to 24000.
	SampleRate int

	// ResponseTimeout bounds the wait between committing an answer and the
	// first sign of a reply. Defaults to 30s.
	ResponseTimeout time.Duration
}

// Components are the pipeline parts a [Session] drives. Capture, Playback,
// Captions and Monitor are required. Transport is required for realtime
// mode only.
//
// The monitor must already observe the playback queue and the transport
// (see [playback.WithObserver] and [transport.WithObserver]); the session
// applies its buffer-depth recommendations to the queue.
type Components struct {
	Capture   *capture.Session
	Playback  *playback.Queue
	Transport *transport.Session
	Captions  *caption.Synchronizer
	Monitor   *monitor.Monitor
}

// Option is a functional option for [New].
type Option func(*Session)

// WithTranscriber sets the batch-mode upload client.
func WithTranscriber(t backend.Transcriber) Option {
	return func(s *Session) { s.transcriber = t }
}

// WithMessenger sets the client used for typed answers.
func WithMessenger(m backend.Messenger) Option {
	return func(s *Session) { s.messenger = m }
}

// WithCompletion sets what runs when the interview finishes. The default is
// [NoCompletion].
func WithCompletion(p CompletionPolicy) Option {
	return func(s *Session) { s.completion = p }
}

// WithPrefs sets the preference and progress store. The default is an
// in-memory store.
func WithPrefs(st prefs.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithMetrics records turns and backend errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides the time source used for latency measurement and
// event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Status is the externally visible condition of a session.
type Status struct {
	Connected        bool            `json:"connected"`
	Turn             TurnState       `json:"turn"`
	Mode             Mode            `json:"mode,omitempty"`
	InputMode        prefs.InputMode `json:"input_mode,omitempty"`
	Transport        string          `json:"transport"`
	ReconnectAttempt int             `json:"reconnect_attempt,omitempty"`
	Capture          string          `json:"capture"`

	// PermissionReason classifies a microphone failure ("denied",
	// "no-device", ...).
	PermissionReason string `json:"permission_reason,omitempty"`
	Error            string `json:"error,omitempty"`

	Degraded              bool `json:"degraded"`
	Turns                 int  `json:"turns"`
	RecordingWarningShown bool `json:"recording_warning_shown"`
	Completed             bool `json:"completed"`
}

// Stats combines the component counters.
type Stats struct {
	Turn        TurnState
	Turns       int
	Transport   transport.Stats
	Monitor     monitor.Snapshot
	BufferDepth int
	Queued      int
}

// Session is the interview orchestrator. All methods are safe for
// concurrent use.
type Session struct {
	cfg         Config
	c           Components
	transcriber backend.Transcriber
	messenger   backend.Messenger
	completion  CompletionPolicy
	store       prefs.Store
	metrics     *observe.Metrics
	now         func() time.Time

	events   chan TurnEvent
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup

	// opMu serializes Connect, Disconnect, Finish and Close. turnMu
	// serializes StartTurn, StopTurn and SendText. Neither is held by event
	// handlers.
	opMu   sync.Mutex
	turnMu sync.Mutex

	mu               sync.Mutex
	turn             TurnState
	connected        bool
	closed           bool
	finished         bool
	mode             Mode
	prefs            prefs.Preferences
	progress         prefs.Progress
	recording        bool
	turnSpan         trace.Span
	awaiting         bool
	committedAt      time.Time
	respTimer        *time.Timer
	respGen          uint64
	reconnectAttempt int
	lastErr          error

	closeOnce sync.Once
	closeErr  error
}

// New wires the components together and starts the event loop.
func New(cfg Config, c Components, opts ...Option) (*Session, error) {
	if cfg.InterviewID == "" {
		return nil, errors.New("interview: interview id is required")
	}
	if c.Capture == nil || c.Playback == nil || c.Captions == nil || c.Monitor == nil {
		return nil, errors.New("interview: missing required component")
	}
	cfg.SessionID = cmp.Or(cfg.SessionID, cfg.InterviewID)
	cfg.SampleRate = cmp.Or(cfg.SampleRate, defaultSampleRate)
	cfg.ResponseTimeout = cmp.Or(cfg.ResponseTimeout, defaultResponseTimeout)

	ctx, cancel := context.WithCancel(observe.WithInterview(context.Background(), cfg.InterviewID))
	s := &Session{
		cfg:        cfg,
		c:          c,
		completion: NoCompletion{},
		now:        time.Now,
		events:     make(chan TurnEvent, turnEventBuffer),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
		prefs:      prefs.Defaults(),
		progress:   prefs.Progress{SessionID: cfg.SessionID, InterviewID: cfg.InterviewID},
	}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = prefs.NewMemStore()
	}

	c.Playback.Subscribe(s.onPlayback)
	c.Monitor.OnRecommendation(c.Playback.SetBufferDepth)
	c.Playback.SetBufferDepth(c.Monitor.BufferDepth())

	go s.loop()
	return s, nil
}

// TurnEvents returns the channel of turn transitions. Events are dropped
// with a warning when the consumer falls behind. It is closed by Close.
func (s *Session) TurnEvents() <-chan TurnEvent { return s.events }

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Mode returns the mode resolved by the last Connect.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Captions returns the current caption state.
func (s *Session) Captions() caption.Snapshot { return s.c.Captions.Current() }

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Connect loads the candidate's preferences and progress, resolves the
// answer mode, acquires the microphone for voice input, primes audio output
// and, in realtime mode, connects the transport. It is a no-op while
// connected. A microphone or transport failure is returned and also
// reflected in [Session.Status].
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	p, err := s.store.Preferences(ctx, s.cfg.ProfileID)
	if err != nil {
		return fmt.Errorf("interview: connect: load preferences: %w", err)
	}
	prog, err := s.store.Progress(ctx, s.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("interview: connect: load progress: %w", err)
	}
	prog.SessionID = s.cfg.SessionID
	prog.InterviewID = cmp.Or(prog.InterviewID, s.cfg.InterviewID)

	mode := s.resolveMode(p)
	switch {
	case p.InputMode == prefs.InputText && s.messenger == nil:
		return fmt.Errorf("%w: text input", ErrNoBackend)
	case p.InputMode == prefs.InputVoice && mode == ModeRealtime && s.c.Transport == nil:
		return fmt.Errorf("%w: realtime", ErrNoBackend)
	case p.InputMode == prefs.InputVoice && mode == ModeBatch && s.transcriber == nil:
		return fmt.Errorf("%w: batch", ErrNoBackend)
	}

	ctx, span := observe.StartSpan(ctx, "interview.connect", observe.InterviewAttrs(s.cfg.InterviewID, string(mode)))
	defer span.End()
	log := observe.Logger(ctx)

	s.c.Captions.SetEnabled(p.CaptionsEnabled)

	if p.InputMode == prefs.InputVoice {
		if err := s.c.Capture.RequestPermission(ctx); err != nil {
			s.setErr(err)
			span.RecordError(err)
			return fmt.Errorf("interview: connect: %w", err)
		}
	}
	if err := s.c.Playback.Init(ctx); err != nil {
		// Output may only unlock later; every enqueue retries the priming.
		log.Warn("interview: audio output not primed yet", "err", err)
	}
	if mode == ModeRealtime && p.InputMode == prefs.InputVoice {
		if err := s.c.Transport.Connect(ctx); err != nil {
			s.setErr(err)
			span.RecordError(err)
			s.c.Capture.Release()
			return fmt.Errorf("interview: connect: %w", err)
		}
	}

	s.mu.Lock()
	s.connected = true
	s.mode = mode
	s.prefs = p
	s.progress = prog
	s.lastErr = nil
	s.reconnectAttempt = 0
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	log.Info("interview: connected",
		"interview_id", s.cfg.InterviewID,
		"mode", mode,
		"input", p.InputMode,
		"turns", prog.Turns,
	)
	return nil
}

// Disconnect ends the session without completing the interview. Recording
// stops, pending audio is cleared and the transport disconnects without
// reconnecting. Idempotent.
func (s *Session) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.disconnect("disconnect")
}

// Finish completes the interview: the completion policy runs, the progress
// is marked completed and the session disconnects. Idempotent.
func (s *Session) Finish(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.finish(ctx, "interview finished")
}

// Close disconnects, stops the event loop and closes every component.
// Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.opMu.Lock()
		s.disconnect("closed")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.opMu.Unlock()

		s.cancel()
		<-s.loopDone
		s.wg.Wait()

		var errs []error
		errs = append(errs, s.c.Capture.Close())
		if s.c.Transport != nil {
			errs = append(errs, s.c.Transport.Close())
		}
		errs = append(errs, s.c.Playback.Close())
		s.c.Captions.Stop()

		s.mu.Lock()
		s.stopResponseTimerLocked()
		close(s.events)
		s.mu.Unlock()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Session) disconnect(reason string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	recording := s.recording
	s.recording = false
	s.awaiting = false
	s.stopResponseTimerLocked()
	span := s.turnSpan
	s.turnSpan = nil
	s.setTurnLocked(LocalListening, reason)
	s.mu.Unlock()

	if recording {
		_, _ = s.c.Capture.StopRecording()
	}
	if span != nil {
		span.End()
	}
	s.c.Capture.Release()
	if s.c.Transport != nil {
		s.c.Transport.Disconnect()
	}
	s.c.Playback.Clear()
	s.c.Captions.SetSpeaking(false)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("interview: disconnected", "interview_id", s.cfg.InterviewID, "reason", reason)
}

func (s *Session) finish(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	s.progress.Completed = true
	prog := s.progress
	mode := s.mode
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "interview.finish", observe.InterviewAttrs(s.cfg.InterviewID, string(mode)))
	defer span.End()

	var errs []error
	if err := s.completion.Complete(ctx); err != nil {
		span.RecordError(err)
		errs = append(errs, fmt.Errorf("interview: complete: %w", err))
	}
	if err := s.store.SaveProgress(ctx, prog); err != nil {
		errs = append(errs, fmt.Errorf("interview: save progress: %w", err))
	}
	s.disconnect(reason)
	observe.Logger(ctx).Info("interview: finished", "interview_id", s.cfg.InterviewID, "turns", prog.Turns)
	return errors.Join(errs...)
}

func (s *Session) resolveMode(p prefs.Preferences) Mode {
	switch s.cfg.Mode {
	case ModeRealtime, ModeBatch:
		return s.cfg.Mode
	}
	if p.RealtimeEnabled {
		return ModeRealtime
	}
	return ModeBatch
}

// ── Turns ─────────────────────────────────────────────────────────────────────

// StartTurn starts recording the candidate's answer. In realtime mode every
// captured frame is streamed to the backend; in batch mode the answer is
// uploaded on StopTurn. Starting a turn while the interviewer is speaking
// interrupts the playback. The first turn of a session records that the
// candidate was told answers are recorded.
func (s *Session) StartTurn(ctx context.Context) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case !s.connected:
		s.mu.Unlock()
		return ErrNotConnected
	case s.prefs.InputMode == prefs.InputText:
		s.mu.Unlock()
		return ErrTextInput
	case s.recording || s.turn == LocalSpeaking || s.turn == Processing:
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	interrupt := s.turn == RemoteSpeaking
	mode := s.mode
	warned := s.progress.RecordingWarningShown
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "interview.turn", observe.InterviewAttrs(s.cfg.InterviewID, string(mode)))
	log := observe.Logger(ctx)

	if interrupt {
		s.c.Playback.Clear()
	}
	if !warned {
		s.markRecordingWarning(ctx)
	}

	var onFrame capture.FrameFunc
	if mode == ModeRealtime {
		tr := s.c.Transport
		onFrame = func(f audio.AudioFrame) {
			if err := tr.SendAudioFrame(f); err != nil {
				slog.Debug("interview: frame not sent", "seq", f.Seq, "err", err)
			}
		}
	}
	if s.c.Capture.State() == capture.StateError {
		// The previous turn lost the device; try a fresh one before giving up.
		if err := s.reacquire(ctx); err != nil {
			span.RecordError(err)
			span.End()
			return fmt.Errorf("interview: start turn: %w", err)
		}
	}
	if err := s.c.Capture.StartRecording(ctx, onFrame); err != nil {
		s.setErr(err)
		span.RecordError(err)
		span.End()
		return fmt.Errorf("interview: start turn: %w", err)
	}

	s.mu.Lock()
	if !s.connected {
		// Disconnected while the microphone was starting.
		s.mu.Unlock()
		_, _ = s.c.Capture.StopRecording()
		span.End()
		return ErrNotConnected
	}
	s.recording = true
	s.turnSpan = span
	s.mu.Unlock()

	log.Debug("interview: turn started", "mode", mode, "interrupted", interrupt)
	return nil
}

// ReacquireMicrophone drops the held microphone stream and acquires a fresh
// one, recovering from a lost or refused device without touching the
// transport. It fails with [ErrTurnInProgress] while recording.
func (s *Session) ReacquireMicrophone(ctx context.Context) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.recording:
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	s.mu.Unlock()

	if err := s.reacquire(ctx); err != nil {
		return fmt.Errorf("interview: reacquire microphone: %w", err)
	}
	return nil
}

func (s *Session) reacquire(ctx context.Context) error {
	if err := s.c.Capture.Reacquire(ctx); err != nil {
		s.setErr(err)
		return err
	}
	s.mu.Lock()
	if _, ok := audio.PermissionReasonOf(s.lastErr); ok {
		s.lastErr = nil
	}
	s.mu.Unlock()
	observe.Logger(ctx).Info("interview: microphone reacquired", "interview_id", s.cfg.InterviewID)
	return nil
}

// StopTurn commits the answer. In realtime mode the backend is told the
// utterance is complete and the reply arrives as audio and transcripts. In
// batch mode the recording is uploaded with the next sequence number and the
// reply text is captioned. Calling StopTurn without an active recording is a
// no-op. Any failure returns the session to LocalListening.
func (s *Session) StopTurn(ctx context.Context) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return nil
	}
	s.recording = false
	mode := s.mode
	span := s.turnSpan
	s.turnSpan = nil
	s.setTurnLocked(Processing, "answer committed")
	s.mu.Unlock()

	if span != nil {
		ctx = trace.ContextWithSpan(ctx, span)
		defer span.End()
	}

	rec, err := s.c.Capture.StopRecording()
	if err != nil {
		s.failSafe("capture failed", err)
		return fmt.Errorf("interview: stop turn: %w", err)
	}
	if mode == ModeRealtime {
		err = s.commitRealtime(ctx, rec)
	} else {
		err = s.commitBatch(ctx, rec)
	}
	if err != nil && span != nil {
		span.RecordError(err)
	}
	return err
}

func (s *Session) commitRealtime(ctx context.Context, rec *capture.Recording) error {
	if rec == nil || rec.Frames == 0 {
		s.transitionFrom(Processing, LocalListening, "nothing captured")
		return nil
	}

	s.mu.Lock()
	s.armResponseLocked()
	s.mu.Unlock()

	if err := s.c.Transport.CommitAudio(); err != nil {
		s.failSafe("commit failed", err)
		return fmt.Errorf("interview: stop turn: commit: %w", err)
	}
	s.countTurn(ctx, string(ModeRealtime))
	observe.Logger(ctx).Debug("interview: answer committed", "frames", rec.Frames, "duration", rec.Duration)
	return nil
}

func (s *Session) commitBatch(ctx context.Context, rec *capture.Recording) error {
	if rec == nil || len(rec.Blob) == 0 {
		s.transitionFrom(Processing, LocalListening, "nothing captured")
		return nil
	}

	s.mu.Lock()
	seq := uint64(s.progress.Turns + 1)
	s.mu.Unlock()

	start := s.now()
	res, err := s.transcriber.Transcribe(ctx, rec.Blob, rec.MimeType, seq)
	if err != nil {
		s.failSafe("transcription failed", err)
		return fmt.Errorf("interview: stop turn: %w", err)
	}
	s.c.Monitor.RecordResponseTime(s.now().Sub(start))
	s.countTurn(ctx, string(ModeBatch))

	observe.Logger(ctx).Debug("interview: answer transcribed",
		"seq", seq,
		"recording_id", rec.ID,
		"transcription_chars", len(res.Transcription),
	)
	s.showReply(fmt.Sprintf("turn-%d", seq), res.AIResponse)
	s.transitionFrom(Processing, LocalListening, "reply received")
	return nil
}

// SendText answers with typed text over the conversation endpoint and
// captions the reply.
func (s *Session) SendText(ctx context.Context, text string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	text = strings.TrimSpace(text)
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case !s.connected:
		s.mu.Unlock()
		return ErrNotConnected
	case s.messenger == nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: text input", ErrNoBackend)
	case s.recording || s.turn == LocalSpeaking || s.turn == Processing:
		s.mu.Unlock()
		return ErrTurnInProgress
	case text == "":
		s.mu.Unlock()
		return errors.New("interview: send text: empty answer")
	}
	s.setTurnLocked(Processing, "text sent")
	turn := s.progress.Turns + 1
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "interview.turn", observe.InterviewAttrs(s.cfg.InterviewID, "text"))
	defer span.End()

	start := s.now()
	reply, err := s.messenger.SendMessage(ctx, text)
	if err != nil {
		span.RecordError(err)
		s.failSafe("message failed", err)
		return fmt.Errorf("interview: send text: %w", err)
	}
	s.c.Monitor.RecordResponseTime(s.now().Sub(start))
	s.countTurn(ctx, "text")
	s.showReply(fmt.Sprintf("message-%d", turn), reply)
	s.transitionFrom(Processing, LocalListening, "reply received")
	return nil
}

func (s *Session) showReply(id, text string) {
	if text == "" {
		return
	}
	s.c.Captions.Show(transport.Transcript{Role: transport.RoleAssistant, Text: text, MessageID: id})
}

func (s *Session) countTurn(ctx context.Context, mode string) {
	s.mu.Lock()
	s.progress.Turns++
	prog := s.progress
	s.mu.Unlock()

	if err := s.store.SaveProgress(ctx, prog); err != nil {
		observe.Logger(ctx).Warn("interview: saving progress failed", "err", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTurn(ctx, mode)
	}
}

func (s *Session) markRecordingWarning(ctx context.Context) {
	first, err := prefs.MarkRecordingWarning(ctx, s.store, s.cfg.SessionID)
	if err != nil {
		observe.Logger(ctx).Warn("interview: recording warning not persisted", "err", err)
		return
	}
	s.mu.Lock()
	s.progress.RecordingWarningShown = true
	s.mu.Unlock()
	if first {
		observe.Logger(ctx).Info("interview: candidate informed that answers are recorded", "session_id", s.cfg.SessionID)
	}
}

// ── Preferences ───────────────────────────────────────────────────────────────

// SetCaptionsEnabled switches captions on or off and persists the choice.
func (s *Session) SetCaptionsEnabled(ctx context.Context, on bool) error {
	if err := s.updatePrefs(ctx, func(p *prefs.Preferences) { p.CaptionsEnabled = on }); err != nil {
		return err
	}
	s.c.Captions.SetEnabled(on)
	return nil
}

// SetRealtime persists the realtime opt-in. It takes effect on the next
// Connect.
func (s *Session) SetRealtime(ctx context.Context, on bool) error {
	return s.updatePrefs(ctx, func(p *prefs.Preferences) { p.RealtimeEnabled = on })
}

// SetInputMode persists how the candidate answers. It is rejected while a
// turn is in progress.
func (s *Session) SetInputMode(ctx context.Context, m prefs.InputMode) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.mu.Lock()
	busy := s.recording || s.turn == LocalSpeaking || s.turn == Processing
	s.mu.Unlock()
	if busy {
		return ErrTurnInProgress
	}
	return s.updatePrefs(ctx, func(p *prefs.Preferences) { p.InputMode = m })
}

func (s *Session) updatePrefs(ctx context.Context, fn func(*prefs.Preferences)) error {
	p, err := s.store.Preferences(ctx, s.cfg.ProfileID)
	if err != nil {
		return fmt.Errorf("interview: load preferences: %w", err)
	}
	fn(&p)
	if err := s.store.SavePreferences(ctx, s.cfg.ProfileID, p); err != nil {
		return fmt.Errorf("interview: save preferences: %w", err)
	}
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	return nil
}

// ── Introspection ─────────────────────────────────────────────────────────────

// Status reports the session condition, including a classified microphone
// failure and the transport's reconnect attempt.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Connected:             s.connected,
		Turn:                  s.turn,
		Mode:                  s.mode,
		InputMode:             s.prefs.InputMode,
		ReconnectAttempt:      s.reconnectAttempt,
		Turns:                 s.progress.Turns,
		RecordingWarningShown: s.progress.RecordingWarningShown,
		Completed:             s.progress.Completed,
	}
	lastErr := s.lastErr
	s.mu.Unlock()

	st.Capture = s.c.Capture.State().String()
	st.Transport = "none"
	if s.c.Transport != nil {
		st.Transport = s.c.Transport.State().String()
	}
	st.Degraded = s.c.Monitor.Degraded()

	err := cmp.Or(s.c.Capture.Err(), lastErr)
	if reason, ok := audio.PermissionReasonOf(err); ok {
		st.PermissionReason = reason.String()
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Stats returns the combined component counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{Turn: s.turn, Turns: s.progress.Turns}
	s.mu.Unlock()

	if s.c.Transport != nil {
		st.Transport = s.c.Transport.Stats()
	}
	st.Monitor = s.c.Monitor.Snapshot()
	st.BufferDepth = s.c.Playback.Depth()
	st.Queued = s.c.Playback.Len()
	return st
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (s *Session) loop() {
	defer close(s.loopDone)

	capEvents := s.c.Capture.Events()
	var trEvents <-chan transport.Event
	if s.c.Transport != nil {
		trEvents = s.c.Transport.Events()
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-capEvents:
			if !ok {
				capEvents = nil
				continue
			}
			s.onCapture(ev)
		case ev, ok := <-trEvents:
			if !ok {
				trEvents = nil
				continue
			}
			s.onTransport(ev)
		}
	}
}

func (s *Session) onCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.EventSpeechStarted:
		s.mu.Lock()
		if s.recording && s.turn == LocalListening {
			s.setTurnLocked(LocalSpeaking, "speech started")
		}
		s.mu.Unlock()
	case capture.EventSpeechStopped:
		slog.Debug("interview: candidate paused", "level", ev.Level)
	case capture.EventDeviceLost:
		s.setErr(ev.Err)
		s.failSafe("microphone lost", ev.Err)
	}
}

func (s *Session) onTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventStateChanged:
		s.mu.Lock()
		prevAttempt := s.reconnectAttempt
		s.reconnectAttempt = ev.Attempt
		active := s.connected
		s.mu.Unlock()
		s.recordReconnect(ev, prevAttempt)
		if !active || ev.State == transport.StateConnected || s.c.Transport.State() == transport.StateConnected {
			return
		}
		if ev.Err != nil {
			s.setErr(ev.Err)
		}
		s.failSafe("transport "+ev.State.String(), ev.Err)

	case transport.EventAudioChunk:
		s.mu.Lock()
		first := s.awaiting
		var waited time.Duration
		if first {
			s.awaiting = false
			waited = s.now().Sub(s.committedAt)
			s.stopResponseTimerLocked()
		}
		s.mu.Unlock()
		if first {
			s.c.Monitor.RecordResponseTime(waited)
		}
		if err := s.c.Playback.EnqueueEncoded(s.ctx, ev.Audio, s.cfg.SampleRate, ev.Seq); err != nil {
			slog.Warn("interview: reply audio not queued", "seq", ev.Seq, "err", err)
		}

	case transport.EventTranscript:
		if ev.Transcript.Role != transport.RoleAssistant {
			slog.Debug("interview: ignoring candidate transcript", "message_id", ev.Transcript.MessageID)
			return
		}
		s.c.Captions.Show(ev.Transcript)

	case transport.EventBackendError:
		var be *transport.BackendError
		if s.metrics != nil && errors.As(ev.Err, &be) {
			s.metrics.RecordBackendError(s.ctx, be.Code, be.Terminal)
		}
		s.setErr(ev.Err)
		s.failSafe("backend error", ev.Err)

	case transport.EventInterviewComplete:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.opMu.Lock()
			defer s.opMu.Unlock()
			if err := s.finish(s.ctx, "interview complete"); err != nil {
				slog.Warn("interview: completion failed", "interview_id", s.cfg.InterviewID, "err", err)
			}
		}()
	}
}

func (s *Session) onPlayback(ev playback.Event) {
	switch ev.Kind {
	case playback.SpeechStarted:
		s.c.Captions.SetSpeaking(true)
		s.mu.Lock()
		if !s.recording {
			s.setTurnLocked(RemoteSpeaking, "playback started")
		}
		s.mu.Unlock()
	case playback.SpeechEnded:
		s.c.Captions.SetSpeaking(false)
		reason := "playback ended"
		if ev.Interrupted {
			reason = "playback interrupted"
		}
		s.transitionFrom(RemoteSpeaking, LocalListening, reason)
	}
}

func (s *Session) recordReconnect(ev transport.Event, prevAttempt int) {
	if s.metrics == nil {
		return
	}
	var outcome string
	switch {
	case ev.State == transport.StateConnecting && ev.Attempt > 0:
		outcome = "scheduled"
	case ev.State == transport.StateConnected && prevAttempt > 0:
		outcome = "succeeded"
	case ev.State == transport.StateError && prevAttempt > 0:
		outcome = "failed"
	default:
		return
	}
	s.metrics.RecordReconnect(s.ctx, outcome)
}

// ── State helpers ─────────────────────────────────────────────────────────────

// failSafe abandons an active turn and returns to LocalListening.
func (s *Session) failSafe(reason string, err error) {
	s.mu.Lock()
	recording := s.recording
	s.recording = false
	s.awaiting = false
	s.stopResponseTimerLocked()
	span := s.turnSpan
	s.turnSpan = nil
	changed := s.turn != LocalListening
	s.setTurnLocked(LocalListening, reason)
	s.mu.Unlock()

	if recording {
		_, _ = s.c.Capture.StopRecording()
	}
	if span != nil {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
	if recording || changed {
		slog.Warn("interview: turn abandoned", "interview_id", s.cfg.InterviewID, "reason", reason, "err", err)
	}
}

func (s *Session) transitionFrom(from, to TurnState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == from {
		s.setTurnLocked(to, reason)
	}
}

func (s *Session) setTurnLocked(to TurnState, reason string) {
	if s.turn == to {
		return
	}
	ev := TurnEvent{From: s.turn, To: to, Reason: reason, At: s.now()}
	s.turn = to
	slog.Debug("interview: turn", "from", ev.From, "to", to, "reason", reason)
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("interview: turn event dropped, consumer too slow", "to", to)
	}
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) armResponseLocked() {
	s.stopResponseTimerLocked()
	s.awaiting = true
	s.committedAt = s.now()
	gen := s.respGen
	s.respTimer = time.AfterFunc(s.cfg.ResponseTimeout, func() { s.responseTimedOut(gen) })
}

func (s *Session) stopResponseTimerLocked() {
	s.respGen++
	if s.respTimer != nil {
		s.respTimer.Stop()
		s.respTimer = nil
	}
}

func (s *Session) responseTimedOut(gen uint64) {
	s.mu.Lock()
	stale := gen != s.respGen || !s.awaiting
	s.mu.Unlock()
	if stale {
		return
	}
	s.setErr(ErrNoReply)
	s.failSafe("no reply", ErrNoReply)
}
