// Package capture turns a microphone into a stream of session-rate PCM16
// frames (realtime mode) or a single encoded recording (batch mode).
//
// A [Session] owns at most one hardware [audio.InputStream] at a time. The
// stream is released whenever recording stops, permission is refused or the
// device disappears, and a released stream is never reused: the next
// recording acquires a fresh one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/wav"
)

// Default capture parameters.
const (
	defaultSampleRate    = 24000
	defaultFrameInterval = 100 * time.Millisecond
	defaultFlushInterval = time.Second
	eventBuffer          = 16
)

var (
	// ErrAlreadyRecording is returned by StartRecording while a recording is
	// in progress.
	ErrAlreadyRecording = errors.New("capture: already recording")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("capture: session closed")
)

// State is the capture lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies an [Event].
type EventKind int

const (
	EventSpeechStarted EventKind = iota + 1
	EventSpeechStopped
	EventDeviceLost
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventDeviceLost:
		return "device_lost"
	default:
		return "unknown"
	}
}

// Event is emitted on [Session.Events].
type Event struct {
	Kind EventKind

	// Level is the chunk RMS that triggered a speech event.
	Level float64

	// Err is set for EventDeviceLost.
	Err error
}

// FrameFunc receives each streamed frame. It is called on the capture
// goroutine and must not block for long.
type FrameFunc func(audio.AudioFrame)

// BlobEncoder accumulates batch-mode PCM and produces the upload blob.
// Both [wav.Encoder] and the Opus encoder satisfy it.
type BlobEncoder interface {
	Write(samples []int16) error
	Finish() ([]byte, error)
	MimeType() string
	Close() error
}

// EncoderFactory creates a [BlobEncoder] for mono audio at sampleRate.
type EncoderFactory func(sampleRate int) (BlobEncoder, error)

// WAVEncoder is the default [EncoderFactory].
func WAVEncoder(sampleRate int) (BlobEncoder, error) {
	return wav.NewEncoder(sampleRate), nil
}

// Recording is the result of [Session.StopRecording].
type Recording struct {
	// ID uniquely identifies the recording.
	ID string

	// Blob is the encoded audio in batch mode. Nil in streaming mode or when
	// nothing was captured.
	Blob []byte

	// MimeType describes Blob.
	MimeType string

	// Frames counts streamed frames. Zero in batch mode.
	Frames int

	// Duration is the captured audio duration at SampleRate.
	Duration time.Duration

	// SampleRate of the encoded or streamed audio.
	SampleRate int
}

// Config configures a [Session].
type Config struct {
	// SampleRate is the session rate every frame is resampled to. Defaults
	// to 24000.
	SampleRate int

	// FrameInterval is the streamed frame duration. Defaults to 100 ms.
	FrameInterval time.Duration

	// FlushInterval is how often batch audio is handed to the encoder.
	// Defaults to 1 s.
	FlushInterval time.Duration

	// NewEncoder creates the batch-mode blob encoder. Defaults to WAV.
	NewEncoder EncoderFactory

	// Meter tunes speech detection.
	Meter MeterConfig
}

// recording holds the state of one StartRecording..StopRecording span. The
// counters are owned by the run goroutine until done is closed.
type recording struct {
	stream  audio.InputStream
	onFrame FrameFunc
	enc     BlobEncoder
	stop    chan struct{}
	done    chan struct{}

	srcRate int
	frames  int
	samples int
	batch   []int16
	err     error
}

// Session captures audio from one microphone.
//
// All methods are safe for concurrent use.
type Session struct {
	mic    audio.MicrophoneSource
	cfg    Config
	meter  *Meter
	events chan Event

	mu      sync.Mutex
	state   State
	lastErr error
	stream  audio.InputStream
	active  *recording
	closed  bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an idle capture session on mic.
func New(mic audio.MicrophoneSource, cfg Config) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = WAVEncoder
	}
	return &Session{
		mic:    mic,
		cfg:    cfg,
		meter:  NewMeter(cfg.Meter),
		events: make(chan Event, eventBuffer),
	}
}

// Events returns the channel of speech and device events. It is closed by
// [Session.Close].
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into [StateError], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Level returns the RMS level of the most recent captured chunk.
func (s *Session) Level() float64 { return s.meter.Level() }

// RequestPermission acquires the microphone. Failures move the session into
// [StateError] and are returned as a wrapped [*audio.PermissionError] whose
// reason tells a refusal apart from a missing device or platform.
// Calling it while a stream is already held is a no-op.
func (s *Session) RequestPermission(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := s.mic.Acquire(ctx)
	if err != nil {
		perr := classify(err)
		s.mu.Lock()
		s.state = StateError
		s.lastErr = perr
		s.mu.Unlock()
		slog.Warn("capture: microphone unavailable", "reason", perr.Reason, "err", err)
		return fmt.Errorf("capture: request permission: %w", perr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stream != nil {
		// Lost a race with Close or a concurrent acquire.
		_ = stream.Close()
		if s.closed {
			return ErrClosed
		}
		return nil
	}
	s.stream = stream
	if s.state == StateError {
		s.state = StateIdle
		s.lastErr = nil
	}
	slog.Debug("capture: microphone acquired", "format", stream.Format())
	return nil
}

// StartRecording starts capturing. With onFrame set, session-rate frames of
// FrameInterval are streamed to it. With onFrame nil, audio is accumulated
// for a batch [Recording]. A stream is acquired first if none is held.
func (s *Session) StartRecording(ctx context.Context, onFrame FrameFunc) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.active != nil {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	needStream := s.stream == nil
	s.mu.Unlock()

	if needStream {
		if err := s.RequestPermission(ctx); err != nil {
			return err
		}
	}

	var enc BlobEncoder
	if onFrame == nil {
		var err error
		if enc, err = s.cfg.NewEncoder(s.cfg.SampleRate); err != nil {
			return fmt.Errorf("capture: create encoder: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.stream == nil || s.closed {
		if enc != nil {
			_ = enc.Close()
		}
		if s.active != nil {
			return ErrAlreadyRecording
		}
		return errors.New("capture: start recording: microphone released")
	}

	rec := &recording{
		stream:  s.stream,
		onFrame: onFrame,
		enc:     enc,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		srcRate: s.stream.Format().SampleRate,
	}
	s.active = rec
	s.state = StateRecording
	s.lastErr = nil
	s.meter.Reset()
	s.wg.Add(1)
	go s.run(rec)

	slog.Debug("capture: recording started", "streaming", onFrame != nil, "source_rate", rec.srcRate)
	return nil
}

// StopRecording stops the current recording, releases the hardware stream
// and returns what was captured. It returns (nil, nil) when not recording.
func (s *Session) StopRecording() (*Recording, error) {
	s.mu.Lock()
	rec := s.active
	s.active = nil
	s.mu.Unlock()
	if rec == nil {
		return nil, nil
	}

	close(rec.stop)
	<-rec.done
	_ = rec.stream.Close()

	s.mu.Lock()
	if s.stream == rec.stream {
		s.stream = nil
	}
	if s.state == StateRecording {
		s.state = StateIdle
	}
	s.mu.Unlock()

	out := &Recording{
		ID:         uuid.NewString(),
		Frames:     rec.frames,
		SampleRate: s.cfg.SampleRate,
		Duration:   time.Duration(rec.samples) * time.Second / time.Duration(s.cfg.SampleRate),
	}
	if rec.enc == nil {
		return out, nil
	}
	defer rec.enc.Close()
	if rec.err != nil {
		return nil, fmt.Errorf("capture: stop recording: %w", rec.err)
	}
	out.MimeType = rec.enc.MimeType()
	if rec.samples == 0 {
		return out, nil
	}
	blob, err := rec.enc.Finish()
	if err != nil {
		return nil, fmt.Errorf("capture: stop recording: %w", err)
	}
	out.Blob = blob
	return out, nil
}

// Reacquire recovers from a lost or refused device by acquiring a fresh
// stream. This is independent of network reconnection.
func (s *Session) Reacquire(ctx context.Context) error {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.state = StateIdle
	s.lastErr = nil
	s.mu.Unlock()
	return s.RequestPermission(ctx)
}

// Release closes a held stream that is not recording. Idempotent.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.stream == nil {
		return
	}
	_ = s.stream.Close()
	s.stream = nil
}

// Close stops any recording, releases the hardware and closes the event
// channel. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_, _ = s.StopRecording()
		s.mu.Lock()
		s.closed = true
		if s.stream != nil {
			_ = s.stream.Close()
			s.stream = nil
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

// ── capture goroutine ─────────────────────────────────────────────────────────

func (s *Session) run(rec *recording) {
	defer s.wg.Done()
	defer close(rec.done)

	chunkLen := max(int(int64(rec.srcRate)*int64(s.cfg.FrameInterval)/int64(time.Second)), 1)
	flushLen := max(int(int64(s.cfg.SampleRate)*int64(s.cfg.FlushInterval)/int64(time.Second)), 1)
	frames := rec.stream.Frames()
	var pending []float32

	consume := func(buf []float32) {
		pending = append(pending, buf...)
		for len(pending) >= chunkLen {
			s.processChunk(rec, pending[:chunkLen], flushLen)
			pending = pending[chunkLen:]
		}
	}
	finish := func() {
		if len(pending) > 0 {
			s.processChunk(rec, pending, flushLen)
		}
		s.flushBatch(rec)
	}

	for {
		select {
		case <-rec.stop:
			// Keep what the device already delivered.
		drain:
			for {
				select {
				case buf, ok := <-frames:
					if !ok {
						break drain
					}
					consume(buf)
				default:
					break drain
				}
			}
			finish()
			return

		case buf, ok := <-frames:
			if !ok {
				finish()
				s.deviceLost(rec)
				return
			}
			consume(buf)
		}
	}
}

func (s *Session) processChunk(rec *recording, chunk []float32, flushLen int) {
	if changed, speaking := s.meter.Observe(chunk, rec.srcRate); changed {
		kind := EventSpeechStopped
		if speaking {
			kind = EventSpeechStarted
		}
		s.emit(Event{Kind: kind, Level: s.meter.Level()})
	}

	pcm := audio.Resample(chunk, rec.srcRate, s.cfg.SampleRate)
	offset := rec.samples
	rec.samples += len(pcm)

	if rec.onFrame != nil {
		rec.frames++
		rec.onFrame(audio.AudioFrame{
			Samples:    pcm,
			SampleRate: s.cfg.SampleRate,
			Origin:     audio.OriginLocalCapture,
			Seq:        uint64(rec.frames),
			Timestamp:  time.Duration(offset) * time.Second / time.Duration(s.cfg.SampleRate),
		})
		return
	}

	rec.batch = append(rec.batch, pcm...)
	if len(rec.batch) >= flushLen {
		s.flushBatch(rec)
	}
}

func (s *Session) flushBatch(rec *recording) {
	if rec.enc == nil || len(rec.batch) == 0 || rec.err != nil {
		return
	}
	if err := rec.enc.Write(rec.batch); err != nil {
		rec.err = err
		slog.Error("capture: encoder write failed", "err", err)
	}
	rec.batch = rec.batch[:0]
}

// deviceLost handles the stream closing while still recording.
func (s *Session) deviceLost(rec *recording) {
	err := rec.stream.Err()
	var perr *audio.PermissionError
	if err == nil || !errors.As(err, &perr) {
		perr = &audio.PermissionError{Reason: audio.ReasonDeviceLost, Err: err}
	}

	s.mu.Lock()
	if s.active != rec {
		// StopRecording already owns the teardown.
		s.mu.Unlock()
		return
	}
	s.active = nil
	if s.stream == rec.stream {
		s.stream = nil
	}
	s.state = StateError
	s.lastErr = perr
	s.mu.Unlock()

	_ = rec.stream.Close()
	if rec.enc != nil {
		_ = rec.enc.Close()
	}
	slog.Warn("capture: device lost while recording", "err", perr)
	s.emit(Event{Kind: EventDeviceLost, Err: perr})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("capture: event dropped, consumer too slow", "kind", ev.Kind)
	}
}

// classify maps any acquisition failure to a [*audio.PermissionError].
func classify(err error) *audio.PermissionError {
	var perr *audio.PermissionError
	if errors.As(err, &perr) {
		return perr
	}
	return &audio.PermissionError{Reason: audio.ReasonUnsupported, Err: err}
}
