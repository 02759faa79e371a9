// Package playback schedules received speech on an [audio.AudioSink] so that
// consecutive chunks play back to back without audible gaps.
//
// Every item starts at max(sink clock, end of the previously scheduled
// item). The queue reports the start and end of each remote utterance to its
// subscribers; those two signals are what the interview orchestrator uses to
// flip turns. At most Depth items are handed to the sink at once; the depth
// follows the monitor's buffer recommendation.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Default queue parameters.
const (
	defaultDepth         = 5
	defaultUnderrunGrace = 300 * time.Millisecond
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: queue closed")

// EventKind identifies a speech lifecycle [Event].
type EventKind int

const (
	// SpeechStarted fires when the first item of an utterance begins playing.
	SpeechStarted EventKind = iota + 1

	// SpeechEnded fires when the queue drains after playing at least one item,
	// or when [Queue.Clear] interrupts active speech.
	SpeechEnded
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind EventKind

	// Interrupted is true for a SpeechEnded caused by Clear.
	Interrupted bool

	// Items is the number of items played in the utterance (SpeechEnded only).
	Items int
}

// Handler receives playback events. Handlers run synchronously on the
// goroutine that caused the transition and must not call back into the
// queue.
type Handler func(Event)

// Observer receives playback quality signals. The performance monitor
// implements it.
type Observer interface {
	// RecordGlitch reports an underrun: speech resumed gap after the queue had
	// run dry.
	RecordGlitch(gap time.Duration)

	// RecordStable reports an utterance that played without underruns and
	// was not resumed within the underrun grace window.
	RecordStable()
}

// Config configures a [Queue].
type Config struct {
	// Depth is the maximum number of items scheduled on the sink at once.
	// Defaults to 5.
	Depth int

	// UnderrunGrace is the window after a drain during which newly arriving
	// audio is treated as the same utterance starving rather than a new one.
	// Defaults to 300 ms.
	UnderrunGrace time.Duration
}

// Option is a functional option for [New].
type Option func(*Queue)

// WithObserver attaches a quality observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

type item struct {
	samples []float32
	rate    int
	seq     uint64
}

// Queue is a gapless playback queue.
//
// All methods are safe for concurrent use.
type Queue struct {
	sink     audio.AudioSink
	grace    time.Duration
	observer Observer

	mu        sync.Mutex
	depth     int
	pending   []item
	scheduled int
	prevEnd   time.Duration
	playing   bool
	primed    bool
	gen       uint64
	played    int
	glitched  bool
	drainedAt time.Duration
	drained   bool
	handlers  []Handler

	// A clean drain is only reported stable once the grace window has passed
	// without a resume. settle is the real-time check; the next start
	// repeats it against the sink clock.
	stablePending bool
	drainGen      uint64
	settle        *time.Timer
	closed    bool
}

// New creates a queue that plays on sink.
func New(sink audio.AudioSink, cfg Config, opts ...Option) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.UnderrunGrace <= 0 {
		cfg.UnderrunGrace = defaultUnderrunGrace
	}
	q := &Queue{
		sink:  sink,
		grace: cfg.UnderrunGrace,
		depth: cfg.Depth,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Subscribe registers h for speech lifecycle events.
func (q *Queue) Subscribe(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// Init primes the sink. It is idempotent and called by every Enqueue, so
// output unlocked by a late user gesture starts playing pending audio.
func (q *Queue) Init(ctx context.Context) error {
	if err := q.sink.Prime(ctx); err != nil {
		return fmt.Errorf("playback: prime sink: %w", err)
	}
	q.mu.Lock()
	q.primed = true
	notes := q.pumpLocked()
	q.mu.Unlock()
	notify(notes)
	return nil
}

// Enqueue appends a decoded frame and starts playback if idle. Frames with
// no samples or no rate are dropped with a warning. If the sink cannot be
// primed the frame stays queued and the priming error is returned.
func (q *Queue) Enqueue(ctx context.Context, frame audio.AudioFrame) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(frame.Samples) == 0 || frame.SampleRate <= 0 {
		q.mu.Unlock()
		slog.Warn("playback: dropping corrupt frame", "seq", frame.Seq, "samples", len(frame.Samples), "rate", frame.SampleRate)
		return nil
	}
	q.pending = append(q.pending, item{
		samples: audio.Int16sToFloats(frame.Samples),
		rate:    frame.SampleRate,
		seq:     frame.Seq,
	})
	q.mu.Unlock()

	return q.Init(ctx)
}

// EnqueueEncoded decodes a base64 PCM16 payload at rate and enqueues it.
// Undecodable payloads are dropped with a warning and never fail the caller.
func (q *Queue) EnqueueEncoded(ctx context.Context, payload string, rate int, seq uint64) error {
	frame, err := audio.DecodeFrame(payload, rate)
	if err != nil {
		slog.Warn("playback: dropping undecodable chunk", "seq", seq, "err", err)
		return nil
	}
	frame.Seq = seq
	return q.Enqueue(ctx, frame)
}

// SetBufferDepth changes the look-ahead depth. Values below 1 are raised to 1.
func (q *Queue) SetBufferDepth(n int) {
	q.mu.Lock()
	q.depth = max(n, 1)
	notes := q.pumpLocked()
	q.mu.Unlock()
	notify(notes)
}

// Depth returns the current look-ahead depth.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Playing reports whether an utterance is in progress.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of items queued or scheduled but not yet finished.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.scheduled
}

// Clear drops all pending audio, stops the sink and resets scheduling. If an
// utterance was playing, subscribers receive an interrupted SpeechEnded;
// otherwise nothing is emitted.
func (q *Queue) Clear() {
	q.mu.Lock()
	wasPlaying := q.playing
	played := q.played
	// An utterance that already drained cleanly stays stable: nothing can
	// resume it after a Clear.
	flush := q.stablePending && q.drained
	q.resetLocked()
	obs := q.observer
	q.mu.Unlock()

	q.sink.Stop()

	if flush && obs != nil {
		obs.RecordStable()
	}
	if wasPlaying {
		slog.Debug("playback: speech interrupted", "items", played)
		q.emit(Event{Kind: SpeechEnded, Interrupted: true, Items: played})
	}
}

// Close clears the queue and releases the sink. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.resetLocked()
	q.mu.Unlock()

	if err := q.sink.Close(); err != nil {
		return fmt.Errorf("playback: close sink: %w", err)
	}
	return nil
}

func (q *Queue) resetLocked() {
	q.gen++
	q.pending = nil
	q.scheduled = 0
	q.prevEnd = 0
	q.playing = false
	q.played = 0
	q.glitched = false
	q.drained = false
	q.stablePending = false
	q.drainGen++
	if q.settle != nil {
		q.settle.Stop()
		q.settle = nil
	}
}

// pumpLocked hands pending items to the sink while the look-ahead allows.
// It returns the notifications to run once the lock is released.
func (q *Queue) pumpLocked() []func() {
	if !q.primed || q.closed {
		return nil
	}
	var notes []func()
	for q.scheduled < q.depth && len(q.pending) > 0 {
		it := q.pending[0]
		q.pending = q.pending[1:]

		now := q.sink.Now()
		start := max(now, q.prevEnd)
		dur := time.Duration(len(it.samples)) * time.Second / time.Duration(it.rate)

		gen := q.gen
		if err := q.sink.Schedule(it.samples, it.rate, start, func() { q.onEnded(gen) }); err != nil {
			slog.Warn("playback: schedule failed, dropping item", "seq", it.seq, "err", err)
			continue
		}
		q.scheduled++
		q.prevEnd = start + dur

		if !q.playing {
			q.playing = true
			q.played = 0
			q.glitched = false
			if q.drained && now-q.drainedAt <= q.grace {
				gap := now - q.drainedAt
				q.glitched = true
				q.stablePending = false
				if obs := q.observer; obs != nil {
					notes = append(notes, func() { obs.RecordGlitch(gap) })
				}
				slog.Debug("playback: underrun", "gap", gap)
			}
			if note := q.settleLocked(now); note != nil {
				notes = append(notes, note)
			}
			q.drained = false
			q.drainGen++
			notes = append(notes, func() { q.emit(Event{Kind: SpeechStarted}) })
		}
	}
	return notes
}

func (q *Queue) onEnded(gen uint64) {
	q.mu.Lock()
	if gen != q.gen {
		// Scheduled before a Clear; the queue has already been reset.
		q.mu.Unlock()
		return
	}
	q.scheduled--
	q.played++
	notes := q.pumpLocked()

	if q.scheduled == 0 && len(q.pending) == 0 && q.playing {
		q.playing = false
		q.drained = true
		q.drainedAt = q.sink.Now()
		q.prevEnd = 0
		ev := Event{Kind: SpeechEnded, Items: q.played}
		notes = append(notes, func() { q.emit(ev) })
		if q.observer != nil && !q.glitched {
			q.stablePending = true
			q.drainGen++
			drain := q.drainGen
			if q.settle != nil {
				q.settle.Stop()
			}
			q.settle = time.AfterFunc(q.grace+time.Millisecond, func() { q.onSettle(drain) })
		}
	}
	q.mu.Unlock()

	notify(notes)
}

// settleLocked reports a pending stable utterance once the sink clock shows
// the grace window after its drain has passed.
func (q *Queue) settleLocked(now time.Duration) func() {
	if !q.stablePending || !q.drained || now-q.drainedAt <= q.grace {
		return nil
	}
	q.stablePending = false
	return q.observer.RecordStable
}

func (q *Queue) onSettle(drain uint64) {
	q.mu.Lock()
	if drain != q.drainGen {
		q.mu.Unlock()
		return
	}
	note := q.settleLocked(q.sink.Now())
	q.mu.Unlock()
	if note != nil {
		note()
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	handlers := make([]Handler, len(q.handlers))
	copy(handlers, q.handlers)
	q.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func notify(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}
