// Package caption shows what the remote voice is saying, timed to its speech.
//
// A [Synchronizer] receives remote transcripts, sanitizes and segments them
// into reader-sized lines and keeps them visible while the remote side is
// speaking. Once speech stops a fade timer clears the visible text; any new
// caption arriving in the meantime cancels the fade. Every caption shown is
// kept in a bounded history for later review.
package caption

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/internal/transport"
)

// Default synchronizer parameters.
const (
	defaultHistorySize        = 10
	defaultVisibleDepth       = 3
	defaultFadeDelay          = 3 * time.Second
	defaultDuplicateThreshold = 0.97
)

// Item is one caption segment.
type Item struct {
	Text      string
	CreatedAt time.Time
	Role      transport.Role
	Visible   bool
}

// Snapshot is the caption state handed to subscribers.
type Snapshot struct {
	// Enabled reports whether captions are switched on.
	Enabled bool

	// Visible is true while the current caption is on screen.
	Visible bool

	// Lines holds the segments of the most recent caption.
	Lines []string

	// Recent is the visible history view, newest first.
	Recent []Item
}

// Config tunes a [Synchronizer]. Zero values select defaults.
type Config struct {
	// HistorySize bounds the caption history. Defaults to 10.
	HistorySize int

	// VisibleDepth bounds [Synchronizer.Recent]. Defaults to 3.
	VisibleDepth int

	// FadeDelay is how long a caption stays up after the remote side stops
	// speaking. Defaults to 3s.
	FadeDelay time.Duration

	// MaxSegment is the soft cap on segment length in runes. Defaults to 120.
	MaxSegment int

	// DuplicateThreshold is the Jaro-Winkler similarity above which a
	// transcript is treated as a replay of the previous one and ignored.
	// Defaults to 0.97; values above 1 disable the check.
	DuplicateThreshold float64
}

// Option is a functional option for [New].
type Option func(*Synchronizer)

// WithClock overrides the clock used for item timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer tracks the caption text, its visibility and the caption
// history. All methods are safe for concurrent use. Subscribers are called
// outside the internal lock, in the order the changes happened for changes
// made from a single goroutine.
type Synchronizer struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	enabled   bool
	visible   bool
	speaking  bool
	lines     []string
	lastText  string
	lastID    string
	history   []Item
	fade      *time.Timer
	fadeGen   uint64
	observers []func(Snapshot)
}

// New returns an enabled synchronizer.
func New(cfg Config, opts ...Option) *Synchronizer {
	cfg.HistorySize = cmp.Or(cfg.HistorySize, defaultHistorySize)
	cfg.VisibleDepth = cmp.Or(cfg.VisibleDepth, defaultVisibleDepth)
	cfg.FadeDelay = cmp.Or(cfg.FadeDelay, defaultFadeDelay)
	cfg.MaxSegment = cmp.Or(cfg.MaxSegment, DefaultMaxSegment)
	cfg.DuplicateThreshold = cmp.Or(cfg.DuplicateThreshold, defaultDuplicateThreshold)

	s := &Synchronizer{cfg: cfg, now: time.Now, enabled: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers fn to be called with a snapshot after every change.
func (s *Synchronizer) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Show displays a transcript. Only transcripts from [transport.RoleAssistant]
// are captioned; anything else, empty text and replays of the previous
// transcript are ignored. Reports whether the caption was shown.
func (s *Synchronizer) Show(tr transport.Transcript) bool {
	if tr.Role != transport.RoleAssistant {
		return false
	}
	text := Sanitize(tr.Text)
	if text == "" {
		return false
	}

	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return false
	}
	if s.isReplayLocked(tr.MessageID, text) {
		s.mu.Unlock()
		slog.Debug("caption: ignoring replayed transcript", "message_id", tr.MessageID)
		return false
	}

	s.stopFadeLocked()
	for i := range s.history {
		s.history[i].Visible = false
	}
	now := s.now()
	s.lines = Segment(text, s.cfg.MaxSegment)
	for _, line := range s.lines {
		s.history = append(s.history, Item{Text: line, CreatedAt: now, Role: tr.Role, Visible: true})
	}
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.lastText = text
	s.lastID = tr.MessageID
	s.visible = true
	if !s.speaking {
		// Captions that arrive outside remote speech still fade.
		s.startFadeLocked()
	}
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
	return true
}

// SetSpeaking tells the synchronizer whether the remote side is speaking.
// Leaving the speaking state starts the fade timer; entering it cancels a
// pending fade.
func (s *Synchronizer) SetSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking == speaking {
		return
	}
	s.speaking = speaking
	if speaking {
		s.stopFadeLocked()
		return
	}
	if s.visible {
		s.startFadeLocked()
	}
}

// SetEnabled switches captions on or off. Disabling clears the current text,
// its visibility and the history, and cancels a pending fade.
func (s *Synchronizer) SetEnabled(enabled bool) {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	if !enabled {
		s.stopFadeLocked()
		s.visible = false
		s.lines = nil
		s.history = nil
		s.lastText = ""
		s.lastID = ""
	}
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
}

// Reconfigure applies new tuning. The history is trimmed when it shrinks; a
// running fade keeps its original delay.
func (s *Synchronizer) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.HistorySize = cmp.Or(cfg.HistorySize, s.cfg.HistorySize)
	s.cfg.VisibleDepth = cmp.Or(cfg.VisibleDepth, s.cfg.VisibleDepth)
	s.cfg.FadeDelay = cmp.Or(cfg.FadeDelay, s.cfg.FadeDelay)
	s.cfg.MaxSegment = cmp.Or(cfg.MaxSegment, s.cfg.MaxSegment)
	s.cfg.DuplicateThreshold = cmp.Or(cfg.DuplicateThreshold, s.cfg.DuplicateThreshold)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
}

// Current returns a snapshot of the caption state.
func (s *Synchronizer) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Recent returns up to VisibleDepth history items, newest first.
func (s *Synchronizer) Recent() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked()
}

// History returns the full caption history, oldest first.
func (s *Synchronizer) History() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Stop cancels a pending fade. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFadeLocked()
}

// ── internals ─────────────────────────────────────────────────────────────────

// isReplayLocked reports whether a transcript repeats the previous one. Message
// ids decide when both are known; otherwise near-identical text does.
func (s *Synchronizer) isReplayLocked(id, text string) bool {
	if s.lastText == "" {
		return false
	}
	if id != "" && s.lastID != "" {
		return id == s.lastID
	}
	if s.cfg.DuplicateThreshold > 1 {
		return false
	}
	return matchr.JaroWinkler(text, s.lastText, false) >= s.cfg.DuplicateThreshold
}

func (s *Synchronizer) startFadeLocked() {
	s.stopFadeLocked()
	gen := s.fadeGen
	s.fade = time.AfterFunc(s.cfg.FadeDelay, func() { s.fadeOut(gen) })
}

// stopFadeLocked cancels the pending fade. Bumping the generation makes a
// timer that already fired a no-op.
func (s *Synchronizer) stopFadeLocked() {
	s.fadeGen++
	if s.fade != nil {
		s.fade.Stop()
		s.fade = nil
	}
}

func (s *Synchronizer) fadeOut(gen uint64) {
	s.mu.Lock()
	if gen != s.fadeGen || !s.visible {
		s.mu.Unlock()
		return
	}
	s.fade = nil
	s.visible = false
	for i := range s.history {
		s.history[i].Visible = false
	}
	notify := s.notifyLocked()
	s.mu.Unlock()

	notify()
}

func (s *Synchronizer) recentLocked() []Item {
	n := min(len(s.history), s.cfg.VisibleDepth)
	out := make([]Item, 0, n)
	for i := len(s.history) - 1; i >= len(s.history)-n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	return Snapshot{
		Enabled: s.enabled,
		Visible: s.visible,
		Lines:   slices.Clone(s.lines),
		Recent:  s.recentLocked(),
	}
}

// notifyLocked captures the current snapshot and returns a function that
// delivers it to every observer. Call the result after unlocking.
func (s *Synchronizer) notifyLocked() func() {
	if len(s.observers) == 0 {
		return func() {}
	}
	snap := s.snapshotLocked()
	observers := slices.Clone(s.observers)
	return func() {
		for _, fn := range observers {
			fn(snap)
		}
	}
}
