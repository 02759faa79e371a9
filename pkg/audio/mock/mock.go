// Package mock provides in-memory implementations of the [audio.MicrophoneSource],
// [audio.InputStream], and [audio.AudioSink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewInputStream(audio.Format{SampleRate: 48000, Channels: 1})
//	mic := &mock.Microphone{AcquireResult: stream}
//	sink := mock.NewSink()
//	// ... drive the code under test ...
//	stream.Push(samples)
//	sink.Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.MicrophoneSource = (*Microphone)(nil)
	_ audio.InputStream      = (*InputStream)(nil)
	_ audio.AudioSink        = (*Sink)(nil)
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream]. Tests feed it with [InputStream.Push]
// and simulate hardware failure with [InputStream.Fail].
type InputStream struct {
	format audio.Format
	frames chan []float32

	mu     sync.Mutex
	err    error
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream creates an open stream with the given format and a frame
// buffer of 64 entries.
func NewInputStream(format audio.Format) *InputStream {
	return &InputStream{
		format: format,
		frames: make(chan []float32, 64),
	}
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan []float32 { return s.frames }

// Err implements [audio.InputStream].
func (s *InputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers one sample buffer. It reports false if the stream is closed.
func (s *InputStream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- samples
	return true
}

// Fail closes the stream with err, as if the device disappeared.
func (s *InputStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return nil
}

// Closed reports whether the stream has been closed or failed.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.MicrophoneSource].
type Microphone struct {
	mu sync.Mutex

	// QueryResult is returned by [Microphone.Query].
	QueryResult audio.PermissionState

	// AcquireResult is returned by [Microphone.Acquire] when AcquireFunc is nil.
	AcquireResult audio.InputStream

	// AcquireError is returned by [Microphone.Acquire] when AcquireFunc is nil.
	AcquireError error

	// AcquireFunc, if set, overrides AcquireResult/AcquireError. Useful to hand
	// out a fresh stream per call.
	AcquireFunc func() (audio.InputStream, error)

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// CallCountQuery records how many times Query was called.
	CallCountQuery int
}

// Query implements [audio.MicrophoneSource].
func (m *Microphone) Query(_ context.Context) (audio.PermissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountQuery++
	return m.QueryResult, nil
}

// Acquire implements [audio.MicrophoneSource].
func (m *Microphone) Acquire(_ context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	m.CallCountAcquire++
	fn := m.AcquireFunc
	res, err := m.AcquireResult, m.AcquireError
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.Schedule] invocation.
type ScheduleCall struct {
	// Samples is the buffer passed to Schedule.
	Samples []float32

	// Rate is the sample rate passed to Schedule.
	Rate int

	// At is the sink time the buffer was scheduled to start at.
	At time.Duration

	// End is At plus the buffer duration.
	End time.Duration
}

type scheduled struct {
	end     time.Duration
	onEnded func()
	done    bool
}

// Sink is a mock [audio.AudioSink] with a manually driven clock. Buffers end
// (and their onEnded callbacks fire) when [Sink.Advance] or [Sink.SetNow]
// moves the clock past their end time, or on [Sink.Stop].
type Sink struct {
	mu      sync.Mutex
	now     time.Duration
	pending []*scheduled
	closed  bool

	// PrimeError is returned by [Sink.Prime].
	PrimeError error

	// ScheduleError is returned by [Sink.Schedule].
	ScheduleError error

	// ScheduleCalls records every Schedule call in order.
	ScheduleCalls []ScheduleCall

	// CallCountPrime records how many times Prime was called.
	CallCountPrime int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSink returns a sink whose clock starts at zero.
func NewSink() *Sink { return &Sink{} }

// Prime implements [audio.AudioSink].
func (s *Sink) Prime(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPrime++
	return s.PrimeError
}

// Now implements [audio.AudioSink].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements [audio.AudioSink].
func (s *Sink) Schedule(samples []float32, rate int, at time.Duration, onEnded func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return s.ScheduleError
	}
	end := at + time.Duration(len(samples))*time.Second/time.Duration(rate)
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{Samples: samples, Rate: rate, At: at, End: end})
	s.pending = append(s.pending, &scheduled{end: end, onEnded: onEnded})
	return nil
}

// Calls returns a copy of ScheduleCalls.
func (s *Sink) Calls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Advance moves the clock forward by d and fires onEnded for every buffer
// whose end time has passed, in end-time order. Callbacks run synchronously
// on the caller's goroutine.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	fire := s.collectEndedLocked(false)
	s.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// SetNow sets the clock to t without firing anything earlier than t twice.
func (s *Sink) SetNow(t time.Duration) {
	s.mu.Lock()
	if t > s.now {
		s.now = t
	}
	fire := s.collectEndedLocked(false)
	s.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// Stop implements [audio.AudioSink]. Every outstanding buffer ends at once.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.CallCountStop++
	fire := s.collectEndedLocked(true)
	s.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// Close implements [audio.AudioSink].
func (s *Sink) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.closed = true
	s.mu.Unlock()
	s.Stop()
	return nil
}

// Outstanding returns the number of buffers that have not ended yet.
func (s *Sink) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sink) collectEndedLocked(all bool) []func() {
	sort.SliceStable(s.pending, func(i, j int) bool { return s.pending[i].end < s.pending[j].end })
	var fire []func()
	keep := s.pending[:0]
	for _, p := range s.pending {
		if all || p.end <= s.now {
			if !p.done && p.onEnded != nil {
				fire = append(fire, p.onEnded)
			}
			p.done = true
			continue
		}
		keep = append(keep, p)
	}
	s.pending = keep
	return fire
}
