// Package wavfile implements the audio capability interfaces on top of WAV
// files so the pipeline can run headless from the command line.
//
//   - [Microphone] replays a WAV file in real time as if it were a capture
//     device, then keeps delivering silence until the stream is closed.
//   - [Sink] renders scheduled buffers onto a wall-clock timeline and writes
//     the result to a WAV file on Close.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/wav"
)

var (
	_ audio.MicrophoneSource = (*Microphone)(nil)
	_ audio.AudioSink        = (*Sink)(nil)
)

const defaultChunk = 20 * time.Millisecond

// ── Microphone ────────────────────────────────────────────────────────────────

// Microphone replays Path as a live capture device.
type Microphone struct {
	// Path is the WAV file to replay.
	Path string

	// DeviceRate is the sample rate the simulated device reports. Zero uses
	// the file's own rate. Browsers typically capture at 48000 Hz.
	DeviceRate int

	// Chunk is the duration of each delivered buffer. Defaults to 20 ms.
	Chunk time.Duration
}

// Query implements [audio.MicrophoneSource]. A readable file counts as a
// granted device.
func (m *Microphone) Query(_ context.Context) (audio.PermissionState, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return audio.PermissionDenied, nil
		}
		return audio.PermissionPrompt, nil
	}
	_ = f.Close()
	return audio.PermissionGranted, nil
}

// Acquire implements [audio.MicrophoneSource].
func (m *Microphone) Acquire(ctx context.Context) (audio.InputStream, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, &audio.PermissionError{Reason: audio.ReasonNoDevice, Err: err}
		case errors.Is(err, fs.ErrPermission):
			return nil, &audio.PermissionError{Reason: audio.ReasonDenied, Err: err}
		default:
			return nil, &audio.PermissionError{Reason: audio.ReasonUnsupported, Err: err}
		}
	}
	hdr, err := wav.ReadHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, &audio.PermissionError{Reason: audio.ReasonUnsupported, Err: err}
	}

	src := audio.Format{SampleRate: int(hdr.SampleRate), Channels: int(hdr.NumChannels)}
	rate := m.DeviceRate
	if rate <= 0 {
		rate = src.SampleRate
	}
	chunk := m.Chunk
	if chunk <= 0 {
		chunk = defaultChunk
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &inputStream{
		file:   f,
		src:    src,
		conv:   &audio.FormatConverter{TargetRate: rate},
		rate:   rate,
		chunk:  chunk,
		frames: make(chan []float32, 16),
		ctx:    streamCtx,
		cancel: cancel,
	}
	go s.run()
	return s, nil
}

type inputStream struct {
	file   *os.File
	src    audio.Format
	conv   *audio.FormatConverter
	rate   int
	chunk  time.Duration
	frames chan []float32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *inputStream) Format() audio.Format      { return audio.Format{SampleRate: s.rate, Channels: 1} }
func (s *inputStream) Frames() <-chan []float32 { return s.frames }

func (s *inputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
	})
	return nil
}

// run paces file reads to real time. It owns frames and the file.
func (s *inputStream) run() {
	defer close(s.frames)
	defer s.file.Close()

	srcFrameBytes := 2 * s.src.Channels
	srcChunkBytes := int(int64(s.src.SampleRate)*int64(s.chunk)/int64(time.Second)) * srcFrameBytes
	silence := make([]float32, int(int64(s.rate)*int64(s.chunk)/int64(time.Second)))
	buf := make([]byte, srcChunkBytes)
	eof := false

	ticker := time.NewTicker(s.chunk)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		var out []float32
		if eof {
			out = silence
		} else {
			n, err := io.ReadFull(s.file, buf)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.err = &audio.PermissionError{Reason: audio.ReasonDeviceLost, Err: err}
				s.mu.Unlock()
				return
			}
			if n < len(buf) {
				eof = true
				slog.Debug("wavfile microphone: end of file, delivering silence", "path", s.file.Name())
			}
			n -= n % srcFrameBytes
			pcm := s.conv.Convert(buf[:n], s.src)
			samples, _ := audio.DecodePCM16(pcm)
			out = audio.Int16sToFloats(samples)
			if len(out) == 0 {
				out = silence
			}
		}

		select {
		case s.frames <- out:
		case <-s.ctx.Done():
			return
		}
	}
}

// ── Sink ──────────────────────────────────────────────────────────────────────

type segment struct {
	samples []int16
	at      time.Duration
	timer   *time.Timer
	onEnded func()
	ended   bool
}

// Sink renders scheduled audio against the wall clock and writes the mixed
// timeline to Path on Close.
type Sink struct {
	path  string
	rate  int
	start time.Time

	mu       sync.Mutex
	primed   bool
	segments []*segment
	closed   bool
}

// NewSink creates a sink rendering at rate Hz into path.
func NewSink(path string, rate int) *Sink {
	return &Sink{path: path, rate: rate, start: time.Now()}
}

// Prime implements [audio.AudioSink]. Terminal output needs no user gesture.
func (s *Sink) Prime(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wavfile: sink closed")
	}
	s.primed = true
	return nil
}

// Now implements [audio.AudioSink].
func (s *Sink) Now() time.Duration { return time.Since(s.start) }

// Schedule implements [audio.AudioSink].
func (s *Sink) Schedule(samples []float32, rate int, at time.Duration, onEnded func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wavfile: sink closed")
	}
	pcm := audio.Resample(samples, rate, s.rate)
	seg := &segment{samples: pcm, at: at, onEnded: onEnded}
	dur := time.Duration(len(pcm)) * time.Second / time.Duration(s.rate)
	wait := max(at+dur-s.Now(), 0)
	seg.timer = time.AfterFunc(wait, func() { s.finish(seg) })
	s.segments = append(s.segments, seg)
	return nil
}

func (s *Sink) finish(seg *segment) {
	s.mu.Lock()
	if seg.ended {
		s.mu.Unlock()
		return
	}
	seg.ended = true
	fn := seg.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stop implements [audio.AudioSink]. Segments still playing are cut at the
// current time.
func (s *Sink) Stop() {
	now := s.Now()
	s.mu.Lock()
	var fire []func()
	for _, seg := range s.segments {
		if seg.ended {
			continue
		}
		seg.timer.Stop()
		seg.ended = true
		played := max(int(int64(now-seg.at)*int64(s.rate)/int64(time.Second)), 0)
		seg.samples = seg.samples[:min(played, len(seg.samples))]
		if seg.onEnded != nil {
			fire = append(fire, seg.onEnded)
		}
	}
	s.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// Close implements [audio.AudioSink]: stops playback and writes the rendered
// timeline to disk. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.Stop()

	s.mu.Lock()
	s.closed = true
	var total int
	for _, seg := range s.segments {
		startIdx := int(int64(seg.at) * int64(s.rate) / int64(time.Second))
		total = max(total, startIdx+len(seg.samples))
	}
	timeline := make([]int16, total)
	for _, seg := range s.segments {
		startIdx := int(int64(seg.at) * int64(s.rate) / int64(time.Second))
		copy(timeline[startIdx:], seg.samples)
	}
	s.segments = nil
	s.mu.Unlock()

	if len(timeline) == 0 {
		return nil
	}
	data, err := wav.Encode(timeline, s.rate)
	if err != nil {
		return fmt.Errorf("wavfile: encode output: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("wavfile: write %q: %w", s.path, err)
	}
	return nil
}
