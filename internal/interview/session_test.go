package interview_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/backend"
	bmock "github.com/MrWong99/parley/internal/backend/mock"
	"github.com/MrWong99/parley/internal/caption"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/interview"
	"github.com/MrWong99/parley/internal/monitor"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/prefs"
	"github.com/MrWong99/parley/internal/transport"
	trmock "github.com/MrWong99/parley/internal/transport/mock"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

const (
	waitTimeout = 3 * time.Second
	rate        = 24000
	profile     = "ada"
)

// ── rig ───────────────────────────────────────────────────────────────────────

type rig struct {
	t *testing.T

	mu      sync.Mutex
	streams []*audiomock.InputStream

	mic      *audiomock.Microphone
	sink     *audiomock.Sink
	dialer   *trmock.Dialer
	tr       *transport.Session
	mon      *monitor.Monitor
	queue    *playback.Queue
	captions *caption.Synchronizer
	backend  *bmock.Client
	store    *prefs.MemStore
	sess     *interview.Session
}

func newRig(t *testing.T, cfg interview.Config, p prefs.Preferences, opts ...interview.Option) *rig {
	t.Helper()
	r := &rig{t: t}
	r.mic = &audiomock.Microphone{AcquireFunc: func() (audio.InputStream, error) {
		st := audiomock.NewInputStream(audio.Format{SampleRate: rate, Channels: 1})
		r.mu.Lock()
		r.streams = append(r.streams, st)
		r.mu.Unlock()
		return st, nil
	}}
	r.sink = audiomock.NewSink()
	r.mon = monitor.New(monitor.Config{})
	r.queue = playback.New(r.sink, playback.Config{}, playback.WithObserver(r.mon))
	r.captions = caption.New(caption.Config{})
	r.dialer = &trmock.Dialer{AutoAck: true}

	tr, err := transport.New(transport.Config{
		BaseURL:            "wss://backend.test",
		InterviewID:        "iv-1",
		ReconnectBaseDelay: time.Hour,
	}, r.dialer, transport.WithObserver(r.mon))
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	r.tr = tr

	r.backend = &bmock.Client{}
	r.store = prefs.NewMemStore()
	if err := r.store.SavePreferences(context.Background(), profile, p); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}

	if cfg.InterviewID == "" {
		cfg.InterviewID = "iv-1"
	}
	cfg.ProfileID = profile
	all := append([]interview.Option{
		interview.WithPrefs(r.store),
		interview.WithTranscriber(r.backend),
		interview.WithMessenger(r.backend),
	}, opts...)

	r.sess, err = interview.New(cfg, interview.Components{
		Capture:   capture.New(r.mic, capture.Config{SampleRate: rate}),
		Playback:  r.queue,
		Transport: r.tr,
		Captions:  r.captions,
		Monitor:   r.mon,
	}, all...)
	if err != nil {
		t.Fatalf("interview.New: %v", err)
	}
	t.Cleanup(func() { _ = r.sess.Close() })
	return r
}

func voicePrefs(realtime bool) prefs.Preferences {
	p := prefs.Defaults()
	p.RealtimeEnabled = realtime
	return p
}

func (r *rig) connect() {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.sess.Connect(ctx); err != nil {
		r.t.Fatalf("Connect: %v", err)
	}
}

func (r *rig) stream() *audiomock.InputStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		r.t.Fatal("no microphone stream acquired")
	}
	return r.streams[len(r.streams)-1]
}

// speak pushes n loud 100 ms chunks into the current stream.
func (r *rig) speak(n int) {
	r.t.Helper()
	st := r.stream()
	for range n {
		if !st.Push(tone(rate/10, 0.3)) {
			r.t.Fatal("stream closed while speaking")
		}
	}
}

func (r *rig) deliver(v any) {
	r.t.Helper()
	ch := r.dialer.Last()
	if ch == nil {
		r.t.Fatal("no transport channel")
	}
	ch.Deliver(v)
}

func (r *rig) deliverAudio(samples int) {
	r.t.Helper()
	payload := audio.EncodeFrame(audio.AudioFrame{Samples: make([]int16, samples), SampleRate: rate})
	r.deliver(map[string]string{"type": "ai_audio_chunk", "audio": payload})
}

func tone(n int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitTurn(t *testing.T, s *interview.Session, want interview.TurnState) {
	t.Helper()
	waitFor(t, "turn "+want.String(), func() bool { return s.State() == want })
}

func written(r *rig, typ string) func() bool {
	return func() bool {
		ch := r.dialer.Last()
		return ch != nil && slices.Contains(ch.WrittenTypes(), typ)
	}
}

// ── construction and connect ──────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := interview.New(interview.Config{}, interview.Components{}); err == nil {
		t.Error("expected error without interview id")
	}
	if _, err := interview.New(interview.Config{InterviewID: "iv"}, interview.Components{}); err == nil {
		t.Error("expected error without components")
	}
}

func TestNew_AppliesMonitorDepth(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{}, voicePrefs(false))

	if got := r.queue.Depth(); got != 5 {
		t.Fatalf("initial queue depth = %d, want 5", got)
	}
	r.mon.RecordGlitch(10 * time.Millisecond)
	r.mon.RecordGlitch(10 * time.Millisecond)
	if got := r.queue.Depth(); got != 6 {
		t.Errorf("queue depth after glitch burst = %d, want 6", got)
	}
}

func TestConnect_ModeFromPreferences(t *testing.T) {
	t.Parallel()

	t.Run("opted in", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, interview.Config{}, voicePrefs(true))
		r.connect()
		if r.sess.Mode() != interview.ModeRealtime {
			t.Errorf("mode = %q, want realtime", r.sess.Mode())
		}
		if r.tr.State() != transport.StateConnected {
			t.Errorf("transport = %s, want connected", r.tr.State())
		}
	})

	t.Run("not opted in", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, interview.Config{}, voicePrefs(false))
		r.connect()
		if r.sess.Mode() != interview.ModeBatch {
			t.Errorf("mode = %q, want batch", r.sess.Mode())
		}
		if n := r.dialer.CallCount(); n != 0 {
			t.Errorf("dialed %d times in batch mode", n)
		}
	})

	t.Run("forced by config", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, interview.Config{Mode: interview.ModeBatch}, voicePrefs(true))
		r.connect()
		if r.sess.Mode() != interview.ModeBatch {
			t.Errorf("mode = %q, want batch", r.sess.Mode())
		}
	})
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{}, voicePrefs(false))
	r.mic.AcquireFunc = func() (audio.InputStream, error) {
		return nil, &audio.PermissionError{Reason: audio.ReasonDenied}
	}

	err := r.sess.Connect(context.Background())
	var perr *audio.PermissionError
	if !errors.As(err, &perr) || perr.Reason != audio.ReasonDenied {
		t.Fatalf("Connect err = %v, want denied permission error", err)
	}
	st := r.sess.Status()
	if st.Connected {
		t.Error("must not be connected")
	}
	if st.PermissionReason != "denied" {
		t.Errorf("permission reason = %q", st.PermissionReason)
	}
	if st.Capture != "error" {
		t.Errorf("capture = %q, want error", st.Capture)
	}
}

func TestConnect_TransportFailure(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.dialer.DialErr = errors.New("connection refused")

	if err := r.sess.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if r.sess.Status().Connected {
		t.Error("must not be connected")
	}
	if !r.stream().Closed() {
		t.Error("microphone should be released after a failed connect")
	}
}

// ── realtime ──────────────────────────────────────────────────────────────────

func TestRealtimeTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()
	ctx := context.Background()

	if err := r.sess.StartTurn(ctx); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	r.speak(2)
	waitTurn(t, r.sess, interview.LocalSpeaking)
	waitFor(t, "audio_chunk sent", written(r, "audio_chunk"))

	if err := r.sess.StopTurn(ctx); err != nil {
		t.Fatalf("StopTurn: %v", err)
	}
	if got := r.sess.State(); got != interview.Processing {
		t.Fatalf("state = %s, want processing", got)
	}
	if !written(r, "audio_commit")() {
		t.Fatal("audio_commit not sent")
	}

	r.deliverAudio(rate / 10)
	waitTurn(t, r.sess, interview.RemoteSpeaking)
	if n := r.mon.Snapshot().Response.Count; n != 1 {
		t.Errorf("response samples = %d, want 1", n)
	}

	r.deliver(map[string]string{"type": "transcript", "role": "assistant", "text": "Tell me about yourself.", "message_id": "m1"})
	waitFor(t, "caption", func() bool {
		snap := r.sess.Captions()
		return snap.Visible && strings.Join(snap.Lines, " ") == "Tell me about yourself."
	})

	r.sink.Advance(time.Second)
	waitTurn(t, r.sess, interview.LocalListening)

	st := r.sess.Status()
	if st.Turns != 1 || !st.RecordingWarningShown {
		t.Errorf("status = %+v", st)
	}
	prog, _ := r.store.Progress(ctx, "iv-1")
	if prog.Turns != 1 || !prog.RecordingWarningShown {
		t.Errorf("persisted progress = %+v", prog)
	}
}

func TestRealtime_TurnEvents(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()
	ctx := context.Background()

	_ = r.sess.StartTurn(ctx)
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)
	_ = r.sess.StopTurn(ctx)

	var got []interview.TurnState
	timeout := time.After(waitTimeout)
	for len(got) < 2 {
		select {
		case ev := <-r.sess.TurnEvents():
			got = append(got, ev.To)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := []interview.TurnState{interview.LocalSpeaking, interview.Processing}
	if !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestRealtime_StopWithoutAudio(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()
	ctx := context.Background()

	if err := r.sess.StartTurn(ctx); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := r.sess.StopTurn(ctx); err != nil {
		t.Fatalf("StopTurn: %v", err)
	}
	if got := r.sess.State(); got != interview.LocalListening {
		t.Errorf("state = %s, want local_listening", got)
	}
	if written(r, "audio_commit")() {
		t.Error("nothing was captured, commit must not be sent")
	}
	if err := r.sess.StopTurn(ctx); err != nil {
		t.Errorf("second StopTurn: %v", err)
	}
}

func TestRealtime_ConnectionLostDuringTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)

	_ = r.dialer.Last().Close()
	waitTurn(t, r.sess, interview.LocalListening)

	waitFor(t, "recording stopped", func() bool { return r.stream().Closed() })
	st := r.sess.Status()
	if st.Transport != "connecting" || st.ReconnectAttempt != 1 {
		t.Errorf("status = %+v, want reconnect attempt 1", st)
	}
	if err := r.sess.StopTurn(context.Background()); err != nil {
		t.Errorf("StopTurn after fallback: %v", err)
	}
}

func TestRealtime_TerminalBackendError(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)
	_ = r.sess.StopTurn(context.Background())

	r.deliver(map[string]string{"type": "error", "error": "session_ended", "message": "time is up"})
	waitTurn(t, r.sess, interview.LocalListening)
	waitFor(t, "error status", func() bool {
		return strings.Contains(r.sess.Status().Error, "session_ended")
	})
}

func TestRealtime_ReplyTimeout(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime, ResponseTimeout: 30 * time.Millisecond}, voicePrefs(true))
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)
	_ = r.sess.StopTurn(context.Background())

	waitTurn(t, r.sess, interview.LocalListening)
	if got := r.sess.Status().Error; got != interview.ErrNoReply.Error() {
		t.Errorf("error = %q, want %q", got, interview.ErrNoReply)
	}
}

func TestRealtime_UserTranscriptNotCaptioned(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	r.deliver(map[string]string{"type": "transcript", "role": "user", "text": "my answer", "message_id": "u1"})
	r.deliver(map[string]string{"type": "transcript", "role": "assistant", "text": "Next question.", "message_id": "a1"})
	waitFor(t, "assistant caption", func() bool { return len(r.sess.Captions().Lines) > 0 })

	for _, it := range r.captions.History() {
		if it.Role != transport.RoleAssistant {
			t.Errorf("captioned %q from %s", it.Text, it.Role)
		}
	}
}

func TestStartTurn_InterruptsPlayback(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	r.deliverAudio(rate)
	waitTurn(t, r.sess, interview.RemoteSpeaking)

	if err := r.sess.StartTurn(context.Background()); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got := r.sess.State(); got != interview.LocalListening {
		t.Errorf("state = %s, want local_listening after interrupt", got)
	}
	if r.queue.Playing() {
		t.Error("playback should be cleared")
	}
}

func TestDeviceLostDuringTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)

	r.stream().Fail(&audio.PermissionError{Reason: audio.ReasonDeviceLost})
	waitTurn(t, r.sess, interview.LocalListening)
	waitFor(t, "device-lost status", func() bool {
		return r.sess.Status().PermissionReason == "device-lost"
	})

	// The next turn recovers with a fresh device.
	lost := r.stream()
	if err := r.sess.StartTurn(context.Background()); err != nil {
		t.Fatalf("StartTurn after device loss: %v", err)
	}
	if r.stream() == lost {
		t.Fatal("expected a freshly acquired microphone stream")
	}
	st := r.sess.Status()
	if st.Capture != "recording" || st.PermissionReason != "" {
		t.Errorf("status after recovery = capture %q reason %q", st.Capture, st.PermissionReason)
	}
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)
}

func TestReacquireMicrophone(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()
	ctx := context.Background()

	_ = r.sess.StartTurn(ctx)
	if err := r.sess.ReacquireMicrophone(ctx); !errors.Is(err, interview.ErrTurnInProgress) {
		t.Fatalf("ReacquireMicrophone while recording = %v, want ErrTurnInProgress", err)
	}
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)

	first := r.stream()
	first.Fail(&audio.PermissionError{Reason: audio.ReasonDeviceLost})
	waitTurn(t, r.sess, interview.LocalListening)
	waitFor(t, "device-lost status", func() bool {
		return r.sess.Status().PermissionReason == "device-lost"
	})

	if err := r.sess.ReacquireMicrophone(ctx); err != nil {
		t.Fatalf("ReacquireMicrophone: %v", err)
	}
	if r.stream() == first {
		t.Error("expected a new stream")
	}
	st := r.sess.Status()
	if st.Capture != "idle" || st.Error != "" {
		t.Errorf("status = capture %q error %q, want idle without error", st.Capture, st.Error)
	}
	if st.Transport != "connected" {
		t.Errorf("transport = %q, want the connection untouched", st.Transport)
	}
}

// ── batch ─────────────────────────────────────────────────────────────────────

func TestBatchTurn(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeBatch}, voicePrefs(false))
	r.backend.TranscribeResult = backend.TranscribeResult{
		Transcription: "I like Go.",
		AIResponse:    "Great. Why?",
	}
	r.connect()
	ctx := context.Background()

	for turn := 1; turn <= 2; turn++ {
		if err := r.sess.StartTurn(ctx); err != nil {
			t.Fatalf("turn %d: StartTurn: %v", turn, err)
		}
		r.speak(3)
		waitTurn(t, r.sess, interview.LocalSpeaking)
		if err := r.sess.StopTurn(ctx); err != nil {
			t.Fatalf("turn %d: StopTurn: %v", turn, err)
		}
		if got := r.sess.State(); got != interview.LocalListening {
			t.Fatalf("turn %d: state = %s", turn, got)
		}
	}

	calls := r.backend.TranscribeCalls()
	if len(calls) != 2 {
		t.Fatalf("transcribe calls = %d, want 2", len(calls))
	}
	for i, c := range calls {
		if c.Seq != uint64(i+1) {
			t.Errorf("call %d: seq = %d", i, c.Seq)
		}
		if c.MimeType != "audio/wav" || len(c.Blob) == 0 {
			t.Errorf("call %d: mime=%q blob=%d bytes", i, c.MimeType, len(c.Blob))
		}
	}
	if got := strings.Join(r.sess.Captions().Lines, " "); got != "Great. Why?" {
		t.Errorf("caption = %q", got)
	}
	if n := r.mon.Snapshot().Response.Count; n != 2 {
		t.Errorf("response samples = %d, want 2", n)
	}
	if n := r.dialer.CallCount(); n != 0 {
		t.Errorf("batch mode dialed the transport %d times", n)
	}
}

func TestBatch_SequenceContinuesAcrossSessions(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeBatch}, voicePrefs(false))
	_ = r.store.SaveProgress(context.Background(), prefs.Progress{SessionID: "iv-1", Turns: 4})
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(2)
	waitTurn(t, r.sess, interview.LocalSpeaking)
	if err := r.sess.StopTurn(context.Background()); err != nil {
		t.Fatalf("StopTurn: %v", err)
	}
	if calls := r.backend.TranscribeCalls(); len(calls) != 1 || calls[0].Seq != 5 {
		t.Errorf("calls = %+v, want one call with seq 5", calls)
	}
}

func TestBatch_TranscribeFailure(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeBatch}, voicePrefs(false))
	r.backend.TranscribeErr = errors.New("backend: transcribe: 503")
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(2)
	waitTurn(t, r.sess, interview.LocalSpeaking)

	if err := r.sess.StopTurn(context.Background()); err == nil {
		t.Fatal("expected StopTurn error")
	}
	if got := r.sess.State(); got != interview.LocalListening {
		t.Errorf("state = %s, want local_listening", got)
	}
	if st := r.sess.Status(); st.Turns != 0 {
		t.Errorf("failed turn counted: %+v", st)
	}
}

// ── text ──────────────────────────────────────────────────────────────────────

func TestSendText(t *testing.T) {
	t.Parallel()
	p := prefs.Defaults()
	p.InputMode = prefs.InputText
	r := newRig(t, interview.Config{}, p)
	r.backend.Reply = "Thanks for sharing."
	r.connect()
	ctx := context.Background()

	if r.mic.CallCountAcquire != 0 {
		t.Error("text input must not acquire the microphone")
	}
	if err := r.sess.StartTurn(ctx); !errors.Is(err, interview.ErrTextInput) {
		t.Errorf("StartTurn err = %v, want ErrTextInput", err)
	}
	if err := r.sess.SendText(ctx, "   "); err == nil {
		t.Error("empty answer should be rejected")
	}
	if err := r.sess.SendText(ctx, "  I led the migration.  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := r.backend.Messages(); !slices.Equal(got, []string{"I led the migration."}) {
		t.Errorf("messages = %q", got)
	}
	if got := strings.Join(r.sess.Captions().Lines, " "); got != "Thanks for sharing." {
		t.Errorf("caption = %q", got)
	}
	if r.sess.State() != interview.LocalListening || r.sess.Status().Turns != 1 {
		t.Errorf("status = %+v", r.sess.Status())
	}
}

// ── turn guards ───────────────────────────────────────────────────────────────

func TestStartTurn_Guards(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	ctx := context.Background()

	if err := r.sess.StartTurn(ctx); !errors.Is(err, interview.ErrNotConnected) {
		t.Errorf("before connect: %v", err)
	}
	r.connect()
	if err := r.sess.StartTurn(ctx); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if err := r.sess.StartTurn(ctx); !errors.Is(err, interview.ErrTurnInProgress) {
		t.Errorf("second StartTurn: %v", err)
	}
	if err := r.sess.SetInputMode(ctx, prefs.InputText); !errors.Is(err, interview.ErrTurnInProgress) {
		t.Errorf("SetInputMode during turn: %v", err)
	}
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestFinish_RunsCompletionOnce(t *testing.T) {
	t.Parallel()
	client := &bmock.Client{}
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true), interview.WithCompletion(client))
	r.connect()
	ctx := context.Background()

	if err := r.sess.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := r.sess.Finish(ctx); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if n := client.CompleteCalls(); n != 1 {
		t.Errorf("completion ran %d times, want 1", n)
	}
	st := r.sess.Status()
	if st.Connected || !st.Completed {
		t.Errorf("status = %+v", st)
	}
}

func TestFinish_CompletionErrorStillDisconnects(t *testing.T) {
	t.Parallel()
	client := &bmock.Client{CompleteErr: errors.New("backend: complete: 500")}
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true), interview.WithCompletion(client))
	r.connect()

	if err := r.sess.Finish(context.Background()); err == nil {
		t.Fatal("expected completion error")
	}
	if r.sess.Status().Connected {
		t.Error("still connected")
	}
	prog, _ := r.store.Progress(context.Background(), "iv-1")
	if !prog.Completed {
		t.Error("progress not marked completed")
	}
}

func TestInterviewCompleteFromBackend(t *testing.T) {
	t.Parallel()
	client := &bmock.Client{}
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true), interview.WithCompletion(client))
	r.connect()

	r.deliver(map[string]string{"type": "interview_complete"})
	waitFor(t, "completion", func() bool { return client.CompleteCalls() == 1 })
	waitFor(t, "disconnect", func() bool { return !r.sess.Status().Connected })

	prog, _ := r.store.Progress(context.Background(), "iv-1")
	if !prog.Completed {
		t.Error("progress not marked completed")
	}
	if r.tr.State() != transport.StateDisconnected {
		t.Errorf("transport = %s", r.tr.State())
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	_ = r.sess.StartTurn(context.Background())
	r.speak(1)
	waitTurn(t, r.sess, interview.LocalSpeaking)

	r.sess.Disconnect()
	r.sess.Disconnect()

	if got := r.sess.State(); got != interview.LocalListening {
		t.Errorf("state = %s", got)
	}
	if !r.stream().Closed() {
		t.Error("microphone not released")
	}
	if r.tr.State() != transport.StateDisconnected {
		t.Errorf("transport = %s", r.tr.State())
	}
	if err := r.sess.StartTurn(context.Background()); !errors.Is(err, interview.ErrNotConnected) {
		t.Errorf("StartTurn after disconnect: %v", err)
	}

	r.connect()
	if !r.sess.Status().Connected {
		t.Error("reconnect after Disconnect failed")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()

	if err := r.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for range r.sess.TurnEvents() {
	}
	if err := r.sess.Connect(context.Background()); !errors.Is(err, interview.ErrClosed) {
		t.Errorf("Connect after Close: %v", err)
	}
	if r.sink.CallCountClose != 1 {
		t.Errorf("sink closed %d times", r.sink.CallCountClose)
	}
}

func TestSetCaptionsEnabled(t *testing.T) {
	t.Parallel()
	r := newRig(t, interview.Config{Mode: interview.ModeRealtime}, voicePrefs(true))
	r.connect()
	ctx := context.Background()

	if err := r.sess.SetCaptionsEnabled(ctx, false); err != nil {
		t.Fatalf("SetCaptionsEnabled: %v", err)
	}
	if r.sess.Captions().Enabled {
		t.Error("captions still enabled")
	}
	p, _ := r.store.Preferences(ctx, profile)
	if p.CaptionsEnabled {
		t.Error("choice not persisted")
	}
}
