package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/interview"
	"github.com/MrWong99/parley/internal/prefs"
	trmock "github.com/MrWong99/parley/internal/transport/mock"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

// testConfig returns a minimal config pointing at baseURL.
func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Interview: config.InterviewConfig{ID: "iv-1"},
		Backend: config.BackendConfig{
			BaseURLs:   []string{baseURL},
			Completion: config.CompletionEndpoint,
		},
		Audio: config.AudioConfig{
			Input:  config.DeviceConfig{Driver: "wavfile", Path: "in.wav"},
			Output: config.DeviceConfig{Driver: "wavfile", Path: "out.wav"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// fakeBackend answers the REST endpoints for interview iv-1.
type fakeBackend struct {
	mu        sync.Mutex
	messages  []string
	completed int
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.URL.Path {
	case "/interviews/iv-1/messages":
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.messages = append(b.messages, body.Content)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Tell me more."}`))
	case "/interviews/iv-1/complete":
		b.completed++
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	app     *app.App
	backend *fakeBackend
	store   *prefs.MemStore
	sink    *audiomock.Sink
	dialer  *trmock.Dialer

	acquired atomic.Int32
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		backend: &fakeBackend{},
		store:   prefs.NewMemStore(),
		sink:    audiomock.NewSink(),
		dialer:  &trmock.Dialer{AutoAck: true},
	}
	srv := httptest.NewServer(h.backend)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(cfg)
	}
	mic := &audiomock.Microphone{AcquireFunc: func() (audio.InputStream, error) {
		h.acquired.Add(1)
		return audiomock.NewInputStream(audio.Format{SampleRate: 24000, Channels: 1}), nil
	}}
	all := append([]app.Option{
		app.WithMicrophone(mic),
		app.WithSink(h.sink),
		app.WithDialer(h.dialer),
		app.WithPrefsStore(h.store),
	}, opts...)

	a, err := app.New(context.Background(), cfg, all...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	h.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return h
}

func (h *harness) textInput(t *testing.T) {
	t.Helper()
	p := prefs.Defaults()
	p.InputMode = prefs.InputText
	if err := h.store.SavePreferences(context.Background(), config.DefaultProfileID, p); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

// ── construction ──────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if h.app.Session() == nil {
		t.Fatal("no interview session")
	}
	if n := h.dialer.CallCount(); n != 0 {
		t.Errorf("New dialed %d times", n)
	}
}

func TestNew_UnknownEncoder(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://backend.test")
	cfg.Audio.BatchEncoder = "mp3"
	_, err := app.New(context.Background(), cfg,
		app.WithMicrophone(&audiomock.Microphone{}),
		app.WithSink(audiomock.NewSink()),
		app.WithPrefsStore(prefs.NewMemStore()),
	)
	if err == nil || !strings.Contains(err.Error(), "mp3") {
		t.Fatalf("err = %v, want unknown encoder", err)
	}
}

func TestNew_DeviceFromRegistryNeedsPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://backend.test")
	cfg.Audio.Input.Path = ""
	_, err := app.New(context.Background(), cfg, app.WithPrefsStore(prefs.NewMemStore()))
	if err == nil || !strings.Contains(err.Error(), "init devices") {
		t.Fatalf("err = %v, want device error", err)
	}
}

// ── status server ─────────────────────────────────────────────────────────────

func TestHandler_Probes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	srv := h.app.Handler()

	if rec := get(t, srv, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}

	rec := get(t, srv, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d: %s", rec.Code, rec.Body)
	}
	var ready struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Checks["backend"] != "ok" || ready.Checks["prefs"] != "ok" {
		t.Errorf("checks = %v", ready.Checks)
	}

	rec = get(t, srv, "/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"turn":"local_listening"`) {
		t.Errorf("/status = %d: %s", rec.Code, rec.Body)
	}

	if rec := get(t, srv, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

// ── console ───────────────────────────────────────────────────────────────────

func TestExec_TextAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.textInput(t)
	ctx := context.Background()

	if _, err := h.app.Exec(ctx, "connect"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := h.app.Exec(ctx, "say  I built a compiler."); err != nil {
		t.Fatalf("say: %v", err)
	}
	h.backend.mu.Lock()
	msgs := append([]string(nil), h.backend.messages...)
	h.backend.mu.Unlock()
	if len(msgs) != 1 || msgs[0] != "I built a compiler." {
		t.Errorf("messages = %q", msgs)
	}
	if got := strings.Join(h.app.Session().Captions().Lines, " "); got != "Tell me more." {
		t.Errorf("caption = %q", got)
	}

	if _, err := h.app.Exec(ctx, "finish"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	h.backend.mu.Lock()
	completed := h.backend.completed
	h.backend.mu.Unlock()
	if completed != 1 {
		t.Errorf("completion calls = %d", completed)
	}
}

func TestExec_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, line := range []string{"bogus", "captions maybe", "input carrier-pigeon", "start"} {
		if _, err := h.app.Exec(ctx, line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if out, err := h.app.Exec(ctx, "help"); err != nil || !strings.Contains(out, "finish") {
		t.Errorf("help = %q, %v", out, err)
	}
	if out, err := h.app.Exec(ctx, "  "); err != nil || out != "" {
		t.Errorf("blank line = %q, %v", out, err)
	}
}

func TestExec_Preferences(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, line := range []string{"captions off", "realtime on", "input text"} {
		if _, err := h.app.Exec(ctx, line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	p, _ := h.store.Preferences(ctx, config.DefaultProfileID)
	if p.CaptionsEnabled || !p.RealtimeEnabled || p.InputMode != prefs.InputText {
		t.Errorf("prefs = %+v", p)
	}
}

func TestExec_RealtimeConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) { c.Interview.Mode = config.ModeRealtime })
	ctx := context.Background()

	if _, err := h.app.Exec(ctx, "connect"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if h.app.Session().Mode() != interview.ModeRealtime || h.dialer.CallCount() != 1 {
		t.Fatalf("mode = %s, dials = %d", h.app.Session().Mode(), h.dialer.CallCount())
	}
	if url := h.dialer.URLs()[0]; !strings.HasPrefix(url, "ws://") || !strings.Contains(url, "/ws/interview/iv-1") {
		t.Errorf("dialed %q", url)
	}

	out, err := h.app.Exec(ctx, "status")
	if err != nil || !strings.Contains(out, `"transport": "connected"`) {
		t.Errorf("status = %s, %v", out, err)
	}
	if _, err := h.app.Exec(ctx, "disconnect"); err != nil {
		t.Fatal(err)
	}
	if h.app.Session().Status().Connected {
		t.Error("still connected")
	}
}

func TestExec_ReacquireMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) { c.Interview.Mode = config.ModeRealtime })
	ctx := context.Background()

	if _, err := h.app.Exec(ctx, "connect"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	before := h.acquired.Load()
	out, err := h.app.Exec(ctx, "mic")
	if err != nil || out != "microphone ready" {
		t.Fatalf("mic = %q, %v", out, err)
	}
	if got := h.acquired.Load(); got != before+1 {
		t.Errorf("acquisitions = %d, want %d", got, before+1)
	}
	if h.dialer.CallCount() != 1 {
		t.Errorf("dials = %d, the transport must not reconnect", h.dialer.CallCount())
	}

	if _, err := h.app.Exec(ctx, "start"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.app.Exec(ctx, "mic"); err == nil {
		t.Error("mic during a recording succeeded")
	}
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestRun_ConsoleQuit(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	h := newHarness(t, nil, app.WithConsole(strings.NewReader("status\nquit\n"), &out))

	done := make(chan error, 1)
	go func() { done <- h.app.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after quit")
	}
	if !strings.Contains(out.String(), `"connected": true`) {
		t.Errorf("console output = %s", out.String())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !h.app.Session().Status().Connected {
		if time.Now().After(deadline) {
			t.Fatal("Run never connected")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconfigure(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	h := newHarness(t, nil, app.WithLevelVar(&level))

	old := testConfig("http://backend.test")
	next := testConfig("http://backend.test")
	next.Server.LogLevel = config.LogDebug
	next.Captions.HistorySize = 2
	next.Monitor.MinDepth = 7
	next.Monitor.MaxDepth = 9

	h.app.Reconfigure(next, config.Diff(old, next))
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v", level.Level())
	}
	if got := h.app.Session().Stats().BufferDepth; got != 7 {
		t.Errorf("buffer depth = %d, want clamped to 7", got)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if h.sink.CallCountClose != 1 {
		t.Errorf("sink closed %d times", h.sink.CallCountClose)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range cases {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
