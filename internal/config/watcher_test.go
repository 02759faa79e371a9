package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
interview:
  id: iv-w
backend:
  base_urls:
    - http://localhost:8000
audio:
  input:
    path: in.wav
  output:
    path: out.wav
captions:
  fade_delay: 3s
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so coarse filesystem clocks
// cannot hide a rewrite.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	ts := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type recorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	news  []*config.Config
	fired chan struct{}
}

func newRecorder() *recorder { return &recorder{fired: make(chan struct{}, 8)} }

func (r *recorder) onChange(_, new *config.Config, d config.ConfigDiff) {
	r.mu.Lock()
	r.diffs = append(r.diffs, d)
	r.news = append(r.news, new)
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func startWatcher(t *testing.T, content string, fn config.ChangeFunc) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, fn, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Captions.FadeDelay != 3*time.Second {
		t.Errorf("fade delay = %v, want 3s", cfg.Captions.FadeDelay)
	}
}

func TestWatcher_ReportsHotReloadableChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := startWatcher(t, watcherValidYAML, rec.onChange)

	updated := strings.Replace(watcherValidYAML, "fade_delay: 3s", "fade_delay: 1s", 1)
	updated = strings.Replace(updated, "log_level: info", "log_level: debug", 1)
	writeFile(t, path, updated)
	bumpMtime(t, path)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	rec.mu.Lock()
	d := rec.diffs[0]
	rec.mu.Unlock()
	if !d.CaptionsChanged || !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.MonitorChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected changes in diff %+v", d)
	}
	if got := w.Current().Captions.FadeDelay; got != time.Second {
		t.Errorf("Current() fade delay = %v, want 1s", got)
	}
}

func TestWatcher_RestartRequiredSections(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	_, path := startWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, path, strings.Replace(watcherValidYAML, "id: iv-w", "id: iv-other", 1))
	bumpMtime(t, path)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	rec.mu.Lock()
	d := rec.diffs[0]
	rec.mu.Unlock()
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "interview" {
		t.Errorf("restart sections = %v, want [interview]", d.RestartRequired)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := startWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, path, strings.Replace(watcherValidYAML, "log_level: info", "log_level: bananas", 1))
	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if n := rec.calls(); n != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() should keep the old config, got log_level=%q", got)
	}
}

func TestWatcher_CommentOnlyEditIsSilent(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	_, path := startWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, path, "# tuned for the demo\n"+watcherValidYAML)
	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if n := rec.calls(); n != 0 {
		t.Errorf("callback fired %d times for a comment-only edit", n)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	_, path := startWatcher(t, watcherValidYAML, rec.onChange)

	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if n := rec.calls(); n != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
