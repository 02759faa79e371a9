package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// ChangeFunc receives a reloaded config together with what changed.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid edits that change at least
// one value. A broken edit is logged once and the last valid config stays
// current; comment or formatting edits are not reported.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	quit     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and polls it in the background until [Watcher.Stop].
// onChange may be nil, in which case only [Watcher.Current] moves.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, stamp, err := readConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for a running check. Safe to call twice; not
// from inside the change callback.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.finished
}

func (w *Watcher) loop() {
	defer close(w.finished)
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-tick.C:
			if old, cfg, d, ok := w.reload(); ok {
				w.report(old, cfg, d)
			}
		}
	}
}

// reload swaps in the file's config when it moved on disk and its content
// changed. ok is false when there is nothing to report.
func (w *Watcher) reload() (old, cfg *Config, d ConfigDiff, ok bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return nil, nil, d, false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.stamp.mtime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil, d, false
	}

	cfg, stamp, err := readConfig(w.path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		// Only the mtime moves, so the same broken edit is not logged again.
		w.stamp.mtime = info.ModTime()
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return nil, nil, d, false
	}
	sameContent := stamp.sum == w.stamp.sum
	w.stamp = stamp
	if sameContent {
		return nil, nil, d, false
	}
	old, w.current = w.current, cfg
	d = Diff(old, cfg)
	return old, cfg, d, !d.Empty()
}

// report logs an applied reload and runs the callback without holding the
// lock, so the callback may call Current.
func (w *Watcher) report(old, cfg *Config, d ConfigDiff) {
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: reloaded sections apply after a restart",
			"path", w.path, "sections", d.RestartRequired)
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"captions", d.CaptionsChanged,
		"monitor", d.MonitorChanged,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// readConfig parses and validates the file and stamps the bytes it read.
func readConfig(path string) (*Config, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
