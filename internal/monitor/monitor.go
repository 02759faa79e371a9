// Package monitor watches playback and connection quality during an interview
// and turns it into tuning advice.
//
// The [Monitor] keeps a playback buffer-depth recommendation bounded to
// [MinDepth, MaxDepth]: a burst of underruns within a short window raises it by
// one, a stable utterance lowers it by one. It also keeps rolling windows of
// heartbeat round trips and AI response times (mean and 95th percentile, with
// an advisory "degraded" flag) and a bandwidth estimate over a recent window.
//
// Monitor implements both playback.Observer and transport.Observer, so it can
// be attached to those components directly.
package monitor

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transport"
)

var (
	_ playback.Observer  = (*Monitor)(nil)
	_ transport.Observer = (*Monitor)(nil)
)

// Default monitor parameters.
const (
	defaultMinDepth          = 2
	defaultMaxDepth          = 10
	defaultInitialDepth      = 5
	defaultGlitchWindow      = 5 * time.Second
	defaultGlitchThreshold   = 2
	defaultLatencyWindow     = 50
	defaultDegradedThreshold = time.Second
	defaultBandwidthWindow   = 60 * time.Second
	checkpointInterval       = time.Second
)

// Config tunes a [Monitor]. Zero values select defaults.
type Config struct {
	// MinDepth and MaxDepth bound the buffer-depth recommendation.
	// Default: 2 and 10.
	MinDepth int
	MaxDepth int

	// InitialDepth is the starting recommendation. Default: 5.
	InitialDepth int

	// GlitchWindow is how close together underruns must be to count as a
	// burst. Default: 5s.
	GlitchWindow time.Duration

	// GlitchThreshold is the number of underruns within GlitchWindow that
	// raises the recommendation. Default: 2.
	GlitchThreshold int

	// LatencyWindow is the number of samples kept per latency window.
	// Default: 50.
	LatencyWindow int

	// DegradedThreshold is the p95 AI response time above which the session
	// is flagged as degraded. Default: 1s.
	DegradedThreshold time.Duration

	// BandwidthWindow is the span over which transfer rates are computed.
	// Default: 60s.
	BandwidthWindow time.Duration
}

func (c Config) withDefaults() Config {
	c.MinDepth = cmp.Or(c.MinDepth, defaultMinDepth)
	c.MaxDepth = cmp.Or(c.MaxDepth, defaultMaxDepth)
	if c.MaxDepth < c.MinDepth {
		c.MaxDepth = c.MinDepth
	}
	c.InitialDepth = min(max(cmp.Or(c.InitialDepth, defaultInitialDepth), c.MinDepth), c.MaxDepth)
	c.GlitchWindow = cmp.Or(c.GlitchWindow, defaultGlitchWindow)
	c.GlitchThreshold = cmp.Or(c.GlitchThreshold, defaultGlitchThreshold)
	c.LatencyWindow = cmp.Or(c.LatencyWindow, defaultLatencyWindow)
	c.DegradedThreshold = cmp.Or(c.DegradedThreshold, defaultDegradedThreshold)
	c.BandwidthWindow = cmp.Or(c.BandwidthWindow, defaultBandwidthWindow)
	return c
}

// LatencyStats summarises one latency window.
type LatencyStats struct {
	Count int
	Mean  time.Duration
	P95   time.Duration
}

// Snapshot is a point-in-time view of everything the monitor tracks.
type Snapshot struct {
	BufferDepth int

	RTT      LatencyStats
	Response LatencyStats

	// Degraded is advisory: the p95 AI response time exceeds the threshold.
	Degraded bool

	// UploadRate and DownloadRate are in bytes per second over the bandwidth
	// window.
	UploadRate   float64
	DownloadRate float64

	BytesSent     int64
	BytesReceived int64
	Glitches      int64
}

// Option is a functional option for [New].
type Option func(*Monitor)

// WithMetrics records every sample into OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) { mon.now = now }
}

type checkpoint struct {
	at             time.Time
	sent, received int64
}

// Monitor is safe for concurrent use. Recommendation callbacks run outside
// the internal lock.
type Monitor struct {
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics

	mu            sync.Mutex
	depth         int
	recentGlitch  []time.Time
	glitches      int64
	rtt           *window
	response      *window
	bytesSent     int64
	bytesReceived int64
	checkpoints   []checkpoint
	subscribers   []func(depth int)
}

// New creates a monitor.
func New(cfg Config, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:      cfg,
		now:      time.Now,
		depth:    cfg.InitialDepth,
		rtt:      newWindow(cfg.LatencyWindow),
		response: newWindow(cfg.LatencyWindow),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics != nil {
		m.metrics.BufferDepth.Record(context.Background(), int64(m.depth))
	}
	return m
}

// OnRecommendation registers fn to be called with every new buffer-depth
// recommendation.
func (m *Monitor) OnRecommendation(fn func(depth int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// BufferDepth returns the current buffer-depth recommendation.
func (m *Monitor) BufferDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// ── Buffer sizing ─────────────────────────────────────────────────────────────

// RecordGlitch reports a playback underrun. GlitchThreshold underruns within
// GlitchWindow raise the recommendation by one.
func (m *Monitor) RecordGlitch(gap time.Duration) {
	now := m.now()

	m.mu.Lock()
	m.glitches++
	cutoff := now.Add(-m.cfg.GlitchWindow)
	m.recentGlitch = slices.DeleteFunc(m.recentGlitch, func(t time.Time) bool { return t.Before(cutoff) })
	m.recentGlitch = append(m.recentGlitch, now)
	changed := false
	if len(m.recentGlitch) >= m.cfg.GlitchThreshold {
		m.recentGlitch = m.recentGlitch[:0]
		changed = m.setDepthLocked(m.depth + 1)
	}
	notify := m.notifyLocked(changed)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PlaybackGlitches.Add(context.Background(), 1)
	}
	slog.Debug("monitor: playback underrun", "gap", gap)
	notify()
}

// RecordStable reports an utterance that played without underruns. It lowers
// the recommendation by one and resets the glitch burst.
func (m *Monitor) RecordStable() {
	m.mu.Lock()
	m.recentGlitch = m.recentGlitch[:0]
	changed := m.setDepthLocked(m.depth - 1)
	notify := m.notifyLocked(changed)
	m.mu.Unlock()

	notify()
}

func (m *Monitor) setDepthLocked(depth int) bool {
	depth = min(max(depth, m.cfg.MinDepth), m.cfg.MaxDepth)
	if depth == m.depth {
		return false
	}
	slog.Info("monitor: buffer depth recommendation changed", "from", m.depth, "to", depth)
	m.depth = depth
	return true
}

func (m *Monitor) notifyLocked(changed bool) func() {
	if !changed {
		return func() {}
	}
	depth := m.depth
	subs := slices.Clone(m.subscribers)
	return func() {
		if m.metrics != nil {
			m.metrics.BufferDepth.Record(context.Background(), int64(depth))
		}
		for _, fn := range subs {
			fn(depth)
		}
	}
}

// ── Latency ───────────────────────────────────────────────────────────────────

// RecordRTT adds a heartbeat round trip sample.
func (m *Monitor) RecordRTT(rtt time.Duration) {
	m.mu.Lock()
	m.rtt.add(rtt)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.TransportRTT.Record(context.Background(), rtt.Seconds())
	}
}

// RecordResponseTime adds an AI response time sample: the time from
// committing an utterance to the first synthesized audio.
func (m *Monitor) RecordResponseTime(d time.Duration) {
	m.mu.Lock()
	m.response.add(d)
	degraded := m.degradedLocked()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.AIResponseDuration.Record(context.Background(), d.Seconds())
	}
	if degraded {
		slog.Warn("monitor: AI response latency degraded", "sample", d, "threshold", m.cfg.DegradedThreshold)
	}
}

// Degraded reports whether the p95 AI response time exceeds the threshold.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degradedLocked()
}

func (m *Monitor) degradedLocked() bool {
	return m.response.len() > 0 && m.response.percentile(0.95) > m.cfg.DegradedThreshold
}

// ── Bandwidth ─────────────────────────────────────────────────────────────────

// RecordTraffic adds bytes written to and read from the wire.
func (m *Monitor) RecordTraffic(sent, received int) {
	now := m.now()

	m.mu.Lock()
	m.bytesSent += int64(sent)
	m.bytesReceived += int64(received)
	cp := checkpoint{at: now, sent: m.bytesSent, received: m.bytesReceived}
	if n := len(m.checkpoints); n > 1 && now.Sub(m.checkpoints[n-2].at) < checkpointInterval {
		// Coalesce bursts into one checkpoint per interval.
		m.checkpoints[n-1] = cp
	} else {
		m.checkpoints = append(m.checkpoints, cp)
	}
	m.pruneCheckpointsLocked(now)
	m.mu.Unlock()

	if m.metrics != nil {
		ctx := context.Background()
		if sent > 0 {
			m.metrics.BytesSent.Add(ctx, int64(sent))
		}
		if received > 0 {
			m.metrics.BytesReceived.Add(ctx, int64(received))
		}
	}
}

// pruneCheckpointsLocked drops checkpoints older than the bandwidth window,
// keeping at least two so a rate can still be computed.
func (m *Monitor) pruneCheckpointsLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.BandwidthWindow)
	drop := 0
	for drop < len(m.checkpoints)-2 && m.checkpoints[drop].at.Before(cutoff) {
		drop++
	}
	m.checkpoints = slices.Delete(m.checkpoints, 0, drop)
}

// ratesLocked averages traffic across the checkpoints inside the bandwidth
// window. A link that has been idle for the whole window reports zero.
func (m *Monitor) ratesLocked(now time.Time) (up, down float64) {
	m.pruneCheckpointsLocked(now)
	if len(m.checkpoints) < 2 || m.checkpoints[0].at.Before(now.Add(-m.cfg.BandwidthWindow)) {
		return 0, 0
	}
	first, last := m.checkpoints[0], m.checkpoints[len(m.checkpoints)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	return float64(last.sent-first.sent) / elapsed, float64(last.received-first.received) / elapsed
}

// ── Snapshot ──────────────────────────────────────────────────────────────────

// Snapshot returns the current values of everything the monitor tracks.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, down := m.ratesLocked(m.now())
	return Snapshot{
		BufferDepth:   m.depth,
		RTT:           m.rtt.stats(),
		Response:      m.response.stats(),
		Degraded:      m.degradedLocked(),
		UploadRate:    up,
		DownloadRate:  down,
		BytesSent:     m.bytesSent,
		BytesReceived: m.bytesReceived,
		Glitches:      m.glitches,
	}
}

// Reconfigure applies new tuning. The current recommendation is clamped into
// the new bounds; latency windows keep their newest samples.
func (m *Monitor) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()

	m.mu.Lock()
	m.cfg = cfg
	m.rtt.resize(cfg.LatencyWindow)
	m.response.resize(cfg.LatencyWindow)
	changed := m.setDepthLocked(m.depth)
	notify := m.notifyLocked(changed)
	m.mu.Unlock()

	notify()
}

// ── Rolling window ────────────────────────────────────────────────────────────

// window is a bounded FIFO of duration samples.
type window struct {
	size    int
	samples []time.Duration
}

func newWindow(size int) *window {
	return &window{size: size, samples: make([]time.Duration, 0, size)}
}

func (w *window) add(d time.Duration) {
	if len(w.samples) == w.size {
		w.samples = slices.Delete(w.samples, 0, 1)
	}
	w.samples = append(w.samples, d)
}

func (w *window) resize(size int) {
	w.size = size
	if over := len(w.samples) - size; over > 0 {
		w.samples = slices.Delete(w.samples, 0, over)
	}
}

func (w *window) len() int { return len(w.samples) }

func (w *window) mean() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range w.samples {
		sum += d
	}
	return sum / time.Duration(len(w.samples))
}

// percentile uses the nearest-rank method.
func (w *window) percentile(p float64) time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(w.samples)
	slices.Sort(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}

func (w *window) stats() LatencyStats {
	return LatencyStats{Count: len(w.samples), Mean: w.mean(), P95: w.percentile(0.95)}
}
