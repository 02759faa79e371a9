package capture

import (
	"math"
	"sync"
	"time"
)

// Default level-meter parameters.
const (
	defaultThreshold   = 0.02
	defaultSilenceHold = 700 * time.Millisecond
)

// MeterConfig tunes voice-activity detection.
type MeterConfig struct {
	// Threshold is the RMS level (0..1) above which a chunk counts as speech.
	// Defaults to 0.02.
	Threshold float64

	// SilenceHold is how long the level must stay below Threshold before
	// speech is considered stopped. Defaults to 700 ms.
	SilenceHold time.Duration
}

// Meter computes the RMS level of captured chunks and detects speech start
// and stop with a silence hold. It is fed by the capture goroutine and read
// by anyone; all methods are safe for concurrent use.
type Meter struct {
	cfg MeterConfig

	mu        sync.Mutex
	level     float64
	peak      float64
	speaking  bool
	silentFor time.Duration
}

// NewMeter returns a meter with defaults applied to zero fields.
func NewMeter(cfg MeterConfig) *Meter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = defaultSilenceHold
	}
	return &Meter{cfg: cfg}
}

// Observe measures one chunk captured at rate Hz. changed reports whether the
// speaking flag flipped with this chunk; speaking is the new flag.
func (m *Meter) Observe(samples []float32, rate int) (changed, speaking bool) {
	if len(samples) == 0 || rate <= 0 {
		return false, m.Speaking()
	}
	lvl := RMS(samples)
	dur := time.Duration(len(samples)) * time.Second / time.Duration(rate)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = lvl
	m.peak = max(m.peak, lvl)

	if lvl >= m.cfg.Threshold {
		m.silentFor = 0
		if !m.speaking {
			m.speaking = true
			return true, true
		}
		return false, true
	}
	if !m.speaking {
		return false, false
	}
	m.silentFor += dur
	if m.silentFor >= m.cfg.SilenceHold {
		m.speaking = false
		m.silentFor = 0
		return true, false
	}
	return false, true
}

// Level returns the RMS level of the most recent chunk.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Peak returns the highest chunk level since the last Reset.
func (m *Meter) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Speaking reports whether speech is currently detected.
func (m *Meter) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// Reset clears level, peak and speech state.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level, m.peak = 0, 0
	m.speaking = false
	m.silentFor = 0
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
