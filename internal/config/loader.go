package config

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets belong here
// rather than in the YAML file.
const (
	EnvBackendToken = "PARLEY_BACKEND_TOKEN"
	EnvPostgresDSN  = "PARLEY_POSTGRES_DSN"
	EnvInterviewID  = "PARLEY_INTERVIEW_ID"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate   = 24000
	DefaultProfileID    = "default"
	DefaultBatchEncoder = "wav"
	DefaultDeviceDriver = "wavfile"
)

// ValidEncoderNames and ValidDeviceDrivers list the names the built-in
// registry knows. [Validate] warns about others, which may have been
// registered by an embedding program.
var (
	ValidEncoderNames  = []string{"wav", "opus"}
	ValidDeviceDrivers = []string{"wavfile"}
)

// LoadEnv loads KEY=value pairs from the given dotenv files into the process
// environment without overriding variables that are already set. With no
// paths it loads ".env" in the working directory; a missing default file is
// not an error.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and identifiers from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvBackendToken); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Prefs.PostgresDSN = v
	}
	if v := os.Getenv(EnvInterviewID); v != "" {
		cfg.Interview.ID = v
	}
}

// ApplyDefaults fills fields that have a single sensible default. Component
// tuning left at zero is defaulted by the component itself.
func ApplyDefaults(cfg *Config) {
	cfg.Server.LogLevel = cmp.Or(cfg.Server.LogLevel, LogInfo)
	cfg.Interview.SessionID = cmp.Or(cfg.Interview.SessionID, cfg.Interview.ID)
	cfg.Interview.ProfileID = cmp.Or(cfg.Interview.ProfileID, DefaultProfileID)
	cfg.Backend.Completion = cmp.Or(cfg.Backend.Completion, CompletionNone)
	if cfg.Backend.WebSocketURL == "" && len(cfg.Backend.BaseURLs) > 0 {
		cfg.Backend.WebSocketURL = cfg.Backend.BaseURLs[0]
	}
	cfg.Audio.SampleRate = cmp.Or(cfg.Audio.SampleRate, DefaultSampleRate)
	cfg.Audio.BatchEncoder = cmp.Or(cfg.Audio.BatchEncoder, DefaultBatchEncoder)
	cfg.Audio.Input.Driver = cmp.Or(cfg.Audio.Input.Driver, DefaultDeviceDriver)
	cfg.Audio.Output.Driver = cmp.Or(cfg.Audio.Output.Driver, DefaultDeviceDriver)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Interview
	if cfg.Interview.ID == "" {
		errs = append(errs, fmt.Errorf("interview.id is required (or set %s)", EnvInterviewID))
	}
	if cfg.Interview.Mode != "" && !cfg.Interview.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("interview.mode %q is invalid; valid values: realtime, batch", cfg.Interview.Mode))
	}

	// Backend
	if len(cfg.Backend.BaseURLs) == 0 {
		errs = append(errs, errors.New("backend.base_urls needs at least one url"))
	}
	for i, raw := range cfg.Backend.BaseURLs {
		if err := checkURL(raw, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("backend.base_urls[%d]: %w", i, err))
		}
	}
	if cfg.Backend.WebSocketURL != "" {
		if err := checkURL(cfg.Backend.WebSocketURL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("backend.websocket_url: %w", err))
		}
	}
	if cfg.Backend.Completion != "" && !cfg.Backend.Completion.IsValid() {
		errs = append(errs, fmt.Errorf("backend.completion %q is invalid; valid values: none, endpoint", cfg.Backend.Completion))
	}
	if cfg.Backend.Token == "" {
		slog.Warn("backend token is empty; set " + EnvBackendToken + " unless the backend allows anonymous access")
	}
	errs = appendNegative(errs, "backend.timeout", cfg.Backend.Timeout)
	errs = appendNegative(errs, "backend.circuit_breaker.reset_timeout", cfg.Backend.CircuitBreaker.ResetTimeout)

	// Transport
	errs = appendNegative(errs, "transport.ack_timeout", cfg.Transport.AckTimeout)
	errs = appendNegative(errs, "transport.write_timeout", cfg.Transport.WriteTimeout)
	errs = appendNegative(errs, "transport.heartbeat_interval", cfg.Transport.HeartbeatInterval)
	errs = appendNegative(errs, "transport.ping_timeout", cfg.Transport.PingTimeout)
	errs = appendNegative(errs, "transport.reconnect_base_delay", cfg.Transport.ReconnectBaseDelay)
	if cfg.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("transport.max_reconnect_attempts must not be negative"))
	}

	// Audio
	if cfg.Audio.SampleRate != 0 && (cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SpeechThreshold < 0 || cfg.Audio.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.speech_threshold %.3f is out of range [0, 1]", cfg.Audio.SpeechThreshold))
	}
	errs = appendNegative(errs, "audio.frame_interval", cfg.Audio.FrameInterval)
	errs = appendNegative(errs, "audio.silence_hold", cfg.Audio.SilenceHold)
	errs = appendNegative(errs, "audio.underrun_grace", cfg.Audio.UnderrunGrace)
	warnUnknown("audio.batch_encoder", cfg.Audio.BatchEncoder, ValidEncoderNames)
	warnUnknown("audio.input.driver", cfg.Audio.Input.Driver, ValidDeviceDrivers)
	warnUnknown("audio.output.driver", cfg.Audio.Output.Driver, ValidDeviceDrivers)
	if cfg.Audio.Input.Driver == DefaultDeviceDriver && cfg.Audio.Input.Path == "" {
		errs = append(errs, errors.New("audio.input.path is required for the wavfile driver"))
	}
	if cfg.Audio.Output.Driver == DefaultDeviceDriver && cfg.Audio.Output.Path == "" {
		errs = append(errs, errors.New("audio.output.path is required for the wavfile driver"))
	}

	errs = append(errs, validateCaptions(cfg.Captions)...)
	errs = append(errs, validateMonitor(cfg.Monitor)...)

	if cfg.Prefs.PostgresDSN == "" {
		slog.Debug("prefs.postgres_dsn is empty; preferences are kept in memory")
	}

	return errors.Join(errs...)
}

func validateCaptions(c CaptionConfig) []error {
	var errs []error
	if c.HistorySize < 0 {
		errs = append(errs, errors.New("captions.history_size must not be negative"))
	}
	if c.VisibleDepth < 0 {
		errs = append(errs, errors.New("captions.visible_depth must not be negative"))
	}
	if c.HistorySize > 0 && c.VisibleDepth > c.HistorySize {
		errs = append(errs, fmt.Errorf("captions.visible_depth %d exceeds captions.history_size %d", c.VisibleDepth, c.HistorySize))
	}
	if c.MaxSegment < 0 {
		errs = append(errs, errors.New("captions.max_segment must not be negative"))
	}
	if c.DuplicateThreshold < 0 {
		errs = append(errs, errors.New("captions.duplicate_threshold must not be negative"))
	}
	return appendNegative(errs, "captions.fade_delay", c.FadeDelay)
}

func validateMonitor(m MonitorConfig) []error {
	var errs []error
	if m.MinDepth < 0 || m.MaxDepth < 0 || m.InitialDepth < 0 {
		errs = append(errs, errors.New("monitor depths must not be negative"))
	}
	if m.MinDepth > 0 && m.MaxDepth > 0 && m.MinDepth > m.MaxDepth {
		errs = append(errs, fmt.Errorf("monitor.min_depth %d exceeds monitor.max_depth %d", m.MinDepth, m.MaxDepth))
	}
	if m.GlitchThreshold < 0 || m.LatencyWindow < 0 {
		errs = append(errs, errors.New("monitor.glitch_threshold and monitor.latency_window must not be negative"))
	}
	errs = appendNegative(errs, "monitor.glitch_window", m.GlitchWindow)
	errs = appendNegative(errs, "monitor.degraded_threshold", m.DegradedThreshold)
	return appendNegative(errs, "monitor.bandwidth_window", m.BandwidthWindow)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is not one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

func appendNegative[D ~int64](errs []error, field string, d D) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s must not be negative", field))
	}
	return errs
}

// warnUnknown logs a warning if name is non-empty and not in known.
func warnUnknown(field, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a custom registration",
		"field", field,
		"name", name,
		"known", known,
	)
}
