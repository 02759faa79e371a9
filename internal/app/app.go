// Package app wires the Parley subsystems into a running interview client.
//
// The App struct owns the full lifecycle: New builds every component from the
// config, Run connects the interview and serves the probe endpoints and the
// operator console, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithDialer, WithPrefsStore, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/caption"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/interview"
	"github.com/MrWong99/parley/internal/monitor"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/prefs"
	"github.com/MrWong99/parley/internal/prefs/postgres"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	reg     *config.Registry
	store   prefs.Store
	dialer  transport.Dialer
	mic     audio.MicrophoneSource
	sink    audio.AudioSink
	metrics *observe.Metrics
	scrape  http.Handler
	level   *slog.LevelVar
	http    *http.Client
	console *console

	backend   *backend.Client
	capture   *capture.Session
	monitor   *monitor.Monitor
	playback  *playback.Queue
	transport *transport.Session
	captions  *caption.Synchronizer
	session   *interview.Session
	health    *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces [config.DefaultRegistry] for device and encoder
// lookup.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithPrefsStore injects a preference store instead of creating one from
// config.
func WithPrefsStore(s prefs.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDialer injects the realtime dialer. The default dials WebSockets.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMicrophone injects the capture device instead of creating one from
// the registry.
func WithMicrophone(m audio.MicrophoneSource) Option {
	return func(a *App) { a.mic = m }
}

// WithSink injects the output device instead of creating one from the
// registry.
func WithSink(s audio.AudioSink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler, typically
// [observe.Provider.Handler]. The default serves the global Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets hot reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.http = hc }
}

// WithConsole runs the operator console on in, writing responses and
// captions to out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.console = newConsole(in, out) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds every subsystem from cfg. Nothing touches the network or the
// microphone until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = config.DefaultRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = observe.MetricsHandler()
	}

	// ── 1. Preference store ──────────────────────────────────────────────
	if err := a.initPrefs(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init prefs: %w", err))
	}

	// ── 2. REST backend ──────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init backend: %w", err))
	}

	// ── 3. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init devices: %w", err))
	}

	// ── 4. Audio pipeline ────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init pipeline: %w", err))
	}

	// ── 5. Interview session ─────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init session: %w", err))
	}

	// ── 6. Probes ────────────────────────────────────────────────────────
	a.health = health.New(a.checkers(), health.WithStatus(func() any { return a.session.Status() }))

	return a, nil
}

// abort releases whatever New already created.
func (a *App) abort(err error) error {
	for _, c := range a.closers {
		_ = c()
	}
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initPrefs(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Prefs.PostgresDSN
	if dsn == "" {
		a.store = prefs.NewMemStore()
		return nil
	}
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("preferences stored in postgres")
	return nil
}

func (a *App) initBackend() error {
	bc := a.cfg.Backend
	opts := []backend.Option{backend.WithMetrics(a.metrics)}
	if a.http != nil {
		opts = append(opts, backend.WithHTTPClient(a.http))
	}
	client, err := backend.New(backend.Config{
		BaseURLs:    bc.BaseURLs,
		InterviewID: a.cfg.Interview.ID,
		Token:       bc.Token,
		Timeout:     bc.Timeout,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  bc.CircuitBreaker.MaxFailures,
			ResetTimeout: bc.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  bc.CircuitBreaker.HalfOpenMax,
		},
	}, opts...)
	if err != nil {
		return err
	}
	a.backend = client
	return nil
}

func (a *App) initDevices() error {
	var err error
	if a.mic == nil {
		if a.mic, err = a.reg.CreateMicrophone(a.cfg.Audio.Input); err != nil {
			return err
		}
	}
	if a.sink == nil {
		if a.sink, err = a.reg.CreateSink(a.cfg.Audio.Output, a.sampleRate()); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initPipeline() error {
	ac := a.cfg.Audio
	enc, err := a.reg.Encoder(cmp.Or(ac.BatchEncoder, config.DefaultBatchEncoder))
	if err != nil {
		return err
	}

	a.monitor = monitor.New(MonitorConfig(a.cfg.Monitor), monitor.WithMetrics(a.metrics))
	a.playback = playback.New(a.sink, playback.Config{UnderrunGrace: ac.UnderrunGrace}, playback.WithObserver(a.monitor))
	a.capture = capture.New(a.mic, capture.Config{
		SampleRate:    a.sampleRate(),
		FrameInterval: ac.FrameInterval,
		NewEncoder:    enc,
		Meter: capture.MeterConfig{
			Threshold:   ac.SpeechThreshold,
			SilenceHold: ac.SilenceHold,
		},
	})
	a.captions = caption.New(CaptionConfig(a.cfg.Captions))

	if a.dialer == nil {
		a.dialer = &transport.WebSocketDialer{}
	}
	tc := a.cfg.Transport
	a.transport, err = transport.New(transport.Config{
		BaseURL:              cmp.Or(a.cfg.Backend.WebSocketURL, a.cfg.Backend.BaseURLs[0]),
		InterviewID:          a.cfg.Interview.ID,
		Token:                a.cfg.Backend.Token,
		AckTimeout:           tc.AckTimeout,
		WriteTimeout:         tc.WriteTimeout,
		HeartbeatInterval:    tc.HeartbeatInterval,
		PingTimeout:          tc.PingTimeout,
		ReconnectBaseDelay:   tc.ReconnectBaseDelay,
		MaxReconnectAttempts: tc.MaxReconnectAttempts,
	}, a.dialer, transport.WithObserver(a.monitor))
	return err
}

func (a *App) initSession() error {
	var completion interview.CompletionPolicy = interview.NoCompletion{}
	if a.cfg.Backend.Completion == config.CompletionEndpoint {
		completion = a.backend
	}
	sess, err := interview.New(interview.Config{
		InterviewID: a.cfg.Interview.ID,
		SessionID:   a.cfg.Interview.SessionID,
		ProfileID:   cmp.Or(a.cfg.Interview.ProfileID, config.DefaultProfileID),
		Mode:        interview.Mode(a.cfg.Interview.Mode),
		SampleRate:  a.sampleRate(),
	}, interview.Components{
		Capture:   a.capture,
		Playback:  a.playback,
		Transport: a.transport,
		Captions:  a.captions,
		Monitor:   a.monitor,
	},
		interview.WithTranscriber(a.backend),
		interview.WithMessenger(a.backend),
		interview.WithCompletion(completion),
		interview.WithPrefs(a.store),
		interview.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.session = sess
	// The session closes capture, playback, transport and captions.
	a.closers = append([]func() error{sess.Close}, a.closers...)
	return nil
}

// checkers builds the readiness checks. Only the REST backend is critical:
// without it neither batch answers nor typed answers work.
func (a *App) checkers() []health.Checker {
	return []health.Checker{
		{
			Name: "backend",
			Check: func(context.Context) error {
				if !a.backend.Healthy() {
					return fmt.Errorf("every endpoint circuit is open: %v", a.backend.EndpointStates())
				}
				return nil
			},
		},
		{
			Name:     "prefs",
			Optional: true,
			Check:    a.store.Ping,
		},
		{
			Name:     "transport",
			Optional: true,
			Check: func(context.Context) error {
				if a.session.Mode() != interview.ModeRealtime {
					return nil
				}
				if st := a.transport.State(); st != transport.StateConnected {
					return fmt.Errorf("realtime connection %s", st)
				}
				return nil
			},
		},
	}
}

func (a *App) sampleRate() int {
	return cmp.Or(a.cfg.Audio.SampleRate, config.DefaultSampleRate)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the interview session.
func (a *App) Session() *interview.Session { return a.session }

// Handler returns the status server routes: /healthz, /readyz, /status and
// /metrics, wrapped in the tracing and metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reconfigure applies the live parts of a reloaded config. Sections that
// need a restart are logged and otherwise ignored.
func (a *App) Reconfigure(newCfg *config.Config, d config.ConfigDiff) {
	if d.CaptionsChanged {
		a.captions.Reconfigure(CaptionConfig(newCfg.Captions))
		slog.Info("captions reconfigured")
	}
	if d.MonitorChanged {
		a.monitor.Reconfigure(MonitorConfig(newCfg.Monitor))
		slog.Info("monitor reconfigured")
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the interview, serves the status server when a listen
// address is configured and runs the console when one was given. It blocks
// until ctx is cancelled, the console quits or the interview completes.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(observe.WithInterview(ctx, a.cfg.Interview.ID))
	defer cancel()

	if err := a.session.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.console != nil {
		a.captions.Subscribe(a.console.printCaption)
		g.Go(func() error {
			defer cancel()
			return a.console.run(gctx, a)
		})
	}

	g.Go(func() error {
		return a.watchTurns(gctx, cancel)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchTurns logs turn transitions and stops Run once the interview is
// completed.
func (a *App) watchTurns(ctx context.Context, stop context.CancelFunc) error {
	events := a.session.TurnEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			slog.Info("turn", "from", ev.From, "to", ev.To, "reason", ev.Reason)
			if st := a.session.Status(); st.Completed && !st.Connected {
				slog.Info("interview completed", "turns", st.Turns)
				stop()
				return nil
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// CaptionConfig converts the config section to the synchronizer's config.
func CaptionConfig(c config.CaptionConfig) caption.Config {
	return caption.Config{
		HistorySize:        c.HistorySize,
		VisibleDepth:       c.VisibleDepth,
		FadeDelay:          c.FadeDelay,
		MaxSegment:         c.MaxSegment,
		DuplicateThreshold: c.DuplicateThreshold,
	}
}

// MonitorConfig converts the config section to the monitor's config.
func MonitorConfig(m config.MonitorConfig) monitor.Config {
	return monitor.Config{
		MinDepth:          m.MinDepth,
		MaxDepth:          m.MaxDepth,
		InitialDepth:      m.InitialDepth,
		GlitchWindow:      m.GlitchWindow,
		GlitchThreshold:   m.GlitchThreshold,
		LatencyWindow:     m.LatencyWindow,
		DegradedThreshold: m.DegradedThreshold,
		BandwidthWindow:   m.BandwidthWindow,
	}
}

// SlogLevel maps a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
