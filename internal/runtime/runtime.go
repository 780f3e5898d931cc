package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/audio/mic"
	"github.com/loqalabs/loqa-interpreter/internal/audio/playback"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/control"
	"github.com/loqalabs/loqa-interpreter/internal/display"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/metrics"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/pipeline"
	"github.com/loqalabs/loqa-interpreter/internal/stt"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"
)

// Option overrides a device the runtime would otherwise open itself.
type Option func(*Runtime)

// WithInputDevice replaces the PortAudio microphone.
func WithInputDevice(d audio.InputDevice) Option {
	return func(r *Runtime) { r.device = d }
}

// WithPlayer replaces the speaker.
func WithPlayer(p audio.Player) Option {
	return func(r *Runtime) { r.player = p }
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	device audio.InputDevice
	player audio.Player

	httpServer    *http.Server
	metricsServer *http.Server
	metricHandler http.Handler
	tracerClose   func(context.Context) error
	closers       []func()

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	control  *control.Service
	pipeline atomic.Pointer[pipeline.Pipeline]

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs one interpreter session until ctx is cancelled or the session
// fails, then releases everything it opened.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler
	instruments, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	p, err := r.buildPipeline(ctx, instruments)
	if err != nil {
		return err
	}
	r.pipeline.Store(p)

	r.control = control.New(p, r.publisher(), control.Options{
		SessionID: p.SessionID(),
		Events:    r.store,
		Logger:    r.logger,
	})
	if r.bus != nil {
		if err := r.control.Subscribe(r.bus.Conn()); err != nil {
			return err
		}
		r.closers = append(r.closers, r.control.Close)
	}

	if err := r.startHTTP(); err != nil {
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("session_id", p.SessionID()))
	err = p.Run(ctx)
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// publisher returns the bus client as a control publisher, or nil without
// leaving a typed nil in the interface.
func (r *Runtime) publisher() control.Publisher {
	if r.bus == nil {
		return nil
	}
	return r.bus
}

func (r *Runtime) googleOptions() []option.ClientOption {
	var opts []option.ClientOption
	if r.cfg.Google.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(r.cfg.Google.CredentialsFile))
	}
	if r.cfg.Google.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(r.cfg.Google.ProjectID))
	}
	return opts
}

func (r *Runtime) buildPipeline(ctx context.Context, instruments *metrics.Metrics) (*pipeline.Pipeline, error) {
	gopts := r.googleOptions()

	recognizer, closeRecognizer, err := stt.New(ctx, r.cfg.STT, gopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	r.closeWith("recognizer", closeRecognizer)

	translator, closeTranslator, err := translate.New(ctx, r.cfg.Translation, gopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create translator: %w", err)
	}
	r.closeWith("translator", closeTranslator)

	synth, closeSynth, err := tts.New(ctx, r.cfg.TTS, gopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	r.closeWith("synthesizer", closeSynth)

	if r.player == nil {
		player, err := r.openPlayer()
		if err != nil {
			return nil, err
		}
		r.player = player
	}
	if r.device == nil {
		pa, err := mic.NewPortAudio()
		if err != nil {
			return nil, fmt.Errorf("failed to initialise audio input: %w", err)
		}
		r.closeWith("portaudio", pa.Close)
		r.device = pa
	}

	sessionID := uuid.NewString()
	return pipeline.New(r.cfg, pipeline.Deps{
		Device:     r.device,
		Recognizer: recognizer,
		Translator: translator,
		Synth:      synth,
		Player:     r.player,
		Display:    r.buildDisplay(sessionID),
	}, pipeline.Options{
		SessionID: sessionID,
		Sessions:  r.store,
		Events:    r.store,
		Metrics:   instruments,
		Logger:    r.logger,
	})
}

func (r *Runtime) openPlayer() (audio.Player, error) {
	switch r.cfg.Playback.Mode {
	case "discard":
		return audio.Discard{Channels: r.cfg.TTS.Channels}, nil
	default:
		speaker, err := playback.NewSpeaker(r.cfg.Playback.SampleRate, time.Duration(r.cfg.Playback.BufferMS)*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("failed to open speaker: %w", err)
		}
		r.closers = append(r.closers, speaker.Close)
		return speaker, nil
	}
}

func (r *Runtime) buildDisplay(sessionID string) display.Display {
	var out display.Multi
	if r.cfg.Display.Log {
		out = append(out, display.NewLog(r.logger))
	}
	if r.cfg.Display.Terminal {
		out = append(out, display.NewWriter(os.Stderr))
	}
	if r.bus != nil {
		out = append(out, display.NewBus(r.bus, r.cfg.Display.BusSubject, sessionID, r, r.logger))
	}
	return out
}

// Languages reports the languages of the running session.
func (r *Runtime) Languages() (string, string) {
	p := r.pipeline.Load()
	if p == nil {
		return r.cfg.Session.InputLanguage, r.cfg.Session.OutputLanguage
	}
	return p.Languages()
}

func (r *Runtime) closeWith(name string, fn func() error) {
	r.closers = append(r.closers, func() {
		if err := fn(); err != nil {
			r.logger.Warn("close failed", slog.String("resource", name), slog.String("error", err.Error()))
		}
	})
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}
	if r.control != nil {
		mux.Handle("/languages", r.control.Handler())
	}
	return mux
}

func (r *Runtime) startHTTP() error {
	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		srv, err := r.serve(addr, r.routes())
		if err != nil {
			return err
		}
		r.httpServer = srv
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metricHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricHandler)
		srv, err := r.serve(bind, mux)
		if err != nil {
			return err
		}
		r.metricsServer = srv
	}
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", srv.Addr))
	return srv, nil
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	p := r.pipeline.Load()
	ready := r.ready.Load() && p != nil && p.Running() && p.Recognition() != stt.ShuttingDown
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
