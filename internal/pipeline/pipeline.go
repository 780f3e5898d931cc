// Package pipeline assembles the capture, recognition and translate-and-speak
// stages around two bounded queues and runs them as one session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/capture"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/display"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/metrics"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/queue"
	"github.com/loqalabs/loqa-interpreter/internal/router"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"github.com/loqalabs/loqa-interpreter/internal/stt"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
	"golang.org/x/sync/errgroup"
)

// Deps are the devices and services the stages talk to.
type Deps struct {
	Device     audio.InputDevice
	Recognizer stt.Recognizer
	Translator translate.Translator
	Synth      tts.Synthesizer
	Player     audio.Player
	Display    display.Display
}

// SessionLog registers a session row before events are recorded against it.
type SessionLog interface {
	BeginSession(ctx context.Context, sessionID, input, output string) error
}

type Options struct {
	SessionID string
	Sessions  SessionLog
	Events    eventstore.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Pipeline struct {
	id       string
	state    *session.State
	frames   *queue.Ring[protocol.AudioFrame]
	texts    *queue.Ring[protocol.Transcript]
	grace    time.Duration
	capture  *capture.Stage
	stt      *stt.Service
	router   *router.Service
	sessions SessionLog
	events   eventstore.Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(cfg config.Config, deps Deps, opts Options) (*Pipeline, error) {
	if deps.Device == nil {
		return nil, errors.New("pipeline: input device required")
	}
	if deps.Recognizer == nil || deps.Translator == nil || deps.Synth == nil {
		return nil, errors.New("pipeline: recognizer, translator and synthesizer required")
	}
	state, err := session.New(cfg.Session.InputLanguage, cfg.Session.OutputLanguage, cfg.Session.Languages)
	if err != nil {
		return nil, err
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Events == nil {
		opts.Events = eventstore.Discard
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With(slog.String("session_id", opts.SessionID))

	p := &Pipeline{
		id:       opts.SessionID,
		state:    state,
		frames:   queue.NewRing[protocol.AudioFrame](cfg.Capture.QueueCapacity),
		texts:    queue.NewRing[protocol.Transcript](cfg.Router.QueueCapacity),
		grace:    time.Duration(cfg.Session.ShutdownGraceMS) * time.Millisecond,
		sessions: opts.Sessions,
		events:   opts.Events,
		metrics:  opts.Metrics,
		log:      log.With(slog.String("component", "pipeline")),
	}

	p.capture = capture.New(cfg.Capture, time.Duration(cfg.Session.SilenceTimeout)*time.Millisecond, deps.Device, state, p.frames, capture.Options{
		SessionID: p.id, Events: opts.Events, Metrics: opts.Metrics, Logger: log, Now: opts.Now,
	})
	p.stt = stt.NewService(cfg.STT, deps.Recognizer, state, p.frames, p.texts, stt.Options{
		SessionID: p.id, Events: opts.Events, Metrics: opts.Metrics, Logger: log, Now: opts.Now,
	})
	p.router = router.NewService(cfg.Router, router.Deps{
		Translator:       deps.Translator,
		Synth:            deps.Synth,
		Player:           deps.Player,
		Display:          deps.Display,
		VoiceGender:      cfg.TTS.VoiceGender,
		SampleRate:       cfg.TTS.SampleRate,
		TranslateTimeout: time.Duration(cfg.Translation.TimeoutMS) * time.Millisecond,
		SynthTimeout:     time.Duration(cfg.TTS.TimeoutMS) * time.Millisecond,
	}, state, p.texts, router.Options{
		SessionID: p.id, Events: opts.Events, Metrics: opts.Metrics, Logger: log, Now: opts.Now,
	})
	return p, nil
}

func (p *Pipeline) SessionID() string { return p.id }

func (p *Pipeline) Running() bool { return p.state.Running() }

// Languages returns the current input and output language.
func (p *Pipeline) Languages() (string, string) { return p.state.Languages() }

// SetLanguages changes the conversation languages. Recognition applies the
// input language on its next stream, translation the output language on the
// next segment.
func (p *Pipeline) SetLanguages(input, output string) (string, string, error) {
	return p.state.SetLanguages(input, output)
}

// Recognition reports the recognizer connection state.
func (p *Pipeline) Recognition() stt.ConnState { return p.stt.State() }

// Run opens the input device and runs the stages until ctx is cancelled or a
// stage fails. After cancellation the stages finish their current step; their
// service calls are only cancelled once the shutdown grace period expires.
func (p *Pipeline) Run(ctx context.Context) error {
	p.state.Start()
	if err := p.capture.Open(); err != nil {
		p.state.Stop()
		return err
	}

	bg := context.WithoutCancel(ctx)
	in, out := p.state.Languages()
	if p.sessions != nil {
		if err := p.sessions.BeginSession(bg, p.id, in, out); err != nil {
			p.log.Warn("failed to register session", slog.String("error", err.Error()))
		}
	}
	p.events.Record(bg, p.id, protocol.EventSessionStart, map[string]string{"input": in, "output": out})
	p.log.Info("session started", slog.String("input", in), slog.String("output", out))

	for name, q := range map[string]metrics.Queue{"capture.frames": p.frames, "router.transcripts": p.texts} {
		unregister, err := p.metrics.ObserveQueue(name, q)
		if err != nil {
			p.log.Warn("failed to observe queue", slog.String("queue", name), slog.String("error", err.Error()))
			continue
		}
		defer func() { _ = unregister() }()
	}

	calls, cancelCalls := context.WithCancel(bg)
	defer cancelCalls()
	g, gctx := errgroup.WithContext(calls)
	g.Go(func() error { return p.capture.Run(gctx) })
	g.Go(func() error { return p.stt.Run(gctx) })
	g.Go(func() error { return p.router.Run(gctx) })

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		case <-finished:
			return
		}
		p.state.Stop()
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.log.Warn("shutdown grace expired; cancelling in-flight calls", slog.Duration("grace", p.grace))
			cancelCalls()
		case <-finished:
		}
	}()

	err := g.Wait()
	close(finished)
	p.state.Stop()

	payload := map[string]string{}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.events.Record(bg, p.id, protocol.EventSessionStop, payload)
	if err != nil {
		p.log.Error("session ended with error", slog.String("error", err.Error()))
		return fmt.Errorf("pipeline: %w", err)
	}
	p.log.Info("session stopped")
	return nil
}
