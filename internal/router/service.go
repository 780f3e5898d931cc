// Package router is the translate-and-speak stage. It takes finalized
// transcripts off the text queue one at a time, translates them into the
// current output language, shows the pair and speaks the translation.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/display"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/metrics"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/queue"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/loqa-interpreter/router"

// Deps are the services a segment passes through.
type Deps struct {
	Translator translate.Translator
	Synth      tts.Synthesizer
	Player     audio.Player
	Display    display.Display

	VoiceGender      string
	SampleRate       int
	TranslateTimeout time.Duration
	SynthTimeout     time.Duration
}

// Options carries the collaborators shared with the other stages.
type Options struct {
	SessionID string
	Events    eventstore.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	cfg         config.RouterConfig
	deps        Deps
	state       *session.State
	texts       *queue.Ring[protocol.Transcript]
	sessionID   string
	events      eventstore.Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	pullTimeout time.Duration
}

func NewService(cfg config.RouterConfig, deps Deps, state *session.State, texts *queue.Ring[protocol.Transcript], opts Options) *Service {
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
	deps.Display = display.Safe(deps.Display)
	if deps.Player == nil {
		deps.Player = audio.Discard{}
	}
	pull := time.Duration(cfg.PullTimeoutMS) * time.Millisecond
	if pull <= 0 {
		pull = 5 * time.Second
	}
	return &Service{
		cfg:         cfg,
		deps:        deps,
		state:       state,
		texts:       texts,
		sessionID:   opts.SessionID,
		events:      opts.Events,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With(slog.String("component", "router")),
		tracer:      otel.Tracer(tracerName),
		now:         opts.Now,
		pullTimeout: pull,
	}
}

// Run processes segments until the session stops. The segment in progress
// when that happens is finished first.
func (s *Service) Run(ctx context.Context) error {
	for s.state.Running() && ctx.Err() == nil {
		transcript, ok := s.texts.Pop(ctx, s.pullTimeout)
		if !ok {
			continue
		}
		if strings.TrimSpace(transcript.Text) == "" {
			continue
		}
		s.handleTranscript(ctx, transcript)
	}
	s.logger.Info("translate-and-speak stage stopped")
	return nil
}

func (s *Service) handleTranscript(ctx context.Context, transcript protocol.Transcript) {
	input, output := s.state.Languages()
	source := transcript.Language
	if source == "" {
		source = input
	}

	ctx, span := s.tracer.Start(ctx, "router.segment", trace.WithAttributes(
		attribute.String("language.source", source),
		attribute.String("language.target", output),
	))
	defer span.End()

	translated, err := s.translate(ctx, transcript.Text, source, output)
	if err != nil {
		s.drop(ctx, span, "translate", err)
		return
	}
	cleaned := translate.Clean(translated)
	if cleaned == "" {
		s.logger.Debug("translation empty after cleaning; skipping")
		return
	}

	if !s.cfg.DisplayAfterPlayback {
		s.deps.Display.OnTranscript(transcript.Text, cleaned)
	}

	clip, err := s.synthesize(ctx, cleaned, output)
	if err != nil {
		s.drop(ctx, span, "synthesize", err)
		return
	}

	if err := s.play(ctx, clip); err != nil {
		s.logger.Warn("playback failed", slog.String("error", err.Error()))
		span.RecordError(err)
	} else {
		s.metrics.UtterancesSpoken.Add(ctx, 1, metric.WithAttributes(attribute.String("language", output)))
	}

	if s.cfg.DisplayAfterPlayback {
		s.deps.Display.OnTranscript(transcript.Text, cleaned)
	}
	if !transcript.FinalizedAt.IsZero() {
		s.metrics.SegmentLatency.Record(ctx, s.now().Sub(transcript.FinalizedAt).Seconds())
	}
}

func (s *Service) translate(ctx context.Context, text, source, target string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "router.translate")
	defer span.End()
	if s.deps.TranslateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.TranslateTimeout)
		defer cancel()
	}
	out, err := s.deps.Translator.Translate(ctx, translate.Request{Text: text, Source: source, Target: target})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (s *Service) synthesize(ctx context.Context, text, language string) (tts.Clip, error) {
	ctx, span := s.tracer.Start(ctx, "router.synthesize")
	defer span.End()
	if s.deps.SynthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.SynthTimeout)
		defer cancel()
	}
	clip, err := tts.Collect(ctx, s.deps.Synth, tts.SynthRequest{
		Text:       text,
		Language:   language,
		Gender:     s.deps.VoiceGender,
		SampleRate: s.deps.SampleRate,
	})
	if err != nil {
		span.RecordError(err)
	}
	return clip, err
}

func (s *Service) play(ctx context.Context, clip tts.Clip) error {
	ctx, span := s.tracer.Start(ctx, "router.play")
	defer span.End()
	return s.deps.Player.Play(ctx, clip.PCM, clip.SampleRate)
}

func (s *Service) drop(ctx context.Context, span trace.Span, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	s.logger.Warn("utterance dropped", slog.String("stage", stage), slog.String("error", err.Error()))
	s.metrics.UtterancesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	s.events.Record(ctx, s.sessionID, protocol.EventUtteranceDropped, map[string]string{
		"stage": stage,
		"error": err.Error(),
	})
}
