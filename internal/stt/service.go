package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/metrics"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/queue"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options carries the collaborators shared with the other stages.
type Options struct {
	SessionID string
	Events    eventstore.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service is the recognition stage: it streams voiced frames from the audio
// queue to the recognizer and pushes final transcripts onto the text queue.
type Service struct {
	cfg         config.STTConfig
	recognizer  Recognizer
	state       *session.State
	frames      *queue.Ring[protocol.AudioFrame]
	texts       *queue.Ring[protocol.Transcript]
	reconnect   *Reconnector
	sessionID   string
	events      eventstore.Recorder
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
	pullTimeout time.Duration
}

func NewService(cfg config.STTConfig, recognizer Recognizer, state *session.State, frames *queue.Ring[protocol.AudioFrame], texts *queue.Ring[protocol.Transcript], opts Options) *Service {
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
	pull := time.Duration(cfg.PullTimeoutMS) * time.Millisecond
	if pull <= 0 {
		pull = 5 * time.Second
	}
	return &Service{
		cfg:         cfg,
		recognizer:  recognizer,
		state:       state,
		frames:      frames,
		texts:       texts,
		reconnect:   NewReconnector(cfg),
		sessionID:   opts.SessionID,
		events:      opts.Events,
		metrics:     opts.Metrics,
		log:         opts.Logger.With(slog.String("component", "stt")),
		now:         opts.Now,
		pullTimeout: pull,
	}
}

// State exposes the connection state for health reporting.
func (s *Service) State() ConnState {
	return s.reconnect.State()
}

// Run loops until the session stops. It returns an error only when the
// reconnect budget is exhausted.
func (s *Service) Run(ctx context.Context) error {
	defer s.reconnect.Shutdown()
	for s.state.Running() && ctx.Err() == nil {
		first, ok := s.frames.Pop(ctx, s.pullTimeout)
		if !ok {
			continue
		}
		if !s.state.Running() {
			break
		}

		cfg := s.streamConfig()
		src := &ringSource{pending: &first, svc: s}
		s.metrics.RecognizerConnections.Add(ctx, 1)
		s.log.Debug("recognition stream opening", slog.String("language", cfg.Language))

		err := s.recognizer.Recognize(ctx, cfg, src, func(resp Response) {
			s.handleResponse(ctx, cfg.Language, resp)
		})
		if err == nil {
			s.reconnect.Succeeded()
			continue
		}
		if !s.state.Running() || ctx.Err() != nil {
			break
		}

		delay, rerr := s.reconnect.Failed()
		if rerr != nil {
			s.log.Error("recognition giving up", slog.Int("attempts", s.reconnect.Attempts()), slogError(err))
			return fmt.Errorf("%w: %v", rerr, err)
		}
		attempt := s.reconnect.Attempts()
		s.metrics.RecognizerReconnects.Add(ctx, 1)
		s.log.Warn("recognition stream failed; reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slogError(err))
		s.events.Record(ctx, s.sessionID, protocol.EventRecognizerRetry, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		s.wait(ctx, delay)
	}
	s.log.Info("recognition stage stopped")
	return nil
}

func (s *Service) streamConfig() StreamConfig {
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := s.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return StreamConfig{
		Language:       s.state.InputLanguage(),
		SampleRate:     rate,
		Channels:       channels,
		Encoding:       "linear16",
		Punctuate:      s.cfg.Punctuate,
		InterimResults: s.cfg.InterimResults,
	}
}

func (s *Service) handleResponse(ctx context.Context, language string, resp Response) {
	alt, ok := FinalTranscript(resp)
	if !ok {
		return
	}
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return
	}
	dropped := s.texts.Push(protocol.Transcript{
		Text:        text,
		Language:    language,
		FinalizedAt: s.now(),
		Confidence:  alt.Confidence,
	})
	s.metrics.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("language", language)))
	if dropped {
		s.log.Warn("text queue full; oldest transcript dropped")
	}
	s.log.Debug("transcript finalized", slog.String("language", language), slog.Float64("confidence", alt.Confidence))
}

// wait sleeps for d, returning early once the session stops.
func (s *Service) wait(ctx context.Context, d time.Duration) {
	const tick = 100 * time.Millisecond
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.state.Running() {
				return
			}
		}
	}
}

type ringSource struct {
	pending *protocol.AudioFrame
	svc     *Service
}

func (r *ringSource) Next(ctx context.Context) (protocol.AudioFrame, bool) {
	if r.pending != nil {
		frame := *r.pending
		r.pending = nil
		return frame, true
	}
	if !r.svc.state.Running() {
		return protocol.AudioFrame{}, false
	}
	return r.svc.frames.Pop(ctx, r.svc.pullTimeout)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
