// Package capture owns the microphone stream: a volume gate in the device
// callback and a supervisor that recycles the stream after prolonged silence.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/metrics"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/queue"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Options carries the collaborators shared with the other stages.
type Options struct {
	SessionID string
	Events    eventstore.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

type Stage struct {
	cfg     config.CaptureConfig
	params  audio.StreamParams
	silence time.Duration
	poll    time.Duration
	reopen  time.Duration

	device audio.InputDevice
	state  *session.State
	frames *queue.Ring[protocol.AudioFrame]

	sessionID string
	events    eventstore.Recorder
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	// Callback log lines are throttled; the callback runs on the driver thread.
	quietLog  rate.Sometimes
	statusLog rate.Sometimes
	dropLog   rate.Sometimes

	mu       sync.Mutex
	stream   audio.Stream
	openedAt time.Time
	opens    int
}

func New(cfg config.CaptureConfig, silenceTimeout time.Duration, device audio.InputDevice, state *session.State, frames *queue.Ring[protocol.AudioFrame], opts Options) *Stage {
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
	poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Stage{
		cfg: cfg,
		params: audio.StreamParams{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BlockSize:  cfg.BlockSize,
			LowLatency: cfg.LowLatency,
		},
		silence:   silenceTimeout,
		poll:      poll,
		reopen:    time.Duration(cfg.ReopenDelayMS) * time.Millisecond,
		device:    device,
		state:     state,
		frames:    frames,
		sessionID: opts.SessionID,
		events:    opts.Events,
		metrics:   opts.Metrics,
		log:       opts.Logger.With(slog.String("component", "capture")),
		now:       opts.Now,
		quietLog:  rate.Sometimes{Interval: 5 * time.Second},
		statusLog: rate.Sometimes{Interval: time.Second},
		dropLog:   rate.Sometimes{Interval: time.Second},
	}
}

// HandleBlock is the device callback. It never blocks.
func (s *Stage) HandleBlock(b audio.Block) {
	ctx := context.Background()
	if b.Status != 0 {
		s.metrics.StatusFlags.Add(ctx, 1, metric.WithAttributes(attribute.String("status", b.Status.String())))
		s.statusLog.Do(func() {
			s.log.Warn("input device reported status", slog.String("status", b.Status.String()))
		})
	}

	volume := audio.Volume(b.Samples)
	if volume <= s.cfg.VolumeThreshold {
		s.metrics.FramesDiscarded.Add(ctx, 1)
		s.quietLog.Do(func() {
			s.log.Debug("block below volume gate", slog.Float64("volume", volume))
		})
		return
	}

	at := b.At
	if at.IsZero() {
		at = s.now()
	}
	s.state.TouchAudio(at)
	frame := protocol.AudioFrame{
		PCM:        audio.Int16ToBytes(b.Samples),
		SampleRate: s.params.SampleRate,
		Channels:   s.params.Channels,
		CapturedAt: at,
	}
	if s.frames.Push(frame) {
		s.dropLog.Do(func() {
			s.log.Warn("audio queue full; oldest frame dropped", slog.Uint64("dropped_total", s.frames.Dropped()))
		})
	}
	s.metrics.FramesForwarded.Add(ctx, 1)
}

// Open opens the first stream. Failure here is fatal for the session.
func (s *Stage) Open() error {
	if err := s.openStream(); err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	s.log.Info("input stream opened",
		slog.Int("sample_rate", s.params.SampleRate),
		slog.Int("block_size", s.params.BlockSize))
	return nil
}

func (s *Stage) openStream() error {
	stream, err := s.device.Open(s.params, s.HandleBlock)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stream = stream
	s.openedAt = s.now()
	s.opens++
	s.mu.Unlock()
	return nil
}

func (s *Stage) closeStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("failed to close input stream", slog.String("error", err.Error()))
	}
}

// Opens counts streams opened so far, including the first.
func (s *Stage) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Silence is the time since the latest voiced block or, if later, since the
// current stream was opened.
func (s *Stage) Silence() time.Duration {
	s.mu.Lock()
	since := s.openedAt
	s.mu.Unlock()
	if last := s.state.LastAudio(); last.After(since) {
		since = last
	}
	return s.now().Sub(since)
}

// Run supervises the stream until the session stops, then closes it.
func (s *Stage) Run(ctx context.Context) error {
	defer s.closeStream()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for s.state.Running() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !s.state.Running() {
			break
		}

		s.mu.Lock()
		open := s.stream != nil
		s.mu.Unlock()
		if !open {
			s.reopenStream(ctx)
			continue
		}

		if silence := s.Silence(); silence > s.silence {
			s.restart(ctx, silence)
		}
	}
	s.log.Info("capture stage stopped")
	return nil
}

func (s *Stage) restart(ctx context.Context, silence time.Duration) {
	s.log.Info("restarting input stream after silence", slog.Duration("silence", silence))
	s.closeStream()
	s.metrics.StreamRestarts.Add(ctx, 1)
	s.events.Record(ctx, s.sessionID, protocol.EventCaptureRestart, map[string]int64{
		"silence_ms": silence.Milliseconds(),
	})
	s.reopenStream(ctx)
}

func (s *Stage) reopenStream(ctx context.Context) {
	if !s.sleep(ctx, s.reopen) {
		return
	}
	if err := s.openStream(); err != nil {
		s.log.Warn("failed to reopen input stream", slog.String("error", err.Error()))
	}
}

// sleep waits for d and reports whether the session is still running.
func (s *Stage) sleep(ctx context.Context, d time.Duration) bool {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return s.state.Running()
}
