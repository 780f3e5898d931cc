package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/queue"
	"github.com/loqalabs/loqa-interpreter/internal/session"
)

type scriptedRecognizer struct {
	mu        sync.Mutex
	calls     []StreamConfig
	responses []Response
	err       error
}

func (s *scriptedRecognizer) Recognize(ctx context.Context, cfg StreamConfig, src FrameSource, onResponse func(Response)) error {
	s.mu.Lock()
	s.calls = append(s.calls, cfg)
	responses := s.responses
	err := s.err
	s.mu.Unlock()

	if _, ok := src.Next(ctx); !ok {
		return nil
	}
	if err != nil {
		return err
	}
	for _, resp := range responses {
		onResponse(resp)
	}
	// Drain until the source reports the end of the stream.
	for {
		if _, ok := src.Next(ctx); !ok {
			return nil
		}
	}
}

func (s *scriptedRecognizer) Calls() []StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamConfig(nil), s.calls...)
}

type countingRecorder struct {
	mu     sync.Mutex
	events []string
}

func (c *countingRecorder) Record(_ context.Context, _ string, eventType string, _ any) {
	c.mu.Lock()
	c.events = append(c.events, eventType)
	c.mu.Unlock()
}

func (c *countingRecorder) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	state  *session.State
	frames *queue.Ring[protocol.AudioFrame]
	texts  *queue.Ring[protocol.Transcript]
	events *countingRecorder
	svc    *Service
}

func newHarness(t *testing.T, cfg config.STTConfig, rec Recognizer) *harness {
	t.Helper()
	state, err := session.New("en-US", "fr-FR", []string{"en-US", "fr-FR", "de-DE"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	state.Start()
	h := &harness{
		state:  state,
		frames: queue.NewRing[protocol.AudioFrame](16),
		texts:  queue.NewRing[protocol.Transcript](16),
		events: &countingRecorder{},
	}
	if cfg.PullTimeoutMS == 0 {
		cfg.PullTimeoutMS = 20
	}
	h.svc = NewService(cfg, rec, state, h.frames, h.texts, Options{SessionID: "test", Events: h.events, Logger: discardLogger()})
	return h
}

func (h *harness) run(t *testing.T) (stop func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(context.Background()) }()
	return func() error {
		h.state.Stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("recognition stage did not stop")
			return nil
		}
	}
}

func frame() protocol.AudioFrame {
	return protocol.AudioFrame{PCM: make([]byte, 64), SampleRate: 16000, Channels: 1, CapturedAt: time.Now()}
}

func TestServiceKeepsOnlyFirstFinalAlternative(t *testing.T) {
	rec := &scriptedRecognizer{responses: []Response{
		{Results: []Result{{Final: false, Alternatives: []Alternative{{Transcript: "hel"}}}}},
		{Results: []Result{{Final: true, Alternatives: []Alternative{{Transcript: " hello ", Confidence: 0.9}, {Transcript: "yellow"}}}}},
		{Results: []Result{{Final: true, Alternatives: []Alternative{{Transcript: "   "}}}}},
		{Results: []Result{{Final: true}}},
		{},
		{Results: []Result{{Final: true, Alternatives: []Alternative{{Transcript: "world"}}}, {Final: true, Alternatives: []Alternative{{Transcript: "ignored"}}}}},
	}}
	h := newHarness(t, config.STTConfig{}, rec)
	h.frames.Push(frame())
	stop := h.run(t)

	var got []protocol.Transcript
	deadline := time.Now().Add(time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		if tr, ok := h.texts.Pop(context.Background(), 50*time.Millisecond); ok {
			got = append(got, tr)
		}
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[0].Text != "hello" || got[1].Text != "world" {
		t.Fatalf("unexpected transcripts: %+v", got)
	}
	if got[0].Language != "en-US" || got[0].Confidence != 0.9 {
		t.Fatalf("unexpected metadata: %+v", got[0])
	}
	if h.texts.Len() != 0 {
		t.Fatalf("expected no extra transcripts, found %d", h.texts.Len())
	}
}

func TestServiceWaitsForAudioBeforeDialing(t *testing.T) {
	rec := &scriptedRecognizer{}
	h := newHarness(t, config.STTConfig{}, rec)
	stop := h.run(t)
	time.Sleep(100 * time.Millisecond)
	if calls := len(rec.Calls()); calls != 0 {
		t.Fatalf("expected no streams without audio, got %d", calls)
	}
	h.frames.Push(frame())
	deadline := time.Now().Add(time.Second)
	for len(rec.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := len(rec.Calls()); calls != 1 {
		t.Fatalf("expected one stream, got %d", calls)
	}
}

func TestServiceUsesCurrentLanguagePerStream(t *testing.T) {
	rec := &scriptedRecognizer{}
	h := newHarness(t, config.STTConfig{}, rec)
	stop := h.run(t)

	h.frames.Push(frame())
	waitCalls(t, rec, 1)
	if _, _, err := h.state.SetLanguages("de-DE", ""); err != nil {
		t.Fatalf("set languages: %v", err)
	}
	// The first stream ends after one empty pull; the next frame opens a new one.
	time.Sleep(60 * time.Millisecond)
	h.frames.Push(frame())
	waitCalls(t, rec, 2)
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := rec.Calls()
	if calls[0].Language != "en-US" || calls[1].Language != "de-DE" {
		t.Fatalf("unexpected languages: %s then %s", calls[0].Language, calls[1].Language)
	}
	if calls[0].Encoding != "linear16" || calls[0].SampleRate != 16000 || calls[0].Channels != 1 {
		t.Fatalf("unexpected stream config: %+v", calls[0])
	}
}

func TestServiceGivesUpAfterMaxAttempts(t *testing.T) {
	rec := &scriptedRecognizer{err: errors.New("unavailable")}
	h := newHarness(t, config.STTConfig{RetryInitialMS: 1, RetryMaxMS: 2, RetryMultiplier: 2, RetryMaxAttempts: 1}, rec)
	for i := 0; i < 3; i++ {
		h.frames.Push(frame())
	}

	done := make(chan error, 1)
	go func() { done <- h.svc.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("expected ErrRetriesExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected run to give up")
	}
	if calls := len(rec.Calls()); calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if h.events.Count() != 1 {
		t.Fatalf("expected 1 reconnect event, got %d", h.events.Count())
	}
	if h.svc.State() != ShuttingDown {
		t.Fatalf("expected shutting_down after run, got %s", h.svc.State())
	}
}

func waitCalls(t *testing.T, rec *scriptedRecognizer, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(rec.Calls()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d streams, got %d", n, len(rec.Calls()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
