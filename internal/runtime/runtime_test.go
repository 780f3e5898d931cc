package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type nopStream struct{}

func (nopStream) Close() error { return nil }

type silentDevice struct{}

func (silentDevice) Open(audio.StreamParams, func(audio.Block)) (audio.Stream, error) {
	return nopStream{}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.ConnectTimeout = 2000
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Playback.Mode = "discard"
	cfg.Capture.PollIntervalMS = 5
	cfg.STT.PullTimeoutMS = 20
	cfg.Router.PullTimeoutMS = 20
	cfg.Session.ShutdownGraceMS = 50
	return cfg
}

func TestReadyBeforeStart(t *testing.T) {
	r := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	r.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec.Code)
	}
}

func TestStartServesLanguagesAndStops(t *testing.T) {
	r := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithInputDevice(silentDevice{}),
		WithPlayer(audio.Discard{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !r.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime never became ready: %v", <-done)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mux := r.routes()
	for {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ready, got %d", rec.Code)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/languages", strings.NewReader(`{"output":"de-DE"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var reply protocol.LanguageReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Input != "en-US" || reply.Output != "de-DE" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if in, out := r.Languages(); in != "en-US" || out != "de-DE" {
		t.Fatalf("runtime languages not updated: %s/%s", in, out)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
