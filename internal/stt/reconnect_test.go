package stt

import (
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

func retryConfig(maxAttempts int) config.STTConfig {
	return config.STTConfig{
		RetryInitialMS:   1000,
		RetryMaxMS:       3000,
		RetryMultiplier:  2,
		RetryJitter:      0,
		RetryMaxAttempts: maxAttempts,
	}
}

func TestReconnectorBackoffGrowsAndCaps(t *testing.T) {
	r := NewReconnector(retryConfig(0))
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, expected := range want {
		delay, err := r.Failed()
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
		if delay != expected {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, expected, delay)
		}
		if r.State() != Reconnecting {
			t.Fatalf("expected reconnecting, got %s", r.State())
		}
	}
}

func TestReconnectorResetsOnSuccess(t *testing.T) {
	r := NewReconnector(retryConfig(0))
	_, _ = r.Failed()
	_, _ = r.Failed()
	r.Succeeded()
	if r.State() != Connected || r.Attempts() != 0 {
		t.Fatalf("expected connected with no attempts, got %s/%d", r.State(), r.Attempts())
	}
	delay, _ := r.Failed()
	if delay != time.Second {
		t.Fatalf("expected backoff reset to 1s, got %v", delay)
	}
}

func TestReconnectorExhausts(t *testing.T) {
	r := NewReconnector(retryConfig(2))
	for i := 0; i < 2; i++ {
		if _, err := r.Failed(); err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
	}
	if _, err := r.Failed(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
}

func TestReconnectorShutdownIsTerminal(t *testing.T) {
	r := NewReconnector(retryConfig(1))
	r.Shutdown()
	r.Succeeded()
	if r.State() != ShuttingDown {
		t.Fatalf("expected shutting_down, got %s", r.State())
	}
	if delay, err := r.Failed(); err != nil || delay != 0 {
		t.Fatalf("expected no retry while shutting down, got %v/%v", delay, err)
	}
}
