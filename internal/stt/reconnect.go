package stt

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// ErrRetriesExhausted is returned once the recognizer has failed more
// consecutive times than allowed.
var ErrRetriesExhausted = errors.New("stt: reconnect attempts exhausted")

// ConnState is the state of the recognition connection.
type ConnState int

const (
	Connected ConnState = iota
	Reconnecting
	ShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Reconnector tracks the connection state and decides how long to wait
// before the next attempt.
type Reconnector struct {
	mu          sync.Mutex
	state       ConnState
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
	attempts    int
}

// NewReconnector builds a reconnector from the stt retry settings.
func NewReconnector(cfg config.STTConfig) *Reconnector {
	b := backoff.NewExponentialBackOff()
	if cfg.RetryInitialMS > 0 {
		b.InitialInterval = time.Duration(cfg.RetryInitialMS) * time.Millisecond
	}
	if cfg.RetryMaxMS > 0 {
		b.MaxInterval = time.Duration(cfg.RetryMaxMS) * time.Millisecond
	}
	if cfg.RetryMultiplier >= 1 {
		b.Multiplier = cfg.RetryMultiplier
	}
	if cfg.RetryJitter >= 0 {
		b.RandomizationFactor = cfg.RetryJitter
	}
	b.Reset()
	return &Reconnector{state: Connected, backoff: b, maxAttempts: cfg.RetryMaxAttempts}
}

// State reports the current connection state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts reports consecutive failures since the last clean stream.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Succeeded records a cleanly ended stream and resets the backoff.
func (r *Reconnector) Succeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ShuttingDown {
		return
	}
	r.state = Connected
	r.attempts = 0
	r.backoff.Reset()
}

// Failed records a stream error and returns the delay before the next
// attempt, or ErrRetriesExhausted when the attempt limit has been reached.
func (r *Reconnector) Failed() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ShuttingDown {
		return 0, nil
	}
	r.attempts++
	if r.maxAttempts > 0 && r.attempts > r.maxAttempts {
		return 0, ErrRetriesExhausted
	}
	r.state = Reconnecting
	return r.backoff.NextBackOff(), nil
}

// Shutdown moves to the terminal state.
func (r *Reconnector) Shutdown() {
	r.mu.Lock()
	r.state = ShuttingDown
	r.mu.Unlock()
}
