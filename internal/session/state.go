// Package session holds the conversation state shared by the pipeline stages.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnsupportedLanguage is returned by SetLanguages for codes outside the
// configured list.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// State is safe for concurrent use. The audio callback writes the last audio
// timestamp, collaborators change languages, and every stage reads both.
type State struct {
	mu        sync.RWMutex
	input     string
	output    string
	supported map[string]struct{}

	lastAudio atomic.Int64
	running   atomic.Bool
}

// New validates the initial pair. supported may be empty to accept any code.
func New(input, output string, supported []string) (*State, error) {
	input = strings.TrimSpace(input)
	output = strings.TrimSpace(output)
	if input == "" || output == "" {
		return nil, errors.New("session: languages must not be empty")
	}
	if input == output {
		return nil, fmt.Errorf("session: input and output language must differ (%s)", input)
	}
	s := &State{input: input, output: output}
	if len(supported) > 0 {
		s.supported = make(map[string]struct{}, len(supported))
		for _, code := range supported {
			s.supported[code] = struct{}{}
		}
		if err := s.checkSupported(input, output); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Languages returns the input and output language read under one lock.
func (s *State) Languages() (input, output string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input, s.output
}

func (s *State) InputLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

func (s *State) OutputLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.output
}

// SetLanguages applies a new pair and returns what is in effect afterwards.
// A request that names the same language twice is turned into a swap: the side
// that was left untouched takes over the previous value of the other side.
func (s *State) SetLanguages(input, output string) (string, string, error) {
	input = strings.TrimSpace(input)
	output = strings.TrimSpace(output)

	s.mu.Lock()
	defer s.mu.Unlock()

	if input == "" {
		input = s.input
	}
	if output == "" {
		output = s.output
	}
	if err := s.checkSupported(input, output); err != nil {
		return s.input, s.output, err
	}
	if input == output {
		if input != s.input {
			output = s.input
		} else {
			input = s.output
		}
	}
	s.input, s.output = input, output
	return s.input, s.output, nil
}

func (s *State) checkSupported(codes ...string) error {
	if len(s.supported) == 0 {
		return nil
	}
	for _, code := range codes {
		if _, ok := s.supported[code]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, code)
		}
	}
	return nil
}

// TouchAudio records the time of the latest voiced block. The stored value
// never moves backwards.
func (s *State) TouchAudio(at time.Time) {
	ts := at.UnixNano()
	for {
		prev := s.lastAudio.Load()
		if ts <= prev {
			return
		}
		if s.lastAudio.CompareAndSwap(prev, ts) {
			return
		}
	}
}

// LastAudio returns the zero time until the first voiced block arrives.
func (s *State) LastAudio() time.Time {
	ts := s.lastAudio.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (s *State) Start() { s.running.Store(true) }

func (s *State) Stop() { s.running.Store(false) }

func (s *State) Running() bool { return s.running.Load() }
