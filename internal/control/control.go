// Package control lets collaborators outside the pipeline change the
// conversation languages, over NATS request/reply or a small HTTP endpoint.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"github.com/nats-io/nats.go"
)

// Languages is the part of the pipeline a controller may touch.
type Languages interface {
	Languages() (input, output string)
	SetLanguages(input, output string) (string, string, error)
}

// Publisher announces language changes. It may be nil.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	SessionID string
	Events    eventstore.Recorder
	Logger    *slog.Logger
}

type Service struct {
	langs     Languages
	pub       Publisher
	sessionID string
	events    eventstore.Recorder
	log       *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func New(langs Languages, pub Publisher, opts Options) *Service {
	if opts.Events == nil {
		opts.Events = eventstore.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		langs:     langs,
		pub:       pub,
		sessionID: opts.SessionID,
		events:    opts.Events,
		log:       opts.Logger.With(slog.String("component", "control")),
	}
}

// Apply changes the languages and reports the pair in effect afterwards. A
// rejected request leaves the previous pair in place.
func (s *Service) Apply(ctx context.Context, req protocol.LanguageRequest) protocol.LanguageReply {
	reply, _ := s.apply(ctx, req)
	return reply
}

func (s *Service) apply(ctx context.Context, req protocol.LanguageRequest) (protocol.LanguageReply, error) {
	prevIn, prevOut := s.langs.Languages()
	in, out, err := s.langs.SetLanguages(req.Input, req.Output)
	reply := protocol.LanguageReply{Input: in, Output: out}
	if err != nil {
		reply.Error = err.Error()
		s.log.Warn("language change rejected",
			slog.String("input", req.Input),
			slog.String("output", req.Output),
			slog.String("error", err.Error()))
		return reply, err
	}
	if in == prevIn && out == prevOut {
		return reply, nil
	}

	s.log.Info("languages changed", slog.String("input", in), slog.String("output", out))
	s.events.Record(ctx, s.sessionID, protocol.EventLanguagesChanged, map[string]string{
		"input":           in,
		"output":          out,
		"previous_input":  prevIn,
		"previous_output": prevOut,
	})
	if s.pub != nil {
		if err := s.pub.PublishJSON(protocol.SubjectLanguagesChanged, reply); err != nil {
			s.log.Warn("failed to announce language change", slog.String("error", err.Error()))
		}
	}
	return reply, nil
}

// Subscribe answers LanguageRequests on the control subject until Close.
func (s *Service) Subscribe(conn *nats.Conn) error {
	if conn == nil {
		return errors.New("control: nil NATS connection")
	}
	sub, err := conn.Subscribe(protocol.SubjectControlLanguages, s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectControlLanguages, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.log.Info("listening for language requests", slog.String("subject", protocol.SubjectControlLanguages))
	return nil
}

func (s *Service) handleMsg(msg *nats.Msg) {
	var req protocol.LanguageRequest
	var reply protocol.LanguageReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		in, out := s.langs.Languages()
		reply = protocol.LanguageReply{Input: in, Output: out, Error: "invalid request: " + err.Error()}
	} else {
		reply = s.Apply(context.Background(), req)
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("failed to encode language reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send language reply", slog.String("error", err.Error()))
	}
}

// Close drains the subscription, if any.
func (s *Service) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

// Handler serves GET and POST on /languages.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			in, out := s.langs.Languages()
			writeJSON(w, http.StatusOK, protocol.LanguageReply{Input: in, Output: out})
		case http.MethodPost:
			var req protocol.LanguageRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
				in, out := s.langs.Languages()
				writeJSON(w, http.StatusBadRequest, protocol.LanguageReply{Input: in, Output: out, Error: "invalid request: " + err.Error()})
				return
			}
			reply, err := s.apply(r.Context(), req)
			status := http.StatusOK
			switch {
			case errors.Is(err, session.ErrUnsupportedLanguage):
				status = http.StatusUnprocessableEntity
			case err != nil:
				status = http.StatusBadRequest
			}
			writeJSON(w, status, reply)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
