package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"github.com/nats-io/nats.go"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Record(_ context.Context, _ string, eventType string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	replies  []protocol.LanguageReply
}

func (c *capturePublisher) PublishJSON(subject string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	if reply, ok := v.(protocol.LanguageReply); ok {
		c.replies = append(c.replies, reply)
	}
	return nil
}

func newState(t *testing.T) *session.State {
	t.Helper()
	state, err := session.New("en-US", "fr-FR", []string{"en-US", "fr-FR", "de-DE"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return state
}

func TestApplyRecordsAndAnnouncesChanges(t *testing.T) {
	state := newState(t)
	pub := &capturePublisher{}
	events := &recorder{}
	svc := New(state, pub, Options{SessionID: "s", Events: events, Logger: quietLogger()})

	reply := svc.Apply(context.Background(), protocol.LanguageRequest{Output: "de-DE"})
	if diff := cmp.Diff(protocol.LanguageReply{Input: "en-US", Output: "de-DE"}, reply); diff != "" {
		t.Fatalf("unexpected reply (-want +got):\n%s", diff)
	}
	// Unchanged pair is not announced again.
	svc.Apply(context.Background(), protocol.LanguageRequest{Output: "de-DE"})

	if diff := cmp.Diff([]string{protocol.SubjectLanguagesChanged}, pub.subjects); diff != "" {
		t.Fatalf("unexpected publishes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{protocol.EventLanguagesChanged}, events.snapshot()); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestApplySwapsOnSameLanguage(t *testing.T) {
	state := newState(t)
	svc := New(state, nil, Options{Logger: quietLogger()})
	reply := svc.Apply(context.Background(), protocol.LanguageRequest{Input: "fr-FR", Output: "fr-FR"})
	if reply.Input != "fr-FR" || reply.Output != "en-US" || reply.Error != "" {
		t.Fatalf("expected swap, got %+v", reply)
	}
}

func TestApplyRejectsUnsupported(t *testing.T) {
	state := newState(t)
	events := &recorder{}
	svc := New(state, nil, Options{Events: events, Logger: quietLogger()})
	reply := svc.Apply(context.Background(), protocol.LanguageRequest{Output: "xx-XX"})
	if reply.Error == "" {
		t.Fatal("expected error for unsupported language")
	}
	if reply.Input != "en-US" || reply.Output != "fr-FR" {
		t.Fatalf("expected previous pair kept, got %+v", reply)
	}
	if len(events.snapshot()) != 0 {
		t.Fatal("rejected change must not be recorded")
	}
}

func TestHTTPHandler(t *testing.T) {
	state := newState(t)
	srv := httptest.NewServer(New(state, nil, Options{Logger: quietLogger()}).Handler())
	defer srv.Close()

	decode := func(resp *http.Response) protocol.LanguageReply {
		t.Helper()
		defer resp.Body.Close()
		var reply protocol.LanguageReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return reply
	}

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := decode(resp); got.Input != "en-US" || got.Output != "fr-FR" {
		t.Fatalf("unexpected languages %+v", got)
	}

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(`{"input":"de-DE"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode(resp); got.Input != "de-DE" || got.Output != "fr-FR" {
		t.Fatalf("unexpected languages %+v", got)
	}

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(`{"output":"xx-XX"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestNATSRequestReply(t *testing.T) {
	log := quietLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	changes := make(chan *nats.Msg, 1)
	watch, err := client.Conn().ChanSubscribe(protocol.SubjectLanguagesChanged, changes)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer watch.Unsubscribe()

	state := newState(t)
	svc := New(state, client, Options{Logger: log})
	if err := svc.Subscribe(client.Conn()); err != nil {
		t.Fatalf("control subscribe: %v", err)
	}
	t.Cleanup(svc.Close)

	data, _ := json.Marshal(protocol.LanguageRequest{Input: "fr-FR", Output: "en-US"})
	msg, err := client.Conn().Request(protocol.SubjectControlLanguages, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.LanguageReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if diff := cmp.Diff(protocol.LanguageReply{Input: "fr-FR", Output: "en-US"}, reply); diff != "" {
		t.Fatalf("unexpected reply (-want +got):\n%s", diff)
	}
	if in, out := state.Languages(); in != "fr-FR" || out != "en-US" {
		t.Fatalf("state not updated: %s/%s", in, out)
	}

	select {
	case change := <-changes:
		var announced protocol.LanguageReply
		if err := json.Unmarshal(change.Data, &announced); err != nil {
			t.Fatalf("decode change: %v", err)
		}
		if announced != reply {
			t.Fatalf("announcement %+v does not match reply %+v", announced, reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("language change was not announced")
	}

	msg, err = client.Conn().Request(protocol.SubjectControlLanguages, []byte("not json"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.Error == "" {
		t.Fatalf("expected error reply, got %+v (%v)", reply, err)
	}
}
