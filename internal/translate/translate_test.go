package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

func TestClean(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{" <b>Hi</b>&amp; ", "<b>Hi</b>&"},
		{"bonjour   <br>", "bonjour   <br>"},
		{"l&#39;homme", "l'homme"},
		{"&quot;oui&quot;\n", `"oui"`},
		{"   ", ""},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Fatalf("Clean(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

type countingTranslator struct {
	calls atomic.Int32
	err   error
}

func (c *countingTranslator) Translate(_ context.Context, req Request) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return strings.ToUpper(req.Text) + "@" + req.Target, nil
}

func TestCachedReusesTranslations(t *testing.T) {
	next := &countingTranslator{}
	tr, err := NewCached(next, 2)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := tr.Translate(ctx, Request{Text: "yes", Target: "fr-FR"})
		if err != nil || out != "YES@fr-FR" {
			t.Fatalf("unexpected translation %q (%v)", out, err)
		}
	}
	if _, err := tr.Translate(ctx, Request{Text: "yes", Target: "de-DE"}); err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got := next.calls.Load(); got != 2 {
		t.Fatalf("expected 2 backend calls, got %d", got)
	}
}

func TestCachedDoesNotStoreErrors(t *testing.T) {
	next := &countingTranslator{err: errors.New("quota")}
	tr, _ := NewCached(next, 4)
	for i := 0; i < 2; i++ {
		if _, err := tr.Translate(context.Background(), Request{Text: "hi", Target: "fr-FR"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := next.calls.Load(); got != 2 {
		t.Fatalf("expected errors to reach backend each time, got %d calls", got)
	}
	if tr.(*Cached).Len() != 0 {
		t.Fatal("expected empty cache")
	}
}

func TestCachedDisabled(t *testing.T) {
	next := &countingTranslator{}
	tr, err := NewCached(next, 0)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}
	if tr != Translator(next) {
		t.Fatal("expected backend returned unchanged")
	}
}

func TestMockTranslator(t *testing.T) {
	out, err := NewMockTranslator().Translate(context.Background(), Request{Text: " hello ", Target: "fr-FR"})
	if err != nil || out != "[fr-FR] hello" {
		t.Fatalf("unexpected %q (%v)", out, err)
	}
}

func TestOllamaTranslatorAccumulatesStream(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"response":" Bon","done":false}` + "\n"))
		w.Write([]byte(`{"response":"jour ","done":false}` + "\n"))
		w.Write([]byte(`{"response":"","done":true}` + "\n"))
	}))
	defer srv.Close()

	tr := NewOllamaTranslator(srv.URL+"/", "")
	out, err := tr.Translate(context.Background(), Request{Text: "Hello", Source: "en-US", Target: "fr-FR"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "Bonjour" {
		t.Fatalf("expected Bonjour, got %q", out)
	}
	if got.Model != defaultOllamaModel || got.Prompt != "Hello" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(got.System, "en-US") || !strings.Contains(got.System, "fr-FR") {
		t.Fatalf("system prompt missing languages: %q", got.System)
	}
}

func TestOllamaTranslatorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()
	if _, err := NewOllamaTranslator(srv.URL, "missing").Translate(context.Background(), Request{Text: "hi", Target: "fr-FR"}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestOpenAITranslator(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" Hallo "}}],` +
			`"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	}))
	defer srv.Close()

	tr, err := NewOpenAITranslator("sk-test", "", srv.URL)
	if err != nil {
		t.Fatalf("new openai: %v", err)
	}
	out, err := tr.Translate(context.Background(), Request{Text: "Hello", Target: "de-DE"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "Hallo" {
		t.Fatalf("expected Hallo, got %q", out)
	}
	if body["model"] != defaultOpenAIModel {
		t.Fatalf("unexpected model %v", body["model"])
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", body["messages"])
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAITranslator("", "", ""); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestExecTranslator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "translate.sh")
	body := "#!/bin/sh\n" +
		"input=$(cat)\n" +
		"case \"$input\" in *'\"target\":\"it-IT\"'*) ;; *) exit 2 ;; esac\n" +
		"echo '{\"text\":\"ciao\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tr, err := NewExecTranslator(script)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	out, err := tr.Translate(context.Background(), Request{Text: "hello", Target: "it-IT"})
	if err != nil || out != "ciao" {
		t.Fatalf("unexpected %q (%v)", out, err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	tr, closeFn, err := New(context.Background(), config.TranslationConfig{Mode: "ollama", CacheSize: 8})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn()
	cached, ok := tr.(*Cached)
	if !ok {
		t.Fatalf("expected cached translator, got %T", tr)
	}
	if _, ok := cached.next.(*OllamaTranslator); !ok {
		t.Fatalf("expected ollama backend, got %T", cached.next)
	}
	if _, _, err := New(context.Background(), config.TranslationConfig{Mode: "openai"}); err == nil {
		t.Fatal("expected error for openai without key")
	}
}
