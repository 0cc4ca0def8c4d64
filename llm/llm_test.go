package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/fault"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://host:8080", "http://host:8080/v1"},
		{"http://host:8080/", "http://host:8080/v1"},
		{"http://host:8080/v1", "http://host:8080/v1"},
		{"https://api.z.ai/api/coding/paas/v4", "https://api.z.ai/api/coding/paas/v4"},
		{"https://generativelanguage.example/v1beta", "https://generativelanguage.example/v1beta"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFactoryDefaults(t *testing.T) {
	base := config.Settings{ChatModel: "qwen3:8b", ChatURL: "http://ollama:11434"}

	set := base
	set.ChatProvider = "ollama"
	c, err := New(set, nil)
	if err != nil {
		t.Fatalf("New ollama: %v", err)
	}
	if _, ok := c.(*ollamaClient); !ok {
		t.Fatalf("ollama provider got %T", c)
	}

	set = base
	set.ChatProvider = "openrouter"
	c, err = New(set, nil)
	if err != nil {
		t.Fatalf("New openrouter: %v", err)
	}
	cc, ok := c.(*compatClient)
	if !ok {
		t.Fatalf("openrouter provider got %T", c)
	}
	// A stale Ollama URL must not leak into the hosted provider.
	if cc.baseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("openrouter base = %q", cc.baseURL)
	}

	set = base
	set.ChatProvider = "openai"
	c, err = New(set, nil)
	if err != nil {
		t.Fatalf("New openai: %v", err)
	}
	cc = c.(*compatClient)
	if cc.baseURL != "https://api.openai.com/v1" {
		t.Errorf("openai base = %q", cc.baseURL)
	}
	if cc.model != "gpt-4o-mini" {
		t.Errorf("openai default model = %q, want gpt-4o-mini", cc.model)
	}

	set = base
	set.ChatProvider = "glmai"
	cc = mustCompat(t, set)
	if cc.baseURL != "https://api.z.ai/api/coding/paas/v4" || cc.model != "glm-4.7" {
		t.Errorf("glmai = %q / %q", cc.baseURL, cc.model)
	}

	set = base
	set.ChatProvider = "minimax"
	cc = mustCompat(t, set)
	if cc.baseURL != "https://api.minimax.io/v1" || cc.model != "MiniMax-M2.5" {
		t.Errorf("minimax = %q / %q", cc.baseURL, cc.model)
	}

	set = base
	set.ChatProvider = "custom"
	set.CustomChatURL = "http://myserver:9000"
	cc = mustCompat(t, set)
	if cc.baseURL != "http://myserver:9000/v1" {
		t.Errorf("custom base = %q", cc.baseURL)
	}

	set = base
	set.ChatProvider = "banana"
	if _, err := New(set, nil); !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("unknown provider err = %v, want ErrConfig", err)
	}
}

func mustCompat(t *testing.T, set config.Settings) *compatClient {
	t.Helper()
	c, err := New(set, nil)
	if err != nil {
		t.Fatalf("New %s: %v", set.ChatProvider, err)
	}
	cc, ok := c.(*compatClient)
	if !ok {
		t.Fatalf("%s provider got %T", set.ChatProvider, c)
	}
	return cc
}

func collect(t *testing.T, c Client, opts Options) ([]Event, error) {
	t.Helper()
	var events []Event
	err := c.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}},
		opts, func(e Event) { events = append(events, e) })
	return events, err
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		lines := []string{
			`{"message":{"thinking":"pondering"},"done":false}`,
			`{"message":{"content":"Hello"},"done":false}`,
			`{"message":{"content":" world"},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	c := newOllama(srv.URL, "m", nil)

	events, err := collect(t, c, Options{EnableThinking: true})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	want := []Event{
		{KindReasoning, "pondering"},
		{KindToken, "Hello"},
		{KindToken, " world"},
		{KindDone, ""},
	}
	assertEvents(t, events, want)

	// Thinking disabled drops reasoning entirely.
	events, err = collect(t, c, Options{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	for _, e := range events {
		if e.Kind == KindReasoning {
			t.Fatal("reasoning emitted with thinking disabled")
		}
	}
}

func TestOllamaStripsLeakedThinkTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"<think>hmm</think>answer"},"done":true}`)
	}))
	defer srv.Close()

	c := newOllama(srv.URL, "m", nil)
	events, err := collect(t, c, Options{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if len(events) != 2 || events[0].Text != "hmmanswer" {
		t.Fatalf("events = %+v, want stripped content", events)
	}
}

func TestCompatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"reasoning_content":"let me think"}}]}`,
			`{"choices":[{"delta":{"content":"Hi"}}]}`,
			`{"choices":[{"delta":{"content":" there"},"finish_reason":"stop"}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newCompat(srv.URL+"/v1", "sk-test", "m", nil)
	events, err := collect(t, c, Options{EnableThinking: true})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	want := []Event{
		{KindReasoning, "let me think"},
		{KindToken, "Hi"},
		{KindToken, " there"},
		{KindDone, ""},
	}
	assertEvents(t, events, want)
}

func TestCompatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no such model"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newCompat(srv.URL+"/v1", "", "m", nil)
	_, err := collect(t, c, Options{})
	if !errors.Is(err, fault.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if !strings.Contains(err.Error(), "no such model") {
		t.Errorf("err %q should carry the upstream body", err)
	}
}

func TestCompatRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newCompat(srv.URL+"/v1", "", "m", nil)
	_, err := collect(t, c, Options{})
	if !fault.IsTransient(err) {
		t.Fatalf("429 should be transient, got %v", err)
	}
}

func TestIsEmbeddingModel(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"qwen3-Embedding-0.6B:Q8_0", true},
		{"nomic-embed-text", true},
		{"bge-m3", true},
		{"all-MiniLM-L6-v2", true},
		{"qwen3:8b", false},
		{"gpt-4o-mini", false},
	}
	for _, tt := range tests {
		if got := IsEmbeddingModel(tt.name); got != tt.want {
			t.Errorf("IsEmbeddingModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func assertEvents(t *testing.T, got, want []Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
