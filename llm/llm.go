// Package llm streams chat completions from the configured provider.
// Ollama gets a native /api/chat adapter (its OpenAI-compatible endpoint
// mishandles thinking suppression for Qwen-family models); every other
// provider speaks the OpenAI /v1/chat/completions SSE dialect.
package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/fault"
)

// EventKind discriminates stream events.
type EventKind string

const (
	KindToken     EventKind = "token"
	KindReasoning EventKind = "reasoning"
	KindError     EventKind = "error"
	KindDone      EventKind = "done"
)

type Event struct {
	Kind EventKind
	Text string
}

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-request generation parameters.
type Options struct {
	Temperature    float64
	MaxTokens      int
	EnableThinking bool
}

// Client streams a chat completion, calling emit for each event in
// order. Reasoning text arrives as KindReasoning when thinking is
// enabled and is silently discarded when it is not. A nil return means
// the stream completed; callers see KindDone before that.
type Client interface {
	StreamChat(ctx context.Context, messages []Message, opts Options, emit func(Event)) error
	Model() string
}

// streamIdleTimeout aborts a stream when the provider goes quiet.
const streamIdleTimeout = 120 * time.Second

// versionSuffix matches an API version path segment at the end of a base
// URL, e.g. /v1, /v4, /v1beta.
var versionSuffix = regexp.MustCompile(`/v\d+[a-z0-9_-]*$`)

// NormalizeBaseURL appends /v1 to base unless it already ends in a
// version segment.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" || versionSuffix.MatchString(base) {
		return base
	}
	return base + "/v1"
}

// New builds the client for the configured provider. Provider-specific
// default base URLs and models cover settings left over from a previous
// provider (a chat_url still pointing at Ollama is treated as unset).
func New(set config.Settings, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	model := set.ChatModel
	key := set.ChatAPIKey
	if key == "" {
		key = set.OpenRouterAPIKey
	}
	switch set.ChatProvider {
	case "ollama":
		host := set.ChatURL
		if host == "" {
			host = set.OllamaURL
		}
		if host == "" {
			return nil, fault.Config("ollama host not set")
		}
		return newOllama(host, model, logger), nil

	case "openrouter":
		url := set.ChatURL
		if url == "" || strings.Contains(url, "ollama") {
			url = "https://openrouter.ai/api/v1"
		}
		return newCompat(NormalizeBaseURL(url), key, model, logger), nil

	case "openai":
		url := set.ChatURL
		if url == "" || containsAny(url, "ollama", "openrouter", "minimax", "api.z.ai") {
			url = "https://api.openai.com/v1"
		}
		if model == "" || model == "qwen3:8b" {
			model = "gpt-4o-mini"
		}
		return newCompat(NormalizeBaseURL(url), key, model, logger), nil

	case "minimax":
		url := set.ChatURL
		if url == "" || containsAny(url, "ollama", "openrouter") {
			url = "https://api.minimax.io/v1"
		}
		if model == "" || model == "qwen3:8b" {
			model = "MiniMax-M2.5"
		}
		return newCompat(NormalizeBaseURL(url), key, model, logger), nil

	case "glmai":
		url := set.ChatURL
		if url == "" || containsAny(url, "ollama", "openrouter") {
			url = "https://api.z.ai/api/coding/paas/v4"
		}
		if model == "" || model == "qwen3:8b" {
			model = "glm-4.7"
		}
		return newCompat(NormalizeBaseURL(url), key, model, logger), nil

	case "custom":
		url := set.ChatURL
		if (url == "" || strings.Contains(url, "ollama")) && set.CustomChatURL != "" {
			url = set.CustomChatURL
		}
		if url == "" {
			return nil, fault.Config("custom provider needs chat_url")
		}
		return newCompat(NormalizeBaseURL(url), key, model, logger), nil

	default:
		return nil, fault.Config("unknown chat provider %q", set.ChatProvider)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// stripThinkTags removes leaked reasoning delimiters from content when
// thinking is disabled.
func stripThinkTags(s string) string {
	s = strings.ReplaceAll(s, "<think>", "")
	return strings.ReplaceAll(s, "</think>", "")
}
