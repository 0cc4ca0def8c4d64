// Package chat orchestrates one question/answer turn: retrieve context,
// compose the prompt, stream the completion, attach citations.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/llm"
	"github.com/nikira-studio/lifequery/rag"
)

// Event is one element of the chat stream, serialized as-is onto the SSE
// wire.
type Event struct {
	Type        string         `json:"type"`
	Content     string         `json:"content,omitempty"`
	Message     string         `json:"message,omitempty"`
	Messages    []llm.Message  `json:"messages,omitempty"`
	UserName    string         `json:"user_name,omitempty"`
	CurrentDate string         `json:"current_date,omitempty"`
	Citations   []rag.Citation `json:"citations,omitempty"`
}

const (
	noThinkingDirective = "INSTRUCTION: DO NOT provide internal reasoning or show your thought process. " +
		"Respond directly with the final answer.\n\n"
	thinkingDirective = "INSTRUCTION: If you need to reason or think step-by-step, wrap your internal monologue " +
		"entirely within <think> and </think> tags before providing your final answer.\n\n"

	ragDisabledPrompt = "You are LifeQuery, a helpful and intelligent assistant. " +
		"Answer the user's questions clearly and accurately."
	noContextPrompt = "You are LifeQuery, a personal memory assistant. I couldn't find specific records in your history " +
		"to answer this query with high precision, so I will answer based on my general knowledge. " +
		"To help me find relevant details, ensure your chats are indexed and your query contains specific keywords."
)

type Orchestrator struct {
	engine *rag.Engine
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(engine *rag.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{engine: engine, logger: logger, now: time.Now}
}

// Stream answers one question. Event order: one debug, then tokens
// (reasoning interleaved when the provider exposes it), then citations,
// then done. On LLM failure a single bracketed error token replaces the
// answer and citations are withheld. Cancellation stops tokens but still
// terminates the stream with done.
func (o *Orchestrator) Stream(ctx context.Context, set config.Settings, client llm.Client,
	emb embed.Embedder, history []llm.Message, query string, emit func(Event)) {

	res := rag.Result{}
	if set.EnableRAG {
		var err error
		res, err = o.engine.Retrieve(ctx, emb, query, set.TopK, set.ContextCap)
		if err != nil {
			if fault.IsCancelled(err) {
				emit(Event{Type: "done"})
				return
			}
			o.logger.Warn("retrieval failed, answering without context", "err", err)
			res = rag.Result{}
		}
	}

	userName := set.UserName()
	currentDate := config.CurrentDate(o.now())
	messages := o.compose(set, res.ContextText, userName, currentDate, history, query)

	emit(Event{
		Type:        "debug",
		Messages:    messages,
		UserName:    userName,
		CurrentDate: currentDate,
	})

	opts := llm.Options{
		Temperature:    set.Temperature,
		MaxTokens:      set.MaxTokens,
		EnableThinking: set.EnableThinking,
	}
	err := client.StreamChat(ctx, messages, opts, func(e llm.Event) {
		switch e.Kind {
		case llm.KindToken:
			emit(Event{Type: "token", Content: e.Text})
		case llm.KindReasoning:
			emit(Event{Type: "reasoning", Content: e.Text})
		}
	})
	if err != nil {
		if fault.IsCancelled(err) {
			emit(Event{Type: "done"})
			return
		}
		o.logger.Error("completion failed", "err", err)
		emit(Event{Type: "token", Content: "[Error: " + err.Error() + "]"})
		emit(Event{Type: "done"})
		return
	}

	emit(Event{Type: "citations", Citations: res.Citations})
	emit(Event{Type: "done"})
}

// compose builds the message list. The instructions and context go into
// the final user turn rather than a system message; small local models
// follow them more reliably there.
func (o *Orchestrator) compose(set config.Settings, contextText, userName, currentDate string,
	history []llm.Message, query string) []llm.Message {

	var system string
	switch {
	case contextText != "":
		system = renderPrompt(set.SystemPrompt, userName, currentDate, contextText)
	case !set.EnableRAG:
		system = ragDisabledPrompt
	default:
		system = noContextPrompt
	}

	if set.EnableThinking {
		system = thinkingDirective + system
	} else {
		system = noThinkingDirective + system
	}

	user := system + "\n\nQuestion: " + query
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	return append(messages, llm.Message{Role: "user", Content: user})
}

func renderPrompt(tmpl, userName, currentDate, contextText string) string {
	out := strings.ReplaceAll(tmpl, "{user_name}", userName)
	out = strings.ReplaceAll(out, "{current_date}", currentDate)
	if strings.Contains(out, "{context_text}") {
		return strings.ReplaceAll(out, "{context_text}", contextText)
	}
	return out + "\n\n--- CONTEXT ---\n" + contextText
}
