package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikira-studio/lifequery/chat"
	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/llm"
	"github.com/nikira-studio/lifequery/rag"
)

// virtualModel is the model name this gateway advertises to OpenAI
// clients. Variants select RAG behavior by name.
const virtualModel = "lifequery"

type completionRequest struct {
	Model          string        `json:"model"`
	Messages       []llm.Message `json:"messages"`
	Prompt         any           `json:"prompt"`
	Stream         bool          `json:"stream"`
	Temperature    *float64      `json:"temperature"`
	MaxTokens      *int          `json:"max_tokens"`
	RAG            *bool         `json:"rag"`
	Thinking       *bool         `json:"thinking"`
	EnableThinking *bool         `json:"enable_thinking"`
}

func completionID() string {
	return fmt.Sprintf("chatcmpl-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// applyOverrides folds per-request parameters into the settings
// snapshot. Model-name suffixes toggle retrieval so clients without
// custom fields can pick a mode.
func applyOverrides(set config.Settings, req completionRequest) config.Settings {
	if req.Temperature != nil {
		set.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		set.MaxTokens = *req.MaxTokens
	}
	switch {
	case req.RAG != nil:
		set.EnableRAG = *req.RAG
	case req.Model != "":
		model := strings.ToLower(req.Model)
		if strings.Contains(model, "norag") || strings.Contains(model, "regular") ||
			strings.Contains(model, "chat") {
			set.EnableRAG = false
		} else if strings.Contains(model, "rag") || strings.Contains(model, "memory") {
			set.EnableRAG = true
		}
	}
	if req.EnableThinking != nil {
		set.EnableThinking = *req.EnableThinking
	} else if req.Thinking != nil {
		set.EnableThinking = *req.Thinking
	}
	return set
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	entry := func(id string) map[string]any {
		return map[string]any{"id": id, "object": "model", "created": now, "owned_by": virtualModel}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			entry(virtualModel),
			entry(virtualModel + "-memory"),
			entry(virtualModel + "-chat"),
		},
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.completeChat(w, r, req)
}

// handleLegacyCompletions shims /v1/completions onto the chat flow for
// clients stuck in prompt mode. The prompt becomes a single user turn.
func (s *Server) handleLegacyCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		req.Messages = []llm.Message{{Role: "user", Content: flattenPrompt(req.Prompt)}}
	}
	s.completeChat(w, r, req)
}

func flattenPrompt(prompt any) string {
	switch p := prompt.(type) {
	case string:
		return p
	case []any:
		parts := make([]string, 0, len(p))
		for _, item := range p {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprint(p)
	}
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, req completionRequest) {
	query, history, err := splitQuery(req.Messages)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	set, err := s.snapshot(r)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	set = applyOverrides(set, req)
	client, emb, err := s.chatBackends(set)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	id := completionID()
	if req.Stream {
		s.streamCompletion(w, r, set, client, emb, history, query, id)
		return
	}

	var content strings.Builder
	var citations []rag.Citation
	s.orch.Stream(r.Context(), set, client, emb, history, query, func(e chat.Event) {
		switch e.Type {
		case "token":
			content.WriteString(e.Content)
		case "citations":
			citations = e.Citations
		}
	})

	answer := content.String()
	promptTokens := int(float64(len(strings.Fields(query))) * 1.35)
	completionTokens := int(float64(len(strings.Fields(answer))) * 1.35)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   virtualModel,
		"choices": []map[string]any{{
			"index":         0,
			"message":       llm.Message{Role: "assistant", Content: answer},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
		"x_citations": citations,
	})
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, set config.Settings,
	client llm.Client, emb embed.Embedder, history []llm.Message, query, id string) {

	stream, err := newSSE(w)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	defer stream.Done()

	chunk := func(delta map[string]any, finish any, extra map[string]any) {
		ev := map[string]any{
			"id":     id,
			"object": "chat.completion.chunk",
			"model":  virtualModel,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		for k, v := range extra {
			ev[k] = v
		}
		stream.Event(ev)
	}

	var citations []rag.Citation
	s.orch.Stream(r.Context(), set, client, emb, history, query, func(e chat.Event) {
		switch e.Type {
		case "token":
			chunk(map[string]any{"content": e.Content}, nil, nil)
		case "reasoning":
			chunk(map[string]any{"reasoning_content": e.Content}, nil, nil)
		case "citations":
			citations = e.Citations
		}
	})
	chunk(map[string]any{}, "stop", map[string]any{"x_citations": citations})
}
