package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nikira-studio/lifequery/chat"
	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/llm"
)

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

// splitQuery pulls the question out of a conversation: the last user
// message is the query, everything before it is history.
func splitQuery(messages []llm.Message) (string, []llm.Message, error) {
	if len(messages) == 0 {
		return "", nil, errors.New("messages must not be empty")
	}
	for _, m := range messages {
		if m.Role != "system" && m.Role != "user" && m.Role != "assistant" {
			return "", nil, errors.New("message role must be system, user or assistant")
		}
	}
	last := len(messages) - 1
	for ; last >= 0; last-- {
		if messages[last].Role == "user" {
			break
		}
	}
	if last < 0 || strings.TrimSpace(messages[last].Content) == "" {
		return "", nil, errors.New("conversation must end with a non-empty user message")
	}
	return messages[last].Content, messages[:last], nil
}

func (s *Server) chatBackends(set config.Settings) (llm.Client, embed.Embedder, error) {
	client, err := llm.New(set, s.logger)
	if err != nil {
		return nil, nil, err
	}
	emb := embed.New(embed.Config{
		Endpoint: set.OllamaURL,
		Model:    set.EmbeddingModel,
		Logger:   s.logger,
	})
	return client, emb, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	stream, err := newSSE(w)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	defer stream.Done()

	query, history, err := splitQuery(req.Messages)
	if err != nil {
		stream.Error(err.Error())
		return
	}
	set, err := s.snapshot(r)
	if err != nil {
		stream.Error(err.Error())
		return
	}
	client, emb, err := s.chatBackends(set)
	if err != nil {
		stream.Error(err.Error())
		return
	}

	s.orch.Stream(r.Context(), set, client, emb, history, query, func(e chat.Event) {
		stream.Event(e)
	})
}
