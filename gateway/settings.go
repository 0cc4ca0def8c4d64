package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/llm"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	masked, err := s.settings.Masked(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, masked)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := decodeJSON(r, &raw); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	updates := make(map[string]string, len(raw))
	for key, v := range raw {
		updates[key] = settingString(v)
	}
	if err := s.settings.Update(r.Context(), updates); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// settingString flattens a JSON value to the string form the config
// store persists.
func settingString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// providers is the fixed set of chat back-ends the factory knows how to
// build.
var providers = []map[string]string{
	{"id": "ollama", "name": "Ollama"},
	{"id": "openrouter", "name": "OpenRouter"},
	{"id": "openai", "name": "OpenAI"},
	{"id": "minimax", "name": "MiniMax"},
	{"id": "glmai", "name": "GLM"},
	{"id": "custom", "name": "Custom endpoint"},
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	set, err := s.settings.Snapshot(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	q := r.URL.Query()
	list, err := llm.ListModels(r.Context(), set, q.Get("provider"), q.Get("url"), q.Get("api_key"))
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// snapshot is a request-scoped settings read shared by the handlers.
func (s *Server) snapshot(r *http.Request) (config.Settings, error) {
	return s.settings.Snapshot(r.Context())
}
