package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/fault"
)

// embeddingPatterns classify embedding models by common naming
// conventions so the UI can suggest sensible defaults per dropdown.
var embeddingPatterns = []string{
	"embed", "bge", "e5", "gte", "nomic", "minilm",
	"instructor", "sentence", "all-minilm", "mxbai-embed",
}

// IsEmbeddingModel reports whether name looks like an embedding model.
func IsEmbeddingModel(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range embeddingPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ModelList is what the models endpoint serves. All three lists carry the
// full set; name-based filtering hides too many valid models to be
// authoritative, so classification is advisory only.
type ModelList struct {
	Models          []string `json:"models"`
	EmbeddingModels []string `json:"embedding_models"`
	ChatModels      []string `json:"chat_models"`
}

// ListModels fetches available model names from a provider. Ollama uses
// its native /api/tags; everything else the OpenAI /v1/models endpoint.
// For providers with known catalogs a hardcoded fallback covers servers
// that do not implement model listing.
func ListModels(ctx context.Context, set config.Settings, provider, baseURL, apiKey string) (ModelList, error) {
	if provider == "" {
		provider = set.ChatProvider
	}
	if baseURL == "" {
		baseURL = set.ChatURL
	}
	if apiKey == "" || apiKey == config.Sentinel {
		apiKey = set.ChatAPIKey
		if apiKey == "" {
			apiKey = set.OpenRouterAPIKey
		}
	}

	var (
		names []string
		err   error
	)
	if provider == "ollama" {
		if baseURL == "" {
			baseURL = set.OllamaURL
		}
		names, err = ollamaTags(ctx, baseURL)
	} else {
		switch provider {
		case "openrouter":
			if baseURL == "" || strings.Contains(baseURL, "ollama") {
				baseURL = "https://openrouter.ai/api/v1"
			}
		case "openai":
			if baseURL == "" || containsAny(baseURL, "ollama", "openrouter", "minimax", "glmai") {
				baseURL = "https://api.openai.com/v1"
			}
		case "minimax":
			if baseURL == "" || containsAny(baseURL, "ollama", "openrouter") {
				baseURL = "https://api.minimax.io/v1"
			}
		case "glmai":
			if baseURL == "" || containsAny(baseURL, "ollama", "openrouter") {
				baseURL = "https://api.z.ai/api/coding/paas/v4"
			}
		case "custom":
			if (baseURL == "" || strings.Contains(baseURL, "ollama")) && set.CustomChatURL != "" {
				baseURL = set.CustomChatURL
			}
		}
		names, err = openAIModels(ctx, NormalizeBaseURL(baseURL), apiKey)
		if err != nil {
			switch provider {
			case "openai":
				names, err = []string{"gpt-4o", "gpt-4o-mini", "o1", "o3-mini"}, nil
			case "minimax":
				names, err = []string{"MiniMax-M2.5"}, nil
			case "glmai":
				names, err = []string{"glm-4.7"}, nil
			}
		}
	}
	if err != nil {
		return ModelList{}, err
	}

	sort.Strings(names)
	return ModelList{Models: names, EmbeddingModels: names, ChatModels: names}, nil
}

func ollamaTags(ctx context.Context, host string) ([]string, error) {
	if host == "" {
		return nil, fault.Config("ollama host not set")
	}
	base := strings.TrimSuffix(strings.TrimRight(host, "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("GET %s/api/tags: %w", base, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Upstream(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}

	var data struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fault.Upstream(fmt.Errorf("decode tags: %w", err))
	}
	names := make([]string, 0, len(data.Models))
	for _, m := range data.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func openAIModels(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	if baseURL == "" {
		return nil, fault.Config("model listing needs a base URL")
	}
	if apiKey == "" {
		apiKey = "not-needed"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("GET %s/models: %w", baseURL, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Upstream(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}

	var data struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fault.Upstream(fmt.Errorf("decode models: %w", err))
	}
	names := make([]string, 0, len(data.Data))
	for _, m := range data.Data {
		names = append(names, m.ID)
	}
	return names, nil
}
