// Package config manages runtime settings stored in the shared SQLite
// config table. Every value is persisted as text and coerced on load;
// unknown keys are ignored so older databases keep working.
package config

import (
	"strings"
	"time"
)

// Settings is an immutable snapshot of all runtime settings. Handlers take
// a snapshot once per request and never see a half-applied update.
type Settings struct {
	TelegramAPIID      string
	TelegramAPIHash    string
	TelegramFetchBatch int
	TelegramFetchWait  int

	OllamaURL      string
	EmbeddingModel string

	ChatProvider     string
	ChatModel        string
	ChatURL          string
	ChatAPIKey       string
	OpenRouterAPIKey string
	CustomChatURL    string

	Temperature float64
	MaxTokens   int
	TopK        int
	ContextCap  int

	ChunkTarget  int
	ChunkMax     int
	ChunkOverlap int

	APIKey           string
	AutoSyncInterval int

	EnableThinking bool
	EnableRAG      bool
	SystemPrompt   string

	UserFirstName string
	UserLastName  string
	UserUsername  string

	DebugLogs           bool
	NoiseFilterKeywords string
}

// Sentinel replaces non-empty sensitive values on read. A write carrying
// the sentinel means "keep what is stored".
const Sentinel = "****"

const defaultSystemPrompt = `You are LifeQuery, a personal memory assistant for {user_name}. Today's date is {current_date}.

Answer the user's question using ONLY the provided Telegram history context.

### REASONING STEPS:
1. **Target Identification**: Based on today's date ({current_date}), identify the specific time period or event being questioned.
2. **Context Filtering**: Focus strictly on messages relevant to the query. Ignore extraneous information.
3. **Literal Accuracy**: Use the exact names and terms found in the logs. Do not interpret or expand acronyms unless the context defines them.

### OUTPUT FORMAT:
If the information is found:
1. A brief direct answer.
2. Supporting log entries in this format:
   - [YYYY-MM-DD] Summary of relevant fact [Chat Name]

If the information is NOT found:
"I couldn't find any specific information about that in my current memory index."

### CONTEXT DATA:
{context_text}`

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
)

type field struct {
	kind      fieldKind
	def       string
	sensitive bool
	assign    func(*Settings, string, int64, float64, bool)
}

// schema maps config keys to their type, default and destination. Keys not
// listed here are rejected on write and skipped on read.
var schema = map[string]field{
	"telegram_api_id":       {kindString, "", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.TelegramAPIID = v }},
	"telegram_api_hash":     {kindString, "", true, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.TelegramAPIHash = v }},
	"telegram_fetch_batch":  {kindInt, "2000", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.TelegramFetchBatch = int(v) }},
	"telegram_fetch_wait":   {kindInt, "5", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.TelegramFetchWait = int(v) }},
	"ollama_url":            {kindString, "http://ollama:11434", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.OllamaURL = v }},
	"embedding_model":       {kindString, "qwen3-Embedding-0.6B:Q8_0", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.EmbeddingModel = v }},
	"chat_provider":         {kindString, "ollama", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.ChatProvider = v }},
	"chat_model":            {kindString, "qwen3:8b", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.ChatModel = v }},
	"chat_url":              {kindString, "http://ollama:11434", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.ChatURL = v }},
	"chat_api_key":          {kindString, "", true, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.ChatAPIKey = v }},
	"openrouter_api_key":    {kindString, "", true, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.OpenRouterAPIKey = v }},
	"custom_chat_url":       {kindString, "", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.CustomChatURL = v }},
	"temperature":           {kindFloat, "0.2", false, func(s *Settings, _ string, _ int64, v float64, _ bool) { s.Temperature = v }},
	"max_tokens":            {kindInt, "4096", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.MaxTokens = int(v) }},
	"top_k":                 {kindInt, "15", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.TopK = int(v) }},
	"context_cap":           {kindInt, "10000", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.ContextCap = int(v) }},
	"chunk_target":          {kindInt, "1000", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.ChunkTarget = int(v) }},
	"chunk_max":             {kindInt, "1500", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.ChunkMax = int(v) }},
	"chunk_overlap":         {kindInt, "250", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.ChunkOverlap = int(v) }},
	"api_key":               {kindString, "", true, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.APIKey = v }},
	"auto_sync_interval":    {kindInt, "30", false, func(s *Settings, _ string, v int64, _ float64, _ bool) { s.AutoSyncInterval = int(v) }},
	"enable_thinking":       {kindBool, "false", false, func(s *Settings, _ string, _ int64, _ float64, v bool) { s.EnableThinking = v }},
	"enable_rag":            {kindBool, "true", false, func(s *Settings, _ string, _ int64, _ float64, v bool) { s.EnableRAG = v }},
	"system_prompt":         {kindString, defaultSystemPrompt, false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.SystemPrompt = v }},
	"user_first_name":       {kindString, "", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.UserFirstName = v }},
	"user_last_name":        {kindString, "", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.UserLastName = v }},
	"user_username":         {kindString, "", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.UserUsername = v }},
	"debug_logs":            {kindBool, "false", false, func(s *Settings, _ string, _ int64, _ float64, v bool) { s.DebugLogs = v }},
	"noise_filter_keywords": {kindString, "", false, func(s *Settings, v string, _ int64, _ float64, _ bool) { s.NoiseFilterKeywords = v }},
}

// UserName resolves the display name used in the system prompt:
// first+last, then first, then username, then a generic fallback.
func (s Settings) UserName() string {
	first := strings.TrimSpace(s.UserFirstName)
	last := strings.TrimSpace(s.UserLastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case strings.TrimSpace(s.UserUsername) != "":
		return strings.TrimSpace(s.UserUsername)
	default:
		return "the user"
	}
}

// NoiseKeywords splits the comma-separated filter list, lowercased and
// trimmed, dropping empties.
func (s Settings) NoiseKeywords() []string {
	if strings.TrimSpace(s.NoiseFilterKeywords) == "" {
		return nil
	}
	var out []string
	for _, kw := range strings.Split(s.NoiseFilterKeywords, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// CurrentDate formats now for the {current_date} placeholder.
func CurrentDate(now time.Time) string {
	return now.Format("2006-01-02")
}
