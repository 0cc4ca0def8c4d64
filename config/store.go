package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store reads and writes settings in the shared config table.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Snapshot loads all settings in a single query, applying stored values
// over defaults. Malformed stored values fall back to the default for
// their key.
func (s *Store) Snapshot(ctx context.Context) (Settings, error) {
	var set Settings
	for key, f := range schema {
		applyValue(&set, key, f, f.def)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return Settings{}, fmt.Errorf("config: load: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, err
		}
		f, ok := schema[key]
		if !ok || !value.Valid || value.String == "" {
			continue
		}
		if !applyValue(&set, key, f, value.String) {
			s.logger.Warn("config: malformed value, using default", "key", key)
		}
	}
	return set, rows.Err()
}

func applyValue(set *Settings, key string, f field, raw string) bool {
	switch f.kind {
	case kindBool:
		v := strings.ToLower(raw)
		f.assign(set, "", 0, 0, v == "true" || v == "1" || v == "yes")
	case kindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false
		}
		f.assign(set, "", n, 0, false)
	case kindFloat:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return false
		}
		f.assign(set, "", 0, x, false)
	default:
		if key == "system_prompt" {
			raw = strings.ReplaceAll(raw, `\n`, "\n")
		}
		f.assign(set, raw, 0, 0, false)
	}
	return true
}

// Update persists a batch of settings. Unknown keys are rejected; empty
// values and the masking sentinel are dropped, keeping what is stored.
func (s *Store) Update(ctx context.Context, updates map[string]string) error {
	filtered := make(map[string]string, len(updates))
	for key, value := range updates {
		f, ok := schema[key]
		if !ok {
			return fmt.Errorf("config: unknown setting %q", key)
		}
		if value == "" {
			continue
		}
		if f.sensitive && value == Sentinel {
			continue
		}
		filtered[key] = value
	}
	if len(filtered) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	for key, value := range filtered {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO config (key, value, updated_at) VALUES (?, ?, ?)`,
			key, value, now); err != nil {
			return fmt.Errorf("config: save %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit: %w", err)
	}

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.logger.Info("settings updated", "keys", keys)
	return nil
}

// Masked returns every setting as a string map with non-empty sensitive
// values replaced by the sentinel. This is the shape the settings API
// serves.
func (s *Store) Masked(ctx context.Context) (map[string]string, error) {
	set, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(schema))
	for key, f := range schema {
		v := rawValue(set, key)
		if f.sensitive && v != "" {
			v = Sentinel
		}
		out[key] = v
	}
	return out, nil
}

func rawValue(s Settings, key string) string {
	switch key {
	case "telegram_api_id":
		return s.TelegramAPIID
	case "telegram_api_hash":
		return s.TelegramAPIHash
	case "telegram_fetch_batch":
		return strconv.Itoa(s.TelegramFetchBatch)
	case "telegram_fetch_wait":
		return strconv.Itoa(s.TelegramFetchWait)
	case "ollama_url":
		return s.OllamaURL
	case "embedding_model":
		return s.EmbeddingModel
	case "chat_provider":
		return s.ChatProvider
	case "chat_model":
		return s.ChatModel
	case "chat_url":
		return s.ChatURL
	case "chat_api_key":
		return s.ChatAPIKey
	case "openrouter_api_key":
		return s.OpenRouterAPIKey
	case "custom_chat_url":
		return s.CustomChatURL
	case "temperature":
		return strconv.FormatFloat(s.Temperature, 'f', -1, 64)
	case "max_tokens":
		return strconv.Itoa(s.MaxTokens)
	case "top_k":
		return strconv.Itoa(s.TopK)
	case "context_cap":
		return strconv.Itoa(s.ContextCap)
	case "chunk_target":
		return strconv.Itoa(s.ChunkTarget)
	case "chunk_max":
		return strconv.Itoa(s.ChunkMax)
	case "chunk_overlap":
		return strconv.Itoa(s.ChunkOverlap)
	case "api_key":
		return s.APIKey
	case "auto_sync_interval":
		return strconv.Itoa(s.AutoSyncInterval)
	case "enable_thinking":
		return strconv.FormatBool(s.EnableThinking)
	case "enable_rag":
		return strconv.FormatBool(s.EnableRAG)
	case "system_prompt":
		return s.SystemPrompt
	case "user_first_name":
		return s.UserFirstName
	case "user_last_name":
		return s.UserLastName
	case "user_username":
		return s.UserUsername
	case "debug_logs":
		return strconv.FormatBool(s.DebugLogs)
	case "noise_filter_keywords":
		return s.NoiseFilterKeywords
	}
	return ""
}
