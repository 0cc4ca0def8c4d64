// Package gateway hosts the HTTP and SSE surface. Handlers translate
// requests into component calls and marshal their events onto the wire;
// nothing here carries retrieval or ingestion logic of its own.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nikira-studio/lifequery/chat"
	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/ingest"
	"github.com/nikira-studio/lifequery/store"
	"github.com/nikira-studio/lifequery/tasks"
	"github.com/nikira-studio/lifequery/telegram"
	"github.com/nikira-studio/lifequery/vecstore"
)

type Server struct {
	store     *store.Store
	vectors   *vecstore.Store
	settings  *config.Store
	pipeline  *ingest.Pipeline
	manager   *tasks.Manager
	bridge    *telegram.Bridge
	orch      *chat.Orchestrator
	importDir string
	logger    *slog.Logger
}

type Config struct {
	Store     *store.Store
	Vectors   *vecstore.Store
	Settings  *config.Store
	Pipeline  *ingest.Pipeline
	Manager   *tasks.Manager
	Bridge    *telegram.Bridge
	Orch      *chat.Orchestrator
	ImportDir string
	Logger    *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     cfg.Store,
		vectors:   cfg.Vectors,
		settings:  cfg.Settings,
		pipeline:  cfg.Pipeline,
		manager:   cfg.Manager,
		bridge:    cfg.Bridge,
		orch:      cfg.Orch,
		importDir: cfg.ImportDir,
		logger:    logger,
	}
}

// Router assembles the full route tree: the management API under /api
// and the OpenAI-compatible surface under /v1.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.requireAuth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleUpdateSettings)
		r.Get("/providers", s.handleProviders)
		r.Get("/models", s.handleModels)

		r.Get("/stats", s.handleStats)
		r.Get("/pending-stats", s.handlePendingStats)

		r.Post("/sync", s.handleSync)
		r.Post("/sync/cancel", s.handleSyncCancel)
		r.Get("/sync/logs", s.handleSyncLogs)
		r.Post("/process", s.handleProcess)
		r.Post("/import", s.handleImportUpload)
		r.Post("/import/path", s.handleImportPath)
		r.Get("/import/scanned", s.handleImportScanned)
		r.Post("/reindex", s.handleReindex)

		r.Get("/chats", s.handleListChats)
		r.Put("/chats/{chatID}", s.handleUpdateChat)
		r.Delete("/chats/{chatID}", s.handleDeleteChat)
		r.Post("/chats/sync", s.handleSyncChats)

		r.Route("/telegram", func(r chi.Router) {
			r.Get("/status", s.handleTelegramStatus)
			r.Post("/auth/start", s.handleTelegramAuthStart)
			r.Post("/auth/verify", s.handleTelegramAuthVerify)
			r.Post("/disconnect", s.handleTelegramDisconnect)
		})

		r.Post("/chat", s.handleChat)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleOpenAIModels)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleLegacyCompletions)
	})

	return r
}

// requireAuth enforces bearer auth across the whole surface when the
// api_key setting is non-empty.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set, err := s.settings.Snapshot(r.Context())
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		if set.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(set.APIKey)) != 1 {
			s.logger.Warn("request rejected, missing or invalid api key", "path", r.URL.Path)
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"detail": "Unauthorized: missing or invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "err", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= 500 {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(w, code, map[string]string{"detail": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
