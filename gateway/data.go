package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/ingest"
	"github.com/nikira-studio/lifequery/store"
	"github.com/nikira-studio/lifequery/tasks"
	"github.com/nikira-studio/lifequery/telegram"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message_count":       st.MessageCount,
		"chunk_count":         st.ChunkCount,
		"embedded_count":      st.EmbeddedCount,
		"chat_count":          st.ChatCount,
		"included_chat_count": st.IncludedChats,
		"excluded_chat_count": st.ChatCount - st.IncludedChats,
		"last_sync":           st.LastSyncAt,
		"last_sync_added":     st.LastSyncMessages,
	})
}

func (s *Server) handlePendingStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"unchunked_messages": st.PendingMessages,
		"unembedded_chunks":  st.PendingChunks,
		"has_pending":        st.PendingMessages > 0 || st.PendingChunks > 0,
	})
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	logs, err := s.store.TailLog(r.Context(), limit)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if logs == nil {
		logs = []store.SyncLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// runOperation executes a managed operation while streaming its progress
// as SSE. The terminal event is either a done event with the counters or
// an error event; the stream always ends with [DONE].
func (s *Server) runOperation(w http.ResponseWriter, r *http.Request, kind tasks.Kind, op tasks.Op) {
	stream, err := newSSE(w)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	counts, err := s.manager.Run(r.Context(), kind, op, func(p ingest.Progress) {
		stream.Event(map[string]string{"type": "progress", "stage": p.Stage, "message": p.Message})
	})
	switch {
	case errors.Is(err, fault.ErrConflict):
		stream.Error(fmt.Sprintf("a %s operation is already running", kind))
	case err != nil && !fault.IsCancelled(err):
		stream.Error(err.Error())
	default:
		stream.Event(map[string]any{
			"type":              "done",
			"cancelled":         fault.IsCancelled(err),
			"messages_added":    counts.MessagesAdded,
			"inserted":          counts.MessagesAdded,
			"skipped_duplicate": counts.SkippedDuplicate,
			"skipped_empty":     counts.SkippedEmpty,
			"chunks_created":    counts.ChunksCreated,
			"chunks_embedded":   counts.ChunksEmbedded,
		})
	}
	stream.Done()
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	set, err := s.snapshot(r)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	src := telegram.NewSource(s.bridge, s.store, set, s.logger)
	s.runOperation(w, r, tasks.KindSync, func(ctx context.Context, emit func(ingest.Progress)) (ingest.Counts, error) {
		return s.pipeline.Run(ctx, src, emit)
	})
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.manager.Cancel(tasks.KindSync)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "was_running": cancelled})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.runOperation(w, r, tasks.KindProcess, func(ctx context.Context, emit func(ingest.Progress)) (ingest.Counts, error) {
		return s.pipeline.Process(ctx, emit)
	})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := decodeJSON(r, &req); err != nil || !req.Confirm {
		s.fail(w, http.StatusBadRequest,
			errors.New("confirmation required, set 'confirm': true in the request body"))
		return
	}
	s.runOperation(w, r, tasks.KindReindex, func(ctx context.Context, emit func(ingest.Progress)) (ingest.Counts, error) {
		return s.pipeline.Reindex(ctx, emit)
	})
}

// handleImportUpload accepts a multipart upload, spools it to a temp
// file and imports from there. The SSE stream starts once the upload has
// been received.
func (s *Server) handleImportUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()
	if !strings.EqualFold(filepath.Ext(header.Filename), ".json") {
		s.fail(w, http.StatusBadRequest, errors.New("only JSON files are supported"))
		return
	}

	tmp, err := os.CreateTemp("", "lifequery-import-*.json")
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	tmp.Close()

	s.importFrom(w, r, tmpPath, r.FormValue("username"))
}

func (s *Server) handleImportPath(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string `json:"path"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if _, err := os.Stat(req.Path); err != nil {
		s.fail(w, http.StatusNotFound, fmt.Errorf("file not found: %s", req.Path))
		return
	}
	if !strings.EqualFold(filepath.Ext(req.Path), ".json") {
		s.fail(w, http.StatusBadRequest, errors.New("only JSON files are supported"))
		return
	}
	s.importFrom(w, r, req.Path, req.Username)
}

func (s *Server) importFrom(w http.ResponseWriter, r *http.Request, path, username string) {
	src := telegram.NewExport(path, username, s.logger)
	s.runOperation(w, r, tasks.KindImport, func(ctx context.Context, emit func(ingest.Progress)) (ingest.Counts, error) {
		return s.pipeline.Run(ctx, src, emit)
	})
}

func (s *Server) handleImportScanned(w http.ResponseWriter, r *http.Request) {
	files, err := telegram.ScanExports(s.importDir)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []telegram.ExportFile{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files, "directory": s.importDir})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Included bool `json:"included"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	chatID := chi.URLParam(r, "chatID")
	if err := s.store.SetIncluded(r.Context(), chatID, req.Included); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.fail(w, http.StatusNotFound, errors.New("chat not found"))
			return
		}
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	res, err := s.store.DeleteChat(r.Context(), chatID)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if len(res.ChunkIDs) > 0 {
		if err := s.vectors.Delete(r.Context(), res.ChunkIDs); err != nil {
			s.logger.Warn("vector cleanup failed after chat delete", "chat", chatID, "err", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"messages_deleted": res.MessagesDeleted,
		"chunks_deleted":   res.ChunksDeleted,
	})
}

// handleSyncChats refreshes the chat list from the bridge as a short SSE
// stream, so the UI shares the progress plumbing with full syncs.
func (s *Server) handleSyncChats(w http.ResponseWriter, r *http.Request) {
	stream, err := newSSE(w)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	defer stream.Done()

	if !s.bridge.Connected(r.Context()) {
		stream.Event(map[string]string{"type": "progress", "stage": "sync_chats", "message": "Cleaning up list..."})
		// ListChats prunes ghost rows as a side effect.
		if _, err := s.store.ListChats(r.Context()); err != nil {
			stream.Error(err.Error())
			return
		}
		stream.Event(map[string]any{"type": "done", "new": 0, "updated": 0})
		return
	}

	set, err := s.snapshot(r)
	if err != nil {
		stream.Error(err.Error())
		return
	}
	stream.Event(map[string]string{"type": "progress", "stage": "sync_chats", "message": "Checking for new chats..."})
	src := telegram.NewSource(s.bridge, s.store, set, s.logger)
	n, err := src.SyncChats(r.Context())
	if err != nil {
		stream.Error(err.Error())
		return
	}
	stream.Event(map[string]any{"type": "done", "updated": n})
}
