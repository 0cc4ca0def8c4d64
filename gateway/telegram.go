package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/nikira-studio/lifequery/telegram"
)

// The gateway does not own the Telegram session; these handlers relay
// to the bridge sidecar and translate its state machine onto the API.

func (s *Server) handleTelegramStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.bridge.Status(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"state": "error", "detail": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTelegramAuthStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Phone == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "phone is required"})
		return
	}
	st, err := s.bridge.StartAuth(r.Context(), req.Phone)
	if err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTelegramAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.bridge.VerifyAuth(r.Context(), req.Token, req.Code, req.Password)
	if err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}

	// Discover dialogs in the background so the chat picker fills in
	// without waiting for the first manual sync.
	if st.State == "connected" {
		set, err := s.snapshot(r)
		if err == nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				src := telegram.NewSource(s.bridge, s.store, set, s.logger)
				if n, err := src.SyncChats(ctx); err != nil {
					s.logger.Warn("post-auth chat discovery failed", "err", err)
				} else {
					s.logger.Info("post-auth chat discovery complete", "chats", n)
				}
			}()
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTelegramDisconnect(w http.ResponseWriter, r *http.Request) {
	st, err := s.bridge.Disconnect(r.Context())
	if err != nil {
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
