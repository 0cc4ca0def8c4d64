// Package telegram provides the two message sources: a live sync that
// talks to the Telegram bridge sidecar over HTTP, and an importer for
// Telegram Desktop JSON exports.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nikira-studio/lifequery/fault"
)

// Status mirrors the bridge's connection state machine:
// uninitialized, needs_auth, phone_sent, connected.
type Status struct {
	State string `json:"state"`
	Phone string `json:"phone,omitempty"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// Dialog is one conversation visible at the source.
type Dialog struct {
	ChatID   string `json:"chat_id"`
	ChatName string `json:"chat_name"`
	ChatType string `json:"chat_type"`
}

// BridgeMessage is one message as the sidecar reports it.
type BridgeMessage struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// Bridge is an HTTP client for the Telegram sidecar. The sidecar owns
// the session and the MTProto connection; this process only sees JSON.
type Bridge struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewBridge(baseURL string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

func (b *Bridge) Status(ctx context.Context) (Status, error) {
	var st Status
	err := b.get(ctx, "/status", nil, &st)
	return st, err
}

// Connected probes the bridge for autosync admission. Any failure counts
// as not connected.
func (b *Bridge) Connected(ctx context.Context) bool {
	st, err := b.Status(ctx)
	return err == nil && st.State == "connected"
}

func (b *Bridge) StartAuth(ctx context.Context, phone string) (Status, error) {
	var st Status
	err := b.post(ctx, "/auth/start", map[string]string{"phone": phone}, &st)
	return st, err
}

func (b *Bridge) VerifyAuth(ctx context.Context, token, code, password string) (Status, error) {
	var st Status
	err := b.post(ctx, "/auth/verify", map[string]string{
		"token": token, "code": code, "password": password,
	}, &st)
	return st, err
}

func (b *Bridge) Disconnect(ctx context.Context) (Status, error) {
	var st Status
	err := b.post(ctx, "/disconnect", nil, &st)
	return st, err
}

func (b *Bridge) Dialogs(ctx context.Context) ([]Dialog, error) {
	var resp struct {
		Dialogs []Dialog `json:"dialogs"`
	}
	if err := b.get(ctx, "/dialogs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Dialogs, nil
}

// Messages fetches up to limit messages of chatID newer than the since
// timestamp, oldest first.
func (b *Bridge) Messages(ctx context.Context, chatID string, since int64, limit int) ([]BridgeMessage, error) {
	q := url.Values{}
	q.Set("chat_id", chatID)
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Messages []BridgeMessage `json:"messages"`
	}
	if err := b.get(ctx, "/messages", q, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (b *Bridge) get(ctx context.Context, path string, q url.Values, out any) error {
	u := b.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *Bridge) post(ctx context.Context, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *Bridge) do(req *http.Request, out any) error {
	resp, err := b.httpc.Do(req)
	if err != nil {
		if fault.IsCancelled(err) || fault.IsCancelled(req.Context().Err()) {
			return req.Context().Err()
		}
		return fault.Transient(fmt.Errorf("bridge %s: %w", req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("bridge %s: status %d: %s", req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fault.Transient(err)
		}
		return fault.Upstream(err)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
