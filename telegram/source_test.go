package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/store"

	_ "modernc.org/sqlite"
)

// fakeSidecar serves the bridge wire protocol from in-memory fixtures.
type fakeSidecar struct {
	state    string
	dialogs  []Dialog
	messages map[string][]BridgeMessage
}

func (f *fakeSidecar) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{State: f.state})
	})
	mux.HandleFunc("/dialogs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"dialogs": f.dialogs})
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		chatID := r.URL.Query().Get("chat_id")
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var page []BridgeMessage
		for _, m := range f.messages[chatID] {
			if m.Timestamp > since && len(page) < limit {
				page = append(page, m)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": page})
	})
	return mux
}

func newSourceStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.OpenMemory(t), nil)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return st
}

func bm(id string, ts int64, text string) BridgeMessage {
	return BridgeMessage{MessageID: id, SenderID: "u1", SenderName: "Alice", Text: text, Timestamp: ts}
}

func TestSourceFetchPersistsAndResumes(t *testing.T) {
	side := &fakeSidecar{
		state:   "connected",
		dialogs: []Dialog{{ChatID: "c1", ChatName: "Family", ChatType: "private"}},
		messages: map[string][]BridgeMessage{
			"c1": {bm("1", 100, "hello"), bm("2", 200, ""), bm("3", 300, "world")},
		},
	}
	srv := httptest.NewServer(side.handler())
	defer srv.Close()

	st := newSourceStore(t)
	ctx := context.Background()
	src := NewSource(NewBridge(srv.URL, nil), st, config.Settings{TelegramFetchBatch: 100}, nil)

	var got []store.Message
	skipped, err := src.Fetch(ctx, func(batch []store.Message) error {
		got = append(got, batch...)
		_, err := st.InsertMessages(ctx, batch)
		return err
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1 empty", skipped)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].ChatName != "Family" || got[0].Source != "telegram" {
		t.Errorf("message = %+v", got[0])
	}

	chat, err := st.GetChat(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if !chat.Included || chat.ChatType != "private" {
		t.Errorf("chat = %+v", chat)
	}

	// A second fetch resumes past the stored watermark.
	got = nil
	if _, err := src.Fetch(ctx, func(batch []store.Message) error {
		got = append(got, batch...)
		return nil
	}); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("second fetch returned %d messages, want 0", len(got))
	}
}

func TestSourceSkipsExcludedChats(t *testing.T) {
	side := &fakeSidecar{
		state: "connected",
		dialogs: []Dialog{
			{ChatID: "keep", ChatName: "Keep"},
			{ChatID: "skip", ChatName: "Skip"},
		},
		messages: map[string][]BridgeMessage{
			"keep": {bm("1", 100, "yes")},
			"skip": {bm("1", 100, "no")},
		},
	}
	srv := httptest.NewServer(side.handler())
	defer srv.Close()

	st := newSourceStore(t)
	ctx := context.Background()
	if err := st.UpsertChat(ctx, store.Chat{ChatID: "skip", ChatName: "Skip"}); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}

	src := NewSource(NewBridge(srv.URL, nil), st, config.Settings{TelegramFetchBatch: 100}, nil)
	var got []store.Message
	if _, err := src.Fetch(ctx, func(batch []store.Message) error {
		got = append(got, batch...)
		return nil
	}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].ChatID != "keep" {
		t.Fatalf("messages = %+v, want only chat keep", got)
	}
}

func TestSourcePagesUntilExhausted(t *testing.T) {
	msgs := make([]BridgeMessage, 0, 5)
	for i := 0; i < 5; i++ {
		msgs = append(msgs, bm(strconv.Itoa(i+1), int64((i+1)*10), "m"))
	}
	side := &fakeSidecar{
		state:    "connected",
		dialogs:  []Dialog{{ChatID: "c1", ChatName: "C"}},
		messages: map[string][]BridgeMessage{"c1": msgs},
	}
	srv := httptest.NewServer(side.handler())
	defer srv.Close()

	st := newSourceStore(t)
	src := NewSource(NewBridge(srv.URL, nil), st, config.Settings{TelegramFetchBatch: 2}, nil)

	var got []store.Message
	if _, err := src.Fetch(context.Background(), func(batch []store.Message) error {
		if len(batch) > 2 {
			t.Fatalf("batch of %d exceeds fetch batch size", len(batch))
		}
		got = append(got, batch...)
		return nil
	}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
}

func TestBridgeConnected(t *testing.T) {
	side := &fakeSidecar{state: "needs_auth"}
	srv := httptest.NewServer(side.handler())
	defer srv.Close()

	b := NewBridge(srv.URL, nil)
	if b.Connected(context.Background()) {
		t.Fatal("Connected = true with needs_auth state")
	}
	side.state = "connected"
	if !b.Connected(context.Background()) {
		t.Fatal("Connected = false with connected state")
	}

	srv.Close()
	if b.Connected(context.Background()) {
		t.Fatal("Connected = true with sidecar down")
	}
}
