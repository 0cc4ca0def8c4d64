package store

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(OpenMemory(t), nil)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func msg(chat, id string, ts int64, text string) Message {
	return Message{
		MessageID: id, ChatID: chat, ChatName: "Chat " + chat,
		SenderID: "u1", SenderName: "Alice", Text: text,
		Timestamp: ts, Source: "telegram",
	}
}

func TestInsertMessagesDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	counts, err := s.InsertMessages(ctx, []Message{
		msg("c1", "1", 100, "hello"),
		msg("c1", "2", 200, "world"),
	})
	if err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	if counts.Inserted != 2 || counts.Duplicate != 0 {
		t.Fatalf("got %+v, want 2 inserted", counts)
	}

	counts, err = s.InsertMessages(ctx, []Message{
		msg("c1", "2", 200, "world"),
		msg("c1", "3", 300, "again"),
	})
	if err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	if counts.Inserted != 1 || counts.Duplicate != 1 {
		t.Fatalf("got %+v, want 1 inserted 1 duplicate", counts)
	}

	chats, err := s.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
	c := chats[0]
	if c.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3", c.MessageCount)
	}
	if c.LastMessageAt != 300 {
		t.Errorf("last_message_at = %d, want 300", c.LastMessageAt)
	}
	if !c.Included {
		t.Error("new chat should default to included")
	}
}

func TestPendingMessagesWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertMessages(ctx, []Message{
		msg("c1", "1", 100, "a"),
		msg("c1", "2", 200, "b"),
		msg("c2", "1", 150, "c"),
	}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}

	groups, err := s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}

	// Sealing a chunk through EndTS=200 advances c1's watermark.
	if _, err := s.InsertChunks(ctx, []Chunk{{
		ChunkID: "k1", ChatID: "c1", StartTS: 100, EndTS: 200,
		MessageCount: 2, Content: "x", ContentHash: "h1", EmbeddingVersion: "v1",
	}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	groups, err = s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(groups) != 1 || groups[0].ChatID != "c2" {
		t.Fatalf("got %+v, want only c2 pending", groups)
	}

	// New message past the watermark becomes pending again.
	if _, err := s.InsertMessages(ctx, []Message{msg("c1", "3", 300, "d")}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	groups, err = s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	for _, g := range groups {
		if g.ChatID == "c1" && (len(g.Messages) != 1 || g.Messages[0].MessageID != "3") {
			t.Fatalf("c1 pending = %+v, want only message 3", g.Messages)
		}
	}
}

func TestExcludedChatNotPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertMessages(ctx, []Message{msg("c1", "1", 100, "a")}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	if err := s.SetIncluded(ctx, "c1", false); err != nil {
		t.Fatalf("SetIncluded: %v", err)
	}
	groups, err := s.PendingMessages(ctx)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("got %d groups, want 0", len(groups))
	}
}

func TestChunkLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		{ChunkID: "k1", ChatID: "c1", Participants: []string{"Alice", "Bob"},
			StartTS: 10, EndTS: 20, MessageCount: 3, Content: "one",
			ContentHash: "h1", EmbeddingVersion: "m1"},
		{ChunkID: "k2", ChatID: "c1", StartTS: 30, EndTS: 40, MessageCount: 2,
			Content: "two", ContentHash: "h2", EmbeddingVersion: "m1"},
	}
	created, err := s.InsertChunks(ctx, chunks)
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}

	// Same chunk_id again is a no-op.
	created, err = s.InsertChunks(ctx, chunks[:1])
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if created != 0 {
		t.Fatalf("created = %d, want 0", created)
	}

	pending, err := s.PendingChunks(ctx, 0)
	if err != nil {
		t.Fatalf("PendingChunks: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	if got := pending[0].Participants; len(got) != 2 || got[0] != "Alice" {
		t.Errorf("participants = %v, want [Alice Bob]", got)
	}

	if err := s.MarkEmbedded(ctx, []string{"k1"}, "m1"); err != nil {
		t.Fatalf("MarkEmbedded: %v", err)
	}
	pending, err = s.PendingChunks(ctx, 0)
	if err != nil {
		t.Fatalf("PendingChunks: %v", err)
	}
	if len(pending) != 1 || pending[0].ChunkID != "k2" {
		t.Fatalf("got %+v, want only k2 pending", pending)
	}

	if err := s.ClearEmbeddedMarks(ctx); err != nil {
		t.Fatalf("ClearEmbeddedMarks: %v", err)
	}
	pending, err = s.PendingChunks(ctx, 0)
	if err != nil {
		t.Fatalf("PendingChunks: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending after clear, want 2", len(pending))
	}

	byID, err := s.ChunksByID(ctx, []string{"k2", "missing"})
	if err != nil {
		t.Fatalf("ChunksByID: %v", err)
	}
	if len(byID) != 1 || byID["k2"].Content != "two" {
		t.Fatalf("got %+v, want k2 only", byID)
	}
}

func TestDeleteChatImportOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := msg("c1", "1", 100, "a")
	m.Source = "json_import"
	if _, err := s.InsertMessages(ctx, []Message{m}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	if _, err := s.InsertChunks(ctx, []Chunk{{
		ChunkID: "k1", ChatID: "c1", StartTS: 100, EndTS: 100,
		MessageCount: 1, Content: "x", ContentHash: "h", EmbeddingVersion: "v",
	}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	res, err := s.DeleteChat(ctx, "c1")
	if err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if res.MessagesDeleted != 1 || res.ChunksDeleted != 1 || !res.RowDeleted {
		t.Fatalf("got %+v, want full delete", res)
	}
	if len(res.ChunkIDs) != 1 || res.ChunkIDs[0] != "k1" {
		t.Fatalf("chunk ids = %v, want [k1]", res.ChunkIDs)
	}
	if _, err := s.GetChat(ctx, "c1"); err != sql.ErrNoRows {
		t.Fatalf("GetChat after delete: %v, want ErrNoRows", err)
	}
}

func TestDeleteChatSyncedKeepsExcludedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertMessages(ctx, []Message{msg("c1", "1", 100, "a")}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	res, err := s.DeleteChat(ctx, "c1")
	if err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if res.RowDeleted {
		t.Fatal("synced chat row should survive as excluded")
	}
	c, err := s.GetChat(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if c.Included {
		t.Error("chat should be excluded after delete")
	}
	if c.MessageCount != 0 {
		t.Errorf("message_count = %d, want 0", c.MessageCount)
	}
}

func TestSyncLogAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.BeginLog(ctx, "sync")
	if err != nil {
		t.Fatalf("BeginLog: %v", err)
	}
	if err := s.FinishLog(ctx, id, SyncLogEntry{
		Status: "success", MessagesAdded: 5, ChunksCreated: 2,
		SkippedDuplicate: 1, SkippedEmpty: 3, Detail: "ok",
	}); err != nil {
		t.Fatalf("FinishLog: %v", err)
	}

	tail, err := s.TailLog(ctx, 10)
	if err != nil {
		t.Fatalf("TailLog: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("got %d entries, want 1", len(tail))
	}
	e := tail[0]
	if e.Status != "success" || e.MessagesAdded != 5 || e.SkippedEmpty != 3 {
		t.Fatalf("entry = %+v", e)
	}

	if _, err := s.InsertMessages(ctx, []Message{msg("c1", "1", 100, "a")}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.MessageCount != 1 || st.ChatCount != 1 || st.IncludedChats != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.PendingMessages != 1 {
		t.Errorf("pending messages = %d, want 1", st.PendingMessages)
	}
	if st.LastSyncMessages != 5 {
		t.Errorf("last sync messages = %d, want 5", st.LastSyncMessages)
	}
}

func TestLatestMessageTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.LatestMessageTimestamp(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestMessageTimestamp: %v", err)
	}
	if ts != 0 {
		t.Fatalf("got %d, want 0 for empty chat", ts)
	}
	if _, err := s.InsertMessages(ctx, []Message{
		msg("c1", "1", 100, "a"),
		msg("c1", "2", 250, "b"),
	}); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	ts, err = s.LatestMessageTimestamp(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestMessageTimestamp: %v", err)
	}
	if ts != 250 {
		t.Fatalf("got %d, want 250", ts)
	}
}
