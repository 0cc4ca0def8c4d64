package store

// Message is one normalized chat message as persisted in the messages table.
// (MessageID, ChatID) is the identity pair; re-inserting an existing pair is
// a silent no-op counted as a duplicate.
type Message struct {
	MessageID  string `json:"message_id"`
	ChatID     string `json:"chat_id"`
	ChatName   string `json:"chat_name"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	Source     string `json:"source"`
}

// Chunk is a sealed conversation window. ContentHash is the first 16 hex
// chars of sha256(content); ChunkID is derived from the chat id and the hash
// so identical content re-chunked later collapses onto the same row.
type Chunk struct {
	ChunkID          string   `json:"chunk_id"`
	ChatID           string   `json:"chat_id"`
	ChatName         string   `json:"chat_name"`
	Participants     []string `json:"participants"`
	StartTS          int64    `json:"timestamp_start"`
	EndTS            int64    `json:"timestamp_end"`
	MessageCount     int      `json:"message_count"`
	Content          string   `json:"content"`
	ContentHash      string   `json:"content_hash"`
	EmbeddingVersion string   `json:"embedding_version"`
	EmbeddedAt       int64    `json:"embedded_at"` // 0 while pending
}

// Chat is one conversation known to the corpus.
type Chat struct {
	ChatID        string `json:"chat_id"`
	ChatName      string `json:"chat_name"`
	ChatType      string `json:"chat_type"`
	Included      bool   `json:"included"`
	MessageCount  int    `json:"message_count"`
	LastMessageAt int64  `json:"last_message_at"`
	LastChunkedAt int64  `json:"last_chunked_at"`
	CreatedAt     int64  `json:"created_at"`
}

// SyncLogEntry records one ingestion operation from start to finish.
type SyncLogEntry struct {
	ID               int64  `json:"id"`
	Operation        string `json:"operation"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at"`
	Status           string `json:"status"`
	MessagesAdded    int    `json:"messages_added"`
	ChunksCreated    int    `json:"chunks_created"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	SkippedEmpty     int    `json:"skipped_empty"`
	Detail           string `json:"detail"`
}

// InsertCounts summarizes one message batch insert.
type InsertCounts struct {
	Inserted  int
	Duplicate int
}

// DeleteResult reports what a chat deletion removed. ChunkIDs lets the
// caller purge the matching vector records after the transaction commits.
type DeleteResult struct {
	MessagesDeleted int
	ChunksDeleted   int
	ChunkIDs        []string
	RowDeleted      bool
}

// ChatMessages groups one chat's pending messages in ascending timestamp
// order, ready for the chunker.
type ChatMessages struct {
	ChatID   string
	ChatName string
	Messages []Message
}

// Stats is the corpus-wide counter snapshot served by the stats endpoint.
type Stats struct {
	MessageCount     int   `json:"message_count"`
	ChunkCount       int   `json:"chunk_count"`
	EmbeddedCount    int   `json:"embedded_count"`
	PendingChunks    int   `json:"pending_chunks"`
	PendingMessages  int   `json:"pending_messages"`
	ChatCount        int   `json:"chat_count"`
	IncludedChats    int   `json:"included_chats"`
	LastSyncAt       int64 `json:"last_sync_at"`
	LastSyncMessages int   `json:"last_sync_messages"`
}
