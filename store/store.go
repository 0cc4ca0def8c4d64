// Package store is the durable system of record: messages, chunks, chats,
// runtime settings and the operation log, all in a single SQLite file.
// A process-wide writer mutex serializes mutations; reads go straight to
// the pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes write transactions
	logger *slog.Logger
	now    func() time.Time
}

// New wraps an opened database. Call Init before first use.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// DB exposes the underlying pool for packages sharing the same file
// (runtime settings live in the config table).
func (s *Store) DB() *sql.DB { return s.db }

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runTx(ctx, s.db, fn)
}

// InsertMessages persists a batch in one transaction. Rows whose
// (message_id, chat_id) pair already exists are counted as duplicates and
// left untouched. Chat rows are upserted and their counters advanced in the
// same transaction, so a crash never leaves messages without their chat.
func (s *Store) InsertMessages(ctx context.Context, msgs []Message) (InsertCounts, error) {
	var counts InsertCounts
	if len(msgs) == 0 {
		return counts, nil
	}
	now := s.now().Unix()
	err := s.write(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO messages
			(message_id, chat_id, chat_name, sender_id, sender_name, text, timestamp, source, imported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer ins.Close()

		perChat := map[string]*Chat{}
		for _, m := range msgs {
			res, err := ins.ExecContext(ctx, m.MessageID, m.ChatID, m.ChatName,
				m.SenderID, m.SenderName, m.Text, m.Timestamp, m.Source, now)
			if err != nil {
				return fmt.Errorf("insert message %s/%s: %w", m.ChatID, m.MessageID, err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				counts.Duplicate++
				continue
			}
			counts.Inserted++
			c := perChat[m.ChatID]
			if c == nil {
				c = &Chat{ChatID: m.ChatID, ChatName: m.ChatName}
				perChat[m.ChatID] = c
			}
			c.MessageCount++
			if m.Timestamp > c.LastMessageAt {
				c.LastMessageAt = m.Timestamp
			}
			if c.ChatName == "" {
				c.ChatName = m.ChatName
			}
		}

		for _, c := range perChat {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chats (chat_id, chat_name, chat_type, included, message_count, last_message_at, created_at)
				VALUES (?, ?, '', 1, ?, ?, ?)
				ON CONFLICT(chat_id) DO UPDATE SET
					chat_name = CASE WHEN excluded.chat_name != '' THEN excluded.chat_name ELSE chats.chat_name END,
					message_count = chats.message_count + excluded.message_count,
					last_message_at = MAX(IFNULL(chats.last_message_at, 0), excluded.last_message_at)`,
				c.ChatID, c.ChatName, c.MessageCount, c.LastMessageAt, now)
			if err != nil {
				return fmt.Errorf("upsert chat %s: %w", c.ChatID, err)
			}
		}
		return nil
	})
	if err != nil {
		return InsertCounts{}, err
	}
	return counts, nil
}

// PendingMessages returns, per included chat, the messages newer than the
// chat's last_chunked_at watermark, in ascending timestamp order.
func (s *Store) PendingMessages(ctx context.Context) ([]ChatMessages, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.message_id, m.chat_id, IFNULL(c.chat_name, ''), IFNULL(m.sender_id, ''),
		       IFNULL(m.sender_name, ''), IFNULL(m.text, ''), m.timestamp, m.source
		FROM messages m
		JOIN chats c ON c.chat_id = m.chat_id
		WHERE c.included = 1
		  AND m.timestamp > IFNULL(c.last_chunked_at, 0)
		ORDER BY m.chat_id, m.timestamp, m.id`)
	if err != nil {
		return nil, fmt.Errorf("store: pending messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessages
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.ChatName, &m.SenderID,
			&m.SenderName, &m.Text, &m.Timestamp, &m.Source); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ChatID != m.ChatID {
			out = append(out, ChatMessages{ChatID: m.ChatID, ChatName: m.ChatName})
		}
		g := &out[len(out)-1]
		g.Messages = append(g.Messages, m)
	}
	return out, rows.Err()
}

// AllMessages returns every message of the included chats in ascending
// order, grouped per chat. Used by reindex, which rebuilds chunks from
// scratch.
func (s *Store) AllMessages(ctx context.Context) ([]ChatMessages, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.message_id, m.chat_id, IFNULL(c.chat_name, ''), IFNULL(m.sender_id, ''),
		       IFNULL(m.sender_name, ''), IFNULL(m.text, ''), m.timestamp, m.source
		FROM messages m
		JOIN chats c ON c.chat_id = m.chat_id
		WHERE c.included = 1
		ORDER BY m.chat_id, m.timestamp, m.id`)
	if err != nil {
		return nil, fmt.Errorf("store: all messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessages
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.ChatName, &m.SenderID,
			&m.SenderName, &m.Text, &m.Timestamp, &m.Source); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ChatID != m.ChatID {
			out = append(out, ChatMessages{ChatID: m.ChatID, ChatName: m.ChatName})
		}
		g := &out[len(out)-1]
		g.Messages = append(g.Messages, m)
	}
	return out, rows.Err()
}

// LatestMessageTimestamp returns the newest stored timestamp for chatID,
// or 0 when the chat holds no messages. Incremental fetch resumes from here.
func (s *Store) LatestMessageTimestamp(ctx context.Context, chatID string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE chat_id = ?`, chatID).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("store: latest timestamp: %w", err)
	}
	return ts.Int64, nil
}

// InsertChunks writes sealed chunks and advances each chat's watermark to
// the newest EndTS seen, all in one transaction. Chunks whose chunk_id
// already exists are skipped (content-identical re-chunk).
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) (created int, err error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO chunks
			(chunk_id, chat_id, chat_name, participants, timestamp_start, timestamp_end,
			 message_count, content, content_hash, embedding_version, embedded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`)
		if err != nil {
			return err
		}
		defer ins.Close()

		watermark := map[string]int64{}
		for _, c := range chunks {
			res, err := ins.ExecContext(ctx, c.ChunkID, c.ChatID, c.ChatName,
				strings.Join(c.Participants, ", "), c.StartTS, c.EndTS,
				c.MessageCount, c.Content, c.ContentHash, c.EmbeddingVersion)
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
			}
			if c.EndTS > watermark[c.ChatID] {
				watermark[c.ChatID] = c.EndTS
			}
		}
		for chatID, ts := range watermark {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chats SET last_chunked_at = MAX(IFNULL(last_chunked_at, 0), ?) WHERE chat_id = ?`,
				ts, chatID); err != nil {
				return fmt.Errorf("advance watermark %s: %w", chatID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// PendingChunks returns up to limit chunks awaiting embedding, oldest first.
// limit <= 0 means no limit.
func (s *Store) PendingChunks(ctx context.Context, limit int) ([]Chunk, error) {
	q := `
		SELECT chunk_id, chat_id, IFNULL(chat_name, ''), participants,
		       timestamp_start, timestamp_end, message_count, content,
		       content_hash, embedding_version
		FROM chunks
		WHERE embedded_at IS NULL
		ORDER BY timestamp_start, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: pending chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// AllChunks returns every chunk in chronological order. Reindex embeds
// the full set into a fresh collection.
func (s *Store) AllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, chat_id, IFNULL(chat_name, ''), participants,
		       timestamp_start, timestamp_end, message_count, content,
		       content_hash, embedding_version
		FROM chunks
		ORDER BY timestamp_start, id`)
	if err != nil {
		return nil, fmt.Errorf("store: all chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunksByID loads specific chunks for citation hydration. Missing ids are
// simply absent from the result.
func (s *Store) ChunksByID(ctx context.Context, ids []string) (map[string]Chunk, error) {
	out := make(map[string]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ph := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, chat_id, IFNULL(chat_name, ''), participants,
		       timestamp_start, timestamp_end, message_count, content,
		       content_hash, embedding_version
		FROM chunks WHERE chunk_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: chunks by id: %w", err)
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.ChunkID] = c
	}
	return out, nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var c Chunk
		var parts string
		if err := rows.Scan(&c.ChunkID, &c.ChatID, &c.ChatName, &parts,
			&c.StartTS, &c.EndTS, &c.MessageCount, &c.Content,
			&c.ContentHash, &c.EmbeddingVersion); err != nil {
			return nil, err
		}
		if parts != "" {
			c.Participants = strings.Split(parts, ", ")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkEmbedded stamps embedded_at and the version used for the given chunks.
func (s *Store) MarkEmbedded(ctx context.Context, ids []string, version string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.now().Unix()
	return s.write(ctx, func(tx *sql.Tx) error {
		st, err := tx.PrepareContext(ctx,
			`UPDATE chunks SET embedded_at = ?, embedding_version = ? WHERE chunk_id = ?`)
		if err != nil {
			return err
		}
		defer st.Close()
		for _, id := range ids {
			if _, err := st.ExecContext(ctx, now, version, id); err != nil {
				return fmt.Errorf("mark embedded %s: %w", id, err)
			}
		}
		return nil
	})
}

// ClearEmbeddedMarks resets embedded_at on all chunks so the next embed
// pass rebuilds every vector. Used when the embedding model changed.
func (s *Store) ClearEmbeddedMarks(ctx context.Context) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE chunks SET embedded_at = NULL`)
		return err
	})
}

// DeleteAllChunks wipes the chunks table and resets every chat watermark.
// Reindex calls this before re-chunking the full corpus.
func (s *Store) DeleteAllChunks(ctx context.Context) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE chats SET last_chunked_at = NULL`)
		return err
	})
}
