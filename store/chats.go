package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ListChats returns all chats ordered by most recent activity. Ghost rows
// (zero messages and never synced) are dropped first so abandoned imports
// do not linger in the picker.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM chats
			WHERE message_count = 0
			  AND chat_id NOT IN (SELECT DISTINCT chat_id FROM messages)`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: chat cleanup: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, IFNULL(chat_name, ''), IFNULL(chat_type, ''), included,
		       message_count, IFNULL(last_message_at, 0), IFNULL(last_chunked_at, 0), created_at
		FROM chats
		ORDER BY IFNULL(last_message_at, 0) DESC, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var inc int
		if err := rows.Scan(&c.ChatID, &c.ChatName, &c.ChatType, &inc,
			&c.MessageCount, &c.LastMessageAt, &c.LastChunkedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Included = inc != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChat returns one chat, or sql.ErrNoRows.
func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	var inc int
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, IFNULL(chat_name, ''), IFNULL(chat_type, ''), included,
		       message_count, IFNULL(last_message_at, 0), IFNULL(last_chunked_at, 0), created_at
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.ChatName, &c.ChatType, &inc,
			&c.MessageCount, &c.LastMessageAt, &c.LastChunkedAt, &c.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	c.Included = inc != 0
	return c, nil
}

// UpsertChat registers a chat seen at the source before any message lands.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	now := s.now().Unix()
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chats (chat_id, chat_name, chat_type, included, message_count, last_message_at, created_at)
			VALUES (?, ?, ?, ?, 0, NULL, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				chat_name = CASE WHEN excluded.chat_name != '' THEN excluded.chat_name ELSE chats.chat_name END,
				chat_type = CASE WHEN excluded.chat_type != '' THEN excluded.chat_type ELSE chats.chat_type END`,
			c.ChatID, c.ChatName, c.ChatType, boolToInt(c.Included), now)
		return err
	})
}

// SetIncluded toggles whether a chat participates in chunking, embedding
// and retrieval. Existing vectors stay and are filtered at query time.
func (s *Store) SetIncluded(ctx context.Context, chatID string, included bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE chats SET included = ? WHERE chat_id = ?`, boolToInt(included), chatID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// IncludedChatIDs returns the ids retrieval is allowed to search.
func (s *Store) IncludedChatIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM chats WHERE included = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: included chats: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteChat removes a chat's messages and chunks. Chats that only exist
// from a file import lose their row entirely; chats known to the live
// source keep the row, marked excluded, so the next dialog listing does not
// resurrect them as included. ChunkIDs in the result must be purged from
// the vector store by the caller.
func (s *Store) DeleteChat(ctx context.Context, chatID string) (DeleteResult, error) {
	var res DeleteResult
	err := s.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT chunk_id FROM chunks WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			res.ChunkIDs = append(res.ChunkIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var liveSource int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE chat_id = ? AND source != 'json_import'`,
			chatID).Scan(&liveSource); err != nil {
			return err
		}

		r, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		n, _ := r.RowsAffected()
		res.MessagesDeleted = int(n)

		r, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE chat_id = ?`, chatID)
		if err != nil {
			return err
		}
		n, _ = r.RowsAffected()
		res.ChunksDeleted = int(n)

		if liveSource > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE chats SET included = 0, message_count = 0,
				       last_message_at = NULL, last_chunked_at = NULL
				WHERE chat_id = ?`, chatID)
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		res.RowDeleted = true
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
