package store

import (
	"context"
	"database/sql"
	"fmt"
)

// BeginLog opens a sync_log row in "running" state and returns its id.
func (s *Store) BeginLog(ctx context.Context, operation string) (int64, error) {
	var id int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_log (operation, started_at, status)
			VALUES (?, ?, 'running')`, operation, s.now().Unix())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: begin log: %w", err)
	}
	return id, nil
}

// FinishLog closes a sync_log row with its final status and counters.
func (s *Store) FinishLog(ctx context.Context, id int64, e SyncLogEntry) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_log
			SET finished_at = ?, status = ?, messages_added = ?, chunks_created = ?,
			    skipped_duplicate = ?, skipped_empty = ?, detail = ?
			WHERE id = ?`,
			s.now().Unix(), e.Status, e.MessagesAdded, e.ChunksCreated,
			e.SkippedDuplicate, e.SkippedEmpty, e.Detail, id)
		return err
	})
}

// TailLog returns the most recent entries, newest first.
func (s *Store) TailLog(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, started_at, IFNULL(finished_at, 0), IFNULL(status, ''),
		       IFNULL(messages_added, 0), IFNULL(chunks_created, 0),
		       IFNULL(skipped_duplicate, 0), IFNULL(skipped_empty, 0), IFNULL(detail, '')
		FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: tail log: %w", err)
	}
	defer rows.Close()

	var out []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.StartedAt, &e.FinishedAt, &e.Status,
			&e.MessagesAdded, &e.ChunksCreated, &e.SkippedDuplicate, &e.SkippedEmpty, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats assembles the corpus-wide counter snapshot.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM chunks WHERE embedded_at IS NOT NULL),
			(SELECT COUNT(*) FROM chunks WHERE embedded_at IS NULL),
			(SELECT COUNT(*) FROM messages m JOIN chats c ON c.chat_id = m.chat_id
			 WHERE c.included = 1 AND m.timestamp > IFNULL(c.last_chunked_at, 0)),
			(SELECT COUNT(*) FROM chats),
			(SELECT COUNT(*) FROM chats WHERE included = 1)`)
	if err := row.Scan(&st.MessageCount, &st.ChunkCount, &st.EmbeddedCount,
		&st.PendingChunks, &st.PendingMessages, &st.ChatCount, &st.IncludedChats); err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT IFNULL(finished_at, started_at), IFNULL(messages_added, 0)
		FROM sync_log WHERE status = 'success' AND operation IN ('sync', 'import')
		ORDER BY id DESC LIMIT 1`).Scan(&st.LastSyncAt, &st.LastSyncMessages)
	if err != nil && err != sql.ErrNoRows {
		return Stats{}, fmt.Errorf("store: stats last sync: %w", err)
	}
	return st, nil
}
