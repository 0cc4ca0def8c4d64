// Package vecstore persists chunk vectors in their own SQLite file and
// answers cosine nearest-neighbor queries over the live collection.
//
// Collections make reindex atomic: a rebuild embeds into a temp
// collection, then SwapFromTemp repoints the single live pointer and
// drops the retired rows in one transaction. A query observes either the
// old collection or the new one, never an empty store.
package vecstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nikira-studio/lifequery/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pointer (
    name TEXT PRIMARY KEY CHECK (name = 'live'),
    collection_id INTEGER NOT NULL REFERENCES collections(id)
);
CREATE TABLE IF NOT EXISTS vectors (
    collection_id INTEGER NOT NULL REFERENCES collections(id),
    chunk_id TEXT NOT NULL,
    vec BLOB NOT NULL,
    chat_id TEXT NOT NULL,
    chat_name TEXT,
    timestamp_start INTEGER NOT NULL,
    timestamp_end INTEGER NOT NULL,
    participants TEXT,
    excerpt TEXT,
    content_hash TEXT,
    embedding_version TEXT NOT NULL,
    PRIMARY KEY (collection_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_vectors_chat ON vectors(collection_id, chat_id);
`

// Record is one stored vector with the chunk metadata projected for
// query-time filtering and citation rendering.
type Record struct {
	ChunkID          string
	Vector           []float32
	ChatID           string
	ChatName         string
	StartTS          int64
	EndTS            int64
	Participants     []string
	Excerpt          string
	ContentHash      string
	EmbeddingVersion string
}

// Result is a query hit. Score is cosine similarity in [-1, 1].
type Result struct {
	ChunkID      string
	ChatID       string
	ChatName     string
	StartTS      int64
	EndTS        int64
	Participants []string
	Excerpt      string
	Score        float64
}

type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes
	logger *slog.Logger
}

// Open opens (or creates) the vector database at path, guarantees a live
// collection exists, and drops any collection left behind by an
// interrupted reindex.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vecstore: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("vecstore: init schema: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vecstore: init: %w", err)
	}
	defer tx.Rollback()

	var live int64
	err = tx.QueryRowContext(ctx, `SELECT collection_id FROM pointer WHERE name = 'live'`).Scan(&live)
	if err == sql.ErrNoRows {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO collections (created_at) VALUES (?)`, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("vecstore: create collection: %w", err)
		}
		live, _ = res.LastInsertId()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pointer (name, collection_id) VALUES ('live', ?)`, live); err != nil {
			return fmt.Errorf("vecstore: set pointer: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("vecstore: read pointer: %w", err)
	}

	// Stale temp collections from a crashed reindex.
	res, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection_id != ?`, live)
	if err != nil {
		return fmt.Errorf("vecstore: cleanup vectors: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("dropped vectors from abandoned collection", "rows", n)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id != ?`, live); err != nil {
		return fmt.Errorf("vecstore: cleanup collections: %w", err)
	}
	return tx.Commit()
}

// Live returns the id of the collection queries run against.
func (s *Store) Live(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT collection_id FROM pointer WHERE name = 'live'`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("vecstore: live pointer: %w", err)
	}
	return id, nil
}

// CreateTemp makes a fresh collection for a reindex to fill. It is
// invisible to queries until SwapFromTemp.
func (s *Store) CreateTemp(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (created_at) VALUES (?)`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("vecstore: create temp: %w", err)
	}
	return res.LastInsertId()
}

// Upsert writes records into the given collection, replacing rows that
// share a chunk_id.
func (s *Store) Upsert(ctx context.Context, collection int64, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vecstore: begin: %w", err)
	}
	defer tx.Rollback()

	st, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO vectors
		(collection_id, chunk_id, vec, chat_id, chat_name, timestamp_start,
		 timestamp_end, participants, excerpt, content_hash, embedding_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, r := range recs {
		if _, err := st.ExecContext(ctx, collection, r.ChunkID,
			encodeVector(r.Vector), r.ChatID, r.ChatName, r.StartTS, r.EndTS,
			strings.Join(r.Participants, ", "), r.Excerpt, r.ContentHash,
			r.EmbeddingVersion); err != nil {
			return fmt.Errorf("vecstore: upsert %s: %w", r.ChunkID, err)
		}
	}
	return tx.Commit()
}

// SwapFromTemp atomically promotes temp to live and removes the retired
// collection. After the transaction commits, queries see only the new set.
func (s *Store) SwapFromTemp(ctx context.Context, temp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vecstore: begin swap: %w", err)
	}
	defer tx.Rollback()

	var old int64
	if err := tx.QueryRowContext(ctx,
		`SELECT collection_id FROM pointer WHERE name = 'live'`).Scan(&old); err != nil {
		return fmt.Errorf("vecstore: read pointer: %w", err)
	}
	if old == temp {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pointer SET collection_id = ? WHERE name = 'live'`, temp); err != nil {
		return fmt.Errorf("vecstore: repoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection_id = ?`, old); err != nil {
		return fmt.Errorf("vecstore: drop retired vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, old); err != nil {
		return fmt.Errorf("vecstore: drop retired collection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vecstore: commit swap: %w", err)
	}
	s.logger.Info("vector collection swapped", "live", temp, "retired", old)
	return nil
}

// DropTemp discards an unfinished temp collection after a failed reindex.
func (s *Store) DropTemp(ctx context.Context, temp int64) error {
	live, err := s.Live(ctx)
	if err != nil {
		return err
	}
	if temp == live {
		return fmt.Errorf("vecstore: refusing to drop live collection %d", temp)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection_id = ?`, temp); err != nil {
		return fmt.Errorf("vecstore: drop temp vectors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, temp)
	return err
}

// Delete removes chunk vectors from the live collection.
func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	live, err := s.Live(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ph := strings.Repeat("?,", len(chunkIDs)-1) + "?"
	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, live)
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE collection_id = ? AND chunk_id IN (`+ph+`)`, args...)
	return err
}

// Wipe empties the live collection. Used when the embedding model changed
// and every vector must be rebuilt.
func (s *Store) Wipe(ctx context.Context) error {
	live, err := s.Live(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection_id = ?`, live)
	return err
}

// Count returns the number of vectors in the live collection.
func (s *Store) Count(ctx context.Context) (int, error) {
	live, err := s.Live(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE collection_id = ?`, live).Scan(&n)
	return n, err
}

// Version returns the embedding_version of the live collection, or ""
// when empty. Mixed versions report the first found; callers treat any
// mismatch with the current model as a full rebuild.
func (s *Store) Version(ctx context.Context) (string, error) {
	live, err := s.Live(ctx)
	if err != nil {
		return "", err
	}
	var v string
	err = s.db.QueryRowContext(ctx,
		`SELECT embedding_version FROM vectors WHERE collection_id = ? LIMIT 1`, live).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// Query runs a brute-force cosine scan over the live collection,
// restricted to chatIDs (empty means no chats are searchable) and an
// optional [after, before] timestamp window on the chunk range. Returns
// the top k results by score, descending.
func (s *Store) Query(ctx context.Context, vec []float32, k int, chatIDs []string, after, before int64) ([]Result, error) {
	if k <= 0 || len(chatIDs) == 0 {
		return nil, nil
	}
	live, err := s.Live(ctx)
	if err != nil {
		return nil, err
	}

	q := `
		SELECT chunk_id, vec, chat_id, IFNULL(chat_name, ''), timestamp_start,
		       timestamp_end, IFNULL(participants, ''), IFNULL(excerpt, '')
		FROM vectors
		WHERE collection_id = ? AND chat_id IN (` +
		strings.Repeat("?,", len(chatIDs)-1) + "?)"
	args := make([]any, 0, len(chatIDs)+3)
	args = append(args, live)
	for _, id := range chatIDs {
		args = append(args, id)
	}
	if after > 0 {
		q += ` AND timestamp_end >= ?`
		args = append(args, after)
	}
	if before > 0 {
		q += ` AND timestamp_start <= ?`
		args = append(args, before)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vecstore: query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var blob []byte
		var parts string
		if err := rows.Scan(&r.ChunkID, &blob, &r.ChatID, &r.ChatName,
			&r.StartTS, &r.EndTS, &parts, &r.Excerpt); err != nil {
			return nil, err
		}
		if parts != "" {
			r.Participants = strings.Split(parts, ", ")
		}
		r.Score = cosine(vec, decodeVector(blob))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// The vec column holds raw little-endian float32 components, 4 bytes
// each. No header: the dimension is the blob length divided by 4.

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 0, len(vec)*4)
	for _, v := range vec {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// cosine scores two vectors in [-1, 1]. Mismatched dimensions and zero
// vectors score 0, so a row written under a different embedding model
// sinks to the bottom of the ranking instead of aborting the scan.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
