package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/store"
	"github.com/nikira-studio/lifequery/vecstore"

	_ "modernc.org/sqlite"
)

// countingEmbedder hands out deterministic vectors and can fail on
// demand to exercise resumability. failAt fails the Nth batch call
// (1-based); failNext fails every call while set.
type countingEmbedder struct {
	calls    int
	failNext bool
	failAt   int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	if c.failNext || c.calls == c.failAt {
		return nil, fault.Upstream(errors.New("embedder offline"))
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, float32(len(texts[i]))}
	}
	return out, nil
}

func (c *countingEmbedder) Dimension() int { return 2 }
func (c *countingEmbedder) Model() string  { return "test-model" }

type sliceSource struct {
	name    string
	batches [][]store.Message
	empty   int
}

func (s *sliceSource) Name() string { return s.name }

func (s *sliceSource) Fetch(ctx context.Context, sink func([]store.Message) error) (int, error) {
	for _, b := range s.batches {
		if err := sink(b); err != nil {
			return s.empty, err
		}
	}
	return s.empty, nil
}

func setup(t *testing.T, emb embed.Embedder) (*Pipeline, *store.Store, *vecstore.Store) {
	t.Helper()
	db := store.OpenMemory(t)
	st := store.New(db, nil)
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	vs, err := vecstore.Open(filepath.Join(t.TempDir(), "vectors.db"), nil)
	if err != nil {
		t.Fatalf("vecstore.Open: %v", err)
	}
	t.Cleanup(func() { vs.Close() })
	cs := config.NewStore(db, nil)
	p := NewPipeline(st, vs, cs, func(config.Settings) embed.Embedder { return emb }, nil)
	return p, st, vs
}

func msg(chat, id string, ts int64, text string) store.Message {
	return store.Message{
		MessageID: id, ChatID: chat, ChatName: "Chat " + chat,
		SenderName: "Alice", Text: text, Timestamp: ts, Source: "telegram",
	}
}

func discard(Progress) {}

func TestRunEndToEnd(t *testing.T) {
	emb := &countingEmbedder{}
	p, st, vs := setup(t, emb)
	ctx := context.Background()

	src := &sliceSource{name: "sync", batches: [][]store.Message{
		{msg("c1", "1", 0, "hi"), msg("c1", "2", 60, "how are you")},
	}, empty: 3}

	var stages []string
	counts, err := p.Run(ctx, src, func(pr Progress) { stages = append(stages, pr.Stage) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counts.MessagesAdded != 2 {
		t.Errorf("messages added = %d, want 2", counts.MessagesAdded)
	}
	if counts.SkippedEmpty != 3 {
		t.Errorf("skipped empty = %d, want 3", counts.SkippedEmpty)
	}
	if counts.ChunksCreated != 1 {
		t.Errorf("chunks created = %d, want 1", counts.ChunksCreated)
	}
	if counts.ChunksEmbedded != 1 {
		t.Errorf("chunks embedded = %d, want 1", counts.ChunksEmbedded)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ChunkCount != 1 || stats.EmbeddedCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if n, _ := vs.Count(ctx); n != 1 {
		t.Fatalf("vector count = %d, want 1", n)
	}

	seen := map[string]bool{}
	for _, s := range stages {
		seen[s] = true
	}
	for _, want := range []string{"fetch", "chunk", "embed"} {
		if !seen[want] {
			t.Errorf("missing %q progress stage in %v", want, stages)
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	emb := &countingEmbedder{}
	p, _, _ := setup(t, emb)
	ctx := context.Background()

	batch := [][]store.Message{{msg("c1", "1", 0, "hi"), msg("c1", "2", 60, "again")}}
	if _, err := p.Run(ctx, &sliceSource{name: "sync", batches: batch}, discard); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	counts, err := p.Run(ctx, &sliceSource{name: "sync", batches: batch}, discard)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if counts.MessagesAdded != 0 || counts.ChunksCreated != 0 {
		t.Fatalf("second run = %+v, want no new messages or chunks", counts)
	}
	if counts.SkippedDuplicate != 2 {
		t.Errorf("skipped duplicate = %d, want 2", counts.SkippedDuplicate)
	}
}

func TestEmbedFailureLeavesChunksPending(t *testing.T) {
	emb := &countingEmbedder{failNext: true}
	p, st, vs := setup(t, emb)
	ctx := context.Background()

	src := &sliceSource{name: "sync", batches: [][]store.Message{
		{msg("c1", "1", 0, "hello there")},
	}}
	if _, err := p.Run(ctx, src, discard); err == nil {
		t.Fatal("Run should fail when embedding fails")
	}

	pending, err := st.PendingChunks(ctx, 0)
	if err != nil {
		t.Fatalf("PendingChunks: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1 (chunk stays pending)", len(pending))
	}
	if n, _ := vs.Count(ctx); n != 0 {
		t.Fatalf("vector count = %d, want 0", n)
	}

	// Recovery: Process resumes without refetching.
	emb.failNext = false
	counts, err := p.Process(ctx, discard)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if counts.ChunksEmbedded != 1 {
		t.Fatalf("embedded = %d, want 1", counts.ChunksEmbedded)
	}
}

func TestVersionMismatchForcesRebuild(t *testing.T) {
	emb := &countingEmbedder{}
	p, st, vs := setup(t, emb)
	ctx := context.Background()

	src := &sliceSource{name: "sync", batches: [][]store.Message{
		{msg("c1", "1", 0, "hello")},
	}}
	if _, err := p.Run(ctx, src, discard); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Simulate vectors built by a previous model.
	live, _ := vs.Live(ctx)
	if err := vs.Wipe(ctx); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if err := vs.Upsert(ctx, live, []vecstore.Record{{
		ChunkID: "stale", Vector: []float32{1}, ChatID: "c1",
		EmbeddingVersion: "old-model",
	}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	counts, err := p.Process(ctx, discard)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// The real chunk was re-embedded and the stale vector is gone.
	if counts.ChunksEmbedded != 1 {
		t.Fatalf("embedded = %d, want 1", counts.ChunksEmbedded)
	}
	v, _ := vs.Version(ctx)
	if v != "test-model" {
		t.Fatalf("version = %q, want test-model", v)
	}
	pending, _ := st.PendingChunks(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("%d chunks still pending after rebuild", len(pending))
	}
}

func TestReindexSwapsAtomically(t *testing.T) {
	emb := &countingEmbedder{}
	p, st, vs := setup(t, emb)
	ctx := context.Background()

	src := &sliceSource{name: "sync", batches: [][]store.Message{
		{msg("c1", "1", 0, "first conversation"), msg("c2", "1", 100, "second conversation")},
	}}
	if _, err := p.Run(ctx, src, discard); err != nil {
		t.Fatalf("Run: %v", err)
	}

	before, _ := vs.Count(ctx)
	counts, err := p.Reindex(ctx, discard)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	after, _ := vs.Count(ctx)
	if after != before {
		t.Fatalf("count after reindex = %d, want %d", after, before)
	}
	stats, _ := st.Stats(ctx)
	if counts.ChunksEmbedded != stats.ChunkCount {
		t.Fatalf("re-embedded %d, want %d (every chunk)", counts.ChunksEmbedded, stats.ChunkCount)
	}
}

func TestExcerptKeepsRunesIntact(t *testing.T) {
	short := "привет"
	if got := excerpt(short); got != short {
		t.Fatalf("excerpt(%q) = %q, want unchanged", short, got)
	}

	// Cyrillic runes are 2 bytes each; 150 of them put a rune boundary
	// astride the byte cap.
	long := strings.Repeat("ж", 150)
	got := excerpt(long)
	if len(got) > excerptLen {
		t.Fatalf("excerpt length = %d bytes, want <= %d", len(got), excerptLen)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("ж", 100) {
		t.Fatalf("excerpt = %q, want 100 full runes", got)
	}
}

func TestReindexFailureKeepsChunksPending(t *testing.T) {
	emb := &countingEmbedder{failAt: 2}
	p, st, vs := setup(t, emb)
	ctx := context.Background()

	// More chunks than one embed batch holds, all pending.
	chunks := make([]store.Chunk, embedBatchSize+1)
	for i := range chunks {
		id := fmt.Sprintf("chunk-%03d", i)
		chunks[i] = store.Chunk{
			ChunkID: id, ChatID: "c1", ChatName: "Chat c1",
			StartTS: int64(i), EndTS: int64(i), MessageCount: 1,
			Content: "conversation " + id, ContentHash: "hash-" + id,
		}
	}
	if _, err := st.InsertChunks(ctx, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	// First batch lands in the temp collection, the second fails.
	if _, err := p.Reindex(ctx, discard); err == nil {
		t.Fatal("Reindex should fail")
	}

	// No chunk may be marked embedded while its vector only ever
	// existed in the dropped temp collection.
	pending, err := st.PendingChunks(ctx, 0)
	if err != nil {
		t.Fatalf("PendingChunks: %v", err)
	}
	if len(pending) != len(chunks) {
		t.Fatalf("got %d pending, want %d (failed reindex must not mark)", len(pending), len(chunks))
	}
	if n, _ := vs.Count(ctx); n != 0 {
		t.Fatalf("live vector count = %d, want 0", n)
	}

	// Recovery: a plain process run embeds everything.
	emb.failAt = 0
	counts, err := p.Process(ctx, discard)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if counts.ChunksEmbedded != len(chunks) {
		t.Fatalf("embedded = %d, want %d", counts.ChunksEmbedded, len(chunks))
	}
	if pending, _ := st.PendingChunks(ctx, 0); len(pending) != 0 {
		t.Fatalf("%d chunks still pending after recovery", len(pending))
	}
}

func TestReindexFailureKeepsLive(t *testing.T) {
	emb := &countingEmbedder{}
	p, _, vs := setup(t, emb)
	ctx := context.Background()

	src := &sliceSource{name: "sync", batches: [][]store.Message{
		{msg("c1", "1", 0, "some conversation")},
	}}
	if _, err := p.Run(ctx, src, discard); err != nil {
		t.Fatalf("Run: %v", err)
	}

	emb.failNext = true
	if _, err := p.Reindex(ctx, discard); err == nil {
		t.Fatal("Reindex should fail")
	}
	// The live collection still serves the old vectors.
	if n, _ := vs.Count(ctx); n != 1 {
		t.Fatalf("live count = %d, want 1", n)
	}
}
