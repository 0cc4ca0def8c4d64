// Package ingest drives one logical ingestion operation end to end:
// fetch messages from a source, persist them, chunk what is new, embed
// what is pending, and report progress along the way.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/nikira-studio/lifequery/chunker"
	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/store"
	"github.com/nikira-studio/lifequery/vecstore"
)

// embedBatchSize bounds one embedding round trip.
const embedBatchSize = 64

// Progress is one status line emitted while an operation runs.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Counts is the terminal summary of an operation.
type Counts struct {
	MessagesAdded    int `json:"messages_added"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	SkippedEmpty     int `json:"skipped_empty"`
	ChunksCreated    int `json:"chunks_created"`
	ChunksEmbedded   int `json:"chunks_embedded"`
}

// Source delivers message batches. Fetch calls sink once per batch and
// returns how many messages the source skipped as empty before handing
// them over.
type Source interface {
	Name() string
	Fetch(ctx context.Context, sink func(batch []store.Message) error) (skippedEmpty int, err error)
}

// EmbedderFactory builds an embedder from the settings snapshot taken at
// operation start.
type EmbedderFactory func(config.Settings) embed.Embedder

type Pipeline struct {
	store    *store.Store
	vectors  *vecstore.Store
	settings *config.Store
	embedder EmbedderFactory
	logger   *slog.Logger
}

func NewPipeline(st *store.Store, vs *vecstore.Store, cs *config.Store, ef EmbedderFactory, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: st, vectors: vs, settings: cs, embedder: ef, logger: logger}
}

// Run executes fetch → persist → chunk → embed for one source. Progress
// events go to emit; committed work survives cancellation and errors.
func (p *Pipeline) Run(ctx context.Context, src Source, emit func(Progress)) (Counts, error) {
	set, err := p.settings.Snapshot(ctx)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	emit(Progress{Stage: "fetch", Message: "fetching messages from " + src.Name()})
	skippedEmpty, err := src.Fetch(ctx, func(batch []store.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ins, err := p.store.InsertMessages(ctx, batch)
		if err != nil {
			return err
		}
		counts.MessagesAdded += ins.Inserted
		counts.SkippedDuplicate += ins.Duplicate
		emit(Progress{Stage: "fetch", Message: fmt.Sprintf(
			"%d messages stored, %d duplicates skipped",
			counts.MessagesAdded, counts.SkippedDuplicate)})
		return nil
	})
	counts.SkippedEmpty += skippedEmpty
	if err != nil {
		return counts, err
	}

	if err := p.chunkAndEmbed(ctx, set, &counts, emit); err != nil {
		return counts, err
	}
	return counts, nil
}

// Process runs chunk → embed without fetching, picking up whatever is
// pending in the store.
func (p *Pipeline) Process(ctx context.Context, emit func(Progress)) (Counts, error) {
	set, err := p.settings.Snapshot(ctx)
	if err != nil {
		return Counts{}, err
	}
	var counts Counts
	if err := p.chunkAndEmbed(ctx, set, &counts, emit); err != nil {
		return counts, err
	}
	return counts, nil
}

func (p *Pipeline) chunkAndEmbed(ctx context.Context, set config.Settings, counts *Counts, emit func(Progress)) error {
	if err := p.chunkStage(ctx, set, counts, emit); err != nil {
		return err
	}
	return p.embedStage(ctx, set, counts, emit)
}

func (p *Pipeline) chunkStage(ctx context.Context, set config.Settings, counts *Counts, emit func(Progress)) error {
	emit(Progress{Stage: "chunk", Message: "chunking new messages"})
	groups, err := p.store.PendingMessages(ctx)
	if err != nil {
		return err
	}

	cfg := chunker.Config{
		TargetTokens:  set.ChunkTarget,
		MaxTokens:     set.ChunkMax,
		OverlapTokens: set.ChunkOverlap,
		NoiseKeywords: set.NoiseKeywords(),
	}
	version := set.EmbeddingModel

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunks, cc := chunker.Split(g.ChatID, g.ChatName, g.Messages, cfg, version)
		counts.SkippedEmpty += cc.SkippedEmpty + cc.SkippedNoise
		created, err := p.store.InsertChunks(ctx, chunks)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", g.ChatID, err)
		}
		counts.ChunksCreated += created
		if created > 0 {
			emit(Progress{Stage: "chunk", Message: fmt.Sprintf(
				"%s: %d chunks created", g.ChatName, created)})
		}
	}
	return nil
}

// embedStage embeds pending chunks in batches into the live collection.
// A failed batch leaves its chunks pending, so the operation resumes
// where it stopped on the next run.
func (p *Pipeline) embedStage(ctx context.Context, set config.Settings, counts *Counts, emit func(Progress)) error {
	emb := p.embedder(set)

	if err := p.checkVersion(ctx, emb.Model(), emit); err != nil {
		return err
	}

	live, err := p.vectors.Live(ctx)
	if err != nil {
		return err
	}
	emit(Progress{Stage: "embed", Message: "embedding pending chunks"})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := p.store.PendingChunks(ctx, embedBatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		n, err := p.embedBatch(ctx, emb, live, pending)
		counts.ChunksEmbedded += n
		if err != nil {
			return err
		}
		emit(Progress{Stage: "embed", Message: fmt.Sprintf(
			"%d chunks embedded", counts.ChunksEmbedded)})
	}
}

// checkVersion wipes the live collection and clears embedded marks when
// the configured model no longer matches what the vectors were built
// with. Everything is then re-embedded by the normal pending loop.
func (p *Pipeline) checkVersion(ctx context.Context, model string, emit func(Progress)) error {
	stored, err := p.vectors.Version(ctx)
	if err != nil {
		return err
	}
	if stored == "" || stored == model {
		return nil
	}
	p.logger.Warn("embedding model changed, rebuilding all vectors",
		"stored", stored, "configured", model)
	emit(Progress{Stage: "embed", Message: fmt.Sprintf(
		"embedding model changed (%s -> %s), re-embedding everything", stored, model)})
	if err := p.vectors.Wipe(ctx); err != nil {
		return err
	}
	return p.store.ClearEmbeddedMarks(ctx)
}

// embedBatch writes one batch into the live collection and marks the
// chunks embedded in the same logical step.
func (p *Pipeline) embedBatch(ctx context.Context, emb embed.Embedder, collection int64, batch []store.Chunk) (int, error) {
	n, err := p.upsertBatch(ctx, emb, collection, batch)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ChunkID
	}
	if err := p.store.MarkEmbedded(ctx, ids, emb.Model()); err != nil {
		return 0, err
	}
	return n, nil
}

// upsertBatch embeds batch and stores the records in collection. It
// never touches embedded marks; a chunk counts as embedded only once
// its vector is reachable from the live collection, which the caller
// decides.
func (p *Pipeline) upsertBatch(ctx context.Context, emb embed.Embedder, collection int64, batch []store.Chunk) (int, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	var vecs [][]float32
	err := fault.Retry(ctx, func() error {
		var err error
		vecs, err = emb.EmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("embed batch: %w", err)
	}

	recs := make([]vecstore.Record, len(batch))
	for i, c := range batch {
		recs[i] = vecstore.Record{
			ChunkID:          c.ChunkID,
			Vector:           vecs[i],
			ChatID:           c.ChatID,
			ChatName:         c.ChatName,
			StartTS:          c.StartTS,
			EndTS:            c.EndTS,
			Participants:     c.Participants,
			Excerpt:          excerpt(c.Content),
			ContentHash:      c.ContentHash,
			EmbeddingVersion: emb.Model(),
		}
	}
	if err := p.vectors.Upsert(ctx, collection, recs); err != nil {
		return 0, err
	}
	return len(batch), nil
}

const excerptLen = 200

// excerpt truncates s to at most excerptLen bytes, backing off to the
// previous rune boundary so the stored text stays valid UTF-8.
func excerpt(s string) string {
	if len(s) <= excerptLen {
		return s
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
