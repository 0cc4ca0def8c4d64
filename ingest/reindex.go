package ingest

import (
	"context"
	"fmt"
)

// Reindex re-embeds every chunk into a fresh collection and atomically
// swaps it live. Queries keep answering from the old collection until
// the swap commits. Embedded marks are written only after the swap: a
// failed or cancelled run drops the temp collection and leaves every
// chunk's mark exactly as it was, so pending chunks stay pending.
func (p *Pipeline) Reindex(ctx context.Context, emit func(Progress)) (Counts, error) {
	set, err := p.settings.Snapshot(ctx)
	if err != nil {
		return Counts{}, err
	}
	emb := p.embedder(set)

	all, err := p.store.AllChunks(ctx)
	if err != nil {
		return Counts{}, err
	}

	temp, err := p.vectors.CreateTemp(ctx)
	if err != nil {
		return Counts{}, err
	}

	var counts Counts
	emit(Progress{Stage: "reindex", Message: fmt.Sprintf(
		"re-embedding %d chunks into a fresh collection", len(all))})

	for start := 0; start < len(all); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			p.dropTemp(temp)
			return counts, err
		}
		end := min(start+embedBatchSize, len(all))
		n, err := p.upsertBatch(ctx, emb, temp, all[start:end])
		counts.ChunksEmbedded += n
		if err != nil {
			p.dropTemp(temp)
			return counts, err
		}
		emit(Progress{Stage: "reindex", Message: fmt.Sprintf(
			"%d/%d chunks embedded", counts.ChunksEmbedded, len(all))})
	}

	if err := p.vectors.SwapFromTemp(ctx, temp); err != nil {
		p.dropTemp(temp)
		return counts, err
	}

	ids := make([]string, len(all))
	for i, c := range all {
		ids[i] = c.ChunkID
	}
	if err := p.store.MarkEmbedded(ctx, ids, emb.Model()); err != nil {
		// The new collection is already live; the unmarked chunks are
		// re-embedded (idempotent upsert) by the next process run.
		return counts, err
	}
	emit(Progress{Stage: "reindex", Message: "collection swapped live"})
	return counts, nil
}

func (p *Pipeline) dropTemp(temp int64) {
	// Cleanup must run even when the operation context is cancelled.
	if err := p.vectors.DropTemp(context.Background(), temp); err != nil {
		p.logger.Error("failed to drop temp collection", "collection", temp, "err", err)
	}
}
