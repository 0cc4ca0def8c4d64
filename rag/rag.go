// Package rag retrieves relevant chunks for a question and assembles the
// date-ordered, token-capped context block fed to the LLM.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/chunker"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/store"
	"github.com/nikira-studio/lifequery/vecstore"
)

// Citation points the user at the conversation a statement came from.
type Citation struct {
	ChatName     string   `json:"chat_name"`
	DateRange    string   `json:"date_range"`
	Participants []string `json:"participants"`
	Content      string   `json:"content"`
}

// Result is the assembled retrieval outcome. Empty ContextText with no
// error means nothing relevant was found (or retrieval degraded).
type Result struct {
	ContextText string
	Citations   []Citation
	TokenCount  int
}

type Engine struct {
	store   *store.Store
	vectors *vecstore.Store
	logger  *slog.Logger
}

func NewEngine(st *store.Store, vs *vecstore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, vectors: vs, logger: logger}
}

// Retrieve embeds the query, pulls the top-k nearest chunks restricted to
// included chats, and assembles the context in start_ts order. Embedder or
// vector store failures degrade to an empty result so chat stays available
// during partial outages; only cancellation propagates.
func (e *Engine) Retrieve(ctx context.Context, emb embed.Embedder, query string, topK, contextCap int) (Result, error) {
	included, err := e.store.IncludedChatIDs(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(included) == 0 {
		return Result{}, nil
	}

	vec, err := emb.Embed(ctx, query)
	if err != nil {
		if fault.IsCancelled(err) {
			return Result{}, err
		}
		e.logger.Warn("query embedding failed, answering without context", "err", err)
		return Result{}, nil
	}

	hits, err := e.vectors.Query(ctx, vec, topK, included, 0, 0)
	if err != nil {
		if fault.IsCancelled(ctx.Err()) {
			return Result{}, ctx.Err()
		}
		e.logger.Warn("vector query failed, answering without context", "err", err)
		return Result{}, nil
	}
	if len(hits) == 0 {
		return Result{}, nil
	}

	// Similarity decided inclusion; display order is chronological.
	sort.Slice(hits, func(i, j int) bool { return hits[i].StartTS < hits[j].StartTS })

	contents := e.hydrate(ctx, hits)
	return assemble(hits, contents, contextCap), nil
}

// hydrate loads full chunk text from the durable store; records whose
// chunk row vanished fall back to the stored excerpt.
func (e *Engine) hydrate(ctx context.Context, hits []vecstore.Result) map[string]string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	out := make(map[string]string, len(hits))
	rows, err := e.store.ChunksByID(ctx, ids)
	if err != nil {
		e.logger.Warn("chunk hydration failed, using excerpts", "err", err)
	}
	for _, h := range hits {
		if c, ok := rows[h.ChunkID]; ok {
			out[h.ChunkID] = c.Content
		} else {
			out[h.ChunkID] = h.Excerpt
		}
	}
	return out
}

func assemble(hits []vecstore.Result, contents map[string]string, contextCap int) Result {
	var (
		parts  []string
		kept   []vecstore.Result
		tokens int
	)
	for _, h := range hits {
		block := renderBlock(h, contents[h.ChunkID])
		cost := chunker.EstimateTokens(block)
		// An oversize record is skipped, not terminal: later smaller
		// records may still fit under the cap.
		if tokens+cost > contextCap {
			continue
		}
		parts = append(parts, block)
		kept = append(kept, h)
		tokens += cost
	}
	if len(parts) == 0 {
		return Result{}
	}

	citations := make([]Citation, len(kept))
	for i, h := range kept {
		citations[i] = Citation{
			ChatName:     orUnknown(h.ChatName),
			DateRange:    fmtDate(h.StartTS) + "–" + fmtDate(h.EndTS),
			Participants: h.Participants,
			Content:      contents[h.ChunkID],
		}
	}
	return Result{
		ContextText: strings.Join(parts, "\n\n"),
		Citations:   citations,
		TokenCount:  tokens,
	}
}

// renderBlock formats one context record: header, blank line, chunk text,
// trailing separator.
func renderBlock(h vecstore.Result, content string) string {
	header := fmt.Sprintf("[%s] %s → %s, participants: %s",
		orUnknown(h.ChatName), fmtDate(h.StartTS), fmtDate(h.EndTS),
		strings.Join(h.Participants, ", "))
	return header + "\n\n" + content + "\n---"
}

func fmtDate(ts int64) string {
	if ts == 0 {
		return "Unknown"
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
