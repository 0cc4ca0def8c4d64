// Package tasks admits and supervises background operations. Each kind
// runs single-flight: a second start while one is in flight is rejected
// rather than queued.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/ingest"
	"github.com/nikira-studio/lifequery/store"
)

// Kind names one operation family. Admission is per kind, so a sync and
// an import may overlap but two syncs may not.
type Kind string

const (
	KindSync    Kind = "sync"
	KindImport  Kind = "import"
	KindReindex Kind = "reindex"
	KindProcess Kind = "process"
)

// Op is the body of one operation. It must honor ctx at every batch
// boundary and report progress through emit.
type Op func(ctx context.Context, emit func(ingest.Progress)) (ingest.Counts, error)

type activeRun struct {
	id     string
	cancel context.CancelFunc
}

// Manager enforces single-flight admission and records every run in the
// operation log.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.Mutex
	running map[Kind]*activeRun
}

func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger, running: map[Kind]*activeRun{}}
}

// Run executes op under the caller's context with a per-run cancel
// layered on top, so Cancel(kind) stops it without touching the caller.
// It blocks until op finishes and closes the log entry with the final
// status. A busy kind returns fault.ErrConflict immediately.
func (m *Manager) Run(ctx context.Context, kind Kind, op Op, emit func(ingest.Progress)) (ingest.Counts, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &activeRun{id: uuid.NewString(), cancel: cancel}
	m.mu.Lock()
	if m.running[kind] != nil {
		m.mu.Unlock()
		return ingest.Counts{}, fmt.Errorf("%w: %s", fault.ErrConflict, kind)
	}
	m.running[kind] = r
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.running[kind] == r {
			delete(m.running, kind)
		}
		m.mu.Unlock()
	}()

	logID, err := m.store.BeginLog(ctx, string(kind))
	if err != nil {
		return ingest.Counts{}, err
	}
	m.logger.Info("operation started", "kind", kind, "run", r.id)

	counts, opErr := op(runCtx, emit)

	entry := store.SyncLogEntry{
		Status:           "success",
		MessagesAdded:    counts.MessagesAdded,
		ChunksCreated:    counts.ChunksCreated,
		SkippedDuplicate: counts.SkippedDuplicate,
		SkippedEmpty:     counts.SkippedEmpty,
	}
	switch {
	case opErr == nil:
	case fault.IsCancelled(opErr):
		entry.Status = "cancelled"
	default:
		entry.Status = "error"
		entry.Detail = opErr.Error()
	}

	// The caller's context may already be dead; the log row must still
	// close so the history does not show a permanently running entry.
	if err := m.store.FinishLog(context.WithoutCancel(ctx), logID, entry); err != nil {
		m.logger.Error("failed to close operation log", "kind", kind, "err", err)
	}
	m.logger.Info("operation finished", "kind", kind, "run", r.id,
		"status", entry.Status, "messages", counts.MessagesAdded,
		"chunks", counts.ChunksCreated)
	return counts, opErr
}

// Cancel stops the in-flight run of kind, if any.
func (m *Manager) Cancel(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.running[kind]
	if r == nil {
		return false
	}
	r.cancel()
	return true
}

// Running reports whether a run of kind is in flight.
func (m *Manager) Running(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[kind] != nil
}
