package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/fault"
	"github.com/nikira-studio/lifequery/ingest"
)

const (
	autoSyncStartupDelay = time.Minute
	autoSyncDisabledPoll = time.Minute
	autoSyncErrorBackoff = 5 * time.Minute
)

// AutoSync periodically starts a sync run when auto_sync_interval > 0.
// The interval is re-read every cycle so settings changes take effect
// without a restart.
type AutoSync struct {
	manager   *Manager
	settings  *config.Store
	connected func(ctx context.Context) bool
	sync      Op
	logger    *slog.Logger
}

func NewAutoSync(m *Manager, cs *config.Store, connected func(ctx context.Context) bool, sync Op, logger *slog.Logger) *AutoSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoSync{manager: m, settings: cs, connected: connected, sync: sync, logger: logger}
}

// Run loops until ctx is done. It is meant to be launched as a
// goroutine at startup.
func (a *AutoSync) Run(ctx context.Context) {
	a.logger.Info("auto-sync worker started")
	if !sleep(ctx, autoSyncStartupDelay) {
		return
	}
	for {
		wait := autoSyncDisabledPoll
		set, err := a.settings.Snapshot(ctx)
		switch {
		case err != nil:
			if fault.IsCancelled(err) {
				a.logger.Info("auto-sync worker shutting down")
				return
			}
			a.logger.Error("auto-sync settings read failed", "err", err)
			wait = autoSyncErrorBackoff
		case set.AutoSyncInterval > 0:
			a.cycle(ctx)
			wait = time.Duration(set.AutoSyncInterval) * time.Minute
		}
		if !sleep(ctx, wait) {
			a.logger.Info("auto-sync worker shutting down")
			return
		}
	}
}

func (a *AutoSync) cycle(ctx context.Context) {
	if !a.connected(ctx) {
		a.logger.Info("auto-sync skipped, source not connected")
		return
	}
	_, err := a.manager.Run(ctx, KindSync, a.sync, func(ingest.Progress) {})
	switch {
	case err == nil:
		a.logger.Info("auto-sync completed")
	case errors.Is(err, fault.ErrConflict):
		a.logger.Info("auto-sync skipped, sync already running")
	case fault.IsCancelled(err):
	default:
		a.logger.Error("auto-sync failed", "err", err)
	}
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
