package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/store"
)

// Source pulls new messages for every included dialog from the bridge.
// It resumes each chat from its newest stored timestamp, so repeated
// syncs only transfer what arrived since.
type Source struct {
	bridge *Bridge
	store  *store.Store
	set    config.Settings
	logger *slog.Logger
}

func NewSource(b *Bridge, st *store.Store, set config.Settings, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{bridge: b, store: st, set: set, logger: logger}
}

func (s *Source) Name() string { return "telegram" }

// SyncChats refreshes the chats table from the bridge's dialog list
// without pulling messages. Run after authentication so the chat picker
// fills in immediately.
func (s *Source) SyncChats(ctx context.Context) (int, error) {
	dialogs, err := s.bridge.Dialogs(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range dialogs {
		if err := s.store.UpsertChat(ctx, store.Chat{
			ChatID:   d.ChatID,
			ChatName: d.ChatName,
			ChatType: d.ChatType,
			Included: true,
		}); err != nil {
			return 0, err
		}
	}
	return len(dialogs), nil
}

func (s *Source) Fetch(ctx context.Context, sink func([]store.Message) error) (int, error) {
	dialogs, err := s.bridge.Dialogs(ctx)
	if err != nil {
		return 0, err
	}

	excluded := map[string]bool{}
	chats, err := s.store.ListChats(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range chats {
		if !c.Included {
			excluded[c.ChatID] = true
		}
	}

	batch := s.set.TelegramFetchBatch
	if batch <= 0 {
		batch = 2000
	}
	limiter := pageLimiter(s.set.TelegramFetchWait)

	skippedEmpty := 0
	for _, d := range dialogs {
		if excluded[d.ChatID] {
			continue
		}
		if err := s.store.UpsertChat(ctx, store.Chat{
			ChatID: d.ChatID, ChatName: d.ChatName, ChatType: d.ChatType, Included: true,
		}); err != nil {
			return skippedEmpty, err
		}

		since, err := s.store.LatestMessageTimestamp(ctx, d.ChatID)
		if err != nil {
			return skippedEmpty, err
		}
		for {
			if err := limiter.Wait(ctx); err != nil {
				return skippedEmpty, err
			}
			page, err := s.bridge.Messages(ctx, d.ChatID, since, batch)
			if err != nil {
				return skippedEmpty, err
			}
			if len(page) == 0 {
				break
			}

			msgs := make([]store.Message, 0, len(page))
			for _, m := range page {
				if m.Timestamp > since {
					since = m.Timestamp
				}
				if strings.TrimSpace(m.Text) == "" {
					skippedEmpty++
					continue
				}
				msgs = append(msgs, store.Message{
					MessageID:  m.MessageID,
					ChatID:     d.ChatID,
					ChatName:   d.ChatName,
					SenderID:   m.SenderID,
					SenderName: m.SenderName,
					Text:       m.Text,
					Timestamp:  m.Timestamp,
					Source:     "telegram",
				})
			}
			if len(msgs) > 0 {
				if err := sink(msgs); err != nil {
					return skippedEmpty, err
				}
			}
			if len(page) < batch {
				break
			}
		}
	}
	return skippedEmpty, nil
}

// pageLimiter paces bridge page fetches so the sidecar is not asked to
// hammer the upstream into a flood wait.
func pageLimiter(waitSeconds int) *rate.Limiter {
	if waitSeconds <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(waitSeconds)*time.Second), 1)
}
