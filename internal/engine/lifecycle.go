package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatloom/chatloom/internal/platform"
)

// snowflakeLess orders platform message ids, which are decimal snowflakes
// of varying length. Shorter strings are numerically smaller.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// LazyLoadThread brings a thread up to date before serving it: hydrate
// from the durable store, then backfill messages posted while the process
// was down. Platform fetch failures are logged and tolerated; the thread
// is served from whatever state is already hydrated.
func (e *Engine) LazyLoadThread(ctx context.Context, client platform.Client, threadID, botID, botName string) error {
	if threadID == "" {
		return fmt.Errorf("lazy load: missing thread id")
	}

	if err := e.ensureHydrated(ctx, threadID, threadID, botID); err != nil {
		return err
	}

	// Resume from the hydration-time mark: the newest message that was
	// already durable when the thread went hot. Messages appended live
	// since then are newer than anything missed during downtime, so they
	// must not move the mark.
	e.bfMu.Lock()
	if e.backfilled[threadID] {
		e.bfMu.Unlock()
		return nil
	}
	afterID := e.backfillFrom[threadID]
	e.bfMu.Unlock()

	if client == nil {
		return nil
	}

	raws, err := client.ThreadMessagesSince(ctx, threadID, afterID)
	if err != nil {
		e.logger.Warn("thread backfill fetch failed",
			slog.String("thread_id", threadID),
			slog.Any("error", fmt.Errorf("%w: %v", platform.ErrFetchFailed, err)))
		return nil
	}

	appended := 0
	for _, raw := range raws {
		// Platforms sometimes return the boundary message itself; the
		// idempotent insert also catches anything delivered live already.
		if afterID != "" && !snowflakeLess(afterID, raw.ID) {
			continue
		}
		if _, err := e.Append(ctx, raw, botID, botName); err != nil {
			return fmt.Errorf("backfill append: %w", err)
		}
		appended++
	}

	e.bfMu.Lock()
	e.backfilled[threadID] = true
	e.bfMu.Unlock()

	if appended > 0 {
		e.logger.Info("thread backfilled",
			slog.String("thread_id", threadID),
			slog.Int("messages", appended))
	}
	return nil
}

// ResetThread forgets a thread's history for one bot (or for all bots
// when botID is empty): the current high-water mark is recorded so
// backfill never resurrects pre-reset messages, then the thread's rows
// are deleted and the hot state dropped.
func (e *Engine) ResetThread(ctx context.Context, threadID, botID string) error {
	if threadID == "" {
		return fmt.Errorf("reset: missing thread id")
	}

	lock := e.channelLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	lastRow, lastMessageID, err := e.store.MaxThreadRow(ctx, threadID)
	if err != nil {
		return fmt.Errorf("reset %s: %w", threadID, err)
	}
	if err := e.store.RecordThreadReset(ctx, threadID, botID, lastRow, lastMessageID); err != nil {
		return fmt.Errorf("reset %s: %w", threadID, err)
	}
	if err := e.store.ClearThread(ctx, threadID); err != nil {
		return fmt.Errorf("reset %s: %w", threadID, err)
	}

	e.mirror.DropChannel(threadID)
	e.dropBlockCache(threadID)
	e.bfMu.Lock()
	delete(e.backfillFrom, threadID)
	delete(e.backfilled, threadID)
	e.bfMu.Unlock()

	e.logger.Info("thread reset",
		slog.String("thread_id", threadID),
		slog.String("bot_id", botID),
		slog.Int64("last_row", lastRow))
	e.hub.Publish(Event{
		Type:     EventThreadReset,
		ThreadID: threadID,
		Fields:   map[string]any{"bot_id": botID, "last_row": lastRow},
	})
	return nil
}
