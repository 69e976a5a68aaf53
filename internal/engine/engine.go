// Package engine is the conversation context engine: it owns the durable
// history store, the in-memory mirror, the member cache, and the
// freeze/build/reset logic on top of them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/chatloom/chatloom/internal/history"
	"github.com/chatloom/chatloom/internal/inline"
	"github.com/chatloom/chatloom/internal/mention"
	"github.com/chatloom/chatloom/internal/platform"
)

// Config carries the engine tunables.
type Config struct {
	MaxContextTokens      int
	FreezeThresholdTokens int
	CharsPerToken         float64
	MessageCacheLimit     int
}

// Engine coordinates history persistence, mirroring, block freezing, and
// context assembly. One Engine is shared by every bot in the process; the
// store's idempotent insert makes overlapping observations harmless.
type Engine struct {
	logger  *slog.Logger
	store   history.Store
	mirror  *history.Mirror
	members *MemberCache
	inliner *inline.Inliner
	hub     *Hub
	est     estimator

	maxContextTokens int
	freezeThreshold  int

	mu          sync.Mutex
	appendLocks map[string]*sync.Mutex

	hydrate singleflight.Group

	// bfMu guards the backfill bookkeeping: the low-water message id
	// captured at hydration time, and which threads are already current.
	// Live appends never move the mark, so a fresh trigger message can't
	// mask older messages missed during downtime.
	bfMu         sync.Mutex
	backfillFrom map[string]string
	backfilled   map[string]bool

	cacheMu    sync.Mutex
	blockCache map[string]string
}

// New builds an Engine around the given store. The mirror is created here
// so its tail limit always matches the configured cache limit.
func New(log *slog.Logger, store history.Store, inliner *inline.Inliner, hub *Hub, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub()
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 180000
	}
	if cfg.FreezeThresholdTokens <= 0 {
		cfg.FreezeThresholdTokens = 30000
	}
	return &Engine{
		logger:           log.With(slog.String("component", "engine")),
		store:            store,
		mirror:           history.NewMirror(cfg.MessageCacheLimit),
		members:          NewMemberCache(),
		inliner:          inliner,
		hub:              hub,
		est:              newEstimator(cfg.CharsPerToken),
		maxContextTokens: cfg.MaxContextTokens,
		freezeThreshold:  cfg.FreezeThresholdTokens,
		appendLocks:      make(map[string]*sync.Mutex),
		backfillFrom:     make(map[string]string),
		backfilled:       make(map[string]bool),
		blockCache:       make(map[string]string),
	}
}

// Members exposes the shared member cache so bot sessions can seed their
// own id/display pairs.
func (e *Engine) Members() *MemberCache { return e.members }

// Events exposes the engine event hub.
func (e *Engine) Events() *Hub { return e.hub }

// Store exposes the underlying durable store for the operator surface.
func (e *Engine) Store() history.Store { return e.store }

func (e *Engine) channelLock(channelID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.appendLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		e.appendLocks[channelID] = lock
	}
	return lock
}

// Append runs the synchronous ingest pipeline for one observed message:
// drop thread starter notices, learn display names, normalize mentions,
// inline text attachments, persist, mirror, and freeze when the tail
// crosses the threshold. Returns the message's row id; zero means the
// message was dropped.
func (e *Engine) Append(ctx context.Context, raw platform.RawMessage, botID, botName string) (int64, error) {
	if raw.Kind == platform.KindThreadStarter {
		return 0, nil
	}
	if raw.ID == "" || raw.ChannelID == "" {
		return 0, fmt.Errorf("message missing id or channel")
	}

	e.members.Learn(raw.AuthorID, raw.AuthorName)
	for id, name := range raw.Mentions {
		e.members.Learn(id, name)
	}

	content := mention.Normalize(raw.Content, raw.Mentions, e.members, botID, botName)

	var images []string
	if e.inliner != nil {
		content, images = e.inliner.Inline(ctx, content, raw.Attachments)
	}

	msg := history.Message{
		ChannelID:         raw.ChannelID,
		ThreadID:          raw.ThreadID,
		ParentChannelID:   raw.ParentChannelID,
		MessageID:         raw.ID,
		AuthorID:          raw.AuthorID,
		AuthorName:        raw.AuthorName,
		Content:           content,
		ImageURLs:         images,
		PlatformTimestamp: raw.Timestamp,
	}

	lock := e.channelLock(raw.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.ensureHydrated(ctx, raw.ChannelID, raw.ThreadID, botID); err != nil {
		return 0, err
	}

	rowID, inserted, err := e.store.InsertMessage(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if !inserted {
		return rowID, nil
	}
	msg.RowID = rowID
	e.mirror.Append(msg)

	e.hub.Publish(Event{
		Type:      EventMessageAppended,
		ChannelID: raw.ChannelID,
		ThreadID:  raw.ThreadID,
		Fields:    map[string]any{"row_id": rowID, "author": raw.AuthorName},
	})

	if err := e.maybeFreeze(ctx, raw.ChannelID, raw.ThreadID); err != nil {
		// The message is durable; a failed freeze retries on the next append.
		e.logger.Warn("block freeze failed",
			slog.String("channel_id", raw.ChannelID),
			slog.Any("error", err))
	}

	return rowID, nil
}

// ensureHydrated loads the channel's boundaries and post-boundary tail
// from the durable store on first touch. Concurrent callers collapse into
// one load; Install ignores redundant results.
func (e *Engine) ensureHydrated(ctx context.Context, channelID, threadID, botID string) error {
	if e.mirror.Hydrated(channelID) {
		return nil
	}

	_, err, _ := e.hydrate.Do(channelID, func() (any, error) {
		if e.mirror.Hydrated(channelID) {
			return nil, nil
		}

		var floor int64
		var reset *history.ResetInfo
		if threadID != "" {
			var err error
			reset, err = e.store.ThreadResetInfo(ctx, threadID, botID)
			if err != nil {
				return nil, fmt.Errorf("load reset info: %w", err)
			}
			if reset != nil {
				floor = reset.LastResetRowID
			}
		}

		boundaries, err := e.store.Boundaries(ctx, channelID, threadID, floor)
		if err != nil {
			return nil, fmt.Errorf("load boundaries: %w", err)
		}

		tailAfter := floor
		if len(boundaries) > 0 {
			tailAfter = boundaries[len(boundaries)-1].LastRowID
		}
		tail, err := e.store.Messages(ctx, channelID, threadID, tailAfter)
		if err != nil {
			return nil, fmt.Errorf("load tail: %w", err)
		}

		e.mirror.Install(channelID, floor, boundaries, tail)

		// Capture the backfill mark from durable state only: the newest
		// persisted message, else the last frozen boundary, else the
		// reset point.
		mark := ""
		switch {
		case len(tail) > 0:
			mark = tail[len(tail)-1].MessageID
		case len(boundaries) > 0:
			mark = boundaries[len(boundaries)-1].LastMessageID
		case reset != nil:
			mark = reset.LastResetMessageID
		}
		e.bfMu.Lock()
		if _, ok := e.backfillFrom[channelID]; !ok {
			e.backfillFrom[channelID] = mark
		}
		e.bfMu.Unlock()

		e.logger.Debug("channel hydrated",
			slog.String("channel_id", channelID),
			slog.Int("boundaries", len(boundaries)),
			slog.Int("tail", len(tail)))
		return nil, nil
	})
	return err
}

// tailMessages returns the complete post-boundary tail. The mirror window
// serves the common case; once the tail cap has evicted entries the
// durable store backs the read, so freezing and building always see the
// contiguous tail and boundaries never skip rows.
func (e *Engine) tailMessages(ctx context.Context, channelID, threadID string) ([]history.Message, error) {
	if e.mirror.TailComplete(channelID) {
		return e.mirror.ChannelMessages(channelID), nil
	}
	msgs, err := e.store.Messages(ctx, channelID, threadID, e.mirror.TailStart(channelID))
	if err != nil {
		return nil, fmt.Errorf("load full tail: %w", err)
	}
	return msgs, nil
}

// maybeFreeze checks the tail against the freeze threshold and, when
// crossed, records a new immutable block boundary covering the whole tail.
// Called with the channel append lock held.
func (e *Engine) maybeFreeze(ctx context.Context, channelID, threadID string) error {
	tail, err := e.tailMessages(ctx, channelID, threadID)
	if err != nil {
		return err
	}
	if len(tail) == 0 {
		return nil
	}

	total := 0
	for _, m := range tail {
		total += e.est.messageCost(m.Content)
	}
	if total < e.freezeThreshold {
		return nil
	}

	b := history.BlockBoundary{
		ChannelID:      channelID,
		ThreadID:       threadID,
		FirstMessageID: tail[0].MessageID,
		LastMessageID:  tail[len(tail)-1].MessageID,
		FirstRowID:     tail[0].RowID,
		LastRowID:      tail[len(tail)-1].RowID,
		TokenCount:     total,
	}
	rowID, err := e.store.InsertBlockBoundary(ctx, b)
	if err != nil {
		return fmt.Errorf("insert boundary: %w", err)
	}
	b.RowID = rowID
	e.mirror.AddBoundary(b)

	e.logger.Info("block frozen",
		slog.String("channel_id", channelID),
		slog.Int("token_count", total),
		slog.Int64("first_row", b.FirstRowID),
		slog.Int64("last_row", b.LastRowID))
	e.hub.Publish(Event{
		Type:      EventBlockFrozen,
		ChannelID: channelID,
		ThreadID:  threadID,
		Fields:    map[string]any{"token_count": total, "last_row": b.LastRowID},
	})
	return nil
}

func blockCacheKey(channelID string, boundaryRowID int64, botID string) string {
	return fmt.Sprintf("%s|%d|%s", channelID, boundaryRowID, botID)
}

func (e *Engine) cachedBlock(key string) (string, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	s, ok := e.blockCache[key]
	return s, ok
}

func (e *Engine) storeBlock(key, rendered string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.blockCache[key] = rendered
}

func (e *Engine) dropBlockCache(channelID string) {
	prefix := channelID + "|"
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for k := range e.blockCache {
		if strings.HasPrefix(k, prefix) {
			delete(e.blockCache, k)
		}
	}
}

// ClearAll wipes every durable and in-memory record. Operator surface only.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.store.ClearAll(ctx); err != nil {
		return err
	}
	e.mirror.ClearAll()
	e.bfMu.Lock()
	e.backfillFrom = make(map[string]string)
	e.backfilled = make(map[string]bool)
	e.bfMu.Unlock()
	e.cacheMu.Lock()
	e.blockCache = make(map[string]string)
	e.cacheMu.Unlock()
	return nil
}

// Stats reports store statistics plus hot-state gauges.
func (e *Engine) Stats(ctx context.Context) (history.Stats, int, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return history.Stats{}, 0, err
	}
	return st, len(e.mirror.Channels()), nil
}
