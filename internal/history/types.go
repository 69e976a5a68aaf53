// Package history persists and mirrors per-channel conversation records:
// every observed message, the frozen block boundaries that slice old history
// into immutable prefix segments, and per-thread reset points.
package history

import (
	"context"
	"errors"
	"time"
)

// GlobalBotID is the sentinel bot id meaning "all bots" on a thread reset.
const GlobalBotID = "__GLOBAL__"

var (
	// ErrStoreUnavailable wraps failures to open, ping, or migrate the
	// durable store. Fatal at startup.
	ErrStoreUnavailable = errors.New("history store unavailable")
	// ErrIntegrity marks schema or uniqueness states that should be
	// impossible. Fatal at startup.
	ErrIntegrity = errors.New("history store integrity violation")
)

// Message is one observed chat message. Content is stored post mention
// normalization and post attachment inlining and never changes afterwards.
// RowID is assigned by the store and strictly increases with insertion
// order; (ChannelID, MessageID) is unique.
type Message struct {
	RowID           int64
	ChannelID       string
	ThreadID        string // empty outside threads
	ParentChannelID string
	MessageID       string
	AuthorID        string
	AuthorName      string
	Content         string

	// ImageURLs carries image attachment references for context building.
	// Not persisted: derived from the raw message at append time.
	ImageURLs []string

	PlatformTimestamp time.Time
	CreatedAt         time.Time
}

// BlockBoundary marks a frozen, immutable prefix segment of a channel's
// messages. Boundaries are disjoint, cover a contiguous prefix, and are
// ordered by LastRowID. TokenCount is fixed at freeze time.
type BlockBoundary struct {
	RowID          int64
	ChannelID      string
	ThreadID       string
	FirstMessageID string
	LastMessageID  string
	FirstRowID     int64
	LastRowID      int64
	TokenCount     int
	CreatedAt      time.Time
}

// ResetInfo records that a thread's history before a row is no longer
// visible. At most one record exists per (ThreadID, BotID); lookups for a
// specific bot fall back to the GlobalBotID record.
type ResetInfo struct {
	ThreadID           string
	BotID              string
	LastResetRowID     int64
	LastResetMessageID string // empty when the thread had no messages
	CreatedAt          time.Time
}

// Stats summarizes store contents for the operator surface.
type Stats struct {
	Messages      int64 `json:"messages"`
	Boundaries    int64 `json:"boundaries"`
	Resets        int64 `json:"resets"`
	Channels      int64 `json:"channels"`
	DatabaseBytes int64 `json:"database_bytes"`
}

// Store is the durable record of conversation history. Implementations
// guarantee single-writer semantics: writes are serialized and persisted
// before return, and reads observe all prior writes from the same process.
type Store interface {
	// InsertMessage persists m and returns its row id. Idempotent on
	// duplicate (ChannelID, MessageID): returns the existing row id with
	// inserted=false and leaves the stored content untouched.
	InsertMessage(ctx context.Context, m Message) (rowID int64, inserted bool, err error)

	// InsertBlockBoundary persists a frozen block boundary.
	InsertBlockBoundary(ctx context.Context, b BlockBoundary) (int64, error)

	// Messages returns the channel's messages with RowID > afterRowID in
	// row order. threadID narrows to one thread; empty means messages
	// outside any thread.
	Messages(ctx context.Context, channelID, threadID string, afterRowID int64) ([]Message, error)

	// MessagesRange returns messages with firstRowID <= RowID <= lastRowID
	// in row order, used to materialize frozen blocks.
	MessagesRange(ctx context.Context, channelID, threadID string, firstRowID, lastRowID int64) ([]Message, error)

	// Boundaries returns the channel's boundaries with LastRowID >
	// afterRowID ordered by LastRowID.
	Boundaries(ctx context.Context, channelID, threadID string, afterRowID int64) ([]BlockBoundary, error)

	// RecordThreadReset upserts the reset point for (threadID, botID).
	// Empty botID records the global reset.
	RecordThreadReset(ctx context.Context, threadID, botID string, lastRowID int64, lastMessageID string) error

	// ThreadResetInfo returns the reset record for (threadID, botID),
	// falling back to the global record, or nil when none exists.
	ThreadResetInfo(ctx context.Context, threadID, botID string) (*ResetInfo, error)

	// MaxThreadRow returns the highest row id and its platform message id
	// within a thread, or (0, "") when the thread has no messages.
	MaxThreadRow(ctx context.Context, threadID string) (int64, string, error)

	// ClearThread deletes the thread's messages and boundaries.
	ClearThread(ctx context.Context, threadID string) error

	Stats(ctx context.Context) (Stats, error)

	// ClearAll wipes messages, boundaries, and reset records.
	ClearAll(ctx context.Context) error

	Close() error
}
