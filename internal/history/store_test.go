package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*SQLStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenSQL(context.Background(), nil, path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func testMessage(channel, messageID, author, content string) Message {
	return Message{
		ChannelID:         channel,
		MessageID:         messageID,
		AuthorID:          author,
		AuthorName:        author,
		Content:           content,
		PlatformTimestamp: time.Now().UTC(),
	}
}

func TestInsertMessageAssignsIncreasingRowIDs(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	r1, inserted, err := store.InsertMessage(ctx, testMessage("c", "m1", "alice", "first"))
	require.NoError(t, err)
	assert.True(t, inserted)

	r2, inserted, err := store.InsertMessage(ctx, testMessage("c", "m2", "bob", "second"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Greater(t, r2, r1)
}

func TestInsertMessageIdempotent(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	r1, inserted, err := store.InsertMessage(ctx, testMessage("c", "m1", "alice", "original"))
	require.NoError(t, err)
	require.True(t, inserted)

	r2, inserted, err := store.InsertMessage(ctx, testMessage("c", "m1", "alice", "changed"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, r1, r2)

	msgs, err := store.Messages(ctx, "c", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "original", msgs[0].Content, "duplicate insert must not modify content")
}

func TestRestartPersistence(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := OpenSQL(ctx, nil, path)
	require.NoError(t, err)

	r1, _, err := store.InsertMessage(ctx, testMessage("c", "m1", "alice", "one"))
	require.NoError(t, err)
	r2, _, err := store.InsertMessage(ctx, testMessage("c", "m2", "bob", "two"))
	require.NoError(t, err)

	_, err = store.InsertBlockBoundary(ctx, BlockBoundary{
		ChannelID:      "c",
		FirstMessageID: "m1",
		LastMessageID:  "m2",
		FirstRowID:     r1,
		LastRowID:      r2,
		TokenCount:     31000,
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordThreadReset(ctx, "t", "", r2, "m2"))
	require.NoError(t, store.Close())

	reopened, err := OpenSQL(ctx, nil, path)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.Messages(ctx, "c", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)

	bounds, err := reopened.Boundaries(ctx, "c", "", 0)
	require.NoError(t, err)
	require.Len(t, bounds, 1)
	assert.Equal(t, "m1", bounds[0].FirstMessageID)
	assert.Equal(t, "m2", bounds[0].LastMessageID)
	assert.Equal(t, 31000, bounds[0].TokenCount)

	reset, err := reopened.ThreadResetInfo(ctx, "t", "")
	require.NoError(t, err)
	require.NotNil(t, reset)
	assert.Equal(t, r2, reset.LastResetRowID)
	assert.Equal(t, "m2", reset.LastResetMessageID)
}

func TestThreadScoping(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	plain := testMessage("c", "m1", "alice", "channel message")
	_, _, err := store.InsertMessage(ctx, plain)
	require.NoError(t, err)

	threaded := testMessage("t", "m2", "bob", "thread message")
	threaded.ThreadID = "t"
	threaded.ParentChannelID = "c"
	_, _, err = store.InsertMessage(ctx, threaded)
	require.NoError(t, err)

	msgs, err := store.Messages(ctx, "c", "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "channel message", msgs[0].Content)

	msgs, err = store.Messages(ctx, "t", "t", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "thread message", msgs[0].Content)
	assert.Equal(t, "c", msgs[0].ParentChannelID)
}

func TestThreadResetFallback(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordThreadReset(ctx, "t", "", 10, "m10"))
	require.NoError(t, store.RecordThreadReset(ctx, "t", "bot-a", 20, "m20"))

	// Specific record wins.
	reset, err := store.ThreadResetInfo(ctx, "t", "bot-a")
	require.NoError(t, err)
	require.NotNil(t, reset)
	assert.EqualValues(t, 20, reset.LastResetRowID)

	// Unknown bot falls back to the global record.
	reset, err = store.ThreadResetInfo(ctx, "t", "bot-b")
	require.NoError(t, err)
	require.NotNil(t, reset)
	assert.EqualValues(t, 10, reset.LastResetRowID)
	assert.Equal(t, GlobalBotID, reset.BotID)

	// Upsert keeps a single record per (thread, bot).
	require.NoError(t, store.RecordThreadReset(ctx, "t", "bot-a", 30, "m30"))
	reset, err = store.ThreadResetInfo(ctx, "t", "bot-a")
	require.NoError(t, err)
	assert.EqualValues(t, 30, reset.LastResetRowID)

	none, err := store.ThreadResetInfo(ctx, "other", "bot-a")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClearThread(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	m := testMessage("t", "m1", "alice", "in thread")
	m.ThreadID = "t"
	r1, _, err := store.InsertMessage(ctx, m)
	require.NoError(t, err)

	_, err = store.InsertBlockBoundary(ctx, BlockBoundary{
		ChannelID: "t", ThreadID: "t",
		FirstMessageID: "m1", LastMessageID: "m1",
		FirstRowID: r1, LastRowID: r1, TokenCount: 30000,
	})
	require.NoError(t, err)

	keep := testMessage("c", "m2", "bob", "outside")
	_, _, err = store.InsertMessage(ctx, keep)
	require.NoError(t, err)

	require.NoError(t, store.ClearThread(ctx, "t"))

	msgs, err := store.Messages(ctx, "t", "t", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	bounds, err := store.Boundaries(ctx, "t", "t", 0)
	require.NoError(t, err)
	assert.Empty(t, bounds)

	msgs, err = store.Messages(ctx, "c", "", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMaxThreadRow(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	rowID, messageID, err := store.MaxThreadRow(ctx, "t")
	require.NoError(t, err)
	assert.Zero(t, rowID)
	assert.Empty(t, messageID)

	for _, id := range []string{"m1", "m2", "m3"} {
		m := testMessage("t", id, "alice", id)
		m.ThreadID = "t"
		_, _, err = store.InsertMessage(ctx, m)
		require.NoError(t, err)
	}

	rowID, messageID, err = store.MaxThreadRow(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "m3", messageID)
	assert.Positive(t, rowID)
}

func TestStatsAndClearAll(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, _, err := store.InsertMessage(ctx, testMessage("c1", "m1", "alice", "one"))
	require.NoError(t, err)
	_, _, err = store.InsertMessage(ctx, testMessage("c2", "m2", "bob", "two"))
	require.NoError(t, err)
	require.NoError(t, store.RecordThreadReset(ctx, "t", "", 1, ""))

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Messages)
	assert.EqualValues(t, 2, st.Channels)
	assert.EqualValues(t, 1, st.Resets)
	assert.Positive(t, st.DatabaseBytes)

	require.NoError(t, store.ClearAll(ctx))
	st, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Messages)
	assert.Zero(t, st.Resets)
}

func TestMessagesAfterRowID(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)
	ctx := context.Background()

	r1, _, err := store.InsertMessage(ctx, testMessage("c", "m1", "alice", "one"))
	require.NoError(t, err)
	_, _, err = store.InsertMessage(ctx, testMessage("c", "m2", "bob", "two"))
	require.NoError(t, err)

	msgs, err := store.Messages(ctx, "c", "", r1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Content)
}
