package history

import "sync"

// channelState holds the hot view of one conversation: the tail since the
// last frozen boundary plus the boundary list.
type channelState struct {
	messages   []Message
	boundaries []BlockBoundary
	hydrated   bool
	// floor is the row id the durable tail starts after (thread reset
	// point), captured at install time.
	floor int64
	// evictedThrough is the highest row id dropped from the window by the
	// tail cap. Non-zero means the window no longer covers the full
	// post-boundary tail and readers must fall back to the store.
	evictedThrough int64
}

// Mirror caches per-channel state in memory for low-latency context
// assembly. It only holds already-stored messages; hydration installs
// state loaded from the durable store.
type Mirror struct {
	mu        sync.RWMutex
	channels  map[string]*channelState
	tailLimit int
}

// NewMirror builds a Mirror. tailLimit caps the in-memory tail per
// channel (message_cache_limit); zero or negative means unbounded.
func NewMirror(tailLimit int) *Mirror {
	return &Mirror{
		channels:  make(map[string]*channelState),
		tailLimit: tailLimit,
	}
}

func (m *Mirror) state(channelID string) *channelState {
	st, ok := m.channels[channelID]
	if !ok {
		st = &channelState{}
		m.channels[channelID] = st
	}
	return st
}

// Append adds a stored message to the channel tail, evicting the oldest
// entries beyond the tail limit. Eviction narrows the in-memory window
// only; durable history stays complete.
func (m *Mirror) Append(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(msg.ChannelID)
	st.messages = append(st.messages, msg)
	st.evict(m.tailLimit)
}

func (st *channelState) evict(limit int) {
	if limit <= 0 || len(st.messages) <= limit {
		return
	}
	cut := len(st.messages) - limit
	st.evictedThrough = st.messages[cut-1].RowID
	st.messages = st.messages[cut:]
}

// ChannelMessages returns a copy of the channel tail in row order.
func (m *Mirror) ChannelMessages(channelID string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.channels[channelID]
	if !ok || len(st.messages) == 0 {
		return nil
	}
	out := make([]Message, len(st.messages))
	copy(out, st.messages)
	return out
}

// Boundaries returns a copy of the channel's frozen boundaries ordered by
// last row id.
func (m *Mirror) Boundaries(channelID string) []BlockBoundary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.channels[channelID]
	if !ok || len(st.boundaries) == 0 {
		return nil
	}
	out := make([]BlockBoundary, len(st.boundaries))
	copy(out, st.boundaries)
	return out
}

// Install replaces the channel state with hydrated data and marks the
// channel hot. Idempotent: a second install for a hydrated channel is a
// no-op so concurrent hydrations cannot clobber appends that happened
// after the first one.
func (m *Mirror) Install(channelID string, floor int64, boundaries []BlockBoundary, tail []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(channelID)
	if st.hydrated {
		return
	}
	st.floor = floor
	st.boundaries = append([]BlockBoundary(nil), boundaries...)
	st.messages = append([]Message(nil), tail...)
	st.evict(m.tailLimit)
	st.hydrated = true
}

// Hydrated reports whether the channel has been hydrated.
func (m *Mirror) Hydrated(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.channels[channelID]
	return ok && st.hydrated
}

// AddBoundary records a freshly frozen boundary and drops the tail
// messages it now covers.
func (m *Mirror) AddBoundary(b BlockBoundary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(b.ChannelID)
	st.boundaries = append(st.boundaries, b)

	kept := st.messages[:0]
	for _, msg := range st.messages {
		if msg.RowID > b.LastRowID {
			kept = append(kept, msg)
		}
	}
	st.messages = kept
	// A boundary past the evicted rows makes the remaining window a full
	// view of the new tail again.
	if st.evictedThrough != 0 && b.LastRowID >= st.evictedThrough {
		st.evictedThrough = 0
	}
}

// TailComplete reports whether the in-memory window still covers the full
// post-boundary tail. False means the tail cap has evicted entries and the
// durable store is the only complete source.
func (m *Mirror) TailComplete(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.channels[channelID]
	return !ok || st.evictedThrough == 0
}

// TailStart returns the row id the channel's durable tail begins after:
// the last frozen boundary, or the install floor when nothing is frozen.
func (m *Mirror) TailStart(channelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.channels[channelID]
	if !ok {
		return 0
	}
	if n := len(st.boundaries); n > 0 {
		return st.boundaries[n-1].LastRowID
	}
	return st.floor
}

// DropChannel forgets the channel entirely; the next access rehydrates
// from the durable store.
func (m *Mirror) DropChannel(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
}

// Channels returns the ids of all hot channels.
func (m *Mirror) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.channels))
	for id := range m.channels {
		out = append(out, id)
	}
	return out
}

// ClearAll drops every channel.
func (m *Mirror) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = make(map[string]*channelState)
}
