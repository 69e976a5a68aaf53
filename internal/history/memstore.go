package history

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-process Store used when use_database_storage is
// disabled: history lives only in memory and is lost on restart. Test
// mode only.
type MemStore struct {
	mu         sync.RWMutex
	nextRowID  int64
	messages   []Message
	boundaries []BlockBoundary
	resets     map[string]map[string]ResetInfo // threadID -> botID -> record
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{resets: make(map[string]map[string]ResetInfo)}
}

func (s *MemStore) InsertMessage(_ context.Context, m Message) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.messages {
		if existing.ChannelID == m.ChannelID && existing.MessageID == m.MessageID {
			return existing.RowID, false, nil
		}
	}

	s.nextRowID++
	m.RowID = s.nextRowID
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.PlatformTimestamp.IsZero() {
		m.PlatformTimestamp = now
	}
	s.messages = append(s.messages, m)
	return m.RowID, true, nil
}

func (s *MemStore) InsertBlockBoundary(_ context.Context, b BlockBoundary) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRowID++
	b.RowID = s.nextRowID
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.boundaries = append(s.boundaries, b)
	return b.RowID, nil
}

func (s *MemStore) Messages(_ context.Context, channelID, threadID string, afterRowID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.messages {
		if m.ChannelID == channelID && m.ThreadID == threadID && m.RowID > afterRowID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemStore) MessagesRange(_ context.Context, channelID, threadID string, firstRowID, lastRowID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.messages {
		if m.ChannelID == channelID && m.ThreadID == threadID &&
			m.RowID >= firstRowID && m.RowID <= lastRowID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemStore) Boundaries(_ context.Context, channelID, threadID string, afterRowID int64) ([]BlockBoundary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BlockBoundary
	for _, b := range s.boundaries {
		if b.ChannelID == channelID && b.ThreadID == threadID && b.LastRowID > afterRowID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemStore) RecordThreadReset(_ context.Context, threadID, botID string, lastRowID int64, lastMessageID string) error {
	if botID == "" {
		botID = GlobalBotID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byBot, ok := s.resets[threadID]
	if !ok {
		byBot = make(map[string]ResetInfo)
		s.resets[threadID] = byBot
	}
	byBot[botID] = ResetInfo{
		ThreadID:           threadID,
		BotID:              botID,
		LastResetRowID:     lastRowID,
		LastResetMessageID: lastMessageID,
		CreatedAt:          time.Now().UTC(),
	}
	return nil
}

func (s *MemStore) ThreadResetInfo(_ context.Context, threadID, botID string) (*ResetInfo, error) {
	if botID == "" {
		botID = GlobalBotID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byBot, ok := s.resets[threadID]
	if !ok {
		return nil, nil
	}
	if info, ok := byBot[botID]; ok {
		out := info
		return &out, nil
	}
	if info, ok := byBot[GlobalBotID]; ok {
		out := info
		return &out, nil
	}
	return nil, nil
}

func (s *MemStore) MaxThreadRow(_ context.Context, threadID string) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rowID int64
	var messageID string
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.RowID > rowID {
			rowID = m.RowID
			messageID = m.MessageID
		}
	}
	return rowID, messageID, nil
}

func (s *MemStore) ClearThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ThreadID != threadID {
			kept = append(kept, m)
		}
	}
	s.messages = kept

	keptB := s.boundaries[:0]
	for _, b := range s.boundaries {
		if b.ThreadID != threadID {
			keptB = append(keptB, b)
		}
	}
	s.boundaries = keptB
	return nil
}

func (s *MemStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make(map[string]struct{})
	for _, m := range s.messages {
		channels[m.ChannelID] = struct{}{}
	}
	resets := int64(0)
	for _, byBot := range s.resets {
		resets += int64(len(byBot))
	}
	return Stats{
		Messages:   int64(len(s.messages)),
		Boundaries: int64(len(s.boundaries)),
		Resets:     resets,
		Channels:   int64(len(channels)),
	}, nil
}

func (s *MemStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.boundaries = nil
	s.resets = make(map[string]map[string]ResetInfo)
	return nil
}

func (s *MemStore) Close() error { return nil }
