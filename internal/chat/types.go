// Package chat abstracts the model completion providers behind a single
// streaming interface. Each provider receives the assembled conversation
// context: frozen prefix blocks first (byte-stable, cache-markable where
// the provider supports it) followed by the mutable tail turns.
package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrProviderFailed wraps any provider transport or API error. The bot
// loop surfaces it to the channel as an operator-visible failure reply.
var ErrProviderFailed = errors.New("provider request failed")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one mutable-tail conversation turn.
type Turn struct {
	Role    string
	Content string
	// Images carries image attachment URLs riding with the turn.
	Images []string
}

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	// Blocks are the frozen prefix segments, oldest first. Their bytes
	// never change between calls for the same conversation, which is what
	// makes provider-side prefix caching effective.
	Blocks []string
	Turns  []Turn
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	Prompt     int
	Completion int
	CacheRead  int
	CacheWrite int
}

// Chunk is one streamed increment. The final chunk has Done set and may
// carry usage.
type Chunk struct {
	Text  string
	Done  bool
	Usage *Usage
}

// Stream is a pull iterator over completion chunks.
type Stream interface {
	// Next advances to the next chunk, returning false at end of stream
	// or on error.
	Next() bool
	Current() Chunk
	// Err returns the terminal error, if any, once Next returned false.
	Err() error
	Close() error
}

// Provider is one model backend.
type Provider interface {
	Name() string
	StreamChat(ctx context.Context, req Request) (Stream, error)
}

// chanStream adapts callback- or goroutine-producing backends to the
// pull Stream interface.
type chanStream struct {
	ch     chan Chunk
	cancel context.CancelFunc
	cur    Chunk

	mu  sync.Mutex
	err error
}

func newChanStream(cancel context.CancelFunc) *chanStream {
	return &chanStream{ch: make(chan Chunk, 16), cancel: cancel}
}

// send delivers a chunk to the consumer, bailing out when the producer
// context dies so an abandoned stream cannot wedge its goroutine.
func (s *chanStream) send(ctx context.Context, c Chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *chanStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *chanStream) finish() { close(s.ch) }

func (s *chanStream) Next() bool {
	c, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = c
	return true
}

func (s *chanStream) Current() Chunk { return s.cur }

func (s *chanStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *chanStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	go func() {
		for range s.ch {
		}
	}()
	return nil
}
