package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// anthropicCachePoints caps how many frozen blocks get a cache marker;
// the API allows four breakpoints and the system prompt takes one.
const anthropicCachePoints = 3

// AnthropicProvider streams completions from the Anthropic Messages API.
// Frozen blocks are sent as ephemeral-cached text blocks so the provider
// reuses its KV cache across turns.
type AnthropicProvider struct {
	logger *slog.Logger
	client anthropic.Client
}

func NewAnthropicProvider(log *slog.Logger, apiKey, baseURL string) *AnthropicProvider {
	if log == nil {
		log = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(2)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		logger: log.With(slog.String("component", "chat.anthropic")),
		client: anthropic.NewClient(opts...),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// buildAnthropicMessages converts a request into API message params.
// Consecutive same-role entries are merged because the API requires
// alternating roles; the newest frozen blocks carry cache markers.
func buildAnthropicMessages(req Request) []anthropic.MessageParam {
	type group struct {
		role   string
		blocks []anthropic.ContentBlockParamUnion
	}
	var groups []group
	add := func(role string, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(groups); n > 0 && groups[n-1].role == role {
			groups[n-1].blocks = append(groups[n-1].blocks, blocks...)
			return
		}
		groups = append(groups, group{role: role, blocks: blocks})
	}

	for i, text := range req.Blocks {
		block := anthropic.NewTextBlock(text)
		if i >= len(req.Blocks)-anthropicCachePoints {
			block.OfText.CacheControl = anthropic.CacheControlEphemeralParam{}
		}
		add(RoleUser, block)
	}

	for _, turn := range req.Turns {
		var blocks []anthropic.ContentBlockParamUnion
		if turn.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
		}
		for _, u := range turn.Images {
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: u}))
		}
		add(turn.Role, blocks...)
	}

	msgs := make([]anthropic.MessageParam, 0, len(groups))
	for _, g := range groups {
		if g.role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(g.blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(g.blocks...))
		}
	}
	return msgs
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, req Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  buildAnthropicMessages(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         req.System,
			CacheControl: anthropic.CacheControlEphemeralParam{},
		}}
	}

	inner := p.client.Messages.NewStreaming(ctx, params)
	if err := inner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	return &anthropicStream{inner: inner}, nil
}

type anthropicStream struct {
	inner *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc   anthropic.Message
	cur   Chunk
	done  bool
}

func (s *anthropicStream) Next() bool {
	for s.inner.Next() {
		event := s.inner.Current()
		// Accumulation failures only degrade the usage report.
		_ = s.acc.Accumulate(event)

		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				s.cur = Chunk{Text: delta.Text}
				return true
			}
		}
	}
	if s.inner.Err() == nil && !s.done {
		s.done = true
		s.cur = Chunk{Done: true, Usage: &Usage{
			Prompt:     int(s.acc.Usage.InputTokens),
			Completion: int(s.acc.Usage.OutputTokens),
			CacheRead:  int(s.acc.Usage.CacheReadInputTokens),
			CacheWrite: int(s.acc.Usage.CacheCreationInputTokens),
		}}
		return true
	}
	return false
}

func (s *anthropicStream) Current() Chunk { return s.cur }

func (s *anthropicStream) Err() error {
	if err := s.inner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	return nil
}

func (s *anthropicStream) Close() error { return s.inner.Close() }
