package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams chat completions from the OpenAI API or any
// compatible endpoint. There is no explicit cache marker: the API caches
// stable prompt prefixes automatically, which the byte-stable frozen
// blocks are designed to hit.
type OpenAIProvider struct {
	logger *slog.Logger
	client *openai.Client
}

func NewOpenAIProvider(log *slog.Logger, apiKey, baseURL string) *OpenAIProvider {
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		logger: log.With(slog.String("component", "chat.openai")),
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Blocks)+len(req.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, text := range req.Blocks {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		})
	}
	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		if len(turn.Images) == 0 {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
			continue
		}
		var parts []openai.ChatMessagePart
		if turn.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: turn.Content,
			})
		}
		for _, u := range turn.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: u},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return msgs
}

func isRetryableOpenAIError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	return errors.As(err, &reqErr)
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      buildOpenAIMessages(req),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	var inner *openai.ChatCompletionStream
	err := retry.Do(
		func() error {
			s, err := p.client.CreateChatCompletionStream(ctx, params)
			if err != nil {
				return err
			}
			inner = s
			return nil
		},
		retry.RetryIf(isRetryableOpenAIError),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("retrying chat completion",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	return &openaiStream{inner: inner}, nil
}

type openaiStream struct {
	inner *openai.ChatCompletionStream
	cur   Chunk
	err   error
	usage *Usage
	done  bool
}

func (s *openaiStream) Next() bool {
	for {
		resp, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			if s.done {
				return false
			}
			s.done = true
			s.cur = Chunk{Done: true, Usage: s.usage}
			return true
		}
		if err != nil {
			s.err = err
			return false
		}
		if resp.Usage != nil {
			s.usage = &Usage{
				Prompt:     resp.Usage.PromptTokens,
				Completion: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
			s.cur = Chunk{Text: resp.Choices[0].Delta.Content}
			return true
		}
	}
}

func (s *openaiStream) Current() Chunk { return s.cur }

func (s *openaiStream) Err() error {
	if s.err != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailed, s.err)
	}
	return nil
}

func (s *openaiStream) Close() error { return s.inner.Close() }
