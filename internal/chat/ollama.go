package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaProvider streams completions from a local Ollama daemon. The
// daemon's API is callback-based; a goroutine bridges it to the pull
// Stream interface. Image URLs are skipped: local models take raw blobs,
// not links.
type OllamaProvider struct {
	logger *slog.Logger
	client *api.Client
}

func NewOllamaProvider(log *slog.Logger, baseURL string, httpClient *http.Client) (*OllamaProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ollama base url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaProvider{
		logger: log.With(slog.String("component", "chat.ollama")),
		client: api.NewClient(base, httpClient),
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func buildOllamaMessages(req Request) []api.Message {
	msgs := make([]api.Message, 0, len(req.Blocks)+len(req.Turns)+1)
	if req.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.System})
	}
	for _, text := range req.Blocks {
		msgs = append(msgs, api.Message{Role: RoleUser, Content: text})
	}
	for _, turn := range req.Turns {
		role := RoleUser
		if turn.Role == RoleAssistant {
			role = RoleAssistant
		}
		msgs = append(msgs, api.Message{Role: role, Content: turn.Content})
	}
	return msgs
}

func (p *OllamaProvider) StreamChat(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := newChanStream(cancel)

	streaming := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: buildOllamaMessages(req),
		Stream:   &streaming,
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	go func() {
		defer s.finish()
		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" && !s.send(ctx, Chunk{Text: resp.Message.Content}) {
				return ctx.Err()
			}
			if resp.Done {
				s.send(ctx, Chunk{Done: true, Usage: &Usage{
					Prompt:     resp.PromptEvalCount,
					Completion: resp.EvalCount,
				}})
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.fail(fmt.Errorf("%w: %v", ErrProviderFailed, err))
		}
	}()

	return s, nil
}
