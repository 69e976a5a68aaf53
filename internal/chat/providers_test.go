package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"

	"github.com/chatloom/chatloom/internal/config"
)

func TestBuildOpenAIMessages(t *testing.T) {
	t.Parallel()
	req := Request{
		System: "be brief",
		Blocks: []string{"frozen history"},
		Turns: []Turn{
			{Role: RoleUser, Content: "alice: hi"},
			{Role: RoleAssistant, Content: "hello"},
			{Role: RoleUser, Content: "alice: look", Images: []string{"https://cdn/pic.png"}},
		},
	}

	msgs := buildOpenAIMessages(req)
	require.Len(t, msgs, 5)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	assert.Equal(t, "frozen history", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[2].Role)
	assert.Equal(t, "alice: hi", msgs[2].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[3].Role)
	assert.Equal(t, "hello", msgs[3].Content)

	require.Len(t, msgs[4].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msgs[4].MultiContent[0].Type)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msgs[4].MultiContent[1].Type)
	assert.Equal(t, "https://cdn/pic.png", msgs[4].MultiContent[1].ImageURL.URL)
}

func TestBuildAnthropicMessagesMergesConsecutiveRoles(t *testing.T) {
	t.Parallel()
	req := Request{
		Blocks: []string{"frozen"},
		Turns: []Turn{
			{Role: RoleUser, Content: "alice: one"},
			{Role: RoleUser, Content: "bob: two"},
			{Role: RoleAssistant, Content: "three"},
			{Role: RoleUser, Content: "alice: four"},
		},
	}

	msgs := buildAnthropicMessages(req)
	require.Len(t, msgs, 3, "block + user turns merge, assistant splits")
	assert.Len(t, msgs[0].Content, 3, "frozen block plus two user turns")
	assert.Len(t, msgs[1].Content, 1)
	assert.Len(t, msgs[2].Content, 1)
}

func TestBuildAnthropicMessagesSkipsEmptyTurns(t *testing.T) {
	t.Parallel()
	msgs := buildAnthropicMessages(Request{Turns: []Turn{
		{Role: RoleUser, Content: ""},
		{Role: RoleUser, Content: "", Images: []string{"https://cdn/pic.png"}},
	}})
	require.Len(t, msgs, 1, "text-less turn with an image still ships")
	assert.Len(t, msgs[0].Content, 1)
}

func TestBuildOllamaMessages(t *testing.T) {
	t.Parallel()
	req := Request{
		System: "be brief",
		Blocks: []string{"frozen"},
		Turns: []Turn{
			{Role: RoleUser, Content: "alice: hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	}
	msgs := buildOllamaMessages(req)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[3].Role)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, config.ProvidersConfig{
		Ollama: config.ProviderConfig{BaseURL: "http://localhost:11434"},
	})

	p, err := r.Get("ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	_, err = r.Get("anthropic")
	assert.Error(t, err, "no key configured")
}

func TestChanStream(t *testing.T) {
	t.Parallel()
	s := newChanStream(nil)
	go func() {
		s.send(t.Context(), Chunk{Text: "a"})
		s.send(t.Context(), Chunk{Done: true})
		s.finish()
	}()

	var got string
	for s.Next() {
		got += s.Current().Text
	}
	assert.Equal(t, "a", got)
	assert.NoError(t, s.Err())
}
