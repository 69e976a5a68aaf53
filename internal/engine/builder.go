package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatloom/chatloom/internal/history"
)

// Turn roles for the mutable tail.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one tail entry ready for a provider request.
type Turn struct {
	Role    string
	Content string
	// Images carries image attachment URLs riding with this turn.
	Images []string
}

// BuildRequest identifies whose view of which conversation to assemble.
type BuildRequest struct {
	ChannelID      string
	ThreadID       string
	BotID          string
	BotDisplayName string
	// MaxTokens overrides the engine-wide context budget when positive.
	MaxTokens int
}

// Context is an assembled provider-ready conversation context: the frozen
// prefix blocks (byte-stable across builds, so providers can cache them)
// followed by the token-budgeted mutable tail.
type Context struct {
	Blocks      []string
	BlockTokens int
	Tail        []Turn
	TailTokens  int
	// Truncated reports that old tail messages were dropped for budget.
	Truncated bool
	// BudgetExceeded reports that even the newest message alone does not
	// fit the remaining budget; the tail still carries that message.
	BudgetExceeded bool
}

// renderLine renders a message the way it appears inside frozen blocks
// and user turns. The requesting bot's own messages use its configured
// display name so each bot reads its own history under a stable name.
func renderLine(m history.Message, botID, botDisplayName string) string {
	name := m.AuthorName
	if botID != "" && m.AuthorID == botID && botDisplayName != "" {
		name = botDisplayName
	}
	if name == "" {
		name = m.AuthorID
	}
	return name + ": " + m.Content
}

// BuildContext assembles the conversation context for one provider call.
// Frozen blocks are included whole and never trimmed; the tail is trimmed
// oldest-first to fit the remaining token budget, always keeping the
// newest message.
func (e *Engine) BuildContext(ctx context.Context, req BuildRequest) (Context, error) {
	if req.ChannelID == "" {
		return Context{}, fmt.Errorf("build context: missing channel id")
	}

	if err := e.ensureHydrated(ctx, req.ChannelID, req.ThreadID, req.BotID); err != nil {
		return Context{}, err
	}

	boundaries := e.mirror.Boundaries(req.ChannelID)
	tail, err := e.tailMessages(ctx, req.ChannelID, req.ThreadID)
	if err != nil {
		return Context{}, err
	}

	out := Context{}
	for _, b := range boundaries {
		rendered, err := e.renderBlock(ctx, req, b)
		if err != nil {
			return Context{}, err
		}
		out.Blocks = append(out.Blocks, rendered)
		out.BlockTokens += b.TokenCount
	}

	budget := e.maxContextTokens
	if req.MaxTokens > 0 {
		budget = req.MaxTokens
	}
	budget -= out.BlockTokens

	costs := make([]int, len(tail))
	total := 0
	for i, m := range tail {
		costs[i] = e.est.messageCost(m.Content)
		total += costs[i]
	}

	start := 0
	for total > budget && start < len(tail)-1 {
		total -= costs[start]
		start++
	}
	if start > 0 {
		out.Truncated = true
	}
	if len(tail) > 0 && total > budget {
		out.BudgetExceeded = true
	}

	for _, m := range tail[start:] {
		turn := Turn{Role: RoleUser, Images: m.ImageURLs}
		if req.BotID != "" && m.AuthorID == req.BotID {
			turn.Role = RoleAssistant
			turn.Content = m.Content
		} else {
			turn.Content = renderLine(m, req.BotID, req.BotDisplayName)
		}
		out.Tail = append(out.Tail, turn)
	}
	out.TailTokens = total

	return out, nil
}

// renderBlock materializes one frozen block as a single text segment.
// Rendering is deterministic for a given (boundary, bot) pair, and the
// result is cached so repeated builds reuse the same bytes.
func (e *Engine) renderBlock(ctx context.Context, req BuildRequest, b history.BlockBoundary) (string, error) {
	key := blockCacheKey(req.ChannelID, b.RowID, req.BotID)
	if rendered, ok := e.cachedBlock(key); ok {
		return rendered, nil
	}

	msgs, err := e.store.MessagesRange(ctx, req.ChannelID, req.ThreadID, b.FirstRowID, b.LastRowID)
	if err != nil {
		return "", fmt.Errorf("materialize block %d: %w", b.RowID, err)
	}

	// One line per message, newline-terminated, so a block's bytes end
	// exactly where the next block's begin.
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(renderLine(m, req.BotID, req.BotDisplayName))
		sb.WriteByte('\n')
	}
	rendered := sb.String()
	e.storeBlock(key, rendered)
	return rendered, nil
}
