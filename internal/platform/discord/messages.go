package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/chatloom/chatloom/internal/platform"
)

const (
	maxMessageLength = 2000
	backfillPageSize = 100
)

// ResolveDisplayName implements platform.Client.
func (a *Adapter) ResolveDisplayName(ctx context.Context, userID string) (string, bool) {
	u, err := a.session.User(userID, discordgo.WithContext(ctx))
	if err != nil || u == nil {
		return "", false
	}
	return displayName(u), true
}

// ThreadMessagesSince pages through a thread's messages newer than
// afterMessageID, oldest first. Discord returns each page newest first,
// so pages are reversed as they arrive.
func (a *Adapter) ThreadMessagesSince(ctx context.Context, threadID, afterMessageID string) ([]platform.RawMessage, error) {
	info, err := a.lookupChannel(threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrFetchFailed, err)
	}

	var out []platform.RawMessage
	after := backfillAnchor(afterMessageID)
	for {
		batch, err := a.session.ChannelMessages(threadID, backfillPageSize, "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", platform.ErrFetchFailed, err)
		}
		if len(batch) == 0 {
			break
		}
		for i := len(batch) - 1; i >= 0; i-- {
			out = append(out, convertMessage(batch[i], info))
		}
		after = batch[0].ID
		if len(batch) < backfillPageSize {
			break
		}
	}
	return out, nil
}

// backfillAnchor turns an absent low-water mark into the zero snowflake.
// Without it the first page request would return the thread's newest
// messages and pagination would stop there, skipping everything older.
func backfillAnchor(afterMessageID string) string {
	if afterMessageID == "" {
		return "0"
	}
	return afterMessageID
}

// SendReply posts text to the channel, chunked under the platform's
// message length cap. Only the first chunk carries the reply reference.
func (a *Adapter) SendReply(ctx context.Context, channelID, replyToID, text string) error {
	chunks := splitMessage(text, maxMessageLength)
	for i, chunk := range chunks {
		var err error
		if i == 0 && replyToID != "" {
			_, err = a.session.ChannelMessageSendReply(channelID, chunk, &discordgo.MessageReference{
				MessageID: replyToID,
				ChannelID: channelID,
			}, discordgo.WithContext(ctx))
		} else {
			_, err = a.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		}
		if err != nil {
			return fmt.Errorf("send chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// Typing implements platform.Client.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	return a.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// ReactBusy marks the triggering message with the busy emoji.
func (a *Adapter) ReactBusy(ctx context.Context, channelID, messageID string) error {
	return a.session.MessageReactionAdd(channelID, messageID, busyReactionEmoji, discordgo.WithContext(ctx))
}

// UnreactBusy removes the busy emoji.
func (a *Adapter) UnreactBusy(ctx context.Context, channelID, messageID string) error {
	return a.session.MessageReactionRemove(channelID, messageID, busyReactionEmoji, "@me", discordgo.WithContext(ctx))
}

// splitMessage cuts text into chunks of at most limit bytes, preferring
// newline boundaries, then spaces, before hard-cutting.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = strings.LastIndex(text[:limit], " ")
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
