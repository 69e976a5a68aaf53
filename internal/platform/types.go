// Package platform defines the chat-platform contract consumed by the
// context engine: the normalized inbound message shape and the client
// surface used for display-name resolution, thread backfill, and replies.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrFetchFailed wraps platform API failures during thread backfill. The
// lifecycle controller logs it and proceeds with hydrated state.
var ErrFetchFailed = errors.New("platform fetch failed")

// Kind discriminates platform message types the engine cares about.
type Kind string

const (
	// KindUser is an ordinary message from a human.
	KindUser Kind = "user"
	// KindBot is a message authored by a bot account (including the
	// local bot's own replies echoed back by the gateway).
	KindBot Kind = "bot"
	// KindThreadStarter is a platform-synthesized thread creation
	// notice. The engine drops these before storage.
	KindThreadStarter Kind = "thread_starter"
)

// RawAttachment is one attachment on an inbound message.
type RawAttachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
	Width       int
	Height      int
}

// IsImage reports whether the attachment is an image by declared MIME type.
func (a RawAttachment) IsImage() bool {
	return len(a.ContentType) >= 6 && a.ContentType[:6] == "image/"
}

// RawMessage is the tagged-variant inbound message: the fixed set of
// fields the engine consumes, regardless of what else the platform sent.
type RawMessage struct {
	ID              string
	ChannelID       string // conversation id; equals ThreadID inside a thread
	ThreadID        string // empty outside threads
	ParentChannelID string
	GuildID         string
	AuthorID        string
	AuthorName      string
	AuthorIsBot     bool
	Content         string
	// Mentions maps mentioned user ids to display names, as carried with
	// the message itself.
	Mentions        map[string]string
	Attachments     []RawAttachment
	ReplyToAuthorID string // author of the referenced message, if any
	Timestamp       time.Time
	Kind            Kind
}

// InThread reports whether the message belongs to a thread.
func (m RawMessage) InThread() bool { return m.ThreadID != "" }

// Client is the outbound platform surface the engine and the bot loop
// depend on.
type Client interface {
	// ResolveDisplayName resolves a user id to a display name, or false
	// when the platform does not know the user.
	ResolveDisplayName(ctx context.Context, userID string) (string, bool)

	// ThreadMessagesSince returns all messages in the thread newer than
	// afterMessageID (exclusive, empty means from the beginning) in
	// chronological order, paginating as needed.
	ThreadMessagesSince(ctx context.Context, threadID, afterMessageID string) ([]RawMessage, error)

	// SendReply posts text to the channel, replying to replyToID when it
	// is non-empty. Implementations chunk oversized text.
	SendReply(ctx context.Context, channelID, replyToID, text string) error

	// Typing signals the platform that a reply is being prepared.
	Typing(ctx context.Context, channelID string) error

	// ReactBusy marks the triggering message as being worked on;
	// UnreactBusy removes the mark.
	ReactBusy(ctx context.Context, channelID, messageID string) error
	UnreactBusy(ctx context.Context, channelID, messageID string) error
}
