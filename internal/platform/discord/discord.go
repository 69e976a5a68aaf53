// Package discord adapts a Discord gateway session to the platform
// contract: inbound messages are converted to the normalized shape, and
// the session's REST surface backs display-name resolution, thread
// backfill, and replies.
package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/chatloom/chatloom/internal/platform"
)

const (
	busyReactionEmoji = "⏳"
	seenTTL           = 10 * time.Minute
)

type channelInfo struct {
	kind     discordgo.ChannelType
	parentID string
}

// Adapter wraps one bot token's gateway session.
type Adapter struct {
	logger  *slog.Logger
	session *discordgo.Session

	mu       sync.Mutex
	channels map[string]channelInfo
	seen     map[string]time.Time

	removeHandler func()
}

// New creates the session without connecting. Intents are wide open so
// the engine observes every channel the bot can see.
func New(log *slog.Logger, token string) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsAll

	return &Adapter{
		logger:   log.With(slog.String("component", "discord")),
		session:  session,
		channels: make(map[string]channelInfo),
		seen:     make(map[string]time.Time),
	}, nil
}

// Open connects the gateway.
func (a *Adapter) Open() error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	a.logger.Info("gateway connected",
		slog.String("bot_user_id", a.session.State.User.ID),
		slog.String("username", a.session.State.User.Username))
	return nil
}

// Close detaches the message handler and closes the gateway.
func (a *Adapter) Close() error {
	if a.removeHandler != nil {
		a.removeHandler()
		a.removeHandler = nil
	}
	return a.session.Close()
}

// BotUser returns the connected bot's user id and display name. Only
// valid after Open.
func (a *Adapter) BotUser() (string, string) {
	u := a.session.State.User
	if u == nil {
		return "", ""
	}
	return u.ID, displayName(u)
}

// OnMessage registers fn for every inbound message, including other
// bots' messages and this bot's own echoes; the caller decides what to
// store and what to answer.
func (a *Adapter) OnMessage(fn func(raw platform.RawMessage)) {
	remove := a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil {
			return
		}
		if a.isDuplicate(m.ID) {
			return
		}

		info, err := a.lookupChannel(m.ChannelID)
		if err != nil {
			a.logger.Warn("channel lookup failed",
				slog.String("channel_id", m.ChannelID),
				slog.Any("error", err))
			info = channelInfo{}
		}

		raw := convertMessage(m.Message, info)
		if raw.Content == "" && len(raw.Attachments) == 0 && raw.Kind != platform.KindThreadStarter {
			return
		}
		fn(raw)
	})
	a.removeHandler = remove
}

// isDuplicate dedups gateway redeliveries within a short window.
func (a *Adapter) isDuplicate(messageID string) bool {
	now := time.Now()
	expireBefore := now.Add(-seenTTL)

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, seenAt := range a.seen {
		if seenAt.Before(expireBefore) {
			delete(a.seen, id)
		}
	}
	if _, ok := a.seen[messageID]; ok {
		return true
	}
	a.seen[messageID] = now
	return false
}

// lookupChannel resolves a channel's type and parent, preferring gateway
// state over a REST round trip.
func (a *Adapter) lookupChannel(channelID string) (channelInfo, error) {
	a.mu.Lock()
	if info, ok := a.channels[channelID]; ok {
		a.mu.Unlock()
		return info, nil
	}
	a.mu.Unlock()

	ch, err := a.session.State.Channel(channelID)
	if err != nil {
		ch, err = a.session.Channel(channelID)
		if err != nil {
			return channelInfo{}, err
		}
	}
	info := channelInfo{kind: ch.Type, parentID: ch.ParentID}

	a.mu.Lock()
	a.channels[channelID] = info
	a.mu.Unlock()
	return info, nil
}

func isThreadKind(kind discordgo.ChannelType) bool {
	switch kind {
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	}
	return false
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// convertMessage maps a gateway message into the normalized shape. Inside
// a thread the conversation id is the thread id itself.
func convertMessage(m *discordgo.Message, info channelInfo) platform.RawMessage {
	raw := platform.RawMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Kind:      platform.KindUser,
	}
	if m.Author != nil {
		raw.AuthorID = m.Author.ID
		raw.AuthorName = displayName(m.Author)
		raw.AuthorIsBot = m.Author.Bot
		if m.Author.Bot {
			raw.Kind = platform.KindBot
		}
	}

	if len(m.Mentions) > 0 {
		raw.Mentions = make(map[string]string, len(m.Mentions))
		for _, u := range m.Mentions {
			raw.Mentions[u.ID] = displayName(u)
		}
	}

	for _, att := range m.Attachments {
		raw.Attachments = append(raw.Attachments, platform.RawAttachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
			Width:       att.Width,
			Height:      att.Height,
		})
	}

	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		raw.ReplyToAuthorID = m.ReferencedMessage.Author.ID
	}

	if isThreadKind(info.kind) {
		raw.ThreadID = m.ChannelID
		raw.ParentChannelID = info.parentID
	}

	if m.Type == discordgo.MessageTypeThreadStarterMessage || m.Type == discordgo.MessageTypeThreadCreated {
		raw.Kind = platform.KindThreadStarter
	}
	return raw
}
