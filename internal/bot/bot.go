// Package bot runs one responder per configured persona: it feeds every
// observed message into the context engine synchronously, decides which
// messages warrant a reply, and serializes reply jobs per conversation.
package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatloom/chatloom/internal/chat"
	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/engine"
	"github.com/chatloom/chatloom/internal/mention"
	"github.com/chatloom/chatloom/internal/platform"
	"github.com/chatloom/chatloom/internal/queue"
)

// Session is the platform surface one bot holds: the outbound client
// plus gateway lifecycle and the inbound message feed.
type Session interface {
	platform.Client
	Open() error
	Close() error
	BotUser() (id, displayName string)
	OnMessage(fn func(raw platform.RawMessage))
}

// Bot is one persona bound to a gateway session and a model provider.
type Bot struct {
	logger   *slog.Logger
	cfg      config.BotConfig
	session  Session
	engine   *engine.Engine
	queue    *queue.Queue
	provider chat.Provider

	baseCtx     context.Context
	userID      string
	displayName string
}

func New(log *slog.Logger, cfg config.BotConfig, session Session, eng *engine.Engine, q *queue.Queue, provider chat.Provider) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		logger:      log.With(slog.String("component", "bot"), slog.String("bot", cfg.Name)),
		cfg:         cfg,
		session:     session,
		engine:      eng,
		queue:       q,
		provider:    provider,
		displayName: cfg.DisplayName,
	}
}

// Start opens the gateway and begins observing. The bot registers its
// own id under its configured display name so every participant sees it
// consistently in rendered history.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("bot %s: %w", b.cfg.Name, err)
	}
	b.baseCtx = ctx

	id, sessionName := b.session.BotUser()
	b.userID = id
	if b.displayName == "" {
		b.displayName = sessionName
	}
	b.engine.Members().Learn(b.userID, b.displayName)

	b.session.OnMessage(b.handle)
	b.logger.Info("bot started",
		slog.String("user_id", b.userID),
		slog.String("display_name", b.displayName),
		slog.String("provider", b.provider.Name()),
		slog.String("model", b.cfg.Model))
	return nil
}

// Stop closes the gateway session.
func (b *Bot) Stop() error { return b.session.Close() }

// handle ingests one observed message and, if it addresses this bot,
// queues a reply job on the conversation's serial worker.
func (b *Bot) handle(raw platform.RawMessage) {
	ctx := b.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := b.engine.Append(ctx, raw, b.userID, b.displayName); err != nil {
		b.logger.Error("append failed",
			slog.String("channel_id", raw.ChannelID),
			slog.String("message_id", raw.ID),
			slog.Any("error", err))
		return
	}

	if !b.shouldRespond(raw) {
		return
	}

	key := raw.ChannelID
	if raw.ThreadID != "" {
		key = raw.ThreadID
	}
	b.queue.Enqueue(key, func(jobCtx context.Context) {
		b.respond(jobCtx, raw)
	})
}

// shouldRespond applies the persona's trigger rules. Messages from this
// bot itself and from other bots never trigger, which keeps two bots
// from talking each other into a loop.
func (b *Bot) shouldRespond(raw platform.RawMessage) bool {
	if raw.AuthorID == b.userID || raw.Kind != platform.KindUser {
		return false
	}
	if b.cfg.RespondToDMs && raw.GuildID == "" {
		return true
	}
	if b.cfg.RespondToMentions {
		if _, ok := raw.Mentions[b.userID]; ok {
			return true
		}
	}
	if b.cfg.RespondToReplies && raw.ReplyToAuthorID == b.userID {
		return true
	}
	return false
}

// respond runs inside the conversation's serial worker: bring the thread
// current, build the context, stream the completion, guard the output,
// and post the reply.
func (b *Bot) respond(ctx context.Context, raw platform.RawMessage) {
	if err := b.session.ReactBusy(ctx, raw.ChannelID, raw.ID); err == nil {
		defer func() {
			if err := b.session.UnreactBusy(context.WithoutCancel(ctx), raw.ChannelID, raw.ID); err != nil {
				b.logger.Debug("unreact failed", slog.Any("error", err))
			}
		}()
	}
	if err := b.session.Typing(ctx, raw.ChannelID); err != nil {
		b.logger.Debug("typing failed", slog.Any("error", err))
	}

	if raw.InThread() {
		if err := b.engine.LazyLoadThread(ctx, b.session, raw.ThreadID, b.userID, b.displayName); err != nil {
			b.logger.Error("thread load failed",
				slog.String("thread_id", raw.ThreadID),
				slog.Any("error", err))
			return
		}
	}

	built, err := b.engine.BuildContext(ctx, engine.BuildRequest{
		ChannelID:      raw.ChannelID,
		ThreadID:       raw.ThreadID,
		BotID:          b.userID,
		BotDisplayName: b.displayName,
	})
	if err != nil {
		b.logger.Error("context build failed",
			slog.String("channel_id", raw.ChannelID),
			slog.Any("error", err))
		return
	}
	if built.BudgetExceeded {
		b.logger.Warn("context budget exceeded, serving newest message only",
			slog.String("channel_id", raw.ChannelID))
	}

	req := chat.Request{
		Model:     b.cfg.Model,
		System:    b.cfg.SystemPrompt,
		MaxTokens: b.cfg.MaxReplyTokens,
		Blocks:    built.Blocks,
		Turns:     convertTurns(built.Tail),
	}
	stream, err := b.provider.StreamChat(ctx, req)
	if err != nil {
		b.reportFailure(ctx, raw, err)
		return
	}

	reply, err := chat.Collect(stream, b.displayName, b.otherNames())
	if err != nil {
		b.reportFailure(ctx, raw, err)
		return
	}
	if reply.Truncated {
		b.logger.Warn("reply cut at impersonated speaker",
			slog.String("channel_id", raw.ChannelID),
			slog.String("speaker", reply.TruncatedSpeaker))
	}
	b.logger.Info("reply generated",
		slog.String("channel_id", raw.ChannelID),
		slog.Int("prompt_tokens", reply.Usage.Prompt),
		slog.Int("completion_tokens", reply.Usage.Completion),
		slog.Int("cache_read_tokens", reply.Usage.CacheRead))
	if reply.Text == "" {
		return
	}

	out := mention.Denormalize(reply.Text, b.engine.Members().NamesToIDs())
	if err := b.session.SendReply(ctx, raw.ChannelID, raw.ID, out); err != nil {
		b.logger.Error("reply send failed",
			slog.String("channel_id", raw.ChannelID),
			slog.Any("error", err))
	}
}

// reportFailure posts an operator-visible failure notice so a silent bot
// never leaves the channel guessing.
func (b *Bot) reportFailure(ctx context.Context, raw platform.RawMessage, err error) {
	b.logger.Error("provider request failed",
		slog.String("channel_id", raw.ChannelID),
		slog.String("provider", b.provider.Name()),
		slog.Any("error", err))
	notice := fmt.Sprintf("⚠️ %s could not reach its model provider: %v", b.displayName, err)
	if sendErr := b.session.SendReply(ctx, raw.ChannelID, raw.ID, notice); sendErr != nil {
		b.logger.Error("failure notice send failed", slog.Any("error", sendErr))
	}
}

func (b *Bot) otherNames() []string {
	members := b.engine.Members().NamesToIDs()
	names := make([]string, 0, len(members))
	for name := range members {
		if name != b.displayName {
			names = append(names, name)
		}
	}
	return names
}

func convertTurns(tail []engine.Turn) []chat.Turn {
	out := make([]chat.Turn, len(tail))
	for i, t := range tail {
		out[i] = chat.Turn{Role: t.Role, Content: t.Content, Images: t.Images}
	}
	return out
}
