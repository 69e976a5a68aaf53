package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatloom/chatloom/internal/chat"
	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/engine"
	"github.com/chatloom/chatloom/internal/platform/discord"
	"github.com/chatloom/chatloom/internal/queue"
)

// Bots supervises every configured persona over one shared engine and
// queue.
type Bots struct {
	logger *slog.Logger
	bots   []*Bot
}

// NewBots builds a Bot per config entry. Entries without a resolvable
// token are skipped with a warning so one missing env var does not take
// the whole process down.
func NewBots(log *slog.Logger, cfgs []config.BotConfig, eng *engine.Engine, q *queue.Queue, reg *chat.Registry) (*Bots, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Bots{logger: log.With(slog.String("component", "bots"))}

	for _, cfg := range cfgs {
		token := cfg.Token()
		if token == "" {
			s.logger.Warn("bot has no token, skipping", slog.String("bot", cfg.Name))
			continue
		}
		provider, err := reg.Get(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", cfg.Name, err)
		}
		adapter, err := discord.New(log, token)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", cfg.Name, err)
		}
		s.bots = append(s.bots, New(log, cfg, adapter, eng, q, provider))
	}
	return s, nil
}

// Start brings every bot online.
func (s *Bots) Start(ctx context.Context) error {
	for _, b := range s.bots {
		if err := b.Start(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("bots online", slog.Int("count", len(s.bots)))
	return nil
}

// Stop closes every gateway session, keeping the first error.
func (s *Bots) Stop() error {
	var firstErr error
	for _, b := range s.bots {
		if err := b.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Count returns how many bots are configured and running.
func (s *Bots) Count() int { return len(s.bots) }
