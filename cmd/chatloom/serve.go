package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/chatloom/chatloom/internal/bot"
	"github.com/chatloom/chatloom/internal/chat"
	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/engine"
	"github.com/chatloom/chatloom/internal/handlers"
	"github.com/chatloom/chatloom/internal/history"
	"github.com/chatloom/chatloom/internal/inline"
	"github.com/chatloom/chatloom/internal/logger"
	"github.com/chatloom/chatloom/internal/maintenance"
	"github.com/chatloom/chatloom/internal/queue"
	"github.com/chatloom/chatloom/internal/server"
	"github.com/chatloom/chatloom/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideInliner,
			engine.NewHub,
			provideEngine,
			provideQueue,
			provideRegistry,
			provideBots,
			provideMaintenance,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(provideEventsHandler),
			provideServer,
		),
		fx.Invoke(
			startBots,
			startMaintenance,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (history.Store, error) {
	if !cfg.Database.UseDatabaseStorage {
		log.Warn("database storage disabled, history will not survive restarts")
		return history.NewMemStore(), nil
	}
	store, err := history.OpenSQL(context.Background(), log, cfg.Database.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideInliner(log *slog.Logger, cfg config.Config) *inline.Inliner {
	timeout := time.Duration(cfg.Attachments.AttachmentFetchTimeoutMs) * time.Millisecond
	return inline.New(log, nil, cfg.Attachments.AttachmentMaxBytes, timeout)
}

func provideEngine(log *slog.Logger, store history.Store, inliner *inline.Inliner, hub *engine.Hub, cfg config.Config) *engine.Engine {
	return engine.New(log, store, inliner, hub, engine.Config{
		MaxContextTokens:      cfg.Context.MaxContextTokens,
		FreezeThresholdTokens: cfg.Context.FreezeThresholdTokens,
		CharsPerToken:         cfg.Context.CharsPerToken,
		MessageCacheLimit:     cfg.Context.MessageCacheLimit,
	})
}

func provideQueue(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *queue.Queue {
	q := queue.New(log, cfg.Queue.JobTimeout())
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { q.Close(); return nil }})
	return q
}

func provideRegistry(log *slog.Logger, cfg config.Config) *chat.Registry {
	return chat.NewRegistry(log, cfg.Providers)
}

func provideBots(log *slog.Logger, cfg config.Config, eng *engine.Engine, q *queue.Queue, reg *chat.Registry) (*bot.Bots, error) {
	return bot.NewBots(log, cfg.Bots, eng, q, reg)
}

func provideMaintenance(log *slog.Logger, cfg config.Config, eng *engine.Engine, q *queue.Queue) *maintenance.Service {
	return maintenance.NewService(log, cfg.Maintenance, eng, q)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, cfg.Server)
}

func provideAdminHandler(log *slog.Logger, eng *engine.Engine, q *queue.Queue) *handlers.AdminHandler {
	return handlers.NewAdminHandler(log, eng, q)
}

func provideEventsHandler(log *slog.Logger, hub *engine.Hub) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(
		params.Logger,
		params.Config.Server.Addr,
		params.Config.Server.JWTSecret,
		params.ServerHandlers...,
	)
}

func startBots(lc fx.Lifecycle, logger *slog.Logger, bots *bot.Bots) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := bots.Start(ctx); err != nil {
				return fmt.Errorf("start bots: %w", err)
			}
			logger.Info("bots online", slog.Int("count", bots.Count()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return bots.Stop()
		},
	})
}

func startMaintenance(lc fx.Lifecycle, svc *maintenance.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return svc.Start() },
		OnStop:  func(ctx context.Context) error { return svc.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	fmt.Printf("Starting chatloom %s\n", version.Version)
	if !cfg.Server.Enabled {
		logger.Info("operator API disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
