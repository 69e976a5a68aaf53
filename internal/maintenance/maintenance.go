// Package maintenance runs the background sweeps: a periodic queue
// health report and an hourly store stats snapshot, both driven by
// cron expressions from the config.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/engine"
	"github.com/chatloom/chatloom/internal/queue"
)

// longRunningJob is when a single in-flight job starts showing up in
// the sweep log. Jobs themselves are bounded by the queue timeout.
const longRunningJob = time.Minute

type Service struct {
	logger *slog.Logger
	cfg    config.MaintenanceConfig
	engine *engine.Engine
	queue  *queue.Queue
	cron   *cron.Cron
}

func NewService(log *slog.Logger, cfg config.MaintenanceConfig, eng *engine.Engine, q *queue.Queue) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger: log.With(slog.String("component", "maintenance")),
		cfg:    cfg,
		engine: eng,
		queue:  q,
		cron:   cron.New(),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("maintenance sweeps disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepCron, s.SweepQueues); err != nil {
		return fmt.Errorf("schedule queue sweep %q: %w", s.cfg.SweepCron, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.StatsCron, s.LogStats); err != nil {
		return fmt.Errorf("schedule stats snapshot %q: %w", s.cfg.StatsCron, err)
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeps scheduled",
		slog.String("sweep_cron", s.cfg.SweepCron),
		slog.String("stats_cron", s.cfg.StatsCron))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepQueues logs a line per active queue key and flags jobs that
// have been running suspiciously long.
func (s *Service) SweepQueues() {
	statuses := s.queue.Status()
	if len(statuses) == 0 {
		s.logger.Debug("queue sweep: idle")
		return
	}
	for _, st := range statuses {
		attrs := []any{
			slog.String("key", st.Key),
			slog.Int("pending", st.Pending),
		}
		if st.RunningJobID != "" {
			attrs = append(attrs,
				slog.String("running_job", st.RunningJobID),
				slog.Duration("running_for", st.RunningFor))
		}
		if st.RunningFor > longRunningJob {
			s.logger.Warn("queue sweep: slow job", attrs...)
			continue
		}
		s.logger.Info("queue sweep", attrs...)
	}
}

// LogStats writes a store snapshot so growth is visible in the logs
// without hitting the admin API.
func (s *Service) LogStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, hot, err := s.engine.Stats(ctx)
	if err != nil {
		s.logger.Error("stats snapshot failed", slog.Any("error", err))
		return
	}
	pending := 0
	for _, ks := range s.queue.Status() {
		pending += ks.Pending
	}
	s.logger.Info("store snapshot",
		slog.Int64("messages", st.Messages),
		slog.Int64("boundaries", st.Boundaries),
		slog.Int64("resets", st.Resets),
		slog.Int64("channels", st.Channels),
		slog.Int("hot_channels", hot),
		slog.Int("queue_pending", pending))
}
