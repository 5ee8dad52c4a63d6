package jobs

import (
	"context"
	"log/slog"
	"time"

	"webtraffic/internal/config"
)

// CleanupJob removes minute buckets older than the retention period
type CleanupJob struct {
	m      Maintainer
	logger *slog.Logger
	cfg    *config.Config
}

func NewCleanupJob(m Maintainer, logger *slog.Logger, cfg *config.Config) *CleanupJob {
	return &CleanupJob{
		m:      m,
		logger: logger,
		cfg:    cfg,
	}
}

// Run prunes old minute buckets. Hour and coarser buckets are kept forever.
func (j *CleanupJob) Run(ctx context.Context) error {
	retention := j.cfg.MinuteRetention()
	j.logger.Debug("Starting cleanup of old minute buckets", slog.Duration("retention", retention))

	deleted, err := j.m.PruneMinutes(ctx)
	if err != nil {
		j.logger.Error("Failed to prune minute buckets",
			slog.Any("error", err),
			slog.Int64("deleted_so_far", deleted))
		return err
	}

	if deleted == 0 {
		j.logger.Debug("No old minute buckets to clean up")
		return nil
	}

	j.logger.Info("Cleaned up old minute buckets",
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", retention),
		slog.Time("at", time.Now()))
	return nil
}
