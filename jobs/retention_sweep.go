package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nimbus-cp/nimbus/internal/audit"
	jobmetrics "github.com/nimbus-cp/nimbus/internal/jobs"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// RetentionSweepJob deletes audit entries older than the retention cutoff.
// This is the only code path that removes audit rows.
type RetentionSweepJob struct {
	Repo    audit.Repository
	Lock    *shared.JobLock
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRetentionSweepJob initialises the retention handler.
func NewRetentionSweepJob(repo audit.Repository, lock *shared.JobLock, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionSweepJob {
	return &RetentionSweepJob{
		Repo:    repo,
		Lock:    lock,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *RetentionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("retention sweep: handler not configured")
	}
	var payload RetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = 90
	}

	acquired, err := j.Lock.TryAcquire(ctx, TaskAuditRetention, 10*time.Minute)
	if err != nil {
		return err
	}
	if !acquired {
		j.Logger.Info("retention sweep already running elsewhere, skipping")
		return nil
	}
	defer j.Lock.Release(ctx, TaskAuditRetention)

	tracker := j.Metrics.Track(TaskAuditRetention)
	cutoff := j.clock().AddDate(0, 0, -payload.RetentionDays)
	deleted, err := j.Repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.Logger.Error("retention sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Logger.Info("retention sweep completed",
		slog.Time("cutoff", cutoff),
		slog.Int64("deleted", deleted))
	return tracker.End(nil)
}
