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
	"github.com/nimbus-cp/nimbus/internal/observability"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// AnomalyScanJob inspects recent audit entries for suspicious patterns and
// records SuspiciousActivity rows for anything over threshold.
type AnomalyScanJob struct {
	Repo       audit.Repository
	Lock       *shared.JobLock
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	AppMetrics *observability.Metrics
	clock      func() time.Time
}

// NewAnomalyScanJob initialises the anomaly scan handler.
func NewAnomalyScanJob(repo audit.Repository, lock *shared.JobLock, logger *slog.Logger, metrics *jobmetrics.Metrics, appMetrics *observability.Metrics) *AnomalyScanJob {
	return &AnomalyScanJob{
		Repo:       repo,
		Lock:       lock,
		Logger:     logger,
		Metrics:    metrics,
		AppMetrics: appMetrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one scan over the configured window.
func (j *AnomalyScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("anomaly scan: handler not configured")
	}
	var payload AnomalyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WindowHours <= 0 {
		payload.WindowHours = 24
	}
	if payload.FailedLoginThreshold <= 0 {
		payload.FailedLoginThreshold = 5
	}
	if payload.HighActivityCount <= 0 {
		payload.HighActivityCount = 1000
	}
	if payload.DistinctIPThreshold <= 0 {
		payload.DistinctIPThreshold = 10
	}

	acquired, err := j.Lock.TryAcquire(ctx, TaskAuditAnomaly, 10*time.Minute)
	if err != nil {
		return err
	}
	if !acquired {
		j.Logger.Info("anomaly scan already running elsewhere, skipping")
		return nil
	}
	defer j.Lock.Release(ctx, TaskAuditAnomaly)

	tracker := j.Metrics.Track(TaskAuditAnomaly)
	now := j.clock()
	since := now.Add(-time.Duration(payload.WindowHours) * time.Hour)

	logger := j.Logger.With(
		slog.Time("window_start", since),
		slog.Int("window_hours", payload.WindowHours),
	)
	logger.Info("starting anomaly scan")

	total, err := j.scan(ctx, logger, payload, since, now)
	if err != nil {
		logger.Error("anomaly scan failed", slog.Any("error", err))
		return tracker.End(err)
	}

	logger.Info("completed anomaly scan",
		slog.Int("anomalies", total),
		slog.Duration("duration", time.Since(now)))
	return tracker.End(nil)
}

func (j *AnomalyScanJob) scan(ctx context.Context, logger *slog.Logger, payload AnomalyPayload, since, now time.Time) (int, error) {
	total := 0

	failed, err := j.Repo.FailedLoginsByIP(ctx, since, payload.FailedLoginThreshold)
	if err != nil {
		return total, err
	}
	for _, hit := range failed {
		if err := j.report(ctx, logger, audit.SuspiciousActivity{
			Type:        audit.AnomalyFailedLogins,
			IPAddress:   hit.IPAddress,
			Count:       hit.Count,
			WindowStart: since,
			WindowEnd:   now,
		}); err != nil {
			return total, err
		}
		total++
	}

	busy, err := j.Repo.HighActivityUsers(ctx, since, payload.HighActivityCount)
	if err != nil {
		return total, err
	}
	for _, hit := range busy {
		if err := j.report(ctx, logger, audit.SuspiciousActivity{
			Type:        audit.AnomalyHighActivityUser,
			Username:    hit.Username,
			Count:       hit.Count,
			WindowStart: since,
			WindowEnd:   now,
		}); err != nil {
			return total, err
		}
		total++
	}

	roaming, err := j.Repo.MultiIPUsers(ctx, since, payload.DistinctIPThreshold)
	if err != nil {
		return total, err
	}
	for _, hit := range roaming {
		if err := j.report(ctx, logger, audit.SuspiciousActivity{
			Type:        audit.AnomalyMultipleIPsPerUser,
			Username:    hit.Username,
			Count:       hit.Count,
			WindowStart: since,
			WindowEnd:   now,
		}); err != nil {
			return total, err
		}
		total++
	}

	return total, nil
}

func (j *AnomalyScanJob) report(ctx context.Context, logger *slog.Logger, sa audit.SuspiciousActivity) error {
	if err := j.Repo.InsertSuspicious(ctx, sa); err != nil {
		return err
	}
	logger.Warn("suspicious activity detected",
		slog.String("type", sa.Type),
		slog.String("username", sa.Username),
		slog.String("ip", sa.IPAddress),
		slog.Int("count", sa.Count))
	j.AppMetrics.AddAnomalies(sa.Type, 1)
	return nil
}
