package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nimbus-cp/nimbus/internal/audit"
	jobmetrics "github.com/nimbus-cp/nimbus/internal/jobs"
	"github.com/nimbus-cp/nimbus/internal/observability"
)

// AuditWriteJob is the single consumer of audit:write tasks. Failed inserts
// are retried by the queue; after the retry budget is spent the record is
// dropped and counted.
type AuditWriteJob struct {
	Repo       audit.Repository
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	AppMetrics *observability.Metrics
}

// NewAuditWriteJob initialises the audit write handler.
func NewAuditWriteJob(repo audit.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics, appMetrics *observability.Metrics) *AuditWriteJob {
	return &AuditWriteJob{Repo: repo, Logger: logger, Metrics: metrics, AppMetrics: appMetrics}
}

// Handle persists one audit record.
func (j *AuditWriteJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("audit write: handler not configured")
	}
	var rec audit.Record
	if err := json.Unmarshal(t.Payload(), &rec); err != nil {
		j.Logger.Error("audit write: undecodable payload", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskAuditWrite)
	err := j.Repo.Insert(ctx, rec)
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried >= maxRetry {
			// Retry budget exhausted; the record is lost.
			j.AppMetrics.IncAuditWriteFailed()
			j.Logger.Error("audit write dropped after retries",
				slog.String("path", rec.Path),
				slog.Any("error", err))
		} else {
			j.Logger.Warn("audit write failed, will retry",
				slog.Int("attempt", retried),
				slog.Any("error", err))
		}
		return tracker.End(err)
	}
	j.AppMetrics.IncAuditWritten()
	return tracker.End(nil)
}
