package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/nimbus-cp/nimbus/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskAuditWrite persists one audit record.
	TaskAuditWrite = "audit:write"
	// TaskAuditRetention sweeps entries past the retention cutoff.
	TaskAuditRetention = "audit:retention"
	// TaskAuditAnomaly scans recent entries for suspicious patterns.
	TaskAuditAnomaly = "audit:anomaly"
)

// NewAuditWriteTask wraps an audit record for the queue.
func NewAuditWriteTask(rec audit.Record) (*asynq.Task, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditWrite, data), nil
}

// RetentionPayload parameterizes the retention sweep.
type RetentionPayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewRetentionTask constructs the retention sweep task.
func NewRetentionTask(payload RetentionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}

// AnomalyPayload parameterizes the anomaly scan thresholds and window.
type AnomalyPayload struct {
	WindowHours          int `json:"window_hours"`
	FailedLoginThreshold int `json:"failed_login_threshold"`
	HighActivityCount    int `json:"high_activity_count"`
	DistinctIPThreshold  int `json:"distinct_ip_threshold"`
}

// NewAnomalyTask constructs the anomaly scan task.
func NewAnomalyTask(payload AnomalyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditAnomaly, data), nil
}
