package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SchedulerLockKey builds redis keys guarding periodic job execution.
func SchedulerLockKey(task string) string {
	return fmt.Sprintf("scheduler:%s:lock", task)
}

// JobLock provides at-most-once coordination for scheduled jobs across
// replicas. The lock is best-effort: it expires on its own and is never
// authoritative for correctness.
type JobLock struct {
	client *redis.Client
}

// NewJobLock constructs a JobLock.
func NewJobLock(client *redis.Client) *JobLock {
	return &JobLock{client: client}
}

// TryAcquire attempts to take the named lock for ttl. It returns false when
// another replica already holds it. A nil client always acquires, so single
// process deployments run without redis coordination.
func (l *JobLock) TryAcquire(ctx context.Context, task string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, SchedulerLockKey(task), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("shared: acquire lock %s: %w", task, err)
	}
	return ok, nil
}

// Release drops the named lock early.
func (l *JobLock) Release(ctx context.Context, task string) {
	if l == nil || l.client == nil {
		return
	}
	_ = l.client.Del(ctx, SchedulerLockKey(task)).Err()
}
