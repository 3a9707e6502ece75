package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/shared"
	_ "github.com/nimbus-cp/nimbus/testing"
)

type stubAuditRepo struct {
	inserted   []audit.Record
	suspicious []audit.SuspiciousActivity
	deleted    int64
	cutoff     time.Time

	insertErr error

	failedByIP   []audit.IPCount
	highActivity []audit.UserCount
	multiIP      []audit.UserCount
}

func (s *stubAuditRepo) Insert(ctx context.Context, rec audit.Record) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, rec)
	return nil
}

func (s *stubAuditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.deleted, nil
}

func (s *stubAuditRepo) List(ctx context.Context, f audit.Filters) ([]audit.Entry, int, error) {
	return nil, 0, nil
}

func (s *stubAuditRepo) Get(ctx context.Context, id int64) (audit.Entry, error) {
	return audit.Entry{}, shared.ErrNotFound
}

func (s *stubAuditRepo) FailedLoginsByIP(ctx context.Context, since time.Time, minCount int) ([]audit.IPCount, error) {
	return s.failedByIP, nil
}

func (s *stubAuditRepo) HighActivityUsers(ctx context.Context, since time.Time, minCount int) ([]audit.UserCount, error) {
	return s.highActivity, nil
}

func (s *stubAuditRepo) MultiIPUsers(ctx context.Context, since time.Time, minIPs int) ([]audit.UserCount, error) {
	return s.multiIP, nil
}

func (s *stubAuditRepo) InsertSuspicious(ctx context.Context, sa audit.SuspiciousActivity) error {
	s.suspicious = append(s.suspicious, sa)
	return nil
}

func (s *stubAuditRepo) ListSuspicious(ctx context.Context, since time.Time) ([]audit.SuspiciousActivity, error) {
	return s.suspicious, nil
}

func (s *stubAuditRepo) CountEntries(ctx context.Context, from, to time.Time) (int64, error) {
	return 0, nil
}

func (s *stubAuditRepo) CountByAction(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	return nil, nil
}

func (s *stubAuditRepo) CountByStatus(ctx context.Context, from, to time.Time) (map[int]int64, error) {
	return nil, nil
}

func (s *stubAuditRepo) TopUsernames(ctx context.Context, from, to time.Time, limit int) ([]audit.UserCount, error) {
	return nil, nil
}

func (s *stubAuditRepo) TopIPs(ctx context.Context, from, to time.Time, limit int) ([]audit.IPCount, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLock(t *testing.T) *shared.JobLock {
	t.Helper()
	mr := miniredis.RunT(t)
	return shared.NewJobLock(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestAuditRetryDelay(t *testing.T) {
	assert.Equal(t, 60*time.Second, AuditRetryDelay(1, nil, nil))
	assert.Equal(t, 120*time.Second, AuditRetryDelay(2, nil, nil))
	assert.Equal(t, 240*time.Second, AuditRetryDelay(3, nil, nil))
	// Out-of-range attempts clamp to the base delay.
	assert.Equal(t, 60*time.Second, AuditRetryDelay(0, nil, nil))
}

func TestAuditWriteJob(t *testing.T) {
	repo := &stubAuditRepo{}
	job := NewAuditWriteJob(repo, testLogger(), nil, nil)

	task, err := NewAuditWriteTask(audit.Record{Method: "GET", Path: "/api/v1/projects", Action: "READ"})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, repo.inserted, 1)
	assert.Equal(t, "/api/v1/projects", repo.inserted[0].Path)
}

func TestAuditWriteJobBadPayload(t *testing.T) {
	job := NewAuditWriteJob(&stubAuditRepo{}, testLogger(), nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditWrite, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditWriteJobInsertError(t *testing.T) {
	repo := &stubAuditRepo{insertErr: errors.New("connection refused")}
	job := NewAuditWriteJob(repo, testLogger(), nil, nil)

	task, err := NewAuditWriteTask(audit.Record{Method: "GET", Path: "/x", Action: "READ"})
	require.NoError(t, err)

	// The error propagates so the queue schedules a retry.
	assert.Error(t, job.Handle(context.Background(), task))
}

func TestRetentionSweep(t *testing.T) {
	repo := &stubAuditRepo{deleted: 123}
	job := NewRetentionSweepJob(repo, testLock(t), testLogger(), nil)
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewRetentionTask(RetentionPayload{RetentionDays: 30})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, now.AddDate(0, 0, -30), repo.cutoff)
}

func TestRetentionSweepDefaultWindow(t *testing.T) {
	repo := &stubAuditRepo{}
	job := NewRetentionSweepJob(repo, testLock(t), testLogger(), nil)
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewRetentionTask(RetentionPayload{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, now.AddDate(0, 0, -90), repo.cutoff)
}

func TestRetentionSweepSkipsWhenLocked(t *testing.T) {
	lock := testLock(t)
	acquired, err := lock.TryAcquire(context.Background(), TaskAuditRetention, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	repo := &stubAuditRepo{}
	job := NewRetentionSweepJob(repo, lock, testLogger(), nil)

	task, err := NewRetentionTask(RetentionPayload{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.True(t, repo.cutoff.IsZero(), "sweep must not run while another holds the lock")
}

func TestAnomalyScan(t *testing.T) {
	repo := &stubAuditRepo{
		failedByIP:   []audit.IPCount{{IPAddress: "203.0.113.5", Count: 8}},
		highActivity: []audit.UserCount{{Username: "bot", Count: 4000}},
		multiIP:      []audit.UserCount{{Username: "roamer", Count: 12}},
	}
	job := NewAnomalyScanJob(repo, testLock(t), testLogger(), nil, nil)

	task, err := NewAnomalyTask(AnomalyPayload{})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, repo.suspicious, 3)

	types := map[string]audit.SuspiciousActivity{}
	for _, sa := range repo.suspicious {
		types[sa.Type] = sa
	}
	assert.Equal(t, "203.0.113.5", types[audit.AnomalyFailedLogins].IPAddress)
	assert.Equal(t, 8, types[audit.AnomalyFailedLogins].Count)
	assert.Equal(t, "bot", types[audit.AnomalyHighActivityUser].Username)
	assert.Equal(t, "roamer", types[audit.AnomalyMultipleIPsPerUser].Username)
}

func TestAnomalyScanCleanWindow(t *testing.T) {
	repo := &stubAuditRepo{}
	job := NewAnomalyScanJob(repo, testLock(t), testLogger(), nil, nil)

	task, err := NewAnomalyTask(AnomalyPayload{WindowHours: 1})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Empty(t, repo.suspicious)
}
