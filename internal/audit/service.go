package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nimbus-cp/nimbus/internal/shared"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service exposes read access to the audit log plus the aggregations the
// background jobs and the admin surface share.
type Service struct {
	repo    Repository
	logger  *slog.Logger
	reports singleflight.Group
}

// NewService wires the audit read service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// List returns a filtered page of entries, newest first.
func (s *Service) List(ctx context.Context, f Filters) ([]Entry, shared.Pagination, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	entries, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("audit: list entries: %w", err)
	}
	return entries, shared.NewPagination(f.Page, f.PageSize, total), nil
}

// Get fetches a single entry.
func (s *Service) Get(ctx context.Context, id int64) (Entry, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: get entry %d: %w", id, err)
	}
	return entry, nil
}

// ListSuspicious returns anomalies detected after since.
func (s *Service) ListSuspicious(ctx context.Context, since time.Time) ([]SuspiciousActivity, error) {
	return s.repo.ListSuspicious(ctx, since)
}

// Report aggregates the window [from, to). Concurrent requests for the same
// window collapse onto one set of queries.
func (s *Service) Report(ctx context.Context, from, to time.Time) (Report, error) {
	key := fmt.Sprintf("%d:%d", from.Unix(), to.Unix())
	v, err, _ := s.reports.Do(key, func() (any, error) {
		return s.buildReport(ctx, from, to)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (s *Service) buildReport(ctx context.Context, from, to time.Time) (Report, error) {
	total, err := s.repo.CountEntries(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("audit: report total: %w", err)
	}
	byAction, err := s.repo.CountByAction(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("audit: report by action: %w", err)
	}
	byStatus, err := s.repo.CountByStatus(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("audit: report by status: %w", err)
	}
	topUsers, err := s.repo.TopUsernames(ctx, from, to, 10)
	if err != nil {
		return Report{}, fmt.Errorf("audit: report top users: %w", err)
	}
	topIPs, err := s.repo.TopIPs(ctx, from, to, 10)
	if err != nil {
		return Report{}, fmt.Errorf("audit: report top ips: %w", err)
	}
	return Report{
		From:     from,
		To:       to,
		Total:    total,
		ByAction: byAction,
		ByStatus: byStatus,
		TopUsers: topUsers,
		TopIPs:   topIPs,
	}, nil
}
