package rbac

import (
	"context"
	"log/slog"
	"time"

	"github.com/nimbus-cp/nimbus/internal/identity"
)

// DefaultCheckTimeout bounds storage reads for a single permission check.
const DefaultCheckTimeout = 2 * time.Second

// Decision is the outcome of a permission check. The evaluator never fails a
// check with an error: storage problems deny, and Err carries the cause so
// the audit middleware can record it.
type Decision struct {
	Allowed bool
	Err     error
}

func deny(err error) Decision { return Decision{Allowed: false, Err: err} }
func allow() Decision         { return Decision{Allowed: true} }

// Evaluator answers "does principal P hold permission C at time T".
type Evaluator struct {
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewEvaluator constructs an Evaluator with the default check timeout.
func NewEvaluator(repo Repository, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		repo:    repo,
		logger:  logger,
		timeout: DefaultCheckTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTimeout overrides the storage deadline for checks.
func (e *Evaluator) WithTimeout(d time.Duration) *Evaluator {
	e.timeout = d
	return e
}

// HasPermission evaluates the check at the current instant.
func (e *Evaluator) HasPermission(ctx context.Context, p identity.Principal, code string) Decision {
	return e.HasPermissionAt(ctx, p, code, e.now())
}

// HasPermissionAt evaluates whether the principal holds the permission code
// at the given instant. Rules are applied in order: anonymous deny, inactive
// service account deny, service-account role union, superuser allow, then
// effective role assignments.
func (e *Evaluator) HasPermissionAt(ctx context.Context, p identity.Principal, code string, now time.Time) Decision {
	if p.IsAnonymous() {
		return deny(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if p.IsService() {
		if !p.Account.IsActive {
			return deny(nil)
		}
		codes, err := e.repo.ServiceAccountPermissionCodes(ctx, p.Account.ID)
		if err != nil {
			e.logCheckError("service account permissions", err)
			return deny(err)
		}
		return contains(codes, code)
	}

	if !p.IsUser() || !p.User.IsActive {
		return deny(nil)
	}
	if p.User.IsSuperuser {
		return allow()
	}

	assignments, err := e.repo.ActiveAssignments(ctx, p.User.ID)
	if err != nil {
		e.logCheckError("active assignments", err)
		return deny(err)
	}
	for _, a := range assignments {
		if !a.Effective(now) {
			continue
		}
		codes, err := e.repo.RolePermissionCodes(ctx, a.Assignment.RoleID)
		if err != nil {
			e.logCheckError("role permissions", err)
			return deny(err)
		}
		if d := contains(codes, code); d.Allowed {
			return d
		}
	}
	return deny(nil)
}

func (e *Evaluator) logCheckError(op string, err error) {
	if e.logger != nil {
		e.logger.Error("rbac check degraded to deny", slog.String("op", op), slog.Any("error", err))
	}
}

func contains(codes []string, code string) Decision {
	for _, c := range codes {
		if c == code {
			return allow()
		}
	}
	return deny(nil)
}
