package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
	ListPolicies(ctx context.Context, activeOnly bool) ([]*Policy, error)
	// CountSchedules returns how many schedules reference a policy.
	CountSchedules(ctx context.Context, policyID uuid.UUID) (int, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error

	// CreateSchedule inserts a schedule; an existing (policy, target) pair is
	// reported as ErrConflict.
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error)
	UpdateSchedule(ctx context.Context, s *Schedule) error
	SearchSchedules(ctx context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error)
	// ListWarningsDue returns active schedules whose warning date has passed
	// and deletion date has not, plus overdue active schedules still waiting
	// for a manual approval nobody has been asked for.
	ListWarningsDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	// ListDeletionsDue returns open schedules whose deletion date has passed
	// and that may be executed: their policy needs no manual approval or an
	// approver is recorded.
	ListDeletionsDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	// CountAwaitingApproval counts open, overdue schedules of active
	// manual-approval policies that have no approver yet.
	CountAwaitingApproval(ctx context.Context, now time.Time) (int, error)
	// ScheduleUnscheduled creates schedules for target rows of p that have none.
	ScheduleUnscheduled(ctx context.Context, p *Policy) (int, error)

	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
