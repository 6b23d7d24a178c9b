package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/lgpd"
)

var (
	ErrInvalidTransition = fmt.Errorf("%w: invalid schedule status transition", apperr.ErrConflict)
	ErrPolicyInactive    = fmt.Errorf("%w: retention policy is inactive", apperr.ErrConflict)
	ErrPolicyInUse       = fmt.Errorf("%w: retention policy has schedules", apperr.ErrConflict)
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Policies --

func (s *Service) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return err
	}
	s.logger.Info().Str("policy", p.Name).Str("category", p.DataCategory).Msg("retention policy created")
	return nil
}

func (s *Service) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return s.repo.GetPolicy(ctx, id)
}

func (s *Service) ListPolicies(ctx context.Context, activeOnly bool) ([]*Policy, error) {
	return s.repo.ListPolicies(ctx, activeOnly)
}

// UpdatePolicy changes a policy. Its data category is fixed once schedules
// reference it.
func (s *Service) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetPolicy(ctx, p.ID)
		if err != nil {
			return err
		}
		if existing.DataCategory != p.DataCategory {
			n, err := s.repo.CountSchedules(ctx, p.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: cannot change data_category of a policy with %d schedules", ErrPolicyInUse, n)
			}
		}
		p.CreatedAt = existing.CreatedAt
		return s.repo.UpdatePolicy(ctx, p)
	})
}

// DeletePolicy removes a policy that has never scheduled anything.
func (s *Service) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		n, err := s.repo.CountSchedules(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d schedules reference it; deactivate it instead", ErrPolicyInUse, n)
		}
		return s.repo.DeletePolicy(ctx, id)
	})
}

// PolicyIssue is a validation failure found by ValidatePolicies.
type PolicyIssue struct {
	PolicyID uuid.UUID `json:"policy_id"`
	Name     string    `json:"name"`
	Error    string    `json:"error"`
}

// ValidatePolicies re-checks every stored policy.
func (s *Service) ValidatePolicies(ctx context.Context) ([]PolicyIssue, error) {
	policies, err := s.repo.ListPolicies(ctx, false)
	if err != nil {
		return nil, err
	}
	var issues []PolicyIssue
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			issues = append(issues, PolicyIssue{PolicyID: p.ID, Name: p.Name, Error: err.Error()})
		}
	}
	return issues, nil
}

// SeedDefaultPolicies creates the default policies whose names are not taken.
func (s *Service) SeedDefaultPolicies(ctx context.Context) (int, error) {
	created := 0
	for _, d := range lgpd.DefaultRetentionPolicies() {
		ref := d.LegalReference
		p := &Policy{
			Name:                   d.Name,
			DataCategory:           d.DataCategory,
			RetentionDays:          d.RetentionDays,
			WarningDays:            d.WarningDays,
			DeletionMethod:         d.DeletionMethod,
			RequiresManualApproval: d.RequiresManualApproval,
			LegalReference:         &ref,
			Active:                 true,
		}
		err := s.CreatePolicy(ctx, p)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed policy %q: %w", d.Name, err)
		}
		created++
	}
	return created, nil
}

// -- Schedules --

// ScheduleTarget starts the retention clock for one target row.
func (s *Service) ScheduleTarget(ctx context.Context, policyID, targetID uuid.UUID, reference time.Time) (*Schedule, error) {
	if targetID == uuid.Nil {
		return nil, apperr.Invalid("target_id", "is required")
	}
	if reference.IsZero() {
		reference = s.now()
	}
	var out *Schedule
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if !p.Active {
			return fmt.Errorf("%w: %s", ErrPolicyInactive, p.Name)
		}
		out = NewSchedule(p, targetID, reference)
		return s.repo.CreateSchedule(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SyncSchedules creates schedules for every unscheduled row covered by an
// active policy.
func (s *Service) SyncSchedules(ctx context.Context) (int, error) {
	policies, err := s.repo.ListPolicies(ctx, true)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range policies {
		n, err := s.repo.ScheduleUnscheduled(ctx, p)
		if err != nil {
			return total, err
		}
		if n > 0 {
			s.logger.Info().Str("policy", p.Name).Int("scheduled", n).Msg("retention schedules created")
		}
		total += n
	}
	return total, nil
}

func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.repo.GetSchedule(ctx, id)
}

func (s *Service) SearchSchedules(ctx context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "invalid status: %q", f.Status)
	}
	return s.repo.SearchSchedules(ctx, f, limit, offset)
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(sc *Schedule, now time.Time) error) (*Schedule, error) {
	var out *Schedule
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		sc, err := s.repo.GetSchedule(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(sc, s.now()); err != nil {
			return err
		}
		out = sc
		return s.repo.UpdateSchedule(ctx, sc)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Approve records the approver required by policies with manual approval.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor string) (*Schedule, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Invalid("approved_by", "is required")
	}
	sc, err := s.mutate(ctx, id, func(sc *Schedule, now time.Time) error {
		if !sc.IsOpen() {
			return fmt.Errorf("%w: cannot approve a %s schedule", ErrInvalidTransition, sc.Status)
		}
		sc.ApprovedBy = &actor
		sc.ApprovedAt = &now
		return nil
	})
	if err == nil {
		s.logger.Info().Str("schedule_id", id.String()).Str("approved_by", actor).Msg("retention schedule approved")
	}
	return sc, err
}

// PlaceLegalHold suspends processing of an open schedule.
func (s *Service) PlaceLegalHold(ctx context.Context, id uuid.UUID, reason, actor string) (*Schedule, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason", "is required for a legal hold")
	}
	return s.mutate(ctx, id, func(sc *Schedule, now time.Time) error {
		if !sc.IsOpen() {
			return fmt.Errorf("%w: cannot hold a %s schedule", ErrInvalidTransition, sc.Status)
		}
		sc.Status = StatusLegalHold
		sc.LegalHoldReason = &reason
		sc.LegalHoldBy = &actor
		sc.LegalHoldAt = &now
		return nil
	})
}

// ReleaseLegalHold returns a held schedule to the state it was held from.
func (s *Service) ReleaseLegalHold(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	return s.mutate(ctx, id, func(sc *Schedule, _ time.Time) error {
		if sc.Status != StatusLegalHold {
			return fmt.Errorf("%w: schedule is %s, not on legal hold", ErrInvalidTransition, sc.Status)
		}
		sc.Status = StatusActive
		if sc.WarningSentAt != nil {
			sc.Status = StatusWarningSent
		}
		sc.LegalHoldReason = nil
		sc.LegalHoldBy = nil
		sc.LegalHoldAt = nil
		return nil
	})
}
