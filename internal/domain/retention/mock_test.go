package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/lgpd"
)

type mockRepo struct {
	mu        sync.Mutex
	policies  map[uuid.UUID]*Policy
	schedules map[uuid.UUID]*Schedule
	// targets holds the rows ScheduleUnscheduled may pick up, by type.
	targets map[string]map[uuid.UUID]time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		policies:  make(map[uuid.UUID]*Policy),
		schedules: make(map[uuid.UUID]*Schedule),
		targets:   make(map[string]map[uuid.UUID]time.Time),
	}
}

func (m *mockRepo) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) CreatePolicy(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.policies {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: duplicate name", apperr.ErrConflict)
		}
	}
	p.ID = uuid.New()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetPolicy(_ context.Context, id uuid.UUID) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, fmt.Errorf("retention policy: %w", apperr.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) UpdatePolicy(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		return apperr.ErrNotFound
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *mockRepo) ListPolicies(_ context.Context, activeOnly bool) ([]*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Policy
	for _, p := range m.policies {
		if activeOnly && !p.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRepo) CountSchedules(_ context.Context, policyID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.schedules {
		if s.PolicyID == policyID {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) DeletePolicy(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return apperr.ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *mockRepo) CreateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.schedules {
		if existing.PolicyID == s.PolicyID && existing.TargetID == s.TargetID {
			return fmt.Errorf("%w: already scheduled", apperr.ErrConflict)
		}
	}
	s.ID = uuid.New()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *mockRepo) GetSchedule(_ context.Context, id uuid.UUID) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("retention schedule: %w", apperr.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepo) UpdateSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return apperr.ErrNotFound
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *mockRepo) SearchSchedules(_ context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if f.PolicyID != nil && s.PolicyID != *f.PolicyID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.TargetType != "" && s.TargetType != f.TargetType {
			continue
		}
		if f.DueBefore != nil && (!s.IsOpen() || s.DeletionDate.After(*f.DueBefore)) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockRepo) list(limit int, match func(s *Schedule) bool) []*Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if match(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletionDate.Before(out[j].DeletionDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// awaitingApproval must be called with m.mu held.
func (m *mockRepo) awaitingApproval(s *Schedule) bool {
	p, ok := m.policies[s.PolicyID]
	return ok && p.RequiresManualApproval && !s.IsApproved()
}

func (m *mockRepo) ListWarningsDue(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	return m.list(limit, func(s *Schedule) bool {
		return s.Status == StatusActive && !s.WarningDate.After(now) &&
			(s.DeletionDate.After(now) || m.awaitingApproval(s))
	}), nil
}

func (m *mockRepo) ListDeletionsDue(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	return m.list(limit, func(s *Schedule) bool {
		return s.IsOpen() && !s.DeletionDate.After(now) && !m.awaitingApproval(s)
	}), nil
}

func (m *mockRepo) CountAwaitingApproval(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.schedules {
		if s.IsOpen() && !s.DeletionDate.After(now) && m.awaitingApproval(s) && m.policies[s.PolicyID].Active {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) ScheduleUnscheduled(ctx context.Context, p *Policy) (int, error) {
	m.mu.Lock()
	rows := m.targets[p.DataCategory]
	m.mu.Unlock()
	n := 0
	for id, ref := range rows {
		err := m.CreateSchedule(ctx, NewSchedule(p, id, ref))
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type execCall struct {
	method     string
	targetType string
	id         uuid.UUID
}

type mockExecutor struct {
	calls   []execCall
	missing map[uuid.UUID]bool
	fail    map[uuid.UUID]error
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{missing: make(map[uuid.UUID]bool), fail: make(map[uuid.UUID]error)}
}

func (x *mockExecutor) run(method, targetType string, id uuid.UUID) error {
	if err := x.fail[id]; err != nil {
		return err
	}
	if x.missing[id] {
		return fmt.Errorf("%w: %s %s", lgpd.ErrTargetNotFound, targetType, id)
	}
	x.calls = append(x.calls, execCall{method: method, targetType: targetType, id: id})
	return nil
}

func (x *mockExecutor) Delete(_ context.Context, targetType string, id uuid.UUID) error {
	return x.run(MethodDelete, targetType, id)
}

func (x *mockExecutor) Anonymize(_ context.Context, targetType string, id uuid.UUID) error {
	return x.run(MethodAnonymize, targetType, id)
}
