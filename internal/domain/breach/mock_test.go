package breach

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/audit"
)

var fixedNow = time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)

type mockRepo struct {
	mu            sync.Mutex
	incidents     map[uuid.UUID]*Incident
	notifications []*Notification
	seq           map[string]int
}

func newMockRepo() *mockRepo {
	return &mockRepo{incidents: make(map[uuid.UUID]*Incident), seq: make(map[string]int)}
}

func (m *mockRepo) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) NextNumber(_ context.Context, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := day.Format("2006-01-02")
	m.seq[k]++
	return m.seq[k], nil
}

func (m *mockRepo) Create(_ context.Context, i *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.ID = uuid.New()
	i.CreatedAt, i.UpdatedAt = fixedNow, fixedNow
	cp := *i
	m.incidents[i.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("security incident: %w", apperr.ErrNotFound)
	}
	cp := *i
	return &cp, nil
}

func (m *mockRepo) GetByNumber(_ context.Context, number string) (*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.incidents {
		if i.IncidentNumber == number {
			cp := *i
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("security incident: %w", apperr.ErrNotFound)
}

func (m *mockRepo) Update(_ context.Context, i *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[i.ID]; !ok {
		return apperr.ErrNotFound
	}
	cp := *i
	m.incidents[i.ID] = &cp
	return nil
}

func (m *mockRepo) all() []*Incident {
	var out []*Incident
	for _, i := range m.incidents {
		cp := *i
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].IncidentNumber < out[b].IncidentNumber })
	return out
}

func (m *mockRepo) Search(_ context.Context, f IncidentFilter, limit, offset int) ([]*Incident, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Incident
	for _, i := range m.all() {
		if f.Status != "" && i.Status != f.Status {
			continue
		}
		if f.Severity != "" && i.Severity != f.Severity {
			continue
		}
		if f.IncidentType != "" && i.IncidentType != f.IncidentType {
			continue
		}
		if f.OpenOnly && !i.IsOpen() {
			continue
		}
		if f.AutoDetected != nil && i.AutoDetected != *f.AutoDetected {
			continue
		}
		out = append(out, i)
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) HasOpenForRule(_ context.Context, rule, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.incidents {
		if i.IsOpen() && i.DetectionRule != nil && *i.DetectionRule == rule &&
			i.SubjectUserID != nil && *i.SubjectUserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) ListPendingNotification(_ context.Context) ([]*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Incident
	for _, i := range m.all() {
		if (i.RequiresANPDNotification && i.ANPDNotifiedAt == nil) ||
			(i.RequiresSubjectNotification && i.SubjectsNotifiedAt == nil) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New()
	n.CreatedAt = fixedNow
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *mockRepo) ListNotifications(_ context.Context, incidentID uuid.UUID) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.notifications {
		if n.IncidentID == incidentID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeStats struct {
	bulk, offHours, exports []audit.UserCount
	err                     error
	offHoursTZ              string
	sinces                  []time.Time
}

func (f *fakeStats) filter(in []audit.UserCount, threshold int) []audit.UserCount {
	var out []audit.UserCount
	for _, uc := range in {
		if uc.Count > threshold {
			out = append(out, uc)
		}
	}
	return out
}

func (f *fakeStats) DistinctPatientsByUser(_ context.Context, since time.Time, threshold int) ([]audit.UserCount, error) {
	f.sinces = append(f.sinces, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.filter(f.bulk, threshold), nil
}

func (f *fakeStats) OffHoursAccessByUser(_ context.Context, since time.Time, _, _ int, tz string, threshold int) ([]audit.UserCount, error) {
	f.sinces = append(f.sinces, since)
	f.offHoursTZ = tz
	return f.filter(f.offHours, threshold), nil
}

func (f *fakeStats) ExportsByUser(_ context.Context, since time.Time, threshold int) ([]audit.UserCount, error) {
	f.sinces = append(f.sinces, since)
	return f.filter(f.exports, threshold), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(_ context.Context, _, _, eventType string, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}
