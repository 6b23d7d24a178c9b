package prescription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/compliance/internal/platform/apperr"
)

var fixedNow = time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)

type mockRepo struct {
	mu        sync.Mutex
	drugs     map[uuid.UUID]*DrugTemplate
	templates map[uuid.UUID]*Template
	rxs       map[uuid.UUID]*Prescription
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		drugs:     make(map[uuid.UUID]*DrugTemplate),
		templates: make(map[uuid.UUID]*Template),
		rxs:       make(map[uuid.UUID]*Prescription),
	}
}

func cloneTemplate(t *Template) *Template {
	cp := *t
	cp.Items = append([]TemplateItem(nil), t.Items...)
	return &cp
}

func clonePrescription(p *Prescription) *Prescription {
	cp := *p
	cp.Items = append([]Item(nil), p.Items...)
	return &cp
}

func (m *mockRepo) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) CreateDrug(_ context.Context, d *DrugTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	cp := *d
	m.drugs[d.ID] = &cp
	return nil
}

func (m *mockRepo) GetDrug(_ context.Context, id uuid.UUID) (*DrugTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drugs[id]
	if !ok {
		return nil, fmt.Errorf("drug template: %w", apperr.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *mockRepo) UpdateDrug(_ context.Context, d *DrugTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drugs[d.ID]; !ok {
		return fmt.Errorf("drug template: %w", apperr.ErrNotFound)
	}
	cp := *d
	m.drugs[d.ID] = &cp
	return nil
}

func (m *mockRepo) ListDrugs(_ context.Context, f DrugFilter) ([]*DrugTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DrugTemplate
	for _, d := range m.drugs {
		if f.ActiveOnly && !d.Active {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Query)) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRepo) CreateTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	for i := range t.Items {
		t.Items[i].ID = uuid.New()
		t.Items[i].TemplateID = t.ID
	}
	m.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (m *mockRepo) GetTemplate(_ context.Context, id uuid.UUID) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("prescription template: %w", apperr.ErrNotFound)
	}
	return cloneTemplate(t), nil
}

func (m *mockRepo) UpdateTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		return fmt.Errorf("prescription template: %w", apperr.ErrNotFound)
	}
	m.templates[t.ID] = cloneTemplate(t)
	return nil
}

func (m *mockRepo) ListTemplates(_ context.Context, activeOnly bool, specialty string) ([]*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Template
	for _, t := range m.templates {
		if activeOnly && !t.Active {
			continue
		}
		if specialty != "" && (t.Specialty == nil || *t.Specialty != specialty) {
			continue
		}
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockRepo) Create(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	for i := range p.Items {
		p.Items[i].ID = uuid.New()
		p.Items[i].PrescriptionID = p.ID
	}
	m.rxs[p.ID] = clonePrescription(p)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rxs[id]
	if !ok {
		return nil, fmt.Errorf("prescription: %w", apperr.ErrNotFound)
	}
	return clonePrescription(p), nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rxs[p.ID]
	if !ok {
		return fmt.Errorf("prescription: %w", apperr.ErrNotFound)
	}
	stored.Status = p.Status
	return nil
}

func (m *mockRepo) Search(_ context.Context, f Filter, limit, offset int) ([]*Prescription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Prescription
	for _, p := range m.rxs {
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Since != nil && p.PrescribedAt.Before(*f.Since) {
			continue
		}
		all = append(all, clonePrescription(p))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PrescribedAt.After(all[j].PrescribedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	items, _, err := m.Search(ctx, Filter{PatientID: &patientID}, 1000, 0)
	return items, err
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
