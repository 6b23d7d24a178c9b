package prescription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreateDrug(ctx context.Context, d *DrugTemplate) error
	GetDrug(ctx context.Context, id uuid.UUID) (*DrugTemplate, error)
	UpdateDrug(ctx context.Context, d *DrugTemplate) error
	ListDrugs(ctx context.Context, f DrugFilter) ([]*DrugTemplate, error)

	// CreateTemplate stores the template and its items.
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)
	// UpdateTemplate rewrites the template row and replaces its items.
	UpdateTemplate(ctx context.Context, t *Template) error
	ListTemplates(ctx context.Context, activeOnly bool, specialty string) ([]*Template, error)

	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	UpdateStatus(ctx context.Context, p *Prescription) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Prescription, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error)

	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
