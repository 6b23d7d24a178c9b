package consentform

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error)
	// LatestVersion returns the highest version stored under name, or 0.
	LatestVersion(ctx context.Context, name string) (int, error)
	SetTemplateActive(ctx context.Context, id uuid.UUID, active bool) error

	CreateForm(ctx context.Context, f *Form) error
	GetForm(ctx context.Context, id uuid.UUID) (*Form, error)
	// UpdateForm writes every column; the database refuses content changes.
	UpdateForm(ctx context.Context, f *Form) error
	SearchForms(ctx context.Context, f FormFilter, limit, offset int) ([]*Form, int, error)
	ListFormsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Form, error)

	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
