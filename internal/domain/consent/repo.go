package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	ListLegalBases(ctx context.Context) ([]*LegalBasis, error)
	GetLegalBasis(ctx context.Context, id uuid.UUID) (*LegalBasis, error)
	// UpsertLegalBasis inserts by code and reports whether a row was added.
	UpsertLegalBasis(ctx context.Context, b *LegalBasis) (bool, error)

	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// UpdateStatus persists status, withdrawal fields and updated_at.
	UpdateStatus(ctx context.Context, r *Record) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error)
	// ListExpired returns granted records whose expires_at is not after now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
