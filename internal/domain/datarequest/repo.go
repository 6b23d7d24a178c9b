package datarequest

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// NextNumber returns the next daily counter for request identifiers.
	NextNumber(ctx context.Context, day time.Time) (int, error)
	Create(ctx context.Context, r *DataRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*DataRequest, error)
	GetByRequestID(ctx context.Context, requestID string) (*DataRequest, error)
	// UpdateStatus persists workflow fields; requester identity is never rewritten.
	UpdateStatus(ctx context.Context, r *DataRequest) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]*DataRequest, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*DataRequest, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
