//go:build integration

package datarequest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db/dbtest"
)

func TestRepoPG_Lifecycle(t *testing.T) {
	ctx, pool := dbtest.TenantContext(t)
	repo := NewRepoPG(pool)

	day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	n1, err := repo.NextNumber(ctx, day)
	require.NoError(t, err)
	n2, err := repo.NextNumber(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
	other, err := repo.NextNumber(ctx, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, other)

	patientID := uuid.New()
	requested := day.Add(9 * time.Hour)
	r := &DataRequest{
		RequestID:      "LGPD-20240502-0001",
		PatientID:      &patientID,
		RequesterName:  "Ana Lima",
		RequesterEmail: "ana@example.com",
		Relationship:   "self",
		RequestType:    "deletion",
		Status:         StatusPending,
		RequestedAt:    requested,
		DueDate:        DueDateFor(requested),
	}
	require.NoError(t, repo.Create(ctx, r))
	assert.NotEqual(t, uuid.Nil, r.ID)

	got, err := repo.GetByRequestID(ctx, "LGPD-20240502-0001")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.True(t, got.DueDate.Equal(r.DueDate))

	reviewer := "dpo-1"
	got.Status = StatusUnderReview
	got.AssignedTo = &reviewer
	require.NoError(t, repo.UpdateStatus(ctx, got))

	items, total, err := repo.Search(ctx, Filter{Status: StatusUnderReview, PatientID: &patientID}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "dpo-1", *items[0].AssignedTo)

	overdueAt := requested.Add(20 * 24 * time.Hour)
	_, total, err = repo.Search(ctx, Filter{OverdueAt: &overdueAt}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	byPatient, err := repo.ListByPatient(ctx, patientID)
	require.NoError(t, err)
	assert.Len(t, byPatient, 1)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRepoPG_DuplicateRequestIDRejected(t *testing.T) {
	ctx, pool := dbtest.TenantContext(t)
	repo := NewRepoPG(pool)
	now := time.Now().UTC()
	mk := func() *DataRequest {
		return &DataRequest{
			RequestID: "LGPD-20240502-0009", RequesterName: "A", RequesterEmail: "a@example.com",
			Relationship: "self", RequestType: "access", Status: StatusPending,
			RequestedAt: now, DueDate: DueDateFor(now),
		}
	}
	require.NoError(t, repo.Create(ctx, mk()))
	assert.Error(t, repo.Create(ctx, mk()))
}

func TestRepoPG_RunInTxRollsBack(t *testing.T) {
	ctx, pool := dbtest.TenantContext(t)
	repo := NewRepoPG(pool)
	now := time.Now().UTC()

	err := repo.RunInTx(ctx, func(ctx context.Context) error {
		r := &DataRequest{
			RequestID: "LGPD-20240502-0042", RequesterName: "B", RequesterEmail: "b@example.com",
			Relationship: "self", RequestType: "access", Status: StatusPending,
			RequestedAt: now, DueDate: DueDateFor(now),
		}
		if err := repo.Create(ctx, r); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = repo.GetByRequestID(ctx, "LGPD-20240502-0042")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
