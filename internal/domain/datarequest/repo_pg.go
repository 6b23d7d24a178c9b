package datarequest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const requestCols = `id, request_id, patient_id, requester_name, requester_email, requester_phone,
	requester_document, relationship, request_type, description, status, requested_at, due_date,
	assigned_to, reviewed_by, reviewed_at, response_notes, rejection_reason, completed_at,
	created_at, updated_at`

func scanRequest(row pgx.Row) (*DataRequest, error) {
	var r DataRequest
	err := row.Scan(&r.ID, &r.RequestID, &r.PatientID, &r.RequesterName, &r.RequesterEmail, &r.RequesterPhone,
		&r.RequesterDocument, &r.Relationship, &r.RequestType, &r.Description, &r.Status, &r.RequestedAt, &r.DueDate,
		&r.AssignedTo, &r.ReviewedBy, &r.ReviewedAt, &r.ResponseNotes, &r.RejectionReason, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (p *repoPG) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, fn)
}

func (p *repoPG) NextNumber(ctx context.Context, day time.Time) (int, error) {
	return db.NextDailySequence(ctx, db.Conn(ctx, p.pool), "LGPD", day)
}

func (p *repoPG) Create(ctx context.Context, r *DataRequest) error {
	r.ID = uuid.New()
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO patient_data_request (id, request_id, patient_id, requester_name, requester_email,
			requester_phone, requester_document, relationship, request_type, description, status,
			requested_at, due_date, assigned_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		r.ID, r.RequestID, r.PatientID, r.RequesterName, r.RequesterEmail,
		r.RequesterPhone, r.RequesterDocument, r.Relationship, r.RequestType, r.Description, r.Status,
		r.RequestedAt, r.DueDate, r.AssignedTo).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert data request: %w", err)
	}
	return nil
}

func (p *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*DataRequest, error) {
	r, err := scanRequest(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+requestCols+` FROM patient_data_request WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "data request")
	}
	return r, nil
}

func (p *repoPG) GetByRequestID(ctx context.Context, requestID string) (*DataRequest, error) {
	r, err := scanRequest(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+requestCols+` FROM patient_data_request WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, apperr.NotFound(err, "data request")
	}
	return r, nil
}

func (p *repoPG) UpdateStatus(ctx context.Context, r *DataRequest) error {
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		UPDATE patient_data_request SET status=$2, assigned_to=$3, reviewed_by=$4, reviewed_at=$5,
			response_notes=$6, rejection_reason=$7, completed_at=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		r.ID, r.Status, r.AssignedTo, r.ReviewedBy, r.ReviewedAt,
		r.ResponseNotes, r.RejectionReason, r.CompletedAt).Scan(&r.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "data request")
	}
	return nil
}

func (f Filter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.RequestType != "" {
		add("request_type = $%d", f.RequestType)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.OverdueAt != nil {
		add("due_date < $%d AND status IN ('pending','under_review','approved')", *f.OverdueAt)
	}
	return clause, args
}

func (p *repoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*DataRequest, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, p.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM patient_data_request`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count data requests: %w", err)
	}

	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM patient_data_request%s ORDER BY due_date ASC, requested_at ASC LIMIT $%d OFFSET $%d`,
			requestCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search data requests: %w", err)
	}
	defer rows.Close()
	var items []*DataRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}

func (p *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*DataRequest, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx,
		`SELECT `+requestCols+` FROM patient_data_request WHERE patient_id = $1 ORDER BY requested_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list data requests by patient: %w", err)
	}
	defer rows.Close()
	var items []*DataRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}
