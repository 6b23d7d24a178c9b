package consent

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

const basisCols = `id, code, article, title, description, requires_consent, sensitive_data, created_at`

const recordCols = `id, patient_id, purpose, legal_basis_id, description, status, granted_at, expires_at,
	withdrawn_at, withdrawal_reason, collection_method, version, created_by, created_at, updated_at`

func scanBasis(row pgx.Row) (*LegalBasis, error) {
	var b LegalBasis
	err := row.Scan(&b.ID, &b.Code, &b.Article, &b.Title, &b.Description, &b.RequiresConsent, &b.SensitiveData, &b.CreatedAt)
	return &b, err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.PatientID, &r.Purpose, &r.LegalBasisID, &r.Description, &r.Status, &r.GrantedAt, &r.ExpiresAt,
		&r.WithdrawnAt, &r.WithdrawalReason, &r.CollectionMethod, &r.Version, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func collect(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (p *repoPG) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, fn)
}

func (p *repoPG) ListLegalBases(ctx context.Context) ([]*LegalBasis, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `SELECT `+basisCols+` FROM legal_basis ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list legal bases: %w", err)
	}
	defer rows.Close()
	var items []*LegalBasis
	for rows.Next() {
		b, err := scanBasis(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (p *repoPG) GetLegalBasis(ctx context.Context, id uuid.UUID) (*LegalBasis, error) {
	b, err := scanBasis(db.Conn(ctx, p.pool).QueryRow(ctx, `SELECT `+basisCols+` FROM legal_basis WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "legal basis")
	}
	return b, nil
}

func (p *repoPG) UpsertLegalBasis(ctx context.Context, b *LegalBasis) (bool, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	tag, err := db.Conn(ctx, p.pool).Exec(ctx, `
		INSERT INTO legal_basis (id, code, article, title, description, requires_consent, sensitive_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (code) DO NOTHING`,
		b.ID, b.Code, b.Article, b.Title, b.Description, b.RequiresConsent, b.SensitiveData)
	if err != nil {
		return false, fmt.Errorf("upsert legal basis %s: %w", b.Code, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *repoPG) Create(ctx context.Context, r *Record) error {
	r.ID = uuid.New()
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO consent_record (id, patient_id, purpose, legal_basis_id, description, status,
			granted_at, expires_at, collection_method, version, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		r.ID, r.PatientID, r.Purpose, r.LegalBasisID, r.Description, r.Status,
		r.GrantedAt, r.ExpiresAt, r.CollectionMethod, r.Version, r.CreatedBy).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent record: %w", err)
	}
	return nil
}

func (p *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(db.Conn(ctx, p.pool).QueryRow(ctx, `SELECT `+recordCols+` FROM consent_record WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "consent record")
	}
	return r, nil
}

func (p *repoPG) UpdateStatus(ctx context.Context, r *Record) error {
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		UPDATE consent_record SET status=$2, withdrawn_at=$3, withdrawal_reason=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		r.ID, r.Status, r.WithdrawnAt, r.WithdrawalReason).Scan(&r.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "consent record")
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
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Purpose != "" {
		add("purpose = $%d", f.Purpose)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	return clause, args
}

func (p *repoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, p.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM consent_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consent records: %w", err)
	}
	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM consent_record%s ORDER BY granted_at DESC LIMIT $%d OFFSET $%d`, recordCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search consent records: %w", err)
	}
	items, err := collect(rows)
	return items, total, err
}

func (p *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx,
		`SELECT `+recordCols+` FROM consent_record WHERE patient_id = $1 ORDER BY granted_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list consent records by patient: %w", err)
	}
	return collect(rows)
}

func (p *repoPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := db.Conn(ctx, p.pool).Query(ctx, `
		SELECT `+recordCols+` FROM consent_record
		WHERE status = 'granted' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired consent records: %w", err)
	}
	return collect(rows)
}
