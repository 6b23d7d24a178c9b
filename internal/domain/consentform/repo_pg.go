package consentform

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const templateCols = `id, name, version, description, markdown, required_placeholders, active,
	created_by, created_at, updated_at`

const formCols = `id, template_id, template_version, patient_id, form_date, placeholder_values,
	rendered_markdown, content_hash, signed_by, signed_at, witness_name, revoked_at, created_by, created_at`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.Version, &t.Description, &t.Markdown, &t.RequiredPlaceholders, &t.Active,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func scanForm(row pgx.Row) (*Form, error) {
	var f Form
	err := row.Scan(&f.ID, &f.TemplateID, &f.TemplateVersion, &f.PatientID, &f.FormDate, &f.Values,
		&f.RenderedMarkdown, &f.ContentHash, &f.SignedBy, &f.SignedAt, &f.WitnessName, &f.RevokedAt, &f.CreatedBy, &f.CreatedAt)
	return &f, err
}

func collectForms(rows pgx.Rows) ([]*Form, error) {
	defer rows.Close()
	var items []*Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

func (r *repoPG) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, fn)
}

func (r *repoPG) CreateTemplate(ctx context.Context, t *Template) error {
	t.ID = uuid.New()
	if t.RequiredPlaceholders == nil {
		t.RequiredPlaceholders = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO consent_template (id, name, version, description, markdown, required_placeholders, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name, version) DO NOTHING
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Version, t.Description, t.Markdown, t.RequiredPlaceholders, t.Active, t.CreatedBy,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: template %q version %d already exists", apperr.ErrConflict, t.Name, t.Version)
	}
	if err != nil {
		return fmt.Errorf("insert consent template: %w", err)
	}
	return nil
}

func (r *repoPG) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	t, err := scanTemplate(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+templateCols+` FROM consent_template WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "consent template")
	}
	return t, nil
}

func (r *repoPG) ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error) {
	sql := `SELECT ` + templateCols + ` FROM consent_template`
	if activeOnly {
		sql += ` WHERE active`
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql+` ORDER BY name, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list consent templates: %w", err)
	}
	defer rows.Close()
	var items []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) LatestVersion(ctx context.Context, name string) (int, error) {
	var v int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM consent_template WHERE name = $1`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("latest template version: %w", err)
	}
	return v, nil
}

func (r *repoPG) SetTemplateActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE consent_template SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update consent template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consent template: %w", apperr.ErrNotFound)
	}
	return nil
}

func (r *repoPG) CreateForm(ctx context.Context, f *Form) error {
	f.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO consent_form (id, template_id, template_version, patient_id, form_date, placeholder_values,
			rendered_markdown, content_hash, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		f.ID, f.TemplateID, f.TemplateVersion, f.PatientID, f.FormDate, f.Values,
		f.RenderedMarkdown, f.ContentHash, f.CreatedBy,
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert consent form: %w", err)
	}
	return nil
}

func (r *repoPG) GetForm(ctx context.Context, id uuid.UUID) (*Form, error) {
	f, err := scanForm(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+formCols+` FROM consent_form WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "consent form")
	}
	return f, nil
}

// UpdateForm maps the immutability trigger's check_violation to ErrImmutable.
func (r *repoPG) UpdateForm(ctx context.Context, f *Form) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE consent_form SET rendered_markdown=$2, content_hash=$3, placeholder_values=$4,
			signed_by=$5, signed_at=$6, witness_name=$7, revoked_at=$8
		WHERE id = $1`,
		f.ID, f.RenderedMarkdown, f.ContentHash, f.Values, f.SignedBy, f.SignedAt, f.WitnessName, f.RevokedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", ErrImmutable, pgErr.Message)
	}
	if err != nil {
		return fmt.Errorf("update consent form: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consent form: %w", apperr.ErrNotFound)
	}
	return nil
}

func (f FormFilter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.TemplateID != nil {
		add("template_id = $%d", *f.TemplateID)
	}
	if f.Signed != nil {
		if *f.Signed {
			clause += " AND signed_at IS NOT NULL"
		} else {
			clause += " AND signed_at IS NULL"
		}
	}
	return clause, args
}

func (r *repoPG) SearchForms(ctx context.Context, f FormFilter, limit, offset int) ([]*Form, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM consent_form`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consent forms: %w", err)
	}

	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM consent_form%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, formCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search consent forms: %w", err)
	}
	items, err := collectForms(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListFormsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Form, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+formCols+` FROM consent_form WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list consent forms: %w", err)
	}
	return collectForms(rows)
}
