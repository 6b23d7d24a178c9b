package prescription

import (
	"context"
	"fmt"

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

// Optional text columns are stored as NULL when blank and read back as "".
const drugCols = `id, name, COALESCE(active_ingredient,''), COALESCE(concentration,''),
	COALESCE(pharmaceutical_form,''), COALESCE(route,''), COALESCE(default_dosage,''),
	COALESCE(default_frequency,''), COALESCE(default_duration,''), COALESCE(default_quantity,''),
	COALESCE(instructions,''), controlled, active, created_at, updated_at`

const templateCols = `id, name, description, specialty, active, created_by, created_at, updated_at`

const templateItemCols = `id, template_id, drug_template_id, COALESCE(dosage,''), COALESCE(frequency,''),
	COALESCE(duration,''), COALESCE(quantity,''), COALESCE(instructions,''), sort_order`

const rxCols = `id, patient_id, patient_name, prescriber_name, prescriber_registry, prescribed_at,
	notes, source_template_id, status, created_at, updated_at`

const itemCols = `id, prescription_id, drug_name, COALESCE(active_ingredient,''), COALESCE(concentration,''),
	COALESCE(pharmaceutical_form,''), COALESCE(route,''), COALESCE(dosage,''), COALESCE(frequency,''),
	COALESCE(duration,''), COALESCE(quantity,''), COALESCE(instructions,''), controlled, sort_order`

func scanDrug(row pgx.Row) (*DrugTemplate, error) {
	var d DrugTemplate
	err := row.Scan(&d.ID, &d.Name, &d.ActiveIngredient, &d.Concentration,
		&d.PharmaceuticalForm, &d.Route, &d.DefaultDosage,
		&d.DefaultFrequency, &d.DefaultDuration, &d.DefaultQuantity,
		&d.Instructions, &d.Controlled, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Specialty, &t.Active, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func scanTemplateItem(row pgx.Row) (TemplateItem, error) {
	var it TemplateItem
	err := row.Scan(&it.ID, &it.TemplateID, &it.DrugTemplateID, &it.Dosage, &it.Frequency,
		&it.Duration, &it.Quantity, &it.Instructions, &it.SortOrder)
	return it, err
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.PatientName, &p.PrescriberName, &p.PrescriberRegistry, &p.PrescribedAt,
		&p.Notes, &p.SourceTemplateID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.PrescriptionID, &it.DrugName, &it.ActiveIngredient, &it.Concentration,
		&it.PharmaceuticalForm, &it.Route, &it.Dosage, &it.Frequency,
		&it.Duration, &it.Quantity, &it.Instructions, &it.Controlled, &it.SortOrder)
	return it, err
}

func (r *repoPG) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, fn)
}

// -- Drug templates --

func (r *repoPG) CreateDrug(ctx context.Context, d *DrugTemplate) error {
	d.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO drug_template (id, name, active_ingredient, concentration, pharmaceutical_form, route,
			default_dosage, default_frequency, default_duration, default_quantity, instructions, controlled, active)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),
			NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),$12,$13)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.ActiveIngredient, d.Concentration, d.PharmaceuticalForm, d.Route,
		d.DefaultDosage, d.DefaultFrequency, d.DefaultDuration, d.DefaultQuantity, d.Instructions, d.Controlled, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert drug template: %w", err)
	}
	return nil
}

func (r *repoPG) GetDrug(ctx context.Context, id uuid.UUID) (*DrugTemplate, error) {
	d, err := scanDrug(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+drugCols+` FROM drug_template WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "drug template")
	}
	return d, nil
}

func (r *repoPG) UpdateDrug(ctx context.Context, d *DrugTemplate) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE drug_template SET name=$2, active_ingredient=NULLIF($3,''), concentration=NULLIF($4,''),
			pharmaceutical_form=NULLIF($5,''), route=NULLIF($6,''), default_dosage=NULLIF($7,''),
			default_frequency=NULLIF($8,''), default_duration=NULLIF($9,''), default_quantity=NULLIF($10,''),
			instructions=NULLIF($11,''), controlled=$12, active=$13, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Name, d.ActiveIngredient, d.Concentration, d.PharmaceuticalForm, d.Route,
		d.DefaultDosage, d.DefaultFrequency, d.DefaultDuration, d.DefaultQuantity, d.Instructions, d.Controlled, d.Active,
	).Scan(&d.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "drug template")
	}
	return nil
}

func (r *repoPG) ListDrugs(ctx context.Context, f DrugFilter) ([]*DrugTemplate, error) {
	sql := `SELECT ` + drugCols + ` FROM drug_template WHERE 1=1`
	var args []interface{}
	if f.ActiveOnly {
		sql += ` AND active`
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		sql += ` AND (name ILIKE $1 OR active_ingredient ILIKE $1)`
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list drug templates: %w", err)
	}
	defer rows.Close()
	var items []*DrugTemplate
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// -- Prescription templates --

func (r *repoPG) insertTemplateItems(ctx context.Context, t *Template) error {
	q := db.Conn(ctx, r.pool)
	for i := range t.Items {
		it := &t.Items[i]
		it.ID = uuid.New()
		it.TemplateID = t.ID
		_, err := q.Exec(ctx, `
			INSERT INTO prescription_template_item (id, template_id, drug_template_id, dosage, frequency,
				duration, quantity, instructions, sort_order)
			VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9)`,
			it.ID, it.TemplateID, it.DrugTemplateID, it.Dosage, it.Frequency,
			it.Duration, it.Quantity, it.Instructions, it.SortOrder)
		if err != nil {
			return fmt.Errorf("insert prescription template item: %w", err)
		}
	}
	return nil
}

func (r *repoPG) CreateTemplate(ctx context.Context, t *Template) error {
	t.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO prescription_template (id, name, description, specialty, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Description, t.Specialty, t.Active, t.CreatedBy,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription template: %w", err)
	}
	return r.insertTemplateItems(ctx, t)
}

func (r *repoPG) templateItems(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]TemplateItem, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+templateItemCols+` FROM prescription_template_item WHERE template_id = ANY($1) ORDER BY sort_order, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("list prescription template items: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]TemplateItem, len(ids))
	for rows.Next() {
		it, err := scanTemplateItem(rows)
		if err != nil {
			return nil, err
		}
		out[it.TemplateID] = append(out[it.TemplateID], it)
	}
	return out, rows.Err()
}

func (r *repoPG) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	t, err := scanTemplate(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+templateCols+` FROM prescription_template WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "prescription template")
	}
	items, err := r.templateItems(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	t.Items = items[id]
	return t, nil
}

func (r *repoPG) UpdateTemplate(ctx context.Context, t *Template) error {
	q := db.Conn(ctx, r.pool)
	err := q.QueryRow(ctx, `
		UPDATE prescription_template SET name=$2, description=$3, specialty=$4, active=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Name, t.Description, t.Specialty, t.Active,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "prescription template")
	}
	if _, err := q.Exec(ctx, `DELETE FROM prescription_template_item WHERE template_id = $1`, t.ID); err != nil {
		return fmt.Errorf("clear prescription template items: %w", err)
	}
	return r.insertTemplateItems(ctx, t)
}

func (r *repoPG) ListTemplates(ctx context.Context, activeOnly bool, specialty string) ([]*Template, error) {
	sql := `SELECT ` + templateCols + ` FROM prescription_template WHERE 1=1`
	var args []interface{}
	if activeOnly {
		sql += ` AND active`
	}
	if specialty != "" {
		args = append(args, specialty)
		sql += ` AND specialty = $1`
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescription templates: %w", err)
	}
	defer rows.Close()
	var items []*Template
	var ids []uuid.UUID
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return items, nil
	}
	byTemplate, err := r.templateItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range items {
		t.Items = byTemplate[t.ID]
	}
	return items, nil
}

// -- Prescriptions --

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	q := db.Conn(ctx, r.pool)
	p.ID = uuid.New()
	err := q.QueryRow(ctx, `
		INSERT INTO prescription (id, patient_id, patient_name, prescriber_name, prescriber_registry,
			prescribed_at, notes, source_template_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PatientName, p.PrescriberName, p.PrescriberRegistry,
		p.PrescribedAt, p.Notes, p.SourceTemplateID, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	for i := range p.Items {
		it := &p.Items[i]
		it.ID = uuid.New()
		it.PrescriptionID = p.ID
		_, err := q.Exec(ctx, `
			INSERT INTO prescription_item (id, prescription_id, drug_name, active_ingredient, concentration,
				pharmaceutical_form, route, dosage, frequency, duration, quantity, instructions, controlled, sort_order)
			VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),
				NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),NULLIF($11,''),NULLIF($12,''),$13,$14)`,
			it.ID, it.PrescriptionID, it.DrugName, it.ActiveIngredient, it.Concentration,
			it.PharmaceuticalForm, it.Route, it.Dosage, it.Frequency, it.Duration, it.Quantity, it.Instructions,
			it.Controlled, it.SortOrder)
		if err != nil {
			return fmt.Errorf("insert prescription item: %w", err)
		}
	}
	return nil
}

func (r *repoPG) loadItems(ctx context.Context, rxs []*Prescription) error {
	if len(rxs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(rxs))
	byID := make(map[uuid.UUID]*Prescription, len(rxs))
	for i, p := range rxs {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+itemCols+` FROM prescription_item WHERE prescription_id = ANY($1) ORDER BY sort_order, id`, ids)
	if err != nil {
		return fmt.Errorf("list prescription items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		p := byID[it.PrescriptionID]
		p.Items = append(p.Items, it)
	}
	return rows.Err()
}

func collectPrescriptions(rows pgx.Rows) ([]*Prescription, error) {
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+rxCols+` FROM prescription WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "prescription")
	}
	if err := r.loadItems(ctx, []*Prescription{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, p *Prescription) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE prescription SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING updated_at`,
		p.ID, p.Status).Scan(&p.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "prescription")
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
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Since != nil {
		add("prescribed_at >= $%d", *f.Since)
	}
	return clause, args
}

func (r *repoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Prescription, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM prescription`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}

	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM prescription%s ORDER BY prescribed_at DESC LIMIT $%d OFFSET $%d`, rxCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search prescriptions: %w", err)
	}
	items, err := collectPrescriptions(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := r.loadItems(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+rxCols+` FROM prescription WHERE patient_id = $1 ORDER BY prescribed_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	items, err := collectPrescriptions(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}
