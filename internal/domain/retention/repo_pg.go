package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/lgpd"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const policyCols = `id, name, data_category, retention_days, warning_days, deletion_method,
	requires_manual_approval, notify_email, legal_reference, active, created_at, updated_at`

const scheduleCols = `id, policy_id, target_type, target_id, reference_date, warning_date, deletion_date,
	status, warning_sent_at, approved_by, approved_at, legal_hold_reason, legal_hold_by, legal_hold_at,
	processed_at, last_error, created_at, updated_at`

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.Name, &p.DataCategory, &p.RetentionDays, &p.WarningDays, &p.DeletionMethod,
		&p.RequiresManualApproval, &p.NotifyEmail, &p.LegalReference, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.PolicyID, &s.TargetType, &s.TargetID, &s.ReferenceDate, &s.WarningDate, &s.DeletionDate,
		&s.Status, &s.WarningSentAt, &s.ApprovedBy, &s.ApprovedAt, &s.LegalHoldReason, &s.LegalHoldBy, &s.LegalHoldAt,
		&s.ProcessedAt, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func collectSchedules(rows pgx.Rows) ([]*Schedule, error) {
	defer rows.Close()
	var items []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *repoPG) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, fn)
}

func (r *repoPG) CreatePolicy(ctx context.Context, p *Policy) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO retention_policy (id, name, data_category, retention_days, warning_days, deletion_method,
			requires_manual_approval, notify_email, legal_reference, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (name) DO NOTHING
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.DataCategory, p.RetentionDays, p.WarningDays, p.DeletionMethod,
		p.RequiresManualApproval, p.NotifyEmail, p.LegalReference, p.Active).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: retention policy %q already exists", apperr.ErrConflict, p.Name)
	}
	if err != nil {
		return fmt.Errorf("insert retention policy: %w", err)
	}
	return nil
}

func (r *repoPG) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	p, err := scanPolicy(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+policyCols+` FROM retention_policy WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "retention policy")
	}
	return p, nil
}

func (r *repoPG) UpdatePolicy(ctx context.Context, p *Policy) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE retention_policy SET name=$2, data_category=$3, retention_days=$4, warning_days=$5,
			deletion_method=$6, requires_manual_approval=$7, notify_email=$8, legal_reference=$9,
			active=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.DataCategory, p.RetentionDays, p.WarningDays,
		p.DeletionMethod, p.RequiresManualApproval, p.NotifyEmail, p.LegalReference, p.Active).Scan(&p.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "retention policy")
	}
	return nil
}

func (r *repoPG) ListPolicies(ctx context.Context, activeOnly bool) ([]*Policy, error) {
	sql := `SELECT ` + policyCols + ` FROM retention_policy`
	if activeOnly {
		sql += ` WHERE active`
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	defer rows.Close()
	var items []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) CountSchedules(ctx context.Context, policyID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM retention_schedule WHERE policy_id = $1`, policyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retention schedules: %w", err)
	}
	return n, nil
}

func (r *repoPG) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM retention_policy WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete retention policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retention policy: %w", apperr.ErrNotFound)
	}
	return nil
}

func (r *repoPG) CreateSchedule(ctx context.Context, s *Schedule) error {
	s.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO retention_schedule (id, policy_id, target_type, target_id, reference_date, warning_date,
			deletion_date, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (policy_id, target_type, target_id) DO NOTHING
		RETURNING created_at, updated_at`,
		s.ID, s.PolicyID, s.TargetType, s.TargetID, s.ReferenceDate, s.WarningDate,
		s.DeletionDate, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s is already scheduled under this policy", apperr.ErrConflict, s.TargetType, s.TargetID)
	}
	if err != nil {
		return fmt.Errorf("insert retention schedule: %w", err)
	}
	return nil
}

func (r *repoPG) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	s, err := scanSchedule(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+scheduleCols+` FROM retention_schedule WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "retention schedule")
	}
	return s, nil
}

func (r *repoPG) UpdateSchedule(ctx context.Context, s *Schedule) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE retention_schedule SET status=$2, warning_sent_at=$3, approved_by=$4, approved_at=$5,
			legal_hold_reason=$6, legal_hold_by=$7, legal_hold_at=$8, processed_at=$9, last_error=$10,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.Status, s.WarningSentAt, s.ApprovedBy, s.ApprovedAt,
		s.LegalHoldReason, s.LegalHoldBy, s.LegalHoldAt, s.ProcessedAt, s.LastError).Scan(&s.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "retention schedule")
	}
	return nil
}

func (f ScheduleFilter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.PolicyID != nil {
		add("policy_id = $%d", *f.PolicyID)
	}
	if f.TargetType != "" {
		add("target_type = $%d", f.TargetType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.DueBefore != nil {
		add("deletion_date <= $%d AND status IN ('active','warning_sent')", *f.DueBefore)
	}
	return clause, args
}

func (r *repoPG) SearchSchedules(ctx context.Context, f ScheduleFilter, limit, offset int) ([]*Schedule, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM retention_schedule`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count retention schedules: %w", err)
	}
	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM retention_schedule%s ORDER BY deletion_date ASC LIMIT $%d OFFSET $%d`, scheduleCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search retention schedules: %w", err)
	}
	items, err := collectSchedules(rows)
	return items, total, err
}

// unapproved matches schedules whose policy requires manual approval and
// that have no recorded approver.
const unapproved = `(approved_by IS NULL OR approved_at IS NULL)
	AND policy_id IN (SELECT id FROM retention_policy WHERE requires_manual_approval)`

func (r *repoPG) ListWarningsDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+scheduleCols+` FROM retention_schedule
		WHERE status = 'active' AND warning_date <= $1
			AND (deletion_date > $1 OR (`+unapproved+`))
		ORDER BY warning_date LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retention warnings due: %w", err)
	}
	return collectSchedules(rows)
}

func (r *repoPG) ListDeletionsDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+scheduleCols+` FROM retention_schedule
		WHERE status IN ('active','warning_sent') AND deletion_date <= $1
			AND NOT (`+unapproved+`)
		ORDER BY deletion_date LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list retention deletions due: %w", err)
	}
	return collectSchedules(rows)
}

func (r *repoPG) CountAwaitingApproval(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM retention_schedule
		WHERE status IN ('active','warning_sent') AND deletion_date <= $1
			AND (approved_by IS NULL OR approved_at IS NULL)
			AND policy_id IN (SELECT id FROM retention_policy WHERE requires_manual_approval AND active)`,
		now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retention schedules awaiting approval: %w", err)
	}
	return n, nil
}

func (r *repoPG) ScheduleUnscheduled(ctx context.Context, p *Policy) (int, error) {
	spec, ok := lgpd.Target(p.DataCategory)
	if !ok {
		return 0, fmt.Errorf("%w: %s", lgpd.ErrUnknownTarget, p.DataCategory)
	}
	// Table and column names come from the static target registry.
	sql := fmt.Sprintf(`
		INSERT INTO retention_schedule (id, policy_id, target_type, target_id, reference_date, warning_date,
			deletion_date, status)
		SELECT gen_random_uuid(), $1::uuid, $2::varchar, t.id, t.%[2]s,
			t.%[2]s + make_interval(days => $3::int) - make_interval(days => $4::int),
			t.%[2]s + make_interval(days => $3::int), 'active'
		FROM %[1]s t
		WHERE NOT EXISTS (
			SELECT 1 FROM retention_schedule s WHERE s.policy_id = $1::uuid AND s.target_id = t.id
		)
		ON CONFLICT (policy_id, target_type, target_id) DO NOTHING`, spec.Table, spec.ReferenceColumn)
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, sql, p.ID, p.DataCategory, p.RetentionDays, p.WarningDays)
	if err != nil {
		return 0, fmt.Errorf("schedule %s targets: %w", p.DataCategory, err)
	}
	return int(tag.RowsAffected()), nil
}
