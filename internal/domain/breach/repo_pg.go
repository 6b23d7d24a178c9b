package breach

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

const incidentCols = `id, incident_number, title, description, incident_type, severity, risk_level, status,
	affected_records, affected_subjects, data_categories, sensitive_data, detected_at, detected_by,
	auto_detected, detection_rule, subject_user_id, contained_at, resolved_at, closed_at,
	requires_anpd_notification, anpd_deadline, anpd_notified_at, anpd_protocol,
	requires_subject_notification, subject_deadline, subjects_notified_at, created_at, updated_at`

const notificationCols = `id, incident_id, recipient_type, recipient_name, recipient_email, channel,
	subject, body, status, sent_at, sent_by, error, protocol_number, created_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var i Incident
	err := row.Scan(&i.ID, &i.IncidentNumber, &i.Title, &i.Description, &i.IncidentType, &i.Severity, &i.RiskLevel, &i.Status,
		&i.AffectedRecords, &i.AffectedSubjects, &i.DataCategories, &i.SensitiveData, &i.DetectedAt, &i.DetectedBy,
		&i.AutoDetected, &i.DetectionRule, &i.SubjectUserID, &i.ContainedAt, &i.ResolvedAt, &i.ClosedAt,
		&i.RequiresANPDNotification, &i.ANPDDeadline, &i.ANPDNotifiedAt, &i.ANPDProtocol,
		&i.RequiresSubjectNotification, &i.SubjectDeadline, &i.SubjectsNotifiedAt, &i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.IncidentID, &n.RecipientType, &n.RecipientName, &n.RecipientEmail, &n.Channel,
		&n.Subject, &n.Body, &n.Status, &n.SentAt, &n.SentBy, &n.Error, &n.ProtocolNumber, &n.CreatedAt)
	return &n, err
}

func collectIncidents(rows pgx.Rows) ([]*Incident, error) {
	defer rows.Close()
	var items []*Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *repoPG) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, fn)
}

func (r *repoPG) NextNumber(ctx context.Context, day time.Time) (int, error) {
	return db.NextDailySequence(ctx, db.Conn(ctx, r.pool), "INC", day)
}

func (r *repoPG) Create(ctx context.Context, i *Incident) error {
	i.ID = uuid.New()
	if i.DataCategories == nil {
		i.DataCategories = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO security_incident (id, incident_number, title, description, incident_type, severity,
			risk_level, status, affected_records, affected_subjects, data_categories, sensitive_data,
			detected_at, detected_by, auto_detected, detection_rule, subject_user_id,
			requires_anpd_notification, anpd_deadline, requires_subject_notification, subject_deadline)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING created_at, updated_at`,
		i.ID, i.IncidentNumber, i.Title, i.Description, i.IncidentType, i.Severity,
		i.RiskLevel, i.Status, i.AffectedRecords, i.AffectedSubjects, i.DataCategories, i.SensitiveData,
		i.DetectedAt, i.DetectedBy, i.AutoDetected, i.DetectionRule, i.SubjectUserID,
		i.RequiresANPDNotification, i.ANPDDeadline, i.RequiresSubjectNotification, i.SubjectDeadline,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert security incident: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Incident, error) {
	i, err := scanIncident(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+incidentCols+` FROM security_incident WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.NotFound(err, "security incident")
	}
	return i, nil
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*Incident, error) {
	i, err := scanIncident(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+incidentCols+` FROM security_incident WHERE incident_number = $1`, number))
	if err != nil {
		return nil, apperr.NotFound(err, "security incident")
	}
	return i, nil
}

func (r *repoPG) Update(ctx context.Context, i *Incident) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE security_incident SET title=$2, description=$3, severity=$4, risk_level=$5, status=$6,
			affected_records=$7, affected_subjects=$8, data_categories=$9, sensitive_data=$10,
			contained_at=$11, resolved_at=$12, closed_at=$13,
			requires_anpd_notification=$14, anpd_deadline=$15, anpd_notified_at=$16, anpd_protocol=$17,
			requires_subject_notification=$18, subject_deadline=$19, subjects_notified_at=$20,
			updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		i.ID, i.Title, i.Description, i.Severity, i.RiskLevel, i.Status,
		i.AffectedRecords, i.AffectedSubjects, i.DataCategories, i.SensitiveData,
		i.ContainedAt, i.ResolvedAt, i.ClosedAt,
		i.RequiresANPDNotification, i.ANPDDeadline, i.ANPDNotifiedAt, i.ANPDProtocol,
		i.RequiresSubjectNotification, i.SubjectDeadline, i.SubjectsNotifiedAt,
	).Scan(&i.UpdatedAt)
	if err != nil {
		return apperr.NotFound(err, "security incident")
	}
	return nil
}

func (f IncidentFilter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.IncidentType != "" {
		add("incident_type = $%d", f.IncidentType)
	}
	if f.AutoDetected != nil {
		add("auto_detected = $%d", *f.AutoDetected)
	}
	if f.OpenOnly {
		clause += " AND status <> 'closed'"
	}
	return clause, args
}

func (r *repoPG) Search(ctx context.Context, f IncidentFilter, limit, offset int) ([]*Incident, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM security_incident`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count security incidents: %w", err)
	}

	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM security_incident%s ORDER BY detected_at DESC LIMIT $%d OFFSET $%d`, incidentCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search security incidents: %w", err)
	}
	items, err := collectIncidents(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) HasOpenForRule(ctx context.Context, rule, userID string) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM security_incident
			WHERE detection_rule = $1 AND subject_user_id = $2 AND status <> 'closed')`,
		rule, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open incident: %w", err)
	}
	return exists, nil
}

func (r *repoPG) ListPendingNotification(ctx context.Context) ([]*Incident, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+incidentCols+` FROM security_incident
		WHERE (requires_anpd_notification AND anpd_notified_at IS NULL)
		   OR (requires_subject_notification AND subjects_notified_at IS NULL)
		ORDER BY LEAST(anpd_deadline, subject_deadline) NULLS LAST, detected_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending incidents: %w", err)
	}
	return collectIncidents(rows)
}

func (r *repoPG) CreateNotification(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	if n.Channel == "" {
		n.Channel = ChannelEmail
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO breach_notification (id, incident_id, recipient_type, recipient_name, recipient_email,
			channel, subject, body, status, sent_at, sent_by, error, protocol_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		n.ID, n.IncidentID, n.RecipientType, n.RecipientName, n.RecipientEmail,
		n.Channel, n.Subject, n.Body, n.Status, n.SentAt, n.SentBy, n.Error, n.ProtocolNumber,
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert breach notification: %w", err)
	}
	return nil
}

func (r *repoPG) ListNotifications(ctx context.Context, incidentID uuid.UUID) ([]*Notification, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+notificationCols+` FROM breach_notification
		WHERE incident_id = $1 ORDER BY created_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list breach notifications: %w", err)
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}
