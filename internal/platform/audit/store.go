// Package audit persists personal-data access events and answers the
// aggregate questions breach detection asks about them.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/middleware"
)

// AccessLog is one row of the access_log table.
type AccessLog struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"user_id"`
	Roles        []string   `json:"roles"`
	Action       string     `json:"action"`
	ResourceType string     `json:"resource_type"`
	ResourceID   *string    `json:"resource_id,omitempty"`
	PatientID    *uuid.UUID `json:"patient_id,omitempty"`
	IPAddress    *string    `json:"ip_address,omitempty"`
	UserAgent    *string    `json:"user_agent,omitempty"`
	RequestID    *string    `json:"request_id,omitempty"`
	StatusCode   int        `json:"status_code"`
	AccessedAt   time.Time  `json:"accessed_at"`
}

// UserCount pairs a user with the number of matching accesses.
type UserCount struct {
	UserID string
	Count  int
}

// Filter narrows access log searches.
type Filter struct {
	UserID    string
	PatientID *uuid.UUID
	Action    string
	Since     *time.Time
	Until     *time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RecordAccess implements middleware.AuditRecorder.
func (s *Store) RecordAccess(ctx context.Context, e middleware.AuditEntry) error {
	if e.UserID == "" {
		e.UserID = "anonymous"
	}
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO access_log (id, user_id, roles, action, resource_type, resource_id,
			patient_id, ip_address, user_agent, request_id, status_code, accessed_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11,$12)`,
		uuid.New(), e.UserID, e.UserRoles, e.Action, e.ResourceType, e.ResourceID,
		e.PatientID, e.IPAddress, e.UserAgent, e.RequestID, e.StatusCode, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// Record stores an access performed outside the HTTP middleware, such as a
// patient export assembled by a batch command.
func (s *Store) Record(ctx context.Context, userID, action, resourceType string, patientID *uuid.UUID) error {
	return s.RecordAccess(ctx, middleware.AuditEntry{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		PatientID:    patientID,
		StatusCode:   200,
		Timestamp:    time.Now().UTC(),
	})
}

const accessCols = `id, user_id, roles, action, resource_type, resource_id, patient_id,
	ip_address, user_agent, request_id, COALESCE(status_code, 0), accessed_at`

func scanAccess(row pgx.Row) (*AccessLog, error) {
	var a AccessLog
	err := row.Scan(&a.ID, &a.UserID, &a.Roles, &a.Action, &a.ResourceType, &a.ResourceID,
		&a.PatientID, &a.IPAddress, &a.UserAgent, &a.RequestID, &a.StatusCode, &a.AccessedAt)
	return &a, err
}

func (f Filter) where() (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Since != nil {
		add("accessed_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("accessed_at < $%d", *f.Until)
	}
	return clause, args
}

// Search returns matching rows, newest first, and the total count.
func (s *Store) Search(ctx context.Context, f Filter, limit, offset int) ([]*AccessLog, int, error) {
	where, args := f.where()
	q := db.Conn(ctx, s.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM access_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count access log: %w", err)
	}

	n := len(args)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM access_log%s ORDER BY accessed_at DESC LIMIT $%d OFFSET $%d`, accessCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search access log: %w", err)
	}
	defer rows.Close()

	var items []*AccessLog
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (s *Store) countByUser(ctx context.Context, sql string, args ...interface{}) ([]UserCount, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserCount
	for rows.Next() {
		var uc UserCount
		if err := rows.Scan(&uc.UserID, &uc.Count); err != nil {
			return nil, err
		}
		out = append(out, uc)
	}
	return out, rows.Err()
}

// DistinctPatientsByUser returns users who touched more than threshold
// distinct patients since the given time.
func (s *Store) DistinctPatientsByUser(ctx context.Context, since time.Time, threshold int) ([]UserCount, error) {
	out, err := s.countByUser(ctx, `
		SELECT user_id, COUNT(DISTINCT patient_id)::int AS n
		FROM access_log
		WHERE accessed_at >= $1 AND patient_id IS NOT NULL AND status_code < 400
		GROUP BY user_id
		HAVING COUNT(DISTINCT patient_id) > $2
		ORDER BY n DESC`, since, threshold)
	if err != nil {
		return nil, fmt.Errorf("distinct patients by user: %w", err)
	}
	return out, nil
}

// OffHoursAccessByUser counts accesses whose local hour is at or after
// startHour or before endHour, keeping users with more than threshold of them.
func (s *Store) OffHoursAccessByUser(ctx context.Context, since time.Time, startHour, endHour int, tz string, threshold int) ([]UserCount, error) {
	out, err := s.countByUser(ctx, `
		SELECT user_id, COUNT(*)::int AS n
		FROM access_log
		WHERE accessed_at >= $1 AND status_code < 400
		  AND (EXTRACT(HOUR FROM accessed_at AT TIME ZONE $2) >= $3
		       OR EXTRACT(HOUR FROM accessed_at AT TIME ZONE $2) < $4)
		GROUP BY user_id
		HAVING COUNT(*) > $5
		ORDER BY n DESC`, since, tz, startHour, endHour, threshold)
	if err != nil {
		return nil, fmt.Errorf("off-hours access by user: %w", err)
	}
	return out, nil
}

// ExportsByUser returns users with more than threshold export actions since
// the given time.
func (s *Store) ExportsByUser(ctx context.Context, since time.Time, threshold int) ([]UserCount, error) {
	out, err := s.countByUser(ctx, `
		SELECT user_id, COUNT(*)::int AS n
		FROM access_log
		WHERE accessed_at >= $1 AND action = 'export' AND status_code < 400
		GROUP BY user_id
		HAVING COUNT(*) > $2
		ORDER BY n DESC`, since, threshold)
	if err != nil {
		return nil, fmt.Errorf("exports by user: %w", err)
	}
	return out, nil
}
