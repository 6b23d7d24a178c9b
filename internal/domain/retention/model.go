package retention

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/lgpd"
)

const (
	MethodDelete    = "delete"
	MethodAnonymize = "anonymize"
)

const (
	StatusActive      = "active"
	StatusWarningSent = "warning_sent"
	StatusLegalHold   = "legal_hold"
	StatusDeleted     = "deleted"
	StatusAnonymized  = "anonymized"
)

var validStatuses = map[string]bool{
	StatusActive:      true,
	StatusWarningSent: true,
	StatusLegalHold:   true,
	StatusDeleted:     true,
	StatusAnonymized:  true,
}

const day = 24 * time.Hour

// Policy maps to the retention_policy table.
type Policy struct {
	ID                     uuid.UUID `db:"id" json:"id"`
	Name                   string    `db:"name" json:"name"`
	DataCategory           string    `db:"data_category" json:"data_category"`
	RetentionDays          int       `db:"retention_days" json:"retention_days"`
	WarningDays            int       `db:"warning_days" json:"warning_days"`
	DeletionMethod         string    `db:"deletion_method" json:"deletion_method"`
	RequiresManualApproval bool      `db:"requires_manual_approval" json:"requires_manual_approval"`
	NotifyEmail            *string   `db:"notify_email" json:"notify_email,omitempty"`
	LegalReference         *string   `db:"legal_reference" json:"legal_reference,omitempty"`
	Active                 bool      `db:"active" json:"active"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the policy's periods and that its deletion method can be
// applied to its data category.
func (p *Policy) Validate() error {
	var errs apperr.ValidationErrors
	if strings.TrimSpace(p.Name) == "" {
		errs.Add("name", "is required")
	}
	if _, ok := lgpd.Target(p.DataCategory); !ok {
		errs.Add("data_category", "unknown data category %q; expected one of %s",
			p.DataCategory, strings.Join(lgpd.TargetTypes(), ", "))
	}
	if p.RetentionDays <= 0 {
		errs.Add("retention_days", "must be positive")
	}
	if p.WarningDays < 0 {
		errs.Add("warning_days", "must not be negative")
	} else if p.RetentionDays > 0 && p.WarningDays >= p.RetentionDays {
		errs.Add("warning_days", "must be shorter than retention_days")
	}
	switch p.DeletionMethod {
	case MethodDelete:
	case MethodAnonymize:
		if _, ok := lgpd.Target(p.DataCategory); ok && !lgpd.CanAnonymize(p.DataCategory) {
			errs.Add("deletion_method", "%s records cannot be anonymized, only deleted", p.DataCategory)
		}
	default:
		errs.Add("deletion_method", "must be %q or %q", MethodDelete, MethodAnonymize)
	}
	if p.NotifyEmail != nil && *p.NotifyEmail != "" {
		if _, err := mail.ParseAddress(*p.NotifyEmail); err != nil {
			errs.Add("notify_email", "is not a valid address")
		}
	}
	return errs.Err()
}

// Schedule maps to the retention_schedule table.
type Schedule struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PolicyID        uuid.UUID  `db:"policy_id" json:"policy_id"`
	TargetType      string     `db:"target_type" json:"target_type"`
	TargetID        uuid.UUID  `db:"target_id" json:"target_id"`
	ReferenceDate   time.Time  `db:"reference_date" json:"reference_date"`
	WarningDate     time.Time  `db:"warning_date" json:"warning_date"`
	DeletionDate    time.Time  `db:"deletion_date" json:"deletion_date"`
	Status          string     `db:"status" json:"status"`
	WarningSentAt   *time.Time `db:"warning_sent_at" json:"warning_sent_at,omitempty"`
	ApprovedBy      *string    `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	LegalHoldReason *string    `db:"legal_hold_reason" json:"legal_hold_reason,omitempty"`
	LegalHoldBy     *string    `db:"legal_hold_by" json:"legal_hold_by,omitempty"`
	LegalHoldAt     *time.Time `db:"legal_hold_at" json:"legal_hold_at,omitempty"`
	ProcessedAt     *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// NewSchedule computes the warning and deletion dates for a target under p.
func NewSchedule(p *Policy, targetID uuid.UUID, reference time.Time) *Schedule {
	deletion := reference.Add(time.Duration(p.RetentionDays) * day)
	return &Schedule{
		PolicyID:      p.ID,
		TargetType:    p.DataCategory,
		TargetID:      targetID,
		ReferenceDate: reference,
		DeletionDate:  deletion,
		WarningDate:   deletion.Add(-time.Duration(p.WarningDays) * day),
		Status:        StatusActive,
	}
}

// IsOpen reports whether the schedule still awaits processing.
func (s *Schedule) IsOpen() bool {
	return s.Status == StatusActive || s.Status == StatusWarningSent
}

// IsApproved reports whether both approval fields are recorded.
func (s *Schedule) IsApproved() bool {
	return s.ApprovedBy != nil && *s.ApprovedBy != "" && s.ApprovedAt != nil
}

// CanExecute reports whether the target may be deleted or anonymized now.
// Schedules under a policy requiring manual approval need a recorded approver.
func (s *Schedule) CanExecute(p *Policy, now time.Time) bool {
	if !s.IsOpen() || now.Before(s.DeletionDate) {
		return false
	}
	return !p.RequiresManualApproval || s.IsApproved()
}

// FinalStatus is the status reached once the policy's method is applied.
func FinalStatus(method string) string {
	if method == MethodDelete {
		return StatusDeleted
	}
	return StatusAnonymized
}

// ScheduleFilter narrows schedule searches.
type ScheduleFilter struct {
	PolicyID   *uuid.UUID
	TargetType string
	Status     string
	// DueBefore selects open schedules whose deletion date has passed.
	DueBefore *time.Time
}

// RunResult summarises one processor pass.
type RunResult struct {
	WarningsSent     int  `json:"warnings_sent"`
	Deleted          int  `json:"deleted"`
	Anonymized       int  `json:"anonymized"`
	AwaitingApproval int  `json:"awaiting_approval"`
	Skipped          int  `json:"skipped"`
	Errors           int  `json:"errors"`
	DryRun           bool `json:"dry_run"`
}

// Add merges another pass, used when processing several tenants.
func (r *RunResult) Add(o RunResult) {
	r.WarningsSent += o.WarningsSent
	r.Deleted += o.Deleted
	r.Anonymized += o.Anonymized
	r.AwaitingApproval += o.AwaitingApproval
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}
