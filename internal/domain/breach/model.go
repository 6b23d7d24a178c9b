package breach

import (
	"time"

	"github.com/google/uuid"
)

// NotificationWindow is the time allowed to notify the ANPD and data
// subjects after an incident is detected.
const NotificationWindow = 72 * time.Hour

// Thresholds above which notification is required whatever the lookup table says.
const (
	ANPDSubjectThreshold   = 100
	SubjectRecordThreshold = 1000
)

const (
	TypeUnauthorizedAccess = "unauthorized_access"
	TypeDataLeak           = "data_leak"
	TypeRansomware         = "ransomware"
	TypeLostDevice         = "lost_device"
	TypePhishing           = "phishing"
	TypeSystemCompromise   = "system_compromise"
	TypeBulkAccess         = "bulk_access"
	TypeOffHoursAccess     = "off_hours_access"
	TypeExcessiveExport    = "excessive_export"
	TypeOther              = "other"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	StatusDetected      = "detected"
	StatusInvestigating = "investigating"
	StatusContained     = "contained"
	StatusResolved      = "resolved"
	StatusClosed        = "closed"
)

var severityRank = map[string]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3}

var severities = []string{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

var riskRank = map[string]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

var statusRank = map[string]int{
	StatusDetected:      0,
	StatusInvestigating: 1,
	StatusContained:     2,
	StatusResolved:      3,
	StatusClosed:        4,
}

var validTypes = map[string]bool{
	TypeUnauthorizedAccess: true,
	TypeDataLeak:           true,
	TypeRansomware:         true,
	TypeLostDevice:         true,
	TypePhishing:           true,
	TypeSystemCompromise:   true,
	TypeBulkAccess:         true,
	TypeOffHoursAccess:     true,
	TypeExcessiveExport:    true,
	TypeOther:              true,
}

// Requirement says who must be told about an incident.
type Requirement struct {
	ANPD     bool
	Subjects bool
}

var (
	none     = Requirement{}
	anpdOnly = Requirement{ANPD: true}
	both     = Requirement{ANPD: true, Subjects: true}
)

// requirementTable maps incident type and severity to the notifications it
// demands on its own, before volume thresholds are considered.
var requirementTable = map[string]map[string]Requirement{
	TypeDataLeak:           {SeverityLow: none, SeverityMedium: anpdOnly, SeverityHigh: both, SeverityCritical: both},
	TypeRansomware:         {SeverityLow: none, SeverityMedium: anpdOnly, SeverityHigh: both, SeverityCritical: both},
	TypeSystemCompromise:   {SeverityLow: none, SeverityMedium: anpdOnly, SeverityHigh: both, SeverityCritical: both},
	TypeUnauthorizedAccess: {SeverityLow: none, SeverityMedium: none, SeverityHigh: anpdOnly, SeverityCritical: both},
	TypeLostDevice:         {SeverityLow: none, SeverityMedium: none, SeverityHigh: anpdOnly, SeverityCritical: both},
	TypeBulkAccess:         {SeverityLow: none, SeverityMedium: none, SeverityHigh: anpdOnly, SeverityCritical: both},
	TypeExcessiveExport:    {SeverityLow: none, SeverityMedium: none, SeverityHigh: anpdOnly, SeverityCritical: both},
	TypeOffHoursAccess:     {SeverityLow: none, SeverityMedium: none, SeverityHigh: none, SeverityCritical: anpdOnly},
	TypePhishing:           {SeverityLow: none, SeverityMedium: none, SeverityHigh: none, SeverityCritical: anpdOnly},
	TypeOther:              {SeverityLow: none, SeverityMedium: none, SeverityHigh: none, SeverityCritical: anpdOnly},
}

// Incident maps to the security_incident table.
type Incident struct {
	ID                          uuid.UUID  `db:"id" json:"id"`
	IncidentNumber              string     `db:"incident_number" json:"incident_number"`
	Title                       string     `db:"title" json:"title"`
	Description                 *string    `db:"description" json:"description,omitempty"`
	IncidentType                string     `db:"incident_type" json:"incident_type"`
	Severity                    string     `db:"severity" json:"severity"`
	RiskLevel                   string     `db:"risk_level" json:"risk_level"`
	Status                      string     `db:"status" json:"status"`
	AffectedRecords             int        `db:"affected_records" json:"affected_records"`
	AffectedSubjects            int        `db:"affected_subjects" json:"affected_subjects"`
	DataCategories              []string   `db:"data_categories" json:"data_categories"`
	SensitiveData               bool       `db:"sensitive_data" json:"sensitive_data"`
	DetectedAt                  time.Time  `db:"detected_at" json:"detected_at"`
	DetectedBy                  *string    `db:"detected_by" json:"detected_by,omitempty"`
	AutoDetected                bool       `db:"auto_detected" json:"auto_detected"`
	DetectionRule               *string    `db:"detection_rule" json:"detection_rule,omitempty"`
	SubjectUserID               *string    `db:"subject_user_id" json:"subject_user_id,omitempty"`
	ContainedAt                 *time.Time `db:"contained_at" json:"contained_at,omitempty"`
	ResolvedAt                  *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ClosedAt                    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	RequiresANPDNotification    bool       `db:"requires_anpd_notification" json:"requires_anpd_notification"`
	ANPDDeadline                *time.Time `db:"anpd_deadline" json:"anpd_deadline,omitempty"`
	ANPDNotifiedAt              *time.Time `db:"anpd_notified_at" json:"anpd_notified_at,omitempty"`
	ANPDProtocol                *string    `db:"anpd_protocol" json:"anpd_protocol,omitempty"`
	RequiresSubjectNotification bool       `db:"requires_subject_notification" json:"requires_subject_notification"`
	SubjectDeadline             *time.Time `db:"subject_deadline" json:"subject_deadline,omitempty"`
	SubjectsNotifiedAt          *time.Time `db:"subjects_notified_at" json:"subjects_notified_at,omitempty"`
	CreatedAt                   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time  `db:"updated_at" json:"updated_at"`
}

// RequiredNotifications combines the lookup table with the volume and
// sensitivity thresholds.
func RequiredNotifications(incidentType, severity string, affectedSubjects, affectedRecords int, sensitive bool) Requirement {
	req := requirementTable[incidentType][severity]
	if affectedSubjects >= ANPDSubjectThreshold {
		req.ANPD = true
	}
	if affectedRecords >= SubjectRecordThreshold {
		req.Subjects = true
	}
	if sensitive && severityRank[severity] >= severityRank[SeverityHigh] {
		req = both
	}
	return req
}

// EvaluateNotification raises the notification flags the incident now
// demands. Flags are never cleared, and each deadline is fixed the first
// time its flag is raised.
func (i *Incident) EvaluateNotification() {
	req := RequiredNotifications(i.IncidentType, i.Severity, i.AffectedSubjects, i.AffectedRecords, i.SensitiveData)
	deadline := i.DetectedAt.Add(NotificationWindow)
	if req.ANPD && !i.RequiresANPDNotification {
		i.RequiresANPDNotification = true
	}
	if i.RequiresANPDNotification && i.ANPDDeadline == nil {
		d := deadline
		i.ANPDDeadline = &d
	}
	if req.Subjects && !i.RequiresSubjectNotification {
		i.RequiresSubjectNotification = true
	}
	if i.RequiresSubjectNotification && i.SubjectDeadline == nil {
		d := deadline
		i.SubjectDeadline = &d
	}
}

// ANPDOverdue is true while a required ANPD notice is missing past its deadline.
func (i *Incident) ANPDOverdue(now time.Time) bool {
	return i.RequiresANPDNotification && i.ANPDNotifiedAt == nil && i.ANPDDeadline != nil && now.After(*i.ANPDDeadline)
}

// SubjectsOverdue is true while a required subject notice is missing past its deadline.
func (i *Incident) SubjectsOverdue(now time.Time) bool {
	return i.RequiresSubjectNotification && i.SubjectsNotifiedAt == nil && i.SubjectDeadline != nil && now.After(*i.SubjectDeadline)
}

// RiskForSeverity is the minimum risk level implied by a severity.
func RiskForSeverity(severity string) string {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return RiskHigh
	case SeverityMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// NextSeverity returns the severity one step above s, or false at critical.
func NextSeverity(s string) (string, bool) {
	r, ok := severityRank[s]
	if !ok || r+1 >= len(severities) {
		return s, false
	}
	return severities[r+1], true
}

// SeverityForRatio grades an automatic detection by how far the observed
// count exceeds its threshold.
func SeverityForRatio(count, threshold int) string {
	if threshold <= 0 {
		return SeverityMedium
	}
	ratio := float64(count) / float64(threshold)
	switch {
	case ratio >= 5:
		return SeverityCritical
	case ratio >= 2:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// CanAdvance reports whether status may move from -> to. Statuses only move
// forward, possibly skipping steps.
func CanAdvance(from, to string) bool {
	f, ok1 := statusRank[from]
	t, ok2 := statusRank[to]
	return ok1 && ok2 && t > f
}

// IsOpen reports whether the incident has not been closed.
func (i *Incident) IsOpen() bool {
	return i.Status != StatusClosed
}

// IncidentFilter narrows incident searches.
type IncidentFilter struct {
	Status       string
	Severity     string
	IncidentType string
	OpenOnly     bool
	AutoDetected *bool
}

const (
	RecipientANPD        = "anpd"
	RecipientDataSubject = "data_subject"
	RecipientDPO         = "dpo"
)

const (
	ChannelEmail  = "email"
	ChannelPortal = "portal"
	ChannelLetter = "letter"
)

const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification maps to the breach_notification table.
type Notification struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	IncidentID     uuid.UUID  `db:"incident_id" json:"incident_id"`
	RecipientType  string     `db:"recipient_type" json:"recipient_type"`
	RecipientName  *string    `db:"recipient_name" json:"recipient_name,omitempty"`
	RecipientEmail *string    `db:"recipient_email" json:"recipient_email,omitempty"`
	Channel        string     `db:"channel" json:"channel"`
	Subject        string     `db:"subject" json:"subject"`
	Body           string     `db:"body" json:"body"`
	Status         string     `db:"status" json:"status"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	SentBy         *string    `db:"sent_by" json:"sent_by,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	ProtocolNumber *string    `db:"protocol_number" json:"protocol_number,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
