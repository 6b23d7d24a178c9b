package datarequest

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ResponseWindow is the period the controller has to answer a request.
const ResponseWindow = 15 * 24 * time.Hour

const (
	StatusPending     = "pending"
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
)

var validStatuses = map[string]bool{
	StatusPending:     true,
	StatusUnderReview: true,
	StatusApproved:    true,
	StatusRejected:    true,
	StatusCompleted:   true,
	StatusCancelled:   true,
}

var validRequestTypes = map[string]bool{
	"access":             true,
	"correction":         true,
	"anonymization":      true,
	"deletion":           true,
	"portability":        true,
	"sharing_info":       true,
	"consent_revocation": true,
	"opposition":         true,
}

var validRelationships = map[string]bool{
	"self":                 true,
	"legal_representative": true,
	"guardian":             true,
	"attorney":             true,
}

var transitions = map[string][]string{
	StatusPending:     {StatusUnderReview, StatusCancelled},
	StatusUnderReview: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:    {StatusCompleted, StatusCancelled},
}

// DataRequest maps to the patient_data_request table.
type DataRequest struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	RequestID         string     `db:"request_id" json:"request_id"`
	PatientID         *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	RequesterName     string     `db:"requester_name" json:"requester_name"`
	RequesterEmail    string     `db:"requester_email" json:"requester_email"`
	RequesterPhone    *string    `db:"requester_phone" json:"requester_phone,omitempty"`
	RequesterDocument *string    `db:"requester_document" json:"requester_document,omitempty"`
	Relationship      string     `db:"relationship" json:"relationship"`
	RequestType       string     `db:"request_type" json:"request_type"`
	Description       *string    `db:"description" json:"description,omitempty"`
	Status            string     `db:"status" json:"status"`
	RequestedAt       time.Time  `db:"requested_at" json:"requested_at"`
	DueDate           time.Time  `db:"due_date" json:"due_date"`
	AssignedTo        *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	ReviewedBy        *string    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ResponseNotes     *string    `db:"response_notes" json:"response_notes,omitempty"`
	RejectionReason   *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// DueDateFor returns the response deadline for a request made at requestedAt.
func DueDateFor(requestedAt time.Time) time.Time {
	return requestedAt.Add(ResponseWindow)
}

// IsTerminal reports whether no further transitions are allowed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusRejected || status == StatusCancelled
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsOverdue is true only while the request is open and its due date has passed.
func (r *DataRequest) IsOverdue(now time.Time) bool {
	return !IsTerminal(r.Status) && now.After(r.DueDate)
}

// DaysRemaining rounds up to whole days; negative once overdue.
func (r *DataRequest) DaysRemaining(now time.Time) int {
	return int(math.Ceil(r.DueDate.Sub(now).Hours() / 24))
}

// Filter narrows Search results.
type Filter struct {
	Status      string
	RequestType string
	PatientID   *uuid.UUID
	OverdueAt   *time.Time
}
