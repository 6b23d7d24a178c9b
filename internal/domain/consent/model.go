package consent

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusGranted   = "granted"
	StatusWithdrawn = "withdrawn"
	StatusExpired   = "expired"
)

var validPurposes = map[string]bool{
	"treatment":    true,
	"research":     true,
	"data_sharing": true,
	"marketing":    true,
	"telemedicine": true,
	"image_use":    true,
	"other":        true,
}

var validMethods = map[string]bool{
	"written":    true,
	"electronic": true,
	"verbal":     true,
}

var validStatuses = map[string]bool{
	StatusGranted:   true,
	StatusWithdrawn: true,
	StatusExpired:   true,
}

// LegalBasis is an LGPD hypothesis authorising a processing activity.
type LegalBasis struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Code            string    `db:"code" json:"code"`
	Article         string    `db:"article" json:"article"`
	Title           string    `db:"title" json:"title"`
	Description     *string   `db:"description" json:"description,omitempty"`
	RequiresConsent bool      `db:"requires_consent" json:"requires_consent"`
	SensitiveData   bool      `db:"sensitive_data" json:"sensitive_data"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Record maps to the consent_record table.
type Record struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	PatientID        uuid.UUID  `db:"patient_id" json:"patient_id"`
	Purpose          string     `db:"purpose" json:"purpose"`
	LegalBasisID     uuid.UUID  `db:"legal_basis_id" json:"legal_basis_id"`
	Description      *string    `db:"description" json:"description,omitempty"`
	Status           string     `db:"status" json:"status"`
	GrantedAt        time.Time  `db:"granted_at" json:"granted_at"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	WithdrawnAt      *time.Time `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	WithdrawalReason *string    `db:"withdrawal_reason" json:"withdrawal_reason,omitempty"`
	CollectionMethod string     `db:"collection_method" json:"collection_method"`
	Version          string     `db:"version" json:"version"`
	CreatedBy        *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// IsValid reports whether the consent currently authorises processing. A
// withdrawal timestamp invalidates the record whatever its status says.
func (r *Record) IsValid(now time.Time) bool {
	if r.Status != StatusGranted || r.WithdrawnAt != nil {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// Filter narrows Search results.
type Filter struct {
	PatientID *uuid.UUID
	Purpose   string
	Status    string
}
