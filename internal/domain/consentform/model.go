package consentform

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Template maps to the consent_template table. Each revision is a new row
// sharing the name with a higher version.
type Template struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	Version              int       `db:"version" json:"version"`
	Description          *string   `db:"description" json:"description,omitempty"`
	Markdown             string    `db:"markdown" json:"markdown"`
	RequiredPlaceholders []string  `db:"required_placeholders" json:"required_placeholders"`
	Active               bool      `db:"active" json:"active"`
	CreatedBy            *string   `db:"created_by" json:"created_by,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Form maps to the consent_form table. Its rendered content is frozen at
// creation.
type Form struct {
	ID               uuid.UUID         `db:"id" json:"id"`
	TemplateID       uuid.UUID         `db:"template_id" json:"template_id"`
	TemplateVersion  int               `db:"template_version" json:"template_version"`
	PatientID        uuid.UUID         `db:"patient_id" json:"patient_id"`
	FormDate         time.Time         `db:"form_date" json:"form_date"`
	Values           map[string]string `db:"placeholder_values" json:"values"`
	RenderedMarkdown string            `db:"rendered_markdown" json:"rendered_markdown"`
	ContentHash      string            `db:"content_hash" json:"content_hash"`
	SignedBy         *string           `db:"signed_by" json:"signed_by,omitempty"`
	SignedAt         *time.Time        `db:"signed_at" json:"signed_at,omitempty"`
	WitnessName      *string           `db:"witness_name" json:"witness_name,omitempty"`
	RevokedAt        *time.Time        `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedBy        *string           `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
}

// ContentHash is the hex sha256 of rendered markdown.
func ContentHash(rendered string) string {
	sum := sha256.Sum256([]byte(rendered))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored hash still matches the content.
func (f *Form) Verify() bool {
	return f.ContentHash == ContentHash(f.RenderedMarkdown)
}

func (f *Form) IsSigned() bool  { return f.SignedAt != nil }
func (f *Form) IsRevoked() bool { return f.RevokedAt != nil }

type FormFilter struct {
	PatientID  *uuid.UUID
	TemplateID *uuid.UUID
	Signed     *bool
}
