package prescription

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// DrugTemplate is a catalogue entry with the defaults a prescriber usually
// writes for it.
type DrugTemplate struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	ActiveIngredient   string    `db:"active_ingredient" json:"active_ingredient,omitempty"`
	Concentration      string    `db:"concentration" json:"concentration,omitempty"`
	PharmaceuticalForm string    `db:"pharmaceutical_form" json:"pharmaceutical_form,omitempty"`
	Route              string    `db:"route" json:"route,omitempty"`
	DefaultDosage      string    `db:"default_dosage" json:"default_dosage,omitempty"`
	DefaultFrequency   string    `db:"default_frequency" json:"default_frequency,omitempty"`
	DefaultDuration    string    `db:"default_duration" json:"default_duration,omitempty"`
	DefaultQuantity    string    `db:"default_quantity" json:"default_quantity,omitempty"`
	Instructions       string    `db:"instructions" json:"instructions,omitempty"`
	Controlled         bool      `db:"controlled" json:"controlled"`
	Active             bool      `db:"active" json:"active"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Template is a named set of drugs prescribed together.
type Template struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description *string        `db:"description" json:"description,omitempty"`
	Specialty   *string        `db:"specialty" json:"specialty,omitempty"`
	Active      bool           `db:"active" json:"active"`
	CreatedBy   *string        `db:"created_by" json:"created_by,omitempty"`
	Items       []TemplateItem `json:"items"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// TemplateItem overrides a drug's defaults within a template. Blank fields
// fall back to the drug.
type TemplateItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	TemplateID     uuid.UUID `db:"template_id" json:"template_id"`
	DrugTemplateID uuid.UUID `db:"drug_template_id" json:"drug_template_id"`
	Dosage         string    `db:"dosage" json:"dosage,omitempty"`
	Frequency      string    `db:"frequency" json:"frequency,omitempty"`
	Duration       string    `db:"duration" json:"duration,omitempty"`
	Quantity       string    `db:"quantity" json:"quantity,omitempty"`
	Instructions   string    `db:"instructions" json:"instructions,omitempty"`
	SortOrder      int       `db:"sort_order" json:"sort_order"`
}

// Prescription is an issued prescription. Its items hold copies of every
// drug field, so catalogue edits never reach it.
type Prescription struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName        string     `db:"patient_name" json:"patient_name"`
	PrescriberName     string     `db:"prescriber_name" json:"prescriber_name"`
	PrescriberRegistry string     `db:"prescriber_registry" json:"prescriber_registry"`
	PrescribedAt       time.Time  `db:"prescribed_at" json:"prescribed_at"`
	Notes              *string    `db:"notes" json:"notes,omitempty"`
	SourceTemplateID   *uuid.UUID `db:"source_template_id" json:"source_template_id,omitempty"`
	Status             string     `db:"status" json:"status"`
	Items              []Item     `json:"items"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

type Item struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	PrescriptionID     uuid.UUID `db:"prescription_id" json:"prescription_id"`
	DrugName           string    `db:"drug_name" json:"drug_name"`
	ActiveIngredient   string    `db:"active_ingredient" json:"active_ingredient,omitempty"`
	Concentration      string    `db:"concentration" json:"concentration,omitempty"`
	PharmaceuticalForm string    `db:"pharmaceutical_form" json:"pharmaceutical_form,omitempty"`
	Route              string    `db:"route" json:"route,omitempty"`
	Dosage             string    `db:"dosage" json:"dosage"`
	Frequency          string    `db:"frequency" json:"frequency,omitempty"`
	Duration           string    `db:"duration" json:"duration,omitempty"`
	Quantity           string    `db:"quantity" json:"quantity,omitempty"`
	Instructions       string    `db:"instructions" json:"instructions,omitempty"`
	Controlled         bool      `db:"controlled" json:"controlled"`
	SortOrder          int       `db:"sort_order" json:"sort_order"`
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// ItemFromDrug copies d into a prescription item, preferring the non-blank
// fields of override.
func ItemFromDrug(d *DrugTemplate, override TemplateItem) Item {
	return Item{
		DrugName:           d.Name,
		ActiveIngredient:   d.ActiveIngredient,
		Concentration:      d.Concentration,
		PharmaceuticalForm: d.PharmaceuticalForm,
		Route:              d.Route,
		Dosage:             firstNonBlank(override.Dosage, d.DefaultDosage),
		Frequency:          firstNonBlank(override.Frequency, d.DefaultFrequency),
		Duration:           firstNonBlank(override.Duration, d.DefaultDuration),
		Quantity:           firstNonBlank(override.Quantity, d.DefaultQuantity),
		Instructions:       firstNonBlank(override.Instructions, d.Instructions),
		Controlled:         d.Controlled,
		SortOrder:          override.SortOrder,
	}
}

// HasControlled reports whether any item is a controlled substance.
func (p *Prescription) HasControlled() bool {
	for _, it := range p.Items {
		if it.Controlled {
			return true
		}
	}
	return false
}

type DrugFilter struct {
	Query      string
	ActiveOnly bool
}

type Filter struct {
	PatientID *uuid.UUID
	Status    string
	Since     *time.Time
}
