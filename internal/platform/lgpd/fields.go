package lgpd

import "sort"

// Target types that retention schedules may point at. Each maps to a table
// holding patient-owned rows in the tenant schema.
const (
	TargetDataRequest  = "patient_data_request"
	TargetConsent      = "consent_record"
	TargetConsentForm  = "consent_form"
	TargetPrescription = "prescription"
	TargetAccessLog    = "access_log"
)

// TargetSpec describes where a target type lives and how to anonymize it.
type TargetSpec struct {
	Table string
	// Masked maps personal-data columns to the SQL expression that replaces
	// them during anonymization.
	Masked map[string]string
	// Children are dependent tables removed before a hard delete.
	Children []ChildTable
	// Immutable rows can only be deleted.
	Immutable bool
	// Touch sets updated_at when the row is anonymized.
	Touch bool
	// ReferenceColumn holds the date retention periods are counted from.
	ReferenceColumn string
}

type ChildTable struct {
	Table      string
	ForeignKey string
}

const redacted = "'[anonimizado]'"

var targets = map[string]TargetSpec{
	TargetDataRequest: {
		Table:           "patient_data_request",
		Touch:           true,
		ReferenceColumn: "requested_at",
		Masked: map[string]string{
			"requester_name":     redacted,
			"requester_email":    "'anonimizado+' || id::text || '@invalid'",
			"requester_phone":    "NULL",
			"requester_document": "NULL",
			"description":        "NULL",
			"patient_id":         "NULL",
		},
	},
	TargetConsent: {
		Table:           "consent_record",
		Touch:           true,
		ReferenceColumn: "granted_at",
		Masked: map[string]string{
			"description":       "NULL",
			"withdrawal_reason": "NULL",
			"created_by":        "NULL",
		},
	},
	TargetConsentForm: {
		Table:           "consent_form",
		Immutable:       true,
		ReferenceColumn: "created_at",
	},
	TargetPrescription: {
		Table:           "prescription",
		Touch:           true,
		ReferenceColumn: "prescribed_at",
		Masked: map[string]string{
			"patient_name": redacted,
			"notes":        "NULL",
		},
		Children: []ChildTable{{Table: "prescription_item", ForeignKey: "prescription_id"}},
	},
	TargetAccessLog: {
		Table:           "access_log",
		ReferenceColumn: "accessed_at",
		Masked: map[string]string{
			"ip_address": "NULL",
			"user_agent": "NULL",
			"patient_id": "NULL",
		},
	},
}

// Target returns the TargetSpec registered for targetType.
func Target(targetType string) (TargetSpec, bool) {
	t, ok := targets[targetType]
	return t, ok
}

// TargetTypes lists every registered target type in stable order.
func TargetTypes() []string {
	out := make([]string, 0, len(targets))
	for k := range targets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MaskedColumns returns the masked columns of a target in stable order.
func (t TargetSpec) MaskedColumns() []string {
	cols := make([]string, 0, len(t.Masked))
	for c := range t.Masked {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
