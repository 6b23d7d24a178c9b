package lgpd

// DefaultPolicy is a starting retention policy seeded for new tenants.
type DefaultPolicy struct {
	Name                   string
	DataCategory           string
	RetentionDays          int
	WarningDays            int
	DeletionMethod         string
	RequiresManualApproval bool
	LegalReference         string
}

// DefaultRetentionPolicies returns the retention periods applied by Brazilian
// hospitals for the records this service owns.
func DefaultRetentionPolicies() []DefaultPolicy {
	return []DefaultPolicy{
		{
			Name:                   "Solicitações de titulares",
			DataCategory:           TargetDataRequest,
			RetentionDays:          1825, // 5 years
			WarningDays:            30,
			DeletionMethod:         "anonymize",
			RequiresManualApproval: false,
			LegalReference:         "LGPD Art. 16, I; prazo prescricional do CDC Art. 27",
		},
		{
			Name:                   "Registros de consentimento",
			DataCategory:           TargetConsent,
			RetentionDays:          7300, // 20 years, same as the medical record
			WarningDays:            60,
			DeletionMethod:         "anonymize",
			RequiresManualApproval: true,
			LegalReference:         "LGPD Art. 8, §2; Lei 13.787/2018 Art. 6",
		},
		{
			Name:                   "Termos de consentimento assinados",
			DataCategory:           TargetConsentForm,
			RetentionDays:          7300,
			WarningDays:            60,
			DeletionMethod:         "delete",
			RequiresManualApproval: true,
			LegalReference:         "Lei 13.787/2018 Art. 6; Resolução CFM 1.821/2007",
		},
		{
			Name:                   "Receituários",
			DataCategory:           TargetPrescription,
			RetentionDays:          7300,
			WarningDays:            60,
			DeletionMethod:         "anonymize",
			RequiresManualApproval: true,
			LegalReference:         "Lei 13.787/2018 Art. 6",
		},
		{
			Name:                   "Registros de acesso",
			DataCategory:           TargetAccessLog,
			RetentionDays:          180,
			WarningDays:            15,
			DeletionMethod:         "delete",
			RequiresManualApproval: false,
			LegalReference:         "Marco Civil da Internet Art. 15",
		},
	}
}
