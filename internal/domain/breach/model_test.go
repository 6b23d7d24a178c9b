package breach

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredNotifications_Table(t *testing.T) {
	cases := []struct {
		name      string
		typ, sev  string
		subjects  int
		records   int
		sensitive bool
		want      Requirement
	}{
		{"low leak", TypeDataLeak, SeverityLow, 0, 0, false, Requirement{}},
		{"medium leak", TypeDataLeak, SeverityMedium, 0, 0, false, Requirement{ANPD: true}},
		{"high ransomware", TypeRansomware, SeverityHigh, 0, 0, false, Requirement{ANPD: true, Subjects: true}},
		{"critical phishing", TypePhishing, SeverityCritical, 0, 0, false, Requirement{ANPD: true}},
		{"subjects threshold", TypeOther, SeverityLow, ANPDSubjectThreshold, 0, false, Requirement{ANPD: true}},
		{"below subjects threshold", TypeOther, SeverityLow, ANPDSubjectThreshold - 1, 0, false, Requirement{}},
		{"records threshold", TypeOther, SeverityLow, 0, SubjectRecordThreshold, false, Requirement{Subjects: true}},
		{"sensitive medium", TypeOther, SeverityMedium, 0, 0, true, Requirement{}},
		{"sensitive high", TypeOther, SeverityHigh, 0, 0, true, Requirement{ANPD: true, Subjects: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RequiredNotifications(tc.typ, tc.sev, tc.subjects, tc.records, tc.sensitive)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateNotification_MonotonicWithFixedDeadline(t *testing.T) {
	i := &Incident{IncidentType: TypeDataLeak, Severity: SeverityHigh, DetectedAt: fixedNow}
	i.EvaluateNotification()
	require.True(t, i.RequiresANPDNotification)
	require.True(t, i.RequiresSubjectNotification)
	require.NotNil(t, i.ANPDDeadline)
	assert.Equal(t, fixedNow.Add(72*time.Hour), *i.ANPDDeadline)
	assert.Equal(t, fixedNow.Add(72*time.Hour), *i.SubjectDeadline)

	i.Severity = SeverityLow
	i.DetectedAt = fixedNow.Add(time.Hour)
	i.EvaluateNotification()
	assert.True(t, i.RequiresANPDNotification, "flags never clear")
	assert.True(t, i.RequiresSubjectNotification)
	assert.Equal(t, fixedNow.Add(72*time.Hour), *i.ANPDDeadline, "deadline is set once")
}

func TestOverdueFlags(t *testing.T) {
	i := &Incident{IncidentType: TypeDataLeak, Severity: SeverityCritical, DetectedAt: fixedNow}
	i.EvaluateNotification()

	assert.False(t, i.ANPDOverdue(fixedNow.Add(72*time.Hour)))
	after := fixedNow.Add(73 * time.Hour)
	assert.True(t, i.ANPDOverdue(after))
	assert.True(t, i.SubjectsOverdue(after))

	sent := fixedNow.Add(time.Hour)
	i.ANPDNotifiedAt = &sent
	assert.False(t, i.ANPDOverdue(after))
	assert.True(t, i.SubjectsOverdue(after))

	quiet := &Incident{IncidentType: TypeOther, Severity: SeverityLow, DetectedAt: fixedNow}
	quiet.EvaluateNotification()
	assert.False(t, quiet.ANPDOverdue(after))
	assert.Nil(t, quiet.ANPDDeadline)
}

func TestNextSeverity(t *testing.T) {
	s, ok := NextSeverity(SeverityLow)
	assert.True(t, ok)
	assert.Equal(t, SeverityMedium, s)
	s, ok = NextSeverity(SeverityHigh)
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, s)
	_, ok = NextSeverity(SeverityCritical)
	assert.False(t, ok)
}

func TestSeverityForRatio(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityForRatio(50, 50))
	assert.Equal(t, SeverityMedium, SeverityForRatio(99, 50))
	assert.Equal(t, SeverityHigh, SeverityForRatio(100, 50))
	assert.Equal(t, SeverityHigh, SeverityForRatio(249, 50))
	assert.Equal(t, SeverityCritical, SeverityForRatio(250, 50))
}

func TestCanAdvance(t *testing.T) {
	assert.True(t, CanAdvance(StatusDetected, StatusInvestigating))
	assert.True(t, CanAdvance(StatusDetected, StatusClosed))
	assert.False(t, CanAdvance(StatusContained, StatusInvestigating))
	assert.False(t, CanAdvance(StatusClosed, StatusClosed))
	assert.False(t, CanAdvance(StatusDetected, "archived"))
}
