package breach

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/metrics"
)

// Off-hours run from OffHoursStart until OffHoursEnd the next morning, local time.
const (
	OffHoursStart = 22
	OffHoursEnd   = 6
)

const (
	bulkAccessWindow = time.Hour
	offHoursWindow   = 24 * time.Hour
	exportWindow     = 24 * time.Hour
)

// AccessStats answers the aggregate questions detection rules ask of the
// access log. Each query keeps only users whose count exceeds threshold.
type AccessStats interface {
	DistinctPatientsByUser(ctx context.Context, since time.Time, threshold int) ([]audit.UserCount, error)
	OffHoursAccessByUser(ctx context.Context, since time.Time, startHour, endHour int, tz string, threshold int) ([]audit.UserCount, error)
	ExportsByUser(ctx context.Context, since time.Time, threshold int) ([]audit.UserCount, error)
}

type Thresholds struct {
	BulkAccess int
	OffHours   int
	Exports    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{BulkAccess: 50, OffHours: 20, Exports: 10}
}

// DetectResult summarises one detection pass.
type DetectResult struct {
	Created    []string `json:"created"`
	Suppressed int      `json:"suppressed"`
	Errors     int      `json:"errors"`
}

// Detector turns access-log anomalies into incidents.
type Detector struct {
	stats      AccessStats
	repo       Repository
	svc        *Service
	thresholds Thresholds
	tz         string
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDetector(stats AccessStats, repo Repository, svc *Service, thresholds Thresholds, tz string, logger zerolog.Logger) *Detector {
	if tz == "" {
		tz = "UTC"
	}
	return &Detector{
		stats:      stats,
		repo:       repo,
		svc:        svc,
		thresholds: thresholds,
		tz:         tz,
		logger:     logger.With().Str("component", "breach_detector").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (d *Detector) SetClock(now func() time.Time) { d.now = now }

type rule struct {
	name      string
	threshold int
	window    time.Duration
	query     func(ctx context.Context, since time.Time, threshold int) ([]audit.UserCount, error)
	describe  func(uc audit.UserCount, window time.Duration, threshold int) (title, description string)
	subjects  bool
}

func (d *Detector) rules() []rule {
	return []rule{
		{
			name:      TypeBulkAccess,
			threshold: d.thresholds.BulkAccess,
			window:    bulkAccessWindow,
			query:     d.stats.DistinctPatientsByUser,
			subjects:  true,
			describe: func(uc audit.UserCount, w time.Duration, t int) (string, string) {
				return fmt.Sprintf("Bulk access to patient records by %s", uc.UserID),
					fmt.Sprintf("User %s accessed %d distinct patients in the last %s (threshold %d).", uc.UserID, uc.Count, w, t)
			},
		},
		{
			name:      TypeOffHoursAccess,
			threshold: d.thresholds.OffHours,
			window:    offHoursWindow,
			query: func(ctx context.Context, since time.Time, threshold int) ([]audit.UserCount, error) {
				return d.stats.OffHoursAccessByUser(ctx, since, OffHoursStart, OffHoursEnd, d.tz, threshold)
			},
			describe: func(uc audit.UserCount, w time.Duration, t int) (string, string) {
				return fmt.Sprintf("Off-hours access to personal data by %s", uc.UserID),
					fmt.Sprintf("User %s made %d personal data accesses between %02d:00 and %02d:00 (%s) in the last %s (threshold %d).",
						uc.UserID, uc.Count, OffHoursStart, OffHoursEnd, d.tz, w, t)
			},
		},
		{
			name:      TypeExcessiveExport,
			threshold: d.thresholds.Exports,
			window:    exportWindow,
			query:     d.stats.ExportsByUser,
			describe: func(uc audit.UserCount, w time.Duration, t int) (string, string) {
				return fmt.Sprintf("Excessive personal data exports by %s", uc.UserID),
					fmt.Sprintf("User %s exported personal data %d times in the last %s (threshold %d).", uc.UserID, uc.Count, w, t)
			},
		},
	}
}

// Run evaluates every rule once. A failing rule is logged and counted; the
// remaining rules still run.
func (d *Detector) Run(ctx context.Context) (DetectResult, error) {
	res := DetectResult{Created: []string{}}
	now := d.now()
	for _, r := range d.rules() {
		log := d.logger.With().Str("rule", r.name).Logger()
		hits, err := r.query(ctx, now.Add(-r.window), r.threshold)
		if err != nil {
			log.Error().Err(err).Msg("detection query failed")
			res.Errors++
			continue
		}
		for _, uc := range hits {
			open, err := d.repo.HasOpenForRule(ctx, r.name, uc.UserID)
			if err != nil {
				log.Error().Err(err).Str("user", uc.UserID).Msg("check open incident")
				res.Errors++
				continue
			}
			if open {
				res.Suppressed++
				continue
			}
			inc := d.incidentFor(r, uc, now)
			if err := d.svc.Report(ctx, inc); err != nil {
				log.Error().Err(err).Str("user", uc.UserID).Msg("open incident")
				res.Errors++
				continue
			}
			metrics.IncidentsDetected.WithLabelValues(r.name).Inc()
			res.Created = append(res.Created, inc.IncidentNumber)
		}
	}
	d.logger.Info().Int("created", len(res.Created)).Int("suppressed", res.Suppressed).Int("errors", res.Errors).
		Msg("breach detection pass finished")
	return res, nil
}

func (d *Detector) incidentFor(r rule, uc audit.UserCount, now time.Time) *Incident {
	title, description := r.describe(uc, r.window, r.threshold)
	ruleName, user, by := r.name, uc.UserID, "system"
	inc := &Incident{
		Title:           title,
		Description:     &description,
		IncidentType:    r.name,
		Severity:        SeverityForRatio(uc.Count, r.threshold),
		AffectedRecords: uc.Count,
		DataCategories:  []string{"health"},
		SensitiveData:   true,
		DetectedAt:      now,
		DetectedBy:      &by,
		AutoDetected:    true,
		DetectionRule:   &ruleName,
		SubjectUserID:   &user,
	}
	if r.subjects {
		inc.AffectedSubjects = uc.Count
	}
	return inc
}
