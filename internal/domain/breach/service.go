package breach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/events"
)

var (
	ErrInvalidTransition = fmt.Errorf("%w: invalid incident status transition", apperr.ErrConflict)
	ErrMaxSeverity       = fmt.Errorf("%w: incident is already critical", apperr.ErrConflict)
	ErrAlreadyNotified   = fmt.Errorf("%w: notification already recorded", apperr.ErrConflict)
	ErrClosed            = fmt.Errorf("%w: incident is closed", apperr.ErrConflict)
)

// DPONotifier is told about every new incident.
type DPONotifier interface {
	NotifyDPO(ctx context.Context, i *Incident) error
}

type Service struct {
	repo   Repository
	dpo    DPONotifier
	events events.Emitter
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events.Nop{},
		logger: logger.With().Str("component", "breach").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) SetEmitter(e events.Emitter) { s.events = e }
func (s *Service) SetDPONotifier(n DPONotifier) { s.dpo = n }

func validateIncident(i *Incident) error {
	var errs apperr.ValidationErrors
	if i.Title == "" {
		errs.Add("title", "is required")
	}
	if !validTypes[i.IncidentType] {
		errs.Add("incident_type", "unknown type %q", i.IncidentType)
	}
	if _, ok := severityRank[i.Severity]; !ok {
		errs.Add("severity", "unknown severity %q", i.Severity)
	}
	if i.RiskLevel != "" {
		if _, ok := riskRank[i.RiskLevel]; !ok {
			errs.Add("risk_level", "unknown risk level %q", i.RiskLevel)
		}
	}
	if i.AffectedRecords < 0 {
		errs.Add("affected_records", "must not be negative")
	}
	if i.AffectedSubjects < 0 {
		errs.Add("affected_subjects", "must not be negative")
	}
	return errs.Err()
}

// raiseRisk lifts the risk level to at least what the severity implies.
func raiseRisk(i *Incident) {
	floor := RiskForSeverity(i.Severity)
	if cur, ok := riskRank[i.RiskLevel]; !ok || cur < riskRank[floor] {
		i.RiskLevel = floor
	}
}

// Report opens an incident, numbering it INC-YYYYMMDD-NNNN, and alerts the DPO.
func (s *Service) Report(ctx context.Context, i *Incident) error {
	if err := validateIncident(i); err != nil {
		return err
	}
	now := s.now()
	if i.DetectedAt.IsZero() {
		i.DetectedAt = now
	}
	i.Status = StatusDetected
	raiseRisk(i)
	i.EvaluateNotification()

	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		day := now.UTC()
		n, err := s.repo.NextNumber(ctx, day)
		if err != nil {
			return err
		}
		i.IncidentNumber = db.DocumentNumber("INC", day, n)
		if err := s.repo.Create(ctx, i); err != nil {
			return err
		}
		return s.events.Emit(ctx, "security_incident", i.ID.String(), events.IncidentDetected, map[string]interface{}{
			"incident_number":   i.IncidentNumber,
			"incident_type":     i.IncidentType,
			"severity":          i.Severity,
			"auto_detected":     i.AutoDetected,
			"requires_anpd":     i.RequiresANPDNotification,
			"requires_subjects": i.RequiresSubjectNotification,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Warn().
		Str("incident", i.IncidentNumber).
		Str("type", i.IncidentType).
		Str("severity", i.Severity).
		Bool("requires_anpd", i.RequiresANPDNotification).
		Msg("security incident opened")

	if s.dpo != nil {
		if err := s.dpo.NotifyDPO(ctx, i); err != nil {
			s.logger.Error().Err(err).Str("incident", i.IncidentNumber).Msg("DPO alert not delivered")
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*Incident, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) Search(ctx context.Context, f IncidentFilter, limit, offset int) ([]*Incident, int, error) {
	if f.Status != "" {
		if _, ok := statusRank[f.Status]; !ok {
			return nil, 0, apperr.Invalid("status", "unknown status %q", f.Status)
		}
	}
	if f.Severity != "" {
		if _, ok := severityRank[f.Severity]; !ok {
			return nil, 0, apperr.Invalid("severity", "unknown severity %q", f.Severity)
		}
	}
	if f.IncidentType != "" && !validTypes[f.IncidentType] {
		return nil, 0, apperr.Invalid("incident_type", "unknown type %q", f.IncidentType)
	}
	return s.repo.Search(ctx, f, limit, offset)
}

// UpdateInput carries the fields an investigator may revise. Nil fields are
// left unchanged.
type UpdateInput struct {
	Title            *string   `json:"title"`
	Description      *string   `json:"description"`
	RiskLevel        *string   `json:"risk_level"`
	AffectedRecords  *int      `json:"affected_records"`
	AffectedSubjects *int      `json:"affected_subjects"`
	DataCategories   *[]string `json:"data_categories"`
	SensitiveData    *bool     `json:"sensitive_data"`
}

// Update revises an open incident and re-evaluates its notification duties.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Incident, error) {
	var out *Incident
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		i, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !i.IsOpen() {
			return ErrClosed
		}
		if in.Title != nil {
			i.Title = *in.Title
		}
		if in.Description != nil {
			i.Description = in.Description
		}
		if in.RiskLevel != nil {
			i.RiskLevel = *in.RiskLevel
		}
		if in.AffectedRecords != nil {
			i.AffectedRecords = *in.AffectedRecords
		}
		if in.AffectedSubjects != nil {
			i.AffectedSubjects = *in.AffectedSubjects
		}
		if in.DataCategories != nil {
			i.DataCategories = *in.DataCategories
		}
		if in.SensitiveData != nil {
			i.SensitiveData = *in.SensitiveData
		}
		if err := validateIncident(i); err != nil {
			return err
		}
		raiseRisk(i)
		i.EvaluateNotification()
		if err := s.repo.Update(ctx, i); err != nil {
			return err
		}
		out = i
		return nil
	})
	return out, err
}

// Escalate raises severity by one step.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, actor string) (*Incident, error) {
	var out *Incident
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		i, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !i.IsOpen() {
			return ErrClosed
		}
		from := i.Severity
		next, ok := NextSeverity(from)
		if !ok {
			return ErrMaxSeverity
		}
		i.Severity = next
		raiseRisk(i)
		i.EvaluateNotification()
		if err := s.repo.Update(ctx, i); err != nil {
			return err
		}
		out = i
		return s.events.Emit(ctx, "security_incident", i.ID.String(), events.IncidentEscalated, map[string]interface{}{
			"incident_number": i.IncidentNumber,
			"from":            from,
			"to":              next,
			"by":              actor,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn().Str("incident", out.IncidentNumber).Str("severity", out.Severity).Str("by", actor).Msg("incident escalated")
	return out, nil
}

// AdvanceStatus moves the incident forward, stamping contained_at,
// resolved_at and closed_at for every milestone reached or skipped.
func (s *Service) AdvanceStatus(ctx context.Context, id uuid.UUID, status string) (*Incident, error) {
	if _, ok := statusRank[status]; !ok {
		return nil, apperr.Invalid("status", "unknown status %q", status)
	}
	var out *Incident
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		i, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !CanAdvance(i.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, status)
		}
		now := s.now()
		rank := statusRank[status]
		if rank >= statusRank[StatusContained] && i.ContainedAt == nil {
			i.ContainedAt = &now
		}
		if rank >= statusRank[StatusResolved] && i.ResolvedAt == nil {
			i.ResolvedAt = &now
		}
		if rank >= statusRank[StatusClosed] && i.ClosedAt == nil {
			i.ClosedAt = &now
		}
		i.Status = status
		if err := s.repo.Update(ctx, i); err != nil {
			return err
		}
		out = i
		return nil
	})
	return out, err
}

// OverdueIncident flags which notification deadlines have passed.
type OverdueIncident struct {
	*Incident
	ANPDOverdue     bool `json:"anpd_overdue"`
	SubjectsOverdue bool `json:"subjects_overdue"`
}

// ListOverdue returns incidents with at least one required notification
// missing past its deadline.
func (s *Service) ListOverdue(ctx context.Context) ([]OverdueIncident, error) {
	pending, err := s.repo.ListPendingNotification(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := []OverdueIncident{}
	for _, i := range pending {
		o := OverdueIncident{Incident: i, ANPDOverdue: i.ANPDOverdue(now), SubjectsOverdue: i.SubjectsOverdue(now)}
		if o.ANPDOverdue || o.SubjectsOverdue {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Service) ListNotifications(ctx context.Context, id uuid.UUID) ([]*Notification, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListNotifications(ctx, id)
}
