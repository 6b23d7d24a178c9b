package consent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/events"
)

const expireBatchSize = 500

var ErrNotGranted = fmt.Errorf("%w: consent is not granted", apperr.ErrConflict)

type Service struct {
	repo   Repository
	events events.Emitter
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events.Nop{},
		logger: logger.With().Str("component", "consent").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetEmitter(e events.Emitter) { s.events = e }
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SeedLegalBases inserts the default catalogue, skipping codes already present.
func (s *Service) SeedLegalBases(ctx context.Context) (int, error) {
	added := 0
	bases := DefaultLegalBases()
	for i := range bases {
		ok, err := s.repo.UpsertLegalBasis(ctx, &bases[i])
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (s *Service) ListLegalBases(ctx context.Context) ([]*LegalBasis, error) {
	return s.repo.ListLegalBases(ctx)
}

// Grant records a new consent. The legal basis must exist.
func (s *Service) Grant(ctx context.Context, r *Record) error {
	if r.CollectionMethod == "" {
		r.CollectionMethod = "electronic"
	}
	if r.Version == "" {
		r.Version = "1.0"
	}
	if r.GrantedAt.IsZero() {
		r.GrantedAt = s.now()
	}

	var errs apperr.ValidationErrors
	if r.PatientID == uuid.Nil {
		errs.Add("patient_id", "is required")
	}
	if !validPurposes[r.Purpose] {
		errs.Add("purpose", "invalid purpose: %q", r.Purpose)
	}
	if !validMethods[r.CollectionMethod] {
		errs.Add("collection_method", "invalid collection method: %q", r.CollectionMethod)
	}
	if r.LegalBasisID == uuid.Nil {
		errs.Add("legal_basis_id", "is required")
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(r.GrantedAt) {
		errs.Add("expires_at", "must be after granted_at")
	}
	if err := errs.Err(); err != nil {
		return err
	}

	r.Status = StatusGranted
	r.WithdrawnAt = nil
	r.WithdrawalReason = nil

	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetLegalBasis(ctx, r.LegalBasisID); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, r); err != nil {
			return err
		}
		return s.events.Emit(ctx, "consent", r.ID.String(), events.ConsentGranted, map[string]interface{}{
			"id":         r.ID,
			"patient_id": r.PatientID,
			"purpose":    r.Purpose,
		})
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "invalid status: %q", f.Status)
	}
	if f.Purpose != "" && !validPurposes[f.Purpose] {
		return nil, 0, apperr.Invalid("purpose", "invalid purpose: %q", f.Purpose)
	}
	return s.repo.Search(ctx, f, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// ActiveConsentsForPatient returns the records that are valid right now.
func (s *Service) ActiveConsentsForPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	all, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := make([]*Record, 0, len(all))
	for _, r := range all {
		if r.IsValid(now) {
			active = append(active, r)
		}
	}
	return active, nil
}

// HasValidConsent reports whether patientID has a valid consent for purpose.
func (s *Service) HasValidConsent(ctx context.Context, patientID uuid.UUID, purpose string) (bool, error) {
	active, err := s.ActiveConsentsForPatient(ctx, patientID)
	if err != nil {
		return false, err
	}
	for _, r := range active {
		if r.Purpose == purpose {
			return true, nil
		}
	}
	return false, nil
}

// Withdraw revokes a granted consent.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, reason, actor string) (*Record, error) {
	reason = strings.TrimSpace(reason)
	var out *Record
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusGranted || r.WithdrawnAt != nil {
			return fmt.Errorf("%w (status %s)", ErrNotGranted, r.Status)
		}
		now := s.now()
		r.Status = StatusWithdrawn
		r.WithdrawnAt = &now
		if reason != "" {
			r.WithdrawalReason = &reason
		}
		if err := s.repo.UpdateStatus(ctx, r); err != nil {
			return err
		}
		out = r
		return s.events.Emit(ctx, "consent", r.ID.String(), events.ConsentWithdrawn, map[string]interface{}{
			"id":           r.ID,
			"patient_id":   r.PatientID,
			"purpose":      r.Purpose,
			"withdrawn_by": actor,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("consent_id", id.String()).Str("purpose", out.Purpose).Msg("consent withdrawn")
	return out, nil
}

// ExpireResult summarises one ExpireStale pass.
type ExpireResult struct {
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}

// ExpireStale marks granted records past expires_at as expired. Failing rows
// are logged and counted; the pass continues.
func (s *Service) ExpireStale(ctx context.Context) (ExpireResult, error) {
	var res ExpireResult
	now := s.now()
	failed := make(map[uuid.UUID]bool)
	for {
		batch, err := s.repo.ListExpired(ctx, now, expireBatchSize)
		if err != nil {
			return res, err
		}
		progressed := false
		for _, r := range batch {
			if failed[r.ID] {
				continue
			}
			if err := s.expire(ctx, r); err != nil {
				s.logger.Error().Err(err).Str("consent_id", r.ID.String()).Msg("expire consent")
				failed[r.ID] = true
				res.Errors++
				continue
			}
			res.Expired++
			progressed = true
		}
		if !progressed || len(batch) < expireBatchSize {
			break
		}
	}
	if res.Expired > 0 || res.Errors > 0 {
		s.logger.Info().Int("expired", res.Expired).Int("errors", res.Errors).Msg("consent expiry pass finished")
	}
	return res, nil
}

func (s *Service) expire(ctx context.Context, r *Record) error {
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		r.Status = StatusExpired
		if err := s.repo.UpdateStatus(ctx, r); err != nil {
			return err
		}
		return s.events.Emit(ctx, "consent", r.ID.String(), events.ConsentExpired, map[string]interface{}{
			"id":         r.ID,
			"patient_id": r.PatientID,
			"expires_at": r.ExpiresAt,
		})
	})
}
