package datarequest

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/events"
	"github.com/ehr/compliance/internal/platform/lgpd"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/notification"
)

var ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", apperr.ErrConflict)

// Mailer sends templated email.
type Mailer interface {
	Send(ctx context.Context, templateID, to string, data map[string]string) (*notification.Message, error)
}

// DocumentCipher protects the requester's identity document at rest.
type DocumentCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}

type Service struct {
	repo         Repository
	cipher       DocumentCipher
	mailer       Mailer
	events       events.Emitter
	logger       zerolog.Logger
	now          func() time.Time
	hospitalName string
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events.Nop{},
		logger: logger.With().Str("component", "data_requests").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetCipher(c DocumentCipher) { s.cipher = c }
func (s *Service) SetMailer(m Mailer) { s.mailer = m }
func (s *Service) SetEmitter(e events.Emitter) { s.events = e }
func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) SetHospitalName(name string) { s.hospitalName = name }

func validate(r *DataRequest) error {
	var errs apperr.ValidationErrors
	if strings.TrimSpace(r.RequesterName) == "" {
		errs.Add("requester_name", "is required")
	}
	if r.RequesterEmail == "" {
		errs.Add("requester_email", "is required")
	} else if _, err := mail.ParseAddress(r.RequesterEmail); err != nil {
		errs.Add("requester_email", "is not a valid address")
	}
	if !validRequestTypes[r.RequestType] {
		errs.Add("request_type", "invalid request type: %q", r.RequestType)
	}
	if !validRelationships[r.Relationship] {
		errs.Add("relationship", "invalid relationship: %q", r.Relationship)
	}
	return errs.Err()
}

// Create registers a new rights request. The identifier and due date are
// assigned here and never recomputed.
func (s *Service) Create(ctx context.Context, r *DataRequest) error {
	if r.Relationship == "" {
		r.Relationship = "self"
	}
	if err := validate(r); err != nil {
		return err
	}
	r.Status = StatusPending
	if r.RequestedAt.IsZero() {
		r.RequestedAt = s.now()
	}
	r.DueDate = DueDateFor(r.RequestedAt)

	plainDoc := r.RequesterDocument
	if plainDoc != nil && s.cipher != nil {
		enc, err := s.cipher.Encrypt(*plainDoc)
		if err != nil {
			return fmt.Errorf("encrypt requester document: %w", err)
		}
		r.RequesterDocument = &enc
	}

	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		day := r.RequestedAt.UTC()
		n, err := s.repo.NextNumber(ctx, day)
		if err != nil {
			return err
		}
		r.RequestID = db.DocumentNumber("LGPD", day, n)
		if err := s.repo.Create(ctx, r); err != nil {
			return err
		}
		return s.events.Emit(ctx, "data_request", r.RequestID, events.DataRequestCreated, map[string]interface{}{
			"id":           r.ID,
			"request_id":   r.RequestID,
			"request_type": r.RequestType,
			"due_date":     r.DueDate,
		})
	})
	if err != nil {
		r.RequesterDocument = plainDoc
		return err
	}

	s.reveal(r)
	s.notify(ctx, notification.TplDataRequestReceived, r, map[string]string{
		"requested_at": r.RequestedAt.Format("02/01/2006"),
		"due_date":     r.DueDate.Format("02/01/2006"),
	})
	s.logger.Info().Str("request_id", r.RequestID).Str("request_type", r.RequestType).Msg("data request created")
	return nil
}

// reveal replaces the stored document with its masked plaintext.
func (s *Service) reveal(r *DataRequest) {
	if r.RequesterDocument == nil {
		return
	}
	doc := *r.RequesterDocument
	if s.cipher != nil {
		plain, err := s.cipher.Decrypt(doc)
		if err != nil {
			s.logger.Warn().Err(err).Str("request_id", r.RequestID).Msg("decrypt requester document")
			r.RequesterDocument = nil
			return
		}
		doc = plain
	}
	masked := lgpd.MaskDocument(doc)
	r.RequesterDocument = &masked
}

func (s *Service) notify(ctx context.Context, tpl string, r *DataRequest, extra map[string]string) {
	if s.mailer == nil {
		return
	}
	data := map[string]string{
		"request_id":     r.RequestID,
		"request_type":   r.RequestType,
		"requester_name": r.RequesterName,
		"status":         r.Status,
		"hospital_name":  s.hospitalName,
		"notes":          "",
	}
	if r.ResponseNotes != nil {
		data["notes"] = *r.ResponseNotes
	}
	if r.RejectionReason != nil {
		data["notes"] = *r.RejectionReason
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := s.mailer.Send(ctx, tpl, r.RequesterEmail, data); err != nil {
		s.logger.Warn().Err(err).Str("request_id", r.RequestID).Str("template", tpl).Msg("requester notification failed")
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*DataRequest, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reveal(r)
	return r, nil
}

func (s *Service) GetByRequestID(ctx context.Context, requestID string) (*DataRequest, error) {
	r, err := s.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.reveal(r)
	return r, nil
}

func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]*DataRequest, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "invalid status: %q", f.Status)
	}
	if f.RequestType != "" && !validRequestTypes[f.RequestType] {
		return nil, 0, apperr.Invalid("request_type", "invalid request type: %q", f.RequestType)
	}
	items, total, err := s.repo.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range items {
		s.reveal(r)
	}
	return items, total, nil
}

// ListOverdue returns open requests past their due date and refreshes the
// overdue gauge.
func (s *Service) ListOverdue(ctx context.Context, limit, offset int) ([]*DataRequest, int, error) {
	now := s.now()
	items, total, err := s.Search(ctx, Filter{OverdueAt: &now}, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	metrics.DataRequestsOverdue.Set(float64(total))
	return items, total, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*DataRequest, error) {
	items, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, r := range items {
		s.reveal(r)
	}
	return items, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to string, apply func(r *DataRequest, now time.Time)) (*DataRequest, error) {
	var out *DataRequest
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from := r.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		r.Status = to
		if apply != nil {
			apply(r, s.now())
		}
		if err := s.repo.UpdateStatus(ctx, r); err != nil {
			return err
		}
		out = r
		return s.events.Emit(ctx, "data_request", r.RequestID, events.DataRequestStatusChanged, map[string]interface{}{
			"id":         r.ID,
			"request_id": r.RequestID,
			"from":       from,
			"to":         to,
		})
	})
	if err != nil {
		return nil, err
	}
	s.reveal(out)
	s.logger.Info().Str("request_id", out.RequestID).Str("status", to).Msg("data request status changed")
	if to != StatusUnderReview {
		s.notify(ctx, notification.TplDataRequestStatus, out, nil)
	}
	return out, nil
}

func (s *Service) StartReview(ctx context.Context, id uuid.UUID, reviewer string) (*DataRequest, error) {
	return s.transition(ctx, id, StatusUnderReview, func(r *DataRequest, _ time.Time) {
		if reviewer != "" {
			r.AssignedTo = &reviewer
		}
	})
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID, reviewer, notes string) (*DataRequest, error) {
	return s.transition(ctx, id, StatusApproved, func(r *DataRequest, now time.Time) {
		r.ReviewedBy = &reviewer
		r.ReviewedAt = &now
		if notes != "" {
			r.ResponseNotes = &notes
		}
	})
}

func (s *Service) Reject(ctx context.Context, id uuid.UUID, reviewer, reason string) (*DataRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("rejection_reason", "is required to reject a request")
	}
	return s.transition(ctx, id, StatusRejected, func(r *DataRequest, now time.Time) {
		r.ReviewedBy = &reviewer
		r.ReviewedAt = &now
		r.RejectionReason = &reason
	})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, notes string) (*DataRequest, error) {
	return s.transition(ctx, id, StatusCompleted, func(r *DataRequest, now time.Time) {
		r.CompletedAt = &now
		if notes != "" {
			r.ResponseNotes = &notes
		}
	})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*DataRequest, error) {
	return s.transition(ctx, id, StatusCancelled, func(r *DataRequest, _ time.Time) {
		if reason != "" {
			r.ResponseNotes = &reason
		}
	})
}

// IsInvalidTransition reports whether err came from a forbidden status change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
