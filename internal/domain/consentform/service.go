package consentform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/events"
	"github.com/ehr/compliance/internal/platform/pdf"
)

var (
	ErrImmutable        = fmt.Errorf("%w: consent form content is immutable", apperr.ErrConflict)
	ErrAlreadySigned    = fmt.Errorf("%w: consent form is already signed", apperr.ErrConflict)
	ErrRevoked          = fmt.Errorf("%w: consent form is revoked", apperr.ErrConflict)
	ErrTemplateInactive = fmt.Errorf("%w: consent template is inactive", apperr.ErrConflict)
)

type Service struct {
	repo       Repository
	letterhead pdf.Letterhead
	city       string
	events     events.Emitter
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, letterhead pdf.Letterhead, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		letterhead: letterhead,
		events:     events.Nop{},
		logger:     logger.With().Str("component", "consent_forms").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) SetEmitter(e events.Emitter) { s.events = e }

// SetCity sets the default for the city placeholder.
func (s *Service) SetCity(city string) { s.city = city }

// -- Templates --

func validateTemplate(t *Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return apperr.Invalid("name", "is required")
	}
	return Validate(t.Markdown, t.RequiredPlaceholders)
}

// CreateTemplate stores version 1 of a new template name.
func (s *Service) CreateTemplate(ctx context.Context, t *Template) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		latest, err := s.repo.LatestVersion(ctx, t.Name)
		if err != nil {
			return err
		}
		if latest > 0 {
			return fmt.Errorf("%w: template %q exists; revise it instead", apperr.ErrConflict, t.Name)
		}
		t.Version = 1
		t.Active = true
		return s.repo.CreateTemplate(ctx, t)
	})
}

// ReviseTemplate stores a new version of the template id belongs to and
// deactivates the previous one. Forms keep pointing at the version they were
// rendered from.
func (s *Service) ReviseTemplate(ctx context.Context, id uuid.UUID, rev *Template) error {
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		prev, err := s.repo.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		rev.Name = prev.Name
		if rev.Description == nil {
			rev.Description = prev.Description
		}
		if err := validateTemplate(rev); err != nil {
			return err
		}
		latest, err := s.repo.LatestVersion(ctx, prev.Name)
		if err != nil {
			return err
		}
		rev.Version = latest + 1
		rev.Active = true
		if err := s.repo.CreateTemplate(ctx, rev); err != nil {
			return err
		}
		return s.repo.SetTemplateActive(ctx, prev.ID, false)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("template", rev.Name).Int("version", rev.Version).Msg("consent template revised")
	return nil
}

func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

func (s *Service) ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error) {
	return s.repo.ListTemplates(ctx, activeOnly)
}

func (s *Service) SetTemplateActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.repo.SetTemplateActive(ctx, id, active)
}

// Preview renders a template against sample values without storing anything.
func (s *Service) Preview(ctx context.Context, id uuid.UUID, values map[string]string) (string, error) {
	t, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return "", err
	}
	return Render(t.Markdown, s.withDefaults(values, s.now()))
}

// -- Forms --

// CreateFormInput is what a clinician submits to produce a form.
type CreateFormInput struct {
	TemplateID uuid.UUID         `json:"template_id"`
	PatientID  uuid.UUID         `json:"patient_id"`
	FormDate   *time.Time        `json:"form_date"`
	Values     map[string]string `json:"values"`
}

func (s *Service) withDefaults(values map[string]string, formDate time.Time) map[string]string {
	out := make(map[string]string, len(values)+3)
	for k, v := range values {
		out[k] = v
	}
	if out["date"] == "" {
		out["date"] = formDate.Format("02/01/2006")
	}
	if out["hospital_name"] == "" && s.letterhead.Name != "" {
		out["hospital_name"] = s.letterhead.Name
	}
	if out["city"] == "" && s.city != "" {
		out["city"] = s.city
	}
	return out
}

// CreateForm renders the template and stores the frozen result. Nothing is
// written when a placeholder lacks a value.
func (s *Service) CreateForm(ctx context.Context, in CreateFormInput, actor string) (*Form, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Invalid("patient_id", "is required")
	}
	t, err := s.repo.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, ErrTemplateInactive
	}

	formDate := s.now()
	if in.FormDate != nil {
		formDate = in.FormDate.UTC()
	}
	formDate = time.Date(formDate.Year(), formDate.Month(), formDate.Day(), 0, 0, 0, 0, time.UTC)

	values := s.withDefaults(in.Values, formDate)
	rendered, err := Render(t.Markdown, values)
	if err != nil {
		return nil, err
	}

	f := &Form{
		TemplateID:       t.ID,
		TemplateVersion:  t.Version,
		PatientID:        in.PatientID,
		FormDate:         formDate,
		Values:           values,
		RenderedMarkdown: rendered,
		ContentHash:      ContentHash(rendered),
	}
	if actor != "" {
		f.CreatedBy = &actor
	}
	if err := s.repo.CreateForm(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Info().Str("form_id", f.ID.String()).Str("template", t.Name).Int("version", t.Version).Msg("consent form created")
	return f, nil
}

func (s *Service) GetForm(ctx context.Context, id uuid.UUID) (*Form, error) {
	return s.repo.GetForm(ctx, id)
}

func (s *Service) SearchForms(ctx context.Context, f FormFilter, limit, offset int) ([]*Form, int, error) {
	return s.repo.SearchForms(ctx, f, limit, offset)
}

func (s *Service) ListFormsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Form, error) {
	return s.repo.ListFormsByPatient(ctx, patientID)
}

// SaveForm persists changes to a form. Content must match what is stored and
// signature fields, once set, may not change.
func (s *Service) SaveForm(ctx context.Context, f *Form) error {
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		stored, err := s.repo.GetForm(ctx, f.ID)
		if err != nil {
			return err
		}
		if f.RenderedMarkdown != stored.RenderedMarkdown || f.TemplateID != stored.TemplateID ||
			ContentHash(f.RenderedMarkdown) != stored.ContentHash || !sameValues(f.Values, stored.Values) {
			return ErrImmutable
		}
		if stored.IsSigned() && (f.SignedAt == nil || !f.SignedAt.Equal(*stored.SignedAt) || !sameString(f.SignedBy, stored.SignedBy)) {
			return ErrAlreadySigned
		}
		f.ContentHash = stored.ContentHash
		return s.repo.UpdateForm(ctx, f)
	})
}

func sameValues(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Sign records the signature once.
func (s *Service) Sign(ctx context.Context, id uuid.UUID, signedBy, witness string) (*Form, error) {
	if strings.TrimSpace(signedBy) == "" {
		return nil, apperr.Invalid("signed_by", "is required")
	}
	var out *Form
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		f, err := s.repo.GetForm(ctx, id)
		if err != nil {
			return err
		}
		if f.IsRevoked() {
			return ErrRevoked
		}
		if f.IsSigned() {
			return ErrAlreadySigned
		}
		now := s.now()
		f.SignedBy = &signedBy
		f.SignedAt = &now
		if witness != "" {
			f.WitnessName = &witness
		}
		if err := s.SaveForm(ctx, f); err != nil {
			return err
		}
		out = f
		return s.events.Emit(ctx, "consent_form", f.ID.String(), events.ConsentFormSigned, map[string]interface{}{
			"patient_id":   f.PatientID,
			"template_id":  f.TemplateID,
			"content_hash": f.ContentHash,
		})
	})
	return out, err
}

// Revoke marks a form as no longer in force. Its content is kept.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) (*Form, error) {
	var out *Form
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		f, err := s.repo.GetForm(ctx, id)
		if err != nil {
			return err
		}
		if f.IsRevoked() {
			return ErrRevoked
		}
		now := s.now()
		f.RevokedAt = &now
		if err := s.SaveForm(ctx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

// PDF lays the form out on letterhead, one sheet per page break, with the
// signature block on the last page.
func (s *Service) PDF(ctx context.Context, id uuid.UUID) ([]byte, *Form, error) {
	f, err := s.repo.GetForm(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !f.Verify() {
		return nil, nil, fmt.Errorf("consent form %s failed its integrity check", f.ID)
	}
	t, err := s.repo.GetTemplate(ctx, f.TemplateID)
	if err != nil {
		return nil, nil, err
	}

	pages := SplitPages(f.RenderedMarkdown)
	if len(pages) == 0 {
		pages = []string{""}
	}
	pages[len(pages)-1] += "\n\n" + signatureBlock(f)

	body, err := pdf.RenderBytes(pdf.Document{
		Title:       t.Name,
		Subject:     "Consent form",
		Author:      s.letterhead.Name,
		Letterhead:  s.letterhead,
		Pages:       pages,
		Footer:      fmt.Sprintf("v%d | sha256 %s", f.TemplateVersion, f.ContentHash[:16]),
		GeneratedAt: s.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return body, f, nil
}

func signatureBlock(f *Form) string {
	var b strings.Builder
	b.WriteString("---\n\n")
	if f.IsSigned() {
		fmt.Fprintf(&b, "Signed by **%s** on %s.\n\n", *f.SignedBy, f.SignedAt.Format("02/01/2006 15:04"))
	} else {
		b.WriteString("Signature: ______________________________\n\n")
	}
	if f.WitnessName != nil {
		fmt.Fprintf(&b, "Witness: %s\n\n", *f.WitnessName)
	}
	if f.IsRevoked() {
		fmt.Fprintf(&b, "**Revoked on %s.**\n", f.RevokedAt.Format("02/01/2006"))
	}
	return b.String()
}
