package prescription

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
	ErrCancelled        = fmt.Errorf("%w: prescription is cancelled", apperr.ErrConflict)
	ErrDrugInactive     = fmt.Errorf("%w: drug template is inactive", apperr.ErrConflict)
	ErrTemplateInactive = fmt.Errorf("%w: prescription template is inactive", apperr.ErrConflict)
)

type Service struct {
	repo       Repository
	letterhead pdf.Letterhead
	events     events.Emitter
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, letterhead pdf.Letterhead, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		letterhead: letterhead,
		events:     events.Nop{},
		logger:     logger.With().Str("component", "prescriptions").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }
func (s *Service) SetEmitter(e events.Emitter) { s.events = e }

// -- Drug templates --

func validateDrug(d *DrugTemplate) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return apperr.Invalid("name", "is required")
	}
	return nil
}

func (s *Service) CreateDrug(ctx context.Context, d *DrugTemplate) error {
	if err := validateDrug(d); err != nil {
		return err
	}
	d.Active = true
	return s.repo.CreateDrug(ctx, d)
}

func (s *Service) GetDrug(ctx context.Context, id uuid.UUID) (*DrugTemplate, error) {
	return s.repo.GetDrug(ctx, id)
}

func (s *Service) ListDrugs(ctx context.Context, f DrugFilter) ([]*DrugTemplate, error) {
	return s.repo.ListDrugs(ctx, f)
}

// UpdateDrug replaces the catalogue entry. Issued prescriptions keep the
// values they were written with.
func (s *Service) UpdateDrug(ctx context.Context, d *DrugTemplate) error {
	if err := validateDrug(d); err != nil {
		return err
	}
	return s.repo.UpdateDrug(ctx, d)
}

func (s *Service) DeactivateDrug(ctx context.Context, id uuid.UUID) (*DrugTemplate, error) {
	var out *DrugTemplate
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.repo.GetDrug(ctx, id)
		if err != nil {
			return err
		}
		d.Active = false
		if err := s.repo.UpdateDrug(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// -- Prescription templates --

// checkTemplate validates t and confirms every item points at an active drug.
func (s *Service) checkTemplate(ctx context.Context, t *Template) error {
	var errs apperr.ValidationErrors
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		errs.Add("name", "is required")
	}
	if len(t.Items) == 0 {
		errs.Add("items", "at least one item is required")
	}
	for i, it := range t.Items {
		if it.DrugTemplateID == uuid.Nil {
			errs.Add(fmt.Sprintf("items[%d].drug_template_id", i), "is required")
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}

	explicitOrder := false
	for _, it := range t.Items {
		if it.SortOrder != 0 {
			explicitOrder = true
		}
	}
	for i := range t.Items {
		if !explicitOrder {
			t.Items[i].SortOrder = i
		}
		d, err := s.repo.GetDrug(ctx, t.Items[i].DrugTemplateID)
		if err != nil {
			return err
		}
		if !d.Active {
			return fmt.Errorf("%w: %s", ErrDrugInactive, d.Name)
		}
	}
	return nil
}

func (s *Service) CreateTemplate(ctx context.Context, t *Template) error {
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.checkTemplate(ctx, t); err != nil {
			return err
		}
		t.Active = true
		return s.repo.CreateTemplate(ctx, t)
	})
}

func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

func (s *Service) ListTemplates(ctx context.Context, activeOnly bool, specialty string) ([]*Template, error) {
	return s.repo.ListTemplates(ctx, activeOnly, specialty)
}

// UpdateTemplate replaces the template and its item list.
func (s *Service) UpdateTemplate(ctx context.Context, t *Template) error {
	return s.repo.RunInTx(ctx, func(ctx context.Context) error {
		prev, err := s.repo.GetTemplate(ctx, t.ID)
		if err != nil {
			return err
		}
		if err := s.checkTemplate(ctx, t); err != nil {
			return err
		}
		t.CreatedBy = prev.CreatedBy
		t.CreatedAt = prev.CreatedAt
		return s.repo.UpdateTemplate(ctx, t)
	})
}

func (s *Service) DeactivateTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	var out *Template
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		t.Active = false
		if err := s.repo.UpdateTemplate(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// -- Prescriptions --

// Header identifies the patient and prescriber of a new prescription.
type Header struct {
	PatientID          uuid.UUID  `json:"patient_id"`
	PatientName        string     `json:"patient_name"`
	PrescriberName     string     `json:"prescriber_name"`
	PrescriberRegistry string     `json:"prescriber_registry"`
	PrescribedAt       *time.Time `json:"prescribed_at"`
	Notes              *string    `json:"notes"`
}

func (h Header) validate(errs *apperr.ValidationErrors) {
	if h.PatientID == uuid.Nil {
		errs.Add("patient_id", "is required")
	}
	if strings.TrimSpace(h.PatientName) == "" {
		errs.Add("patient_name", "is required")
	}
	if strings.TrimSpace(h.PrescriberName) == "" {
		errs.Add("prescriber_name", "is required")
	}
	if strings.TrimSpace(h.PrescriberRegistry) == "" {
		errs.Add("prescriber_registry", "is required")
	}
}

// ItemInput is either a catalogue reference, whose drug fields are copied
// and whose posology fields override the drug defaults, or a free-text item.
type ItemInput struct {
	DrugTemplateID     *uuid.UUID `json:"drug_template_id"`
	DrugName           string     `json:"drug_name"`
	ActiveIngredient   string     `json:"active_ingredient"`
	Concentration      string     `json:"concentration"`
	PharmaceuticalForm string     `json:"pharmaceutical_form"`
	Route              string     `json:"route"`
	Dosage             string     `json:"dosage"`
	Frequency          string     `json:"frequency"`
	Duration           string     `json:"duration"`
	Quantity           string     `json:"quantity"`
	Instructions       string     `json:"instructions"`
	Controlled         bool       `json:"controlled"`
}

type CreateInput struct {
	Header
	Items []ItemInput `json:"items"`
}

type FromTemplateInput struct {
	Header
	TemplateID uuid.UUID `json:"template_id"`
}

func (s *Service) resolveItem(ctx context.Context, in ItemInput, order int) (Item, error) {
	if in.DrugTemplateID == nil {
		return Item{
			DrugName:           strings.TrimSpace(in.DrugName),
			ActiveIngredient:   in.ActiveIngredient,
			Concentration:      in.Concentration,
			PharmaceuticalForm: in.PharmaceuticalForm,
			Route:              in.Route,
			Dosage:             strings.TrimSpace(in.Dosage),
			Frequency:          in.Frequency,
			Duration:           in.Duration,
			Quantity:           in.Quantity,
			Instructions:       in.Instructions,
			Controlled:         in.Controlled,
			SortOrder:          order,
		}, nil
	}
	d, err := s.repo.GetDrug(ctx, *in.DrugTemplateID)
	if err != nil {
		return Item{}, err
	}
	if !d.Active {
		return Item{}, fmt.Errorf("%w: %s", ErrDrugInactive, d.Name)
	}
	return ItemFromDrug(d, TemplateItem{
		Dosage:       in.Dosage,
		Frequency:    in.Frequency,
		Duration:     in.Duration,
		Quantity:     in.Quantity,
		Instructions: in.Instructions,
		SortOrder:    order,
	}), nil
}

func checkItems(items []Item) error {
	var errs apperr.ValidationErrors
	for i, it := range items {
		if it.DrugName == "" {
			errs.Add(fmt.Sprintf("items[%d].drug_name", i), "is required")
		}
		if it.Dosage == "" {
			errs.Add(fmt.Sprintf("items[%d].dosage", i), "is required")
		}
	}
	return errs.Err()
}

func (s *Service) newPrescription(h Header, items []Item) *Prescription {
	at := s.now()
	if h.PrescribedAt != nil {
		at = h.PrescribedAt.UTC()
	}
	return &Prescription{
		PatientID:          h.PatientID,
		PatientName:        strings.TrimSpace(h.PatientName),
		PrescriberName:     strings.TrimSpace(h.PrescriberName),
		PrescriberRegistry: strings.TrimSpace(h.PrescriberRegistry),
		PrescribedAt:       at,
		Notes:              h.Notes,
		Status:             StatusActive,
		Items:              items,
	}
}

func (s *Service) issue(ctx context.Context, p *Prescription) error {
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	return s.events.Emit(ctx, "prescription", p.ID.String(), events.PrescriptionIssued, map[string]interface{}{
		"patient_id": p.PatientID,
		"items":      len(p.Items),
		"controlled": p.HasControlled(),
	})
}

// Create issues a prescription from explicit items.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Prescription, error) {
	var errs apperr.ValidationErrors
	in.Header.validate(&errs)
	if len(in.Items) == 0 {
		errs.Add("items", "at least one item is required")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	var out *Prescription
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		items := make([]Item, 0, len(in.Items))
		for i, ii := range in.Items {
			it, err := s.resolveItem(ctx, ii, i)
			if err != nil {
				return err
			}
			items = append(items, it)
		}
		if err := checkItems(items); err != nil {
			return err
		}
		p := s.newPrescription(in.Header, items)
		if err := s.issue(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("prescription_id", out.ID.String()).Int("items", len(out.Items)).Msg("prescription issued")
	return out, nil
}

// CreateFromTemplate issues a prescription with one item per template item,
// copying the current drug fields.
func (s *Service) CreateFromTemplate(ctx context.Context, in FromTemplateInput) (*Prescription, error) {
	var errs apperr.ValidationErrors
	in.Header.validate(&errs)
	if in.TemplateID == uuid.Nil {
		errs.Add("template_id", "is required")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	var out *Prescription
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetTemplate(ctx, in.TemplateID)
		if err != nil {
			return err
		}
		if !t.Active {
			return ErrTemplateInactive
		}
		items := make([]Item, 0, len(t.Items))
		for _, ti := range t.Items {
			d, err := s.repo.GetDrug(ctx, ti.DrugTemplateID)
			if err != nil {
				return err
			}
			if !d.Active {
				return fmt.Errorf("%w: %s", ErrDrugInactive, d.Name)
			}
			items = append(items, ItemFromDrug(d, ti))
		}
		if err := checkItems(items); err != nil {
			return err
		}
		p := s.newPrescription(in.Header, items)
		p.SourceTemplateID = &t.ID
		if err := s.issue(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("prescription_id", out.ID.String()).Str("template_id", in.TemplateID.String()).Msg("prescription issued from template")
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]*Prescription, int, error) {
	if f.Status != "" && f.Status != StatusActive && f.Status != StatusCancelled {
		return nil, 0, apperr.Invalid("status", "unknown status %q", f.Status)
	}
	return s.repo.Search(ctx, f, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	var out *Prescription
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusCancelled {
			return ErrCancelled
		}
		p.Status = StatusCancelled
		if err := s.repo.UpdateStatus(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// PDF renders the prescription on letterhead.
func (s *Service) PDF(ctx context.Context, id uuid.UUID) ([]byte, *Prescription, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	title := "Prescription"
	if p.HasControlled() {
		title = "Controlled Substance Prescription"
	}
	body, err := pdf.RenderBytes(pdf.Document{
		Title:       title,
		Subject:     "Prescription for " + p.PatientName,
		Author:      p.PrescriberName,
		Letterhead:  s.letterhead,
		Pages:       []string{Markdown(p)},
		Footer:      "Prescription " + p.ID.String(),
		GeneratedAt: s.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	return body, p, nil
}
