package datarequest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/pdf"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatPDF  = "pdf"
)

// Source contributes one section of a patient export. Fetch returns any
// JSON-serialisable slice of records.
type Source struct {
	Name  string
	Fetch func(ctx context.Context, patientID uuid.UUID) (interface{}, error)
}

// Export is a rendered patient data export.
type Export struct {
	ContentType string
	Filename    string
	Body        []byte
}

type section struct {
	name    string
	records []map[string]interface{}
}

// Exporter assembles the personal data held about a patient for access and
// portability requests.
type Exporter struct {
	sources    []Source
	letterhead pdf.Letterhead
	logger     zerolog.Logger
	now        func() time.Time
}

func NewExporter(letterhead pdf.Letterhead, logger zerolog.Logger, sources ...Source) *Exporter {
	return &Exporter{
		sources:    sources,
		letterhead: letterhead,
		logger:     logger.With().Str("component", "patient_export").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *Exporter) collect(ctx context.Context, patientID uuid.UUID) ([]section, error) {
	out := make([]section, 0, len(e.sources))
	for _, src := range e.sources {
		raw, err := src.Fetch(ctx, patientID)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", src.Name, err)
		}
		records, err := toRecords(raw)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", src.Name, err)
		}
		out = append(out, section{name: src.Name, records: records})
	}
	return out, nil
}

func toRecords(v interface{}) ([]map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("records must serialise to a JSON array of objects: %w", err)
	}
	if records == nil {
		records = []map[string]interface{}{}
	}
	return records, nil
}

// Export renders every section for patientID in the requested format.
func (e *Exporter) Export(ctx context.Context, patientID uuid.UUID, format string) (*Export, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV && format != FormatPDF {
		return nil, apperr.Invalid("format", "unsupported export format %q", format)
	}

	sections, err := e.collect(ctx, patientID)
	if err != nil {
		return nil, err
	}
	generated := e.now()
	base := fmt.Sprintf("patient_%s_%s", patientID, generated.Format("20060102_150405"))

	var out *Export
	switch format {
	case FormatJSON:
		out, err = exportJSON(patientID, generated, sections)
	case FormatCSV:
		out, err = exportCSV(sections)
	case FormatPDF:
		out, err = e.exportPDF(patientID, generated, sections)
	}
	if err != nil {
		return nil, err
	}
	out.Filename = base + "." + format

	total := 0
	for _, s := range sections {
		total += len(s.records)
	}
	e.logger.Info().Str("patient_id", patientID.String()).Str("format", format).Int("records", total).Msg("patient data exported")
	return out, nil
}

func exportJSON(patientID uuid.UUID, generated time.Time, sections []section) (*Export, error) {
	doc := map[string]interface{}{
		"export": map[string]interface{}{
			"patient_id":   patientID,
			"generated_at": generated,
		},
	}
	for _, s := range sections {
		doc[s.name] = s.records
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return &Export{ContentType: "application/json", Body: body}, nil
}

func sortedFields(rec map[string]interface{}) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, float64:
		return fmt.Sprint(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func exportCSV(sections []section) (*Export, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"section", "id", "field", "value"}); err != nil {
		return nil, err
	}
	for _, s := range sections {
		for _, rec := range s.records {
			id := formatValue(rec["id"])
			for _, field := range sortedFields(rec) {
				if err := w.Write([]string{s.name, id, field, formatValue(rec[field])}); err != nil {
					return nil, err
				}
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write export csv: %w", err)
	}
	return &Export{ContentType: "text/csv; charset=utf-8", Body: buf.Bytes()}, nil
}

func sectionTitle(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// summaryMarkdown renders the sections as the body of the PDF report.
func summaryMarkdown(patientID uuid.UUID, generated time.Time, sections []section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: `%s`\n\nGenerated at %s under LGPD Art. 18.\n\n", patientID, generated.Format("02/01/2006 15:04 MST"))
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s (%d)\n\n", sectionTitle(s.name), len(s.records))
		if len(s.records) == 0 {
			b.WriteString("No records.\n\n")
			continue
		}
		for _, rec := range s.records {
			fmt.Fprintf(&b, "**%s**\n\n", formatValue(rec["id"]))
			for _, field := range sortedFields(rec) {
				val := formatValue(rec[field])
				if val == "" {
					continue
				}
				fmt.Fprintf(&b, "- %s: %s\n", field, val)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (e *Exporter) exportPDF(patientID uuid.UUID, generated time.Time, sections []section) (*Export, error) {
	body, err := pdf.RenderBytes(pdf.Document{
		Title:       "Personal Data Report",
		Subject:     "LGPD data subject access",
		Author:      e.letterhead.Name,
		Letterhead:  e.letterhead,
		Pages:       []string{summaryMarkdown(patientID, generated, sections)},
		GeneratedAt: generated,
	})
	if err != nil {
		return nil, err
	}
	return &Export{ContentType: "application/pdf", Body: body}, nil
}
