package consentform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ehr/compliance/internal/platform/apperr"
)

// PageBreak is the placeholder that splits a rendered form into pages. It
// survives rendering as PageBreakMarker.
const (
	PageBreak       = "page_break"
	PageBreakMarker = "{{page_break}}"
)

// AllowedPlaceholders lists every name a template may reference.
var AllowedPlaceholders = []string{
	"patient_name",
	"patient_document",
	"patient_birth_date",
	"patient_record_number",
	"guardian_name",
	"procedure_name",
	"procedure_description",
	"physician_name",
	"physician_registry",
	"hospital_name",
	"city",
	"date",
	PageBreak,
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(AllowedPlaceholders))
	for _, p := range AllowedPlaceholders {
		m[p] = true
	}
	return m
}()

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// Placeholders returns the distinct names referenced in markdown, in order of
// first appearance.
func Placeholders(markdown string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(markdown, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Validate checks a template body and its required placeholders.
func Validate(markdown string, required []string) error {
	var errs apperr.ValidationErrors
	if strings.TrimSpace(markdown) == "" {
		errs.Add("markdown", "is required")
	}
	rest := placeholderRe.ReplaceAllString(markdown, "")
	if strings.Contains(rest, "{{") || strings.Contains(rest, "}}") {
		errs.Add("markdown", "contains a malformed placeholder")
	}

	present := map[string]bool{}
	for _, name := range Placeholders(markdown) {
		present[name] = true
		if !allowed[name] {
			errs.Add("markdown", "unknown placeholder %q", name)
		}
	}
	for _, name := range required {
		switch {
		case !allowed[name]:
			errs.Add("required_placeholders", "unknown placeholder %q", name)
		case name == PageBreak:
			errs.Add("required_placeholders", "%s cannot be required", PageBreak)
		case !present[name]:
			errs.Add("required_placeholders", "%q does not appear in the template", name)
		}
	}
	return errs.Err()
}

// MissingValuesError lists placeholders rendered without a value.
type MissingValuesError struct {
	Names []string
}

func (e *MissingValuesError) Error() string {
	return fmt.Sprintf("values: missing placeholders: %s", strings.Join(e.Names, ", "))
}

func (e *MissingValuesError) Unwrap() error { return apperr.ErrInvalid }

// Render substitutes every placeholder in markdown. Every referenced name
// needs a non-empty value; page breaks become PageBreakMarker.
func Render(markdown string, values map[string]string) (string, error) {
	for name, v := range values {
		if strings.Contains(v, "{{") || strings.Contains(v, "}}") {
			return "", apperr.Invalid("values."+name, "must not contain placeholder braces")
		}
	}

	var missing []string
	for _, name := range Placeholders(markdown) {
		if name == PageBreak {
			continue
		}
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingValuesError{Names: missing}
	}

	out := placeholderRe.ReplaceAllStringFunc(markdown, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		if name == PageBreak {
			return PageBreakMarker
		}
		return strings.TrimSpace(values[name])
	})
	return out, nil
}

// SplitPages cuts rendered markdown at each page break, dropping empty pages.
func SplitPages(rendered string) []string {
	var pages []string
	for _, p := range strings.Split(rendered, PageBreakMarker) {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	return pages
}
