package prescription

import (
	"fmt"
	"strings"
)

// ControlledNotice is printed under every controlled item.
const ControlledNotice = "Controlled substance (Portaria SVS/MS 344/98). Retention of a copy by the pharmacy is required."

// Markdown lays out p as the body of the prescription document.
func Markdown(p *Prescription) string {
	var b strings.Builder
	if p.Status == StatusCancelled {
		b.WriteString("**CANCELLED. This prescription is not valid for dispensing.**\n\n")
	}
	fmt.Fprintf(&b, "**Patient:** %s\n\n", p.PatientName)
	fmt.Fprintf(&b, "**Date:** %s\n\n", p.PrescribedAt.Format("02/01/2006"))
	b.WriteString("---\n\n")

	for i, it := range p.Items {
		name := it.DrugName
		if it.Concentration != "" {
			name += " " + it.Concentration
		}
		if it.PharmaceuticalForm != "" {
			name += ", " + it.PharmaceuticalForm
		}
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, name)
		if it.ActiveIngredient != "" && !strings.EqualFold(it.ActiveIngredient, it.DrugName) {
			fmt.Fprintf(&b, "*%s*\n\n", it.ActiveIngredient)
		}
		posology := []string{it.Dosage}
		for _, part := range []string{it.Route, it.Frequency, it.Duration} {
			if part != "" {
				posology = append(posology, part)
			}
		}
		fmt.Fprintf(&b, "- Use: %s\n", strings.Join(posology, ", "))
		if it.Quantity != "" {
			fmt.Fprintf(&b, "- Quantity: %s\n", it.Quantity)
		}
		if it.Instructions != "" {
			fmt.Fprintf(&b, "- Instructions: %s\n", it.Instructions)
		}
		b.WriteString("\n")
		if it.Controlled {
			fmt.Fprintf(&b, "**%s**\n\n", ControlledNotice)
		}
	}

	if p.Notes != nil && strings.TrimSpace(*p.Notes) != "" {
		fmt.Fprintf(&b, "**Notes:** %s\n\n", strings.TrimSpace(*p.Notes))
	}

	b.WriteString("---\n\n")
	b.WriteString("Signature: ______________________________\n\n")
	fmt.Fprintf(&b, "%s\n\n", p.PrescriberName)
	fmt.Fprintf(&b, "%s\n", p.PrescriberRegistry)
	return b.String()
}
