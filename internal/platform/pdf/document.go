// Package pdf lays out letterhead documents from markdown: consent forms,
// prescriptions and patient data exports.
package pdf

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Letterhead identifies the issuing institution on every page.
type Letterhead struct {
	Name    string
	Address string
	CNPJ    string
	Phone   string
}

// Document is a titled sequence of markdown pages. Each entry in Pages starts
// on a new sheet; long pages flow onto further sheets.
type Document struct {
	Title       string
	Subject     string
	Author      string
	Letterhead  Letterhead
	Pages       []string
	Footer      string
	GeneratedAt time.Time
}

const (
	marginLeft  = 20.0
	marginRight = 20.0
	marginTop   = 15.0
	lineHeight  = 5.5
	indentStep  = 6.0
	baseFont    = "Helvetica"
	codeFont    = "Courier"
	bodySize    = 10.5
)

var headingSizes = map[int]float64{1: 16, 2: 14, 3: 12}

// Render writes the PDF for d to w.
func Render(w io.Writer, d Document) error {
	pdf, err := build(d)
	if err != nil {
		return err
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// RenderBytes is Render into memory.
func RenderBytes(d Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func build(d Document) (*fpdf.Fpdf, error) {
	if d.GeneratedAt.IsZero() {
		d.GeneratedAt = time.Now()
	}
	if len(d.Pages) == 0 {
		d.Pages = []string{""}
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(marginLeft, marginTop, marginRight)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle(d.Title, true)
	pdf.SetSubject(d.Subject, true)
	pdf.SetAuthor(d.Author, true)
	pdf.SetCreationDate(d.GeneratedAt)
	pdf.AliasNbPages("{nb}")

	pdf.SetHeaderFunc(func() { letterhead(pdf, tr, d.Letterhead) })
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(baseFont, "I", 8)
		pdf.SetTextColor(110, 110, 110)
		left := d.Footer
		if left == "" {
			left = "Generated " + d.GeneratedAt.Format("02/01/2006 15:04")
		}
		pdf.CellFormat(0, 5, tr(left), "", 0, "L", false, 0, "")
		pdf.SetX(marginLeft)
		pdf.CellFormat(0, 5, fmt.Sprintf("%d/{nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	})

	for i, page := range d.Pages {
		pdf.AddPage()
		if i == 0 && d.Title != "" {
			pdf.SetFont(baseFont, "B", 15)
			pdf.MultiCell(0, 8, tr(d.Title), "", "C", false)
			pdf.Ln(4)
		}
		layoutBlocks(pdf, tr, ParseMarkdown(page))
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("layout pdf: %w", err)
	}
	return pdf, nil
}

func letterhead(pdf *fpdf.Fpdf, tr func(string) string, lh Letterhead) {
	pdf.SetFont(baseFont, "B", 13)
	pdf.CellFormat(0, 6, tr(lh.Name), "", 1, "L", false, 0, "")
	pdf.SetFont(baseFont, "", 8.5)
	var details []string
	if lh.Address != "" {
		details = append(details, lh.Address)
	}
	if lh.CNPJ != "" {
		details = append(details, "CNPJ "+lh.CNPJ)
	}
	if lh.Phone != "" {
		details = append(details, lh.Phone)
	}
	if len(details) > 0 {
		pdf.CellFormat(0, 4.5, tr(strings.Join(details, " | ")), "", 1, "L", false, 0, "")
	}
	w, _ := pdf.GetPageSize()
	y := pdf.GetY() + 2
	pdf.SetDrawColor(60, 60, 60)
	pdf.Line(marginLeft, y, w-marginRight, y)
	pdf.SetY(y + 5)
}

func fontStyle(s Span) string {
	st := ""
	if s.Bold {
		st += "B"
	}
	if s.Italic {
		st += "I"
	}
	return st
}

func writeSpans(pdf *fpdf.Fpdf, tr func(string) string, spans []Span, size, lh float64) {
	for _, s := range spans {
		if s.Code {
			pdf.SetFont(codeFont, "", size-1)
		} else {
			pdf.SetFont(baseFont, fontStyle(s), size)
		}
		pdf.Write(lh, tr(s.Text))
	}
}

func layoutBlocks(pdf *fpdf.Fpdf, tr func(string) string, blocks []Block) {
	pageW, _ := pdf.GetPageSize()
	for _, b := range blocks {
		indent := float64(b.Depth) * indentStep
		pdf.SetLeftMargin(marginLeft + indent)
		pdf.SetX(marginLeft + indent)

		switch b.Kind {
		case BlockHeading:
			size, ok := headingSizes[b.Level]
			if !ok {
				size = 11
			}
			pdf.Ln(2)
			for i := range b.Spans {
				b.Spans[i].Bold = true
			}
			writeSpans(pdf, tr, b.Spans, size, size*0.5)
			pdf.Ln(size*0.5 + 2)
		case BlockListItem:
			pdf.SetFont(baseFont, "", bodySize)
			pdf.SetX(marginLeft + indent - indentStep + 1)
			pdf.CellFormat(indentStep-1, lineHeight, tr(b.Marker), "", 0, "L", false, 0, "")
			writeSpans(pdf, tr, b.Spans, bodySize, lineHeight)
			pdf.Ln(lineHeight + 1)
		case BlockRule:
			y := pdf.GetY() + 2
			pdf.Line(marginLeft, y, pageW-marginRight, y)
			pdf.Ln(5)
		case BlockCode:
			pdf.SetFont(codeFont, "", bodySize-1)
			pdf.MultiCell(0, lineHeight-0.5, tr(b.PlainText()), "", "L", false)
			pdf.Ln(2)
		default:
			writeSpans(pdf, tr, b.Spans, bodySize, lineHeight)
			pdf.Ln(lineHeight * 1.6)
		}
	}
	pdf.SetLeftMargin(marginLeft)
}
