package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/xkilldash9x/causelist/api/schemas"
)

const (
	pdfMargin     = 30.0
	pdfLineHeight = 11.0
	pdfCellPad    = 2.0
	pdfFontSize   = 8.0
)

type rgb struct{ r, g, b int }

var (
	headerFill = rgb{173, 216, 230}
	evenFill   = rgb{245, 245, 245}
	oddFill    = rgb{211, 211, 211}
	gridColor  = rgb{0, 0, 0}
)

// fourColumnWidths are the fixed widths of the usual serial/case/party/advocate
// layout. The last column takes what is left.
var fourColumnWidths = []float64{35, 115, 250}

func writePDF(w io.Writer, meta Meta, tables []schemas.CauseListTable) error {
	return buildPDF(meta, tables).Output(w)
}

// buildPDF lays the tables out on A4 pages. Each table's header row is
// repeated at the top of every page the table spills onto.
func buildPDF(meta Meta, tables []schemas.CauseListTable) *fpdf.Fpdf {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(false, pdfMargin)
	pdf.SetTitle(fmt.Sprintf("Cause List %s %s", meta.Label, meta.Date), true)
	pdf.SetDrawColor(gridColor.r, gridColor.g, gridColor.b)
	pdf.SetLineWidth(0.5)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 16, tr(fmt.Sprintf("Cause List: %s (%s)", meta.Label, meta.Date)), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	l := &pdfLayout{pdf: pdf, tr: tr}
	for _, t := range tables {
		l.table(t)
	}
	return pdf
}

type pdfLayout struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func (l *pdfLayout) bottom() float64 {
	_, h := l.pdf.GetPageSize()
	return h - pdfMargin
}

func (l *pdfLayout) usable() float64 {
	w, _ := l.pdf.GetPageSize()
	return w - 2*pdfMargin
}

func (l *pdfLayout) widths(n int) []float64 {
	total := l.usable()
	out := make([]float64, n)
	if n == len(fourColumnWidths)+1 {
		rest := total
		for i, w := range fourColumnWidths {
			out[i] = w
			rest -= w
		}
		out[n-1] = rest
		return out
	}
	for i := range out {
		out[i] = total / float64(n)
	}
	return out
}

func (l *pdfLayout) table(t schemas.CauseListTable) {
	pdf := l.pdf
	if pdf.GetY()+3*pdfLineHeight > l.bottom() {
		pdf.AddPage()
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, 14, l.tr(t.Caption), "", 1, "L", false, 0, "")

	n := columns(t)
	if n == 0 {
		pdf.Ln(4)
		return
	}
	widths := l.widths(n)
	headers := displayHeaders(t.Headers)

	l.header(headers, widths)
	for i, row := range t.Rows {
		cells := pad(row, n)
		pdf.SetFont("Helvetica", "", pdfFontSize)
		if pdf.GetY()+l.rowHeight(cells, widths) > l.bottom() {
			pdf.AddPage()
			l.header(headers, widths)
			pdf.SetFont("Helvetica", "", pdfFontSize)
		}
		fill := evenFill
		if i%2 == 1 {
			fill = oddFill
		}
		l.row(cells, widths, fill)
	}
	pdf.Ln(8)
}

func (l *pdfLayout) header(headers []string, widths []float64) {
	if len(headers) == 0 {
		return
	}
	l.pdf.SetFont("Helvetica", "B", pdfFontSize)
	l.row(pad(headers, len(widths)), widths, headerFill)
}

func (l *pdfLayout) lines(cell string, width float64) []string {
	out := l.pdf.SplitText(l.tr(cell), width-2*pdfCellPad)
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

func (l *pdfLayout) rowHeight(cells []string, widths []float64) float64 {
	most := 1
	for i, cell := range cells {
		if n := len(l.lines(cell, widths[i])); n > most {
			most = n
		}
	}
	return float64(most)*pdfLineHeight + 2*pdfCellPad
}

// row draws one shaded, gridded row and leaves the cursor below it.
func (l *pdfLayout) row(cells []string, widths []float64, fill rgb) {
	pdf := l.pdf
	h := l.rowHeight(cells, widths)
	x, y := pdfMargin, pdf.GetY()
	pdf.SetFillColor(fill.r, fill.g, fill.b)
	for i, cell := range cells {
		pdf.Rect(x, y, widths[i], h, "FD")
		for j, line := range l.lines(cell, widths[i]) {
			pdf.SetXY(x+pdfCellPad, y+pdfCellPad+float64(j)*pdfLineHeight)
			pdf.CellFormat(widths[i]-2*pdfCellPad, pdfLineHeight, line, "", 0, "L", false, 0, "")
		}
		x += widths[i]
	}
	pdf.SetXY(pdfMargin, y+h)
}

// displayHeaders shortens the serial number header so the narrow first column fits it.
func displayHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), "Serial Number") {
			h = "Sr. No."
		}
		out[i] = h
	}
	return out
}
