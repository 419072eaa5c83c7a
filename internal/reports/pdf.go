package reports

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
)

type rgb struct{ r, g, b int }

var (
	inkColor    = rgb{33, 37, 41}
	mutedColor  = rgb{108, 117, 125}
	accentColor = rgb{66, 133, 244}

	severityColors = map[string]rgb{
		"CRITICAL": {220, 53, 69},
		"HIGH":     {253, 126, 20},
		"MEDIUM":   {255, 193, 7},
		"LOW":      {40, 167, 69},
	}
)

// PDFReport wraps gofpdf with the house layout for guard reports: title page
// header, optional classification marking on every page, and the section,
// table and bar-chart primitives the report builders compose.
type PDFReport struct {
	pdf     *gofpdf.Fpdf
	title   string
	marking string
}

func NewPDFReport(title string) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{pdf: pdf, title: title}
	r.pdf.SetFooterFunc(r.drawFooter)
	r.pdf.AddPage()
	r.drawTitle()
	return r
}

// SetMarking sets the classification banner printed at the top and bottom of
// every page. Call it before adding content so the first page is marked too.
func (r *PDFReport) SetMarking(marking string) {
	r.marking = marking
	r.pdf.SetHeaderFunc(r.drawMarking)
	// The title page is already open, so mark it by hand.
	y := r.pdf.GetY()
	r.drawMarking()
	r.pdf.SetY(y)
}

func (r *PDFReport) drawMarking() {
	if r.marking == "" {
		return
	}
	r.pdf.SetY(5)
	r.pdf.SetFont("Arial", "B", 9)
	c := markingColor(r.marking)
	r.pdf.SetTextColor(c.r, c.g, c.b)
	r.pdf.CellFormat(0, 5, r.marking, "", 1, "C", false, 0, "")
	r.pdf.SetY(15)
}

func markingColor(marking string) rgb {
	switch marking {
	case "UNCLASSIFIED":
		return rgb{40, 167, 69}
	default:
		return rgb{220, 53, 69}
	}
}

func (r *PDFReport) drawTitle() {
	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(inkColor.r, inkColor.g, inkColor.b)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(mutedColor.r, mutedColor.g, mutedColor.b)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", time.Now().Format("January 2, 2006 3:04 PM")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) drawFooter() {
	r.pdf.SetY(-15)
	r.pdf.SetFont("Arial", "I", 8)
	r.pdf.SetTextColor(128, 128, 128)
	footer := fmt.Sprintf("Page %d", r.pdf.PageNo())
	if r.marking != "" {
		footer = r.marking + "  -  " + footer
	}
	r.pdf.CellFormat(0, 10, footer, "", 0, "C", false, 0, "")
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(inkColor.r, inkColor.g, inkColor.b)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(inkColor.r, inkColor.g, inkColor.b)
	for i, row := range rows {
		if i%2 == 1 {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			r.pdf.CellFormat(colWidth, 7, truncate(cell, 25), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
	}

	r.pdf.Ln(5)
}

// AddSummaryTable prints label/count pairs in sorted label order, so the
// same data always renders the same report.
func (r *PDFReport) AddSummaryTable(data map[string]int) {
	for _, key := range sortedKeys(data) {
		r.pdf.SetFont("Arial", "", 10)
		r.pdf.SetTextColor(mutedColor.r, mutedColor.g, mutedColor.b)
		r.pdf.CellFormat(60, 7, key+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(inkColor.r, inkColor.g, inkColor.b)
		r.pdf.CellFormat(0, 7, fmt.Sprintf("%d", data[key]), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

// AddChart draws a horizontal bar per entry, largest first. Bars for
// severity labels use the severity palette, everything else the accent color.
func (r *PDFReport) AddChart(title string, data map[string]int) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(inkColor.r, inkColor.g, inkColor.b)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	labels := sortedKeys(data)
	sort.SliceStable(labels, func(i, j int) bool {
		return data[labels[i]] > data[labels[j]]
	})

	max := 1
	for _, v := range data {
		if v > max {
			max = v
		}
	}

	const barMaxWidth = 100.0
	for _, label := range labels {
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(mutedColor.r, mutedColor.g, mutedColor.b)
		r.pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")

		c, ok := severityColors[label]
		if !ok {
			c = accentColor
		}
		r.pdf.SetFillColor(c.r, c.g, c.b)
		barWidth := float64(data[label]) / float64(max) * barMaxWidth
		r.pdf.CellFormat(barWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(inkColor.r, inkColor.g, inkColor.b)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", data[label]), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) Output() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys(data map[string]int) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExecutiveSummaryPDF renders the one-page posture overview: metric tiles,
// severity and category breakdowns, and the exposure register totals.
func ExecutiveSummaryPDF(title string, stats *Stats) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Aggregation Posture Summary")

	metrics := []struct {
		label string
		value int
		color rgb
	}{
		{"Documents", stats.TotalDocuments, accentColor},
		{"Total Alerts", stats.TotalAlerts, mutedColor},
		{"Critical", stats.CriticalAlerts, severityColors["CRITICAL"]},
		{"High", stats.HighAlerts, severityColors["HIGH"]},
	}

	const boxWidth = 42.0
	for i, m := range metrics {
		x := 15 + float64(i)*(boxWidth+5)
		pdf.pdf.SetFillColor(m.color.r, m.color.g, m.color.b)
		pdf.pdf.Rect(x, pdf.pdf.GetY(), boxWidth, 25, "F")

		pdf.pdf.SetXY(x, pdf.pdf.GetY()+3)
		pdf.pdf.SetFont("Arial", "B", 18)
		pdf.pdf.SetTextColor(255, 255, 255)
		pdf.pdf.CellFormat(boxWidth, 10, fmt.Sprintf("%d", m.value), "", 0, "C", false, 0, "")

		pdf.pdf.SetXY(x, pdf.pdf.GetY()+12)
		pdf.pdf.SetFont("Arial", "", 9)
		pdf.pdf.CellFormat(boxWidth, 8, m.label, "", 0, "C", false, 0, "")
	}

	pdf.pdf.Ln(35)

	pdf.AddSection("Alerts by Severity")
	pdf.AddChart("", map[string]int{
		"CRITICAL": stats.CriticalAlerts,
		"HIGH":     stats.HighAlerts,
		"MEDIUM":   stats.MediumAlerts,
		"LOW":      stats.LowAlerts,
	})

	pdf.AddSection("Document Posture")
	pdf.AddSummaryTable(map[string]int{
		"Blocked":     stats.BlockedDocuments,
		"Quarantined": stats.QuarantinedDocuments,
	})

	if len(stats.CategoryCounts) > 0 {
		pdf.AddSection("Alerts by Category")
		pdf.AddChart("", stats.CategoryCounts)
	}

	pdf.AddSection("Exposure Register")
	pdf.AddSummaryTable(map[string]int{
		"Capability Groups":    stats.CapabilityGroups,
		"Exposures Registered": stats.ExposuresRegistered,
	})

	return pdf.Output()
}
