package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/govsentry/cag/internal/models"
)

type ReportType string

const (
	ReportTypeAlerts    ReportType = "alerts"
	ReportTypeExposure  ReportType = "exposure"
	ReportTypeDocuments ReportType = "documents"
	ReportTypeExecutive ReportType = "executive"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

type ReportRequest struct {
	Type             ReportType
	Format           ReportFormat
	Title            string
	DocumentIDs      []string
	CapabilityGroups []string
	DateFrom         *time.Time
	DateTo           *time.Time
	Severities       []string
	Statuses         []string
}

type Report struct {
	ID          string
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	GeneratedBy string
	Data        []byte
	Filename    string
	MimeType    string
}

type ReportAlert struct {
	ID             string
	DocumentID     string
	DocumentTitle  string
	RuleID         string
	RuleName       string
	Severity       string
	Status         string
	Categories     []string
	ProximityType  string
	RiskScore      float64
	ResultingClass string
	Remediation    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ReportExposure struct {
	ID              string
	CapabilityGroup string
	DocumentID      string
	DocumentTitle   string
	Categories      []string
	Audience        string
	ExposureDate    time.Time
	CumulativeClass string
	AlertGenerated  bool
}

type ReportDocument struct {
	ID         string
	Title      string
	Status     string
	OpenAlerts int
	LastScanAt *time.Time
	CreatedAt  time.Time
}

type DataProvider interface {
	GetAlerts(ctx context.Context, filters AlertsFilter) ([]*ReportAlert, error)
	GetExposures(ctx context.Context, filters ExposuresFilter) ([]*ReportExposure, error)
	GetDocuments(ctx context.Context) ([]*ReportDocument, error)
	GetStats(ctx context.Context) (*Stats, error)
}

type AlertsFilter struct {
	DocumentIDs []string
	Severities  []string
	Statuses    []string
	DateFrom    *time.Time
	DateTo      *time.Time
}

type ExposuresFilter struct {
	CapabilityGroups []string
	DateFrom         *time.Time
	DateTo           *time.Time
}

type Stats struct {
	TotalDocuments       int
	BlockedDocuments     int
	QuarantinedDocuments int
	TotalAlerts          int
	OpenAlerts           int
	ResolvedAlerts       int
	CriticalAlerts       int
	HighAlerts           int
	MediumAlerts         int
	LowAlerts            int
	CategoryCounts       map[string]int
	ProximityCounts      map[string]int
	CapabilityGroups     int
	ExposuresRegistered  int
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	switch req.Type {
	case ReportTypeAlerts:
		return g.generateAlertsReport(ctx, req)
	case ReportTypeExposure:
		return g.generateExposureReport(ctx, req)
	case ReportTypeDocuments:
		return g.generateDocumentsReport(ctx, req)
	case ReportTypeExecutive:
		return g.generateExecutiveReport(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) generateAlertsReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	alerts, err := g.provider.GetAlerts(ctx, AlertsFilter{
		DocumentIDs: req.DocumentIDs,
		Severities:  req.Severities,
		Statuses:    req.Statuses,
		DateFrom:    req.DateFrom,
		DateTo:      req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.alertsToCSV(alerts)
		filename = fmt.Sprintf("alerts_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.alertsToPDF(alerts, req.Title)
		filename = fmt.Sprintf("alerts_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) alertsToCSV(alerts []*ReportAlert) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Document", "Rule", "Severity", "Status", "Categories",
		"Scope", "Risk Score", "Classification", "Remediation", "Created At",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, a := range alerts {
		row := []string{
			a.ID,
			a.DocumentTitle,
			a.RuleID,
			a.Severity,
			a.Status,
			strings.Join(a.Categories, "; "),
			a.ProximityType,
			fmt.Sprintf("%.3f", a.RiskScore),
			a.ResultingClass,
			a.Remediation,
			a.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) alertsToPDF(alerts []*ReportAlert, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	marking := "UNCLASSIFIED"
	summary := map[string]int{
		"CRITICAL": 0, "HIGH": 0, "MEDIUM": 0, "LOW": 0,
	}
	for _, a := range alerts {
		summary[a.Severity]++
		marking = models.MaxClassification(marking, a.ResultingClass)
	}
	pdf.SetMarking(marking)

	pdf.AddSection("Summary")
	pdf.AddSummaryTable(summary)

	pdf.AddSection("Alert Detail")
	headers := []string{"Rule", "Document", "Severity", "Scope", "Classification", "Status"}
	rows := make([][]string, len(alerts))
	for i, a := range alerts {
		rows[i] = []string{
			a.RuleID,
			truncate(a.DocumentTitle, 30),
			a.Severity,
			a.ProximityType,
			a.ResultingClass,
			a.Status,
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateExposureReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	exposures, err := g.provider.GetExposures(ctx, ExposuresFilter{
		CapabilityGroups: req.CapabilityGroups,
		DateFrom:         req.DateFrom,
		DateTo:           req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exposures: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.exposuresToCSV(exposures)
		filename = fmt.Sprintf("exposure_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.exposuresToPDF(exposures, req.Title)
		filename = fmt.Sprintf("exposure_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) exposuresToCSV(exposures []*ReportExposure) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Capability Group", "Document", "Categories", "Audience",
		"Exposure Date", "Cumulative Classification", "Alert Generated",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, e := range exposures {
		row := []string{
			e.ID,
			e.CapabilityGroup,
			e.DocumentTitle,
			strings.Join(e.Categories, "; "),
			e.Audience,
			e.ExposureDate.Format(time.RFC3339),
			e.CumulativeClass,
			fmt.Sprintf("%t", e.AlertGenerated),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) exposuresToPDF(exposures []*ReportExposure, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	marking := "UNCLASSIFIED"
	byGroup := make(map[string][]*ReportExposure)
	for _, e := range exposures {
		byGroup[e.CapabilityGroup] = append(byGroup[e.CapabilityGroup], e)
		marking = models.MaxClassification(marking, e.CumulativeClass)
	}
	pdf.SetMarking(marking)

	pdf.AddSection("Exposure Overview")
	counts := make(map[string]int, len(byGroup))
	for group, entries := range byGroup {
		counts[group] = len(entries)
	}
	pdf.AddSummaryTable(counts)

	for group, entries := range byGroup {
		pdf.AddSection(fmt.Sprintf("Capability Group: %s", group))
		headers := []string{"Document", "Categories", "Audience", "Date", "Alert"}
		rows := make([][]string, len(entries))
		for i, e := range entries {
			alerted := ""
			if e.AlertGenerated {
				alerted = "yes"
			}
			rows[i] = []string{
				truncate(e.DocumentTitle, 25),
				truncate(strings.Join(e.Categories, ", "), 25),
				truncate(e.Audience, 20),
				e.ExposureDate.Format("2006-01-02"),
				alerted,
			}
		}
		pdf.AddTable(headers, rows)
	}

	return pdf.Output()
}

func (g *Generator) generateDocumentsReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	docs, err := g.provider.GetDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch documents: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.documentsToCSV(docs)
		filename = fmt.Sprintf("documents_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.documentsToPDF(docs, req.Title)
		filename = fmt.Sprintf("documents_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) documentsToCSV(docs []*ReportDocument) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Title", "Status", "Open Alerts", "Last Scan", "Created At"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, d := range docs {
		lastScan := ""
		if d.LastScanAt != nil {
			lastScan = d.LastScanAt.Format(time.RFC3339)
		}
		row := []string{
			d.ID,
			d.Title,
			d.Status,
			fmt.Sprintf("%d", d.OpenAlerts),
			lastScan,
			d.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) documentsToPDF(docs []*ReportDocument, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Document Inventory")

	headers := []string{"Title", "Status", "Open Alerts", "Last Scan"}
	rows := make([][]string, len(docs))
	for i, d := range docs {
		lastScan := "never"
		if d.LastScanAt != nil {
			lastScan = d.LastScanAt.Format("2006-01-02")
		}
		rows[i] = []string{
			truncate(d.Title, 40),
			d.Status,
			fmt.Sprintf("%d", d.OpenAlerts),
			lastScan,
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateExecutiveReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	stats, err := g.provider.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.executiveToCSV(stats)
		filename = fmt.Sprintf("executive_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = ExecutiveSummaryPDF(req.Title, stats)
		filename = fmt.Sprintf("executive_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) executiveToCSV(stats *Stats) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Aggregation Posture Summary"})
	_ = w.Write([]string{"Generated", time.Now().Format(time.RFC1123)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Metric", "Value"})
	_ = w.Write([]string{"Total Documents", fmt.Sprintf("%d", stats.TotalDocuments)})
	_ = w.Write([]string{"Blocked Documents", fmt.Sprintf("%d", stats.BlockedDocuments)})
	_ = w.Write([]string{"Quarantined Documents", fmt.Sprintf("%d", stats.QuarantinedDocuments)})
	_ = w.Write([]string{"Total Alerts", fmt.Sprintf("%d", stats.TotalAlerts)})
	_ = w.Write([]string{"Critical Alerts", fmt.Sprintf("%d", stats.CriticalAlerts)})
	_ = w.Write([]string{"High Alerts", fmt.Sprintf("%d", stats.HighAlerts)})
	_ = w.Write([]string{"Open Alerts", fmt.Sprintf("%d", stats.OpenAlerts)})
	_ = w.Write([]string{"Resolved Alerts", fmt.Sprintf("%d", stats.ResolvedAlerts)})
	_ = w.Write([]string{"Capability Groups", fmt.Sprintf("%d", stats.CapabilityGroups)})
	_ = w.Write([]string{"Exposures Registered", fmt.Sprintf("%d", stats.ExposuresRegistered)})

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Category", "Alert Count"})
	for cat, count := range stats.CategoryCounts {
		_ = w.Write([]string{cat, fmt.Sprintf("%d", count)})
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, req *ReportRequest) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	switch req.Type {
	case ReportTypeAlerts:
		alerts, err := g.provider.GetAlerts(ctx, AlertsFilter{
			DocumentIDs: req.DocumentIDs,
			Severities:  req.Severities,
			Statuses:    req.Statuses,
			DateFrom:    req.DateFrom,
			DateTo:      req.DateTo,
		})
		if err != nil {
			return err
		}

		header := []string{"ID", "Document", "Rule", "Severity", "Status", "Scope", "Created At"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}

		for _, a := range alerts {
			row := []string{
				a.ID, a.DocumentTitle, a.RuleID, a.Severity,
				a.Status, a.ProximityType, a.CreatedAt.Format(time.RFC3339),
			}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	case ReportTypeExposure:
		exposures, err := g.provider.GetExposures(ctx, ExposuresFilter{CapabilityGroups: req.CapabilityGroups})
		if err != nil {
			return err
		}

		header := []string{"ID", "Capability Group", "Document", "Categories", "Exposure Date"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}

		for _, e := range exposures {
			row := []string{
				e.ID, e.CapabilityGroup, e.DocumentTitle,
				strings.Join(e.Categories, "; "), e.ExposureDate.Format(time.RFC3339),
			}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}
	}

	return nil
}
