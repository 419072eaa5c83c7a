package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"
)

type fakeProvider struct {
	alerts    []*ReportAlert
	exposures []*ReportExposure
	documents []*ReportDocument
	stats     *Stats
}

func (f *fakeProvider) GetAlerts(ctx context.Context, filters AlertsFilter) ([]*ReportAlert, error) {
	if len(filters.Severities) == 0 {
		return f.alerts, nil
	}
	var out []*ReportAlert
	for _, a := range f.alerts {
		for _, sev := range filters.Severities {
			if a.Severity == sev {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (f *fakeProvider) GetExposures(ctx context.Context, filters ExposuresFilter) ([]*ReportExposure, error) {
	return f.exposures, nil
}

func (f *fakeProvider) GetDocuments(ctx context.Context) ([]*ReportDocument, error) {
	return f.documents, nil
}

func (f *fakeProvider) GetStats(ctx context.Context) (*Stats, error) {
	return f.stats, nil
}

func testProvider() *fakeProvider {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return &fakeProvider{
		alerts: []*ReportAlert{
			{
				ID:             "a1",
				DocumentID:     "d1",
				DocumentTitle:  "Radar Upgrade Brief",
				RuleID:         "agg-001",
				RuleName:       "Capability plus location",
				Severity:       "HIGH",
				Status:         "open",
				Categories:     []string{"CAPABILITY", "LOCATION"},
				ProximityType:  "same_paragraph",
				RiskScore:      0.675,
				ResultingClass: "SECRET",
				CreatedAt:      now,
			},
			{
				ID:             "a2",
				DocumentID:     "d2",
				DocumentTitle:  "Logistics Annex",
				RuleID:         "agg-004",
				RuleName:       "Broad aggregation",
				Severity:       "MEDIUM",
				Status:         "resolved",
				Categories:     []string{"QUANTITY_DATA", "TIMING_SCHEDULE"},
				ProximityType:  "same_section",
				RiskScore:      0.35,
				ResultingClass: "CONFIDENTIAL",
				CreatedAt:      now,
			},
		},
		exposures: []*ReportExposure{
			{
				ID:              "e1",
				CapabilityGroup: "sensor-program",
				DocumentID:      "d1",
				DocumentTitle:   "Radar Upgrade Brief",
				Categories:      []string{"CAPABILITY"},
				Audience:        "industry day",
				ExposureDate:    now,
				CumulativeClass: "UNCLASSIFIED",
			},
			{
				ID:              "e2",
				CapabilityGroup: "sensor-program",
				DocumentID:      "d2",
				DocumentTitle:   "Logistics Annex",
				Categories:      []string{"LOCATION"},
				ExposureDate:    now.Add(24 * time.Hour),
				CumulativeClass: "CONFIDENTIAL",
				AlertGenerated:  true,
			},
		},
		documents: []*ReportDocument{
			{ID: "d1", Title: "Radar Upgrade Brief", Status: "blocked", OpenAlerts: 1, CreatedAt: now},
			{ID: "d2", Title: "Logistics Annex", Status: "cleared", CreatedAt: now},
		},
		stats: &Stats{
			TotalDocuments:      2,
			BlockedDocuments:    1,
			TotalAlerts:         2,
			OpenAlerts:          1,
			ResolvedAlerts:      1,
			HighAlerts:          1,
			MediumAlerts:        1,
			CategoryCounts:      map[string]int{"CAPABILITY": 1, "LOCATION": 1},
			CapabilityGroups:    1,
			ExposuresRegistered: 2,
		},
	}
}

func TestGenerateAlertsCSV(t *testing.T) {
	gen := NewGenerator(testProvider())

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeAlerts,
		Format: FormatCSV,
		Title:  "Alerts",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if report.MimeType != "text/csv" {
		t.Errorf("mime type = %q, want text/csv", report.MimeType)
	}
	if !strings.HasPrefix(report.Filename, "alerts_") {
		t.Errorf("unexpected filename %q", report.Filename)
	}

	records, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(records))
	}
	if records[1][3] != "HIGH" {
		t.Errorf("severity column = %q, want HIGH", records[1][3])
	}
	if records[1][5] != "CAPABILITY; LOCATION" {
		t.Errorf("categories column = %q", records[1][5])
	}
	if records[2][8] != "CONFIDENTIAL" {
		t.Errorf("classification column = %q", records[2][8])
	}
}

func TestGenerateAlertsFiltersSeverity(t *testing.T) {
	gen := NewGenerator(testProvider())

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:       ReportTypeAlerts,
		Format:     FormatCSV,
		Severities: []string{"HIGH"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(records))
	}
}

func TestGenerateExposureCSV(t *testing.T) {
	gen := NewGenerator(testProvider())

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeExposure,
		Format: FormatCSV,
		Title:  "Exposure Register",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(records))
	}
	if records[1][1] != "sensor-program" {
		t.Errorf("capability group = %q", records[1][1])
	}
	if records[2][7] != "true" {
		t.Errorf("alert generated column = %q, want true", records[2][7])
	}
}

func TestGeneratePDFReports(t *testing.T) {
	gen := NewGenerator(testProvider())

	for _, typ := range []ReportType{ReportTypeAlerts, ReportTypeExposure, ReportTypeDocuments, ReportTypeExecutive} {
		report, err := gen.Generate(context.Background(), &ReportRequest{
			Type:   typ,
			Format: FormatPDF,
			Title:  "Test Report",
		})
		if err != nil {
			t.Fatalf("Generate(%s): %v", typ, err)
		}
		if report.MimeType != "application/pdf" {
			t.Errorf("%s: mime type = %q", typ, report.MimeType)
		}
		if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
			t.Errorf("%s: output is not a PDF", typ)
		}
	}
}

func TestGenerateExecutiveCSV(t *testing.T) {
	gen := NewGenerator(testProvider())

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeExecutive,
		Format: FormatCSV,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	body := string(report.Data)
	if !strings.Contains(body, "Total Documents,2") {
		t.Errorf("missing document count in:\n%s", body)
	}
	if !strings.Contains(body, "Exposures Registered,2") {
		t.Errorf("missing exposure count in:\n%s", body)
	}
}

func TestGenerateRejectsUnknownType(t *testing.T) {
	gen := NewGenerator(testProvider())

	if _, err := gen.Generate(context.Background(), &ReportRequest{Type: "bogus", Format: FormatCSV}); err == nil {
		t.Fatal("expected error for unknown report type")
	}
	if _, err := gen.Generate(context.Background(), &ReportRequest{Type: ReportTypeAlerts, Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestStreamCSV(t *testing.T) {
	gen := NewGenerator(testProvider())

	var buf bytes.Buffer
	if err := gen.StreamCSV(context.Background(), &buf, &ReportRequest{Type: ReportTypeAlerts}); err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(records))
	}
}
