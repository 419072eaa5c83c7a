package scanner

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/proximity"
)

type fakeStore struct {
	docs     map[uuid.UUID]*models.Document
	sections map[uuid.UUID]*models.Section
	tags     map[uuid.UUID][]models.Tag
	rules    []*models.Rule
	alerts   map[string]*models.Alert
	audits   []*models.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[uuid.UUID]*models.Document),
		sections: make(map[uuid.UUID]*models.Section),
		tags:     make(map[uuid.UUID][]models.Tag),
		alerts:   make(map[string]*models.Alert),
	}
}

func (f *fakeStore) GetDocument(_ context.Context, id uuid.UUID) (*models.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) GetSection(_ context.Context, id uuid.UUID) (*models.Section, error) {
	sec, ok := f.sections[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return sec, nil
}

func (f *fakeStore) ListSections(_ context.Context, documentID uuid.UUID) ([]*models.Section, error) {
	var out []*models.Section
	for _, sec := range f.sections {
		if sec.DocumentID == documentID {
			out = append(out, sec)
		}
	}
	return out, nil
}

func (f *fakeStore) TagsForSource(_ context.Context, _ string, sourceID uuid.UUID) ([]models.Tag, error) {
	return f.tags[sourceID], nil
}

func (f *fakeStore) ActiveRules(_ context.Context, _ models.RuleType) ([]*models.Rule, error) {
	return f.rules, nil
}

func (f *fakeStore) SaveScanResults(_ context.Context, documentID uuid.UUID, alerts []*models.Alert, status models.DocStatus, scannedAt time.Time) error {
	for _, a := range alerts {
		key := documentID.String() + "|" + a.RuleID + "|" + strings.Join(a.SourceElements, ",")
		if _, exists := f.alerts[key]; !exists {
			f.alerts[key] = a
		}
	}
	doc := f.docs[documentID]
	doc.Status = status
	doc.LastScanAt = &scannedAt
	return nil
}

func (f *fakeStore) UnresolvedBlockingAlerts(_ context.Context, documentID uuid.UUID) ([]*models.Alert, error) {
	var out []*models.Alert
	for _, a := range f.alerts {
		if a.DocumentID == documentID && a.Status.Unresolved() &&
			(a.Severity == models.SeverityCritical || a.Severity == models.SeverityHigh) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) ScanEvents(_ context.Context, entityID string, limit int) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	for _, e := range f.audits {
		if strings.HasPrefix(e.EventType, "cag.scan") && (entityID == "" || e.EntityID == entityID) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, event *models.AuditEvent) error {
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) alertList() []*models.Alert {
	out := make([]*models.Alert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a)
	}
	return out
}

func testScanner(store *fakeStore) *Scanner {
	scorer := proximity.NewScorer(config.ProximityConfig{
		SameParagraph: 0.9, SameSection: 0.7, SameVolume: 0.4, CrossVolume: 0.2,
	})
	return New(store, scorer, slog.New(slog.NewTextHandler(testWriter{}, nil)))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func capLocRule() *models.Rule {
	return &models.Rule{
		RuleID:         "agg-001",
		Name:           "capability plus location",
		RuleType:       models.RuleTypeUniversal,
		Severity:       models.SeverityMedium,
		Trigger:        models.Trigger{AllOf: []models.Category{models.CategoryCapability, models.CategoryLocation}},
		ResultingClass: "CONFIDENTIAL",
		Action:         models.ActionAlert,
		Active:         true,
	}
}

func quarantineRule() *models.Rule {
	return &models.Rule{
		RuleID:         "agg-009",
		Name:           "program vulnerability pairing",
		RuleType:       models.RuleTypeUniversal,
		Severity:       models.SeverityCritical,
		Trigger:        models.Trigger{AllOf: []models.Category{models.CategoryProgram, models.CategoryVulnerability}},
		ResultingClass: "TOP SECRET",
		Action:         models.ActionQuarantine,
		Active:         true,
	}
}

func addDoc(store *fakeStore, status models.DocStatus) uuid.UUID {
	id := uuid.New()
	store.docs[id] = &models.Document{ID: id, Title: "Test Proposal", Status: status}
	return id
}

func addSection(store *fakeStore, docID uuid.UUID, volume int, number string) uuid.UUID {
	id := uuid.New()
	store.sections[id] = &models.Section{ID: id, DocumentID: docID, Volume: volume, Number: number}
	return id
}

func addTag(store *fakeStore, sectionID uuid.UUID, cat models.Category, paragraph int, conf float64) {
	store.tags[sectionID] = append(store.tags[sectionID], models.Tag{
		ID: uuid.New(), SourceType: "document_section", SourceID: sectionID,
		Category: cat, Confidence: conf, IndicatorType: models.IndicatorStrong,
		ParagraphIndex: paragraph,
	})
}

func TestScanSameParagraph(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "3.1")
	addTag(store, sec, models.CategoryCapability, 2, 0.9)
	addTag(store, sec, models.CategoryLocation, 2, 0.8)

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 1 {
		t.Fatalf("alerts = %d, want 1", res.TotalAlerts)
	}
	a := res.Alerts[0]
	// 0.9 base times mean confidence 0.85
	if a.ProximityType != "same_paragraph" || a.ProximityScore != 0.765 {
		t.Errorf("proximity = %s %v, want same_paragraph 0.765", a.ProximityType, a.ProximityScore)
	}
	// MEDIUM weight 0.5 times proximity 0.765
	if a.RiskScore != 0.3825 {
		t.Errorf("risk score = %v, want 0.3825", a.RiskScore)
	}
	if res.Status != models.DocStatusAlert {
		t.Errorf("status = %s, want alert", res.Status)
	}
}

func TestScanParagraphBeatsSection(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "3.1")
	// same paragraph, so both paragraph and section scopes would fire
	addTag(store, sec, models.CategoryCapability, 0, 0.9)
	addTag(store, sec, models.CategoryLocation, 0, 0.9)

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 1 {
		t.Fatalf("alerts = %d, want 1 after dedup", res.TotalAlerts)
	}
	if res.Alerts[0].ProximityType != "same_paragraph" {
		t.Errorf("kept %s, want the narrower same_paragraph", res.Alerts[0].ProximityType)
	}
}

func TestScanSectionScopeDifferentParagraphs(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "3.1")
	addTag(store, sec, models.CategoryCapability, 0, 0.9)
	addTag(store, sec, models.CategoryLocation, 5, 0.9)

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 1 {
		t.Fatalf("alerts = %d, want 1", res.TotalAlerts)
	}
	// 0.7 base times mean confidence 0.9
	if res.Alerts[0].ProximityType != "same_section" || res.Alerts[0].ProximityScore != 0.63 {
		t.Errorf("proximity = %s %v, want same_section 0.63", res.Alerts[0].ProximityType, res.Alerts[0].ProximityScore)
	}
}

func TestScanCrossSectionBothContribute(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	secA := addSection(store, doc, 1, "2.1")
	secB := addSection(store, doc, 1, "2.2")
	addTag(store, secA, models.CategoryCapability, 0, 0.8)
	addTag(store, secB, models.CategoryLocation, 0, 0.6)

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 1 {
		t.Fatalf("alerts = %d, want 1", res.TotalAlerts)
	}
	a := res.Alerts[0]
	if a.ProximityType != "same_volume" {
		t.Errorf("proximity type = %s, want same_volume", a.ProximityType)
	}
	// 0.4 base times mean of per-section averages (0.8 and 0.6)
	if a.ProximityScore != 0.28 {
		t.Errorf("proximity score = %v, want 0.28", a.ProximityScore)
	}
	if len(a.SourceElements) != 2 {
		t.Errorf("source elements = %v, want both sections", a.SourceElements)
	}
}

func TestScanCrossSectionOneSidedSkipped(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	secA := addSection(store, doc, 1, "2.1")
	secB := addSection(store, doc, 1, "2.2")
	// the whole combination lives in section A; B contributes nothing
	addTag(store, secA, models.CategoryCapability, 0, 0.9)
	addTag(store, secA, models.CategoryLocation, 1, 0.9)
	addTag(store, secB, models.CategoryTiming, 0, 0.9)

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 1 {
		t.Fatalf("alerts = %d, want only the section-scope hit", res.TotalAlerts)
	}
	if res.Alerts[0].ProximityType != "same_section" {
		t.Errorf("proximity type = %s, want same_section", res.Alerts[0].ProximityType)
	}
}

func TestScanCrossVolume(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	secA := addSection(store, doc, 1, "1.1")
	secB := addSection(store, doc, 2, "5.3")
	addTag(store, secA, models.CategoryCapability, 0, 0.9)
	addTag(store, secB, models.CategoryLocation, 0, 0.9)

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 1 {
		t.Fatalf("alerts = %d, want 1", res.TotalAlerts)
	}
	a := res.Alerts[0]
	// 0.2 base times mean confidence 0.9
	if a.ProximityType != "cross_volume" || a.ProximityScore != 0.18 {
		t.Errorf("proximity = %s %v, want cross_volume 0.18", a.ProximityType, a.ProximityScore)
	}
	if len(a.SourceElements) != 2 {
		t.Errorf("source elements = %v, want both contributing sections", a.SourceElements)
	}
}

func TestScanNoTagsClearsPending(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	addSection(store, doc, 1, "1.1")

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.TotalAlerts != 0 {
		t.Errorf("alerts = %d, want 0", res.TotalAlerts)
	}
	if res.Status != models.DocStatusClear {
		t.Errorf("status = %s, want clear", res.Status)
	}
	if store.docs[doc].LastScanAt == nil {
		t.Error("last scan timestamp not recorded")
	}
}

func TestScanNeverDowngradesStatus(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusQuarantined)
	addSection(store, doc, 1, "1.1")

	res, err := testScanner(store).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("ScanDocument: %v", err)
	}
	if res.Status != models.DocStatusQuarantined {
		t.Errorf("status = %s, quarantined must not downgrade", res.Status)
	}
}

func TestScanIdempotent(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "3.1")
	addTag(store, sec, models.CategoryCapability, 0, 0.9)
	addTag(store, sec, models.CategoryLocation, 0, 0.9)

	sc := testScanner(store)
	for i := 0; i < 3; i++ {
		if _, err := sc.ScanDocument(context.Background(), doc); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
	}
	if n := len(store.alertList()); n != 1 {
		t.Errorf("stored alerts = %d after 3 scans, want 1", n)
	}
}

func TestCheckBeforeExportBlocks(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{quarantineRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "4.1")
	addTag(store, sec, models.CategoryProgram, 0, 0.95)
	addTag(store, sec, models.CategoryVulnerability, 0, 0.9)

	check, err := testScanner(store).CheckBeforeExport(context.Background(), doc)
	if err != nil {
		t.Fatalf("CheckBeforeExport: %v", err)
	}
	if check.ExportAllowed {
		t.Error("export should be blocked")
	}
	if check.BlockingAlertsNew != 1 {
		t.Errorf("blocking new = %d, want 1", check.BlockingAlertsNew)
	}
	if check.Status != models.DocStatusQuarantined {
		t.Errorf("status = %s, want quarantined", check.Status)
	}
}

func TestCheckBeforeExportAllowsClean(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{quarantineRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "4.1")
	addTag(store, sec, models.CategoryTiming, 0, 0.9)

	check, err := testScanner(store).CheckBeforeExport(context.Background(), doc)
	if err != nil {
		t.Fatalf("CheckBeforeExport: %v", err)
	}
	if !check.ExportAllowed {
		t.Error("export should be allowed")
	}
}

func TestScanSectionReadOnly(t *testing.T) {
	store := newFakeStore()
	store.rules = []*models.Rule{capLocRule()}
	doc := addDoc(store, models.DocStatusPending)
	sec := addSection(store, doc, 1, "3.1")
	addTag(store, sec, models.CategoryCapability, 0, 0.9)
	addTag(store, sec, models.CategoryLocation, 0, 0.9)

	res, err := testScanner(store).ScanSection(context.Background(), sec)
	if err != nil {
		t.Fatalf("ScanSection: %v", err)
	}
	if res.RulesTriggered != 1 {
		t.Errorf("rules triggered = %d, want 1", res.RulesTriggered)
	}
	if len(store.alerts) != 0 {
		t.Error("section scan must not persist alerts")
	}
	if store.docs[doc].Status != models.DocStatusPending {
		t.Error("section scan must not change document status")
	}
}

func TestMatrix(t *testing.T) {
	store := newFakeStore()
	doc := addDoc(store, models.DocStatusClear)
	secA := addSection(store, doc, 1, "1.1")
	secB := addSection(store, doc, 2, "2.1")
	addTag(store, secA, models.CategoryCapability, 0, 0.9)
	addTag(store, secA, models.CategoryTiming, 1, 0.7)
	addTag(store, secB, models.CategoryLocation, 0, 0.8)

	m, err := testScanner(store).Matrix(context.Background(), doc)
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if m.CategoryCount != 3 {
		t.Errorf("category count = %d, want 3", m.CategoryCount)
	}
	if len(m.VolumeSummaries) != 2 {
		t.Errorf("volumes = %d, want 2", len(m.VolumeSummaries))
	}
	if m.VolumeSummaries[0].SectionCount != 1 || m.VolumeSummaries[0].TotalTags != 2 {
		t.Errorf("volume 1 summary = %+v", m.VolumeSummaries[0])
	}
}
