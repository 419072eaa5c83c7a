package exposure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/rules"
)

type fakeStore struct {
	docs    map[uuid.UUID]*models.Document
	docCats map[uuid.UUID][]models.Category
	entries []*Entry
	alerts  []*models.Alert
	audit   []*models.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    make(map[uuid.UUID]*models.Document),
		docCats: make(map[uuid.UUID][]models.Category),
	}
}

func (s *fakeStore) GetDocument(_ context.Context, id uuid.UUID) (*models.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return doc, nil
}

func (s *fakeStore) ExposuresSince(_ context.Context, group string, since time.Time) ([]*Entry, error) {
	var out []*Entry
	for _, e := range s.entries {
		if group != "" && e.CapabilityGroup != group {
			continue
		}
		if e.ExposureDate.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) InsertExposure(_ context.Context, record *models.ExposureRecord, alert *models.Alert) error {
	title := ""
	if doc, ok := s.docs[record.DocumentID]; ok {
		title = doc.Title
	}
	s.entries = append(s.entries, &Entry{ExposureRecord: *record, DocumentTitle: title})
	if alert != nil {
		s.alerts = append(s.alerts, alert)
	}
	return nil
}

func (s *fakeStore) DocumentGroups(_ context.Context, documentID uuid.UUID) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if e.DocumentID == documentID && !seen[e.CapabilityGroup] {
			seen[e.CapabilityGroup] = true
			out = append(out, e.CapabilityGroup)
		}
	}
	return out, nil
}

func (s *fakeStore) AllGroups(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if !seen[e.CapabilityGroup] {
			seen[e.CapabilityGroup] = true
			out = append(out, e.CapabilityGroup)
		}
	}
	return out, nil
}

func (s *fakeStore) DocumentCategories(_ context.Context, documentID uuid.UUID) ([]models.Category, error) {
	return s.docCats[documentID], nil
}

func (s *fakeStore) AppendAudit(_ context.Context, event *models.AuditEvent) error {
	s.audit = append(s.audit, event)
	return nil
}

type fixedChecker struct {
	ruleSet []*models.Rule
}

func (c fixedChecker) CheckCombination(_ context.Context, categories []models.Category, proximity map[rules.CategoryPair]float64) (*rules.CombinationResult, error) {
	return rules.CheckCombinationAgainst(categories, c.ruleSet, proximity), nil
}

func testRuleSet() []*models.Rule {
	return []*models.Rule{
		{
			ID:       uuid.New(),
			RuleID:   "agg-001",
			RuleType: models.RuleTypeUniversal,
			Name:     "Capability plus location",
			Severity: models.SeverityMedium,
			Trigger: models.Trigger{
				AllOf: []models.Category{models.CategoryCapability, models.CategoryLocation},
			},
			ResultingClass: "CONFIDENTIAL",
			Action:         models.ActionAlert,
			Remediation:    "Split capability and location details.",
			Active:         true,
		},
		{
			ID:             uuid.New(),
			RuleID:         "agg-003",
			RuleType:       models.RuleTypeUniversal,
			Name:           "Broad aggregation",
			Severity:       models.SeverityHigh,
			Trigger:        models.Trigger{MinCategories: 4},
			ResultingClass: "SECRET",
			Action:         models.ActionBlockAndAlert,
			Remediation:    "Reduce the category spread.",
			Active:         true,
		},
	}
}

func testRegister(store *fakeStore) *Register {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegister(store, fixedChecker{ruleSet: testRuleSet()}, 730, logger)
}

func addDoc(store *fakeStore, title string) uuid.UUID {
	id := uuid.New()
	store.docs[id] = &models.Document{ID: id, Title: title, Status: models.DocStatusPending}
	return id
}

func TestRecordFirstExposureNoAlert(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	docID := addDoc(store, "Volume I")

	res, err := reg.Record(context.Background(), RecordInput{
		DocumentID:      docID,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability},
		Audience:        "program office",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.AlertGenerated {
		t.Error("single category should not generate an alert")
	}
	if res.CumulativeClass != "UNCLASSIFIED" {
		t.Errorf("cumulative class = %q, want UNCLASSIFIED", res.CumulativeClass)
	}
	if res.CumulativeCount != 1 {
		t.Errorf("cumulative count = %d, want 1", res.CumulativeCount)
	}
	if len(store.entries) != 1 {
		t.Fatalf("stored %d entries, want 1", len(store.entries))
	}
	if len(store.alerts) != 0 {
		t.Errorf("stored %d alerts, want 0", len(store.alerts))
	}
	if len(store.audit) != 1 || store.audit[0].EventType != "cag.register_exposure" {
		t.Errorf("expected one cag.register_exposure audit event, got %+v", store.audit)
	}
}

func TestRecordCumulativeTriggersAlert(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	doc1 := addDoc(store, "Volume I")
	doc2 := addDoc(store, "Volume II")

	ctx := context.Background()
	if _, err := reg.Record(ctx, RecordInput{
		DocumentID:      doc1,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability},
	}); err != nil {
		t.Fatalf("first Record: %v", err)
	}

	res, err := reg.Record(ctx, RecordInput{
		DocumentID:      doc2,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryLocation},
	})
	if err != nil {
		t.Fatalf("second Record: %v", err)
	}
	if !res.AlertGenerated {
		t.Fatal("cumulative CAPABILITY+LOCATION should generate an alert")
	}
	if res.CumulativeClass != "CONFIDENTIAL" {
		t.Errorf("cumulative class = %q, want CONFIDENTIAL", res.CumulativeClass)
	}
	if len(store.alerts) != 1 {
		t.Fatalf("stored %d alerts, want 1", len(store.alerts))
	}
	alert := store.alerts[0]
	if alert.RuleID != "agg-001" {
		t.Errorf("alert rule = %q, want agg-001", alert.RuleID)
	}
	if alert.ProximityType != "cross_document" {
		t.Errorf("proximity type = %q, want cross_document", alert.ProximityType)
	}
	if len(alert.SourceElements) != 1 || alert.SourceElements[0] != "capability_group:quantum-sensing" {
		t.Errorf("source elements = %v", alert.SourceElements)
	}
	if !strings.Contains(alert.Remediation, "quantum-sensing") {
		t.Errorf("remediation should name the group: %q", alert.Remediation)
	}
	if alert.RiskScore != 0.5 {
		t.Errorf("risk score = %v, want 0.5", alert.RiskScore)
	}
}

func TestRecordIgnoresExposuresOutsideLookback(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	docOld := addDoc(store, "Archived volume")
	docNew := addDoc(store, "Current volume")

	store.entries = append(store.entries, &Entry{
		ExposureRecord: models.ExposureRecord{
			ID:                uuid.New(),
			CapabilityGroup:   "quantum-sensing",
			DocumentID:        docOld,
			CategoriesExposed: models.StringArray{"LOCATION"},
			ExposureDate:      time.Now().UTC().Add(-800 * 24 * time.Hour),
		},
		DocumentTitle: "Archived volume",
	})

	res, err := reg.Record(context.Background(), RecordInput{
		DocumentID:      docNew,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.AlertGenerated {
		t.Error("exposure older than the lookback window should not count toward the cumulative set")
	}
	if res.CumulativeCount != 1 {
		t.Errorf("cumulative count = %d, want 1", res.CumulativeCount)
	}
}

func TestRecordValidation(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	docID := addDoc(store, "Volume I")

	tests := []struct {
		name string
		in   RecordInput
	}{
		{"missing document", RecordInput{CapabilityGroup: "g", Categories: []models.Category{models.CategoryTiming}}},
		{"missing group", RecordInput{DocumentID: docID, Categories: []models.Category{models.CategoryTiming}}},
		{"empty categories", RecordInput{DocumentID: docID, CapabilityGroup: "g"}},
		{"unknown category", RecordInput{DocumentID: docID, CapabilityGroup: "g", Categories: []models.Category{"WEATHER"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Record(context.Background(), tt.in)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("want ValidationError, got %v", err)
			}
		})
	}
	if len(store.entries) != 0 {
		t.Errorf("invalid input stored %d entries", len(store.entries))
	}
}

func TestRecordUnknownDocument(t *testing.T) {
	reg := testRegister(newFakeStore())
	_, err := reg.Record(context.Background(), RecordInput{
		DocumentID:      uuid.New(),
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryTiming},
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestCheckCumulativeNewlyTriggered(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	docID := addDoc(store, "Volume I")

	ctx := context.Background()
	if _, err := reg.Record(ctx, RecordInput{
		DocumentID:      docID,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability, models.CategoryLocation},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	check, err := reg.CheckCumulative(ctx, "quantum-sensing",
		[]models.Category{models.CategoryTiming, models.CategoryProgram})
	if err != nil {
		t.Fatalf("CheckCumulative: %v", err)
	}
	if !check.WouldTrigger {
		t.Fatal("four cumulative categories should newly trigger the min_categories rule")
	}
	if len(check.NewlyTriggeredRules) != 1 || check.NewlyTriggeredRules[0].RuleID != "agg-003" {
		t.Errorf("newly triggered = %+v, want only agg-003", check.NewlyTriggeredRules)
	}
	if len(check.AllTriggeredRules) != 2 {
		t.Errorf("all triggered = %d rules, want 2", len(check.AllTriggeredRules))
	}
	entriesBefore := len(store.entries)
	alertsBefore := len(store.alerts)
	if entriesBefore != 1 || alertsBefore != 1 {
		t.Errorf("CheckCumulative wrote to the store: %d entries, %d alerts", entriesBefore, alertsBefore)
	}
}

func TestCheckCumulativeAlreadyTriggeredIsNotNew(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	docID := addDoc(store, "Volume I")

	ctx := context.Background()
	if _, err := reg.Record(ctx, RecordInput{
		DocumentID:      docID,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability, models.CategoryLocation},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	check, err := reg.CheckCumulative(ctx, "quantum-sensing",
		[]models.Category{models.CategoryCapability})
	if err != nil {
		t.Fatalf("CheckCumulative: %v", err)
	}
	if check.WouldTrigger {
		t.Error("re-adding an already-exposed category should not count as newly triggering")
	}
	if len(check.AllTriggeredRules) != 1 {
		t.Errorf("all triggered = %d rules, want 1", len(check.AllTriggeredRules))
	}
}

func TestReport(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	doc1 := addDoc(store, "Volume I")
	doc2 := addDoc(store, "Volume II")

	ctx := context.Background()
	for _, in := range []RecordInput{
		{DocumentID: doc1, CapabilityGroup: "quantum-sensing", Categories: []models.Category{models.CategoryCapability}},
		{DocumentID: doc2, CapabilityGroup: "quantum-sensing", Categories: []models.Category{models.CategoryLocation}},
	} {
		if _, err := reg.Record(ctx, in); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	report, err := reg.Report(ctx, "quantum-sensing")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.ExposureCount != 2 || report.DocumentCount != 2 {
		t.Errorf("exposures=%d documents=%d, want 2 and 2", report.ExposureCount, report.DocumentCount)
	}
	if report.CumulativeClass != "CONFIDENTIAL" {
		t.Errorf("cumulative class = %q, want CONFIDENTIAL", report.CumulativeClass)
	}
	if report.AlertsGenerated != 1 {
		t.Errorf("alerts generated = %d, want 1", report.AlertsGenerated)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(report.Entries))
	}
	titles := map[string]bool{}
	for _, e := range report.Entries {
		titles[e.DocumentTitle] = true
	}
	if !titles["Volume I"] || !titles["Volume II"] {
		t.Errorf("entries missing document titles: %+v", report.Entries)
	}
}

func TestGroups(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	doc1 := addDoc(store, "Volume I")
	doc2 := addDoc(store, "Volume II")

	ctx := context.Background()
	for _, in := range []RecordInput{
		{DocumentID: doc1, CapabilityGroup: "quantum-sensing", Categories: []models.Category{models.CategoryCapability}},
		{DocumentID: doc2, CapabilityGroup: "quantum-sensing", Categories: []models.Category{models.CategoryLocation}},
		{DocumentID: doc1, CapabilityGroup: "hypersonics", Categories: []models.Category{models.CategoryTiming}},
	} {
		if _, err := reg.Record(ctx, in); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	groups, err := reg.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].CapabilityGroup != "hypersonics" || groups[1].CapabilityGroup != "quantum-sensing" {
		t.Errorf("groups not sorted by name: %+v", groups)
	}
	qs := groups[1]
	if qs.ExposureCount != 2 || qs.DocumentCount != 2 || qs.AlertsGenerated != 1 {
		t.Errorf("quantum-sensing summary = %+v", qs)
	}
	if len(qs.CumulativeCategories) != 2 {
		t.Errorf("cumulative categories = %v, want CAPABILITY and LOCATION", qs.CumulativeCategories)
	}
}

func TestScanCrossDocument(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	doc1 := addDoc(store, "Volume I")
	doc2 := addDoc(store, "Draft proposal")

	ctx := context.Background()
	if _, err := reg.Record(ctx, RecordInput{
		DocumentID:      doc1,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	store.docCats[doc2] = []models.Category{models.CategoryLocation}

	// doc2 has no registered groups, so every known group is checked.
	scan, err := reg.ScanCrossDocument(ctx, doc2)
	if err != nil {
		t.Fatalf("ScanCrossDocument: %v", err)
	}
	if scan.GroupsChecked != 1 || scan.GroupsTriggered != 1 {
		t.Errorf("checked=%d triggered=%d, want 1 and 1", scan.GroupsChecked, scan.GroupsTriggered)
	}
	if scan.OverallRiskScore != 0.5 {
		t.Errorf("overall risk = %v, want 0.5", scan.OverallRiskScore)
	}
	gr := scan.GroupResults[0]
	if !gr.WouldTrigger || gr.CapabilityGroup != "quantum-sensing" {
		t.Errorf("group result = %+v", gr)
	}

	var audited bool
	for _, ev := range store.audit {
		if ev.EventType == "cag.scan_cross_document" && ev.EntityID == doc2.String() {
			audited = true
		}
	}
	if !audited {
		t.Error("expected a cag.scan_cross_document audit event")
	}
}

func TestScanCrossDocumentNoCategories(t *testing.T) {
	store := newFakeStore()
	reg := testRegister(store)
	doc1 := addDoc(store, "Volume I")
	doc2 := addDoc(store, "Empty draft")

	ctx := context.Background()
	if _, err := reg.Record(ctx, RecordInput{
		DocumentID:      doc1,
		CapabilityGroup: "quantum-sensing",
		Categories:      []models.Category{models.CategoryCapability},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	scan, err := reg.ScanCrossDocument(ctx, doc2)
	if err != nil {
		t.Fatalf("ScanCrossDocument: %v", err)
	}
	if scan.GroupsTriggered != 0 || scan.OverallRiskScore != 0 {
		t.Errorf("untagged document triggered groups: %+v", scan)
	}
}
