package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/rules"
)

// SectionScanResult is a read-only evaluation of a single section.
type SectionScanResult struct {
	SectionID      uuid.UUID             `json:"section_id"`
	DocumentID     uuid.UUID             `json:"document_id"`
	Volume         int                   `json:"volume"`
	Number         string                `json:"section_number"`
	Categories     []models.Category     `json:"categories"`
	TagCount       int                   `json:"tag_count"`
	RulesTriggered int                   `json:"rules_triggered"`
	TriggeredRules []rules.TriggerResult `json:"triggered_rules"`
	ScannedAt      time.Time             `json:"scanned_at"`
}

// ScanSection evaluates one section's tags against the active rules without
// persisting anything. Intended for checks while content is being written.
func (s *Scanner) ScanSection(ctx context.Context, sectionID uuid.UUID) (*SectionScanResult, error) {
	sec, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return nil, fmt.Errorf("loading section %s: %w", sectionID, err)
	}

	tags, err := s.store.TagsForSource(ctx, "document_section", sectionID)
	if err != nil {
		return nil, fmt.Errorf("loading tags: %w", err)
	}

	ruleSet, err := s.store.ActiveRules(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("loading active rules: %w", err)
	}

	cats := distinctCategories(tags)
	triggered := rules.Evaluate(cats, ruleSet)

	return &SectionScanResult{
		SectionID:      sectionID,
		DocumentID:     sec.DocumentID,
		Volume:         sec.Volume,
		Number:         sec.Number,
		Categories:     cats,
		TagCount:       len(tags),
		RulesTriggered: len(triggered),
		TriggeredRules: triggered,
		ScannedAt:      time.Now().UTC(),
	}, nil
}

// ExportCheck is the result of the pre-export gate.
type ExportCheck struct {
	DocumentID         uuid.UUID        `json:"document_id"`
	ExportAllowed      bool             `json:"export_allowed"`
	Status             models.DocStatus `json:"cag_status"`
	BlockingAlertsNew  int              `json:"blocking_alerts_new"`
	BlockingAlertsOpen int              `json:"blocking_alerts_existing"`
	BlockingAlerts     []*models.Alert  `json:"blocking_alerts"`
	ExistingUnresolved []*models.Alert  `json:"existing_unresolved"`
	TotalAlerts        int              `json:"total_alerts"`
	CheckedAt          time.Time        `json:"checked_at"`
}

// CheckBeforeExport runs a fresh full scan and gates export on it. Export
// is allowed only when the scan raises no blocking-action alerts and no
// unresolved CRITICAL or HIGH alerts remain stored. Repeated calls are safe:
// alert persistence is idempotent, so a rerun on unchanged content yields
// the same answer without piling up duplicates.
func (s *Scanner) CheckBeforeExport(ctx context.Context, documentID uuid.UUID) (*ExportCheck, error) {
	scan, err := s.ScanDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var blocking []*models.Alert
	for _, a := range scan.Alerts {
		if a.Action.Blocking() {
			blocking = append(blocking, a)
		}
	}

	existing, err := s.store.UnresolvedBlockingAlerts(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading unresolved alerts: %w", err)
	}

	return &ExportCheck{
		DocumentID:         documentID,
		ExportAllowed:      len(blocking) == 0 && len(existing) == 0,
		Status:             scan.Status,
		BlockingAlertsNew:  len(blocking),
		BlockingAlertsOpen: len(existing),
		BlockingAlerts:     blocking,
		ExistingUnresolved: existing,
		TotalAlerts:        scan.TotalAlerts,
		CheckedAt:          time.Now().UTC(),
	}, nil
}

// VolumeSummary aggregates a volume's rows of the category matrix.
type VolumeSummary struct {
	Volume       int               `json:"volume"`
	Categories   []models.Category `json:"categories"`
	SectionCount int               `json:"section_count"`
	TotalTags    int               `json:"total_tags"`
}

// DocumentMatrix is the category breakdown of a document by section and
// volume, without evaluating any rules.
type DocumentMatrix struct {
	DocumentID      uuid.UUID         `json:"document_id"`
	Title           string            `json:"title"`
	Status          models.DocStatus  `json:"cag_status"`
	AllCategories   []models.Category `json:"all_categories"`
	CategoryCount   int               `json:"category_count"`
	VolumeSummaries []VolumeSummary   `json:"volume_summary"`
	Sections        []SectionSummary  `json:"section_matrix"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Matrix reports which categories appear where in a document.
func (s *Scanner) Matrix(ctx context.Context, documentID uuid.UUID) (*DocumentMatrix, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", documentID, err)
	}

	matrix, err := s.buildMatrix(ctx, documentID)
	if err != nil {
		return nil, err
	}

	byVolume := make(map[int]*VolumeSummary)
	for _, sec := range matrix {
		vs := byVolume[sec.section.Volume]
		if vs == nil {
			vs = &VolumeSummary{Volume: sec.section.Volume}
			byVolume[sec.section.Volume] = vs
		}
		vs.SectionCount++
		vs.TotalTags += len(sec.tags)
	}
	for _, sec := range matrix {
		vs := byVolume[sec.section.Volume]
		vs.Categories = mergeCategories(vs.Categories, setToSlice(sec.categories))
	}

	summaries := make([]VolumeSummary, 0, len(byVolume))
	for _, v := range volumes(matrix) {
		summaries = append(summaries, *byVolume[v])
	}

	all := allCategories(matrix)
	return &DocumentMatrix{
		DocumentID:      documentID,
		Title:           doc.Title,
		Status:          doc.Status,
		AllCategories:   all,
		CategoryCount:   len(all),
		VolumeSummaries: summaries,
		Sections:        summarize(matrix),
		GeneratedAt:     time.Now().UTC(),
	}, nil
}

// ScanHistory returns recent scan audit events, newest first, optionally
// restricted to one document.
func (s *Scanner) ScanHistory(ctx context.Context, documentID *uuid.UUID, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	entityID := ""
	if documentID != nil {
		entityID = documentID.String()
	}
	return s.store.ScanEvents(ctx, entityID, limit)
}

func mergeCategories(a, b []models.Category) []models.Category {
	set := make(map[models.Category]bool, len(a)+len(b))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		set[c] = true
	}
	return setToSlice(set)
}
