// Package scanner performs aggregation scans: it walks a document's
// structure, combines the categories its tags expose at four scopes, and
// raises alerts where a combination trips an active rule.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/proximity"
	"github.com/govsentry/cag/internal/rules"
)

// Store defines the persistence the scanner needs.
type Store interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	GetSection(ctx context.Context, id uuid.UUID) (*models.Section, error)
	ListSections(ctx context.Context, documentID uuid.UUID) ([]*models.Section, error)
	TagsForSource(ctx context.Context, sourceType string, sourceID uuid.UUID) ([]models.Tag, error)
	ActiveRules(ctx context.Context, ruleType models.RuleType) ([]*models.Rule, error)
	SaveScanResults(ctx context.Context, documentID uuid.UUID, alerts []*models.Alert, status models.DocStatus, scannedAt time.Time) error
	UnresolvedBlockingAlerts(ctx context.Context, documentID uuid.UUID) ([]*models.Alert, error)
	ScanEvents(ctx context.Context, entityID string, limit int) ([]*models.AuditEvent, error)
	AppendAudit(ctx context.Context, event *models.AuditEvent) error
}

// Scanner runs aggregation scans. Scans of the same document are serialized
// in-process; the alert uniqueness constraint keeps concurrent processes
// from duplicating findings.
type Scanner struct {
	store  Store
	scorer *proximity.Scorer
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(store Store, scorer *proximity.Scorer, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:  store,
		scorer: scorer,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Scanner) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] == nil {
		s.locks[id] = &sync.Mutex{}
	}
	return s.locks[id]
}

// SectionSummary is one row of the document category matrix.
type SectionSummary struct {
	SectionID    uuid.UUID         `json:"section_id"`
	Volume       int               `json:"volume"`
	Number       string            `json:"section_number"`
	Title        string            `json:"section_title"`
	Categories   []models.Category `json:"categories"`
	TagCount     int               `json:"tag_count"`
	StrongTags   int               `json:"strong_tags"`
	ModerateTags int               `json:"moderate_tags"`
	ManualTags   int               `json:"manual_tags"`
}

// ScanResult is the outcome of a full document scan.
type ScanResult struct {
	DocumentID      uuid.UUID         `json:"document_id"`
	Status          models.DocStatus  `json:"cag_status"`
	TotalAlerts     int               `json:"total_alerts"`
	Alerts          []*models.Alert   `json:"alerts"`
	CategoryMatrix  []SectionSummary  `json:"category_matrix"`
	CategoriesFound []models.Category `json:"categories_found"`
	SectionsScanned int               `json:"sections_scanned"`
	VolumesScanned  []int             `json:"volumes_scanned"`
	ScannedAt       time.Time         `json:"scanned_at"`
}

// sectionData is the in-memory matrix entry for one section.
type sectionData struct {
	section    *models.Section
	tags       []models.Tag
	categories map[models.Category]bool
}

// ScanDocument runs a full aggregation scan: paragraph, section, cross
// section and cross volume scopes, in that order. Findings are deduplicated
// by rule and source set keeping the narrowest scope, persisted in one
// transaction, and the document status escalates to the worst implied
// status. A scan never lowers the stored status.
func (s *Scanner) ScanDocument(ctx context.Context, documentID uuid.UUID) (*ScanResult, error) {
	lock := s.lockFor(documentID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", documentID, err)
	}

	matrix, err := s.buildMatrix(ctx, documentID)
	if err != nil {
		return nil, err
	}

	ruleSet, err := s.store.ActiveRules(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("loading active rules: %w", err)
	}

	findings := s.collectFindings(matrix, ruleSet)
	findings = dedupe(findings)
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].severity.Rank() > findings[j].severity.Rank()
	})

	now := time.Now().UTC()
	alerts := make([]*models.Alert, len(findings))
	status := models.DocStatusClear
	for i, f := range findings {
		alerts[i] = f.toAlert(documentID, now)
		status = models.MaxDocStatus(status, models.StatusForAction(f.action))
	}
	status = models.MaxDocStatus(doc.Status, status)

	if err := s.store.SaveScanResults(ctx, documentID, alerts, status, now); err != nil {
		return nil, fmt.Errorf("saving scan results: %w", err)
	}

	all := allCategories(matrix)
	if err := s.store.AppendAudit(ctx, &models.AuditEvent{
		EventType:  "cag.scan_document",
		Actor:      "auto",
		Action:     fmt.Sprintf("Scanned document %s: %d alerts, status=%s", documentID, len(alerts), status),
		EntityType: "document",
		EntityID:   documentID.String(),
		Details: models.JSONB{
			"alert_count":      len(alerts),
			"cag_status":       string(status),
			"categories_found": categoryNames(all),
		},
	}); err != nil {
		return nil, fmt.Errorf("auditing scan: %w", err)
	}

	s.logger.Info("document scanned",
		"document_id", documentID,
		"alerts", len(alerts),
		"status", status,
		"sections", len(matrix))

	return &ScanResult{
		DocumentID:      documentID,
		Status:          status,
		TotalAlerts:     len(alerts),
		Alerts:          alerts,
		CategoryMatrix:  summarize(matrix),
		CategoriesFound: all,
		SectionsScanned: len(matrix),
		VolumesScanned:  volumes(matrix),
		ScannedAt:       now,
	}, nil
}

func (s *Scanner) buildMatrix(ctx context.Context, documentID uuid.UUID) ([]*sectionData, error) {
	sections, err := s.store.ListSections(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing sections: %w", err)
	}

	matrix := make([]*sectionData, 0, len(sections))
	for _, sec := range sections {
		tags, err := s.store.TagsForSource(ctx, "document_section", sec.ID)
		if err != nil {
			return nil, fmt.Errorf("loading tags for section %s: %w", sec.ID, err)
		}
		cats := make(map[models.Category]bool)
		for _, t := range tags {
			cats[t.Category] = true
		}
		matrix = append(matrix, &sectionData{section: sec, tags: tags, categories: cats})
	}
	return matrix, nil
}

// finding is an alert candidate before persistence.
type finding struct {
	ruleID         string
	ruleName       string
	severity       models.Severity
	action         models.Action
	resultingClass string
	remediation    string
	categories     []models.Category
	sources        []uuid.UUID
	proximityType  proximity.Relation
	proximityScore float64
	paragraphIndex int
	hasParagraph   bool
}

func (f finding) toAlert(documentID uuid.UUID, now time.Time) *models.Alert {
	var details models.JSONB
	if f.hasParagraph {
		details = models.JSONB{"paragraph_index": f.paragraphIndex}
	}
	return &models.Alert{
		ID:                  uuid.New(),
		DocumentID:          documentID,
		RuleID:              f.ruleID,
		RuleName:            f.ruleName,
		Severity:            f.severity,
		Status:              models.AlertStatusOpen,
		CategoriesTriggered: categoryNames(f.categories),
		SourceElements:      canonicalSources(f.sources),
		ProximityType:       string(f.proximityType),
		ProximityScore:      f.proximityScore,
		RiskScore:           proximity.RiskScore(f.severity, f.proximityScore),
		ResultingClass:      f.resultingClass,
		Action:              f.action,
		Remediation:         f.remediation,
		Details:             details,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (f finding) key() string {
	return f.ruleID + "|" + strings.Join(canonicalSources(f.sources), ",")
}

// collectFindings runs the four structural scopes over the matrix.
func (s *Scanner) collectFindings(matrix []*sectionData, ruleSet []*models.Rule) []finding {
	var findings []finding

	// scope 1: paragraph groups inside each section
	for _, sec := range matrix {
		groups := make(map[int][]models.Tag)
		for _, tag := range sec.tags {
			groups[tag.ParagraphIndex] = append(groups[tag.ParagraphIndex], tag)
		}
		indexes := make([]int, 0, len(groups))
		for idx := range groups {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)

		for _, idx := range indexes {
			cats := distinctCategories(groups[idx])
			if len(cats) < 2 {
				continue
			}
			for _, hit := range rules.Evaluate(cats, ruleSet) {
				findings = append(findings, finding{
					ruleID:         hit.RuleID,
					ruleName:       hit.RuleName,
					severity:       hit.Severity,
					action:         hit.Action,
					resultingClass: hit.ResultingClass,
					remediation:    hit.Remediation,
					categories:     hit.TriggeredCategories,
					sources:        []uuid.UUID{sec.section.ID},
					proximityType:  proximity.SameParagraph,
					proximityScore: s.scorer.ScoreTags(proximity.SameParagraph, groups[idx]),
					paragraphIndex: idx,
					hasParagraph:   true,
				})
			}
		}
	}

	// scope 2: whole-section combinations, skipping rules already caught
	// inside a paragraph of the same section
	for _, sec := range matrix {
		if len(sec.categories) < 2 {
			continue
		}
		for _, hit := range rules.Evaluate(setToSlice(sec.categories), ruleSet) {
			if hasSingleSourceFinding(findings, hit.RuleID, sec.section.ID) {
				continue
			}
			findings = append(findings, finding{
				ruleID:         hit.RuleID,
				ruleName:       hit.RuleName,
				severity:       hit.Severity,
				action:         hit.Action,
				resultingClass: hit.ResultingClass,
				remediation:    hit.Remediation,
				categories:     hit.TriggeredCategories,
				sources:        []uuid.UUID{sec.section.ID},
				proximityType:  proximity.SameSection,
				proximityScore: s.scorer.ScoreTags(proximity.SameSection, sec.tags),
			})
		}
	}

	// scope 3: section pairs within the same volume; both sections must
	// contribute triggered categories or the pairing added nothing
	for i := 0; i < len(matrix); i++ {
		for j := i + 1; j < len(matrix); j++ {
			a, b := matrix[i], matrix[j]
			if a.section.Volume != b.section.Volume {
				continue
			}
			combined := unionCategories(a.categories, b.categories)
			if len(combined) < 2 {
				continue
			}
			for _, hit := range rules.Evaluate(combined, ruleSet) {
				if !contributes(hit.TriggeredCategories, a.categories) ||
					!contributes(hit.TriggeredCategories, b.categories) {
					continue
				}
				if hasSingleSourceFinding(findings, hit.RuleID, a.section.ID) ||
					hasSingleSourceFinding(findings, hit.RuleID, b.section.ID) {
					continue
				}
				findings = append(findings, finding{
					ruleID:         hit.RuleID,
					ruleName:       hit.RuleName,
					severity:       hit.Severity,
					action:         hit.Action,
					resultingClass: hit.ResultingClass,
					remediation:    hit.Remediation,
					categories:     hit.TriggeredCategories,
					sources:        []uuid.UUID{a.section.ID, b.section.ID},
					proximityType:  proximity.SameVolume,
					proximityScore: s.scorer.Score(proximity.SameVolume, a.tags, b.tags),
				})
			}
		}
	}

	// scope 4: volume pairs; every section in either volume holding a
	// triggered category is recorded as a source
	volCats := make(map[int]map[models.Category]bool)
	volTags := make(map[int][]models.Tag)
	for _, sec := range matrix {
		if volCats[sec.section.Volume] == nil {
			volCats[sec.section.Volume] = make(map[models.Category]bool)
		}
		for c := range sec.categories {
			volCats[sec.section.Volume][c] = true
		}
		volTags[sec.section.Volume] = append(volTags[sec.section.Volume], sec.tags...)
	}
	vols := make([]int, 0, len(volCats))
	for v := range volCats {
		vols = append(vols, v)
	}
	sort.Ints(vols)

	for i := 0; i < len(vols); i++ {
		for j := i + 1; j < len(vols); j++ {
			va, vb := vols[i], vols[j]
			combined := unionCategories(volCats[va], volCats[vb])
			if len(combined) < 2 {
				continue
			}
			for _, hit := range rules.Evaluate(combined, ruleSet) {
				if !contributes(hit.TriggeredCategories, volCats[va]) ||
					!contributes(hit.TriggeredCategories, volCats[vb]) {
					continue
				}
				var sources []uuid.UUID
				for _, sec := range matrix {
					if sec.section.Volume != va && sec.section.Volume != vb {
						continue
					}
					if contributes(hit.TriggeredCategories, sec.categories) {
						sources = append(sources, sec.section.ID)
					}
				}
				findings = append(findings, finding{
					ruleID:         hit.RuleID,
					ruleName:       hit.RuleName,
					severity:       hit.Severity,
					action:         hit.Action,
					resultingClass: hit.ResultingClass,
					remediation:    hit.Remediation,
					categories:     hit.TriggeredCategories,
					sources:        sources,
					proximityType:  proximity.CrossVolume,
					proximityScore: s.scorer.Score(proximity.CrossVolume, volTags[va], volTags[vb]),
				})
			}
		}
	}

	return findings
}

// dedupe keeps the first finding per (rule, source set). Scopes run
// narrowest first, so the surviving hit carries the tightest scope.
func dedupe(findings []finding) []finding {
	seen := make(map[string]bool, len(findings))
	out := findings[:0]
	for _, f := range findings {
		k := f.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	return out
}

func hasSingleSourceFinding(findings []finding, ruleID string, sectionID uuid.UUID) bool {
	for _, f := range findings {
		if f.ruleID == ruleID && len(f.sources) == 1 && f.sources[0] == sectionID {
			return true
		}
	}
	return false
}

func contributes(triggered []models.Category, present map[models.Category]bool) bool {
	for _, c := range triggered {
		if present[c] {
			return true
		}
	}
	return false
}

func distinctCategories(tags []models.Tag) []models.Category {
	set := make(map[models.Category]bool)
	for _, t := range tags {
		set[t.Category] = true
	}
	return setToSlice(set)
}

func setToSlice(set map[models.Category]bool) []models.Category {
	out := make([]models.Category, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func unionCategories(a, b map[models.Category]bool) []models.Category {
	set := make(map[models.Category]bool, len(a)+len(b))
	for c := range a {
		set[c] = true
	}
	for c := range b {
		set[c] = true
	}
	return setToSlice(set)
}

func canonicalSources(ids []uuid.UUID) models.StringArray {
	out := make(models.StringArray, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id.String())
		}
	}
	sort.Strings(out)
	return out
}

func categoryNames(cats []models.Category) models.StringArray {
	out := make(models.StringArray, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

func allCategories(matrix []*sectionData) []models.Category {
	set := make(map[models.Category]bool)
	for _, sec := range matrix {
		for c := range sec.categories {
			set[c] = true
		}
	}
	return setToSlice(set)
}

func volumes(matrix []*sectionData) []int {
	set := make(map[int]bool)
	for _, sec := range matrix {
		set[sec.section.Volume] = true
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func summarize(matrix []*sectionData) []SectionSummary {
	out := make([]SectionSummary, len(matrix))
	for i, sec := range matrix {
		sum := SectionSummary{
			SectionID:  sec.section.ID,
			Volume:     sec.section.Volume,
			Number:     sec.section.Number,
			Title:      sec.section.Title,
			Categories: setToSlice(sec.categories),
			TagCount:   len(sec.tags),
		}
		for _, t := range sec.tags {
			switch t.IndicatorType {
			case models.IndicatorStrong:
				sum.StrongTags++
			case models.IndicatorModerate:
				sum.ModerateTags++
			case models.IndicatorManual:
				sum.ManualTags++
			}
		}
		out[i] = sum
	}
	return out
}
