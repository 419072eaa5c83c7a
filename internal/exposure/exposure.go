// Package exposure maintains the cross-document exposure ledger. Each
// capability group accumulates the categories its documents have revealed;
// the register warns when the union within the lookback window would trip
// an aggregation rule even though no single document does.
package exposure

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/rules"
)

// Entry is a ledger record joined with its document title.
type Entry struct {
	models.ExposureRecord
	DocumentTitle string `json:"document_title" db:"document_title"`
}

// Store defines the persistence the register needs.
type Store interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	ExposuresSince(ctx context.Context, capabilityGroup string, since time.Time) ([]*Entry, error)
	InsertExposure(ctx context.Context, record *models.ExposureRecord, alert *models.Alert) error
	DocumentGroups(ctx context.Context, documentID uuid.UUID) ([]string, error)
	AllGroups(ctx context.Context) ([]string, error)
	DocumentCategories(ctx context.Context, documentID uuid.UUID) ([]models.Category, error)
	AppendAudit(ctx context.Context, event *models.AuditEvent) error
}

// RuleChecker evaluates a category combination against the active rules.
type RuleChecker interface {
	CheckCombination(ctx context.Context, categories []models.Category, proximity map[rules.CategoryPair]float64) (*rules.CombinationResult, error)
}

// Register tracks cumulative category exposure per capability group.
// Cumulative state is always re-derived from the ledger; stored snapshots
// are historical record only.
type Register struct {
	store    Store
	checker  RuleChecker
	lookback time.Duration
	logger   *slog.Logger
}

func NewRegister(store Store, checker RuleChecker, lookbackDays int, logger *slog.Logger) *Register {
	if lookbackDays <= 0 {
		lookbackDays = 730
	}
	return &Register{
		store:    store,
		checker:  checker,
		lookback: time.Duration(lookbackDays) * 24 * time.Hour,
		logger:   logger,
	}
}

func (r *Register) LookbackDays() int {
	return int(r.lookback / (24 * time.Hour))
}

func (r *Register) cutoff(now time.Time) time.Time {
	return now.Add(-r.lookback)
}

// RecordInput carries one exposure to register.
type RecordInput struct {
	DocumentID      uuid.UUID         `json:"document_id"`
	CapabilityGroup string            `json:"capability_group"`
	Categories      []models.Category `json:"categories_exposed"`
	Audience        string            `json:"audience,omitempty"`
}

func (in RecordInput) validate() error {
	if in.DocumentID == uuid.Nil {
		return models.NewValidationError("document_id", "", "required")
	}
	if in.CapabilityGroup == "" {
		return models.NewValidationError("capability_group", "", "required")
	}
	if len(in.Categories) == 0 {
		return models.NewValidationError("categories_exposed", "", "must be a non-empty list")
	}
	for _, c := range in.Categories {
		if !models.ValidCategory(c) {
			return models.NewValidationError("categories_exposed", string(c), "unknown category")
		}
	}
	return nil
}

// RecordResult reports the outcome of a registration.
type RecordResult struct {
	ExposureID           uuid.UUID         `json:"exposure_id"`
	DocumentID           uuid.UUID         `json:"document_id"`
	CapabilityGroup      string            `json:"capability_group"`
	CategoriesExposed    []models.Category `json:"categories_exposed"`
	Audience             string            `json:"audience,omitempty"`
	CumulativeCategories []models.Category `json:"cumulative_categories"`
	CumulativeCount      int               `json:"cumulative_count"`
	CumulativeClass      string            `json:"cumulative_classification"`
	AlertGenerated       bool              `json:"alert_generated"`
	Alert                *models.Alert     `json:"alert,omitempty"`
	RegisteredAt         time.Time         `json:"registered_at"`
}

// Record appends an exposure to the ledger. The cumulative category set is
// the new categories unioned with every prior exposure of the group inside
// the lookback window; when the cumulative set trips a rule, a
// cross-document alert is written in the same transaction.
func (r *Register) Record(ctx context.Context, in RecordInput) (*RecordResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if _, err := r.store.GetDocument(ctx, in.DocumentID); err != nil {
		return nil, fmt.Errorf("loading document %s: %w", in.DocumentID, err)
	}

	now := time.Now().UTC()
	cumulative, err := r.cumulativeWith(ctx, in.CapabilityGroup, in.Categories, now)
	if err != nil {
		return nil, err
	}

	combo, err := r.checker.CheckCombination(ctx, cumulative, nil)
	if err != nil {
		return nil, fmt.Errorf("checking cumulative combination: %w", err)
	}

	cumulativeClass := "UNCLASSIFIED"
	if combo.Triggered {
		cumulativeClass = combo.ResultingClass
	}

	record := &models.ExposureRecord{
		ID:                   uuid.New(),
		CapabilityGroup:      in.CapabilityGroup,
		DocumentID:           in.DocumentID,
		CategoriesExposed:    sortedNames(in.Categories),
		Audience:             in.Audience,
		ExposureDate:         now,
		ClassAtExposure:      "UNCLASSIFIED",
		CumulativeCategories: sortedNames(cumulative),
		CumulativeClass:      cumulativeClass,
		AlertGenerated:       combo.Triggered,
		CreatedAt:            now,
	}

	var alert *models.Alert
	if combo.Triggered {
		top := combo.Rules[0]
		alert = &models.Alert{
			ID:                  uuid.New(),
			DocumentID:          in.DocumentID,
			RuleID:              top.RuleID,
			RuleName:            top.RuleName,
			Severity:            top.Severity,
			Status:              models.AlertStatusOpen,
			CategoriesTriggered: sortedNames(cumulative),
			SourceElements:      models.StringArray{"capability_group:" + in.CapabilityGroup},
			ProximityType:       "cross_document",
			ProximityScore:      0,
			RiskScore:           combo.RiskScore,
			ResultingClass:      cumulativeClass,
			Action:              top.Action,
			Remediation: fmt.Sprintf("Cross-document aggregation in %q. Cumulative categories: %s. %s",
				in.CapabilityGroup, joinNames(sortedNames(cumulative)), top.Remediation),
			Details: models.JSONB{
				"capability_group": in.CapabilityGroup,
				"type":             "cross_document",
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := r.store.InsertExposure(ctx, record, alert); err != nil {
		return nil, fmt.Errorf("inserting exposure record: %w", err)
	}

	if err := r.store.AppendAudit(ctx, &models.AuditEvent{
		EventType:  "cag.register_exposure",
		Actor:      "auto",
		Action:     fmt.Sprintf("Registered exposure: %s in document %s, alert=%t", in.CapabilityGroup, in.DocumentID, combo.Triggered),
		EntityType: "cag_exposure_register",
		EntityID:   record.ID.String(),
		Details: models.JSONB{
			"capability_group":   in.CapabilityGroup,
			"categories_exposed": []string(record.CategoriesExposed),
			"cumulative":         []string(record.CumulativeCategories),
			"alert_generated":    combo.Triggered,
		},
	}); err != nil {
		return nil, fmt.Errorf("auditing exposure: %w", err)
	}

	r.logger.Info("exposure registered",
		"capability_group", in.CapabilityGroup,
		"document_id", in.DocumentID,
		"cumulative_count", len(cumulative),
		"alert_generated", combo.Triggered)

	return &RecordResult{
		ExposureID:           record.ID,
		DocumentID:           in.DocumentID,
		CapabilityGroup:      in.CapabilityGroup,
		CategoriesExposed:    sortedCats(in.Categories),
		Audience:             in.Audience,
		CumulativeCategories: cumulative,
		CumulativeCount:      len(cumulative),
		CumulativeClass:      cumulativeClass,
		AlertGenerated:       combo.Triggered,
		Alert:                alert,
		RegisteredAt:         now,
	}, nil
}

// CumulativeCheck is the result of a what-if cumulative evaluation.
type CumulativeCheck struct {
	CapabilityGroup      string                `json:"capability_group"`
	ExistingCategories   []models.Category     `json:"existing_categories"`
	NewCategories        []models.Category     `json:"new_categories"`
	CumulativeCategories []models.Category     `json:"cumulative_categories"`
	WouldTrigger         bool                  `json:"would_trigger"`
	NewlyTriggeredRules  []rules.TriggerResult `json:"newly_triggered_rules"`
	AllTriggeredRules    []rules.TriggerResult `json:"all_triggered_rules"`
	MaxSeverity          models.Severity       `json:"max_severity,omitempty"`
	ResultingClass       string                `json:"resulting_classification,omitempty"`
	RiskScore            float64               `json:"risk_score"`
	LookbackDays         int                   `json:"lookback_days"`
	CheckedAt            time.Time             `json:"checked_at"`
}

// CheckCumulative evaluates what adding categories to a group would do,
// without writing anything. WouldTrigger is true only for rules the union
// trips that the existing history alone does not.
func (r *Register) CheckCumulative(ctx context.Context, capabilityGroup string, newCategories []models.Category) (*CumulativeCheck, error) {
	if capabilityGroup == "" {
		return nil, models.NewValidationError("capability_group", "", "required")
	}
	if len(newCategories) == 0 {
		return nil, models.NewValidationError("new_categories", "", "must be a non-empty list")
	}
	for _, c := range newCategories {
		if !models.ValidCategory(c) {
			return nil, models.NewValidationError("new_categories", string(c), "unknown category")
		}
	}

	now := time.Now().UTC()
	existing, err := r.priorCategories(ctx, capabilityGroup, now)
	if err != nil {
		return nil, err
	}
	proposed := unionCats(existing, newCategories)

	combo, err := r.checker.CheckCombination(ctx, proposed, nil)
	if err != nil {
		return nil, fmt.Errorf("checking proposed combination: %w", err)
	}
	existingCombo, err := r.checker.CheckCombination(ctx, existing, nil)
	if err != nil {
		return nil, fmt.Errorf("checking existing combination: %w", err)
	}

	priorHit := make(map[string]bool, len(existingCombo.Rules))
	for _, tr := range existingCombo.Rules {
		priorHit[tr.RuleID] = true
	}
	var newly []rules.TriggerResult
	for _, tr := range combo.Rules {
		if !priorHit[tr.RuleID] {
			newly = append(newly, tr)
		}
	}

	return &CumulativeCheck{
		CapabilityGroup:      capabilityGroup,
		ExistingCategories:   existing,
		NewCategories:        sortedCats(newCategories),
		CumulativeCategories: proposed,
		WouldTrigger:         len(newly) > 0,
		NewlyTriggeredRules:  newly,
		AllTriggeredRules:    combo.Rules,
		MaxSeverity:          combo.MaxSeverity,
		ResultingClass:       combo.ResultingClass,
		RiskScore:            combo.RiskScore,
		LookbackDays:         r.LookbackDays(),
		CheckedAt:            now,
	}, nil
}

// GroupResult is one group's outcome in a cross-document scan.
type GroupResult struct {
	CapabilityGroup      string                `json:"capability_group"`
	WouldTrigger         bool                  `json:"would_trigger"`
	ExistingCategories   []models.Category     `json:"existing_categories"`
	DocumentCategories   []models.Category     `json:"document_categories"`
	CumulativeCategories []models.Category     `json:"cumulative_categories"`
	NewlyTriggeredRules  []rules.TriggerResult `json:"newly_triggered_rules"`
	RiskScore            float64               `json:"risk_score"`
	MaxSeverity          models.Severity       `json:"max_severity,omitempty"`
	ResultingClass       string                `json:"resulting_classification,omitempty"`
}

// CrossDocumentScan is the aggregate result over all checked groups.
type CrossDocumentScan struct {
	DocumentID         uuid.UUID         `json:"document_id"`
	DocumentCategories []models.Category `json:"document_categories"`
	GroupsChecked      int               `json:"groups_checked"`
	GroupsTriggered    int               `json:"groups_triggered"`
	OverallRiskScore   float64           `json:"overall_risk_score"`
	GroupResults       []GroupResult     `json:"group_results"`
	ScannedAt          time.Time         `json:"scanned_at"`
}

// ScanCrossDocument tests a document's own categories against the exposure
// history of each capability group it is registered in, or against every
// known group when it is registered in none.
func (r *Register) ScanCrossDocument(ctx context.Context, documentID uuid.UUID) (*CrossDocumentScan, error) {
	if _, err := r.store.GetDocument(ctx, documentID); err != nil {
		return nil, fmt.Errorf("loading document %s: %w", documentID, err)
	}

	groups, err := r.store.DocumentGroups(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document groups: %w", err)
	}
	if len(groups) == 0 {
		groups, err = r.store.AllGroups(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading capability groups: %w", err)
		}
	}

	docCats, err := r.store.DocumentCategories(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document categories: %w", err)
	}
	docCats = sortedCats(docCats)

	results := make([]GroupResult, 0, len(groups))
	var overallRisk float64
	triggered := 0

	for _, group := range groups {
		gr := GroupResult{CapabilityGroup: group, DocumentCategories: docCats}
		if len(docCats) > 0 {
			check, err := r.CheckCumulative(ctx, group, docCats)
			if err != nil {
				return nil, fmt.Errorf("checking group %s: %w", group, err)
			}
			gr.WouldTrigger = check.WouldTrigger
			gr.ExistingCategories = check.ExistingCategories
			gr.CumulativeCategories = check.CumulativeCategories
			gr.NewlyTriggeredRules = check.NewlyTriggeredRules
			gr.RiskScore = check.RiskScore
			gr.MaxSeverity = check.MaxSeverity
			gr.ResultingClass = check.ResultingClass
		}
		if gr.WouldTrigger {
			triggered++
		}
		if gr.RiskScore > overallRisk {
			overallRisk = gr.RiskScore
		}
		results = append(results, gr)
	}

	if err := r.store.AppendAudit(ctx, &models.AuditEvent{
		EventType:  "cag.scan_cross_document",
		Actor:      "auto",
		Action:     fmt.Sprintf("Cross-document scan for %s: %d groups checked, %d triggered", documentID, len(groups), triggered),
		EntityType: "document",
		EntityID:   documentID.String(),
		Details: models.JSONB{
			"groups_checked":   len(groups),
			"groups_triggered": triggered,
			"overall_risk":     overallRisk,
		},
	}); err != nil {
		return nil, fmt.Errorf("auditing cross-document scan: %w", err)
	}

	return &CrossDocumentScan{
		DocumentID:         documentID,
		DocumentCategories: docCats,
		GroupsChecked:      len(groups),
		GroupsTriggered:    triggered,
		OverallRiskScore:   math.Round(overallRisk*1000) / 1000,
		GroupResults:       results,
		ScannedAt:          time.Now().UTC(),
	}, nil
}

func (r *Register) priorCategories(ctx context.Context, capabilityGroup string, now time.Time) ([]models.Category, error) {
	entries, err := r.store.ExposuresSince(ctx, capabilityGroup, r.cutoff(now))
	if err != nil {
		return nil, fmt.Errorf("loading exposure history: %w", err)
	}
	set := make(map[models.Category]bool)
	for _, e := range entries {
		for _, c := range e.CategoriesExposed {
			set[models.Category(c)] = true
		}
	}
	return setToSortedSlice(set), nil
}

func (r *Register) cumulativeWith(ctx context.Context, capabilityGroup string, categories []models.Category, now time.Time) ([]models.Category, error) {
	prior, err := r.priorCategories(ctx, capabilityGroup, now)
	if err != nil {
		return nil, err
	}
	return unionCats(prior, categories), nil
}

func unionCats(a, b []models.Category) []models.Category {
	set := make(map[models.Category]bool, len(a)+len(b))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		set[c] = true
	}
	return setToSortedSlice(set)
}

func setToSortedSlice(set map[models.Category]bool) []models.Category {
	out := make([]models.Category, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedCats(cats []models.Category) []models.Category {
	set := make(map[models.Category]bool, len(cats))
	for _, c := range cats {
		set[c] = true
	}
	return setToSortedSlice(set)
}

func sortedNames(cats []models.Category) models.StringArray {
	sorted := sortedCats(cats)
	out := make(models.StringArray, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

func joinNames(names models.StringArray) string {
	s := ""
	for i, n := range names {
		if i > 0 {
			s += ", "
		}
		s += n
	}
	return s
}
