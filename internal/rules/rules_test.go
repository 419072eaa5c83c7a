package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/govsentry/cag/internal/models"
)

type fakeStore struct {
	rules  []*models.Rule
	audits []*models.AuditEvent
}

func (f *fakeStore) ActiveRules(_ context.Context, ruleType models.RuleType) ([]*models.Rule, error) {
	var out []*models.Rule
	for _, r := range f.rules {
		if r.Active && (ruleType == "" || r.RuleType == ruleType) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceUniversalRules(_ context.Context, rules []*models.Rule) (int, error) {
	var kept []*models.Rule
	for _, r := range f.rules {
		if r.RuleType != models.RuleTypeUniversal {
			kept = append(kept, r)
		}
	}
	f.rules = append(kept, rules...)
	return len(rules), nil
}

func (f *fakeStore) InsertRule(_ context.Context, rule *models.Rule) error {
	f.rules = append(f.rules, rule)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, event *models.AuditEvent) error {
	f.audits = append(f.audits, event)
	return nil
}

func present(cats ...models.Category) map[models.Category]bool {
	m := make(map[models.Category]bool)
	for _, c := range cats {
		m[c] = true
	}
	return m
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		trigger  models.Trigger
		present  map[models.Category]bool
		expected bool
	}{
		{
			"all_of satisfied",
			models.Trigger{AllOf: []models.Category{models.CategoryCapability, models.CategoryLocation}},
			present(models.CategoryCapability, models.CategoryLocation, models.CategoryTiming),
			true,
		},
		{
			"all_of missing one",
			models.Trigger{AllOf: []models.Category{models.CategoryCapability, models.CategoryLocation}},
			present(models.CategoryCapability),
			false,
		},
		{
			"any_of one present",
			models.Trigger{AnyOf: []models.Category{models.CategoryMethod, models.CategorySource}},
			present(models.CategorySource),
			true,
		},
		{
			"any_of none present",
			models.Trigger{AnyOf: []models.Category{models.CategoryMethod, models.CategorySource}},
			present(models.CategoryTiming),
			false,
		},
		{
			"required plus min_additional met",
			models.Trigger{Required: []models.Category{models.CategoryPersonnel}, AnyOf: []models.Category{models.CategoryLocation, models.CategoryTiming, models.CategoryProgram}, MinAdditional: 2},
			present(models.CategoryPersonnel, models.CategoryLocation, models.CategoryTiming),
			true,
		},
		{
			"required plus min_additional short",
			models.Trigger{Required: []models.Category{models.CategoryPersonnel}, AnyOf: []models.Category{models.CategoryLocation, models.CategoryTiming, models.CategoryProgram}, MinAdditional: 2},
			present(models.CategoryPersonnel, models.CategoryLocation),
			false,
		},
		{
			"all_of with any_of needs one",
			models.Trigger{AllOf: []models.Category{models.CategoryProgram}, AnyOf: []models.Category{models.CategoryVulnerability, models.CategoryMethod}},
			present(models.CategoryProgram, models.CategoryMethod),
			true,
		},
		{
			"all_of with any_of none from pool",
			models.Trigger{AllOf: []models.Category{models.CategoryProgram}, AnyOf: []models.Category{models.CategoryVulnerability, models.CategoryMethod}},
			present(models.CategoryProgram, models.CategoryScale),
			false,
		},
		{
			"min_categories met",
			models.Trigger{MinCategories: 3},
			present(models.CategoryScale, models.CategorySource, models.CategoryRelationship),
			true,
		},
		{
			"min_categories short",
			models.Trigger{MinCategories: 3},
			present(models.CategoryScale, models.CategorySource),
			false,
		},
		{
			"min_categories ignores invalid",
			models.Trigger{MinCategories: 2},
			map[models.Category]bool{models.CategoryScale: true, "WEATHER": true},
			false,
		},
		{
			"empty present set",
			models.Trigger{AnyOf: []models.Category{models.CategoryMethod}},
			present(),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.present, tt.trigger); got != tt.expected {
				t.Errorf("Matches() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func testRules() []*models.Rule {
	return []*models.Rule{
		{
			RuleID:         "agg-001",
			Name:           "capability plus location",
			RuleType:       models.RuleTypeUniversal,
			Severity:       models.SeverityMedium,
			Trigger:        models.Trigger{AllOf: []models.Category{models.CategoryCapability, models.CategoryLocation}},
			ResultingClass: "CONFIDENTIAL",
			Action:         models.ActionAlert,
			Active:         true,
		},
		{
			RuleID:         "agg-002",
			Name:           "program exposure",
			RuleType:       models.RuleTypeUniversal,
			Severity:       models.SeverityCritical,
			Trigger:        models.Trigger{AllOf: []models.Category{models.CategoryProgram}, AnyOf: []models.Category{models.CategoryVulnerability, models.CategoryMethod}},
			ResultingClass: "TOP SECRET",
			Action:         models.ActionQuarantine,
			Active:         true,
		},
		{
			RuleID:         "agg-003",
			Name:           "broad aggregation",
			RuleType:       models.RuleTypeUniversal,
			Severity:       models.SeverityHigh,
			Trigger:        models.Trigger{MinCategories: 4},
			ResultingClass: "SECRET",
			Action:         models.ActionBlockAndAlert,
			Active:         true,
		},
	}
}

func TestEvaluateOrderingAndCategories(t *testing.T) {
	got := Evaluate([]models.Category{
		models.CategoryProgram,
		models.CategoryMethod,
		models.CategoryCapability,
		models.CategoryLocation,
	}, testRules())

	if len(got) != 3 {
		t.Fatalf("triggered %d rules, want 3", len(got))
	}
	// CRITICAL first, then HIGH, then MEDIUM
	if got[0].RuleID != "agg-002" || got[1].RuleID != "agg-003" || got[2].RuleID != "agg-001" {
		t.Errorf("severity order wrong: %s, %s, %s", got[0].RuleID, got[1].RuleID, got[2].RuleID)
	}

	// agg-002 references PROGRAM, VULNERABILITY, METHOD; only the present ones count
	cats := got[0].TriggeredCategories
	if len(cats) != 2 || cats[0] != models.CategoryMethod || cats[1] != models.CategoryProgram {
		t.Errorf("triggered categories = %v, want [METHOD PROGRAM]", cats)
	}
}

func TestEvaluateNoHits(t *testing.T) {
	got := Evaluate([]models.Category{models.CategoryScale}, testRules())
	if len(got) != 0 {
		t.Errorf("expected no hits, got %d", len(got))
	}
}

func TestEvaluateMinCategoriesListsPresentOnly(t *testing.T) {
	rule := &models.Rule{
		RuleID:   "agg-007",
		Name:     "broad accumulation",
		RuleType: models.RuleTypeUniversal,
		Severity: models.SeverityHigh,
		Trigger:  models.Trigger{MinCategories: 3},
		Action:   models.ActionAlert,
		Active:   true,
	}

	got := Evaluate([]models.Category{
		models.CategoryCapability,
		models.CategoryLocation,
		models.CategoryTiming,
	}, []*models.Rule{rule})
	if len(got) != 1 {
		t.Fatalf("triggered %d rules, want 1", len(got))
	}
	cats := got[0].TriggeredCategories
	if len(cats) != 3 {
		t.Fatalf("triggered categories = %v, want only the three present", cats)
	}
	for _, c := range cats {
		switch c {
		case models.CategoryCapability, models.CategoryLocation, models.CategoryTiming:
		default:
			t.Errorf("unexpected category %s in triggered list", c)
		}
	}
}

func TestCheckCombinationAgainst(t *testing.T) {
	res := CheckCombinationAgainst(
		[]models.Category{models.CategoryCapability, models.CategoryLocation},
		testRules(), nil,
	)
	if !res.Triggered {
		t.Fatal("expected trigger")
	}
	if res.MaxSeverity != models.SeverityMedium {
		t.Errorf("max severity = %s, want MEDIUM", res.MaxSeverity)
	}
	if res.ResultingClass != "CONFIDENTIAL" {
		t.Errorf("classification = %s, want CONFIDENTIAL", res.ResultingClass)
	}
	if res.RiskScore != 0.5 {
		t.Errorf("risk score = %v, want 0.5", res.RiskScore)
	}
}

func TestCheckCombinationProximityMultiplier(t *testing.T) {
	prox := map[CategoryPair]float64{
		NewCategoryPair(models.CategoryLocation, models.CategoryCapability): 0.8,
	}
	res := CheckCombinationAgainst(
		[]models.Category{models.CategoryCapability, models.CategoryLocation},
		testRules(), prox,
	)
	if !res.Triggered {
		t.Fatal("expected trigger")
	}
	// MEDIUM weight 0.5 times proximity 0.8
	if res.RiskScore != 0.4 {
		t.Errorf("risk score = %v, want 0.4", res.RiskScore)
	}
	if res.Rules[0].ProximityMultiplier != 0.8 {
		t.Errorf("multiplier = %v, want 0.8", res.Rules[0].ProximityMultiplier)
	}
}

func TestCheckCombinationNotTriggered(t *testing.T) {
	res := CheckCombinationAgainst([]models.Category{models.CategoryTiming}, testRules(), nil)
	if res.Triggered || res.RiskScore != 0 || len(res.Rules) != 0 {
		t.Errorf("expected clean result, got %+v", res)
	}
}

func TestAddOrgRuleValidation(t *testing.T) {
	engine := NewEngine(&fakeStore{}, "")

	tests := []struct {
		name  string
		input OrgRuleInput
	}{
		{"missing name", OrgRuleInput{Severity: models.SeverityHigh, Action: models.ActionAlert, ResultingClass: "SECRET", Trigger: models.Trigger{MinCategories: 2}}},
		{"bad severity", OrgRuleInput{Name: "x", Severity: "EXTREME", Action: models.ActionAlert, ResultingClass: "SECRET", Trigger: models.Trigger{MinCategories: 2}}},
		{"bad action", OrgRuleInput{Name: "x", Severity: models.SeverityHigh, Action: "explode", ResultingClass: "SECRET", Trigger: models.Trigger{MinCategories: 2}}},
		{"bad classification", OrgRuleInput{Name: "x", Severity: models.SeverityHigh, Action: models.ActionAlert, ResultingClass: "ULTRA", Trigger: models.Trigger{MinCategories: 2}}},
		{"empty trigger", OrgRuleInput{Name: "x", Severity: models.SeverityHigh, Action: models.ActionAlert, ResultingClass: "SECRET"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.AddOrgRule(context.Background(), tt.input)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestAddOrgRulePersistsAndAudits(t *testing.T) {
	store := &fakeStore{}
	engine := NewEngine(store, "")

	rule, err := engine.AddOrgRule(context.Background(), OrgRuleInput{
		Name:           "sat comms",
		Severity:       models.SeverityHigh,
		Action:         models.ActionReviewRequired,
		ResultingClass: "SECRET",
		Trigger:        models.Trigger{AllOf: []models.Category{models.CategoryCapability, models.CategoryTiming}},
	})
	if err != nil {
		t.Fatalf("AddOrgRule: %v", err)
	}
	if rule.RuleType != models.RuleTypeOrg || !rule.Active {
		t.Errorf("rule = %+v", rule)
	}
	if len(store.rules) != 1 {
		t.Fatalf("stored %d rules, want 1", len(store.rules))
	}
	if len(store.audits) != 1 || store.audits[0].EventType != "cag.add_rule" {
		t.Errorf("audit missing: %+v", store.audits)
	}
}

func TestAddSCGRuleRequiresProgram(t *testing.T) {
	engine := NewEngine(&fakeStore{}, "")
	_, err := engine.AddSCGRule(context.Background(), OrgRuleInput{
		Name:           "guide rule",
		Severity:       models.SeverityHigh,
		Action:         models.ActionAlert,
		ResultingClass: "SECRET",
		Trigger:        models.Trigger{MinCategories: 2},
	})
	if err == nil {
		t.Fatal("expected error without scg_program_id")
	}
}

func TestLoadUniversalRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
universal_rules:
  - id: agg-001
    name: capability plus location
    severity: MEDIUM
    trigger:
      all_of: [CAPABILITY, LOCATION]
    resulting_classification: CONFIDENTIAL
    action: alert
  - id: agg-002
    name: broad aggregation
    severity: HIGH
    trigger:
      min_categories: 4
    resulting_classification: SECRET
    action: block_and_alert
proximity:
  same_paragraph: 0.9
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{rules: []*models.Rule{{
		RuleID: "org-1", RuleType: models.RuleTypeOrg, Active: true,
		Severity: models.SeverityLow, Action: models.ActionAlert,
		Trigger: models.Trigger{MinCategories: 5},
	}}}
	engine := NewEngine(store, path)

	n, err := engine.LoadUniversalRules(context.Background())
	if err != nil {
		t.Fatalf("LoadUniversalRules: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d, want 2", n)
	}

	// org rules untouched
	orgRules, _ := engine.ActiveRules(context.Background(), models.RuleTypeOrg)
	if len(orgRules) != 1 {
		t.Errorf("org rules = %d, want 1", len(orgRules))
	}
	all, _ := engine.ActiveRules(context.Background(), "")
	if len(all) != 3 {
		t.Errorf("active rules = %d, want 3", len(all))
	}
	if len(store.audits) != 1 || store.audits[0].EventType != "cag.load_rules" {
		t.Errorf("audit missing: %+v", store.audits)
	}
}

func TestLoadUniversalRulesRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
universal_rules:
  - id: bad-1
    name: broken
    severity: SEVERE
    trigger:
      any_of: [METHOD]
    resulting_classification: SECRET
    action: alert
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(&fakeStore{}, path)
	if _, err := engine.LoadUniversalRules(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
}
