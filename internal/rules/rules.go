package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
)

// Store defines the interface for rule persistence
type Store interface {
	ActiveRules(ctx context.Context, ruleType models.RuleType) ([]*models.Rule, error)
	ReplaceUniversalRules(ctx context.Context, rules []*models.Rule) (int, error)
	InsertRule(ctx context.Context, rule *models.Rule) error
	AppendAudit(ctx context.Context, event *models.AuditEvent) error
}

// Engine manages aggregation rules and evaluates category combinations
// against them.
type Engine struct {
	store     Store
	rulesPath string
}

func NewEngine(store Store, rulesPath string) *Engine {
	return &Engine{store: store, rulesPath: rulesPath}
}

// LoadUniversalRules reloads the universal rule set from the rules file.
// Existing universal rules are deactivated first so the file is the source
// of truth; rules keeping the same id are updated in place, which preserves
// references from stored alerts. Returns the number of rules loaded.
func (e *Engine) LoadUniversalRules(ctx context.Context) (int, error) {
	file, err := LoadRulesFile(e.rulesPath)
	if err != nil {
		return 0, fmt.Errorf("loading rules file: %w", err)
	}

	parsed := make([]*models.Rule, 0, len(file.UniversalRules))
	ids := make([]string, 0, len(file.UniversalRules))
	for _, def := range file.UniversalRules {
		rule, err := def.toRule()
		if err != nil {
			return 0, err
		}
		parsed = append(parsed, rule)
		ids = append(ids, rule.RuleID)
	}

	n, err := e.store.ReplaceUniversalRules(ctx, parsed)
	if err != nil {
		return 0, fmt.Errorf("replacing universal rules: %w", err)
	}

	if err := e.store.AppendAudit(ctx, &models.AuditEvent{
		EventType:  "cag.load_rules",
		Actor:      "system",
		Action:     fmt.Sprintf("Loaded %d universal rules", n),
		EntityType: "cag_rules",
		Details:    models.JSONB{"rule_ids": ids},
	}); err != nil {
		return n, fmt.Errorf("auditing rule load: %w", err)
	}
	return n, nil
}

// ActiveRules returns active rules, optionally filtered by type. Pass an
// empty ruleType for all.
func (e *Engine) ActiveRules(ctx context.Context, ruleType models.RuleType) ([]*models.Rule, error) {
	if ruleType != "" && !models.ValidRuleType(ruleType) {
		return nil, &models.ValidationError{Field: "rule_type", Value: string(ruleType), Msg: "must be universal, org or scg"}
	}
	return e.store.ActiveRules(ctx, ruleType)
}

// OrgRuleInput carries the fields of a new organization rule.
type OrgRuleInput struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Severity       models.Severity `json:"severity"`
	Trigger        models.Trigger  `json:"trigger"`
	ResultingClass string          `json:"resulting_classification"`
	Action         models.Action   `json:"action"`
	Remediation    string          `json:"remediation"`
	SCGProgramID   string          `json:"scg_program_id"`
}

func (in OrgRuleInput) validate(rule string) error {
	if strings.TrimSpace(in.Name) == "" {
		return &models.ValidationError{Field: "name", Rule: rule, Msg: "required"}
	}
	if !models.ValidSeverity(in.Severity) {
		return &models.ValidationError{Field: "severity", Value: string(in.Severity), Rule: rule, Msg: "must be LOW, MEDIUM, HIGH or CRITICAL"}
	}
	if !models.ValidAction(in.Action) {
		return &models.ValidationError{Field: "action", Value: string(in.Action), Rule: rule, Msg: "must be alert, review_required, block_and_alert or quarantine"}
	}
	if models.ClassificationRank(in.ResultingClass) < 0 {
		return &models.ValidationError{Field: "resulting_classification", Value: in.ResultingClass, Rule: rule, Msg: "not on the classification ladder"}
	}
	if err := in.Trigger.Validate(); err != nil {
		return &models.ValidationError{Field: "trigger", Rule: rule, Msg: err.Error()}
	}
	return nil
}

// AddOrgRule validates and persists an organization-specific rule, active
// immediately.
func (e *Engine) AddOrgRule(ctx context.Context, in OrgRuleInput) (*models.Rule, error) {
	return e.addRule(ctx, models.RuleTypeOrg, in)
}

// AddSCGRule persists a rule derived from a security classification guide.
// SCGProgramID is required.
func (e *Engine) AddSCGRule(ctx context.Context, in OrgRuleInput) (*models.Rule, error) {
	if strings.TrimSpace(in.SCGProgramID) == "" {
		return nil, &models.ValidationError{Field: "scg_program_id", Rule: in.Name, Msg: "required for scg rules"}
	}
	return e.addRule(ctx, models.RuleTypeSCG, in)
}

func (e *Engine) addRule(ctx context.Context, ruleType models.RuleType, in OrgRuleInput) (*models.Rule, error) {
	if err := in.validate(in.Name); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rule := &models.Rule{
		ID:                uuid.New(),
		RuleID:            fmt.Sprintf("rule-%s", strings.ReplaceAll(uuid.New().String(), "-", "")[:12]),
		RuleType:          ruleType,
		Name:              in.Name,
		Description:       in.Description,
		Severity:          in.Severity,
		Trigger:           in.Trigger,
		TriggerCategories: categoryStrings(in.Trigger.Categories()),
		ResultingClass:    in.ResultingClass,
		Action:            in.Action,
		Remediation:       in.Remediation,
		SCGProgramID:      in.SCGProgramID,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.store.InsertRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("inserting %s rule: %w", ruleType, err)
	}

	if err := e.store.AppendAudit(ctx, &models.AuditEvent{
		EventType:  "cag.add_rule",
		Actor:      "admin",
		Action:     fmt.Sprintf("Added %s rule: %s (severity=%s)", ruleType, rule.Name, rule.Severity),
		EntityType: "cag_rules",
		EntityID:   rule.RuleID,
		Details: models.JSONB{
			"name":               rule.Name,
			"severity":           string(rule.Severity),
			"trigger_categories": []string(rule.TriggerCategories),
			"action":             string(rule.Action),
		},
	}); err != nil {
		return rule, fmt.Errorf("auditing rule add: %w", err)
	}
	return rule, nil
}

// TriggerResult is one rule hit from an evaluation.
type TriggerResult struct {
	RuleID              string            `json:"rule_id"`
	RuleName            string            `json:"rule_name"`
	Severity            models.Severity   `json:"severity"`
	ResultingClass      string            `json:"resulting_classification"`
	Action              models.Action     `json:"action"`
	Remediation         string            `json:"remediation,omitempty"`
	TriggeredCategories []models.Category `json:"triggered_categories"`
	ProximityMultiplier float64           `json:"proximity_multiplier,omitempty"`
	AdjustedScore       float64           `json:"adjusted_score,omitempty"`
}

// Matches reports whether the trigger is satisfied by the present category
// set. It is pure: no storage, no clock.
func Matches(present map[models.Category]bool, t models.Trigger) bool {
	if t.MinCategories > 0 {
		n := 0
		for c := range present {
			if models.ValidCategory(c) {
				n++
			}
		}
		return n >= t.MinCategories
	}

	base := t.Base()
	if len(base) > 0 {
		for _, c := range base {
			if !present[c] {
				return false
			}
		}
		if len(t.AnyOf) > 0 {
			hits := 0
			for _, c := range t.AnyOf {
				if present[c] {
					hits++
				}
			}
			if t.MinAdditional > 0 {
				return hits >= t.MinAdditional
			}
			return hits > 0
		}
		return true
	}

	for _, c := range t.AnyOf {
		if present[c] {
			return true
		}
	}
	return false
}

// Evaluate tests the present categories against every rule in ruleSet and
// returns the hits ordered by severity, CRITICAL first. Ties keep ruleSet
// order. Triggered categories are the rule's referenced categories that are
// actually present, sorted.
func Evaluate(present []models.Category, ruleSet []*models.Rule) []TriggerResult {
	set := make(map[models.Category]bool, len(present))
	for _, c := range present {
		set[c] = true
	}

	var triggered []TriggerResult
	for _, rule := range ruleSet {
		if !Matches(set, rule.Trigger) {
			continue
		}

		var hit []models.Category
		for _, c := range rule.Trigger.Categories() {
			if set[c] {
				hit = append(hit, c)
			}
		}
		sort.Slice(hit, func(i, j int) bool { return hit[i] < hit[j] })

		triggered = append(triggered, TriggerResult{
			RuleID:              rule.RuleID,
			RuleName:            rule.Name,
			Severity:            rule.Severity,
			ResultingClass:      rule.ResultingClass,
			Action:              rule.Action,
			Remediation:         rule.Remediation,
			TriggeredCategories: hit,
		})
	}

	sort.SliceStable(triggered, func(i, j int) bool {
		return triggered[i].Severity.Rank() > triggered[j].Severity.Rank()
	})
	return triggered
}

// CategoryPair is an unordered category pair key for proximity maps.
type CategoryPair [2]models.Category

func NewCategoryPair(a, b models.Category) CategoryPair {
	if b < a {
		a, b = b, a
	}
	return CategoryPair{a, b}
}

// CombinationResult summarizes a combination check.
type CombinationResult struct {
	Triggered      bool            `json:"triggered"`
	Rules          []TriggerResult `json:"rules"`
	MaxSeverity    models.Severity `json:"max_severity,omitempty"`
	ResultingClass string          `json:"resulting_classification,omitempty"`
	RiskScore      float64         `json:"risk_score"`
}

// CheckCombination tests whether a category set trips any active rule.
// When proximity scores for category pairs are supplied, each hit's score is
// the severity weight times the mean proximity over its triggered pairs;
// otherwise the multiplier is 1. RiskScore is the highest adjusted score,
// rounded to 3 decimals.
func (e *Engine) CheckCombination(ctx context.Context, categories []models.Category, proximity map[CategoryPair]float64) (*CombinationResult, error) {
	ruleSet, err := e.store.ActiveRules(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("loading active rules: %w", err)
	}
	return CheckCombinationAgainst(categories, ruleSet, proximity), nil
}

// CheckCombinationAgainst is the pure core of CheckCombination.
func CheckCombinationAgainst(categories []models.Category, ruleSet []*models.Rule, proximity map[CategoryPair]float64) *CombinationResult {
	triggered := Evaluate(categories, ruleSet)
	if len(triggered) == 0 {
		return &CombinationResult{Triggered: false, RiskScore: 0}
	}

	result := &CombinationResult{Triggered: true}
	for i := range triggered {
		r := &triggered[i]
		base := r.Severity.Weight()
		r.ProximityMultiplier = 1.0
		if len(proximity) > 0 {
			var sum float64
			var n int
			for a := 0; a < len(r.TriggeredCategories); a++ {
				for b := a + 1; b < len(r.TriggeredCategories); b++ {
					if p, ok := proximity[NewCategoryPair(r.TriggeredCategories[a], r.TriggeredCategories[b])]; ok {
						sum += p
						n++
					}
				}
			}
			if n > 0 {
				r.ProximityMultiplier = sum / float64(n)
			}
		}
		r.AdjustedScore = base * r.ProximityMultiplier

		result.MaxSeverity = models.MaxSeverity(result.MaxSeverity, r.Severity)
		result.ResultingClass = models.MaxClassification(result.ResultingClass, r.ResultingClass)
		if r.AdjustedScore > result.RiskScore {
			result.RiskScore = r.AdjustedScore
		}
	}
	result.Rules = triggered
	result.RiskScore = math.Round(result.RiskScore*1000) / 1000
	return result
}

func categoryStrings(cats []models.Category) models.StringArray {
	out := make(models.StringArray, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	sort.Strings(out)
	return out
}
