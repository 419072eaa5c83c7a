package rules

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/govsentry/cag/internal/models"
)

// RulesFile is the on-disk rule configuration. universal_rules feed the
// rule repository; proximity and cross_document tune the scanner and the
// exposure register.
type RulesFile struct {
	UniversalRules []RuleDef          `yaml:"universal_rules"`
	Proximity      map[string]float64 `yaml:"proximity"`
	CrossDocument  CrossDocumentDef   `yaml:"cross_document"`
}

type RuleDef struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Severity       string         `yaml:"severity"`
	Trigger        models.Trigger `yaml:"trigger"`
	ResultingClass string         `yaml:"resulting_classification"`
	Action         string         `yaml:"action"`
	Remediation    string         `yaml:"remediation"`
}

type CrossDocumentDef struct {
	LookbackDays   int     `yaml:"lookback_days"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// LoadRulesFile reads and validates the rule configuration. Any invalid
// rule definition fails the whole load; a half-applied rule set is worse
// than a stale one.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	for i := range file.UniversalRules {
		if err := file.UniversalRules[i].validate(); err != nil {
			return nil, err
		}
	}
	return &file, nil
}

func (d RuleDef) validate() error {
	name := d.ID
	if name == "" {
		name = d.Name
	}
	if d.Name == "" {
		return &models.ValidationError{Field: "name", Rule: name, Msg: "required"}
	}
	if !models.ValidSeverity(models.Severity(d.Severity)) {
		return &models.ValidationError{Field: "severity", Value: d.Severity, Rule: name, Msg: "must be LOW, MEDIUM, HIGH or CRITICAL"}
	}
	if !models.ValidAction(models.Action(d.Action)) {
		return &models.ValidationError{Field: "action", Value: d.Action, Rule: name, Msg: "must be alert, review_required, block_and_alert or quarantine"}
	}
	if models.ClassificationRank(d.ResultingClass) < 0 {
		return &models.ValidationError{Field: "resulting_classification", Value: d.ResultingClass, Rule: name, Msg: "not on the classification ladder"}
	}
	if err := d.Trigger.Validate(); err != nil {
		return &models.ValidationError{Field: "trigger", Rule: name, Msg: err.Error()}
	}
	return nil
}

func (d RuleDef) toRule() (*models.Rule, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	ruleID := d.ID
	if ruleID == "" {
		ruleID = fmt.Sprintf("rule-%s", uuid.New().String()[:12])
	}
	now := time.Now().UTC()
	return &models.Rule{
		ID:                uuid.New(),
		RuleID:            ruleID,
		RuleType:          models.RuleTypeUniversal,
		Name:              d.Name,
		Description:       d.Description,
		Severity:          models.Severity(d.Severity),
		Trigger:           d.Trigger,
		TriggerCategories: categoryStrings(d.Trigger.Categories()),
		ResultingClass:    d.ResultingClass,
		Action:            models.Action(d.Action),
		Remediation:       d.Remediation,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}
