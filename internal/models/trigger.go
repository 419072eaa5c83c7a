package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// TriggerShape identifies which of the trigger forms a rule uses.
type TriggerShape string

const (
	ShapeAllOf         TriggerShape = "all_of"
	ShapeAnyOf         TriggerShape = "any_of"
	ShapeMinCategories TriggerShape = "min_categories"
)

// Trigger is the matching condition of a rule. Exactly one of the three
// shapes applies: all_of (with optional any_of and min_additional), any_of
// alone, or min_categories. `required` is accepted as a synonym for all_of.
type Trigger struct {
	AllOf         []Category `json:"all_of,omitempty" yaml:"all_of"`
	Required      []Category `json:"required,omitempty" yaml:"required"`
	AnyOf         []Category `json:"any_of,omitempty" yaml:"any_of"`
	MinAdditional int        `json:"min_additional,omitempty" yaml:"min_additional"`
	MinCategories int        `json:"min_categories,omitempty" yaml:"min_categories"`
}

// Base returns the mandatory category list, folding the required synonym
// into all_of.
func (t Trigger) Base() []Category {
	if len(t.AllOf) > 0 {
		return t.AllOf
	}
	return t.Required
}

func (t Trigger) Shape() (TriggerShape, error) {
	if t.MinCategories > 0 {
		if len(t.AllOf) > 0 || len(t.Required) > 0 || len(t.AnyOf) > 0 {
			return "", errors.New("min_categories cannot combine with category lists")
		}
		return ShapeMinCategories, nil
	}
	if len(t.AllOf) > 0 && len(t.Required) > 0 {
		return "", errors.New("all_of and required are synonyms, use one")
	}
	if len(t.Base()) > 0 {
		return ShapeAllOf, nil
	}
	if len(t.AnyOf) > 0 {
		return ShapeAnyOf, nil
	}
	return "", errors.New("trigger specifies no condition")
}

// Validate checks the trigger has exactly one shape and only valid categories.
func (t Trigger) Validate() error {
	shape, err := t.Shape()
	if err != nil {
		return err
	}
	for _, c := range append(append([]Category{}, t.Base()...), t.AnyOf...) {
		if !ValidCategory(c) {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	if t.MinAdditional < 0 || t.MinCategories < 0 {
		return errors.New("counts must be non-negative")
	}
	if t.MinAdditional > 0 && shape != ShapeAllOf {
		return errors.New("min_additional requires all_of or required")
	}
	if t.MinAdditional > 0 && len(t.AnyOf) == 0 {
		return errors.New("min_additional requires an any_of pool")
	}
	if t.MinAdditional > len(t.AnyOf) && len(t.AnyOf) > 0 {
		return fmt.Errorf("min_additional %d exceeds any_of size %d", t.MinAdditional, len(t.AnyOf))
	}
	return nil
}

// Categories returns every category the trigger references, deduplicated,
// in first-mention order. min_categories triggers reference all of them.
func (t Trigger) Categories() []Category {
	if t.MinCategories > 0 {
		out := make([]Category, len(AllCategories))
		copy(out, AllCategories)
		return out
	}
	seen := make(map[Category]bool)
	var out []Category
	for _, c := range append(append([]Category{}, t.Base()...), t.AnyOf...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func (t Trigger) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *Trigger) Scan(value interface{}) error {
	if value == nil {
		*t = Trigger{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, t)
}
