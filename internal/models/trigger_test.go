package models

import (
	"encoding/json"
	"testing"
)

func TestTriggerShape(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		shape   TriggerShape
		wantErr bool
	}{
		{"all_of only", Trigger{AllOf: []Category{CategoryPersonnel}}, ShapeAllOf, false},
		{"required synonym", Trigger{Required: []Category{CategoryTiming, CategoryLocation}}, ShapeAllOf, false},
		{"any_of only", Trigger{AnyOf: []Category{CategoryMethod}}, ShapeAnyOf, false},
		{"min_categories", Trigger{MinCategories: 4}, ShapeMinCategories, false},
		{"empty", Trigger{}, "", true},
		{"min_categories with list", Trigger{MinCategories: 3, AnyOf: []Category{CategorySource}}, "", true},
		{"both all_of and required", Trigger{AllOf: []Category{CategoryScale}, Required: []Category{CategoryScale}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, err := tt.trigger.Shape()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Shape: %v", err)
			}
			if shape != tt.shape {
				t.Errorf("shape = %s, want %s", shape, tt.shape)
			}
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"valid combined", Trigger{AllOf: []Category{CategoryCapability}, AnyOf: []Category{CategoryLocation, CategoryTiming}, MinAdditional: 1}, false},
		{"unknown category", Trigger{AllOf: []Category{"WEATHER"}}, true},
		{"min_additional without pool", Trigger{AllOf: []Category{CategoryProgram}, MinAdditional: 2}, true},
		{"min_additional exceeds pool", Trigger{AllOf: []Category{CategoryProgram}, AnyOf: []Category{CategorySource}, MinAdditional: 2}, true},
		{"negative count", Trigger{MinCategories: -1, AnyOf: []Category{CategorySource}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTriggerCategories(t *testing.T) {
	tr := Trigger{AllOf: []Category{CategoryCapability, CategoryLocation}, AnyOf: []Category{CategoryLocation, CategoryTiming}}
	got := tr.Categories()
	want := []Category{CategoryCapability, CategoryLocation, CategoryTiming}
	if len(got) != len(want) {
		t.Fatalf("Categories() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Categories()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// min_categories references every category
	if n := len(Trigger{MinCategories: 4}.Categories()); n != len(AllCategories) {
		t.Errorf("min_categories references %d categories, want %d", n, len(AllCategories))
	}
}

func TestTriggerJSONRoundTrip(t *testing.T) {
	in := Trigger{Required: []Category{CategoryPersonnel}, AnyOf: []Category{CategoryLocation, CategoryTiming}, MinAdditional: 1}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Trigger
	if err := out.Scan(data); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out.MinAdditional != 1 || len(out.Required) != 1 || len(out.AnyOf) != 2 {
		t.Errorf("round trip lost fields: %+v", out)
	}
}
