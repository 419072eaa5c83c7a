package exposure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/models"
)

// ReportEntry is one exposure in a group report.
type ReportEntry struct {
	ExposureID        uuid.UUID `json:"exposure_id"`
	DocumentID        uuid.UUID `json:"document_id"`
	DocumentTitle     string    `json:"document_title"`
	CategoriesExposed []string  `json:"categories_exposed"`
	Audience          string    `json:"audience,omitempty"`
	ExposureDate      time.Time `json:"exposure_date"`
	AlertGenerated    bool      `json:"alert_generated"`
}

// GroupReport summarizes one capability group's exposure history.
type GroupReport struct {
	CapabilityGroup      string            `json:"capability_group"`
	LookbackDays         int               `json:"lookback_days"`
	ExposureCount        int               `json:"exposure_count"`
	DocumentCount        int               `json:"document_count"`
	CumulativeCategories []models.Category `json:"cumulative_categories"`
	CumulativeClass      string            `json:"cumulative_classification"`
	AlertsGenerated      int               `json:"alerts_generated"`
	Entries              []ReportEntry     `json:"entries"`
	GeneratedAt          time.Time         `json:"generated_at"`
}

// Report returns a group's exposures within the lookback window plus the
// cumulative classification the current rule set assigns to their union.
func (r *Register) Report(ctx context.Context, capabilityGroup string) (*GroupReport, error) {
	if capabilityGroup == "" {
		return nil, models.NewValidationError("capability_group", "", "required")
	}

	now := time.Now().UTC()
	entries, err := r.store.ExposuresSince(ctx, capabilityGroup, r.cutoff(now))
	if err != nil {
		return nil, fmt.Errorf("loading exposure history: %w", err)
	}

	set := make(map[models.Category]bool)
	docs := make(map[uuid.UUID]bool)
	alerts := 0
	out := make([]ReportEntry, 0, len(entries))
	for _, e := range entries {
		for _, c := range e.CategoriesExposed {
			set[models.Category(c)] = true
		}
		docs[e.DocumentID] = true
		if e.AlertGenerated {
			alerts++
		}
		out = append(out, ReportEntry{
			ExposureID:        e.ID,
			DocumentID:        e.DocumentID,
			DocumentTitle:     e.DocumentTitle,
			CategoriesExposed: e.CategoriesExposed,
			Audience:          e.Audience,
			ExposureDate:      e.ExposureDate,
			AlertGenerated:    e.AlertGenerated,
		})
	}

	cumulative := setToSortedSlice(set)
	cumulativeClass := "UNCLASSIFIED"
	if len(cumulative) > 0 {
		combo, err := r.checker.CheckCombination(ctx, cumulative, nil)
		if err != nil {
			return nil, fmt.Errorf("classifying cumulative set: %w", err)
		}
		if combo.Triggered {
			cumulativeClass = combo.ResultingClass
		}
	}

	return &GroupReport{
		CapabilityGroup:      capabilityGroup,
		LookbackDays:         r.LookbackDays(),
		ExposureCount:        len(entries),
		DocumentCount:        len(docs),
		CumulativeCategories: cumulative,
		CumulativeClass:      cumulativeClass,
		AlertsGenerated:      alerts,
		Entries:              out,
		GeneratedAt:          now,
	}, nil
}

// GroupSummary is one capability group's rollup across the window.
type GroupSummary struct {
	CapabilityGroup      string            `json:"capability_group"`
	ExposureCount        int               `json:"exposure_count"`
	DocumentCount        int               `json:"document_count"`
	CumulativeCategories []models.Category `json:"cumulative_categories"`
	AlertsGenerated      int               `json:"alerts_generated"`
	LastExposure         time.Time         `json:"last_exposure"`
}

// Groups summarizes every capability group with activity in the window.
func (r *Register) Groups(ctx context.Context) ([]GroupSummary, error) {
	now := time.Now().UTC()
	entries, err := r.store.ExposuresSince(ctx, "", r.cutoff(now))
	if err != nil {
		return nil, fmt.Errorf("loading exposure history: %w", err)
	}

	type acc struct {
		cats   map[models.Category]bool
		docs   map[uuid.UUID]bool
		count  int
		alerts int
		last   time.Time
	}
	byGroup := make(map[string]*acc)
	for _, e := range entries {
		a := byGroup[e.CapabilityGroup]
		if a == nil {
			a = &acc{cats: make(map[models.Category]bool), docs: make(map[uuid.UUID]bool)}
			byGroup[e.CapabilityGroup] = a
		}
		a.count++
		a.docs[e.DocumentID] = true
		for _, c := range e.CategoriesExposed {
			a.cats[models.Category(c)] = true
		}
		if e.AlertGenerated {
			a.alerts++
		}
		if e.ExposureDate.After(a.last) {
			a.last = e.ExposureDate
		}
	}

	out := make([]GroupSummary, 0, len(byGroup))
	for group, a := range byGroup {
		out = append(out, GroupSummary{
			CapabilityGroup:      group,
			ExposureCount:        a.count,
			DocumentCount:        len(a.docs),
			CumulativeCategories: setToSortedSlice(a.cats),
			AlertsGenerated:      a.alerts,
			LastExposure:         a.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityGroup < out[j].CapabilityGroup })
	return out, nil
}
