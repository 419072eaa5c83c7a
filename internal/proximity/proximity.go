// Package proximity scores how tightly two tagged spans co-occur within a
// document's structure. Closer co-occurrence means higher compilation risk.
package proximity

import (
	"math"

	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/models"
)

// Relation is the structural relationship between two tagged spans.
type Relation string

const (
	SameParagraph Relation = "same_paragraph"
	SameSection   Relation = "same_section"
	SameVolume    Relation = "same_volume"
	CrossVolume   Relation = "cross_volume"
)

// Scorer weights co-occurrence by structural relation. Multipliers come
// from configuration so policy can tighten them without a rebuild.
type Scorer struct {
	multipliers map[Relation]float64
}

func NewScorer(cfg config.ProximityConfig) *Scorer {
	return &Scorer{multipliers: map[Relation]float64{
		SameParagraph: cfg.SameParagraph,
		SameSection:   cfg.SameSection,
		SameVolume:    cfg.SameVolume,
		CrossVolume:   cfg.CrossVolume,
	}}
}

// Multiplier returns the base multiplier for a relation. Unknown relations
// fall back to the cross_volume floor.
func (s *Scorer) Multiplier(rel Relation) float64 {
	if m, ok := s.multipliers[rel]; ok {
		return m
	}
	return s.multipliers[CrossVolume]
}

// Score combines the relation's base multiplier with the mean confidence of
// the two contributing tag sets. Empty sets count as confidence 0.5. The
// result is rounded to 4 decimals so audit replays reproduce it exactly.
func (s *Scorer) Score(rel Relation, tagsA, tagsB []models.Tag) float64 {
	avg := (meanConfidence(tagsA) + meanConfidence(tagsB)) / 2.0
	return Round4(s.Multiplier(rel) * avg)
}

// ScoreTags is Score for a single co-located tag set, used by the scopes
// whose hits come from one paragraph or one section.
func (s *Scorer) ScoreTags(rel Relation, tags []models.Tag) float64 {
	return Round4(s.Multiplier(rel) * meanConfidence(tags))
}

// RiskScore is the severity-weighted proximity score of a single finding.
func RiskScore(severity models.Severity, proximityScore float64) float64 {
	return Round4(severity.Weight() * proximityScore)
}

func meanConfidence(tags []models.Tag) float64 {
	if len(tags) == 0 {
		return 0.5
	}
	var sum float64
	for _, t := range tags {
		sum += t.Confidence
	}
	return sum / float64(len(tags))
}

// Round4 rounds to 4 decimal places.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
