package proximity

import (
	"testing"

	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/models"
)

func defaultScorer() *Scorer {
	return NewScorer(config.ProximityConfig{
		SameParagraph: 0.9,
		SameSection:   0.7,
		SameVolume:    0.4,
		CrossVolume:   0.2,
	})
}

func tagsWith(confs ...float64) []models.Tag {
	out := make([]models.Tag, len(confs))
	for i, c := range confs {
		out[i] = models.Tag{Confidence: c}
	}
	return out
}

func TestScoreSameParagraph(t *testing.T) {
	s := defaultScorer()
	// both sides at 0.85 confidence: 0.9 * 0.85
	got := s.Score(SameParagraph, tagsWith(0.85), tagsWith(0.85))
	if got != 0.765 {
		t.Errorf("Score = %v, want 0.765", got)
	}
}

func TestScoreTagsSingleSet(t *testing.T) {
	s := defaultScorer()
	// one paragraph holding 0.9 and 0.8 tags: 0.9 * 0.85
	if got := s.ScoreTags(SameParagraph, tagsWith(0.9, 0.8)); got != 0.765 {
		t.Errorf("ScoreTags = %v, want 0.765", got)
	}
	// empty set falls back to confidence 0.5
	if got := s.ScoreTags(SameSection, nil); got != 0.35 {
		t.Errorf("ScoreTags = %v, want 0.35", got)
	}
}

func TestScoreMonotonicAcrossRelations(t *testing.T) {
	s := defaultScorer()
	a, b := tagsWith(0.9, 0.7), tagsWith(0.8)
	relations := []Relation{SameParagraph, SameSection, SameVolume, CrossVolume}
	prev := 2.0
	for _, rel := range relations {
		got := s.Score(rel, a, b)
		if got >= prev {
			t.Errorf("score for %s (%v) should be below %v", rel, got, prev)
		}
		prev = got
	}
}

func TestScoreEmptyTagsDefaultConfidence(t *testing.T) {
	s := defaultScorer()
	// empty sets count as 0.5 confidence: 0.4 * 0.5
	if got := s.Score(SameVolume, nil, nil); got != 0.2 {
		t.Errorf("Score = %v, want 0.2", got)
	}
}

func TestMultiplierUnknownRelationFloor(t *testing.T) {
	s := defaultScorer()
	if got := s.Multiplier(Relation("adjacent_binder")); got != 0.2 {
		t.Errorf("Multiplier = %v, want cross_volume floor 0.2", got)
	}
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		severity models.Severity
		prox     float64
		expected float64
	}{
		{models.SeverityCritical, 0.9, 0.9},
		{models.SeverityHigh, 0.7, 0.525},
		{models.SeverityMedium, 0.4, 0.2},
		{models.SeverityLow, 0.2, 0.05},
	}
	for _, tt := range tests {
		if got := RiskScore(tt.severity, tt.prox); got != tt.expected {
			t.Errorf("RiskScore(%s, %v) = %v, want %v", tt.severity, tt.prox, got, tt.expected)
		}
	}
}
