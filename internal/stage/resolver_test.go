package stage

import (
	"testing"

	"github.com/mkondo/graphflow/internal/model"
)

func TestDiceSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"night", "nacht", 0.2, 0.3},
		{"identical", "identical", 1.0, 1.0},
		{"Avengers Initiative", "The Avengers Initiative", 0.80, 1.0},
		{"X-Men", "Avengers Initiative", 0.0, 0.2},
		{"", "", 1.0, 1.0},
		{"a", "b", 0.0, 0.0},
	}
	for _, tt := range tests {
		got := DiceSimilarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("DiceSimilarity(%q, %q) = %.3f, want in [%.2f, %.2f]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestResolver_ExactCaseInsensitiveFirst(t *testing.T) {
	r := NewResolver(0.80)
	existing := []model.NodeRef{
		{ID: "node_1", Label: "Avengers Initiative"},
		{ID: "node_2", Label: "avengers initiative"},
	}

	id, ok := r.Resolve("AVENGERS INITIATIVE", existing)
	if !ok {
		t.Fatal("expected resolution")
	}
	if id != "node_1" {
		t.Errorf("expected first exact case-insensitive match node_1, got %s", id)
	}
}

func TestResolver_NearDuplicateReused(t *testing.T) {
	r := NewResolver(0.80)
	existing := []model.NodeRef{{ID: "node_1", Label: "Avengers Initiative"}}

	id, ok := r.Resolve("The Avengers Initiative", existing)
	if !ok {
		t.Fatal("expected near-duplicate to resolve to existing entity")
	}
	if id != "node_1" {
		t.Errorf("expected node_1, got %s", id)
	}
}

func TestResolver_DistinctNameCreatesNew(t *testing.T) {
	r := NewResolver(0.80)
	existing := []model.NodeRef{{ID: "node_1", Label: "Avengers Initiative"}}

	if id, ok := r.Resolve("X-Men", existing); ok {
		t.Errorf("expected X-Men to be new, resolved to %s", id)
	}
}

func TestResolver_DefaultThreshold(t *testing.T) {
	r := NewResolver(0)
	if r.threshold != DefaultSimilarityThreshold {
		t.Errorf("expected default threshold %.2f, got %.2f", DefaultSimilarityThreshold, r.threshold)
	}
}
