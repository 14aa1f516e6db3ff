package conflict

import (
	"testing"

	"dispersal/pkg/catalog"
	"dispersal/pkg/errs"
	"dispersal/pkg/types"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cat := catalog.New()
	err := cat.Load([]*types.JurisdictionRecord{
		{
			ID:            "switzerland",
			PrivacyScore:  10,
			MLATDelayDays: 180,
			Treaties:      map[types.TreatyID]bool{"mlat-eu": true},
		},
		{
			ID:            "iceland",
			PrivacyScore:  9,
			MLATDelayDays: 120,
			Treaties:      map[types.TreatyID]bool{"mlat-eu": true},
		},
		{
			ID:                  "china",
			SovereigntyRequired: true,
		},
		{
			ID:             "russia",
			ExtraditionGap: true,
		},
	})
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	return cat
}

func TestScorerSymmetry(t *testing.T) {
	cat := testCatalog(t)
	scorer := NewScorer(cat, DefaultWeights())

	ids := []types.JurisdictionID{"switzerland", "iceland", "china", "russia"}
	for _, a := range ids {
		for _, b := range ids {
			ab, err := scorer.Score(a, b)
			if err != nil {
				t.Fatalf("Score(%s,%s): %v", a, b, err)
			}
			ba, err := scorer.Score(b, a)
			if err != nil {
				t.Fatalf("Score(%s,%s): %v", b, a, err)
			}
			if ab != ba {
				t.Errorf("score not symmetric: score(%s,%s)=%f, score(%s,%s)=%f", a, b, ab, b, a, ba)
			}
			if ab < 0 {
				t.Errorf("score(%s,%s)=%f is negative", a, b, ab)
			}
		}
	}
}

func TestScorerComponents(t *testing.T) {
	cat := testCatalog(t)
	scorer := NewScorer(cat, DefaultWeights())

	tests := []struct {
		name     string
		a, b     types.JurisdictionID
		expected float64
	}{
		// privacy gap 1 + shared treaty + same sovereignty + 60 day divergence
		{"shared treaty pair", "switzerland", "iceland", 1 + 0 + 0 + 3},
		// privacy gap 10 + no shared treaty + sovereignty mismatch + 180 days
		{"sovereignty mismatch", "switzerland", "china", 10 + 5 + 3 + 9},
		// privacy gap 10 + no shared treaty + 180 days
		{"extradition gap pair", "switzerland", "russia", 10 + 5 + 0 + 9},
		// no shared treaty + sovereignty mismatch only
		{"isolated pair", "china", "russia", 0 + 5 + 3 + 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := scorer.Score(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Score(%s,%s): %v", tt.a, tt.b, err)
			}
			if score != tt.expected {
				t.Errorf("score(%s,%s) = %f, want %f", tt.a, tt.b, score, tt.expected)
			}
		})
	}
}

func TestScorerUnknownJurisdiction(t *testing.T) {
	cat := testCatalog(t)
	scorer := NewScorer(cat, DefaultWeights())

	_, err := scorer.Score("switzerland", "atlantis")
	if err == nil {
		t.Fatal("expected error for unknown jurisdiction")
	}
	if !errs.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestScorerCacheInvalidation(t *testing.T) {
	cat := testCatalog(t)
	scorer := NewScorer(cat, DefaultWeights())

	before, err := scorer.Score("switzerland", "iceland")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// Replace the catalog with records that score differently.
	err = cat.Load([]*types.JurisdictionRecord{
		{ID: "switzerland", PrivacyScore: 10},
		{ID: "iceland", PrivacyScore: 10},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	after, err := scorer.Score("switzerland", "iceland")
	if err != nil {
		t.Fatalf("Score after reload: %v", err)
	}

	// No shared treaty now, but no privacy gap and no MLAT divergence.
	if after == before {
		t.Errorf("cache not invalidated on catalog reload: score still %f", before)
	}
	if after != 5.0 {
		t.Errorf("score after reload = %f, want 5.0", after)
	}
}

func TestPairwiseSum(t *testing.T) {
	cat := testCatalog(t)
	scorer := NewScorer(cat, DefaultWeights())

	// Single jurisdiction has no pairs.
	sum, err := scorer.PairwiseSum([]types.JurisdictionID{"switzerland"})
	if err != nil {
		t.Fatalf("PairwiseSum: %v", err)
	}
	if sum != 0 {
		t.Errorf("single-jurisdiction sum = %f, want 0", sum)
	}

	sum, err = scorer.PairwiseSum([]types.JurisdictionID{"switzerland", "china", "russia"})
	if err != nil {
		t.Fatalf("PairwiseSum: %v", err)
	}
	expected := 27.0 + 24.0 + 8.0
	if sum != expected {
		t.Errorf("sum = %f, want %f", sum, expected)
	}
}
